// Command migrate applies the part-index schema to the configured database.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/hulylake/store/internal/config"
	"github.com/hulylake/store/internal/repository/postgres"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "up":
		runUp()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runUp() {
	cfg := config.MustLoad(os.Getenv("HULYLAKE_CONFIG"))

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to database")
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db, cfg.Database.Scheme); err != nil {
		logger.Fatal().Err(err).Msg("apply migration")
	}

	logger.Info().Str("schema", cfg.Database.Scheme).Msg("migration applied")
}

func printUsage() {
	fmt.Println(`hulylake store migration tool

Usage:
  migrate <command>

Commands:
  up      Create the blob/object tables in the configured schema
  help    Show this help message`)
}
