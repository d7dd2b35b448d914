// Command server is the entry point for the hulylake store HTTP service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hulylake/store/internal/auth"
	"github.com/hulylake/store/internal/blobsvc"
	"github.com/hulylake/store/internal/compactor"
	"github.com/hulylake/store/internal/config"
	"github.com/hulylake/store/internal/handler"
	"github.com/hulylake/store/internal/keymutex"
	"github.com/hulylake/store/internal/metrics"
	"github.com/hulylake/store/internal/objectstore"
	"github.com/hulylake/store/internal/recovery"
	"github.com/hulylake/store/internal/repository/postgres"
)

// Version information, set at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.MustLoad(os.Getenv("HULYLAKE_CONFIG"))

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Logger

	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("starting hulylake store server")

	ctx := context.Background()

	db, err := postgres.NewDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to database")
	}
	defer db.Close()

	parts := postgres.NewPartRepository(db)
	blobs := postgres.NewBlobRepository(db)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
	if err != nil {
		logger.Fatal().Err(err).Msg("load object store credentials")
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = &cfg.S3.Endpoint
			o.UsePathStyle = true
		}
	})
	store := objectstore.New(s3Client, cfg.S3.Bucket)

	blobService := blobsvc.New(store, blobs, cfg.Server.InlineThreshold, cfg.Server.MultipartThreshold)
	locks := keymutex.New()
	recoveryWriter := recovery.New(store)

	registry := metrics.New(prometheus.DefaultRegisterer)

	compactorWorker := compactor.New(parts, blobService, store, recoveryWriter, locks,
		cfg.Compact.PartsLimit, cfg.Compact.BufferSize, cfg.Server.InlineThreshold, logger)
	compactorWorker.SetMetrics(registry)
	compactorWorker.Start(ctx)

	h := handler.New(blobService, parts, store, locks, compactorWorker, cfg.Server.InlineThreshold, logger)
	authMiddleware := auth.Middleware([]byte(cfg.Auth.TokenSecret))
	router := handler.NewRouter(h, authMiddleware, registry)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}

	logger.Info().Msg("server stopped")
}
