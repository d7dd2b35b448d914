package postgres

import (
	"context"
	"fmt"
)

// schemaDDL creates the two core tables inside the configured schema. It is
// idempotent so it can run on every startup as well as from the migration
// CLI.
const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.blob (
	key  TEXT PRIMARY KEY,
	hash TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS %[1]s.object (
	workspace UUID NOT NULL,
	key       TEXT NOT NULL,
	part      INT  NOT NULL,
	inline    BYTEA,
	data      JSONB NOT NULL,
	PRIMARY KEY (workspace, key, part)
);
`

// Migrate applies the schema DDL for the configured schema. Safe to call on
// every process startup.
func Migrate(ctx context.Context, db *DB, schema string) error {
	ddl := fmt.Sprintf(schemaDDL, schema)
	if _, err := db.Pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema migration: %w", err)
	}
	return nil
}
