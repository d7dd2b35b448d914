package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// blobRepository implements the write-once dedup table: blob(key, hash).
type blobRepository struct {
	db *DB
}

// NewBlobRepository creates a new PostgreSQL dedup-table repository.
func NewBlobRepository(db *DB) *blobRepository {
	return &blobRepository{db: db}
}

// FindBlobByHash looks up the storage key already claimed for hash, if any.
func (r *blobRepository) FindBlobByHash(ctx context.Context, hash string) (string, bool, error) {
	var key string
	err := r.db.Pool.QueryRow(ctx, `SELECT key FROM blob WHERE hash = $1`, hash).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("find blob by hash: %w", err)
	}
	return key, true, nil
}

// InsertBlob claims hash for storageKey. hash is UNIQUE; a concurrent writer
// racing to the same hash loses the ON CONFLICT branch and the no-op update
// returns the winner's key via RETURNING, rather than the caller's own.
func (r *blobRepository) InsertBlob(ctx context.Context, storageKey, hash string) (string, error) {
	query := `
		INSERT INTO blob (key, hash)
		VALUES ($1, $2)
		ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash
		RETURNING key
	`

	var winningKey string
	if err := r.db.Pool.QueryRow(ctx, query, storageKey, hash).Scan(&winningKey); err != nil {
		return "", fmt.Errorf("insert blob: %w", err)
	}
	return winningKey, nil
}
