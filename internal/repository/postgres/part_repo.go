package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hulylake/store/internal/domain"
)

// partRepository implements the part index: object(workspace, key, part, inline, data).
type partRepository struct {
	db *DB
}

// NewPartRepository creates a new PostgreSQL part-index repository.
func NewPartRepository(db *DB) *partRepository {
	return &partRepository{db: db}
}

// FindParts returns the ordered part chain for (workspace, key), or an empty
// slice if the key does not exist.
func (r *partRepository) FindParts(ctx context.Context, workspace, key string) ([]domain.Part, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT part, data, inline FROM object WHERE workspace = $1 AND key = $2 ORDER BY part`,
		workspace, key,
	)
	if err != nil {
		return nil, fmt.Errorf("find parts: %w", err)
	}
	defer rows.Close()

	var parts []domain.Part
	for rows.Next() {
		var (
			index  int
			raw    json.RawMessage
			inline []byte
		)
		if err := rows.Scan(&index, &raw, &inline); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		var data domain.PartData
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("unmarshal part data: %w", err)
		}
		parts = append(parts, domain.Part{Index: index, Inline: inline, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parts: %w", err)
	}
	return parts, nil
}

// SetPart transactionally deletes all parts of (workspace, key) and inserts
// a single part at index 0. Used by PUT to (re)create a key.
func (r *partRepository) SetPart(ctx context.Context, workspace, key string, inline []byte, data domain.PartData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal part data: %w", err)
	}

	return r.db.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM object WHERE workspace = $1 AND key = $2`, workspace, key); err != nil {
			return fmt.Errorf("delete existing parts: %w", err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO object (workspace, key, part, inline, data) VALUES ($1, $2, 0, $3, $4)
			 ON CONFLICT (workspace, key, part) DO UPDATE SET inline = $3, data = $4`,
			workspace, key, inline, raw,
		)
		if err != nil {
			return fmt.Errorf("insert part 0: %w", err)
		}
		return nil
	})
}

// AppendPart inserts a new part at nextIndex. Used by PATCH.
func (r *partRepository) AppendPart(ctx context.Context, workspace, key string, nextIndex int, inline []byte, data domain.PartData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal part data: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO object (workspace, key, part, inline, data) VALUES ($1, $2, $3, $4, $5)`,
		workspace, key, nextIndex, inline, raw,
	)
	if err != nil {
		return fmt.Errorf("append part: %w", err)
	}
	return nil
}
