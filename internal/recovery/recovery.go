// Package recovery writes best-effort, read-path-independent snapshots to
// the object store so the relational index can be reconstructed by hand if
// it is ever lost. Nothing in the core reads these objects back; a failure
// to write one is logged and never fails the operation that triggered it.
package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hulylake/store/internal/domain"
)

// Putter is the write-side subset of the object store recovery needs.
type Putter interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

// Writer writes recovery snapshots through an object store.
type Writer struct {
	store Putter
}

// New wraps an object store for recovery writes.
func New(store Putter) *Writer {
	return &Writer{store: store}
}

// WriteObjectSnapshot stores the current part chain for (workspace, key) as
// a JSON document at object/<workspace>/<key>.
func (w *Writer) WriteObjectSnapshot(ctx context.Context, workspace, key string, parts []domain.Part) error {
	body, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("marshal object snapshot: %w", err)
	}
	recKey := fmt.Sprintf("object/%s/%s", workspace, key)
	return w.store.Put(ctx, recKey, bytes.NewReader(body), "application/json")
}

// WriteBlobMarker stores a plain-text hash marker for storageKey at
// blob/<storage_key>, recording which hash a given storage key holds.
func (w *Writer) WriteBlobMarker(ctx context.Context, storageKey, hash string) error {
	recKey := fmt.Sprintf("blob/%s", storageKey)
	return w.store.Put(ctx, recKey, strings.NewReader(hash), "text/plain")
}
