// Package hashbuf provides streaming BLAKE3 hashing for the blob ingestion
// path. It holds no buffer of its own; callers buffer as they need.
package hashbuf

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// Hasher wraps a streaming BLAKE3 hash so callers can feed bytes as they
// arrive off the wire without buffering the whole payload twice.
type Hasher struct {
	h *blake3.Hasher
}

// New returns a fresh streaming hasher.
func New() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Write feeds bytes into the hash. Never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// HexSum returns the 256-bit BLAKE3 digest hex-encoded, matching the
// object store's dedup table key format.
func (h *Hasher) HexSum() string {
	sum := h.h.Sum(nil)
	return hex.EncodeToString(sum)
}

// TeeWriter wraps w so every byte written through it is also hashed.
func TeeWriter(h *Hasher, w io.Writer) io.Writer {
	return io.MultiWriter(w, h)
}
