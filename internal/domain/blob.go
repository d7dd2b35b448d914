// Package domain contains the core business entities of the mergeable
// object store.
package domain

// Blob is an immutable content-addressed byte sequence held in the object
// store. The dedup table maps hash to storage key; a blob row is write-once,
// never mutated or deleted by the core.
type Blob struct {
	// Hash is the BLAKE3 hash of the content, hex-encoded (256-bit).
	Hash string `json:"hash"`

	// StorageKey is the opaque identifier under which the bytes are stored
	// in the object store (KSUID, base62). Assigned at first sight of a hash.
	StorageKey string `json:"storage_key"`

	// Length is the size of the blob in bytes.
	Length int64 `json:"length"`

	// Inline carries the blob's bytes directly when Length is below the
	// configured inline threshold, letting reads skip the object store.
	Inline []byte `json:"-"`

	// Deduplicated reports whether this upload matched a hash already
	// claimed by an earlier blob, rather than landing new bytes. Transient
	// response metadata, never persisted on a part.
	Deduplicated bool `json:"-"`

	// PartsCount is the number of object-store parts a multipart upload was
	// split into. Zero for single-shot uploads or a deduplicated result.
	PartsCount int `json:"-"`
}
