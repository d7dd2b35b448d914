// Package blobsvc implements blob ingestion: streaming hash-as-you-go
// upload with an inline threshold, dedup lookup, and multipart fallback.
package blobsvc

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/segmentio/ksuid"

	"github.com/hulylake/store/internal/domain"
	"github.com/hulylake/store/internal/hashbuf"
	"github.com/hulylake/store/internal/objectstore"
)

// DedupIndex is the subset of the part index the blob service needs: the
// write-once hash -> storage key mapping.
type DedupIndex interface {
	FindBlobByHash(ctx context.Context, hash string) (storageKey string, found bool, err error)

	// InsertBlob attempts to claim hash for storageKey. If a concurrent
	// writer already claimed hash first, winningKey is that writer's key
	// (not storageKey) and the caller must delete its own upload.
	InsertBlob(ctx context.Context, storageKey, hash string) (winningKey string, err error)
}

// ObjectStore is the object-store surface the blob service consumes. It is
// satisfied by *objectstore.Store; tests substitute an in-memory fake.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	Delete(ctx context.Context, key string) error
	MultipartUpload(ctx context.Context, key string, src io.Reader, onChunk func([]byte)) (objectstore.Upload, error)
}

// Service uploads content to the object store with content-hash dedup.
type Service struct {
	store              ObjectStore
	index              DedupIndex
	inlineThreshold    int64
	multipartThreshold int64
}

// New constructs a blob service. inlineThreshold and multipartThreshold are
// the configured byte boundaries from §4.1/§6.
func New(store ObjectStore, index DedupIndex, inlineThreshold, multipartThreshold int64) *Service {
	return &Service{
		store:              store,
		index:              index,
		inlineThreshold:    inlineThreshold,
		multipartThreshold: multipartThreshold,
	}
}

// Upload consumes up to declaredLength bytes from src and returns the
// resulting blob. See spec §4.1 for the single-shot/multipart dispatch rule.
func (s *Service) Upload(ctx context.Context, declaredLength int64, src io.Reader) (domain.Blob, error) {
	if declaredLength < s.multipartThreshold {
		return s.uploadSingleShot(ctx, declaredLength, src)
	}
	return s.uploadMultipart(ctx, src)
}

func (s *Service) uploadSingleShot(ctx context.Context, declaredLength int64, src io.Reader) (domain.Blob, error) {
	hasher := hashbuf.New()
	buf := make([]byte, 0, declaredLength)
	chunk := make([]byte, 64*1024)

	for {
		n, err := src.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if int64(len(buf)) > declaredLength {
				return domain.Blob{}, domain.ErrPayloadTooLarge
			}
			hasher.Write(chunk[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return domain.Blob{}, fmt.Errorf("read upload stream: %w", err)
		}
	}

	if int64(len(buf)) != declaredLength {
		return domain.Blob{}, domain.ErrPayloadSizeMismatch
	}

	hash := hasher.HexSum()
	length := int64(len(buf))

	var inline []byte
	if length < s.inlineThreshold {
		inline = buf
	}

	existing, found, err := s.index.FindBlobByHash(ctx, hash)
	if err != nil {
		return domain.Blob{}, fmt.Errorf("dedup lookup: %w", err)
	}
	if found {
		return domain.Blob{Hash: hash, StorageKey: existing, Length: length, Inline: inline, Deduplicated: true}, nil
	}

	storageKey := ksuid.New().String()
	if err := s.store.Put(ctx, storageKey, bytes.NewReader(buf), "application/octet-stream"); err != nil {
		return domain.Blob{}, err
	}

	winner, err := s.index.InsertBlob(ctx, storageKey, hash)
	if err != nil {
		return domain.Blob{}, fmt.Errorf("insert blob: %w", err)
	}
	deduplicated := winner != storageKey
	if deduplicated {
		// Lost the race: a concurrent writer claimed hash first. Delete
		// our orphaned upload and serve the winner's storage key.
		if delErr := s.store.Delete(ctx, storageKey); delErr != nil {
			return domain.Blob{}, fmt.Errorf("delete orphaned upload: %w", delErr)
		}
		storageKey = winner
	}

	return domain.Blob{Hash: hash, StorageKey: storageKey, Length: length, Inline: inline, Deduplicated: deduplicated}, nil
}

func (s *Service) uploadMultipart(ctx context.Context, src io.Reader) (domain.Blob, error) {
	storageKey := ksuid.New().String()
	hasher := hashbuf.New()

	result, err := s.store.MultipartUpload(ctx, storageKey, src, func(chunk []byte) {
		hasher.Write(chunk)
	})
	if err != nil {
		return domain.Blob{}, err
	}

	hash := hasher.HexSum()

	winner, err := s.index.InsertBlob(ctx, storageKey, hash)
	if err != nil {
		return domain.Blob{}, fmt.Errorf("insert blob: %w", err)
	}
	deduplicated := winner != storageKey
	if deduplicated {
		if delErr := s.store.Delete(ctx, storageKey); delErr != nil {
			return domain.Blob{}, fmt.Errorf("delete deduplicated upload: %w", delErr)
		}
		storageKey = winner
	}

	// Multipart uploads never return an inline copy.
	blob := domain.Blob{Hash: hash, StorageKey: storageKey, Length: result.Length, Deduplicated: deduplicated}
	if !deduplicated {
		blob.PartsCount = result.PartsCount
	}
	return blob, nil
}
