// Package compactor runs the asynchronous two-stage pipeline that folds a
// key's long part chain back into a single materialized blob. Compaction
// never affects the request that triggered it: every failure is logged and
// swallowed here.
package compactor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hulylake/store/internal/domain"
	"github.com/hulylake/store/internal/merge"
)

// MetricsRecorder observes compaction outcomes. Optional: it is attached
// with SetMetrics, and a worker without one simply skips recording.
type MetricsRecorder interface {
	ObserveCompaction(outcome string, duration time.Duration)
}

// Task identifies a (workspace, key) pair scheduled for compaction.
type Task struct {
	Workspace string
	Key       string
}

// PartRepository is the part-index subset the compactor needs: re-reading
// the current chain, and swapping it for the single compacted part.
type PartRepository interface {
	FindParts(ctx context.Context, workspace, key string) ([]domain.Part, error)
	SetPart(ctx context.Context, workspace, key string, inline []byte, data domain.PartData) error
}

// BlobUploader uploads the materialized byte stream through the same
// dedup-aware path a normal PUT uses.
type BlobUploader interface {
	Upload(ctx context.Context, declaredLength int64, src io.Reader) (domain.Blob, error)
}

// RecoveryWriter persists best-effort, independently-readable snapshots.
type RecoveryWriter interface {
	WriteObjectSnapshot(ctx context.Context, workspace, key string, parts []domain.Part) error
	WriteBlobMarker(ctx context.Context, storageKey, hash string) error
}

// KeyLocker serializes compaction against concurrent handler activity on
// the same (workspace, key).
type KeyLocker interface {
	Lock(ctx context.Context, workspace, key string) (func(), error)
}

// Worker is the compactor's two-stage pipeline: ingest (dedups pending
// tasks) feeding compact (does the work).
type Worker struct {
	parts    PartRepository
	blobs    BlobUploader
	fetcher  merge.Fetcher
	recovery RecoveryWriter
	locks    KeyLocker
	logger   zerolog.Logger
	metrics  MetricsRecorder

	partsLimit      int
	inlineThreshold int64

	ingest  chan Task
	compact chan Task

	mu      sync.Mutex
	pending map[Task]struct{}
}

// New builds a compactor pipeline with the given bounded channel capacity.
// Call Start to launch its two worker goroutines.
func New(parts PartRepository, blobs BlobUploader, fetcher merge.Fetcher, recovery RecoveryWriter, locks KeyLocker, partsLimit, bufferSize int, inlineThreshold int64, logger zerolog.Logger) *Worker {
	return &Worker{
		parts:           parts,
		blobs:           blobs,
		fetcher:         fetcher,
		recovery:        recovery,
		locks:           locks,
		logger:          logger,
		partsLimit:      partsLimit,
		inlineThreshold: inlineThreshold,
		ingest:          make(chan Task, bufferSize),
		compact:         make(chan Task, bufferSize),
		pending:         make(map[Task]struct{}),
	}
}

// SetMetrics attaches a metrics recorder. Optional; uninstrumented by
// default.
func (w *Worker) SetMetrics(metrics MetricsRecorder) {
	w.metrics = metrics
}

// Start launches the ingest and compact worker loops. Both exit when ctx is
// done.
func (w *Worker) Start(ctx context.Context) {
	go w.runIngest(ctx)
	go w.runCompact(ctx)
}

// Enqueue schedules (workspace, key) for compaction if partsCount exceeds
// the configured limit. A no-op below the limit. Never blocks: Enqueue is
// called while the caller still holds the per-key write lock, so a full
// ingest buffer sheds this request with a logged warning rather than
// stalling the caller (and every other writer queued behind that lock).
func (w *Worker) Enqueue(ctx context.Context, workspace, key string, partsCount int) {
	if partsCount <= w.partsLimit {
		return
	}
	task := Task{Workspace: workspace, Key: key}
	select {
	case w.ingest <- task:
	default:
		w.logger.Warn().Str("workspace", workspace).Str("key", key).Msg("compactor ingest buffer full, dropping compaction request")
	}
}

func (w *Worker) runIngest(ctx context.Context) {
	w.logger.Debug().Int("buffer_size", cap(w.ingest)).Msg("started compactor ingest worker")
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.ingest:
			w.mu.Lock()
			_, alreadyPending := w.pending[task]
			if !alreadyPending {
				w.pending[task] = struct{}{}
			}
			w.mu.Unlock()
			if alreadyPending {
				continue
			}

			select {
			case w.compact <- task:
			case <-ctx.Done():
				w.mu.Lock()
				delete(w.pending, task)
				w.mu.Unlock()
				return
			}
		}
	}
}

func (w *Worker) runCompact(ctx context.Context) {
	w.logger.Debug().Int("buffer_size", cap(w.compact)).Msg("started compactor compact worker")
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.compact:
			w.processTask(ctx, task)
		}
	}
}

func (w *Worker) processTask(ctx context.Context, task Task) {
	unlock, err := w.locks.Lock(ctx, task.Workspace, task.Key)
	if err != nil {
		w.logger.Error().Err(err).Str("workspace", task.Workspace).Str("key", task.Key).Msg("compactor failed to acquire key lock")
		w.mu.Lock()
		delete(w.pending, task)
		w.mu.Unlock()
		return
	}
	defer unlock()

	// Remove from pending before compacting, not after: a PATCH landing
	// mid-compaction must be able to re-enqueue the key rather than see its
	// growth silently absorbed by a compaction already in flight.
	w.mu.Lock()
	delete(w.pending, task)
	w.mu.Unlock()

	started := time.Now()
	err = w.compactOne(ctx, task)
	if w.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		w.metrics.ObserveCompaction(outcome, time.Since(started))
	}
	if err != nil {
		w.logger.Error().Err(err).Str("workspace", task.Workspace).Str("key", task.Key).Msg("compaction failed")
		return
	}
	w.logger.Debug().Str("workspace", task.Workspace).Str("key", task.Key).Msg("blob compacted")
}

func (w *Worker) compactOne(ctx context.Context, task Task) error {
	parts, err := w.parts.FindParts(ctx, task.Workspace, task.Key)
	if err != nil {
		return fmt.Errorf("find parts: %w", err)
	}
	if len(parts) == 0 {
		return fmt.Errorf("no parts for %s/%s", task.Workspace, task.Key)
	}

	first := parts[0].Data
	last := parts[len(parts)-1].Data
	strategy := first.MergeStrategy

	result, err := merge.Stream(ctx, w.fetcher, strategy, parts, func(idx int, err error) {
		w.logger.Warn().Err(err).Int("part", idx).Str("workspace", task.Workspace).Str("key", task.Key).Msg("skipped invalid patch during compaction")
	})
	if err != nil {
		return fmt.Errorf("stream merge: %w", err)
	}
	defer result.Body.Close()

	blob, err := w.blobs.Upload(ctx, result.ContentLength, result.Body)
	if err != nil {
		return fmt.Errorf("upload compacted blob: %w", err)
	}

	var inline []byte
	if blob.Inline != nil && int64(len(blob.Inline)) < w.inlineThreshold {
		inline = blob.Inline
	}

	newData := domain.PartData{
		StorageKey:    blob.StorageKey,
		Size:          blob.Length,
		ETag:          last.ETag,
		Headers:       first.Headers,
		Meta:          first.Meta,
		MergeStrategy: first.MergeStrategy,
	}

	if err := w.parts.SetPart(ctx, task.Workspace, task.Key, inline, newData); err != nil {
		return fmt.Errorf("swap part chain: %w", err)
	}

	newParts := []domain.Part{{Index: 0, Inline: inline, Data: newData}}
	if err := w.recovery.WriteObjectSnapshot(ctx, task.Workspace, task.Key, newParts); err != nil {
		w.logger.Warn().Err(err).Str("workspace", task.Workspace).Str("key", task.Key).Msg("recovery object snapshot failed")
	}
	if err := w.recovery.WriteBlobMarker(ctx, blob.StorageKey, blob.Hash); err != nil {
		w.logger.Warn().Err(err).Str("storage_key", blob.StorageKey).Msg("recovery blob marker failed")
	}

	return nil
}
