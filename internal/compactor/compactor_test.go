package compactor

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hulylake/store/internal/domain"
)

type fakeParts struct {
	mu    sync.Mutex
	parts map[string][]domain.Part
	set   []domain.PartData
}

func partKey(workspace, key string) string { return workspace + "/" + key }

func (f *fakeParts) FindParts(_ context.Context, workspace, key string) ([]domain.Part, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parts[partKey(workspace, key)], nil
}

func (f *fakeParts) SetPart(_ context.Context, workspace, key string, inline []byte, data domain.PartData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts[partKey(workspace, key)] = []domain.Part{{Index: 0, Inline: inline, Data: data}}
	f.set = append(f.set, data)
	return nil
}

type fakeUploader struct {
	blob domain.Blob
}

func (f *fakeUploader) Upload(_ context.Context, _ int64, src io.Reader) (domain.Blob, error) {
	body, err := io.ReadAll(src)
	if err != nil {
		return domain.Blob{}, err
	}
	b := f.blob
	b.Length = int64(len(body))
	b.Inline = body
	return b, nil
}

type fakeFetcher struct{}

func (fakeFetcher) Get(context.Context, string) (io.ReadCloser, error) { return nil, nil }
func (fakeFetcher) GetRange(context.Context, string, string) (io.ReadCloser, int64, error) {
	return nil, 0, nil
}

type fakeRecovery struct {
	mu             sync.Mutex
	objectWrites   int
	blobMarkers    int
	failSnapshot   bool
}

func (f *fakeRecovery) WriteObjectSnapshot(context.Context, string, string, []domain.Part) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objectWrites++
	if f.failSnapshot {
		return assertErr
	}
	return nil
}

func (f *fakeRecovery) WriteBlobMarker(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobMarkers++
	return nil
}

var assertErr = errString("boom")

type errString string

func (e errString) Error() string { return string(e) }

type fakeLocker struct{}

func (fakeLocker) Lock(context.Context, string, string) (func(), error) {
	return func() {}, nil
}

func newTestWorker(parts *fakeParts, uploader *fakeUploader, recovery *fakeRecovery) *Worker {
	return New(parts, uploader, fakeFetcher{}, recovery, fakeLocker{}, 2, 4, 1<<20, zerolog.Nop())
}

func TestEnqueue_BelowLimitIsNoOp(t *testing.T) {
	parts := &fakeParts{parts: map[string][]domain.Part{}}
	w := newTestWorker(parts, &fakeUploader{}, &fakeRecovery{})
	w.Enqueue(context.Background(), "ws", "k", 1)
	assert.Equal(t, 0, len(w.pending))
}

func TestCompact_ReplacesPartsAndWritesRecovery(t *testing.T) {
	parts := &fakeParts{parts: map[string][]domain.Part{
		partKey("ws", "k"): {
			{Index: 0, Inline: []byte("hello "), Data: domain.PartData{Size: 6, MergeStrategy: domain.MergeStrategyConcatenate, ETag: "e0"}},
			{Index: 1, Inline: []byte("world"), Data: domain.PartData{Size: 5, ETag: "e1"}},
		},
	}}
	uploader := &fakeUploader{blob: domain.Blob{Hash: "h1", StorageKey: "sk1"}}
	recovery := &fakeRecovery{}

	w := newTestWorker(parts, uploader, recovery)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	w.Enqueue(ctx, "ws", "k", 3)

	require.Eventually(t, func() bool {
		parts.mu.Lock()
		defer parts.mu.Unlock()
		return len(parts.set) == 1
	}, time.Second, 5*time.Millisecond)

	got := parts.parts[partKey("ws", "k")]
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].Data.ETag)
	assert.Equal(t, "sk1", got[0].Data.StorageKey)
	assert.Equal(t, "hello world", string(got[0].Inline))

	recovery.mu.Lock()
	defer recovery.mu.Unlock()
	assert.Equal(t, 1, recovery.objectWrites)
	assert.Equal(t, 1, recovery.blobMarkers)
}

func TestCompact_DuplicateEnqueueIsDeduped(t *testing.T) {
	parts := &fakeParts{parts: map[string][]domain.Part{
		partKey("ws", "k"): {
			{Index: 0, Inline: []byte("a"), Data: domain.PartData{Size: 1, MergeStrategy: domain.MergeStrategyConcatenate}},
			{Index: 1, Inline: []byte("b"), Data: domain.PartData{Size: 1}},
			{Index: 2, Inline: []byte("c"), Data: domain.PartData{Size: 1}},
		},
	}}
	uploader := &fakeUploader{blob: domain.Blob{Hash: "h", StorageKey: "sk"}}
	w := newTestWorker(parts, uploader, &fakeRecovery{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.mu.Lock()
	w.pending[Task{Workspace: "ws", Key: "k"}] = struct{}{}
	w.mu.Unlock()

	w.Start(ctx)
	w.Enqueue(ctx, "ws", "k", 3)

	time.Sleep(50 * time.Millisecond)
	parts.mu.Lock()
	defer parts.mu.Unlock()
	assert.Equal(t, 0, len(parts.set), "duplicate task while one is already pending should be dropped")
}
