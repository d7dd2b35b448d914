// Package integration exercises the literal end-to-end scenarios against
// the full request-handling stack (handler, blobsvc, merge, patch,
// compactor, recovery) wired the way cmd/server wires them, substituting
// in-memory fakes for Postgres and the object store.
package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hulylake/store/internal/blobsvc"
	"github.com/hulylake/store/internal/compactor"
	"github.com/hulylake/store/internal/domain"
	"github.com/hulylake/store/internal/handler"
	"github.com/hulylake/store/internal/keymutex"
	"github.com/hulylake/store/internal/objectstore"
	"github.com/hulylake/store/internal/recovery"
)

// memStore is an in-memory stand-in for the S3-compatible object store.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore { return &memStore{objects: make(map[string][]byte)} }

func (s *memStore) Put(_ context.Context, key string, body io.Reader, _ string) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[key] = b
	s.mu.Unlock()
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	b, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no such object %q", key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *memStore) GetRange(ctx context.Context, key, httpRange string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	b := s.objects[key]
	s.mu.Unlock()
	start, end, err := rangeOf(httpRange, int64(len(b)))
	if err != nil {
		return nil, 0, err
	}
	slice := b[start : end+1]
	return io.NopCloser(bytes.NewReader(slice)), int64(len(slice)), nil
}

func rangeOf(httpRange string, size int64) (int64, int64, error) {
	var start, end int64
	if _, err := fmt.Sscanf(httpRange, "bytes=%d-%d", &start, &end); err != nil {
		return 0, 0, err
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

func (s *memStore) MultipartUpload(_ context.Context, key string, src io.Reader, onChunk func([]byte)) (objectstore.Upload, error) {
	buf := make([]byte, 64*1024)
	var total int64
	var all []byte
	for {
		n, err := src.Read(buf)
		if n > 0 {
			onChunk(buf[:n])
			all = append(all, buf[:n]...)
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return objectstore.Upload{}, err
		}
	}
	s.mu.Lock()
	s.objects[key] = all
	s.mu.Unlock()
	return objectstore.Upload{Length: total, PartsCount: (len(all) / objectstore.MinPartSize) + 1}, nil
}

// memDedupIndex is an in-memory hash -> storage-key table.
type memDedupIndex struct {
	mu    sync.Mutex
	byKey map[string]string
}

func newMemDedupIndex() *memDedupIndex { return &memDedupIndex{byKey: make(map[string]string)} }

func (d *memDedupIndex) FindBlobByHash(_ context.Context, hash string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.byKey[hash]
	return key, ok, nil
}

func (d *memDedupIndex) InsertBlob(_ context.Context, storageKey, hash string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.byKey[hash]; ok {
		return existing, nil
	}
	d.byKey[hash] = storageKey
	return storageKey, nil
}

// memParts is an in-memory part index.
type memParts struct {
	mu    sync.Mutex
	parts map[string][]domain.Part
}

func newMemParts() *memParts { return &memParts{parts: make(map[string][]domain.Part)} }

func partsKey(workspace, key string) string { return workspace + "/" + key }

func (p *memParts) FindParts(_ context.Context, workspace, key string) ([]domain.Part, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Part(nil), p.parts[partsKey(workspace, key)]...), nil
}

func (p *memParts) SetPart(_ context.Context, workspace, key string, inline []byte, data domain.PartData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parts[partsKey(workspace, key)] = []domain.Part{{Index: 0, Inline: inline, Data: data}}
	return nil
}

func (p *memParts) AppendPart(_ context.Context, workspace, key string, nextIndex int, inline []byte, data domain.PartData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := partsKey(workspace, key)
	p.parts[k] = append(p.parts[k], domain.Part{Index: nextIndex, Inline: inline, Data: data})
	return nil
}

func (p *memParts) count(workspace, key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.parts[partsKey(workspace, key)])
}

type stack struct {
	router    http.Handler
	parts     *memParts
	compactor *compactor.Worker
}

func newStack(t *testing.T, partsLimit int) *stack {
	t.Helper()
	store := newMemStore()
	dedup := newMemDedupIndex()
	parts := newMemParts()
	blobs := blobsvc.New(store, dedup, 256, 4*1024*1024)
	locks := keymutex.New()
	recoveryWriter := recovery.New(store)

	worker := compactor.New(parts, blobs, store, recoveryWriter, locks, partsLimit, 64, 256, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	worker.Start(ctx)

	h := handler.New(blobs, parts, store, locks, worker, 256, zerolog.Nop())

	r := chi.NewRouter()
	r.Route("/api/{workspace}", func(r chi.Router) {
		r.Put("/*", h.Put)
		r.Patch("/*", h.Patch)
		r.Get("/*", h.Get)
		r.Head("/*", h.Head)
		r.Delete("/*", h.Delete)
	})

	return &stack{router: r, parts: parts, compactor: worker}
}

func (s *stack) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.ContentLength = int64(len(body))
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// Scenario 1: basic concatenate PUT/GET.
func TestScenario1_BasicPutGet(t *testing.T) {
	s := newStack(t, 1000)

	rec := s.do(t, http.MethodPut, "/api/ws/k1", []byte("hello"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	e1 := rec.Header().Get("ETag")
	require.NotEmpty(t, e1)

	rec = s.do(t, http.MethodGet, "/api/ws/k1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, e1, rec.Header().Get("ETag"))
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
}

// Scenario 2: PATCH append on a concatenate key.
func TestScenario2_PatchAppend(t *testing.T) {
	s := newStack(t, 1000)

	rec := s.do(t, http.MethodPut, "/api/ws/k1", []byte("hello"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPatch, "/api/ws/k1", []byte(" world"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	e2 := rec.Header().Get("ETag")

	rec = s.do(t, http.MethodGet, "/api/ws/k1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, e2, rec.Header().Get("ETag"))
	assert.Equal(t, "11", rec.Header().Get("Content-Length"))
}

// Scenario 3: jsonpatch with 100 sequential PATCHes, stable across compaction.
func TestScenario3_JSONPatchSequenceAndCompaction(t *testing.T) {
	s := newStack(t, 16)

	rec := s.do(t, http.MethodPut, "/api/ws/k2", []byte(`{"a":0}`), map[string]string{
		"Huly-Merge-Strategy": "jsonpatch",
		"Content-Type":        "application/json",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	for i := 0; i < 100; i++ {
		body := []byte(fmt.Sprintf(`[{"op":"replace","path":"/a","value":%d}]`, i+1))
		rec = s.do(t, http.MethodPatch, "/api/ws/k2", body, map[string]string{
			"Content-Type": "application/json-patch+json",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/api/ws/k2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"a":100}`, rec.Body.String())

	require.Eventually(t, func() bool {
		return s.parts.count("ws", "k2") == 1
	}, 2*time.Second, 10*time.Millisecond, "expected compaction to collapse the chain to a single part")

	rec = s.do(t, http.MethodGet, "/api/ws/k2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"a":100}`, rec.Body.String())
}

// Scenario 4: jsonpatch extension ops (hop add/inc).
func TestScenario4_ExtensionOps(t *testing.T) {
	s := newStack(t, 1000)

	rec := s.do(t, http.MethodPut, "/api/ws/k3", []byte(`{}`), map[string]string{
		"Huly-Merge-Strategy": "jsonpatch",
		"Content-Type":        "application/json",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	ops := `[{"hop":"add","path":"/a","value":[]},{"hop":"inc","path":"/a/0","value":1,"safe":true},{"hop":"add","path":"/a/0","value":0},{"hop":"inc","path":"/a/0","value":2,"safe":true}]`
	rec = s.do(t, http.MethodPatch, "/api/ws/k3", []byte(ops), map[string]string{
		"Content-Type": "application/json-patch+json",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/ws/k3", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"a":[2]}`, rec.Body.String())
}

// Scenario 5: dedup across two distinct keys sharing the same bytes.
func TestScenario5_Dedup(t *testing.T) {
	s := newStack(t, 1000)

	body := make([]byte, 1<<20)
	_, err := rand.Read(body)
	require.NoError(t, err)

	rec := s.do(t, http.MethodPut, "/api/ws/k4", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/ws/k5", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Huly-Deduplicated"))

	rec = s.do(t, http.MethodGet, "/api/ws/k4", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, rec.Body.Bytes())

	rec = s.do(t, http.MethodGet, "/api/ws/k5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, rec.Body.Bytes())
}

// Scenario 6: Range requests, partial and full-length.
func TestScenario6_Range(t *testing.T) {
	s := newStack(t, 1000)

	body := make([]byte, 5*1024*1024)
	_, err := rand.Read(body)
	require.NoError(t, err)

	rec := s.do(t, http.MethodPut, "/api/ws/k6", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/ws/k6", nil, map[string]string{"Range": "bytes=0-127"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 0-127/5242880", rec.Header().Get("Content-Range"))
	assert.Equal(t, 128, rec.Body.Len())

	rec = s.do(t, http.MethodGet, "/api/ws/k6", nil, map[string]string{"Range": "bytes=0-5242879"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5*1024*1024, rec.Body.Len())
}

// Boundary: PATCH on an unknown key leaves no parts behind.
func TestBoundary_PatchOnUnknownKeyIs404(t *testing.T) {
	s := newStack(t, 1000)

	rec := s.do(t, http.MethodPatch, "/api/ws/missing", []byte("x"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, s.parts.count("ws", "missing"))
}

// Boundary: If-None-Match: * is 304 on an existing key.
func TestBoundary_IfNoneMatchAnyOnExistingKey(t *testing.T) {
	s := newStack(t, 1000)

	s.do(t, http.MethodPut, "/api/ws/k1", []byte("hello"), nil)
	rec := s.do(t, http.MethodGet, "/api/ws/k1", nil, map[string]string{"If-None-Match": "*"})
	assert.Equal(t, http.StatusNotModified, rec.Code)
}
