// Package handler implements the HTTP surface of the mergeable object
// store: PUT/PATCH/GET/HEAD/DELETE on /api/{workspace}/{key}, plus the
// ambient /status and /metrics endpoints.
package handler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/hulylake/store/internal/domain"
	"github.com/hulylake/store/internal/merge"
)

// Uploader is the blob-ingestion surface the handler needs.
type Uploader interface {
	Upload(ctx context.Context, declaredLength int64, src io.Reader) (domain.Blob, error)
}

// PartStore is the part-index surface the handler needs.
type PartStore interface {
	FindParts(ctx context.Context, workspace, key string) ([]domain.Part, error)
	SetPart(ctx context.Context, workspace, key string, inline []byte, data domain.PartData) error
	AppendPart(ctx context.Context, workspace, key string, nextIndex int, inline []byte, data domain.PartData) error
}

// KeyLocker serializes PUT/PATCH against each other and against compaction
// for the same (workspace, key).
type KeyLocker interface {
	Lock(ctx context.Context, workspace, key string) (func(), error)
}

// Compactor is notified after every successful append so it can decide
// whether the key's part count warrants compaction.
type Compactor interface {
	Enqueue(ctx context.Context, workspace, key string, partsCount int)
}

// Handler wires the request-level rules (header extraction, validation,
// ETag assignment, conditional/Range handling) to the core components.
type Handler struct {
	blobs     Uploader
	parts     PartStore
	fetcher   merge.Fetcher
	locks     KeyLocker
	compactor Compactor

	inlineThreshold int64
	logger          zerolog.Logger
}

// New constructs a request handler.
func New(blobs Uploader, parts PartStore, fetcher merge.Fetcher, locks KeyLocker, compactor Compactor, inlineThreshold int64, logger zerolog.Logger) *Handler {
	return &Handler{
		blobs:           blobs,
		parts:           parts,
		fetcher:         fetcher,
		locks:           locks,
		compactor:       compactor,
		inlineThreshold: inlineThreshold,
		logger:          logger,
	}
}

func objectPath(r *http.Request) (workspace, key string) {
	return chi.URLParam(r, "workspace"), chi.URLParam(r, "*")
}

// Put implements PUT /api/{workspace}/{key}: replaces the key's entire part
// chain with a freshly uploaded blob at part 0.
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	workspace, key := objectPath(r)
	logger := h.logger.With().Str("workspace", workspace).Str("key", key).Logger()

	headers, err := extractHeaders(r)
	if err != nil {
		writeJSONError(w, logger, statusFor(err), err)
		return
	}

	if err := merge.ValidatePutRequest(headers.Strategy, headers.ContentType, headers.ContentLength, h.inlineThreshold); err != nil {
		writeJSONError(w, logger, statusFor(err), err)
		return
	}

	unlock, err := h.locks.Lock(r.Context(), workspace, key)
	if err != nil {
		writeJSONError(w, logger, http.StatusInternalServerError, err)
		return
	}
	defer unlock()

	body := io.Reader(r.Body)
	var captured *bytes.Buffer
	if headers.Strategy == domain.MergeStrategyJSONPatch {
		captured = &bytes.Buffer{}
		body = io.TeeReader(r.Body, captured)
	}

	blob, err := h.blobs.Upload(r.Context(), headers.ContentLength, body)
	if err != nil {
		writeJSONError(w, logger, statusFor(err), err)
		return
	}

	if captured != nil {
		if err := merge.ValidatePutBody(headers.Strategy, captured.Bytes()); err != nil {
			writeJSONError(w, logger, statusFor(err), err)
			return
		}
	}

	etag := ksuid.New().String()
	partData := domain.PartData{
		StorageKey:    blob.StorageKey,
		Size:          blob.Length,
		ETag:          etag,
		Headers:       headers.Echo,
		Meta:          headers.Meta,
		MergeStrategy: headers.Strategy,
	}

	var inline []byte
	if blob.Inline != nil && int64(len(blob.Inline)) < h.inlineThreshold {
		inline = blob.Inline
	}

	if err := h.parts.SetPart(r.Context(), workspace, key, inline, partData); err != nil {
		writeJSONError(w, logger, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("ETag", etag)
	if blob.Deduplicated {
		w.Header().Set("Huly-Deduplicated", "true")
	} else if blob.PartsCount > 0 {
		w.Header().Set("Huly-S3-Parts-Count", strconv.Itoa(blob.PartsCount))
	}
	for name, values := range r.Header {
		if strings.HasPrefix(strings.ToLower(name), "huly-header-") {
			w.Header().Set(name, values[0])
		}
	}
	w.WriteHeader(http.StatusCreated)
}

// Patch implements PATCH /api/{workspace}/{key}: appends a new part to an
// existing key. The merge strategy, echoed headers, and meta all come from
// part 0 — PATCH's own headers for those concerns are ignored.
func (h *Handler) Patch(w http.ResponseWriter, r *http.Request) {
	workspace, key := objectPath(r)
	logger := h.logger.With().Str("workspace", workspace).Str("key", key).Logger()

	unlock, err := h.locks.Lock(r.Context(), workspace, key)
	if err != nil {
		writeJSONError(w, logger, http.StatusInternalServerError, err)
		return
	}
	defer unlock()

	existing, err := h.parts.FindParts(r.Context(), workspace, key)
	if err != nil {
		writeJSONError(w, logger, http.StatusInternalServerError, err)
		return
	}
	if len(existing) == 0 {
		writeJSONError(w, logger, http.StatusNotFound, domain.ErrKeyNotFound)
		return
	}

	strategy := existing[0].Data.MergeStrategy

	// The key's strategy is fixed by part 0, so a Huly-Merge-Strategy header
	// on PATCH is dropped rather than validated.
	r.Header.Del("Huly-Merge-Strategy")
	headers, err := extractHeaders(r)
	if err != nil {
		writeJSONError(w, logger, statusFor(err), err)
		return
	}

	if err := merge.ValidatePatchRequest(strategy, headers.ContentType, headers.ContentLength, h.inlineThreshold); err != nil {
		writeJSONError(w, logger, statusFor(err), err)
		return
	}

	body := io.Reader(r.Body)
	var captured *bytes.Buffer
	if strategy == domain.MergeStrategyJSONPatch {
		captured = &bytes.Buffer{}
		body = io.TeeReader(r.Body, captured)
	}

	blob, err := h.blobs.Upload(r.Context(), headers.ContentLength, body)
	if err != nil {
		writeJSONError(w, logger, statusFor(err), err)
		return
	}

	if captured != nil {
		if err := merge.ValidatePatchBody(strategy, captured.Bytes()); err != nil {
			writeJSONError(w, logger, statusFor(err), err)
			return
		}
	}

	nextIndex := existing[len(existing)-1].Index + 1
	etag := ksuid.New().String()

	var inline []byte
	if blob.Inline != nil && int64(len(blob.Inline)) < h.inlineThreshold {
		inline = blob.Inline
	}

	partData := domain.PartData{
		StorageKey: blob.StorageKey,
		Size:       blob.Length,
		ETag:       etag,
		// headers/meta/merge_strategy are defined on part 0 only.
	}

	if err := h.parts.AppendPart(r.Context(), workspace, key, nextIndex, inline, partData); err != nil {
		writeJSONError(w, logger, http.StatusInternalServerError, err)
		return
	}

	h.compactor.Enqueue(r.Context(), workspace, key, nextIndex+1)

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusCreated)
}

// Get implements GET /api/{workspace}/{key}: reconstructs and streams the
// effective object, honoring If-None-Match and Range.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	h.read(w, r, true)
}

// Head implements HEAD /api/{workspace}/{key}: same response headers as
// GET, no body.
func (h *Handler) Head(w http.ResponseWriter, r *http.Request) {
	h.read(w, r, false)
}

func (h *Handler) read(w http.ResponseWriter, r *http.Request, withBody bool) {
	workspace, key := objectPath(r)
	logger := h.logger.With().Str("workspace", workspace).Str("key", key).Logger()

	parts, err := h.parts.FindParts(r.Context(), workspace, key)
	if err != nil {
		writeJSONError(w, logger, http.StatusInternalServerError, err)
		return
	}
	if len(parts) == 0 {
		writeJSONError(w, logger, http.StatusNotFound, domain.ErrKeyNotFound)
		return
	}

	strategy := parts[0].Data.MergeStrategy
	etag := parts[len(parts)-1].Data.ETag

	if matched, ok := matchesIfNoneMatch(r.Header.Get("If-None-Match"), etag); ok && matched {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	for name, value := range parts[0].Data.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" && strategy == domain.MergeStrategyConcatenate {
		h.readPartial(w, r, logger, parts, rangeHeader, withBody)
		return
	}

	length, known := merge.ContentLength(strategy, parts)
	if known {
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	}

	if !withBody {
		if !known {
			w.Header().Set("Content-Length", "0")
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	result, err := merge.Stream(r.Context(), h.fetcher, strategy, parts, func(idx int, err error) {
		logger.Warn().Err(err).Int("part", idx).Msg("skipped invalid patch during reconstruction")
	})
	if err != nil {
		writeJSONError(w, logger, http.StatusInternalServerError, err)
		return
	}
	defer result.Body.Close()

	if !known {
		w.Header().Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, result.Body); err != nil {
		logger.Warn().Err(err).Msg("error streaming response body")
	}
}

func (h *Handler) readPartial(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, parts []domain.Part, rangeHeader string, withBody bool) {
	// A range covering the full object gets a plain 200, matching spec's
	// "Range covering the full length → 200" edge case.
	if length, known := merge.ContentLength(domain.MergeStrategyConcatenate, parts); known {
		if start, end, err := merge.ParseRange(rangeHeader, length); err == nil && start == 0 && end == length-1 {
			w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
			if !withBody {
				w.WriteHeader(http.StatusOK)
				return
			}
			result, err := merge.Stream(r.Context(), h.fetcher, domain.MergeStrategyConcatenate, parts, nil)
			if err != nil {
				writeJSONError(w, logger, http.StatusInternalServerError, err)
				return
			}
			defer result.Body.Close()
			w.WriteHeader(http.StatusOK)
			io.Copy(w, result.Body)
			return
		}
	}

	result, err := merge.Partial(r.Context(), h.fetcher, parts, rangeHeader)
	if err != nil {
		writeJSONError(w, logger, http.StatusBadRequest, err)
		return
	}
	defer result.Body.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
	if result.ContentRange != "" {
		w.Header().Set("Content-Range", result.ContentRange)
	}
	if !withBody {
		w.WriteHeader(http.StatusPartialContent)
		return
	}
	w.WriteHeader(http.StatusPartialContent)
	if _, err := io.Copy(w, result.Body); err != nil {
		logger.Warn().Err(err).Msg("error streaming partial response body")
	}
}

// Delete implements DELETE /api/{workspace}/{key}: reserved, returns 501.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, h.logger, http.StatusNotImplemented, domain.ErrNotImplemented)
}

// matchesIfNoneMatch evaluates the If-None-Match header against an
// existing key's etag. An absent header is "no opinion" (ok=false). "*"
// matches any existing key; otherwise an item matches when, with any W/
// prefix dropped, it equals etag bare or in quotes.
func matchesIfNoneMatch(header, etag string) (matched bool, ok bool) {
	if header == "" {
		return false, false
	}
	if header == "*" {
		return true, true
	}
	for _, raw := range strings.Split(header, ",") {
		item := strings.TrimPrefix(strings.TrimSpace(raw), "W/")
		if item == etag || item == `"`+etag+`"` {
			return true, true
		}
	}
	return false, true
}
