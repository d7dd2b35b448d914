// Package merge implements validation and streaming reconstruction for the
// two merge strategies a key's part chain can use: concatenate and
// jsonpatch.
package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hulylake/store/internal/domain"
	"github.com/hulylake/store/internal/patch"
)

// Fetcher is the read-side subset of the object store the merge engine
// needs: full-object and ranged reads by storage key.
type Fetcher interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	GetRange(ctx context.Context, key, httpRange string) (io.ReadCloser, int64, error)
}

// ValidatePutRequest enforces the PUT header rules for strategy: jsonpatch
// requires Content-Type: application/json and Content-Length within the
// inline threshold. Concatenate has no request-level restriction.
func ValidatePutRequest(strategy domain.MergeStrategy, contentType string, contentLength, inlineThreshold int64) error {
	if strategy == domain.MergeStrategyJSONPatch {
		if contentType != "application/json" || contentLength > inlineThreshold {
			return domain.ErrInvalidContentType
		}
	}
	return nil
}

// ValidatePutBody enforces the PUT body rule for strategy: jsonpatch bodies
// must parse as a JSON value.
func ValidatePutBody(strategy domain.MergeStrategy, body []byte) error {
	if strategy == domain.MergeStrategyJSONPatch {
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return domain.ErrMalformedJSON
		}
	}
	return nil
}

// ValidatePatchRequest enforces the PATCH header rules for strategy:
// jsonpatch requires Content-Type: application/json-patch+json and
// Content-Length within the inline threshold.
func ValidatePatchRequest(strategy domain.MergeStrategy, contentType string, contentLength, inlineThreshold int64) error {
	if strategy == domain.MergeStrategyJSONPatch {
		if contentType != "application/json-patch+json" || contentLength > inlineThreshold {
			return domain.ErrInvalidContentType
		}
	}
	return nil
}

// ValidatePatchBody enforces the PATCH body rule for strategy: jsonpatch
// bodies must parse as a patch operation array.
func ValidatePatchBody(strategy domain.MergeStrategy, body []byte) error {
	if strategy == domain.MergeStrategyJSONPatch {
		if _, err := patch.ParseOps(body); err != nil {
			return domain.ErrMalformedPatch
		}
	}
	return nil
}

// ContentLength reports the effective Content-Length of a key's reconstructed
// object. Only concatenation has a predeclared length; jsonpatch's is
// unknown until the document is materialized.
func ContentLength(strategy domain.MergeStrategy, parts []domain.Part) (int64, bool) {
	if strategy != domain.MergeStrategyConcatenate {
		return 0, false
	}
	var total int64
	for _, part := range parts {
		total += part.Data.Size
	}
	return total, true
}

// StreamResult is the reconstructed body ready to be written to a response.
type StreamResult struct {
	ContentLength int64
	Body          io.ReadCloser
}

// Stream reconstructs the effective object for parts under strategy.
// logSkip, if non-nil, is called for every non-fatal jsonpatch application
// error encountered while accumulating (best-effort reconstruction).
func Stream(ctx context.Context, fetcher Fetcher, strategy domain.MergeStrategy, parts []domain.Part, logSkip func(partIndex int, err error)) (StreamResult, error) {
	if len(parts) == 0 {
		return StreamResult{}, fmt.Errorf("merge: no parts to stream")
	}

	switch strategy {
	case domain.MergeStrategyConcatenate:
		length, _ := ContentLength(strategy, parts)
		return StreamResult{
			ContentLength: length,
			Body:          &concatReader{ctx: ctx, fetcher: fetcher, parts: parts},
		}, nil

	case domain.MergeStrategyJSONPatch:
		return streamJSONPatch(ctx, fetcher, parts, logSkip)

	default:
		return StreamResult{}, fmt.Errorf("merge: unknown strategy %q", strategy)
	}
}

func streamJSONPatch(ctx context.Context, fetcher Fetcher, parts []domain.Part, logSkip func(int, error)) (StreamResult, error) {
	first, err := partBytes(ctx, fetcher, parts[0])
	if err != nil {
		return StreamResult{}, fmt.Errorf("fetch part 0: %w", err)
	}

	acc := first
	for i := 1; i < len(parts); i++ {
		raw, err := partBytes(ctx, fetcher, parts[i])
		if err != nil {
			return StreamResult{}, fmt.Errorf("fetch part %d: %w", i, err)
		}

		ops, err := patch.ParseOps(raw)
		if err != nil {
			if logSkip != nil {
				logSkip(i, err)
			}
			continue
		}

		next, err := patch.Apply(acc, ops)
		if err != nil {
			if logSkip != nil {
				logSkip(i, err)
			}
			continue
		}
		acc = next
	}

	return StreamResult{
		ContentLength: int64(len(acc)),
		Body:          io.NopCloser(bytes.NewReader(acc)),
	}, nil
}

func partBytes(ctx context.Context, fetcher Fetcher, part domain.Part) ([]byte, error) {
	if part.IsInline() {
		return part.Inline, nil
	}
	body, err := fetcher.Get(ctx, part.Data.StorageKey)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// concatReader lazily streams each part in order, opening the next part's
// source only once the previous one is exhausted.
type concatReader struct {
	ctx     context.Context
	fetcher Fetcher
	parts   []domain.Part
	idx     int
	current io.ReadCloser
}

func (r *concatReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.idx >= len(r.parts) {
				return 0, io.EOF
			}
			part := r.parts[r.idx]
			if part.IsInline() {
				r.current = io.NopCloser(bytes.NewReader(part.Inline))
			} else {
				body, err := r.fetcher.Get(r.ctx, part.Data.StorageKey)
				if err != nil {
					return 0, err
				}
				r.current = body
			}
		}

		n, err := r.current.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			r.current.Close()
			r.current = nil
			r.idx++
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

func (r *concatReader) Close() error {
	if r.current != nil {
		return r.current.Close()
	}
	return nil
}

// PartialResult is a single-range reconstruction, meaningful only for
// concatenation (see Partial).
type PartialResult struct {
	ContentRange  string
	ContentLength int64
	Truncated     bool
	Body          io.ReadCloser
}

// Partial serves a byte-Range request. Per the degenerate-but-intentional
// design this spec inherits, a ranged GET is only ever evaluated against
// the first part's blob — correct for the common case of a single-part
// concatenated object, degenerate (and unsupported) once a key has been
// appended to. Callers must not invoke this for jsonpatch keys; the HTTP
// layer returns a full 200 body for those instead.
func Partial(ctx context.Context, fetcher Fetcher, parts []domain.Part, rangeHeader string) (PartialResult, error) {
	part := parts[0]

	if part.IsInline() {
		start, end, err := ParseRange(rangeHeader, int64(len(part.Inline)))
		if err != nil {
			return PartialResult{}, err
		}
		slice := part.Inline[start : end+1]
		return PartialResult{
			ContentRange:  fmt.Sprintf("bytes %d-%d/%d", start, end, len(part.Inline)),
			ContentLength: int64(len(slice)),
			Truncated:     false,
			Body:          io.NopCloser(bytes.NewReader(slice)),
		}, nil
	}

	start, end, err := ParseRange(rangeHeader, part.Data.Size)
	if err != nil {
		return PartialResult{}, err
	}

	body, contentLength, err := fetcher.GetRange(ctx, part.Data.StorageKey, rangeHeader)
	if err != nil {
		return PartialResult{}, err
	}
	return PartialResult{
		ContentRange:  fmt.Sprintf("bytes %d-%d/%d", start, end, part.Data.Size),
		ContentLength: contentLength,
		Truncated:     part.Data.Size != contentLength,
		Body:          body,
	}, nil
}

// ParseRange parses a single-range RFC 7233 "Range: bytes=..." value against
// a known total size, returning an inclusive [start, end] byte range.
func ParseRange(rangeHeader string, size int64) (int64, int64, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(rangeHeader, prefix) {
		return 0, 0, fmt.Errorf("merge: unsupported range unit in %q", rangeHeader)
	}
	spec := strings.TrimPrefix(rangeHeader, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("merge: multi-range requests are not supported")
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("merge: malformed range %q", rangeHeader)
	}

	if parts[0] == "" {
		// suffix range: last N bytes
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("merge: malformed suffix range %q", rangeHeader)
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, fmt.Errorf("merge: range start out of bounds %q", rangeHeader)
	}

	end := size - 1
	if parts[1] != "" {
		e, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || e < start {
			return 0, 0, fmt.Errorf("merge: malformed range end %q", rangeHeader)
		}
		if e < end {
			end = e
		}
	}

	return start, end, nil
}
