package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hulylake/store/internal/domain"
)

// errInvalidContentLength indicates the request carried no Content-Length
// header, or one that does not parse as a non-negative integer.
var errInvalidContentLength = errors.New("invalid content length")

// writeJSONError writes a structured {"error": message} body at status,
// logging anything unexpected (5xx) at error level.
func writeJSONError(w http.ResponseWriter, logger zerolog.Logger, status int, err error) {
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Msg("handler error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// statusFor maps a domain/handler error to its HTTP status. Anything
// unrecognized is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errInvalidContentLength),
		errors.Is(err, domain.ErrInvalidMergeStrategy),
		errors.Is(err, domain.ErrInvalidContentType),
		errors.Is(err, domain.ErrBodyTooLargeForInline),
		errors.Is(err, domain.ErrMalformedJSON),
		errors.Is(err, domain.ErrMalformedPatch),
		errors.Is(err, domain.ErrPayloadTooLarge),
		errors.Is(err, domain.ErrPayloadSizeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotImplemented):
		return http.StatusNotImplemented
	default:
		var patchErr *domain.PatchError
		if errors.As(err, &patchErr) {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}
