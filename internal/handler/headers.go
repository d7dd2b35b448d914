package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/hulylake/store/internal/domain"
)

// requestHeaders is everything a PUT/PATCH pulls out of the incoming
// request before validating or storing its body.
type requestHeaders struct {
	ContentLength int64
	ContentType   string
	Strategy      domain.MergeStrategy

	// Echo carries every Huly-Header-* value plus the request's own
	// Content-Type, keyed without the "huly-header-" prefix, persisted on
	// part 0 and replayed on GET/HEAD responses.
	Echo map[string]string

	// Meta carries every Huly-Meta-* value plus a recorded merge-strategy
	// entry, persisted on part 0 alongside Echo.
	Meta map[string]string
}

// extractHeaders parses and validates the headers common to PUT and PATCH.
// Content-Length must be present and parseable; Huly-Merge-Strategy
// defaults to concatenate and must be a recognized value if given.
func extractHeaders(r *http.Request) (requestHeaders, error) {
	contentLength, err := strconv.ParseInt(r.Header.Get("Content-Length"), 10, 64)
	if err != nil || contentLength < 0 {
		return requestHeaders{}, errInvalidContentLength
	}

	contentType := r.Header.Get("Content-Type")

	strategy, ok := domain.ParseMergeStrategy(r.Header.Get("Huly-Merge-Strategy"))
	if !ok {
		return requestHeaders{}, domain.ErrInvalidMergeStrategy
	}

	echo := make(map[string]string)
	meta := make(map[string]string)
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		switch {
		case strings.HasPrefix(lower, "huly-header-"):
			echo[strings.TrimPrefix(lower, "huly-header-")] = values[0]
		case strings.HasPrefix(lower, "huly-meta-"):
			meta[strings.TrimPrefix(lower, "huly-meta-")] = values[0]
		}
	}
	if contentType != "" {
		echo["content-type"] = contentType
	}
	strategyJSON, _ := json.Marshal(strategy)
	meta["merge-strategy"] = string(strategyJSON)

	return requestHeaders{
		ContentLength: contentLength,
		ContentType:   contentType,
		Strategy:      strategy,
		Echo:          echo,
		Meta:          meta,
	}, nil
}
