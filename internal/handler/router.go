// Package handler provides the HTTP surface of the mergeable object store.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsMiddleware is the narrow surface the router needs from
// internal/metrics, kept as an interface so this package does not need to
// import the metrics registry's Prometheus collector types directly.
type MetricsMiddleware interface {
	Middleware(routePattern func(*http.Request) string) func(http.Handler) http.Handler
}

// NewRouter builds the service's HTTP handler: the authenticated
// /api/{workspace}/* object routes, plus the ambient /status and /metrics
// endpoints.
func NewRouter(h *Handler, authMiddleware func(http.Handler) http.Handler, metrics MetricsMiddleware) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if metrics != nil {
		r.Use(metrics.Middleware(routePattern))
	}

	r.Get("/status", handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/{workspace}", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Put("/*", h.Put)
		r.Patch("/*", h.Patch)
		r.Get("/*", h.Get)
		r.Head("/*", h.Head)
		r.Delete("/*", h.Delete)
	})

	return r
}

func handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

// routePattern reports the chi route pattern a request matched, falling
// back to its raw path for unmatched requests (so 404s still get a metric
// label instead of panicking).
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
