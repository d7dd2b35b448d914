// Package metrics exposes the service's Prometheus instrumentation: HTTP
// request counters/latency and compactor run counters/duration.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles the service's metric collectors behind a Prometheus
// registry a test can swap for an isolated one.
type Registry struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	compactions     *prometheus.CounterVec
	compactDuration prometheus.Histogram
}

// New registers the service's collectors against reg.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hulylake_http_requests_total",
			Help: "Total HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hulylake_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		compactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hulylake_compactions_total",
			Help: "Total compaction runs by outcome.",
		}, []string{"outcome"}),
		compactDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hulylake_compaction_duration_seconds",
			Help:    "Wall-clock duration of a single compaction run.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Middleware records request count and latency for every request, labelled
// with the route that routePattern reports for it.
func (r *Registry) Middleware(routePattern func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			started := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, req)

			route := routePattern(req)
			r.requests.WithLabelValues(req.Method, route, strconv.Itoa(sw.status)).Inc()
			r.requestDuration.WithLabelValues(req.Method, route).Observe(time.Since(started).Seconds())
		})
	}
}

// ObserveCompaction records the outcome and duration of one compaction run.
func (r *Registry) ObserveCompaction(outcome string, duration time.Duration) {
	r.compactions.WithLabelValues(outcome).Inc()
	r.compactDuration.Observe(duration.Seconds())
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
