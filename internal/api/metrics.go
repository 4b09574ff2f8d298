package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filetoll_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filetoll_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Metrics returns middleware recording request counts and durations.
// Record IDs are normalized out of the path label to keep cardinality flat.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			normalizedPath := normalizePath(r.URL.Path)

			wrapped := &responseWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.status)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// normalizePath replaces file ID path segments with {id}.
func normalizePath(path string) string {
	switch path {
	case "/api/upload", "/api/files", "/metrics":
		return path
	}

	const filePrefix = "/api/file/"
	if rest, ok := strings.CutPrefix(path, filePrefix); ok {
		if strings.HasSuffix(rest, "/status") {
			return filePrefix + "{id}/status"
		}
		return filePrefix + "{id}"
	}

	return path
}
