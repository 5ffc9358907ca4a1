package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cloo-solutions/lectern/internal/metrics"
	"github.com/go-chi/chi/v5"
)

// Metrics records request counts and latency labelled by the chi route
// pattern, so /documents/{id} is one series regardless of the ID.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			rec := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			path := routePattern(r)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.statusCode())).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
