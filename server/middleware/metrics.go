package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/teilomillet/formulate/server/metrics"
)

// PrometheusMetrics middleware records HTTP metrics using Prometheus. The
// endpoint label is the matched route pattern when chi routed the request,
// which keeps label cardinality bounded.
func PrometheusMetrics(m *metrics.Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := r.URL.Path

			m.ActiveRequests.WithLabelValues(path).Inc()
			defer m.ActiveRequests.WithLabelValues(path).Dec()

			rw := NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			endpoint := path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					endpoint = pattern
				}
			}

			status := strconv.Itoa(rw.Status())
			m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
			m.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

			if rw.Status() >= 500 {
				m.ErrorsTotal.WithLabelValues("server_error").Inc()
			} else if rw.Status() >= 400 {
				m.ErrorsTotal.WithLabelValues("client_error").Inc()
			}
		})
	}
}
