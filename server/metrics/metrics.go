// Package metrics holds the server's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics encapsulates Prometheus metrics for the server.
type Metrics struct {
	registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec
	RateLimitHits   *prometheus.CounterVec

	// ModelOutputFallbacks counts model replies that could not be parsed,
	// by prompt template.
	ModelOutputFallbacks *prometheus.CounterVec

	// ConversationTurns counts answered turns by resulting dialogue state.
	ConversationTurns *prometheus.CounterVec

	// SessionConflicts counts turns rejected because the conversation was busy.
	SessionConflicts prometheus.Counter

	// ActiveStreams is the number of open streaming responses.
	ActiveStreams *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with a custom registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formulate_http_requests_total",
				Help: "Total number of HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formulate_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		ActiveRequests: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "formulate_http_active_requests",
				Help: "Number of currently active HTTP requests",
			},
			[]string{"endpoint"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formulate_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formulate_rate_limit_hits_total",
				Help: "Total number of rate limit hits by client",
			},
			[]string{"client"},
		),
		ModelOutputFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formulate_model_output_fallbacks_total",
				Help: "Model replies that fell back to defaults or line parsing, by template",
			},
			[]string{"template"},
		),
		ConversationTurns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formulate_conversation_turns_total",
				Help: "Conversation turns answered, by resulting state",
			},
			[]string{"state"},
		),
		SessionConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "formulate_session_conflicts_total",
				Help: "Turns rejected because another request held the conversation",
			},
		),
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "formulate_active_streams",
				Help: "Number of open streaming responses by kind",
			},
			[]string{"kind"},
		),
	}

	// Register default Go metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize some default metrics
	m.RequestsTotal.WithLabelValues("/health", "200").Add(0)
	m.RequestsTotal.WithLabelValues("/metrics", "200").Add(0)
	m.RequestDuration.WithLabelValues("/health").Observe(0)
	m.RequestDuration.WithLabelValues("/metrics").Observe(0)
	m.ActiveRequests.WithLabelValues("queued").Add(0)
	m.ActiveRequests.WithLabelValues("processing").Add(0)

	return m
}

// Registry exposes the registry so other components can register their
// own collectors.
func (m *Metrics) Registry() prometheus.Registerer {
	return m.registry
}

// Gatherer exposes the registry for tests and custom exporters.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler returns a handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: false, // Disable OpenMetrics format to avoid escaping=values
	})
}
