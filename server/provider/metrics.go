package provider

import "github.com/prometheus/client_golang/prometheus"

// initializeMetrics sets up Prometheus metrics
func (m *Manager) initializeMetrics(registry prometheus.Registerer) {
	m.healthCheckDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "formulate_provider_health_check_duration_seconds",
		Help: "Duration of provider health checks",
	})

	m.healthCheckErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formulate_provider_health_check_errors_total",
		Help: "Number of health check errors by provider",
	}, []string{"provider"})

	m.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "formulate_provider_request_latency_seconds",
		Help:    "Latency of model calls by provider",
		Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 80},
	}, []string{"provider", "outcome"})

	m.deduplicatedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "formulate_provider_deduplicated_requests_total",
		Help: "Number of model calls answered by an identical in-flight call",
	})

	m.healthyProviders = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "formulate_provider_healthy",
		Help: "Whether a provider passed its last health check (1) or not (0)",
	}, []string{"provider"})

	if registry == nil {
		return
	}
	registry.MustRegister(
		m.healthCheckDuration,
		m.healthCheckErrors,
		m.requestLatency,
		m.deduplicatedRequests,
		m.healthyProviders,
	)
}
