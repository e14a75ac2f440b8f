package provider

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HealthStatus represents the current health state of a provider
type HealthStatus struct {
	Healthy          bool          `json:"healthy"`
	LastCheck        time.Time     `json:"last_check"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	Latency          time.Duration `json:"latency"`
	ErrorCount       int64         `json:"error_count"`
	RequestCount     int64         `json:"request_count"`
}

// StartHealthChecks probes every backend on the configured interval until
// ctx is done. It is a no-op when health checks are disabled.
func (m *Manager) StartHealthChecks(ctx context.Context) {
	hc := m.cfg.LLM.HealthCheck
	if hc == nil || !hc.Enabled || hc.Interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(hc.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.PerformHealthCheck(ctx)
			}
		}
	}()
}

// PerformHealthCheck probes all backends once.
func (m *Manager) PerformHealthCheck(ctx context.Context) {
	for name, backend := range m.backends {
		status := m.checkProviderHealth(ctx, name, backend)
		m.UpdateHealthStatus(name, status)
	}
}

func (m *Manager) checkProviderHealth(ctx context.Context, name string, backend Backend) HealthStatus {
	status := m.GetHealthStatus(name)
	start := time.Now()

	timeout := 5 * time.Second
	if hc := m.cfg.LLM.HealthCheck; hc != nil && hc.Timeout > 0 {
		timeout = hc.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := backend.Complete(ctx, []Message{{Role: RoleUser, Content: "Respond with 'ok'."}}, 0)
	status.Latency = time.Since(start)
	status.LastCheck = time.Now()
	status.RequestCount++
	m.healthCheckDuration.Observe(status.Latency.Seconds())

	threshold := 1
	if hc := m.cfg.LLM.HealthCheck; hc != nil && hc.FailureThreshold > 0 {
		threshold = hc.FailureThreshold
	}

	if err != nil {
		status.ConsecutiveFails++
		status.ErrorCount++
		status.Healthy = status.ConsecutiveFails < threshold
		m.healthCheckErrors.WithLabelValues(name).Inc()
		m.logger.Warn("provider health check failed",
			zap.String("provider", name),
			zap.Error(err),
			zap.Duration("latency", status.Latency),
			zap.Int("consecutive_fails", status.ConsecutiveFails),
		)
		return status
	}

	status.ConsecutiveFails = 0
	status.Healthy = true
	return status
}

// GetHealthStatus returns the health status for a provider. Providers
// never checked are reported healthy.
func (m *Manager) GetHealthStatus(name string) HealthStatus {
	if val, ok := m.healthStates.Load(name); ok {
		return val.(HealthStatus)
	}
	return HealthStatus{Healthy: true}
}

// UpdateHealthStatus stores the health status for a provider
func (m *Manager) UpdateHealthStatus(name string, status HealthStatus) {
	m.healthStates.Store(name, status)

	if status.Healthy {
		m.healthyProviders.WithLabelValues(name).Set(1)
	} else {
		m.healthyProviders.WithLabelValues(name).Set(0)
	}
}

// HealthStatuses returns a snapshot of every provider's status.
func (m *Manager) HealthStatuses() map[string]HealthStatus {
	out := make(map[string]HealthStatus, len(m.backends))
	for name := range m.backends {
		out[name] = m.GetHealthStatus(name)
	}
	return out
}
