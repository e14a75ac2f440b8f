// Package circuitbreaker wraps sony/gobreaker with Prometheus metrics and
// zap logging. One breaker guards each model provider.
package circuitbreaker

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"github.com/teilomillet/formulate/config"
	"go.uber.org/zap"
)

// CircuitBreaker guards calls to a single provider.
type CircuitBreaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger

	stateGauge    prometheus.Gauge
	failuresCount prometheus.Counter
	tripsTotal    prometheus.Counter
}

// NewCircuitBreaker creates a breaker named after the provider it guards.
// Metrics are registered unless cfg.TestMode is set or registry is nil.
func NewCircuitBreaker(name string, cfg config.CircuitBreakerConfig, logger *zap.Logger, registry prometheus.Registerer) *CircuitBreaker {
	c := &CircuitBreaker{
		name:   name,
		logger: logger,
		stateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "formulate_circuit_breaker_state",
			Help:        "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
			ConstLabels: prometheus.Labels{"name": name},
		}),
		failuresCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "formulate_circuit_breaker_failures_total",
			Help:        "Total number of failures recorded by the circuit breaker",
			ConstLabels: prometheus.Labels{"name": name},
		}),
		tripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "formulate_circuit_breaker_trips_total",
			Help:        "Total number of times the circuit breaker has tripped",
			ConstLabels: prometheus.Labels{"name": name},
		}),
	}

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A caller giving up is not a provider failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: c.onStateChange,
	})

	if !cfg.TestMode && registry != nil {
		registry.MustRegister(c.stateGauge, c.failuresCount, c.tripsTotal)
	}

	return c
}

func (c *CircuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	c.stateGauge.Set(float64(to))
	if to == gobreaker.StateOpen {
		c.tripsTotal.Inc()
		c.logger.Warn("circuit breaker tripped",
			zap.String("name", name),
			zap.String("from", from.String()),
		)
		return
	}
	c.logger.Info("circuit breaker state changed",
		zap.String("name", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// Execute runs f if the breaker allows it. Rejections are reported as
// ErrCircuitOpen.
func (c *CircuitBreaker) Execute(f func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, f()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.failuresCount.Inc()
	}
	return err
}

// Name returns the guarded provider's name
func (c *CircuitBreaker) Name() string { return c.name }

// State returns the current breaker state
func (c *CircuitBreaker) State() gobreaker.State { return c.cb.State() }

// Counts returns the breaker's counters for the current generation
func (c *CircuitBreaker) Counts() gobreaker.Counts { return c.cb.Counts() }
