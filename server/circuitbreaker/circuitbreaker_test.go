package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/formulate/config"
	"go.uber.org/zap/zaptest"
)

func testConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 2,
	}
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	registry := prometheus.NewRegistry()
	cb := NewCircuitBreaker("primary", testConfig(), zaptest.NewLogger(t), registry)
	boom := errors.New("boom")

	assert.Equal(t, boom, cb.Execute(func() error { return boom }))
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.Equal(t, boom, cb.Execute(func() error { return boom }))
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	assert.Equal(t, float64(2), testutil.ToFloat64(cb.failuresCount))
	assert.Equal(t, float64(1), testutil.ToFloat64(cb.tripsTotal))

	require.Eventually(t, func() bool {
		return cb.State() == gobreaker.StateHalfOpen
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker("primary", testConfig(), zaptest.NewLogger(t), nil)

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.Equal(t, uint32(0), cb.Counts().ConsecutiveFailures)
}

func TestCircuitBreakerTestModeSkipsRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	cfg := testConfig()
	cfg.TestMode = true
	NewCircuitBreaker("a", cfg, zaptest.NewLogger(t), registry)

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}
