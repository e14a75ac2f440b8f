package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/teilomillet/formulate/config"
	"github.com/teilomillet/formulate/errors"
	"github.com/teilomillet/formulate/server/circuitbreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var _ Completer = (*Manager)(nil)

// Manager routes model calls to backends in preference order. Each backend
// sits behind its own circuit breaker; identical concurrent calls share one
// upstream request.
type Manager struct {
	backends     map[string]Backend
	breakers     map[string]*circuitbreaker.CircuitBreaker
	preference   []string
	healthStates sync.Map // map[string]HealthStatus
	group        singleflight.Group
	logger       *zap.Logger
	cfg          *config.Config

	healthCheckDuration  prometheus.Histogram
	healthCheckErrors    *prometheus.CounterVec
	requestLatency       *prometheus.HistogramVec
	deduplicatedRequests prometheus.Counter
	healthyProviders     *prometheus.GaugeVec
}

// NewManager builds backends from cfg. When cfg.Providers is empty the
// llm section is used as a single gollm provider.
func NewManager(cfg *config.Config, logger *zap.Logger, registry prometheus.Registerer) (*Manager, error) {
	backends := make(map[string]Backend)
	preference := cfg.ProviderPreference

	providers := cfg.Providers
	if len(providers) == 0 {
		providers = map[string]config.ProviderConfig{
			cfg.LLM.Provider: {
				Backend:  "gollm",
				Type:     cfg.LLM.Provider,
				Model:    cfg.LLM.Model,
				APIKey:   cfg.LLM.APIKey,
				Endpoint: cfg.LLM.Endpoint,
			},
		}
		preference = []string{cfg.LLM.Provider}
	}

	for name, pc := range providers {
		switch pc.Backend {
		case "openai":
			backends[name] = NewOpenAIBackend(name, pc, cfg.LLM.Timeout)
		default:
			b, err := NewGollmBackend(name, GollmFactory(pc), cfg.LLM.Temperatures.All()...)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize provider %s: %w", name, err)
			}
			backends[name] = b
		}
	}

	if len(preference) == 0 {
		for name := range backends {
			preference = append(preference, name)
		}
	}

	return NewManagerWithBackends(cfg, logger, registry, backends, preference), nil
}

// NewManagerWithBackends creates a manager over pre-built backends.
func NewManagerWithBackends(cfg *config.Config, logger *zap.Logger, registry prometheus.Registerer, backends map[string]Backend, preference []string) *Manager {
	m := &Manager{
		backends:   backends,
		breakers:   make(map[string]*circuitbreaker.CircuitBreaker, len(backends)),
		preference: append([]string(nil), preference...),
		logger:     logger,
		cfg:        cfg,
	}
	m.initializeMetrics(registry)

	for name := range backends {
		m.breakers[name] = circuitbreaker.NewCircuitBreaker(
			name,
			cfg.CircuitBreaker,
			logger.With(zap.String("provider", name)),
			registry,
		)
	}

	return m
}

// Complete sends messages to the first provider that accepts them.
// Identical concurrent calls share one provider request, which runs
// detached from any single caller; each caller still returns as soon as
// its own ctx is done. Failures are returned as ModelCallError.
func (m *Manager) Complete(ctx context.Context, messages []Message, temperature float64) (string, error) {
	key := requestKey(messages, temperature)

	ch := m.group.DoChan(key, func() (interface{}, error) {
		var reply string
		err := m.withFailover(context.WithoutCancel(ctx), func(ctx context.Context, b Backend) error {
			var err error
			reply, err = b.Complete(ctx, messages, temperature)
			return err
		})
		return reply, err
	})

	select {
	case res := <-ch:
		if res.Shared {
			m.deduplicatedRequests.Inc()
		}
		if res.Err != nil {
			return "", errors.NewModelCallError("", "model call failed", res.Err)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", errors.NewModelCallError("", "model call failed", ctx.Err())
	}
}

// Stream relays reply fragments from the first provider that accepts the
// call. Failover only happens before the first fragment is emitted.
func (m *Manager) Stream(ctx context.Context, messages []Message, temperature float64, emit func(string) error) error {
	err := m.withFailover(ctx, func(ctx context.Context, b Backend) error {
		started := false
		err := b.Stream(ctx, messages, temperature, func(fragment string) error {
			started = true
			return emit(fragment)
		})
		if err != nil && started {
			return &noRetryError{err: err}
		}
		return err
	})
	if err != nil {
		return errors.NewModelCallError("", "model stream failed", err)
	}
	return nil
}

// noRetryError stops failover; the caller already observed partial output.
type noRetryError struct{ err error }

func (e *noRetryError) Error() string { return e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

func (m *Manager) withFailover(ctx context.Context, call func(context.Context, Backend) error) error {
	if len(m.preference) == 0 {
		return ErrNoProviders
	}

	var lastErr error
	for _, name := range m.preference {
		backend, ok := m.backends[name]
		if !ok || !m.GetHealthStatus(name).Healthy {
			continue
		}
		err := m.execute(ctx, name, backend, call)
		if err == nil {
			return nil
		}
		var noRetry *noRetryError
		if errors.As(err, &noRetry) {
			return noRetry.err
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("provider call failed, trying next",
			zap.String("provider", name),
			zap.Error(err),
		)
	}

	if lastErr == nil {
		return ErrNoHealthyProvider
	}
	if lastErr == circuitbreaker.ErrCircuitOpen {
		return fmt.Errorf("%w: %v", ErrNoHealthyProvider, lastErr)
	}
	return lastErr
}

func (m *Manager) execute(ctx context.Context, name string, backend Backend, call func(context.Context, Backend) error) error {
	if m.cfg.LLM.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.LLM.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := m.breakers[name].Execute(func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return call(ctx, backend)
	})

	outcome := "success"
	if err != nil {
		outcome = "error"
		breaker := m.breakers[name]
		m.logger.Debug("operation failed",
			zap.String("provider", name),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
			zap.String("breaker_state", breaker.State().String()),
			zap.Uint32("consecutive_failures", breaker.Counts().ConsecutiveFailures),
		)
	}
	m.requestLatency.WithLabelValues(name, outcome).Observe(time.Since(start).Seconds())
	return err
}

// Breaker returns the circuit breaker guarding a provider.
func (m *Manager) Breaker(name string) *circuitbreaker.CircuitBreaker {
	return m.breakers[name]
}

func requestKey(messages []Message, temperature float64) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatFloat(temperature, 'f', -1, 64)))
	for _, msg := range messages {
		h.Write([]byte{0})
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}
