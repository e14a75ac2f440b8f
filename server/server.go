// Package server assembles the formulation service: it builds the model
// gateway, the domain services and the HTTP router from configuration, and
// rebuilds the router when the configuration file changes.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teilomillet/formulate/config"
	"github.com/teilomillet/formulate/server/conversation"
	"github.com/teilomillet/formulate/server/enhancement"
	"github.com/teilomillet/formulate/server/formulation"
	"github.com/teilomillet/formulate/server/handlers"
	"github.com/teilomillet/formulate/server/metrics"
	"github.com/teilomillet/formulate/server/middleware"
	"github.com/teilomillet/formulate/server/processing"
	"github.com/teilomillet/formulate/server/provider"
	"github.com/teilomillet/formulate/server/routing"
	"github.com/teilomillet/formulate/server/session"
	"github.com/teilomillet/formulate/server/validation"
	"go.uber.org/zap"
)

// Server represents the HTTP server
type Server struct {
	watcher   config.Watcher
	completer provider.Completer
	store     session.Store
	metrics   *metrics.Metrics
	counter   *validation.TokenCounter
	logger    *zap.Logger
	level     *zap.AtomicLevel

	handler atomic.Pointer[http.Handler]

	mu         sync.Mutex
	httpServer *http.Server
	addr       net.Addr
}

// Option configures a Server.
type Option func(*Server)

// WithLogLevel lets config reloads change the level of the server's logger.
func WithLogLevel(level zap.AtomicLevel) Option {
	return func(s *Server) { s.level = &level }
}

// WithTokenCounter replaces the tiktoken counter built from llm.model.
func WithTokenCounter(c *validation.TokenCounter) Option {
	return func(s *Server) { s.counter = c }
}

// WithSessionStore replaces the store built from the session section.
func WithSessionStore(store session.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithMetrics replaces the server's Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer loads configPath, watches it for changes and builds the model
// gateway from it.
func NewServer(configPath string, logger *zap.Logger, opts ...Option) (*Server, error) {
	watcher, err := config.NewConfigWatcher(configPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	s := &Server{metrics: metrics.NewMetrics()}
	for _, opt := range opts {
		opt(s)
	}

	cfg := watcher.GetCurrentConfig()
	manager, err := provider.NewManager(cfg, logger, s.metrics.Registry())
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create provider manager: %w", err)
	}

	srv, err := NewServerWithConfig(watcher, manager, logger, append(opts, WithMetrics(s.metrics))...)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	return srv, nil
}

// NewServerWithConfig creates a server around an existing config watcher
// and model gateway.
func NewServerWithConfig(watcher config.Watcher, completer provider.Completer, logger *zap.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		watcher:   watcher,
		completer: completer,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewMetrics()
	}

	cfg := watcher.GetCurrentConfig()

	if s.counter == nil {
		counter, err := validation.NewTokenCounter(cfg.LLM.Model)
		if err != nil {
			logger.Warn("token encoding unavailable, estimating token counts", zap.Error(err))
			counter = validation.ApproximateTokenCounter()
		}
		s.counter = counter
	}

	if s.store == nil {
		store, err := session.New(cfg.Session, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create session store: %w", err)
		}
		s.store = store
	}

	handler, err := s.build(cfg)
	if err != nil {
		s.store.Close()
		return nil, err
	}
	s.handler.Store(&handler)

	return s, nil
}

// build wires the services and router for cfg.
func (s *Server) build(cfg *config.Config) (http.Handler, error) {
	logger := s.logger
	temps := cfg.LLM.Temperatures

	proc, err := processing.NewProcessor(&cfg.Processing, s.completer, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create processor: %w", err)
	}
	proc.SetFallbackCounter(s.metrics.ModelOutputFallbacks)

	enhancer := enhancement.NewService(proc, temps, logger)
	conv := conversation.NewService(proc, enhancer, temps, logger,
		conversation.WithConfig(cfg.Conversation),
		conversation.WithTurnCounter(s.metrics.ConversationTurns),
	)
	form, err := formulation.NewService(proc, enhancer, temps, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create formulation service: %w", err)
	}

	v := validation.New(s.counter, cfg.LLM.MaxContextTokens)
	ch := handlers.NewConversationHandler(conv, s.store, v, s.metrics, logger)
	fh := handlers.NewFormulationHandler(form, enhancer, v, s.metrics, logger)

	var health handlers.HealthReporter
	if reporter, ok := s.completer.(handlers.HealthReporter); ok {
		health = reporter
	}

	routes := map[string]http.Handler{
		"conversation.start":      http.HandlerFunc(ch.Start),
		"conversation.continue":   http.HandlerFunc(ch.Continue),
		"conversation.aggregate":  http.HandlerFunc(ch.AggregateIntent),
		"conversation.summary":    http.HandlerFunc(ch.Summary),
		"conversation.stream":     http.HandlerFunc(ch.Stream),
		"formulation.generate":    http.HandlerFunc(fh.Generate),
		"formulation.validate":    http.HandlerFunc(fh.Validate),
		"formulation.suggestions": http.HandlerFunc(fh.Suggestions),
		"formulation.stream":      http.HandlerFunc(fh.Stream),
		"health":                  handlers.Health(health, logger),
		"metrics":                 s.metrics.Handler(),
	}

	return routing.NewRouter(cfg, routes, s.middlewares(cfg), logger), nil
}

func passthrough(next http.Handler) http.Handler { return next }

// middlewares returns the named middleware routes may list. Disabled ones
// pass requests through.
func (s *Server) middlewares(cfg *config.Config) map[string]routing.Middleware {
	mw := map[string]routing.Middleware{
		"metrics":    middleware.PrometheusMetrics(s.metrics),
		"logging":    middleware.Logging(s.logger),
		"rate-limit": passthrough,
		"queue":      passthrough,
		"timeout":    passthrough,
	}
	if cfg.RateLimit.Enabled {
		mw["rate-limit"] = middleware.NewRateLimiter(cfg.RateLimit, s.metrics).Handler
	}
	if cfg.Queue.Enabled {
		mw["queue"] = middleware.NewQueue(cfg.Queue, s.metrics).Handler
	}
	if cfg.Server.RequestTimeout > 0 {
		mw["timeout"] = middleware.Timeout(cfg.Server.RequestTimeout)
	}
	return mw
}

// ServeHTTP implements http.Handler with the router of the current config.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.handler.Load()).ServeHTTP(w, r)
}

// Addr returns the address the server listens on, once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start serves until ctx is done, applying configuration updates as they
// arrive. A port change moves the listener; other changes swap the router.
func (s *Server) Start(ctx context.Context) error {
	if m, ok := s.completer.(*provider.Manager); ok {
		m.StartHealthChecks(ctx)
	}

	updates := s.watcher.Subscribe()
	cfg := s.watcher.GetCurrentConfig()

	errChan := make(chan error, 1)
	if err := s.listen(cfg.Server, errChan); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(cfg.Server.ShutdownTimeout)

		case err := <-errChan:
			s.store.Close()
			return err

		case next, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if err := s.reload(cfg, next, errChan); err != nil {
				s.logger.Error("failed to apply configuration update", zap.Error(err))
				continue
			}
			cfg = next
		}
	}
}

func (s *Server) reload(prev, next *config.Config, errChan chan error) error {
	handler, err := s.build(next)
	if err != nil {
		return err
	}
	s.handler.Store(&handler)

	if s.level != nil {
		if err := config.ApplyLogLevel(*s.level, next.Logging); err != nil {
			s.logger.Warn("invalid log level in update", zap.Error(err))
		}
	}

	if next.Server.Port != prev.Server.Port {
		s.mu.Lock()
		old := s.httpServer
		s.mu.Unlock()

		if err := s.listen(next.Server, errChan); err != nil {
			return err
		}
		s.close(old, prev.Server.ShutdownTimeout)
	}

	s.logger.Info("configuration reloaded", zap.Int("port", next.Server.Port))
	return nil
}

// listen binds cfg.Port and serves on it in the background.
func (s *Server) listen(cfg config.ServerConfig, errChan chan error) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Port, err)
	}

	srv := &http.Server{
		Handler:        s,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	go func() {
		s.logger.Info("Server started", zap.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- fmt.Errorf("server error: %w", err):
			default:
			}
		}
	}()
	return nil
}

func (s *Server) close(srv *http.Server, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("error during server shutdown", zap.Error(err))
	}
}

func (s *Server) shutdown(timeout time.Duration) error {
	s.logger.Info("Shutting down server")

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	s.close(srv, timeout)

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("error closing session store: %w", err)
	}
	if err := s.watcher.Close(); err != nil {
		return fmt.Errorf("error closing config watcher: %w", err)
	}
	return nil
}
