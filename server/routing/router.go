// Package routing builds the HTTP router from the route table in the
// configuration. Each route names its handler and the middleware it runs
// through, so the API surface can be reshaped from YAML.
package routing

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/teilomillet/formulate/config"
	"github.com/teilomillet/formulate/errors"
	"github.com/teilomillet/formulate/server/middleware"
	"go.uber.org/zap"
)

// Middleware wraps a handler.
type Middleware = func(http.Handler) http.Handler

// Router handles config-driven HTTP routing.
// It provides:
// - Optional version prefixes (v1, v2, etc.)
// - Named per-route middleware
// - Header requirements
// - Method restrictions
type Router struct {
	router      chi.Router              // Chi router instance for HTTP routing
	handlers    map[string]http.Handler // Map of handler names to implementations
	middlewares map[string]Middleware   // Map of middleware names to implementations
	logger      *zap.Logger
	cfg         *config.Config
}

// NewRouter creates a router for cfg.Routes. Routes naming an unknown
// handler are skipped with an error log; unknown middleware names are
// skipped with a warning.
func NewRouter(cfg *config.Config, handlers map[string]http.Handler, middlewares map[string]Middleware, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		router:      chi.NewRouter(),
		handlers:    handlers,
		middlewares: middlewares,
		logger:      logger,
		cfg:         cfg,
	}

	// Global middleware stack
	r.router.Use(middleware.RequestID)
	r.router.Use(middleware.RequestTimer)
	r.router.Use(errors.ErrorHandler(logger))
	r.router.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	r.router.NotFound(func(w http.ResponseWriter, req *http.Request) {
		errors.ErrorWithType(w, "Route not found", errors.NotFoundError, http.StatusNotFound)
	})
	r.router.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		errors.ErrorWithType(w, "Method not allowed", errors.BadRequestError, http.StatusMethodNotAllowed)
	})

	r.setupRoutes()

	return r
}

// setupRoutes configures all routes based on the configuration.
func (r *Router) setupRoutes() {
	for _, route := range r.cfg.Routes {
		handler, ok := r.handlers[route.Handler]
		if !ok {
			r.logger.Error("handler not found", zap.String("handler", route.Handler))
			continue
		}

		path := route.Path
		if route.Version != "" {
			path = fmt.Sprintf("/%s%s", route.Version, path)
		}

		r.router.Group(func(router chi.Router) {
			for _, name := range route.Middleware {
				mw, ok := r.middlewares[name]
				if !ok {
					r.logger.Warn("unknown middleware requested",
						zap.String("middleware", name),
						zap.String("path", path))
					continue
				}
				router.Use(mw)
			}

			if len(route.Headers) > 0 {
				router.Use(requireHeaders(route.Headers))
			}

			methods := route.Methods
			if len(methods) == 0 {
				methods = []string{http.MethodGet}
			}
			for _, method := range methods {
				router.Method(method, path, handler)
			}
		})

		r.logger.Debug("route registered",
			zap.String("path", path),
			zap.String("handler", route.Handler),
			zap.Strings("methods", route.Methods))
	}
}

// requireHeaders rejects requests whose headers do not carry the given values.
func requireHeaders(headers map[string]string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			for key, value := range headers {
				if req.Header.Get(key) != value {
					errors.ErrorWithType(w, fmt.Sprintf("missing or invalid header: %s", key),
						errors.ValidationError, http.StatusBadRequest)
					return
				}
			}
			next.ServeHTTP(w, req)
		})
	}
}

// ServeHTTP implements the http.Handler interface.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.router.ServeHTTP(w, req)
}
