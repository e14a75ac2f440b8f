// Package config provides configuration management for the formulation
// service. It covers the HTTP server, model providers, conversation limits,
// session storage and runtime behavior.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server             ServerConfig              `yaml:"server"`
	LLM                LLMConfig                 `yaml:"llm"`
	Providers          map[string]ProviderConfig `yaml:"providers"`
	ProviderPreference []string                  `yaml:"provider_preference"` // Order of provider preference
	CircuitBreaker     CircuitBreakerConfig      `yaml:"circuit_breaker"`
	Conversation       ConversationConfig        `yaml:"conversation"`
	Session            SessionConfig             `yaml:"session"`
	Processing         ProcessingConfig          `yaml:"processing"`
	Logging            LoggingConfig             `yaml:"logging"`
	Routes             []RouteConfig             `yaml:"routes"`
	Queue              QueueConfig               `yaml:"queue"`
	RateLimit          RateLimitConfig           `yaml:"rate_limit"`
	TestMode           bool                      `yaml:"-"` // Skip provider initialization in tests
}

// ServerConfig holds server-specific configuration for the HTTP server.
type ServerConfig struct {
	// Port specifies the HTTP server port (default: 8080)
	Port int `yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds response writes. Streaming routes need it larger
	// than the longest expected model stream.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxHeaderBytes controls the maximum size of request headers
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// ShutdownTimeout specifies how long to wait for graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RequestTimeout is applied by the timeout middleware to non-streaming routes
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// AllowedOrigins for CORS. Empty means "*".
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LLMConfig holds the primary model configuration.
type LLMConfig struct {
	// Provider is the gollm provider name (e.g. "openai", "anthropic", "ollama")
	Provider string `yaml:"provider"`

	// Model is the name of the model to use
	Model string `yaml:"model"`

	// APIKey is the authentication key for the provider's API.
	// Use ${OPENAI_API_KEY} style references.
	APIKey string `yaml:"api_key"`

	// Endpoint overrides the provider API endpoint
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds a single model call
	Timeout time.Duration `yaml:"timeout"`

	// MaxContextTokens caps the conversation history accepted by the API
	MaxContextTokens int `yaml:"max_context_tokens"`

	// Temperatures per task
	Temperatures TemperatureConfig `yaml:"temperatures"`

	// HealthCheck defines provider health monitoring settings (optional)
	HealthCheck *ProviderHealthCheck `yaml:"health_check,omitempty"`
}

// TemperatureConfig holds the sampling temperature of each model task.
// Zero is a valid temperature, so decoding on top of DefaultConfig keeps
// any value the file omits.
type TemperatureConfig struct {
	Analysis    float64 `yaml:"analysis"`
	Dimensions  float64 `yaml:"dimensions"`
	Question    float64 `yaml:"question"`
	Vagueness   float64 `yaml:"vagueness"`
	Completion  float64 `yaml:"completion"`
	Reconstruct float64 `yaml:"reconstruct"`
	Aggregate   float64 `yaml:"aggregate"`
	Intent      float64 `yaml:"intent"`
	Enhance     float64 `yaml:"enhance"`
	Ingredients float64 `yaml:"ingredients"`
	Stream      float64 `yaml:"stream"`
}

// All returns every configured temperature. Backends that bind the
// temperature at construction build one client per distinct value.
func (t TemperatureConfig) All() []float64 {
	return []float64{
		t.Analysis, t.Dimensions, t.Question, t.Vagueness, t.Completion,
		t.Reconstruct, t.Aggregate, t.Intent, t.Enhance, t.Ingredients, t.Stream,
	}
}

// ProviderHealthCheck defines health check settings
type ProviderHealthCheck struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// ProviderConfig holds configuration for one named model provider.
type ProviderConfig struct {
	// Backend selects the client library: "gollm" (default) or "openai".
	// Only the openai backend supports token streaming.
	Backend  string `yaml:"backend"`
	Type     string `yaml:"type"`     // Provider type passed to gollm (e.g., openai, anthropic)
	Model    string `yaml:"model"`    // Model name
	APIKey   string `yaml:"api_key"`  // API key for authentication
	Endpoint string `yaml:"endpoint"` // Optional base URL
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	// Level sets logging verbosity: debug, info, warn, error
	Level string `yaml:"level"`

	// Format specifies log output format: json or text
	Format string `yaml:"format"`
}

// RouteConfig holds route-specific configuration.
type RouteConfig struct {
	// Path is the URL path to match
	Path string `yaml:"path"`

	// Handler names the handler serving this route
	Handler string `yaml:"handler"`

	// Version specifies the API version (e.g., "v1")
	Version string `yaml:"version"`

	// Methods specifies the allowed HTTP methods for this route
	Methods []string `yaml:"methods"`

	// Headers specifies the required headers for this route
	Headers map[string]string `yaml:"headers,omitempty"`

	// Middleware specifies the route-specific middleware
	Middleware []string `yaml:"middleware,omitempty"`
}

// CircuitBreakerConfig configures the per-provider circuit breakers.
type CircuitBreakerConfig struct {
	// MaxRequests is maximum number of requests allowed to pass through when in half-open state
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is the cyclic period of the closed state for the circuit breaker
	Interval time.Duration `yaml:"interval"`

	// Timeout is the period of the open state until it becomes half-open
	Timeout time.Duration `yaml:"timeout"`

	// FailureThreshold is the number of consecutive failures needed to trip the circuit
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// TestMode skips Prometheus metric registration
	TestMode bool `yaml:"test_mode"`
}

// ConversationConfig bounds the clarification dialogue.
type ConversationConfig struct {
	// MaxExchanges is the number of user turns after which a conversation
	// is forced to complete.
	MaxExchanges int `yaml:"max_exchanges"`

	// StreamBuffer is the capacity of the fragment channel between the
	// model stream and the HTTP writer.
	StreamBuffer int `yaml:"stream_buffer"`
}

// SessionConfig selects and configures the conversation session store.
type SessionConfig struct {
	// Store is "memory" or "redis"
	Store string `yaml:"store"`

	// TTL is how long an idle session snapshot is kept
	TTL time.Duration `yaml:"ttl"`

	// LockTTL bounds how long a conversation stays busy if a request dies
	LockTTL time.Duration `yaml:"lock_ttl"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string `yaml:"address"`

	// Password for Redis authentication (optional)
	Password string `yaml:"password"`

	// DB is the Redis database number to use
	DB int `yaml:"db"`

	// KeyPrefix namespaces all session keys
	KeyPrefix string `yaml:"key_prefix"`
}

// QueueConfig defines the configuration for the request queue middleware.
type QueueConfig struct {
	// Enabled determines if the queue middleware is active
	Enabled bool `yaml:"enabled"`

	// MaxSize is the maximum number of waiting requests
	MaxSize int64 `yaml:"max_size"`

	// MaxConcurrent is the number of requests processed at once
	MaxConcurrent int `yaml:"max_concurrent"`
}

// RateLimitConfig configures per-client request rate limiting.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// Requests allowed per Window, per client IP
	Requests int `yaml:"requests"`

	Window time.Duration `yaml:"window"`
}

// DefaultConfig returns a configuration suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  90 * time.Second,
		},

		LLM: LLMConfig{
			Provider:         "openai",
			Model:            "gpt-4o-mini",
			Timeout:          60 * time.Second,
			MaxContextTokens: 16384,
			Temperatures: TemperatureConfig{
				Analysis:    0.3,
				Dimensions:  0,
				Question:    0.4,
				Vagueness:   0,
				Completion:  0.7,
				Reconstruct: 0.2,
				Aggregate:   0.3,
				Intent:      0.3,
				Enhance:     0.4,
				Ingredients: 0.7,
				Stream:      0.7,
			},
			HealthCheck: &ProviderHealthCheck{
				Enabled:          true,
				Interval:         30 * time.Second,
				Timeout:          5 * time.Second,
				FailureThreshold: 2,
			},
		},

		CircuitBreaker: CircuitBreakerConfig{
			MaxRequests:      1,
			Interval:         30 * time.Second,
			Timeout:          10 * time.Second,
			FailureThreshold: 5,
		},

		Conversation: ConversationConfig{
			MaxExchanges: 4,
			StreamBuffer: 16,
		},

		Session: SessionConfig{
			Store:   "memory",
			TTL:     time.Hour,
			LockTTL: 2 * time.Minute,
			Redis: RedisConfig{
				Address:   "localhost:6379",
				KeyPrefix: "formulate:session:",
			},
		},

		Processing: ProcessingConfig{
			ResponseFormatting: ResponseFormattingConfig{
				TrimWhitespace: true,
			},
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},

		Routes: DefaultRoutes(),

		Queue: QueueConfig{
			Enabled:       false,
			MaxSize:       1000,
			MaxConcurrent: 32,
		},

		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 60,
			Window:   time.Minute,
		},
	}
}

// DefaultRoutes returns the API surface of the service.
func DefaultRoutes() []RouteConfig {
	api := []string{"metrics", "logging", "rate-limit", "queue", "timeout"}
	stream := []string{"metrics", "logging", "rate-limit", "queue"}
	return []RouteConfig{
		{Path: "/conversation/start", Handler: "conversation.start", Methods: []string{"POST"}, Middleware: api},
		{Path: "/conversation/continue", Handler: "conversation.continue", Methods: []string{"POST"}, Middleware: api},
		{Path: "/conversation/aggregate-intent", Handler: "conversation.aggregate", Methods: []string{"POST"}, Middleware: api},
		{Path: "/conversation/summary", Handler: "conversation.summary", Methods: []string{"POST"}, Middleware: api},
		{Path: "/conversation/stream", Handler: "conversation.stream", Methods: []string{"POST"}, Middleware: stream},
		{Path: "/formulation/", Handler: "formulation.generate", Methods: []string{"POST"}, Middleware: api},
		{Path: "/formulation/validate", Handler: "formulation.validate", Methods: []string{"POST"}, Middleware: api},
		{Path: "/formulation/suggestions", Handler: "formulation.suggestions", Methods: []string{"POST"}, Middleware: api},
		{Path: "/formulation/stream", Handler: "formulation.stream", Methods: []string{"GET"}, Middleware: stream},
		{Path: "/health", Handler: "health", Methods: []string{"GET"}, Middleware: []string{"metrics"}},
		{Path: "/metrics", Handler: "metrics", Methods: []string{"GET"}},
	}
}

// LoadFile loads configuration from a YAML file
func LoadFile(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// expandEnvVars resolves ${VAR} and ${VAR:-default} references. Nested
// references are expanded until the string stops changing.
func expandEnvVars(s string) (string, error) {
	if open := strings.Count(s, "${"); open > strings.Count(s, "}") {
		return "", fmt.Errorf("unterminated variable reference")
	}

	result := os.Expand(s, func(key string) string {
		if i := strings.Index(key, ":-"); i >= 0 {
			if val := os.Getenv(key[:i]); val != "" {
				return val
			}
			return key[i+2:]
		}
		return os.Getenv(key)
	})

	for i := 0; i < 8 && strings.Contains(result, "${"); i++ {
		result = os.Expand(result, os.Getenv)
	}

	return result, nil
}

// Load loads configuration from an io.Reader, decoding on top of DefaultConfig.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expand environment variables: %w", err)
	}

	config := DefaultConfig()
	if strings.TrimSpace(expanded) != "" {
		dec := yaml.NewDecoder(strings.NewReader(expanded))
		if err := dec.Decode(config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("negative read timeout: %v", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("negative write timeout: %v", c.Server.WriteTimeout)
	}
	if c.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("negative max header bytes: %d", c.Server.MaxHeaderBytes)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("negative shutdown timeout: %v", c.Server.ShutdownTimeout)
	}

	if c.LLM.Provider == "" {
		return fmt.Errorf("empty LLM provider")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("empty LLM model")
	}
	if c.LLM.MaxContextTokens < 0 {
		return fmt.Errorf("negative max context tokens: %d", c.LLM.MaxContextTokens)
	}
	if c.LLM.Timeout < 0 {
		return fmt.Errorf("negative LLM timeout: %v", c.LLM.Timeout)
	}
	for _, t := range c.LLM.Temperatures.All() {
		if t < 0 || t > 2 {
			return fmt.Errorf("temperature out of range [0, 2]: %v", t)
		}
	}

	for name, p := range c.Providers {
		switch p.Backend {
		case "", "gollm", "openai":
		default:
			return fmt.Errorf("provider %s: unknown backend %q", name, p.Backend)
		}
		if p.Model == "" {
			return fmt.Errorf("provider %s: empty model", name)
		}
	}
	for _, name := range c.ProviderPreference {
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("provider preference names unknown provider: %s", name)
		}
	}

	if c.Conversation.MaxExchanges < 1 {
		return fmt.Errorf("max exchanges must be positive: %d", c.Conversation.MaxExchanges)
	}
	if c.Conversation.StreamBuffer < 1 {
		return fmt.Errorf("stream buffer must be positive: %d", c.Conversation.StreamBuffer)
	}

	switch c.Session.Store {
	case "memory":
	case "redis":
		if c.Session.Redis.Address == "" {
			return fmt.Errorf("redis session store requires an address")
		}
	default:
		return fmt.Errorf("invalid session store: %s", c.Session.Store)
	}
	if c.Session.TTL <= 0 || c.Session.LockTTL <= 0 {
		return fmt.Errorf("session ttl and lock ttl must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate limit requires positive requests and window")
	}
	if c.Queue.Enabled && (c.Queue.MaxSize <= 0 || c.Queue.MaxConcurrent <= 0) {
		return fmt.Errorf("queue requires positive max size and concurrency")
	}

	for i, route := range c.Routes {
		if route.Path == "" {
			return fmt.Errorf("empty path in route %d", i)
		}
		if route.Handler == "" {
			return fmt.Errorf("empty handler in route %d", i)
		}
	}

	return nil
}
