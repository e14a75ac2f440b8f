package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/teilomillet/formulate/config"
	"github.com/teilomillet/formulate/errors"
	"github.com/teilomillet/formulate/server/metrics"
	"golang.org/x/time/rate"
)

// RateLimiter limits requests per client IP with a token bucket that
// refills Requests tokens every Window.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	retry    int
	metrics  *metrics.Metrics
}

// NewRateLimiter creates a limiter from cfg. m may be nil.
func NewRateLimiter(cfg config.RateLimitConfig, m *metrics.Metrics) *RateLimiter {
	requests := max(cfg.Requests, 1)
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	interval := window / time.Duration(requests)

	return &RateLimiter{
		visitors: make(map[string]*rate.Limiter),
		limit:    rate.Every(interval),
		burst:    requests,
		retry:    int(math.Ceil(interval.Seconds())),
		metrics:  m,
	}
}

func (l *RateLimiter) limiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.visitors[ip]
	if !exists {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.visitors[ip] = limiter
	}
	return limiter
}

// Handler rejects requests over the limit with 429 and a Retry-After hint.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		if !l.limiter(ip).Allow() {
			if l.metrics != nil {
				l.metrics.RateLimitHits.WithLabelValues(ip).Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(l.retry))
			errors.WriteError(w, errors.NewRateLimitError(GetRequestID(r.Context()), l.retry))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Reset forgets every client.
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visitors = make(map[string]*rate.Limiter)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
