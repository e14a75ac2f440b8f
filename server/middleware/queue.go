package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eapache/queue/v2"
	"github.com/teilomillet/formulate/config"
	"github.com/teilomillet/formulate/errors"
	"github.com/teilomillet/formulate/server/metrics"
)

// waiter is one request waiting for a processing slot.
type waiter struct {
	ready     chan struct{}
	granted   bool
	abandoned bool
}

// Queue admits at most MaxConcurrent requests at a time and holds up to
// MaxSize more in FIFO order. Requests beyond that are rejected with 503.
// Every admitted request drives several model calls, so this is what keeps
// the service inside its provider quota under bursts.
//
// Slots are handed directly from a finishing request to the head of the
// queue, so a newcomer never overtakes a waiter. Waiters whose context ends
// are marked abandoned and skipped when they reach the head.
type Queue struct {
	mu            sync.Mutex
	waiting       *queue.Queue[*waiter]
	active        int
	maxConcurrent int
	maxSize       int
	metrics       *metrics.Metrics
}

// NewQueue creates an admission queue from cfg. m may be nil.
func NewQueue(cfg config.QueueConfig, m *metrics.Metrics) *Queue {
	return &Queue{
		waiting:       queue.New[*waiter](),
		maxConcurrent: max(cfg.MaxConcurrent, 1),
		maxSize:       int(max(cfg.MaxSize, 0)),
		metrics:       m,
	}
}

// errQueueFull is returned by acquire when no waiting room is left.
var errQueueFull = fmt.Errorf("admission queue full")

func (q *Queue) acquire(ctx context.Context) error {
	q.mu.Lock()
	if q.active < q.maxConcurrent && q.waiting.Length() == 0 {
		q.active++
		q.observe()
		q.mu.Unlock()
		return nil
	}
	if q.waiting.Length() >= q.maxSize {
		q.mu.Unlock()
		return errQueueFull
	}

	w := &waiter{ready: make(chan struct{})}
	q.waiting.Add(w)
	q.observe()
	q.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		if w.granted {
			// The slot arrived as we gave up; pass it on.
			q.mu.Unlock()
			q.release()
			return ctx.Err()
		}
		w.abandoned = true
		q.mu.Unlock()
		return ctx.Err()
	}
}

func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.waiting.Length() > 0 {
		w := q.waiting.Remove()
		if w.abandoned {
			continue
		}
		w.granted = true
		close(w.ready)
		q.observe()
		return
	}
	q.active--
	q.observe()
}

// observe publishes queue gauges. Callers hold q.mu.
func (q *Queue) observe() {
	if q.metrics == nil {
		return
	}
	q.metrics.ActiveRequests.WithLabelValues("queued").Set(float64(q.waiting.Length()))
	q.metrics.ActiveRequests.WithLabelValues("processing").Set(float64(q.active))
}

// Handler queues requests until a slot is free.
func (q *Queue) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if err := q.acquire(r.Context()); err != nil {
			if err == errQueueFull {
				if q.metrics != nil {
					q.metrics.ErrorsTotal.WithLabelValues("queue_full").Inc()
				}
				errors.WriteError(w, errors.NewError(
					errors.RateLimitError,
					"Server is busy, please retry",
					http.StatusServiceUnavailable,
					GetRequestID(r.Context()),
					map[string]interface{}{"queue_size": q.maxSize},
					err,
				))
			}
			// Otherwise the client went away while waiting.
			return
		}
		defer q.release()

		if q.metrics != nil {
			q.metrics.RequestDuration.WithLabelValues("queue_wait").Observe(time.Since(start).Seconds())
		}
		next.ServeHTTP(w, r)
	})
}

// Length returns the number of waiting requests, abandoned ones included.
func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting.Length()
}

// Active returns the number of requests holding a slot.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}
