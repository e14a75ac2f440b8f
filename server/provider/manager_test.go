package provider_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/formulate/config"
	"github.com/teilomillet/formulate/errors"
	"github.com/teilomillet/formulate/server/mocks"
	"github.com/teilomillet/formulate/server/provider"
	"github.com/teilomillet/gollm"
	"go.uber.org/zap/zaptest"
)

// fakeBackend is a scripted provider.Backend.
type fakeBackend struct {
	name      string
	calls     atomic.Int32
	delay     time.Duration
	err       error
	reply     string
	fragments []string
	failAfter int // stream fails after emitting this many fragments, when > 0
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Complete(ctx context.Context, _ []provider.Message, _ float64) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

func (f *fakeBackend) Stream(ctx context.Context, _ []provider.Message, _ float64, emit func(string) error) error {
	f.calls.Add(1)
	if f.err != nil && f.failAfter == 0 {
		return f.err
	}
	for i, frag := range f.fragments {
		if f.failAfter > 0 && i == f.failAfter {
			return f.err
		}
		if err := emit(frag); err != nil {
			return err
		}
	}
	return nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.TestMode = true
	cfg.LLM.Timeout = time.Second
	cfg.CircuitBreaker = config.CircuitBreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 2,
		TestMode:         true,
	}
	return cfg
}

func newManager(t *testing.T, backends ...*fakeBackend) *provider.Manager {
	m := map[string]provider.Backend{}
	var pref []string
	for _, b := range backends {
		m[b.name] = b
		pref = append(pref, b.name)
	}
	return provider.NewManagerWithBackends(testConfig(), zaptest.NewLogger(t), prometheus.NewRegistry(), m, pref)
}

func msgs(content string) []provider.Message {
	return []provider.Message{{Role: provider.RoleUser, Content: content}}
}

func TestManagerComplete(t *testing.T) {
	primary := &fakeBackend{name: "primary", reply: "hello"}
	m := newManager(t, primary)

	reply, err := m.Complete(context.Background(), msgs("hi"), 0.3)
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
	assert.Equal(t, int32(1), primary.calls.Load())
}

func TestManagerFailover(t *testing.T) {
	primary := &fakeBackend{name: "primary", err: fmt.Errorf("quota exceeded")}
	backup := &fakeBackend{name: "backup", reply: "from backup"}
	m := newManager(t, primary, backup)

	reply, err := m.Complete(context.Background(), msgs("a"), 0)
	require.NoError(t, err)
	assert.Equal(t, "from backup", reply)

	_, err = m.Complete(context.Background(), msgs("b"), 0)
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateOpen, m.Breaker("primary").State())

	// Open circuit: primary is skipped without being called.
	_, err = m.Complete(context.Background(), msgs("c"), 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), primary.calls.Load())
	assert.Equal(t, int32(3), backup.calls.Load())
}

func TestManagerAllProvidersFail(t *testing.T) {
	primary := &fakeBackend{name: "primary", err: fmt.Errorf("down")}
	m := newManager(t, primary)

	_, err := m.Complete(context.Background(), msgs("x"), 0)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ModelCallError))

	_, err = m.Complete(context.Background(), msgs("y"), 0)
	require.Error(t, err)

	_, err = m.Complete(context.Background(), msgs("z"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrNoHealthyProvider)
}

func TestManagerSkipsUnhealthyProvider(t *testing.T) {
	primary := &fakeBackend{name: "primary", reply: "p"}
	backup := &fakeBackend{name: "backup", reply: "b"}
	m := newManager(t, primary, backup)
	m.UpdateHealthStatus("primary", provider.HealthStatus{Healthy: false})

	reply, err := m.Complete(context.Background(), msgs("x"), 0)
	require.NoError(t, err)
	assert.Equal(t, "b", reply)
	assert.Equal(t, int32(0), primary.calls.Load())
}

func TestManagerTimeout(t *testing.T) {
	slow := &fakeBackend{name: "slow", delay: 5 * time.Second, reply: "late"}
	m := newManager(t, slow)

	start := time.Now()
	_, err := m.Complete(context.Background(), msgs("x"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestManagerSingleflight(t *testing.T) {
	backend := &fakeBackend{name: "primary", reply: "shared", delay: 50 * time.Millisecond}
	m := newManager(t, backend)

	var wg sync.WaitGroup
	replies := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i], _ = m.Complete(context.Background(), msgs("same"), 0.2)
		}(i)
	}
	wg.Wait()

	for _, r := range replies {
		assert.Equal(t, "shared", r)
	}
	assert.Less(t, backend.calls.Load(), int32(5))

	// Different temperature is a different request.
	_, err := m.Complete(context.Background(), msgs("same"), 0.7)
	require.NoError(t, err)
}

func TestManagerSharedCallSurvivesCallerCancel(t *testing.T) {
	backend := &fakeBackend{name: "primary", reply: "shared", delay: 300 * time.Millisecond}
	m := newManager(t, backend)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := m.Complete(ctxA, msgs("same"), 0.2)
		errA <- err
	}()
	require.Eventually(t, func() bool { return backend.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		reply string
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		reply, err := m.Complete(context.Background(), msgs("same"), 0.2)
		resB <- result{reply, err}
	}()

	time.Sleep(50 * time.Millisecond)
	cancelA()

	select {
	case err := <-errA:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	select {
	case res := <-resB:
		require.NoError(t, res.err)
		assert.Equal(t, "shared", res.reply)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestManagerStream(t *testing.T) {
	t.Run("fragments in order", func(t *testing.T) {
		m := newManager(t, &fakeBackend{name: "primary", fragments: []string{"a", "b", "c"}})
		var got []string
		err := m.Stream(context.Background(), msgs("x"), 0.7, func(s string) error {
			got = append(got, s)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, got)
	})

	t.Run("fails over before first fragment", func(t *testing.T) {
		primary := &fakeBackend{name: "primary", err: fmt.Errorf("down")}
		backup := &fakeBackend{name: "backup", fragments: []string{"ok"}}
		m := newManager(t, primary, backup)
		var got []string
		require.NoError(t, m.Stream(context.Background(), msgs("x"), 0.7, func(s string) error {
			got = append(got, s)
			return nil
		}))
		assert.Equal(t, []string{"ok"}, got)
	})

	t.Run("no failover after partial output", func(t *testing.T) {
		primary := &fakeBackend{name: "primary", fragments: []string{"a", "b"}, failAfter: 1, err: fmt.Errorf("reset")}
		backup := &fakeBackend{name: "backup", fragments: []string{"z"}}
		m := newManager(t, primary, backup)
		var got []string
		err := m.Stream(context.Background(), msgs("x"), 0.7, func(s string) error {
			got = append(got, s)
			return nil
		})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ModelCallError))
		assert.Equal(t, []string{"a"}, got)
		assert.Equal(t, int32(0), backup.calls.Load())
	})
}

func TestManagerHealthCheck(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.HealthCheck = &config.ProviderHealthCheck{Enabled: true, Interval: time.Hour, Timeout: time.Second, FailureThreshold: 2}
	bad := &fakeBackend{name: "bad", err: fmt.Errorf("down")}
	good := &fakeBackend{name: "good", reply: "ok"}
	m := provider.NewManagerWithBackends(cfg, zaptest.NewLogger(t), prometheus.NewRegistry(),
		map[string]provider.Backend{"bad": bad, "good": good}, []string{"bad", "good"})

	m.PerformHealthCheck(context.Background())
	assert.True(t, m.GetHealthStatus("bad").Healthy, "one failure is below the threshold")
	m.PerformHealthCheck(context.Background())

	statuses := m.HealthStatuses()
	assert.False(t, statuses["bad"].Healthy)
	assert.Equal(t, 2, statuses["bad"].ConsecutiveFails)
	assert.True(t, statuses["good"].Healthy)
}

func TestManagerMetricsRegistered(t *testing.T) {
	registry := prometheus.NewRegistry()
	backend := &fakeBackend{name: "primary", reply: "x"}
	m := provider.NewManagerWithBackends(testConfig(), zaptest.NewLogger(t), registry,
		map[string]provider.Backend{"primary": backend}, []string{"primary"})

	_, err := m.Complete(context.Background(), msgs("x"), 0)
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(registry, "formulate_provider_request_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGollmBackendClientPerTemperature(t *testing.T) {
	var created []*mocks.MockLLM
	factory := func(temperature float64) (gollm.LLM, error) {
		llm := mocks.NewMockLLM(func(ctx context.Context, p *gollm.Prompt) (string, error) {
			return fmt.Sprintf("%d:%s", len(p.Messages), p.Messages[len(p.Messages)-1].Content), nil
		})
		llm.SetOption("temperature", temperature)
		created = append(created, llm)
		return llm, nil
	}

	b, err := provider.NewGollmBackend("g", factory, 0.3, 0.3, 0.7)
	require.NoError(t, err)
	assert.Len(t, created, 2)

	reply, err := b.Complete(context.Background(), []provider.Message{
		{Role: provider.RoleSystem, Content: "sys"},
		{Role: provider.RoleUser, Content: "hello"},
	}, 0.3)
	require.NoError(t, err)
	assert.Equal(t, "2:hello", reply)

	_, err = b.Complete(context.Background(), msgs("x"), 0.1)
	require.NoError(t, err)
	assert.Len(t, created, 3)
	assert.Equal(t, 0.1, created[2].Option("temperature"))

	var frags []string
	require.NoError(t, b.Stream(context.Background(), msgs("s"), 0.7, func(s string) error {
		frags = append(frags, s)
		return nil
	}))
	assert.Equal(t, []string{"1:s"}, frags)
}

func TestGollmBackendFactoryError(t *testing.T) {
	_, err := provider.NewGollmBackend("g", func(float64) (gollm.LLM, error) {
		return nil, stderrors.New("bad key")
	}, 0.3)
	assert.Error(t, err)
}

func TestOpenAIBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		if isStream(r) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n")
			fmt.Fprint(w, "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"}}]}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Hello"}}]}`)
	}))
	defer srv.Close()

	b := provider.NewOpenAIBackend("oa", config.ProviderConfig{Backend: "openai", Model: "gpt-test", APIKey: "k", Endpoint: srv.URL}, 5*time.Second)
	assert.Equal(t, "oa", b.Name())

	reply, err := b.Complete(context.Background(), msgs("hi"), 0)
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply)

	var frags []string
	require.NoError(t, b.Stream(context.Background(), msgs("hi"), 0.7, func(s string) error {
		frags = append(frags, s)
		return nil
	}))
	assert.Equal(t, []string{"Hel", "lo"}, frags)
}

// isStream reports whether the request body asked for streaming.
func isStream(r *http.Request) bool {
	var body struct {
		Stream bool `json:"stream"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body.Stream
}
