package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teilomillet/formulate/config"
	"github.com/teilomillet/formulate/server/conversation"
	"github.com/teilomillet/formulate/server/provider"
	"go.uber.org/zap/zaptest"
)

func testSession(id string) conversation.Session {
	return conversation.Session{
		ID:                  id,
		ExchangeCount:       2,
		RemainingDimensions: []conversation.Dimension{conversation.TargetAudience},
		GatheredInfo:        map[string]any{"product_type": "serum"},
		History: []conversation.Turn{
			{Role: provider.RoleSystem, Content: "system"},
			{Role: provider.RoleUser, Content: "a serum"},
			{Role: provider.RoleAssistant, Content: "for whom?"},
			{Role: provider.RoleUser, Content: "teens"},
		},
		State: conversation.StateGathering,
	}
}

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.Get(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("save and get", func(t *testing.T) {
		s := newStore(t)
		want := testSession("c1")
		require.NoError(t, s.Save(ctx, want))

		got, ok, err := s.Get(ctx, "c1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	})

	t.Run("save replaces", func(t *testing.T) {
		s := newStore(t)
		first := testSession("c1")
		require.NoError(t, s.Save(ctx, first))

		second := first.Clone()
		second.ExchangeCount = 3
		second.State = conversation.StateComplete
		require.NoError(t, s.Save(ctx, second))

		got, ok, err := s.Get(ctx, "c1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 3, got.ExchangeCount)
		assert.Equal(t, conversation.StateComplete, got.State)
	})

	t.Run("lock is exclusive per conversation", func(t *testing.T) {
		s := newStore(t)
		unlock, err := s.Lock(ctx, "c1")
		require.NoError(t, err)

		_, err = s.Lock(ctx, "c1")
		assert.ErrorIs(t, err, ErrBusy)

		other, err := s.Lock(ctx, "c2")
		require.NoError(t, err)
		require.NoError(t, other(ctx))

		require.NoError(t, unlock(ctx))
		again, err := s.Lock(ctx, "c1")
		require.NoError(t, err)
		require.NoError(t, again(ctx))
	})

	t.Run("concurrent lockers", func(t *testing.T) {
		s := newStore(t)
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
			start   = make(chan struct{})
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, err := s.Lock(ctx, "c1"); err == nil {
					winners.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		return NewMemoryStore(time.Hour, time.Minute)
	})
}

func TestMemoryStoreIsolatesSnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, time.Minute)

	sess := testSession("c1")
	require.NoError(t, s.Save(ctx, sess))
	sess.History[1].Content = "mutated"
	sess.GatheredInfo["x"] = 1

	got, _, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "a serum", got.History[1].Content)
	assert.NotContains(t, got.GatheredInfo, "x")

	got.History[2].Content = "mutated too"
	again, _, _ := s.Get(ctx, "c1")
	assert.Equal(t, "for whom?", again.History[2].Content)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(time.Minute, 10*time.Second)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Save(ctx, testSession("c1")))
	unlock, err := s.Lock(ctx, "c1")
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	_, ok, _ := s.Get(ctx, "c1")
	assert.True(t, ok)

	// The first holder's lock has expired.
	second, err := s.Lock(ctx, "c1")
	require.NoError(t, err)

	// A stale unlock does not release the new holder's lock.
	require.NoError(t, unlock(ctx))
	_, err = s.Lock(ctx, "c1")
	assert.ErrorIs(t, err, ErrBusy)
	require.NoError(t, second(ctx))

	now = now.Add(time.Minute)
	_, ok, _ = s.Get(ctx, "c1")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreSweepsExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(time.Minute, 0)
	s.now = func() time.Time { return now }

	for i := 0; i < sweepEvery-1; i++ {
		require.NoError(t, s.Save(ctx, testSession(fmt.Sprintf("c%d", i))))
	}
	now = now.Add(2 * time.Minute)
	require.NoError(t, s.Save(ctx, testSession("fresh")))

	assert.Equal(t, 1, s.Len())
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "formulate:session:", time.Hour, time.Minute, zaptest.NewLogger(t))
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		s, _ := newRedisStore(t)
		return s
	})
}

func TestRedisStoreKeysAndTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	require.NoError(t, s.Save(ctx, testSession("c1")))
	assert.True(t, mr.Exists("formulate:session:c1"))
	assert.Equal(t, time.Hour, mr.TTL("formulate:session:c1"))

	unlock, err := s.Lock(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("formulate:session:c1:lock"))
	assert.Equal(t, time.Minute, mr.TTL("formulate:session:c1:lock"))

	// Once the lock TTL passes another request may take it, and the stale
	// unlock must leave the new holder alone.
	mr.FastForward(2 * time.Minute)
	second, err := s.Lock(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
	assert.True(t, mr.Exists("formulate:session:c1:lock"))
	require.NoError(t, second(ctx))
	assert.False(t, mr.Exists("formulate:session:c1:lock"))

	mr.FastForward(2 * time.Hour)
	_, ok, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreUnreadableSnapshot(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	require.NoError(t, mr.Set("formulate:session:bad", "{not json"))
	_, ok, err := s.Get(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	mr.Close()

	_, _, err := s.Get(ctx, "c1")
	assert.Error(t, err)
	assert.Error(t, s.Save(ctx, testSession("c1")))
	_, err = s.Lock(ctx, "c1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrBusy)
}

func TestNew(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("memory", func(t *testing.T) {
		s, err := New(config.SessionConfig{Store: "memory", TTL: time.Hour}, logger)
		require.NoError(t, err)
		assert.IsType(t, &MemoryStore{}, s)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		s, err := New(config.SessionConfig{
			Store: "redis",
			TTL:   time.Hour,
			Redis: config.RedisConfig{Address: mr.Addr(), KeyPrefix: "p:"},
		}, logger)
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &RedisStore{}, s)
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		_, err := New(config.SessionConfig{Store: "redis", Redis: config.RedisConfig{Address: addr}}, logger)
		assert.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := New(config.SessionConfig{Store: "etcd"}, logger)
		assert.Error(t, err)
	})
}
