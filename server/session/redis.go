package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/teilomillet/formulate/server/conversation"
	"go.uber.org/zap"
)

// unlockScript deletes the lock only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps snapshots as JSON strings in Redis so that several
// server instances can share conversations.
type RedisStore struct {
	rdb     redis.UniversalClient
	prefix  string
	ttl     time.Duration
	lockTTL time.Duration
	logger  *zap.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store on top of rdb. Keys are namespaced with
// prefix. The store owns rdb and closes it in Close.
func NewRedisStore(rdb redis.UniversalClient, prefix string, ttl, lockTTL time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		rdb:     rdb,
		prefix:  prefix,
		ttl:     ttl,
		lockTTL: lockTTL,
		logger:  logger,
	}
}

func (r *RedisStore) sessionKey(id string) string {
	return r.prefix + id
}

func (r *RedisStore) lockKey(id string) string {
	return r.prefix + id + ":lock"
}

// Get implements Store
func (r *RedisStore) Get(ctx context.Context, id string) (conversation.Session, bool, error) {
	key := r.sessionKey(id)
	b, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return conversation.Session{}, false, nil
		}
		r.logger.Error("failed to load session", zap.String("key", key), zap.Error(err))
		return conversation.Session{}, false, fmt.Errorf("get session: %w", err)
	}

	var sess conversation.Session
	if err := json.Unmarshal(b, &sess); err != nil {
		// A snapshot we cannot read is treated as missing; history rebuilds it.
		r.logger.Warn("discarding unreadable session", zap.String("key", key), zap.Error(err))
		return conversation.Session{}, false, nil
	}
	if sess.GatheredInfo == nil {
		sess.GatheredInfo = map[string]any{}
	}
	return sess, true, nil
}

// Save implements Store
func (r *RedisStore) Save(ctx context.Context, sess conversation.Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	key := r.sessionKey(sess.ID)
	if err := r.rdb.Set(ctx, key, b, r.ttl).Err(); err != nil {
		r.logger.Error("failed to save session", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Lock implements Store
func (r *RedisStore) Lock(ctx context.Context, id string) (Unlock, error) {
	key := r.lockKey(id)
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, key, token, r.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("lock session: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}

	return func(ctx context.Context) error {
		if err := unlockScript.Run(ctx, r.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn("failed to release session lock", zap.String("key", key), zap.Error(err))
			return fmt.Errorf("unlock session: %w", err)
		}
		return nil
	}, nil
}

// Close implements Store
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
