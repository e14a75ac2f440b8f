// Package session caches conversation snapshots between requests and keeps
// a per-conversation busy lock so that only one turn runs at a time.
//
// The cache is an optimisation: the conversation history sent by the client
// remains the source of truth, so a missing or expired snapshot is rebuilt
// from it.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/teilomillet/formulate/config"
	"github.com/teilomillet/formulate/server/conversation"
	"go.uber.org/zap"
)

// ErrBusy is returned by Lock when another request holds the conversation.
var ErrBusy = errors.New("conversation is busy")

// Unlock releases a lock obtained from Lock.
type Unlock func(ctx context.Context) error

// Store is a conversation snapshot cache with per-conversation locking.
type Store interface {
	// Get returns the cached snapshot for id, if any.
	Get(ctx context.Context, id string) (conversation.Session, bool, error)

	// Save caches sess under sess.ID, replacing any previous snapshot.
	Save(ctx context.Context, sess conversation.Session) error

	// Lock marks id busy until the returned Unlock is called or the lock
	// TTL passes. It returns ErrBusy if id is already locked.
	Lock(ctx context.Context, id string) (Unlock, error)

	// Close releases the store's resources.
	Close() error
}

// New creates the store selected by cfg.
func New(cfg config.SessionConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemoryStore(cfg.TTL, cfg.LockTTL), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Address, err)
		}
		logger.Info("using redis session store", zap.String("address", cfg.Redis.Address))
		return NewRedisStore(client, cfg.Redis.KeyPrefix, cfg.TTL, cfg.LockTTL, logger), nil
	default:
		return nil, fmt.Errorf("unknown session store: %s", cfg.Store)
	}
}
