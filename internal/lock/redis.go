package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// unlockLua deletes the key only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker is a Locker shared across processes via Redis SET NX.
type RedisLocker struct {
	rdb      redis.UniversalClient
	prefix   string
	unlockSc *redis.Script
	logger   *zap.Logger
}

// NewRedisLocker creates a RedisLocker. Keys are stored under prefix.
func NewRedisLocker(rdb redis.UniversalClient, prefix string, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{
		rdb:      rdb,
		prefix:   prefix,
		unlockSc: redis.NewScript(unlockLua),
		logger:   logger,
	}
}

// Acquire takes the lease on key for ttl.
func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := r.prefix + key

	ok, err := r.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// Release even when the caller's context is already cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			err := r.unlockSc.Run(unlockCtx, r.rdb, []string{lk}, token).Err()
			if err != nil {
				// The lease stays held until its ttl runs out.
				r.logger.Warn("lock-release-failed",
					zap.String("key", lk),
					zap.Duration("ttl", ttl),
					zap.Error(err))
			}
		})
	}

	return unlock, nil
}

// Ping checks connectivity.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*LocalLocker)(nil)
)
