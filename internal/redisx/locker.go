package redisx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Guizzs26/booking-sync/internal/lock"
)

// releaseScript deletes the key only if we still own it, so a lock that
// expired and was taken by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is the multi-instance counterpart of lock.Local.
type Locker struct {
	rdb    *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

func NewLocker(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Locker {
	if ttl <= 0 {
		ttl = TTLLock
	}
	return &Locker{rdb: rdb, ttl: ttl, retry: 50 * time.Millisecond, logger: logger}
}

// Lock polls SET NX until it wins or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (lock.Unlock, error) {
	redisKey := fmt.Sprintf(KeyLock, sanitize(key))
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire %s: %w", redisKey, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.rdb, []string{redisKey}, token).Err(); err != nil {
			l.logger.Warn("Failed to release redis lock, it will expire on its own", "key", redisKey, "error", err)
		}
	}, nil
}
