package redisx

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// IDCache remembers ERP ids resolved for natural keys so repeated bookings
// from the same customer skip the remote lookup.
type IDCache struct {
	rdb *redis.Client
}

func NewIDCache(rdb *redis.Client) *IDCache {
	return &IDCache{rdb: rdb}
}

func (c *IDCache) Get(ctx context.Context, kind, key string) (int64, bool, error) {
	id, err := c.rdb.Get(ctx, fmt.Sprintf(KeyERPID, kind, sanitize(key))).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (c *IDCache) Set(ctx context.Context, kind, key string, id int64) error {
	return c.rdb.Set(ctx, fmt.Sprintf(KeyERPID, kind, sanitize(key)), id, TTLERPID).Err()
}
