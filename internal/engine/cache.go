package engine

import (
	"context"
	"sync"
)

type memoryCache struct {
	mu  sync.RWMutex
	ids map[string]int64
}

func newMemoryCache() *memoryCache {
	return &memoryCache{ids: make(map[string]int64)}
}

func (c *memoryCache) Get(_ context.Context, kind, key string) (int64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[kind+"\x00"+key]
	return id, ok, nil
}

func (c *memoryCache) Set(_ context.Context, kind, key string, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[kind+"\x00"+key] = id
	return nil
}
