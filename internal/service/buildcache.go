package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Strob0t/AgentDeck/internal/domain/diagnostic"
	"github.com/Strob0t/AgentDeck/internal/port/cache"
)

// BuildCache keeps parsed build reports keyed by log id. It holds at most
// capacity reports and evicts the oldest insertion first. Values live in the
// backing cache; the insertion order is tracked here.
type BuildCache struct {
	mu       sync.Mutex
	store    cache.Cache
	capacity int
	order    []string
	index    map[string]struct{}
}

// NewBuildCache creates a BuildCache over store.
func NewBuildCache(store cache.Cache, capacity int) *BuildCache {
	if capacity < 1 {
		capacity = 1
	}
	return &BuildCache{
		store:    store,
		capacity: capacity,
		index:    make(map[string]struct{}),
	}
}

// Put stores r under key. Overwriting a key keeps its original position.
func (c *BuildCache) Put(ctx context.Context, key string, r diagnostic.Report) error {
	return c.write(ctx, key, r, c.admit(key))
}

// admit records key as the newest entry and returns the keys evicted to stay
// within capacity. It does no I/O, so callers may hold their own locks.
func (c *BuildCache) admit(key string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[key]; !ok {
		c.order = append(c.order, key)
		c.index[key] = struct{}{}
	}
	var evicted []string
	for len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.index, oldest)
		evicted = append(evicted, oldest)
	}
	return evicted
}

// write deletes evicted from the backing store and stores r under key.
func (c *BuildCache) write(ctx context.Context, key string, r diagnostic.Report, evicted []string) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal build report: %w", err)
	}
	for _, k := range evicted {
		if err := c.store.Delete(ctx, k); err != nil {
			return fmt.Errorf("evict %s: %w", k, err)
		}
	}
	if err := c.store.Set(ctx, key, data, 0); err != nil {
		c.forget(key)
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// forget drops key from the index after its write failed.
func (c *BuildCache) forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[key]; !ok {
		return
	}
	delete(c.index, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Get returns the report stored under key.
func (c *BuildCache) Get(ctx context.Context, key string) (diagnostic.Report, bool, error) {
	c.mu.Lock()
	_, ok := c.index[key]
	c.mu.Unlock()
	if !ok {
		return diagnostic.Report{}, false, nil
	}

	data, found, err := c.store.Get(ctx, key)
	if err != nil || !found {
		return diagnostic.Report{}, false, err
	}
	var r diagnostic.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return diagnostic.Report{}, false, fmt.Errorf("unmarshal build report: %w", err)
	}
	return r, true, nil
}

// Len returns the number of cached reports.
func (c *BuildCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Clear drops every report.
func (c *BuildCache) Clear(ctx context.Context) error {
	return c.purge(ctx, c.reset())
}

// reset forgets every key and returns them for purge. It does no I/O.
func (c *BuildCache) reset() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.order
	c.order = nil
	c.index = make(map[string]struct{})
	return keys
}

// purge deletes keys from the backing store, reporting the first failure.
func (c *BuildCache) purge(ctx context.Context, keys []string) error {
	var firstErr error
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
