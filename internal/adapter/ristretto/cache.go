// Package ristretto implements the cache port using dgraph-io/ristretto as the
// in-process store for build diagnostics.
package ristretto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// ErrRejected reports a write ristretto dropped or refused to admit.
var ErrRejected = errors.New("value not admitted")

// Cache wraps a ristretto cache as an in-process L1 cache.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a ristretto-backed cache. maxCostBytes is the maximum total
// size of cached values in bytes.
func New(maxCostBytes int64) (*Cache, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = 32 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxCostBytes/100*10, 1000), // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &Cache{c: c}, nil
}

// Get retrieves a value from the cache.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores a value with the given TTL (zero keeps it until evicted). The
// write is visible to Get when Set returns; a value the admission policy
// refuses yields ErrRejected.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if !c.c.SetWithTTL(key, value, int64(len(value)), ttl) {
		return fmt.Errorf("ristretto set %s: %w", key, ErrRejected)
	}
	c.c.Wait()
	if _, ok := c.c.Get(key); !ok {
		return fmt.Errorf("ristretto set %s: %w", key, ErrRejected)
	}
	return nil
}

// Delete removes a value from the cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close shuts down the cache and releases resources.
func (c *Cache) Close() {
	c.c.Close()
}
