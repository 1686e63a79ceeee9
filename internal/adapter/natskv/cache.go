// Package natskv implements the task registry and the L2 diagnostics cache on
// NATS JetStream key-value buckets.
package natskv

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache wraps a NATS JetStream KeyValue store as an L2 cache. Keys are
// namespaced with prefix so several sessions can share one bucket, and are
// base64url encoded since KV keys only allow a restricted charset.
type Cache struct {
	kv     jetstream.KeyValue
	prefix string
}

// NewCache creates a NATS KV-backed cache. prefix may be empty.
func NewCache(kv jetstream.KeyValue, prefix string) *Cache {
	return &Cache{kv: kv, prefix: prefix}
}

func (c *Cache) key(k string) string {
	enc := base64.RawURLEncoding.EncodeToString([]byte(k))
	if c.prefix == "" {
		return enc
	}
	return c.prefix + "." + enc
}

// Get retrieves a value from the NATS KV store.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, c.key(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores a value in the NATS KV store. TTL is managed at bucket level.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, c.key(key), value)
	return err
}

// Delete removes a value from the NATS KV store.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, c.key(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
