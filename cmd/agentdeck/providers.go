package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/AgentDeck/internal/adapter/memory"
	cfnats "github.com/Strob0t/AgentDeck/internal/adapter/nats"
	"github.com/Strob0t/AgentDeck/internal/adapter/natskv"
	"github.com/Strob0t/AgentDeck/internal/adapter/postgres"
	"github.com/Strob0t/AgentDeck/internal/adapter/registryhttp"
	"github.com/Strob0t/AgentDeck/internal/adapter/ristretto"
	"github.com/Strob0t/AgentDeck/internal/adapter/tiered"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/middleware"
	"github.com/Strob0t/AgentDeck/internal/port/cache"
	"github.com/Strob0t/AgentDeck/internal/port/registry"
	"github.com/Strob0t/AgentDeck/internal/resilience"
)

const (
	cacheBucket   = "AGENTDECK_CACHE"
	l1CacheBytes  = 32 << 20
	l1BackfillTTL = 10 * time.Minute
)

var errNATSRequired = errors.New("nats.url is required")

// buildRegistry selects the task registry backend. The returned func releases
// backend resources and is always non-nil.
func buildRegistry(ctx context.Context, cfg *config.Config, queue *cfnats.Queue) (registry.Registry, func(), error) {
	noop := func() {}
	stale := cfg.Registry.StaleTimeout

	switch cfg.Registry.Backend {
	case config.RegistryMemory:
		slog.Info("task registry", "backend", "memory")
		return memory.NewRegistry(nil, stale), noop, nil

	case config.RegistryHTTP:
		c, err := registryhttp.NewClient(cfg.Registry.URL, cfg.Registry.Token)
		if err != nil {
			return nil, noop, err
		}
		c.SetBreaker(resilience.FromConfig("registry", cfg.Breaker))
		slog.Info("task registry", "backend", "http", "url", cfg.Registry.URL)
		return c, noop, nil

	case config.RegistryPostgres:
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return nil, noop, fmt.Errorf("migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, noop, err
		}
		slog.Info("task registry", "backend", "postgres")
		return postgres.NewRegistry(pool, nil, stale), pool.Close, nil

	case config.RegistryNATS:
		if queue == nil {
			return nil, noop, fmt.Errorf("registry backend nats: %w", errNATSRequired)
		}
		kv, err := queue.KeyValue(ctx, cfg.Registry.Bucket, 0)
		if err != nil {
			return nil, noop, err
		}
		slog.Info("task registry", "backend", "nats", "bucket", cfg.Registry.Bucket)
		return natskv.NewRegistry(kv, nil, stale), noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}

// buildCache returns the store behind build diagnostics and idempotent
// replays: ristretto in process, tiered over NATS KV when NATS is configured.
func buildCache(ctx context.Context, cfg *config.Config, queue *cfnats.Queue) (cache.Cache, error) {
	l1, err := ristretto.New(l1CacheBytes)
	if err != nil {
		return nil, err
	}
	if queue == nil {
		return l1, nil
	}

	kv, err := queue.KeyValue(ctx, cacheBucket, middleware.IdempotencyTTL)
	if err != nil {
		return nil, err
	}
	slog.Info("tiered cache enabled", "bucket", cacheBucket)
	return tiered.New(l1, natskv.NewCache(kv, cfg.Session.Key), l1BackfillTTL), nil
}
