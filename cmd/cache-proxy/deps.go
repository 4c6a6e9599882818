package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/fetchcache/pkg/cache"
	"github.com/Sternrassler/fetchcache/pkg/client"
	"github.com/Sternrassler/fetchcache/pkg/config"
	"github.com/Sternrassler/fetchcache/pkg/failure"
	"github.com/Sternrassler/fetchcache/pkg/fetch"
	"github.com/Sternrassler/fetchcache/pkg/store"
	"github.com/Sternrassler/fetchcache/pkg/throttle"
)

// deps are the long-lived components shared by every subcommand.
type deps struct {
	store     store.Store
	cache     *cache.Manager[fetch.Response]
	responses *client.Client[fetch.Response]
	alerts    *throttle.Guard
	redis     *redis.Client

	// alertStore holds throttle state outside the cache quota, so a full
	// cache cannot make every degraded response fire again.
	alertStore store.Store
}

// openDeps opens the store and builds cache, memoizer and client on top of
// it, plus the alert guard. The caller must Close the result.
func openDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	s, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return buildDeps(ctx, cfg, s)
}

// buildDeps wires the components around an already opened store.
func buildDeps(ctx context.Context, cfg *config.Config, s store.Store) (*deps, error) {
	d := &deps{store: s}

	var markers failure.Store
	switch cfg.Failure.Backend {
	case config.FailureBackendRedis:
		opts, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		d.redis = redis.NewClient(opts)
		if err := d.redis.Ping(ctx).Err(); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		markers = failure.NewRedisStore(d.redis)
	default:
		lruStore, err := failure.NewLRUStore(cfg.Failure.LRUSize)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("create failure store: %w", err)
		}
		markers = lruStore
	}

	d.cache = cache.NewManager[fetch.Response](s, cfg.CacheConfig())

	responses, err := client.New(d.cache, failure.NewMemoizer(markers), cfg.ClientConfig())
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}
	d.responses = responses
	d.alertStore = store.NewMemoryStore(0)
	d.alerts = throttle.NewGuard(d.alertStore)

	return d, nil
}

// Close releases the store and the redis connection.
func (d *deps) Close() error {
	var errs []error
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.alertStore != nil {
		errs = append(errs, d.alertStore.Close())
	}
	return errors.Join(errs...)
}
