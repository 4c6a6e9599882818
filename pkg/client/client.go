// Package client provides the cache-first fetch orchestrator.
//
// A call looks the key up in the cache and returns a hit at once. On a miss
// the failure memoizer is consulted, the upstream token bucket is awaited,
// the operation runs under the retry policy, and a fresh value is written
// back through the cache manager. Cache faults never fail a call.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/fetchcache/pkg/cache"
	"github.com/Sternrassler/fetchcache/pkg/failure"
	"github.com/Sternrassler/fetchcache/pkg/fetch"
	"github.com/Sternrassler/fetchcache/pkg/logging"
)

// ErrRecentlyFailed is returned without any attempt when the upstream
// rate-limited the same key inside the failure cooldown.
var ErrRecentlyFailed = errors.New("recently rate-limited, fetch skipped")

// Config holds the client configuration.
type Config struct {
	// TTL is the freshness window of fetched values unless a call overrides it.
	TTL time.Duration

	// FailureCooldown is how long a rate-limited key is skipped. A longer
	// Retry-After from the upstream wins.
	FailureCooldown time.Duration

	// RateLimit caps upstream attempts per second (0 = unlimited).
	RateLimit float64

	// Burst is the token bucket size (default: 1).
	Burst int

	// AttemptTimeout bounds a single attempt (0 = none).
	AttemptTimeout time.Duration

	// Fetch is the retry policy.
	Fetch fetch.Config

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		TTL:             5 * time.Minute,
		FailureCooldown: 5 * time.Minute,
		RateLimit:       0,
		Burst:           1,
		AttemptTimeout:  30 * time.Second,
		Fetch:           fetch.DefaultConfig(),
		Now:             time.Now,
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive (got %v)", c.TTL)
	}
	if c.FailureCooldown <= 0 {
		return fmt.Errorf("failure cooldown must be positive (got %v)", c.FailureCooldown)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative (got %v)", c.RateLimit)
	}
	if c.AttemptTimeout < 0 {
		return fmt.Errorf("attempt timeout must not be negative (got %v)", c.AttemptTimeout)
	}
	if err := c.Fetch.Validate(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

// LoadFunc produces a fresh value and, optionally, its TTL (0 = default).
type LoadFunc[T any] func(ctx context.Context) (T, time.Duration, error)

// Result is a value with its provenance.
type Result[T any] struct {
	Value T

	// Cached is true when the value came from the cache.
	Cached bool
}

// Client orchestrates cache, failure memoizer, rate limiter and fetcher for
// values of type T.
type Client[T any] struct {
	cache   *cache.Manager[T]
	memo    *failure.Memoizer
	fetcher *fetch.Fetcher
	limiter *rate.Limiter
	config  Config
	logger  zerolog.Logger
}

// New creates a client. memo may be nil to disable failure memoization.
func New[T any](manager *cache.Manager[T], memo *failure.Memoizer, cfg Config) (*Client[T], error) {
	if manager == nil {
		return nil, fmt.Errorf("cache manager is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fetcher, err := fetch.New(cfg.Fetch)
	if err != nil {
		return nil, fmt.Errorf("create fetcher: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}

	return &Client[T]{
		cache:   manager,
		memo:    memo,
		fetcher: fetcher,
		limiter: limiter,
		config:  cfg,
		logger:  logging.NewLogger("client"),
	}, nil
}

// Get returns the value for key, fetching it with op on a miss.
func (c *Client[T]) Get(ctx context.Context, key cache.Key, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	res, err := c.Load(ctx, key.String(), func(ctx context.Context) (T, time.Duration, error) {
		v, err := op(ctx)
		return v, 0, err
	}, opts...)
	return res.Value, err
}

// Load returns the value cached under key or loads it with op.
func (c *Client[T]) Load(ctx context.Context, key string, op LoadFunc[T], opts ...Option) (Result[T], error) {
	o := callOptions{failureKey: key}
	for _, opt := range opts {
		opt(&o)
	}

	startTime := time.Now()
	defer func() {
		clientRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Check Cache
	if value, err := c.cache.Get(ctx, key); err == nil {
		clientRequestsTotal.WithLabelValues("hit").Inc()
		return Result[T]{Value: value, Cached: true}, nil
	} else if errors.Is(err, cache.ErrCorrupted) {
		c.logger.Warn().Err(err).Str("key", key).Msg("Corrupted cache entry dropped")
	}

	// Step 2: Check Failure Memoizer
	if c.memo != nil && c.memo.ShouldSkip(ctx, o.failureKey, c.config.Now()) {
		clientRequestsTotal.WithLabelValues("skipped").Inc()
		return Result[T]{}, fmt.Errorf("%w: %s", ErrRecentlyFailed, o.failureKey)
	}

	// Step 3: Fetch with Retry Logic
	var ttl time.Duration
	value, err := fetch.Execute(ctx, c.fetcher, func(ctx context.Context) (T, error) {
		var zero T
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return zero, fetch.Terminal(fmt.Errorf("rate limiter: %w", err))
			}
		}

		if c.config.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.config.AttemptTimeout)
			defer cancel()
		}

		v, d, err := op(ctx)
		if err != nil {
			return zero, err
		}
		ttl = d
		return v, nil
	})
	if err != nil {
		clientRequestsTotal.WithLabelValues("error").Inc()
		c.recordFailure(ctx, o.failureKey, err)
		return Result[T]{}, err
	}

	clientRequestsTotal.WithLabelValues("miss").Inc()

	if c.memo != nil {
		if err := c.memo.Clear(ctx, o.failureKey); err != nil {
			c.logger.Debug().Err(err).Str("key", o.failureKey).Msg("Failed to clear failure marker")
		}
	}

	// Step 4: Update Cache on success
	switch {
	case o.ttl > 0:
		ttl = o.ttl
	case ttl <= 0:
		ttl = c.config.TTL
	}
	if err := c.cache.Put(ctx, key, value, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache fetched value")
	}

	return Result[T]{Value: value}, nil
}

// Invalidate drops cached values by key or prefix. See cache.Manager.Invalidate.
func (c *Client[T]) Invalidate(ctx context.Context, keyOrPrefix string) (int, error) {
	return c.cache.Invalidate(ctx, keyOrPrefix)
}

// Cache returns the cache manager.
func (c *Client[T]) Cache() *cache.Manager[T] {
	return c.cache
}

// Memoizer returns the failure memoizer, or nil.
func (c *Client[T]) Memoizer() *failure.Memoizer {
	return c.memo
}

// recordFailure arms the memoizer after a failed fetch. Terminal and
// cancelled fetches leave no marker.
func (c *Client[T]) recordFailure(ctx context.Context, key string, err error) {
	class := fetch.ClassOf(err)

	c.logger.Error().
		Err(err).
		Str("key", key).
		Str("error_class", string(class)).
		Msg("Fetch failed")

	if c.memo == nil || !class.Retryable() || errors.Is(err, fetch.ErrCancelled) {
		return
	}

	cooldown := max(c.config.FailureCooldown, fetch.RetryAfter(err))
	if err := c.memo.Record(ctx, key, failure.ReasonFor(class), cooldown, c.config.Now()); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to record failure marker")
	}
}
