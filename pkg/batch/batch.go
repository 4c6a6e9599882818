// Package batch loads many keys through a client.Client with bounded
// concurrency, typically to warm the cache before a dashboard renders.
//
// Example usage:
//
//	jobs := make([]batch.Job[Quote], 0, len(symbols))
//	for _, s := range symbols {
//		jobs = append(jobs, batch.Job[Quote]{
//			Key: cache.Key{Namespace: "quote", Symbols: []string{s}},
//			Op:  fetchQuote(s),
//		})
//	}
//	results, err := batch.Load(ctx, quotes, jobs, batch.DefaultConfig())
//
// Failed keys do not stop the batch unless Config.FailFast is set; their
// errors are reported per result and joined into the returned error.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/fetchcache/pkg/cache"
	"github.com/Sternrassler/fetchcache/pkg/client"
)

// Config holds batch loader configuration.
type Config struct {
	// MaxConcurrency is the maximum number of keys loaded in parallel.
	MaxConcurrency int

	// Timeout bounds each key, cache lookup and retries included.
	Timeout time.Duration

	// FailFast cancels the remaining keys after the first failure.
	FailFast bool
}

// DefaultConfig returns the default batch configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		Timeout:        15 * time.Second,
	}
}

// Job is one key to load.
type Job[T any] struct {
	Key  cache.Key
	Op   func(ctx context.Context) (T, error)
	Opts []client.Option
}

// Result is the outcome of one job, in job order.
type Result[T any] struct {
	Key    string
	Value  T
	Cached bool
	Err    error
}

// Load runs every job through c. It returns one result per job and the
// joined errors of the failed jobs.
func Load[T any](ctx context.Context, c *client.Client[T], jobs []Job[T], cfg Config) ([]Result[T], error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	start := time.Now()
	results := make([]Result[T], len(jobs))

	var g *errgroup.Group
	gctx := ctx
	if cfg.FailFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}
	g.SetLimit(cfg.MaxConcurrency)

	for i, job := range jobs {
		key := job.Key.String()
		results[i].Key = key

		if gctx.Err() != nil {
			results[i].Err = fmt.Errorf("%s: %w", key, gctx.Err())
			continue
		}

		g.Go(func() error {
			jobCtx, cancel := context.WithTimeout(gctx, cfg.Timeout)
			defer cancel()

			res, err := c.Load(jobCtx, key, func(ctx context.Context) (T, time.Duration, error) {
				v, err := job.Op(ctx)
				return v, 0, err
			}, job.Opts...)
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Batch key failed")
				results[i].Err = fmt.Errorf("%s: %w", key, err)
				if cfg.FailFast {
					return results[i].Err
				}
				return nil
			}

			results[i].Value = res.Value
			results[i].Cached = res.Cached
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	cached := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			errs = append(errs, r.Err)
		case r.Cached:
			cached++
		}
	}

	log.Info().
		Int("keys", len(jobs)).
		Int("cached", cached).
		Int("failed", len(errs)).
		Dur("duration", time.Since(start)).
		Msg("Batch load complete")

	if len(errs) > 0 {
		return results, fmt.Errorf("batch load (%d/%d failed): %w", len(errs), len(jobs), errors.Join(errs...))
	}
	return results, nil
}
