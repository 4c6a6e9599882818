// Package fetch runs units of work with bounded retries and exponential backoff.
//
// Whether a failure is retried is decided by a Classifier supplied by the
// caller. Terminal failures return after one attempt; transient and
// rate-limited failures are retried while attempts remain, sleeping
// InitialBackoff * Multiplier^attemptIndex in between. There is never a sleep
// after the final attempt.
package fetch

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fetchcache/pkg/logging"
)

// Config holds the configuration for retry logic.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial one).
	MaxAttempts int

	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps a single delay (0 = uncapped).
	MaxBackoff time.Duration

	// Multiplier is the growth factor between delays; must be > 1.
	Multiplier float64

	// Jitter spreads each delay by ±Jitter (0..1, 0 = exact delays).
	Jitter float64

	// Classifier decides retryability (default: Classify).
	Classifier Classifier

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     0,
		Multiplier:     2.0,
		Jitter:         0,
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1 (got %d)", c.MaxAttempts)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial backoff must be positive (got %v)", c.InitialBackoff)
	}
	if c.MaxBackoff < 0 {
		return fmt.Errorf("max backoff must not be negative (got %v)", c.MaxBackoff)
	}
	if c.Multiplier <= 1 {
		return fmt.Errorf("multiplier must be > 1 (got %v)", c.Multiplier)
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1) (got %v)", c.Jitter)
	}
	return nil
}

// Fetcher executes operations under a retry policy. It holds no per-call
// state and is safe for concurrent use.
type Fetcher struct {
	cfg      Config
	classify Classifier
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger
}

// New creates a Fetcher. It returns an error for an invalid configuration.
func New(cfg Config) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	classify := cfg.Classifier
	if classify == nil {
		classify = Classify
	}

	logger := logging.NewLogger("fetch")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Fetcher{
		cfg:      cfg,
		classify: classify,
		sleep:    sleepContext,
		logger:   logger,
	}, nil
}

// Config returns the fetcher's configuration.
func (f *Fetcher) Config() Config {
	return f.cfg
}

// SetSleep replaces the backoff sleeper (for testing).
func (f *Fetcher) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	f.sleep = sleep
}

// Backoff returns the delay slept after the failed attempt with the given
// zero-based index.
func (f *Fetcher) Backoff(attemptIndex int) time.Duration {
	delay := float64(f.cfg.InitialBackoff) * math.Pow(f.cfg.Multiplier, float64(attemptIndex))
	if f.cfg.MaxBackoff > 0 && delay > float64(f.cfg.MaxBackoff) {
		delay = float64(f.cfg.MaxBackoff)
	}
	if f.cfg.Jitter > 0 {
		delay *= 1 - f.cfg.Jitter + rand.Float64()*2*f.cfg.Jitter
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Do runs op until it succeeds, fails terminally, runs out of attempts or
// ctx ends. Every failure is returned as an *Error.
func (f *Fetcher) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	var class Class

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return f.cancelled(attempt-1, class, lastErr, err)
		}

		err := op(ctx)
		if err == nil {
			fetchAttemptsTotal.WithLabelValues("success").Inc()
			if attempt > 1 {
				f.logger.Info().
					Int("attempt", attempt).
					Msg("Fetch succeeded after retry")
			}
			return nil
		}

		lastErr = err
		class = f.classify(err)
		fetchAttemptsTotal.WithLabelValues(string(class)).Inc()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return f.cancelled(attempt, class, lastErr, ctxErr)
		}

		if !class.Retryable() {
			f.logger.Debug().
				Err(err).
				Str("error_class", string(class)).
				Msg("Terminal fetch failure, not retrying")
			return &Error{Class: class, Attempts: attempt, Err: err}
		}

		// If this was the last attempt, don't wait
		if attempt >= f.cfg.MaxAttempts {
			break
		}

		delay := f.Backoff(attempt - 1)
		fetchRetriesTotal.WithLabelValues(string(class)).Inc()
		fetchRetryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

		f.logger.Warn().
			Err(err).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying fetch after backoff")

		if err := f.sleep(ctx, delay); err != nil {
			return f.cancelled(attempt, class, lastErr, err)
		}
	}

	fetchRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
	f.logger.Error().
		Err(lastErr).
		Str("error_class", string(class)).
		Int("max_attempts", f.cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	return &Error{Class: class, Attempts: f.cfg.MaxAttempts, Exhausted: true, Err: lastErr}
}

func (f *Fetcher) cancelled(attempts int, class Class, lastErr, cause error) error {
	f.logger.Warn().
		Err(cause).
		Int("attempt", attempts).
		Msg("Context cancelled during fetch")
	return &Error{Class: class, Attempts: attempts, Err: lastErr, cause: cause}
}

// Execute runs op through f and returns its value.
func Execute[T any](ctx context.Context, f *Fetcher, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := f.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
