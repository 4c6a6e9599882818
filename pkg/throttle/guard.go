// Package throttle blocks repeats of a side effect (typically a notification)
// inside a minimum interval per logical key.
//
// The last fire time of each key is persisted through a store.Store under the
// "throttle:" prefix, so throttling survives restarts when the store is durable.
package throttle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/fetchcache/pkg/logging"
	"github.com/Sternrassler/fetchcache/pkg/store"
)

// KeyPrefix namespaces throttle state inside a shared store.
const KeyPrefix = "throttle:"

var throttleDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fetchcache_throttle_decisions_total",
	Help: "Total throttle decisions by outcome",
}, []string{"decision"}) // "fired", "suppressed"

// state is the persisted record: {"lastFiredAt": ms}.
type state struct {
	LastFiredAt int64 `json:"lastFiredAt"`
}

// Guard decides whether a side effect may fire now.
//
// Check-and-set is serialized per guard, so two concurrent TryFire calls for
// the same key never both fire. Guards in different processes sharing one
// store are not coordinated.
type Guard struct {
	mu     sync.Mutex
	store  store.Store
	logger zerolog.Logger
}

// NewGuard creates a guard persisting state in s.
func NewGuard(s store.Store) *Guard {
	if s == nil {
		panic("store cannot be nil")
	}
	return &Guard{
		store:  s,
		logger: logging.NewLogger("throttle"),
	}
}

// TryFire reports whether the effect for key may fire at now and, if so,
// records now as its last fire time. A key that never fired, or whose state
// cannot be read, may fire. A rejected call changes nothing.
func (g *Guard) TryFire(ctx context.Context, key string, minInterval time.Duration, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if wait := g.remaining(ctx, key, minInterval, now); wait > 0 {
		throttleDecisions.WithLabelValues("suppressed").Inc()
		g.logger.Debug().
			Str("key", key).
			Dur("remaining", wait).
			Msg("Side effect suppressed")
		return false
	}

	data, err := json.Marshal(state{LastFiredAt: now.UnixMilli()})
	if err == nil {
		err = g.store.Put(ctx, KeyPrefix+key, data)
	}
	if err != nil {
		// The fire still goes ahead; only the next suppression is lost.
		g.logger.Warn().Err(err).Str("key", key).Msg("Failed to persist throttle state")
	}

	throttleDecisions.WithLabelValues("fired").Inc()
	return true
}

// Remaining returns how long key stays throttled at now (0 = may fire).
func (g *Guard) Remaining(ctx context.Context, key string, minInterval time.Duration, now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remaining(ctx, key, minInterval, now)
}

// Reset forgets the last fire time of key.
func (g *Guard) Reset(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.store.Remove(ctx, KeyPrefix+key); err != nil {
		return fmt.Errorf("reset throttle %q: %w", key, err)
	}
	return nil
}

func (g *Guard) remaining(ctx context.Context, key string, minInterval time.Duration, now time.Time) time.Duration {
	if minInterval <= 0 {
		return 0
	}
	last, ok := g.lastFired(ctx, key)
	if !ok {
		return 0
	}
	// A clock that stepped back never blocks longer than one interval.
	elapsed := max(now.Sub(last), 0)
	if elapsed >= minInterval {
		return 0
	}
	return minInterval - elapsed
}

func (g *Guard) lastFired(ctx context.Context, key string) (time.Time, bool) {
	data, err := g.store.Get(ctx, KeyPrefix+key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn().Err(err).Str("key", key).Msg("Failed to read throttle state, treating as never fired")
		}
		return time.Time{}, false
	}

	var s state
	if err := json.Unmarshal(data, &s); err != nil || s.LastFiredAt <= 0 {
		g.logger.Warn().Str("key", key).Msg("Unreadable throttle state, treating as never fired")
		return time.Time{}, false
	}
	return time.UnixMilli(s.LastFiredAt), true
}
