package failure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/fetchcache/pkg/logging"
)

var (
	markersRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchcache_failure_markers_recorded_total",
		Help: "Total number of failure markers recorded by reason",
	}, []string{"reason"})

	skipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetchcache_failure_skips_total",
		Help: "Total number of attempts suppressed by an active rate-limit marker",
	})
)

// Memoizer answers "did this key recently fail in a way that should stop us
// from trying again?".
//
// Writes made through one Memoizer are serialized; dropping an expired marker
// never removes one recorded after it was read.
type Memoizer struct {
	mu     sync.Mutex
	store  Store
	logger zerolog.Logger
}

// NewMemoizer creates a memoizer over s.
func NewMemoizer(s Store) *Memoizer {
	if s == nil {
		panic("marker store cannot be nil")
	}
	return &Memoizer{
		store:  s,
		logger: logging.NewLogger("failure"),
	}
}

// ShouldSkip reports whether an active rate-limit marker exists for key at now.
// A store failure never blocks an attempt.
func (m *Memoizer) ShouldSkip(ctx context.Context, key string, now time.Time) bool {
	marker, ok := m.Active(ctx, key, now)
	if !ok || marker.Reason != ReasonRateLimited {
		return false
	}

	skipsTotal.Inc()
	m.logger.Debug().
		Str("key", key).
		Dur("remaining", marker.Remaining(now)).
		Msg("Skipping attempt, upstream recently rate-limited")
	return true
}

// Record overwrites the marker for key.
func (m *Memoizer) Record(ctx context.Context, key string, reason Reason, cooldown time.Duration, now time.Time) error {
	if cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive (got %v)", cooldown)
	}

	marker := Marker{
		Key:        key,
		Reason:     reason,
		RecordedAt: time.UnixMilli(now.UnixMilli()),
		Cooldown:   cooldown,
	}
	m.mu.Lock()
	err := m.store.Save(ctx, marker)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("record failure marker: %w", err)
	}

	markersRecordedTotal.WithLabelValues(string(reason)).Inc()
	m.logger.Info().
		Str("key", key).
		Str("reason", string(reason)).
		Dur("cooldown", cooldown).
		Msg("Recorded failure marker")
	return nil
}

// Clear removes the marker for key, typically after a successful fetch.
func (m *Memoizer) Clear(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("clear failure marker: %w", err)
	}
	return nil
}

// Active returns the marker for key if it is still in its cooldown at now.
// Expired markers are removed.
func (m *Memoizer) Active(ctx context.Context, key string, now time.Time) (Marker, bool) {
	marker, ok, err := m.store.Load(ctx, key)
	if err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("Failed to load failure marker")
		return Marker{}, false
	}
	if !ok {
		return Marker{}, false
	}

	if !marker.Active(now) {
		m.dropExpired(ctx, key, marker)
		return Marker{}, false
	}
	return marker, true
}

// dropExpired deletes expired unless the stored marker changed since it was read.
func (m *Memoizer) dropExpired(ctx context.Context, key string, expired Marker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok, err := m.store.Load(ctx, key)
	if err != nil || !ok || !current.sameRecord(expired) {
		return
	}
	if err := m.store.Delete(ctx, key); err != nil {
		m.logger.Debug().Err(err).Str("key", key).Msg("Failed to drop expired failure marker")
	}
}
