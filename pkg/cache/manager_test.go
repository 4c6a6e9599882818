package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/fetchcache/pkg/store"
)

var baseTime = time.UnixMilli(1_700_000_000_000)

// fakeClock is a manually advanced clock for deterministic expiry tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Set(offset time.Duration) { c.now = baseTime.Add(offset) }

func newTestManager(t *testing.T, s store.Store, hwm float64) (*Manager[int], *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: baseTime}
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	if hwm > 0 {
		cfg.HighWaterMark = hwm
	}
	return NewManager[int](s, cfg), clock
}

// entrySize measures the store footprint of a one-letter key holding a one-digit value.
func entrySize(t *testing.T) int64 {
	t.Helper()

	s := store.NewMemoryStore(0)
	m, _ := newTestManager(t, s, 0)
	if err := m.Put(context.Background(), "x", 1, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	used, err := s.UsedBytes(context.Background())
	if err != nil {
		t.Fatalf("UsedBytes failed: %v", err)
	}
	return used
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil store")
		}
	}()
	NewManager[int](nil, DefaultConfig())
}

func TestManager_PutAndGet(t *testing.T) {
	m, clock := newTestManager(t, store.NewMemoryStore(0), 0)
	ctx := context.Background()

	if err := m.Put(ctx, "sentiment:symbols=AAPL", 42, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	clock.Set(30 * time.Second)
	got, err := m.Get(ctx, "sentiment:symbols=AAPL")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != 42 {
		t.Errorf("Get() = %d, want 42", got)
	}
}

func TestManager_GetMiss(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore(0), 0)

	_, err := m.Get(context.Background(), "nonexistent")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss, got %v", err)
	}
}

func TestManager_PutInvalidTTL(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore(0), 0)

	for _, ttl := range []time.Duration{0, -time.Second, time.Microsecond} {
		err := m.Put(context.Background(), "k", 1, ttl)
		if !errors.Is(err, ErrInvalidTTL) {
			t.Errorf("Put(ttl=%v) error = %v, want ErrInvalidTTL", ttl, err)
		}
	}
}

func TestManager_Expiry(t *testing.T) {
	s := store.NewMemoryStore(0)
	m, clock := newTestManager(t, s, 0)
	ctx := context.Background()

	if err := m.Put(ctx, "k", 1, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	clock.Set(time.Minute)

	// Reading an expired entry is a miss every time, never an error.
	for i := 0; i < 2; i++ {
		if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
			t.Fatalf("Get #%d error = %v, want ErrCacheMiss", i+1, err)
		}
	}

	if _, err := s.Get(ctx, "cache:k"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expired entry still in store: %v", err)
	}
}

func TestManager_CorruptedEntry(t *testing.T) {
	s := store.NewMemoryStore(0)
	m, _ := newTestManager(t, s, 0)
	ctx := context.Background()

	if err := s.Put(ctx, "cache:broken", []byte("{not json")); err != nil {
		t.Fatalf("store Put failed: %v", err)
	}

	_, err := m.Get(ctx, "broken")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss, got %v", err)
	}
	if !errors.Is(err, ErrCorrupted) {
		t.Errorf("expected ErrCorrupted, got %v", err)
	}

	if _, err := s.Get(ctx, "cache:broken"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("corrupted entry not removed: %v", err)
	}
}

// failingStore fails every read while keeping writes working.
type failingStore struct {
	*store.MemoryStore
}

func (f failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk unavailable")
}

func TestManager_StoreReadErrorIsMiss(t *testing.T) {
	m, _ := newTestManager(t, failingStore{store.NewMemoryStore(0)}, 0)
	ctx := context.Background()

	if err := m.Put(ctx, "k", 1, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	_, err := m.Get(ctx, "k")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss, got %v", err)
	}
}

func TestManager_EvictsLeastRecentlyAccessed(t *testing.T) {
	size := entrySize(t)
	s := store.NewMemoryStore(3*size + size/2)
	m, clock := newTestManager(t, s, 1.0)
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		if err := m.Put(ctx, key, i+1, time.Hour); err != nil {
			t.Fatalf("Put(%s) failed: %v", key, err)
		}
	}

	// a was last touched at t0, b at t5, c at t10
	clock.Set(5 * time.Second)
	if _, err := m.Get(ctx, "b"); err != nil {
		t.Fatalf("Get(b) failed: %v", err)
	}
	clock.Set(10 * time.Second)
	if _, err := m.Get(ctx, "c"); err != nil {
		t.Fatalf("Get(c) failed: %v", err)
	}

	clock.Set(15 * time.Second)
	if err := m.Put(ctx, "d", 4, time.Hour); err != nil {
		t.Fatalf("Put(d) failed: %v", err)
	}

	if _, err := s.Get(ctx, "cache:a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected a to be evicted, got %v", err)
	}
	for _, key := range []string{"b", "c", "d"} {
		if _, err := s.Get(ctx, "cache:"+key); err != nil {
			t.Errorf("expected %s to survive, got %v", key, err)
		}
	}
}

func TestManager_EvictsExpiredFirst(t *testing.T) {
	size := entrySize(t)
	s := store.NewMemoryStore(3*size + size/2)
	m, clock := newTestManager(t, s, 1.0)
	ctx := context.Background()

	if err := m.Put(ctx, "a", 1, 10*time.Second); err != nil {
		t.Fatalf("Put(a) failed: %v", err)
	}
	if err := m.Put(ctx, "b", 2, time.Hour); err != nil {
		t.Fatalf("Put(b) failed: %v", err)
	}
	if err := m.Put(ctx, "c", 3, time.Hour); err != nil {
		t.Fatalf("Put(c) failed: %v", err)
	}

	// a is the most recently used entry but expires at t10
	clock.Set(9 * time.Second)
	if _, err := m.Get(ctx, "a"); err != nil {
		t.Fatalf("Get(a) failed: %v", err)
	}

	clock.Set(20 * time.Second)
	if err := m.Put(ctx, "d", 4, time.Hour); err != nil {
		t.Fatalf("Put(d) failed: %v", err)
	}

	if _, err := s.Get(ctx, "cache:a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected expired a to be evicted, got %v", err)
	}
	if _, err := s.Get(ctx, "cache:b"); err != nil {
		t.Errorf("expected b to survive, got %v", err)
	}
}

func TestManager_DroppedWrite(t *testing.T) {
	size := entrySize(t)
	s := store.NewMemoryStore(3*size + size/2)
	m, _ := newTestManager(t, s, 1.0)
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		if err := m.Put(ctx, key, i+1, time.Hour); err != nil {
			t.Fatalf("Put(%s) failed: %v", key, err)
		}
	}

	// Larger than the whole quota: everything gets evicted and the write still fails.
	err := m.Put(ctx, strings.Repeat("k", int(4*size)), 5, time.Hour)
	if !errors.Is(err, ErrWriteDropped) {
		t.Fatalf("expected ErrWriteDropped, got %v", err)
	}

	// The cache stays usable.
	if err := m.Put(ctx, "e", 5, time.Hour); err != nil {
		t.Fatalf("Put after dropped write failed: %v", err)
	}
	if got, err := m.Get(ctx, "e"); err != nil || got != 5 {
		t.Errorf("Get(e) = %d, %v; want 5, nil", got, err)
	}
}

func TestManager_HighWaterCleanup(t *testing.T) {
	size := entrySize(t)
	s := store.NewMemoryStore(4 * size)
	m, clock := newTestManager(t, s, 0.5)
	ctx := context.Background()

	if err := m.Put(ctx, "a", 1, time.Hour); err != nil {
		t.Fatalf("Put(a) failed: %v", err)
	}

	// The second write reaches 50% usage and cleanup drops the older entry.
	clock.Set(time.Second)
	if err := m.Put(ctx, "b", 2, time.Hour); err != nil {
		t.Fatalf("Put(b) failed: %v", err)
	}

	if _, err := m.Get(ctx, "a"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected a to be cleaned up, got %v", err)
	}
	if _, err := m.Get(ctx, "b"); err != nil {
		t.Errorf("expected b to survive cleanup, got %v", err)
	}

	budget, err := m.Budget(ctx)
	if err != nil {
		t.Fatalf("Budget failed: %v", err)
	}
	if budget.NeedsCleanup() {
		t.Errorf("budget still above high-water mark: %+v", budget)
	}
}

func TestManager_Cleanup(t *testing.T) {
	s := store.NewMemoryStore(0)
	m, clock := newTestManager(t, s, 0)
	ctx := context.Background()

	if err := m.Put(ctx, "short", 1, time.Second); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := m.Put(ctx, "long", 2, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(ctx, "cache:garbage", []byte("???")); err != nil {
		t.Fatalf("store Put failed: %v", err)
	}

	clock.Set(time.Minute)
	result, err := m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	if result.Expired != 2 {
		t.Errorf("Expired = %d, want 2", result.Expired)
	}
	if result.Evicted != 0 {
		t.Errorf("Evicted = %d, want 0 for an unbounded store", result.Evicted)
	}

	keys, _ := s.Keys(ctx)
	if len(keys) != 1 || keys[0] != "cache:long" {
		t.Errorf("remaining keys = %v, want [cache:long]", keys)
	}
}

func TestManager_Invalidate(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore(0), 0)
	ctx := context.Background()

	keys := []string{
		"sentiment",
		"sentiment:symbols=AAPL",
		"sentiment:symbols=MSFT",
		"sentimental:symbols=AAPL",
		"chart:symbols=AAPL",
	}
	for _, key := range keys {
		if err := m.Put(ctx, key, 1, time.Hour); err != nil {
			t.Fatalf("Put(%s) failed: %v", key, err)
		}
	}

	removed, err := m.Invalidate(ctx, Key{Namespace: "sentiment"}.Prefix())
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("Invalidate removed %d, want 3", removed)
	}

	for _, key := range []string{"sentimental:symbols=AAPL", "chart:symbols=AAPL"} {
		if _, err := m.Get(ctx, key); err != nil {
			t.Errorf("Get(%s) after unrelated invalidation failed: %v", key, err)
		}
	}

	removed, err = m.Invalidate(ctx, "")
	if err != nil {
		t.Fatalf("Invalidate all failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Invalidate all removed %d, want 2", removed)
	}
}

// interleavingStore runs onGet once, right after the first read of key
// returns, so a write lands between a hit and its access-time update.
type interleavingStore struct {
	store.Store
	key   string
	once  sync.Once
	onGet func()
}

func (s *interleavingStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.Store.Get(ctx, key)
	if key == s.key {
		s.once.Do(s.onGet)
	}
	return data, err
}

func TestManager_HitDoesNotUndoConcurrentWrites(t *testing.T) {
	ctx := context.Background()

	t.Run("invalidate", func(t *testing.T) {
		s := &interleavingStore{Store: store.NewMemoryStore(0), key: "cache:accounts:ids=1"}
		m, _ := newTestManager(t, s, 0)
		if err := m.Put(ctx, "accounts:ids=1", 1, time.Hour); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		removed := 0
		s.onGet = func() {
			removed, _ = m.Invalidate(ctx, "accounts:")
		}

		if got, err := m.Get(ctx, "accounts:ids=1"); err != nil || got != 1 {
			t.Fatalf("Get() = %d, %v; want the value read before invalidation", got, err)
		}
		if removed != 1 {
			t.Fatalf("Invalidate removed %d, want 1", removed)
		}
		if _, err := m.Get(ctx, "accounts:ids=1"); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("Get after Invalidate error = %v, want ErrCacheMiss", err)
		}
	})

	t.Run("put", func(t *testing.T) {
		s := &interleavingStore{Store: store.NewMemoryStore(0), key: "cache:k"}
		m, _ := newTestManager(t, s, 0)
		if err := m.Put(ctx, "k", 1, time.Hour); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		s.onGet = func() {
			if err := m.Put(ctx, "k", 2, 2*time.Hour); err != nil {
				t.Errorf("concurrent Put failed: %v", err)
			}
		}

		if _, err := m.Get(ctx, "k"); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		got, err := m.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get after Put failed: %v", err)
		}
		if got != 2 {
			t.Errorf("Get after Put = %d, want 2", got)
		}
	})
}

func TestManager_Status(t *testing.T) {
	m, clock := newTestManager(t, store.NewMemoryStore(0), 0)
	ctx := context.Background()

	if err := m.Put(ctx, "late", 1, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := m.Put(ctx, "soon", 2, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := m.Put(ctx, "gone", 3, time.Second); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	clock.Set(10 * time.Second)
	status, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}

	if len(status) != 2 {
		t.Fatalf("Status returned %d entries, want 2: %+v", len(status), status)
	}
	if status[0].Key != "soon" || status[1].Key != "late" {
		t.Errorf("Status order = [%s %s], want [soon late]", status[0].Key, status[1].Key)
	}
	if status[0].Remaining != 50*time.Second {
		t.Errorf("Remaining = %v, want 50s", status[0].Remaining)
	}
}

func TestManager_IgnoresForeignKeys(t *testing.T) {
	size := entrySize(t)
	s := store.NewMemoryStore(3 * size)
	m, _ := newTestManager(t, s, 1.0)
	ctx := context.Background()

	foreign := []byte(`{"lastFiredAt":1}`)
	if err := s.Put(ctx, "throttle:alert", foreign); err != nil {
		t.Fatalf("store Put failed: %v", err)
	}

	if err := m.Put(ctx, "a", 1, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Cannot fit: eviction may only touch cache entries.
	_ = m.Put(ctx, strings.Repeat("k", int(3*size)), 2, time.Hour)
	if _, err := m.Invalidate(ctx, ""); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, err := m.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	got, err := s.Get(ctx, "throttle:alert")
	if err != nil {
		t.Fatalf("foreign key removed: %v", err)
	}
	if string(got) != string(foreign) {
		t.Errorf("foreign value changed: %s", got)
	}
}
