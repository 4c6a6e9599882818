package failure

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/fetchcache/pkg/fetch"
)

var t0 = time.UnixMilli(1_700_000_000_000)

const fiveMinutes = 300_000 * time.Millisecond

func newTestMemoizer(t *testing.T, size int) (*Memoizer, *LRUStore) {
	t.Helper()
	s, err := NewLRUStore(size)
	require.NoError(t, err)
	return NewMemoizer(s), s
}

func TestMemoizer_RateLimitedScenario(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemoizer(t, 0)

	require.NoError(t, m.Record(ctx, "sentiment:symbols=AAPL", ReasonRateLimited, fiveMinutes, t0))

	assert.True(t, m.ShouldSkip(ctx, "sentiment:symbols=AAPL", t0.Add(60_000*time.Millisecond)))
	assert.False(t, m.ShouldSkip(ctx, "sentiment:symbols=AAPL", t0.Add(301_000*time.Millisecond)))
}

func TestMemoizer_OtherReasonsNeverSkip(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemoizer(t, 0)

	for _, reason := range []Reason{ReasonServerError, ReasonUnknown} {
		t.Run(string(reason), func(t *testing.T) {
			key := "k-" + string(reason)
			require.NoError(t, m.Record(ctx, key, reason, fiveMinutes, t0))

			assert.False(t, m.ShouldSkip(ctx, key, t0.Add(time.Second)))

			marker, ok := m.Active(ctx, key, t0.Add(time.Second))
			require.True(t, ok, "marker should still be visible")
			assert.Equal(t, reason, marker.Reason)
		})
	}
}

func TestMemoizer_RecordOverwrites(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemoizer(t, 0)

	require.NoError(t, m.Record(ctx, "k", ReasonRateLimited, fiveMinutes, t0))
	require.NoError(t, m.Record(ctx, "k", ReasonServerError, fiveMinutes, t0.Add(time.Second)))

	assert.False(t, m.ShouldSkip(ctx, "k", t0.Add(2*time.Second)))
}

func TestMemoizer_Clear(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemoizer(t, 0)

	require.NoError(t, m.Record(ctx, "k", ReasonRateLimited, fiveMinutes, t0))
	require.NoError(t, m.Clear(ctx, "k"))
	assert.False(t, m.ShouldSkip(ctx, "k", t0.Add(time.Second)))

	assert.NoError(t, m.Clear(ctx, "missing"))
}

func TestMemoizer_ExpiredMarkerDropped(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMemoizer(t, 0)

	require.NoError(t, m.Record(ctx, "k", ReasonRateLimited, time.Minute, t0))
	require.Equal(t, 1, s.Len())

	_, ok := m.Active(ctx, "k", t0.Add(time.Minute))
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

// recordingStore runs onLoad once, after the first Load returns.
type recordingStore struct {
	Store
	once   sync.Once
	onLoad func()
}

func (s *recordingStore) Load(ctx context.Context, key string) (Marker, bool, error) {
	marker, ok, err := s.Store.Load(ctx, key)
	s.once.Do(s.onLoad)
	return marker, ok, err
}

func TestMemoizer_ExpiredCleanupKeepsFreshMarker(t *testing.T) {
	ctx := context.Background()
	lruStore, err := NewLRUStore(0)
	require.NoError(t, err)

	s := &recordingStore{Store: lruStore}
	m := NewMemoizer(s)
	require.NoError(t, lruStore.Save(ctx, Marker{Key: "k", Reason: ReasonRateLimited, RecordedAt: t0, Cooldown: time.Minute}))

	now := t0.Add(2 * time.Minute)
	s.onLoad = func() {
		require.NoError(t, m.Record(ctx, "k", ReasonRateLimited, fiveMinutes, now))
	}

	_, ok := m.Active(ctx, "k", now)
	assert.False(t, ok, "the marker read was expired")

	assert.True(t, m.ShouldSkip(ctx, "k", now.Add(time.Second)), "the fresh marker must survive")
	assert.Equal(t, 1, lruStore.Len())
}

func TestMemoizer_InvalidCooldown(t *testing.T) {
	m, _ := newTestMemoizer(t, 0)
	assert.Error(t, m.Record(context.Background(), "k", ReasonRateLimited, 0, t0))
}

func TestLRUStore_Bounded(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMemoizer(t, 2)

	require.NoError(t, m.Record(ctx, "a", ReasonRateLimited, fiveMinutes, t0))
	require.NoError(t, m.Record(ctx, "b", ReasonRateLimited, fiveMinutes, t0))
	require.NoError(t, m.Record(ctx, "c", ReasonRateLimited, fiveMinutes, t0))

	assert.Equal(t, 2, s.Len())
	assert.False(t, m.ShouldSkip(ctx, "a", t0), "oldest marker should have been dropped")
	assert.True(t, m.ShouldSkip(ctx, "c", t0))
}

func TestMarker_JSON(t *testing.T) {
	marker := Marker{Key: "k", Reason: ReasonRateLimited, RecordedAt: t0, Cooldown: fiveMinutes}

	data, err := json.Marshal(marker)
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"k","reason":"rate_limited","recordedAt":1700000000000,"cooldownMs":300000}`, string(data))

	var decoded Marker
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, marker.Key, decoded.Key)
	assert.True(t, marker.RecordedAt.Equal(decoded.RecordedAt))
	assert.Equal(t, marker.Cooldown, decoded.Cooldown)

	assert.Error(t, json.Unmarshal([]byte(`{"key":"k","recordedAt":0,"cooldownMs":1}`), &decoded))
}

func TestReasonFor(t *testing.T) {
	assert.Equal(t, ReasonRateLimited, ReasonFor(fetch.ClassRateLimited))
	assert.Equal(t, ReasonServerError, ReasonFor(fetch.ClassTransient))
	assert.Equal(t, ReasonUnknown, ReasonFor(fetch.ClassTerminal))
}
