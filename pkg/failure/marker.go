// Package failure memoizes recent upstream failures so that callers stop
// hammering an upstream that just rate-limited them.
//
// Only rate-limit markers suppress attempts. Markers for other reasons are
// kept for observability but never block, so a transient outage is not
// mistaken for a lasting one.
package failure

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sternrassler/fetchcache/pkg/fetch"
)

// Reason classifies a recorded failure.
type Reason string

const (
	// ReasonRateLimited suppresses further attempts until the cooldown ends.
	ReasonRateLimited Reason = "rate_limited"

	// ReasonServerError records an upstream server failure.
	ReasonServerError Reason = "server_error"

	// ReasonUnknown records any other failure.
	ReasonUnknown Reason = "unknown"
)

// ReasonFor maps a fetch failure class to a marker reason.
func ReasonFor(class fetch.Class) Reason {
	switch class {
	case fetch.ClassRateLimited:
		return ReasonRateLimited
	case fetch.ClassTransient:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// Marker records that key recently failed.
type Marker struct {
	Key        string
	Reason     Reason
	RecordedAt time.Time
	Cooldown   time.Duration
}

// Active reports whether the marker is still in its cooldown at now.
func (m Marker) Active(now time.Time) bool {
	return now.Sub(m.RecordedAt) < m.Cooldown
}

func (m Marker) sameRecord(o Marker) bool {
	return m.Reason == o.Reason && m.Cooldown == o.Cooldown && m.RecordedAt.Equal(o.RecordedAt)
}

// ExpiresAt returns when the cooldown ends.
func (m Marker) ExpiresAt() time.Time {
	return m.RecordedAt.Add(m.Cooldown)
}

// Remaining returns the cooldown left at now, or 0.
func (m Marker) Remaining(now time.Time) time.Duration {
	if d := m.ExpiresAt().Sub(now); d > 0 {
		return d
	}
	return 0
}

// wireMarker is the persisted record: {"key","reason","recordedAt": ms,"cooldownMs"}.
type wireMarker struct {
	Key        string `json:"key"`
	Reason     Reason `json:"reason"`
	RecordedAt int64  `json:"recordedAt"`
	CooldownMs int64  `json:"cooldownMs"`
}

// MarshalJSON implements json.Marshaler.
func (m Marker) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMarker{
		Key:        m.Key,
		Reason:     m.Reason,
		RecordedAt: m.RecordedAt.UnixMilli(),
		CooldownMs: m.Cooldown.Milliseconds(),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Marker) UnmarshalJSON(data []byte) error {
	var w wireMarker
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.RecordedAt <= 0 || w.CooldownMs <= 0 {
		return fmt.Errorf("invalid marker for %q", w.Key)
	}

	m.Key = w.Key
	m.Reason = w.Reason
	m.RecordedAt = time.UnixMilli(w.RecordedAt)
	m.Cooldown = time.Duration(w.CooldownMs) * time.Millisecond
	return nil
}
