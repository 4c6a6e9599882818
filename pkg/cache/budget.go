package cache

// DefaultHighWaterMark is the usage ratio at which cleanup starts.
const DefaultHighWaterMark = 0.8

// Budget is a snapshot of store usage against its quota.
type Budget struct {
	UsedBytes     int64   `json:"usedBytes"`
	QuotaBytes    int64   `json:"quotaBytes"`
	HighWaterMark float64 `json:"highWaterMark"`
}

// Ratio returns UsedBytes/QuotaBytes, or 0 for an unbounded store.
func (b Budget) Ratio() float64 {
	if b.QuotaBytes <= 0 {
		return 0
	}
	return float64(b.UsedBytes) / float64(b.QuotaBytes)
}

// NeedsCleanup reports whether usage reached the high-water mark.
// An unbounded store never needs cleanup.
func (b Budget) NeedsCleanup() bool {
	if b.QuotaBytes <= 0 {
		return false
	}
	return b.Ratio() >= b.HighWaterMark
}
