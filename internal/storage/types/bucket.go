package types

import "time"

// RollupBucket represents aggregated statistics for a time bucket.
// A closed bucket is immutable.
type RollupBucket struct {
	// Identity
	Channel ChannelID `json:"channel"`
	Tier    string    `json:"tier"`

	// Time bucket, half-open [BucketStart, BucketEnd)
	BucketStart int64 `json:"bucket_start"` // Unix ms
	BucketEnd   int64 `json:"bucket_end"`   // Unix ms

	// Basic statistics (zero when Count == 0)
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`

	// Percentiles (nil if not enabled or bucket empty)
	P50 *float64 `json:"p50,omitempty"`
	P90 *float64 `json:"p90,omitempty"`
	P95 *float64 `json:"p95,omitempty"`
	P99 *float64 `json:"p99,omitempty"`

	// Timestamps of actual samples
	FirstTs int64 `json:"first_ts,omitempty"`
	LastTs  int64 `json:"last_ts,omitempty"`
}

// BucketStartTime returns the bucket start as a time.Time.
func (b *RollupBucket) BucketStartTime() time.Time {
	return time.UnixMilli(b.BucketStart)
}

// BucketEndTime returns the bucket end as a time.Time.
func (b *RollupBucket) BucketEndTime() time.Time {
	return time.UnixMilli(b.BucketEnd)
}

// Width returns the bucket duration.
func (b *RollupBucket) Width() time.Duration {
	return time.Duration(b.BucketEnd-b.BucketStart) * time.Millisecond
}

// IsEmpty returns true if no samples were aggregated.
func (b *RollupBucket) IsEmpty() bool {
	return b.Count == 0
}

// Covers reports whether tsMs falls inside the bucket.
func (b *RollupBucket) Covers(tsMs int64) bool {
	return tsMs >= b.BucketStart && tsMs < b.BucketEnd
}

// Overlaps reports whether the bucket intersects [fromMs, toMs).
func (b *RollupBucket) Overlaps(fromMs, toMs int64) bool {
	return b.BucketStart < toMs && b.BucketEnd > fromMs
}

// HasPercentiles returns true if percentile data is available.
func (b *RollupBucket) HasPercentiles() bool {
	return b.P50 != nil
}

// SetPercentiles sets all percentile values.
func (b *RollupBucket) SetPercentiles(p50, p90, p95, p99 float64) {
	b.P50 = &p50
	b.P90 = &p90
	b.P95 = &p95
	b.P99 = &p99
}
