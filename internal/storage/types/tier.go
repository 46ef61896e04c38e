package types

import (
	"fmt"
	"time"
)

// BaseTier is the name of the rollup tier configured by bucket_width and
// retention.
const BaseTier = "base"

// Tier is a rollup resolution with its own retention.
type Tier struct {
	Name      string        `yaml:"name" json:"name"`
	Width     time.Duration `yaml:"width" json:"width"`
	Retention time.Duration `yaml:"retention" json:"retention"`
}

// String returns the tier name and width.
func (t Tier) String() string {
	return fmt.Sprintf("%s(%s)", t.Name, t.Width)
}

// WidthMs returns the bucket width in milliseconds.
func (t Tier) WidthMs() int64 {
	return t.Width.Milliseconds()
}

// RetentionMs returns the retention in milliseconds.
func (t Tier) RetentionMs() int64 {
	return t.Retention.Milliseconds()
}

// TruncateMs returns the start of the bucket containing tsMs.
// Buckets are aligned to the Unix epoch; negative timestamps floor.
func (t Tier) TruncateMs(tsMs int64) int64 {
	w := t.WidthMs()
	if w <= 0 {
		return tsMs
	}
	start := (tsMs / w) * w
	if tsMs < 0 && start != tsMs {
		start -= w
	}
	return start
}

// BucketFor returns the half-open bucket [start, end) containing tsMs.
func (t Tier) BucketFor(tsMs int64) (start, end int64) {
	start = t.TruncateMs(tsMs)
	return start, start + t.WidthMs()
}

// MaxBuckets returns how many closed buckets retention keeps per channel.
func (t Tier) MaxBuckets() int64 {
	w := t.WidthMs()
	if w <= 0 {
		return 0
	}
	n := t.RetentionMs() / w
	if t.RetentionMs()%w != 0 {
		n++
	}
	return n
}
