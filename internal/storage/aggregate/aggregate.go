package aggregate

import (
	"fmt"
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/DataDog/sketches-go/ddsketch/store"

	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

var log = logging.Component("aggregate")

// StreamingAggregate maintains running statistics for a single time bucket.
// It supports optional percentile calculation using DDSketch.
//
// The most recent value is held apart from the settled statistics until a
// later value arrives, so ReplaceLast can supersede it without leaving a
// trace in Min, Max or the sketch.
type StreamingAggregate struct {
	mu sync.Mutex

	// Identity
	channel types.ChannelID
	tier    string

	// Time bucket
	bucketStart int64 // Unix milliseconds
	bucketEnd   int64 // Unix milliseconds

	// Settled statistics, excluding the last value
	count   int64
	sum     float64
	min     float64
	max     float64
	firstTs int64

	// Last value, not yet settled
	hasLast   bool
	lastTs    int64
	lastValue float64

	// DDSketch for percentiles (nil if disabled)
	sketch   *ddsketch.DDSketch
	accuracy float64
}

// New creates a StreamingAggregate for the given bucket.
// A zero accuracy disables percentiles.
func New(channel types.ChannelID, tier string, bucketStart, bucketEnd int64, accuracy float64) *StreamingAggregate {
	agg := &StreamingAggregate{
		channel:     channel,
		tier:        tier,
		bucketStart: bucketStart,
		bucketEnd:   bucketEnd,
		min:         math.MaxFloat64,
		max:         -math.MaxFloat64,
		accuracy:    accuracy,
	}
	agg.sketch = newSketch(accuracy)
	return agg
}

// CheckAccuracy reports whether accuracy can back a sketch. Zero is valid
// and disables percentiles.
func CheckAccuracy(accuracy float64) error {
	if accuracy == 0 {
		return nil
	}
	_, err := ddsketch.NewDefaultDDSketch(accuracy)
	return err
}

func newSketch(accuracy float64) *ddsketch.DDSketch {
	if accuracy <= 0 {
		return nil
	}
	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err != nil {
		log.Warn("percentiles disabled", "accuracy", accuracy, "error", err)
		return nil
	}
	return sketch
}

// Add adds a value to the aggregate. The previous last value is settled.
func (a *StreamingAggregate) Add(value float64, timestampMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.hasLast {
		a.settle()
	} else if a.count == 0 {
		a.firstTs = timestampMs
	}
	a.hasLast = true
	a.lastTs = timestampMs
	a.lastValue = value
}

// ReplaceLast supersedes the most recent value with one carrying the same
// timestamp. The superseded value leaves no trace in any statistic.
// Returns false if timestampMs is not the last timestamp of the bucket.
func (a *StreamingAggregate) ReplaceLast(value float64, timestampMs int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.hasLast || timestampMs != a.lastTs {
		return false
	}
	a.lastValue = value
	return true
}

// settle folds the last value into the settled statistics.
// Must be called with the lock held.
func (a *StreamingAggregate) settle() {
	a.count++
	a.sum += a.lastValue
	a.min = math.Min(a.min, a.lastValue)
	a.max = math.Max(a.max, a.lastValue)
	if a.sketch != nil {
		if err := a.sketch.Add(a.lastValue); err != nil {
			log.Debug("sketch rejected value", "channel", a.channel, "value", a.lastValue, "error", err)
		}
	}
	a.hasLast = false
}

// AddSample adds a sample to the aggregate.
func (a *StreamingAggregate) AddSample(s types.Sample) {
	a.Add(s.Value, s.TimestampMs)
}

// Count returns the number of samples added.
func (a *StreamingAggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total()
}

func (a *StreamingAggregate) total() int64 {
	if a.hasLast {
		return a.count + 1
	}
	return a.count
}

// IsEmpty returns true if no samples have been added.
func (a *StreamingAggregate) IsEmpty() bool {
	return a.Count() == 0
}

// Result returns the aggregation result.
func (a *StreamingAggregate) Result() types.RollupBucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := types.RollupBucket{
		Channel:     a.channel,
		Tier:        a.tier,
		BucketStart: a.bucketStart,
		BucketEnd:   a.bucketEnd,
		Count:       a.total(),
		Sum:         a.sum,
		FirstTs:     a.firstTs,
		LastTs:      a.lastTs,
	}
	if result.Count == 0 {
		return result
	}

	result.Min, result.Max = a.min, a.max
	if a.hasLast {
		result.Sum += a.lastValue
		result.Min = math.Min(result.Min, a.lastValue)
		result.Max = math.Max(result.Max, a.lastValue)
	}
	result.Avg = result.Sum / float64(result.Count)

	if a.sketch != nil {
		sk := a.sketch
		if a.hasLast {
			sk = a.sketch.Copy()
			_ = sk.Add(a.lastValue)
		}
		if !sk.IsEmpty() {
			p50, _ := sk.GetValueAtQuantile(0.50)
			p90, _ := sk.GetValueAtQuantile(0.90)
			p95, _ := sk.GetValueAtQuantile(0.95)
			p99, _ := sk.GetValueAtQuantile(0.99)
			result.SetPercentiles(p50, p90, p95, p99)
		}
	}

	return result
}

// Reset resets the aggregate for a new bucket.
func (a *StreamingAggregate) Reset(bucketStart, bucketEnd int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.bucketStart = bucketStart
	a.bucketEnd = bucketEnd
	a.count = 0
	a.sum = 0
	a.min = math.MaxFloat64
	a.max = -math.MaxFloat64
	a.firstTs = 0
	a.hasLast = false
	a.lastTs = 0
	a.lastValue = 0

	if a.sketch != nil {
		a.sketch.Clear()
	}
}

// BucketStart returns the bucket start timestamp.
func (a *StreamingAggregate) BucketStart() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bucketStart
}

// Empty returns a zero-count bucket covering [start, end).
func Empty(channel types.ChannelID, tier string, start, end int64) types.RollupBucket {
	return types.RollupBucket{
		Channel:     channel,
		Tier:        tier,
		BucketStart: start,
		BucketEnd:   end,
	}
}

// State is the serializable form of a StreamingAggregate.
type State struct {
	BucketStart int64   `json:"bucket_start"`
	BucketEnd   int64   `json:"bucket_end"`
	Count       int64   `json:"count"`
	Sum         float64 `json:"sum"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	FirstTs     int64   `json:"first_ts"`
	HasLast     bool    `json:"has_last"`
	LastTs      int64   `json:"last_ts"`
	LastValue   float64 `json:"last_value"`
	Sketch      []byte  `json:"sketch,omitempty"`
}

// State captures the aggregate, last value included.
func (a *StreamingAggregate) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := State{
		BucketStart: a.bucketStart,
		BucketEnd:   a.bucketEnd,
		Count:       a.count,
		Sum:         a.sum,
		Min:         a.min,
		Max:         a.max,
		FirstTs:     a.firstTs,
		HasLast:     a.hasLast,
		LastTs:      a.lastTs,
		LastValue:   a.lastValue,
	}
	if a.sketch != nil {
		a.sketch.Encode(&st.Sketch, false)
	}
	return st
}

// Restore rebuilds an aggregate from st. A sketch encoded with a different
// accuracy keeps its own mapping; one missing from st starts empty.
func Restore(channel types.ChannelID, tier string, accuracy float64, st State) (*StreamingAggregate, error) {
	a := New(channel, tier, st.BucketStart, st.BucketEnd, accuracy)
	a.count = st.Count
	a.sum = st.Sum
	a.min = st.Min
	a.max = st.Max
	a.firstTs = st.FirstTs
	a.hasLast = st.HasLast
	a.lastTs = st.LastTs
	a.lastValue = st.LastValue

	if a.sketch != nil && len(st.Sketch) > 0 {
		sk, err := ddsketch.DecodeDDSketch(st.Sketch, store.DefaultProvider, nil)
		if err != nil {
			return nil, fmt.Errorf("decode sketch %s/%s: %w", tier, channel, err)
		}
		a.sketch = sk
	}
	return a, nil
}
