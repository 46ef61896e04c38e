package aggregate

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// Manager keeps the rollup buckets of one tier for every channel.
// Each channel has one open StreamingAggregate and a contiguous run of
// closed buckets, oldest first, trimmed to the tier's retention.
type Manager struct {
	mu sync.RWMutex

	// Configuration
	tier        types.Tier
	accuracy    float64
	keepEvicted bool

	series map[types.ChannelID]*series

	// Evicted buckets waiting to be archived
	evicted []types.RollupBucket

	// Statistics
	stats ManagerStats
}

type series struct {
	open   *StreamingAggregate
	closed []types.RollupBucket
}

// ManagerStats holds statistics for the manager.
type ManagerStats struct {
	Tier             string
	OpenBuckets      int64
	ClosedBuckets    int64
	SamplesProcessed int64
	SamplesReplaced  int64
	SamplesLate      int64
	BucketsClosed    int64
	BucketsFilled    int64
	BucketsEvicted   int64
	EvictedPending   int64
}

// NewManager creates a manager for tier. A zero accuracy disables
// percentiles. With keepEvicted, buckets dropped by retention are kept
// for DrainEvicted.
func NewManager(tier types.Tier, accuracy float64, keepEvicted bool) *Manager {
	return &Manager{
		tier:        tier,
		accuracy:    accuracy,
		keepEvicted: keepEvicted,
		series:      make(map[types.ChannelID]*series),
	}
}

// Process adds a sample to its channel's open bucket.
// If the sample belongs to a later bucket, the open bucket is closed, the
// gap is filled with empty buckets and a new bucket is opened. Returns the
// number of buckets closed, fillers included.
func (m *Manager) Process(sample types.Sample) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucketStart, bucketEnd := m.tier.BucketFor(sample.TimestampMs)

	sr, exists := m.series[sample.Channel]
	if !exists {
		sr = &series{open: New(sample.Channel, m.tier.Name, bucketStart, bucketEnd, m.accuracy)}
		m.series[sample.Channel] = sr
	}

	closed := 0
	switch open := sr.open; {
	case bucketStart < open.BucketStart():
		// Timestamps are strictly increasing per channel upstream
		m.stats.SamplesLate++
		return 0
	case bucketStart > open.BucketStart():
		closed = m.rotate(sr, sample.Channel, bucketStart, bucketEnd, sample.TimestampMs)
	}

	sr.open.AddSample(sample)
	m.stats.SamplesProcessed++

	m.evict(sr, sample.TimestampMs)
	return closed
}

// rotate closes the open bucket and fills any gap up to bucketStart.
// Must be called with the lock held.
func (m *Manager) rotate(sr *series, ch types.ChannelID, bucketStart, bucketEnd, tsMs int64) int {
	prev := sr.open.Result()
	sr.closed = append(sr.closed, prev)
	m.stats.BucketsClosed++
	closed := 1

	// Fillers older than retention would be evicted immediately
	width := m.tier.WidthMs()
	fillFrom := prev.BucketEnd
	if floor := m.tier.TruncateMs(tsMs - m.tier.RetentionMs()); floor > fillFrom {
		fillFrom = floor
	}
	for start := fillFrom; start < bucketStart; start += width {
		sr.closed = append(sr.closed, Empty(ch, m.tier.Name, start, start+width))
		m.stats.BucketsFilled++
		closed++
	}

	sr.open.Reset(bucketStart, bucketEnd)
	return closed
}

// evict drops closed buckets that ended more than retention before tsMs.
// Must be called with the lock held.
func (m *Manager) evict(sr *series, tsMs int64) {
	cutoff := tsMs - m.tier.RetentionMs()

	n := 0
	for n < len(sr.closed) && sr.closed[n].BucketEnd <= cutoff {
		n++
	}
	if n == 0 {
		return
	}

	if m.keepEvicted {
		for _, b := range sr.closed[:n] {
			if !b.IsEmpty() {
				m.evicted = append(m.evicted, b)
			}
		}
	}

	// Shift rather than reslice so the backing array does not grow forever
	remaining := copy(sr.closed, sr.closed[n:])
	for i := remaining; i < len(sr.closed); i++ {
		sr.closed[i] = types.RollupBucket{}
	}
	sr.closed = sr.closed[:remaining]
	m.stats.BucketsEvicted += int64(n)
}

// ReplaceLast supersedes the last value of the sample's open bucket.
// Returns false if the sample does not carry that bucket's last timestamp.
func (m *Manager) ReplaceLast(sample types.Sample) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sr, ok := m.series[sample.Channel]
	if !ok {
		return false
	}
	if !sr.open.ReplaceLast(sample.Value, sample.TimestampMs) {
		return false
	}
	m.stats.SamplesReplaced++
	return true
}

// Query returns the closed buckets of ch overlapping [fromMs, toMs),
// oldest first. A zero toMs is unbounded.
func (m *Manager) Query(ch types.ChannelID, fromMs, toMs int64) []types.RollupBucket {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sr, ok := m.series[ch]
	if !ok {
		return nil
	}

	closed := sr.closed
	// First bucket ending after fromMs
	lo := sort.Search(len(closed), func(i int) bool { return closed[i].BucketEnd > fromMs })

	var out []types.RollupBucket
	for i := lo; i < len(closed); i++ {
		if toMs != 0 && closed[i].BucketStart >= toMs {
			break
		}
		out = append(out, closed[i])
	}
	return out
}

// Open returns the in-progress bucket of ch.
func (m *Manager) Open(ch types.ChannelID) (types.RollupBucket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sr, ok := m.series[ch]
	if !ok || sr.open.IsEmpty() {
		return types.RollupBucket{}, false
	}
	return sr.open.Result(), true
}

// DrainEvicted returns and clears the evicted buckets.
func (m *Manager) DrainEvicted() []types.RollupBucket {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.evicted) == 0 {
		return nil
	}
	out := m.evicted
	m.evicted = nil
	return out
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.stats
	stats.Tier = m.tier.Name
	stats.OpenBuckets = int64(len(m.series))
	for _, sr := range m.series {
		stats.ClosedBuckets += int64(len(sr.closed))
	}
	stats.EvictedPending = int64(len(m.evicted))
	return stats
}

// Tier returns the managed tier.
func (m *Manager) Tier() types.Tier {
	return m.tier
}

// SeriesState is the serializable form of one channel's buckets.
type SeriesState struct {
	Channel types.ChannelID      `json:"channel"`
	Open    State                `json:"open"`
	Closed  []types.RollupBucket `json:"closed,omitempty"`
}

// ManagerState is the serializable form of a Manager.
type ManagerState struct {
	Tier    string               `json:"tier"`
	WidthMs int64                `json:"width_ms"`
	Series  []SeriesState        `json:"series"`
	Evicted []types.RollupBucket `json:"evicted,omitempty"`
}

// State captures every series of the tier, channels in canonical order.
func (m *Manager) State() ManagerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := ManagerState{
		Tier:    m.tier.Name,
		WidthMs: m.tier.WidthMs(),
		Evicted: append([]types.RollupBucket(nil), m.evicted...),
	}
	for _, ch := range types.AllChannels() {
		sr, ok := m.series[ch]
		if !ok {
			continue
		}
		st.Series = append(st.Series, SeriesState{
			Channel: ch,
			Open:    sr.open.State(),
			Closed:  append([]types.RollupBucket(nil), sr.closed...),
		})
	}
	return st
}

// Restore replaces the manager's series with st. The tier name and width
// must match; statistics are not restored.
func (m *Manager) Restore(st ManagerState) error {
	if st.Tier != m.tier.Name || st.WidthMs != m.tier.WidthMs() {
		return fmt.Errorf("tier %s/%dms does not match %s/%dms",
			st.Tier, st.WidthMs, m.tier.Name, m.tier.WidthMs())
	}

	restored := make(map[types.ChannelID]*series, len(st.Series))
	for _, ss := range st.Series {
		open, err := Restore(ss.Channel, m.tier.Name, m.accuracy, ss.Open)
		if err != nil {
			return err
		}
		restored[ss.Channel] = &series{open: open, closed: ss.Closed}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.series = restored
	if m.keepEvicted {
		m.evicted = st.Evicted
	}
	return nil
}
