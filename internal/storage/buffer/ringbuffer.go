package buffer

import (
	"sync"
	"sync/atomic"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// RingBuffer is a fixed-capacity circular window of samples.
// Push overwrites the oldest entry once full; storage is allocated once.
type RingBuffer struct {
	mu       sync.RWMutex
	data     []types.Sample
	head     int64 // Next write position
	count    int64 // Current number of elements
	capacity int64

	// Statistics
	pushCount      atomic.Int64
	overwriteCount atomic.Int64
	replaceCount   atomic.Int64
}

// New creates a new RingBuffer with the given capacity.
func New(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, errs.NewInvalidValue("window_capacity", capacity, "must be positive")
	}
	return &RingBuffer{
		data:     make([]types.Sample, capacity),
		capacity: int64(capacity),
	}, nil
}

// Push appends a sample, overwriting the oldest if the buffer is full.
func (rb *RingBuffer) Push(sample types.Sample) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count >= rb.capacity {
		rb.overwriteCount.Add(1)
	} else {
		rb.count++
	}

	rb.data[rb.head%rb.capacity] = sample
	rb.head++
	rb.pushCount.Add(1)
}

// ReplaceNewest overwrites the newest sample in place.
// Returns false if the buffer is empty.
func (rb *RingBuffer) ReplaceNewest(sample types.Sample) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		return false
	}

	rb.data[rb.newestIdx()] = sample
	rb.replaceCount.Add(1)
	return true
}

// Snapshot returns a copy of the contents ordered oldest to newest.
func (rb *RingBuffer) Snapshot() []types.Sample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := make([]types.Sample, rb.count)
	tail := rb.head - rb.count
	for i := int64(0); i < rb.count; i++ {
		out[i] = rb.data[(tail+i)%rb.capacity]
	}
	return out
}

// Latest returns the newest sample.
// Returns false if the buffer is empty.
func (rb *RingBuffer) Latest() (types.Sample, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return types.Sample{}, false
	}
	return rb.data[rb.newestIdx()], true
}

// newestIdx must be called with the lock held and count > 0.
func (rb *RingBuffer) newestIdx() int64 {
	return (rb.head - 1) % rb.capacity
}

// Stats returns buffer statistics.
func (rb *RingBuffer) Stats() BufferStats {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return BufferStats{
		Capacity:       int(rb.capacity),
		Count:          int(rb.count),
		UsageRatio:     float64(rb.count) / float64(rb.capacity),
		PushCount:      rb.pushCount.Load(),
		OverwriteCount: rb.overwriteCount.Load(),
		ReplaceCount:   rb.replaceCount.Load(),
	}
}

// BufferStats holds buffer statistics.
type BufferStats struct {
	Capacity       int
	Count          int
	UsageRatio     float64
	PushCount      int64
	OverwriteCount int64
	ReplaceCount   int64
}
