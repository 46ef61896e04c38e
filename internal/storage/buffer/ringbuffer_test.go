package buffer

import (
	"sync"
	"testing"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

func sample(ts int64) types.Sample {
	return types.Sample{Channel: types.ChannelSolar, TimestampMs: ts, Value: float64(ts)}
}

func mustNew(t *testing.T, capacity int) *RingBuffer {
	t.Helper()
	rb, err := New(capacity)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	return rb
}

func TestRingBuffer_Basic(t *testing.T) {
	rb := mustNew(t, 10)

	stats := rb.Stats()
	if stats.Capacity != 10 {
		t.Errorf("expected capacity=10, got %d", stats.Capacity)
	}
	if stats.Count != 0 || stats.UsageRatio != 0 {
		t.Errorf("new buffer should be empty, got %+v", stats)
	}
	if _, ok := rb.Latest(); ok {
		t.Error("empty buffer must report no latest sample")
	}
	if got := rb.Snapshot(); len(got) != 0 {
		t.Errorf("expected empty snapshot, got %d", len(got))
	}
}

func TestRingBuffer_InvalidCapacity(t *testing.T) {
	for _, c := range []int{0, -1} {
		_, err := New(c)
		if err == nil {
			t.Errorf("capacity %d should be rejected", c)
		}
		if !errs.IsConfiguration(err) {
			t.Errorf("expected configuration error, got %v", err)
		}
	}
}

func TestRingBuffer_ZeroValueIsNotAbsence(t *testing.T) {
	rb := mustNew(t, 3)
	rb.Push(types.Sample{Channel: types.ChannelWind, TimestampMs: 1, Value: 0})

	got, ok := rb.Latest()
	if !ok {
		t.Fatal("zero-valued sample must be reported as present")
	}
	if got.Value != 0 {
		t.Errorf("expected 0, got %v", got.Value)
	}
}

func TestRingBuffer_OverwriteOldest(t *testing.T) {
	const capacity = 5
	rb := mustNew(t, capacity)

	for i := int64(1); i <= capacity+1; i++ {
		rb.Push(sample(i))

		latest, ok := rb.Latest()
		if !ok || latest.TimestampMs != i {
			t.Fatalf("latest should equal last pushed (%d), got %+v", i, latest)
		}
	}

	snap := rb.Snapshot()
	if len(snap) != capacity {
		t.Fatalf("expected %d samples, got %d", capacity, len(snap))
	}
	if snap[0].TimestampMs != 2 {
		t.Errorf("exactly the oldest should be evicted, first is %d", snap[0].TimestampMs)
	}
	stats := rb.Stats()
	if stats.OverwriteCount != 1 {
		t.Errorf("expected 1 overwrite, got %d", stats.OverwriteCount)
	}
	if stats.PushCount != capacity+1 {
		t.Errorf("expected %d pushes, got %d", capacity+1, stats.PushCount)
	}
	if stats.Count != capacity || stats.UsageRatio != 1 {
		t.Errorf("expected a full buffer, got %+v", stats)
	}
}

func TestRingBuffer_SnapshotBoundedAndOrdered(t *testing.T) {
	for _, capacity := range []int{1, 2, 7, 10} {
		rb := mustNew(t, capacity)
		for i := int64(1); i <= 37; i++ {
			rb.Push(sample(i))

			snap := rb.Snapshot()
			if len(snap) > capacity {
				t.Fatalf("cap %d: snapshot length %d exceeds capacity", capacity, len(snap))
			}
			for j := 1; j < len(snap); j++ {
				if snap[j-1].TimestampMs >= snap[j].TimestampMs {
					t.Fatalf("cap %d: snapshot not chronological at %d: %v", capacity, j, snap)
				}
			}
			if snap[len(snap)-1].TimestampMs != i {
				t.Fatalf("cap %d: newest should be %d", capacity, i)
			}
		}
	}
}

func TestRingBuffer_SnapshotIsCopy(t *testing.T) {
	rb := mustNew(t, 3)
	rb.Push(sample(1))
	rb.Push(sample(2))

	snap := rb.Snapshot()
	snap[0].Value = 999

	again := rb.Snapshot()
	if again[0].Value == 999 {
		t.Error("snapshot must not alias internal storage")
	}

	rb.Push(sample(3))
	rb.Push(sample(4))
	if snap[0].TimestampMs != 1 {
		t.Error("earlier snapshot changed after later pushes")
	}
}

func TestRingBuffer_ReplaceNewest(t *testing.T) {
	rb := mustNew(t, 3)
	if rb.ReplaceNewest(sample(1)) {
		t.Error("replace on empty buffer should fail")
	}

	rb.Push(sample(1))
	rb.Push(sample(2))

	if !rb.ReplaceNewest(types.Sample{Channel: types.ChannelSolar, TimestampMs: 2, Value: 42}) {
		t.Fatal("replace should succeed")
	}

	if n := rb.Stats().Count; n != 2 {
		t.Errorf("replace must not change length, got %d", n)
	}
	latest, _ := rb.Latest()
	if latest.Value != 42 {
		t.Errorf("expected replaced value 42, got %v", latest.Value)
	}

	// Replacement after wrap targets the newest slot
	rb.Push(sample(3))
	rb.Push(sample(4))
	rb.ReplaceNewest(types.Sample{Channel: types.ChannelSolar, TimestampMs: 4, Value: -1})
	snap := rb.Snapshot()
	if snap[2].Value != -1 || snap[1].TimestampMs != 3 {
		t.Errorf("unexpected contents after wrapped replace: %v", snap)
	}
}

func TestRingBuffer_ConcurrentReaders(t *testing.T) {
	rb := mustNew(t, 8)

	var wg sync.WaitGroup
	done := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := rb.Snapshot()
				for i := 1; i < len(snap); i++ {
					if snap[i-1].TimestampMs >= snap[i].TimestampMs {
						t.Errorf("torn snapshot: %v", snap)
						return
					}
				}
			}
		}()
	}

	for i := int64(1); i <= 5000; i++ {
		rb.Push(sample(i))
	}
	close(done)
	wg.Wait()
}
