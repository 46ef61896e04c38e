package aggregate

import (
	"math"
	"sync"
	"testing"

	"github.com/xtxerr/gridpulse/internal/storage/types"
)

func TestStreamingAggregate_Basic(t *testing.T) {
	agg := New(types.ChannelSolar, types.BaseTier, 0, 60_000, 0)

	if !agg.IsEmpty() {
		t.Error("new aggregate should be empty")
	}

	for i, v := range []float64{10, 20, 30, 40, 50} {
		agg.Add(v, int64(i+1)*1000)
	}

	r := agg.Result()
	if r.Count != 5 {
		t.Errorf("expected count=5, got %d", r.Count)
	}
	if r.Sum != 150 {
		t.Errorf("expected sum=150, got %v", r.Sum)
	}
	if r.Min != 10 || r.Max != 50 {
		t.Errorf("expected min=10 max=50, got %v %v", r.Min, r.Max)
	}
	if r.Avg != 30 {
		t.Errorf("expected avg=30, got %v", r.Avg)
	}
	if r.FirstTs != 1000 || r.LastTs != 5000 {
		t.Errorf("unexpected first/last ts %d/%d", r.FirstTs, r.LastTs)
	}
	if r.Channel != types.ChannelSolar || r.Tier != types.BaseTier {
		t.Errorf("unexpected identity %s/%s", r.Channel, r.Tier)
	}
	if r.HasPercentiles() {
		t.Error("percentiles should be disabled")
	}
}

func TestStreamingAggregate_EmptyResult(t *testing.T) {
	r := New(types.ChannelWind, types.BaseTier, 0, 1000, 0.01).Result()
	if r.Min != 0 || r.Max != 0 || r.Avg != 0 {
		t.Errorf("empty bucket must not leak sentinel min/max: %+v", r)
	}
	if r.HasPercentiles() {
		t.Error("empty bucket has no percentiles")
	}
}

func TestStreamingAggregate_WithPercentiles(t *testing.T) {
	agg := New(types.ChannelDemand, types.BaseTier, 0, 60_000, 0.01)
	for i := 1; i <= 100; i++ {
		agg.Add(float64(i), int64(i))
	}

	r := agg.Result()
	if !r.HasPercentiles() {
		t.Fatal("expected percentiles")
	}
	if math.Abs(*r.P50-50) > 1.5 {
		t.Errorf("P50 expected ~50, got %v", *r.P50)
	}
	if math.Abs(*r.P99-99) > 2 {
		t.Errorf("P99 expected ~99, got %v", *r.P99)
	}
}

func TestStreamingAggregate_ReplaceLast(t *testing.T) {
	agg := New(types.ChannelGridImport, types.BaseTier, 0, 60_000, 0)

	if agg.ReplaceLast(1, 10) {
		t.Error("replace on empty aggregate should fail")
	}

	agg.Add(5, 10)
	agg.Add(8, 20)

	if agg.ReplaceLast(3, 10) {
		t.Error("replace must target the last timestamp")
	}
	if !agg.ReplaceLast(2, 20) {
		t.Fatal("replace should succeed")
	}

	r := agg.Result()
	if r.Count != 2 {
		t.Errorf("replace must keep count, got %d", r.Count)
	}
	if r.Sum != 7 {
		t.Errorf("expected exact sum 7, got %v", r.Sum)
	}
	if r.Min != 2 || r.Max != 5 {
		t.Errorf("superseded 8 must leave the envelope, got [%v,%v]", r.Min, r.Max)
	}
	if r.LastTs != 20 {
		t.Errorf("expected last ts 20, got %d", r.LastTs)
	}

	// Chained replacements stay exact
	agg.ReplaceLast(4, 20)
	if got := agg.Result().Sum; got != 9 {
		t.Errorf("expected sum 9 after second replace, got %v", got)
	}
}

func TestStreamingAggregate_ReplaceLastEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64 // all at the same timestamp, each replacing the last
		min, max float64
	}{
		{"rises", []float64{0, 0, 20}, 20, 20},
		{"falls", []float64{90, 40, 10}, 10, 10},
		{"returns", []float64{5, 100, 5}, 5, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := New(types.ChannelGridImport, types.BaseTier, 0, 1000, 0.01)
			agg.Add(tt.values[0], 500)
			for _, v := range tt.values[1:] {
				if !agg.ReplaceLast(v, 500) {
					t.Fatal("replace should succeed")
				}
			}

			r := agg.Result()
			if r.Count != 1 || r.Min != tt.min || r.Max != tt.max {
				t.Errorf("got count=%d min=%v max=%v, want 1 %v %v", r.Count, r.Min, r.Max, tt.min, tt.max)
			}
			if !r.HasPercentiles() || math.Abs(*r.P99-tt.max) > tt.max*0.02 {
				t.Errorf("sketch must only see %v, got %+v", tt.max, r)
			}

			// A later value settles the replaced one exactly once
			agg.Add(50, 900)
			r = agg.Result()
			if r.Count != 2 || r.Sum != tt.max+50 || r.Min != math.Min(tt.min, 50) || r.Max != math.Max(tt.max, 50) {
				t.Errorf("unexpected bucket after settle %+v", r)
			}
		})
	}
}

func TestStreamingAggregate_Reset(t *testing.T) {
	agg := New(types.ChannelSolar, types.BaseTier, 0, 60_000, 0.02)
	agg.Add(10, 1000)
	agg.Add(30, 2000)
	agg.Reset(60_000, 120_000)

	if !agg.IsEmpty() {
		t.Error("aggregate should be empty after reset")
	}
	if agg.BucketStart() != 60_000 {
		t.Errorf("unexpected bucket start after reset %d", agg.BucketStart())
	}

	agg.Add(7, 61_000)
	r := agg.Result()
	if r.Count != 1 || r.Min != 7 || r.Max != 7 || !r.HasPercentiles() {
		t.Errorf("unexpected result after reset %+v", r)
	}
	if r.BucketEnd != 120_000 || r.FirstTs != 61_000 {
		t.Errorf("unexpected bucket [%d,%d) first %d", r.BucketStart, r.BucketEnd, r.FirstTs)
	}
	if math.Abs(*r.P50-7) > 0.2 {
		t.Errorf("reset sketch must forget old values, p50 %v", *r.P50)
	}
}

func TestCheckAccuracy(t *testing.T) {
	if err := CheckAccuracy(0); err != nil {
		t.Errorf("zero disables percentiles: %v", err)
	}
	if err := CheckAccuracy(0.01); err != nil {
		t.Errorf("0.01 should be valid: %v", err)
	}
	if err := CheckAccuracy(1.5); err == nil {
		t.Error("expected error for accuracy >= 1")
	}
	if sk := newSketch(-1); sk != nil {
		t.Error("non-positive accuracy disables the sketch")
	}
}

func TestStreamingAggregate_Concurrent(t *testing.T) {
	agg := New(types.ChannelSolar, types.BaseTier, 0, 60_000, 0.01)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				agg.Add(float64(i), int64(g*1000+i+1))
				_ = agg.Result()
			}
		}(g)
	}
	wg.Wait()

	if agg.Count() != 800 {
		t.Errorf("expected 800, got %d", agg.Count())
	}
}

func BenchmarkStreamingAggregate_Add(b *testing.B) {
	agg := New(types.ChannelSolar, types.BaseTier, 0, math.MaxInt64, 0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		agg.Add(float64(i), int64(i))
	}
}

func BenchmarkStreamingAggregate_AddWithPercentile(b *testing.B) {
	agg := New(types.ChannelSolar, types.BaseTier, 0, math.MaxInt64, 0.01)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		agg.Add(float64(i), int64(i))
	}
}
