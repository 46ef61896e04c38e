package rollup

import (
	"testing"
	"time"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

func newStore(t *testing.T, keepEvicted bool) *Store {
	t.Helper()
	s, err := New(Config{
		Tiers: []types.Tier{
			{Name: types.BaseTier, Width: time.Minute, Retention: 10 * time.Minute},
			{Name: "hourly", Width: time.Hour, Retention: 48 * time.Hour},
		},
		PercentileAccuracy: 0.01,
		KeepEvicted:        keepEvicted,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func demandAt(ts int64, v float64) types.Sample {
	return types.Sample{Channel: types.ChannelDemand, TimestampMs: ts, Value: v}
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New(Config{}); !errs.IsConfiguration(err) {
		t.Errorf("expected configuration error for no tiers, got %v", err)
	}

	_, err := New(Config{Tiers: []types.Tier{{Name: "base", Width: 0, Retention: time.Hour}}})
	if !errs.IsConfiguration(err) {
		t.Errorf("expected configuration error for zero width, got %v", err)
	}

	_, err = New(Config{Tiers: []types.Tier{
		{Name: "base", Width: time.Minute, Retention: time.Hour},
		{Name: "base", Width: time.Hour, Retention: time.Hour},
	}})
	if !errs.IsConfiguration(err) {
		t.Errorf("expected configuration error for duplicate tier, got %v", err)
	}

	_, err = New(Config{
		Tiers:              []types.Tier{{Name: "base", Width: time.Minute, Retention: time.Hour}},
		PercentileAccuracy: 1,
	})
	if !errs.IsConfiguration(err) {
		t.Errorf("expected configuration error for accuracy 1, got %v", err)
	}
}

func TestStore_FeedsEveryTier(t *testing.T) {
	s := newStore(t, false)

	for i := int64(0); i < 5; i++ {
		s.OnSampleAccepted(demandAt(i*60_000+1, float64(10*(i+1))))
	}

	base := s.Query(types.ChannelDemand, 0, 0)
	if len(base) != 4 {
		t.Fatalf("expected 4 closed base buckets, got %d", len(base))
	}
	if base[0].Tier != types.BaseTier || !base[0].HasPercentiles() {
		t.Errorf("unexpected base bucket %+v", base[0])
	}

	hourly, ok, err := s.OpenTier("hourly", types.ChannelDemand)
	if err != nil || !ok {
		t.Fatalf("expected open hourly bucket: %v", err)
	}
	if hourly.Count != 5 || hourly.Sum != 150 {
		t.Errorf("hourly should see every sample directly, got %+v", hourly)
	}

	closed, err := s.QueryTier("hourly", types.ChannelDemand, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 0 {
		t.Errorf("hourly bucket should still be open, got %d closed", len(closed))
	}
}

func TestStore_QueryTierUnknown(t *testing.T) {
	s := newStore(t, false)
	_, err := s.QueryTier("weekly", types.ChannelSolar, 0, 0)
	if !errs.Is(err, errs.ErrTierNotFound) {
		t.Errorf("expected tier not found, got %v", err)
	}
	if _, _, err := s.OpenTier("weekly", types.ChannelSolar); !errs.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	// Empty name is the base tier
	if _, err := s.QueryTier("", types.ChannelSolar, 0, 0); err != nil {
		t.Errorf("empty tier should resolve to base: %v", err)
	}
}

func TestStore_OnSampleAcceptedReturnsBaseClosed(t *testing.T) {
	s := newStore(t, false)
	if n := s.OnSampleAccepted(demandAt(1, 1)); n != 0 {
		t.Errorf("first sample closes nothing, got %d", n)
	}
	if n := s.OnSampleAccepted(demandAt(3*60_000, 1)); n != 3 {
		t.Errorf("expected 1 closed + 2 fillers, got %d", n)
	}
}

func TestStore_Coalesce(t *testing.T) {
	s := newStore(t, false)
	s.OnSampleAccepted(types.Sample{Channel: types.ChannelGridImport, TimestampMs: 100, Value: 5})
	s.OnSampleCoalesced(types.Sample{Channel: types.ChannelGridImport, TimestampMs: 100, Value: 9})

	for _, tier := range []string{types.BaseTier, "hourly"} {
		b, ok, _ := s.OpenTier(tier, types.ChannelGridImport)
		if !ok || b.Count != 1 || b.Sum != 9 || b.Min != 9 || b.Max != 9 {
			t.Errorf("%s: unexpected bucket after coalesce %+v", tier, b)
		}
	}
}

func TestStore_DrainEvicted(t *testing.T) {
	s := newStore(t, true)
	for i := int64(0); i < 20; i++ {
		s.OnSampleAccepted(demandAt(i*60_000+1, 1))
	}

	evicted := s.DrainEvicted()
	if len(evicted) == 0 {
		t.Fatal("expected evicted base buckets")
	}
	for _, b := range evicted {
		if b.Tier != types.BaseTier {
			t.Errorf("only base buckets should be evicted, got %s", b.Tier)
		}
	}
	if len(s.DrainEvicted()) != 0 {
		t.Error("second drain should be empty")
	}
}

func TestStore_TiersAndStats(t *testing.T) {
	s := newStore(t, false)
	tiers := s.Tiers()
	if len(tiers) != 2 || tiers[0].Name != types.BaseTier {
		t.Errorf("unexpected tiers %v", tiers)
	}

	s.OnSampleAccepted(demandAt(1, 1))
	stats := s.Stats()
	if len(stats) != 2 || stats[0].SamplesProcessed != 1 || stats[1].SamplesProcessed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
