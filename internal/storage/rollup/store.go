// Package rollup keeps downsampled history for every channel.
//
// The Store feeds each accepted sample to one aggregate.Manager per tier.
// The base tier comes from bucket_width and retention; coarser tiers see
// the same samples directly, so no tier is computed from another.
package rollup

import (
	"fmt"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/storage/aggregate"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

var log = logging.Component("rollup")

// Config configures a Store.
type Config struct {
	// Tiers lists the base tier first.
	Tiers []types.Tier

	// PercentileAccuracy enables DDSketch percentiles when positive.
	PercentileAccuracy float64

	// KeepEvicted retains evicted buckets for DrainEvicted.
	KeepEvicted bool
}

// Store holds open and closed rollup buckets for every tier and channel.
type Store struct {
	tiers  []*aggregate.Manager
	byName map[string]*aggregate.Manager
}

// New creates a Store. The first tier is the base tier.
func New(cfg Config) (*Store, error) {
	if len(cfg.Tiers) == 0 {
		return nil, errs.NewMissingField("rollup tiers")
	}

	if err := aggregate.CheckAccuracy(cfg.PercentileAccuracy); err != nil {
		return nil, errs.NewInvalidValue("percentile accuracy", cfg.PercentileAccuracy, err.Error())
	}

	s := &Store{byName: make(map[string]*aggregate.Manager, len(cfg.Tiers))}
	for _, t := range cfg.Tiers {
		if t.Width <= 0 || t.Retention <= 0 {
			return nil, errs.NewInvalidValue("tier "+t.Name, t, "width and retention must be positive")
		}
		if _, dup := s.byName[t.Name]; dup {
			return nil, errs.NewInvalidValue("tier name", t.Name, "duplicate")
		}
		m := aggregate.NewManager(t, cfg.PercentileAccuracy, cfg.KeepEvicted)
		s.tiers = append(s.tiers, m)
		s.byName[t.Name] = m
	}
	return s, nil
}

// OnSampleAccepted folds an accepted sample into every tier.
// Returns the number of base-tier buckets closed.
func (s *Store) OnSampleAccepted(sample types.Sample) int {
	var baseClosed int
	for i, m := range s.tiers {
		closed := m.Process(sample)
		if i == 0 {
			baseClosed = closed
		}
		if closed > 0 {
			log.Debug("bucket closed",
				"tier", m.Tier().Name,
				"channel", sample.Channel,
				"closed", closed)
		}
	}
	return baseClosed
}

// OnSampleCoalesced supersedes the last value of the sample's open buckets.
func (s *Store) OnSampleCoalesced(sample types.Sample) {
	for _, m := range s.tiers {
		if !m.ReplaceLast(sample) {
			log.Warn("coalesced sample has no matching bucket",
				"tier", m.Tier().Name,
				"channel", sample.Channel,
				"ts", sample.TimestampMs)
		}
	}
}

// Query returns the closed base-tier buckets of ch overlapping
// [fromMs, toMs), oldest first. A zero toMs is unbounded.
func (s *Store) Query(ch types.ChannelID, fromMs, toMs int64) []types.RollupBucket {
	return s.tiers[0].Query(ch, fromMs, toMs)
}

// QueryTier is Query on a named tier.
func (s *Store) QueryTier(tier string, ch types.ChannelID, fromMs, toMs int64) ([]types.RollupBucket, error) {
	m, err := s.tier(tier)
	if err != nil {
		return nil, err
	}
	return m.Query(ch, fromMs, toMs), nil
}

// Open returns the in-progress base-tier bucket of ch.
func (s *Store) Open(ch types.ChannelID) (types.RollupBucket, bool) {
	return s.tiers[0].Open(ch)
}

// OpenTier is Open on a named tier.
func (s *Store) OpenTier(tier string, ch types.ChannelID) (types.RollupBucket, bool, error) {
	m, err := s.tier(tier)
	if err != nil {
		return types.RollupBucket{}, false, err
	}
	b, ok := m.Open(ch)
	return b, ok, nil
}

func (s *Store) tier(name string) (*aggregate.Manager, error) {
	if name == "" {
		return s.tiers[0], nil
	}
	m, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, errs.ErrTierNotFound)
	}
	return m, nil
}

// DrainEvicted returns and clears evicted buckets from every tier.
func (s *Store) DrainEvicted() []types.RollupBucket {
	var out []types.RollupBucket
	for _, m := range s.tiers {
		out = append(out, m.DrainEvicted()...)
	}
	return out
}

// Tiers returns the configured tiers, base first.
func (s *Store) Tiers() []types.Tier {
	out := make([]types.Tier, len(s.tiers))
	for i, m := range s.tiers {
		out[i] = m.Tier()
	}
	return out
}

// Stats returns per-tier statistics, base first.
func (s *Store) Stats() []aggregate.ManagerStats {
	out := make([]aggregate.ManagerStats, len(s.tiers))
	for i, m := range s.tiers {
		out[i] = m.Stats()
	}
	return out
}

// State captures every tier, base first.
func (s *Store) State() []aggregate.ManagerState {
	out := make([]aggregate.ManagerState, len(s.tiers))
	for i, m := range s.tiers {
		out[i] = m.State()
	}
	return out
}

// Restore loads tier states captured by State. Tiers that no longer exist
// or changed width start empty.
func (s *Store) Restore(states []aggregate.ManagerState) error {
	for _, st := range states {
		m, ok := s.byName[st.Tier]
		if !ok {
			log.Warn("dropping state of unknown tier", "tier", st.Tier)
			continue
		}
		if st.WidthMs != m.Tier().WidthMs() {
			log.Warn("dropping state of resized tier",
				"tier", st.Tier,
				"width_ms", st.WidthMs,
				"configured_ms", m.Tier().WidthMs())
			continue
		}
		if err := m.Restore(st); err != nil {
			return fmt.Errorf("restore tier %s: %w", st.Tier, err)
		}
	}
	return nil
}
