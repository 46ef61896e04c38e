// Package derive computes the derived power-flow channels.
//
// The Aggregator keeps the last known value of every input and the battery
// state of charge. It is owned by the ingestion worker and is not safe for
// concurrent use. Output depends only on the ordered input sequence and
// the initial state.
//
// A derived sample is stamped with the newest input timestamp seen so far.
// When an update does not advance that time (inputs arriving out of order
// across channels), the sample carries the same timestamp as the previous
// one and callers coalesce it into the existing entry.
package derive

import (
	"fmt"

	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// Config holds the SOC recurrence parameters.
type Config struct {
	InitialSOC       float64
	SOCScalingFactor float64
}

// Aggregator produces derived samples from raw updates.
type Aggregator struct {
	cfg Config

	solar  float64
	wind   float64
	demand float64

	asOf    int64
	hasAsOf bool

	soc float64
}

// New creates an Aggregator with SOC at cfg.InitialSOC.
func New(cfg Config) (*Aggregator, error) {
	if cfg.SOCScalingFactor <= 0 {
		return nil, fmt.Errorf("soc scaling factor must be positive, got %v", cfg.SOCScalingFactor)
	}
	if cfg.InitialSOC < 0 || cfg.InitialSOC > 100 {
		return nil, fmt.Errorf("initial soc must be within [0,100], got %v", cfg.InitialSOC)
	}
	return &Aggregator{
		cfg: cfg,
		soc: cfg.InitialSOC,
	}, nil
}

// OnRawUpdate folds one accepted raw sample into the state and returns the
// derived samples it produces, in canonical channel order.
func (a *Aggregator) OnRawUpdate(ch types.ChannelID, value float64, tsMs int64) []types.Sample {
	switch ch {
	case types.ChannelSolar:
		a.solar = value
	case types.ChannelWind:
		a.wind = value
	case types.ChannelDemand:
		a.demand = value
	default:
		return nil
	}

	if !a.hasAsOf || tsMs > a.asOf {
		a.asOf = tsMs
		a.hasAsOf = true
	}

	out := make([]types.Sample, 0, 3)
	out = append(out,
		types.Sample{Channel: types.ChannelGridImport, TimestampMs: a.asOf, Value: GridImport(a.solar, a.wind, a.demand)},
		types.Sample{Channel: types.ChannelGridExport, TimestampMs: a.asOf, Value: GridExport(a.solar, a.wind, a.demand)},
	)

	// SOC steps once per demand reading
	if ch == types.ChannelDemand {
		a.soc = NextSOC(a.soc, a.solar, a.demand, a.cfg.SOCScalingFactor)
		out = append(out, types.Sample{Channel: types.ChannelBatterySOC, TimestampMs: a.asOf, Value: a.soc})
	}

	return out
}

// SOC returns the current battery state of charge.
func (a *Aggregator) SOC() float64 {
	return a.soc
}

// Inputs returns the last known solar, wind and demand values.
func (a *Aggregator) Inputs() (solar, wind, demand float64) {
	return a.solar, a.wind, a.demand
}

// AsOf returns the timestamp stamped on the most recent derived samples.
func (a *Aggregator) AsOf() (int64, bool) {
	return a.asOf, a.hasAsOf
}

// State is the serializable form of an Aggregator.
type State struct {
	Solar   float64 `json:"solar"`
	Wind    float64 `json:"wind"`
	Demand  float64 `json:"demand"`
	AsOfMs  int64   `json:"as_of_ms"`
	HasAsOf bool    `json:"has_as_of"`
	SOC     float64 `json:"soc"`
}

// State captures the inputs, the derived clock and SOC.
func (a *Aggregator) State() State {
	return State{
		Solar:   a.solar,
		Wind:    a.wind,
		Demand:  a.demand,
		AsOfMs:  a.asOf,
		HasAsOf: a.hasAsOf,
		SOC:     a.soc,
	}
}

// Restore resumes from st. The SOC is clamped to [0,100].
func (a *Aggregator) Restore(st State) {
	a.solar = st.Solar
	a.wind = st.Wind
	a.demand = st.Demand
	a.asOf = st.AsOfMs
	a.hasAsOf = st.HasAsOf
	a.soc = Clamp(st.SOC, 0, 100)
}

// GridImport is the shortfall drawn from the grid.
func GridImport(solar, wind, demand float64) float64 {
	return max(0, demand-(solar+wind))
}

// GridExport is the surplus pushed to the grid.
func GridExport(solar, wind, demand float64) float64 {
	return max(0, (solar+wind)-demand)
}

// NextSOC advances the state of charge by one step.
func NextSOC(prev, solar, demand, scaling float64) float64 {
	return Clamp(prev+(solar-demand)/scaling, 0, 100)
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
