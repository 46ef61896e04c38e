package types

import (
	"fmt"
	"math"

	errs "github.com/xtxerr/gridpulse/internal/errors"
)

// ChannelID identifies a power-flow channel.
type ChannelID string

// Raw channels are supplied by meters and inverters.
const (
	ChannelSolar  ChannelID = "solar"
	ChannelWind   ChannelID = "wind"
	ChannelDemand ChannelID = "demand"
	ChannelTariff ChannelID = "tariff"
)

// Derived channels are computed by the engine and never ingested.
const (
	ChannelGridImport ChannelID = "grid_import"
	ChannelGridExport ChannelID = "grid_export"
	ChannelBatterySOC ChannelID = "battery_soc"
)

var (
	rawChannels     = []ChannelID{ChannelSolar, ChannelWind, ChannelDemand, ChannelTariff}
	derivedChannels = []ChannelID{ChannelGridImport, ChannelGridExport, ChannelBatterySOC}
)

// RawChannels returns the externally supplied channels in canonical order.
func RawChannels() []ChannelID {
	out := make([]ChannelID, len(rawChannels))
	copy(out, rawChannels)
	return out
}

// DerivedChannels returns the computed channels in canonical order.
func DerivedChannels() []ChannelID {
	out := make([]ChannelID, len(derivedChannels))
	copy(out, derivedChannels)
	return out
}

// AllChannels returns raw followed by derived channels.
func AllChannels() []ChannelID {
	out := make([]ChannelID, 0, len(rawChannels)+len(derivedChannels))
	out = append(out, rawChannels...)
	return append(out, derivedChannels...)
}

// IsRaw reports whether c is an ingestible channel.
func (c ChannelID) IsRaw() bool {
	for _, r := range rawChannels {
		if r == c {
			return true
		}
	}
	return false
}

// IsDerived reports whether c is computed by the engine.
func (c ChannelID) IsDerived() bool {
	for _, d := range derivedChannels {
		if d == c {
			return true
		}
	}
	return false
}

// IsKnown reports whether c belongs to the fixed channel set.
func (c ChannelID) IsKnown() bool {
	return c.IsRaw() || c.IsDerived()
}

// String returns the channel name.
func (c ChannelID) String() string {
	return string(c)
}

// ParseChannel parses a channel name.
func ParseChannel(s string) (ChannelID, error) {
	c := ChannelID(s)
	if !c.IsKnown() {
		return "", fmt.Errorf("channel %q: %w", s, errs.ErrUnknownChannel)
	}
	return c, nil
}

// Bounds is the inclusive physical range accepted for a channel.
type Bounds struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v lies within [Min, Max].
func (b Bounds) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// Valid reports whether the bounds are finite and ordered.
func (b Bounds) Valid() bool {
	if math.IsNaN(b.Min) || math.IsNaN(b.Max) || math.IsInf(b.Min, 0) || math.IsInf(b.Max, 0) {
		return false
	}
	return b.Min <= b.Max
}

// String formats the bounds as [min,max].
func (b Bounds) String() string {
	return fmt.Sprintf("[%g,%g]", b.Min, b.Max)
}
