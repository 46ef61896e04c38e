// Package validation turns boundary readings into accepted samples.
//
// The validator owns the last committed timestamp of every raw channel.
// Validate is a pure check; the ingestion worker calls Commit once the
// sample has been applied, so a rejected reading never moves that state.
package validation

import (
	"math"
	"sync"
	"sync/atomic"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// Validator checks readings against channel bounds and per-channel order.
type Validator struct {
	bounds map[types.ChannelID]types.Bounds

	mu   sync.RWMutex
	last map[types.ChannelID]int64

	rejected atomic.Int64
	byReason sync.Map // reason -> *atomic.Int64
}

// New creates a validator. The bounds map is copied.
// Raw channels without bounds only get the finiteness check.
func New(bounds map[types.ChannelID]types.Bounds) *Validator {
	b := make(map[types.ChannelID]types.Bounds, len(bounds))
	for ch, r := range bounds {
		b[ch] = r
	}
	return &Validator{
		bounds: b,
		last:   make(map[types.ChannelID]int64),
	}
}

// Validate returns the sample for r or a rejection matching
// errs.ErrValidation. It does not modify ordering state.
func (v *Validator) Validate(r types.Reading) (types.Sample, error) {
	s, err := v.check(r)
	if err != nil {
		v.countRejection(err)
		return types.Sample{}, err
	}
	return s, nil
}

func (v *Validator) check(r types.Reading) (types.Sample, error) {
	ch := types.ChannelID(r.Channel)

	switch {
	case ch.IsDerived():
		return types.Sample{}, errs.NewRejection(r.Channel, errs.ErrDerivedChannel, "")
	case !ch.IsRaw():
		return types.Sample{}, errs.NewRejection(r.Channel, errs.ErrUnknownChannel, "")
	}

	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return types.Sample{}, errs.NewRejection(r.Channel, errs.ErrNonFinite, "value=%v", r.Value)
	}

	if b, ok := v.bounds[ch]; ok && !b.Contains(r.Value) {
		return types.Sample{}, errs.NewRejection(r.Channel, errs.ErrOutOfRange, "value=%g bounds=%s", r.Value, b)
	}

	v.mu.RLock()
	last, seen := v.last[ch]
	v.mu.RUnlock()

	if seen && r.TimestampMs <= last {
		return types.Sample{}, errs.NewRejection(r.Channel, errs.ErrOutOfOrder, "ts=%d last=%d", r.TimestampMs, last)
	}

	return types.Sample{
		Channel:     ch,
		TimestampMs: r.TimestampMs,
		Value:       r.Value,
	}, nil
}

// Commit records s as the last accepted sample of its channel.
func (v *Validator) Commit(s types.Sample) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if last, ok := v.last[s.Channel]; !ok || s.TimestampMs > last {
		v.last[s.Channel] = s.TimestampMs
	}
}

// LastTimestamp returns the last committed timestamp of ch.
func (v *Validator) LastTimestamp(ch types.ChannelID) (int64, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ts, ok := v.last[ch]
	return ts, ok
}

// LastTimestamps returns a copy of the last committed timestamp of every
// channel seen so far.
func (v *Validator) LastTimestamps() map[types.ChannelID]int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[types.ChannelID]int64, len(v.last))
	for ch, ts := range v.last {
		out[ch] = ts
	}
	return out
}

// Restore commits the given timestamps as if their samples had been
// accepted.
func (v *Validator) Restore(last map[types.ChannelID]int64) {
	for ch, ts := range last {
		v.Commit(types.Sample{Channel: ch, TimestampMs: ts})
	}
}

func (v *Validator) countRejection(err error) {
	v.rejected.Add(1)

	reason := errs.RejectReason(err)
	c, _ := v.byReason.LoadOrStore(reason, new(atomic.Int64))
	c.(*atomic.Int64).Add(1)
}

// RejectCount returns the total number of rejected readings.
func (v *Validator) RejectCount() int64 {
	return v.rejected.Load()
}

// RejectCounts returns rejections broken down by reason.
func (v *Validator) RejectCounts() map[string]int64 {
	out := make(map[string]int64)
	v.byReason.Range(func(k, val any) bool {
		out[k.(string)] = val.(*atomic.Int64).Load()
		return true
	})
	return out
}
