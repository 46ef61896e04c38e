package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	errs "github.com/xtxerr/gridpulse/internal/errors"
)

// Reading is an unvalidated record as it arrives at an ingestion boundary.
type Reading struct {
	Channel     string  `json:"channel"`
	TimestampMs int64   `json:"ts_ms"`
	Value       float64 `json:"value"`
}

// UnmarshalJSON decodes a reading, requiring channel, ts_ms and value.
// ts_ms must be a whole number of milliseconds. Unknown fields are ignored.
func (r *Reading) UnmarshalJSON(data []byte) error {
	var env struct {
		Channel *string      `json:"channel"`
		TsMs    *json.Number `json:"ts_ms"`
		Value   *json.Number `json:"value"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return fmt.Errorf("reading: %v: %w", err, errs.ErrInvalidRequest)
	}

	if env.Channel == nil || strings.TrimSpace(*env.Channel) == "" {
		return fmt.Errorf("reading: channel missing: %w", errs.ErrInvalidRequest)
	}
	if env.TsMs == nil {
		return fmt.Errorf("reading: ts_ms missing: %w", errs.ErrInvalidRequest)
	}
	ts, err := env.TsMs.Int64()
	if err != nil {
		return fmt.Errorf("reading: ts_ms %s: %w", env.TsMs.String(), errs.ErrInvalidRequest)
	}
	if env.Value == nil {
		return fmt.Errorf("reading: value missing: %w", errs.ErrInvalidRequest)
	}
	v, err := env.Value.Float64()
	if err != nil {
		return fmt.Errorf("reading: value %s: %w", env.Value.String(), errs.ErrInvalidRequest)
	}

	*r = Reading{Channel: strings.TrimSpace(*env.Channel), TimestampMs: ts, Value: v}
	return nil
}

// Sample is an accepted measurement.
// Timestamps are strictly increasing per channel.
type Sample struct {
	Channel     ChannelID `json:"channel"`
	TimestampMs int64     `json:"ts_ms"` // Unix timestamp in milliseconds
	Value       float64   `json:"value"`
}

// TimestampTime returns the timestamp as a time.Time.
func (s *Sample) TimestampTime() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// Reading converts the sample back into its boundary form.
func (s Sample) Reading() Reading {
	return Reading{
		Channel:     string(s.Channel),
		TimestampMs: s.TimestampMs,
		Value:       s.Value,
	}
}
