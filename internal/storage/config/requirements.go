package config

import (
	"fmt"

	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// Requirements is the worst-case in-memory footprint implied by a config.
// Every term is bounded by configuration, never by ingestion rate.
type Requirements struct {
	Channels int

	// Memory requirements
	WindowBytes     int64
	RollupBytes     int64
	QueueBytes      int64
	SnapshotBytes   int64
	SubscriberBytes int64 // per subscriber
	TotalBytes      int64 // excluding subscribers

	// Buckets retained per channel and tier
	BucketsPerChannel map[string]int64
}

// Constants for calculations
const (
	// Bytes per sample (in-memory: channel string header + ts + value)
	bytesPerSample = 40

	// Bytes per bucket (in-memory, without DDSketch)
	bytesPerBucket = 120

	// Bytes per bucket (in-memory, with DDSketch)
	bytesPerBucketWithSketch = 1200

	// Bytes per queued ingestion request
	bytesPerRequest = 96
)

// CalculateRequirements computes the memory bound of the configuration.
func (c *Config) CalculateRequirements() Requirements {
	r := Requirements{
		Channels:          len(types.AllChannels()),
		BucketsPerChannel: make(map[string]int64),
	}

	// Windows: one ring per channel
	r.WindowBytes = int64(r.Channels) * int64(c.WindowCapacity) * bytesPerSample

	// Snapshot: every window copied once
	r.SnapshotBytes = r.WindowBytes

	// Rollups: closed buckets within retention plus one open bucket per tier
	openBytes := int64(bytesPerBucket)
	if c.Rollup.Percentiles.Enabled {
		openBytes = bytesPerBucketWithSketch
	}
	for _, tier := range c.Tiers() {
		n := tier.MaxBuckets()
		r.BucketsPerChannel[tier.Name] = n
		r.RollupBytes += int64(r.Channels) * (n*bytesPerBucket + openBytes)
	}

	// Ingestion queue
	r.QueueBytes = int64(c.Ingestion.QueueSize) * bytesPerRequest

	// Subscribers share snapshots; their queues hold pointers only
	r.SubscriberBytes = int64(c.Subscribers.QueueSize) * 8

	r.TotalBytes = r.WindowBytes + r.RollupBytes + r.QueueBytes + r.SnapshotBytes

	return r
}

// FormatRequirements returns a human-readable summary of requirements.
func (r *Requirements) FormatRequirements() string {
	out := fmt.Sprintf(`Memory Bound
============

Channels:            %d
Windows:             %s
Rollups:             %s
Ingestion Queue:     %s
Snapshot:            %s
Per Subscriber:      %s
Total:               %s
`,
		r.Channels,
		formatBytes(r.WindowBytes),
		formatBytes(r.RollupBytes),
		formatBytes(r.QueueBytes),
		formatBytes(r.SnapshotBytes),
		formatBytes(r.SubscriberBytes),
		formatBytes(r.TotalBytes),
	)

	for name, n := range r.BucketsPerChannel {
		out += fmt.Sprintf("Buckets/channel %-8s %d\n", name+":", n)
	}
	return out
}

// ParseMemoryLimit parses a memory limit string like "512MB" into bytes.
func ParseMemoryLimit(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	var value int64
	var unit string
	for i, ch := range s {
		if ch < '0' || ch > '9' {
			if _, err := fmt.Sscanf(s[:i], "%d", &value); err != nil {
				return 0, fmt.Errorf("parse memory limit %q: %w", s, err)
			}
			unit = s[i:]
			break
		}
	}
	if unit == "" {
		if _, err := fmt.Sscanf(s, "%d", &value); err != nil {
			return 0, fmt.Errorf("parse memory limit %q: %w", s, err)
		}
	}

	switch unit {
	case "B", "b", "":
		return value, nil
	case "KB", "kb", "K", "k":
		return value * 1024, nil
	case "MB", "mb", "M", "m":
		return value * 1024 * 1024, nil
	case "GB", "gb", "G", "g":
		return value * 1024 * 1024 * 1024, nil
	default:
		return 0, fmt.Errorf("parse memory limit %q: unknown unit %q", s, unit)
	}
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
