package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// Validate checks the configuration for errors.
// Every returned error matches errs.ErrInvalidConfig.
func (c *Config) Validate() error {
	var all []error

	if c.WindowCapacity <= 0 {
		all = append(all, errs.NewValidation("window_capacity", "must be positive"))
	}
	if c.BucketWidth <= 0 {
		all = append(all, errs.NewValidation("bucket_width", "must be positive"))
	}
	if c.Retention <= 0 {
		all = append(all, errs.NewValidation("retention", "must be positive"))
	} else if c.BucketWidth > 0 && c.Retention < c.BucketWidth {
		all = append(all, errs.NewValidation("retention", "must be at least bucket_width"))
	}
	if c.SOCScalingFactor <= 0 {
		all = append(all, errs.NewValidation("soc_scaling_factor", "must be positive"))
	}
	if c.InitialSOC < 0 || c.InitialSOC > 100 {
		all = append(all, errs.NewInvalidValue("initial_soc", c.InitialSOC, "must be within [0,100]"))
	}

	if err := validateBounds(c.ChannelBounds); err != nil {
		all = append(all, err)
	}

	if err := c.Rollup.Validate(); err != nil {
		all = append(all, fmt.Errorf("rollup: %w", err))
	}

	if err := c.Ingestion.Validate(); err != nil {
		all = append(all, fmt.Errorf("ingestion: %w", err))
	}

	if err := c.Subscribers.Validate(); err != nil {
		all = append(all, fmt.Errorf("subscribers: %w", err))
	}

	if err := c.Backpressure.Validate(); err != nil {
		all = append(all, fmt.Errorf("backpressure: %w", err))
	}

	if err := c.Archive.Validate(); err != nil {
		all = append(all, fmt.Errorf("archive: %w", err))
	}

	if (c.Ingestion.Journal.Enabled && c.Ingestion.Journal.Dir == "") ||
		(c.Archive.Enabled && c.Archive.Dir == "") {
		if c.DataDir == "" {
			all = append(all, errs.NewMissingField("data_dir"))
		}
	}

	if len(all) > 0 {
		return errors.Join(all...)
	}
	return nil
}

func validateBounds(bounds map[types.ChannelID]types.Bounds) error {
	var all []error
	for ch, b := range bounds {
		field := "channel_bounds." + string(ch)
		switch {
		case !ch.IsKnown():
			all = append(all, errs.NewValidation(field, "unknown channel"))
		case ch.IsDerived():
			all = append(all, errs.NewValidation(field, "derived channels are not ingested"))
		case !b.Valid():
			all = append(all, errs.NewInvalidValue(field, b, "min must be <= max and both finite"))
		}
	}
	return errors.Join(all...)
}

// Validate checks the rollup configuration.
func (c *RollupConfig) Validate() error {
	var all []error

	seen := map[string]bool{types.BaseTier: true}
	for i, t := range c.Tiers {
		field := fmt.Sprintf("tiers[%d]", i)
		if t.Name == "" {
			all = append(all, errs.NewMissingField(field+".name"))
		} else if seen[t.Name] {
			all = append(all, errs.NewInvalidValue(field+".name", t.Name, "duplicate or reserved tier name"))
		}
		seen[t.Name] = true

		if t.Width <= 0 {
			all = append(all, errs.NewValidation(field+".width", "must be positive"))
		}
		if t.Retention <= 0 {
			all = append(all, errs.NewValidation(field+".retention", "must be positive"))
		} else if t.Width > 0 && t.Retention < t.Width {
			all = append(all, errs.NewValidation(field+".retention", "must be at least width"))
		}
	}

	if c.Percentiles.Enabled {
		if c.Percentiles.Accuracy <= 0 || c.Percentiles.Accuracy >= 1 {
			all = append(all, errs.NewValidation("percentiles.accuracy", "must be between 0 and 1"))
		}
	}

	return errors.Join(all...)
}

// Validate checks the ingestion configuration.
func (c *IngestionConfig) Validate() error {
	var all []error

	if c.QueueSize <= 0 {
		all = append(all, errs.NewValidation("queue_size", "must be positive"))
	}

	if c.Journal.Enabled {
		validSyncModes := map[string]bool{
			"async": true,
			"sync":  true,
			"":      true, // Empty defaults to async
		}
		if !validSyncModes[c.Journal.SyncMode] {
			all = append(all, errs.NewValidation("journal.sync_mode", "must be one of: async, sync"))
		}
		if c.Journal.SyncMode != "sync" && c.Journal.SyncInterval <= 0 {
			all = append(all, errs.NewValidation("journal.sync_interval", "must be positive for async mode"))
		}
		if c.Journal.MaxSegmentSize < 0 {
			all = append(all, errs.NewValidation("journal.max_segment_size", "must be non-negative"))
		}
	}

	return errors.Join(all...)
}

// Validate checks the subscriber configuration.
func (c *SubscriberConfig) Validate() error {
	var all []error

	if c.QueueSize <= 0 {
		all = append(all, errs.NewValidation("queue_size", "must be positive"))
	}
	if c.DeliveryTimeout <= 0 {
		all = append(all, errs.NewValidation("delivery_timeout", "must be positive"))
	}
	if c.MaxFailures < 0 {
		all = append(all, errs.NewValidation("max_failures", "must be non-negative"))
	}

	return errors.Join(all...)
}

// Validate checks the backpressure configuration.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var all []error

	// Thresholds must be in order
	if c.Thresholds.Warning <= 0 || c.Thresholds.Warning >= 1 {
		all = append(all, errs.NewValidation("thresholds.warning", "must be between 0 and 1"))
	}
	if c.Thresholds.Critical <= 0 || c.Thresholds.Critical >= 1 {
		all = append(all, errs.NewValidation("thresholds.critical", "must be between 0 and 1"))
	}
	if c.Thresholds.Emergency <= 0 || c.Thresholds.Emergency > 1 {
		all = append(all, errs.NewValidation("thresholds.emergency", "must be between 0 and 1"))
	}

	if c.Thresholds.Warning >= c.Thresholds.Critical {
		all = append(all, errs.NewValidation("thresholds.warning", "must be < thresholds.critical"))
	}
	if c.Thresholds.Critical >= c.Thresholds.Emergency {
		all = append(all, errs.NewValidation("thresholds.critical", "must be < thresholds.emergency"))
	}

	if c.Recovery.Hysteresis < 0 || c.Recovery.Hysteresis >= 0.5 {
		all = append(all, errs.NewValidation("recovery.hysteresis", "must be between 0 and 0.5"))
	}
	if c.Recovery.Cooldown < 0 {
		all = append(all, errs.NewValidation("recovery.cooldown", "must be non-negative"))
	}

	return errors.Join(all...)
}

// Validate checks the archive configuration.
func (c *ArchiveConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var all []error

	if c.FlushInterval <= 0 {
		all = append(all, errs.NewValidation("flush_interval", "must be positive"))
	}
	if c.Retention < 0 {
		all = append(all, errs.NewValidation("retention", "must be non-negative"))
	}

	validAlgorithms := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"none":   true,
		"":       true, // Empty defaults to zstd
	}
	if !validAlgorithms[c.Compression.Algorithm] {
		all = append(all, errs.NewValidation("compression.algorithm", "must be one of: snappy, zstd, lz4, none"))
	}
	if c.Compression.Algorithm == "zstd" && (c.Compression.Level < 0 || c.Compression.Level > 22) {
		all = append(all, errs.NewValidation("compression.level", "zstd level must be between 0 and 22"))
	}

	if c.Query.Timeout <= 0 {
		all = append(all, errs.NewValidation("query.timeout", "must be positive"))
	}
	if c.Query.MaxRows <= 0 {
		all = append(all, errs.NewValidation("query.max_rows", "must be positive"))
	}
	if _, err := ParseMemoryLimit(c.Query.MemoryLimit); err != nil {
		all = append(all, errs.NewValidation("query.memory_limit", err.Error()))
	}

	return errors.Join(all...)
}

// EnsureDirectories creates the directories of enabled features.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Ingestion.Journal.Enabled {
		dirs = append(dirs, c.JournalDir())
	}
	if c.Archive.Enabled {
		dirs = append(dirs, c.ArchiveDir())
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// JournalDir returns the journal directory path.
func (c *Config) JournalDir() string {
	if c.Ingestion.Journal.Dir != "" {
		return c.Ingestion.Journal.Dir
	}
	return filepath.Join(c.DataDir, "journal")
}

// ArchiveDir returns the archive directory path.
func (c *Config) ArchiveDir() string {
	if c.Archive.Dir != "" {
		return c.Archive.Dir
	}
	return filepath.Join(c.DataDir, "archive")
}
