package config

import (
	"fmt"
	"os"
	"time"

	"github.com/xtxerr/gridpulse/internal/storage/types"
	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	// WindowCapacity is the number of recent samples kept per channel.
	WindowCapacity int `yaml:"window_capacity"`

	// BucketWidth is the width of a base-tier rollup bucket.
	// Format: "1m", "5m"
	BucketWidth time.Duration `yaml:"bucket_width"`

	// Retention is how long closed base-tier buckets stay in memory.
	Retention time.Duration `yaml:"retention"`

	// ChannelBounds is the accepted physical range per raw channel.
	ChannelBounds map[types.ChannelID]types.Bounds `yaml:"channel_bounds"`

	// SOCScalingFactor divides (solar - demand) in the SOC recurrence.
	SOCScalingFactor float64 `yaml:"soc_scaling_factor"`

	// InitialSOC is the battery state of charge before any demand reading.
	InitialSOC float64 `yaml:"initial_soc"`

	// DataDir is the root directory for journal and archive files.
	DataDir string `yaml:"data_dir"`

	// Rollup configures additional tiers and percentiles.
	Rollup RollupConfig `yaml:"rollup"`

	// Ingestion configures the ingestion queue and journal.
	Ingestion IngestionConfig `yaml:"ingestion"`

	// Subscribers configures snapshot fan-out.
	Subscribers SubscriberConfig `yaml:"subscribers"`

	// Backpressure configures load shedding.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Archive configures the spill of evicted buckets to Parquet.
	Archive ArchiveConfig `yaml:"archive"`
}

// RollupConfig configures rollup tiers beyond the base tier.
type RollupConfig struct {
	// Tiers are coarser resolutions fed by the same accepted samples.
	Tiers []types.Tier `yaml:"tiers"`

	// Percentiles configures DDSketch percentile calculation.
	Percentiles PercentileConfig `yaml:"percentiles"`
}

// PercentileConfig configures DDSketch percentile calculation.
type PercentileConfig struct {
	// Enabled enables percentile calculation.
	Enabled bool `yaml:"enabled"`

	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// IngestionConfig configures the ingestion pipeline.
type IngestionConfig struct {
	// QueueSize bounds the number of readings waiting for the worker.
	QueueSize int `yaml:"queue_size"`

	// Journal configures the replay journal.
	Journal JournalConfig `yaml:"journal"`
}

// JournalConfig configures the replay journal of accepted raw readings.
type JournalConfig struct {
	// Enabled enables journaling and replay on start.
	Enabled bool `yaml:"enabled"`

	// Dir is the journal directory. Defaults to {DataDir}/journal.
	Dir string `yaml:"dir"`

	// SyncMode is the sync mode: async, sync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// SubscriberConfig configures snapshot fan-out.
type SubscriberConfig struct {
	// QueueSize bounds pending snapshots per subscriber before drops.
	QueueSize int `yaml:"queue_size"`

	// DeliveryTimeout bounds one handler invocation.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`

	// MaxFailures is the number of consecutive failures before a
	// subscriber is removed. Zero disables auto-unsubscribe.
	MaxFailures int `yaml:"max_failures"`
}

// BackpressureConfig configures load shedding.
type BackpressureConfig struct {
	// Enabled enables backpressure handling.
	Enabled bool `yaml:"enabled"`

	// Thresholds defines queue usage thresholds for level changes.
	Thresholds BackpressureThresholds `yaml:"thresholds"`

	// Recovery configures recovery behavior.
	Recovery BackpressureRecovery `yaml:"recovery"`
}

// BackpressureThresholds defines queue usage thresholds.
type BackpressureThresholds struct {
	// Warning threshold (0.0-1.0).
	Warning float64 `yaml:"warning"`

	// Critical threshold (0.0-1.0).
	Critical float64 `yaml:"critical"`

	// Emergency threshold (0.0-1.0).
	Emergency float64 `yaml:"emergency"`
}

// BackpressureRecovery configures recovery behavior.
type BackpressureRecovery struct {
	// Hysteresis to prevent flapping (0.0-1.0).
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level changes.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ArchiveConfig configures the Parquet archive of evicted buckets.
type ArchiveConfig struct {
	// Enabled enables the archive.
	Enabled bool `yaml:"enabled"`

	// Dir is the archive directory. Defaults to {DataDir}/archive.
	Dir string `yaml:"dir"`

	// FlushInterval is how often evicted buckets are written.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// Retention is how long archive files are kept.
	Retention time.Duration `yaml:"retention"`

	// Compression configures Parquet compression.
	Compression CompressionConfig `yaml:"compression"`

	// Query configures DuckDB queries over archive files.
	Query QueryConfig `yaml:"query"`
}

// CompressionConfig configures Parquet compression.
type CompressionConfig struct {
	// Algorithm is the compression algorithm: snappy, zstd, lz4, none.
	Algorithm string `yaml:"algorithm"`

	// Level is the compression level (for zstd: 1-22).
	Level int `yaml:"level"`
}

// QueryConfig configures archive queries.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultBounds returns the physical ranges of the raw channels.
func DefaultBounds() map[types.ChannelID]types.Bounds {
	return map[types.ChannelID]types.Bounds{
		types.ChannelSolar:  {Min: 0, Max: 200},
		types.ChannelWind:   {Min: 0, Max: 200},
		types.ChannelDemand: {Min: 0, Max: 500},
		types.ChannelTariff: {Min: 0, Max: 10},
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		WindowCapacity:   10,
		BucketWidth:      time.Minute,
		Retention:        24 * time.Hour,
		ChannelBounds:    DefaultBounds(),
		SOCScalingFactor: 10,
		InitialSOC:       60,
		DataDir:          "/var/lib/gridpulse",
		Rollup: RollupConfig{
			Percentiles: PercentileConfig{
				Enabled:  true,
				Accuracy: 0.01,
			},
		},
		Ingestion: IngestionConfig{
			QueueSize: 1024,
			Journal: JournalConfig{
				Enabled:        false,
				SyncMode:       "async",
				SyncInterval:   time.Second,
				MaxSegmentSize: 64 * 1024 * 1024, // 64MB
			},
		},
		Subscribers: SubscriberConfig{
			QueueSize:       64,
			DeliveryTimeout: 5 * time.Second,
			MaxFailures:     5,
		},
		Backpressure: BackpressureConfig{
			Enabled: true,
			Thresholds: BackpressureThresholds{
				Warning:   0.50,
				Critical:  0.80,
				Emergency: 0.95,
			},
			Recovery: BackpressureRecovery{
				Hysteresis: 0.10,
				Cooldown:   5 * time.Second,
			},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			FlushInterval: time.Minute,
			Retention:     30 * 24 * time.Hour,
			Compression: CompressionConfig{
				Algorithm: "zstd",
				Level:     3,
			},
			Query: QueryConfig{
				MemoryLimit: "512MB",
				Timeout:     30 * time.Second,
				MaxRows:     100000,
			},
		},
	}
}

// BaseTier returns the tier configured by bucket_width and retention.
func (c *Config) BaseTier() types.Tier {
	return types.Tier{
		Name:      types.BaseTier,
		Width:     c.BucketWidth,
		Retention: c.Retention,
	}
}

// Tiers returns the base tier followed by the configured extra tiers.
func (c *Config) Tiers() []types.Tier {
	tiers := make([]types.Tier, 0, 1+len(c.Rollup.Tiers))
	tiers = append(tiers, c.BaseTier())
	return append(tiers, c.Rollup.Tiers...)
}

// Bounds returns the configured range of channel ch.
func (c *Config) Bounds(ch types.ChannelID) (types.Bounds, bool) {
	b, ok := c.ChannelBounds[ch]
	return b, ok
}
