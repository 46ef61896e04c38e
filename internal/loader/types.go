package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/gridpulse/config"
	storageconfig "github.com/xtxerr/gridpulse/internal/storage/config"
)

// Config is the root configuration structure for gridpulsed.
type Config struct {
	// -------------------------------------------------------------------------
	// Boundaries
	// -------------------------------------------------------------------------

	// HTTP configures the REST and WebSocket API.
	HTTP HTTPConfig `yaml:"http"`

	// TCP configures the protobuf ingestion listener.
	TCP TCPConfig `yaml:"tcp"`

	// Kafka configures the reading consumer.
	Kafka KafkaConfig `yaml:"kafka"`

	// -------------------------------------------------------------------------
	// Process
	// -------------------------------------------------------------------------

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging"`

	// Shutdown configures graceful shutdown behavior.
	Shutdown ShutdownConfig `yaml:"shutdown"`

	// -------------------------------------------------------------------------
	// Engine
	// -------------------------------------------------------------------------

	// Storage is the engine configuration: windows, rollups, derivation,
	// journal and archive.
	Storage *storageconfig.Config `yaml:"storage"`
}

// =============================================================================
// Boundary Configuration
// =============================================================================

// HTTPConfig configures the REST and WebSocket API.
type HTTPConfig struct {
	// Enabled turns the API on. Default: true
	Enabled bool `yaml:"enabled"`

	// Listen is the listen address.
	// Default: "0.0.0.0:8080"
	Listen string `yaml:"listen"`

	// ReadTimeout bounds reading one request. Default: 10s
	ReadTimeout Duration `yaml:"read_timeout"`

	// WriteTimeout bounds writing one non-streaming response. Default: 30s
	WriteTimeout Duration `yaml:"write_timeout"`

	// MaxBatchSize limits readings per ingest request. Default: 1000
	MaxBatchSize int `yaml:"max_batch_size"`

	// MaxBodySize limits a request body. Default: "1MB"
	MaxBodySize ByteSize `yaml:"max_body_size"`

	// AccessLog writes one line per request to stdout. Default: true
	AccessLog bool `yaml:"access_log"`

	// Metrics exposes Prometheus metrics on /metrics. Default: true
	Metrics bool `yaml:"metrics"`

	// WebSocket configures snapshot streaming.
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// WebSocketConfig configures snapshot streaming clients.
type WebSocketConfig struct {
	// WriteTimeout bounds one message write. Default: 5s
	WriteTimeout Duration `yaml:"write_timeout"`

	// PingInterval is how often clients are pinged. Default: 30s
	PingInterval Duration `yaml:"ping_interval"`

	// PongWait is how long a client may stay silent. Default: 60s
	PongWait Duration `yaml:"pong_wait"`
}

// TCPConfig configures the protobuf ingestion listener.
type TCPConfig struct {
	// Enabled turns the listener on. Default: true
	Enabled bool `yaml:"enabled"`

	// Listen is the listen address.
	// Default: "0.0.0.0:9161"
	Listen string `yaml:"listen"`

	// TLS configures transport layer security.
	TLS TLSConfig `yaml:"tls"`

	// IdleTimeout closes silent connections. Default: 5m
	IdleTimeout Duration `yaml:"idle_timeout"`

	// MaxMessageSize limits one request. Default: "64KB"
	MaxMessageSize ByteSize `yaml:"max_message_size"`
}

// TLSConfig configures transport layer security.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	// Leave empty to disable TLS.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// KafkaConfig configures the reading consumer.
type KafkaConfig struct {
	// Enabled turns the consumer on. Default: false
	Enabled bool `yaml:"enabled"`

	// Brokers lists bootstrap brokers, e.g. ["kafka:9092"].
	Brokers []string `yaml:"brokers"`

	// Topic carries JSON readings. Default: "energy.readings"
	Topic string `yaml:"topic"`

	// GroupID is the consumer group. Default: "gridpulse"
	GroupID string `yaml:"group_id"`

	// RetryBackoff is the wait before retrying a reading the engine
	// could not take. Default: 250ms
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: "info"
	Level string `yaml:"level"`

	// Format is "text" or "json". Default: "text"
	Format string `yaml:"format"`
}

// ShutdownConfig configures graceful shutdown.
type ShutdownConfig struct {
	// DrainTimeoutSec is how long to wait for in-flight work.
	// Range: 1-300, Default: 30
	DrainTimeoutSec int `yaml:"drain_timeout_sec"`

	// IngestTimeout bounds one reading at any boundary. Default: 5s
	IngestTimeout Duration `yaml:"ingest_timeout"`
}

// DrainTimeout returns the drain timeout as a duration.
func (s ShutdownConfig) DrainTimeout() time.Duration {
	return time.Duration(s.DrainTimeoutSec) * time.Second
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Enabled:      true,
			Listen:       config.DefaultHTTPListen,
			ReadTimeout:  Duration(config.DefaultHTTPReadTimeout),
			WriteTimeout: Duration(config.DefaultHTTPWriteTimeout),
			MaxBatchSize: config.DefaultMaxBatchSize,
			MaxBodySize:  config.DefaultMaxBodySize,
			AccessLog:    true,
			Metrics:      true,
			WebSocket: WebSocketConfig{
				WriteTimeout: Duration(config.DefaultWSWriteTimeout),
				PingInterval: Duration(config.DefaultWSPingInterval),
				PongWait:     Duration(config.DefaultWSPongWait),
			},
		},

		TCP: TCPConfig{
			Enabled:        true,
			Listen:         config.DefaultTCPListen,
			IdleTimeout:    Duration(config.DefaultTCPIdleTimeout),
			MaxMessageSize: config.DefaultMaxMessageSize,
		},

		Kafka: KafkaConfig{
			Topic:        config.DefaultKafkaTopic,
			GroupID:      config.DefaultKafkaGroupID,
			RetryBackoff: Duration(config.DefaultKafkaRetryBackoff),
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},

		Shutdown: ShutdownConfig{
			DrainTimeoutSec: config.DefaultDrainTimeoutSec,
			IngestTimeout:   Duration(config.DefaultIngestTimeout),
		},

		Storage: storageconfig.DefaultConfig(),
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Plain integers are seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var i int
	if err := unmarshal(&i); err == nil {
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "100MB", "1GB", "500KB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var i int64
	if err := unmarshal(&i); err == nil {
		*b = ByteSize(i)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// Longest suffix first so "MB" is not read as "B".
var byteUnits = []struct {
	suffix     string
	multiplier int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// parseByteSize parses a size string like "100MB" or "1GB".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.multiplier, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
