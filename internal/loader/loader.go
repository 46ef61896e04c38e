// Package loader handles daemon configuration loading and validation.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Validating the daemon and engine sections
//   - Converting the YAML sections into component configurations
package loader

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/gridpulse/internal/api"
	"github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/ingest/kafka"
	"github.com/xtxerr/gridpulse/internal/ingest/tcp"
	"github.com/xtxerr/gridpulse/internal/logging"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Relative data directories are relative to the config file.
	if cfg.Storage.DataDir != "" && !filepath.IsAbs(cfg.Storage.DataDir) {
		cfg.Storage.DataDir = filepath.Join(filepath.Dir(path), cfg.Storage.DataDir)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. ${VAR} references are expanded
// from the environment first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if !cfg.HTTP.Enabled && !cfg.TCP.Enabled && !cfg.Kafka.Enabled {
		errs.AddField("http.enabled", "at least one of http, tcp or kafka must be enabled")
	}

	if cfg.HTTP.Enabled {
		if cfg.HTTP.Listen == "" {
			errs.AddField("http.listen", "cannot be empty")
		}
		if cfg.HTTP.MaxBatchSize < 1 {
			errs.AddField("http.max_batch_size", "must be at least 1")
		}
		if cfg.HTTP.MaxBodySize < 0 {
			errs.AddField("http.max_body_size", "must be non-negative")
		}
		ws := cfg.HTTP.WebSocket
		if ws.PingInterval > 0 && ws.PongWait > 0 && ws.PongWait <= ws.PingInterval {
			errs.AddField("http.websocket.pong_wait", "must exceed ping_interval")
		}
	}

	if cfg.TCP.Enabled {
		if cfg.TCP.Listen == "" {
			errs.AddField("tcp.listen", "cannot be empty")
		}
		if (cfg.TCP.TLS.CertFile == "") != (cfg.TCP.TLS.KeyFile == "") {
			errs.AddField("tcp.tls", "cert_file and key_file must be set together")
		}
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			errs.AddMissing("kafka.brokers")
		}
		if cfg.Kafka.Topic == "" {
			errs.AddMissing("kafka.topic")
		}
	}

	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs.AddField("logging.level", err.Error())
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		errs.AddField("logging.format", fmt.Sprintf("must be text or json, got %q", cfg.Logging.Format))
	}

	if cfg.Shutdown.DrainTimeoutSec < 1 || cfg.Shutdown.DrainTimeoutSec > 300 {
		errs.AddField("shutdown.drain_timeout_sec", "must be within 1-300")
	}

	if cfg.Storage == nil {
		errs.AddMissing("storage")
	} else if err := cfg.Storage.Validate(); err != nil {
		errs.Add(fmt.Errorf("storage: %w", err))
	}

	return errs.Err()
}

// =============================================================================
// Conversion
// =============================================================================

// LogLevel returns the configured log level.
func (c *Config) LogLevel() slog.Level {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// JSONLogs reports whether logs are written as JSON.
func (c *Config) JSONLogs() bool {
	return c.Logging.Format == "json"
}

// ToAPIConfig converts the http section. metrics may be nil.
func (c *Config) ToAPIConfig(metrics http.Handler) api.Config {
	h := c.HTTP
	cfg := api.Config{
		Listen:         h.Listen,
		ReadTimeout:    h.ReadTimeout.Duration(),
		WriteTimeout:   h.WriteTimeout.Duration(),
		IngestTimeout:  c.Shutdown.IngestTimeout.Duration(),
		MaxBatchSize:   h.MaxBatchSize,
		MaxBodySize:    h.MaxBodySize.Bytes(),
		WSWriteTimeout: h.WebSocket.WriteTimeout.Duration(),
		WSPingInterval: h.WebSocket.PingInterval.Duration(),
		WSPongWait:     h.WebSocket.PongWait.Duration(),
	}
	if h.Metrics {
		cfg.Metrics = metrics
	}
	if h.AccessLog {
		cfg.AccessLog = os.Stdout
	}
	return cfg
}

// ToTCPConfig converts the tcp section.
func (c *Config) ToTCPConfig() tcp.Config {
	return tcp.Config{
		Listen:         c.TCP.Listen,
		TLSCertFile:    c.TCP.TLS.CertFile,
		TLSKeyFile:     c.TCP.TLS.KeyFile,
		IdleTimeout:    c.TCP.IdleTimeout.Duration(),
		MaxMessageSize: c.TCP.MaxMessageSize.Bytes(),
		IngestTimeout:  c.Shutdown.IngestTimeout.Duration(),
	}
}

// ToKafkaConfig converts the kafka section.
func (c *Config) ToKafkaConfig() kafka.Config {
	return kafka.Config{
		Brokers:       c.Kafka.Brokers,
		Topic:         c.Kafka.Topic,
		GroupID:       c.Kafka.GroupID,
		RetryBackoff:  c.Kafka.RetryBackoff.Duration(),
		IngestTimeout: c.Shutdown.IngestTimeout.Duration(),
	}
}
