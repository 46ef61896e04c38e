// Package config provides process-level defaults for the gridpulse
// daemon and console.
//
// Engine settings (windows, rollups, journal, archive) live in
// internal/storage/config. The values here cover the outer surfaces and
// can be overridden in the daemon's config.yaml.
package config

import "time"

// =============================================================================
// HTTP API Defaults
// =============================================================================

const (
	// DefaultHTTPListen is the default address of the REST and WebSocket API.
	// Override via config: http.listen
	DefaultHTTPListen = "0.0.0.0:8080"

	// DefaultHTTPReadTimeout bounds reading one request.
	// Override via config: http.read_timeout
	DefaultHTTPReadTimeout = 10 * time.Second

	// DefaultHTTPWriteTimeout bounds writing one non-streaming response.
	// Override via config: http.write_timeout
	DefaultHTTPWriteTimeout = 30 * time.Second

	// DefaultIngestTimeout bounds one reading submitted over any boundary.
	DefaultIngestTimeout = 5 * time.Second

	// DefaultMaxBatchSize limits the readings accepted in one request.
	DefaultMaxBatchSize = 1000

	// DefaultMaxBodySize limits an HTTP request body.
	DefaultMaxBodySize = 1 << 20
)

// =============================================================================
// WebSocket Defaults
// =============================================================================

const (
	// DefaultWSWriteTimeout bounds one snapshot write to a WebSocket client.
	DefaultWSWriteTimeout = 5 * time.Second

	// DefaultWSPingInterval is how often idle WebSocket clients are pinged.
	DefaultWSPingInterval = 30 * time.Second

	// DefaultWSPongWait is how long a client may stay silent before the
	// connection is closed. Must exceed DefaultWSPingInterval.
	DefaultWSPongWait = 60 * time.Second
)

// =============================================================================
// TCP Ingestion Defaults
// =============================================================================

const (
	// DefaultTCPListen is the default address of the protobuf ingestion
	// listener. Empty disables it.
	// Override via config: tcp.listen
	DefaultTCPListen = "0.0.0.0:9161"

	// DefaultMaxMessageSize limits protobuf message size to prevent OOM.
	// Override via config: tcp.max_message_size
	DefaultMaxMessageSize = 64 * 1024

	// DefaultTCPIdleTimeout closes connections that send nothing.
	// Override via config: tcp.idle_timeout
	DefaultTCPIdleTimeout = 5 * time.Minute
)

// =============================================================================
// Kafka Defaults
// =============================================================================

const (
	// DefaultKafkaGroupID is the consumer group of the reading consumer.
	DefaultKafkaGroupID = "gridpulse"

	// DefaultKafkaTopic carries JSON readings.
	DefaultKafkaTopic = "energy.readings"

	// DefaultKafkaRetryBackoff is the wait before retrying an overloaded
	// reading.
	DefaultKafkaRetryBackoff = 250 * time.Millisecond
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeoutSec is how long to wait for in-flight work during
	// shutdown.
	// Override via config: server.drain_timeout_sec
	DefaultDrainTimeoutSec = 30
)
