// Package kafka consumes JSON readings from a Kafka topic.
//
// Offsets are committed only after a reading has been applied or
// rejected, so delivery into the engine is at-least-once. Replayed
// duplicates are rejected as out-of-order by the validator.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/xtxerr/gridpulse/config"
	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/storage/ingestion"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

var log = logging.Component("kafka")

// Engine is the part of the engine the consumer needs.
type Engine interface {
	Ingest(ctx context.Context, r types.Reading) (ingestion.Result, error)
}

// Throttler is implemented by engines that ask transports to slow down
// under load.
type Throttler interface {
	ThrottleDelay() time.Duration
}

// Reader is the subset of *kafkago.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Config holds consumer configuration.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string

	// PollTimeout bounds one fetch or commit.
	PollTimeout time.Duration

	// RetryBackoff is the wait before retrying a reading the engine
	// could not take yet.
	RetryBackoff time.Duration

	// IngestTimeout bounds one reading.
	IngestTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.GroupID == "" {
		c.GroupID = config.DefaultKafkaGroupID
	}
	if c.Topic == "" {
		c.Topic = config.DefaultKafkaTopic
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = config.DefaultKafkaRetryBackoff
	}
	if c.IngestTimeout <= 0 {
		c.IngestTimeout = config.DefaultIngestTimeout
	}
}

// Consumer feeds readings from Kafka into the engine.
type Consumer struct {
	cfg    Config
	reader Reader
	engine Engine

	messages  atomic.Int64
	accepted  atomic.Int64
	rejected  atomic.Int64
	malformed atomic.Int64
	retries   atomic.Int64
	throttled atomic.Int64
}

// Stats holds consumer statistics.
type Stats struct {
	Messages  int64
	Accepted  int64
	Rejected  int64
	Malformed int64
	Retries   int64
	Throttled int64
}

// New creates a consumer group reader for cfg.
func New(cfg Config, engine Engine) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errs.NewMissingField("kafka.brokers")
	}
	cfg.applyDefaults()

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafkago.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	return NewWithReader(cfg, reader, engine), nil
}

// NewWithReader creates a consumer on an existing reader.
func NewWithReader(cfg Config, reader Reader, engine Engine) *Consumer {
	cfg.applyDefaults()
	return &Consumer{cfg: cfg, reader: reader, engine: engine}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Run consumes until ctx is cancelled, the reader is closed or the engine
// stops.
func (c *Consumer) Run(ctx context.Context) error {
	log.Info("consumer started",
		"topic", c.cfg.Topic,
		"group", c.cfg.GroupID,
		"brokers", strings.Join(c.cfg.Brokers, ","))
	defer log.Info("consumer stopped")

	for {
		if !c.throttle(ctx) {
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			switch {
			case errs.Is(err, context.DeadlineExceeded):
				continue
			case errs.Is(err, context.Canceled):
				if ctx.Err() != nil {
					return nil
				}
				continue
			case errs.Is(err, io.EOF), errs.Is(err, io.ErrClosedPipe), errs.Is(err, kafkago.ErrGroupClosed):
				return nil
			}
			log.Error("fetch failed", "error", err)
			continue
		}

		c.messages.Add(1)
		if err := c.process(ctx, msg); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		commitCtx, commitCancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
		if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
			if !(errs.Is(err, context.Canceled) && ctx.Err() != nil) {
				log.Error("commit failed", "offset", msg.Offset, "error", err)
			}
		}
		commitCancel()
	}
}

// throttle pauses before the next fetch while the engine is under
// pressure. It returns false once ctx is done.
func (c *Consumer) throttle(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	t, ok := c.engine.(Throttler)
	if !ok {
		return true
	}
	d := t.ThrottleDelay()
	if d <= 0 {
		return true
	}
	c.throttled.Add(1)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// process applies one message. It returns an error only when consumption
// must stop.
func (c *Consumer) process(ctx context.Context, msg kafkago.Message) error {
	r, err := DecodeReading(msg.Value)
	if err != nil {
		c.malformed.Add(1)
		log.Warn("malformed message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return nil
	}

	ctx = logging.ContextWithSource(ctx, "kafka")
	for {
		ingestCtx, cancel := context.WithTimeout(ctx, c.cfg.IngestTimeout)
		_, err := c.engine.Ingest(ingestCtx, r)
		cancel()

		switch {
		case err == nil:
			c.accepted.Add(1)
			return nil
		case errs.IsValidation(err):
			c.rejected.Add(1)
			logging.WithContext(ctx).Debug("reading rejected", "offset", msg.Offset, "error", err)
			return nil
		case errs.Is(err, errs.ErrNotRunning):
			return err
		}

		// Overload, timeout or a journal failure: keep the offset and retry.
		c.retries.Add(1)
		logging.WithContext(ctx).Warn("ingest deferred", "offset", msg.Offset, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.RetryBackoff):
		}
	}
}

// DecodeReading parses a JSON reading such as
//
//	{"channel": "solar", "ts_ms": 1700000000000, "value": 42.5}
func DecodeReading(raw []byte) (types.Reading, error) {
	var r types.Reading
	if err := json.Unmarshal(raw, &r); err != nil {
		if errs.Is(err, errs.ErrInvalidRequest) {
			return types.Reading{}, err
		}
		return types.Reading{}, fmt.Errorf("decode reading: %v: %w", err, errs.ErrInvalidRequest)
	}
	return r, nil
}

// Stats returns consumer statistics.
func (c *Consumer) Stats() Stats {
	return Stats{
		Messages:  c.messages.Load(),
		Accepted:  c.accepted.Load(),
		Rejected:  c.rejected.Load(),
		Malformed: c.malformed.Load(),
		Retries:   c.retries.Load(),
		Throttled: c.throttled.Load(),
	}
}
