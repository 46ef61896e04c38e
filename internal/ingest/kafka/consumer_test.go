package kafka

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/storage"
	"github.com/xtxerr/gridpulse/internal/storage/config"
	"github.com/xtxerr/gridpulse/internal/storage/ingestion"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// fakeReader serves queued messages, then io.EOF.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafkago.Message
	committed []int64
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return kafkago.Message{}, io.EOF
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(ctx context.Context, msgs ...kafkago.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func messages(values ...string) []kafkago.Message {
	out := make([]kafkago.Message, len(values))
	for i, v := range values {
		out[i] = kafkago.Message{Offset: int64(i), Value: []byte(v)}
	}
	return out
}

func newEngine(t *testing.T) *storage.Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	eng, err := storage.New(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	t.Cleanup(func() { eng.Stop(context.Background()) })
	return eng
}

func TestConsumer_Run(t *testing.T) {
	eng := newEngine(t)
	reader := &fakeReader{msgs: messages(
		`{"channel":"solar","ts_ms":1000,"value":50}`,
		`{"channel":"wind","ts_ms":2000,"value":20}`,
		`not json`,
		`{"channel":"wind","ts_ms":1500,"value":21}`,
		`{"channel":"demand","ts_ms":3000,"value":90,"site":"north"}`,
	)}

	c := NewWithReader(Config{}, reader, eng)
	require.NoError(t, c.Run(context.Background()))

	// Every message is committed, including the malformed and rejected ones.
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, reader.committed)

	st := c.Stats()
	assert.Equal(t, int64(5), st.Messages)
	assert.Equal(t, int64(3), st.Accepted)
	assert.Equal(t, int64(1), st.Rejected)
	assert.Equal(t, int64(1), st.Malformed)

	snap := eng.GetSnapshot()
	gi, ok := snap.Latest(types.ChannelGridImport)
	require.True(t, ok)
	assert.Equal(t, 20.0, gi.Value)
	assert.Equal(t, int64(3000), snap.AsOfMs)
}

// flakyEngine reports overload a fixed number of times before accepting.
type flakyEngine struct {
	mu       sync.Mutex
	failures int
	got      []types.Reading
}

func (f *flakyEngine) Ingest(ctx context.Context, r types.Reading) (ingestion.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return ingestion.Result{}, errs.ErrOverloaded
	}
	f.got = append(f.got, r)
	return ingestion.Result{Generation: uint64(len(f.got))}, nil
}

func TestConsumer_RetriesOverload(t *testing.T) {
	eng := &flakyEngine{failures: 2}
	reader := &fakeReader{msgs: messages(`{"channel":"solar","ts_ms":1000,"value":5}`)}

	c := NewWithReader(Config{RetryBackoff: time.Millisecond}, reader, eng)
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []types.Reading{{Channel: "solar", TimestampMs: 1000, Value: 5}}, eng.got)
	assert.Equal(t, int64(2), c.Stats().Retries)
	assert.Equal(t, []int64{0}, reader.committed)
}

type stoppedEngine struct{}

func (stoppedEngine) Ingest(context.Context, types.Reading) (ingestion.Result, error) {
	return ingestion.Result{}, errs.ErrNotRunning
}

func TestConsumer_StopsWhenEngineStops(t *testing.T) {
	reader := &fakeReader{msgs: messages(`{"channel":"solar","ts_ms":1000,"value":5}`)}

	c := NewWithReader(Config{}, reader, stoppedEngine{})
	err := c.Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrNotRunning)

	// The offset stays uncommitted so the reading is redelivered.
	assert.Empty(t, reader.committed)
}

func TestConsumer_CancelDuringRetry(t *testing.T) {
	eng := &flakyEngine{failures: 1 << 30}
	reader := &fakeReader{msgs: messages(`{"channel":"solar","ts_ms":1000,"value":5}`)}
	c := NewWithReader(Config{RetryBackoff: 10 * time.Millisecond}, reader, eng)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}

// throttledEngine accepts everything but always asks for a pause.
type throttledEngine struct {
	flakyEngine
	delay time.Duration
}

func (e *throttledEngine) ThrottleDelay() time.Duration { return e.delay }

func TestConsumer_ThrottlesFetches(t *testing.T) {
	eng := &throttledEngine{delay: 20 * time.Millisecond}
	reader := &fakeReader{msgs: messages(
		`{"channel":"solar","ts_ms":1000,"value":5}`,
		`{"channel":"solar","ts_ms":2000,"value":6}`,
	)}
	c := NewWithReader(Config{}, reader, eng)

	start := time.Now()
	require.NoError(t, c.Run(context.Background()))

	// Two messages plus the fetch that sees EOF.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, int64(3), c.Stats().Throttled)
	assert.Len(t, eng.got, 2)
	assert.Equal(t, []int64{0, 1}, reader.committed)
}

func TestConsumer_CancelDuringThrottle(t *testing.T) {
	eng := &throttledEngine{delay: time.Hour}
	reader := &fakeReader{msgs: messages(`{"channel":"solar","ts_ms":1000,"value":5}`)}
	c := NewWithReader(Config{}, reader, eng)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Stats().Throttled == 1 },
		5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
	assert.Empty(t, reader.committed)
}

func TestNew_RequiresBrokers(t *testing.T) {
	_, err := New(Config{Topic: "x"}, &flakyEngine{})
	assert.True(t, errs.IsConfiguration(err))
}

func TestDecodeReading(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    types.Reading
		wantErr bool
	}{
		{"valid", `{"channel":"tariff","ts_ms":60000,"value":0.31}`, types.Reading{Channel: "tariff", TimestampMs: 60000, Value: 0.31}, false},
		{"trimmed channel", `{"channel":" solar ","ts_ms":1,"value":0}`, types.Reading{Channel: "solar", TimestampMs: 1, Value: 0}, false},
		{"missing channel", `{"ts_ms":1,"value":1}`, types.Reading{}, true},
		{"missing ts", `{"channel":"solar","value":1}`, types.Reading{}, true},
		{"fractional ts", `{"channel":"solar","ts_ms":1.5,"value":1}`, types.Reading{}, true},
		{"missing value", `{"channel":"solar","ts_ms":1}`, types.Reading{}, true},
		{"string value", `{"channel":"solar","ts_ms":1,"value":"x"}`, types.Reading{}, true},
		{"garbage", `{`, types.Reading{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeReading([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
