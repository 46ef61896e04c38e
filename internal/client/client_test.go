package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/storage/types"
	gtest "github.com/xtxerr/gridpulse/internal/testing"
)

func connect(t *testing.T, d *gtest.Daemon) *Client {
	t.Helper()
	c := New(&Config{Addr: d.TCPAddr(), RequestTimeout: 5 * time.Second})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_States(t *testing.T) {
	d := gtest.StartDaemon(t, nil)
	c := New(&Config{Addr: d.TCPAddr()})

	assert.Equal(t, "disconnected", c.State())
	_, err := c.Ingest(context.Background(), types.Reading{Channel: "solar", TimestampMs: 1, Value: 1})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)

	require.NoError(t, c.Close())
	assert.Equal(t, "closed", c.State())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
	assert.NoError(t, c.Close())
}

func TestClient_IngestAndSnapshot(t *testing.T) {
	d := gtest.StartDaemon(t, nil)
	c := connect(t, d)
	ctx := context.Background()

	gen, err := c.Ingest(ctx, types.Reading{Channel: "solar", TimestampMs: 1000, Value: 50})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	_, err = c.Ingest(ctx, types.Reading{Channel: "solar", TimestampMs: 1000, Value: 50})
	assert.ErrorIs(t, err, errs.ErrOutOfOrder)

	_, err = c.Ingest(ctx, types.Reading{Channel: "battery_soc", TimestampMs: 2000, Value: 50})
	assert.True(t, errs.IsValidation(err))

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Generation)
	assert.Equal(t, int64(1000), snap.AsOfMs)
	assert.Equal(t, 50.0, snap.Latest["solar"])
	assert.Equal(t, 50.0, snap.Latest["grid_export"])

	rtt, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestClient_ConcurrentRequests(t *testing.T) {
	d := gtest.StartDaemon(t, nil)
	c := connect(t, d)

	gt := gtest.NewGoroutineTest(t, 10*time.Second)
	for i := 0; i < 8; i++ {
		gt.Go(func(ctx context.Context) error {
			for j := 0; j < 25; j++ {
				if _, err := c.Snapshot(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	gt.Wait()
}

// Readings from many connections are totally ordered by the engine: every
// accepted reading gets its own generation.
func TestClient_ConcurrentIngest(t *testing.T) {
	d := gtest.StartDaemon(t, nil)

	const writers, perWriter = 4, 20
	channels := []string{"solar", "wind", "demand", "tariff"}

	gt := gtest.NewGoroutineTest(t, 10*time.Second)
	for w := 0; w < writers; w++ {
		c := connect(t, d)
		ch := channels[w]
		gt.Go(func(ctx context.Context) error {
			for i := 1; i <= perWriter; i++ {
				if _, err := c.Ingest(ctx, types.Reading{Channel: ch, TimestampMs: int64(i) * 1000, Value: 5}); err != nil {
					return fmt.Errorf("%s #%d: %w", ch, i, err)
				}
			}
			return nil
		})
	}
	gt.Wait()

	snap := d.Engine.GetSnapshot()
	assert.Equal(t, uint64(writers*perWriter), snap.Generation)
	for _, ch := range channels {
		s, ok := snap.Latest(types.ChannelID(ch))
		require.True(t, ok, ch)
		assert.Equal(t, int64(perWriter*1000), s.TimestampMs, ch)
	}
}

func TestClient_Disconnect(t *testing.T) {
	d := gtest.StartDaemon(t, nil)
	c := connect(t, d)

	disconnected := make(chan error, 1)
	c.OnDisconnect(func(err error) { disconnected <- err })

	d.TCP.Shutdown()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect callback not called")
	}
	assert.Equal(t, "disconnected", c.State())

	_, err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHTTPClient(t *testing.T) {
	d := gtest.StartDaemon(t, nil)
	hc := NewHTTP(d.URL(), 5*time.Second)
	ctx := context.Background()

	res, err := hc.Ingest(ctx, types.Reading{Channel: "solar", TimestampMs: 1000, Value: 50})
	require.NoError(t, err)
	assert.True(t, res.OK)

	_, err = hc.Ingest(ctx, types.Reading{Channel: "solar", TimestampMs: 500, Value: 50})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 409, apiErr.Status)
	assert.ErrorIs(t, err, errs.ErrOutOfOrder)

	batch, err := hc.IngestBatch(ctx, []types.Reading{
		{Channel: "wind", TimestampMs: 2000, Value: 20},
		{Channel: "demand", TimestampMs: 3000, Value: 90},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Accepted)

	snap, err := hc.Snapshot(ctx, types.ChannelGridImport, types.ChannelBatterySOC)
	require.NoError(t, err)
	assert.Len(t, snap.Channels, 2)
	gi, ok := snap.Latest(types.ChannelGridImport)
	require.True(t, ok)
	assert.Equal(t, 20.0, gi.Value)

	ch, err := hc.Channel(ctx, types.ChannelWind)
	require.NoError(t, err)
	require.NotNil(t, ch.Latest)
	assert.Equal(t, 20.0, ch.Latest.Value)

	hist, err := hc.History(ctx, "", types.ChannelSolar, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, hist.Buckets)

	_, err = hc.History(ctx, "weekly", types.ChannelSolar, 0, 0)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	tiers, err := hc.Tiers(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, tiers)

	stats, err := hc.Stats(ctx)
	require.NoError(t, err)
	assert.Contains(t, stats, "engine")
}

func TestHTTPClient_Watch(t *testing.T) {
	d := gtest.StartDaemon(t, nil)
	hc := NewHTTP(d.URL(), 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan uint64, 8)
	done := make(chan error, 1)
	go func() {
		done <- hc.Watch(ctx, func(s *types.Snapshot) error {
			got <- s.Generation
			if s.Generation == 2 {
				return errStop
			}
			return nil
		})
	}()

	// Wait for the initial snapshot before ingesting.
	select {
	case g := <-got:
		assert.Equal(t, uint64(0), g)
	case <-ctx.Done():
		t.Fatal("no initial snapshot")
	}

	for i, ch := range []string{"solar", "wind"} {
		_, err := d.Engine.Ingest(ctx, types.Reading{Channel: ch, TimestampMs: int64(i+1) * 1000, Value: 10})
		require.NoError(t, err)
	}

	assert.ErrorIs(t, <-done, errStop)
	assert.Equal(t, uint64(1), <-got)
	assert.Equal(t, uint64(2), <-got)
}

var errStop = errors.New("stop")
