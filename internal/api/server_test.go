package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/gridpulse/internal/storage"
	"github.com/xtxerr/gridpulse/internal/storage/config"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *storage.Engine, *httptest.Server) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	eng, err := storage.New(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	t.Cleanup(func() { eng.Stop(context.Background()) })

	srv := New(Config{MaxBatchSize: 10, WSPingInterval: time.Second}, eng)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().CloseAll()
		ts.Close()
	})
	return srv, eng, ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestIngest_Single(t *testing.T) {
	_, eng, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/v1/readings", `{"channel":"solar","ts_ms":1000,"value":50}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[IngestResult](t, resp)
	assert.True(t, res.OK)
	assert.Equal(t, uint64(1), res.Generation)
	assert.NotEmpty(t, res.Derived)

	assert.Equal(t, uint64(1), eng.GetSnapshot().Generation)
}

func TestIngest_SingleErrors(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	postJSON(t, ts.URL+"/api/v1/readings", `{"channel":"solar","ts_ms":1000,"value":50}`)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"out of order", `{"channel":"solar","ts_ms":1000,"value":51}`, http.StatusConflict, "OutOfOrder"},
		{"derived channel", `{"channel":"grid_import","ts_ms":2000,"value":1}`, http.StatusUnprocessableEntity, "Validation"},
		{"unknown channel", `{"channel":"voltage","ts_ms":2000,"value":1}`, http.StatusUnprocessableEntity, "Validation"},
		{"out of range", `{"channel":"wind","ts_ms":2000,"value":-1}`, http.StatusUnprocessableEntity, "Validation"},
		{"missing value", `{"channel":"wind","ts_ms":2000}`, http.StatusUnprocessableEntity, "InvalidRequest"},
		{"empty body", ``, http.StatusUnprocessableEntity, "InvalidRequest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/api/v1/readings", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)

			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestIngest_Batch(t *testing.T) {
	_, eng, ts := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/v1/readings", `[
		{"channel":"solar","ts_ms":1000,"value":50},
		{"channel":"wind","ts_ms":2000,"value":20},
		{"channel":"wind","ts_ms":1500,"value":20},
		{"channel":"demand","ts_ms":3000,"value":90}
	]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	batch := decode[BatchResponse](t, resp)
	assert.Equal(t, 3, batch.Accepted)
	assert.Equal(t, 1, batch.Rejected)
	require.Len(t, batch.Results, 4)
	assert.False(t, batch.Results[2].OK)
	assert.Equal(t, "OutOfOrder", batch.Results[2].Code)
	assert.Equal(t, uint64(3), batch.Results[3].Generation)

	gi, ok := eng.GetSnapshot().Latest(types.ChannelGridImport)
	require.True(t, ok)
	assert.Equal(t, 20.0, gi.Value)
}

func TestIngest_BatchTooLarge(t *testing.T) {
	_, eng, ts := newTestServer(t, nil)

	var b bytes.Buffer
	b.WriteString("[")
	for i := 0; i < 11; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"channel":"demand","ts_ms":%d,"value":1}`, i+1)
	}
	b.WriteString("]")

	resp := postJSON(t, ts.URL+"/api/v1/readings", b.String())
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, uint64(0), eng.GetSnapshot().Generation)
}

func TestSnapshotAndChannel(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	postJSON(t, ts.URL+"/api/v1/readings", `[
		{"channel":"solar","ts_ms":1000,"value":50},
		{"channel":"wind","ts_ms":2000,"value":20},
		{"channel":"demand","ts_ms":3000,"value":90}
	]`)

	var snap types.Snapshot
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/snapshot", &snap))
	assert.Equal(t, uint64(3), snap.Generation)
	assert.Equal(t, int64(3000), snap.AsOfMs)
	assert.Len(t, snap.Channels, len(types.AllChannels()))
	soc, ok := snap.Latest(types.ChannelBatterySOC)
	require.True(t, ok)
	assert.InDelta(t, 56.0, soc.Value, 1e-9)

	var filtered types.Snapshot
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/snapshot?channels=solar,grid_import", &filtered))
	assert.Len(t, filtered.Channels, 2)

	assert.Equal(t, http.StatusUnprocessableEntity, getJSON(t, ts.URL+"/api/v1/snapshot?channels=voltage", nil))

	var ch ChannelResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/channels/solar", &ch))
	require.NotNil(t, ch.Latest)
	assert.Equal(t, 50.0, ch.Latest.Value)
	assert.Len(t, ch.Window, 1)
	require.NotNil(t, ch.Open)
	assert.Equal(t, int64(1), ch.Open.Count)

	var empty ChannelResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/channels/tariff", &empty))
	assert.Nil(t, empty.Latest)
	assert.Empty(t, empty.Window)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/channels/voltage", nil))
}

func TestHistory(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	// Three one-minute buckets of solar; the third stays open.
	postJSON(t, ts.URL+"/api/v1/readings", `[
		{"channel":"solar","ts_ms":0,"value":10},
		{"channel":"solar","ts_ms":30000,"value":20},
		{"channel":"solar","ts_ms":60000,"value":30},
		{"channel":"solar","ts_ms":120000,"value":40}
	]`)

	var h HistoryResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/history?channel=solar", &h))
	assert.Equal(t, types.BaseTier, h.Tier)
	require.Len(t, h.Buckets, 2)
	assert.Equal(t, int64(2), h.Buckets[0].Count)
	assert.Equal(t, 15.0, h.Buckets[0].Avg)
	assert.Equal(t, int64(60000), h.Buckets[1].BucketStart)

	var ranged HistoryResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/history?channel=solar&from=60000&to=120000", &ranged))
	require.Len(t, ranged.Buckets, 1)
	assert.Equal(t, int64(60000), ranged.Buckets[0].BucketStart)

	var rfc HistoryResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/history?channel=solar&from=1970-01-01T00:01:00Z", &rfc))
	assert.Len(t, rfc.Buckets, 1)

	// Derived channels are rolled up like raw ones.
	var derived HistoryResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/history?channel=grid_export", &derived))
	assert.Len(t, derived.Buckets, 2)

	assert.Equal(t, http.StatusUnprocessableEntity, getJSON(t, ts.URL+"/api/v1/history?channel=voltage", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, getJSON(t, ts.URL+"/api/v1/history?channel=solar&from=yesterday", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, getJSON(t, ts.URL+"/api/v1/history?channel=solar&from=100&to=50", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/history?channel=solar&tier=weekly", nil))
}

func TestTiersStatsHealth(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	var tiers []types.Tier
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/tiers", &tiers))
	require.NotEmpty(t, tiers)
	assert.Equal(t, types.BaseTier, tiers[0].Name)

	var stats map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/stats", &stats))
	assert.Contains(t, stats, "engine")
	assert.Contains(t, stats, "websocket_clients")

	var health map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &health))
	assert.Equal(t, "ok", health["status"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/nope", nil))
}

func TestMetricsMounted(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	eng, err := storage.New(cfg)
	require.NoError(t, err)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("gridpulse_up 1\n"))
	})
	srv := New(Config{Metrics: metrics}, eng)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAccessLog(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	eng, err := storage.New(cfg)
	require.NoError(t, err)

	var buf bytes.Buffer
	srv := New(Config{AccessLog: &buf}, eng)
	ts := httptest.NewServer(srv.Handler())

	resp, err := http.Get(ts.URL + "/api/v1/tiers")
	require.NoError(t, err)
	resp.Body.Close()

	// Close waits for the handler, and with it the log line.
	ts.Close()
	assert.Contains(t, buf.String(), `"GET /api/v1/tiers HTTP/1.1" 200`)
}

func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/subscribe" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func TestSubscribe_StreamsSnapshots(t *testing.T) {
	srv, _, ts := newTestServer(t, nil)

	conn := dialWS(t, ts, "")
	initial := readEnvelope(t, conn)
	assert.Equal(t, TypeSnapshot, initial.Type)
	require.NotNil(t, initial.Snapshot)
	assert.Equal(t, uint64(0), initial.Snapshot.Generation)

	assert.Eventually(t, func() bool { return srv.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	postJSON(t, ts.URL+"/api/v1/readings", `[
		{"channel":"solar","ts_ms":1000,"value":50},
		{"channel":"demand","ts_ms":2000,"value":30}
	]`)

	var gens []uint64
	for len(gens) < 2 {
		env := readEnvelope(t, conn)
		require.Equal(t, TypeSnapshot, env.Type)
		gens = append(gens, env.Snapshot.Generation)
	}
	assert.Equal(t, []uint64{1, 2}, gens)
}

func TestSubscribe_ChannelFilter(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	conn := dialWS(t, ts, "?channels=battery_soc")
	initial := readEnvelope(t, conn)
	assert.Len(t, initial.Snapshot.Channels, 1)

	postJSON(t, ts.URL+"/api/v1/readings", `{"channel":"demand","ts_ms":1000,"value":30}`)

	env := readEnvelope(t, conn)
	require.Len(t, env.Snapshot.Channels, 1)
	soc, ok := env.Snapshot.Latest(types.ChannelBatterySOC)
	require.True(t, ok)
	assert.InDelta(t, 57.0, soc.Value, 1e-9)
}

func TestSubscribe_CloseAll(t *testing.T) {
	srv, _, ts := newTestServer(t, nil)

	conn := dialWS(t, ts, "")
	readEnvelope(t, conn)
	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.Hub().CloseAll()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Eventually(t, func() bool { return srv.Hub().ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribe_SubscriptionRemoved(t *testing.T) {
	srv, eng, ts := newTestServer(t, nil)

	conn := dialWS(t, ts, "")
	readEnvelope(t, conn)
	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Stopping the engine drops every subscription while the HTTP side
	// stays up.
	require.NoError(t, eng.Stop(context.Background()))

	env := readEnvelope(t, conn)
	assert.Equal(t, TypeError, env.Type)
	assert.Contains(t, env.Error, "subscriber closed")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	assert.Eventually(t, func() bool { return srv.Hub().ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
