package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xtxerr/gridpulse/internal/api"
	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// HTTPClient talks to the REST and WebSocket API.
type HTTPClient struct {
	base string
	http *http.Client
}

// NewHTTP creates a client for the API at base, e.g. "http://localhost:8080".
func NewHTTP(base string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// APIError is a failed API call.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the status to the matching sentinel in package errors.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusConflict:
		return errs.ErrOutOfOrder
	case http.StatusUnprocessableEntity:
		if e.Code == errs.CodeName(errs.CodeInvalidRequest) {
			return errs.ErrInvalidRequest
		}
		return errs.ErrValidation
	case http.StatusNotFound:
		return errs.ErrNotFound
	case http.StatusTooManyRequests:
		return errs.ErrOverloaded
	case http.StatusServiceUnavailable:
		return errs.ErrNotRunning
	case http.StatusGatewayTimeout:
		return errs.ErrTimeout
	default:
		return errs.ErrInternal
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Ingest submits one reading.
func (c *HTTPClient) Ingest(ctx context.Context, r types.Reading) (api.IngestResult, error) {
	var res api.IngestResult
	err := c.do(ctx, http.MethodPost, "/api/v1/readings", r, &res)
	return res, err
}

// IngestBatch submits readings in order. Per-reading outcomes are in the
// response; err is set only when the batch as a whole failed.
func (c *HTTPClient) IngestBatch(ctx context.Context, rs []types.Reading) (api.BatchResponse, error) {
	var res api.BatchResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/readings", rs, &res)
	return res, err
}

// Snapshot returns the latest snapshot, restricted to channels if any.
func (c *HTTPClient) Snapshot(ctx context.Context, channels ...types.ChannelID) (*types.Snapshot, error) {
	path := "/api/v1/snapshot"
	if len(channels) > 0 {
		path += "?channels=" + url.QueryEscape(joinChannels(channels))
	}
	var snap types.Snapshot
	if err := c.do(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Channel returns the view of one channel.
func (c *HTTPClient) Channel(ctx context.Context, ch types.ChannelID) (api.ChannelResponse, error) {
	var res api.ChannelResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/channels/"+url.PathEscape(string(ch)), nil, &res)
	return res, err
}

// History returns closed buckets of ch in tier overlapping [fromMs, toMs).
// A zero toMs is unbounded; an empty tier is the base tier.
func (c *HTTPClient) History(ctx context.Context, tier string, ch types.ChannelID, fromMs, toMs int64) (api.HistoryResponse, error) {
	q := url.Values{}
	q.Set("channel", string(ch))
	if tier != "" {
		q.Set("tier", tier)
	}
	if fromMs != 0 {
		q.Set("from", strconv.FormatInt(fromMs, 10))
	}
	if toMs != 0 {
		q.Set("to", strconv.FormatInt(toMs, 10))
	}

	var res api.HistoryResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/history?"+q.Encode(), nil, &res)
	return res, err
}

// Tiers returns the configured rollup tiers.
func (c *HTTPClient) Tiers(ctx context.Context) ([]types.Tier, error) {
	var tiers []types.Tier
	err := c.do(ctx, http.MethodGet, "/api/v1/tiers", nil, &tiers)
	return tiers, err
}

// Stats returns the raw statistics document.
func (c *HTTPClient) Stats(ctx context.Context) (map[string]any, error) {
	var stats map[string]any
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &stats)
	return stats, err
}

// Watch streams snapshots to fn until ctx is cancelled, the server closes
// the stream or fn returns an error. The first snapshot is the current one.
func (c *HTTPClient) Watch(ctx context.Context, fn func(*types.Snapshot) error, channels ...types.ChannelID) error {
	u, err := url.Parse(c.base + "/api/v1/subscribe")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if len(channels) > 0 {
		u.RawQuery = "channels=" + url.QueryEscape(joinChannels(channels))
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var env api.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		switch env.Type {
		case api.TypeSnapshot:
			if err := fn(env.Snapshot); err != nil {
				return err
			}
		case api.TypeError:
			return fmt.Errorf("server: %s", env.Error)
		}
	}
}

func joinChannels(channels []types.ChannelID) string {
	parts := make([]string, len(channels))
	for i, ch := range channels {
		parts[i] = string(ch)
	}
	return strings.Join(parts, ",")
}
