// Package client provides clients for a running gridpulse daemon: Client
// speaks the TCP ingestion protocol, HTTPClient the REST and WebSocket API.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/gridpulse/config"
	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/storage/types"
	"github.com/xtxerr/gridpulse/internal/wire"
)

var log = logging.Component("client")

// =============================================================================
// State Machine
// =============================================================================

// ClientState represents the connection state of a client.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the human-readable name of the state.
func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

type stateTransition struct {
	from ClientState
	to   ClientState
}

var validTransitions = map[stateTransition]bool{
	{StateDisconnected, StateConnecting}: true,
	{StateDisconnected, StateClosed}:     true,

	{StateConnecting, StateConnected}:    true,
	{StateConnecting, StateDisconnected}: true,

	{StateConnected, StateDisconnected}: true,
	{StateConnected, StateClosing}:      true,

	{StateClosing, StateClosed}: true,
}

// =============================================================================
// Errors
// =============================================================================

var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
)

// =============================================================================
// Client
// =============================================================================

// Client sends readings to the TCP ingestion listener. Requests may be
// issued concurrently; responses are matched by request id.
type Client struct {
	addr           string
	tlsConfig      *tls.Config
	connectTimeout time.Duration
	requestTimeout time.Duration

	// Connection - protected by mu
	mu   sync.Mutex
	conn net.Conn
	wire *wire.Conn

	state atomic.Int32

	pendingMu sync.Mutex
	pending   map[uint64]chan wire.Response
	requestID atomic.Uint64

	onDisconnect func(error)

	// closed when the current connection ends
	done chan struct{}
}

// Config holds client configuration.
type Config struct {
	Addr           string
	TLS            bool
	TLSSkipVerify  bool
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "localhost:9161",
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: config.DefaultIngestTimeout,
	}
}

// New creates a new client.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c := &Client{
		addr:           cfg.Addr,
		connectTimeout: cfg.ConnectTimeout,
		requestTimeout: cfg.RequestTimeout,
		pending:        make(map[uint64]chan wire.Response),
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = 10 * time.Second
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = config.DefaultIngestTimeout
	}

	if cfg.TLS {
		c.tlsConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		}
	}

	return c
}

func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// transitionFrom moves from one state to another if both the transition
// is valid and the client is still in from.
func (c *Client) transitionFrom(from, to ClientState) bool {
	if !validTransitions[stateTransition{from: from, to: to}] {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// =============================================================================
// Connection Management
// =============================================================================

// Connect dials the server.
func (c *Client) Connect(ctx context.Context) error {
	switch c.getState() {
	case StateClosed, StateClosing:
		return ErrClientClosed
	case StateConnected:
		return ErrAlreadyConnected
	case StateConnecting:
		return fmt.Errorf("connection already in progress")
	}

	if !c.transitionFrom(StateDisconnected, StateConnecting) {
		return fmt.Errorf("cannot connect: current state is %s", c.getState())
	}

	success := false
	defer func() {
		if !success {
			c.transitionFrom(StateConnecting, StateDisconnected)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	var conn net.Conn
	var err error
	if c.tlsConfig != nil {
		d := &tls.Dialer{Config: c.tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", c.addr)
	} else {
		d := &net.Dialer{}
		conn, err = d.DialContext(ctx, "tcp", c.addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.wire = wire.NewConn(conn)
	c.done = make(chan struct{})
	w, done := c.wire, c.done
	c.mu.Unlock()

	if !c.transitionFrom(StateConnecting, StateConnected) {
		conn.Close()
		return fmt.Errorf("cannot connect: current state is %s", c.getState())
	}
	go c.readLoop(w, done)
	log.Debug("connected", "addr", c.addr, "tls", c.tlsConfig != nil)

	success = true
	return nil
}

// Close closes the connection. The client cannot be reused.
func (c *Client) Close() error {
	for {
		switch s := c.getState(); s {
		case StateClosed, StateClosing:
			return nil
		case StateDisconnected:
			if c.transitionFrom(StateDisconnected, StateClosed) {
				return nil
			}
		case StateConnected:
			if !c.transitionFrom(StateConnected, StateClosing) {
				continue
			}
			err := c.closeConn()
			c.transitionFrom(StateClosing, StateClosed)
			return err
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func (c *Client) closeConn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.wire = nil
	return err
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.getState() == StateConnected
}

// State returns the current state as a string.
func (c *Client) State() string {
	return c.getState().String()
}

// OnDisconnect sets the handler called when the server drops the
// connection.
func (c *Client) OnDisconnect(fn func(error)) {
	c.pendingMu.Lock()
	c.onDisconnect = fn
	c.pendingMu.Unlock()
}

// =============================================================================
// Read Loop
// =============================================================================

func (c *Client) readLoop(w *wire.Conn, done chan struct{}) {
	var readErr error
	defer func() {
		close(done)

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		fn := c.onDisconnect
		c.pendingMu.Unlock()

		if c.transitionFrom(StateConnected, StateDisconnected) {
			log.Debug("connection lost", "addr", c.addr, "error", readErr)
			c.closeConn()
			if fn != nil {
				fn(readErr)
			}
		}
	}()

	for {
		resp, err := w.ReadResponse()
		if err != nil {
			readErr = err
			return
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- resp:
			default:
			}
		}
	}
}

// =============================================================================
// Requests
// =============================================================================

func (c *Client) request(ctx context.Context, req wire.Request) (wire.Response, error) {
	if c.getState() != StateConnected {
		return wire.Response{}, ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	req.ID = c.requestID.Add(1)
	ch := make(chan wire.Response, 1)

	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.mu.Lock()
	w, done := c.wire, c.done
	c.mu.Unlock()
	if w == nil {
		return wire.Response{}, ErrNotConnected
	}
	if err := w.WriteRequest(req); err != nil {
		return wire.Response{}, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return wire.Response{}, ErrNotConnected
		}
		return resp, nil
	case <-ctx.Done():
		return wire.Response{}, fmt.Errorf("%w: %v", errs.ErrTimeout, ctx.Err())
	case <-done:
		return wire.Response{}, ErrNotConnected
	}
}

// Ingest submits one reading and returns the snapshot generation it
// produced. Rejections unwrap to the matching sentinel in package errors.
func (c *Client) Ingest(ctx context.Context, r types.Reading) (uint64, error) {
	resp, err := c.request(ctx, wire.Request{Op: wire.OpIngest, Reading: r})
	if err != nil {
		return 0, err
	}
	if err := resp.Err(); err != nil {
		return 0, err
	}
	return resp.Generation, nil
}

// LatestValues is the compact snapshot served over TCP.
type LatestValues struct {
	Generation uint64
	AsOfMs     int64
	Latest     map[string]float64
}

// Snapshot returns the latest value of every channel with data.
func (c *Client) Snapshot(ctx context.Context) (LatestValues, error) {
	resp, err := c.request(ctx, wire.Request{Op: wire.OpSnapshot})
	if err != nil {
		return LatestValues{}, err
	}
	if err := resp.Err(); err != nil {
		return LatestValues{}, err
	}
	return LatestValues{Generation: resp.Generation, AsOfMs: resp.AsOfMs, Latest: resp.Latest}, nil
}

// Ping measures a round trip.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	resp, err := c.request(ctx, wire.Request{Op: wire.OpPing})
	if err != nil {
		return 0, err
	}
	return time.Since(start), resp.Err()
}
