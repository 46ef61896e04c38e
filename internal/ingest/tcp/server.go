// Package tcp accepts readings over TCP as length-delimited protobuf
// messages (see package wire).
//
// Each connection is served by one goroutine that handles requests in
// order, so readings from one connection keep their order. Every request
// is answered before the next one is read.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/gridpulse/config"
	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/storage/ingestion"
	"github.com/xtxerr/gridpulse/internal/storage/types"
	"github.com/xtxerr/gridpulse/internal/wire"
)

var log = logging.Component("tcp")

// Engine is the part of the engine the listener needs.
type Engine interface {
	Ingest(ctx context.Context, r types.Reading) (ingestion.Result, error)
	GetSnapshot() *types.Snapshot
}

// Throttler is implemented by engines that ask transports to slow down
// under load.
type Throttler interface {
	ThrottleDelay() time.Duration
}

// Config holds listener configuration.
type Config struct {
	// Listen is the address to listen on (e.g., "0.0.0.0:9161").
	Listen string

	// TLS configuration (optional).
	TLSCertFile string
	TLSKeyFile  string

	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration

	// MaxMessageSize limits one request.
	MaxMessageSize int64

	// IngestTimeout bounds one reading.
	IngestTimeout time.Duration
}

// Server is the TCP ingestion listener.
type Server struct {
	cfg      Config
	engine   Engine
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	connections atomic.Int64
	requests    atomic.Int64
	failures    atomic.Int64
	throttled   atomic.Int64
}

// Stats holds listener statistics.
type Stats struct {
	Connections int64
	Active      int
	Requests    int64
	Failures    int64
	Throttled   int64
}

// New creates a listener. Call Listen and Serve, or Run.
func New(cfg Config, engine Engine) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultTCPIdleTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}
	if cfg.IngestTimeout <= 0 {
		cfg.IngestTimeout = config.DefaultIngestTimeout
	}

	return &Server{
		cfg:      cfg,
		engine:   engine,
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Listen binds the listen address.
func (s *Server) Listen() error {
	var ln net.Listener
	var err error

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS cert: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", s.cfg.Listen, tlsCfg)
		if err != nil {
			return fmt.Errorf("TLS listen: %w", err)
		}
		log.Info("listening with TLS", "address", ln.Addr().String())
	} else {
		ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Info("listening without TLS", "address", ln.Addr().String())
	}

	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens and serves until Shutdown.
func (s *Server) Run() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections until Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("serve before listen: %w", errs.ErrNotRunning)
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Warn("accept error", "error", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Shutdown stops accepting, closes open connections and waits for their
// handlers.
func (s *Server) Shutdown() {
	s.once.Do(func() {
		log.Info("shutting down")

		s.mu.Lock()
		close(s.shutdown)
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()

		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()

		log.Info("shutdown complete")
	})
}

// =============================================================================
// Connection Handling
// =============================================================================

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	ctx := logging.ContextWithSource(logging.ContextWithRemote(context.Background(), remote), "tcp")
	clog := logging.WithContext(ctx)

	s.connections.Add(1)
	clog.Debug("connection opened")

	w := wire.NewConn(conn)
	w.SetMaxSize(s.cfg.MaxMessageSize)

	for {
		if !s.throttle() {
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		msg, err := w.Read()
		if err != nil {
			clog.Debug("connection closed", "error", err)
			return
		}

		req, err := wire.DecodeRequest(msg)
		var resp wire.Response
		if err != nil {
			resp = wire.NewErrorFromErr(req.ID, err)
		} else {
			resp = s.handleRequest(ctx, req)
		}
		s.requests.Add(1)
		if !resp.OK {
			s.failures.Add(1)
		}

		if err := w.WriteResponse(resp); err != nil {
			clog.Debug("write failed, closing connection", "error", err)
			return
		}
	}
}

// throttle pauses before the next read while the engine is under
// pressure. It returns false when the server shuts down meanwhile.
func (s *Server) throttle() bool {
	t, ok := s.engine.(Throttler)
	if !ok {
		return true
	}
	d := t.ThrottleDelay()
	if d <= 0 {
		return true
	}
	s.throttled.Add(1)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.shutdown:
		return false
	}
}

func (s *Server) handleRequest(ctx context.Context, req wire.Request) wire.Response {
	switch req.Op {
	case wire.OpPing:
		return wire.NewAck(req.ID, s.engine.GetSnapshot().Generation)

	case wire.OpSnapshot:
		snap := s.engine.GetSnapshot()
		resp := wire.NewAck(req.ID, snap.Generation)
		resp.AsOfMs = snap.AsOfMs
		resp.Latest = make(map[string]float64)
		for ch := range snap.Channels {
			if latest, ok := snap.Latest(ch); ok {
				resp.Latest[string(ch)] = latest.Value
			}
		}
		return resp

	default:
		ctx, cancel := context.WithTimeout(ctx, s.cfg.IngestTimeout)
		defer cancel()

		res, err := s.engine.Ingest(ctx, req.Reading)
		if err != nil {
			if !errs.IsValidation(err) {
				logging.WithContext(ctx).Warn("ingest failed", "channel", req.Reading.Channel, "error", err)
			}
			return wire.NewErrorFromErr(req.ID, err)
		}
		return wire.NewAck(req.ID, res.Generation)
	}
}

// Stats returns listener statistics.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	active := len(s.conns)
	s.mu.Unlock()

	return Stats{
		Connections: s.connections.Load(),
		Active:      active,
		Requests:    s.requests.Load(),
		Failures:    s.failures.Load(),
		Throttled:   s.throttled.Load(),
	}
}
