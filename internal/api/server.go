// Package api serves the REST and WebSocket API of gridpulse.
//
// Routes:
//
//	GET  /health                         liveness and current generation
//	GET  /api/v1/snapshot                latest snapshot
//	GET  /api/v1/channels/{channel}      latest sample and window of one channel
//	GET  /api/v1/history                 closed rollup buckets, archive included
//	GET  /api/v1/tiers                   configured rollup tiers
//	POST /api/v1/readings                ingest one reading or a batch
//	GET  /api/v1/stats                   engine statistics
//	GET  /api/v1/subscribe               snapshot stream over WebSocket
//	GET  /metrics                        Prometheus metrics, when configured
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/xtxerr/gridpulse/config"
	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/storage"
	"github.com/xtxerr/gridpulse/internal/storage/ingestion"
	"github.com/xtxerr/gridpulse/internal/storage/snapshot"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

var log = logging.Component("api")

// Engine is the part of the engine the API serves.
type Engine interface {
	Ingest(ctx context.Context, r types.Reading) (ingestion.Result, error)
	GetSnapshot() *types.Snapshot
	Subscribe(h snapshot.Handler) (*snapshot.Subscription, error)
	History(ctx context.Context, tier string, ch types.ChannelID, fromMs, toMs int64) ([]types.RollupBucket, error)
	Open(ch types.ChannelID) (types.RollupBucket, bool)
	Tiers() []types.Tier
	Stats() storage.Stats
}

// Config holds API server configuration.
type Config struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	IngestTimeout time.Duration
	MaxBatchSize  int
	MaxBodySize   int64

	WSWriteTimeout time.Duration
	WSPingInterval time.Duration
	WSPongWait     time.Duration

	// Metrics is mounted on /metrics when set.
	Metrics http.Handler

	// AccessLog receives one Apache-style line per request when set.
	AccessLog io.Writer
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = config.DefaultHTTPListen
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = config.DefaultHTTPReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = config.DefaultHTTPWriteTimeout
	}
	if c.IngestTimeout <= 0 {
		c.IngestTimeout = config.DefaultIngestTimeout
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = config.DefaultMaxBatchSize
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = config.DefaultMaxBodySize
	}
	if c.WSWriteTimeout <= 0 {
		c.WSWriteTimeout = config.DefaultWSWriteTimeout
	}
	if c.WSPingInterval <= 0 {
		c.WSPingInterval = config.DefaultWSPingInterval
	}
	if c.WSPongWait <= c.WSPingInterval {
		c.WSPongWait = 2 * c.WSPingInterval
	}
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	engine Engine
	hub    *Hub
	router *mux.Router

	http     *http.Server
	listener net.Listener
}

// New creates a server. Call Listen and Serve, or use Handler directly.
func New(cfg Config, engine Engine) *Server {
	cfg.applyDefaults()

	s := &Server{
		cfg:    cfg,
		engine: engine,
		hub:    NewHub(),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: cfg.ReadTimeout,
		// Write deadlines are set per request by writeDeadline.
		IdleTimeout: 2 * cfg.ReadTimeout,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.writeDeadline)
	v1.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	v1.HandleFunc("/channels/{channel}", s.handleChannel).Methods(http.MethodGet)
	v1.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/tiers", s.handleTiers).Methods(http.MethodGet)
	v1.HandleFunc("/readings", s.handleIngest).Methods(http.MethodPost)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/subscribe", s.handleSubscribe).Methods(http.MethodGet)

	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, fmt.Errorf("%s %s: %w", r.Method, r.URL.Path, errs.ErrNotFound))
	})
	return r
}

// writeDeadline bounds response writing on every route but WebSocket
// upgrades.
func (s *Server) writeDeadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			rc := http.NewResponseController(w)
			_ = rc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root handler with panic recovery and, if
// configured, access logging.
func (s *Server) Handler() http.Handler {
	h := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(s.router)
	if s.cfg.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(s.cfg.AccessLog, h)
	}
	return h
}

// Hub returns the WebSocket client hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Listen binds the listen address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	log.Info("listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve handles requests until Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("serve before listen: %w", errs.ErrNotRunning)
	}
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, closes WebSocket clients and waits
// for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down")
	s.hub.CloseAll()
	return s.http.Shutdown(ctx)
}
