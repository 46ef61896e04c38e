package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/storage/types"
)

// Message types sent to WebSocket clients.
const (
	TypeSnapshot = "snapshot"
	TypeError    = "error"
)

// Envelope wraps every WebSocket message.
type Envelope struct {
	Type     string          `json:"type"`
	Snapshot *types.Snapshot `json:"snapshot,omitempty"`
	Error    string          `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one WebSocket connection. Only writePump writes to conn.
type client struct {
	conn     *websocket.Conn
	channels []types.ChannelID
	send     chan *types.Snapshot
	done     chan struct{}
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub tracks connected WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.close()
	}
}

// handleSubscribe upgrades to WebSocket and streams one snapshot per
// accepted ingestion event, starting with the current one. The optional
// channels query parameter restricts the streamed channels.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	channels, err := parseChannels(r.URL.Query().Get("channels"))
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:     conn,
		channels: channels,
		send:     make(chan *types.Snapshot, 1),
		done:     make(chan struct{}),
	}

	sub, err := s.engine.Subscribe(func(ctx context.Context, snap *types.Snapshot) error {
		select {
		case c.send <- snap:
			return nil
		case <-c.done:
			return errs.ErrSubscriberClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		data, _ := json.Marshal(Envelope{Type: TypeError, Error: err.Error()})
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
		conn.WriteMessage(websocket.TextMessage, data)
		conn.Close()
		return
	}

	ctx := logging.ContextWithSubscriberID(logging.ContextWithRemote(context.Background(), r.RemoteAddr), sub.ID())
	clog := logging.WithContext(ctx)
	clog.Debug("websocket client connected", "component", "api")

	s.hub.register(c)
	go s.readPump(c)

	s.writePump(c, sub.Done(), s.engine.GetSnapshot())

	sub.Unsubscribe()
	s.hub.unregister(c)
	clog.Debug("websocket client disconnected", "component", "api")
}

// writePump sends initial, then every queued snapshot, and pings. It
// returns when the client goes away, the hub closes it or the
// subscription is removed behind its back.
func (s *Server) writePump(c *client, removed <-chan struct{}, initial *types.Snapshot) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
	}()

	// Snapshots queued before the initial one was taken are not newer.
	last := initial.Generation
	if err := s.writeSnapshot(c, initial); err != nil {
		return
	}

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case <-removed:
			data, _ := json.Marshal(Envelope{Type: TypeError, Error: errs.ErrSubscriberClosed.Error()})
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if c.conn.WriteMessage(websocket.TextMessage, data) == nil {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription removed"))
			}
			log.Debug("websocket subscription removed", "remote", c.conn.RemoteAddr().String())
			return

		case snap := <-c.send:
			if snap.Generation <= last {
				continue
			}
			last = snap.Generation
			if err := s.writeSnapshot(c, snap); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeSnapshot(c *client, snap *types.Snapshot) error {
	data, err := json.Marshal(Envelope{Type: TypeSnapshot, Snapshot: filterSnapshot(snap, c.channels)})
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump discards client messages and keeps the read deadline alive on
// pongs. A read error ends the connection.
func (s *Server) readPump(c *client) {
	defer c.close()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.WSPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.WSPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}
