// Package webconn implements the web-client half of the WebSocket transport
// (C6). The outbound push side (hub pub/sub, ConnectedCount, slow-consumer
// eviction) is kept close to the teacher's websocket.Hub/Client verbatim;
// the inbound side is new — browsers now send spawn_terminal, terminal_input,
// terminal_resize and trigger_scan frames that must be authorized and
// routed onward to C7 (terminal) or C5-via-C4 (command/scan triggers).
package webconn

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arkeep-io/arkeep/server/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame is the envelope for every message exchanged with a browser, in
// either direction.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// InboundHandler processes a frame received from an authenticated browser
// session. Implemented by the API layer to route spawn_terminal /
// terminal_input / terminal_resize to C7 and trigger_scan to C5 via C4.
type InboundHandler interface {
	HandleInbound(ctx context.Context, claims *auth.Claims, clientID string, frame Frame)
}

// Conn is one connected, authenticated browser session.
type Conn struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan Frame
	clientID string
	claims   *auth.Claims
	logger   *zap.Logger
}

// ClientID returns the connection's unique ID. Implements registry.WebConn.
func (c *Conn) ClientID() string { return c.clientID }

// Close implements registry.WebConn.
func (c *Conn) Close(reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(writeWait))
	close(c.send)
}

// Send queues a frame for delivery to this specific browser session.
// Implements registry.WebConn, used to reply to spawn_terminal/trigger_scan
// requests with a targeted response instead of a hub-wide broadcast.
func (c *Conn) Send(msgType string, data any) {
	select {
	case c.send <- Frame{Type: msgType, Data: data}:
	default:
		c.hub.unregister <- c
	}
}

// Hub is the pub/sub broker for connected browser sessions, identical in
// shape to the teacher's websocket.Hub: a single-goroutine event loop owns
// the client map, Publish copies the target set under a read lock and sends
// outside of it.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Conn]struct{}

	register   chan *Conn
	unregister chan *Conn

	inbound  InboundHandler
	registry *registryAdapter
	logger   *zap.Logger
}

// registryAdapter lets Hub register/unregister browser connections with the
// connection registry (C4) without webconn importing the concrete
// registry.Registry type, mirroring agentconn's registryAdapter.
type registryAdapter struct {
	RegisterFn   func(c *Conn)
	UnregisterFn func(c *Conn)
}

// NewRegistryAdapter wraps a *registry.Registry for use by this package.
func NewRegistryAdapter(register, unregister func(*Conn)) *registryAdapter {
	return &registryAdapter{RegisterFn: register, UnregisterFn: unregister}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it. reg may be
// nil, in which case connected browsers are tracked only for broadcast and
// are not addressable by clientID through the registry.
func NewHub(inbound InboundHandler, reg *registryAdapter, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Conn]struct{}),
		register:   make(chan *Conn, 16),
		unregister: make(chan *Conn, 16),
		inbound:    inbound,
		registry:   reg,
		logger:     logger.Named("webconn"),
	}
}

// Run starts the hub's event loop. Exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			if h.registry != nil {
				h.registry.RegisterFn(c)
			}

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			if h.registry != nil {
				h.registry.UnregisterFn(c)
			}

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Conn]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish implements agentconn.WebPublisher: broadcasts msgType/payload to
// every connected browser session.
func (h *Hub) Publish(msgType string, payload any) {
	h.mu.RLock()
	clients := make([]*Conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Send(msgType, payload)
	}
}

// ConnectedCount returns the number of connected browser sessions.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve upgrades the HTTP request to a WebSocket for an already-authenticated
// browser session (claims come from a ?token= query parameter validated by
// the caller, since browsers cannot set a custom header on the WS handshake)
// and runs its lifecycle. Blocks until the connection closes.
func Serve(w http.ResponseWriter, r *http.Request, hub *Hub, claims *auth.Claims, logger *zap.Logger) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("webconn: upgrade failed", zap.Error(err))
		return
	}

	c := &Conn{
		hub:      hub,
		conn:     wsConn,
		send:     make(chan Frame, sendBufferSize),
		clientID: uuid.NewString(),
		claims:   claims,
		logger:   logger.With(zap.String("remote_addr", r.RemoteAddr), zap.String("user_id", claims.UserID)),
	}

	hub.register <- c

	go c.writePump()
	c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn("webconn: unexpected close", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
			continue
		}

		switch frame.Type {
		case "spawn_terminal", "terminal_input", "terminal_resize", "trigger_scan":
			if c.hub.inbound != nil {
				c.hub.inbound.HandleInbound(context.Background(), c.claims, c.clientID, frame)
			}
		default:
			c.logger.Warn("webconn: unknown inbound frame type", zap.String("type", frame.Type))
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Warn("webconn: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
