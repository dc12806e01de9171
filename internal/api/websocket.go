package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veldaine/unifyd/internal/infrastructure/config"
	"github.com/veldaine/unifyd/internal/infrastructure/logging"
	"github.com/veldaine/unifyd/internal/subscribe"
)

// WebSocket message types.
const (
	WSTypeSnapshot = "snapshot"
	WSTypeChange   = "change"
)

// WSMessage is the envelope for every message sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// upgrader configures the WebSocket upgrader. The daemon binds to
// loopback; origin enforcement adds nothing for a local socket.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Hub tracks connected WebSocket clients so status can report them and
// shutdown can close them.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is one connected event-stream consumer. Each client owns a
// registry subscription; the write pump drains it into the socket.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	sub  *subscribe.Subscription
	reg  *subscribe.Registry
	once sync.Once
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub and tears down its
// subscription. Safe to call more than once.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	client.close()
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects every client so their pumps exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

// handleWebSocket upgrades the connection and streams a snapshot followed
// by live changes. Categories are fixed at connect time via the
// ?categories= query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	cats, ok := parseCategories(r)
	if !ok {
		writeBadRequest(w, "unknown category in categories parameter")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sub := s.subs.Subscribe(cats...)
	client := &WSClient{
		hub:  s.hub,
		conn: conn,
		sub:  sub,
		reg:  s.subs,
	}
	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// close tears down the subscription and the socket exactly once.
func (c *WSClient) close() {
	c.once.Do(func() {
		c.reg.Unsubscribe(c.sub.ID())
		c.conn.Close() //nolint:errcheck // Best effort on teardown
	})
}

// readPump consumes client frames. Clients send nothing meaningful; the
// pump exists to notice disconnects and answer protocol pings.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer c.hub.Unregister(c)

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client frame resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	}
}

// writePump sends the initial snapshot, then relays subscription changes
// and protocol pings until the subscription or socket closes.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.hub.Unregister(c)
	}()

	if !c.writeMessage(WSTypeSnapshot, c.sub.Snapshot(), pongWait) {
		return
	}

	for {
		select {
		case change, ok := <-c.sub.Changes():
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if !c.writeMessage(WSTypeChange, change, pongWait) {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeMessage marshals and sends one envelope, reporting success.
func (c *WSClient) writeMessage(msgType string, payload any, pongWait time.Duration) bool {
	msg := WSMessage{
		Type:      msgType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("websocket marshal failed", "type", msgType, "error", err)
		return false
	}
	//nolint:errcheck // Best-effort deadline; write error caught below
	c.conn.SetWriteDeadline(time.Now().Add(pongWait))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}
