package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phrazzld/checkq/internal/config"
	"github.com/phrazzld/checkq/internal/events"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxReadBytes = 512
)

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	ownerID   uuid.UUID
	sessionID uuid.UUID
	send      chan []byte
	closeOnce sync.Once
}

// wants reports whether the client subscribed to ev. Clients without a
// session filter get every event of their owner; owner-wide events reach
// every client of the owner.
func (c *client) wants(ev *events.Event) bool {
	return c.sessionID == uuid.Nil || ev.SessionID == uuid.Nil || ev.SessionID == c.sessionID
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub fans events out to the websocket connections of their owner.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*client]struct{}
	closed  bool

	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	sendBuffer   int
	logger       *slog.Logger
}

var _ events.EventHandler = (*Hub)(nil)

// NewHub creates a Hub.
func NewHub(cfg config.RealtimeConfig, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		clients:      make(map[uuid.UUID]map[*client]struct{}),
		writeTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		sendBuffer:   cfg.SendBuffer,
		logger:       log.With(slog.String("component", "realtime_hub")),
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = 10 * time.Second
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = 16
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(cfg.AllowedOrigins) > 0 {
		origins := slices.Clone(cfg.AllowedOrigins)
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
		}
	}
	return h
}

// HandleEvent implements events.EventHandler.
func (h *Hub) HandleEvent(_ context.Context, ev *events.Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients[ev.OwnerID] {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow realtime client",
			slog.String("owner_id", c.ownerID.String()))
		h.unregister(c)
	}
	return nil
}

// Connections is the number of open connections of ownerID.
func (h *Hub) Connections(ownerID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[ownerID])
}

// Serve upgrades the request and streams ownerID's events until the
// connection closes. sessionID uuid.Nil subscribes to every session.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, ownerID, sessionID uuid.UUID) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{
		hub:       h,
		conn:      conn,
		ownerID:   ownerID,
		sessionID: sessionID,
		send:      make(chan []byte, h.sendBuffer),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.writeTimeout))
		return conn.Close()
	}

	h.logger.Debug("realtime client connected",
		slog.String("owner_id", ownerID.String()),
		slog.String("session_id", sessionID.String()))

	go c.writePump()
	c.readPump()
	return nil
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := h.clients
	h.clients = make(map[uuid.UUID]map[*client]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for c := range set {
			c.close()
		}
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.ownerID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.ownerID] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.ownerID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.ownerID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// readPump discards inbound messages and detects closed connections.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("realtime client read failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
