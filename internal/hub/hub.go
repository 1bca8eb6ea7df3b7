// Package hub keeps the WebSocket connection of every tab and carries events
// and reload commands to it.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/containerd/errdefs"

	"github.com/ashureev/clinote/internal/events"
	"github.com/ashureev/clinote/internal/metrics"
	"github.com/ashureev/clinote/internal/recovery"
)

// ErrNotConnected is returned when a tab has no registered connection.
var ErrNotConnected = fmt.Errorf("tab not connected: %w", errdefs.ErrNotFound)

// Outbound message types.
const (
	TypeEvent  = "event"
	TypeReload = "reload"
	TypeAssign = "assign"
	TypePong   = "pong"
)

// Message is sent from the daemon to a tab.
type Message struct {
	Type        string        `json:"type"`
	Event       *events.Event `json:"event,omitempty"`
	BypassCache bool          `json:"bypass_cache,omitempty"`
	URL         string        `json:"url,omitempty"`
}

// Conn is one tab connection with its outbox.
type Conn struct {
	out   *outbox
	close func(reason string)
}

// NewConn wraps a WebSocket connection.
func NewConn(ws *websocket.Conn, userID string, queueSize int, logger *slog.Logger, m *metrics.Metrics) *Conn {
	return newConn(
		func(ctx context.Context, data []byte) error {
			return ws.Write(ctx, websocket.MessageText, data)
		},
		func(reason string) { _ = ws.Close(websocket.StatusNormalClosure, reason) },
		userID, queueSize, logger, m,
	)
}

func newConn(write writeFunc, closeFn func(reason string), userID string, queueSize int, logger *slog.Logger, m *metrics.Metrics) *Conn {
	return &Conn{
		out:   newOutbox(write, queueSize, userID, logger, m),
		close: closeFn,
	}
}

// Send queues msg for delivery.
func (c *Conn) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	if !c.out.enqueue(data) {
		return errors.New("connection closed")
	}
	return nil
}

// Close flushes the outbox and closes the socket.
func (c *Conn) Close(reason string) {
	c.out.close()
	if c.close != nil {
		c.close(reason)
	}
}

// Hub is the registry of tab connections, keyed by user then tab. Events
// for a tab without a connection are held in a bounded backlog and replayed
// when it reconnects.
type Hub struct {
	mu          sync.RWMutex
	active      map[string]map[string]*Conn
	held        map[string]map[string]*backlog
	backlogSize int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New creates an empty hub.
func New(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active:      make(map[string]map[string]*Conn),
		held:        make(map[string]map[string]*backlog),
		backlogSize: defaultBacklogSize,
		logger:      logger,
		metrics:     m,
	}
}

// Get returns the connection of a tab.
func (h *Hub) Get(userID, sessionID string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if sessions, ok := h.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register adds the connection of a tab, closing any previous one. Events
// held while the tab was disconnected are queued on conn first.
func (h *Hub) Register(userID, sessionID string, conn *Conn) {
	h.mu.Lock()
	if _, exists := h.active[userID]; !exists {
		h.active[userID] = make(map[string]*Conn)
	}
	existing := h.active[userID][sessionID]
	h.active[userID][sessionID] = conn
	replayed := 0
	if b := h.takeBacklogLocked(userID, sessionID); b != nil {
		for _, msg := range b.drain() {
			if err := conn.Send(msg); err == nil {
				replayed++
			}
		}
	}
	h.mu.Unlock()

	if replayed > 0 {
		h.logger.Info("Replayed held events", "user_id", userID, "session_id", sessionID, "count", replayed)
	}

	if existing != nil && existing != conn {
		existing.Close("session replaced")
	}
	h.logger.Info("Tab connection registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes the connection of a tab if it is still the current one.
func (h *Hub) Unregister(userID, sessionID string, conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sessions, ok := h.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(h.active, userID)
			}
			h.logger.Info("Tab connection unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// CloseUser closes every connection of a user.
func (h *Hub) CloseUser(userID string) {
	h.mu.Lock()
	sessions := h.active[userID]
	delete(h.active, userID)
	delete(h.held, userID)
	h.mu.Unlock()

	for sid, conn := range sessions {
		conn.Close("session closed")
		h.logger.Info("Tab connection closed", "user_id", userID, "session_id", sid)
	}
}

// CloseSession closes the connection of one tab.
func (h *Hub) CloseSession(userID, sessionID, reason string) {
	h.mu.Lock()
	var conn *Conn
	if sessions, ok := h.active[userID]; ok {
		conn = sessions[sessionID]
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(h.active, userID)
		}
	}
	h.takeBacklogLocked(userID, sessionID)
	h.mu.Unlock()

	if conn != nil {
		conn.Close(reason)
		h.logger.Info("Tab connection closed", "user_id", userID, "session_id", sessionID, "reason", reason)
	}
}

// CloseAll closes every connection. Used on shutdown.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	active := h.active
	h.active = make(map[string]map[string]*Conn)
	h.held = make(map[string]map[string]*backlog)
	h.mu.Unlock()

	n := 0
	for _, sessions := range active {
		for _, conn := range sessions {
			conn.Close(reason)
			n++
		}
	}
	if n > 0 {
		h.logger.Info("Tab connections closed", "count", n, "reason", reason)
	}
}

// Send queues msg for a tab.
func (h *Hub) Send(userID, sessionID string, msg Message) error {
	conn := h.Get(userID, sessionID)
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(msg)
}

// Publish forwards a workspace event to its tab. Events for a disconnected
// tab are held until it reconnects; the oldest are dropped past the backlog
// size.
func (h *Hub) Publish(userID, sessionID string, e events.Event) {
	msg := Message{Type: TypeEvent, Event: &e}

	h.mu.Lock()
	conn := h.active[userID][sessionID]
	if conn == nil {
		sessions, ok := h.held[userID]
		if !ok {
			sessions = make(map[string]*backlog)
			h.held[userID] = sessions
		}
		b, ok := sessions[sessionID]
		if !ok {
			b = newBacklog(h.backlogSize)
			sessions[sessionID] = b
		}
		overwrote := b.push(msg)
		h.mu.Unlock()

		if overwrote {
			h.metrics.MessageDropped()
		}
		h.logger.Debug("Event held for disconnected tab", "user_id", userID, "session_id", sessionID, "type", e.Type)
		return
	}
	h.mu.Unlock()

	if err := conn.Send(msg); err != nil {
		h.logger.Debug("Event not delivered", "user_id", userID, "session_id", sessionID, "type", e.Type, "error", err)
	}
}

// Held returns the number of events held for a disconnected tab.
func (h *Hub) Held(userID, sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if b := h.held[userID][sessionID]; b != nil {
		return b.len()
	}
	return 0
}

func (h *Hub) takeBacklogLocked(userID, sessionID string) *backlog {
	sessions, ok := h.held[userID]
	if !ok {
		return nil
	}
	b := sessions[sessionID]
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(h.held, userID)
	}
	return b
}

// Navigator returns the reload primitive of a tab.
func (h *Hub) Navigator(userID, sessionID string) recovery.Navigator {
	return &navigator{hub: h, userID: userID, sessionID: sessionID}
}

type navigator struct {
	hub       *Hub
	userID    string
	sessionID string
}

func (n *navigator) Reload(_ context.Context, bypassCache bool) error {
	return n.hub.Send(n.userID, n.sessionID, Message{Type: TypeReload, BypassCache: bypassCache})
}

func (n *navigator) Assign(_ context.Context, url string) error {
	return n.hub.Send(n.userID, n.sessionID, Message{Type: TypeAssign, URL: url})
}
