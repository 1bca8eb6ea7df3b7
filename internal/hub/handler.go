package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/clinote/internal/identity"
	"github.com/ashureev/clinote/internal/loading"
	"github.com/ashureev/clinote/internal/metrics"
	"github.com/ashureev/clinote/internal/store"
)

// Tab receives what the browser reports over its connection.
type Tab interface {
	RecordActivity()
	VisibilityChanged(visible bool)
	UpdateSignals(s loading.Signals)
	ReportError(ctx context.Context, message string) bool
}

// TabLookup finds the open workspace of a tab.
type TabLookup func(userID, sessionID string) (Tab, bool)

// inbound is a message from the tab.
type inbound struct {
	Type          string `json:"type"`
	Visible       bool   `json:"visible,omitempty"`
	Message       string `json:"message,omitempty"`
	InFlight      int    `json:"in_flight,omitempty"`
	DocumentReady bool   `json:"document_ready,omitempty"`
}

// Handler upgrades tab requests to WebSocket event streams.
type Handler struct {
	hub           *Hub
	tabs          TabLookup
	repo          store.Repository
	allowedOrigin string
	isDev         bool
	queueSize     int
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewHandler creates a WebSocket handler. repo may be nil.
func NewHandler(h *Hub, tabs TabLookup, repo store.Repository, allowedOrigin string, isDev bool, queueSize int, m *metrics.Metrics) *Handler {
	return &Handler{
		hub:           h,
		tabs:          tabs,
		repo:          repo,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		queueSize:     queueSize,
		logger:        h.logger,
		metrics:       m,
	}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	h.logger.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}

	conn := NewConn(ws, userID, h.queueSize, h.logger, h.metrics)
	h.hub.Register(userID, sessionID, conn)
	defer func() {
		h.hub.Unregister(userID, sessionID, conn)
		conn.Close("session ended")
	}()

	h.readLoop(r.Context(), ws, conn, userID, sessionID)
	h.logger.Info("Tab connection ended", "user_id", userID, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn, userID, sessionID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("Ignoring malformed tab message", "user_id", userID, "error", err)
			continue
		}
		h.dispatch(ctx, conn, userID, sessionID, msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *Conn, userID, sessionID string, msg inbound) {
	if msg.Type == "ping" {
		if err := conn.Send(Message{Type: TypePong}); err != nil {
			h.logger.Debug("Failed to send pong", "error", err)
		}
		return
	}

	tab, ok := h.tabs(userID, sessionID)
	if !ok {
		h.logger.Debug("Tab message without workspace", "user_id", userID, "session_id", sessionID, "type", msg.Type)
		return
	}

	switch msg.Type {
	case "activity":
		tab.RecordActivity()
		h.touchUser(userID)
	case "visibility":
		tab.VisibilityChanged(msg.Visible)
	case "signals":
		tab.UpdateSignals(loading.Signals{InFlight: msg.InFlight, DocumentReady: msg.DocumentReady})
	case "error":
		if tab.ReportError(ctx, msg.Message) {
			h.logger.Warn("Emergency reload forced by tab error", "user_id", userID, "session_id", sessionID)
		}
	default:
		h.logger.Debug("Unknown tab message type", "user_id", userID, "type", msg.Type)
	}
}

// touchUser updates last seen asynchronously with a timeout.
func (h *Handler) touchUser(userID string) {
	if h.repo == nil {
		return
	}
	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.repo.UpdateLastSeen(updateCtx, userID, time.Now()); err != nil {
			h.logger.Warn("Failed to update last seen", "error", err)
		}
	}()
}
