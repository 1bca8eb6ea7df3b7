package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/clinote/internal/autosave"
	"github.com/ashureev/clinote/internal/backend"
	"github.com/ashureev/clinote/internal/identity"
	"github.com/ashureev/clinote/internal/loading"
	"github.com/ashureev/clinote/internal/recovery"
)

const maxRefreshDelay = 5 * time.Second

// WorkspaceHandler handles the per-tab session, loading, draft and
// recovery endpoints.
type WorkspaceHandler struct {
	*Handler
}

// NewWorkspaceHandler creates a new workspace handler.
func NewWorkspaceHandler(base *Handler) *WorkspaceHandler {
	return &WorkspaceHandler{Handler: base}
}

// RegisterRoutes registers workspace routes.
func (h *WorkspaceHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)

		r.Post("/workspace", h.Open)
		r.Delete("/workspace", h.Close)
		r.Post("/activity", h.Activity)
		r.Post("/visibility", h.Visibility)

		r.Get("/session", h.GetSession)
		r.Post("/session/extend", h.ExtendSession)

		r.Post("/loading/start", h.StartLoading)
		r.Post("/loading/stop", h.StopLoading)
		r.Post("/loading/signals", h.LoadingSignals)
		r.Post("/errors", h.ReportError)

		r.Get("/drafts/{subject}", h.GetDraft)
		r.Put("/drafts/{subject}", h.PutDraft)
		r.Post("/drafts/{subject}/flush", h.FlushDraft)

		r.Post("/recovery/refresh", h.Refresh)
	})
}

// GetMe returns the current user's information.
func (h *WorkspaceHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	sessionID := identity.SessionIDFromContext(r.Context())
	_, open := h.mgr.Get(userID, sessionID)
	connected := h.hub != nil && h.hub.Get(userID, sessionID) != nil

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":        user.UserID,
		"username":       user.Username,
		"session_id":     sessionID,
		"workspace_open": open,
		"connected":      connected,
	})
}

// GetConfig returns the client-side timing the tab should follow.
func (h *WorkspaceHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	t := h.cfg.Timing
	JSON(w, http.StatusOK, map[string]interface{}{
		"backend_mode":          h.cfg.Backend.Mode,
		"session_timeout_ms":    t.SessionTimeout.Milliseconds(),
		"warning_before_ms":     t.WarningBefore.Milliseconds(),
		"max_loading_time_ms":   t.MaxLoadingTime.Milliseconds(),
		"inactivity_timeout_ms": t.InactivityTimeout.Milliseconds(),
		"autosave_debounce_ms":  t.AutosaveDebounce.Milliseconds(),
		"autosave_min_length":   t.AutosaveMinLength,
		"events_path":           "/ws/events",
	})
}

// Open binds the tab to a workspace, building one when none is live.
func (h *WorkspaceHandler) Open(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())

	var creds backend.Credentials
	if err := decode(w, r, &creds); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	ws, created, err := h.mgr.Open(r.Context(), userID, sessionID, creds)
	if err != nil {
		slog.Warn("Failed to open workspace", "error", err, "user_id", userID, "session_id", sessionID)
		ErrorFrom(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	JSON(w, status, map[string]interface{}{
		"status":     "open",
		"created":    created,
		"session_id": sessionID,
		"session":    ws.Session().Snapshot(),
	})
}

// Close flushes and tears down the tab's workspace.
func (h *WorkspaceHandler) Close(w http.ResponseWriter, r *http.Request) {
	_, key, ok := h.tab(w, r)
	if !ok {
		return
	}
	h.mgr.Close(r.Context(), key.UserID, key.SessionID)
	h.Forget(key)
	if h.hub != nil {
		h.hub.CloseSession(key.UserID, key.SessionID, "workspace closed")
	}
	JSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// Activity records user activity.
func (h *WorkspaceHandler) Activity(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := h.tab(w, r)
	if !ok {
		return
	}
	ws.RecordActivity()
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type visibilityRequest struct {
	Visible *bool `json:"visible"`
}

// Visibility records a tab visibility change.
func (h *WorkspaceHandler) Visibility(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := h.tab(w, r)
	if !ok {
		return
	}
	var req visibilityRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Visible == nil {
		Error(w, http.StatusBadRequest, "visible is required")
		return
	}
	ws.VisibilityChanged(*req.Visible)
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetSession returns the session and loading state of the tab.
func (h *WorkspaceHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := h.tab(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session": ws.Session().Snapshot(),
		"loading": ws.Loading().Snapshot(),
	})
}

type extendRequest struct {
	Mode string `json:"mode"`
}

// ExtendSession confirms or refreshes the remote session.
func (h *WorkspaceHandler) ExtendSession(w http.ResponseWriter, r *http.Request) {
	ws, key, ok := h.tab(w, r)
	if !ok {
		return
	}
	var req extendRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.extend.allow(key) {
		Error(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	var err error
	switch req.Mode {
	case "", "verify":
		err = ws.Session().ExtendSession(r.Context())
	case "refresh":
		err = ws.Session().ExtendSessionAutomatically(r.Context())
	default:
		Error(w, http.StatusBadRequest, "mode must be verify or refresh")
		return
	}
	if err != nil {
		if r.Context().Err() != nil {
			slog.Debug("Session extension abandoned", "user_id", key.UserID, "session_id", key.SessionID)
			return
		}
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":  "extended",
		"session": ws.Session().Snapshot(),
	})
}

// StartLoading opens a loading episode.
func (h *WorkspaceHandler) StartLoading(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := h.tab(w, r)
	if !ok {
		return
	}
	ws.Loading().StartTracking()
	JSON(w, http.StatusOK, ws.Loading().Snapshot())
}

// StopLoading closes the loading episode and reports its duration.
func (h *WorkspaceHandler) StopLoading(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := h.tab(w, r)
	if !ok {
		return
	}
	elapsed := ws.Loading().StopTracking()
	JSON(w, http.StatusOK, map[string]int64{"duration_ms": elapsed.Milliseconds()})
}

// LoadingSignals stores page-readiness signals.
func (h *WorkspaceHandler) LoadingSignals(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := h.tab(w, r)
	if !ok {
		return
	}
	var s loading.Signals
	if err := decode(w, r, &s); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	ws.UpdateSignals(s)
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorReport struct {
	Message string `json:"message"`
}

// ReportError handles an uncaught error from the tab.
func (h *WorkspaceHandler) ReportError(w http.ResponseWriter, r *http.Request) {
	ws, key, ok := h.tab(w, r)
	if !ok {
		return
	}
	var req errorReport
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.errors.allow(key) {
		Error(w, http.StatusTooManyRequests, "rate_limited")
		return
	}
	reloaded := ws.ReportError(r.Context(), req.Message)
	JSON(w, http.StatusOK, map[string]bool{"emergency_reload": reloaded})
}

// GetDraft returns the autosave record of subject.
func (h *WorkspaceHandler) GetDraft(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := h.tab(w, r)
	if !ok {
		return
	}
	rec := ws.Drafts().Snapshot()
	if rec.Subject != chi.URLParam(r, "subject") {
		Error(w, http.StatusNotFound, "draft not tracked")
		return
	}
	JSON(w, http.StatusOK, rec)
}

type draftRequest struct {
	Content string `json:"content"`
}

// PutDraft records new editor content and re-arms the debounce save.
func (h *WorkspaceHandler) PutDraft(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := h.tab(w, r)
	if !ok {
		return
	}
	var req draftRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	ws.RecordActivity()
	ws.Drafts().Update(chi.URLParam(r, "subject"), req.Content)
	JSON(w, http.StatusAccepted, ws.Drafts().Snapshot())
}

// FlushDraft saves the draft of subject immediately.
func (h *WorkspaceHandler) FlushDraft(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := h.tab(w, r)
	if !ok {
		return
	}
	if ws.Drafts().Snapshot().Subject != chi.URLParam(r, "subject") {
		Error(w, http.StatusNotFound, "draft not tracked")
		return
	}
	saved, err := ws.Drafts().Flush(r.Context())
	if errors.Is(err, autosave.ErrSaveInProgress) {
		JSON(w, http.StatusConflict, map[string]interface{}{
			"saved":  false,
			"busy":   true,
			"record": ws.Drafts().Snapshot(),
		})
		return
	}
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"saved":  saved,
		"record": ws.Drafts().Snapshot(),
	})
}

type refreshRequest struct {
	PurgeCaches     bool   `json:"purge_caches"`
	PurgeLocalState bool   `json:"purge_local_state"`
	PurgeCookies    bool   `json:"purge_cookies"`
	DelayMS         int64  `json:"delay_ms"`
	Reason          string `json:"reason"`
}

// Refresh runs a complete refresh: purges, then a hard reload of the tab.
// Every purge is selected unless the body turns it off.
func (h *WorkspaceHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ws, key, ok := h.tab(w, r)
	if !ok {
		return
	}
	req := refreshRequest{PurgeCaches: true, PurgeLocalState: true, PurgeCookies: true}
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	delay := time.Duration(req.DelayMS) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if delay > maxRefreshDelay {
		delay = maxRefreshDelay
	}

	ws.Recovery().ForceCompleteRefresh(r.Context(), recovery.RefreshOptions{
		PurgeCaches:     req.PurgeCaches,
		PurgeLocalState: req.PurgeLocalState,
		PurgeCookies:    req.PurgeCookies,
		Cookies:         &responseCookies{w: w, r: r},
		UserID:          key.UserID,
		Delay:           delay,
		Reason:          req.Reason,
	})
	JSON(w, http.StatusOK, map[string]string{"status": "reload_requested"})
}
