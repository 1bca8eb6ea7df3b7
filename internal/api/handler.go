// Package api provides HTTP handlers for the clinote API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/containerd/errdefs/pkg/errhttp"
	"golang.org/x/time/rate"

	"github.com/ashureev/clinote/internal/config"
	"github.com/ashureev/clinote/internal/hub"
	"github.com/ashureev/clinote/internal/identity"
	"github.com/ashureev/clinote/internal/shared"
	"github.com/ashureev/clinote/internal/store"
	"github.com/ashureev/clinote/internal/workspace"
)

const maxBodyBytes = 1 << 20

// Handler provides common handler utilities.
type Handler struct {
	repo   store.Repository
	mgr    *workspace.Manager
	hub    *hub.Hub
	cfg    *config.Config
	extend *limiters
	errors *limiters
}

// NewHandler creates a new Handler with common dependencies. hub may be nil.
func NewHandler(repo store.Repository, mgr *workspace.Manager, h *hub.Hub, cfg *config.Config) *Handler {
	return &Handler{
		repo:   repo,
		mgr:    mgr,
		hub:    h,
		cfg:    cfg,
		extend: newLimiters(cfg.Limits.ExtendPerMinute),
		errors: newLimiters(cfg.Limits.ErrorsPerMinute),
	}
}

// Forget drops the per-tab rate limiters of a closed workspace.
func (h *Handler) Forget(key workspace.Key) {
	h.extend.forget(key)
	h.errors.forget(key)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorFrom writes err as a JSON error response. The status follows the
// errdefs class of err; the body carries the failure kind.
func ErrorFrom(w http.ResponseWriter, err error) {
	status := errhttp.ToHTTP(err)
	kind := shared.Classify(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		slog.Error("Request failed", "error", err, "kind", kind.String())
	}
	JSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// tab resolves the caller's identity and open workspace. It writes the
// error response and returns false when either is missing.
func (h *Handler) tab(w http.ResponseWriter, r *http.Request) (*workspace.Workspace, workspace.Key, bool) {
	key := workspace.Key{
		UserID:    identity.UserIDFromContext(r.Context()),
		SessionID: identity.SessionIDFromContext(r.Context()),
	}
	if key.UserID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, key, false
	}
	ws, ok := h.mgr.Get(key.UserID, key.SessionID)
	if !ok {
		Error(w, http.StatusNotFound, "workspace not open")
		return nil, key, false
	}
	ws.Touch()
	return ws, key, true
}

// limiters holds one token bucket per tab.
type limiters struct {
	mu      sync.Mutex
	perMin  int
	buckets map[workspace.Key]*rate.Limiter
}

func newLimiters(perMinute int) *limiters {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &limiters{perMin: perMinute, buckets: make(map[workspace.Key]*rate.Limiter)}
}

func (l *limiters) allow(key workspace.Key) bool {
	l.mu.Lock()
	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)
		l.buckets[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *limiters) forget(key workspace.Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
