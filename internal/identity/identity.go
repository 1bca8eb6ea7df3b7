// Package identity resolves which device and which browser tab a request
// belongs to. Devices are anonymous: a signed-in clinician is identified by
// the backend session the tab presents, not by this package.
package identity

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/clinote/internal/domain"
	"github.com/ashureev/clinote/internal/store"
)

const (
	AnonCookieName        = "clinote_anon_id"
	SessionHeaderName     = "X-Clinote-Session-ID"
	DefaultSessionIDValue = "default"

	deviceIDPrefix     = "anon_"
	deviceCookieMaxAge = 30 * 24 * time.Hour
	lastSeenResolution = time.Minute
)

var (
	deviceIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	tabIDPattern    = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Tab is the identity a request carries: the anonymous device and the tab
// on it.
type Tab struct {
	UserID    string
	Username  string
	SessionID string
}

type tabKey struct{}

// WithIdentity returns ctx carrying the device user and tab session.
func WithIdentity(ctx context.Context, userID, sessionID string) context.Context {
	return context.WithValue(ctx, tabKey{}, Tab{
		UserID:    userID,
		Username:  deviceUsername(userID),
		SessionID: normalizeTabID(sessionID),
	})
}

// FromContext returns the tab identity stored by Middleware.
func FromContext(ctx context.Context) (Tab, bool) {
	t, ok := ctx.Value(tabKey{}).(Tab)
	return t, ok
}

// UserIDFromContext returns the device user, or "" outside Middleware.
func UserIDFromContext(ctx context.Context) string {
	t, _ := FromContext(ctx)
	return t.UserID
}

// UsernameFromContext returns the display name of the device user.
func UsernameFromContext(ctx context.Context) string {
	t, _ := FromContext(ctx)
	return t.Username
}

// SessionIDFromContext returns the tab id, DefaultSessionIDValue when the
// request named none.
func SessionIDFromContext(ctx context.Context) string {
	if t, ok := FromContext(ctx); ok && t.SessionID != "" {
		return t.SessionID
	}
	return DefaultSessionIDValue
}

func newDeviceID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return deviceIDPrefix + hex.EncodeToString(u[:]), nil
}

func isDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

func normalizeTabID(id string) string {
	id = strings.TrimSpace(id)
	if !tabIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

// tabIDFromRequest reads the tab id from the session header, falling back
// to the session_id query parameter used by the event stream.
func tabIDFromRequest(r *http.Request) string {
	id := r.Header.Get(SessionHeaderName)
	if id == "" {
		id = r.URL.Query().Get("session_id")
	}
	return normalizeTabID(id)
}

func deviceUsername(userID string) string {
	if len(userID) > len(deviceIDPrefix)+8 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

// deviceCookie issues and reads the long-lived device cookie. Every
// response re-issues it so an active device never ages out.
type deviceCookie struct {
	secure bool
}

func (c deviceCookie) read(r *http.Request) (string, bool) {
	ck, err := r.Cookie(AnonCookieName)
	if err != nil || !isDeviceID(ck.Value) {
		return "", false
	}
	return ck.Value, true
}

func (c deviceCookie) issue(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(deviceCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(deviceCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   c.secure,
	})
}

// resolve returns the device of r, minting a new one when the cookie is
// missing or malformed.
func (c deviceCookie) resolve(w http.ResponseWriter, r *http.Request) (string, error) {
	id, ok := c.read(r)
	if !ok {
		var err error
		if id, err = newDeviceID(); err != nil {
			return "", err
		}
	}
	c.issue(w, id)
	return id, nil
}

// touchDevice registers the device on first sight and otherwise bumps its
// last-seen time, at most once per lastSeenResolution. The reaper purges
// devices by that time.
func touchDevice(ctx context.Context, repo store.Repository, userID string, now time.Time) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load device %s: %w", userID, err)
	}
	if user == nil {
		return repo.UpsertUser(ctx, &domain.User{
			UserID:     userID,
			Username:   deviceUsername(userID),
			LastSeenAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if now.Sub(user.LastSeenAt) < lastSeenResolution {
		return nil
	}
	return repo.UpdateLastSeen(ctx, userID, now)
}

// Middleware attaches the device and tab identity to every request.
// isDev drops the Secure flag so the cookie works over plain HTTP.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	cookie := deviceCookie{secure: !isDev}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := cookie.resolve(w, r)
			if err != nil {
				http.Error(w, `{"error":"failed to establish device identity"}`, http.StatusInternalServerError)
				return
			}
			if err := touchDevice(r.Context(), repo, userID, time.Now()); err != nil {
				http.Error(w, `{"error":"failed to register device"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithIdentity(r.Context(), userID, tabIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns the remote IP without its port.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
