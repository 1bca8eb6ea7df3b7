package domain

import (
	"time"
)

// Session is the authenticated session object returned by the backend.
type Session struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt is the server-declared expiry in epoch seconds.
	ExpiresAt int64 `json:"expires_at"`
}

// Expiry returns ExpiresAt as a time. A zero ExpiresAt means no declared expiry.
func (s *Session) Expiry() time.Time {
	if s.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.ExpiresAt, 0)
}

// ValidAt reports whether the session exists and is before its declared expiry.
func (s *Session) ValidAt(now time.Time) bool {
	if s == nil || s.UserID == "" {
		return false
	}
	exp := s.Expiry()
	return exp.IsZero() || now.Before(exp)
}
