// Package backend implements the remote session and draft persistence
// contracts, either against a Supabase-style REST backend or locally on
// SQLite.
package backend

import (
	"context"
	"sync"

	"github.com/ashureev/clinote/internal/domain"
)

// Conn is a backend connection bound to one authenticated session.
type Conn interface {
	GetSession(ctx context.Context) (*domain.Session, error)
	RefreshSession(ctx context.Context) (*domain.Session, error)
	SignOut(ctx context.Context) error
	CreateRecord(ctx context.Context, payload domain.DraftPayload) (*domain.DraftRecord, error)
	UpdateRecord(ctx context.Context, id string, payload domain.DraftPayload) (*domain.DraftRecord, error)
}

// Provider opens connections for a user.
type Provider interface {
	Connect(ctx context.Context, userID string, creds Credentials) (Conn, error)
}

// Credentials are the tokens the tab hands over when it opens a workspace.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// tokens holds the current credentials of a connection. Refresh rotates them.
type tokens struct {
	mu  sync.RWMutex
	cur Credentials
}

func (t *tokens) get() Credentials {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur
}

func (t *tokens) set(c Credentials) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur = c
}

func (t *tokens) clear() {
	t.set(Credentials{})
}
