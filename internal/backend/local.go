package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"

	"github.com/ashureev/clinote/internal/domain"
	"github.com/ashureev/clinote/internal/store"
)

// LocalProvider issues sessions and stores drafts in the local SQLite
// database. It serves single-node and development deployments.
type LocalProvider struct {
	repo       store.Repository
	sessionTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewLocalProvider creates a local provider issuing sessions valid for sessionTTL.
func NewLocalProvider(repo store.Repository, sessionTTL time.Duration, logger *slog.Logger) *LocalProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProvider{
		repo:       repo,
		sessionTTL: sessionTTL,
		now:        time.Now,
		logger:     logger,
	}
}

// Connect binds creds to a connection. Empty credentials issue a fresh
// local session for userID.
func (p *LocalProvider) Connect(ctx context.Context, userID string, creds Credentials) (Conn, error) {
	if userID == "" {
		return nil, errdefs.ErrInvalidArgument.WithMessage("user id is required")
	}
	if creds.AccessToken == "" {
		issued, err := p.issue(ctx, userID)
		if err != nil {
			return nil, err
		}
		creds = issued
		p.logger.Info("Issued local session", "user_id", userID, "expires_at", creds.ExpiresAt)
	}
	c := &localConn{provider: p, userID: userID}
	c.tokens.set(creds)
	return c, nil
}

func (p *LocalProvider) issue(ctx context.Context, userID string) (Credentials, error) {
	sess := &domain.Session{
		UserID:       userID,
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		ExpiresAt:    p.now().Add(p.sessionTTL).Unix(),
	}
	if err := p.repo.CreateSession(ctx, sess); err != nil {
		return Credentials{}, err
	}
	return Credentials{AccessToken: sess.AccessToken, RefreshToken: sess.RefreshToken, ExpiresAt: sess.ExpiresAt}, nil
}

type localConn struct {
	provider *LocalProvider
	userID   string
	tokens   tokens
}

// GetSession returns the stored session if it is still valid.
func (c *localConn) GetSession(ctx context.Context) (*domain.Session, error) {
	creds := c.tokens.get()
	if creds.AccessToken == "" {
		return nil, nil
	}
	sess, err := c.provider.repo.GetSessionByAccessToken(ctx, creds.AccessToken)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.UserID != c.userID || !sess.ValidAt(c.provider.now()) {
		return nil, nil
	}
	return sess, nil
}

// RefreshSession rotates the refresh token into a new session.
func (c *localConn) RefreshSession(ctx context.Context) (*domain.Session, error) {
	creds := c.tokens.get()
	if creds.RefreshToken == "" {
		return nil, nil
	}
	next := &domain.Session{
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		ExpiresAt:    c.provider.now().Add(c.provider.sessionTTL).Unix(),
	}
	ok, err := c.provider.repo.RotateSession(ctx, creds.RefreshToken, next)
	if err != nil {
		return nil, err
	}
	if !ok || next.UserID != c.userID {
		return nil, nil
	}
	c.tokens.set(Credentials{AccessToken: next.AccessToken, RefreshToken: next.RefreshToken, ExpiresAt: next.ExpiresAt})
	return next, nil
}

// SignOut deletes the session.
func (c *localConn) SignOut(ctx context.Context) error {
	creds := c.tokens.get()
	c.tokens.clear()
	if creds.AccessToken == "" {
		return nil
	}
	return c.provider.repo.DeleteSession(ctx, creds.AccessToken)
}

// CreateRecord stores a new draft owned by the connection's user.
func (c *localConn) CreateRecord(ctx context.Context, payload domain.DraftPayload) (*domain.DraftRecord, error) {
	now := c.provider.now()
	d := &domain.DraftRecord{
		ID:        uuid.NewString(),
		OwnerID:   c.userID,
		Subject:   payload.Subject,
		Content:   payload.Content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.provider.repo.CreateDraft(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateRecord overwrites draft id.
func (c *localConn) UpdateRecord(ctx context.Context, id string, payload domain.DraftPayload) (*domain.DraftRecord, error) {
	d, err := c.provider.repo.UpdateDraft(ctx, c.userID, id, payload, c.provider.now())
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errdefs.ErrPermissionDenied.WithMessage("draft " + id + " is not writable")
	}
	return d, nil
}
