// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/clinote/internal/domain"
)

// Repository defines the interface for durable local state.
type Repository interface {
	// GetUser retrieves a user by their user ID. A missing user is (nil, nil).
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetValue reads one durable key/value entry owned by owner.
	GetValue(ctx context.Context, owner, key string) (string, bool, error)

	// SetValue writes one durable key/value entry.
	SetValue(ctx context.Context, owner, key, value string) error

	// DeleteValue removes one durable key/value entry.
	DeleteValue(ctx context.Context, owner, key string) error

	// ListKeys enumerates the keys owned by owner.
	ListKeys(ctx context.Context, owner string) ([]string, error)

	// PutCacheEntry stores a response in the named cache.
	PutCacheEntry(ctx context.Context, owner string, entry *domain.CacheEntry) error

	// ListCaches enumerates cache names owned by owner.
	ListCaches(ctx context.Context, owner string) ([]string, error)

	// DeleteCache removes every entry of a named cache.
	DeleteCache(ctx context.Context, owner, name string) error

	// CreateDraft inserts a new draft record.
	CreateDraft(ctx context.Context, draft *domain.DraftRecord) error

	// UpdateDraft overwrites the content of an existing draft owned by ownerID.
	UpdateDraft(ctx context.Context, ownerID, id string, payload domain.DraftPayload, at time.Time) (*domain.DraftRecord, error)

	// GetDraft retrieves a draft by ID. A missing draft is (nil, nil).
	GetDraft(ctx context.Context, id string) (*domain.DraftRecord, error)

	// CreateSession stores a locally issued session.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSessionByAccessToken looks up a local session. A missing one is (nil, nil).
	GetSessionByAccessToken(ctx context.Context, accessToken string) (*domain.Session, error)

	// RotateSession replaces the session identified by refreshToken with next.
	// It returns false when no such session exists.
	RotateSession(ctx context.Context, refreshToken string, next *domain.Session) (bool, error)

	// DeleteSession removes the session identified by accessToken.
	DeleteSession(ctx context.Context, accessToken string) error

	// PurgeOwner removes durable values and caches owned by owner.
	PurgeOwner(ctx context.Context, owner string) (valuesDeleted int64, cacheEntriesDeleted int64, err error)

	// PurgeIdleUsers removes users unseen for longer than ttl with all of their local state.
	PurgeIdleUsers(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
