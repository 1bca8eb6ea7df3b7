package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/clinote/internal/domain"
	"github.com/ashureev/clinote/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	busyRetries   = 3
	busyBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	deleteMu sync.Mutex // Serializes deletes to keep SQLITE_BUSY rare
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	return openSQLite(dbPath)
}

func openSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_last_seen ON users(last_seen_at);

	CREATE TABLE IF NOT EXISTS kv_entries (
		owner TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (owner, key)
	);

	CREATE TABLE IF NOT EXISTS response_caches (
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		key TEXT NOT NULL,
		body BLOB,
		stored_at INTEGER NOT NULL,
		PRIMARY KEY (owner, name, key)
	);

	CREATE TABLE IF NOT EXISTS drafts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_drafts_owner ON drafts(owner_id, subject);

	CREATE TABLE IF NOT EXISTS sessions (
		access_token TEXT PRIMARY KEY,
		refresh_token TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// GetValue reads one durable key/value entry.
func (s *SQLiteStore) GetValue(ctx context.Context, owner, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE owner = ? AND key = ?`, owner, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get value: %w", err)
	}
	return value, true, nil
}

// SetValue writes one durable key/value entry.
func (s *SQLiteStore) SetValue(ctx context.Context, owner, key, value string) error {
	query := `
	INSERT INTO kv_entries (owner, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(owner, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, owner, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("set value: %w", err)
	}
	return nil
}

// DeleteValue removes one durable key/value entry.
func (s *SQLiteStore) DeleteValue(ctx context.Context, owner, key string) error {
	return s.deleteWithRetry(ctx, "delete value", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE owner = ? AND key = ?`, owner, key)
		return err
	})
}

// ListKeys enumerates the keys owned by owner.
func (s *SQLiteStore) ListKeys(ctx context.Context, owner string) ([]string, error) {
	return s.queryStrings(ctx, "list keys",
		`SELECT key FROM kv_entries WHERE owner = ? ORDER BY key`, owner)
}

// PutCacheEntry stores a response in the named cache.
func (s *SQLiteStore) PutCacheEntry(ctx context.Context, owner string, entry *domain.CacheEntry) error {
	query := `
	INSERT INTO response_caches (owner, name, key, body, stored_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(owner, name, key) DO UPDATE SET
		body = excluded.body,
		stored_at = excluded.stored_at`
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, query, owner, entry.Name, entry.Key, entry.Body, storedAt.Unix()); err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// ListCaches enumerates cache names owned by owner.
func (s *SQLiteStore) ListCaches(ctx context.Context, owner string) ([]string, error) {
	return s.queryStrings(ctx, "list caches",
		`SELECT DISTINCT name FROM response_caches WHERE owner = ? ORDER BY name`, owner)
}

// DeleteCache removes every entry of a named cache.
func (s *SQLiteStore) DeleteCache(ctx context.Context, owner, name string) error {
	return s.deleteWithRetry(ctx, "delete cache", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM response_caches WHERE owner = ? AND name = ?`, owner, name)
		return err
	})
}

// CreateDraft inserts a new draft record.
func (s *SQLiteStore) CreateDraft(ctx context.Context, draft *domain.DraftRecord) error {
	query := `
	INSERT INTO drafts (id, owner_id, subject, content, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		draft.ID, draft.OwnerID, draft.Subject, draft.Content,
		draft.CreatedAt.UnixMilli(), draft.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create draft: %w", err)
	}
	return nil
}

// UpdateDraft overwrites the content of an existing draft owned by ownerID.
func (s *SQLiteStore) UpdateDraft(ctx context.Context, ownerID, id string, payload domain.DraftPayload, at time.Time) (*domain.DraftRecord, error) {
	query := `UPDATE drafts SET subject = ?, content = ?, updated_at = ? WHERE id = ? AND owner_id = ?`
	result, err := s.db.ExecContext(ctx, query, payload.Subject, payload.Content, at.UnixMilli(), id, ownerID)
	if err != nil {
		return nil, fmt.Errorf("update draft: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, nil
	}
	return s.GetDraft(ctx, id)
}

// GetDraft retrieves a draft by ID.
func (s *SQLiteStore) GetDraft(ctx context.Context, id string) (*domain.DraftRecord, error) {
	query := `
		SELECT id, owner_id, subject, content, created_at, updated_at
		FROM drafts WHERE id = ?`

	var d domain.DraftRecord
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.OwnerID, &d.Subject, &d.Content, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan draft row: %w", err)
	}
	d.CreatedAt = time.UnixMilli(createdAt)
	d.UpdatedAt = time.UnixMilli(updatedAt)
	return &d, nil
}

// CreateSession stores a locally issued session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (access_token, refresh_token, user_id, expires_at, created_at)
	VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		session.AccessToken, session.RefreshToken, session.UserID,
		session.ExpiresAt, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSessionByAccessToken looks up a local session.
func (s *SQLiteStore) GetSessionByAccessToken(ctx context.Context, accessToken string) (*domain.Session, error) {
	query := `
		SELECT access_token, refresh_token, user_id, expires_at
		FROM sessions WHERE access_token = ?`

	var sess domain.Session
	err := s.db.QueryRowContext(ctx, query, accessToken).Scan(
		&sess.AccessToken, &sess.RefreshToken, &sess.UserID, &sess.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return &sess, nil
}

// RotateSession replaces the session identified by refreshToken with next.
func (s *SQLiteStore) RotateSession(ctx context.Context, refreshToken string, next *domain.Session) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin rotate session: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var userID string
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE refresh_token = ?`, refreshToken).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup refresh token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE refresh_token = ?`, refreshToken); err != nil {
		return false, fmt.Errorf("delete rotated session: %w", err)
	}
	next.UserID = userID
	_, err = tx.ExecContext(ctx, `
	INSERT INTO sessions (access_token, refresh_token, user_id, expires_at, created_at)
	VALUES (?, ?, ?, ?, ?)`,
		next.AccessToken, next.RefreshToken, next.UserID, next.ExpiresAt, time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert rotated session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit rotate session: %w", err)
	}
	return true, nil
}

// DeleteSession removes the session identified by accessToken.
func (s *SQLiteStore) DeleteSession(ctx context.Context, accessToken string) error {
	return s.deleteWithRetry(ctx, "delete session", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE access_token = ?`, accessToken)
		return err
	})
}

// PurgeOwner removes durable values and caches owned by owner.
func (s *SQLiteStore) PurgeOwner(ctx context.Context, owner string) (int64, int64, error) {
	var values, entries int64
	err := s.deleteWithRetry(ctx, "purge owner", func() error {
		valueRes, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE owner = ?`, owner)
		if err != nil {
			return err
		}
		if values, err = valueRes.RowsAffected(); err != nil {
			return err
		}
		cacheRes, err := s.db.ExecContext(ctx, `DELETE FROM response_caches WHERE owner = ?`, owner)
		if err != nil {
			return err
		}
		entries, err = cacheRes.RowsAffected()
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return values, entries, nil
}

// PurgeIdleUsers removes users unseen for longer than ttl with all of their local state.
func (s *SQLiteStore) PurgeIdleUsers(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	userIDs, err := s.queryStrings(ctx, "list idle users",
		`SELECT user_id FROM users WHERE last_seen_at < ?`, threshold)
	if err != nil {
		return 0, err
	}

	var purged int64
	for _, userID := range userIDs {
		err := s.deleteWithRetry(ctx, "purge idle user", func() error {
			for _, q := range []string{
				`DELETE FROM kv_entries WHERE owner = ?`,
				`DELETE FROM response_caches WHERE owner = ?`,
				`DELETE FROM sessions WHERE user_id = ?`,
				`DELETE FROM drafts WHERE owner_id = ?`,
				`DELETE FROM users WHERE user_id = ?`,
			} {
				if _, err := s.db.ExecContext(ctx, q, userID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// deleteWithRetry runs fn, retrying with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) deleteWithRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < busyRetries; i++ {
		s.deleteMu.Lock()
		err = fn()
		s.deleteMu.Unlock()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == busyRetries-1 {
			break
		}

		delay := busyBaseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
		slog.Debug("Delete failed with SQLITE_BUSY, retrying",
			"op", op,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *SQLiteStore) queryStrings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close rows", "op", op, "error", closeErr)
		}
	}()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}
