package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/clinote/internal/domain"
	"github.com/ashureev/clinote/internal/kv"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := openSQLite(filepath.Join(t.TempDir(), "clinote.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if u, err := s.GetUser(ctx, "anon_missing"); err != nil || u != nil {
		t.Fatalf("expected missing user to be (nil, nil), got (%v, %v)", u, err)
	}

	now := time.Unix(1_700_000_000, 0)
	if err := s.UpsertUser(ctx, &domain.User{UserID: "anon_1", Username: "anon-1", LastSeenAt: now, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	later := now.Add(time.Hour)
	if err := s.UpdateLastSeen(ctx, "anon_1", later); err != nil {
		t.Fatalf("update last seen: %v", err)
	}

	u, err := s.GetUser(ctx, "anon_1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !u.LastSeenAt.Equal(later) {
		t.Fatalf("expected last seen %v, got %v", later, u.LastSeenAt)
	}
}

func TestKVScopesByOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := NewKV(s, "anon_a")
	b := NewKV(s, "anon_b")

	if err := a.Set(ctx, "clinote:prefs", "dark"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := a.Set(ctx, "clinote:prefs", "light"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := b.Set(ctx, "clinote:prefs", "other"); err != nil {
		t.Fatalf("set other owner: %v", err)
	}

	v, ok, err := a.Get(ctx, "clinote:prefs")
	if err != nil || !ok || v != "light" {
		t.Fatalf("expected light, got %q ok=%v err=%v", v, ok, err)
	}

	removed, err := kv.RemoveMatching(ctx, a, kv.PrefixOrContains("clinote:", ""))
	if err != nil {
		t.Fatalf("remove matching: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	keys, err := b.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected other owner untouched, got %v", keys)
	}
}

func TestCaches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := NewCaches(s, "anon_a")

	for _, e := range []*domain.CacheEntry{
		{Name: "api", Key: "/templates", Body: []byte("[]")},
		{Name: "api", Key: "/profile", Body: []byte("{}")},
		{Name: "static", Key: "/app.js", Body: []byte("x")},
	} {
		if err := s.PutCacheEntry(ctx, "anon_a", e); err != nil {
			t.Fatalf("put cache entry: %v", err)
		}
	}

	names, err := c.ListCaches(ctx)
	if err != nil {
		t.Fatalf("list caches: %v", err)
	}
	if len(names) != 2 || names[0] != "api" || names[1] != "static" {
		t.Fatalf("expected [api static], got %v", names)
	}

	if err := c.DeleteCache(ctx, "api"); err != nil {
		t.Fatalf("delete cache: %v", err)
	}
	names, _ = c.ListCaches(ctx)
	if len(names) != 1 || names[0] != "static" {
		t.Fatalf("expected [static], got %v", names)
	}
}

func TestDrafts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.UnixMilli(1_700_000_000_000)

	d := &domain.DraftRecord{ID: "d1", OwnerID: "u1", Subject: "tpl-1", Content: "hello", CreatedAt: now, UpdatedAt: now}
	if err := s.CreateDraft(ctx, d); err != nil {
		t.Fatalf("create draft: %v", err)
	}

	updated, err := s.UpdateDraft(ctx, "u1", "d1", domain.DraftPayload{Subject: "tpl-1", Content: "hello world"}, now.Add(time.Second))
	if err != nil {
		t.Fatalf("update draft: %v", err)
	}
	if updated == nil || updated.Content != "hello world" {
		t.Fatalf("expected updated content, got %+v", updated)
	}

	missing, err := s.UpdateDraft(ctx, "someone-else", "d1", domain.DraftPayload{Content: "x"}, now)
	if err != nil {
		t.Fatalf("update foreign draft: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for draft owned by another user, got %+v", missing)
	}
}

func TestSessionRotation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	orig := &domain.Session{UserID: "u1", AccessToken: "at1", RefreshToken: "rt1", ExpiresAt: 100}
	if err := s.CreateSession(ctx, orig); err != nil {
		t.Fatalf("create session: %v", err)
	}

	next := &domain.Session{AccessToken: "at2", RefreshToken: "rt2", ExpiresAt: 200}
	ok, err := s.RotateSession(ctx, "rt1", next)
	if err != nil || !ok {
		t.Fatalf("expected rotation, got ok=%v err=%v", ok, err)
	}
	if next.UserID != "u1" {
		t.Fatalf("expected user carried over, got %q", next.UserID)
	}

	if old, _ := s.GetSessionByAccessToken(ctx, "at1"); old != nil {
		t.Fatalf("expected old access token revoked, got %+v", old)
	}
	if ok, _ := s.RotateSession(ctx, "rt1", &domain.Session{AccessToken: "at3", RefreshToken: "rt3"}); ok {
		t.Fatal("expected reused refresh token to be rejected")
	}

	if err := s.DeleteSession(ctx, "at2"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if cur, _ := s.GetSessionByAccessToken(ctx, "at2"); cur != nil {
		t.Fatalf("expected session deleted, got %+v", cur)
	}
}

func TestPurgeIdleUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()

	for id, seen := range map[string]time.Time{"anon_old": old, "anon_fresh": fresh} {
		if err := s.UpsertUser(ctx, &domain.User{UserID: id, Username: id, LastSeenAt: seen, CreatedAt: seen, UpdatedAt: seen}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := s.SetValue(ctx, id, "clinote:k", "v"); err != nil {
			t.Fatalf("set value: %v", err)
		}
	}

	purged, err := s.PurgeIdleUsers(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge idle users: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged user, got %d", purged)
	}
	if keys, _ := s.ListKeys(ctx, "anon_old"); len(keys) != 0 {
		t.Fatalf("expected old user's keys purged, got %v", keys)
	}
	if keys, _ := s.ListKeys(ctx, "anon_fresh"); len(keys) != 1 {
		t.Fatalf("expected fresh user's keys kept, got %v", keys)
	}

	values, entries, err := s.PurgeOwner(ctx, "anon_fresh")
	if err != nil {
		t.Fatalf("purge owner: %v", err)
	}
	if values != 1 || entries != 0 {
		t.Fatalf("expected (1, 0), got (%d, %d)", values, entries)
	}
}
