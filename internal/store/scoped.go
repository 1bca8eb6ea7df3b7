package store

import (
	"context"

	"github.com/ashureev/clinote/internal/kv"
)

// KV is the durable key/value scope of one device.
type KV struct {
	repo  Repository
	owner string
}

var _ kv.Store = (*KV)(nil)

// NewKV returns the durable store scoped to owner.
func NewKV(repo Repository, owner string) *KV {
	return &KV{repo: repo, owner: owner}
}

// Get returns the value stored under key.
func (s *KV) Get(ctx context.Context, key string) (string, bool, error) {
	return s.repo.GetValue(ctx, s.owner, key)
}

// Set stores value under key.
func (s *KV) Set(ctx context.Context, key, value string) error {
	return s.repo.SetValue(ctx, s.owner, key, value)
}

// Remove deletes key.
func (s *KV) Remove(ctx context.Context, key string) error {
	return s.repo.DeleteValue(ctx, s.owner, key)
}

// Keys enumerates every key in the scope.
func (s *KV) Keys(ctx context.Context) ([]string, error) {
	return s.repo.ListKeys(ctx, s.owner)
}

// Caches is the response cache set of one device.
type Caches struct {
	repo  Repository
	owner string
}

// NewCaches returns the cache store scoped to owner.
func NewCaches(repo Repository, owner string) *Caches {
	return &Caches{repo: repo, owner: owner}
}

// ListCaches enumerates cache names.
func (c *Caches) ListCaches(ctx context.Context) ([]string, error) {
	return c.repo.ListCaches(ctx, c.owner)
}

// DeleteCache removes a named cache.
func (c *Caches) DeleteCache(ctx context.Context, name string) error {
	return c.repo.DeleteCache(ctx, c.owner, name)
}
