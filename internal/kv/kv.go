// Package kv defines the local key/value store contract and an in-memory
// session-lived implementation.
package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Store is a local key/value scope. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Memory is a session-lived Store. Its contents die with the workspace.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

// Get returns the value for key.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

// Set stores value under key.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Keys returns all keys in lexical order.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Matcher selects keys for a scoped purge.
type Matcher func(key string) bool

// PrefixOrContains matches keys starting with prefix, or containing
// needle when needle is non-empty.
func PrefixOrContains(prefix, needle string) Matcher {
	return func(key string) bool {
		if prefix != "" && strings.HasPrefix(key, prefix) {
			return true
		}
		return needle != "" && strings.Contains(key, needle)
	}
}

// RemoveMatching deletes every key in s selected by match and returns how
// many were removed. Unmatched keys are never touched.
func RemoveMatching(ctx context.Context, s Store, match Matcher) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		if !match(k) {
			continue
		}
		if err := s.Remove(ctx, k); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
