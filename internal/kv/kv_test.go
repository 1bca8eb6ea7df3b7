package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "b", "2"))
	require.NoError(t, m.Set(ctx, "a", "1"))

	v, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	keys, err := m.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, m.Remove(ctx, "a"))
	require.NoError(t, m.Remove(ctx, "missing"))
	_, ok, err = m.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveMatchingIsScoped(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, k := range []string{"clinote:draft", "clinote:prefs", "sb-user-42-auth-token", "other-app", "theme"} {
		require.NoError(t, m.Set(ctx, k, "x"))
	}

	removed, err := RemoveMatching(ctx, m, PrefixOrContains("clinote:", "user-42"))
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	keys, err := m.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other-app", "theme"}, keys)
}

func TestPrefixOrContainsWithoutNeedle(t *testing.T) {
	match := PrefixOrContains("clinote:", "")
	assert.True(t, match("clinote:x"))
	assert.False(t, match("user-42"))
	assert.False(t, match(""))
}
