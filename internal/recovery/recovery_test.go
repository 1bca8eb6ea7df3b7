package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/clinote/internal/events"
	"github.com/ashureev/clinote/internal/kv"
)

type fakeNavigator struct {
	mu        sync.Mutex
	reloadErr error
	assignErr error
	reloads   []bool
	assigns   []string
}

func (n *fakeNavigator) Reload(_ context.Context, bypassCache bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reloads = append(n.reloads, bypassCache)
	return n.reloadErr
}

func (n *fakeNavigator) Assign(_ context.Context, url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assigns = append(n.assigns, url)
	return n.assignErr
}

type fakeCaches struct {
	names     []string
	deleted   []string
	failOn    string
	listError error
}

func (c *fakeCaches) ListCaches(context.Context) ([]string, error) {
	return c.names, c.listError
}

func (c *fakeCaches) DeleteCache(_ context.Context, name string) error {
	if name == c.failOn {
		return errors.New("locked")
	}
	c.deleted = append(c.deleted, name)
	return nil
}

type fakeJar struct {
	names   []string
	expired []string
}

func (j *fakeJar) Names() []string    { return j.names }
func (j *fakeJar) Expire(name string)   { j.expired = append(j.expired, name) }

func seed(t *testing.T, s kv.Store, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, s.Set(context.Background(), k, "v"))
	}
}

func newTestOrchestrator(nav Navigator, caches CacheStore) (*Orchestrator, *kv.Memory, *kv.Memory, *events.Bus) {
	session := kv.NewMemory()
	durable := kv.NewMemory()
	bus := events.NewBus("user-1", "tab-1", nil, nil)
	o := New(Config{Namespace: "clinote:", CookiePrefixes: []string{"clinote", "sb-"}}, Deps{
		SessionStore: session,
		DurableStore: durable,
		Caches:       caches,
		Navigator:    nav,
		Events:       bus,
	})
	return o, session, durable, bus
}

func TestPurgeLocalStateCoversBothStores(t *testing.T) {
	o, session, durable, _ := newTestOrchestrator(&fakeNavigator{}, nil)
	seed(t, session, "clinote:draft", "unrelated")
	seed(t, durable, "clinote:prefs", "sb-user-1-auth-token", "theme")

	removed, err := o.PurgeLocalState(context.Background(), Scope{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	sessionKeys, _ := session.Keys(context.Background())
	durableKeys, _ := durable.Keys(context.Background())
	assert.Equal(t, []string{"unrelated"}, sessionKeys)
	assert.Equal(t, []string{"theme"}, durableKeys)
}

func TestPurgeLocalStateWithoutUserKeepsUserKeys(t *testing.T) {
	o, _, durable, _ := newTestOrchestrator(&fakeNavigator{}, nil)
	seed(t, durable, "clinote:prefs", "sb-user-1-auth-token")

	removed, err := o.PurgeLocalState(context.Background(), Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestPurgeCachesContinuesPastFailures(t *testing.T) {
	caches := &fakeCaches{names: []string{"api", "static", "images"}, failOn: "static"}
	o, _, _, _ := newTestOrchestrator(&fakeNavigator{}, caches)

	deleted, err := o.PurgeCaches(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, []string{"api", "images"}, caches.deleted)
}

func TestForceHardReloadFallsBackToAssign(t *testing.T) {
	nav := &fakeNavigator{reloadErr: errors.New("no connection")}
	o, _, _, bus := newTestOrchestrator(nav, nil)

	var got []events.Type
	bus.Subscribe(func(e events.Event) { got = append(got, e.Type) })

	assert.NotPanics(t, func() { o.ForceHardReload(context.Background(), "test") })
	assert.Equal(t, []bool{true}, nav.reloads)
	assert.Equal(t, []string{""}, nav.assigns)
	assert.Equal(t, []events.Type{events.ReloadRequested}, got)
}

func TestForceHardReloadNeverFails(t *testing.T) {
	nav := &fakeNavigator{reloadErr: errors.New("gone"), assignErr: errors.New("gone too")}
	o, _, _, _ := newTestOrchestrator(nav, nil)
	assert.NotPanics(t, func() { o.ForceHardReload(context.Background(), "test") })

	o, _, _, _ = newTestOrchestrator(nil, nil)
	assert.NotPanics(t, func() { o.ForceHardReload(context.Background(), "test") })
}

func TestForceCompleteRefresh(t *testing.T) {
	nav := &fakeNavigator{}
	caches := &fakeCaches{names: []string{"api"}}
	o, session, durable, _ := newTestOrchestrator(nav, caches)
	seed(t, session, "clinote:draft")
	seed(t, durable, "clinote:prefs", "keep")
	jar := &fakeJar{names: []string{"clinote_anon_id", "sb-access-token", "analytics"}}

	order := []string{}
	started := time.Now()
	o.ForceCompleteRefresh(context.Background(), RefreshOptions{
		PurgeCaches:     true,
		PurgeLocalState: true,
		PurgeCookies:    true,
		Cookies:         jar,
		Delay:           20 * time.Millisecond,
		BeforeReload:    func() { order = append(order, "before_reload") },
	})

	assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)
	assert.Equal(t, []string{"api"}, caches.deleted)
	assert.Equal(t, []string{"clinote_anon_id", "sb-access-token"}, jar.expired)
	assert.Equal(t, []string{"before_reload"}, order)
	assert.Equal(t, []bool{true}, nav.reloads)

	durableKeys, _ := durable.Keys(context.Background())
	assert.Equal(t, []string{"keep"}, durableKeys)
}

func TestForceCompleteRefreshSubset(t *testing.T) {
	nav := &fakeNavigator{}
	caches := &fakeCaches{names: []string{"api"}}
	o, session, _, _ := newTestOrchestrator(nav, caches)
	seed(t, session, "clinote:draft")

	o.ForceCompleteRefresh(context.Background(), RefreshOptions{PurgeCaches: true})

	assert.Equal(t, []string{"api"}, caches.deleted)
	keys, _ := session.Keys(context.Background())
	assert.Equal(t, []string{"clinote:draft"}, keys)
	assert.Len(t, nav.reloads, 1)
}
