package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/clinote/internal/backend"
	"github.com/ashureev/clinote/internal/events"
	"github.com/ashureev/clinote/internal/metrics"
	"github.com/ashureev/clinote/internal/recovery"
	"github.com/ashureev/clinote/internal/scheduler"
	"github.com/ashureev/clinote/internal/store"
)

// Key identifies a workspace.
type Key struct {
	UserID    string
	SessionID string
}

func (k Key) String() string { return k.UserID + "/" + k.SessionID }

// Tabs is the connection side of a workspace: where events go and how the
// tab is reloaded.
type Tabs interface {
	Navigator(userID, sessionID string) recovery.Navigator
	Publish(userID, sessionID string, e events.Event)
}

// ManagerDeps are the shared collaborators of every workspace.
type ManagerDeps struct {
	Provider backend.Provider
	Repo     store.Repository
	Tabs     Tabs
	Clock    scheduler.Clock
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Manager keeps the registry of open workspaces.
type Manager struct {
	cfg  Config
	deps ManagerDeps

	mu         sync.RWMutex
	workspaces map[Key]*entry
}

type entry struct {
	ws          *Workspace
	unsubscribe func()
}

// NewManager creates a manager.
func NewManager(cfg Config, deps ManagerDeps) *Manager {
	if deps.Clock == nil {
		deps.Clock = scheduler.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		deps:       deps,
		workspaces: make(map[Key]*entry),
	}
}

// Open returns the live workspace of a tab or builds a new one. A workspace
// whose session was signed out is replaced.
func (m *Manager) Open(ctx context.Context, userID, sessionID string, creds backend.Credentials) (*Workspace, bool, error) {
	key := Key{UserID: userID, SessionID: sessionID}
	if ws, ok := m.Get(userID, sessionID); ok && !ws.Expired() {
		ws.Touch()
		ws.resume()
		return ws, false, nil
	}

	conn, err := m.deps.Provider.Connect(ctx, userID, creds)
	if err != nil {
		return nil, false, fmt.Errorf("connect backend for %s: %w", key, err)
	}

	m.mu.Lock()
	stale, ok := m.workspaces[key]
	if ok && !stale.ws.Expired() {
		m.mu.Unlock()
		stale.ws.Touch()
		stale.ws.resume()
		return stale.ws, false, nil
	}
	ws := m.build(userID, sessionID, conn)
	e := &entry{ws: ws}
	if m.deps.Tabs != nil {
		e.unsubscribe = ws.Events().Subscribe(func(evt events.Event) {
			m.deps.Tabs.Publish(userID, sessionID, evt)
		})
	}
	m.workspaces[key] = e
	m.mu.Unlock()

	if stale != nil {
		m.deps.Logger.Info("Replacing expired workspace", "user_id", userID, "session_id", sessionID)
		m.teardown(ctx, key, stale)
	}
	ws.Start()
	m.deps.Metrics.WorkspaceOpened()
	m.deps.Logger.Info("Workspace opened", "user_id", userID, "session_id", sessionID)
	return ws, true, nil
}

func (m *Manager) build(userID, sessionID string, conn backend.Conn) *Workspace {
	deps := Deps{
		UserID:    userID,
		SessionID: sessionID,
		Conn:      conn,
		Clock:     m.deps.Clock,
		Metrics:   m.deps.Metrics,
		Logger:    m.deps.Logger,
	}
	if m.deps.Repo != nil {
		deps.Durable = store.NewKV(m.deps.Repo, userID)
		deps.Caches = store.NewCaches(m.deps.Repo, userID)
	}
	if m.deps.Tabs != nil {
		deps.Navigator = m.deps.Tabs.Navigator(userID, sessionID)
	}
	return New(m.cfg, deps)
}

// Get returns the workspace of a tab.
func (m *Manager) Get(userID, sessionID string) (*Workspace, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.workspaces[Key{UserID: userID, SessionID: sessionID}]
	if !ok {
		return nil, false
	}
	return e.ws, true
}

// Touch marks a workspace as used. It reports whether the workspace exists.
func (m *Manager) Touch(userID, sessionID string) bool {
	ws, ok := m.Get(userID, sessionID)
	if ok {
		ws.Touch()
	}
	return ok
}

// Close tears down one workspace. It reports whether one was open.
func (m *Manager) Close(ctx context.Context, userID, sessionID string) bool {
	key := Key{UserID: userID, SessionID: sessionID}
	m.mu.Lock()
	e, ok := m.workspaces[key]
	if ok {
		delete(m.workspaces, key)
	}
	m.mu.Unlock()

	if ok {
		m.teardown(ctx, key, e)
	}
	return ok
}

// CloseUser tears down every workspace of a user and returns how many were open.
func (m *Manager) CloseUser(ctx context.Context, userID string) int {
	m.mu.Lock()
	closing := make(map[Key]*entry)
	for key, e := range m.workspaces {
		if key.UserID == userID {
			closing[key] = e
			delete(m.workspaces, key)
		}
	}
	m.mu.Unlock()

	for key, e := range closing {
		m.teardown(ctx, key, e)
	}
	return len(closing)
}

// CloseAll tears down every workspace.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	closing := m.workspaces
	m.workspaces = make(map[Key]*entry)
	m.mu.Unlock()

	for key, e := range closing {
		m.teardown(ctx, key, e)
	}
}

// Idle returns the workspaces unused for at least ttl, oldest key first.
func (m *Manager) Idle(ttl time.Duration) []Key {
	m.mu.RLock()
	var keys []Key
	for key, e := range m.workspaces {
		if e.ws.IdleFor() >= ttl {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Len returns the number of open workspaces.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workspaces)
}

func (m *Manager) teardown(ctx context.Context, key Key, e *entry) {
	e.ws.Close(ctx)
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	m.deps.Metrics.WorkspaceClosed()
	m.deps.Logger.Info("Workspace closed", "user_id", key.UserID, "session_id", key.SessionID)
}
