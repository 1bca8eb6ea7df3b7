// Package workspace wires the resilience core for one browser tab and keeps
// the registry of open tabs.
package workspace

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/clinote/internal/autosave"
	"github.com/ashureev/clinote/internal/backend"
	"github.com/ashureev/clinote/internal/config"
	"github.com/ashureev/clinote/internal/events"
	"github.com/ashureev/clinote/internal/kv"
	"github.com/ashureev/clinote/internal/loading"
	"github.com/ashureev/clinote/internal/metrics"
	"github.com/ashureev/clinote/internal/recovery"
	"github.com/ashureev/clinote/internal/resilience"
	"github.com/ashureev/clinote/internal/scheduler"
	"github.com/ashureev/clinote/internal/session"
)

// closeFlushTimeout bounds the final draft save on Close.
const closeFlushTimeout = 5 * time.Second

// Config bundles the configuration of every core component.
type Config struct {
	Session  session.Config
	Loading  loading.Config
	AutoSave autosave.Config
	Recovery recovery.Config
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Session:  session.DefaultConfig(),
		Loading:  loading.DefaultConfig(),
		AutoSave: autosave.DefaultConfig(),
		Recovery: recovery.Config{Namespace: "clinote"},
	}
}

// ConfigFrom builds the core configuration from the loaded application config.
func ConfigFrom(c *config.Config) Config {
	t := c.Timing
	policy := resilience.Policy{
		Timeout:            t.OperationTimeout,
		MaxRetries:         t.MaxRetries,
		RetryDelay:         t.RetryDelay,
		ExponentialBackoff: t.ExponentialBackoff,
	}
	return Config{
		Session: session.Config{
			SessionTimeout: t.SessionTimeout,
			WarningBefore:  t.WarningBefore,
			HealthInterval: t.SessionHealthInterval,
			ReloadDelay:    t.ReloadDelay,
			Policy:         policy,
		},
		Loading: loading.Config{
			MaxLoadingTime:    t.MaxLoadingTime,
			InactivityTimeout: t.InactivityTimeout,
			HealthInterval:    t.LoadingHealthInterval,
			GhostGrace:        t.GhostGrace,
		},
		AutoSave: autosave.Config{
			Debounce:  t.AutosaveDebounce,
			Interval:  t.AutosaveInterval,
			MinLength: t.AutosaveMinLength,
			Policy:    policy,
		},
		Recovery: recovery.Config{
			Namespace:      c.Recovery.Namespace,
			CookiePrefixes: c.Recovery.CookiePrefixes,
		},
	}
}

// Deps are the per-tab collaborators.
type Deps struct {
	UserID    string
	SessionID string
	Conn      backend.Conn
	Durable   kv.Store
	Caches    recovery.CacheStore
	Navigator recovery.Navigator
	Clock     scheduler.Clock
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Workspace is the resilience core of one tab.
type Workspace struct {
	userID    string
	sessionID string
	clock     scheduler.Clock
	logger    *slog.Logger

	bus      *events.Bus
	local    *kv.Memory
	recovery *recovery.Orchestrator
	monitor  *session.Monitor
	detector *loading.Detector
	drafts   *autosave.Coordinator

	mu        sync.Mutex
	lastSeen  time.Time
	closeOnce sync.Once
}

// New builds a workspace. Call Start to arm its timers.
func New(cfg Config, deps Deps) *Workspace {
	if deps.Clock == nil {
		deps.Clock = scheduler.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("user_id", deps.UserID, "session_id", deps.SessionID)

	w := &Workspace{
		userID:    deps.UserID,
		sessionID: deps.SessionID,
		clock:     deps.Clock,
		logger:    logger,
		bus:       events.NewBus(deps.UserID, deps.SessionID, deps.Clock, logger),
		local:     kv.NewMemory(),
		lastSeen:  deps.Clock.Now(),
	}

	exec := resilience.NewExecutor(
		resilience.WithClock(deps.Clock),
		resilience.WithLogger(logger),
		resilience.WithMetrics(deps.Metrics),
	)

	w.recovery = recovery.New(cfg.Recovery, recovery.Deps{
		SessionStore: w.local,
		DurableStore: deps.Durable,
		Caches:       deps.Caches,
		Navigator:    deps.Navigator,
		Events:       w.bus,
		Clock:        deps.Clock,
		Metrics:      deps.Metrics,
		Logger:       logger,
	})

	w.detector = loading.New(cfg.Loading, loading.Deps{
		Reloader: w.recovery,
		Clock:    deps.Clock,
		Events:   w.bus,
		Metrics:  deps.Metrics,
		Logger:   logger,
	}, loading.Hooks{})

	w.drafts = autosave.New(cfg.AutoSave, autosave.Deps{
		UserID:   deps.UserID,
		Records:  deps.Conn,
		Executor: exec,
		Clock:    deps.Clock,
		Events:   w.bus,
		Metrics:  deps.Metrics,
		Logger:   logger,
	}, autosave.Hooks{})

	w.monitor = session.New(cfg.Session, session.Deps{
		UserID:   deps.UserID,
		Remote:   deps.Conn,
		Recovery: w.recovery,
		Executor: exec,
		Clock:    deps.Clock,
		Events:   w.bus,
		Metrics:  deps.Metrics,
		Logger:   logger,
	}, session.Hooks{
		OnCleanup: func() { w.detector.StopTracking() },
	})

	return w
}

// Start arms the timers of every component.
func (w *Workspace) Start() {
	w.monitor.Start()
	w.detector.Start()
	w.drafts.Start()
	w.logger.Info("Workspace started")
}

// resume re-enables loading detection when the tab reopens after an
// emergency reload.
func (w *Workspace) resume() {
	w.detector.Start()
}

// Close flushes the current draft and tears every component down. It is
// idempotent.
func (w *Workspace) Close(ctx context.Context) {
	w.closeOnce.Do(func() {
		w.monitor.Stop()
		w.detector.Stop()

		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeFlushTimeout)
		if _, err := w.drafts.Flush(flushCtx); err != nil && !errors.Is(err, autosave.ErrSaveInProgress) {
			w.logger.Warn("Final draft save failed", "error", err)
		}
		cancel()
		w.drafts.Stop()
		w.logger.Info("Workspace closed")
	})
}

// UserID returns the owning user.
func (w *Workspace) UserID() string { return w.userID }

// SessionID returns the tab identifier.
func (w *Workspace) SessionID() string { return w.sessionID }

// Events returns the workspace's event bus.
func (w *Workspace) Events() *events.Bus { return w.bus }

// Session returns the session monitor.
func (w *Workspace) Session() *session.Monitor { return w.monitor }

// Loading returns the loading health detector.
func (w *Workspace) Loading() *loading.Detector { return w.detector }

// Drafts returns the autosave coordinator of the tab's editor.
func (w *Workspace) Drafts() *autosave.Coordinator { return w.drafts }

// Recovery returns the recovery orchestrator.
func (w *Workspace) Recovery() *recovery.Orchestrator { return w.recovery }

// Local returns the session-lived key/value store.
func (w *Workspace) Local() *kv.Memory { return w.local }

// Touch marks the workspace as used now.
func (w *Workspace) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = w.clock.Now()
}

// IdleFor returns how long the workspace has been unused.
func (w *Workspace) IdleFor() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clock.Now().Sub(w.lastSeen)
}

// RecordActivity forwards user activity to the session monitor and the
// loading detector.
func (w *Workspace) RecordActivity() {
	w.Touch()
	w.monitor.RegisterActivity()
	w.detector.UpdateActivity()
}

// Expired reports whether the session was signed out.
func (w *Workspace) Expired() bool {
	return w.monitor.Snapshot().IsExpired
}

// VisibilityChanged forwards a visibility change to the loading detector.
func (w *Workspace) VisibilityChanged(visible bool) {
	w.Touch()
	w.detector.VisibilityChanged(visible)
}

// UpdateSignals forwards page-readiness signals to the loading detector.
func (w *Workspace) UpdateSignals(s loading.Signals) {
	w.Touch()
	w.detector.UpdateSignals(s)
}

// ReportError forwards an uncaught tab error to the loading detector. It
// reports whether an emergency reload was forced.
func (w *Workspace) ReportError(ctx context.Context, message string) bool {
	w.Touch()
	return w.detector.ReportUncaughtError(ctx, message)
}
