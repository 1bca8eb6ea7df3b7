package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/clinote/internal/domain"
	"github.com/ashureev/clinote/internal/events"
	"github.com/ashureev/clinote/internal/metrics"
	"github.com/ashureev/clinote/internal/recovery"
	"github.com/ashureev/clinote/internal/resilience"
	"github.com/ashureev/clinote/internal/scheduler"
	"github.com/ashureev/clinote/internal/shared"
)

const (
	timerDeadline = "session.deadline"
	timerHealth   = "session.health"
	timerReload   = "session.reload"
)

// Remote is the backend session contract.
type Remote interface {
	GetSession(ctx context.Context) (*domain.Session, error)
	RefreshSession(ctx context.Context) (*domain.Session, error)
	SignOut(ctx context.Context) error
}

// Recovery purges local state and reloads the tab.
type Recovery interface {
	PurgeLocalState(ctx context.Context, scope recovery.Scope) (int, error)
	ForceHardReload(ctx context.Context, reason string)
}

// Config holds the monitor's timing.
type Config struct {
	SessionTimeout time.Duration
	WarningBefore  time.Duration
	HealthInterval time.Duration
	ReloadDelay    time.Duration
	Policy         resilience.Policy
}

// DefaultConfig returns the default timing.
func DefaultConfig() Config {
	return Config{
		SessionTimeout: 60 * time.Minute,
		WarningBefore:  5 * time.Minute,
		HealthInterval: 30 * time.Second,
		ReloadDelay:    1500 * time.Millisecond,
		Policy:         resilience.DefaultPolicy(),
	}
}

// Hooks are optional caller callbacks. They run outside the monitor's lock.
type Hooks struct {
	OnWarning func(remaining time.Duration)
	OnExpired func(reason string)
	OnCleanup func()
}

// Deps are the collaborators of a Monitor.
type Deps struct {
	UserID   string
	Remote   Remote
	Recovery Recovery
	Executor *resilience.Executor
	Clock    scheduler.Clock
	Events   events.Emitter
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Snapshot is a point-in-time view of the session state.
type Snapshot struct {
	State          State         `json:"-"`
	StateName      string        `json:"state"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	Deadline       time.Time     `json:"session_deadline"`
	TimeRemaining  time.Duration `json:"-"`
	RemainingMS    int64         `json:"time_remaining_ms"`
	IsWarning      bool          `json:"is_warning"`
	IsExpired      bool          `json:"is_expired"`
}

// Monitor owns the SessionState of one tab.
type Monitor struct {
	cfg   Config
	deps  Deps
	hooks Hooks
	sched *scheduler.Scheduler
	group singleflight.Group

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	deadline     time.Time
	started      bool
	stopped      bool
}

// New creates a monitor. Call Start to arm its timers.
func New(cfg Config, deps Deps, hooks Hooks) *Monitor {
	if deps.Clock == nil {
		deps.Clock = scheduler.Real()
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Executor == nil {
		deps.Executor = resilience.NewExecutor(resilience.WithClock(deps.Clock), resilience.WithLogger(deps.Logger))
	}
	now := deps.Clock.Now()
	return &Monitor{
		cfg:          cfg,
		deps:         deps,
		hooks:        hooks,
		sched:        scheduler.New(deps.Clock),
		state:        Active,
		lastActivity: now,
		deadline:     now.Add(cfg.SessionTimeout),
	}
}

// Start arms the deadline timer and the periodic health check.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.ResetSessionTimer()
	m.armHealth()
}

// Stop cancels every timer. It is safe to call repeatedly and before Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.sched.Stop()
}

// RegisterActivity records user activity. It does not move the deadline:
// only a confirmed extension does.
func (m *Monitor) RegisterActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = m.deps.Clock.Now()
}

// ResetSessionTimer cancels and re-arms the deadline timer from now.
func (m *Monitor) ResetSessionTimer() {
	m.mu.Lock()
	m.deadline = m.deps.Clock.Now().Add(m.cfg.SessionTimeout)
	m.mu.Unlock()

	m.sched.Schedule(timerDeadline, m.cfg.SessionTimeout, func() {
		m.handleExpiry(context.Background(), "deadline_reached")
	})
}

func (m *Monitor) armHealth() {
	if m.cfg.HealthInterval <= 0 {
		return
	}
	m.sched.Every(timerHealth, m.cfg.HealthInterval, func() {
		m.checkHealth(context.Background())
	})
}

// Snapshot returns the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(m.deps.Clock.Now())
}

func (m *Monitor) snapshotLocked(now time.Time) Snapshot {
	remaining := m.deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		State:          m.state,
		StateName:      m.state.String(),
		LastActivityAt: m.lastActivity,
		Deadline:       m.deadline,
		TimeRemaining:  remaining,
		RemainingMS:    remaining.Milliseconds(),
		IsWarning:      m.state == Warning,
		IsExpired:      m.state == Expired,
	}
}

// ExtendSession confirms a live remote session and, on success, re-arms
// the deadline. Absence or failure routes into expiry handling and returns
// a SessionExpiredError.
func (m *Monitor) ExtendSession(ctx context.Context) error {
	return m.extend(ctx, "verify", m.deps.Remote.GetSession)
}

// ExtendSessionAutomatically is ExtendSession using a token refresh.
func (m *Monitor) ExtendSessionAutomatically(ctx context.Context) error {
	return m.extend(ctx, "refresh", m.deps.Remote.RefreshSession)
}

func (m *Monitor) extend(ctx context.Context, mode string, fetch func(context.Context) (*domain.Session, error)) error {
	if m.inRecovery() {
		return &shared.SessionExpiredError{Reason: "recovery in progress"}
	}

	// The shared call outlives any one caller; a caller that gives up only
	// stops waiting for it.
	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(mode, func() (any, error) {
		return resilience.Run(detached, m.deps.Executor, resilience.Call{Name: "session_" + mode, Policy: m.cfg.Policy}, fetch)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		m.deps.Logger.Debug("Session extension abandoned by caller", "user_id", m.deps.UserID, "mode", mode)
		return ctx.Err()
	}
	sess, _ := res.Val.(*domain.Session)
	err := res.Err

	now := m.deps.Clock.Now()
	if err != nil || !sess.ValidAt(now) {
		reason := "no active session"
		if err != nil {
			reason = err.Error()
		}
		m.deps.Logger.Warn("Session extension failed",
			"user_id", m.deps.UserID,
			"mode", mode,
			"error", err,
		)
		m.handleExpiry(context.WithoutCancel(ctx), "extend_failed")
		return &shared.SessionExpiredError{Reason: reason}
	}

	m.mu.Lock()
	m.lastActivity = now
	m.state = Transition(m.state, Extended)
	m.mu.Unlock()
	m.ResetSessionTimer()

	m.deps.Metrics.SessionEvent("extended")
	m.deps.Events.Emit(events.SessionExtended, map[string]any{"mode": mode})
	m.deps.Logger.Info("Session extended", "user_id", m.deps.UserID, "mode", mode)
	return nil
}

func (m *Monitor) inRecovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Recovering || m.stopped
}

func (m *Monitor) checkHealth(ctx context.Context) {
	m.mu.Lock()
	if m.state == Recovering || m.state == Expired || m.stopped {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	sess, err := resilience.Run(ctx, m.deps.Executor, resilience.Call{Name: "session_health", Policy: m.cfg.Policy}, m.deps.Remote.GetSession)
	now := m.deps.Clock.Now()
	if err != nil || !sess.ValidAt(now) {
		m.deps.Logger.Warn("Session health check failed", "user_id", m.deps.UserID, "error", err)
		m.handleExpiry(ctx, "health_check_failed")
		return
	}

	m.mu.Lock()
	remaining := m.deadline.Sub(now)
	crossed := false
	if remaining <= m.cfg.WarningBefore && m.state == Active {
		m.state = Transition(m.state, NearDeadline)
		crossed = true
	}
	m.mu.Unlock()

	if crossed {
		m.deps.Metrics.SessionEvent("warning")
		m.deps.Events.Emit(events.SessionWarning, map[string]any{"time_remaining_ms": remaining.Milliseconds()})
		m.deps.Logger.Info("Session nearing deadline", "user_id", m.deps.UserID, "remaining", remaining)
		if m.hooks.OnWarning != nil {
			m.safeHook("on_warning", func() { m.hooks.OnWarning(remaining) })
		}
	}
}

// handleExpiry resolves an expired session. Only one resolution runs at a
// time; triggers arriving while Recovering are ignored.
func (m *Monitor) handleExpiry(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.state == Recovering || m.stopped {
		m.mu.Unlock()
		return
	}
	now := m.deps.Clock.Now()
	m.state = Transition(m.state, Expire)
	if m.deadline.After(now) {
		m.deadline = now
	}
	m.state = Transition(m.state, BeginRecovery)
	m.mu.Unlock()

	m.sched.Cancel(timerDeadline)
	m.sched.Cancel(timerHealth)

	m.deps.Metrics.SessionEvent("expired")
	m.deps.Events.Emit(events.SessionExpired, map[string]any{"reason": reason})
	m.deps.Events.Emit(events.SessionRecovering, map[string]any{"reason": reason})
	m.deps.Logger.Warn("Session expired, recovering", "user_id", m.deps.UserID, "reason", reason)

	defer func() {
		if r := recover(); r != nil {
			m.deps.Logger.Error("Session recovery panicked", "user_id", m.deps.UserID, "panic", r)
			m.finishSignedOut(ctx, reason)
		}
	}()

	current, err := resilience.Run(ctx, m.deps.Executor, resilience.Call{Name: "session_lookup", Policy: m.cfg.Policy}, m.deps.Remote.GetSession)
	if err != nil {
		m.deps.Logger.Debug("Session lookup during expiry failed", "user_id", m.deps.UserID, "error", err)
	}
	userID := m.deps.UserID
	if current != nil && current.UserID != "" {
		userID = current.UserID
	}

	refreshed, err := resilience.Run(ctx, m.deps.Executor, resilience.Call{Name: "session_refresh", Policy: m.cfg.Policy}, m.deps.Remote.RefreshSession)
	if err == nil && refreshed.ValidAt(m.deps.Clock.Now()) {
		m.finishRefreshed(ctx, reason, userID)
		return
	}
	if err != nil {
		m.deps.Logger.Warn("Session refresh failed", "user_id", userID, "error", err)
	}
	m.finishSignedOut(ctx, reason)
}

func (m *Monitor) finishRefreshed(ctx context.Context, reason, userID string) {
	m.purge(ctx, userID)
	m.runExpiryHooks(reason)

	m.mu.Lock()
	m.state = Transition(m.state, Recovered)
	m.lastActivity = m.deps.Clock.Now()
	m.mu.Unlock()
	m.ResetSessionTimer()
	m.armHealth()

	m.deps.Metrics.SessionEvent("recovered")
	m.deps.Logger.Info("Session refreshed after expiry, reloading", "user_id", userID, "delay", m.cfg.ReloadDelay)
	m.sched.Schedule(timerReload, m.cfg.ReloadDelay, func() {
		m.deps.Recovery.ForceHardReload(context.Background(), "session_refreshed")
	})
}

func (m *Monitor) finishSignedOut(ctx context.Context, reason string) {
	err := m.deps.Executor.Do(ctx, resilience.Call{Name: "session_sign_out", Policy: m.cfg.Policy}, m.deps.Remote.SignOut)
	if err != nil {
		m.deps.Logger.Warn("Sign out failed", "user_id", m.deps.UserID, "error", err)
	}
	m.purge(ctx, m.deps.UserID)
	m.runExpiryHooks(reason)

	m.mu.Lock()
	m.state = Transition(m.state, SignedOut)
	m.mu.Unlock()

	m.deps.Metrics.SessionEvent("signed_out")
	m.deps.Logger.Info("Session signed out, reloading", "user_id", m.deps.UserID)
	m.deps.Recovery.ForceHardReload(ctx, "session_expired")
}

func (m *Monitor) purge(ctx context.Context, userID string) {
	if _, err := m.deps.Recovery.PurgeLocalState(ctx, recovery.Scope{UserID: userID}); err != nil {
		m.deps.Logger.Warn("Local state purge failed", "user_id", userID, "error", err)
	}
}

func (m *Monitor) runExpiryHooks(reason string) {
	if m.hooks.OnCleanup != nil {
		m.safeHook("on_cleanup", m.hooks.OnCleanup)
	}
	if m.hooks.OnExpired != nil {
		m.safeHook("on_expired", func() { m.hooks.OnExpired(reason) })
	}
}

func (m *Monitor) safeHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.deps.Logger.Error("Session hook panicked", "hook", name, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
