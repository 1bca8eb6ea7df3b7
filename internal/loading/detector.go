package loading

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/clinote/internal/events"
	"github.com/ashureev/clinote/internal/metrics"
	"github.com/ashureev/clinote/internal/scheduler"
)

const (
	timerMaxLoading = "loading.max"
	timerHealth     = "loading.health"
)

// Reloader forces a full reload of the tab.
type Reloader interface {
	ForceHardReload(ctx context.Context, reason string)
}

// Config holds the detector's thresholds.
type Config struct {
	MaxLoadingTime    time.Duration
	InactivityTimeout time.Duration
	HealthInterval    time.Duration
	GhostGrace        time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxLoadingTime:    30 * time.Second,
		InactivityTimeout: 30 * time.Minute,
		HealthInterval:    5 * time.Second,
		GhostGrace:        2 * time.Second,
	}
}

// Signals are page-readiness hints reported by the tab.
type Signals struct {
	InFlight      int  `json:"in_flight"`
	DocumentReady bool `json:"document_ready"`
}

// idle reports whether the signals show no real work.
func (s Signals) idle() bool {
	return s.DocumentReady && s.InFlight <= 0
}

// Hooks are optional caller callbacks. They run outside the detector's lock.
type Hooks struct {
	OnExcessiveLoading   func(elapsed time.Duration)
	OnInactivityDetected func(idle time.Duration)
	OnGhostLoad          func(elapsed time.Duration)
	OnEmergency          func()
}

// Deps are the collaborators of a Detector.
type Deps struct {
	Reloader Reloader
	Clock    scheduler.Clock
	Events   events.Emitter
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Snapshot is a point-in-time view of the detector.
type Snapshot struct {
	State          State     `json:"-"`
	StateName      string    `json:"state"`
	IsTracking     bool      `json:"is_tracking"`
	IsStuck        bool      `json:"is_stuck"`
	IsInactive     bool      `json:"is_inactive"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	ElapsedMS      int64     `json:"elapsed_ms"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Signals        Signals   `json:"signals"`
}

// Detector owns the LoadingEpisode of one tab. It never returns errors;
// every finding is reported through hooks and events.
type Detector struct {
	cfg   Config
	deps  Deps
	hooks Hooks
	sched *scheduler.Scheduler

	mu           sync.Mutex
	state        State
	startedAt    time.Time
	lastActivity time.Time
	inactive     bool
	signals      Signals
	enabled      bool
	suspended    bool
	dead         bool
}

// New creates a detector. Call Start to enable the periodic health check.
func New(cfg Config, deps Deps, hooks Hooks) *Detector {
	if deps.Clock == nil {
		deps.Clock = scheduler.Real()
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Detector{
		cfg:          cfg,
		deps:         deps,
		hooks:        hooks,
		sched:        scheduler.New(deps.Clock),
		lastActivity: deps.Clock.Now(),
	}
}

// Start enables the periodic health check. It also resumes a detector
// suspended by an emergency reload.
func (d *Detector) Start() {
	d.mu.Lock()
	if d.enabled || d.dead {
		d.mu.Unlock()
		return
	}
	d.enabled = true
	d.suspended = false
	d.mu.Unlock()

	d.armHealth()
}

func (d *Detector) armHealth() {
	if d.cfg.HealthInterval > 0 {
		d.sched.Every(timerHealth, d.cfg.HealthInterval, d.checkHealth)
	}
}

// Stop cancels every timer. It is safe to call repeatedly and before Start.
func (d *Detector) Stop() {
	d.mu.Lock()
	d.dead = true
	d.enabled = false
	d.mu.Unlock()
	d.sched.Stop()
}

// StartTracking opens a loading episode. It is a no-op while one is open.
// The first episode after an emergency reload resumes the health check.
func (d *Detector) StartTracking() {
	d.mu.Lock()
	if d.state.tracking() || d.dead {
		d.mu.Unlock()
		return
	}
	d.state = Transition(d.state, Begin)
	d.startedAt = d.deps.Clock.Now()
	d.signals = Signals{}
	resume := d.suspended
	if resume {
		d.suspended = false
		d.enabled = true
	}
	d.mu.Unlock()

	if resume {
		d.armHealth()
	}
	d.sched.Schedule(timerMaxLoading, d.cfg.MaxLoadingTime, d.onMaxLoading)
}

// StopTracking closes the open episode and returns its duration. It is a
// no-op returning zero when nothing is tracked.
func (d *Detector) StopTracking() time.Duration {
	d.mu.Lock()
	if !d.state.tracking() {
		d.mu.Unlock()
		return 0
	}
	elapsed := d.deps.Clock.Now().Sub(d.startedAt)
	d.state = Transition(d.state, Complete)
	d.startedAt = time.Time{}
	d.mu.Unlock()

	d.sched.Cancel(timerMaxLoading)
	return elapsed
}

func (d *Detector) onMaxLoading() {
	d.mu.Lock()
	if d.state != Tracking {
		d.mu.Unlock()
		return
	}
	elapsed := d.deps.Clock.Now().Sub(d.startedAt)
	d.state = Transition(d.state, Exceeded)
	d.mu.Unlock()

	d.deps.Metrics.LoadingEvent("stuck")
	d.deps.Events.Emit(events.LoadStuck, map[string]any{"elapsed_ms": elapsed.Milliseconds()})
	d.deps.Logger.Warn("Loading exceeded its budget", "elapsed", elapsed, "max", d.cfg.MaxLoadingTime)
	if d.hooks.OnExcessiveLoading != nil {
		d.safeHook("on_excessive_loading", func() { d.hooks.OnExcessiveLoading(elapsed) })
	}
}

// UpdateActivity records user activity and re-arms inactivity detection.
func (d *Detector) UpdateActivity() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastActivity = d.deps.Clock.Now()
	d.inactive = false
}

// VisibilityChanged refreshes activity when the tab becomes visible.
// Tracking is never paused while hidden.
func (d *Detector) VisibilityChanged(visible bool) {
	if visible {
		d.UpdateActivity()
	}
}

// UpdateSignals stores the latest page-readiness signals.
func (d *Detector) UpdateSignals(s Signals) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signals = s
}

func (d *Detector) checkHealth() {
	now := d.deps.Clock.Now()

	d.mu.Lock()
	idle := now.Sub(d.lastActivity)
	becameInactive := false
	if d.cfg.InactivityTimeout > 0 && idle >= d.cfg.InactivityTimeout && !d.inactive {
		d.inactive = true
		becameInactive = true
	}

	ghost := false
	var elapsed time.Duration
	if d.state.tracking() && d.signals.idle() {
		elapsed = now.Sub(d.startedAt)
		if elapsed >= d.cfg.GhostGrace {
			d.state = Transition(d.state, Ghost)
			d.startedAt = time.Time{}
			ghost = true
		}
	}
	d.mu.Unlock()

	if becameInactive {
		d.deps.Metrics.LoadingEvent("inactive")
		d.deps.Events.Emit(events.LoadInactive, map[string]any{"idle_ms": idle.Milliseconds()})
		d.deps.Logger.Info("User inactivity detected", "idle", idle)
		if d.hooks.OnInactivityDetected != nil {
			d.safeHook("on_inactivity_detected", func() { d.hooks.OnInactivityDetected(idle) })
		}
	}

	if ghost {
		d.sched.Cancel(timerMaxLoading)
		d.deps.Metrics.LoadingEvent("ghost")
		d.deps.Events.Emit(events.LoadGhostDetected, map[string]any{"elapsed_ms": elapsed.Milliseconds()})
		d.deps.Logger.Info("Ghost load detected, tracking stopped", "elapsed", elapsed)
		if d.hooks.OnGhostLoad != nil {
			d.safeHook("on_ghost_load", func() { d.hooks.OnGhostLoad(elapsed) })
		}
	}
}

// ReportUncaughtError handles an uncaught error or rejected async operation
// from the tab. While loading is stuck it forces an emergency reload and
// returns true; otherwise it only logs.
func (d *Detector) ReportUncaughtError(ctx context.Context, message string) bool {
	d.mu.Lock()
	stuck := d.state == Stuck
	d.mu.Unlock()

	if !stuck {
		d.deps.Logger.Debug("Uncaught error reported", "message", message)
		return false
	}
	d.deps.Logger.Warn("Uncaught error while loading is stuck", "message", message)
	d.ForceEmergencyReload(ctx)
	return true
}

// ForceEmergencyReload cancels every timer, runs the emergency hook and
// reloads the tab. The detector stays suspended until the reloaded tab
// calls Start or StartTracking again.
func (d *Detector) ForceEmergencyReload(ctx context.Context) {
	d.mu.Lock()
	if d.dead || d.suspended {
		d.mu.Unlock()
		return
	}
	d.state = Transition(d.state, Abort)
	d.startedAt = time.Time{}
	d.suspended = true
	d.enabled = false
	d.mu.Unlock()

	d.sched.Cancel(timerMaxLoading)
	d.sched.Cancel(timerHealth)

	d.deps.Metrics.LoadingEvent("emergency")
	d.deps.Events.Emit(events.LoadEmergency, nil)
	if d.hooks.OnEmergency != nil {
		d.safeHook("on_emergency", d.hooks.OnEmergency)
	}
	if d.deps.Reloader != nil {
		d.deps.Reloader.ForceHardReload(ctx, "loading_emergency")
	}
}

// Snapshot returns the current state.
func (d *Detector) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	var elapsed time.Duration
	if d.state.tracking() {
		elapsed = d.deps.Clock.Now().Sub(d.startedAt)
	}
	return Snapshot{
		State:          d.state,
		StateName:      d.state.String(),
		IsTracking:     d.state.tracking(),
		IsStuck:        d.state == Stuck,
		IsInactive:     d.inactive,
		StartedAt:      d.startedAt,
		ElapsedMS:      elapsed.Milliseconds(),
		LastActivityAt: d.lastActivity,
		Signals:        d.signals,
	}
}

func (d *Detector) safeHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.deps.Logger.Error("Loading hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}
