// Package autosave persists the draft a tab is editing: after a quiet
// period, on a fixed interval and on demand, never twice for the same
// content and never with two saves in flight.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/containerd/errdefs"

	"github.com/ashureev/clinote/internal/domain"
	"github.com/ashureev/clinote/internal/events"
	"github.com/ashureev/clinote/internal/metrics"
	"github.com/ashureev/clinote/internal/resilience"
	"github.com/ashureev/clinote/internal/scheduler"
)

const (
	timerDebounce = "autosave.debounce"
	timerInterval = "autosave.interval"
)

// Trigger names what started a save.
type Trigger string

const (
	TriggerDebounce Trigger = "debounce"
	TriggerInterval Trigger = "interval"
	TriggerFlush    Trigger = "flush"
)

var (
	// ErrSaveInProgress is returned by Flush while another save is in
	// flight. The content may still be dirty; the caller should flush again.
	ErrSaveInProgress = fmt.Errorf("autosave already in progress: %w", errdefs.ErrConflict)

	// errNoRecordID is returned when a create succeeds without an identifier.
	errNoRecordID = errors.New("backend returned no record id")
)

// Records is the remote persistence contract.
type Records interface {
	CreateRecord(ctx context.Context, payload domain.DraftPayload) (*domain.DraftRecord, error)
	UpdateRecord(ctx context.Context, id string, payload domain.DraftPayload) (*domain.DraftRecord, error)
}

// Config holds the coordinator's timing and thresholds.
type Config struct {
	Debounce  time.Duration
	Interval  time.Duration
	MinLength int
	Policy    resilience.Policy
}

// DefaultConfig returns the default timing.
func DefaultConfig() Config {
	return Config{
		Debounce:  2 * time.Second,
		Interval:  30 * time.Second,
		MinLength: 10,
		Policy:    resilience.DefaultPolicy(),
	}
}

// Hooks are optional caller callbacks. They run outside the coordinator's lock.
type Hooks struct {
	OnSaved func(Record)
	OnError func(error)
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	UserID   string
	Records  Records
	Executor *resilience.Executor
	Clock    scheduler.Clock
	Events   events.Emitter
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Record is a point-in-time view of the autosave state of the current subject.
type Record struct {
	Subject     string    `json:"subject"`
	RemoteID    string    `json:"remote_id,omitempty"`
	Fingerprint string    `json:"-"`
	Length      int       `json:"length"`
	LastSavedAt time.Time `json:"last_saved_at,omitzero"`
	IsSaving    bool      `json:"is_saving"`
	IsDirty     bool      `json:"is_dirty"`
}

// Coordinator owns the autosave state of one editor. Switching the subject
// starts over with an empty fingerprint and no remote record.
type Coordinator struct {
	cfg   Config
	deps  Deps
	hooks Hooks
	sched *scheduler.Scheduler

	mu          sync.Mutex
	subject     string
	content     string
	fingerprint string
	remoteID    string
	lastSavedAt time.Time
	saving      bool
	generation  uint64
	started     bool
	stopped     bool
}

// New creates a coordinator. Call Start to arm the interval save.
func New(cfg Config, deps Deps, hooks Hooks) *Coordinator {
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
	return &Coordinator{
		cfg:   cfg,
		deps:  deps,
		hooks: hooks,
		sched: scheduler.New(deps.Clock),
	}
}

// Start arms the interval save.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	if c.cfg.Interval > 0 {
		c.sched.Every(timerInterval, c.cfg.Interval, func() {
			c.save(context.Background(), TriggerInterval)
		})
	}
}

// Stop cancels both timers. A save already in flight completes but its
// result is still applied. Safe to call repeatedly and before Start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.sched.Stop()
}

// SetSubject switches the editor to subject. A different subject resets the
// fingerprint, remote identifier and timestamp.
func (c *Coordinator) SetSubject(subject string) {
	c.mu.Lock()
	changed := c.switchLocked(subject)
	c.mu.Unlock()
	if changed {
		c.sched.Cancel(timerDebounce)
	}
}

func (c *Coordinator) switchLocked(subject string) bool {
	if subject == c.subject {
		return false
	}
	if c.subject != "" {
		c.deps.Logger.Debug("Autosave subject changed", "user_id", c.deps.UserID, "from", c.subject, "to", subject)
	}
	c.subject = subject
	c.content = ""
	c.fingerprint = ""
	c.remoteID = ""
	c.lastSavedAt = time.Time{}
	c.generation++
	return true
}

// Update records new content for subject and re-arms the debounce timer.
func (c *Coordinator) Update(subject, content string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.switchLocked(subject)
	c.content = content
	c.mu.Unlock()

	if c.cfg.Debounce > 0 {
		c.sched.Schedule(timerDebounce, c.cfg.Debounce, func() {
			c.save(context.Background(), TriggerDebounce)
		})
	}
}

// Flush saves immediately when the content differs from what was last
// persisted. It reports whether a save ran, and ErrSaveInProgress when
// another save is still in flight.
func (c *Coordinator) Flush(ctx context.Context) (bool, error) {
	return c.save(ctx, TriggerFlush)
}

// Snapshot returns the current record.
func (c *Coordinator) Snapshot() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Record{
		Subject:     c.subject,
		RemoteID:    c.remoteID,
		Fingerprint: c.fingerprint,
		Length:      utf8.RuneCountInString(c.content),
		LastSavedAt: c.lastSavedAt,
		IsSaving:    c.saving,
		IsDirty:     c.content != c.fingerprint,
	}
}

func (c *Coordinator) save(ctx context.Context, trigger Trigger) (bool, error) {
	c.mu.Lock()
	if c.subject == "" {
		c.mu.Unlock()
		return false, nil
	}
	if c.saving {
		c.mu.Unlock()
		return false, ErrSaveInProgress
	}
	content := c.content
	if content == c.fingerprint {
		c.mu.Unlock()
		return false, nil
	}
	if trigger == TriggerDebounce && utf8.RuneCountInString(content) <= c.cfg.MinLength {
		c.mu.Unlock()
		return false, nil
	}
	c.saving = true
	subject := c.subject
	remoteID := c.remoteID
	gen := c.generation
	c.mu.Unlock()

	payload := domain.DraftPayload{Subject: subject, Content: content}
	var (
		rec *domain.DraftRecord
		err error
	)
	if remoteID == "" {
		rec, err = resilience.Run(ctx, c.deps.Executor, resilience.Call{Name: "autosave_create", Policy: c.cfg.Policy},
			func(ctx context.Context) (*domain.DraftRecord, error) {
				return c.deps.Records.CreateRecord(ctx, payload)
			})
		if err == nil && (rec == nil || rec.ID == "") {
			err = errNoRecordID
		}
	} else {
		rec, err = resilience.Run(ctx, c.deps.Executor, resilience.Call{Name: "autosave_update", Policy: c.cfg.Policy},
			func(ctx context.Context) (*domain.DraftRecord, error) {
				return c.deps.Records.UpdateRecord(ctx, remoteID, payload)
			})
	}

	c.mu.Lock()
	c.saving = false
	if gen != c.generation {
		c.mu.Unlock()
		c.deps.Metrics.ObserveSave(string(trigger), "discarded")
		c.deps.Logger.Info("Autosave result discarded after subject change", "user_id", c.deps.UserID, "subject", subject)
		return true, nil
	}
	if err != nil {
		c.mu.Unlock()
		err = fmt.Errorf("autosave %s: %w", subject, err)
		c.deps.Metrics.ObserveSave(string(trigger), "failed")
		c.deps.Events.Emit(events.AutoSaveFailed, map[string]any{
			"subject": subject,
			"trigger": string(trigger),
			"error":   err.Error(),
		})
		c.deps.Logger.Warn("Autosave failed", "user_id", c.deps.UserID, "subject", subject, "trigger", trigger, "error", err)
		if c.hooks.OnError != nil {
			c.safeHook("on_error", func() { c.hooks.OnError(err) })
		}
		return true, err
	}
	c.fingerprint = content
	if remoteID == "" {
		c.remoteID = rec.ID
	}
	c.lastSavedAt = c.deps.Clock.Now()
	snap := Record{
		Subject:     c.subject,
		RemoteID:    c.remoteID,
		Fingerprint: c.fingerprint,
		Length:      utf8.RuneCountInString(c.content),
		LastSavedAt: c.lastSavedAt,
		IsDirty:     c.content != c.fingerprint,
	}
	c.mu.Unlock()

	c.deps.Metrics.ObserveSave(string(trigger), "saved")
	c.deps.Events.Emit(events.AutoSaved, map[string]any{
		"subject":   subject,
		"remote_id": snap.RemoteID,
		"trigger":   string(trigger),
	})
	c.deps.Logger.Debug("Autosave completed", "user_id", c.deps.UserID, "subject", subject, "trigger", trigger, "remote_id", snap.RemoteID)
	if c.hooks.OnSaved != nil {
		c.safeHook("on_saved", func() { c.hooks.OnSaved(snap) })
	}
	return true, nil
}

func (c *Coordinator) safeHook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.deps.Logger.Error("Autosave hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}
