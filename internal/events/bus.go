// Package events carries typed notifications from the resilience core to
// whoever presents them (WebSocket hub, metrics, logs).
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/clinote/internal/scheduler"
)

// Type names an event.
type Type string

// Session events.
const (
	SessionWarning    Type = "session.warning"
	SessionExpired    Type = "session.expired"
	SessionExtended   Type = "session.extended"
	SessionRecovering Type = "session.recovering"
)

// Loading events.
const (
	LoadStuck         Type = "loading.stuck"
	LoadGhostDetected Type = "loading.ghost"
	LoadInactive      Type = "loading.inactive"
	LoadEmergency     Type = "loading.emergency"
)

// Autosave and recovery events.
const (
	AutoSaved       Type = "autosave.saved"
	AutoSaveFailed  Type = "autosave.failed"
	ReloadRequested Type = "recovery.reload"
	StatePurged     Type = "recovery.purged"
)

// Event is a single notification.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	At        time.Time      `json:"at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Emitter publishes events.
type Emitter interface {
	Emit(t Type, payload map[string]any)
}

// Handler receives events.
type Handler func(Event)

// Bus fans events out to subscribers in subscription order. Events are
// stamped with the bus's user and session identifiers.
type Bus struct {
	userID    string
	sessionID string
	logger    *slog.Logger
	clock     scheduler.Clock

	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
	order  []int
}

// NewBus creates a bus for one (user, tab) pair. Events are stamped from
// clock; nil means the system clock.
func NewBus(userID, sessionID string, clock scheduler.Clock, logger *slog.Logger) *Bus {
	if clock == nil {
		clock = scheduler.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		userID:    userID,
		sessionID: sessionID,
		logger:    logger,
		clock:     clock,
		subs:      make(map[int]Handler),
	}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = h
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
	for i, cur := range b.order {
		if cur == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Emit builds and publishes an event of type t.
func (b *Bus) Emit(t Type, payload map[string]any) {
	b.Publish(Event{
		ID:        uuid.NewString(),
		Type:      t,
		UserID:    b.userID,
		SessionID: b.sessionID,
		At:        b.clock.Now(),
		Payload:   payload,
	})
}

// Publish delivers evt to every subscriber.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, evt)
	}
}

func (b *Bus) deliver(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked",
				"event_type", evt.Type,
				"user_id", evt.UserID,
				"session_id", evt.SessionID,
				"panic", r,
			)
		}
	}()
	h(evt)
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Type, map[string]any) {}
