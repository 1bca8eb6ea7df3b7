// Package metrics exposes Prometheus instruments for the resilience core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clinote"

// Metrics groups every instrument the daemon exports.
type Metrics struct {
	attempts         *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	operations       *prometheus.CounterVec
	saves            *prometheus.CounterVec
	sessionEvents    *prometheus.CounterVec
	loadingEvents    *prometheus.CounterVec
	reloads          *prometheus.CounterVec
	activeWorkspaces prometheus.Gauge
	wsDropped        prometheus.Counter
}

// New registers all instruments on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "attempts_total",
			Help:      "Operation attempts by operation and outcome",
		}, []string{"operation", "outcome"}),
		attemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of single operation attempts",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "operations_total",
			Help:      "Completed executor calls by operation and result kind",
		}, []string{"operation", "result"}),
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autosave",
			Name:      "saves_total",
			Help:      "Autosave attempts by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		sessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Session lifecycle events by type",
		}, []string{"event"}),
		loadingEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loading",
			Name:      "events_total",
			Help:      "Loading health events by type",
		}, []string{"event"}),
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "reloads_total",
			Help:      "Forced reloads by reason",
		}, []string{"reason"}),
		activeWorkspaces: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workspace",
			Name:      "active",
			Help:      "Open workspaces",
		}),
		wsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_messages_total",
			Help:      "Outbound WebSocket messages dropped under backpressure",
		}),
	}
}

// ObserveAttempt records one executor attempt.
func (m *Metrics) ObserveAttempt(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(operation, outcome).Inc()
	m.attemptDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveOperation records the final result of an executor call.
func (m *Metrics) ObserveOperation(operation, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, result).Inc()
}

// ObserveSave records an autosave attempt.
func (m *Metrics) ObserveSave(trigger, outcome string) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(trigger, outcome).Inc()
}

// SessionEvent counts a session lifecycle event.
func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues(event).Inc()
}

// LoadingEvent counts a loading health event.
func (m *Metrics) LoadingEvent(event string) {
	if m == nil {
		return
	}
	m.loadingEvents.WithLabelValues(event).Inc()
}

// Reload counts a forced reload.
func (m *Metrics) Reload(reason string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(reason).Inc()
}

// WorkspaceOpened increments the open workspace gauge.
func (m *Metrics) WorkspaceOpened() {
	if m == nil {
		return
	}
	m.activeWorkspaces.Inc()
}

// WorkspaceClosed decrements the open workspace gauge.
func (m *Metrics) WorkspaceClosed() {
	if m == nil {
		return
	}
	m.activeWorkspaces.Dec()
}

// MessageDropped counts an outbound message dropped by the hub.
func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.wsDropped.Inc()
}
