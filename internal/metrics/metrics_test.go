package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveAttempt("create_record", "retryable", 200*time.Millisecond)
	m.ObserveAttempt("create_record", "ok", 50*time.Millisecond)
	m.ObserveOperation("create_record", "ok")
	m.ObserveSave("debounce", "ok")
	m.SessionEvent("expired")
	m.LoadingEvent("stuck")
	m.Reload("session_expired")
	m.WorkspaceOpened()
	m.WorkspaceOpened()
	m.WorkspaceClosed()
	m.MessageDropped()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("create_record", "retryable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("create_record", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.saves.WithLabelValues("debounce", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionEvents.WithLabelValues("expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loadingEvents.WithLabelValues("stuck")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("session_expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeWorkspaces))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wsDropped))
	assert.Equal(t, 1, testutil.CollectAndCount(m.attemptDuration))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAttempt("op", "ok", time.Second)
		m.ObserveOperation("op", "ok")
		m.ObserveSave("flush", "failed")
		m.SessionEvent("warning")
		m.LoadingEvent("ghost")
		m.Reload("emergency")
		m.WorkspaceOpened()
		m.WorkspaceClosed()
		m.MessageDropped()
	})
}
