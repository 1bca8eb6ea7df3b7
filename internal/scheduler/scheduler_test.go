package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func TestScheduleFiresOnce(t *testing.T) {
	clock := NewManualClock(epoch)
	s := New(clock)

	fired := 0
	s.Schedule("debounce", 2*time.Second, func() { fired++ })
	assert.True(t, s.Pending("debounce"))

	clock.Advance(time.Second)
	assert.Equal(t, 0, fired)

	clock.Advance(time.Second)
	assert.Equal(t, 1, fired)
	assert.False(t, s.Pending("debounce"))

	clock.Advance(10 * time.Second)
	assert.Equal(t, 1, fired)
}

func TestScheduleRearmCancelsPrevious(t *testing.T) {
	clock := NewManualClock(epoch)
	s := New(clock)

	var got []string
	s.Schedule("debounce", 2*time.Second, func() { got = append(got, "first") })
	clock.Advance(1500 * time.Millisecond)
	s.Schedule("debounce", 2*time.Second, func() { got = append(got, "second") })

	clock.Advance(time.Second)
	assert.Empty(t, got, "rearm must cancel the first timer")

	clock.Advance(time.Second)
	assert.Equal(t, []string{"second"}, got)
	assert.Equal(t, 0, clock.Pending())
}

func TestEveryRepeatsUntilCancelled(t *testing.T) {
	clock := NewManualClock(epoch)
	s := New(clock)

	ticks := 0
	s.Every("health", 5*time.Second, func() { ticks++ })

	clock.Advance(16 * time.Second)
	assert.Equal(t, 3, ticks)

	s.Cancel("health")
	clock.Advance(time.Minute)
	assert.Equal(t, 3, ticks)
	assert.False(t, s.Pending("health"))
}

func TestEveryCallbackCanCancelItself(t *testing.T) {
	clock := NewManualClock(epoch)
	s := New(clock)

	ticks := 0
	s.Every("health", time.Second, func() {
		ticks++
		if ticks == 2 {
			s.Cancel("health")
		}
	})

	clock.Advance(10 * time.Second)
	assert.Equal(t, 2, ticks)
}

func TestStopIsIdempotentAndRefusesNewTimers(t *testing.T) {
	clock := NewManualClock(epoch)
	s := New(clock)

	fired := false
	s.Schedule("a", time.Second, func() { fired = true })
	s.Stop()
	s.Stop()

	s.Schedule("b", time.Second, func() { fired = true })
	clock.Advance(time.Minute)

	assert.False(t, fired)
	assert.Equal(t, 0, clock.Pending())
}

func TestStopBeforeAnyTimer(t *testing.T) {
	s := New(nil)
	s.Stop()
	s.Cancel("missing")
	assert.False(t, s.Pending("missing"))
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, Real(), time.Hour)
	require.ErrorIs(t, err, context.Canceled)

	start := time.Now()
	require.NoError(t, Sleep(context.Background(), Real(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRealClockScheduler(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	done := make(chan struct{})
	s.Schedule("once", 10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}
