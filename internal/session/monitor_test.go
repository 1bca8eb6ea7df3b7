package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/clinote/internal/domain"
	"github.com/ashureev/clinote/internal/events"
	"github.com/ashureev/clinote/internal/recovery"
	"github.com/ashureev/clinote/internal/resilience"
	"github.com/ashureev/clinote/internal/scheduler"
	"github.com/ashureev/clinote/internal/shared"
)

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

type fakeRemote struct {
	clock *scheduler.ManualClock

	mu         sync.Mutex
	valid      bool
	refreshOK  bool
	getErr     error
	getCalls   int
	refreshes  int
	signOuts   int
	onRefresh  func()
	getBlocker chan struct{}
}

func (r *fakeRemote) session() *domain.Session {
	return &domain.Session{UserID: "user-1", ExpiresAt: r.clock.Now().Add(time.Hour).Unix()}
}

func (r *fakeRemote) GetSession(context.Context) (*domain.Session, error) {
	r.mu.Lock()
	r.getCalls++
	blocker := r.getBlocker
	valid, err := r.valid, r.getErr
	r.mu.Unlock()

	if blocker != nil {
		<-blocker
	}
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, nil
	}
	return r.session(), nil
}

func (r *fakeRemote) RefreshSession(context.Context) (*domain.Session, error) {
	r.mu.Lock()
	r.refreshes++
	ok, hook := r.refreshOK, r.onRefresh
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	if !ok {
		return nil, errors.New("refresh token revoked")
	}
	return r.session(), nil
}

func (r *fakeRemote) SignOut(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signOuts++
	r.valid = false
	return nil
}

type fakeRecovery struct {
	mu      sync.Mutex
	purges  []string
	reloads []string
}

func (f *fakeRecovery) PurgeLocalState(_ context.Context, scope recovery.Scope) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges = append(f.purges, scope.UserID)
	return 1, nil
}

func (f *fakeRecovery) ForceHardReload(_ context.Context, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads = append(f.reloads, reason)
}

func (f *fakeRecovery) reloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reloads)
}

type harness struct {
	clock    *scheduler.ManualClock
	remote   *fakeRemote
	recovery *fakeRecovery
	bus      *events.Bus
	monitor  *Monitor
	mu       sync.Mutex
	events   []events.Type
	expired  []string
	cleanups int
	warnings int
}

func testConfig() Config {
	return Config{
		SessionTimeout: 60 * time.Minute,
		WarningBefore:  5 * time.Minute,
		HealthInterval: 30 * time.Second,
		ReloadDelay:    1500 * time.Millisecond,
		Policy:         resilience.Policy{},
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clock := scheduler.NewManualClock(t0)
	h := &harness{
		clock:    clock,
		remote:   &fakeRemote{clock: clock, valid: true, refreshOK: true},
		recovery: &fakeRecovery{},
		bus:      events.NewBus("user-1", "tab-1", nil, nil),
	}
	h.bus.Subscribe(func(e events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e.Type)
	})
	h.monitor = New(cfg, Deps{
		UserID:   "user-1",
		Remote:   h.remote,
		Recovery: h.recovery,
		Executor: resilience.NewExecutor(resilience.WithClock(clock)),
		Clock:    clock,
		Events:   h.bus,
	}, Hooks{
		OnWarning: func(time.Duration) { h.warnings++ },
		OnExpired: func(reason string) { h.expired = append(h.expired, reason) },
		OnCleanup: func() { h.cleanups++ },
	})
	t.Cleanup(h.monitor.Stop)
	return h
}

func TestDeadlineWithSuccessfulRefreshReloadsAfterDelay(t *testing.T) {
	cfg := testConfig()
	cfg.HealthInterval = 0
	h := newHarness(t, cfg)
	h.monitor.Start()

	h.clock.Advance(60 * time.Minute)

	assert.Equal(t, 1, h.remote.refreshes)
	assert.Equal(t, 0, h.remote.signOuts)
	assert.Equal(t, []string{"user-1"}, h.recovery.purges)
	assert.Equal(t, 1, h.cleanups)
	assert.Equal(t, []string{"deadline_reached"}, h.expired)
	assert.Equal(t, 0, h.recovery.reloadCount(), "reload must wait for the delay")

	h.clock.Advance(1499 * time.Millisecond)
	assert.Equal(t, 0, h.recovery.reloadCount())
	h.clock.Advance(time.Millisecond)
	assert.Equal(t, []string{"session_refreshed"}, h.recovery.reloads)

	assert.Equal(t, Active, h.monitor.Snapshot().State)
	assert.Contains(t, h.events, events.SessionExpired)
	assert.Contains(t, h.events, events.SessionRecovering)
}

func TestDeadlineWithFailedRefreshSignsOutAndReloadsImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.HealthInterval = 0
	h := newHarness(t, cfg)
	h.remote.refreshOK = false
	h.monitor.Start()

	require.NotPanics(t, func() { h.clock.Advance(60 * time.Minute) })

	assert.Equal(t, 1, h.remote.signOuts)
	assert.Equal(t, []string{"user-1"}, h.recovery.purges)
	assert.Equal(t, []string{"session_expired"}, h.recovery.reloads)
	assert.Equal(t, 1, h.cleanups)

	snap := h.monitor.Snapshot()
	assert.True(t, snap.IsExpired)
	assert.False(t, h.clock.Now().Before(snap.Deadline))
}

func TestActivityDoesNotExtendDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.HealthInterval = 0
	h := newHarness(t, cfg)
	h.monitor.Start()
	deadline := h.monitor.Snapshot().Deadline

	h.clock.Advance(30 * time.Minute)
	h.monitor.RegisterActivity()

	snap := h.monitor.Snapshot()
	assert.Equal(t, deadline, snap.Deadline)
	assert.Equal(t, h.clock.Now(), snap.LastActivityAt)

	h.clock.Advance(30 * time.Minute)
	assert.Equal(t, 1, h.remote.refreshes, "deadline must fire despite activity")
}

func TestExtendSessionResetsDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.HealthInterval = 0
	h := newHarness(t, cfg)
	h.monitor.Start()

	h.clock.Advance(50 * time.Minute)
	require.NoError(t, h.monitor.ExtendSession(context.Background()))

	snap := h.monitor.Snapshot()
	assert.Equal(t, h.clock.Now().Add(60*time.Minute), snap.Deadline)
	assert.Equal(t, h.clock.Now(), snap.LastActivityAt)
	assert.Contains(t, h.events, events.SessionExtended)

	h.clock.Advance(59 * time.Minute)
	assert.Equal(t, 0, h.remote.refreshes)
}

func TestExtendSessionWithoutRemoteSessionExpires(t *testing.T) {
	h := newHarness(t, testConfig())
	h.remote.valid = false
	h.remote.refreshOK = false
	h.monitor.Start()

	err := h.monitor.ExtendSession(context.Background())

	var expired *shared.SessionExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, []string{"extend_failed"}, h.expired)
	assert.Equal(t, []string{"session_expired"}, h.recovery.reloads)
}

func TestExtendSessionAutomaticallyUsesRefresh(t *testing.T) {
	h := newHarness(t, testConfig())
	h.monitor.Start()

	require.NoError(t, h.monitor.ExtendSessionAutomatically(context.Background()))
	assert.Equal(t, 1, h.remote.refreshes)
	assert.Equal(t, 0, h.remote.getCalls)
}

func TestHealthCheckWarnsOncePerCrossing(t *testing.T) {
	h := newHarness(t, testConfig())
	h.monitor.Start()

	h.clock.Advance(54 * time.Minute)
	assert.Equal(t, 0, h.warnings)
	assert.Equal(t, Active, h.monitor.Snapshot().State)

	h.clock.Advance(90 * time.Second)
	assert.Equal(t, 1, h.warnings)
	assert.True(t, h.monitor.Snapshot().IsWarning)

	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, h.warnings, "warning must not repeat while still in the window")

	require.NoError(t, h.monitor.ExtendSession(context.Background()))
	assert.Equal(t, Active, h.monitor.Snapshot().State)

	h.clock.Advance(56 * time.Minute)
	assert.Equal(t, 2, h.warnings)
}

func TestHealthCheckFailureRoutesToExpiry(t *testing.T) {
	h := newHarness(t, testConfig())
	h.monitor.Start()

	h.remote.mu.Lock()
	h.remote.getErr = errors.New("connection refused")
	h.remote.mu.Unlock()
	h.clock.Advance(30 * time.Second)

	assert.Equal(t, []string{"health_check_failed"}, h.expired)
	assert.Equal(t, 1, h.remote.refreshes)
}

func TestHealthCheckRejectsServerExpiredSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.monitor.Start()
	h.remote.refreshOK = false
	h.monitor.deps.Remote = expiredRemote{h.remote}
	h.clock.Advance(30 * time.Second)

	assert.Equal(t, []string{"health_check_failed"}, h.expired)
}

type expiredRemote struct{ *fakeRemote }

func (r expiredRemote) GetSession(context.Context) (*domain.Session, error) {
	return &domain.Session{UserID: "user-1", ExpiresAt: r.clock.Now().Add(-time.Second).Unix()}, nil
}

func TestExpiryHandlingIsNotReentrant(t *testing.T) {
	cfg := testConfig()
	cfg.HealthInterval = 0
	h := newHarness(t, cfg)

	var nestedErr error
	h.remote.onRefresh = func() {
		nestedErr = h.monitor.ExtendSession(context.Background())
		h.monitor.handleExpiry(context.Background(), "nested")
	}
	h.monitor.Start()
	h.clock.Advance(60 * time.Minute)

	var expired *shared.SessionExpiredError
	assert.ErrorAs(t, nestedErr, &expired)
	assert.Equal(t, 1, h.remote.refreshes)
	assert.Equal(t, []string{"deadline_reached"}, h.expired)
}

func TestConcurrentExtensionsCollapse(t *testing.T) {
	h := newHarness(t, testConfig())
	blocker := make(chan struct{})
	h.remote.getBlocker = blocker
	h.monitor.Start()

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.monitor.ExtendSession(context.Background()); err != nil {
				failures.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool {
		h.remote.mu.Lock()
		defer h.remote.mu.Unlock()
		return h.remote.getCalls == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(blocker)
	wg.Wait()

	assert.Equal(t, int32(0), failures.Load())
	assert.LessOrEqual(t, h.remote.getCalls, 5)
}

func TestAbandonedExtensionDoesNotExpire(t *testing.T) {
	h := newHarness(t, testConfig())
	blocker := make(chan struct{})
	h.remote.getBlocker = blocker
	h.monitor.Start()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.monitor.ExtendSession(ctx) }()

	require.Eventually(t, func() bool {
		h.remote.mu.Lock()
		defer h.remote.mu.Unlock()
		return h.remote.getCalls == 1
	}, time.Second, time.Millisecond)
	cancel()

	err := <-errc
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, shared.ErrSessionExpired)
	assert.Equal(t, 0, h.remote.signOuts)
	assert.Equal(t, 0, h.recovery.reloadCount())
	assert.Equal(t, Active, h.monitor.Snapshot().State)

	close(blocker)
}

func TestSharedExtensionSurvivesFirstCallerCancel(t *testing.T) {
	h := newHarness(t, testConfig())
	blocker := make(chan struct{})
	h.remote.getBlocker = blocker
	h.monitor.Start()

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- h.monitor.ExtendSession(ctx) }()
	require.Eventually(t, func() bool {
		h.remote.mu.Lock()
		defer h.remote.mu.Unlock()
		return h.remote.getCalls == 1
	}, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() { second <- h.monitor.ExtendSession(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(blocker)
	require.NoError(t, <-second)
	assert.Equal(t, 0, h.remote.signOuts)
	assert.Equal(t, 0, h.recovery.reloadCount())
	assert.Equal(t, Active, h.monitor.Snapshot().State)
}

func TestStopIsIdempotentAndSafeBeforeStart(t *testing.T) {
	h := newHarness(t, testConfig())
	h.monitor.Stop()
	h.monitor.Stop()
	h.monitor.Start()

	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, 0, h.remote.refreshes)
	assert.Equal(t, 0, h.clock.Pending())
}
