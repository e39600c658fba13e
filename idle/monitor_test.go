package idle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parishsuite/go-session-client/idle"
	"github.com/parishsuite/go-session-client/session"
	"github.com/parishsuite/go-session-client/store"
)

type fakeLogoutClient struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeLogoutClient) Logout(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func (f *fakeLogoutClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type monitorFixture struct {
	store   *store.SessionStore
	client  *fakeLogoutClient
	monitor *idle.Monitor
}

func setupMonitor(t *testing.T, options ...idle.MonitorOption) *monitorFixture {
	t.Helper()

	f := &monitorFixture{
		store:  store.NewSessionStore(store.NewMemory()),
		client: &fakeLogoutClient{},
	}
	monitor, err := idle.NewMonitor(f.store, f.client, options...)
	require.NoError(t, err)
	f.monitor = monitor
	t.Cleanup(monitor.Stop)
	return f
}

func TestIdleThresholdEntersWarning(t *testing.T) {
	f := setupMonitor(t,
		idle.WithThreshold(30*time.Millisecond),
		idle.WithCheckInterval(10*time.Millisecond),
		idle.WithCountdown(60*time.Second),
	)
	require.NoError(t, f.monitor.Start())

	require.Eventually(t, func() bool {
		return f.monitor.State() == idle.Warning
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 60*time.Second, f.monitor.Remaining())

	state, ok := f.store.IdleState()
	require.True(t, ok, "entering warning broadcasts the idle flag")
	require.True(t, state.IsIdle)
	require.Equal(t, f.monitor.Origin(), state.Origin)
}

func TestKeepSignedInReturnsToActive(t *testing.T) {
	var warnings []time.Duration
	var mu sync.Mutex
	f := setupMonitor(t,
		idle.WithThreshold(30*time.Millisecond),
		idle.WithCheckInterval(10*time.Millisecond),
		idle.WithCountdown(60*time.Second),
		idle.WithOnWarning(func(remaining time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			warnings = append(warnings, remaining)
		}),
	)
	require.NoError(t, f.monitor.Start())

	require.Eventually(t, func() bool {
		return f.monitor.State() == idle.Warning
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	require.NotEmpty(t, warnings, "the warning callback is the stay-signed-in modal")
	require.Equal(t, 60*time.Second, warnings[0])
	mu.Unlock()

	f.monitor.KeepSignedIn()

	require.Equal(t, idle.Active, f.monitor.State())
	require.Equal(t, 60*time.Second, f.monitor.Remaining(), "countdown resets for the next warning")

	state, ok := f.store.IdleState()
	require.True(t, ok)
	require.False(t, state.IsIdle, "the reset is broadcast to sibling instances")
	require.Zero(t, f.client.count())
}

func TestCountdownExpiryLogsOutExactlyOnce(t *testing.T) {
	f := setupMonitor(t,
		idle.WithCountdown(30*time.Millisecond),
		idle.WithCountdownTick(10*time.Millisecond),
	)
	require.NoError(t, f.monitor.Start())

	f.monitor.Hidden()
	require.Equal(t, idle.Warning, f.monitor.State())

	require.Eventually(t, func() bool {
		return f.monitor.State() == idle.Expired
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return f.client.count() == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, f.client.count(), "expiry must log out exactly once")
}

func TestTouchDefersIdleDetection(t *testing.T) {
	f := setupMonitor(t,
		idle.WithThreshold(100*time.Millisecond),
		idle.WithCheckInterval(10*time.Millisecond),
	)
	require.NoError(t, f.monitor.Start())

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		f.monitor.Touch()
		time.Sleep(20 * time.Millisecond)
		require.Equal(t, idle.Active, f.monitor.State())
	}
}

func TestBroadcastPropagatesToSiblingInstance(t *testing.T) {
	shared := store.NewSessionStore(store.NewMemory())
	client := &fakeLogoutClient{}

	tabA, err := idle.NewMonitor(shared, client, idle.WithThreshold(time.Hour))
	require.NoError(t, err)
	tabB, err := idle.NewMonitor(shared, client, idle.WithThreshold(time.Hour))
	require.NoError(t, err)
	require.NoError(t, tabA.Start())
	require.NoError(t, tabB.Start())
	t.Cleanup(tabA.Stop)
	t.Cleanup(tabB.Stop)

	// Tab A goes idle; tab B has seen no local inactivity at all.
	tabA.Hidden()

	require.Eventually(t, func() bool {
		return tabB.State() == idle.Warning
	}, 2*time.Second, 5*time.Millisecond, "sibling should follow the broadcast into warning")

	// Tab B resolves the countdown; tab A follows.
	tabB.KeepSignedIn()

	require.Eventually(t, func() bool {
		return tabA.State() == idle.Active && tabB.State() == idle.Active
	}, 2*time.Second, 5*time.Millisecond)
}

func TestResetInSameMillisecondAsOwnBroadcastResolvesWarning(t *testing.T) {
	at := time.Now()
	f := setupMonitor(t,
		idle.WithThreshold(time.Hour),
		idle.WithMonitorNowTime(func() time.Time { return at }),
	)
	require.NoError(t, f.monitor.Start())

	f.monitor.Hidden()
	require.Equal(t, idle.Warning, f.monitor.State())

	// A sibling's keep-signed-in can carry the exact millisecond of the idle
	// broadcast above; it must not be dropped as stale.
	f.store.SetIdleState(session.NewIdleState(false, at, "http://localhost", "tab-other"))
	require.Equal(t, idle.Active, f.monitor.State())
}

func TestTiedTimestampResetWins(t *testing.T) {
	f := setupMonitor(t, idle.WithThreshold(time.Hour))
	require.NoError(t, f.monitor.Start())

	at := time.Now()
	f.store.SetIdleState(session.NewIdleState(true, at, "http://localhost/attendance", "tab-b"))
	require.Equal(t, idle.Warning, f.monitor.State())

	// Same millisecond, opposite flag: the reset takes precedence.
	f.store.SetIdleState(session.NewIdleState(false, at, "http://localhost", "tab-c"))
	require.Equal(t, idle.Active, f.monitor.State())

	// A re-delivered idle flag with the same stamp stays dropped.
	f.store.SetIdleState(session.NewIdleState(true, at, "http://localhost/attendance", "tab-b"))
	require.Equal(t, idle.Active, f.monitor.State())
}

func TestResetRestoresIdleTrackingAfterExpiry(t *testing.T) {
	f := setupMonitor(t,
		idle.WithCountdown(30*time.Millisecond),
		idle.WithCountdownTick(10*time.Millisecond),
	)
	require.NoError(t, f.monitor.Start())

	f.monitor.Hidden()
	require.Eventually(t, func() bool {
		return f.monitor.State() == idle.Expired
	}, 2*time.Second, 5*time.Millisecond)

	// A fresh login brings the monitor back to life.
	f.monitor.Reset()
	require.Equal(t, idle.Active, f.monitor.State())
	require.Equal(t, 30*time.Millisecond, f.monitor.Remaining())

	f.monitor.Hidden()
	require.Equal(t, idle.Warning, f.monitor.State())

	require.Eventually(t, func() bool {
		return f.client.count() == 2
	}, 2*time.Second, 5*time.Millisecond, "the new session's countdown must be live again")
}

func TestStaleBroadcastsAreIgnored(t *testing.T) {
	f := setupMonitor(t, idle.WithThreshold(time.Hour))
	require.NoError(t, f.monitor.Start())

	now := time.Now()
	f.store.SetIdleState(session.NewIdleState(true, now, "http://localhost/attendance", "tab-other"))

	require.Eventually(t, func() bool {
		return f.monitor.State() == idle.Warning
	}, 2*time.Second, 5*time.Millisecond)

	// An older reset must not resolve the countdown.
	f.store.SetIdleState(session.NewIdleState(false, now.Add(-time.Minute), "http://localhost", "tab-stale"))
	require.Equal(t, idle.Warning, f.monitor.State())

	// A newer reset does.
	f.store.SetIdleState(session.NewIdleState(false, now.Add(time.Minute), "http://localhost", "tab-other"))
	require.Eventually(t, func() bool {
		return f.monitor.State() == idle.Active
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOwnBroadcastsAreIgnored(t *testing.T) {
	f := setupMonitor(t, idle.WithThreshold(time.Hour))
	require.NoError(t, f.monitor.Start())

	f.monitor.Hidden()
	require.Equal(t, idle.Warning, f.monitor.State())

	// The broadcast written by Hidden above came back through the watcher;
	// the monitor must not have treated it as a sibling's signal (which
	// would have been a second warning entry).
	require.Equal(t, idle.Warning, f.monitor.State())
	require.Zero(t, f.client.count())
}

func TestHiddenOnPortalDoesNotWarn(t *testing.T) {
	f := setupMonitor(t,
		idle.WithThreshold(time.Hour),
		idle.WithPortalOnly("portal.example.com"),
		idle.WithLocation("https://portal.example.com/dashboard"),
	)
	require.NoError(t, f.monitor.Start())

	f.monitor.Hidden()
	require.Equal(t, idle.Active, f.monitor.State(), "portal pages are exempt from hidden-page warnings")
}

func TestHiddenOffPortalWarns(t *testing.T) {
	f := setupMonitor(t,
		idle.WithThreshold(time.Hour),
		idle.WithPortalOnly("portal.example.com"),
		idle.WithLocation("https://dashboard.example.com/attendance"),
	)
	require.NoError(t, f.monitor.Start())

	f.monitor.Hidden()
	require.Equal(t, idle.Warning, f.monitor.State())
}

func TestVisibleCountsAsActivity(t *testing.T) {
	f := setupMonitor(t,
		idle.WithThreshold(100*time.Millisecond),
		idle.WithCheckInterval(10*time.Millisecond),
	)
	require.NoError(t, f.monitor.Start())

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		f.monitor.Visible()
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, idle.Active, f.monitor.State())
}

func TestStopCancelsCountdown(t *testing.T) {
	f := setupMonitor(t,
		idle.WithCountdown(30*time.Millisecond),
		idle.WithCountdownTick(10*time.Millisecond),
	)
	require.NoError(t, f.monitor.Start())

	f.monitor.Hidden()
	f.monitor.Stop()

	time.Sleep(60 * time.Millisecond)
	require.Zero(t, f.client.count(), "a cancelled countdown must not fire logout")
}

func TestNewMonitorValidatesArguments(t *testing.T) {
	shared := store.NewSessionStore(store.NewMemory())

	_, err := idle.NewMonitor(nil, &fakeLogoutClient{})
	require.Error(t, err)

	_, err = idle.NewMonitor(shared, nil)
	require.Error(t, err)
}
