// Package idle detects user inactivity, runs the stay-signed-in countdown,
// and keeps every open session instance in sync through idle-flag broadcasts
// on the shared store.
package idle

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/parishsuite/go-session-client/session"
)

// State of the idle monitor.
type State int

const (
	// Active means user interaction has been observed recently.
	Active State = iota
	// Warning means the countdown is running and the user has been asked to
	// stay signed in.
	Warning
	// Expired means the countdown reached zero and the session was
	// destroyed.
	Expired
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Warning:
		return "warning"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Defaults for the inactivity threshold and the warning countdown.
const (
	DefaultThreshold     = 10 * time.Minute
	DefaultCountdown     = 60 * time.Second
	defaultCheckInterval = time.Second
	defaultCountdownTick = time.Second
)

// Client is the slice of the auth client the monitor invokes on expiry.
type Client interface {
	Logout(ctx context.Context)
}

// IdleStore is the shared idle flag channel. Implemented by
// store.SessionStore.
type IdleStore interface {
	SetIdleState(session.IdleState)
	ClearIdleState()
	WatchIdle(fn func(session.IdleState)) (cancel func(), err error)
}

// Monitor is the idle state machine for one session instance. Activity and
// visibility changes are reported through Touch, Hidden, and Visible; the
// monitor broadcasts idle transitions so sibling instances enter their own
// countdown, and ignores stale broadcasts by monotonic timestamp comparison.
type Monitor struct {
	threshold     time.Duration
	countdown     time.Duration
	checkInterval time.Duration
	countdownTick time.Duration
	portalOnly    bool
	portalHost    string
	location      string
	origin        string

	store  IdleStore
	client Client
	log    zerolog.Logger

	nowTime   func() time.Time
	onWarning func(remaining time.Duration)

	mu            sync.Mutex
	state         State
	lastActivity  time.Time
	remaining     time.Duration
	stopCountdown chan struct{}
	stopChecker   chan struct{}
	watchCancel   func()
	lastBroadcast int64
}

// MonitorOption modifies a Monitor.
type MonitorOption func(*Monitor)

// WithThreshold sets how long without activity counts as idle.
func WithThreshold(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.threshold = d
		}
	}
}

// WithCountdown sets the length of the stay-signed-in countdown.
func WithCountdown(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.countdown = d
		}
	}
}

// WithCheckInterval sets how often inactivity is evaluated (primarily for
// testing).
func WithCheckInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.checkInterval = d
		}
	}
}

// WithCountdownTick sets the countdown granularity (primarily for testing).
func WithCountdownTick(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.countdownTick = d
		}
	}
}

// WithPortalOnly restricts hidden-page warnings to instances whose location
// is not on portalHost. With the policy off, hiding the page always starts
// the countdown.
func WithPortalOnly(portalHost string) MonitorOption {
	return func(m *Monitor) {
		m.portalOnly = true
		m.portalHost = portalHost
	}
}

// WithLocation sets the location reported in broadcasts.
func WithLocation(location string) MonitorOption {
	return func(m *Monitor) {
		m.location = location
	}
}

// WithOnWarning registers the countdown callback: the modal of the original
// dashboard. It fires on entering Warning and on every countdown tick with
// the remaining time.
func WithOnWarning(fn func(remaining time.Duration)) MonitorOption {
	return func(m *Monitor) {
		m.onWarning = fn
	}
}

// WithMonitorLogger sets the monitor logger.
func WithMonitorLogger(log zerolog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.log = log
	}
}

// WithMonitorNowTime sets the now time function (primarily for testing).
func WithMonitorNowTime(nowFunc func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.nowTime = nowFunc
	}
}

// NewMonitor creates a stopped monitor over idleStore and client.
func NewMonitor(idleStore IdleStore, client Client, options ...MonitorOption) (*Monitor, error) {
	if idleStore == nil {
		return nil, errors.New("[NewMonitor] idle store is required")
	}
	if client == nil {
		return nil, errors.New("[NewMonitor] client is required")
	}

	m := &Monitor{
		threshold:     DefaultThreshold,
		countdown:     DefaultCountdown,
		checkInterval: defaultCheckInterval,
		countdownTick: defaultCountdownTick,
		origin:        uuid.New().String(),
		store:         idleStore,
		client:        client,
		log:           zerolog.Nop(),
		nowTime:       time.Now,
		state:         Active,
	}
	for _, opt := range options {
		opt(m)
	}
	m.remaining = m.countdown
	return m, nil
}

// Origin identifies this monitor in broadcasts.
func (m *Monitor) Origin() string {
	return m.origin
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Remaining returns the countdown time left; outside Warning it is the full
// countdown length.
func (m *Monitor) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

// Start subscribes to idle broadcasts and begins watching for inactivity.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopChecker != nil {
		return nil
	}

	cancel, err := m.store.WatchIdle(m.handleBroadcast)
	if err != nil {
		return errors.Wrap(err, "[Monitor.Start] failed to watch idle broadcasts")
	}
	m.watchCancel = cancel
	m.lastActivity = m.nowTime()
	m.stopChecker = make(chan struct{})
	go m.watchInactivity(m.stopChecker)
	return nil
}

// Stop cancels the broadcast subscription, the inactivity checker, and any
// running countdown. Safe to call when not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	if m.stopChecker != nil {
		close(m.stopChecker)
		m.stopChecker = nil
	}
	m.cancelCountdownLocked()
}

// Touch records user activity.
func (m *Monitor) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = m.nowTime()
}

// Hidden reports that the page went to the background. Depending on the
// portal policy this starts the countdown immediately.
func (m *Monitor) Hidden() {
	if m.portalOnly && m.onPortal() {
		return
	}
	m.enterWarning(true)
}

// Visible reports that the page returned to the foreground; it counts as
// activity but does not resolve a running countdown.
func (m *Monitor) Visible() {
	m.Touch()
}

// KeepSignedIn resolves a running countdown in the user's favor: back to
// Active, countdown reset, and an isIdle=false broadcast so sibling
// instances reset too.
func (m *Monitor) KeepSignedIn() {
	m.mu.Lock()
	if m.state != Warning {
		m.mu.Unlock()
		return
	}
	m.cancelCountdownLocked()
	m.state = Active
	m.remaining = m.countdown
	m.lastActivity = m.nowTime()
	broadcast := session.NewIdleState(false, m.nowTime(), m.location, m.origin)
	m.mu.Unlock()

	m.store.SetIdleState(broadcast)
	m.log.Debug().Msg("user chose to stay signed in")
}

// Reset returns the monitor to Active for a newly established session.
// Expired is terminal for the session that expired, so a fresh login must
// call Reset to restart idle tracking. Any running countdown is cancelled.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCountdownLocked()
	m.state = Active
	m.remaining = m.countdown
	m.lastActivity = m.nowTime()
}

// watchInactivity periodically compares the last observed activity against
// the idle threshold.
func (m *Monitor) watchInactivity(stop chan struct{}) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			idle := m.state == Active && m.nowTime().Sub(m.lastActivity) >= m.threshold
			m.mu.Unlock()
			if idle {
				m.enterWarning(true)
			}
		}
	}
}

// enterWarning starts the countdown. When broadcast is true the idle flag is
// published so sibling instances follow; broadcasts received from siblings
// re-enter here with broadcast=false.
func (m *Monitor) enterWarning(broadcast bool) {
	m.mu.Lock()
	if m.state != Active {
		m.mu.Unlock()
		return
	}
	m.state = Warning
	m.remaining = m.countdown
	stop := make(chan struct{})
	m.stopCountdown = stop

	var idleState session.IdleState
	if broadcast {
		idleState = session.NewIdleState(true, m.nowTime(), m.location, m.origin)
	}
	onWarning := m.onWarning
	remaining := m.remaining
	m.mu.Unlock()

	if broadcast {
		m.store.SetIdleState(idleState)
	}
	if onWarning != nil {
		onWarning(remaining)
	}
	m.log.Info().Dur("countdown", remaining).Msg("session idle, starting countdown")

	go m.runCountdown(stop)
}

// runCountdown decrements the remaining time until it hits zero or the
// countdown is cancelled.
func (m *Monitor) runCountdown(stop chan struct{}) {
	ticker := time.NewTicker(m.countdownTick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.state != Warning || m.stopCountdown != stop {
				m.mu.Unlock()
				return
			}
			m.remaining -= m.countdownTick
			expired := m.remaining <= 0
			if expired {
				m.state = Expired
				m.stopCountdown = nil
				m.remaining = 0
			}
			onWarning := m.onWarning
			remaining := m.remaining
			m.mu.Unlock()

			if onWarning != nil && !expired {
				onWarning(remaining)
			}
			if expired {
				m.log.Warn().Msg("idle countdown expired, logging out")
				// Logout runs outside the lock: its hooks may call back into
				// Stop.
				m.client.Logout(context.Background())
				return
			}
		}
	}
}

// handleBroadcast applies an idle broadcast from the shared store. Own
// broadcasts are filtered by origin; the staleness watermark tracks only
// broadcasts received from siblings. Timestamps have millisecond resolution,
// so an exact tie breaks in favor of the reset: a keep-signed-in landing in
// the same millisecond as an idle flag must still resolve the countdown.
func (m *Monitor) handleBroadcast(state session.IdleState) {
	m.mu.Lock()
	if state.Origin == m.origin {
		m.mu.Unlock()
		return
	}
	if state.Timestamp < m.lastBroadcast || (state.Timestamp == m.lastBroadcast && state.IsIdle) {
		m.mu.Unlock()
		return
	}
	m.lastBroadcast = state.Timestamp

	if !state.IsIdle {
		// A sibling resolved the countdown; reset to Active.
		m.cancelCountdownLocked()
		if m.state == Warning {
			m.state = Active
			m.remaining = m.countdown
			m.lastActivity = m.nowTime()
		}
		m.mu.Unlock()
		m.log.Debug().Str("from", state.Origin).Msg("idle reset broadcast received")
		return
	}
	m.mu.Unlock()

	m.log.Debug().Str("from", state.Origin).Msg("idle broadcast received")
	m.enterWarning(false)
}

// cancelCountdownLocked must be called with the lock held.
func (m *Monitor) cancelCountdownLocked() {
	if m.stopCountdown != nil {
		close(m.stopCountdown)
		m.stopCountdown = nil
	}
}

// onPortal reports whether this instance's location is on the designated
// portal host.
func (m *Monitor) onPortal() bool {
	if m.location == "" || m.portalHost == "" {
		return false
	}
	u, err := url.Parse(m.location)
	if err != nil {
		return false
	}
	return u.Host == m.portalHost
}
