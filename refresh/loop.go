// Package refresh runs the background loop that keeps the access token
// valid without waiting for a request to fail.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/parishsuite/go-session-client/authclient"
	"github.com/parishsuite/go-session-client/session"
)

// DefaultInterval is how often the loop re-validates the access token.
const DefaultInterval = 4 * time.Minute

// Client is the slice of the auth client the loop drives.
type Client interface {
	CheckTokenValidity(ctx context.Context) bool
	Refresh(ctx context.Context) bool
	Logout(ctx context.Context)
}

// TokenSource reports whether a full token pair is currently stored.
type TokenSource interface {
	Tokens() (session.TokenPair, bool)
}

// Loop periodically validates the access token and proactively refreshes
// it, logging the user out when refresh fails. The timer is an owned handle:
// Start is idempotent and Stop is safe to call when not running.
type Loop struct {
	interval time.Duration
	tokens   TokenSource
	client   Client
	log      zerolog.Logger

	mu   sync.Mutex
	stop chan struct{}
}

// LoopOption modifies a Loop.
type LoopOption func(*Loop)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithLogger sets the loop logger.
func WithLogger(log zerolog.Logger) LoopOption {
	return func(l *Loop) {
		l.log = log
	}
}

// NewLoop creates a stopped loop over tokens and client.
func NewLoop(tokens TokenSource, client Client, options ...LoopOption) (*Loop, error) {
	if tokens == nil {
		return nil, errors.New("[NewLoop] token source is required")
	}
	if client == nil {
		return nil, errors.New("[NewLoop] client is required")
	}

	l := &Loop{
		interval: DefaultInterval,
		tokens:   tokens,
		client:   client,
		log:      zerolog.Nop(),
	}
	for _, opt := range options {
		opt(l)
	}
	return l, nil
}

// Start begins ticking. Any previously running timer is cancelled first, so
// calling Start twice leaves exactly one timer active.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop != nil {
		close(l.stop)
	}
	stop := make(chan struct{})
	l.stop = stop
	go l.run(stop)
}

// Stop cancels the timer. Safe to call when not running.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
}

// Running reports whether the loop currently owns a timer.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stop != nil
}

func (l *Loop) run(stop chan struct{}) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !l.tick() {
				l.clear(stop)
				return
			}
		}
	}
}

// tick performs one validate/refresh pass. It reports false when the loop
// should stop: tokens are gone, or refresh failed and the session was
// destroyed. A network error on a single tick is treated the same as
// "refresh failed"; it never crashes the loop.
func (l *Loop) tick() bool {
	pair, ok := l.tokens.Tokens()
	if !ok {
		l.log.Debug().Msg("no stored tokens, stopping refresh loop")
		return false
	}

	ctx := context.Background()
	if l.client.CheckTokenValidity(ctx) {
		if exp, err := authclient.TokenExpiry(pair.Access); err == nil {
			l.log.Debug().Dur("expires_in", time.Until(exp)).Msg("access token still valid")
		}
		return true
	}

	if l.client.Refresh(ctx) {
		l.log.Info().Msg("access token refreshed in background")
		return true
	}

	l.log.Warn().Msg("background refresh failed, logging out")
	l.client.Logout(ctx)
	return false
}

// clear forgets the stop handle after a self-initiated exit, but only if it
// still belongs to this run.
func (l *Loop) clear(stop chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop == stop {
		l.stop = nil
	}
}
