// Package guard gates access to protected routes: token validity is checked
// (and refreshed if necessary) before a protected handler runs, and
// unauthenticated requests are redirected to the login route. Because every
// request re-runs the check, a logout performed anywhere — another instance
// included — locks this instance out on its next request, which covers the
// back-navigation-after-logout case of the original dashboard.
package guard

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/parishsuite/go-session-client/session"
)

// Decision is the outcome of a guard check. The checking phase itself is the
// in-flight call.
type Decision int

const (
	// Unauthorized means the request must be redirected to the login route.
	Unauthorized Decision = iota
	// Authorized means the protected content may be served.
	Authorized
)

func (d Decision) String() string {
	if d == Authorized {
		return "authorized"
	}
	return "unauthorized"
}

// Verifier is the slice of the auth client the guard consults.
type Verifier interface {
	CheckTokenValidity(ctx context.Context) bool
	Refresh(ctx context.Context) bool
}

// TokenStore is the slice of the session store the guard reads and clears.
type TokenStore interface {
	Tokens() (session.TokenPair, bool)
	ClearTokens()
}

// DefaultLoginPath is where unauthenticated requests are sent.
const DefaultLoginPath = "/"

// Guard protects routes behind a session check.
type Guard struct {
	store     TokenStore
	auth      Verifier
	loginPath string
	log       zerolog.Logger
}

// GuardOption modifies a Guard.
type GuardOption func(*Guard)

// WithLoginPath sets the redirect target for unauthenticated requests.
func WithLoginPath(path string) GuardOption {
	return func(g *Guard) {
		if path != "" {
			g.loginPath = path
		}
	}
}

// WithGuardLogger sets the guard logger.
func WithGuardLogger(log zerolog.Logger) GuardOption {
	return func(g *Guard) {
		g.log = log
	}
}

// New creates a Guard over store and auth.
func New(store TokenStore, auth Verifier, options ...GuardOption) (*Guard, error) {
	if store == nil {
		return nil, errors.New("[guard.New] token store is required")
	}
	if auth == nil {
		return nil, errors.New("[guard.New] verifier is required")
	}

	g := &Guard{
		store:     store,
		auth:      auth,
		loginPath: DefaultLoginPath,
		log:       zerolog.Nop(),
	}
	for _, opt := range options {
		opt(g)
	}
	return g, nil
}

// Check runs the session check. With no stored tokens the answer is
// Unauthorized without any network call. Otherwise the token is verified;
// an invalid token gets one refresh attempt, and a failed refresh clears
// the stored tokens.
func (g *Guard) Check(ctx context.Context) Decision {
	if _, ok := g.store.Tokens(); !ok {
		return Unauthorized
	}

	if g.auth.CheckTokenValidity(ctx) {
		return Authorized
	}

	if g.auth.Refresh(ctx) {
		return Authorized
	}

	g.log.Debug().Msg("token invalid and refresh failed, clearing session")
	g.store.ClearTokens()
	return Unauthorized
}

// Middleware wraps a protected handler with the session check.
func (g *Guard) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.Check(r.Context()) != Authorized {
			g.log.Debug().Str("path", r.URL.Path).Msg("unauthorized, redirecting to login")
			http.Redirect(w, r, g.loginPath, http.StatusSeeOther)
			return
		}
		next(w, r)
	}
}
