// Package transport provides the request interceptor chain: every outgoing
// API request picks up the current access token from the session store, and
// an authorization failure is recovered exactly once by refreshing the token
// and replaying the request.
package transport

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/parishsuite/go-session-client/store"
)

// SessionClient is the slice of the auth client the interceptor needs.
type SessionClient interface {
	// Refresh attempts one token refresh and reports whether it succeeded.
	Refresh(ctx context.Context) bool
	// Logout destroys the session. Called when recovery fails.
	Logout(ctx context.Context)
}

// Interceptor is an http.RoundTripper that injects the bearer credential on
// the way out and performs the single refresh-and-retry on a 401 on the way
// back. Install it as the Transport of the http.Client used for API calls.
type Interceptor struct {
	base  http.RoundTripper
	store *store.SessionStore
	auth  SessionClient
	log   zerolog.Logger
}

// InterceptorOption modifies an Interceptor.
type InterceptorOption func(*Interceptor)

// WithBase sets the underlying RoundTripper. Defaults to
// http.DefaultTransport.
func WithBase(base http.RoundTripper) InterceptorOption {
	return func(i *Interceptor) {
		i.base = base
	}
}

// WithLogger sets the interceptor logger.
func WithLogger(log zerolog.Logger) InterceptorOption {
	return func(i *Interceptor) {
		i.log = log
	}
}

// NewInterceptor creates the interceptor chain over sessionStore and auth.
func NewInterceptor(sessionStore *store.SessionStore, auth SessionClient, options ...InterceptorOption) (*Interceptor, error) {
	if sessionStore == nil {
		return nil, errors.New("[NewInterceptor] session store is required")
	}
	if auth == nil {
		return nil, errors.New("[NewInterceptor] session client is required")
	}

	i := &Interceptor{
		base:  http.DefaultTransport,
		store: sessionStore,
		auth:  auth,
		log:   zerolog.Nop(),
	}
	for _, opt := range options {
		opt(i)
	}
	return i, nil
}

// RoundTrip implements http.RoundTripper. At most two attempts are made for
// a logical request: the original and, after a successful refresh, one
// replay. Every other error status passes through unmodified.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := i.base.RoundTrip(i.withBearer(req))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	if !replayable(req) {
		// The body cannot be rewound, so the request cannot be retried.
		return resp, nil
	}

	if !i.auth.Refresh(req.Context()) {
		i.log.Debug().Str("url", req.URL.String()).Msg("refresh failed after 401, logging out")
		i.auth.Logout(req.Context())
		return resp, nil
	}

	// Discard the 401 before replaying so the connection can be reused.
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	retryReq, err := i.replay(req)
	if err != nil {
		return nil, errors.Wrap(err, "[Interceptor.RoundTrip] failed to rebuild request for retry")
	}

	i.log.Debug().Str("url", req.URL.String()).Msg("retrying request with refreshed token")
	return i.base.RoundTrip(i.withBearer(retryReq))
}

// withBearer clones req and attaches the current access token when one is
// stored. Requests without a stored token go out unmodified: some endpoints
// are public.
func (i *Interceptor) withBearer(req *http.Request) *http.Request {
	pair, ok := i.store.Tokens()
	if !ok {
		return req
	}
	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+pair.Access)
	return authed
}

// replayable reports whether the request body can be re-sent.
func replayable(req *http.Request) bool {
	return req.Body == nil || req.GetBody != nil
}

// replay clones req with a rewound body.
func (i *Interceptor) replay(req *http.Request) (*http.Request, error) {
	retryReq := req.Clone(req.Context())
	if req.Body != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retryReq.Body = body
	}
	return retryReq, nil
}

var _ http.RoundTripper = (*Interceptor)(nil)
