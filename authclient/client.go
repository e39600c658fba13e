// Package authclient wraps the platform's authentication endpoints: login,
// logout, token verify, token refresh, and the current-user resource. It owns
// every write to the session store so token state changes in exactly two
// ways: a full pair is written, or everything is cleared.
package authclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	sessionerrors "github.com/parishsuite/go-session-client/internal/errors"
	"github.com/parishsuite/go-session-client/session"
	"github.com/parishsuite/go-session-client/store"
)

// Platform endpoints, relative to the API base URL.
const (
	loginPath   = "/login/"
	logoutPath  = "/logout/"
	userPath    = "/user/"
	verifyPath  = "/token/verify/"
	refreshPath = "/token/refresh/"
)

// Timeout configuration for the individual operations.
const (
	loginTimeout   = 10 * time.Second
	logoutTimeout  = 5 * time.Second
	profileTimeout = 10 * time.Second
	verifyTimeout  = 10 * time.Second
	refreshTimeout = 10 * time.Second
)

// Doer executes HTTP requests. Satisfied by the retrying client used in
// production and by fakes in tests.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// LoginPayload is the body returned by POST /login/.
type LoginPayload struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Client talks to the platform's authentication endpoints over the session
// store.
type Client struct {
	baseURL  string
	http     Doer
	store    *store.SessionStore
	notifier Notifier
	log      zerolog.Logger
	nowTime  func() time.Time

	// refreshGroup collapses concurrent refresh attempts (interceptor,
	// background loop, route guard) into a single network call.
	refreshGroup singleflight.Group

	hooksMu     sync.Mutex
	logoutHooks []func()
}

// Option modifies a Client.
type Option func(*Client)

// WithDoer sets the HTTP client used for every request.
func WithDoer(doer Doer) Option {
	return func(c *Client) {
		c.http = doer
	}
}

// WithNotifier sets the notification sink for login/logout events.
func WithNotifier(n Notifier) Option {
	return func(c *Client) {
		c.notifier = n
	}
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(c *Client) {
		c.nowTime = nowFunc
	}
}

// New creates a Client for the API at baseURL backed by sessionStore.
func New(baseURL string, sessionStore *store.SessionStore, options ...Option) (*Client, error) {
	if err := validateBaseURL(baseURL); err != nil {
		return nil, errors.Wrap(err, "[authclient.New] invalid base URL")
	}
	if sessionStore == nil {
		return nil, errors.New("[authclient.New] session store is required")
	}

	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		store:    sessionStore,
		notifier: NopNotifier{},
		log:      zerolog.Nop(),
		nowTime:  time.Now,
	}
	for _, opt := range options {
		opt(c)
	}

	if c.http == nil {
		doer, err := defaultDoer()
		if err != nil {
			return nil, errors.Wrap(err, "[authclient.New] failed to create HTTP client")
		}
		c.http = doer
	}

	return c, nil
}

func validateBaseURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("base URL cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL must include a host")
	}
	return nil
}

// defaultDoer builds the retrying HTTP client used when none is supplied.
func defaultDoer() (Doer, error) {
	base := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	return retry.NewBackgroundClient(retry.WithHTTPClient(base))
}

// Login posts the credentials and, on success, persists the token pair and
// eagerly fetches and caches the user profile. On any failure the session
// state is exactly as it was before the call and the error is returned for
// display.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginPayload, error) {
	c.notifier.LoggingIn()

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	body := map[string]string{"username": username, "password": password}
	status, data, err := c.roundTrip(ctx, http.MethodPost, loginPath, body, "")
	if err != nil {
		fetchErr := &FetchError{Op: "Login", Err: err}
		c.notifier.LoginFailed(fetchErr)
		return nil, fetchErr
	}
	if status < 200 || status >= 300 {
		fetchErr := &FetchError{Op: "Login", StatusCode: status, Err: serverDetail(data)}
		c.notifier.LoginFailed(fetchErr)
		return nil, fetchErr
	}

	var payload LoginPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		fetchErr := &FetchError{Op: "Login", Err: errors.Wrap(err, "parse login payload")}
		c.notifier.LoginFailed(fetchErr)
		return nil, fetchErr
	}

	pair := session.TokenPair{Access: payload.Access, Refresh: payload.Refresh}
	if !pair.Valid() {
		err := &FetchError{Op: "Login", Err: errors.New("login payload is missing a credential")}
		c.notifier.LoginFailed(err)
		return nil, err
	}

	// A login over an existing session (re-login) must not destroy it on
	// failure, so the prior pair is captured for rollback.
	previous, hadSession := c.store.Tokens()

	if err := c.store.SetTokens(pair); err != nil {
		c.notifier.LoginFailed(err)
		return nil, err
	}

	// The profile is part of a successful login; if it cannot be fetched the
	// store is rolled back to its pre-login state.
	if _, err := c.UserInfo(ctx); err != nil {
		if hadSession {
			_ = c.store.SetTokens(previous)
		} else {
			c.store.ClearTokens()
		}
		c.notifier.LoginFailed(err)
		return nil, errors.Wrap(err, "[Login] failed to fetch user profile")
	}

	c.notifier.LoginSucceeded()
	return &payload, nil
}

// Logout posts a best-effort logout request carrying the refresh token, then
// unconditionally clears the tokens and the cached profile and fires the
// registered logged-out hooks. A user must always be able to leave the
// authenticated state, so Logout never fails.
func (c *Client) Logout(ctx context.Context) {
	if pair, ok := c.store.Tokens(); ok {
		logoutCtx, cancel := context.WithTimeout(ctx, logoutTimeout)
		body := map[string]string{"refresh": pair.Refresh}
		if status, _, err := c.roundTrip(logoutCtx, http.MethodPost, logoutPath, body, pair.Access); err != nil {
			c.log.Debug().Err(err).Msg("logout request failed, clearing local session anyway")
		} else if status < 200 || status >= 300 {
			c.log.Debug().Int("status", status).Msg("logout request rejected, clearing local session anyway")
		}
		cancel()
	}

	c.store.ClearTokens()
	c.store.ClearProfile()
	c.notifier.LoggedOut()

	c.hooksMu.Lock()
	hooks := make([]func(), len(c.logoutHooks))
	copy(hooks, c.logoutHooks)
	c.hooksMu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// OnLogout registers fn to run after every logout, once the session state
// has been cleared. The background loop, idle monitor, and route guard use
// this to observe session destruction.
func (c *Client) OnLogout(fn func()) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.logoutHooks = append(c.logoutHooks, fn)
}

// UserInfo fetches the current user and persists every non-null field into
// the store for quick synchronous reads elsewhere.
func (c *Client) UserInfo(ctx context.Context) (session.UserProfile, error) {
	pair, ok := c.store.Tokens()
	if !ok {
		return nil, &FetchError{Op: "UserInfo", Err: sessionerrors.ErrNotAuthenticated}
	}

	ctx, cancel := context.WithTimeout(ctx, profileTimeout)
	defer cancel()

	status, data, err := c.roundTrip(ctx, http.MethodGet, userPath, nil, pair.Access)
	if err != nil {
		return nil, &FetchError{Op: "UserInfo", Err: err}
	}
	if status < 200 || status >= 300 {
		return nil, &FetchError{Op: "UserInfo", StatusCode: status, Err: serverDetail(data)}
	}

	var profile session.UserProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, &FetchError{Op: "UserInfo", Err: errors.Wrap(err, "parse user profile")}
	}

	c.store.SetProfile(profile)
	return profile, nil
}

// UpdateProfile sends a partial profile update and refreshes the cached
// profile with the server's response. Field-keyed validation failures come
// back as *ValidationError for per-field display.
func (c *Client) UpdateProfile(ctx context.Context, partial map[string]any) (session.UserProfile, error) {
	pair, ok := c.store.Tokens()
	if !ok {
		return nil, &FetchError{Op: "UpdateProfile", Err: sessionerrors.ErrNotAuthenticated}
	}

	ctx, cancel := context.WithTimeout(ctx, profileTimeout)
	defer cancel()

	status, data, err := c.roundTrip(ctx, http.MethodPatch, userPath, partial, pair.Access)
	if err != nil {
		return nil, &FetchError{Op: "UpdateProfile", Err: err}
	}

	if status == http.StatusBadRequest {
		if fields := parseFieldErrors(data); fields != nil {
			return nil, &ValidationError{Fields: fields}
		}
	}
	if status < 200 || status >= 300 {
		return nil, &FetchError{Op: "UpdateProfile", StatusCode: status, Err: serverDetail(data)}
	}

	var profile session.UserProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, &FetchError{Op: "UpdateProfile", Err: errors.Wrap(err, "parse user profile")}
	}

	c.store.SetProfile(profile)
	return profile, nil
}

// CheckTokenValidity probes the verify endpoint with the stored access
// token. It is a boolean probe: absence of a token, a network failure, and a
// rejection all read as false.
func (c *Client) CheckTokenValidity(ctx context.Context) bool {
	pair, ok := c.store.Tokens()
	if !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	body := map[string]string{"token": pair.Access}
	status, _, err := c.roundTrip(ctx, http.MethodPost, verifyPath, body, "")
	if err != nil {
		c.log.Debug().Err(err).Msg("token verify request failed")
		return false
	}
	return status >= 200 && status < 300
}

// Refresh exchanges the stored refresh token for a new pair. Concurrent
// callers share one in-flight attempt; everyone observes the same result.
// Like CheckTokenValidity it never fails, it just reports false.
func (c *Client) Refresh(ctx context.Context) bool {
	// The first caller's context drives the shared attempt. Later callers
	// joining the flight inherit its deadline, which all callers set to the
	// same refreshTimeout anyway.
	result, _, _ := c.refreshGroup.Do(refreshPath, func() (any, error) {
		return c.doRefresh(ctx), nil
	})
	ok, _ := result.(bool)
	return ok
}

func (c *Client) doRefresh(ctx context.Context) bool {
	pair, ok := c.store.Tokens()
	if !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	body := map[string]string{"refresh": pair.Refresh}
	status, data, err := c.roundTrip(ctx, http.MethodPost, refreshPath, body, "")
	if err != nil {
		c.log.Debug().Err(err).Msg("token refresh request failed")
		return false
	}
	if status < 200 || status >= 300 {
		c.log.Debug().Int("status", status).Msg("token refresh rejected")
		return false
	}

	var payload LoginPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.log.Debug().Err(err).Msg("failed to parse refresh payload")
		return false
	}

	// Without rotation the server omits the refresh credential; keep the
	// current one in that case.
	if payload.Refresh == "" {
		payload.Refresh = pair.Refresh
	}

	newPair := session.TokenPair{Access: payload.Access, Refresh: payload.Refresh}
	if !newPair.Valid() {
		return false
	}
	if err := c.store.SetTokens(newPair); err != nil {
		return false
	}

	if exp, err := TokenExpiry(newPair.Access); err == nil {
		c.log.Debug().Time("expires_at", exp).Msg("access token refreshed")
	}
	return true
}

// roundTrip builds, sends, and drains one API request. body is JSON-encoded
// when non-nil; accessToken is attached as a bearer credential when present.
func (c *Client) roundTrip(ctx context.Context, method, path string, body any, accessToken string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errors.Wrap(err, "encode request body")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, errors.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.DoWithContext(ctx, req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "read response")
	}
	return resp.StatusCode, data, nil
}

// serverDetail extracts the human-readable detail message the platform puts
// in error bodies, falling back to the raw body.
func serverDetail(data []byte) error {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Detail != "" {
		return errors.New(payload.Detail)
	}
	if len(data) > 0 {
		return errors.New(string(data))
	}
	return errors.New("no error detail provided")
}

// parseFieldErrors decodes a field-keyed validation body. Values may be a
// single message or a list of messages per field.
func parseFieldErrors(data []byte) map[string][]string {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return nil
	}

	fields := make(map[string][]string, len(raw))
	for name, value := range raw {
		switch v := value.(type) {
		case string:
			fields[name] = []string{v}
		case []any:
			messages := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					messages = append(messages, s)
				}
			}
			if len(messages) == 0 {
				return nil
			}
			fields[name] = messages
		default:
			return nil
		}
	}
	return fields
}
