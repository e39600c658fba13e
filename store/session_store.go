package store

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	sessionerrors "github.com/parishsuite/go-session-client/internal/errors"
	"github.com/parishsuite/go-session-client/session"
)

// Keys used by the session layer inside the underlying Store. Everything
// else in the store is a flattened user-profile field.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyIdleState    = "idleState"

	// keyProfileFields tracks which profile fields have been flattened into
	// the store so they can be cleared precisely on logout.
	keyProfileFields = "profileFields"
)

// reservedKeys are never written as profile fields.
var reservedKeys = map[string]struct{}{
	KeyAccessToken:   {},
	KeyRefreshToken:  {},
	KeyIdleState:     {},
	keyProfileFields: {},
}

// SessionStore is the typed session view over a durable Store. It enforces
// the token-pairing invariant (both credentials present or neither), keeps a
// transient in-memory mirror of the tokens (the session-scoped duplicate of
// the original dashboard), and handles the flattened profile fields and the
// shared idle flag.
type SessionStore struct {
	mu        sync.Mutex
	durable   Store
	transient *Memory
}

// NewSessionStore wraps durable with the typed session accessors.
func NewSessionStore(durable Store) *SessionStore {
	return &SessionStore{
		durable:   durable,
		transient: NewMemory(),
	}
}

// Tokens returns the stored pair. It reports false unless both credentials
// are present: a half-written pair reads as "not authenticated".
func (s *SessionStore) Tokens() (session.TokenPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	access, okAccess := s.durable.Get(KeyAccessToken)
	refresh, okRefresh := s.durable.Get(KeyRefreshToken)
	if !okAccess || !okRefresh {
		return session.TokenPair{}, false
	}
	pair := session.TokenPair{Access: access, Refresh: refresh}
	if !pair.Valid() {
		return session.TokenPair{}, false
	}
	return pair, true
}

// SetTokens persists the pair to the durable store and the transient mirror.
// Invalid pairs (either credential empty) are rejected so a partial pair can
// never be stored.
func (s *SessionStore) SetTokens(pair session.TokenPair) error {
	if !pair.Valid() {
		return errors.Wrap(sessionerrors.ErrPartialTokenPair, "[SessionStore.SetTokens]")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.durable.Set(KeyAccessToken, pair.Access)
	s.durable.Set(KeyRefreshToken, pair.Refresh)
	s.transient.Set(KeyAccessToken, pair.Access)
	s.transient.Set(KeyRefreshToken, pair.Refresh)
	return nil
}

// ClearTokens removes both credentials from both layers.
func (s *SessionStore) ClearTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.durable.Remove(KeyAccessToken)
	s.durable.Remove(KeyRefreshToken)
	s.transient.Remove(KeyAccessToken)
	s.transient.Remove(KeyRefreshToken)
}

// TransientTokens reads the session-scoped mirror, which survives only for
// the lifetime of this process.
func (s *SessionStore) TransientTokens() (session.TokenPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	access, okAccess := s.transient.Get(KeyAccessToken)
	refresh, okRefresh := s.transient.Get(KeyRefreshToken)
	if !okAccess || !okRefresh {
		return session.TokenPair{}, false
	}
	return session.TokenPair{Access: access, Refresh: refresh}, true
}

// SetProfile flattens every non-null profile field into its own store entry
// for synchronous reads elsewhere, and records the field names so they can
// be removed on logout. Fields that collide with session keys are skipped.
func (s *SessionStore) SetProfile(profile session.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearProfileLocked()

	fields := make([]string, 0, len(profile))
	for name, value := range profile {
		if value == nil {
			continue
		}
		if _, reserved := reservedKeys[name]; reserved {
			continue
		}
		s.durable.Set(name, profile.Field(name))
		fields = append(fields, name)
	}

	if len(fields) == 0 {
		return
	}
	if data, err := json.Marshal(fields); err == nil {
		s.durable.Set(keyProfileFields, string(data))
	}
}

// Profile reads the flattened fields back as string values.
func (s *SessionStore) Profile() session.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile := session.UserProfile{}
	for _, name := range s.profileFieldsLocked() {
		if value, ok := s.durable.Get(name); ok {
			profile[name] = value
		}
	}
	return profile
}

// ClearProfile removes every flattened profile field.
func (s *SessionStore) ClearProfile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearProfileLocked()
}

func (s *SessionStore) clearProfileLocked() {
	for _, name := range s.profileFieldsLocked() {
		s.durable.Remove(name)
	}
	s.durable.Remove(keyProfileFields)
}

func (s *SessionStore) profileFieldsLocked() []string {
	data, ok := s.durable.Get(keyProfileFields)
	if !ok {
		return nil
	}
	var fields []string
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil
	}
	return fields
}

// IdleState reads the shared idle flag.
func (s *SessionStore) IdleState() (session.IdleState, bool) {
	data, ok := s.durable.Get(KeyIdleState)
	if !ok {
		return session.IdleState{}, false
	}
	var state session.IdleState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return session.IdleState{}, false
	}
	return state, true
}

// SetIdleState broadcasts the idle flag to every observer of the underlying
// store.
func (s *SessionStore) SetIdleState(state session.IdleState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	s.durable.Set(KeyIdleState, string(data))
}

// ClearIdleState removes the shared idle flag.
func (s *SessionStore) ClearIdleState() {
	s.durable.Remove(KeyIdleState)
}

// WatchIdle subscribes fn to idle-flag broadcasts. The underlying store must
// support change notification.
func (s *SessionStore) WatchIdle(fn func(session.IdleState)) (cancel func(), err error) {
	watchable, ok := s.durable.(Watchable)
	if !ok {
		return nil, errors.Wrap(sessionerrors.ErrStoreNotWatchable, "[SessionStore.WatchIdle]")
	}

	cancel = watchable.Watch(func(key, value string) {
		if key != KeyIdleState || value == "" {
			return
		}
		var state session.IdleState
		if err := json.Unmarshal([]byte(value), &state); err != nil {
			return
		}
		fn(state)
	})
	return cancel, nil
}
