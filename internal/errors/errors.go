// Package errors defines the sentinel errors of the session layer. Callers
// match them with errors.Is through whatever wrapping the call path added.
package errors

import "errors"

var (
	// ErrNotAuthenticated is returned by operations that need a signed-in
	// session when no token pair is stored.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrPartialTokenPair is returned when a write would leave the store with
	// only one of the two session credentials.
	ErrPartialTokenPair = errors.New("partial token pair")

	// ErrStoreNotWatchable is returned when idle broadcasts are requested on
	// a store without change notification.
	ErrStoreNotWatchable = errors.New("store does not support change notification")

	// ErrStoreLocked is returned when another process holds the store's write
	// lock past the wait limit.
	ErrStoreLocked = errors.New("store file is locked by another process")
)
