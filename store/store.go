// Package store provides the durable key-value storage backing a session:
// the origin-scoped storage of the original dashboard, rendered as either an
// in-memory map or a JSON file shared between processes.
package store

import "sync"

// Store is a flat key-value store. Absence of a key is a valid, expected
// state (an unauthenticated session), so reads report presence instead of
// returning errors.
type Store interface {
	// Get returns the value for key and whether it is present.
	Get(key string) (string, bool)

	// Set writes key to value. The write is visible to every reader of the
	// same store.
	Set(key, value string)

	// Remove deletes key. Removing an absent key is a no-op.
	Remove(key string)
}

// Watchable is implemented by stores that can notify subscribers of changes,
// the storage-change event of the original platform. A removed key is
// reported with an empty value.
type Watchable interface {
	// Watch registers fn for change notifications and returns a cancel
	// function. fn may be called from another goroutine.
	Watch(fn func(key, value string)) (cancel func())
}

// Memory is a process-local Store with direct change notification. It backs
// the session-scoped mirror of the tokens and is the store of choice in
// tests.
type Memory struct {
	mu       sync.RWMutex
	values   map[string]string
	watchers map[int]func(key, value string)
	nextID   int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values:   make(map[string]string),
		watchers: make(map[int]func(key, value string)),
	}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	m.values[key] = value
	watchers := m.snapshotWatchers()
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(key, value)
	}
}

func (m *Memory) Remove(key string) {
	m.mu.Lock()
	_, existed := m.values[key]
	delete(m.values, key)
	var watchers []func(key, value string)
	if existed {
		watchers = m.snapshotWatchers()
	}
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(key, "")
	}
}

// Watch registers fn and returns a cancel function. Notifications are
// delivered synchronously on the mutating goroutine, outside the store lock.
func (m *Memory) Watch(fn func(key, value string)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// snapshotWatchers must be called with the lock held.
func (m *Memory) snapshotWatchers() []func(key, value string) {
	watchers := make([]func(key, value string), 0, len(m.watchers))
	for _, fn := range m.watchers {
		watchers = append(watchers, fn)
	}
	return watchers
}

var (
	_ Store     = (*Memory)(nil)
	_ Watchable = (*Memory)(nil)
)
