package store_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parishsuite/go-session-client/store"
)

func TestMemoryGetSetRemove(t *testing.T) {
	m := store.NewMemory()

	_, ok := m.Get("accessToken")
	require.False(t, ok, "absent key should read as not present")

	m.Set("accessToken", "A1")
	v, ok := m.Get("accessToken")
	require.True(t, ok)
	require.Equal(t, "A1", v)

	m.Remove("accessToken")
	_, ok = m.Get("accessToken")
	require.False(t, ok)

	// Removing an absent key is a no-op.
	m.Remove("accessToken")
}

func TestMemoryWatch(t *testing.T) {
	m := store.NewMemory()

	var mu sync.Mutex
	type change struct{ key, value string }
	var changes []change

	cancel := m.Watch(func(key, value string) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, change{key, value})
	})

	m.Set("idleState", "{}")
	m.Remove("idleState")

	mu.Lock()
	require.Equal(t, []change{{"idleState", "{}"}, {"idleState", ""}}, changes)
	mu.Unlock()

	cancel()
	m.Set("idleState", "again")

	mu.Lock()
	require.Len(t, changes, 2, "cancelled watcher should not be notified")
	mu.Unlock()
}

func TestMemoryWatchRemoveAbsentKeyDoesNotNotify(t *testing.T) {
	m := store.NewMemory()

	notified := false
	cancel := m.Watch(func(string, string) { notified = true })
	defer cancel()

	m.Remove("never-set")
	require.False(t, notified)
}
