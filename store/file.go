package store

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultPollInterval = 250 * time.Millisecond

// File is a Store persisted as a single JSON object on disk, shared by every
// process pointed at the same path. Writes go through an advisory lock file
// and an atomic temp-file rename so concurrent instances never observe a
// torn file. Change notification is by polling: the cross-process analog of
// the storage event the original dashboard relied on.
type File struct {
	path         string
	pollInterval time.Duration
	log          zerolog.Logger

	mu       sync.Mutex
	watchers map[int]func(key, value string)
	nextID   int
	snapshot map[string]string
	stopPoll chan struct{}
}

// FileOption configures a File store.
type FileOption func(*File)

// WithPollInterval sets how often the watcher goroutine re-reads the file.
func WithPollInterval(d time.Duration) FileOption {
	return func(f *File) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

// WithFileLogger sets the logger used to report background I/O failures.
func WithFileLogger(log zerolog.Logger) FileOption {
	return func(f *File) {
		f.log = log
	}
}

// NewFile returns a file-backed store at path. The file is created lazily on
// the first write.
func NewFile(path string, options ...FileOption) *File {
	f := &File{
		path:         path,
		pollInterval: defaultPollInterval,
		log:          zerolog.Nop(),
		watchers:     make(map[int]func(key, value string)),
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

func (f *File) Get(key string) (string, bool) {
	values := f.load()
	v, ok := values[key]
	return v, ok
}

func (f *File) Set(key, value string) {
	f.mutate(func(values map[string]string) {
		values[key] = value
	})
	f.notify(key, value)
}

func (f *File) Remove(key string) {
	var existed bool
	f.mutate(func(values map[string]string) {
		_, existed = values[key]
		delete(values, key)
	})
	if existed {
		f.notify(key, "")
	}
}

// Watch registers fn for change notifications. Local writes notify
// immediately; writes made by other processes are picked up by the polling
// goroutine, which runs only while at least one watcher is registered.
func (f *File) Watch(fn func(key, value string)) (cancel func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.watchers[id] = fn
	if f.stopPoll == nil {
		f.snapshot = f.load()
		f.stopPoll = make(chan struct{})
		go f.poll(f.stopPoll)
	}
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.watchers, id)
		if len(f.watchers) == 0 && f.stopPoll != nil {
			close(f.stopPoll)
			f.stopPoll = nil
		}
		f.mu.Unlock()
	}
}

// load reads and parses the store file. A missing or unreadable file is an
// empty store.
func (f *File) load() map[string]string {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return map[string]string{}
	}
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		f.log.Warn().Err(err).Str("path", f.path).Msg("store file is corrupt, treating as empty")
		return map[string]string{}
	}
	if values == nil {
		values = map[string]string{}
	}
	return values
}

// mutate applies change to the persisted map under the cross-process lock
// and writes the result back atomically.
func (f *File) mutate(change func(values map[string]string)) {
	lock, err := acquireFileLock(f.path)
	if err != nil {
		f.log.Error().Err(err).Str("path", f.path).Msg("failed to lock store file")
		return
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			f.log.Warn().Err(releaseErr).Msg("failed to release store file lock")
		}
	}()

	values := f.load()
	change(values)

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		f.log.Error().Err(err).Msg("failed to encode store file")
		return
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		f.log.Error().Err(err).Str("path", tempFile).Msg("failed to write store temp file")
		return
	}
	if err := os.Rename(tempFile, f.path); err != nil {
		_ = os.Remove(tempFile)
		f.log.Error().Err(err).Str("path", f.path).Msg("failed to replace store file")
		return
	}

	f.mu.Lock()
	if f.stopPoll != nil {
		f.snapshot = copyValues(values)
	}
	f.mu.Unlock()
}

// notify delivers a change to the registered watchers.
func (f *File) notify(key, value string) {
	f.mu.Lock()
	watchers := make([]func(key, value string), 0, len(f.watchers))
	for _, fn := range f.watchers {
		watchers = append(watchers, fn)
	}
	f.mu.Unlock()

	for _, fn := range watchers {
		fn(key, value)
	}
}

// poll re-reads the file and reports keys changed by other processes.
func (f *File) poll(stop chan struct{}) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current := f.load()

			f.mu.Lock()
			previous := f.snapshot
			f.snapshot = copyValues(current)
			f.mu.Unlock()

			for key, value := range current {
				if prev, ok := previous[key]; !ok || prev != value {
					f.notify(key, value)
				}
			}
			for key := range previous {
				if _, ok := current[key]; !ok {
					f.notify(key, "")
				}
			}
		}
	}
}

func copyValues(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

var (
	_ Store     = (*File)(nil)
	_ Watchable = (*File)(nil)
)
