package store

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"

	sessionerrors "github.com/parishsuite/go-session-client/internal/errors"
)

const (
	lockPollInterval = 100 * time.Millisecond
	lockWaitLimit    = 5 * time.Second
	lockStaleAfter   = 30 * time.Second
)

// fileLock serializes writers of one store file across processes through an
// exclusively-created companion lock file. A lock untouched for longer than
// lockStaleAfter belongs to a crashed writer and is reclaimed.
type fileLock struct {
	path string
}

// acquireFileLock takes the write lock for storePath, waiting up to
// lockWaitLimit for the current holder.
func acquireFileLock(storePath string) (*fileLock, error) {
	path := storePath + ".lock"
	deadline := time.Now().Add(lockWaitLimit)

	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// The owning PID makes an abandoned lock attributable.
			fmt.Fprintf(file, "%d\n", os.Getpid())
			file.Close()
			return &fileLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrapf(err, "[acquireFileLock] create %s", path)
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, errors.Wrapf(removeErr, "[acquireFileLock] reclaim stale lock %s", path)
			}
			continue
		}

		if time.Now().After(deadline) {
			return nil, errors.Wrapf(sessionerrors.ErrStoreLocked, "[acquireFileLock] waited %s for %s", lockWaitLimit, path)
		}
		time.Sleep(lockPollInterval)
	}
}

// release removes the lock file, letting the next writer in.
func (fl *fileLock) release() error {
	if err := os.Remove(fl.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "[fileLock.release] remove %s", fl.path)
	}
	return nil
}
