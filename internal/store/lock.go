package store

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Lock acquisition defaults. Writers poll until timeout; locks whose mtime
// is older than the stale threshold are presumed abandoned by a crashed
// process and reclaimed.
const (
	DefaultLockTimeout = 600 * time.Millisecond
	DefaultLockStale   = 30 * time.Second

	lockPollInterval = 25 * time.Millisecond
)

// acquireLock creates path with O_CREATE|O_EXCL, retrying until timeout.
// An existing lock older than stale is removed and the create retried.
// Returns a release func that removes the lock file.
func acquireLock(path string, timeout, stale time.Duration) (func(), error) {
	deadline := time.Now().Add(timeout)

	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano))
			f.Close()
			return func() {
				if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
					slog.Warn("store.lock.release_failed", "path", path, "error", rerr)
				}
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}

		info, serr := os.Stat(path)
		if serr == nil && time.Since(info.ModTime()) > stale {
			slog.Warn("store.lock.stale_reclaimed", "path", path, "age", time.Since(info.ModTime()).Round(time.Second))
			os.Remove(path)
			continue
		}
		if serr != nil && os.IsNotExist(serr) {
			continue // holder released between open and stat
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire lock %s: %w", path, ErrLockConflict)
		}
		time.Sleep(lockPollInterval)
	}
}
