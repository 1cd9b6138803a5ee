package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrLockTimeout is returned when another process holds the sync lock for the
// whole wait window. The CLI maps it to a distinct exit code so wrappers can
// tell "busy" apart from "failed".
var ErrLockTimeout = errors.New("timed out waiting for the sync lock")

const lockPollInterval = 250 * time.Millisecond

// syncLock is an advisory pidfile lock serializing sync runs against the same
// repository. Concurrent local runs wait rather than fail; a lock whose owner
// process is gone is broken.
type syncLock struct {
	path string

	// onWait, when set, is called once if the lock is busy and then roughly
	// every 5 seconds of waiting.
	onWait func(waited time.Duration)
}

func newSyncLock(baseDir string) *syncLock {
	return &syncLock{path: filepath.Join(baseDir, "sync.lock")}
}

// Acquire takes the lock, waiting up to timeout for the current holder to
// release it. Returns ErrLockTimeout if the wait window expires.
func (l *syncLock) Acquire(timeout time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	start := time.Now()
	deadline := start.Add(timeout)
	var lastReport time.Time
	for {
		if err := l.tryAcquire(); err == nil {
			return nil
		} else if !errors.Is(err, errLockHeld) {
			return err
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		if l.onWait != nil && time.Since(lastReport) >= 5*time.Second {
			l.onWait(time.Since(start))
			lastReport = time.Now()
		}
		time.Sleep(lockPollInterval)
	}
}

var errLockHeld = errors.New("lock held")

func (l *syncLock) tryAcquire() error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err == nil {
		_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(l.path)
			return fmt.Errorf("writing lock file: %w", errors.Join(werr, cerr))
		}
		return nil
	}
	if !os.IsExist(err) {
		return fmt.Errorf("creating lock file: %w", err)
	}

	// Lock exists. Break it if the owning process is gone.
	if l.ownerDead() {
		os.Remove(l.path)
		return errLockHeld
	}
	return errLockHeld
}

// ownerDead reports whether the pid recorded in the lock file no longer maps
// to a live process. An unreadable or malformed lock file counts as dead.
func (l *syncLock) ownerDead() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return !os.IsNotExist(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return proc.Signal(syscall.Signal(0)) != nil
}

// Release drops the lock. Safe to call if the lock was never acquired.
func (l *syncLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}
