// Package filelock provides advisory file locks on sidecar files, with a
// poll-until-timeout acquire and a JSON holder record for diagnostics.
// Locks coordinate writers across processes; within a process the caller
// still serializes access itself.
package filelock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const (
	// DefaultTimeout bounds how long Acquire polls before giving up.
	DefaultTimeout = 30 * time.Second
	// DefaultPollInterval is the wait between acquisition attempts.
	DefaultPollInterval = 100 * time.Millisecond
)

// Holder is the record written into the lock file on acquisition. Other
// processes read it to report who is blocking them.
type Holder struct {
	PID        int     `json:"pid"`
	AcquiredAt float64 `json:"acquiredAt"`
}

// TimeoutError reports a failed acquisition together with the recorded
// holder of the contended lock.
type TimeoutError struct {
	Path    string
	Timeout time.Duration
	Holder  Holder
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock timeout on %s after %s (held by pid %d)", e.Path, e.Timeout, e.Holder.PID)
}

// Lock is an acquired advisory lock. Release must be called on every exit
// path; defer immediately after a successful Acquire.
type Lock struct {
	path string
	file *os.File
}

// Options configures acquisition. Zero values take the package defaults.
type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration
	Shared       bool
}

// Acquire opens (creating if needed) the lock file at path and polls flock
// until the lock is granted or the timeout elapses. On success the holder
// record is rewritten with this process's identity. On timeout the error is
// a *TimeoutError carrying the current holder record.
func Acquire(path string, opts Options) (*Lock, error) {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("filelock: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", path, err)
	}

	how := syscall.LOCK_EX
	if opts.Shared {
		how = syscall.LOCK_SH
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		err := syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB)
		if err == nil {
			l := &Lock{path: path, file: f}
			if werr := l.writeHolder(); werr != nil {
				l.Release()
				return nil, werr
			}
			return l, nil
		}
		if err != syscall.EWOULDBLOCK && err != syscall.EAGAIN {
			f.Close()
			return nil, fmt.Errorf("filelock: flock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			holder := readHolder(path)
			f.Close()
			return nil, &TimeoutError{Path: path, Timeout: opts.Timeout, Holder: holder}
		}
		time.Sleep(opts.PollInterval)
	}
}

// Release unlocks and closes the descriptor. Safe to call more than once.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	cerr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("filelock: unlock %s: %w", l.path, err)
	}
	return cerr
}

// writeHolder rewrites the lock file content with this process's record.
// The content is advisory; the flock itself is what excludes.
func (l *Lock) writeHolder() error {
	h := Holder{PID: os.Getpid(), AcquiredAt: float64(time.Now().UnixNano()) / 1e9}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("filelock: marshal holder: %w", err)
	}
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("filelock: truncate %s: %w", l.path, err)
	}
	if _, err := l.file.WriteAt(data, 0); err != nil {
		return fmt.Errorf("filelock: write holder: %w", err)
	}
	return l.file.Sync()
}

// readHolder returns the recorded holder, zero-valued when unreadable.
func readHolder(path string) Holder {
	var h Holder
	data, err := os.ReadFile(path)
	if err != nil {
		return h
	}
	_ = json.Unmarshal(data, &h)
	return h
}
