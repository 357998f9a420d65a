package filelock

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson.lock")
	l, err := Acquire(path, Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Re-acquire after release must succeed immediately.
	l2, err := Acquire(path, Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	l2.Release()
}

func TestAcquireWritesHolderRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json.lock")
	l, err := Acquire(path, Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	h := readHolder(path)
	if h.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", h.PID, os.Getpid())
	}
	if h.AcquiredAt == 0 {
		t.Error("holder acquiredAt not recorded")
	}
}

func TestSharedLocksCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson.lock")
	a, err := Acquire(path, Options{Timeout: time.Second, Shared: true})
	if err != nil {
		t.Fatalf("Acquire shared a: %v", err)
	}
	defer a.Release()
	b, err := Acquire(path, Options{Timeout: 300 * time.Millisecond, Shared: true})
	if err != nil {
		t.Fatalf("second shared acquire should succeed: %v", err)
	}
	b.Release()
}

func TestExclusiveTimeoutReportsHolder(t *testing.T) {
	// flock is per-descriptor, so contention needs a second process.
	path := filepath.Join(t.TempDir(), "contended.lock")
	helper := exec.Command("flock", path, "sleep", "2")
	if err := helper.Start(); err != nil {
		t.Skipf("flock utility unavailable: %v", err)
	}
	defer helper.Wait()
	defer helper.Process.Kill()

	time.Sleep(200 * time.Millisecond)
	_, err := Acquire(path, Options{Timeout: 300 * time.Millisecond, PollInterval: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout while lock held elsewhere")
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("want *TimeoutError, got %T: %v", err, err)
	}
	if te.Path != path {
		t.Errorf("timeout path = %q, want %q", te.Path, path)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	l, err := Acquire(path, Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release should be a no-op: %v", err)
	}
}
