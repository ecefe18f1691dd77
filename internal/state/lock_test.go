package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/stageflow/internal/errors"
)

func TestFileStoreAcquire(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	lock, err := store.Acquire(ctx, "feature", "run-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	info, err := ReadLock(store.lockPath("feature", "run-1"))
	if err != nil {
		t.Fatalf("ReadLock failed: %v", err)
	}
	if info.PID != os.Getpid() || info.RunID != "run-1" {
		t.Errorf("lock info = %+v", info)
	}

	// This process is alive, so a second acquire must fail.
	if _, err := store.Acquire(ctx, "feature", "run-1"); !errors.Is(err, errors.ErrRunLocked) {
		t.Errorf("second Acquire = %v, want ErrRunLocked", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}
	if _, err := os.Stat(store.lockPath("feature", "run-1")); !os.IsNotExist(err) {
		t.Error("lock file should be removed after Release")
	}

	again, err := store.Acquire(ctx, "feature", "run-1")
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	again.Release()
}

func TestFileStoreAcquireReclaimsStaleLock(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	path := store.lockPath("feature", "run-1")
	os.MkdirAll(filepath.Dir(path), 0755)

	// PIDs are bounded well below this value on every supported platform.
	stale := LockInfo{RunID: "run-1", PID: 1 << 30, Hostname: "gone", StartedAt: time.Now()}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := store.Acquire(context.Background(), "feature", "run-1")
	if err != nil {
		t.Fatalf("Acquire over stale lock failed: %v", err)
	}
	defer lock.Release()

	info, _ := ReadLock(path)
	if info.PID != os.Getpid() {
		t.Errorf("lock PID = %d, want %d", info.PID, os.Getpid())
	}
}

func TestCleanupSkipsLockedRuns(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	runs := seedRuns(t, store, "feature", 3)

	lock, err := store.Acquire(ctx, "feature", runs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	removed, err := store.Cleanup(ctx, "feature", 1)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1 (locked run kept)", removed)
	}
	if _, err := store.Load(ctx, "feature", runs[0].ID); err != nil {
		t.Errorf("locked run was removed: %v", err)
	}
}

func TestMemoryStoreAcquire(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	lock, err := store.Acquire(ctx, "feature", "r")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Acquire(ctx, "feature", "r"); !errors.Is(err, errors.ErrRunLocked) {
		t.Errorf("second Acquire = %v, want ErrRunLocked", err)
	}
	lock.Release()
	if _, err := store.Acquire(ctx, "feature", "r"); err != nil {
		t.Errorf("Acquire after Release = %v", err)
	}
}
