package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/Iron-Ham/stageflow/internal/logging"
)

// LockInfo is the content of a run lock file.
type LockInfo struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// fileLock is a lock backed by a file created with O_EXCL. The lock is
// considered stale once the owning PID is gone.
type fileLock struct {
	info   LockInfo
	path   string
	logger *logging.Logger
}

// acquireFileLock takes the lock at path for runID. A lock left behind by a
// dead process is removed and re-acquired.
func acquireFileLock(path, runID string, logger *logging.Logger) (*fileLock, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	if existing, err := ReadLock(path); err == nil {
		if isProcessAlive(existing.PID) {
			logger.Error("failed to acquire lock",
				"run_id", runID,
				"reason", fmt.Sprintf("locked by PID %d on %s", existing.PID, existing.Hostname),
			)
			return nil, fmt.Errorf("%w: PID %d on %s", errors.ErrRunLocked, existing.PID, existing.Hostname)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
		logger.Warn("stale lock cleaned", "run_id", runID, "old_pid", existing.PID)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	l := &fileLock{
		info: LockInfo{
			RunID:     runID,
			PID:       os.Getpid(),
			Hostname:  hostname,
			StartedAt: time.Now(),
		},
		path:   path,
		logger: logger,
	}

	data, err := json.MarshalIndent(l.info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	// O_EXCL loses the race cleanly if another process created the file
	// between the liveness check and here.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := ReadLock(path); readErr == nil {
				return nil, fmt.Errorf("%w: PID %d on %s", errors.ErrRunLocked, existing.PID, existing.Hostname)
			}
			return nil, errors.ErrRunLocked
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	logger.Debug("run lock acquired", "run_id", runID, "pid", l.info.PID)
	return l, nil
}

// Release removes the lock file if this process still owns it. Safe to call
// more than once.
func (l *fileLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	existing, err := ReadLock(l.path)
	if err != nil {
		return nil
	}
	if existing.PID != l.info.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.logger.Debug("run lock released", "run_id", l.info.RunID)
	return nil
}

// ReadLock reads a lock file.
func ReadLock(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return &info, nil
}

// isLocked reports whether path holds a lock owned by a live process.
func isLocked(path string) bool {
	info, err := ReadLock(path)
	if err != nil {
		return false
	}
	return isProcessAlive(info.PID)
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without affecting the process.
	return process.Signal(syscall.Signal(0)) == nil
}
