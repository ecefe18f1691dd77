package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/Iron-Ham/stageflow/internal/logging"
	"github.com/Iron-Ham/stageflow/internal/util"
)

const (
	stateFileExt = ".json"
	lockFileExt  = ".lock"
)

// FileStore keeps one indented JSON document per run at
// <dir>/<workflow>/<run-id>.json. Writes are atomic (temp file, fsync,
// rename), so a killed process leaves either the previous or the new
// document on disk, never a torn one.
type FileStore struct {
	dir    string
	logger *logging.Logger
	mu     sync.RWMutex
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
// logger may be nil.
func NewFileStore(dir string, logger *logging.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewPersistenceError("failed to create state directory", err).WithPath(dir)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the root directory of the store.
func (fs *FileStore) Dir() string {
	return fs.dir
}

// Path returns the state file path for a run.
func (fs *FileStore) Path(workflow, id string) string {
	return filepath.Join(fs.dir, workflow, id+stateFileExt)
}

func (fs *FileStore) lockPath(workflow, id string) string {
	return filepath.Join(fs.dir, workflow, id+lockFileExt)
}

// Save writes the run atomically.
func (fs *FileStore) Save(ctx context.Context, r *RunState) (string, error) {
	if err := checkKey(r.Workflow, r.ID); err != nil {
		return "", err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.Path(r.Workflow, r.ID)
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", errors.NewPersistenceError("failed to marshal run state", err).WithRun(r.ID)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", errors.NewPersistenceError("failed to create workflow directory", err).WithRun(r.ID).WithPath(path)
	}
	if err := util.WriteFileAtomic(path, data, 0644); err != nil {
		return "", errors.NewPersistenceError("failed to save run state", err).WithRun(r.ID).WithPath(path)
	}
	return path, nil
}

// Load reads a run.
func (fs *FileStore) Load(ctx context.Context, workflow, id string) (*RunState, error) {
	if err := checkKey(workflow, id); err != nil {
		return nil, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.read(fs.Path(workflow, id), workflow, id)
}

func (fs *FileStore) read(path, workflow, id string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(workflow, id)
		}
		return nil, errors.NewPersistenceError("failed to read run state", err).WithRun(id).WithPath(path)
	}
	var r RunState
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.NewPersistenceError("failed to decode run state",
			fmt.Errorf("%w: %v", errors.ErrRunCorrupted, err)).WithRun(id).WithPath(path)
	}
	return &r, nil
}

// FindLatest returns the run whose state file was modified last.
func (fs *FileStore) FindLatest(ctx context.Context, workflow string) (*RunState, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(fs.dir, workflow))
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.NewPersistenceError("failed to read workflow directory", err)
	}

	var latestID string
	var latest os.FileInfo
	for _, e := range entries {
		id, ok := runIDFromFile(e)
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if latest == nil || info.ModTime().After(latest.ModTime()) {
			latest, latestID = info, id
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no runs for workflow %q", errors.ErrRunNotFound, workflow)
	}
	return fs.read(fs.Path(workflow, latestID), workflow, latestID)
}

// List returns runs newest start first. Unreadable state files are skipped
// and logged.
func (fs *FileStore) List(ctx context.Context, workflow string) ([]*RunState, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	workflows := []string{workflow}
	if workflow == "" {
		entries, err := os.ReadDir(fs.dir)
		if err != nil {
			return nil, errors.NewPersistenceError("failed to read state directory", err).WithPath(fs.dir)
		}
		workflows = workflows[:0]
		for _, e := range entries {
			if e.IsDir() {
				workflows = append(workflows, e.Name())
			}
		}
	}

	var runs []*RunState
	for _, wf := range workflows {
		list, err := fs.listWorkflow(wf)
		if err != nil {
			return nil, err
		}
		runs = append(runs, list...)
	}
	sortByStarted(runs)
	return runs, nil
}

func (fs *FileStore) listWorkflow(workflow string) ([]*RunState, error) {
	entries, err := os.ReadDir(filepath.Join(fs.dir, workflow))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewPersistenceError("failed to read workflow directory", err)
	}
	var runs []*RunState
	for _, e := range entries {
		id, ok := runIDFromFile(e)
		if !ok {
			continue
		}
		r, err := fs.read(fs.Path(workflow, id), workflow, id)
		if err != nil {
			fs.logger.Warn("skipping unreadable run state", "workflow", workflow, "run_id", id, "error", err)
			continue
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// Cleanup removes all but the keep most recently started runs of workflow.
// Runs locked by a live process are never removed.
func (fs *FileStore) Cleanup(ctx context.Context, workflow string, keep int, opts ...CleanupOption) (int, error) {
	filter := newCleanupFilter(opts)
	if keep < 0 {
		keep = 0
	}
	runs, err := fs.List(ctx, workflow)
	if err != nil {
		return 0, err
	}
	if len(runs) <= keep {
		return 0, nil
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	removed := 0
	for _, r := range runs[keep:] {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if filter.spares(r.ID, r.Status) {
			continue
		}
		if isLocked(fs.lockPath(r.Workflow, r.ID)) {
			fs.logger.Warn("not removing locked run", "workflow", r.Workflow, "run_id", r.ID)
			continue
		}
		path := fs.Path(r.Workflow, r.ID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, errors.NewPersistenceError("failed to remove run state", err).WithRun(r.ID).WithPath(path)
		}
		os.Remove(fs.lockPath(r.Workflow, r.ID))
		removed++
	}
	fs.logger.Info("cleaned up runs", "workflow", workflow, "removed", removed, "kept", keep)
	return removed, nil
}

// Acquire takes the PID lock file next to the run's state file.
func (fs *FileStore) Acquire(ctx context.Context, workflow, id string) (Lock, error) {
	if err := checkKey(workflow, id); err != nil {
		return nil, err
	}
	return acquireFileLock(fs.lockPath(workflow, id), id, fs.logger)
}

func runIDFromFile(e os.DirEntry) (string, bool) {
	name := e.Name()
	if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != stateFileExt {
		return "", false
	}
	return strings.TrimSuffix(name, stateFileExt), true
}
