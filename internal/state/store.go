package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/Iron-Ham/stageflow/internal/logging"
)

// Store persists run state. Implementations must make Save durable before
// returning: the runner never takes a decision that depends on a mutation
// until Save has succeeded.
type Store interface {
	// Save persists the run and returns where it was written.
	Save(ctx context.Context, r *RunState) (string, error)
	// Load returns the run identified by (workflow, id).
	Load(ctx context.Context, workflow, id string) (*RunState, error)
	// FindLatest returns the most recently saved run of a workflow.
	FindLatest(ctx context.Context, workflow string) (*RunState, error)
	// List returns runs of a workflow, or of every workflow when workflow is
	// empty, newest start time first.
	List(ctx context.Context, workflow string) ([]*RunState, error)
	// Cleanup keeps the keep most recently started runs of a workflow and
	// deletes the rest, returning how many were removed. Options spare
	// further runs among the rest.
	Cleanup(ctx context.Context, workflow string, keep int, opts ...CleanupOption) (int, error)
}

// CleanupOption narrows which runs Cleanup may remove.
type CleanupOption func(*cleanupFilter)

type cleanupFilter struct {
	keepResumable bool
	preserve      map[string]bool
}

// KeepResumable spares runs whose status can still be resumed.
func KeepResumable() CleanupOption {
	return func(f *cleanupFilter) { f.keepResumable = true }
}

// Preserve spares the given run ids whatever their age.
func Preserve(ids ...string) CleanupOption {
	return func(f *cleanupFilter) {
		for _, id := range ids {
			f.preserve[id] = true
		}
	}
}

func newCleanupFilter(opts []CleanupOption) cleanupFilter {
	f := cleanupFilter{preserve: make(map[string]bool)}
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// spares reports whether a run outside the kept window must stay.
func (f cleanupFilter) spares(id string, status RunStatus) bool {
	return f.preserve[id] || (f.keepResumable && status.Resumable())
}

// Lock is a held run lock.
type Lock interface {
	Release() error
}

// Locker is implemented by stores that can guarantee a single writer per run.
type Locker interface {
	// Acquire takes the lock for (workflow, id) or fails with
	// errors.ErrRunLocked when another holder is alive.
	Acquire(ctx context.Context, workflow, id string) (Lock, error)
}

// sortByStarted orders runs newest first, breaking ties by id.
func sortByStarted(runs []*RunState) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}

// checkKey rejects names that would escape the state directory.
func checkKey(workflow, id string) error {
	for _, part := range []string{workflow, id} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return errors.NewPersistenceError(fmt.Sprintf("invalid run key %q", part), nil).WithRun(id)
		}
	}
	return nil
}

func notFound(workflow, id string) error {
	return fmt.Errorf("%w: %s/%s", errors.ErrRunNotFound, workflow, id)
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// SQLiteFileName is the database file used by the sqlite backend inside the
// state directory.
const SQLiteFileName = "runs.db"

// Open returns the store for a backend rooted at dir.
func Open(backend, dir string, logger *logging.Logger) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(dir, logger)
	case BackendSQLite:
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.NewPersistenceError("failed to create state directory", err).WithPath(dir)
		}
		return NewSQLiteStore(filepath.Join(dir, SQLiteFileName), logger)
	default:
		return nil, errors.NewConfigError(fmt.Sprintf("unknown state backend %q", backend), nil).WithField("state.backend")
	}
}
