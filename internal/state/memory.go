package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Iron-Ham/stageflow/internal/errors"
)

// MemoryStore keeps runs in process memory. Runs are stored as encoded
// snapshots so callers can never mutate a saved run through a shared pointer.
type MemoryStore struct {
	mu    sync.Mutex
	runs  map[string]memoryEntry
	locks map[string]bool
	clock int64
}

type memoryEntry struct {
	workflow string
	data     []byte
	seq      int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]memoryEntry),
		locks: make(map[string]bool),
	}
}

func memKey(workflow, id string) string {
	return workflow + "/" + id
}

// Save snapshots the run.
func (m *MemoryStore) Save(ctx context.Context, r *RunState) (string, error) {
	if err := checkKey(r.Workflow, r.ID); err != nil {
		return "", err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", errors.NewPersistenceError("failed to marshal run state", err).WithRun(r.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock++
	key := memKey(r.Workflow, r.ID)
	m.runs[key] = memoryEntry{workflow: r.Workflow, data: data, seq: m.clock}
	return "memory://" + key, nil
}

// Load decodes a fresh copy of the run.
func (m *MemoryStore) Load(ctx context.Context, workflow, id string) (*RunState, error) {
	m.mu.Lock()
	e, ok := m.runs[memKey(workflow, id)]
	m.mu.Unlock()
	if !ok {
		return nil, notFound(workflow, id)
	}
	return decodeRun(e.data, id)
}

// FindLatest returns the most recently saved run of workflow.
func (m *MemoryStore) FindLatest(ctx context.Context, workflow string) (*RunState, error) {
	m.mu.Lock()
	var latest *memoryEntry
	for _, e := range m.runs {
		if e.workflow != workflow {
			continue
		}
		if latest == nil || e.seq > latest.seq {
			e := e
			latest = &e
		}
	}
	m.mu.Unlock()
	if latest == nil {
		return nil, fmt.Errorf("%w: no runs for workflow %q", errors.ErrRunNotFound, workflow)
	}
	return decodeRun(latest.data, "")
}

// List returns runs newest start first.
func (m *MemoryStore) List(ctx context.Context, workflow string) ([]*RunState, error) {
	m.mu.Lock()
	entries := make([]memoryEntry, 0, len(m.runs))
	for _, e := range m.runs {
		if workflow == "" || e.workflow == workflow {
			entries = append(entries, e)
		}
	}
	m.mu.Unlock()

	runs := make([]*RunState, 0, len(entries))
	for _, e := range entries {
		r, err := decodeRun(e.data, "")
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	sortByStarted(runs)
	return runs, nil
}

// Cleanup keeps the keep most recently started runs of workflow.
func (m *MemoryStore) Cleanup(ctx context.Context, workflow string, keep int, opts ...CleanupOption) (int, error) {
	filter := newCleanupFilter(opts)
	runs, err := m.List(ctx, workflow)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(runs) <= keep {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, r := range runs[keep:] {
		key := memKey(r.Workflow, r.ID)
		if m.locks[key] || filter.spares(r.ID, r.Status) {
			continue
		}
		delete(m.runs, key)
		removed++
	}
	return removed, nil
}

// Acquire takes an in-process lock on the run.
func (m *MemoryStore) Acquire(ctx context.Context, workflow, id string) (Lock, error) {
	key := memKey(workflow, id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, fmt.Errorf("%w: %s", errors.ErrRunLocked, key)
	}
	m.locks[key] = true
	return &memoryLock{store: m, key: key}, nil
}

type memoryLock struct {
	store *MemoryStore
	key   string
	once  sync.Once
}

func (l *memoryLock) Release() error {
	l.once.Do(func() {
		l.store.mu.Lock()
		delete(l.store.locks, l.key)
		l.store.mu.Unlock()
	})
	return nil
}

func decodeRun(data []byte, id string) (*RunState, error) {
	var r RunState
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.NewPersistenceError("failed to decode run state",
			fmt.Errorf("%w: %v", errors.ErrRunCorrupted, err)).WithRun(id)
	}
	return &r, nil
}
