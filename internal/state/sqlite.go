package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/Iron-Ham/stageflow/internal/logging"
)

// SQLiteStore keeps every run as a JSON document in a single SQLite
// database. It is selected with state.backend = sqlite.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	lockDir string
	logger  *logging.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, logger *logging.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.NewPersistenceError("failed to open state database", err).WithPath(path)
	}
	// One connection keeps writes serialized and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:      db,
		path:    path,
		lockDir: strings.TrimSuffix(path, filepath.Ext(path)) + ".locks",
		logger:  logger,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.NewPersistenceError("failed to migrate state database", err).WithPath(path)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		workflow   TEXT NOT NULL,
		id         TEXT NOT NULL,
		status     TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		saved_at   INTEGER NOT NULL,
		data       TEXT NOT NULL,
		PRIMARY KEY (workflow, id)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(workflow, started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_saved ON runs(workflow, saved_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts the run.
func (s *SQLiteStore) Save(ctx context.Context, r *RunState) (string, error) {
	if err := checkKey(r.Workflow, r.ID); err != nil {
		return "", err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", errors.NewPersistenceError("failed to marshal run state", err).WithRun(r.ID)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (workflow, id, status, started_at, saved_at, data)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow, id) DO UPDATE SET
		   status = excluded.status,
		   started_at = excluded.started_at,
		   saved_at = excluded.saved_at,
		   data = excluded.data`,
		r.Workflow, r.ID, string(r.Status), r.StartedAt.UnixNano(), time.Now().UnixNano(), string(data),
	)
	if err != nil {
		return "", errors.NewPersistenceError("failed to save run state", err).WithRun(r.ID).WithPath(s.path)
	}
	return fmt.Sprintf("%s#%s/%s", s.path, r.Workflow, r.ID), nil
}

// Load reads a run.
func (s *SQLiteStore) Load(ctx context.Context, workflow, id string) (*RunState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM runs WHERE workflow = ? AND id = ?`, workflow, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, notFound(workflow, id)
	}
	if err != nil {
		return nil, errors.NewPersistenceError("failed to read run state", err).WithRun(id).WithPath(s.path)
	}
	return decodeRun([]byte(data), id)
}

// FindLatest returns the most recently saved run of workflow.
func (s *SQLiteStore) FindLatest(ctx context.Context, workflow string) (*RunState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM runs WHERE workflow = ? ORDER BY saved_at DESC, rowid DESC LIMIT 1`, workflow,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no runs for workflow %q", errors.ErrRunNotFound, workflow)
	}
	if err != nil {
		return nil, errors.NewPersistenceError("failed to query latest run", err).WithPath(s.path)
	}
	return decodeRun([]byte(data), "")
}

// List returns runs newest start first.
func (s *SQLiteStore) List(ctx context.Context, workflow string) ([]*RunState, error) {
	query := `SELECT data FROM runs ORDER BY started_at DESC, id DESC`
	var args []any
	if workflow != "" {
		query = `SELECT data FROM runs WHERE workflow = ? ORDER BY started_at DESC, id DESC`
		args = append(args, workflow)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewPersistenceError("failed to list runs", err).WithPath(s.path)
	}
	defer rows.Close()

	var runs []*RunState
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.NewPersistenceError("failed to scan run", err).WithPath(s.path)
		}
		r, err := decodeRun([]byte(data), "")
		if err != nil {
			s.logger.Warn("skipping unreadable run state", "error", err)
			continue
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistenceError("failed to list runs", err).WithPath(s.path)
	}
	return runs, nil
}

// Cleanup removes all but the keep most recently started runs of workflow.
func (s *SQLiteStore) Cleanup(ctx context.Context, workflow string, keep int, opts ...CleanupOption) (int, error) {
	filter := newCleanupFilter(opts)
	if keep < 0 {
		keep = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status FROM runs WHERE workflow = ? ORDER BY started_at DESC, id DESC LIMIT -1 OFFSET ?`,
		workflow, keep,
	)
	if err != nil {
		return 0, errors.NewPersistenceError("failed to select runs for cleanup", err).WithPath(s.path)
	}
	var ids []string
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return 0, errors.NewPersistenceError("failed to scan run id", err).WithPath(s.path)
		}
		if filter.spares(id, RunStatus(status)) {
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, errors.NewPersistenceError("failed to select runs for cleanup", err).WithPath(s.path)
	}
	rows.Close()

	removed := 0
	for _, id := range ids {
		if isLocked(s.lockPath(workflow, id)) {
			s.logger.Warn("not removing locked run", "workflow", workflow, "run_id", id)
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE workflow = ? AND id = ?`, workflow, id); err != nil {
			return removed, errors.NewPersistenceError("failed to delete run", err).WithRun(id).WithPath(s.path)
		}
		removed++
	}
	s.logger.Info("cleaned up runs", "workflow", workflow, "removed", removed, "kept", keep)
	return removed, nil
}

func (s *SQLiteStore) lockPath(workflow, id string) string {
	return filepath.Join(s.lockDir, workflow, id+lockFileExt)
}

// Acquire takes a PID lock file in a directory next to the database.
func (s *SQLiteStore) Acquire(ctx context.Context, workflow, id string) (Lock, error) {
	if err := checkKey(workflow, id); err != nil {
		return nil, err
	}
	return acquireFileLock(s.lockPath(workflow, id), id, s.logger)
}
