package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/Iron-Ham/stageflow/internal/workflow"
)

var stageNames = []string{"research", "plan", "implement"}

func TestNewRunState(t *testing.T) {
	tests := [][]string{
		{"only"},
		{"research", "plan", "implement"},
		{"a", "b", "c", "d", "e", "f", "g"},
	}
	for _, stages := range tests {
		t.Run(strings.Join(stages, ","), func(t *testing.T) {
			r := New("wf", stages, Overrides{})
			if len(r.Stages) != len(stages) {
				t.Fatalf("len(Stages) = %d, want %d", len(r.Stages), len(stages))
			}
			for _, name := range stages {
				s := r.Stage(name)
				if s == nil || s.Status != StagePending {
					t.Errorf("stage %q = %+v, want pending", name, s)
				}
			}
			if r.CurrentStage != stages[0] {
				t.Errorf("CurrentStage = %q, want %q", r.CurrentStage, stages[0])
			}
			if r.Status != RunRunning {
				t.Errorf("Status = %q, want running", r.Status)
			}
			if err := r.CheckAgainst(stages); err != nil {
				t.Errorf("CheckAgainst() = %v", err)
			}
		})
	}
}

func TestNewRunIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRunID()
		if seen[id] {
			t.Fatalf("duplicate run id %q", id)
		}
		seen[id] = true
	}
}

func TestCheckAgainst(t *testing.T) {
	r := New("wf", stageNames, Overrides{})
	if err := r.CheckAgainst([]string{"research", "plan"}); err == nil {
		t.Error("expected error for changed stage count")
	}
	if err := r.CheckAgainst([]string{"research", "plan", "deploy"}); err == nil {
		t.Error("expected error for renamed stage")
	}
}

func TestStageTransitions(t *testing.T) {
	var s StageState
	s.Start()
	if s.Status != StageInProgress || s.StartedAt == nil || s.CompletedAt != nil {
		t.Fatalf("after Start: %+v", s)
	}
	s.Complete("out", "handoff")
	if s.Status != StageCompleted || s.CompletedAt == nil || s.CompletedAt.Before(*s.StartedAt) {
		t.Fatalf("after Complete: %+v", s)
	}

	var f StageState
	f.Start()
	f.Fail(fmt.Errorf("boom"))
	if f.Status != StageFailed || f.Error != "boom" || f.CompletedAt != nil {
		t.Errorf("after Fail: %+v", f)
	}
	f.Start()
	if f.Error != "" {
		t.Error("Start should clear the previous error")
	}
	f.Reset()
	if f.Status != StagePending || f.StartedAt != nil {
		t.Errorf("after Reset: %+v", f)
	}
}

func TestGateTransitions(t *testing.T) {
	r := New("wf", stageNames, Overrides{})
	g := r.Gate("research", "plan")
	if g.Status != GatePending {
		t.Fatalf("new gate status = %q", g.Status)
	}
	if r.Gates["research_to_plan"] != g {
		t.Fatal("Gate() should register the gate under its key")
	}

	g.Notified()
	g.Wait("notify", "timed out")
	if g.ResolvedAt != nil || g.NotifiedAt == nil {
		t.Errorf("waiting gate must not be resolved: %+v", g)
	}
	g.Approve("manual", "")
	if g.Status != GateApproved || g.ResolvedAt == nil {
		t.Errorf("approved gate: %+v", g)
	}
	g.Skip("manual")
	if g.ResolvedAt != nil || !g.Status.Passed() {
		t.Errorf("skipped gate: %+v", g)
	}
	g.Reject("manual", "no")
	if g.ResolvedAt == nil || g.Message != "no" || g.Status.Passed() {
		t.Errorf("rejected gate: %+v", g)
	}
}

func TestOverridesMerge(t *testing.T) {
	base := Overrides{
		StepByStep: true,
		Gates:      map[string]workflow.GateType{"a_to_b": workflow.GateManual},
	}
	got := base.Merge(Overrides{
		OneShot: true,
		Gates:   map[string]workflow.GateType{"b_to_c": workflow.GateAuto},
	})
	if got.StepByStep || !got.OneShot {
		t.Errorf("preference = %+v, want one-shot", got)
	}
	if len(got.Gates) != 2 {
		t.Errorf("gates = %v, want both keys", got.Gates)
	}
	if len(base.Gates) != 1 {
		t.Error("Merge must not mutate the base map")
	}

	same := base.Merge(Overrides{})
	if !same.StepByStep {
		t.Error("empty overrides should keep the base preference")
	}
}

// populated returns a run with every optional field set.
func populated() *RunState {
	r := New("feature", stageNames, Overrides{
		OneShot: true,
		Gates:   map[string]workflow.GateType{"plan_to_implement": workflow.GateNotify},
		Context: "ticket 42",
	})
	research := r.Stage("research")
	research.Start()
	research.SessionID = "sess-1"
	research.Complete("findings", "## Handoff")
	g := r.Gate("research", "plan")
	g.Notified()
	g.Approve("notify:webhook", "ship it")

	plan := r.Stage("plan")
	plan.Start()
	plan.Fail(fmt.Errorf("harness exploded"))
	r.CurrentStage = "plan"
	r.Status = RunFailed
	r.Touch()
	return r
}

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })
	return map[string]Store{
		"file":   fileStore,
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			orig := populated()
			if _, err := store.Save(ctx, orig); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded, err := store.Load(ctx, orig.Workflow, orig.ID)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if !reflect.DeepEqual(orig, loaded) {
				want, _ := json.MarshalIndent(orig, "", "  ")
				got, _ := json.MarshalIndent(loaded, "", "  ")
				t.Errorf("round trip mismatch\nwant: %s\n got: %s", want, got)
			}
		})
	}
}

func TestStoreLoadMissing(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load(ctx, "feature", "nope")
			if !errors.Is(err, errors.ErrRunNotFound) {
				t.Errorf("Load(missing) = %v, want ErrRunNotFound", err)
			}
			_, err = store.FindLatest(ctx, "feature")
			if !errors.Is(err, errors.ErrRunNotFound) {
				t.Errorf("FindLatest(empty) = %v, want ErrRunNotFound", err)
			}
		})
	}
}

// seedRuns saves n runs of workflow with start times one minute apart; the
// last one saved is the newest.
func seedRuns(t *testing.T, store Store, workflowName string, n int) []*RunState {
	t.Helper()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	runs := make([]*RunState, n)
	for i := 0; i < n; i++ {
		r := New(workflowName, stageNames, Overrides{})
		r.ID = fmt.Sprintf("run-%02d", i)
		r.StartedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := store.Save(context.Background(), r); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
		runs[i] = r
	}
	return runs
}

func TestStoreListAndCleanup(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			seedRuns(t, store, "feature", 10)
			seedRuns(t, store, "bugfix", 2)

			all, err := store.List(ctx, "")
			if err != nil {
				t.Fatalf("List(all) failed: %v", err)
			}
			if len(all) != 12 {
				t.Fatalf("List(all) = %d runs, want 12", len(all))
			}

			list, err := store.List(ctx, "feature")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(list) != 10 || list[0].ID != "run-09" || list[9].ID != "run-00" {
				t.Fatalf("List order wrong: first=%s last=%s", list[0].ID, list[len(list)-1].ID)
			}

			removed, err := store.Cleanup(ctx, "feature", 3)
			if err != nil {
				t.Fatalf("Cleanup failed: %v", err)
			}
			if removed != 7 {
				t.Errorf("Cleanup removed %d, want 7", removed)
			}
			for _, id := range []string{"run-09", "run-08", "run-07"} {
				if _, err := store.Load(ctx, "feature", id); err != nil {
					t.Errorf("Load(%s) after cleanup = %v", id, err)
				}
			}
			if _, err := store.Load(ctx, "feature", "run-06"); !errors.Is(err, errors.ErrRunNotFound) {
				t.Errorf("run-06 should have been removed, got %v", err)
			}
			if others, _ := store.List(ctx, "bugfix"); len(others) != 2 {
				t.Errorf("cleanup touched another workflow: %d bugfix runs left", len(others))
			}
		})
	}
}

func TestStoreCleanupSparesResumable(t *testing.T) {
	ctx := context.Background()
	statuses := []RunStatus{RunCompleted, RunWaitingAtGate, RunFailed, RunCancelled, RunCompleted, RunCompleted}

	tests := []struct {
		name        string
		opts        []CleanupOption
		wantRemoved int
		wantKept    []string
	}{
		{
			name:        "no options",
			wantRemoved: 4,
			wantKept:    []string{"run-05", "run-04"},
		},
		{
			name:        "keep resumable",
			opts:        []CleanupOption{KeepResumable()},
			wantRemoved: 2,
			wantKept:    []string{"run-05", "run-04", "run-02", "run-01"},
		},
		{
			name:        "keep resumable and preserve",
			opts:        []CleanupOption{KeepResumable(), Preserve("run-00")},
			wantRemoved: 1,
			wantKept:    []string{"run-05", "run-04", "run-02", "run-01", "run-00"},
		},
	}

	for _, tt := range tests {
		for name, store := range storesUnderTest(t) {
			t.Run(tt.name+"/"+name, func(t *testing.T) {
				runs := seedRuns(t, store, "feature", len(statuses))
				for i, r := range runs {
					r.Status = statuses[i]
					if _, err := store.Save(ctx, r); err != nil {
						t.Fatal(err)
					}
				}

				removed, err := store.Cleanup(ctx, "feature", 2, tt.opts...)
				if err != nil {
					t.Fatalf("Cleanup failed: %v", err)
				}
				if removed != tt.wantRemoved {
					t.Errorf("removed = %d, want %d", removed, tt.wantRemoved)
				}
				left, err := store.List(ctx, "feature")
				if err != nil {
					t.Fatal(err)
				}
				var ids []string
				for _, r := range left {
					ids = append(ids, r.ID)
				}
				if !reflect.DeepEqual(ids, tt.wantKept) {
					t.Errorf("kept = %v, want %v", ids, tt.wantKept)
				}
			})
		}
	}
}

func TestFileStoreFindLatestUsesModTime(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	runs := seedRuns(t, store, "feature", 3)

	// The oldest-started run was touched most recently.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(store.Path("feature", runs[0].ID), future, future); err != nil {
		t.Fatal(err)
	}

	latest, err := store.FindLatest(ctx, "feature")
	if err != nil {
		t.Fatalf("FindLatest failed: %v", err)
	}
	if latest.ID != runs[0].ID {
		t.Errorf("FindLatest = %s, want %s", latest.ID, runs[0].ID)
	}
}

func TestMemoryStoreFindLatestUsesSaveOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runs := seedRuns(t, store, "feature", 3)
	if _, err := store.Save(ctx, runs[1]); err != nil {
		t.Fatal(err)
	}
	latest, err := store.FindLatest(ctx, "feature")
	if err != nil {
		t.Fatalf("FindLatest failed: %v", err)
	}
	if latest.ID != runs[1].ID {
		t.Errorf("FindLatest = %s, want %s", latest.ID, runs[1].ID)
	}
}

func TestFileStoreWritesIndentedJSON(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	r := New("feature", stageNames, Overrides{})
	path, err := store.Save(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(store.Dir(), "feature", r.ID+".json") {
		t.Errorf("path = %s", path)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "\n  \"current_stage\": \"research\"") {
		t.Errorf("state file is not indented JSON:\n%s", data)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestFileStoreCorruptState(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	path := store.Path("feature", "bad")
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, []byte("{not json"), 0644)

	_, err = store.Load(context.Background(), "feature", "bad")
	if !errors.Is(err, errors.ErrRunCorrupted) {
		t.Errorf("Load(corrupt) = %v, want ErrRunCorrupted", err)
	}

	list, err := store.List(context.Background(), "feature")
	if err != nil || len(list) != 0 {
		t.Errorf("List should skip corrupt files, got %d runs, %v", len(list), err)
	}
}

func TestFileStoreRejectsPathKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	r := New("../escape", stageNames, Overrides{})
	if _, err := store.Save(context.Background(), r); err == nil {
		t.Error("expected Save to reject a workflow name with a path separator")
	}
}

func TestSaveFailureIsPersistenceError(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	// A regular file where the workflow directory should be.
	os.WriteFile(filepath.Join(dir, "feature"), []byte("x"), 0644)

	_, err = store.Save(context.Background(), New("feature", stageNames, Overrides{}))
	var pe *errors.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("Save error = %v, want PersistenceError", err)
	}
	if !errors.IsFatal(err) {
		t.Error("persistence errors must be fatal")
	}
}

func TestOpenBackends(t *testing.T) {
	dir := t.TempDir()
	s, err := Open("", dir, nil)
	if err != nil {
		t.Fatalf("Open(file) = %v", err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Errorf("Open(\"\") = %T, want *FileStore", s)
	}

	s, err = Open(BackendSQLite, dir, nil)
	if err != nil {
		t.Fatalf("Open(sqlite) = %v", err)
	}
	s.(*SQLiteStore).Close()
	if _, err := os.Stat(filepath.Join(dir, SQLiteFileName)); err != nil {
		t.Errorf("sqlite database not created: %v", err)
	}

	if _, err := Open("redis", dir, nil); !errors.IsConfigError(err) {
		t.Errorf("Open(redis) = %v, want ConfigError", err)
	}
}
