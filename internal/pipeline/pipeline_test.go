package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/Iron-Ham/stageflow/internal/event"
	"github.com/Iron-Ham/stageflow/internal/gate"
	"github.com/Iron-Ham/stageflow/internal/handoff"
	"github.com/Iron-Ham/stageflow/internal/harness"
	"github.com/Iron-Ham/stageflow/internal/notify"
	"github.com/Iron-Ham/stageflow/internal/state"
	"github.com/Iron-Ham/stageflow/internal/testutil"
	"github.com/Iron-Ham/stageflow/internal/workflow"
)

// fakeHarness replays scripted events per stage. Stages without a script
// emit one text event and Done.
type fakeHarness struct {
	mu       sync.Mutex
	scripts  map[string][]harness.Event
	startErr map[string]error
	// onSend runs when a prompt for the stage is sent; the returned channel
	// is left open until ctx ends.
	onSend map[string]func()

	nextID  int
	started []string
	closed  []string
	prompts map[string]string
}

func newFakeHarness() *fakeHarness {
	return &fakeHarness{
		scripts:  make(map[string][]harness.Event),
		startErr: make(map[string]error),
		onSend:   make(map[string]func()),
		prompts:  make(map[string]string),
	}
}

func (h *fakeHarness) StartSession(ctx context.Context, cfg harness.SessionConfig) (harness.SessionHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.startErr[cfg.Stage]; err != nil {
		return harness.SessionHandle{}, err
	}
	h.nextID++
	h.started = append(h.started, cfg.Stage)
	return harness.SessionHandle{ID: fmt.Sprintf("sess-%d", h.nextID), Stage: cfg.Stage, Model: cfg.Model}, nil
}

func (h *fakeHarness) Send(ctx context.Context, s harness.SessionHandle, prompt string) (<-chan harness.Event, error) {
	h.mu.Lock()
	h.prompts[s.Stage] = prompt
	script, ok := h.scripts[s.Stage]
	hook := h.onSend[s.Stage]
	h.mu.Unlock()

	if hook != nil {
		ch := make(chan harness.Event, 1)
		ch <- harness.Text("working on " + s.Stage)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		hook()
		return ch, nil
	}
	if !ok {
		script = []harness.Event{harness.Text("output of " + s.Stage), harness.Done()}
	}
	ch := make(chan harness.Event, len(script))
	for _, e := range script {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (h *fakeHarness) CloseSession(ctx context.Context, s harness.SessionHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, s.Stage)
	return nil
}

func (h *fakeHarness) startedStages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.started...)
}

// scriptedGates answers gates from a table keyed by gate key; unlisted
// gates approve.
type scriptedGates struct {
	mu       sync.Mutex
	results  map[string]gate.Result
	errs     map[string]error
	requests []gate.Request
}

func newScriptedGates() *scriptedGates {
	return &scriptedGates{results: make(map[string]gate.Result), errs: make(map[string]error)}
}

func (g *scriptedGates) Resolve(ctx context.Context, req gate.Request) (gate.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if err := g.errs[req.Key()]; err != nil {
		return gate.Result{}, err
	}
	if r, ok := g.results[req.Key()]; ok {
		return r, nil
	}
	return gate.Result{Outcome: gate.Approved, Method: gate.MethodAuto}, nil
}

func (g *scriptedGates) types() map[string]workflow.GateType {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]workflow.GateType)
	for _, r := range g.requests {
		out[r.Key()] = r.Type
	}
	return out
}

// failingStore fails every Save after the first failAfter saves.
type failingStore struct {
	*state.MemoryStore
	failAfter int
	saves     int
}

func (s *failingStore) Save(ctx context.Context, r *state.RunState) (string, error) {
	s.saves++
	if s.saves > s.failAfter {
		return "", fmt.Errorf("disk full")
	}
	return s.MemoryStore.Save(ctx, r)
}

func threeStages() *workflow.Workflow {
	return &workflow.Workflow{
		Name: "feature",
		Stages: []workflow.Stage{
			{Name: "research", Command: "/research"},
			{Name: "plan", Command: "/plan", Model: "opus"},
			{Name: "implement", Command: "/implement"},
		},
	}
}

func newTestRunner(t *testing.T, w *workflow.Workflow, store state.Store, h harness.Harness, g GateResolver, opts ...Option) *Runner {
	t.Helper()
	r, err := NewRunner(Config{
		Workflow: w,
		Store:    store,
		Harness:  h,
		Gates:    g,
		Handoffs: handoff.DocumentBuilder{},
	}, opts...)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func stageStatuses(rs *state.RunState) map[string]state.StageStatus {
	out := make(map[string]state.StageStatus, len(rs.Stages))
	for name, s := range rs.Stages {
		out[name] = s.Status
	}
	return out
}

func assertStatuses(t *testing.T, rs *state.RunState, want map[string]state.StageStatus) {
	t.Helper()
	got := stageStatuses(rs)
	for name, status := range want {
		if got[name] != status {
			t.Errorf("stage %s status = %s, want %s", name, got[name], status)
		}
	}
}

// assertPersisted checks that the store holds exactly what Run returned.
func assertPersisted(t *testing.T, store state.Store, rs *state.RunState) {
	t.Helper()
	loaded, err := store.Load(context.Background(), rs.Workflow, rs.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != rs.Status || loaded.CurrentStage != rs.CurrentStage {
		t.Errorf("persisted status/current = %s/%s, returned %s/%s",
			loaded.Status, loaded.CurrentStage, rs.Status, rs.CurrentStage)
	}
	for name, s := range rs.Stages {
		if loaded.Stages[name].Status != s.Status {
			t.Errorf("persisted stage %s = %s, returned %s", name, loaded.Stages[name].Status, s.Status)
		}
	}
}

func TestNewRunner_Validation(t *testing.T) {
	w := threeStages()
	store := state.NewMemoryStore()
	h := newFakeHarness()
	g := newScriptedGates()
	b := handoff.DocumentBuilder{}

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"missing workflow", Config{Store: store, Harness: h, Gates: g, Handoffs: b}, "Workflow is required"},
		{"empty workflow", Config{Workflow: &workflow.Workflow{Name: "x"}, Store: store, Harness: h, Gates: g, Handoffs: b}, "has no stages"},
		{"missing store", Config{Workflow: w, Harness: h, Gates: g, Handoffs: b}, "Store is required"},
		{"missing harness", Config{Workflow: w, Store: store, Gates: g, Handoffs: b}, "Harness is required"},
		{"missing gates", Config{Workflow: w, Store: store, Harness: h, Handoffs: b}, "Gates is required"},
		{"missing handoffs", Config{Workflow: w, Store: store, Harness: h, Gates: g}, "Handoffs is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewRunner() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRun_DryRunAllAuto(t *testing.T) {
	store := state.NewMemoryStore()
	h := newFakeHarness()
	r := newTestRunner(t, threeStages(), store, h, newScriptedGates())

	rs, err := r.Run(context.Background(), RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rs.Status != state.RunCompleted {
		t.Errorf("Status = %s, want completed", rs.Status)
	}
	for _, name := range []string{"research", "plan", "implement"} {
		s := rs.Stage(name)
		if s.Status != state.StageCompleted {
			t.Errorf("stage %s = %s, want completed", name, s.Status)
		}
		if s.Handoff != DryRunHandoff {
			t.Errorf("stage %s handoff = %q, want placeholder", name, s.Handoff)
		}
		if s.StartedAt == nil || s.CompletedAt == nil || s.CompletedAt.Before(*s.StartedAt) {
			t.Errorf("stage %s timestamps = %v/%v", name, s.StartedAt, s.CompletedAt)
		}
	}
	if len(h.startedStages()) != 0 {
		t.Errorf("dry run started harness sessions: %v", h.startedStages())
	}
	if rs.CurrentStage != "implement" {
		t.Errorf("CurrentStage = %q, want implement", rs.CurrentStage)
	}
	assertPersisted(t, store, rs)
}

func TestRun_ManualStopCancels(t *testing.T) {
	store := state.NewMemoryStore()
	h := newFakeHarness()
	ctrl := gate.NewController(gate.Config{In: strings.NewReader("stop not ready\n"), Out: io.Discard})
	r := newTestRunner(t, threeStages(), store, h, ctrl)

	rs, err := r.Run(context.Background(), RunOptions{StepByStep: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rs.Status != state.RunCancelled {
		t.Errorf("Status = %s, want cancelled", rs.Status)
	}
	assertStatuses(t, rs, map[string]state.StageStatus{
		"research":  state.StageCompleted,
		"plan":      state.StagePending,
		"implement": state.StagePending,
	})
	g := rs.Gates["research_to_plan"]
	if g == nil || g.Status != state.GateRejected {
		t.Fatalf("gate = %+v, want rejected", g)
	}
	if g.ResolvedAt == nil || g.Method != gate.MethodManual || g.Message != "not ready" {
		t.Errorf("gate = %+v", g)
	}
	if g.NotifiedAt == nil {
		t.Error("manual gate should record when it asked")
	}
	assertPersisted(t, store, rs)
}

func TestRun_HarnessErrorFailsStage(t *testing.T) {
	store := state.NewMemoryStore()
	h := newFakeHarness()
	h.scripts["plan"] = []harness.Event{harness.Text("thinking"), harness.Error(fmt.Errorf("model overloaded"))}
	r := newTestRunner(t, threeStages(), store, h, newScriptedGates())

	rs, err := r.Run(context.Background(), RunOptions{})
	if err == nil {
		t.Fatal("Run() should return the harness error")
	}
	var he *errors.HarnessError
	if !errors.As(err, &he) || he.Stage != "plan" {
		t.Errorf("error = %v, want HarnessError for plan", err)
	}

	if rs.Status != state.RunFailed {
		t.Errorf("Status = %s, want failed", rs.Status)
	}
	assertStatuses(t, rs, map[string]state.StageStatus{
		"research":  state.StageCompleted,
		"plan":      state.StageFailed,
		"implement": state.StagePending,
	})
	if !strings.Contains(rs.Stage("plan").Error, "model overloaded") {
		t.Errorf("plan error = %q", rs.Stage("plan").Error)
	}
	if rs.Stage("plan").CompletedAt != nil {
		t.Error("a failed stage has no completion time")
	}
	assertPersisted(t, store, rs)

	// Resuming re-runs only the failed and pending stages.
	delete(h.scripts, "plan")
	resumed, err := r.Run(context.Background(), RunOptions{ResumeID: rs.ID})
	if err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if resumed.Status != state.RunCompleted {
		t.Errorf("resumed Status = %s, want completed", resumed.Status)
	}
	got := strings.Join(h.startedStages(), ",")
	if got != "research,plan,plan,implement" {
		t.Errorf("sessions = %s, want research once and plan retried", got)
	}
}

func TestRun_StartSessionError(t *testing.T) {
	h := newFakeHarness()
	h.startErr["research"] = fmt.Errorf("binary not found")
	r := newTestRunner(t, threeStages(), state.NewMemoryStore(), h, newScriptedGates())

	rs, err := r.Run(context.Background(), RunOptions{})
	if !errors.Is(err, &errors.HarnessError{}) {
		t.Errorf("error = %v, want HarnessError", err)
	}
	if rs.Stage("research").Status != state.StageFailed {
		t.Errorf("research = %s, want failed", rs.Stage("research").Status)
	}
}

func TestRun_TruncatedStreamFailsStage(t *testing.T) {
	h := newFakeHarness()
	h.scripts["research"] = []harness.Event{harness.Text("partial")}
	r := newTestRunner(t, threeStages(), state.NewMemoryStore(), h, newScriptedGates())

	_, err := r.Run(context.Background(), RunOptions{})
	if !errors.Is(err, errors.ErrStreamClosed) {
		t.Errorf("error = %v, want ErrStreamClosed", err)
	}
}

func TestRun_NotifyTimeoutWaits(t *testing.T) {
	w := &workflow.Workflow{
		Name: "feature",
		Stages: []workflow.Stage{
			{Name: "research", Gate: workflow.GateConfig{Type: workflow.GateNotify, Timeout: 2 * time.Second, Channels: []string{"log"}}},
			{Name: "plan"},
		},
	}
	store := state.NewMemoryStore()
	ctrl := gate.NewController(gate.Config{
		Out: io.Discard,
		Channels: func(names []string) ([]notify.Channel, error) {
			return notify.Build(names, notify.Settings{Out: io.Discard})
		},
	})
	r := newTestRunner(t, w, store, newFakeHarness(), ctrl)

	start := time.Now()
	rs, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Errorf("Run() returned after %v, before the gate timeout", elapsed)
	}

	if rs.Status != state.RunWaitingAtGate {
		t.Errorf("Status = %s, want waiting_at_gate", rs.Status)
	}
	g := rs.Gates["research_to_plan"]
	if g.Status != state.GateWaiting || g.Method != gate.MethodTimeout {
		t.Errorf("gate = %+v, want waiting via timeout", g)
	}
	if g.ResolvedAt != nil {
		t.Error("a waiting gate has no resolution time")
	}
	if rs.CurrentStage != "research" {
		t.Errorf("CurrentStage = %q, want the completed stage", rs.CurrentStage)
	}
	assertStatuses(t, rs, map[string]state.StageStatus{"research": state.StageCompleted, "plan": state.StagePending})
	assertPersisted(t, store, rs)
}

func TestRun_WaitingThenResume(t *testing.T) {
	store := state.NewMemoryStore()
	h := newFakeHarness()
	g := newScriptedGates()
	g.results["research_to_plan"] = gate.Result{Outcome: gate.Waiting, Method: gate.MethodManual, Message: "later", Extended: 24 * time.Hour}
	r := newTestRunner(t, threeStages(), store, h, g)

	rs, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rs.Status != state.RunWaitingAtGate {
		t.Fatalf("Status = %s, want waiting_at_gate", rs.Status)
	}
	if msg := rs.Gates["research_to_plan"].Message; !strings.Contains(msg, "later") || !strings.Contains(msg, "24h") {
		t.Errorf("gate message = %q", msg)
	}

	delete(g.results, "research_to_plan")
	resumed, err := r.Run(context.Background(), RunOptions{Latest: true})
	if err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if resumed.ID != rs.ID {
		t.Errorf("Latest resumed %s, want %s", resumed.ID, rs.ID)
	}
	if resumed.Status != state.RunCompleted {
		t.Errorf("Status = %s, want completed", resumed.Status)
	}
	if got := strings.Join(h.startedStages(), ","); got != "research,plan,implement" {
		t.Errorf("sessions = %s, research must not re-run", got)
	}
	if resumed.Gates["research_to_plan"].Status != state.GateApproved {
		t.Errorf("gate = %s, want approved", resumed.Gates["research_to_plan"].Status)
	}
}

func TestRun_EditRequestedWaits(t *testing.T) {
	g := newScriptedGates()
	g.results["research_to_plan"] = gate.Result{Outcome: gate.EditRequested, Method: gate.MethodManual}
	r := newTestRunner(t, threeStages(), state.NewMemoryStore(), newFakeHarness(), g)

	rs, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rs.Status != state.RunWaitingAtGate || rs.Gates["research_to_plan"].Status != state.GateWaiting {
		t.Errorf("run/gate = %s/%s, want waiting", rs.Status, rs.Gates["research_to_plan"].Status)
	}
}

func TestRun_ApprovedGateNotAskedAgain(t *testing.T) {
	store := state.NewMemoryStore()
	h := newFakeHarness()
	g := newScriptedGates()
	g.results["plan_to_implement"] = gate.Result{Outcome: gate.Waiting, Method: gate.MethodManual}
	r := newTestRunner(t, threeStages(), store, h, g)

	rs, _ := r.Run(context.Background(), RunOptions{})
	delete(g.results, "plan_to_implement")
	if _, err := r.Run(context.Background(), RunOptions{ResumeID: rs.ID, FromStage: "research"}); err != nil {
		t.Fatalf("resume error = %v", err)
	}

	asked := 0
	for _, req := range g.requests {
		if req.Key() == "research_to_plan" {
			asked++
		}
	}
	if asked != 1 {
		t.Errorf("research_to_plan asked %d times, want 1", asked)
	}
}

func TestRun_GateSkip(t *testing.T) {
	h := newFakeHarness()
	g := newScriptedGates()
	g.results["research_to_plan"] = gate.Result{Outcome: gate.Skip, Method: gate.MethodManual}
	bus := event.NewBus(nil)
	var skipped []string
	bus.Subscribe(event.TypeStageSkipped, func(e event.Event) {
		skipped = append(skipped, e.(event.StageSkippedEvent).Stage)
	})
	r := newTestRunner(t, threeStages(), state.NewMemoryStore(), h, g, WithBus(bus))

	rs, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rs.Status != state.RunCompleted {
		t.Errorf("Status = %s, want completed", rs.Status)
	}
	assertStatuses(t, rs, map[string]state.StageStatus{
		"research":  state.StageCompleted,
		"plan":      state.StageSkipped,
		"implement": state.StageCompleted,
	})
	gs := rs.Gates["research_to_plan"]
	if gs.Status != state.GateSkipped || gs.ResolvedAt != nil {
		t.Errorf("gate = %+v, want skipped without resolution time", gs)
	}
	if got := strings.Join(h.startedStages(), ","); got != "research,implement" {
		t.Errorf("sessions = %s", got)
	}
	if !strings.Contains(h.prompts["implement"], "output of research") {
		t.Errorf("implement prompt should carry the research handoff:\n%s", h.prompts["implement"])
	}
	if strings.Join(skipped, ",") != "plan" {
		t.Errorf("skipped events = %v", skipped)
	}
}

func TestRun_GateError(t *testing.T) {
	g := newScriptedGates()
	g.errs["research_to_plan"] = errors.NewConfigError("webhook channel needs a URL", nil)
	r := newTestRunner(t, threeStages(), state.NewMemoryStore(), newFakeHarness(), g)

	rs, err := r.Run(context.Background(), RunOptions{})
	if !errors.IsConfigError(err) {
		t.Fatalf("error = %v, want ConfigError", err)
	}
	if rs.Status != state.RunWaitingAtGate || rs.Gates["research_to_plan"].Status != state.GateWaiting {
		t.Errorf("run/gate = %s/%s, want resumable waiting", rs.Status, rs.Gates["research_to_plan"].Status)
	}
}

func TestRun_CompletedResumeIsIdempotent(t *testing.T) {
	store := state.NewMemoryStore()
	h := newFakeHarness()
	r := newTestRunner(t, threeStages(), store, h, newScriptedGates())

	rs, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	sessions := len(h.startedStages())

	again, err := r.Run(context.Background(), RunOptions{ResumeID: rs.ID})
	if err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if again.Status != state.RunCompleted || !again.UpdatedAt.Equal(rs.UpdatedAt) {
		t.Errorf("resume changed a completed run: %s %v -> %v", again.Status, rs.UpdatedAt, again.UpdatedAt)
	}
	if len(h.startedStages()) != sessions {
		t.Error("resuming a completed run must not start sessions")
	}
}

func TestRun_ResumeUnknownID(t *testing.T) {
	r := newTestRunner(t, threeStages(), state.NewMemoryStore(), newFakeHarness(), newScriptedGates())
	_, err := r.Run(context.Background(), RunOptions{ResumeID: "nope"})
	if !errors.Is(err, errors.ErrRunNotFound) {
		t.Errorf("error = %v, want ErrRunNotFound", err)
	}
}

func TestRun_ResumeCancelledNeedsFrom(t *testing.T) {
	g := newScriptedGates()
	g.results["research_to_plan"] = gate.Result{Outcome: gate.Rejected, Method: gate.MethodManual, Message: "no"}
	r := newTestRunner(t, threeStages(), state.NewMemoryStore(), newFakeHarness(), g)

	rs, _ := r.Run(context.Background(), RunOptions{})
	if _, err := r.Run(context.Background(), RunOptions{ResumeID: rs.ID}); !errors.IsConfigError(err) {
		t.Errorf("resume of cancelled run error = %v, want ConfigError", err)
	}

	delete(g.results, "research_to_plan")
	resumed, err := r.Run(context.Background(), RunOptions{ResumeID: rs.ID, FromStage: "research"})
	if err != nil {
		t.Fatalf("resume with --from error = %v", err)
	}
	if resumed.Status != state.RunCompleted {
		t.Errorf("Status = %s, want completed", resumed.Status)
	}
}

func TestRun_ConfigErrorsBeforeMutation(t *testing.T) {
	notifyNoTimeout := threeStages()
	notifyNoTimeout.Stages[0].Gate = workflow.GateConfig{Type: workflow.GateNotify}

	tests := []struct {
		name string
		w    *workflow.Workflow
		opts RunOptions
		is   error
	}{
		{"unknown from", threeStages(), RunOptions{FromStage: "deploy"}, errors.ErrStageNotFound},
		{"unknown to", threeStages(), RunOptions{ToStage: "deploy"}, errors.ErrStageNotFound},
		{"to before from", threeStages(), RunOptions{FromStage: "plan", ToStage: "research"}, nil},
		{"both preferences", threeStages(), RunOptions{StepByStep: true, OneShot: true}, errors.ErrConflictingOptions},
		{"resume and latest", threeStages(), RunOptions{ResumeID: "x", Latest: true}, errors.ErrConflictingOptions},
		{"bad gate key", threeStages(), RunOptions{Gates: map[string]workflow.GateType{"research_to_implement": workflow.GateAuto}}, errors.ErrStageNotFound},
		{"notify without timeout", notifyNoTimeout, RunOptions{}, errors.ErrGateTimeoutMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := state.NewMemoryStore()
			h := newFakeHarness()
			r := newTestRunner(t, tt.w, store, h, newScriptedGates())

			rs, err := r.Run(context.Background(), tt.opts)
			if !errors.IsConfigError(err) {
				t.Fatalf("Run() error = %v, want ConfigError", err)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("Run() error = %v, want %v", err, tt.is)
			}
			if rs != nil {
				t.Error("no state should be returned for a configuration error")
			}
			runs, _ := store.List(context.Background(), "")
			if len(runs) != 0 {
				t.Errorf("configuration error persisted %d runs", len(runs))
			}
			if len(h.startedStages()) != 0 {
				t.Error("configuration error started sessions")
			}
		})
	}
}

func TestRun_ToStageStopsBefore(t *testing.T) {
	store := state.NewMemoryStore()
	h := newFakeHarness()
	bus := event.NewBus(nil)
	var finished event.RunFinishedEvent
	bus.Subscribe(event.TypeRunFinished, func(e event.Event) { finished = e.(event.RunFinishedEvent) })
	r := newTestRunner(t, threeStages(), store, h, newScriptedGates(), WithBus(bus))

	rs, err := r.Run(context.Background(), RunOptions{ToStage: "implement"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rs.Status != state.RunPaused || rs.CurrentStage != "implement" {
		t.Errorf("run = %s at %s, want paused at implement", rs.Status, rs.CurrentStage)
	}
	assertStatuses(t, rs, map[string]state.StageStatus{
		"research":  state.StageCompleted,
		"plan":      state.StageCompleted,
		"implement": state.StagePending,
	})
	if finished.StoppedAt != "implement" {
		t.Errorf("RunFinishedEvent.StoppedAt = %q", finished.StoppedAt)
	}
	assertPersisted(t, store, rs)

	resumed, err := r.Run(context.Background(), RunOptions{ResumeID: rs.ID})
	if err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if resumed.Status != state.RunCompleted {
		t.Errorf("Status = %s, want completed", resumed.Status)
	}
	if got := strings.Join(h.startedStages(), ","); got != "research,plan,implement" {
		t.Errorf("sessions = %s", got)
	}
}

func TestRun_FromStageSkipsEarlierStages(t *testing.T) {
	h := newFakeHarness()
	r := newTestRunner(t, threeStages(), state.NewMemoryStore(), h, newScriptedGates())

	rs, err := r.Run(context.Background(), RunOptions{FromStage: "plan"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertStatuses(t, rs, map[string]state.StageStatus{
		"research":  state.StageSkipped,
		"plan":      state.StageCompleted,
		"implement": state.StageCompleted,
	})
	if got := strings.Join(h.startedStages(), ","); got != "plan,implement" {
		t.Errorf("sessions = %s", got)
	}
}

func TestRun_OverridePrecedence(t *testing.T) {
	w := threeStages()
	w.Stages[0].Gate = workflow.GateConfig{Type: workflow.GateManual}
	w.Stages[1].Gate = workflow.GateConfig{Type: workflow.GateManual}

	tests := []struct {
		name string
		opts RunOptions
		want map[string]workflow.GateType
	}{
		{
			name: "stage config",
			opts: RunOptions{},
			want: map[string]workflow.GateType{"research_to_plan": workflow.GateManual, "plan_to_implement": workflow.GateManual},
		},
		{
			name: "one-shot beats stage config",
			opts: RunOptions{OneShot: true},
			want: map[string]workflow.GateType{"research_to_plan": workflow.GateAuto, "plan_to_implement": workflow.GateAuto},
		},
		{
			name: "explicit override beats one-shot",
			opts: RunOptions{OneShot: true, Gates: map[string]workflow.GateType{"plan_to_implement": workflow.GateManual}},
			want: map[string]workflow.GateType{"research_to_plan": workflow.GateAuto, "plan_to_implement": workflow.GateManual},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newScriptedGates()
			r := newTestRunner(t, w, state.NewMemoryStore(), newFakeHarness(), g)
			if _, err := r.Run(context.Background(), tt.opts); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			got := g.types()
			for key, want := range tt.want {
				if got[key] != want {
					t.Errorf("gate %s type = %s, want %s", key, got[key], want)
				}
			}
		})
	}
}

func TestRun_OverridesPersistAcrossResume(t *testing.T) {
	store := state.NewMemoryStore()
	g := newScriptedGates()
	g.results["research_to_plan"] = gate.Result{Outcome: gate.Waiting, Method: gate.MethodManual}
	r := newTestRunner(t, threeStages(), store, newFakeHarness(), g)

	rs, _ := r.Run(context.Background(), RunOptions{StepByStep: true, Context: "use sqlite"})
	if !rs.Overrides.StepByStep || rs.Overrides.Context != "use sqlite" {
		t.Fatalf("Overrides = %+v", rs.Overrides)
	}

	delete(g.results, "research_to_plan")
	resumed, err := r.Run(context.Background(), RunOptions{ResumeID: rs.ID})
	if err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if !resumed.Overrides.StepByStep {
		t.Error("step-by-step should survive a resume")
	}
	if types := g.types(); types["plan_to_implement"] != workflow.GateManual {
		t.Errorf("plan_to_implement type = %s, want manual from persisted overrides", types["plan_to_implement"])
	}
}

func TestRun_PromptAssembly(t *testing.T) {
	h := newFakeHarness()
	h.scripts["research"] = []harness.Event{
		harness.Text("first finding"),
		{Kind: harness.EventToolCall, Tool: "Read", Text: "main.go"},
		harness.Text("second finding"),
		harness.Done(),
	}
	r := newTestRunner(t, threeStages(), state.NewMemoryStore(), h, newScriptedGates())

	rs, err := r.Run(context.Background(), RunOptions{Context: "target go 1.25"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if out := rs.Stage("research").Output; out != "first finding\nsecond finding" {
		t.Errorf("research output = %q", out)
	}

	research := h.prompts["research"]
	if !strings.HasPrefix(research, "/research") || !strings.Contains(research, "target go 1.25") {
		t.Errorf("research prompt = %q", research)
	}
	plan := h.prompts["plan"]
	for _, want := range []string{"# Handoff: research → plan", "second finding", "/plan", "Additional context:\ntarget go 1.25"} {
		if !strings.Contains(plan, want) {
			t.Errorf("plan prompt missing %q:\n%s", want, plan)
		}
	}

	// The last stage hands off its own output.
	if got := rs.Stage("implement").Handoff; got != "output of implement" {
		t.Errorf("final handoff = %q", got)
	}
}

func TestRun_FinalHandoffTruncated(t *testing.T) {
	w := &workflow.Workflow{Name: "solo", Stages: []workflow.Stage{{Name: "only"}}}
	h := newFakeHarness()
	h.scripts["only"] = []harness.Event{harness.Text(strings.Repeat("z", FinalHandoffChars*2)), harness.Done()}
	r := newTestRunner(t, w, state.NewMemoryStore(), h, newScriptedGates())

	rs, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len([]rune(rs.Stage("only").Handoff)); got != FinalHandoffChars {
		t.Errorf("final handoff length = %d, want %d", got, FinalHandoffChars)
	}
	if len(rs.Stage("only").Output) != FinalHandoffChars*2 {
		t.Error("output should be kept in full")
	}
	if h.prompts["only"] == "" {
		t.Error("a stage without command or handoff still gets a prompt")
	}
}

func TestRun_InterruptPauses(t *testing.T) {
	store := state.NewMemoryStore()
	h := newFakeHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.onSend["plan"] = cancel
	r := newTestRunner(t, threeStages(), store, h, newScriptedGates())

	rs, err := r.Run(ctx, RunOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if rs.Status != state.RunPaused {
		t.Errorf("Status = %s, want paused", rs.Status)
	}
	assertStatuses(t, rs, map[string]state.StageStatus{
		"research":  state.StageCompleted,
		"plan":      state.StagePending,
		"implement": state.StagePending,
	})
	if rs.CurrentStage != "plan" {
		t.Errorf("CurrentStage = %q, want plan", rs.CurrentStage)
	}
	h.mu.Lock()
	closed := strings.Join(h.closed, ",")
	h.mu.Unlock()
	if closed != "research,plan" {
		t.Errorf("closed sessions = %s, the interrupted session must be closed", closed)
	}
	assertPersisted(t, store, rs)

	delete(h.onSend, "plan")
	resumed, err := r.Run(context.Background(), RunOptions{ResumeID: rs.ID})
	if err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if resumed.Status != state.RunCompleted {
		t.Errorf("Status = %s, want completed", resumed.Status)
	}
}

func TestRun_PersistenceFailure(t *testing.T) {
	for _, failAfter := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("after %d saves", failAfter), func(t *testing.T) {
			store := &failingStore{MemoryStore: state.NewMemoryStore(), failAfter: failAfter}
			h := newFakeHarness()
			r := newTestRunner(t, threeStages(), store, h, newScriptedGates())

			_, err := r.Run(context.Background(), RunOptions{})
			var pe *errors.PersistenceError
			if !errors.As(err, &pe) {
				t.Fatalf("Run() error = %v, want PersistenceError", err)
			}
			if !errors.IsFatal(err) {
				t.Error("persistence errors are fatal")
			}
			if store.saves != failAfter+1 {
				t.Errorf("Run() saved %d times after a failure, want to stop at %d", store.saves, failAfter+1)
			}
		})
	}
}

func TestRun_HooksAreBestEffort(t *testing.T) {
	testutil.SkipIfNoShell(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "post-ran")
	w := threeStages()
	w.Stages[0].PreHooks = []string{"exit 9"}
	w.Stages[0].PostHooks = []string{`echo "$STAGEFLOW_STAGE>$STAGEFLOW_NEXT_STAGE" > ` + marker}

	bus := event.NewBus(nil)
	var hookFailures []event.HookFailedEvent
	bus.Subscribe(event.TypeHookFailed, func(e event.Event) {
		hookFailures = append(hookFailures, e.(event.HookFailedEvent))
	})
	r := newTestRunner(t, w, state.NewMemoryStore(), newFakeHarness(), newScriptedGates(), WithBus(bus), WithWorkDir(dir))

	rs, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rs.Status != state.RunCompleted {
		t.Errorf("Status = %s, want completed despite the failing hook", rs.Status)
	}
	if len(hookFailures) != 1 || hookFailures[0].Stage != "research" || hookFailures[0].Phase != "pre" {
		t.Errorf("hook failures = %+v", hookFailures)
	}
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("post hook did not run: %v", err)
	}
	if strings.TrimSpace(string(data)) != "research>plan" {
		t.Errorf("post hook env = %q", data)
	}
}

func TestRun_Events(t *testing.T) {
	w := &workflow.Workflow{Name: "two", Stages: []workflow.Stage{{Name: "a"}, {Name: "b"}}}
	bus := event.NewBus(nil)
	var types []string
	bus.SubscribeAll(func(e event.Event) { types = append(types, e.EventType()) })
	r := newTestRunner(t, w, state.NewMemoryStore(), newFakeHarness(), newScriptedGates(), WithBus(bus))

	if _, err := r.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{
		"run.started",
		"stage.started", "stage.output", "stage.completed",
		"gate.resolved",
		"stage.started", "stage.output", "stage.completed",
		"run.finished",
	}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v\nwant %v", types, want)
	}
}

func TestRun_LockedRun(t *testing.T) {
	store, err := state.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	g := newScriptedGates()
	g.results["research_to_plan"] = gate.Result{Outcome: gate.Waiting, Method: gate.MethodManual}
	r := newTestRunner(t, threeStages(), store, newFakeHarness(), g)

	rs, err := r.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	lock, err := store.Acquire(context.Background(), rs.Workflow, rs.ID)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_, err = r.Run(context.Background(), RunOptions{ResumeID: rs.ID})
	if !errors.Is(err, errors.ErrRunLocked) {
		t.Errorf("resume of a locked run error = %v, want ErrRunLocked", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}

	delete(g.results, "research_to_plan")
	if _, err := r.Run(context.Background(), RunOptions{ResumeID: rs.ID}); err != nil {
		t.Errorf("resume after release error = %v", err)
	}
}
