// Package state holds the persisted model of a workflow run and the stores
// that save it.
//
// A [RunState] is created once per fresh invocation or loaded once per
// resume, mutated in place by the pipeline runner, and saved after every
// mutation. The persisted copy is the only source of truth for resumption:
// nothing else about a run survives the process.
package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/stageflow/internal/workflow"
)

// RunStatus is the overall status of a run.
type RunStatus string

const (
	RunRunning       RunStatus = "running"
	RunWaitingAtGate RunStatus = "waiting_at_gate"
	RunPaused        RunStatus = "paused"
	RunCompleted     RunStatus = "completed"
	RunFailed        RunStatus = "failed"
	RunCancelled     RunStatus = "cancelled"
)

// Resumable reports whether a run in this status can be continued with --resume.
func (s RunStatus) Resumable() bool {
	switch s {
	case RunWaitingAtGate, RunPaused, RunFailed, RunRunning:
		return true
	default:
		return false
	}
}

// StageStatus is the status of one stage within a run.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageSkipped    StageStatus = "skipped"
	StageFailed     StageStatus = "failed"
)

// Done reports whether a stage needs no further execution.
func (s StageStatus) Done() bool {
	return s == StageCompleted || s == StageSkipped
}

// GateStatus is the status of one stage transition.
type GateStatus string

const (
	GatePending  GateStatus = "pending"
	GateWaiting  GateStatus = "waiting"
	GateApproved GateStatus = "approved"
	GateRejected GateStatus = "rejected"
	GateSkipped  GateStatus = "skipped"
)

// Passed reports whether the transition has already been allowed and must
// not be asked again.
func (s GateStatus) Passed() bool {
	return s == GateApproved || s == GateSkipped
}

// StageState is the persisted state of one stage.
type StageState struct {
	Status      StageStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	SessionID   string      `json:"session_id,omitempty"`
	Handoff     string      `json:"handoff,omitempty"`
	Output      string      `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Start marks the stage in progress and clears any earlier attempt.
func (s *StageState) Start() {
	t := now()
	s.Status = StageInProgress
	s.StartedAt = &t
	s.CompletedAt = nil
	s.SessionID = ""
	s.Handoff = ""
	s.Output = ""
	s.Error = ""
}

// Complete records a successful stage. handoff is empty for the last stage
// only when the output itself was empty.
func (s *StageState) Complete(output, handoff string) {
	t := now()
	if s.StartedAt == nil {
		s.StartedAt = &t
	}
	s.Status = StageCompleted
	s.CompletedAt = &t
	s.Output = output
	s.Handoff = handoff
	s.Error = ""
}

// Fail records a failed stage.
func (s *StageState) Fail(err error) {
	s.Status = StageFailed
	s.CompletedAt = nil
	s.Error = err.Error()
}

// Skip marks the stage as skipped by a gate decision.
func (s *StageState) Skip() {
	s.Status = StageSkipped
}

// Reset returns an interrupted stage to pending so a resume re-runs it.
func (s *StageState) Reset() {
	s.Status = StagePending
	s.StartedAt = nil
	s.CompletedAt = nil
	s.Output = ""
	s.Handoff = ""
}

// GateState is the persisted state of one transition.
type GateState struct {
	Status     GateStatus `json:"status"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Method     string     `json:"method,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// Notified records when the approval request went out.
func (g *GateState) Notified() {
	t := now()
	g.NotifiedAt = &t
}

// Approve resolves the gate as approved.
func (g *GateState) Approve(method, message string) {
	t := now()
	g.Status = GateApproved
	g.ResolvedAt = &t
	g.Method = method
	g.Message = message
}

// Reject resolves the gate as rejected.
func (g *GateState) Reject(method, reason string) {
	t := now()
	g.Status = GateRejected
	g.ResolvedAt = &t
	g.Method = method
	g.Message = reason
}

// Skip records that the next stage was skipped. Skipped gates carry no
// resolution time.
func (g *GateState) Skip(method string) {
	g.Status = GateSkipped
	g.ResolvedAt = nil
	g.Method = method
}

// Wait parks the gate until a later resume answers it.
func (g *GateState) Wait(method, message string) {
	g.Status = GateWaiting
	g.ResolvedAt = nil
	g.Method = method
	g.Message = message
}

// Overrides are the run-level options that persist across resumes.
type Overrides struct {
	StepByStep bool                         `json:"step_by_step,omitempty"`
	OneShot    bool                         `json:"one_shot,omitempty"`
	Gates      map[string]workflow.GateType `json:"gates,omitempty"`
	Context    string                       `json:"context,omitempty"`
}

// Merge layers o on top of base. Per-transition gate overrides are merged
// key by key, and a preference set in o replaces the one in base.
func (base Overrides) Merge(o Overrides) Overrides {
	out := base
	if o.StepByStep || o.OneShot {
		out.StepByStep = o.StepByStep
		out.OneShot = o.OneShot
	}
	if len(o.Gates) > 0 {
		gates := make(map[string]workflow.GateType, len(base.Gates)+len(o.Gates))
		for k, v := range base.Gates {
			gates[k] = v
		}
		for k, v := range o.Gates {
			gates[k] = v
		}
		out.Gates = gates
	}
	if o.Context != "" {
		out.Context = o.Context
	}
	return out
}

// RunState is the persisted state of one run.
type RunState struct {
	ID           string                 `json:"id"`
	Workflow     string                 `json:"workflow"`
	StartedAt    time.Time              `json:"started_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	CurrentStage string                 `json:"current_stage"`
	Status       RunStatus              `json:"status"`
	StageOrder   []string               `json:"stage_order"`
	Stages       map[string]*StageState `json:"stages"`
	Gates        map[string]*GateState  `json:"gates"`
	Overrides    Overrides              `json:"overrides"`
}

// New creates a fresh run for the given stage list: one pending stage entry
// per stage and current_stage set to the first one.
func New(workflowName string, stages []string, overrides Overrides) *RunState {
	t := now()
	r := &RunState{
		ID:         NewRunID(),
		Workflow:   workflowName,
		StartedAt:  t,
		UpdatedAt:  t,
		Status:     RunRunning,
		StageOrder: append([]string(nil), stages...),
		Stages:     make(map[string]*StageState, len(stages)),
		Gates:      make(map[string]*GateState),
		Overrides:  overrides,
	}
	if len(stages) > 0 {
		r.CurrentStage = stages[0]
	}
	for _, s := range stages {
		r.Stages[s] = &StageState{Status: StagePending}
	}
	return r
}

// NewRunID returns a sortable, unique run id such as "20260418-093012-1a2b3c4d".
func NewRunID() string {
	return now().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// Stage returns the state of the named stage, or nil if it is not part of the run.
func (r *RunState) Stage(name string) *StageState {
	return r.Stages[name]
}

// Gate returns the state of the transition from -> to, creating a pending
// entry on first use.
func (r *RunState) Gate(from, to string) *GateState {
	if r.Gates == nil {
		r.Gates = make(map[string]*GateState)
	}
	key := workflow.GateKey(from, to)
	g, ok := r.Gates[key]
	if !ok {
		g = &GateState{Status: GatePending}
		r.Gates[key] = g
	}
	return g
}

// Touch bumps UpdatedAt.
func (r *RunState) Touch() {
	r.UpdatedAt = now()
}

// Completed returns the number of stages that need no further execution.
func (r *RunState) Completed() int {
	n := 0
	for _, s := range r.Stages {
		if s.Status.Done() {
			n++
		}
	}
	return n
}

// CheckAgainst verifies that a loaded run still matches the stage list of
// the current workflow definition.
func (r *RunState) CheckAgainst(stages []string) error {
	if len(r.Stages) != len(stages) {
		return fmt.Errorf("run %s has %d stages, workflow now declares %d", r.ID, len(r.Stages), len(stages))
	}
	for _, s := range stages {
		if _, ok := r.Stages[s]; !ok {
			return fmt.Errorf("run %s has no state for stage %q", r.ID, s)
		}
	}
	if _, ok := r.Stages[r.CurrentStage]; !ok {
		return fmt.Errorf("run %s points at unknown current stage %q", r.ID, r.CurrentStage)
	}
	return nil
}

var now = func() time.Time {
	return time.Now().UTC()
}
