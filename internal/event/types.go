package event

import "time"

// Event is implemented by every pipeline event.
type Event interface {
	// EventType follows the "category.action" convention, e.g. "stage.started".
	EventType() string
	Timestamp() time.Time
}

// Event type names.
const (
	TypeRunStarted     = "run.started"
	TypeRunFinished    = "run.finished"
	TypeStageStarted   = "stage.started"
	TypeStageOutput    = "stage.output"
	TypeStageCompleted = "stage.completed"
	TypeStageFailed    = "stage.failed"
	TypeStageSkipped   = "stage.skipped"
	TypeHookFailed     = "hook.failed"
	TypeGateResolved   = "gate.resolved"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
	RunID     string
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType, runID string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now(), RunID: runID}
}

// -----------------------------------------------------------------------------
// Run Events
// -----------------------------------------------------------------------------

// RunStartedEvent is published when the runner begins or resumes a run.
type RunStartedEvent struct {
	baseEvent
	Workflow   string
	StartStage string
	Resumed    bool
	DryRun     bool
}

// NewRunStartedEvent creates a RunStartedEvent.
func NewRunStartedEvent(runID, workflow, startStage string, resumed, dryRun bool) RunStartedEvent {
	return RunStartedEvent{
		baseEvent:  newBaseEvent(TypeRunStarted, runID),
		Workflow:   workflow,
		StartStage: startStage,
		Resumed:    resumed,
		DryRun:     dryRun,
	}
}

// RunFinishedEvent is published when Run returns, whatever the outcome.
type RunFinishedEvent struct {
	baseEvent
	Workflow string
	Status   string
	// StoppedAt names the stage a --to bound stopped before, if any.
	StoppedAt string
	Err       error
}

// NewRunFinishedEvent creates a RunFinishedEvent.
func NewRunFinishedEvent(runID, workflow, status, stoppedAt string, err error) RunFinishedEvent {
	return RunFinishedEvent{
		baseEvent: newBaseEvent(TypeRunFinished, runID),
		Workflow:  workflow,
		Status:    status,
		StoppedAt: stoppedAt,
		Err:       err,
	}
}

// -----------------------------------------------------------------------------
// Stage Events
// -----------------------------------------------------------------------------

// StageStartedEvent is published before a stage executes.
type StageStartedEvent struct {
	baseEvent
	Stage string
	Index int // zero-based position in the workflow
	Total int
	Model string
}

// NewStageStartedEvent creates a StageStartedEvent.
func NewStageStartedEvent(runID, stage string, index, total int, model string) StageStartedEvent {
	return StageStartedEvent{
		baseEvent: newBaseEvent(TypeStageStarted, runID),
		Stage:     stage,
		Index:     index,
		Total:     total,
		Model:     model,
	}
}

// StageOutputEvent carries one harness stream event for progress display.
type StageOutputEvent struct {
	baseEvent
	Stage string
	Kind  string // harness event kind, e.g. "text" or "tool_call"
	Tool  string
	Text  string
}

// NewStageOutputEvent creates a StageOutputEvent.
func NewStageOutputEvent(runID, stage, kind, tool, text string) StageOutputEvent {
	return StageOutputEvent{
		baseEvent: newBaseEvent(TypeStageOutput, runID),
		Stage:     stage,
		Kind:      kind,
		Tool:      tool,
		Text:      text,
	}
}

// StageCompletedEvent is published when a stage completes.
type StageCompletedEvent struct {
	baseEvent
	Stage    string
	Duration time.Duration
	DryRun   bool
}

// NewStageCompletedEvent creates a StageCompletedEvent.
func NewStageCompletedEvent(runID, stage string, duration time.Duration, dryRun bool) StageCompletedEvent {
	return StageCompletedEvent{
		baseEvent: newBaseEvent(TypeStageCompleted, runID),
		Stage:     stage,
		Duration:  duration,
		DryRun:    dryRun,
	}
}

// StageFailedEvent is published when a stage fails.
type StageFailedEvent struct {
	baseEvent
	Stage string
	Err   error
}

// NewStageFailedEvent creates a StageFailedEvent.
func NewStageFailedEvent(runID, stage string, err error) StageFailedEvent {
	return StageFailedEvent{
		baseEvent: newBaseEvent(TypeStageFailed, runID),
		Stage:     stage,
		Err:       err,
	}
}

// StageSkippedEvent is published when a gate skips a stage, or when a
// resumed run passes over a stage that is already done.
type StageSkippedEvent struct {
	baseEvent
	Stage  string
	Reason string
}

// NewStageSkippedEvent creates a StageSkippedEvent.
func NewStageSkippedEvent(runID, stage, reason string) StageSkippedEvent {
	return StageSkippedEvent{
		baseEvent: newBaseEvent(TypeStageSkipped, runID),
		Stage:     stage,
		Reason:    reason,
	}
}

// HookFailedEvent is published for each failed hook. The stage continues.
type HookFailedEvent struct {
	baseEvent
	Stage string
	Phase string
	Err   error
}

// NewHookFailedEvent creates a HookFailedEvent.
func NewHookFailedEvent(runID, stage, phase string, err error) HookFailedEvent {
	return HookFailedEvent{
		baseEvent: newBaseEvent(TypeHookFailed, runID),
		Stage:     stage,
		Phase:     phase,
		Err:       err,
	}
}

// -----------------------------------------------------------------------------
// Gate Events
// -----------------------------------------------------------------------------

// GateResolvedEvent is published after every gate check.
type GateResolvedEvent struct {
	baseEvent
	From    string
	To      string
	Outcome string
	Method  string
	Message string
}

// NewGateResolvedEvent creates a GateResolvedEvent.
func NewGateResolvedEvent(runID, from, to, outcome, method, message string) GateResolvedEvent {
	return GateResolvedEvent{
		baseEvent: newBaseEvent(TypeGateResolved, runID),
		From:      from,
		To:        to,
		Outcome:   outcome,
		Method:    method,
		Message:   message,
	}
}
