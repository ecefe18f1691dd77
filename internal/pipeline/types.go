package pipeline

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/Iron-Ham/stageflow/internal/event"
	"github.com/Iron-Ham/stageflow/internal/gate"
	"github.com/Iron-Ham/stageflow/internal/handoff"
	"github.com/Iron-Ham/stageflow/internal/harness"
	"github.com/Iron-Ham/stageflow/internal/hooks"
	"github.com/Iron-Ham/stageflow/internal/logging"
	"github.com/Iron-Ham/stageflow/internal/state"
	"github.com/Iron-Ham/stageflow/internal/workflow"
)

// DryRunHandoff is recorded as the handoff of every stage of a dry run.
const DryRunHandoff = "[dry run] stage not executed"

// FinalHandoffChars bounds the handoff of the last stage, which is its
// truncated output.
const FinalHandoffChars = 2000

// GateResolver decides one transition. *gate.Controller implements it.
type GateResolver interface {
	Resolve(ctx context.Context, req gate.Request) (gate.Result, error)
}

// Config holds the required collaborators of a Runner.
type Config struct {
	Workflow *workflow.Workflow
	Store    state.Store
	Harness  harness.Harness
	Gates    GateResolver
	Handoffs handoff.Builder
}

func (c Config) validate() error {
	switch {
	case c.Workflow == nil:
		return fmt.Errorf("pipeline: Workflow is required")
	case len(c.Workflow.Stages) == 0:
		return fmt.Errorf("pipeline: workflow %q has no stages", c.Workflow.Name)
	case c.Store == nil:
		return fmt.Errorf("pipeline: Store is required")
	case c.Harness == nil:
		return fmt.Errorf("pipeline: Harness is required")
	case c.Gates == nil:
		return fmt.Errorf("pipeline: Gates is required")
	case c.Handoffs == nil:
		return fmt.Errorf("pipeline: Handoffs is required")
	}
	return nil
}

type runnerConfig struct {
	logger  *logging.Logger
	bus     *event.Bus
	hooks   *hooks.Runner
	workDir string
}

// RunOptions are the per-invocation options of Run. The gate preferences,
// gate overrides and context are merged into the run's persisted overrides,
// so they also apply to later resumes.
type RunOptions struct {
	// StepByStep makes every gate manual unless overridden per transition.
	StepByStep bool
	// OneShot makes every gate auto unless overridden per transition.
	OneShot bool
	// Gates overrides the gate type per transition key ("plan_to_implement").
	Gates map[string]workflow.GateType
	// FromStage starts execution at this stage instead of current_stage.
	FromStage string
	// ToStage stops the run before this stage executes.
	ToStage string
	// ResumeID continues an existing run.
	ResumeID string
	// Latest continues the most recently saved run of the workflow.
	Latest bool
	// DryRun completes stages with a placeholder handoff without running them.
	DryRun bool
	// Context is extra text appended to every stage prompt.
	Context string
}

func (o RunOptions) overrides() state.Overrides {
	return state.Overrides{
		StepByStep: o.StepByStep,
		OneShot:    o.OneShot,
		Gates:      o.Gates,
		Context:    o.Context,
	}
}

// check rejects invalid options before any state is touched.
func (o RunOptions) check(w *workflow.Workflow) error {
	if o.StepByStep && o.OneShot {
		return errors.NewConfigError("--step-by-step and --one-shot are mutually exclusive", errors.ErrConflictingOptions).
			WithWorkflow(w.Name)
	}
	if o.ResumeID != "" && o.Latest {
		return errors.NewConfigError("--resume and --latest are mutually exclusive", errors.ErrConflictingOptions).
			WithWorkflow(w.Name)
	}
	for _, bound := range []struct{ flag, name string }{{"--from", o.FromStage}, {"--to", o.ToStage}} {
		if bound.name != "" && w.Index(bound.name) < 0 {
			return errors.NewConfigError(fmt.Sprintf("unknown %s stage %q", bound.flag, bound.name), errors.ErrStageNotFound).
				WithWorkflow(w.Name).WithStage(bound.name)
		}
	}
	if o.FromStage != "" && o.ToStage != "" && w.Index(o.ToStage) < w.Index(o.FromStage) {
		return errors.NewConfigError(fmt.Sprintf("--to stage %q comes before --from stage %q", o.ToStage, o.FromStage), nil).
			WithWorkflow(w.Name)
	}
	return nil
}
