package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/Iron-Ham/stageflow/internal/event"
	"github.com/Iron-Ham/stageflow/internal/gate"
	"github.com/Iron-Ham/stageflow/internal/harness"
	"github.com/Iron-Ham/stageflow/internal/hooks"
	"github.com/Iron-Ham/stageflow/internal/logging"
	"github.com/Iron-Ham/stageflow/internal/notify"
	"github.com/Iron-Ham/stageflow/internal/pipeline"
	"github.com/Iron-Ham/stageflow/internal/state"
	"github.com/Iron-Ham/stageflow/internal/workflow"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Run or resume a workflow",
	Long: `Run executes the stages of a workflow in order, resolving the gate after
each stage.

Gates are auto, manual or notify. --step-by-step makes every gate manual and
--one-shot makes every gate auto; --gate FROM_to_TO=TYPE overrides a single
transition and wins over both.

A run stopped at a gate, by --to, by Ctrl-C, or by a failed stage can be
continued with --resume <run-id> or --latest. Only stages that have not
completed are re-run.

Exit status is 0 when the run completed or stopped at a gate or bound, and
non-zero when a stage failed or the options were invalid.`,
	Args: cobra.RangeArgs(0, 1),
	RunE: runRun,
}

var (
	runStepByStep   bool
	runOneShot      bool
	runFrom         string
	runTo           string
	runGates        []string
	runResume       string
	runLatest       bool
	runDryRun       bool
	runContext      string
	runWorkflowFile string
	runVerbose      bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runStepByStep, "step-by-step", false, "Make every gate manual")
	runCmd.Flags().BoolVar(&runOneShot, "one-shot", false, "Make every gate auto")
	runCmd.Flags().StringVar(&runFrom, "from", "", "Start at this stage")
	runCmd.Flags().StringVar(&runTo, "to", "", "Stop before this stage")
	runCmd.Flags().StringArrayVar(&runGates, "gate", nil, "Override one gate, e.g. plan_to_implement=manual (repeatable)")
	runCmd.Flags().StringVar(&runResume, "resume", "", "Resume the run with this id")
	runCmd.Flags().BoolVar(&runLatest, "latest", false, "Resume the most recent run of the workflow")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Walk the stages without starting agent sessions")
	runCmd.Flags().StringVar(&runContext, "context", "", "Extra text appended to every stage prompt")
	runCmd.Flags().StringVarP(&runWorkflowFile, "workflow-file", "f", "", "Load the workflow from a YAML file")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print agent output as it streams")
	runCmd.MarkFlagsMutuallyExclusive("step-by-step", "one-shot")
	runCmd.MarkFlagsMutuallyExclusive("resume", "latest")
}

// parseGateFlags parses repeated --gate FROM_to_TO=TYPE values.
func parseGateFlags(values []string) (map[string]workflow.GateType, error) {
	if len(values) == 0 {
		return nil, nil
	}
	gates := make(map[string]workflow.GateType, len(values))
	for _, v := range values {
		key, typ, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return nil, errors.NewConfigError(fmt.Sprintf("invalid --gate %q: want FROM_to_TO=TYPE", v), nil)
		}
		t, err := workflow.ParseGateType(typ)
		if err != nil {
			return nil, errors.NewConfigError(fmt.Sprintf("invalid --gate %q", v), err)
		}
		gates[key] = t
	}
	return gates, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	if name == "" && runWorkflowFile == "" {
		return errors.NewConfigError("a workflow name or --workflow-file is required", errors.ErrWorkflowNotFound)
	}

	gates, err := parseGateFlags(runGates)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	w, err := a.workflow(name, runWorkflowFile)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return errors.Wrap(err, "failed to get current directory")
	}

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	bus := event.NewBus(a.logger)
	progressSub := newProgress(out, termWidth(), runVerbose).attach(bus)

	opts := pipeline.RunOptions{
		StepByStep: runStepByStep,
		OneShot:    runOneShot,
		Gates:      gates,
		FromStage:  runFrom,
		ToStage:    runTo,
		ResumeID:   runResume,
		Latest:     runLatest,
		DryRun:     runDryRun,
		Context:    runContext,
	}
	if !runDryRun && !runOneShot && !stdinIsTerminal() {
		fmt.Fprintln(errOut, warnStyle.Render("stdin is not a terminal: manual gates will wait for a resume"))
	}

	runner, err := newRunner(a, w, cmd.InOrStdin(), errOut, cwd, bus)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rs, runErr := runner.Run(ctx, opts)
	bus.Unsubscribe(progressSub)
	if rs != nil {
		printRunSummary(out, rs)
	}
	if runErr != nil {
		logRunError(a.logger, runErr)
	}

	if rs != nil {
		applyRetention(context.WithoutCancel(ctx), a.store, a.logger, rs, a.cfg.State.Retain)
	}

	if runErr != nil && errors.Is(runErr, context.Canceled) && rs != nil && rs.Status == state.RunPaused {
		fmt.Fprintf(errOut, "Interrupted. Resume with: stageflow run %s --resume %s\n", w.Name, rs.ID)
		return nil
	}
	return runErr
}

// logRunError records a failed run at the level its error's severity calls for.
func logRunError(logger *logging.Logger, err error) {
	args := []any{"error", err, "fatal", errors.IsFatal(err)}
	switch errors.GetSeverity(err) {
	case errors.SeverityDebug, errors.SeverityInfo:
		logger.Info("run ended with error", args...)
	case errors.SeverityWarning:
		logger.Warn("run ended with error", args...)
	default:
		logger.Error("run ended with error", args...)
	}
}

// applyRetention trims old runs of rs's workflow down to retain. The run
// itself and every run that can still be resumed are kept.
func applyRetention(ctx context.Context, store state.Store, logger *logging.Logger, rs *state.RunState, retain int) int {
	if retain <= 0 {
		return 0
	}
	removed, err := store.Cleanup(ctx, rs.Workflow, retain, state.KeepResumable(), state.Preserve(rs.ID))
	if err != nil {
		logger.Warn("retention cleanup failed", "workflow", rs.Workflow, "error", err)
		return removed
	}
	if removed > 0 {
		logger.Info("retention cleanup", "workflow", rs.Workflow, "removed", removed)
	}
	return removed
}

// newRunner wires the pipeline runner from configuration.
func newRunner(a *app, w *workflow.Workflow, in io.Reader, out io.Writer, workDir string, bus *event.Bus) (*pipeline.Runner, error) {
	settings := a.cfg.NotifySettings(out, a.logger)
	controller := gate.NewController(gate.Config{
		In:  in,
		Out: out,
		Channels: func(names []string) ([]notify.Channel, error) {
			return notify.Build(names, settings)
		},
		Logger: a.logger,
	})

	return pipeline.NewRunner(pipeline.Config{
		Workflow: w,
		Store:    a.store,
		Harness:  harness.NewClaudeHarness(a.cfg.ClaudeConfig(a.logger)),
		Gates:    controller,
		Handoffs: a.cfg.HandoffBuilder(workDir),
	},
		pipeline.WithLogger(a.logger),
		pipeline.WithBus(bus),
		pipeline.WithWorkDir(workDir),
		pipeline.WithHooks(hooks.NewRunner(hooks.Config{
			WorkDir: workDir,
			Output:  out,
			Logger:  a.logger,
		})),
	)
}

// printRunSummary prints where the run ended and what to do next.
func printRunSummary(out io.Writer, rs *state.RunState) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s %s  %s\n", labelStyle.Render("Run"), rs.ID, runStatusStyle(rs.Status).Render(string(rs.Status)))
	fmt.Fprintf(out, "%s %d/%d stages done, current stage %s\n",
		labelStyle.Render("Progress"), rs.Completed(), len(rs.StageOrder), rs.CurrentStage)

	switch rs.Status {
	case state.RunWaitingAtGate:
		for key, g := range rs.Gates {
			if g.Status != state.GateWaiting {
				continue
			}
			fmt.Fprintf(out, "%s %s is waiting", labelStyle.Render("Gate"), key)
			if g.Message != "" {
				fmt.Fprintf(out, ": %s", g.Message)
			}
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "Resume with: stageflow run %s --resume %s\n", rs.Workflow, rs.ID)
	case state.RunPaused:
		fmt.Fprintf(out, "Resume with: stageflow run %s --resume %s\n", rs.Workflow, rs.ID)
	case state.RunFailed:
		fmt.Fprintf(out, "Fix the problem, then retry with: stageflow run %s --resume %s\n", rs.Workflow, rs.ID)
	case state.RunCancelled:
		fmt.Fprintf(out, "Restart with: stageflow run %s --resume %s --from <stage>\n", rs.Workflow, rs.ID)
	}
}
