// Package hooks runs the shell commands configured around a stage.
//
// Hooks are best effort: a hook that fails is reported as a
// *errors.HookError and logged, and the stage proceeds. Each hook is one
// "sh -c" subprocess that must finish before the next starts.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/Iron-Ham/stageflow/internal/logging"
	"github.com/Iron-Ham/stageflow/internal/util"
	"github.com/Iron-Ham/stageflow/internal/workflow"
)

// Phase is when a hook runs relative to the stage's agent session.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// DefaultTimeout bounds a single hook.
const DefaultTimeout = 10 * time.Minute

// Env is exported to every hook as STAGEFLOW_* variables.
type Env struct {
	Workflow  string
	RunID     string
	Stage     string
	NextStage string
}

func (e Env) vars(phase Phase) []string {
	return []string{
		"STAGEFLOW_WORKFLOW=" + e.Workflow,
		"STAGEFLOW_RUN_ID=" + e.RunID,
		"STAGEFLOW_STAGE=" + e.Stage,
		"STAGEFLOW_NEXT_STAGE=" + e.NextStage,
		"STAGEFLOW_HOOK_PHASE=" + string(phase),
	}
}

// Config configures a Runner.
type Config struct {
	// Shell runs each hook as `Shell -c <command>`. Defaults to "sh".
	Shell   string
	WorkDir string
	Timeout time.Duration
	// Output receives hook stdout and stderr. Defaults to discarding it.
	Output io.Writer
	Logger *logging.Logger
}

// Runner executes hooks.
type Runner struct {
	shell   string
	workDir string
	timeout time.Duration
	output  io.Writer
	logger  *logging.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Runner{
		shell:   cfg.Shell,
		workDir: cfg.WorkDir,
		timeout: cfg.Timeout,
		output:  cfg.Output,
		logger:  cfg.Logger,
	}
}

// Commands returns the hooks for a stage and phase. Workflow-level rules
// whose pattern matches the stage name wrap the stage's own hooks: their
// pre hooks run first and their post hooks run last.
func Commands(w *workflow.Workflow, stage workflow.Stage, phase Phase) ([]string, error) {
	var rulePre, rulePost []string
	for _, rule := range w.Hooks {
		g, err := glob.Compile(rule.Match)
		if err != nil {
			return nil, errors.NewConfigError(fmt.Sprintf("invalid hook pattern %q", rule.Match), err).
				WithWorkflow(w.Name).WithField("hooks.match")
		}
		if !g.Match(stage.Name) {
			continue
		}
		rulePre = append(rulePre, rule.Pre...)
		rulePost = append(rulePost, rule.Post...)
	}

	var out []string
	switch phase {
	case PhasePre:
		out = append(out, rulePre...)
		out = append(out, stage.PreHooks...)
	case PhasePost:
		out = append(out, stage.PostHooks...)
		out = append(out, rulePost...)
	}
	return out, nil
}

// Run executes commands in order. Every command runs even if an earlier
// one fails; the failures are logged and returned.
func (r *Runner) Run(ctx context.Context, phase Phase, commands []string, env Env) []error {
	logger := r.logger.WithStage(env.Stage).With("phase", string(phase))
	var failures []error
	for _, command := range commands {
		if ctx.Err() != nil {
			failures = append(failures, errors.NewHookError(command, -1, ctx.Err()).WithStage(env.Stage, string(phase)))
			break
		}
		start := time.Now()
		if err := r.runOne(ctx, phase, command, env); err != nil {
			logger.Warn("hook failed", "command", command, "error", err)
			failures = append(failures, err)
			continue
		}
		logger.Debug("hook completed", "command", command, "duration", time.Since(start).String())
	}
	return failures
}

func (r *Runner) runOne(ctx context.Context, phase Phase, command string, env Env) error {
	hookCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var captured bytes.Buffer
	cmd := exec.CommandContext(hookCtx, r.shell, "-c", command)
	cmd.Dir = r.workDir
	cmd.Env = append(os.Environ(), env.vars(phase)...)
	cmd.Stdout = io.MultiWriter(r.output, &captured)
	cmd.Stderr = io.MultiWriter(r.output, &captured)

	err := cmd.Run()
	if err == nil {
		return nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	if hookCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = fmt.Errorf("timed out after %s", r.timeout)
	}
	if out := strings.TrimSpace(captured.String()); out != "" {
		err = fmt.Errorf("%w: %s", err, util.Preview(util.SingleLine(out), 200))
	}
	return errors.NewHookError(command, exitCode, err).WithStage(env.Stage, string(phase))
}
