package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/Iron-Ham/stageflow/internal/event"
	"github.com/Iron-Ham/stageflow/internal/gate"
	"github.com/Iron-Ham/stageflow/internal/handoff"
	"github.com/Iron-Ham/stageflow/internal/harness"
	"github.com/Iron-Ham/stageflow/internal/hooks"
	"github.com/Iron-Ham/stageflow/internal/logging"
	"github.com/Iron-Ham/stageflow/internal/state"
	"github.com/Iron-Ham/stageflow/internal/util"
	"github.com/Iron-Ham/stageflow/internal/workflow"
)

// sessionCloseTimeout bounds the best-effort close of an interrupted session.
const sessionCloseTimeout = 10 * time.Second

// Runner executes runs of one workflow.
type Runner struct {
	cfg    Config
	rcfg   runnerConfig
	logger *logging.Logger
}

// NewRunner creates a Runner with the given collaborators and options.
func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rc := runnerConfig{}
	for _, opt := range opts {
		opt(&rc)
	}
	if rc.logger == nil {
		rc.logger = logging.NopLogger()
	}
	if rc.hooks == nil {
		rc.hooks = hooks.NewRunner(hooks.Config{WorkDir: rc.workDir, Logger: rc.logger})
	}

	return &Runner{
		cfg:    cfg,
		rcfg:   rc,
		logger: rc.logger.WithWorkflow(cfg.Workflow.Name),
	}, nil
}

// Workflow returns the workflow the runner executes.
func (r *Runner) Workflow() *workflow.Workflow {
	return r.cfg.Workflow
}

// Run starts a fresh run, or resumes one when opts names it, and drives it
// until it completes, stops at a gate or bound, or fails. The returned
// state is the last one persisted; it is nil only when Run failed before
// touching any state.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*state.RunState, error) {
	w := r.cfg.Workflow
	if err := opts.check(w); err != nil {
		return nil, err
	}

	var rs *state.RunState
	resumed := opts.ResumeID != "" || opts.Latest
	if resumed {
		id, err := r.resumeID(ctx, opts)
		if err != nil {
			return nil, err
		}
		release, err := r.lock(ctx, id)
		if err != nil {
			return nil, err
		}
		defer release()

		// Load under the lock so the state cannot change underneath us.
		rs, err = r.cfg.Store.Load(ctx, w.Name, id)
		if err != nil {
			return nil, err
		}
		if rs.Status == state.RunCompleted {
			r.logger.WithRun(rs.ID).Info("run already completed")
			return rs, nil
		}
		if err := rs.CheckAgainst(w.StageNames()); err != nil {
			return nil, errors.NewConfigError("run no longer matches the workflow definition", err).WithWorkflow(w.Name)
		}
		if rs.Status == state.RunCancelled && opts.FromStage == "" {
			return nil, errors.NewConfigError(fmt.Sprintf("run %s was cancelled at a gate; pass --from to restart it", rs.ID), nil).
				WithWorkflow(w.Name)
		}
		rs.Overrides = rs.Overrides.Merge(opts.overrides())
	} else {
		rs = state.New(w.Name, w.StageNames(), opts.overrides())
		release, err := r.lock(ctx, rs.ID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	if err := gate.Check(w, rs.Overrides); err != nil {
		return nil, err
	}
	start, stop, err := r.bounds(rs, opts)
	if err != nil {
		return nil, err
	}

	if !resumed {
		for _, s := range w.Stages[:start] {
			rs.Stage(s.Name).Skip()
		}
	}
	rs.Status = state.RunRunning
	rs.CurrentStage = w.Stages[start].Name

	logger := r.logger.WithRun(rs.ID)
	if err := r.save(ctx, rs); err != nil {
		return rs, err
	}
	logger.Info("run started", "start_stage", rs.CurrentStage, "resumed", resumed, "dry_run", opts.DryRun)
	r.publish(event.NewRunStartedEvent(rs.ID, w.Name, rs.CurrentStage, resumed, opts.DryRun))

	err = r.loop(ctx, rs, start, stop, opts.DryRun)

	stoppedAt := ""
	if err == nil && rs.Status == state.RunPaused {
		stoppedAt = rs.CurrentStage
	}
	logger.Info("run finished", "status", string(rs.Status), "current_stage", rs.CurrentStage)
	r.publish(event.NewRunFinishedEvent(rs.ID, w.Name, string(rs.Status), stoppedAt, err))
	return rs, err
}

func (r *Runner) resumeID(ctx context.Context, opts RunOptions) (string, error) {
	if opts.ResumeID != "" {
		return opts.ResumeID, nil
	}
	latest, err := r.cfg.Store.FindLatest(ctx, r.cfg.Workflow.Name)
	if err != nil {
		return "", err
	}
	return latest.ID, nil
}

// bounds returns the index execution starts at and the index it stops
// before (-1 for none).
func (r *Runner) bounds(rs *state.RunState, opts RunOptions) (start, stop int, err error) {
	w := r.cfg.Workflow
	start = w.Index(rs.CurrentStage)
	if opts.FromStage != "" {
		start = w.Index(opts.FromStage)
	}
	if start < 0 {
		return 0, 0, errors.NewConfigError(fmt.Sprintf("unknown start stage %q", rs.CurrentStage), errors.ErrStageNotFound).
			WithWorkflow(w.Name)
	}
	stop = -1
	if opts.ToStage != "" {
		stop = w.Index(opts.ToStage)
		if stop < start {
			return 0, 0, errors.NewConfigError(
				fmt.Sprintf("--to stage %q comes before the start stage %q", opts.ToStage, w.Stages[start].Name), nil).
				WithWorkflow(w.Name)
		}
	}
	return start, stop, nil
}

func (r *Runner) lock(ctx context.Context, id string) (func(), error) {
	locker, ok := r.cfg.Store.(state.Locker)
	if !ok {
		return func() {}, nil
	}
	l, err := locker.Acquire(ctx, r.cfg.Workflow.Name, id)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := l.Release(); err != nil {
			r.logger.WithRun(id).Warn("failed to release run lock", "error", err)
		}
	}, nil
}

func (r *Runner) loop(ctx context.Context, rs *state.RunState, start, stop int, dryRun bool) error {
	w := r.cfg.Workflow
	for i := start; i < len(w.Stages); i++ {
		st := w.Stages[i]
		if i == stop {
			rs.CurrentStage = st.Name
			rs.Status = state.RunPaused
			r.logger.WithRun(rs.ID).Info("stopped before stage", "stage", st.Name)
			return r.save(ctx, rs)
		}

		if err := r.executeStage(ctx, rs, i, dryRun); err != nil {
			return err
		}

		done, err := r.passGate(ctx, rs, i)
		if err != nil || done {
			return err
		}
	}

	rs.Status = state.RunCompleted
	rs.CurrentStage = w.Stages[len(w.Stages)-1].Name
	return r.save(ctx, rs)
}

// executeStage runs stage i unless it is already done.
func (r *Runner) executeStage(ctx context.Context, rs *state.RunState, i int, dryRun bool) error {
	w := r.cfg.Workflow
	st := w.Stages[i]
	ss := rs.Stage(st.Name)
	logger := r.logger.WithRun(rs.ID).WithStage(st.Name)

	rs.CurrentStage = st.Name
	if ss.Status.Done() {
		logger.Debug("stage already done", "status", string(ss.Status))
		return nil
	}

	prompt := r.prompt(rs, i)
	ss.Start()
	if err := r.save(ctx, rs); err != nil {
		return err
	}
	logger.Info("stage started", "model", st.Model, "dry_run", dryRun)
	r.publish(event.NewStageStartedEvent(rs.ID, st.Name, i, len(w.Stages), st.Model))
	started := time.Now()

	if dryRun {
		ss.Complete("", DryRunHandoff)
		if err := r.save(ctx, rs); err != nil {
			return err
		}
		r.publish(event.NewStageCompletedEvent(rs.ID, st.Name, time.Since(started), true))
		return nil
	}

	next, hasNext := w.Next(i)
	env := hooks.Env{Workflow: w.Name, RunID: rs.ID, Stage: st.Name, NextStage: next.Name}

	r.runHooks(ctx, rs.ID, st, hooks.PhasePre, env)
	if ctx.Err() != nil {
		return r.interrupt(ctx, rs, ss, logger)
	}

	sess, err := r.cfg.Harness.StartSession(ctx, harness.SessionConfig{
		Workflow: w.Name,
		RunID:    rs.ID,
		Stage:    st.Name,
		Model:    st.Model,
		WorkDir:  r.rcfg.workDir,
	})
	if err != nil {
		if ctx.Err() != nil {
			return r.interrupt(ctx, rs, ss, logger)
		}
		return r.failStage(ctx, rs, st.Name, asHarnessError(err, "start session", st.Name, ""))
	}
	ss.SessionID = sess.ID
	if err := r.save(ctx, rs); err != nil {
		r.closeSession(ctx, sess, logger)
		return err
	}

	output, err := r.stream(ctx, rs.ID, st.Name, sess, prompt)
	r.closeSession(ctx, sess, logger)
	if err != nil {
		if ctx.Err() != nil {
			return r.interrupt(ctx, rs, ss, logger)
		}
		return r.failStage(ctx, rs, st.Name, asHarnessError(err, "stream", st.Name, sess.ID))
	}

	r.runHooks(ctx, rs.ID, st, hooks.PhasePost, env)

	var handoffText string
	if hasNext {
		handoffText = r.buildHandoff(ctx, rs, st, next, output, logger)
	} else {
		handoffText = util.TruncateString(output, FinalHandoffChars)
	}

	ss.Complete(output, handoffText)
	if err := r.save(ctx, rs); err != nil {
		return err
	}
	logger.Info("stage completed", "duration", time.Since(started).String(), "output_len", len(output))
	r.publish(event.NewStageCompletedEvent(rs.ID, st.Name, time.Since(started), false))
	return nil
}

// prompt assembles the stage prompt from the nearest earlier handoff, the
// stage's command, and the run's extra context.
func (r *Runner) prompt(rs *state.RunState, i int) string {
	w := r.cfg.Workflow
	st := w.Stages[i]

	var parts []string
	for j := i - 1; j >= 0; j-- {
		if h := rs.Stage(w.Stages[j].Name).Handoff; h != "" {
			parts = append(parts, h)
			break
		}
	}
	if st.Command != "" {
		parts = append(parts, st.Command)
	}
	if rs.Overrides.Context != "" {
		parts = append(parts, "Additional context:\n"+rs.Overrides.Context)
	}
	if len(parts) == 0 {
		p := fmt.Sprintf("Run the %q stage of the %q workflow.", st.Name, w.Name)
		if st.Description != "" {
			p += "\n\n" + st.Description
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, "\n\n")
}

// stream sends the prompt and drains the event stream. Text events are
// joined with newlines.
func (r *Runner) stream(ctx context.Context, runID, stage string, sess harness.SessionHandle, prompt string) (string, error) {
	events, err := r.cfg.Harness.Send(ctx, sess, prompt)
	if err != nil {
		return "", err
	}

	var texts []string
	for {
		select {
		case <-ctx.Done():
			return strings.Join(texts, "\n"), ctx.Err()
		case e, ok := <-events:
			if !ok {
				return strings.Join(texts, "\n"), errors.NewHarnessError("stream", errors.ErrStreamClosed).
					WithStage(stage).WithSession(sess.ID)
			}
			switch e.Kind {
			case harness.EventDone:
				return strings.Join(texts, "\n"), nil
			case harness.EventError:
				cause := e.Err
				if cause == nil {
					cause = errors.ErrHarnessStream
				}
				return strings.Join(texts, "\n"), cause
			case harness.EventText:
				texts = append(texts, e.Text)
			}
			r.publish(event.NewStageOutputEvent(runID, stage, e.Kind.String(), e.Tool, e.Text))
		}
	}
}

func (r *Runner) closeSession(ctx context.Context, sess harness.SessionHandle, logger *logging.Logger) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionCloseTimeout)
	defer cancel()
	if err := r.cfg.Harness.CloseSession(closeCtx, sess); err != nil {
		logger.Warn("failed to close harness session", "session_id", sess.ID, "error", err)
	}
}

func (r *Runner) buildHandoff(ctx context.Context, rs *state.RunState, st, next workflow.Stage, output string, logger *logging.Logger) string {
	text, err := r.cfg.Handoffs.Build(context.WithoutCancel(ctx), handoff.Input{
		From:   st.Name,
		To:     next.Name,
		Output: output,
		Transition: handoff.TransitionConfig{
			Command:     next.Command,
			Description: next.Description,
		},
	})
	if err != nil {
		logger.Warn("handoff builder failed, using truncated output", "error", err)
		return util.TruncateString(output, FinalHandoffChars)
	}
	return text
}

func (r *Runner) runHooks(ctx context.Context, runID string, st workflow.Stage, phase hooks.Phase, env hooks.Env) {
	commands, err := hooks.Commands(r.cfg.Workflow, st, phase)
	if err != nil {
		r.logger.WithRun(runID).WithStage(st.Name).Warn("skipping hooks", "phase", string(phase), "error", err)
		return
	}
	if len(commands) == 0 {
		return
	}
	for _, err := range r.rcfg.hooks.Run(ctx, phase, commands, env) {
		r.publish(event.NewHookFailedEvent(runID, st.Name, string(phase), err))
	}
}

// passGate resolves the gate after stage i. done reports that the run
// stopped at the gate.
func (r *Runner) passGate(ctx context.Context, rs *state.RunState, i int) (done bool, err error) {
	w := r.cfg.Workflow
	from := w.Stages[i]
	to, ok := w.Next(i)
	if !ok {
		return false, nil
	}

	key := workflow.GateKey(from.Name, to.Name)
	logger := r.logger.WithRun(rs.ID).WithGate(key)
	g := rs.Gate(from.Name, to.Name)
	if g.Status.Passed() {
		logger.Debug("gate already passed", "status", string(g.Status))
		return false, nil
	}

	typ := gate.EffectiveType(from.Gate, key, rs.Overrides)
	if typ != workflow.GateAuto {
		g.Notified()
		if err := r.save(ctx, rs); err != nil {
			return true, err
		}
	}

	res, err := r.cfg.Gates.Resolve(ctx, gate.Request{
		Workflow:    w.Name,
		RunID:       rs.ID,
		From:        from.Name,
		To:          to.Name,
		Handoff:     rs.Stage(from.Name).Handoff,
		NextCommand: to.Command,
		Type:        typ,
		Timeout:     from.Gate.Timeout,
		Channels:    from.Gate.Channels,
	})
	if err != nil {
		logger.Error("gate check failed", "error", err)
		g.Wait(string(typ), "gate check failed: "+err.Error())
		rs.Status = state.RunWaitingAtGate
		if serr := r.save(ctx, rs); serr != nil {
			return true, errors.Join(err, serr)
		}
		return true, err
	}

	logger.Info("gate resolved", "outcome", res.Outcome.String(), "method", res.Method)
	r.publish(event.NewGateResolvedEvent(rs.ID, from.Name, to.Name, res.Outcome.String(), res.Method, res.Message))

	switch res.Outcome {
	case gate.Approved:
		g.Approve(res.Method, res.Message)
		rs.CurrentStage = to.Name
		return false, r.save(ctx, rs)

	case gate.Rejected:
		g.Reject(res.Method, res.Message)
		rs.Status = state.RunCancelled
		return true, r.save(ctx, rs)

	case gate.Skip:
		g.Skip(res.Method)
		rs.Stage(to.Name).Skip()
		rs.CurrentStage = to.Name
		if err := r.save(ctx, rs); err != nil {
			return true, err
		}
		r.publish(event.NewStageSkippedEvent(rs.ID, to.Name, "skipped at gate "+key))
		return false, nil

	case gate.EditRequested:
		g.Wait(res.Method, "edit requested")
		rs.Status = state.RunWaitingAtGate
		return true, r.save(ctx, rs)

	default:
		msg := res.Message
		if res.Extended > 0 {
			msg = fmt.Sprintf("%s (extended by %s)", msg, res.Extended)
		}
		g.Wait(res.Method, msg)
		rs.Status = state.RunWaitingAtGate
		return true, r.save(ctx, rs)
	}
}

// interrupt returns the running stage to pending and pauses the run.
func (r *Runner) interrupt(ctx context.Context, rs *state.RunState, ss *state.StageState, logger *logging.Logger) error {
	ss.Reset()
	rs.Status = state.RunPaused
	logger.Info("run interrupted")
	if err := r.save(ctx, rs); err != nil {
		return errors.Join(ctx.Err(), err)
	}
	return ctx.Err()
}

func (r *Runner) failStage(ctx context.Context, rs *state.RunState, stage string, cause error) error {
	rs.Stage(stage).Fail(cause)
	rs.Status = state.RunFailed
	r.logger.WithRun(rs.ID).WithStage(stage).Error("stage failed", "error", cause)
	r.publish(event.NewStageFailedEvent(rs.ID, stage, cause))
	if err := r.save(ctx, rs); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// save persists rs. It ignores cancellation of ctx: an interrupted run
// must still record where it stopped.
func (r *Runner) save(ctx context.Context, rs *state.RunState) error {
	rs.Touch()
	path, err := r.cfg.Store.Save(context.WithoutCancel(ctx), rs)
	if err != nil {
		var pe *errors.PersistenceError
		if errors.As(err, &pe) {
			return err
		}
		return errors.NewPersistenceError("failed to save run", err).WithRun(rs.ID)
	}
	r.logger.Debug("run saved", "run_id", rs.ID, "path", path, "status", string(rs.Status))
	return nil
}

func (r *Runner) publish(e event.Event) {
	r.rcfg.bus.Publish(e)
}

func asHarnessError(err error, op, stage, sessionID string) error {
	var he *errors.HarnessError
	if errors.As(err, &he) {
		return err
	}
	return errors.NewHarnessError(op, err).WithStage(stage).WithSession(sessionID)
}
