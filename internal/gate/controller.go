package gate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/Iron-Ham/stageflow/internal/logging"
	"github.com/Iron-Ham/stageflow/internal/notify"
	"github.com/Iron-Ham/stageflow/internal/state"
	"github.com/Iron-Ham/stageflow/internal/workflow"
)

// DefaultWaitExtension is reported with a Waiting result when an operator
// answers "wait" at a manual gate.
const DefaultWaitExtension = 24 * time.Hour

// Request describes one transition to resolve.
type Request struct {
	Workflow    string
	RunID       string
	From        string
	To          string
	Handoff     string
	NextCommand string
	// Type is the already-resolved gate type (see EffectiveType).
	Type    workflow.GateType
	Timeout time.Duration
	// Channels names the notification channels for a notify gate.
	Channels []string
}

// Key returns the gate key of the transition.
func (r Request) Key() string {
	return workflow.GateKey(r.From, r.To)
}

// ChannelFactory builds notification channels by name.
type ChannelFactory func(names []string) ([]notify.Channel, error)

// Config configures a Controller.
type Config struct {
	// In supplies manual-gate answers. Defaults to os.Stdin.
	In io.Reader
	// Out receives manual-gate prompts. Defaults to os.Stderr.
	Out io.Writer
	// Channels builds the channels of a notify gate. Required for notify gates.
	Channels      ChannelFactory
	Logger        *logging.Logger
	WaitExtension time.Duration
}

// Controller resolves gates.
type Controller struct {
	in            *bufio.Reader
	out           io.Writer
	channels      ChannelFactory
	logger        *logging.Logger
	waitExtension time.Duration

	// lines carries prompt input read by a single background reader so an
	// abandoned prompt never loses the next answer.
	readOnce sync.Once
	lines    chan lineResult
}

type lineResult struct {
	line string
	err  error
}

// NewController creates a Controller.
func NewController(cfg Config) *Controller {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.WaitExtension <= 0 {
		cfg.WaitExtension = DefaultWaitExtension
	}
	return &Controller{
		in:            bufio.NewReader(cfg.In),
		out:           cfg.Out,
		channels:      cfg.Channels,
		logger:        cfg.Logger,
		waitExtension: cfg.WaitExtension,
		lines:         make(chan lineResult),
	}
}

// EffectiveType applies override precedence for the transition key: an
// explicit per-transition override wins over the one-shot / step-by-step
// preference, which wins over the stage's own gate configuration.
func EffectiveType(cfg workflow.GateConfig, key string, o state.Overrides) workflow.GateType {
	if t, ok := o.Gates[key]; ok && t != "" {
		return t
	}
	if o.OneShot {
		return workflow.GateAuto
	}
	if o.StepByStep {
		return workflow.GateManual
	}
	return cfg.EffectiveType()
}

// Check verifies that every transition of w can be resolved under the
// given overrides. It catches notify gates without a timeout before a run
// mutates any state.
func Check(w *workflow.Workflow, o state.Overrides) error {
	if o.OneShot && o.StepByStep {
		return errors.NewConfigError("--one-shot and --step-by-step are mutually exclusive", errors.ErrConflictingOptions).
			WithWorkflow(w.Name)
	}
	for key, t := range o.Gates {
		from, to, ok := workflow.ParseGateKey(key)
		if !ok {
			return errors.NewConfigError(fmt.Sprintf("invalid gate key %q: want FROM_to_TO", key), nil).WithWorkflow(w.Name)
		}
		i := w.Index(from)
		if i < 0 || w.Index(to) != i+1 {
			return errors.NewConfigError(fmt.Sprintf("gate %q is not a transition of the workflow", key), errors.ErrStageNotFound).
				WithWorkflow(w.Name)
		}
		if _, err := workflow.ParseGateType(string(t)); err != nil {
			return errors.NewConfigError(err.Error(), errors.ErrInvalidGateType).WithWorkflow(w.Name)
		}
	}
	for i, s := range w.Stages {
		next, ok := w.Next(i)
		if !ok {
			break
		}
		key := workflow.GateKey(s.Name, next.Name)
		if EffectiveType(s.Gate, key, o) == workflow.GateNotify && s.Gate.Timeout <= 0 {
			return errors.NewConfigError("notify gate has no timeout", errors.ErrGateTimeoutMissing).
				WithWorkflow(w.Name).WithStage(s.Name).WithField("gate.timeout")
		}
	}
	return nil
}

// Resolve decides the transition described by req.
func (c *Controller) Resolve(ctx context.Context, req Request) (Result, error) {
	logger := c.logger.WithGate(req.Key())
	switch req.Type {
	case workflow.GateAuto, "":
		return approved(MethodAuto, ""), nil
	case workflow.GateManual:
		return c.manual(ctx, req, logger)
	case workflow.GateNotify:
		return c.notify(ctx, req, logger)
	default:
		return Result{}, errors.NewConfigError(fmt.Sprintf("unknown gate type %q", req.Type), errors.ErrInvalidGateType).
			WithStage(req.From)
	}
}

func (c *Controller) manual(ctx context.Context, req Request, logger *logging.Logger) (Result, error) {
	fmt.Fprintf(c.out, "\nStage %q complete.", req.From)
	if req.Handoff != "" {
		fmt.Fprintf(c.out, "\n\n%s\n", notify.New(req.Workflow, req.RunID, req.From, req.To, req.Handoff, "", 0).Preview)
	}
	for {
		fmt.Fprintf(c.out, "\nContinue to %q? [go/edit/wait/stop/skip]: ", req.To)

		line, err := c.readLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("manual gate interrupted")
				return waiting(MethodManual, "interrupted", 0), nil
			}
			// Closed input cannot answer; park the run for a later resume.
			logger.Warn("manual gate input closed", "error", err)
			return waiting(MethodManual, "no answer: input closed", 0), nil
		}

		answer, note, ok := ParseAnswer(line)
		if !ok {
			fmt.Fprintf(c.out, "Unrecognised answer %q.\n", strings.TrimSpace(line))
			continue
		}
		res := answer.Result(note, c.waitExtension)
		logger.Info("manual gate answered", "outcome", res.Outcome.String())
		return res, nil
	}
}

// readLine returns the next input line, or ctx's error if ctx ends first.
// A single goroutine owns the reader; a line read after its prompt was
// abandoned is handed to the next prompt.
func (c *Controller) readLine(ctx context.Context) (string, error) {
	c.readOnce.Do(func() {
		go func() {
			for {
				line, err := c.in.ReadString('\n')
				if err != nil && line != "" {
					// Treat a final unterminated line as an answer.
					err = nil
				}
				c.lines <- lineResult{line: line, err: err}
				if err != nil {
					close(c.lines)
					return
				}
			}
		}()
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r, ok := <-c.lines:
		if !ok {
			return "", io.EOF
		}
		return r.line, r.err
	}
}

func (c *Controller) notify(ctx context.Context, req Request, logger *logging.Logger) (Result, error) {
	if req.Timeout <= 0 {
		return Result{}, errors.NewConfigError("notify gate has no timeout", errors.ErrGateTimeoutMissing).
			WithStage(req.From).WithField("gate.timeout")
	}
	if c.channels == nil {
		return Result{}, errors.NewConfigError("notify gate used without notification channels", nil).WithStage(req.From)
	}
	channels, err := c.channels(req.Channels)
	if err != nil {
		return Result{}, err
	}

	n := notify.New(req.Workflow, req.RunID, req.From, req.To, req.Handoff, req.NextCommand, req.Timeout)

	// Channels listen on dispatchCtx; cancelling it on return stops every
	// background watcher.
	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	responses := make(chan notify.Response, len(channels))
	var failed atomic.Int32
	var g errgroup.Group
	for _, ch := range channels {
		g.Go(func() error {
			if err := ch.Send(dispatchCtx, n, responses); err != nil {
				failed.Add(1)
				logger.Warn("notification delivery failed", "channel", ch.Name(), "error", err)
				return fmt.Errorf("%s: %w", ch.Name(), err)
			}
			logger.Debug("notification delivered", "channel", ch.Name())
			return nil
		})
	}
	dispatched := make(chan error, 1)
	go func() { dispatched <- g.Wait() }()

	deadline := time.Now().Add(req.Timeout)
	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("notify gate interrupted")
			return waiting(MethodExiting, "interrupted while waiting for a response", 0), nil

		case err := <-dispatched:
			dispatched = nil
			if err != nil && int(failed.Load()) == len(channels) {
				return waiting(MethodNotify, "no channel delivered the request: "+err.Error(), 0), nil
			}

		case <-timer.C:
			logger.Info("notify gate timed out", "timeout", req.Timeout.String())
			return waiting(MethodTimeout, fmt.Sprintf("no response within %s", req.Timeout), 0), nil

		case r := <-responses:
			r.Ack()
			method := MethodNotify + ":" + r.Source
			logger.Info("notify gate response", "kind", string(r.Kind), "source", r.Source)
			switch r.Kind {
			case notify.ResponseApprove:
				return approved(method, r.Message), nil
			case notify.ResponseReject:
				reason := r.Message
				if reason == "" {
					reason = "rejected via " + r.Source
				}
				return rejected(method, reason), nil
			case notify.ResponseEdit:
				return editRequested(method), nil
			case notify.ResponseSkip:
				return skipped(method), nil
			case notify.ResponseExtend:
				deadline = deadline.Add(r.Extend)
				timer.Reset(time.Until(deadline))
				logger.Info("notify gate extended", "by", r.Extend.String(), "deadline", deadline.Format(time.RFC3339))
			default:
				logger.Warn("ignoring unknown response", "kind", string(r.Kind))
			}
		}
	}
}
