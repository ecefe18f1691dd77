package cmd

import (
	"fmt"
	"io"
	"sync"

	"github.com/Iron-Ham/stageflow/internal/event"
	"github.com/Iron-Ham/stageflow/internal/util"
)

// progress prints pipeline events to the console as they happen.
type progress struct {
	mu      sync.Mutex
	out     io.Writer
	width   int
	verbose bool
}

func newProgress(out io.Writer, width int, verbose bool) *progress {
	return &progress{out: out, width: width, verbose: verbose}
}

// attach subscribes the printer to every event on bus.
func (p *progress) attach(bus *event.Bus) string {
	return bus.SubscribeAll(p.handle)
}

func (p *progress) handle(e event.Event) {
	line := p.format(e)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, util.TruncateANSI(line, p.width))
}

func (p *progress) format(e event.Event) string {
	switch ev := e.(type) {
	case event.RunStartedEvent:
		verb := "Starting"
		if ev.Resumed {
			verb = "Resuming"
		}
		s := fmt.Sprintf("%s %s run %s at %s", verb, titleStyle.Render(ev.Workflow), ev.RunID, ev.StartStage)
		if ev.DryRun {
			s += mutedStyle.Render(" (dry run)")
		}
		return s

	case event.StageStartedEvent:
		s := fmt.Sprintf("%s [%d/%d] %s", infoStyle.Render("▶"), ev.Index+1, ev.Total, ev.Stage)
		if ev.Model != "" {
			s += mutedStyle.Render(" (" + ev.Model + ")")
		}
		return s

	case event.StageOutputEvent:
		if !p.verbose {
			return ""
		}
		text := util.SingleLine(ev.Text)
		if ev.Tool != "" {
			return mutedStyle.Render(fmt.Sprintf("    %s %s: %s", ev.Kind, ev.Tool, text))
		}
		return mutedStyle.Render("    " + text)

	case event.StageCompletedEvent:
		return fmt.Sprintf("%s %s completed in %s", okStyle.Render("✓"), ev.Stage, formatDuration(ev.Duration))

	case event.StageFailedEvent:
		return fmt.Sprintf("%s %s failed: %v", errStyle.Render("✗"), ev.Stage, ev.Err)

	case event.StageSkippedEvent:
		return fmt.Sprintf("%s %s skipped (%s)", mutedStyle.Render("↷"), ev.Stage, ev.Reason)

	case event.HookFailedEvent:
		return fmt.Sprintf("%s %s hook for %s failed: %v", warnStyle.Render("!"), ev.Phase, ev.Stage, ev.Err)

	case event.GateResolvedEvent:
		s := fmt.Sprintf("  gate %s → %s: %s", ev.From, ev.To, ev.Outcome)
		if ev.Method != "" {
			s += mutedStyle.Render(" via " + ev.Method)
		}
		if ev.Message != "" {
			s += mutedStyle.Render(" (" + util.SingleLine(ev.Message) + ")")
		}
		return s

	case event.RunFinishedEvent:
		return "" // the command prints its own summary
	}
	return ""
}
