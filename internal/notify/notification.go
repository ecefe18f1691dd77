// Package notify delivers gate approval requests to humans and carries
// their answers back.
//
// A [Notification] is built once per gate check and handed to every
// configured [Channel] concurrently. Channels that can hear back (the file
// channel) push a [Response] onto the shared response channel; one-way
// channels (log, desktop, webhook) only deliver.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/stageflow/internal/util"
	"github.com/Iron-Ham/stageflow/internal/workflow"
)

// PreviewLength is the number of handoff characters included in a notification preview.
const PreviewLength = 500

// Notification is the approval request for one stage transition. It is
// never persisted.
type Notification struct {
	Workflow string        `json:"workflow"`
	RunID    string        `json:"run_id"`
	From     string        `json:"from"`
	To       string        `json:"to"`
	Handoff  string        `json:"handoff"`
	Preview  string        `json:"preview"`
	Command  string        `json:"next_command,omitempty"`
	Timeout  time.Duration `json:"timeout"`
	SentAt   time.Time     `json:"sent_at"`
}

// New builds the notification for the transition from -> to.
func New(workflowName, runID, from, to, handoff, nextCommand string, timeout time.Duration) Notification {
	return Notification{
		Workflow: workflowName,
		RunID:    runID,
		From:     from,
		To:       to,
		Handoff:  handoff,
		Preview:  util.Preview(handoff, PreviewLength),
		Command:  nextCommand,
		Timeout:  timeout,
		SentAt:   time.Now(),
	}
}

// GateKey returns the "<from>_to_<to>" key of the transition.
func (n Notification) GateKey() string {
	return workflow.GateKey(n.From, n.To)
}

// Title is a one-line summary suitable for desktop notifications.
func (n Notification) Title() string {
	return fmt.Sprintf("stageflow: %s ready for %s", n.Workflow, n.To)
}

// RespondCommand is the CLI invocation that answers this notification.
func (n Notification) RespondCommand() string {
	return fmt.Sprintf("stageflow respond %s %s %s <approve|reject|skip|edit|extend>", n.Workflow, n.RunID, n.GateKey())
}

// Body renders the full plain-text message.
func (n Notification) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stage %q of workflow %q finished (run %s).\n", n.From, n.Workflow, n.RunID)
	if n.Command != "" {
		fmt.Fprintf(&b, "Next: %s, starting with %s\n", n.To, n.Command)
	} else {
		fmt.Fprintf(&b, "Next: %s\n", n.To)
	}
	if n.Preview != "" {
		b.WriteString("\n")
		b.WriteString(n.Preview)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	if n.Timeout > 0 {
		fmt.Fprintf(&b, "Waiting %s for a response: %s\n", n.Timeout, n.RespondCommand())
	} else {
		fmt.Fprintf(&b, "Respond with: %s\n", n.RespondCommand())
	}
	return b.String()
}
