package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/stageflow/internal/logging"
)

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#F59E0B")).
			Padding(0, 1)
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F59E0B"))
	previewStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	hintStyle    = lipgloss.NewStyle().Italic(true)
)

// LogChannel writes the notification to the structured log and renders it
// as a box on a terminal writer.
type LogChannel struct {
	out    io.Writer
	logger *logging.Logger
	mu     sync.Mutex
}

// NewLogChannel creates a LogChannel writing to out.
func NewLogChannel(out io.Writer, logger *logging.Logger) *LogChannel {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &LogChannel{out: out, logger: logger}
}

// Name implements Channel.
func (c *LogChannel) Name() string { return ChannelLog }

// Send implements Channel.
func (c *LogChannel) Send(ctx context.Context, n Notification, _ chan<- Response) error {
	c.logger.Info("approval requested",
		"workflow", n.Workflow,
		"run_id", n.RunID,
		"gate", n.GateKey(),
		"timeout", n.Timeout.String(),
	)

	var body strings.Builder
	body.WriteString(titleStyle.Render(n.Title()))
	body.WriteString("\n")
	fmt.Fprintf(&body, "%s finished, next stage: %s", n.From, n.To)
	if n.Command != "" {
		fmt.Fprintf(&body, " (%s)", n.Command)
	}
	if n.Preview != "" {
		body.WriteString("\n\n")
		body.WriteString(previewStyle.Render(n.Preview))
	}
	body.WriteString("\n\n")
	body.WriteString(hintStyle.Render(n.RespondCommand()))

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, boxStyle.Render(body.String()))
	return err
}
