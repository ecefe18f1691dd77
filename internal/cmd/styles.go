package cmd

import (
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Iron-Ham/stageflow/internal/state"
	"github.com/Iron-Ham/stageflow/internal/util"
)

// Color palette
var (
	primaryColor = lipgloss.Color("#A78BFA") // Purple
	greenColor   = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#F87171")
	mutedColor   = lipgloss.Color("#9CA3AF")
	blueColor    = lipgloss.Color("#60A5FA")
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	labelStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(mutedColor)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	okStyle     = lipgloss.NewStyle().Foreground(greenColor)
	warnStyle   = lipgloss.NewStyle().Foreground(warningColor)
	errStyle    = lipgloss.NewStyle().Foreground(errorColor)
	infoStyle   = lipgloss.NewStyle().Foreground(blueColor)
)

// defaultWidth is used when the output is not a terminal.
const defaultWidth = 100

// termWidth returns the width of the terminal on stdout.
func termWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return defaultWidth
}

// stdinIsTerminal reports whether manual gates can prompt interactively.
func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func runStatusStyle(s state.RunStatus) lipgloss.Style {
	switch s {
	case state.RunCompleted:
		return okStyle
	case state.RunFailed:
		return errStyle
	case state.RunWaitingAtGate, state.RunPaused:
		return warnStyle
	case state.RunRunning:
		return infoStyle
	default:
		return mutedStyle
	}
}

func stageStatusStyle(s state.StageStatus) lipgloss.Style {
	switch s {
	case state.StageCompleted:
		return okStyle
	case state.StageFailed:
		return errStyle
	case state.StageInProgress:
		return infoStyle
	default:
		return mutedStyle
	}
}

func gateStatusStyle(s state.GateStatus) lipgloss.Style {
	switch s {
	case state.GateApproved:
		return okStyle
	case state.GateRejected:
		return errStyle
	case state.GateWaiting:
		return warnStyle
	default:
		return mutedStyle
	}
}

// table renders rows under a header, padding cells to the widest one and
// truncating the last column to fit width.
type table struct {
	header []string
	rows   [][]string
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(width int) string {
	if len(t.header) == 0 {
		return ""
	}
	const gap = 2
	widths := make([]int, len(t.header))
	for i, h := range t.header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	// The last column absorbs any overflow.
	used := 0
	for _, w := range widths[:len(widths)-1] {
		used += w + gap
	}
	last := len(widths) - 1
	if room := width - used; room > 0 && widths[last] > room {
		widths[last] = room
	}

	line := func(cells []string, style *lipgloss.Style) string {
		var b strings.Builder
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if lipgloss.Width(cell) > widths[i] {
				cell = util.TruncateANSI(cell, widths[i])
			}
			if style != nil {
				cell = style.Render(cell)
			}
			b.WriteString(cell)
			if i < last {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+gap))
			}
		}
		return strings.TrimRight(b.String(), " ")
	}

	var b strings.Builder
	b.WriteString(line(t.header, &headerStyle))
	b.WriteString("\n")
	for _, row := range t.rows {
		b.WriteString(line(row, nil))
		b.WriteString("\n")
	}
	return b.String()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

func stageDuration(s *state.StageState) time.Duration {
	if s == nil || s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}
