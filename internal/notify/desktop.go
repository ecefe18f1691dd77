package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/Iron-Ham/stageflow/internal/util"
)

// macSoundPath is the alert played on macOS when sound is enabled.
const macSoundPath = "/System/Library/Sounds/Glass.aiff"

// commandRunner runs an external command to completion.
type commandRunner func(ctx context.Context, name string, args ...string) error

func runCommand(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// DesktopChannel raises an OS notification: osascript on macOS, notify-send
// on Linux.
type DesktopChannel struct {
	sound bool
	goos  string
	run   commandRunner
}

// NewDesktopChannel creates a DesktopChannel for the current platform.
func NewDesktopChannel(sound bool) *DesktopChannel {
	return &DesktopChannel{sound: sound, goos: runtime.GOOS, run: runCommand}
}

// Name implements Channel.
func (c *DesktopChannel) Name() string { return ChannelDesktop }

// Send implements Channel.
func (c *DesktopChannel) Send(ctx context.Context, n Notification, _ chan<- Response) error {
	message := util.TruncateString(util.SingleLine(n.Preview), 200)
	if message == "" {
		message = fmt.Sprintf("%s finished; %s is waiting for approval", n.From, n.To)
	}

	switch c.goos {
	case "darwin":
		script := fmt.Sprintf(`display notification "%s" with title "%s"`,
			appleScriptEscape(message), appleScriptEscape(n.Title()))
		if err := c.run(ctx, "osascript", "-e", script); err != nil {
			return fmt.Errorf("osascript: %w", err)
		}
		if c.sound {
			// Sound is best-effort.
			_ = c.run(ctx, "afplay", macSoundPath)
		}
		return nil
	case "linux":
		if err := c.run(ctx, "notify-send", "--app-name=stageflow", n.Title(), message); err != nil {
			return fmt.Errorf("notify-send: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("desktop notifications are not supported on %s", c.goos)
	}
}

func appleScriptEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
