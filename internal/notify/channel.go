package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Iron-Ham/stageflow/internal/errors"
	"github.com/Iron-Ham/stageflow/internal/logging"
)

// Channel delivers a notification to a human.
//
// Send must return once the notification has been delivered. Channels that
// can receive answers keep listening in the background until ctx is
// cancelled and push each answer onto responses; they must never block on
// responses after ctx is done.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification, responses chan<- Response) error
}

// Channel names accepted in gate configuration.
const (
	ChannelLog     = "log"
	ChannelDesktop = "desktop"
	ChannelWebhook = "webhook"
	ChannelFile    = "file"
)

// Settings holds the process-wide configuration shared by all channels.
type Settings struct {
	WebhookURL    string
	WebhookFormat string
	DesktopSound  bool
	ResponseDir   string
	PollInterval  time.Duration
	// Out receives the log channel's rendered box. Defaults to os.Stderr.
	Out        io.Writer
	Logger     *logging.Logger
	HTTPClient *http.Client
}

// Build constructs the named channels. An empty list yields the log channel.
func Build(names []string, s Settings) ([]Channel, error) {
	if len(names) == 0 {
		names = []string{ChannelLog}
	}
	if s.Logger == nil {
		s.Logger = logging.NopLogger()
	}
	if s.Out == nil {
		s.Out = os.Stderr
	}

	channels := make([]Channel, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		switch name {
		case ChannelLog:
			channels = append(channels, NewLogChannel(s.Out, s.Logger))
		case ChannelDesktop:
			channels = append(channels, NewDesktopChannel(s.DesktopSound))
		case ChannelWebhook:
			if s.WebhookURL == "" {
				return nil, errors.NewConfigError("webhook channel requires notifications.webhook_url", nil).
					WithField("notifications.webhook_url")
			}
			ch, err := NewWebhookChannel(s.WebhookURL, s.WebhookFormat, s.HTTPClient)
			if err != nil {
				return nil, err
			}
			channels = append(channels, ch)
		case ChannelFile:
			if s.ResponseDir == "" {
				return nil, errors.NewConfigError("file channel requires notifications.response_dir", nil).
					WithField("notifications.response_dir")
			}
			channels = append(channels, NewFileChannel(s.ResponseDir, s.PollInterval, s.Logger))
		default:
			return nil, errors.NewConfigError(fmt.Sprintf("unknown notification channel %q", name), nil).
				WithField("gate.channels")
		}
	}
	return channels, nil
}
