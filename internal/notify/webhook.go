package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Iron-Ham/stageflow/internal/errors"
)

// Webhook payload formats.
const (
	WebhookFormatJSON  = "json"
	WebhookFormatSlack = "slack"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookChannel POSTs the notification to an HTTP endpoint, either as a
// JSON document or as a Slack-compatible {"text": ...} message.
type WebhookChannel struct {
	url    string
	format string
	client *http.Client
}

// NewWebhookChannel creates a WebhookChannel. client may be nil.
func NewWebhookChannel(url, format string, client *http.Client) (*WebhookChannel, error) {
	if format == "" {
		format = WebhookFormatJSON
	}
	if format != WebhookFormatJSON && format != WebhookFormatSlack {
		return nil, errors.NewConfigError(fmt.Sprintf("unknown webhook format %q: must be json or slack", format), nil).
			WithField("notifications.webhook_format")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &WebhookChannel{url: url, format: format, client: client}, nil
}

// Name implements Channel.
func (c *WebhookChannel) Name() string { return ChannelWebhook }

type webhookPayload struct {
	Workflow       string `json:"workflow"`
	RunID          string `json:"run_id"`
	Gate           string `json:"gate"`
	From           string `json:"from"`
	To             string `json:"to"`
	Preview        string `json:"preview"`
	NextCommand    string `json:"next_command,omitempty"`
	Timeout        string `json:"timeout"`
	RespondCommand string `json:"respond_command"`
}

// Send implements Channel.
func (c *WebhookChannel) Send(ctx context.Context, n Notification, _ chan<- Response) error {
	var payload any
	switch c.format {
	case WebhookFormatSlack:
		payload = map[string]string{"text": "*" + n.Title() + "*\n" + n.Body()}
	default:
		payload = webhookPayload{
			Workflow:       n.Workflow,
			RunID:          n.RunID,
			Gate:           n.GateKey(),
			From:           n.From,
			To:             n.To,
			Preview:        n.Preview,
			NextCommand:    n.Command,
			Timeout:        n.Timeout.String(),
			RespondCommand: n.RespondCommand(),
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "stageflow")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}
	return nil
}
