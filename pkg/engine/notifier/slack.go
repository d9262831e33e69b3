// Package notifier delivers operator-visible warnings.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Severity of a Warning.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityAlert   Severity = "alert"
)

// Warning is one operator-facing message.
type Warning struct {
	Severity Severity
	Title    string
	Subject  string // ChangeRequest ID or CI key
	Message  string
	At       time.Time
}

// Notifier sends warnings somewhere an operator will see them.
type Notifier interface {
	Notify(ctx context.Context, w Warning) error
}

// Log writes warnings to slog. It is the default when no webhook is configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, w Warning) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(w.Title, "subject", w.Subject, "severity", w.Severity, "message", w.Message)
	return nil
}

// Multi fans a warning out to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, w Warning) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, w); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SlackClient posts warnings to an incoming webhook.
type SlackClient struct {
	WebhookURL string
	Channel    string // Optional: override default channel
	client     *http.Client
}

// NewSlackClient initializes the Slack integration.
func NewSlackClient(webhookURL string, channel string) *SlackClient {
	return &SlackClient{
		WebhookURL: webhookURL,
		Channel:    channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackClient) Notify(ctx context.Context, w Warning) error {
	if s.WebhookURL == "" {
		return nil
	}
	return s.send(ctx, s.constructPayload(w))
}

// constructPayload builds the message blocks.
func (s *SlackClient) constructPayload(w Warning) map[string]interface{} {
	icon := "🟡"
	switch w.Severity {
	case SeverityAlert:
		icon = "🔴"
	case SeverityInfo:
		icon = "🟢"
	}
	at := w.At
	if at.IsZero() {
		at = time.Now()
	}

	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{
				"type": "plain_text",
				"text": fmt.Sprintf("%s %s", icon, w.Title),
			},
		},
		{
			"type": "context",
			"elements": []map[string]interface{}{
				{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*Subject:* %s | *At:* %s", w.Subject, at.UTC().Format(time.RFC3339)),
				},
			},
		},
		{
			"type": "divider",
		},
		{
			"type": "section",
			"text": map[string]interface{}{
				"type": "mrkdwn",
				"text": w.Message,
			},
		},
	}

	payload := map[string]interface{}{
		"blocks": blocks,
	}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	return payload
}

// SendScoreAlert sends a health score velocity alert.
func (s *SlackClient) SendScoreAlert(ctx context.Context, velocity float64, score float64) error {
	return s.Notify(ctx, Warning{
		Severity: SeverityAlert,
		Title:    "CMDB Health Degrading",
		Subject:  "health",
		Message:  fmt.Sprintf("Overall score is falling.\n*Score:* %.1f\n*Velocity:* %.2f points per hour", score, velocity),
	})
}

func (s *SlackClient) send(ctx context.Context, payload map[string]interface{}) error {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received non-200 status from slack: %d", resp.StatusCode)
	}
	return nil
}
