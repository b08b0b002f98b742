package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/harunnryd/genba/internal/config"
)

// Event is one completion callback payload.
type Event struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Result    string    `json:"result,omitempty"`
}

// Notifier delivers completion callbacks. Delivery is fire-and-forget:
// failures are logged and swallowed so a dead callback endpoint can
// never fail a task.
type Notifier struct {
	client       *http.Client
	slackWebhook string
}

func NewNotifier(cfg config.NotifyConfig) (*Notifier, error) {
	timeout, err := config.DurationOrDefault(cfg.Timeout, config.DefaultNotifyTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse notify timeout: %w", err)
	}

	return &Notifier{
		client:       &http.Client{Timeout: timeout},
		slackWebhook: cfg.SlackWebhookURL,
	}, nil
}

// Notify posts the event to the task's webhook, when one is set, and
// mirrors it to the operator slack channel, when one is configured.
func (n *Notifier) Notify(ctx context.Context, webhookURL string, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if webhookURL != "" {
		n.postJSON(ctx, webhookURL, event)
	}

	if n.slackWebhook != "" {
		n.postSlack(ctx, event)
	}
}

func (n *Notifier) postJSON(ctx context.Context, url string, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		slog.Warn("Failed to encode notification", "task_id", event.TaskID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Warn("Failed to build notification request", "task_id", event.TaskID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("Notification delivery failed", "task_id", event.TaskID, "status", event.Status, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("Notification rejected", "task_id", event.TaskID, "status_code", resp.StatusCode)
		return
	}

	slog.Info("Notification delivered", "task_id", event.TaskID, "status", event.Status)
}

func (n *Notifier) postSlack(ctx context.Context, event Event) {
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("task %s finished with status %s", event.TaskID, event.Status),
	}

	if err := slack.PostWebhookContext(ctx, n.slackWebhook, msg); err != nil {
		slog.Warn("Slack notification failed", "task_id", event.TaskID, "error", err)
		return
	}

	slog.Info("Slack notification delivered", "task_id", event.TaskID, "status", event.Status)
}
