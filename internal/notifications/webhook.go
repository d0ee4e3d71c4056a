package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/virtbak/virtbak/internal/backup"
)

const (
	webhookTimeout  = 10 * time.Second
	webhookAttempts = 3
)

// WebhookSender posts events as JSON to a single URL, retrying transient
// failures with linear backoff.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender creates a WebhookSender for url.
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

// Name implements Sender.
func (w *WebhookSender) Name() string { return "webhook" }

type webhookPayload struct {
	Operation string    `json:"operation"`
	VMID      string    `json:"vmid"`
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Send implements Sender.
func (w *WebhookSender) Send(ctx context.Context, event backup.NotificationEvent) error {
	body, err := json.Marshal(webhookPayload{
		Operation: event.Operation,
		VMID:      event.VMID,
		Success:   event.Success,
		Message:   event.Message,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		// Client errors will not improve on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return lastErr
		}
	}
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", webhookAttempts, lastErr)
}
