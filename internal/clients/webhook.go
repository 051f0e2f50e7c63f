package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"leadflow/internal/models"
)

// WebhookChannel is the secondary delivery channel: a generic outbound
// webhook carrying the CSV base64-encoded, used when email is unavailable.
type WebhookChannel struct {
	url    string
	secret string
	http   *http.Client
}

// NewWebhookChannel creates the outbound webhook delivery channel
func NewWebhookChannel(url, secret string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		url:    url,
		secret: secret,
		http:   &http.Client{Timeout: timeout},
	}
}

// Name identifies the channel in order metadata and events
func (w *WebhookChannel) Name() string {
	return "webhook"
}

type webhookPayload struct {
	SearchID    string `json:"search_id"`
	To          string `json:"to,omitempty"`
	Subject     string `json:"subject"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Payload     string `json:"payload"` // base64 CSV
	SentAt      string `json:"sent_at"`
}

// Send posts the deliverable to the configured webhook. Single attempt.
func (w *WebhookChannel) Send(ctx context.Context, d models.Deliverable) error {
	if w.url == "" {
		return fmt.Errorf("delivery webhook url not configured")
	}

	body, err := json.Marshal(webhookPayload{
		SearchID:    d.SearchID,
		To:          d.To,
		Subject:     d.Subject,
		Filename:    d.Filename,
		ContentType: "text/csv; charset=utf-8",
		Payload:     base64.StdEncoding.EncodeToString(d.CSV),
		SentAt:      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("Authorization", "Bearer "+w.secret)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("delivery webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("delivery webhook status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
