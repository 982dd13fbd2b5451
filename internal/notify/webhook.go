package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/miradorstack/mirador-autopilot/internal/models"
)

// WebhookTransport sends notifications as HTTP requests.
//
// Channel config: url (required), method (default POST), headers (map),
// bodyTemplate (text/template over the notification; JSON when absent).
type WebhookTransport struct {
	client *http.Client
}

// NewWebhookTransport uses client, or a 10s-timeout client when nil.
func NewWebhookTransport(client *http.Client) *WebhookTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookTransport{client: client}
}

type webhookPayload struct {
	ID        string                  `json:"id"`
	Type      models.NotificationType `json:"type"`
	Title     string                  `json:"title"`
	Body      string                  `json:"body"`
	Severity  models.Severity         `json:"severity,omitempty"`
	Data      map[string]any          `json:"data,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// Deliver performs one request; any non-2xx response is an error.
func (t *WebhookTransport) Deliver(ctx context.Context, ch models.NotificationChannel, n models.Notification) error {
	endpoint := configString(ch.Config, "url")
	if endpoint == "" {
		return fmt.Errorf("webhook channel %q has no url", ch.ID)
	}
	method := strings.ToUpper(configString(ch.Config, "method"))
	if method == "" {
		method = http.MethodPost
	}

	body, contentType, err := renderWebhookBody(configString(ch.Config, "bodyTemplate"), n)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range configMap(ch.Config, "headers") {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func renderWebhookBody(tmpl string, n models.Notification) ([]byte, string, error) {
	if tmpl == "" {
		data, err := json.Marshal(webhookPayload{
			ID:        n.ID,
			Type:      n.Type,
			Title:     n.Title,
			Body:      n.Body,
			Severity:  n.Severity,
			Data:      n.Data,
			Timestamp: n.CreatedAt,
		})
		if err != nil {
			return nil, "", fmt.Errorf("marshal webhook payload: %w", err)
		}
		return data, "application/json", nil
	}

	parsed, err := template.New("webhook").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return nil, "", fmt.Errorf("parse webhook template: %w", err)
	}
	var buf bytes.Buffer
	if err := parsed.Execute(&buf, n); err != nil {
		return nil, "", fmt.Errorf("render webhook template: %w", err)
	}
	contentType := "text/plain; charset=utf-8"
	if json.Valid(buf.Bytes()) {
		contentType = "application/json"
	}
	return buf.Bytes(), contentType, nil
}
