package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Compile-time interface guard.
var _ Notifier = (*WebhookNotifier)(nil)

// WebhookConfig holds configuration for webhook alert delivery.
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Headers map[string]string
}

// webhookPayload is the JSON body sent to the webhook endpoint.
type webhookPayload struct {
	EventType string    `json:"event_type"`
	Alert     Alert     `json:"alert"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookNotifier delivers alerts via HTTP POST to a configured URL,
// signing the body with HMAC-SHA256 when a secret is set.
type WebhookNotifier struct {
	client *http.Client
	cfg    WebhookConfig
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
		cfg:    cfg,
	}
}

func (w *WebhookNotifier) SendDeviceStoppedAlert(ctx context.Context, alert Alert) error {
	return w.send(ctx, "device_stopped", alert)
}

func (w *WebhookNotifier) SendDeviceUnreachableAlert(ctx context.Context, alert Alert) error {
	return w.send(ctx, "device_unreachable", alert)
}

func (w *WebhookNotifier) SendStorageWarningAlert(ctx context.Context, alert Alert) error {
	return w.send(ctx, "storage_warning", alert)
}

// Type implements Notifier.
func (w *WebhookNotifier) Type() string {
	return "webhook"
}

func (w *WebhookNotifier) send(ctx context.Context, eventType string, alert Alert) error {
	payload := webhookPayload{
		EventType: eventType,
		Alert:     alert,
		Timestamp: time.Now().UTC(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "EthoscopeNode-Webhook/0.1")

	if w.cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(w.cfg.Secret))
		mac.Write(body)
		req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	}
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST %s: %w", w.cfg.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain body for connection reuse

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST %s: status %d", w.cfg.URL, resp.StatusCode)
	}
	return nil
}
