package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookConfig holds webhook delivery settings.
type WebhookConfig struct {
	URLs       []string `json:"urls"`
	Timeout    int      `json:"timeout"`     // seconds, default 5
	MaxRetries int      `json:"max_retries"` // default 2
}

// WebhookNotifier posts transition events as JSON to the configured URLs.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhook creates a webhook notifier.
func NewWebhook(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	return &WebhookNotifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

func (n *WebhookNotifier) Send(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var firstErr error
	for _, url := range n.cfg.URLs {
		if err := n.post(url, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *WebhookNotifier) post(url string, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		resp, err := n.client.Post(url, "application/json", bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * time.Second)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode)
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}
	return lastErr
}
