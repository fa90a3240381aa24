package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultWebhookTimeout = 30 * time.Second
	maxWebhookResponse    = 1 << 20
)

type WebhookOption func(*Webhook)

// Webhook POSTs {"text": ...} to a URL and uses the response as the reply:
// the "reply" field of a JSON object, or the raw body otherwise.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func WithTimeout(timeout time.Duration) WebhookOption {
	return func(w *Webhook) {
		if timeout > 0 {
			w.client.Timeout = timeout
		}
	}
}

func WithHTTPClient(client *http.Client) WebhookOption {
	return func(w *Webhook) {
		if client != nil {
			w.client = client
		}
	}
}

func WithHeader(key, value string) WebhookOption {
	return func(w *Webhook) {
		w.headers[key] = value
	}
}

func NewWebhook(url string, opts ...WebhookOption) (*Webhook, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	w := &Webhook{
		url:     url,
		headers: map[string]string{},
		client:  &http.Client{Timeout: defaultWebhookTimeout},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

type webhookRequest struct {
	Text string `json:"text"`
}

type webhookResponse struct {
	Reply *string `json:"reply"`
}

func (w *Webhook) Process(ctx context.Context, text string) (string, error) {
	payload, err := json.Marshal(webhookRequest{Text: text})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return "", fmt.Errorf("reading webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("processor webhook returned status %s", resp.Status)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var decoded webhookResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			return "", fmt.Errorf("decoding webhook response: %w", err)
		}
		if decoded.Reply == nil {
			return "", fmt.Errorf("webhook response has no reply field")
		}
		return *decoded.Reply, nil
	}
	return string(body), nil
}
