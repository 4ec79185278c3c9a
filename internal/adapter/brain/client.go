// Package brain posts dispatcher events to the optional Brain analytics
// sink. Everything here is best effort: a dead Brain must never slow down
// or fail dispatch.
package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client posts events to <baseURL>/event.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns nil when no base URL is configured; a nil client is a no-op.
func New(baseURL string) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SendEvent posts one event. Errors are swallowed after a debug log.
func (c *Client) SendEvent(ctx context.Context, event map[string]any) {
	if c == nil {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/event", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Debug("brain event post failed", slog.Any("error", err))
		return
	}
	_ = resp.Body.Close()
}
