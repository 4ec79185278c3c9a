// Package orchestrator talks to the downstream service that owns sessions
// and performs the actual delivery. The dispatcher only fetches the session
// roster and hands tasks to per-session outboxes.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/waflow/antiban-dispatcher/internal/adapter/observability"
	"github.com/waflow/antiban-dispatcher/internal/config"
	"github.com/waflow/antiban-dispatcher/internal/domain"
)

const rosterCacheTTL = 5 * time.Second

// OutboxPusher pushes a payload straight onto a session outbox list; used
// in redis send mode.
type OutboxPusher interface {
	PushOutbox(ctx context.Context, sessionID string, payload []byte) error
}

// Client fetches the session roster and hands off tasks.
type Client struct {
	baseURL  string
	apiKey   string
	sendMode string
	http     *http.Client
	outbox   OutboxPusher

	cacheMu  sync.Mutex
	cached   []domain.Session
	cachedAt time.Time
}

// New builds a Client. outbox may be nil in api send mode.
func New(cfg config.Config, outbox OutboxPusher) *Client {
	return &Client{
		baseURL:  cfg.OrchestratorURL,
		apiKey:   cfg.OrchestratorAPIKey,
		sendMode: cfg.SendMode,
		outbox:   outbox,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type rosterResponse struct {
	Status   string           `json:"status"`
	Sessions []domain.Session `json:"sessions"`
}

// GetSessions fetches the connected roster. Any error yields an empty
// roster; the intake loop treats that as a soft no-sessions condition.
func (c *Client) GetSessions(ctx context.Context) []domain.Session {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/dashboard/sessions", nil)
	if err != nil {
		return nil
	}
	c.auth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("roster fetch failed", slog.Any("error", err))
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("roster fetch bad status", slog.Int("status", resp.StatusCode))
		return nil
	}
	var rr rosterResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		slog.Warn("roster decode failed", slog.Any("error", err))
		return nil
	}
	if rr.Status != "ok" {
		return nil
	}
	connected := make([]domain.Session, 0, len(rr.Sessions))
	for _, s := range rr.Sessions {
		if s.Status == domain.SessionConnected {
			connected = append(connected, s)
		}
	}
	return connected
}

// Sessions returns the roster memoized for 5s. Implements domain.SessionSource.
func (c *Client) Sessions(ctx context.Context) ([]domain.Session, error) {
	c.cacheMu.Lock()
	if time.Since(c.cachedAt) < rosterCacheTTL && c.cached != nil {
		out := c.cached
		c.cacheMu.Unlock()
		return out, nil
	}
	c.cacheMu.Unlock()

	sessions := c.GetSessions(ctx)
	if sessions != nil {
		c.cacheMu.Lock()
		c.cached = sessions
		c.cachedAt = time.Now()
		c.cacheMu.Unlock()
	}
	return sessions, nil
}

// InvalidateCache forces the next Sessions call to hit the orchestrator.
func (c *Client) InvalidateCache() {
	c.cacheMu.Lock()
	c.cached = nil
	c.cachedAt = time.Time{}
	c.cacheMu.Unlock()
}

type handoffPayload struct {
	MessageID string `json:"messageId"`
	To        string `json:"to"`
	Mode      string `json:"mode"`
	Text      string `json:"text,omitempty"`
	MediaRef  string `json:"mediaRef,omitempty"`
	MediaPath string `json:"mediaPath,omitempty"`
	JobID     string `json:"jobId"`
	TaskID    string `json:"taskId"`
}

// Send hands one task to the orchestrator via the configured mode.
// Implements domain.Handoff. Success means the enqueue was accepted, not
// that the message was delivered.
func (c *Client) Send(ctx context.Context, sessionID string, task domain.Task) domain.HandoffResult {
	start := time.Now()
	res := c.send(ctx, sessionID, task)
	observability.HandoffDuration.WithLabelValues(c.sendMode).Observe(time.Since(start).Seconds())
	return res
}

func (c *Client) send(ctx context.Context, sessionID string, task domain.Task) domain.HandoffResult {
	p := handoffPayload{
		MessageID: uuid.NewString(),
		To:        task.To,
		Mode:      task.Mode,
		Text:      task.Text,
		MediaRef:  task.MediaRef,
		MediaPath: task.MediaPath,
		JobID:     task.JobID,
		TaskID:    task.TaskID,
	}
	body, err := json.Marshal(p)
	if err != nil {
		return domain.HandoffResult{Success: false, Err: err.Error()}
	}

	if c.sendMode == config.SendModeRedis {
		if c.outbox == nil {
			return domain.HandoffResult{Success: false, Err: "redis send mode without outbox"}
		}
		if err := c.outbox.PushOutbox(ctx, sessionID, body); err != nil {
			return domain.HandoffResult{Success: false, Err: err.Error()}
		}
		return domain.HandoffResult{Success: true, MessageID: p.MessageID}
	}

	url := fmt.Sprintf("%s/api/sessions/%s/outbox/enqueue", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.HandoffResult{Success: false, Err: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.HandoffResult{Success: false, Err: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return domain.HandoffResult{Success: false, Err: fmt.Sprintf("orchestrator status %d: %s", resp.StatusCode, snippet)}
	}
	return domain.HandoffResult{Success: true, MessageID: p.MessageID}
}

func (c *Client) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}
