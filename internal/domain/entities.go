package domain

import (
	"context"
	"errors"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrNoSessions      = errors.New("no sessions available")
	ErrInternal        = errors.New("internal error")
)

// Job modes
const (
	ModeMessage = "message"
	ModeImage   = "image"
)

// JobStatus is the lifecycle state stored on the job record.
type JobStatus string

const (
	JobQueued         JobStatus = "QUEUED"
	JobRouting        JobStatus = "ROUTING"
	JobRouted         JobStatus = "ROUTED"
	JobDone           JobStatus = "DONE"
	JobDoneWithErrors JobStatus = "DONE_WITH_ERRORS"
	JobFailed         JobStatus = "FAILED"
)

// Validation failure codes written to lastError on intake rejection.
const (
	ErrCodeInvalidContacts     = "INVALID_CONTACTS"
	ErrCodeInvalidMode         = "INVALID_MODE"
	ErrCodeInvalidMessage      = "INVALID_MESSAGE"
	ErrCodeInvalidMediaRef     = "INVALID_MEDIA_REF"
	ErrCodeNoSessionsAvailable = "NO_SESSIONS_AVAILABLE"
)

// TaskStatus is the per-task terminal marker. Set-if-absent so each task
// counts toward exactly one of sent or failed.
const (
	TaskSent   = "SENT"
	TaskFailed = "FAILED"
)

// Contact is one recipient of a job.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone"`
}

// Task is one (jobId, contact-index) pair produced by routing. It is the
// unit of pacing, handoff and accounting.
type Task struct {
	TaskID     string `json:"taskId"`
	JobID      string `json:"jobId"`
	Mode       string `json:"mode"`
	To         string `json:"to"`
	Name       string `json:"name,omitempty"`
	Text       string `json:"text,omitempty"`
	MediaRef   string `json:"mediaRef,omitempty"`
	MediaPath  string `json:"mediaPath,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
	RetryCount int    `json:"retryCount"`
}

// SessionStatus values reported by the orchestrator roster.
const SessionConnected = "CONNECTED"

// Session describes one messaging identity owned by the orchestrator.
type Session struct {
	SessionID    string `json:"sessionId"`
	Phone        string `json:"phone"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt,omitempty"`
	MessageCount int    `json:"messageCount,omitempty"`
	RecentErrors int    `json:"recentErrors,omitempty"`
	LastPing     int64  `json:"lastPing,omitempty"`
	Banned       bool   `json:"banned,omitempty"`
	RateLimited  bool   `json:"rateLimited,omitempty"`
}

// Connected reports whether the session is usable for dispatch.
func (s Session) Connected() bool { return s.Status == SessionConnected && s.Phone != "" }

// HandoffResult is the outcome of handing one task to the orchestrator.
type HandoffResult struct {
	Success   bool
	MessageID string
	Err       string
}

// SessionSource yields the connected session roster (cached).
type SessionSource interface {
	Sessions(ctx context.Context) ([]Session, error)
}

// Handoff delivers one task to the orchestrator outbox.
type Handoff interface {
	Send(ctx context.Context, sessionID string, task Task) HandoffResult
}
