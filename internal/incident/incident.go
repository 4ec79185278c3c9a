// Package incident keeps a capped, best-effort log of notable dispatcher
// events plus the append-only jobs:events stream shared with the gateway.
package incident

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waflow/antiban-dispatcher/internal/adapter/brain"
	"github.com/waflow/antiban-dispatcher/internal/adapter/kv"
)

// Incident event types.
const (
	TypeSendFailed           = "SEND_FAILED"
	TypeSessionConsumerError = "SESSION_CONSUMER_ERROR"
	TypeSmartGuardRPMChange  = "SMART_GUARD_RPM_CHANGE"
	TypeSmartGuardToggle     = "SMART_GUARD_TOGGLE"
	TypeSmartGuardError      = "SMART_GUARD_ERROR"
	TypeJobDone              = "JOB_DONE"
)

const (
	incidentCap = 200
	incidentTTL = 7 * 24 * time.Hour
	jobEventCap = 2000
)

// Log writes incidents and job events. All writes are best effort; KV
// hiccups on telemetry must never stall dispatch.
type Log struct {
	rdb   *redis.Client
	brain *brain.Client
}

// NewLog builds a Log. brainClient may be nil.
func NewLog(rdb *redis.Client, brainClient *brain.Client) *Log {
	return &Log{rdb: rdb, brain: brainClient}
}

// Push prepends a timestamped incident, trims the list to 200 entries and
// refreshes its 7-day TTL.
func (l *Log) Push(ctx context.Context, event map[string]any) {
	if event == nil {
		event = map[string]any{}
	}
	event["ts"] = time.Now().UnixMilli()
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	pipe := l.rdb.Pipeline()
	pipe.LPush(ctx, kv.KeyIncidents, data)
	pipe.LTrim(ctx, kv.KeyIncidents, 0, incidentCap-1)
	pipe.Expire(ctx, kv.KeyIncidents, incidentTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Debug("incident push failed", slog.Any("error", err))
	}
}

// AppendJobEvent prepends an entry to the jobs:events stream the gateway
// also writes JOB_ACCEPTED to.
func (l *Log) AppendJobEvent(ctx context.Context, event map[string]any) {
	if event == nil {
		event = map[string]any{}
	}
	event["ts"] = time.Now().UnixMilli()
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	pipe := l.rdb.Pipeline()
	pipe.LPush(ctx, kv.KeyJobEvents, data)
	pipe.LTrim(ctx, kv.KeyJobEvents, 0, jobEventCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Debug("job event append failed", slog.Any("error", err))
	}
}

// Brain forwards an event to the analytics sink, best effort.
func (l *Log) Brain(ctx context.Context, event map[string]any) {
	l.brain.SendEvent(ctx, event)
}
