package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waflow/antiban-dispatcher/internal/domain"
)

// Session queues expire 24h after the last write; sticky routing shares the
// same horizon.
const sessionQueueTTL = 24 * time.Hour

// StoreConfig carries the configurable queue key names and TTLs.
type StoreConfig struct {
	GatewayQueueKey    string
	PriorityQueueKey   string
	SessionQueuePrefix string
	JobStatsTTL        time.Duration
}

// Store implements all durable dispatcher state on top of the KV clients.
type Store struct {
	shared   *redis.Client
	blocking *redis.Client
	cfg      StoreConfig
}

// NewStore builds a Store over the two connections.
func NewStore(clients *Clients, cfg StoreConfig) *Store {
	return &Store{shared: clients.Shared, blocking: clients.Blocking, cfg: cfg}
}

// Shared exposes the shared client for readiness checks.
func (s *Store) Shared() *redis.Client { return s.shared }

// SessionQueueKey returns the list key for one session's pending tasks.
func (s *Store) SessionQueueKey(phone string) string { return s.cfg.SessionQueuePrefix + phone }

// --- Intake queues ---

// PopJobID right-pops one job id, draining the priority list before the
// gateway list. ok is false when both lists are empty.
func (s *Store) PopJobID(ctx context.Context) (string, bool, error) {
	for _, key := range []string{s.cfg.PriorityQueueKey, s.cfg.GatewayQueueKey} {
		id, err := s.shared.RPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("op=kv.PopJobID: %w", err)
		}
		return id, true, nil
	}
	return "", false, nil
}

// RequeueJobID puts a job id back on the gateway list.
func (s *Store) RequeueJobID(ctx context.Context, jobID string) error {
	if err := s.shared.LPush(ctx, s.cfg.GatewayQueueKey, jobID).Err(); err != nil {
		return fmt.Errorf("op=kv.RequeueJobID: %w", err)
	}
	return nil
}

// --- Job records ---

// GetJob loads and decodes the job record. ok is false when absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (domain.Job, bool, error) {
	raw, err := s.shared.Get(ctx, JobKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=kv.GetJob: %w", err)
	}
	var j domain.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return domain.Job{}, false, fmt.Errorf("op=kv.GetJob: decode: %w", err)
	}
	return j, true, nil
}

// PutJob rewrites the job record, keeping any TTL the gateway set.
func (s *Store) PutJob(ctx context.Context, jobID string, j domain.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=kv.PutJob: encode: %w", err)
	}
	if err := s.shared.Set(ctx, JobKey(jobID), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("op=kv.PutJob: %w", err)
	}
	return nil
}

// --- Per-job counters and guards ---

// InitJobStats creates the three per-job counters set-if-absent so a
// re-routed job never resets accounting.
func (s *Store) InitJobStats(ctx context.Context, jobID string, total int) error {
	ttl := s.cfg.JobStatsTTL
	vals := map[string]int{"total": total, "sent": 0, "failed": 0}
	for field, v := range vals {
		if err := s.shared.SetNX(ctx, StatKey(jobID, field), v, ttl).Err(); err != nil {
			return fmt.Errorf("op=kv.InitJobStats: %s: %w", field, err)
		}
	}
	return nil
}

// JobStats reads the per-job counters. Absent counters read as zero.
func (s *Store) JobStats(ctx context.Context, jobID string) (total, sent, failed int64, err error) {
	total, err = s.statValue(ctx, jobID, "total")
	if err != nil {
		return
	}
	sent, err = s.statValue(ctx, jobID, "sent")
	if err != nil {
		return
	}
	failed, err = s.statValue(ctx, jobID, "failed")
	return
}

func (s *Store) statValue(ctx context.Context, jobID, field string) (int64, error) {
	v, err := s.shared.Get(ctx, StatKey(jobID, field)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=kv.statValue: %s: %w", field, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("op=kv.statValue: parse %s: %w", field, err)
	}
	return n, nil
}

// IncrJobStat bumps one of the sent/failed counters and returns the new value.
func (s *Store) IncrJobStat(ctx context.Context, jobID, field string) (int64, error) {
	n, err := s.shared.Incr(ctx, StatKey(jobID, field)).Result()
	if err != nil {
		return 0, fmt.Errorf("op=kv.IncrJobStat: %w", err)
	}
	return n, nil
}

// MarkTask records the per-task terminal status set-if-absent. Returns true
// only for the first writer; each task counts exactly once.
func (s *Store) MarkTask(ctx context.Context, taskID, status string) (bool, error) {
	ok, err := s.shared.SetNX(ctx, TaskStatusKey(taskID), status, s.cfg.JobStatsTTL).Result()
	if err != nil {
		return false, fmt.Errorf("op=kv.MarkTask: %w", err)
	}
	return ok, nil
}

// TryEmitDone flips the doneEmitted guard. Returns true only for the first
// caller so finalization happens exactly once per job.
func (s *Store) TryEmitDone(ctx context.Context, jobID string) (bool, error) {
	ok, err := s.shared.SetNX(ctx, DoneEmittedKey(jobID), "1", s.cfg.JobStatsTTL).Result()
	if err != nil {
		return false, fmt.Errorf("op=kv.TryEmitDone: %w", err)
	}
	return ok, nil
}

// --- Session queues ---

// PushSessionTask appends a task to a session queue and refreshes the
// rolling 24h expiry.
func (s *Store) PushSessionTask(ctx context.Context, phone string, task domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("op=kv.PushSessionTask: encode: %w", err)
	}
	key := s.SessionQueueKey(phone)
	if err := s.shared.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("op=kv.PushSessionTask: %w", err)
	}
	if err := s.shared.Expire(ctx, key, sessionQueueTTL).Err(); err != nil {
		return fmt.Errorf("op=kv.PushSessionTask: expire: %w", err)
	}
	return nil
}

// ReturnSessionTask puts a task back at the consuming end of its queue, so
// a pop interrupted by shutdown is retried first.
func (s *Store) ReturnSessionTask(ctx context.Context, phone string, task domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("op=kv.ReturnSessionTask: encode: %w", err)
	}
	key := s.SessionQueueKey(phone)
	if err := s.shared.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("op=kv.ReturnSessionTask: %w", err)
	}
	if err := s.shared.Expire(ctx, key, sessionQueueTTL).Err(); err != nil {
		return fmt.Errorf("op=kv.ReturnSessionTask: expire: %w", err)
	}
	return nil
}

// BlockingPopTask right-pops one task from a session queue, blocking up to
// timeout on the dedicated blocking connection. ok is false on timeout.
func (s *Store) BlockingPopTask(ctx context.Context, phone string, timeout time.Duration) (domain.Task, bool, error) {
	res, err := s.blocking.BRPop(ctx, timeout, s.SessionQueueKey(phone)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("op=kv.BlockingPopTask: %w", err)
	}
	var t domain.Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		return domain.Task{}, false, fmt.Errorf("op=kv.BlockingPopTask: decode: %w", err)
	}
	return t, true, nil
}

// SessionQueueLen returns the depth of one session queue.
func (s *Store) SessionQueueLen(ctx context.Context, phone string) (int64, error) {
	n, err := s.shared.LLen(ctx, s.SessionQueueKey(phone)).Result()
	if err != nil {
		return 0, fmt.Errorf("op=kv.SessionQueueLen: %w", err)
	}
	return n, nil
}

// --- Retry scheduling ---

// ScheduleJobRetry queues a whole job for re-intake at the due time.
func (s *Store) ScheduleJobRetry(ctx context.Context, jobID string, due time.Time) error {
	err := s.shared.ZAdd(ctx, KeyRetryQueue, redis.Z{Score: float64(due.UnixMilli()), Member: jobID}).Err()
	if err != nil {
		return fmt.Errorf("op=kv.ScheduleJobRetry: %w", err)
	}
	return nil
}

// DrainDueJobRetries moves every due job id back onto the gateway list and
// returns how many were moved.
func (s *Store) DrainDueJobRetries(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.shared.ZRangeByScore(ctx, KeyRetryQueue, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("op=kv.DrainDueJobRetries: %w", err)
	}
	moved := 0
	for _, id := range ids {
		removed, err := s.shared.ZRem(ctx, KeyRetryQueue, id).Result()
		if err != nil {
			return moved, fmt.Errorf("op=kv.DrainDueJobRetries: zrem: %w", err)
		}
		if removed == 0 {
			continue // another instance took it
		}
		if err := s.RequeueJobID(ctx, id); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

type taskRetryEntry struct {
	SessionID string      `json:"sessionId"`
	Phone     string      `json:"phone"`
	Task      domain.Task `json:"task"`
}

// ScheduleTaskRetry queues a single task for re-dispatch at the due time.
func (s *Store) ScheduleTaskRetry(ctx context.Context, sessionID, phone string, task domain.Task, due time.Time) error {
	data, err := json.Marshal(taskRetryEntry{SessionID: sessionID, Phone: phone, Task: task})
	if err != nil {
		return fmt.Errorf("op=kv.ScheduleTaskRetry: encode: %w", err)
	}
	err = s.shared.ZAdd(ctx, KeySessionRetryQueue, redis.Z{Score: float64(due.UnixMilli()), Member: data}).Err()
	if err != nil {
		return fmt.Errorf("op=kv.ScheduleTaskRetry: %w", err)
	}
	return nil
}

// DrainDueTaskRetries moves up to limit due tasks back onto their session
// queues and returns how many were moved.
func (s *Store) DrainDueTaskRetries(ctx context.Context, now time.Time, limit int) (int, error) {
	members, err := s.shared.ZRangeByScore(ctx, KeySessionRetryQueue, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("op=kv.DrainDueTaskRetries: %w", err)
	}
	moved := 0
	for _, m := range members {
		removed, err := s.shared.ZRem(ctx, KeySessionRetryQueue, m).Result()
		if err != nil {
			return moved, fmt.Errorf("op=kv.DrainDueTaskRetries: zrem: %w", err)
		}
		if removed == 0 {
			continue
		}
		var e taskRetryEntry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			continue // malformed entry, drop rather than loop on it
		}
		if err := s.PushSessionTask(ctx, e.Phone, e.Task); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// --- Rolling 60s session metrics ---

// Session metric field names.
const (
	MetricSent60s   = "sent60s"
	MetricRouted60s = "routed60s"
	MetricFailed60s = "failed60s"
)

// IncrSessionMetric bumps one rolling counter. The TTL is armed when the
// key is created so the window actually rolls.
func (s *Store) IncrSessionMetric(ctx context.Context, sessionID, field string) error {
	key := SessionMetricKey(sessionID, field)
	n, err := s.shared.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("op=kv.IncrSessionMetric: %w", err)
	}
	if n == 1 {
		if err := s.shared.Expire(ctx, key, 60*time.Second).Err(); err != nil {
			return fmt.Errorf("op=kv.IncrSessionMetric: expire: %w", err)
		}
	}
	return nil
}

// SessionMetrics reads the three rolling counters for a session.
func (s *Store) SessionMetrics(ctx context.Context, sessionID string) (sent, routed, failed int64, err error) {
	read := func(field string) (int64, error) {
		v, err := s.shared.Get(ctx, SessionMetricKey(sessionID, field)).Result()
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("op=kv.SessionMetrics: %s: %w", field, err)
		}
		return strconv.ParseInt(v, 10, 64)
	}
	if sent, err = read(MetricSent60s); err != nil {
		return
	}
	if routed, err = read(MetricRouted60s); err != nil {
		return
	}
	failed, err = read(MetricFailed60s)
	return
}

// --- Runtime config ---

// RPMOverride reads the per-session RPM override. ok is false when unset.
func (s *Store) RPMOverride(ctx context.Context, sessionID string) (int, bool, error) {
	v, err := s.shared.Get(ctx, RPMOverrideKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("op=kv.RPMOverride: %w", err)
	}
	rpm, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("op=kv.RPMOverride: parse: %w", err)
	}
	return rpm, true, nil
}

// SetRPMOverride persists the per-session RPM override.
func (s *Store) SetRPMOverride(ctx context.Context, sessionID string, rpm int) error {
	if err := s.shared.Set(ctx, RPMOverrideKey(sessionID), rpm, 0).Err(); err != nil {
		return fmt.Errorf("op=kv.SetRPMOverride: %w", err)
	}
	return nil
}

// ClearRPMOverride removes the override; consumers revert to trust defaults
// on the next reconcile.
func (s *Store) ClearRPMOverride(ctx context.Context, sessionID string) error {
	if err := s.shared.Del(ctx, RPMOverrideKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("op=kv.ClearRPMOverride: %w", err)
	}
	return nil
}

// SmartGuardEnabled reads the persisted flag, defaulting when unset.
func (s *Store) SmartGuardEnabled(ctx context.Context, def bool) (bool, error) {
	v, err := s.shared.Get(ctx, KeySmartGuardEnabled).Result()
	if errors.Is(err, redis.Nil) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("op=kv.SmartGuardEnabled: %w", err)
	}
	return v == "true", nil
}

// SetSmartGuardEnabled persists the flag.
func (s *Store) SetSmartGuardEnabled(ctx context.Context, enabled bool) error {
	if err := s.shared.Set(ctx, KeySmartGuardEnabled, strconv.FormatBool(enabled), 0).Err(); err != nil {
		return fmt.Errorf("op=kv.SetSmartGuardEnabled: %w", err)
	}
	return nil
}

// TouchSmartGuardTick records the last tick timestamp.
func (s *Store) TouchSmartGuardTick(ctx context.Context, at time.Time) error {
	return s.shared.Set(ctx, KeySmartGuardTick, at.UnixMilli(), 0).Err()
}

// TouchSmartGuardAction records the last RPM-change timestamp.
func (s *Store) TouchSmartGuardAction(ctx context.Context, at time.Time) error {
	return s.shared.Set(ctx, KeySmartGuardAction, at.UnixMilli(), 0).Err()
}

// SmartGuardTimestamps reads lastTick and lastActionAt (0 when unset).
func (s *Store) SmartGuardTimestamps(ctx context.Context) (lastTick, lastAction int64, err error) {
	read := func(key string) (int64, error) {
		v, err := s.shared.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return strconv.ParseInt(v, 10, 64)
	}
	if lastTick, err = read(KeySmartGuardTick); err != nil {
		err = fmt.Errorf("op=kv.SmartGuardTimestamps: %w", err)
		return
	}
	if lastAction, err = read(KeySmartGuardAction); err != nil {
		err = fmt.Errorf("op=kv.SmartGuardTimestamps: %w", err)
	}
	return
}

// --- Queue status ---

// QueueStatus summarizes queue depths for the control API.
type QueueStatus struct {
	Gateway      int64 `json:"gateway"`
	Priority     int64 `json:"priority"`
	Retry        int64 `json:"retry"`
	SessionRetry int64 `json:"sessionRetry"`
	Total        int64 `json:"total"`
}

// QueueLengths reads the top-level queue depths.
func (s *Store) QueueLengths(ctx context.Context) (QueueStatus, error) {
	var qs QueueStatus
	var err error
	if qs.Gateway, err = s.shared.LLen(ctx, s.cfg.GatewayQueueKey).Result(); err != nil {
		return qs, fmt.Errorf("op=kv.QueueLengths: gateway: %w", err)
	}
	if qs.Priority, err = s.shared.LLen(ctx, s.cfg.PriorityQueueKey).Result(); err != nil {
		return qs, fmt.Errorf("op=kv.QueueLengths: priority: %w", err)
	}
	if qs.Retry, err = s.shared.ZCard(ctx, KeyRetryQueue).Result(); err != nil {
		return qs, fmt.Errorf("op=kv.QueueLengths: retry: %w", err)
	}
	if qs.SessionRetry, err = s.shared.ZCard(ctx, KeySessionRetryQueue).Result(); err != nil {
		return qs, fmt.Errorf("op=kv.QueueLengths: sessionRetry: %w", err)
	}
	qs.Total = qs.Gateway + qs.Priority + qs.Retry + qs.SessionRetry
	return qs, nil
}

// --- Orchestrator outbox (redis send mode) ---

// PushOutbox appends a payload to a session's orchestrator outbox with a
// 1h expiry.
func (s *Store) PushOutbox(ctx context.Context, sessionID string, payload []byte) error {
	key := OutboxKey(sessionID)
	if err := s.shared.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("op=kv.PushOutbox: %w", err)
	}
	if err := s.shared.Expire(ctx, key, time.Hour).Err(); err != nil {
		return fmt.Errorf("op=kv.PushOutbox: expire: %w", err)
	}
	return nil
}
