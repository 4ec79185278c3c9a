package kv

// Well-known keys shared with the gateway and orchestrator. Queue key names
// for gateway/priority/session lists are configurable and passed into the
// Store; everything else is fixed protocol surface.
const (
	KeyRetryQueue        = "queue:retry"
	KeySessionRetryQueue = "queue:retry:session"
	KeyIncidents         = "antiban:incidents"
	KeyJobEvents         = "jobs:events"
	KeySmartGuardEnabled = "config:smartguard:enabled"
	KeySmartGuardTick    = "smartguard:lastTick"
	KeySmartGuardAction  = "smartguard:lastActionAt"
)

// JobKey addresses the gateway-owned job record.
func JobKey(jobID string) string { return "job:" + jobID }

// StatKey addresses one per-job counter (total, sent or failed).
func StatKey(jobID, field string) string { return "job:stats:" + jobID + ":" + field }

// DoneEmittedKey is the set-if-absent finalization guard.
func DoneEmittedKey(jobID string) string { return "job:stats:" + jobID + ":doneEmitted" }

// TaskStatusKey addresses the per-task terminal marker. Task ids are
// "<jobId>:<i>" so the full key reads job:taskStatus:<jobId>:<i>.
func TaskStatusKey(taskID string) string { return "job:taskStatus:" + taskID }

// SessionMetricKey addresses one rolling 60s per-session counter.
func SessionMetricKey(sessionID, field string) string {
	return "metrics:session:" + sessionID + ":" + field
}

// RPMOverrideKey addresses the per-session RPM override.
func RPMOverrideKey(sessionID string) string { return "config:session:" + sessionID + ":rpm" }

// OutboxKey addresses the orchestrator outbox list for direct pushes.
func OutboxKey(sessionID string) string { return "session:outbox:" + sessionID }
