package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/waflow/antiban-dispatcher/internal/adapter/kv"
	"github.com/waflow/antiban-dispatcher/internal/adapter/observability"
	"github.com/waflow/antiban-dispatcher/internal/domain"
	"github.com/waflow/antiban-dispatcher/internal/incident"
	"github.com/waflow/antiban-dispatcher/internal/pacer"
	"github.com/waflow/antiban-dispatcher/internal/trust"
)

// consumer drains one session's queue at the session's pace.
type consumer struct {
	session domain.Session
	pacer   *pacer.Pacer
	cancel  context.CancelFunc
	done    chan struct{}
}

// runReconciler keeps the consumer set in sync with the connected roster
// every 5s: start consumers for new sessions, re-apply RPM overrides, stop
// consumers whose session disappeared.
func (d *Dispatcher) runReconciler(ctx context.Context) {
	d.reconcile(ctx)
	t := time.NewTicker(reconcilePeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.reconcile(ctx)
		}
	}
}

func (d *Dispatcher) reconcile(ctx context.Context) {
	roster, err := d.sessions.Sessions(ctx)
	if err != nil || roster == nil {
		return
	}
	connected := make(map[string]domain.Session)
	for _, s := range roster {
		if s.Connected() {
			connected[s.SessionID] = s
		}
	}

	d.mu.Lock()
	var toStart []domain.Session
	var toStop []*consumer
	for id, s := range connected {
		if _, ok := d.consumers[id]; !ok {
			toStart = append(toStart, s)
		}
	}
	for id, c := range d.consumers {
		if _, ok := connected[id]; !ok {
			toStop = append(toStop, c)
			delete(d.consumers, id)
		}
	}
	d.mu.Unlock()

	for _, c := range toStop {
		c.cancel()
		<-c.done
		d.pacers.Remove(c.session.SessionID)
		slog.Info("session consumer stopped", slog.String("session_id", c.session.SessionID))
	}
	for _, s := range toStart {
		d.startConsumer(ctx, s)
	}
	for id := range connected {
		d.reapplyPacing(ctx, id)
	}
	observability.ActiveConsumers.Set(float64(d.pacers.Count()))

	if qs, err := d.store.QueueLengths(ctx); err == nil {
		observability.QueueDepth.WithLabelValues("gateway").Set(float64(qs.Gateway))
		observability.QueueDepth.WithLabelValues("priority").Set(float64(qs.Priority))
		observability.QueueDepth.WithLabelValues("retry").Set(float64(qs.Retry))
		observability.QueueDepth.WithLabelValues("sessionRetry").Set(float64(qs.SessionRetry))
	}
}

// reapplyPacing pushes the stored RPM override onto a live pacer, or
// reverts it to the trust delay window when the override was cleared.
func (d *Dispatcher) reapplyPacing(ctx context.Context, sessionID string) {
	p, ok := d.pacers.Lookup(sessionID)
	if !ok {
		return
	}
	rpm, found, err := d.store.RPMOverride(ctx, sessionID)
	if err != nil {
		return
	}
	if found {
		if p.RPM() != rpm {
			_ = p.SetRPM(float64(rpm))
		}
		return
	}
	if p.RPM() > 0 {
		p.ClearRPM()
		d.applyTrustWindow(p, sessionID)
	}
}

func (d *Dispatcher) startConsumer(ctx context.Context, s domain.Session) {
	p := d.pacers.Get(s.SessionID)
	profile := trust.ForCreatedAt(s.CreatedAt, time.Now())
	p.UpdateConfig(pacer.Config{MinDelayMs: profile.MinDelayMs, MaxDelayMs: profile.MaxDelayMs})
	if rpm, ok, err := d.store.RPMOverride(ctx, s.SessionID); err == nil && ok {
		_ = p.SetRPM(float64(rpm))
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &consumer{session: s, pacer: p, cancel: cancel, done: make(chan struct{})}
	d.mu.Lock()
	d.consumers[s.SessionID] = c
	d.mu.Unlock()

	d.spawn(func() {
		defer close(c.done)
		d.runConsumer(cctx, c)
	})
	slog.Info("session consumer started",
		slog.String("session_id", s.SessionID),
		slog.String("phone", s.Phone),
		slog.Int("trust_level", profile.Level))
}

// runConsumer is the per-session loop: blocking-pop, pace, hand off,
// account, retry or finalize.
func (d *Dispatcher) runConsumer(ctx context.Context, c *consumer) {
	for ctx.Err() == nil {
		task, ok, err := d.store.BlockingPopTask(ctx, c.session.Phone, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.incidents.Push(ctx, map[string]any{
				"type":      incident.TypeSessionConsumerError,
				"sessionId": c.session.SessionID,
				"error":     err.Error(),
			})
			slog.Error("session consumer error",
				slog.String("session_id", c.session.SessionID), slog.Any("error", err))
			time.Sleep(250 * time.Millisecond)
			continue
		}
		if !ok {
			continue
		}

		if _, err := c.pacer.WaitForSlot(ctx); err != nil {
			// stopping with a task in hand; put it back first in line
			rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = d.store.ReturnSessionTask(rctx, c.session.Phone, task)
			rcancel()
			return
		}

		res := d.handoff.Send(ctx, c.session.SessionID, task)
		c.pacer.RecordSend()

		if res.Success {
			d.recordTaskSent(ctx, c.session.SessionID, task)
		} else {
			d.recordTaskFailure(ctx, c, task, res.Err)
		}
	}
}

func (d *Dispatcher) recordTaskSent(ctx context.Context, sessionID string, task domain.Task) {
	if task.TaskID != "" && task.JobID != "" {
		first, err := d.store.MarkTask(ctx, task.TaskID, domain.TaskSent)
		if err != nil {
			slog.Warn("task status write failed", slog.String("task_id", task.TaskID), slog.Any("error", err))
		} else if first {
			if _, err := d.store.IncrJobStat(ctx, task.JobID, "sent"); err == nil {
				d.finalizeJob(ctx, task.JobID)
			}
		}
	}
	if err := d.store.IncrSessionMetric(ctx, sessionID, kv.MetricSent60s); err != nil {
		slog.Debug("sent60s incr failed", slog.Any("error", err))
	}
	observability.TasksSentTotal.WithLabelValues(sessionID).Inc()
}

func (d *Dispatcher) recordTaskFailure(ctx context.Context, c *consumer, task domain.Task, sendErr string) {
	sessionID := c.session.SessionID
	if task.RetryCount < d.cfg.MaxRetries {
		task.RetryCount++
		due := time.Now().Add(clampRetryDelay(d.cfg.RetryDelay()))
		if err := d.store.ScheduleTaskRetry(ctx, sessionID, c.session.Phone, task, due); err != nil {
			slog.Error("task retry schedule failed", slog.String("task_id", task.TaskID), slog.Any("error", err))
		}
	} else if task.TaskID != "" && task.JobID != "" {
		first, err := d.store.MarkTask(ctx, task.TaskID, domain.TaskFailed)
		if err != nil {
			slog.Warn("task status write failed", slog.String("task_id", task.TaskID), slog.Any("error", err))
		} else if first {
			if _, err := d.store.IncrJobStat(ctx, task.JobID, "failed"); err == nil {
				d.finalizeJob(ctx, task.JobID)
			}
		}
		observability.TasksFailedTotal.WithLabelValues(sessionID).Inc()
	}

	if err := d.store.IncrSessionMetric(ctx, sessionID, kv.MetricFailed60s); err != nil {
		slog.Debug("failed60s incr failed", slog.Any("error", err))
	}
	event := map[string]any{
		"type":       incident.TypeSendFailed,
		"sessionId":  sessionID,
		"taskId":     task.TaskID,
		"jobId":      task.JobID,
		"retryCount": task.RetryCount,
		"error":      sendErr,
	}
	d.incidents.Push(ctx, event)
	d.incidents.Brain(ctx, event)
	slog.Warn("task handoff failed",
		slog.String("session_id", sessionID),
		slog.String("task_id", task.TaskID),
		slog.Int("retry_count", task.RetryCount),
		slog.String("error", sendErr))
}

// finalizeJob closes the job exactly once when every task is terminal.
func (d *Dispatcher) finalizeJob(ctx context.Context, jobID string) {
	total, sent, failed, err := d.store.JobStats(ctx, jobID)
	if err != nil || total == 0 || sent+failed < total {
		return
	}
	first, err := d.store.TryEmitDone(ctx, jobID)
	if err != nil || !first {
		return
	}

	status := domain.JobDone
	if failed > 0 {
		status = domain.JobDoneWithErrors
	}
	job, found, err := d.store.GetJob(ctx, jobID)
	if err == nil && found {
		job.Status = status
		job.DoneAt = time.Now().UnixMilli()
		job.SentCount = int(sent)
		job.FailedCount = int(failed)
		if err := d.store.PutJob(ctx, jobID, job); err != nil {
			slog.Warn("job finalize write failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
	d.incidents.AppendJobEvent(ctx, map[string]any{
		"type":        incident.TypeJobDone,
		"jobId":       jobID,
		"status":      string(status),
		"sentCount":   sent,
		"failedCount": failed,
	})
	slog.Info("job done",
		slog.String("job_id", jobID),
		slog.String("status", string(status)),
		slog.Int64("sent", sent),
		slog.Int64("failed", failed))
}

// runTaskRetryDrain moves due task retries back onto their session queues
// every second, 25 at a time.
func (d *Dispatcher) runTaskRetryDrain(ctx context.Context) {
	t := time.NewTicker(retryDrainPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := d.store.DrainDueTaskRetries(ctx, now, retryDrainBatch); err != nil && ctx.Err() == nil {
				slog.Warn("task retry drain failed", slog.Any("error", err))
			}
		}
	}
}
