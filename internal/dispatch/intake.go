package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/waflow/antiban-dispatcher/internal/adapter/kv"
	"github.com/waflow/antiban-dispatcher/internal/adapter/observability"
	"github.com/waflow/antiban-dispatcher/internal/domain"
	"github.com/waflow/antiban-dispatcher/internal/router"
)

// runIntakeLoop is the single cooperative poll: drain due job retries, pop
// one id (priority before gateway), route it, sleep. Fairness lives in the
// per-session consumers, not here.
func (d *Dispatcher) runIntakeLoop(ctx context.Context) {
	t := time.NewTicker(d.cfg.PollInterval())
	defer t.Stop()
	for {
		if _, err := d.store.DrainDueJobRetries(ctx, time.Now()); err != nil && ctx.Err() == nil {
			slog.Warn("job retry drain failed", slog.Any("error", err))
		}

		jobID, ok, err := d.store.PopJobID(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("job pop failed", slog.Any("error", err))
		}
		if ok {
			d.processed.Add(1)
			d.routeOrRequeue(ctx, jobID)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// routeOrRequeue routes one popped id. The id is already off the gateway
// list, so a routing error here would lose the job; put it back on the
// retry schedule instead.
func (d *Dispatcher) routeOrRequeue(ctx context.Context, jobID string) {
	err := d.routeGatewayJob(ctx, jobID)
	if err == nil || ctx.Err() != nil {
		return
	}
	slog.Error("job routing failed", slog.String("job_id", jobID), slog.Any("error", err))
	due := time.Now().Add(clampRetryDelay(d.cfg.RetryDelay()))
	if rerr := d.store.ScheduleJobRetry(ctx, jobID, due); rerr != nil {
		slog.Error("job requeue failed", slog.String("job_id", jobID), slog.Any("error", rerr))
	}
}

// routeGatewayJob validates a popped job and fans its contacts out to
// per-session queues.
func (d *Dispatcher) routeGatewayJob(ctx context.Context, jobID string) error {
	job, found, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("job record missing, dropping", slog.String("job_id", jobID))
		return nil
	}
	if job.Terminal() {
		// re-submitted id; nothing to do
		return nil
	}

	if code := validateJob(job); code != "" {
		job.Status = domain.JobFailed
		job.LastError = code
		d.failed.Add(1)
		observability.JobsFailedTotal.WithLabelValues(code).Inc()
		slog.Warn("job rejected", slog.String("job_id", jobID), slog.String("reason", code))
		return d.store.PutJob(ctx, jobID, job)
	}

	job.Status = domain.JobRouting
	job.LastError = ""
	if err := d.store.PutJob(ctx, jobID, job); err != nil {
		return err
	}
	if err := d.store.InitJobStats(ctx, jobID, len(job.Contacts)); err != nil {
		return err
	}

	roster, err := d.sessions.Sessions(ctx)
	if err != nil {
		roster = nil
	}
	connected := make([]domain.Session, 0, len(roster))
	for _, s := range roster {
		if s.Connected() {
			connected = append(connected, s)
		}
	}
	if len(connected) == 0 {
		job.Status = domain.JobQueued
		job.LastError = domain.ErrCodeNoSessionsAvailable
		if err := d.store.PutJob(ctx, jobID, job); err != nil {
			return err
		}
		due := time.Now().Add(clampRetryDelay(d.cfg.RetryDelay()))
		slog.Info("no sessions available, requeueing job",
			slog.String("job_id", jobID), slog.Time("due", due))
		return d.store.ScheduleJobRetry(ctx, jobID, due)
	}

	now := time.Now().UnixMilli()
	routed := 0
	for i, contact := range job.Contacts {
		task := domain.Task{
			TaskID:    jobID + ":" + strconv.Itoa(i),
			JobID:     jobID,
			Mode:      job.Mode,
			To:        contact.Phone,
			Name:      contact.Name,
			CreatedAt: now,
		}
		if job.Mode == domain.ModeMessage {
			task.Text = job.Message
		} else {
			task.MediaRef = job.MediaRef
			task.MediaPath = job.MediaPath
		}

		// connected is a fixed non-empty snapshot, so Select cannot run dry
		// here; treat a failure like any other routing error and requeue.
		session, err := d.router.Select(connected, router.Request{To: contact.Phone}, router.StrategySticky)
		if err != nil {
			return fmt.Errorf("op=dispatch.routeGatewayJob: %w", err)
		}
		if err := d.store.PushSessionTask(ctx, session.Phone, task); err != nil {
			return err
		}
		if err := d.store.IncrSessionMetric(ctx, session.SessionID, kv.MetricRouted60s); err != nil {
			slog.Debug("routed60s incr failed", slog.Any("error", err))
		}
		routed++
	}

	job.Status = domain.JobRouted
	job.RoutedAt = time.Now().UnixMilli()
	job.RoutedCount = routed
	if err := d.store.PutJob(ctx, jobID, job); err != nil {
		return err
	}
	d.routed.Add(1)
	observability.JobsRoutedTotal.Inc()
	slog.Info("job routed",
		slog.String("job_id", jobID),
		slog.Int("tasks", routed),
		slog.Int("contacts", len(job.Contacts)))
	return nil
}

// validateJob returns the lastError code for an invalid job, or "" when it
// is routable.
func validateJob(job domain.Job) string {
	if len(job.Contacts) == 0 {
		return domain.ErrCodeInvalidContacts
	}
	if job.Mode != domain.ModeMessage && job.Mode != domain.ModeImage {
		return domain.ErrCodeInvalidMode
	}
	if job.Mode == domain.ModeMessage && job.Message == "" {
		return domain.ErrCodeInvalidMessage
	}
	if job.Mode == domain.ModeImage && job.MediaRef == "" {
		return domain.ErrCodeInvalidMediaRef
	}
	return ""
}
