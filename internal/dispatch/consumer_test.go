package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waflow/antiban-dispatcher/internal/adapter/kv"
	"github.com/waflow/antiban-dispatcher/internal/domain"
	"github.com/waflow/antiban-dispatcher/internal/incident"
)

func TestConsumer_HappyPathSingleTask(t *testing.T) {
	s1 := veteranSession("s1", "972500000001")
	e := newTestEnv(t, s1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.seedJob(t, "j1", `{"mode":"message","message":"hi","contacts":[{"name":"A","phone":"972500000011"}],"status":"QUEUED"}`)
	require.NoError(t, e.d.routeGatewayJob(ctx, "j1"))

	e.d.startConsumer(ctx, s1)

	require.Eventually(t, func() bool {
		job, ok, err := e.store.GetJob(context.Background(), "j1")
		return err == nil && ok && job.Status == domain.JobDone
	}, 5*time.Second, 50*time.Millisecond)

	job := e.job(t, "j1")
	require.Equal(t, 1, job.SentCount)
	require.Zero(t, job.FailedCount)
	require.NotZero(t, job.DoneAt)
	require.Equal(t, 1, e.handoff.count())

	// JOB_DONE appended exactly once
	events, err := e.mr.List(kv.KeyJobEvents)
	require.NoError(t, err)
	require.Len(t, events, 1)
	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[0]), &ev))
	require.Equal(t, incident.TypeJobDone, ev["type"])
	require.Equal(t, string(domain.JobDone), ev["status"])

	cancel()
	e.d.wg.Wait()
}

func TestConsumer_FailureSchedulesRetry(t *testing.T) {
	s1 := veteranSession("s1", "972500000001")
	e := newTestEnv(t, s1)
	e.handoff.fail = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.seedJob(t, "j1", `{"mode":"message","message":"hi","contacts":[{"phone":"972500000011"}],"status":"QUEUED"}`)
	require.NoError(t, e.d.routeGatewayJob(ctx, "j1"))

	e.d.startConsumer(ctx, s1)

	require.Eventually(t, func() bool {
		n, err := e.rdb.ZCard(context.Background(), kv.KeySessionRetryQueue).Result()
		return err == nil && n == 1
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	e.d.wg.Wait()

	// retry entry carries the bumped retryCount
	members, err := e.rdb.ZRange(context.Background(), kv.KeySessionRetryQueue, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Contains(t, members[0], `"retryCount":1`)

	// one SEND_FAILED incident for the attempt
	incidents, err := e.mr.List(kv.KeyIncidents)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	require.Contains(t, incidents[0], incident.TypeSendFailed)

	// not terminal yet
	_, _, failed, err := e.store.JobStats(context.Background(), "j1")
	require.NoError(t, err)
	require.Zero(t, failed)
}

func TestRecordTaskFailure_ExhaustionFinalizesWithErrors(t *testing.T) {
	s1 := veteranSession("s1", "972500000001")
	e := newTestEnv(t, s1)
	ctx := context.Background()

	e.seedJob(t, "j4", `{"mode":"message","message":"hi","contacts":[{"phone":"972500000011"}],"status":"QUEUED"}`)
	require.NoError(t, e.d.routeGatewayJob(ctx, "j4"))

	task, ok, err := e.store.BlockingPopTask(ctx, "972500000001", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	c := &consumer{session: s1, pacer: e.d.pacers.Get("s1")}
	task.RetryCount = e.d.cfg.MaxRetries // retries exhausted
	e.d.recordTaskFailure(ctx, c, task, "orchestrator status 503")

	job := e.job(t, "j4")
	require.Equal(t, domain.JobDoneWithErrors, job.Status)
	require.Equal(t, 1, job.FailedCount)
	require.Zero(t, job.SentCount)

	events, err := e.mr.List(kv.KeyJobEvents)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Contains(t, events[0], string(domain.JobDoneWithErrors))
}

func TestTaskAccounting_ExactlyOnce(t *testing.T) {
	s1 := veteranSession("s1", "972500000001")
	e := newTestEnv(t, s1)
	ctx := context.Background()

	e.seedJob(t, "j5", `{"mode":"message","message":"hi","contacts":[{"phone":"1"},{"phone":"2"}],"status":"QUEUED"}`)
	require.NoError(t, e.d.routeGatewayJob(ctx, "j5"))

	t0 := domain.Task{TaskID: "j5:0", JobID: "j5"}
	t1 := domain.Task{TaskID: "j5:1", JobID: "j5"}

	// duplicate success report for the same task counts once
	e.d.recordTaskSent(ctx, "s1", t0)
	e.d.recordTaskSent(ctx, "s1", t0)

	_, sent, _, err := e.store.JobStats(ctx, "j5")
	require.NoError(t, err)
	require.EqualValues(t, 1, sent)

	// a task already SENT cannot be counted as failed
	c := &consumer{session: s1, pacer: e.d.pacers.Get("s1")}
	t0.RetryCount = e.d.cfg.MaxRetries
	e.d.recordTaskFailure(ctx, c, t0, "late failure")
	_, sent, failed, err := e.store.JobStats(ctx, "j5")
	require.NoError(t, err)
	require.EqualValues(t, 1, sent)
	require.Zero(t, failed)

	// second task completes the job; finalization fires once
	e.d.recordTaskSent(ctx, "s1", t1)
	e.d.recordTaskSent(ctx, "s1", t1)

	job := e.job(t, "j5")
	require.Equal(t, domain.JobDone, job.Status)
	events, err := e.mr.List(kv.KeyJobEvents)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestFinalization_ConcurrentLastTwoTasksEmitOnce(t *testing.T) {
	s1 := veteranSession("s1", "972500000001")
	e := newTestEnv(t, s1)
	ctx := context.Background()

	e.seedJob(t, "j6", `{"mode":"message","message":"hi","contacts":[{"phone":"1"},{"phone":"2"}],"status":"QUEUED"}`)
	require.NoError(t, e.d.routeGatewayJob(ctx, "j6"))

	// two consumers race on the last two tasks of the same job
	c := &consumer{session: s1, pacer: e.d.pacers.Get("s1")}
	last := domain.Task{TaskID: "j6:1", JobID: "j6", RetryCount: e.d.cfg.MaxRetries}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.d.recordTaskSent(ctx, "s1", domain.Task{TaskID: "j6:0", JobID: "j6"})
	}()
	go func() {
		defer wg.Done()
		e.d.recordTaskFailure(ctx, c, last, "orchestrator status 503")
	}()
	wg.Wait()

	job := e.job(t, "j6")
	require.Equal(t, domain.JobDoneWithErrors, job.Status)
	require.Equal(t, 1, job.SentCount)
	require.Equal(t, 1, job.FailedCount)

	// whichever goroutine finalized, JOB_DONE went out exactly once
	events, err := e.mr.List(kv.KeyJobEvents)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestReconcile_StartsAppliesAndStopsConsumers(t *testing.T) {
	s1 := veteranSession("s1", "972500000001")
	e := newTestEnv(t, s1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.d.reconcile(ctx)
	require.Equal(t, 1, e.d.pacers.Count())
	p, ok := e.d.pacers.Lookup("s1")
	require.True(t, ok)
	require.Zero(t, p.RPM())

	// override observed on next reconcile
	require.NoError(t, e.store.SetRPMOverride(ctx, "s1", 15))
	e.d.reconcile(ctx)
	require.Equal(t, 15, p.RPM())

	// cleared override reverts to the trust delay window
	require.NoError(t, e.store.ClearRPMOverride(ctx, "s1"))
	e.d.reconcile(ctx)
	require.Zero(t, p.RPM())
	st := p.Stats()
	require.Equal(t, 2000, st.MinDelayMs) // trust level 4 window
	require.Equal(t, 4000, st.MaxDelayMs)

	// session left the roster: consumer and pacer go away
	e.roster.set(nil)
	e.d.reconcile(ctx)
	require.Zero(t, e.d.pacers.Count())

	cancel()
	e.d.wg.Wait()
}

func TestApplySessionRPM_LiveRepace(t *testing.T) {
	s1 := veteranSession("s1", "972500000001")
	e := newTestEnv(t, s1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.d.reconcile(ctx)
	p, _ := e.d.pacers.Lookup("s1")

	require.NoError(t, e.d.ApplySessionRPM(ctx, "s1", intPtr(10)))
	require.Equal(t, 10, p.RPM())
	rpm, ok, err := e.store.RPMOverride(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 10, rpm)

	require.NoError(t, e.d.ApplySessionRPM(ctx, "s1", nil))
	require.Zero(t, p.RPM())
	_, ok, err = e.store.RPMOverride(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)

	cancel()
	e.d.wg.Wait()
}

func TestStartStop_Idempotent(t *testing.T) {
	e := newTestEnv(t)
	e.d.Start()
	e.d.Start()
	require.True(t, e.d.Running())
	e.d.Stop()
	e.d.Stop()
	require.False(t, e.d.Running())
}

func TestSessionMetrics_View(t *testing.T) {
	s1 := veteranSession("s1", "972500000001")
	e := newTestEnv(t, s1)
	ctx := context.Background()

	require.NoError(t, e.store.IncrSessionMetric(ctx, "s1", kv.MetricSent60s))
	require.NoError(t, e.store.SetRPMOverride(ctx, "s1", 10))

	rows, err := e.d.SessionMetrics(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "s1", rows[0].SessionID)
	require.EqualValues(t, 1, rows[0].SentLast60s)
	require.Equal(t, 4, rows[0].TrustLevel)
	require.Equal(t, 20, rows[0].RPMDefault)
	require.NotNil(t, rows[0].RPMOverride)
	require.Equal(t, 10, *rows[0].RPMOverride)
}

func intPtr(n int) *int { return &n }
