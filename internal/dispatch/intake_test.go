package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waflow/antiban-dispatcher/internal/adapter/kv"
	"github.com/waflow/antiban-dispatcher/internal/domain"
)

func TestRouteGatewayJob_HappyPathMessageMode(t *testing.T) {
	e := newTestEnv(t,
		veteranSession("s1", "972500000001"),
		veteranSession("s2", "972500000002"),
	)
	ctx := context.Background()
	e.seedJob(t, "j1", `{"mode":"message","message":"hi","contacts":[{"name":"A","phone":"972500000011"},{"name":"B","phone":"972500000012"}],"status":"QUEUED"}`)

	require.NoError(t, e.d.routeGatewayJob(ctx, "j1"))

	job := e.job(t, "j1")
	require.Equal(t, domain.JobRouted, job.Status)
	require.Equal(t, 2, job.RoutedCount)
	require.NotZero(t, job.RoutedAt)

	total, sent, failed, err := e.store.JobStats(ctx, "j1")
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Zero(t, sent)
	require.Zero(t, failed)

	// both tasks landed on session queues
	q1, err := e.store.SessionQueueLen(ctx, "972500000001")
	require.NoError(t, err)
	q2, err := e.store.SessionQueueLen(ctx, "972500000002")
	require.NoError(t, err)
	require.EqualValues(t, 2, q1+q2)
}

func TestRouteGatewayJob_StickyKeepsRecipientOnOneSession(t *testing.T) {
	e := newTestEnv(t,
		veteranSession("s1", "972500000001"),
		veteranSession("s2", "972500000002"),
	)
	ctx := context.Background()
	e.seedJob(t, "j2", `{"mode":"message","message":"hi","contacts":[{"phone":"972500000099"},{"phone":"972500000099"}],"status":"QUEUED"}`)

	require.NoError(t, e.d.routeGatewayJob(ctx, "j2"))

	q1, err := e.store.SessionQueueLen(ctx, "972500000001")
	require.NoError(t, err)
	q2, err := e.store.SessionQueueLen(ctx, "972500000002")
	require.NoError(t, err)
	// both tasks on the same queue
	require.True(t, (q1 == 2 && q2 == 0) || (q1 == 0 && q2 == 2), "q1=%d q2=%d", q1, q2)
}

func TestRouteGatewayJob_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
		code string
	}{
		{"no contacts", `{"mode":"message","message":"hi","contacts":[],"status":"QUEUED"}`, domain.ErrCodeInvalidContacts},
		{"bad mode", `{"mode":"video","contacts":[{"phone":"1"}],"status":"QUEUED"}`, domain.ErrCodeInvalidMode},
		{"empty message", `{"mode":"message","contacts":[{"phone":"1"}],"status":"QUEUED"}`, domain.ErrCodeInvalidMessage},
		{"missing mediaRef", `{"mode":"image","contacts":[{"phone":"1"}],"status":"QUEUED"}`, domain.ErrCodeInvalidMediaRef},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t, veteranSession("s1", "972500000001"))
			ctx := context.Background()
			e.seedJob(t, "jv", tc.body)

			require.NoError(t, e.d.routeGatewayJob(ctx, "jv"))

			job := e.job(t, "jv")
			require.Equal(t, domain.JobFailed, job.Status)
			require.Equal(t, tc.code, job.LastError)

			// counters were never created
			total, _, _, err := e.store.JobStats(ctx, "jv")
			require.NoError(t, err)
			require.Zero(t, total)
		})
	}
}

func TestRouteGatewayJob_ResubmitAfterValidationFailIsNoop(t *testing.T) {
	e := newTestEnv(t, veteranSession("s1", "972500000001"))
	ctx := context.Background()
	e.seedJob(t, "jv", `{"mode":"message","contacts":[{"phone":"1"}],"status":"QUEUED"}`)

	require.NoError(t, e.d.routeGatewayJob(ctx, "jv"))
	require.NoError(t, e.d.routeGatewayJob(ctx, "jv"))

	job := e.job(t, "jv")
	require.Equal(t, domain.JobFailed, job.Status)
	total, _, _, err := e.store.JobStats(ctx, "jv")
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestRouteGatewayJob_MissingRecordDropped(t *testing.T) {
	e := newTestEnv(t, veteranSession("s1", "972500000001"))
	require.NoError(t, e.d.routeGatewayJob(context.Background(), "ghost"))
}

func TestRouteGatewayJob_NoSessionsRequeues(t *testing.T) {
	e := newTestEnv(t) // empty roster
	ctx := context.Background()
	e.seedJob(t, "j3", `{"mode":"message","message":"hi","contacts":[{"phone":"1"}],"status":"QUEUED"}`)

	before := time.Now()
	require.NoError(t, e.d.routeGatewayJob(ctx, "j3"))

	job := e.job(t, "j3")
	require.Equal(t, domain.JobQueued, job.Status)
	require.Equal(t, domain.ErrCodeNoSessionsAvailable, job.LastError)

	// a retry is scheduled roughly retryDelay out
	score, err := e.rdb.ZScore(ctx, kv.KeyRetryQueue, "j3").Result()
	require.NoError(t, err)
	due := time.UnixMilli(int64(score))
	require.WithinRange(t, due, before.Add(time.Second), before.Add(11*time.Minute))

	// once a session appears the drained id routes normally
	e.roster.set([]domain.Session{veteranSession("s1", "972500000001")})
	moved, err := e.store.DrainDueJobRetries(ctx, due.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	id, ok, err := e.store.PopJobID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.d.routeGatewayJob(ctx, id))
	require.Equal(t, domain.JobRouted, e.job(t, "j3").Status)
}

func TestRouteOrRequeue_RoutingErrorReschedulesJob(t *testing.T) {
	e := newTestEnv(t, veteranSession("s1", "972500000001"))
	ctx := context.Background()
	// unreadable record makes routing fail after the id left the gateway list
	e.seedJob(t, "j7", `{"mode":"message",`)

	before := time.Now()
	e.d.routeOrRequeue(ctx, "j7")

	score, err := e.rdb.ZScore(ctx, kv.KeyRetryQueue, "j7").Result()
	require.NoError(t, err)
	due := time.UnixMilli(int64(score))
	require.WithinRange(t, due, before.Add(time.Second), before.Add(11*time.Minute))

	// once the record is readable again the scheduled retry routes normally
	e.seedJob(t, "j7", `{"mode":"message","message":"hi","contacts":[{"phone":"972500000011"}],"status":"QUEUED"}`)
	moved, err := e.store.DrainDueJobRetries(ctx, due.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	id, ok, err := e.store.PopJobID(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	e.d.routeOrRequeue(ctx, id)
	require.Equal(t, domain.JobRouted, e.job(t, "j7").Status)
}

func TestRouteGatewayJob_ImageModeCarriesMedia(t *testing.T) {
	e := newTestEnv(t, veteranSession("s1", "972500000001"))
	ctx := context.Background()
	e.seedJob(t, "j4", `{"mode":"image","mediaRef":"media/abc","mediaPath":"/tmp/abc.jpg","contacts":[{"phone":"972500000050"}],"status":"QUEUED"}`)

	require.NoError(t, e.d.routeGatewayJob(ctx, "j4"))

	task, ok, err := e.store.BlockingPopTask(ctx, "972500000001", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "j4:0", task.TaskID)
	require.Equal(t, "media/abc", task.MediaRef)
	require.Equal(t, "/tmp/abc.jpg", task.MediaPath)
	require.Empty(t, task.Text)
}
