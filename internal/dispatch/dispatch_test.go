package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/waflow/antiban-dispatcher/internal/adapter/kv"
	"github.com/waflow/antiban-dispatcher/internal/config"
	"github.com/waflow/antiban-dispatcher/internal/domain"
	"github.com/waflow/antiban-dispatcher/internal/incident"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions []domain.Session
}

func (f *fakeSessions) Sessions(context.Context) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Session, len(f.sessions))
	copy(out, f.sessions)
	return out, nil
}

func (f *fakeSessions) set(sessions []domain.Session) {
	f.mu.Lock()
	f.sessions = sessions
	f.mu.Unlock()
}

type fakeHandoff struct {
	mu    sync.Mutex
	fail  bool
	calls []domain.Task
}

func (f *fakeHandoff) Send(_ context.Context, _ string, task domain.Task) domain.HandoffResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, task)
	if f.fail {
		return domain.HandoffResult{Success: false, Err: "orchestrator status 503"}
	}
	return domain.HandoffResult{Success: true, MessageID: "m-" + task.TaskID}
}

func (f *fakeHandoff) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type testEnv struct {
	d       *Dispatcher
	store   *kv.Store
	mr      *miniredis.Miniredis
	roster  *fakeSessions
	handoff *fakeHandoff
	rdb     *redis.Client
}

func newTestEnv(t *testing.T, sessions ...domain.Session) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.MaxRetries = 3

	store := kv.NewStore(&kv.Clients{Shared: rdb, Blocking: rdb}, kv.StoreConfig{
		GatewayQueueKey:    cfg.GatewayQueueKey,
		PriorityQueueKey:   cfg.PriorityQueueKey,
		SessionQueuePrefix: cfg.SessionQueuePrefix,
		JobStatsTTL:        cfg.JobStatsTTL(),
	})
	roster := &fakeSessions{sessions: sessions}
	handoff := &fakeHandoff{}
	incidents := incident.NewLog(rdb, nil)
	d := New(cfg, store, roster, handoff, incidents)
	return &testEnv{d: d, store: store, mr: mr, roster: roster, handoff: handoff, rdb: rdb}
}

// veteranSession is a trust level 4 session (rpm 20).
func veteranSession(id, phone string) domain.Session {
	return domain.Session{
		SessionID: id,
		Phone:     phone,
		Status:    domain.SessionConnected,
		CreatedAt: time.Now().Add(-30 * 24 * time.Hour).Format(time.RFC3339),
	}
}

func (e *testEnv) seedJob(t *testing.T, jobID, body string) {
	t.Helper()
	e.mr.Set("job:"+jobID, body)
}

func (e *testEnv) job(t *testing.T, jobID string) domain.Job {
	t.Helper()
	j, ok, err := e.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, ok)
	return j
}
