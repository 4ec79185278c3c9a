package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/waflow/antiban-dispatcher/internal/adapter/kv"
)

func newLog(t *testing.T) (*Log, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLog(rdb, nil), mr
}

func TestPush_TimestampsTrimsAndExpires(t *testing.T) {
	l, mr := newLog(t)
	ctx := context.Background()

	l.Push(ctx, map[string]any{"type": TypeSendFailed, "sessionId": "s1"})

	items, err := mr.List(kv.KeyIncidents)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(items[0]), &ev))
	require.Equal(t, TypeSendFailed, ev["type"])
	require.NotZero(t, ev["ts"])
	require.Equal(t, 7*24*time.Hour, mr.TTL(kv.KeyIncidents))
}

func TestPush_CappedAt200(t *testing.T) {
	l, mr := newLog(t)
	ctx := context.Background()

	for i := 0; i < 205; i++ {
		l.Push(ctx, map[string]any{"type": TypeSessionConsumerError, "n": i})
	}
	items, err := mr.List(kv.KeyIncidents)
	require.NoError(t, err)
	require.Len(t, items, 200)

	// newest first
	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(items[0]), &ev))
	require.EqualValues(t, 204, ev["n"])
}

func TestAppendJobEvent_CappedAt2000(t *testing.T) {
	l, mr := newLog(t)
	ctx := context.Background()

	for i := 0; i < 2003; i++ {
		l.AppendJobEvent(ctx, map[string]any{"type": TypeJobDone, "jobId": fmt.Sprintf("j%d", i)})
	}
	items, err := mr.List(kv.KeyJobEvents)
	require.NoError(t, err)
	require.Len(t, items, 2000)
}

func TestPush_SwallowsStoreFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewLog(rdb, nil)
	mr.Close()
	// must not panic or error out
	l.Push(context.Background(), map[string]any{"type": TypeSendFailed})
	l.AppendJobEvent(context.Background(), map[string]any{"type": TypeJobDone})
}
