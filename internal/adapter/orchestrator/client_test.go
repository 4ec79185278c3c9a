package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waflow/antiban-dispatcher/internal/config"
	"github.com/waflow/antiban-dispatcher/internal/domain"
)

func testConfig(url, mode string) config.Config {
	return config.Config{OrchestratorURL: url, OrchestratorAPIKey: "k1", SendMode: mode}
}

func TestGetSessions_FiltersConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/dashboard/sessions", r.URL.Path)
		require.Equal(t, "k1", r.Header.Get("X-API-Key"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"sessions": []map[string]any{
				{"sessionId": "s1", "phone": "100", "status": "CONNECTED"},
				{"sessionId": "s2", "phone": "200", "status": "DISCONNECTED"},
			},
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, config.SendModeAPI), nil)
	sessions := c.GetSessions(context.Background())
	require.Len(t, sessions, 1)
	require.Equal(t, "s1", sessions[0].SessionID)
}

func TestGetSessions_ErrorsYieldEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, config.SendModeAPI), nil)
	require.Empty(t, c.GetSessions(context.Background()))

	// unreachable server
	c = New(testConfig("http://127.0.0.1:1", config.SendModeAPI), nil)
	require.Empty(t, c.GetSessions(context.Background()))
}

func TestSessions_CachesRoster(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"sessions": []map[string]any{{"sessionId": "s1", "phone": "100", "status": "CONNECTED"}},
		})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, config.SendModeAPI), nil)
	for i := 0; i < 5; i++ {
		sessions, err := c.Sessions(context.Background())
		require.NoError(t, err)
		require.Len(t, sessions, 1)
	}
	require.EqualValues(t, 1, calls.Load())

	c.InvalidateCache()
	_, err := c.Sessions(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestSend_APIMode(t *testing.T) {
	var got handoffPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sessions/s1/outbox/enqueue", r.URL.Path)
		require.Equal(t, "k1", r.Header.Get("X-API-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, config.SendModeAPI), nil)
	task := domain.Task{TaskID: "j1:0", JobID: "j1", Mode: domain.ModeMessage, To: "972500000001", Text: "hi"}
	res := c.Send(context.Background(), "s1", task)
	require.True(t, res.Success)
	require.NotEmpty(t, res.MessageID)
	require.Equal(t, "j1:0", got.TaskID)
	require.Equal(t, "hi", got.Text)
	require.Equal(t, res.MessageID, got.MessageID)
}

func TestSend_APIModeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "session busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, config.SendModeAPI), nil)
	res := c.Send(context.Background(), "s1", domain.Task{TaskID: "j1:0"})
	require.False(t, res.Success)
	require.Contains(t, res.Err, "503")
}

type fakePusher struct {
	sessionID string
	payload   []byte
	err       error
}

func (f *fakePusher) PushOutbox(_ context.Context, sessionID string, payload []byte) error {
	f.sessionID = sessionID
	f.payload = payload
	return f.err
}

func TestSend_RedisMode(t *testing.T) {
	p := &fakePusher{}
	c := New(testConfig("http://unused", config.SendModeRedis), p)
	res := c.Send(context.Background(), "s1", domain.Task{TaskID: "j1:0", JobID: "j1", To: "1", Mode: domain.ModeImage, MediaRef: "m1"})
	require.True(t, res.Success)
	require.Equal(t, "s1", p.sessionID)

	var payload handoffPayload
	require.NoError(t, json.Unmarshal(p.payload, &payload))
	require.Equal(t, "m1", payload.MediaRef)
	require.Equal(t, domain.ModeImage, payload.Mode)
}

func TestSend_RedisModePushFailure(t *testing.T) {
	p := &fakePusher{err: context.DeadlineExceeded}
	c := New(testConfig("http://unused", config.SendModeRedis), p)
	res := c.Send(context.Background(), "s1", domain.Task{TaskID: "j1:0"})
	require.False(t, res.Success)
	require.NotEmpty(t, res.Err)
}
