package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/runtime"
	"tether/internal/session"
	"tether/internal/storage"
)

// stubRuntime answers every call successfully with static data.
type stubRuntime struct{}

func (stubRuntime) Health(context.Context) error { return nil }
func (stubRuntime) CreateSession(context.Context, string, string) (string, error) {
	return "rem-1", nil
}
func (stubRuntime) GetSession(context.Context, string, string) error { return nil }
func (stubRuntime) Prompt(context.Context, string, string, runtime.PromptRequest) error {
	return nil
}
func (stubRuntime) ListMessages(context.Context, string, string) ([]runtime.Message, error) {
	return nil, nil
}
func (stubRuntime) GetStatus(context.Context, string) (map[string]runtime.SessionStatus, error) {
	return map[string]runtime.SessionStatus{}, nil
}
func (stubRuntime) Abort(context.Context, string, string) error { return nil }

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore) {
	t.Helper()

	store := storage.NewMemoryStore()
	store.PutAgent(&storage.Agent{ID: "agent-1", Name: "Coder"})
	store.PutTask(&storage.Task{ID: "task-1", AgentID: "agent-1", Title: "Do the thing"})

	orch := session.New(session.Config{
		Runtime:      stubRuntime{},
		Tasks:        store,
		Agents:       store,
		PollInterval: time.Hour, // keep the poll loop quiet during tests
		InitialDelay: time.Hour,
	})

	return New(Config{
		ListenAddr:  ":0",
		Orch:        orch,
		Broadcaster: NewBroadcaster(nil),
		Tasks:       store,
	}), store
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeSessionID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.SessionID)
	return out.SessionID
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartSessionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions", map[string]any{
		"agent_id":            "agent-1",
		"task_id":             "task-1",
		"skip_initial_prompt": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeSessionID(t, rec)

	get := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, get.Code)

	var view sessionView
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &view))
	assert.Equal(t, "task-1", view.TaskID)
	assert.Equal(t, "rem-1", view.RemoteSessionID)
}

func TestStartValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions", map[string]any{
		"agent_id": "agent-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartUnknownTaskMaps404(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions", map[string]any{
		"agent_id":            "agent-1",
		"task_id":             "missing",
		"skip_initial_prompt": true,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessionsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions", map[string]any{
		"agent_id":            "agent-1",
		"task_id":             "task-1",
		"skip_initial_prompt": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	list := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, list.Code)

	var out struct {
		Sessions []sessionView `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &out))
	assert.Len(t, out.Sessions, 1)
}

func TestListTasksEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	store.PutTask(&storage.Task{ID: "task-2", AgentID: "agent-1", Title: "Another"})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Tasks []storage.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out.Tasks, 2)
}

func TestSendReturnsPossiblyNewSessionID(t *testing.T) {
	srv, _ := newTestServer(t)

	start := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions", map[string]any{
		"agent_id":            "agent-1",
		"task_id":             "task-1",
		"skip_initial_prompt": true,
	})
	id := decodeSessionID(t, start)

	stop := doJSON(t, srv.Handler(), http.MethodDelete, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, stop.Code)

	// The session is gone; the send restarts against the task and answers
	// with the replacement id.
	send := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions/"+id+"/messages", map[string]any{
		"text":    "continue please",
		"task_id": "task-1",
	})
	require.Equal(t, http.StatusOK, send.Code, send.Body.String())
	newID := decodeSessionID(t, send)
	assert.NotEqual(t, id, newID)
}

func TestAbortAndStopEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	start := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions", map[string]any{
		"agent_id":            "agent-1",
		"task_id":             "task-1",
		"skip_initial_prompt": true,
	})
	id := decodeSessionID(t, start)

	abort := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions/"+id+"/abort", nil)
	assert.Equal(t, http.StatusOK, abort.Code)

	stop := doJSON(t, srv.Handler(), http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, stop.Code)

	missing := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions/"+id+"/abort", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestPermissionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	start := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions", map[string]any{
		"agent_id":            "agent-1",
		"task_id":             "task-1",
		"skip_initial_prompt": true,
	})
	id := decodeSessionID(t, start)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/sessions/"+id+"/permission", map[string]any{
		"approved": false,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	get := doJSON(t, srv.Handler(), http.MethodGet, "/api/sessions/"+id, nil)
	var view sessionView
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &view))
	assert.Equal(t, session.StatusIdle, view.Status)
}
