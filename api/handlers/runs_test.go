package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/api"
	"github.com/BaSui01/taskgraph/internal/pool"
	"github.com/BaSui01/taskgraph/internal/runs"
	"github.com/BaSui01/taskgraph/internal/tasks"
	"github.com/BaSui01/taskgraph/types"
	"github.com/BaSui01/taskgraph/workflow"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

type testAPI struct {
	svc *runs.Service
	mux *http.ServeMux
}

func newTestAPI(t *testing.T, poolCfg pool.Config, sink workflow.Sink, replay EventReplayer) *testAPI {
	t.Helper()
	opts := workflow.DefaultOptions()
	opts.BaseBackoff = time.Millisecond
	opts.Sink = sink

	svc, err := runs.NewService(runs.Config{
		Executor: opts,
		Tasks:    tasks.NewRegistry(zap.NewNop()),
		Pool:     pool.New(poolCfg, zap.NewNop()),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	mux := http.NewServeMux()
	rh := NewRunHandler(svc, zap.NewNop())
	gh := NewGraphHandler(svc, zap.NewNop())
	eh := NewEventsHandler(svc, replay, zap.NewNop())
	mux.HandleFunc("POST /api/v1/runs", rh.HandleSubmit)
	mux.HandleFunc("GET /api/v1/runs", rh.HandleList)
	mux.HandleFunc("GET /api/v1/runs/{id}", rh.HandleGet)
	mux.HandleFunc("DELETE /api/v1/runs/{id}", rh.HandleCancel)
	mux.HandleFunc("GET /api/v1/runs/{id}/events", eh.HandleEvents)
	mux.HandleFunc("POST /api/v1/graphs/validate", gh.HandleValidate)
	mux.HandleFunc("POST /api/v1/graphs", gh.HandleSave)
	mux.HandleFunc("GET /api/v1/graphs", gh.HandleList)
	mux.HandleFunc("GET /api/v1/graphs/{name}", gh.HandleGet)
	mux.HandleFunc("DELETE /api/v1/graphs/{name}", gh.HandleDelete)

	return &testAPI{svc: svc, mux: mux}
}

func (a *testAPI) do(t *testing.T, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", contentType)
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	a.mux.ServeHTTP(w, r)
	return w
}

// decodeData 解析统一响应并把 data 字段解码到 dst
func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) Response {
	t.Helper()
	var raw struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&raw))
	if dst != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, dst))
	}
	return raw.Response
}

const echoGraphJSON = `{
	"name": "greet",
	"nodes": [
		{"name": "hello", "task_ref": "echo", "metadata": {"message": "hi"}},
		{"name": "bye", "task_ref": "echo"}
	],
	"edges": [{"source": "hello", "target": "bye"}]
}`

func waitRunDone(t *testing.T, a *testAPI, runID string) runs.Snapshot {
	t.Helper()
	var snap runs.Snapshot
	require.Eventually(t, func() bool {
		w := a.do(t, http.MethodGet, "/api/v1/runs/"+runID, "", "")
		if w.Code != http.StatusOK {
			return false
		}
		snap = runs.Snapshot{}
		decodeData(t, w, &snap)
		return snap.Result != nil
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

// =============================================================================
// 🧪 Run Handler 测试
// =============================================================================

func TestRunHandler_SubmitAndGet(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, pool.DefaultConfig(), nil, nil)

	body := `{"graph": ` + echoGraphJSON + `, "run_id": "r-1", "messages": [{"content": "seed"}]}`
	w := a.do(t, http.MethodPost, "/api/v1/runs", "application/json", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "/api/v1/runs/r-1", w.Header().Get("Location"))

	var queued runs.Snapshot
	resp := decodeData(t, w, &queued)
	assert.True(t, resp.Success)
	assert.Equal(t, "r-1", queued.RunID)
	assert.Equal(t, "greet", queued.Workflow)

	done := waitRunDone(t, a, "r-1")
	assert.Equal(t, runs.StatusSucceeded, done.Status)
	require.Len(t, done.Result.Messages, 3)
	assert.Equal(t, "seed", done.Result.Messages[0].Content)
	assert.Equal(t, "hi", done.Result.Messages[1].Content)

	w = a.do(t, http.MethodGet, "/api/v1/runs?workflow=greet&status=succeeded", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list api.RunListResponse
	decodeData(t, w, &list)
	assert.Equal(t, 1, list.Count)
}

func TestRunHandler_SubmitErrors(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, pool.DefaultConfig(), nil, nil)

	tests := []struct {
		name        string
		contentType string
		body        string
		status      int
		code        types.ErrorCode
	}{
		{"wrong content type", "text/plain", `{}`, http.StatusUnsupportedMediaType, types.ErrInvalidRequest},
		{"malformed", "application/json", `{"graph":`, http.StatusBadRequest, types.ErrInvalidRequest},
		{"unknown field", "application/json", `{"graf": {}}`, http.StatusBadRequest, types.ErrInvalidRequest},
		{"no graph", "application/json", `{}`, http.StatusBadRequest, types.ErrInvalidRequest},
		{"missing stored graph", "application/json", `{"graph_name": "ghost"}`, http.StatusNotFound, types.ErrGraphNotFound},
		{"self loop", "application/json",
			`{"graph": {"name": "x", "nodes": [{"name": "a", "task_ref": "echo"}], "edges": [{"source": "a", "target": "a"}]}}`,
			http.StatusBadRequest, types.ErrGraphInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, "/api/v1/runs", tt.contentType, tt.body)
			assert.Equal(t, tt.status, w.Code)
			resp := decodeData(t, w, nil)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.code), resp.Error.Code)
		})
	}
}

func TestRunHandler_QueueFull(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, pool.Config{MaxWorkers: 1}, nil, nil)

	slow := `{"graph": {"name": "slow", "nodes": [{"name": "s", "task_ref": "sleep", "metadata": {"duration": "10s"}}]}, "run_id": "slow"}`
	require.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/api/v1/runs", "application/json", slow).Code)

	w := a.do(t, http.MethodPost, "/api/v1/runs", "application/json", `{"graph": `+echoGraphJSON+`}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	resp := decodeData(t, w, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrRunQueueFull), resp.Error.Code)
	assert.True(t, resp.Error.Retryable)

	w = a.do(t, http.MethodGet, "/api/v1/runs?active=true", "", "")
	var active api.RunListResponse
	decodeData(t, w, &active)
	require.Equal(t, 1, active.Count)
	assert.Equal(t, "slow", active.Runs[0].RunID)

	w = a.do(t, http.MethodDelete, "/api/v1/runs/slow", "", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	done := waitRunDone(t, a, "slow")
	assert.Equal(t, runs.StatusFailed, done.Status)

	w = a.do(t, http.MethodDelete, "/api/v1/runs/slow", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRunHandler_GetAndListErrors(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, pool.DefaultConfig(), nil, nil)

	w := a.do(t, http.MethodGet, "/api/v1/runs/missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrRunNotFound), decodeData(t, w, nil).Error.Code)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodDelete, "/api/v1/runs/missing", "", "").Code)

	for _, q := range []string{"status=running", "since=yesterday", "limit=0", "limit=x"} {
		w := a.do(t, http.MethodGet, "/api/v1/runs?"+q, "", "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestParseRunFilter(t *testing.T) {
	t.Parallel()
	f, err := parseRunFilter("wf", "failed", "2026-01-02T03:04:05Z", "10000")
	require.Nil(t, err)
	assert.Equal(t, "wf", f.Workflow)
	assert.Equal(t, workflow.RunFailed, f.Status)
	assert.Equal(t, maxListLimit, f.Limit)
	assert.Equal(t, 2026, f.Since.Year())

	f, err = parseRunFilter("", "", "", "")
	require.Nil(t, err)
	assert.Equal(t, defaultListLimit, f.Limit)
}
