package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/internal/cache"
	"github.com/BaSui01/taskgraph/internal/pool"
	"github.com/BaSui01/taskgraph/workflow"
)

// =============================================================================
// 🧪 Events Handler 测试
// =============================================================================

const slowGraphJSON = `{
	"name": "slow-greet",
	"nodes": [
		{"name": "wait", "task_ref": "sleep", "metadata": {"duration": "200ms"}},
		{"name": "after", "task_ref": "echo"}
	],
	"edges": [{"source": "wait", "target": "after"}]
}`

func wsURL(srv *httptest.Server, runID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/" + runID + "/events"
}

// readUntilCompleted 读取事件帧直到 workflow_completed
func readUntilCompleted(t *testing.T, ctx context.Context, conn *websocket.Conn) []workflow.Event {
	t.Helper()
	var events []workflow.Event
	for {
		var e workflow.Event
		require.NoError(t, wsjson.Read(ctx, conn, &e))
		events = append(events, e)
		if e.Type == workflow.EventWorkflowCompleted {
			return events
		}
	}
}

func setupReplay(t *testing.T) *cache.EventStream {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := cache.DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.TTL = time.Minute

	manager, err := cache.NewManager(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return cache.NewEventStream(manager)
}

func TestEventsHandler_LiveStream(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, pool.DefaultConfig(), nil, nil)
	srv := httptest.NewServer(a.mux)
	t.Cleanup(srv.Close)

	w := a.do(t, http.MethodPost, "/api/v1/runs", "application/json", `{"graph": `+slowGraphJSON+`, "run_id": "live-1"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "live-1"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	events := readUntilCompleted(t, ctx, conn)
	last := events[len(events)-1]
	assert.Equal(t, "live-1", last.RunID)
	assert.Equal(t, string(workflow.RunSucceeded), last.Status)

	// 完成帧之后服务端正常关闭
	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestEventsHandler_FinishedRun(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, pool.DefaultConfig(), nil, nil)
	srv := httptest.NewServer(a.mux)
	t.Cleanup(srv.Close)

	w := a.do(t, http.MethodPost, "/api/v1/runs", "application/json", `{"graph": `+echoGraphJSON+`, "run_id": "done-1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	waitRunDone(t, a, "done-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "done-1"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	events := readUntilCompleted(t, ctx, conn)
	require.Len(t, events, 1)
	assert.Equal(t, "greet", events[0].Workflow)
	assert.Equal(t, string(workflow.RunSucceeded), events[0].Status)
}

func TestEventsHandler_UnknownRun(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, pool.DefaultConfig(), nil, nil)
	srv := httptest.NewServer(a.mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(srv, "ghost"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsHandler_ReplayFromStream(t *testing.T) {
	t.Parallel()
	stream := setupReplay(t)
	a := newTestAPI(t, pool.DefaultConfig(), stream, stream)
	srv := httptest.NewServer(a.mux)
	t.Cleanup(srv.Close)

	w := a.do(t, http.MethodPost, "/api/v1/runs", "application/json", `{"graph": `+echoGraphJSON+`, "run_id": "replay-1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	waitRunDone(t, a, "replay-1")

	// 运行结束后连接，仍能收到完整的事件序列
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "replay-1"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	events := readUntilCompleted(t, ctx, conn)
	var started []string
	for _, e := range events {
		assert.Equal(t, "replay-1", e.RunID)
		if e.Type == workflow.EventNodeStarted {
			started = append(started, e.Node)
		}
	}
	assert.Equal(t, []string{"hello", "bye"}, started)
	assert.Equal(t, string(workflow.RunSucceeded), events[len(events)-1].Status)
}
