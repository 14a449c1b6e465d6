package runs

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/internal/pool"
	"github.com/BaSui01/taskgraph/internal/tasks"
	"github.com/BaSui01/taskgraph/testutil"
	"github.com/BaSui01/taskgraph/types"
	"github.com/BaSui01/taskgraph/workflow"
)

type countingGauge struct {
	started  atomic.Int32
	finished atomic.Int32
}

func (g *countingGauge) RunStarted()  { g.started.Add(1) }
func (g *countingGauge) RunFinished() { g.finished.Add(1) }

func newTestService(t *testing.T, poolCfg pool.Config) (*Service, *countingGauge) {
	t.Helper()
	gauge := &countingGauge{}
	opts := workflow.DefaultOptions()
	opts.BaseBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond

	svc, err := NewService(Config{
		Executor: opts,
		Tasks:    tasks.NewRegistry(zap.NewNop()),
		Pool:     pool.New(poolCfg, zap.NewNop()),
		Gauge:    gauge,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc, gauge
}

func echoGraph(name string) *workflow.GraphDefinition {
	return testutil.EchoChain(name, "hello", "a", "b")
}

func sleepGraph(d string) *workflow.GraphDefinition {
	return testutil.SleepGraph("sleepy", "s", d)
}

func waitDone(t *testing.T, svc *Service, runID string) *Snapshot {
	t.Helper()
	var snap *Snapshot
	require.Eventually(t, func() bool {
		s, err := svc.Get(context.Background(), runID)
		if err != nil {
			return false
		}
		snap = s
		return s.Done()
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func TestService_SubmitRunsToCompletion(t *testing.T) {
	t.Parallel()
	svc, gauge := newTestService(t, pool.Config{MaxWorkers: 2, QueueSize: 4})
	ctx := context.Background()

	snap, err := svc.Submit(ctx, SubmitRequest{Graph: echoGraph("greet"), RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, "greet", snap.Workflow)
	assert.False(t, snap.Done())

	done := waitDone(t, svc, "run-1")
	assert.Equal(t, StatusSucceeded, done.Status)
	require.Len(t, done.Result.Messages, 2)
	assert.Equal(t, "hello", done.Result.Messages[0].Content)
	assert.Equal(t, workflow.StatusSucceeded, done.NodeStatus["b"])
	assert.Empty(t, svc.Active())

	require.Eventually(t, func() bool { return gauge.finished.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), gauge.started.Load())

	list, err := svc.List(ctx, workflow.RunFilter{Workflow: "greet"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "run-1", list[0].RunID)
}

func TestService_SubmitByStoredGraph(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, pool.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, svc.SaveGraph(ctx, echoGraph("stored")))
	names, err := svc.ListGraphs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stored"}, names)

	snap, err := svc.Submit(ctx, SubmitRequest{GraphName: "stored"})
	require.NoError(t, err)
	assert.NotEmpty(t, snap.RunID)
	assert.Equal(t, StatusSucceeded, waitDone(t, svc, snap.RunID).Status)

	_, err = svc.Submit(ctx, SubmitRequest{GraphName: "missing"})
	assert.ErrorIs(t, err, workflow.ErrGraphNotFound)

	_, err = svc.Submit(ctx, SubmitRequest{})
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	require.NoError(t, svc.DeleteGraph(ctx, "stored"))
	_, err = svc.GetGraph(ctx, "stored")
	assert.ErrorIs(t, err, workflow.ErrGraphNotFound)
}

func TestService_RejectsInvalidGraphs(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, pool.DefaultConfig())
	ctx := context.Background()

	cyclic := &workflow.GraphDefinition{
		Name:  "cyclic",
		Nodes: []workflow.NodeDefinition{{Name: "a", TaskRef: tasks.Echo}, {Name: "b", TaskRef: tasks.Echo}},
		Edges: []workflow.EdgeDefinition{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}
	_, err := svc.Submit(ctx, SubmitRequest{Graph: cyclic})
	require.Error(t, err)
	assert.True(t, workflow.IsBuildError(err))

	assert.Error(t, svc.SaveGraph(ctx, cyclic))
	_, err = svc.GetGraph(ctx, "cyclic")
	assert.ErrorIs(t, err, workflow.ErrGraphNotFound)
}

func TestService_DuplicateRunID(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, pool.DefaultConfig())
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{Graph: sleepGraph("2s"), RunID: "dup"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, SubmitRequest{Graph: echoGraph("x"), RunID: "dup"})
	assert.Equal(t, types.ErrConflict, types.GetErrorCode(err))

	require.NoError(t, svc.Cancel(ctx, "dup"))
	waitDone(t, svc, "dup")

	_, err = svc.Submit(ctx, SubmitRequest{Graph: echoGraph("x"), RunID: "dup"})
	assert.Equal(t, types.ErrConflict, types.GetErrorCode(err), "finished runs keep their id")
}

func TestService_QueueFull(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, pool.Config{MaxWorkers: 1, QueueSize: 0})
	ctx := context.Background()

	first, err := svc.Submit(ctx, SubmitRequest{Graph: sleepGraph("5s")})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, SubmitRequest{Graph: echoGraph("x")})
	apiErr, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrRunQueueFull, apiErr.Code)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.HTTPStatus)
	assert.True(t, apiErr.Retryable)
	assert.Len(t, svc.Active(), 1, "rejected runs are not tracked")

	require.NoError(t, svc.Cancel(ctx, first.RunID))
	waitDone(t, svc, first.RunID)
}

func TestService_CancelRunningRun(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, pool.DefaultConfig())
	ctx := context.Background()

	snap, err := svc.Submit(ctx, SubmitRequest{Graph: sleepGraph("10s")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := svc.Get(ctx, snap.RunID)
		return err == nil && s.NodeStatus["s"] == workflow.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	active := svc.Active()
	require.Len(t, active, 1)
	assert.Equal(t, StatusRunning, active[0].Status)
	assert.NotNil(t, active[0].StartedAt)

	require.NoError(t, svc.Cancel(ctx, snap.RunID))
	done := waitDone(t, svc, snap.RunID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.NotEqual(t, workflow.StatusSucceeded, done.NodeStatus["s"])

	err = svc.Cancel(ctx, snap.RunID)
	assert.Equal(t, types.ErrConflict, types.GetErrorCode(err))
	assert.ErrorIs(t, svc.Cancel(ctx, "unknown"), workflow.ErrRunNotFound)
}

func TestService_Subscribe(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, pool.Config{MaxWorkers: 1, QueueSize: 2})
	ctx := context.Background()

	// 先占住唯一的 worker，保证订阅发生在目标运行开始之前
	blocker, err := svc.Submit(ctx, SubmitRequest{Graph: sleepGraph("10s")})
	require.NoError(t, err)
	snap, err := svc.Submit(ctx, SubmitRequest{Graph: echoGraph("watched")})
	require.NoError(t, err)

	ch, cancel, err := svc.Subscribe(ctx, snap.RunID)
	require.NoError(t, err)
	defer cancel()
	require.NoError(t, svc.Cancel(ctx, blocker.RunID))

	events := drain(t, ch)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, workflow.EventWorkflowCompleted, last.Type)
	assert.Equal(t, string(workflow.RunSucceeded), last.Status)
	for _, e := range events {
		assert.Equal(t, snap.RunID, e.RunID)
	}

	_, _, err = svc.Subscribe(ctx, "nope")
	assert.ErrorIs(t, err, workflow.ErrRunNotFound)
}

func TestService_RunSynchronously(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, pool.DefaultConfig())
	ctx := context.Background()

	result, err := svc.Run(testutil.TestContext(t), echoGraph("sync"), "sync-1", workflow.Message{Content: "seed"})
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Len(t, result.Messages, 3)

	stored, err := svc.Get(ctx, "sync-1")
	require.NoError(t, err)
	assert.True(t, stored.Done())
}

func TestNewService_RequiresDependencies(t *testing.T) {
	t.Parallel()
	_, err := NewService(Config{Pool: pool.New(pool.DefaultConfig(), nil)})
	assert.Error(t, err)
	_, err = NewService(Config{Tasks: tasks.NewRegistry(nil)})
	assert.Error(t, err)
}
