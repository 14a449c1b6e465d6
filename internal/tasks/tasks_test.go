package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/testutil"
	"github.com/BaSui01/taskgraph/workflow"
)

func node(name, ref string, meta map[string]any) workflow.Node {
	return workflow.Node{Name: name, TaskRef: ref, Metadata: meta}
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(zap.NewNop())
	assert.Equal(t, []string{Echo, Fail, Shell, Sleep}, reg.Refs())

	assert.Error(t, Register(reg, nil), "registering twice fails")
}

func TestEcho(t *testing.T) {
	t.Parallel()
	tc := workflow.NewExecutionContext("run", []string{"a", "b"})

	out, err := echo(context.Background(), node("a", Echo, map[string]any{"message": "hello"}), tc)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = echo(context.Background(), node("b", Echo, nil), tc)
	require.NoError(t, err)
	assert.Equal(t, "b", out, "defaults to the node name")

	msgs := tc.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Node)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestSleep(t *testing.T) {
	t.Parallel()
	tc := workflow.NewExecutionContext("run", []string{"s"})

	tests := []struct {
		name string
		meta map[string]any
		want string
		err  bool
	}{
		{"go duration", map[string]any{"duration": "5ms"}, "5ms", false},
		{"yaml int millis", map[string]any{"duration": 3}, "3ms", false},
		{"json float millis", map[string]any{"duration": float64(2)}, "2ms", false},
		{"numeric string", map[string]any{"duration": "1"}, "1ms", false},
		{"missing", nil, "", true},
		{"garbage", map[string]any{"duration": "soon"}, "", true},
		{"negative", map[string]any{"duration": "-1s"}, "", true},
		{"fractional", map[string]any{"duration": 1.5}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := sleep(context.Background(), node("s", Sleep, tt.meta), tc)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestSleep_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sleep(ctx, node("s", Sleep, map[string]any{"duration": "1m"}), workflow.NewExecutionContext("run", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFailTask(t *testing.T) {
	t.Parallel()
	f := NewFailTask()
	n := node("flaky", Fail, map[string]any{"times": 2})
	run1 := workflow.NewExecutionContext("run-1", []string{"flaky"})
	run2 := workflow.NewExecutionContext("run-2", []string{"flaky"})

	for i := 0; i < 2; i++ {
		_, err := f.Execute(context.Background(), n, run1)
		assert.ErrorIs(t, err, ErrInjected)
	}
	out, err := f.Execute(context.Background(), n, run1)
	require.NoError(t, err)
	assert.Equal(t, "succeeded after 2 failure(s)", out)

	_, err = f.Execute(context.Background(), n, run2)
	assert.ErrorIs(t, err, ErrInjected, "counters are per run")

	_, err = f.Execute(context.Background(), node("always", Fail, nil), run1)
	assert.ErrorIs(t, err, ErrInjected)

	_, err = f.Execute(context.Background(), node("bad", Fail, map[string]any{"times": "x"}), run1)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrInjected))
}

func TestFailTask_PrunesIdleCounters(t *testing.T) {
	t.Parallel()
	f := NewFailTask()
	now := time.Unix(1700000000, 0)
	f.now = func() time.Time { return now }

	tc := workflow.NewExecutionContext("old", []string{"a"})
	_, _ = f.Execute(context.Background(), node("a", Fail, nil), tc)
	assert.Equal(t, 1, f.Tracked())

	now = now.Add(2 * time.Hour)
	_, _ = f.Execute(context.Background(), node("a", Fail, nil), workflow.NewExecutionContext("new", []string{"a"}))
	assert.Equal(t, 1, f.Tracked(), "the idle run was pruned")
}

func TestBuiltins_InExecutor(t *testing.T) {
	t.Parallel()
	g, err := workflow.NewBuilder("builtins").
		AddNode("greet", Echo, map[string]any{"message": "hi"}).
		AddNode("wait", Sleep, map[string]any{"duration": "1ms"}).
		AddNode("flaky", Fail, map[string]any{"times": 1}).
		AddEdge("greet", "wait").
		AddEdge("wait", "flaky").
		Build()
	require.NoError(t, err)

	opts := workflow.DefaultOptions()
	opts.BaseBackoff = time.Millisecond
	opts.Logger = zap.NewNop()
	exec := workflow.NewExecutor(opts)
	defer exec.Close()

	rec := testutil.NewRecordingRunner(NewRegistry(nil))
	result, err := exec.Run(testutil.TestContext(t), g, rec)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, "hi", result.Results["greet"])
	assert.Len(t, result.AttemptsFor("flaky"), 2)
	assert.Equal(t, []string{"greet", "wait", "flaky", "flaky"}, rec.Calls())
}
