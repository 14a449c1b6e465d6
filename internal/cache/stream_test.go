package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskgraph/workflow"
)

func TestEventStream_EmitAndRead(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()
	stream := NewEventStream(manager)

	stream.Emit(workflow.Event{Type: workflow.EventNodeStarted, RunID: "r1", Node: "a", Attempt: 1})
	stream.Emit(workflow.Event{Type: workflow.EventNodeSucceeded, RunID: "r1", Node: "a", Duration: time.Millisecond})
	stream.Emit(workflow.Event{Type: workflow.EventNodeStarted, RunID: "other", Node: "z"})

	entries, err := stream.Read(ctx, "r1", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, workflow.EventNodeStarted, entries[0].Event.Type)
	assert.Equal(t, time.Millisecond, entries[1].Event.Duration)

	// Resume after the last id.
	rest, err := stream.Read(ctx, "r1", entries[1].ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, rest)

	stream.Emit(workflow.Event{Type: workflow.EventWorkflowCompleted, RunID: "r1", Status: "succeeded"})
	rest, err = stream.Read(ctx, "r1", entries[1].ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "succeeded", rest[0].Event.Status)
	assert.Equal(t, time.Minute, mr.TTL(stream.StreamKey("r1")), "completed streams expire")
}

func TestEventStream_WithExecutor(t *testing.T) {
	_, manager := setupTestRedis(t)
	stream := NewEventStream(manager)

	opts := workflow.DefaultOptions()
	opts.Sink = stream
	exec := workflow.NewExecutor(opts)
	g := workflow.NewBuilder("streamed").AddNode("only", "t", nil).MustBuild()
	runner := workflow.TaskRunnerFunc(func(context.Context, workflow.Node, workflow.TaskContext) (any, error) {
		return nil, nil
	})

	result, err := exec.Run(context.Background(), g, runner, workflow.WithRunID("run-42"))
	require.NoError(t, err)
	require.NoError(t, exec.Close())

	entries, err := stream.Read(context.Background(), result.RunID, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, workflow.EventWorkflowCompleted, entries[2].Event.Type)
}
