package workflow

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionContext_Defaults(t *testing.T) {
	t.Parallel()
	c := NewExecutionContext("run-1", []string{"a", "b"})

	assert.Equal(t, "run-1", c.RunID())
	assert.Equal(t, StatusPending, c.Status("a"))
	assert.Equal(t, StatusPending, c.Status("unknown"))
	assert.Equal(t, 2, c.CountStatus(StatusPending))
	assert.Zero(t, c.MessageCount())

	_, ok := c.LastMessage()
	assert.False(t, ok)
	_, ok = c.Result("a")
	assert.False(t, ok)
}

func TestExecutionContext_MessagesAreCopied(t *testing.T) {
	t.Parallel()
	c := NewExecutionContext("run", nil)
	c.AppendMessage(Message{Content: "one"})

	msgs := c.Messages()
	msgs[0].Content = "mutated"

	last, ok := c.LastMessage()
	require.True(t, ok)
	assert.Equal(t, "one", last.Content)
	assert.False(t, last.Timestamp.IsZero())
}

func TestExecutionContext_Counters(t *testing.T) {
	t.Parallel()
	c := NewExecutionContext("run", []string{"a"})

	assert.Equal(t, 1, c.IncrementRetry("a"))
	assert.Equal(t, 2, c.IncrementRetry("a"))
	assert.Equal(t, 1, c.IncrementFailure("a"))
	assert.Equal(t, 2, c.RetryCount("a"))
	assert.Equal(t, 1, c.FailureCount("a"))

	c.ResetFailures("a")
	assert.Zero(t, c.FailureCount("a"))
	assert.Equal(t, 2, c.RetryCount("a"))

	c.IncrementFailure("a")
	assert.Equal(t, 1, c.IncrementIteration("a"))
	c.rearm("a")
	assert.Zero(t, c.RetryCount("a"))
	assert.Zero(t, c.FailureCount("a"))
	assert.Equal(t, 1, c.Iteration("a"), "iterations survive re-arming")
	assert.Equal(t, map[string]int{"a": 1}, c.Iterations())
}

func TestExecutionContext_ConcurrentWrites(t *testing.T) {
	t.Parallel()
	const workers = 16
	const perWorker = 50

	nodes := make([]string, workers)
	for i := range nodes {
		nodes[i] = fmt.Sprintf("n%d", i)
	}
	c := NewExecutionContext("run", nodes)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				c.AppendMessage(Message{Node: node, Content: fmt.Sprint(j)})
				c.IncrementFailure(node)
				c.SetResult(node, j)
				_ = c.Messages()
				_ = c.Statuses()
			}
			c.SetStatus(node, StatusSucceeded)
		}(nodes[i])
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, c.MessageCount())
	assert.Equal(t, workers, c.CountStatus(StatusSucceeded))
	for _, n := range nodes {
		assert.Equal(t, perWorker, c.FailureCount(n))
		v, ok := c.Result(n)
		require.True(t, ok)
		assert.Equal(t, perWorker-1, v)
	}
	assert.Len(t, c.Results(), workers)
}

func TestNodeStatus_IsTerminal(t *testing.T) {
	t.Parallel()
	assert.True(t, StatusSucceeded.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCircuitOpen.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusRetrying.IsTerminal())
}
