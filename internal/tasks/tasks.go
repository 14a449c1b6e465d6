package tasks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/workflow"
)

// 内置任务名
const (
	Echo  = "echo"
	Sleep = "sleep"
	Fail  = "fail"
	Shell = "shell"
)

// ErrInjected is the error returned by the fail task.
var ErrInjected = errors.New("tasks: injected failure")

// Register adds every built-in task to reg.
func Register(reg *workflow.TaskRegistry, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	builtins := map[string]workflow.TaskRunner{
		Echo:  workflow.TaskRunnerFunc(echo),
		Sleep: workflow.TaskRunnerFunc(sleep),
		Fail:  NewFailTask(),
		Shell: NewShellTask(DefaultShellConfig(), logger),
	}
	for _, ref := range []string{Echo, Sleep, Fail, Shell} {
		if err := reg.Register(ref, builtins[ref]); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in tasks.
func NewRegistry(logger *zap.Logger) *workflow.TaskRegistry {
	reg := workflow.NewTaskRegistry()
	if err := Register(reg, logger); err != nil {
		// 空注册表上只会因编程错误失败
		panic(err)
	}
	return reg
}

func echo(ctx context.Context, node workflow.Node, tc workflow.TaskContext) (any, error) {
	content := node.Name
	if msg, ok := stringMeta(node, "message"); ok {
		content = msg
	}
	tc.AppendMessage(workflow.Message{
		Node:      node.Name,
		Content:   content,
		Timestamp: time.Now(),
	})
	return content, nil
}

func sleep(ctx context.Context, node workflow.Node, tc workflow.TaskContext) (any, error) {
	d, err := durationMeta(node, "duration")
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return d.String(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// =============================================================================
// fail
// =============================================================================

// FailTask fails the first metadata.times attempts of each node per run.
// Without metadata.times every attempt fails. Counters of runs idle longer
// than the retention are pruned.
type FailTask struct {
	mu        sync.Mutex
	attempts  map[string]*failCounter
	retention time.Duration
	now       func() time.Time
}

type failCounter struct {
	n    int
	last time.Time
}

// NewFailTask creates a fail task with empty counters.
func NewFailTask() *FailTask {
	return &FailTask{
		attempts:  make(map[string]*failCounter),
		retention: time.Hour,
		now:       time.Now,
	}
}

// Execute implements workflow.TaskRunner.
func (f *FailTask) Execute(ctx context.Context, node workflow.Node, tc workflow.TaskContext) (any, error) {
	times := -1
	if v, ok := node.Metadata["times"]; ok {
		n, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("node %s: metadata.times: %w", node.Name, err)
		}
		times = n
	}

	n := f.next(tc.RunID() + "/" + node.Name)
	if times < 0 || n <= times {
		return nil, fmt.Errorf("%w: node %s attempt %d", ErrInjected, node.Name, n)
	}
	return fmt.Sprintf("succeeded after %d failure(s)", times), nil
}

func (f *FailTask) next(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	for k, c := range f.attempts {
		if now.Sub(c.last) > f.retention {
			delete(f.attempts, k)
		}
	}
	c, ok := f.attempts[key]
	if !ok {
		c = &failCounter{}
		f.attempts[key] = c
	}
	c.n++
	c.last = now
	return c.n
}

// Tracked returns how many run/node counters are held.
func (f *FailTask) Tracked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

// =============================================================================
// metadata helpers
// =============================================================================

func stringMeta(node workflow.Node, key string) (string, bool) {
	v, ok := node.Metadata[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	return s, s != ""
}

// durationMeta accepts "1.5s" style strings or a number of milliseconds.
func durationMeta(node workflow.Node, key string) (time.Duration, error) {
	v, ok := node.Metadata[key]
	if !ok {
		return 0, fmt.Errorf("node %s: metadata.%s is required", node.Name, key)
	}
	var d time.Duration
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			ms, convErr := strconv.Atoi(val)
			if convErr != nil {
				return 0, fmt.Errorf("node %s: metadata.%s: %w", node.Name, key, err)
			}
			parsed = time.Duration(ms) * time.Millisecond
		}
		d = parsed
	default:
		ms, err := toInt(val)
		if err != nil {
			return 0, fmt.Errorf("node %s: metadata.%s: %w", node.Name, key, err)
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if d < 0 {
		return 0, fmt.Errorf("node %s: metadata.%s must not be negative", node.Name, key)
	}
	return d, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unsupported number type %T", v)
	}
}
