package testutil

import (
	"context"
	"sync"

	"github.com/BaSui01/taskgraph/workflow"
)

// RecordingRunner 包装一个 TaskRunner，记录每次调用的节点名
type RecordingRunner struct {
	next workflow.TaskRunner

	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

// NewRecordingRunner 创建记录执行器，next 为 nil 时每次调用返回节点名
func NewRecordingRunner(next workflow.TaskRunner) *RecordingRunner {
	return &RecordingRunner{next: next, fail: make(map[string]error)}
}

// FailWith 让 node 的每次执行都返回 err，nil 取消注入
func (r *RecordingRunner) FailWith(node string, err error) *RecordingRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, node)
	} else {
		r.fail[node] = err
	}
	return r
}

// Execute 实现 workflow.TaskRunner
func (r *RecordingRunner) Execute(ctx context.Context, node workflow.Node, tc workflow.TaskContext) (any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, node.Name)
	err := r.fail[node.Name]
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if r.next == nil {
		return node.Name, nil
	}
	return r.next.Execute(ctx, node, tc)
}

// Calls 返回按调用顺序排列的节点名副本
func (r *RecordingRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count 返回 node 被调用的次数
func (r *RecordingRunner) Count(node string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == node {
			n++
		}
	}
	return n
}

var _ workflow.TaskRunner = (*RecordingRunner)(nil)
