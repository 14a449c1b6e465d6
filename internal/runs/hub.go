package runs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/taskgraph/workflow"
)

const (
	defaultSubscriberBuffer = 64
	completedRetention      = 5 * time.Minute
)

// Hub 按 RunID 分发事件给进程内订阅者（WebSocket 连接等）。
// 订阅者读取过慢时事件被丢弃并计数；收到 workflow_completed 后关闭通道。
type Hub struct {
	mu        sync.Mutex
	subs      map[string]map[*subscriber]struct{}
	completed map[string]time.Time
	buffer    int
	dropped   atomic.Int64
	now       func() time.Time
}

type subscriber struct {
	ch chan workflow.Event
}

// NewHub 创建 Hub，buffer < 1 时使用默认值
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subs:      make(map[string]map[*subscriber]struct{}),
		completed: make(map[string]time.Time),
		buffer:    buffer,
		now:       time.Now,
	}
}

// Subscribe 订阅 runID 的事件。对已完成的运行返回已关闭的通道。
// 返回的 cancel 可重复调用。
func (h *Hub) Subscribe(runID string) (<-chan workflow.Event, func()) {
	sub := &subscriber{ch: make(chan workflow.Event, h.buffer)}

	h.mu.Lock()
	if _, done := h.completed[runID]; done {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	set, ok := h.subs[runID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[runID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { h.unsubscribe(runID, sub) })
	}
}

func (h *Hub) unsubscribe(runID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[runID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(h.subs, runID)
	}
}

// Emit implements workflow.Sink.
func (h *Hub) Emit(e workflow.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[e.RunID] {
		select {
		case sub.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}

	if e.Type != workflow.EventWorkflowCompleted {
		return
	}
	for sub := range h.subs[e.RunID] {
		close(sub.ch)
	}
	delete(h.subs, e.RunID)

	now := h.now()
	h.completed[e.RunID] = now
	for id, at := range h.completed {
		if now.Sub(at) > completedRetention {
			delete(h.completed, id)
		}
	}
}

// Subscribers 返回 runID 当前的订阅者数量
func (h *Hub) Subscribers(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}

// Dropped 返回因订阅者缓冲区满而丢弃的事件数
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

var _ workflow.Sink = (*Hub)(nil)
