package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/internal/cache"
	"github.com/BaSui01/taskgraph/internal/runs"
	"github.com/BaSui01/taskgraph/workflow"
)

const (
	eventWriteTimeout = 5 * time.Second
	replayBlock       = 5 * time.Second
	replayBatch       = 100

	finishPollInterval = 50 * time.Millisecond
	finishPollTimeout  = 2 * time.Second
)

// EventReplayer 从持久化的事件流读取运行事件，*cache.EventStream 实现该接口
type EventReplayer interface {
	Read(ctx context.Context, runID, afterID string, count int64, block time.Duration) ([]cache.StreamEntry, error)
}

// =============================================================================
// 📡 Events Handler
// =============================================================================

// EventsHandler 通过 WebSocket 推送运行事件，每帧一个 JSON 编码的 workflow.Event，
// 最后一帧总是 workflow_completed。
//
// 配置了 Redis 时从事件流回放，连接前已发生的事件也能收到；
// 否则订阅进程内 Hub，只能收到连接之后的事件。
type EventsHandler struct {
	svc      RunService
	replay   EventReplayer
	logger   *zap.Logger
	patterns []string
}

// NewEventsHandler 创建事件处理器，replay 可为 nil
func NewEventsHandler(svc RunService, replay EventReplayer, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{svc: svc, replay: replay, logger: logger}
}

// WithOriginPatterns 允许跨域升级的 Origin
func (h *EventsHandler) WithOriginPatterns(patterns ...string) *EventsHandler {
	h.patterns = patterns
	return h
}

// HandleEvents 处理 GET /api/v1/runs/{id}/events
// @Summary 运行事件（WebSocket）
// @Tags 运行
// @Param id path string true "运行 ID"
// @Success 101
// @Failure 404 {object} Response "运行不存在"
// @Router /api/v1/runs/{id}/events [get]
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var (
		live   <-chan workflow.Event
		cancel = func() {}
	)
	if h.replay == nil {
		ch, unsubscribe, err := h.svc.Subscribe(r.Context(), runID)
		if err != nil {
			WriteRequestError(w, r, err, h.logger)
			return
		}
		live, cancel = ch, unsubscribe
		// 早已结束的运行不会再有事件
		if snap, err := h.svc.Get(r.Context(), runID); err == nil && snap.Done() {
			live = nil
		}
	} else if _, err := h.svc.Get(r.Context(), runID); err != nil {
		WriteRequestError(w, r, err, h.logger)
		return
	}
	defer cancel()

	// 长连接不受服务器 WriteTimeout 限制
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.patterns})
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 只写不读；CloseRead 在客户端断开时取消 ctx
	ctx := conn.CloseRead(r.Context())

	if h.replay != nil {
		err = h.streamReplay(ctx, conn, runID)
	} else {
		err = h.streamLive(ctx, conn, runID, live)
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			h.logger.Debug("event stream ended", zap.String("run_id", runID), zap.Error(err))
		}
		return
	}
	conn.Close(websocket.StatusNormalClosure, "run completed")
}

func (h *EventsHandler) streamLive(ctx context.Context, conn *websocket.Conn, runID string, ch <-chan workflow.Event) error {
	if ch == nil {
		return h.finish(ctx, conn, runID)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return h.finish(ctx, conn, runID)
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				return err
			}
			if e.Type == workflow.EventWorkflowCompleted {
				return nil
			}
		}
	}
}

func (h *EventsHandler) streamReplay(ctx context.Context, conn *websocket.Conn, runID string) error {
	lastID := "0"
	for {
		entries, err := h.replay.Read(ctx, runID, lastID, replayBatch, replayBlock)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			lastID = entry.ID
			if err := writeEvent(ctx, conn, entry.Event); err != nil {
				return err
			}
			if entry.Event.Type == workflow.EventWorkflowCompleted {
				return nil
			}
		}
		if len(entries) > 0 {
			continue
		}

		// 流为空或已过期，运行已结束时用存储的结果收尾
		snap, err := h.svc.Get(ctx, runID)
		if err != nil {
			return err
		}
		if snap.Done() {
			return writeEvent(ctx, conn, completionEvent(snap))
		}
	}
}

// finish 在没有收到完成事件时（事件被丢弃或运行早已结束）用存储的结果补发。
// 完成事件可能先于结果落库到达，这里短暂轮询。
func (h *EventsHandler) finish(ctx context.Context, conn *websocket.Conn, runID string) error {
	ticker := time.NewTicker(finishPollInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(finishPollTimeout)

	for {
		snap, err := h.svc.Get(ctx, runID)
		if err != nil {
			return err
		}
		if snap.Done() || time.Now().After(deadline) {
			return writeEvent(ctx, conn, completionEvent(snap))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func completionEvent(snap *runs.Snapshot) workflow.Event {
	e := workflow.Event{
		Type:      workflow.EventWorkflowCompleted,
		RunID:     snap.RunID,
		Workflow:  snap.Workflow,
		Status:    string(snap.Status),
		Timestamp: time.Now(),
	}
	if snap.Result != nil {
		e.Duration = snap.Result.Duration()
		e.Timestamp = snap.Result.CompletedAt
	}
	return e
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e workflow.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}
