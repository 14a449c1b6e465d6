package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/workflow"
)

// EventStream 将生命周期事件追加到 Redis Stream，每个运行一个 stream。
// Emit 由 AsyncSink 调用，写入失败只记录日志。
type EventStream struct {
	m       *Manager
	timeout time.Duration
	logger  *zap.Logger
}

// NewEventStream 创建事件流 Sink
func NewEventStream(m *Manager) *EventStream {
	return &EventStream{
		m:       m,
		timeout: 2 * time.Second,
		logger:  m.logger.With(zap.String("sink", "redis_stream")),
	}
}

// StreamKey 返回运行对应的 stream 键
func (s *EventStream) StreamKey(runID string) string { return s.m.Key("events", runID) }

// Emit implements workflow.Sink.
func (s *EventStream) Emit(e workflow.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("marshal event failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	key := s.StreamKey(e.RunID)
	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{"type": string(e.Type), "event": data},
	}
	if n := s.m.cfg.StreamMaxLen; n > 0 {
		args.MaxLen = n
		args.Approx = true
	}
	// 运行结束后整条流按 TTL 过期
	expire := e.Type == workflow.EventWorkflowCompleted && s.m.TTL() > 0
	err = s.m.txPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, args)
		if expire {
			p.Expire(ctx, key, s.m.TTL())
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("append event failed",
			zap.String("run_id", e.RunID),
			zap.String("type", string(e.Type)),
			zap.Error(err))
	}
}

// StreamEntry 是 stream 中的一条事件
type StreamEntry struct {
	ID    string
	Event workflow.Event
}

// Read 返回 afterID 之后的事件；afterID 为空时从头读取。
// block > 0 时最多等待 block 时长以获取新事件。
func (s *EventStream) Read(ctx context.Context, runID, afterID string, count int64, block time.Duration) ([]StreamEntry, error) {
	if afterID == "" {
		afterID = "0"
	}
	if count <= 0 {
		count = 100
	}
	args := &redis.XReadArgs{
		Streams: []string{s.StreamKey(runID), afterID},
		Count:   count,
		Block:   block,
	}
	if block <= 0 {
		args.Block = -1
	}
	res, err := s.m.Redis().XRead(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read events for %s: %w", runID, err)
	}

	var out []StreamEntry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			raw, _ := msg.Values["event"].(string)
			var e workflow.Event
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				s.logger.Warn("skip malformed event", zap.String("id", msg.ID), zap.Error(err))
				continue
			}
			out = append(out, StreamEntry{ID: msg.ID, Event: e})
		}
	}
	return out, nil
}

var _ workflow.Sink = (*EventStream)(nil)
