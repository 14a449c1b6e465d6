package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/workflow"
)

// HitRecorder 接收缓存命中统计，*metrics.Collector 实现该接口
type HitRecorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

const resultCacheType = "run_result"

// ResultCache 将运行结果快照缓存在 Redis 中。
//
// next 为持久化存储（例如数据库），可以为 nil；为 nil 时 Redis 即唯一存储，
// 结果在 TTL 后过期。写入先落 next 再写缓存；读取先查缓存，未命中再回源并回填。
type ResultCache struct {
	m       *Manager
	next    workflow.RunStore
	metrics HitRecorder
	logger  *zap.Logger
}

// NewResultCache 创建结果缓存
func NewResultCache(m *Manager, next workflow.RunStore, metrics HitRecorder) *ResultCache {
	return &ResultCache{
		m:       m,
		next:    next,
		metrics: metrics,
		logger:  m.logger.With(zap.String("cache", resultCacheType)),
	}
}

func (c *ResultCache) runKey(id string) string { return c.m.Key("run", id) }
func (c *ResultCache) indexKey() string        { return c.m.Key("runs") }

// SaveRun implements workflow.RunStore.
func (c *ResultCache) SaveRun(ctx context.Context, result *workflow.WorkflowResult) error {
	if result == nil || result.RunID == "" {
		return errors.New("cache: run result without id")
	}
	if c.next == nil {
		return c.put(ctx, result)
	}
	if err := c.next.SaveRun(ctx, result); err != nil {
		return err
	}
	// 已持久化，缓存写入失败只影响读性能
	if err := c.put(ctx, result); err != nil {
		c.logger.Warn("result cache write failed", zap.String("run_id", result.RunID), zap.Error(err))
	}
	return nil
}

// put 在一个事务中写入快照并登记到按开始时间排序的索引
func (c *ResultCache) put(ctx context.Context, result *workflow.WorkflowResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", result.RunID, err)
	}
	score := float64(result.StartedAt.UnixNano())
	err = c.m.txPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.runKey(result.RunID), data, c.m.TTL())
		p.ZAdd(ctx, c.indexKey(), redis.Z{Score: score, Member: result.RunID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache run %s: %w", result.RunID, err)
	}
	return nil
}

// GetRun implements workflow.RunStore.
func (c *ResultCache) GetRun(ctx context.Context, runID string) (*workflow.WorkflowResult, error) {
	var result workflow.WorkflowResult
	err := c.m.getJSON(ctx, c.runKey(runID), &result)
	if err == nil {
		c.hit()
		return &result, nil
	}
	if !IsCacheMiss(err) {
		c.logger.Warn("result cache read failed", zap.String("run_id", runID), zap.Error(err))
	}
	c.miss()

	if c.next == nil {
		return nil, workflow.ErrRunNotFound
	}
	r, err := c.next.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := c.put(ctx, r); err != nil {
		c.logger.Warn("result cache backfill failed", zap.String("run_id", runID), zap.Error(err))
	}
	return r, nil
}

// ListRuns implements workflow.RunStore. With a backing store the listing is
// delegated to it; otherwise the Redis index is scanned newest first and
// entries whose snapshot already expired are pruned.
func (c *ResultCache) ListRuns(ctx context.Context, filter workflow.RunFilter) ([]*workflow.WorkflowResult, error) {
	if c.next != nil {
		return c.next.ListRuns(ctx, filter)
	}

	min := "-inf"
	if !filter.Since.IsZero() {
		min = strconv.FormatInt(filter.Since.UnixNano(), 10)
	}
	ids, err := c.m.Redis().ZRevRangeByScore(ctx, c.indexKey(), &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	out := make([]*workflow.WorkflowResult, 0, len(ids))
	for _, id := range ids {
		var r workflow.WorkflowResult
		if err := c.m.getJSON(ctx, c.runKey(id), &r); err != nil {
			if IsCacheMiss(err) {
				c.m.Redis().ZRem(ctx, c.indexKey(), id)
				continue
			}
			return nil, err
		}
		if filter.Workflow != "" && r.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, &r)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (c *ResultCache) hit() {
	if c.metrics != nil {
		c.metrics.RecordCacheHit(resultCacheType)
	}
}

func (c *ResultCache) miss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(resultCacheType)
	}
}

var _ workflow.RunStore = (*ResultCache)(nil)
