package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/taskgraph/workflow"
)

// =============================================================================
// 📜 运行历史存储
// =============================================================================

// RunRecord 对应 runs 表，Snapshot 保存完整的 WorkflowResult JSON
type RunRecord struct {
	ID          string    `gorm:"primaryKey;size:64"`
	Workflow    string    `gorm:"size:255;index"`
	Status      string    `gorm:"size:32;index"`
	Snapshot    string    `gorm:"type:text"`
	StartedAt   time.Time `gorm:"index"`
	CompletedAt time.Time
	DurationMs  int64
}

// TableName 表名
func (RunRecord) TableName() string { return "runs" }

// AttemptRecord 对应 node_attempts 表
type AttemptRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	RunID      string `gorm:"size:64;index"`
	Node       string `gorm:"size:255"`
	Attempt    int
	Iteration  int
	Status     string `gorm:"size:32"`
	StartedAt  time.Time
	DurationMs int64
	Error      string `gorm:"type:text"`
}

// TableName 表名
func (AttemptRecord) TableName() string { return "node_attempts" }

// GraphRecord 对应 graphs 表，Definition 保存 GraphDefinition JSON
type GraphRecord struct {
	Name       string `gorm:"primaryKey;size:255"`
	Definition string `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName 表名
func (GraphRecord) TableName() string { return "graphs" }

// ErrGraphNotFound 图定义不存在，与 workflow.ErrGraphNotFound 相同
var ErrGraphNotFound = workflow.ErrGraphNotFound

// QueryRecorder 接收查询耗时，*metrics.Collector 实现该接口
type QueryRecorder interface {
	RecordDBQuery(database, operation string, duration time.Duration)
}

// Transactor 在事务中执行 fn，*Pool 实现该接口并附带冲突重试
type Transactor interface {
	Tx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type plainTx struct{ db *gorm.DB }

func (p plainTx) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return p.db.WithContext(ctx).Transaction(fn)
}

// HistoryStore 基于 GORM 的运行历史与图定义存储，实现 workflow.RunStore
type HistoryStore struct {
	db      *gorm.DB
	tx      Transactor
	metrics QueryRecorder
	logger  *zap.Logger
}

// NewHistoryStore 创建历史存储；metrics 可以为 nil
func NewHistoryStore(db *gorm.DB, metrics QueryRecorder, logger *zap.Logger) *HistoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryStore{
		db:      db,
		tx:      plainTx{db},
		metrics: metrics,
		logger:  logger.With(zap.String("component", "history_store")),
	}
}

// WithTransactor 替换写入事务的执行方式
func (s *HistoryStore) WithTransactor(t Transactor) *HistoryStore {
	if t != nil {
		s.tx = t
	}
	return s
}

// AutoMigrate 按 GORM 模型建表，供测试使用；服务启动时由 internal/migration 执行 SQL 迁移
func (s *HistoryStore) AutoMigrate() error {
	return s.db.AutoMigrate(&RunRecord{}, &AttemptRecord{}, &GraphRecord{})
}

func (s *HistoryStore) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(s.db.Dialector.Name(), op, time.Since(start))
	}
}

// SaveRun implements workflow.RunStore. The run row and its attempts are
// replaced in one transaction.
func (s *HistoryStore) SaveRun(ctx context.Context, result *workflow.WorkflowResult) error {
	if result == nil || result.RunID == "" {
		return errors.New("history: run result without id")
	}
	defer s.observe("save_run", time.Now())

	snapshot, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", result.RunID, err)
	}

	rec := RunRecord{
		ID:          result.RunID,
		Workflow:    result.Workflow,
		Status:      string(result.Status),
		Snapshot:    string(snapshot),
		StartedAt:   result.StartedAt.UTC(),
		CompletedAt: result.CompletedAt.UTC(),
		DurationMs:  result.Duration().Milliseconds(),
	}
	attempts := make([]AttemptRecord, 0, len(result.Attempts))
	for _, a := range result.Attempts {
		attempts = append(attempts, AttemptRecord{
			RunID:      result.RunID,
			Node:       a.Node,
			Attempt:    a.Attempt,
			Iteration:  a.Iteration,
			Status:     string(a.Status),
			StartedAt:  a.StartedAt.UTC(),
			DurationMs: a.Duration.Milliseconds(),
			Error:      a.Error,
		})
	}

	err = s.tx.Tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", result.RunID).Delete(&AttemptRecord{}).Error; err != nil {
			return err
		}
		if len(attempts) > 0 {
			return tx.CreateInBatches(attempts, 100).Error
		}
		return nil
	})
	if err != nil {
		s.logger.Error("save run failed", zap.String("run_id", result.RunID), zap.Error(err))
		return fmt.Errorf("save run %s: %w", result.RunID, err)
	}
	return nil
}

// GetRun implements workflow.RunStore.
func (s *HistoryStore) GetRun(ctx context.Context, runID string) (*workflow.WorkflowResult, error) {
	defer s.observe("get_run", time.Now())

	var rec RunRecord
	err := s.db.WithContext(ctx).Where("id = ?", runID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, workflow.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return decodeRun(rec)
}

// ListRuns implements workflow.RunStore.
func (s *HistoryStore) ListRuns(ctx context.Context, filter workflow.RunFilter) ([]*workflow.WorkflowResult, error) {
	defer s.observe("list_runs", time.Now())

	q := s.db.WithContext(ctx).Model(&RunRecord{})
	if filter.Workflow != "" {
		q = q.Where("workflow = ?", filter.Workflow)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		q = q.Where("started_at >= ?", filter.Since.UTC())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []RunRecord
	if err := q.Order("started_at DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	out := make([]*workflow.WorkflowResult, 0, len(recs))
	for _, rec := range recs {
		r, err := decodeRun(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Attempts 返回运行的节点尝试记录，按写入顺序
func (s *HistoryStore) Attempts(ctx context.Context, runID string) ([]workflow.NodeAttempt, error) {
	defer s.observe("list_attempts", time.Now())

	var recs []AttemptRecord
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", runID, err)
	}
	out := make([]workflow.NodeAttempt, len(recs))
	for i, r := range recs {
		out[i] = workflow.NodeAttempt{
			Node:      r.Node,
			Attempt:   r.Attempt,
			Iteration: r.Iteration,
			Status:    workflow.AttemptStatus(r.Status),
			StartedAt: r.StartedAt,
			Duration:  time.Duration(r.DurationMs) * time.Millisecond,
			Error:     r.Error,
		}
	}
	return out, nil
}

func decodeRun(rec RunRecord) (*workflow.WorkflowResult, error) {
	var r workflow.WorkflowResult
	if err := json.Unmarshal([]byte(rec.Snapshot), &r); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", rec.ID, err)
	}
	return &r, nil
}

// =============================================================================
// 🗺️ 图定义
// =============================================================================

// SaveGraph 保存或覆盖图定义
func (s *HistoryStore) SaveGraph(ctx context.Context, def *workflow.GraphDefinition) error {
	if def == nil || def.Name == "" {
		return errors.New("history: graph definition without name")
	}
	defer s.observe("save_graph", time.Now())

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal graph %s: %w", def.Name, err)
	}
	rec := GraphRecord{Name: def.Name, Definition: string(data)}

	var existing GraphRecord
	err = s.db.WithContext(ctx).Where("name = ?", def.Name).First(&existing).Error
	switch {
	case err == nil:
		rec.CreatedAt = existing.CreatedAt
		err = s.db.WithContext(ctx).Save(&rec).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		err = s.db.WithContext(ctx).Create(&rec).Error
	}
	if err != nil {
		return fmt.Errorf("save graph %s: %w", def.Name, err)
	}
	return nil
}

// GetGraph 读取图定义
func (s *HistoryStore) GetGraph(ctx context.Context, name string) (*workflow.GraphDefinition, error) {
	defer s.observe("get_graph", time.Now())

	var rec GraphRecord
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGraphNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get graph %s: %w", name, err)
	}
	var def workflow.GraphDefinition
	if err := json.Unmarshal([]byte(rec.Definition), &def); err != nil {
		return nil, fmt.Errorf("decode graph %s: %w", name, err)
	}
	return &def, nil
}

// ListGraphs 返回所有图名称，按名称排序
func (s *HistoryStore) ListGraphs(ctx context.Context) ([]string, error) {
	defer s.observe("list_graphs", time.Now())

	var names []string
	if err := s.db.WithContext(ctx).Model(&GraphRecord{}).Order("name ASC").Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	return names, nil
}

// DeleteGraph 删除图定义
func (s *HistoryStore) DeleteGraph(ctx context.Context, name string) error {
	defer s.observe("delete_graph", time.Now())

	res := s.db.WithContext(ctx).Where("name = ?", name).Delete(&GraphRecord{})
	if res.Error != nil {
		return fmt.Errorf("delete graph %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrGraphNotFound
	}
	return nil
}

var _ workflow.RunStore = (*HistoryStore)(nil)
