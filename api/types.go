package api

import (
	"github.com/BaSui01/taskgraph/internal/runs"
	"github.com/BaSui01/taskgraph/workflow"
)

// =============================================================================
// 运行类型
// =============================================================================

// SubmitRunRequest 提交运行请求。graph 与 graph_name 二选一，graph 优先。
// @Description 提交运行请求结构
type SubmitRunRequest struct {
	// 内联图定义
	Graph *workflow.GraphDefinition `json:"graph,omitempty"`
	// 已保存的图名称
	GraphName string `json:"graph_name,omitempty" example:"nightly-etl"`
	// 指定运行 ID，缺省时生成 UUID
	RunID string `json:"run_id,omitempty" example:"run-20260101-1"`
	// 初始消息
	Messages []MessageInput `json:"messages,omitempty"`
}

// MessageInput 初始消息
type MessageInput struct {
	Node     string         `json:"node,omitempty"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// WorkflowMessages 转换为执行器消息
func (r *SubmitRunRequest) WorkflowMessages() []workflow.Message {
	if len(r.Messages) == 0 {
		return nil
	}
	out := make([]workflow.Message, len(r.Messages))
	for i, m := range r.Messages {
		out[i] = workflow.Message{Node: m.Node, Content: m.Content, Metadata: m.Metadata}
	}
	return out
}

// RunListResponse 运行列表
type RunListResponse struct {
	Runs  []*runs.Snapshot `json:"runs"`
	Count int              `json:"count"`
}

// CancelRunResponse 取消运行的应答
type CancelRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status" example:"cancelling"`
}

// =============================================================================
// 图类型
// =============================================================================

// ValidateGraphResponse 图校验结果。校验失败时 valid 为 false 并附带错误。
type ValidateGraphResponse struct {
	Valid   bool     `json:"valid"`
	Name    string   `json:"name,omitempty"`
	Entry   string   `json:"entry,omitempty"`
	Nodes   []string `json:"nodes,omitempty"`
	Edges   int      `json:"edges"`
	Code    string   `json:"code,omitempty" example:"GRAPH_INVALID"`
	Message string   `json:"message,omitempty"`
}

// GraphListResponse 已保存的图名称
type GraphListResponse struct {
	Graphs []string `json:"graphs"`
}
