package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/api"
	"github.com/BaSui01/taskgraph/internal/runs"
	"github.com/BaSui01/taskgraph/types"
	"github.com/BaSui01/taskgraph/workflow"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// RunService 是 handlers 依赖的运行服务，*runs.Service 实现该接口
type RunService interface {
	Validate(def *workflow.GraphDefinition) (*workflow.Graph, error)
	Submit(ctx context.Context, req runs.SubmitRequest) (*runs.Snapshot, error)
	Get(ctx context.Context, runID string) (*runs.Snapshot, error)
	List(ctx context.Context, filter workflow.RunFilter) ([]*runs.Snapshot, error)
	Active() []*runs.Snapshot
	Cancel(ctx context.Context, runID string) error
	Subscribe(ctx context.Context, runID string) (<-chan workflow.Event, func(), error)

	SaveGraph(ctx context.Context, def *workflow.GraphDefinition) error
	GetGraph(ctx context.Context, name string) (*workflow.GraphDefinition, error)
	ListGraphs(ctx context.Context) ([]string, error)
	DeleteGraph(ctx context.Context, name string) error
}

var _ RunService = (*runs.Service)(nil)

// =============================================================================
// 🏃 Run Handler
// =============================================================================

// RunHandler 运行提交与查询接口
type RunHandler struct {
	svc    RunService
	logger *zap.Logger
}

// NewRunHandler 创建运行处理器
func NewRunHandler(svc RunService, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{svc: svc, logger: logger}
}

// HandleSubmit 处理 POST /api/v1/runs
// @Summary 提交运行
// @Description 校验图定义并异步执行，立即返回排队中的运行
// @Tags 运行
// @Accept json
// @Produce json
// @Param request body api.SubmitRunRequest true "运行请求"
// @Success 202 {object} Response "已受理"
// @Failure 400 {object} Response "图定义无效"
// @Failure 429 {object} Response "运行队列已满"
// @Router /api/v1/runs [post]
func (h *RunHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.SubmitRunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	snap, err := h.svc.Submit(r.Context(), runs.SubmitRequest{
		Graph:     req.Graph,
		GraphName: req.GraphName,
		RunID:     req.RunID,
		Messages:  req.WorkflowMessages(),
	})
	if err != nil {
		WriteRequestError(w, r, err, h.logger)
		return
	}

	w.Header().Set("Location", "/api/v1/runs/"+snap.RunID)
	WriteStatus(w, http.StatusAccepted, snap)
}

// HandleGet 处理 GET /api/v1/runs/{id}
// @Summary 查询运行
// @Tags 运行
// @Produce json
// @Param id path string true "运行 ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response "运行不存在"
// @Router /api/v1/runs/{id} [get]
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteRequestError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, snap)
}

// HandleList 处理 GET /api/v1/runs
// 查询参数：workflow、status、since（RFC3339）、limit；active=true 时只返回未结束的运行。
// @Summary 运行列表
// @Tags 运行
// @Produce json
// @Success 200 {object} Response
// @Router /api/v1/runs [get]
func (h *RunHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if active, _ := strconv.ParseBool(q.Get("active")); active {
		wf := q.Get("workflow")
		out := make([]*runs.Snapshot, 0)
		for _, s := range h.svc.Active() {
			if wf == "" || s.Workflow == wf {
				out = append(out, s)
			}
		}
		WriteSuccess(w, api.RunListResponse{Runs: out, Count: len(out)})
		return
	}

	filter, apiErr := parseRunFilter(q.Get("workflow"), q.Get("status"), q.Get("since"), q.Get("limit"))
	if apiErr != nil {
		writeError(w, r, apiErr, h.logger)
		return
	}
	list, err := h.svc.List(r.Context(), filter)
	if err != nil {
		WriteRequestError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, api.RunListResponse{Runs: list, Count: len(list)})
}

func parseRunFilter(wf, status, since, limit string) (workflow.RunFilter, *types.Error) {
	filter := workflow.RunFilter{Workflow: wf, Limit: defaultListLimit}

	switch workflow.RunStatus(status) {
	case "", workflow.RunSucceeded, workflow.RunFailed:
		filter.Status = workflow.RunStatus(status)
	default:
		return filter, types.NewError(types.ErrInvalidRequest, "status must be succeeded or failed").
			WithHTTPStatus(http.StatusBadRequest)
	}

	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, types.NewError(types.ErrInvalidRequest, "since must be an RFC3339 timestamp").
				WithCause(err).WithHTTPStatus(http.StatusBadRequest)
		}
		filter.Since = t
	}

	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return filter, types.NewError(types.ErrInvalidRequest, "limit must be a positive integer").
				WithHTTPStatus(http.StatusBadRequest)
		}
		filter.Limit = min(n, maxListLimit)
	}
	return filter, nil
}

// HandleCancel 处理 DELETE /api/v1/runs/{id}
// @Summary 取消运行
// @Tags 运行
// @Produce json
// @Param id path string true "运行 ID"
// @Success 202 {object} Response
// @Failure 404 {object} Response "运行不存在"
// @Failure 409 {object} Response "运行已结束"
// @Router /api/v1/runs/{id} [delete]
func (h *RunHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := h.svc.Cancel(r.Context(), runID); err != nil {
		WriteRequestError(w, r, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusAccepted, api.CancelRunResponse{RunID: runID, Status: "cancelling"})
}
