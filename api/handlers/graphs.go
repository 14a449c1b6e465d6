package handlers

import (
	"io"
	"mime"
	"net/http"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/taskgraph/api"
	"github.com/BaSui01/taskgraph/types"
	"github.com/BaSui01/taskgraph/workflow"
)

// =============================================================================
// 🗺️ Graph Handler
// =============================================================================

// GraphHandler 图定义的校验与存储接口。请求体支持 JSON 与 YAML。
type GraphHandler struct {
	svc    RunService
	logger *zap.Logger
}

// NewGraphHandler 创建图处理器
func NewGraphHandler(svc RunService, logger *zap.Logger) *GraphHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphHandler{svc: svc, logger: logger}
}

func isYAML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		return true
	}
	return false
}

// decodeGraph 按 Content-Type 解析图定义，失败时已写出错误响应
func (h *GraphHandler) decodeGraph(w http.ResponseWriter, r *http.Request) (*workflow.GraphDefinition, bool) {
	if !isYAML(r.Header.Get("Content-Type")) {
		if !ValidateContentType(w, r, h.logger) {
			return nil, false
		}
		var def workflow.GraphDefinition
		if err := DecodeJSONBody(w, r, &def, h.logger); err != nil {
			return nil, false
		}
		return &def, true
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, types.NewError(types.ErrInvalidRequest, "failed to read request body").
			WithCause(err).WithHTTPStatus(http.StatusRequestEntityTooLarge), h.logger)
		return nil, false
	}
	def, err := workflow.ParseDefinitionYAML(data)
	if err != nil {
		writeError(w, r, types.NewError(types.ErrInvalidRequest, "invalid YAML body").
			WithCause(err).WithHTTPStatus(http.StatusBadRequest), h.logger)
		return nil, false
	}
	return def, true
}

// HandleValidate 处理 POST /api/v1/graphs/validate
// 校验失败同样返回 200，valid=false 并附带错误码。
// @Summary 校验图定义
// @Tags 图
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Router /api/v1/graphs/validate [post]
func (h *GraphHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	def, ok := h.decodeGraph(w, r)
	if !ok {
		return
	}

	g, err := h.svc.Validate(def)
	if err != nil {
		apiErr := types.FromWorkflowError(err)
		WriteSuccess(w, api.ValidateGraphResponse{
			Valid:   false,
			Name:    def.Name,
			Code:    string(apiErr.Code),
			Message: err.Error(),
		})
		return
	}
	WriteSuccess(w, api.ValidateGraphResponse{
		Valid: true,
		Name:  g.Name(),
		Entry: g.Entry(),
		Nodes: g.NodeNames(),
		Edges: len(g.Edges()),
	})
}

// HandleSave 处理 POST /api/v1/graphs，同名定义会被覆盖
// @Summary 保存图定义
// @Tags 图
// @Accept json
// @Produce json
// @Success 201 {object} Response
// @Failure 400 {object} Response "图定义无效"
// @Router /api/v1/graphs [post]
func (h *GraphHandler) HandleSave(w http.ResponseWriter, r *http.Request) {
	def, ok := h.decodeGraph(w, r)
	if !ok {
		return
	}
	if err := h.svc.SaveGraph(r.Context(), def); err != nil {
		WriteRequestError(w, r, err, h.logger)
		return
	}
	w.Header().Set("Location", "/api/v1/graphs/"+def.Name)
	WriteStatus(w, http.StatusCreated, def)
}

// HandleGet 处理 GET /api/v1/graphs/{name}，format=yaml 时返回 YAML 原文
// @Summary 查询图定义
// @Tags 图
// @Produce json
// @Param name path string true "图名称"
// @Success 200 {object} Response
// @Failure 404 {object} Response "图不存在"
// @Router /api/v1/graphs/{name} [get]
func (h *GraphHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	def, err := h.svc.GetGraph(r.Context(), r.PathValue("name"))
	if err != nil {
		WriteRequestError(w, r, err, h.logger)
		return
	}

	if r.URL.Query().Get("format") == "yaml" {
		data, err := yaml.Marshal(def)
		if err != nil {
			WriteRequestError(w, r, err, h.logger)
			return
		}
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	WriteSuccess(w, def)
}

// HandleList 处理 GET /api/v1/graphs
// @Summary 图定义列表
// @Tags 图
// @Produce json
// @Success 200 {object} Response
// @Router /api/v1/graphs [get]
func (h *GraphHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	names, err := h.svc.ListGraphs(r.Context())
	if err != nil {
		WriteRequestError(w, r, err, h.logger)
		return
	}
	if names == nil {
		names = []string{}
	}
	WriteSuccess(w, api.GraphListResponse{Graphs: names})
}

// HandleDelete 处理 DELETE /api/v1/graphs/{name}
// @Summary 删除图定义
// @Tags 图
// @Param name path string true "图名称"
// @Success 204
// @Failure 404 {object} Response "图不存在"
// @Router /api/v1/graphs/{name} [delete]
func (h *GraphHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteGraph(r.Context(), r.PathValue("name")); err != nil {
		WriteRequestError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
