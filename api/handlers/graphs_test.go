package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskgraph/api"
	"github.com/BaSui01/taskgraph/internal/pool"
	"github.com/BaSui01/taskgraph/types"
	"github.com/BaSui01/taskgraph/workflow"
)

const echoGraphYAML = `name: greet-yaml
nodes:
  - name: first
    task_ref: echo
  - name: second
    task_ref: echo
edges:
  - source: first
    target: second
    condition:
      type: message_count
      threshold: 1
      operator: ">="
`

func TestGraphHandler_Validate(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, pool.DefaultConfig(), nil, nil)

	w := a.do(t, http.MethodPost, "/api/v1/graphs/validate", "application/json", echoGraphJSON)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ok api.ValidateGraphResponse
	decodeData(t, w, &ok)
	assert.True(t, ok.Valid)
	assert.Equal(t, "hello", ok.Entry)
	assert.Equal(t, []string{"hello", "bye"}, ok.Nodes)
	assert.Equal(t, 1, ok.Edges)

	w = a.do(t, http.MethodPost, "/api/v1/graphs/validate", "application/yaml", echoGraphYAML)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var fromYAML api.ValidateGraphResponse
	decodeData(t, w, &fromYAML)
	assert.True(t, fromYAML.Valid)
	assert.Equal(t, "greet-yaml", fromYAML.Name)

	cyclic := `{"name": "loop", "nodes": [{"name": "a"}, {"name": "b"}], "edges": [{"source": "a", "target": "b"}, {"source": "b", "target": "a"}]}`
	w = a.do(t, http.MethodPost, "/api/v1/graphs/validate", "application/json", cyclic)
	require.Equal(t, http.StatusOK, w.Code)
	var bad api.ValidateGraphResponse
	decodeData(t, w, &bad)
	assert.False(t, bad.Valid)
	assert.Equal(t, string(types.ErrGraphInvalid), bad.Code)
	assert.NotEmpty(t, bad.Message)

	w = a.do(t, http.MethodPost, "/api/v1/graphs/validate", "application/yaml", "nodes: [")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGraphHandler_CRUD(t *testing.T) {
	t.Parallel()
	a := newTestAPI(t, pool.DefaultConfig(), nil, nil)

	w := a.do(t, http.MethodPost, "/api/v1/graphs", "application/json", echoGraphJSON)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/api/v1/graphs/greet", w.Header().Get("Location"))

	w = a.do(t, http.MethodPost, "/api/v1/graphs", "application/x-yaml", echoGraphYAML)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = a.do(t, http.MethodGet, "/api/v1/graphs", "", "")
	var list api.GraphListResponse
	decodeData(t, w, &list)
	assert.Equal(t, []string{"greet", "greet-yaml"}, list.Graphs)

	w = a.do(t, http.MethodGet, "/api/v1/graphs/greet-yaml", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var def workflow.GraphDefinition
	decodeData(t, w, &def)
	require.Len(t, def.Edges, 1)
	require.NotNil(t, def.Edges[0].Condition)
	assert.Equal(t, "message_count", def.Edges[0].Condition.Type)

	w = a.do(t, http.MethodGet, "/api/v1/graphs/greet?format=yaml", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/yaml")
	back, err := workflow.ParseDefinitionYAML(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "greet", back.Name)

	// 保存的图可按名称提交
	w = a.do(t, http.MethodPost, "/api/v1/runs", "application/json", `{"graph_name": "greet", "run_id": "by-name"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	waitRunDone(t, a, "by-name")

	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodDelete, "/api/v1/graphs/greet", "", "").Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodDelete, "/api/v1/graphs/greet", "", "").Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/v1/graphs/greet", "", "").Code)

	invalid := `{"name": "bad", "nodes": []}`
	w = a.do(t, http.MethodPost, "/api/v1/graphs", "application/json", invalid)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIsYAML(t *testing.T) {
	t.Parallel()
	assert.True(t, isYAML("application/yaml"))
	assert.True(t, isYAML("text/yaml; charset=utf-8"))
	assert.False(t, isYAML("application/json"))
	assert.False(t, isYAML(""))
}
