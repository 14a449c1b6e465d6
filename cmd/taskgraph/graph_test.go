package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskgraph/workflow"
)

const reviewYAML = `name: review
nodes:
  - name: writer
    task_ref: echo
    metadata:
      message: draft v1
  - name: editor
    task_ref: echo
    metadata:
      message: draft v2
  - name: reviewer
    task_ref: echo
edges:
  - source: writer
    target: editor
  - source: editor
    target: reviewer
    condition:
      type: content
      pattern: draft
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCmdRun_Text(t *testing.T) {
	path := writeFile(t, "review.yaml", reviewYAML)

	var out, errOut bytes.Buffer
	code := cmdRun([]string{"--graph", path, "--run-id", "cli-1", "--message", "brief"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	text := out.String()
	assert.Contains(t, text, "run cli-1 (review): succeeded")
	assert.Contains(t, text, "[-] brief")
	assert.Contains(t, text, "[writer] draft v1")
	assert.Contains(t, text, "[editor] draft v2")
	assert.Contains(t, text, "[reviewer] reviewer")
}

func TestCmdRun_JSONAndFailure(t *testing.T) {
	path := writeFile(t, "flaky.json", `{
		"name": "flaky",
		"nodes": [
			{"name": "boom", "task_ref": "fail"}
		]
	}`)

	var out, errOut bytes.Buffer
	code := cmdRun([]string{"--graph", path, "--output", "json"}, &out, &errOut)
	assert.Equal(t, 1, code)

	var result workflow.WorkflowResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, workflow.RunFailed, result.Status)
	assert.Equal(t, workflow.StatusFailed, result.NodeStatus["boom"])
}

func TestCmdRun_InvalidGraph(t *testing.T) {
	path := writeFile(t, "bad.yaml", "name: bad\nnodes: []\n")

	var out, errOut bytes.Buffer
	assert.Equal(t, 1, cmdRun([]string{"--graph", path}, &out, &errOut))
	assert.Contains(t, errOut.String(), "GRAPH_INVALID")
	assert.Empty(t, out.String())

	assert.Equal(t, 1, cmdRun(nil, &out, &errOut))
	assert.Contains(t, errOut.String(), "--graph is required")
}

func TestCmdValidate(t *testing.T) {
	path := writeFile(t, "review.yaml", reviewYAML)

	var out, errOut bytes.Buffer
	require.Equal(t, 0, cmdValidate([]string{"--graph", path}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), `graph "review" is valid: 3 nodes, 2 edges, entry "writer"`)

	cyclic := writeFile(t, "loop.json",
		`{"name": "loop", "nodes": [{"name": "a"}], "edges": [{"source": "a", "target": "a"}]}`)
	errOut.Reset()
	assert.Equal(t, 1, cmdValidate([]string{"--graph", cyclic}, &out, &errOut))
	assert.Contains(t, errOut.String(), "GRAPH_INVALID")

	assert.Equal(t, 1, cmdValidate([]string{"--graph", "graph.txt"}, &out, &errOut))
}

func TestCmdExport(t *testing.T) {
	path := writeFile(t, "review.yaml", reviewYAML)

	var out, errOut bytes.Buffer
	require.Equal(t, 0, cmdExport([]string{"--graph", path, "--format", "json"}, &out, &errOut), errOut.String())
	def, err := workflow.ParseDefinitionJSON(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "review", def.Name)
	require.Len(t, def.Edges, 2)
	require.NotNil(t, def.Edges[1].Condition)
	assert.Equal(t, workflow.ConditionContent, def.Edges[1].Condition.Type)

	target := filepath.Join(t.TempDir(), "out.yaml")
	require.Equal(t, 0, cmdExport([]string{"--graph", path, "--out", target}, &out, &errOut))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	back, err := workflow.ParseDefinitionYAML(data)
	require.NoError(t, err)
	assert.Len(t, back.Nodes, 3)

	assert.Equal(t, 1, cmdExport([]string{"--graph", path, "--format", "toml"}, &out, &errOut))
}
