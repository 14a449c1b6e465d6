package testutil

import "github.com/BaSui01/taskgraph/workflow"

// 内置任务引用，与 internal/tasks 保持一致
const (
	EchoTask  = "echo"
	SleepTask = "sleep"
	FailTask  = "fail"
)

// =============================================================================
// 📐 图定义夹具
// =============================================================================

// EchoChain 构造 nodes[0] → nodes[1] → ... 的 echo 链。
// message 非空时作为第一个节点的输出，其余节点输出自己的名字。
func EchoChain(name, message string, nodes ...string) *workflow.GraphDefinition {
	def := &workflow.GraphDefinition{Name: name}
	for i, n := range nodes {
		nd := workflow.NodeDefinition{Name: n, TaskRef: EchoTask}
		if i == 0 && message != "" {
			nd.Metadata = map[string]any{"message": message}
		}
		def.Nodes = append(def.Nodes, nd)
		if i > 0 {
			def.Edges = append(def.Edges, workflow.EdgeDefinition{Source: nodes[i-1], Target: n})
		}
	}
	return def
}

// SleepGraph 构造只有一个 sleep 节点的图，duration 使用 time.ParseDuration 格式
func SleepGraph(name, node, duration string) *workflow.GraphDefinition {
	return &workflow.GraphDefinition{
		Name: name,
		Nodes: []workflow.NodeDefinition{
			{Name: node, TaskRef: SleepTask, Metadata: map[string]any{"duration": duration}},
		},
	}
}

// Diamond 构造 start → (left, right) → join 的扇出/扇入图
func Diamond(name string) *workflow.GraphDefinition {
	return &workflow.GraphDefinition{
		Name: name,
		Nodes: []workflow.NodeDefinition{
			{Name: "start", TaskRef: EchoTask},
			{Name: "left", TaskRef: EchoTask},
			{Name: "right", TaskRef: EchoTask},
			{Name: "join", TaskRef: EchoTask},
		},
		Edges: []workflow.EdgeDefinition{
			{Source: "start", Target: "left"},
			{Source: "start", Target: "right"},
			{Source: "left", Target: "join"},
			{Source: "right", Target: "join"},
		},
	}
}
