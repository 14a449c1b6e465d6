// Copyright (c) TaskGraph Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 TaskGraph 测试共享的上下文、图定义夹具和任务执行器。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 图夹具: EchoChain / SleepGraph / Diamond，按内置任务引用构造
    workflow.GraphDefinition
  - RecordingRunner: 包装任意 workflow.TaskRunner，按调用顺序记录节点，
    可注入失败

夹具只使用任务引用字符串，不依赖 internal/tasks，因此 tasks 包自身的
测试也可以使用。

# 使用示例

	def := testutil.EchoChain("greet", "hello", "a", "b")
	rec := testutil.NewRecordingRunner(tasks.NewRegistry(nil))
	result, err := exec.Run(testutil.TestContext(t), g, rec)
	assert.Equal(t, []string{"a", "b"}, rec.Calls())
*/
package testutil
