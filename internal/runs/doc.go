// Copyright (c) TaskGraph Authors.
// Licensed under the MIT License.

/*
Package runs 是 API 服务的运行层：在 pool.GoroutinePool 上异步执行工作流，
跟踪排队与执行中的运行，并在结束后写入 workflow.RunStore。

# 生命周期

Submit 校验图定义后立即返回 queued 快照；worker 取到任务后状态变为
running，节点状态随执行器事件更新；运行结束后结果先落库，再从内存中移除，
因此 Get 在任何时刻都能查到该运行。

Cancel 对排队中的运行同样生效：任务开始时发现已取消，会以已取消的
context 执行，结果照常落库。

# 事件

Hub 实现 workflow.Sink，按 RunID 分发事件。订阅者通道在收到
workflow_completed 后关闭；读取过慢的订阅者会丢失事件。
*/
package runs
