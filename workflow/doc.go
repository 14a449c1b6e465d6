// Copyright (c) TaskGraph Authors.
// Licensed under the MIT License.

/*
Package workflow 提供有向图任务调度引擎。

# 概述

workflow 包负责在有依赖关系的节点之间协调并发执行：每个节点把实际工作
委托给外部 TaskRunner，引擎只负责就绪计算、有界并发、条件路由、
指数退避重试以及熔断。

# 核心类型

  - Graph / Builder     — 节点与有向边（可带 Condition），构建期校验
  - Condition           — 边上的纯谓词：MessageCount / Content / Iteration / Result，
    以及 All / Any / Not 组合与按名称注册的 ConditionRegistry
  - ExecutionContext    — 单次运行的共享状态（消息、结果、计数器、状态各自加锁）
  - Executor            — 调度器：就绪集 → 并发派发（信号量许可）→ 批量等待 → 重试 / 熔断
  - TaskRunner          — 外部执行接口；TaskRegistry 按 TaskRef 路由
  - Sink                — 生命周期事件（AsyncSink 保证发送不阻塞调度）
  - WorkflowResult      — 运行终态快照（状态、结果、消息、尝试历史）
  - GraphDefinition     — JSON / YAML 导入导出，可往返

# 语义要点

  - 汇合只有 AND 语义：节点的所有前向入边都满足后才就绪
  - 回边（构成环的边）不参与就绪判断；源节点成功且条件成立时重新进入循环体
  - 连续失败达到阈值即 CIRCUIT_OPEN，优先于剩余重试次数
  - 重试耗尽但未达阈值为 FAILED，不影响无关分支
  - 无就绪节点但仍有未被上游失败阻塞的 PENDING 节点时返回 DeadlockError
  - 取消时返回 CancelledError，并附带已累积的部分结果
*/
package workflow
