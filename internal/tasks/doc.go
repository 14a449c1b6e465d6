// Copyright (c) TaskGraph Authors.
// Licensed under the MIT License.

/*
Package tasks 提供 CLI 与 API 服务内置的任务类型，按 Node.TaskRef 注册到
workflow.TaskRegistry。

  - echo：追加一条消息，内容取 metadata.message，缺省为节点名。
  - sleep：等待 metadata.duration（Go 时长语法或毫秒数），可被取消。
  - fail：同一运行中该节点的前 metadata.times 次尝试失败，之后成功。
  - shell：通过 sh -c 执行 metadata.command，标准输出作为结果与消息。

节点元数据来自 JSON 或 YAML，数值可能是 int 也可能是 float64，
读取时统一转换。
*/
package tasks
