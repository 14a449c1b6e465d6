// Package config 提供 taskgraph 的配置管理功能。
//
// 配置优先级：默认值 → YAML 文件 → 环境变量（TASKGRAPH_ 前缀）→ 验证器。
// ExecutorConfig 可直接转换为 workflow.Options。
package config
