// Copyright (c) TaskGraph Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 TaskGraph HTTP API 的请求处理器实现。

# 概述

handlers 包实现运行提交、图定义管理、事件推送与健康检查端点，
以及统一的响应/错误处理。所有 Handler 均遵循标准 net/http 接口，
路由使用 Go 1.22 的方法 + 路径模式，通过 Swagger 注解生成 API 文档。

# 核心类型

  - RunHandler      — 运行提交、查询、列表与取消
  - GraphHandler    — 图定义校验与存储，请求体支持 JSON / YAML
  - EventsHandler   — WebSocket 推送运行事件，可从 Redis Stream 回放
  - HealthHandler   — 服务健康检查（/health, /healthz, /ready, /version）
  - RunService      — handlers 依赖的运行服务接口
  - Response        — 统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter  — 包装 http.ResponseWriter 以捕获状态码与字节数

# 错误处理

服务返回的错误经 types.FromWorkflowError 归一化为 *types.Error，
再由 WriteRequestError 写出，响应中附带请求 ID。
5xx 错误记录为 Error 级别，其余为 Debug。
*/
package handlers
