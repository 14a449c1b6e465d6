// Copyright (c) TaskGraph Authors.
// Licensed under the MIT License.

/*
Package main 提供 TaskGraph 命令行与服务端程序入口。

# 概述

cmd/taskgraph 提供本地执行图定义的 run / validate / export 子命令，
以及 HTTP API 服务、数据库迁移、健康检查和版本查询。
程序支持 YAML 配置文件加载、结构化日志（zap）、Prometheus 指标采集
与 OpenTelemetry 链路追踪。

# 核心类型

  - Server      — 主服务器，管理 HTTP、Metrics 双端口及优雅关闭
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：run、validate、export、serve、migrate、health、version
  - 中间件链：Recovery、RequestID、SecurityHeaders、Instrument（span、
    指标与访问日志）、RateLimiter（基于 IP）、JWTAuth
  - 事件 Sink：日志、Prometheus、OTel span、Redis Stream 同时接收运行事件
  - 存储：配置数据库时运行历史与图定义写入 gorm，Redis 作为结果缓存
  - 优雅关闭：信号监听 → 关闭 HTTP → 排空运行池 → 关闭存储与遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
