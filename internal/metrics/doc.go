// Copyright (c) TaskGraph Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、工作流、缓存与数据库四个维度。

# 概述

Collector 自身实现 prometheus.Collector，由 New 整体注册到调用方
提供的 Registry，指标名为 <namespace>_<subsystem>_<name>。

# 核心类型

  - Collector：按 http、workflow、node、cache、db、pool 子系统持有指标向量。
  - Sink：实现 workflow.Sink，将生命周期事件转换为指标。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 工作流指标：运行总数与耗时（按 workflow/status）、在途运行数、
    节点尝试总数与耗时、重试次数、熔断次数。
  - 缓存指标：命中与未命中计数，按 cache_type 分组。
  - 数据库指标：活跃/空闲连接数、查询耗时。
  - 工作池指标：WatchPool 注册快照函数，scrape 时读取 worker、排队与拒绝数。
*/
package metrics
