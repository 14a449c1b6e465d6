// Copyright (c) TaskGraph Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的缓存与事件流能力。

# 核心类型

  - Manager：持有 Redis 客户端与键前缀，提供 Ping、连接池统计，
    以及包内共享的 JSON 读取与 MULTI/EXEC 写入。
  - ResultCache：实现 workflow.RunStore，按 TTL 缓存运行结果快照，
    可选地包装一个持久化存储做读穿/写穿。
  - EventStream：实现 workflow.Sink，将每个运行的生命周期事件 XADD 到
    独立的 Redis Stream，运行结束后按 TTL 过期；Read 支持断点续读。

# 错误语义

ErrCacheMiss 表示键不存在，ErrClosed 表示管理器已关闭。
*/
package cache
