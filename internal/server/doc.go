// Copyright (c) TaskGraph Authors.
// Licensed under the MIT License.

/*
包 server 管理 taskgraph API 与 metrics 端点的 HTTP/HTTPS 服务器生命周期。

# 核心类型

  - Manager：封装 net/http.Server，提供 Start/Run/Shutdown 与 Done/Err。
  - Config：端点名、监听地址、读写与空闲超时、关闭超时以及可选的 TLS 证书。
    ConfigFrom 与 MetricsConfig 从 config.ServerConfig 构建。

# 主要能力

  - Start 在监听前加载证书，证书错误不会留下半开的端口。
  - RunAll 用 errgroup 同时运行多个端点，ctx 取消或任一端点退出时全部关闭。
  - TLS 参数来自 tlsutil.DefaultTLSConfig，并通告 h2。
  - Addr 在监听后返回实际地址，便于使用 ":0" 端口的测试。
*/
package server
