// Copyright (c) TaskGraph Authors.
// Licensed under the MIT License.

// Package pool 提供有界的任务池，API 服务用它异步执行提交的运行。
// 同时执行数来自 server.max_concurrent_runs，由 x/sync/semaphore 控制；
// 排队上限来自 server.run_queue_size，超出时 Submit 返回 ErrPoolFull。
// 任务使用池自身的 context，不随提交请求结束而取消；Shutdown 超时后才取消。
package pool
