// Copyright (c) TaskGraph Authors.
// Licensed under the MIT License.

/*
Package types 定义 API 层共享的结构化错误。

  - Error / ErrorCode：错误码、消息、HTTP 状态码、是否可重试以及相关节点。
  - FromWorkflowError：把 workflow 包的类型化错误（构建校验、熔断、死锁、
    取消、节点失败、运行不存在）映射为稳定的错误码。
  - AsError / IsRetryable / GetErrorCode：沿错误链提取 *Error。
*/
package types
