// Copyright (c) TaskGraph Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库访问：按驱动打开连接、
连接池管理，以及运行历史与图定义的持久化。

# 核心类型

  - Open / Dialector：按 config.DatabaseConfig.Driver 选择 postgres、
    mysql 或 sqlite（纯 Go 实现）方言。
  - Pool：连接池参数、后台存活检测与冲突重试事务（Tx），
    可通过 StatsRecorder 上报连接数。Retryable 识别各驱动的冲突错误。
  - HistoryStore：实现 workflow.RunStore，runs 表保存完整结果快照，
    node_attempts 表保存逐次尝试记录，graphs 表保存图定义。

表结构由 internal/migration 中的 SQL 迁移维护，AutoMigrate 仅用于测试。
*/
package database
