// Copyright (c) TaskGraph Authors.
// Licensed under the MIT License.

/*
包 migration 管理运行历史库的 SQL Schema，基于 golang-migrate。

migrations/<dialect>/ 下的 SQL 文件通过 embed 内嵌，建立 runs、
node_attempts 与 graphs 三张表，与 internal/database 的 GORM 模型对应。
支持 PostgreSQL、MySQL 与 SQLite（纯 Go 驱动，无需 cgo）。

  - Migrator：Up、Down、Reset、Steps、Goto、Force、Version、State，
    所有操作响应 ctx 取消。
  - URL / FromConfig：由 config.DatabaseConfig 生成迁移连接串。
  - CLI：taskgraph migrate 子命令的分发与终端输出。

serve 在 database.auto_migrate 开启时调用 Migrator.Up。
*/
package migration
