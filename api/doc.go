// Package api 定义 TaskGraph HTTP API 的请求与响应结构。
//
// # API Overview
//
// TaskGraph 通过 REST 接口提供：
//   - 图定义的校验与保存（/api/v1/graphs）
//   - 异步提交、查询与取消运行（/api/v1/runs）
//   - 运行事件的 WebSocket 推送（/api/v1/runs/{id}/events）
//   - 健康检查与版本信息（/health, /ready, /version）
//
// 所有 JSON 响应使用统一结构：
//
//	{"success": true, "data": {...}, "timestamp": "..."}
//	{"success": false, "error": {"code": "RUN_NOT_FOUND", "message": "..."}}
//
// # Authentication
//
// 配置 server.jwt.secret 后，/api/v1 下的接口需要 Bearer Token：
//
//	Authorization: Bearer <token>
//
// # Base URL
//
// 默认地址为：
//
//	http://localhost:8080
package api
