// Package telemetry 初始化 OpenTelemetry SDK，并把工作流事件导出为 span。
//
// Init 在遥测关闭时返回空的 Providers，不连接任何外部服务；启用时默认通过
// OTLP gRPC 导出，测试可用 WithSpanExporter / WithMetricReader 替换导出端。
// TracingSink 为每次节点尝试和每次运行结束生成一个 span。
package telemetry
