// Package main 是实时语音问诊服务的入口。
//
// 服务在单个 HTTP 端口上暴露三个端点：
//
//	GET /ws/voice   WebSocket 语音会话（查询参数定制语言、音色、检索等）
//	GET /healthz    服务与各提供商守卫的健康状态
//	GET /metrics    Prometheus 指标
//
// 提供者适配器、守卫与会话存储在启动时构建并跨会话共享；
// 每条 WebSocket 连接创建一个独立的管线编排器。
package main
