/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖提供商调用、
会话生命周期、管线降级与 HTTP 服务端四个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，同时实现 resilience.Sink，
    限流拒绝与熔断事件由守卫层直接上报。

# 主要能力

  - 提供商指标：调用总数（按 provider/status/error_type 分组）、
    成功调用耗时、限流拒绝计数、熔断打开计数。
  - 会话指标：活跃会话 Gauge、历史会话总数、按原因分组的关闭计数。
  - 管线指标：按阶段分组的降级循环计数、调速音频分片与字节计数、
    最终转写到首个音频字节的延迟直方图。
  - HTTP 指标：请求总数与耗时，按 method/path 分组，
    状态码归类为 2xx/3xx/4xx/5xx。
*/
package metrics
