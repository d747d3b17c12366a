// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。
// 实现 resilience.Sink：所有记录方法即发即弃，绝不向调用方抛错。
type Collector struct {
	// 提供商调用指标
	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	rateLimitHits           *prometheus.CounterVec
	circuitTrips            *prometheus.CounterVec

	// 会话与管线指标
	activeSessions    prometheus.Gauge
	sessionsTotal     prometheus.Counter
	degradedCycles    *prometheus.CounterVec
	sessionsClosed    *prometheus.CounterVec
	pacedChunksTotal  prometheus.Counter
	pacedBytesTotal   prometheus.Counter
	firstAudioLatency prometheus.Histogram

	// HTTP 指标（服务端中间件）
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 提供商调用指标
	c.providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of provider calls",
		},
		[]string{"provider", "status", "error_type"},
	)

	c.providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Provider call duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	c.rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Local rate limiter rejections",
		},
		[]string{"provider"},
	)

	c.circuitTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_trips_total",
			Help:      "Circuit breaker open events",
		},
		[]string{"provider"},
	)

	// 会话与管线指标
	c.activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Currently live conversation sessions",
		},
	)

	c.sessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total conversation sessions started",
		},
	)

	c.degradedCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_cycles_total",
			Help:      "Orchestration cycles ending in degraded state",
		},
		[]string{"stage"},
	)

	c.sessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by reason",
		},
		[]string{"reason"},
	)

	c.pacedChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paced_chunks_total",
			Help:      "Paced audio chunks emitted to transport",
		},
	)

	c.pacedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paced_bytes_total",
			Help:      "Paced audio bytes emitted to transport",
		},
	)

	c.firstAudioLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_seconds",
			Help:      "Latency from final transcript to first paced audio byte",
			Buckets:   []float64{.1, .25, .5, .75, 1, 1.5, 2, 3, 5, 10},
		},
	)

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	return c
}

// =============================================================================
// resilience.Sink
// =============================================================================

// RecordRequest 记录一次提供商调用结果。
func (c *Collector) RecordRequest(provider string, success bool, latency time.Duration, errType string) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.providerRequestsTotal.WithLabelValues(provider, status, errType).Inc()
	if success {
		c.providerRequestDuration.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

// RecordRateLimitHit 记录一次本地限流拒绝。
func (c *Collector) RecordRateLimitHit(provider string) {
	c.rateLimitHits.WithLabelValues(provider).Inc()
}

// RecordCircuitTrip 记录一次熔断器打开。
func (c *Collector) RecordCircuitTrip(provider string) {
	c.circuitTrips.WithLabelValues(provider).Inc()
}

// =============================================================================
// 会话与管线
// =============================================================================

// SessionStarted 记录会话开始。
func (c *Collector) SessionStarted() {
	c.sessionsTotal.Inc()
	c.activeSessions.Inc()
}

// SessionEnded 记录会话结束。
func (c *Collector) SessionEnded(reason string) {
	c.activeSessions.Dec()
	c.sessionsClosed.WithLabelValues(reason).Inc()
}

// RecordDegradedCycle 记录一次降级循环。
func (c *Collector) RecordDegradedCycle(stage string) {
	c.degradedCycles.WithLabelValues(stage).Inc()
}

// RecordPacedChunk 记录一个已发出的调速音频分片。
func (c *Collector) RecordPacedChunk(bytes int) {
	c.pacedChunksTotal.Inc()
	c.pacedBytesTotal.Add(float64(bytes))
}

// RecordFirstAudioLatency 记录最终转写到首个音频字节的延迟。
func (c *Collector) RecordFirstAudioLatency(d time.Duration) {
	c.firstAudioLatency.Observe(d.Seconds())
}

// =============================================================================
// HTTP
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求指标。
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// statusClass 把状态码归类为 2xx/3xx/4xx/5xx，控制 label 基数。
func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
