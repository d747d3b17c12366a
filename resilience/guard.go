package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/ruchi-nb/full-matata-sub001/types"
	"go.uber.org/zap"
)

// Kind 标识负载类型，决定使用哪组校验边界。
type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
)

// rateWindowSpan 滑动窗口跨度，固定 60 秒。
const rateWindowSpan = 60 * time.Second

// Limits 每种负载类型的大小/长度边界。
type Limits struct {
	MaxTextChars  int `yaml:"max_text_chars" json:"max_text_chars"`
	MaxAudioBytes int `yaml:"max_audio_bytes" json:"max_audio_bytes"`
}

// Config 单个提供商的 Guard 配置。
type Config struct {
	// RateLimit 滑动 60 秒窗口内允许的最大请求数
	RateLimit int `yaml:"rate_limit" json:"rate_limit"`

	// MaxFailures 连续失败次数阈值（触发熔断）
	MaxFailures int `yaml:"max_failures" json:"max_failures"`

	// ResetWindow 熔断恢复等待时间（从最后一次失败算起）
	ResetWindow time.Duration `yaml:"reset_window" json:"reset_window"`

	// Limits 负载校验边界
	Limits Limits `yaml:"limits" json:"limits"`
}

// DefaultConfig 返回保守默认配置。
func DefaultConfig() *Config {
	return &Config{
		RateLimit:   60,
		MaxFailures: 5,
		ResetWindow: 30 * time.Second,
		Limits: Limits{
			MaxTextChars:  8192,
			MaxAudioBytes: 10 << 20, // 10 MB
		},
	}
}

// Sink 是观测事件的接收端（外部协作者）。
// 实现必须是即发即弃的：任何情况下都不得向调用方抛出错误。
type Sink interface {
	// RecordRequest 记录一次提供商调用结果
	RecordRequest(provider string, success bool, latency time.Duration, errType string)
	// RecordRateLimitHit 记录一次本地限流拒绝
	RecordRateLimitHit(provider string)
	// RecordCircuitTrip 记录一次熔断器打开
	RecordCircuitTrip(provider string)
}

// NopSink 丢弃所有事件。
type NopSink struct{}

func (NopSink) RecordRequest(string, bool, time.Duration, string) {}
func (NopSink) RecordRateLimitHit(string)                         {}
func (NopSink) RecordCircuitTrip(string)                          {}

// Guard 是单个提供商的守门人：决定调用是否可以发出，并跟踪调用结果。
// RateWindow 与 ProviderHealth 由 Guard 独占持有，适配器不得绕过。
type Guard struct {
	provider string
	cfg      *Config
	sink     Sink
	logger   *zap.Logger

	mu           sync.Mutex
	window       []time.Time // 最近 60 秒内已接受请求的时间戳
	failureCount int
	lastFailure  time.Time

	// now 可注入的时钟，便于测试
	now func() time.Time
}

// NewGuard 创建提供商级 Guard。
func NewGuard(provider string, cfg *Config, sink Sink, logger *zap.Logger) *Guard {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// 参数校验
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = 30 * time.Second
	}
	if cfg.Limits.MaxTextChars <= 0 {
		cfg.Limits.MaxTextChars = 8192
	}
	if cfg.Limits.MaxAudioBytes <= 0 {
		cfg.Limits.MaxAudioBytes = 10 << 20
	}
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Guard{
		provider: provider,
		cfg:      cfg,
		sink:     sink,
		logger:   logger.With(zap.String("component", "resilience_guard"), zap.String("provider", provider)),
		now:      time.Now,
	}
}

// Provider 返回该 Guard 守护的提供商名称。
func (g *Guard) Provider() string { return g.provider }

// MayProceed 判定一次调用是否可以发出。
// 依次检查：限流窗口 → 熔断状态 → 负载校验；通过后把当前时间戳计入窗口。
// payloadSize 对 text 是字符数，对 audio 是字节数。
func (g *Guard) MayProceed(kind Kind, payloadSize int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	// 窗口裁剪在每次检查时执行
	g.pruneLocked(now)

	if len(g.window) >= g.cfg.RateLimit {
		g.sink.RecordRateLimitHit(g.provider)
		return types.NewError(types.ErrRateLimited,
			fmt.Sprintf("provider %s: %d requests in last 60s (limit %d)", g.provider, len(g.window), g.cfg.RateLimit)).
			WithProvider(g.provider)
	}

	if g.circuitOpenLocked(now) {
		return types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("provider %s: circuit open after %d failures", g.provider, g.failureCount)).
			WithProvider(g.provider)
	}

	if err := g.validate(kind, payloadSize); err != nil {
		// 校验拒绝不是提供商失败：请求从未到达网络
		return err
	}

	g.window = append(g.window, now)
	return nil
}

// MayOpenStream 为流式会话的建立过闸：限流 → 熔断，不做负载校验。
// 流的负载在分片粒度用 ValidatePayload 校验。
func (g *Guard) MayOpenStream() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneLocked(now)

	if len(g.window) >= g.cfg.RateLimit {
		g.sink.RecordRateLimitHit(g.provider)
		return types.NewError(types.ErrRateLimited,
			fmt.Sprintf("provider %s: %d requests in last 60s (limit %d)", g.provider, len(g.window), g.cfg.RateLimit)).
			WithProvider(g.provider)
	}

	if g.circuitOpenLocked(now) {
		return types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("provider %s: circuit open after %d failures", g.provider, g.failureCount)).
			WithProvider(g.provider)
	}

	g.window = append(g.window, now)
	return nil
}

// ValidatePayload 只做负载大小校验，不消耗限流配额。
func (g *Guard) ValidatePayload(kind Kind, payloadSize int) error {
	return g.validate(kind, payloadSize)
}

// RecordSuccess 记录一次成功调用。非零失败计数被清零。
func (g *Guard) RecordSuccess(latency time.Duration) {
	g.mu.Lock()
	if g.failureCount != 0 {
		g.logger.Info("failure count reset after success",
			zap.Int("previous_failures", g.failureCount))
		g.failureCount = 0
	}
	g.mu.Unlock()

	g.sink.RecordRequest(g.provider, true, latency, "")
}

// RecordFailure 记录一次失败调用并推进熔断状态。
func (g *Guard) RecordFailure(errKind types.ErrorCode) {
	g.mu.Lock()
	g.failureCount++
	g.lastFailure = g.now()
	tripped := g.failureCount == g.cfg.MaxFailures
	count := g.failureCount
	g.mu.Unlock()

	if tripped {
		g.logger.Warn("circuit opened",
			zap.Int("failure_count", count),
			zap.Int("max_failures", g.cfg.MaxFailures),
			zap.Duration("reset_window", g.cfg.ResetWindow))
		g.sink.RecordCircuitTrip(g.provider)
	}

	g.sink.RecordRequest(g.provider, false, 0, string(errKind))
}

// Health 返回当前熔断状态快照（供健康检查使用）。
func (g *Guard) Health() (failures int, open bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failureCount, g.circuitOpenLocked(g.now())
}

// circuitOpenLocked 判断熔断是否仍然打开。
// 最后一次失败后超过 ResetWindow 则失败计数归零（不变式 ProviderHealth）。
func (g *Guard) circuitOpenLocked(now time.Time) bool {
	if g.failureCount < g.cfg.MaxFailures {
		return false
	}
	if now.Sub(g.lastFailure) > g.cfg.ResetWindow {
		g.logger.Info("circuit reset window elapsed, closing",
			zap.Int("previous_failures", g.failureCount))
		g.failureCount = 0
		return false
	}
	return true
}

// pruneLocked 把窗口裁剪到最近 60 秒。
func (g *Guard) pruneLocked(now time.Time) {
	cutoff := now.Add(-rateWindowSpan)
	i := 0
	for i < len(g.window) && !g.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.window = append(g.window[:0], g.window[i:]...)
	}
}

// validate 校验负载大小边界。空负载与超限负载均被拒绝。
func (g *Guard) validate(kind Kind, payloadSize int) error {
	if payloadSize <= 0 {
		return types.NewError(types.ErrValidationFailure,
			fmt.Sprintf("provider %s: empty %s payload", g.provider, kind)).
			WithProvider(g.provider)
	}

	var limit int
	switch kind {
	case KindText:
		limit = g.cfg.Limits.MaxTextChars
	case KindAudio:
		limit = g.cfg.Limits.MaxAudioBytes
	default:
		return types.NewError(types.ErrValidationFailure,
			fmt.Sprintf("provider %s: unknown payload kind %q", g.provider, kind)).
			WithProvider(g.provider)
	}

	if payloadSize > limit {
		return types.NewError(types.ErrValidationFailure,
			fmt.Sprintf("provider %s: %s payload size %d exceeds limit %d", g.provider, kind, payloadSize, limit)).
			WithProvider(g.provider)
	}
	return nil
}
