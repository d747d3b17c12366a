package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ruchi-nb/full-matata-sub001/types"
	"go.uber.org/zap"
)

// RetryPolicy 定义重试策略配置
// 遵循 KISS 原则：指数退避 + 随机抖动，只重试瞬态错误
type RetryPolicy struct {
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`       // 最大重试次数（0 表示不重试）
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initial_delay"`   // 初始延迟时间
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`           // 最大延迟时间
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor"` // 延迟时间倍增因子
	Jitter        bool          `yaml:"jitter" json:"jitter"`                 // 是否添加随机抖动（防止雪崩）

	// OnRetry 重试回调
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultRetryPolicy 返回默认的重试策略
// 适用于大部分提供商调用场景
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:    2,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Retryer 重试器。每次尝试（包括第一次）都会重新经过 Guard.MayProceed 闸门，
// 确保重试不会绕过限流与熔断。
type Retryer struct {
	policy *RetryPolicy
	guard  *Guard
	logger *zap.Logger
}

// NewRetryer 创建指数退避重试器。guard 为 nil 时不做闸门检查（仅测试用）。
func NewRetryer(policy *RetryPolicy, guard *Guard, logger *zap.Logger) *Retryer {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	// 参数校验
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 500 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 10 * time.Second
	}
	if policy.BackoffFactor < 1.0 {
		policy.BackoffFactor = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Retryer{policy: policy, guard: guard, logger: logger}
}

// Do 执行 fn，瞬态失败时按策略重试。
// 非瞬态失败（校验错误、永久错误）立即返回，不重试。
// 重试耗尽后返回 PROVIDER_TRANSIENT 包装错误，由上层降级处理。
func (r *Retryer) Do(ctx context.Context, kind Kind, payloadSize int, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)

			r.logger.Debug("retrying provider call",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			// 等待延迟，同时监听 context 取消
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		// 每次尝试都重新过闸
		if r.guard != nil {
			if err := r.guard.MayProceed(kind, payloadSize); err != nil {
				// 闸门拒绝不算本次尝试的瞬态失败：限流/熔断直接上浮
				return err
			}
		}

		start := time.Now()
		lastErr = fn(ctx)

		if lastErr == nil {
			if r.guard != nil {
				r.guard.RecordSuccess(time.Since(start))
			}
			if attempt > 0 {
				r.logger.Info("provider call succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}

		if r.guard != nil {
			r.guard.RecordFailure(types.CodeOf(lastErr))
		}

		// 只有瞬态错误可重试
		if !types.IsRetryable(lastErr) {
			r.logger.Debug("error not retryable", zap.Error(lastErr))
			return lastErr
		}

		if attempt >= r.policy.MaxRetries {
			break
		}
	}

	// 所有重试都失败了：上浮为提供商不可用
	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr))

	return types.WrapError(types.ErrProviderTransient,
		fmt.Sprintf("provider unavailable after %d attempts", r.policy.MaxRetries+1), lastErr)
}

// DoStream 是 Do 的流式会话版本：用 MayOpenStream 过闸（不做负载校验），
// 其余重试语义与 Do 一致。
func (r *Retryer) DoStream(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)

			r.logger.Debug("retrying stream open",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		if r.guard != nil {
			if err := r.guard.MayOpenStream(); err != nil {
				return err
			}
		}

		start := time.Now()
		lastErr = fn(ctx)

		if lastErr == nil {
			if r.guard != nil {
				r.guard.RecordSuccess(time.Since(start))
			}
			return nil
		}

		if r.guard != nil {
			r.guard.RecordFailure(types.CodeOf(lastErr))
		}

		if !types.IsRetryable(lastErr) {
			return lastErr
		}

		if attempt >= r.policy.MaxRetries {
			break
		}
	}

	r.logger.Warn("stream open retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr))

	return types.WrapError(types.ErrProviderTransient,
		fmt.Sprintf("provider unavailable after %d attempts", r.policy.MaxRetries+1), lastErr)
}

// calculateDelay 计算延迟时间
// 指数退避：delay = initial * factor^(attempt-1)，上限 MaxDelay，可选 ±25% 抖动
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.BackoffFactor, float64(attempt-1))

	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	// 随机抖动防止多个会话同时重试导致的雪崩效应
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}

	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}

	return time.Duration(delay)
}
