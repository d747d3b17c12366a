package llm

import (
	"context"

	"github.com/ruchi-nb/full-matata-sub001/resilience"
	"github.com/ruchi-nb/full-matata-sub001/types"
)

// ResilientProvider 用限流/熔断闸门和重试策略包装一个 Provider。
// Completion 按完整重试策略执行；Stream 在建立时过闸并重试，
// 流中途的错误由消费方通过 StreamChunk.Err 观察并计入熔断统计。
type ResilientProvider struct {
	inner   Provider
	retryer *resilience.Retryer
	guard   *resilience.Guard
}

// NewResilientProvider 创建带可靠性包装的 LLM 提供者。
func NewResilientProvider(inner Provider, retryer *resilience.Retryer, guard *resilience.Guard) *ResilientProvider {
	return &ResilientProvider{inner: inner, retryer: retryer, guard: guard}
}

func (r *ResilientProvider) Name() string { return r.inner.Name() }

// Completion 带重试的同步生成。
func (r *ResilientProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var resp *ChatResponse
	err := r.retryer.Do(ctx, resilience.KindText, PromptChars(req), func(ctx context.Context) error {
		var callErr error
		resp, callErr = r.inner.Completion(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream 带重试地建立流式请求。
func (r *ResilientProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if r.guard != nil {
		if err := r.guard.ValidatePayload(resilience.KindText, PromptChars(req)); err != nil {
			return nil, err
		}
	}

	var ch <-chan StreamChunk
	err := r.retryer.DoStream(ctx, func(ctx context.Context) error {
		var callErr error
		ch, callErr = r.inner.Stream(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ObserveStreamFailure 把流中途的失败计入熔断统计（由编排层调用）。
func (r *ResilientProvider) ObserveStreamFailure(err error) {
	if r.guard != nil && err != nil {
		r.guard.RecordFailure(types.CodeOf(err))
	}
}

func (r *ResilientProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return r.inner.HealthCheck(ctx)
}
