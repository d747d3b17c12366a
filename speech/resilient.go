package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ruchi-nb/full-matata-sub001/resilience"
	"github.com/ruchi-nb/full-matata-sub001/types"
)

// ResilientSTT 用限流/熔断闸门和重试策略包装一个 STTProvider。
// 批量转写按完整重试策略执行；流式会话在建立时过闸并重试连接，
// 会话中途的失败计入熔断统计但不自动重连（由编排层决定降级）。
type ResilientSTT struct {
	inner   STTProvider
	retryer *resilience.Retryer
	guard   *resilience.Guard
}

// NewResilientSTT 创建带可靠性包装的 STT 提供者。
func NewResilientSTT(inner STTProvider, retryer *resilience.Retryer, guard *resilience.Guard) *ResilientSTT {
	return &ResilientSTT{inner: inner, retryer: retryer, guard: guard}
}

func (r *ResilientSTT) Name() string               { return r.inner.Name() }
func (r *ResilientSTT) SupportedFormats() []string { return r.inner.SupportedFormats() }

// Transcribe 带重试的批量转写。
// 音频先整段读入以获得用于校验的负载大小，并允许重试时重放。
func (r *ResilientSTT) Transcribe(ctx context.Context, req *STTRequest) (*STTResponse, error) {
	var audio []byte
	if req.Audio != nil {
		var err error
		audio, err = io.ReadAll(req.Audio)
		if err != nil {
			return nil, fmt.Errorf("failed to read audio: %w", err)
		}
	}

	var resp *STTResponse
	err := r.retryer.Do(ctx, resilience.KindAudio, len(audio), func(ctx context.Context) error {
		attempt := *req
		attempt.Audio = bytes.NewReader(audio)
		var callErr error
		resp, callErr = r.inner.Transcribe(ctx, &attempt)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// StartStream 带重试地建立流式会话，返回把后续失败计入熔断统计的包装流。
func (r *ResilientSTT) StartStream(ctx context.Context, cfg StreamConfig) (STTStream, error) {
	var stream STTStream
	err := r.retryer.DoStream(ctx, func(ctx context.Context) error {
		var callErr error
		stream, callErr = r.inner.StartStream(ctx, cfg)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return &guardedSTTStream{inner: stream, guard: r.guard, started: time.Now()}, nil
}

// guardedSTTStream 把单个音频分片过闸并把会话结果计入熔断统计。
type guardedSTTStream struct {
	inner   STTStream
	guard   *resilience.Guard
	started time.Time
}

func (s *guardedSTTStream) Send(ctx context.Context, chunk types.AudioChunk) error {
	if s.guard != nil {
		// 流中分片只做负载校验，不重复消耗限流配额
		if err := s.guard.ValidatePayload(resilience.KindAudio, len(chunk.Data)); err != nil {
			return err
		}
	}

	err := s.inner.Send(ctx, chunk)
	if err != nil && s.guard != nil {
		s.guard.RecordFailure(types.CodeOf(err))
	}
	return err
}

func (s *guardedSTTStream) Events() <-chan types.TranscriptEvent { return s.inner.Events() }

func (s *guardedSTTStream) Err() error { return s.inner.Err() }

func (s *guardedSTTStream) CloseSend(ctx context.Context) error {
	err := s.inner.CloseSend(ctx)
	if s.guard != nil {
		if err != nil {
			s.guard.RecordFailure(types.CodeOf(err))
		} else {
			s.guard.RecordSuccess(time.Since(s.started))
		}
	}
	return err
}

func (s *guardedSTTStream) Close() error { return s.inner.Close() }

// ResilientTTS 用限流/熔断闸门和重试策略包装一个 TTSProvider。
type ResilientTTS struct {
	inner   TTSProvider
	retryer *resilience.Retryer
	guard   *resilience.Guard
}

// NewResilientTTS 创建带可靠性包装的 TTS 提供者。
func NewResilientTTS(inner TTSProvider, retryer *resilience.Retryer, guard *resilience.Guard) *ResilientTTS {
	return &ResilientTTS{inner: inner, retryer: retryer, guard: guard}
}

func (r *ResilientTTS) Name() string { return r.inner.Name() }

// Synthesize 带重试的整段合成。
func (r *ResilientTTS) Synthesize(ctx context.Context, req *TTSRequest) (*TTSResponse, error) {
	var resp *TTSResponse
	err := r.retryer.Do(ctx, resilience.KindText, len(req.Text), func(ctx context.Context) error {
		var callErr error
		resp, callErr = r.inner.Synthesize(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SynthesizeStream 把每个句子经由重试策略合成后写入输出通道。
func (r *ResilientTTS) SynthesizeStream(ctx context.Context, textCh <-chan string, opts *TTSRequest) (<-chan types.AudioChunk, <-chan error) {
	// 内层提供者已经逐句处理，这里在句子粒度插入重试闸门
	gatedCh := make(chan string)
	out := make(chan types.AudioChunk, 8)
	errCh := make(chan error, 4)

	innerOut, innerErr := r.inner.SynthesizeStream(ctx, gatedCh, opts)

	// 逐句过闸转发
	go func() {
		defer close(gatedCh)
		for {
			select {
			case <-ctx.Done():
				return
			case text, ok := <-textCh:
				if !ok {
					return
				}
				if r.guard != nil {
					if err := r.guard.MayProceed(resilience.KindText, len(text)); err != nil {
						select {
						case errCh <- err:
						default:
						}
						continue
					}
				}
				select {
				case gatedCh <- text:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	// 汇聚输出与错误
	go func() {
		defer close(out)
		defer close(errCh)
		start := time.Now()
		for innerOut != nil || innerErr != nil {
			select {
			case chunk, ok := <-innerOut:
				if !ok {
					innerOut = nil
					continue
				}
				if chunk.IsFinal && r.guard != nil {
					r.guard.RecordSuccess(time.Since(start))
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			case err, ok := <-innerErr:
				if !ok {
					innerErr = nil
					continue
				}
				if r.guard != nil {
					r.guard.RecordFailure(types.CodeOf(err))
				}
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()

	return out, errCh
}

func (r *ResilientTTS) ListVoices(ctx context.Context) ([]Voice, error) {
	return r.inner.ListVoices(ctx)
}
