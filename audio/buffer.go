package audio

import (
	"context"
	"time"

	"github.com/ruchi-nb/full-matata-sub001/types"
	"go.uber.org/zap"
)

// Profile 质量档位，阈值预设的名字。
type Profile string

const (
	ProfileUltraLowLatency Profile = "ultra_low_latency"
	ProfileBalanced        Profile = "balanced"
	ProfileHighConsistency Profile = "high_consistency"
)

// Config 配置自适应缓冲。
type Config struct {
	MinBuffer   time.Duration `yaml:"min_buffer" json:"min_buffer"`
	MaxBuffer   time.Duration `yaml:"max_buffer" json:"max_buffer"`
	TargetChunk time.Duration `yaml:"target_chunk" json:"target_chunk"`

	// BytesPerSecond 上游块未标注时长时的估算速率。
	// 默认 32000（16kHz 16-bit 单声道 PCM）。
	BytesPerSecond int `yaml:"bytes_per_second" json:"bytes_per_second"`
}

// ProfileConfig 返回指定档位的阈值预设。未知档位返回 balanced。
func ProfileConfig(p Profile) Config {
	switch p {
	case ProfileUltraLowLatency:
		return Config{MinBuffer: 20 * time.Millisecond, MaxBuffer: 120 * time.Millisecond, TargetChunk: 60 * time.Millisecond}
	case ProfileHighConsistency:
		return Config{MinBuffer: 120 * time.Millisecond, MaxBuffer: 600 * time.Millisecond, TargetChunk: 240 * time.Millisecond}
	default:
		return Config{MinBuffer: 50 * time.Millisecond, MaxBuffer: 300 * time.Millisecond, TargetChunk: 120 * time.Millisecond}
	}
}

// Buffer 把不规则的音频块流重组为均匀节奏的 PacedChunk。
// 非并发安全：一个 Buffer 只服务一路 utterance 的输出流。
type Buffer struct {
	cfg    Config
	logger *zap.Logger

	pending    []byte
	pendingDur time.Duration
	offset     time.Duration // 已发出音频的累计时长
}

// NewBuffer 创建自适应缓冲。
func NewBuffer(cfg Config, logger *zap.Logger) *Buffer {
	// 参数校验
	if cfg.MinBuffer <= 0 {
		cfg.MinBuffer = 50 * time.Millisecond
	}
	if cfg.TargetChunk <= 0 {
		cfg.TargetChunk = 120 * time.Millisecond
	}
	if cfg.MaxBuffer < cfg.TargetChunk {
		cfg.MaxBuffer = 2 * cfg.TargetChunk
	}
	if cfg.BytesPerSecond <= 0 {
		cfg.BytesPerSecond = 32000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{cfg: cfg, logger: logger.With(zap.String("component", "audio_buffer"))}
}

// Push 累积一个上游块，返回当前可以发出的 PacedChunk（可能为空）。
func (b *Buffer) Push(chunk types.AudioChunk) []types.PacedChunk {
	if len(chunk.Data) == 0 {
		return nil
	}

	dur := chunk.Duration
	if dur <= 0 {
		dur = time.Duration(len(chunk.Data)) * time.Second / time.Duration(b.cfg.BytesPerSecond)
	}

	b.pending = append(b.pending, chunk.Data...)
	b.pendingDur += dur

	return b.drain()
}

// drain 在累计时长达到阈值时切出目标时长的块。
// min_buffer 保护首块：累计不足 min_buffer 时什么都不发。
func (b *Buffer) drain() []types.PacedChunk {
	if b.pendingDur < b.cfg.MinBuffer {
		return nil
	}

	var out []types.PacedChunk
	for b.pendingDur >= b.cfg.TargetChunk {
		out = append(out, b.cut(b.cfg.TargetChunk))
	}
	return out
}

// cut 从累积区头部切出约 dur 时长的一块，剩余部分保留。
// 不变式：字节与时长同时守恒——切走全部字节时必须同时切走全部时长。
func (b *Buffer) cut(dur time.Duration) types.PacedChunk {
	n := len(b.pending)
	cutBytes := n
	if dur < b.pendingDur {
		cutBytes = int(int64(n) * int64(dur) / int64(b.pendingDur))
		if cutBytes <= 0 {
			cutBytes = 1
		}
	} else {
		dur = b.pendingDur
	}
	if cutBytes >= n {
		cutBytes = n
		dur = b.pendingDur
	}

	data := make([]byte, cutBytes)
	copy(data, b.pending[:cutBytes])

	chunk := types.PacedChunk{Data: data, Duration: dur, Offset: b.offset}
	b.offset += dur
	b.pending = b.pending[cutBytes:]
	b.pendingDur -= dur
	return chunk
}

// ForceEmit 上游停顿时的强制发出：无视 min/target 把当前累积一次性切出。
// 没有累积数据时返回 nil。
func (b *Buffer) ForceEmit() *types.PacedChunk {
	if len(b.pending) == 0 {
		return nil
	}
	chunk := b.cut(b.pendingDur)
	return &chunk
}

// Flush 流结束时把剩余部分作为最后一块发出，无论它多短。
// 返回 nil 表示没有剩余。只应调用一次。
func (b *Buffer) Flush() *types.PacedChunk {
	chunk := b.ForceEmit()
	if chunk != nil {
		chunk.Final = true
	}
	return chunk
}

// Pending 返回当前累积但尚未发出的估算时长。
func (b *Buffer) Pending() time.Duration { return b.pendingDur }

// Pace 把上游块通道整形为 PacedChunk 通道。
// 上游停顿导致累积将超过 max_buffer 时立即强制发出；上游关闭时 flush 剩余并关闭输出。
func (b *Buffer) Pace(ctx context.Context, in <-chan types.AudioChunk) <-chan types.PacedChunk {
	out := make(chan types.PacedChunk, 16)

	go func() {
		defer close(out)

		stall := time.NewTimer(b.cfg.MaxBuffer)
		defer stall.Stop()

		emit := func(chunks []types.PacedChunk) bool {
			for _, c := range chunks {
				select {
				case out <- c:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return

			case chunk, ok := <-in:
				if !ok {
					if final := b.Flush(); final != nil {
						select {
						case out <- *final:
						case <-ctx.Done():
						}
					}
					return
				}
				if !emit(b.Push(chunk)) {
					return
				}
				if !stall.Stop() {
					select {
					case <-stall.C:
					default:
					}
				}
				stall.Reset(b.cfg.MaxBuffer)

			case <-stall.C:
				// 上游停顿：累积即将越过 max_buffer，立即发出
				if forced := b.ForceEmit(); forced != nil {
					b.logger.Debug("stall force emit",
						zap.Duration("duration", forced.Duration))
					select {
					case out <- *forced:
					case <-ctx.Done():
						return
					}
				}
				stall.Reset(b.cfg.MaxBuffer)
			}
		}
	}()

	return out
}
