// Package audio 提供自适应音频缓冲：把 TTS 输出的大小不一、到达不均的音频块
// 重组为节奏稳定的 PacedChunk，兼顾无卡顿播放与低附加延迟。
//
// 核心参数（每个提供商/质量档位一组）：
//   - min_buffer_ms：累计时长达到之前不发出任何数据（防止首块过短造成的卡顿）
//   - target_chunk_ms：达到后切出约一个目标时长的 PacedChunk
//   - max_buffer_ms：上游停顿时的强制发出上限（防止无界附加延迟）
//
// 质量档位（ultra_low_latency / balanced / high_consistency）只是三个阈值的
// 命名预设，不改变发出逻辑。
package audio
