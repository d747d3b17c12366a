// 软件包语音提供统一的TTS和STT供应商接口.
package speech

import (
	"context"
	"io"
	"time"

	"github.com/ruchi-nb/full-matata-sub001/types"
)

// ============================================================
// 语音对文本( STT)
// ============================================================

// STTRequest 代表一次批量转写请求。
type STTRequest struct {
	Audio    io.Reader `json:"-"`
	Model    string    `json:"model,omitempty"`
	Language string    `json:"language,omitempty"` // ISO-639-1 code
	Prompt   string    `json:"prompt,omitempty"`   // Context hint
	Format   string    `json:"format,omitempty"`   // wav, mp3, pcm...
}

// STTResponse 代表批量转写结果。
type STTResponse struct {
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	Text       string        `json:"text"`
	Language   string        `json:"language,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// StreamConfig 配置一次流式转写会话。
type StreamConfig struct {
	Model          string `json:"model,omitempty"`
	Language       string `json:"language,omitempty"`
	Encoding       string `json:"encoding,omitempty"`    // linear16, opus...
	SampleRate     int    `json:"sample_rate,omitempty"` // Hz
	InterimResults bool   `json:"interim_results,omitempty"`
	// EndpointingMS 语音端点检测静默阈值（毫秒），0 表示服务商默认
	EndpointingMS int `json:"endpointing_ms,omitempty"`
}

// STTStream 是一次流式转写会话。
// Send 与 Events 的读取可以并发进行；CloseSend 宣告音频结束后，
// 服务商把剩余识别结果刷出并关闭 Events 通道。
type STTStream interface {
	// Send 推送一个音频分片
	Send(ctx context.Context, chunk types.AudioChunk) error

	// Events 返回转写事件通道，流结束或出错时关闭
	Events() <-chan types.TranscriptEvent

	// Err 返回导致流终止的错误（正常结束为 nil），Events 关闭后有效
	Err() error

	// CloseSend 宣告不再发送音频，触发服务商端 flush
	CloseSend(ctx context.Context) error

	// Close 立即终止会话并释放连接
	Close() error
}

// STTProvider 定义了 STT 提供者接口。
type STTProvider interface {
	// StartStream 建立一次流式转写会话
	StartStream(ctx context.Context, cfg StreamConfig) (STTStream, error)

	// Transcribe 整段批量转写
	Transcribe(ctx context.Context, req *STTRequest) (*STTResponse, error)

	// Name 返回提供者名称
	Name() string

	// SupportedFormats 返回支持的音频格式
	SupportedFormats() []string
}

// ============================================================
// 文字对语言( TTS)
// ============================================================

// TTSRequest 代表一次合成请求。
type TTSRequest struct {
	Text           string  `json:"text"`
	Model          string  `json:"model,omitempty"`
	Voice          string  `json:"voice,omitempty"`
	Speed          float64 `json:"speed,omitempty"`           // 0.25-4.0
	ResponseFormat string  `json:"response_format,omitempty"` // mp3, opus, wav, pcm
	Language       string  `json:"language,omitempty"`
}

// TTSResponse 代表整段合成结果。
type TTSResponse struct {
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Audio     io.ReadCloser `json:"-"` // Audio stream
	Format    string        `json:"format"`
	Duration  time.Duration `json:"duration,omitempty"`
	CharCount int           `json:"char_count,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// TTSProvider 定义了 TTS 提供者接口。
type TTSProvider interface {
	// Synthesize 整段合成
	Synthesize(ctx context.Context, req *TTSRequest) (*TTSResponse, error)

	// SynthesizeStream 把 textCh 上的句子逐句合成为音频分片流。
	// textCh 关闭后输出通道随之关闭，最后一个分片带 IsFinal。
	// 单句合成失败通过 errCh 报告，不中断后续句子。
	SynthesizeStream(ctx context.Context, textCh <-chan string, opts *TTSRequest) (<-chan types.AudioChunk, <-chan error)

	// ListVoices 返回可用声音
	ListVoices(ctx context.Context) ([]Voice, error)

	// Name 返回提供者名称
	Name() string
}

// Voice 代表一个可用的声音。
type Voice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Language    string `json:"language,omitempty"`
	Gender      string `json:"gender,omitempty"` // male, female, neutral
	Description string `json:"description,omitempty"`
	PreviewURL  string `json:"preview_url,omitempty"`
}
