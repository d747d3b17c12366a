package pipeline

import (
	"github.com/ruchi-nb/full-matata-sub001/audio"
)

// Config 单个会话的编排配置。会话建立后不可变：
// 中途切换提供商或语言必须重新建立会话。
type Config struct {
	// SessionID 会话标识，为空时自动生成
	SessionID string `yaml:"session_id" json:"session_id"`

	// ConsultationID 关联的问诊标识，可为空
	ConsultationID string `yaml:"consultation_id" json:"consultation_id"`

	// Language ISO-639-1 语言代码
	Language string `yaml:"language" json:"language"`

	// Multilingual 是否允许混合语言识别
	Multilingual bool `yaml:"multilingual" json:"multilingual"`

	// EnableRAG 生成前是否检索参考片段
	EnableRAG bool `yaml:"enable_rag" json:"enable_rag"`

	// RAGTopK 检索片段数量
	RAGTopK int `yaml:"rag_top_k" json:"rag_top_k"`

	// Voice TTS 声音标识，为空时使用提供商默认
	Voice string `yaml:"voice" json:"voice"`

	// Encoding / SampleRate 入站音频参数
	Encoding   string `yaml:"encoding" json:"encoding"`
	SampleRate int    `yaml:"sample_rate" json:"sample_rate"`

	// EndpointingMS 语音端点静默阈值（毫秒）
	EndpointingMS int `yaml:"endpointing_ms" json:"endpointing_ms"`

	// BufferProfile 出站音频调速档位
	BufferProfile audio.Profile `yaml:"buffer_profile" json:"buffer_profile"`

	// MaxDegradedCycles 连续降级循环达到该值时关闭会话
	MaxDegradedCycles int `yaml:"max_degraded_cycles" json:"max_degraded_cycles"`

	// ApologyText 降级时发给客户端的致歉文本
	ApologyText string `yaml:"apology_text" json:"apology_text"`
}

// DefaultConfig 返回默认编排配置。
func DefaultConfig() Config {
	return Config{
		Language:          "en",
		RAGTopK:           3,
		Encoding:          "linear16",
		SampleRate:        16000,
		EndpointingMS:     300,
		BufferProfile:     audio.ProfileBalanced,
		MaxDegradedCycles: 3,
		ApologyText:       "I am sorry, I could not process that. Could you please repeat?",
	}
}

// withDefaults 填充零值字段。
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Language == "" {
		c.Language = d.Language
	}
	if c.RAGTopK <= 0 {
		c.RAGTopK = d.RAGTopK
	}
	if c.Encoding == "" {
		c.Encoding = d.Encoding
	}
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.EndpointingMS <= 0 {
		c.EndpointingMS = d.EndpointingMS
	}
	if c.BufferProfile == "" {
		c.BufferProfile = d.BufferProfile
	}
	if c.MaxDegradedCycles <= 0 {
		c.MaxDegradedCycles = d.MaxDegradedCycles
	}
	if c.ApologyText == "" {
		c.ApologyText = d.ApologyText
	}
	return c
}
