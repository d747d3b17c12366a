// =============================================================================
// 📦 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/ruchi-nb/full-matata-sub001/llm"
	"github.com/ruchi-nb/full-matata-sub001/persistence"
	"github.com/ruchi-nb/full-matata-sub001/pipeline"
	"github.com/ruchi-nb/full-matata-sub001/rag"
	"github.com/ruchi-nb/full-matata-sub001/resilience"
	"github.com/ruchi-nb/full-matata-sub001/session"
	"github.com/ruchi-nb/full-matata-sub001/speech"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Providers:  DefaultProvidersConfig(),
		Resilience: DefaultResilienceConfig(),
		Pipeline:   pipeline.DefaultConfig(),
		Session:    session.DefaultConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DatabaseConfig{Postgres: persistence.DefaultConfig()},
		Qdrant:     DefaultQdrantConfig(),
		Auth:       AuthConfig{},
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":8080",
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
		ShutdownTimeout:   30 * time.Second,
		RateLimitRPS:      20,
		RateLimitBurst:    40,
	}
}

// DefaultProvidersConfig 返回默认提供商配置
func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		STT:        "deepgram",
		TTS:        "elevenlabs",
		Deepgram:   speech.DefaultDeepgramConfig(),
		Whisper:    speech.DefaultOpenAISTTConfig(),
		ElevenLabs: speech.DefaultElevenLabsConfig(),
		OpenAITTS:  speech.DefaultOpenAITTSConfig(),
		LLM:        llm.DefaultOpenAIConfig(),
		History:    llm.DefaultHistoryConfig(),
	}
}

// DefaultResilienceConfig 返回默认守卫与重试配置
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Guard: *resilience.DefaultConfig(),
		Retry: *resilience.DefaultRetryPolicy(),
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     "localhost:6379",
		DB:       0,
		PoolSize: 10,
	}
}

// DefaultQdrantConfig 返回默认检索配置
func DefaultQdrantConfig() QdrantConfig {
	return QdrantConfig{
		Qdrant:   rag.DefaultQdrantConfig(),
		Timeout:  500 * time.Millisecond,
		CacheTTL: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "matata-voice",
		SampleRate:   1.0,
	}
}
