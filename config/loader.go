// =============================================================================
// 📦 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("VOICE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// 环境变量键由 yaml 标签逐级拼接而成，例如
// providers.deepgram.api_key → VOICE_PROVIDERS_DEEPGRAM_API_KEY。
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ruchi-nb/full-matata-sub001/llm"
	"github.com/ruchi-nb/full-matata-sub001/persistence"
	"github.com/ruchi-nb/full-matata-sub001/pipeline"
	"github.com/ruchi-nb/full-matata-sub001/rag"
	"github.com/ruchi-nb/full-matata-sub001/resilience"
	"github.com/ruchi-nb/full-matata-sub001/session"
	"github.com/ruchi-nb/full-matata-sub001/speech"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是语音服务的完整配置结构。
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server"`

	// Providers 语音与 LLM 提供商配置
	Providers ProvidersConfig `yaml:"providers"`

	// Resilience 守卫与重试配置
	Resilience ResilienceConfig `yaml:"resilience"`

	// Pipeline 会话编排默认值（每次握手可覆盖语言/声音等）
	Pipeline pipeline.Config `yaml:"pipeline"`

	// Session 会话存储配置
	Session session.Config `yaml:"session"`

	// Redis 会话存储后端（可选，未启用时用内存存储）
	Redis RedisConfig `yaml:"redis"`

	// Database 问诊持久化（可选）
	Database DatabaseConfig `yaml:"database"`

	// Qdrant 检索后端（可选）
	Qdrant QdrantConfig `yaml:"qdrant"`

	// Auth 鉴权配置
	Auth AuthConfig `yaml:"auth"`

	// Log 日志配置
	Log LogConfig `yaml:"log"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig 服务器配置。
type ServerConfig struct {
	// 监听地址
	Addr string `yaml:"addr"`
	// 请求头读取超时
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// 最大请求头大小
	MaxHeaderBytes int `yaml:"max_header_bytes"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// 每客户端限速（请求/秒）
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	// 限速突发额度
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// ProvidersConfig 提供商选择与各家凭证。
type ProvidersConfig struct {
	// STT 默认转写提供商: deepgram, whisper
	STT string `yaml:"stt"`
	// TTS 默认合成提供商: elevenlabs, openai
	TTS string `yaml:"tts"`

	Deepgram   speech.DeepgramConfig   `yaml:"deepgram"`
	Whisper    speech.OpenAISTTConfig  `yaml:"whisper"`
	ElevenLabs speech.ElevenLabsConfig `yaml:"elevenlabs"`
	OpenAITTS  speech.OpenAITTSConfig  `yaml:"openai_tts"`

	// LLM OpenAI 兼容生成后端
	LLM llm.OpenAIConfig `yaml:"llm"`

	// History 历史窗口配置
	History llm.HistoryConfig `yaml:"history"`
}

// ResilienceConfig 守卫与重试配置，对所有提供商统一生效。
type ResilienceConfig struct {
	Guard resilience.Config      `yaml:"guard"`
	Retry resilience.RetryPolicy `yaml:"retry"`
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	// 是否作为会话存储后端
	Enabled bool `yaml:"enabled"`
	// 地址
	Addr string `yaml:"addr"`
	// 密码
	Password string `yaml:"password"`
	// 数据库编号
	DB int `yaml:"db"`
	// 连接池大小
	PoolSize int `yaml:"pool_size"`
}

// DatabaseConfig 问诊持久化配置。
type DatabaseConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled"`
	// Postgres 连接串
	Postgres persistence.Config `yaml:"postgres"`
}

// QdrantConfig 检索后端配置。
type QdrantConfig struct {
	// 是否启用检索
	Enabled bool `yaml:"enabled"`
	// Qdrant 连接参数
	Qdrant rag.QdrantConfig `yaml:"qdrant"`
	// Embedder 查询向量化端点
	Embedder rag.OpenAIEmbedderConfig `yaml:"embedder"`
	// 检索延迟上界
	Timeout time.Duration `yaml:"timeout"`
	// 检索结果缓存 TTL（启用 Redis 时生效，0 表示默认 5 分钟）
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// AuthConfig 鉴权配置。
type AuthConfig struct {
	// JWT HMAC 密钥
	JWTSecret string `yaml:"jwt_secret"`
	// 期望的签发方（可选）
	Issuer string `yaml:"issuer"`
}

// LogConfig 日志配置。
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level"`
	// 输出格式: json, console
	Format string `yaml:"format"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller"`
}

// TelemetryConfig 遥测配置。
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// 服务名称
	ServiceName string `yaml:"service_name"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "VOICE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段，键名由 yaml 标签拼接
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		tag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}

		envKey := prefix + "_" + strings.ToUpper(tag)

		// 结构体递归处理（time.Duration 是 int64，不会进入此分支）
		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server addr is required")
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, "auth jwt_secret is required")
	}
	switch c.Providers.STT {
	case "deepgram", "whisper":
	default:
		errs = append(errs, fmt.Sprintf("unknown stt provider %q", c.Providers.STT))
	}
	switch c.Providers.TTS {
	case "elevenlabs", "openai":
	default:
		errs = append(errs, fmt.Sprintf("unknown tts provider %q", c.Providers.TTS))
	}
	if c.Resilience.Guard.RateLimit <= 0 {
		errs = append(errs, "guard rate_limit must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
