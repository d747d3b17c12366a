// =============================================================================
// 🖥️ 语音服务器
// =============================================================================
// 组装提供者适配器、守卫、会话存储、检索与持久化，
// 并在 /ws/voice 上为每条连接启动一个管线编排器
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ruchi-nb/full-matata-sub001/audio"
	"github.com/ruchi-nb/full-matata-sub001/config"
	"github.com/ruchi-nb/full-matata-sub001/internal/cache"
	"github.com/ruchi-nb/full-matata-sub001/internal/metrics"
	"github.com/ruchi-nb/full-matata-sub001/internal/server"
	"github.com/ruchi-nb/full-matata-sub001/internal/telemetry"
	"github.com/ruchi-nb/full-matata-sub001/llm"
	"github.com/ruchi-nb/full-matata-sub001/persistence"
	"github.com/ruchi-nb/full-matata-sub001/pipeline"
	"github.com/ruchi-nb/full-matata-sub001/rag"
	"github.com/ruchi-nb/full-matata-sub001/resilience"
	"github.com/ruchi-nb/full-matata-sub001/session"
	"github.com/ruchi-nb/full-matata-sub001/speech"
	"github.com/ruchi-nb/full-matata-sub001/transport"
)

// =============================================================================
// 📦 服务器结构
// =============================================================================

// Server 聚合语音服务的全部长生命周期组件。
// 提供者适配器与守卫跨会话共享；编排器按连接创建。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager *server.Manager
	collector   *metrics.Collector
	otel        *telemetry.Providers

	stt     speech.STTProvider
	tts     speech.TTSProvider
	llm     llm.Provider
	history *llm.HistoryBuilder

	sttGuard *resilience.Guard
	ttsGuard *resilience.Guard
	llmGuard *resilience.Guard

	store         session.Store
	redisClient   *redis.Client
	consultations persistence.ConsultationLog
	retriever     rag.Retriever
	auth          transport.Authenticator

	rateLimiter *RateLimiter
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 初始化所有组件并启动 HTTP 服务器
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("matata_voice", s.logger)

	s.auth = transport.NewJWTAuthenticator([]byte(s.cfg.Auth.JWTSecret), s.cfg.Auth.Issuer)

	if err := s.initProviders(); err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}

	if err := s.initStores(); err != nil {
		return fmt.Errorf("failed to initialize stores: %w", err)
	}

	s.initRetriever()

	handler := s.buildHandler()

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:              s.cfg.Server.Addr,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:    s.cfg.Server.MaxHeaderBytes,
		ShutdownTimeout:   s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("voice server started",
		zap.String("addr", s.httpManager.Addr()),
		zap.String("stt", s.stt.Name()),
		zap.String("tts", s.tts.Name()),
		zap.Bool("redis", s.cfg.Redis.Enabled),
		zap.Bool("persistence", s.cfg.Database.Enabled),
		zap.Bool("rag", s.cfg.Qdrant.Enabled),
	)

	return nil
}

// initProviders 构建带守卫和重试的提供者适配器。
// 每个提供商一个独立的 Guard：限流窗口与熔断互不串扰。
func (s *Server) initProviders() error {
	guardCfg := &s.cfg.Resilience.Guard
	retryPolicy := &s.cfg.Resilience.Retry

	newGuarded := func(name string) (*resilience.Guard, *resilience.Retryer) {
		guard := resilience.NewGuard(name, guardCfg, s.collector, s.logger)
		return guard, resilience.NewRetryer(retryPolicy, guard, s.logger)
	}

	// --- STT ---
	var sttInner speech.STTProvider
	switch s.cfg.Providers.STT {
	case "whisper":
		sttInner = speech.NewOpenAISTTProvider(s.cfg.Providers.Whisper)
	case "deepgram", "":
		sttInner = speech.NewDeepgramProvider(s.cfg.Providers.Deepgram, s.logger)
	default:
		return fmt.Errorf("unknown stt provider: %q", s.cfg.Providers.STT)
	}
	var sttRetryer *resilience.Retryer
	s.sttGuard, sttRetryer = newGuarded(sttInner.Name())
	s.stt = speech.NewResilientSTT(sttInner, sttRetryer, s.sttGuard)

	// --- TTS ---
	var ttsInner speech.TTSProvider
	switch s.cfg.Providers.TTS {
	case "openai":
		ttsInner = speech.NewOpenAITTSProvider(s.cfg.Providers.OpenAITTS, s.logger)
	case "elevenlabs", "":
		ttsInner = speech.NewElevenLabsProvider(s.cfg.Providers.ElevenLabs, s.logger)
	default:
		return fmt.Errorf("unknown tts provider: %q", s.cfg.Providers.TTS)
	}
	var ttsRetryer *resilience.Retryer
	s.ttsGuard, ttsRetryer = newGuarded(ttsInner.Name())
	s.tts = speech.NewResilientTTS(ttsInner, ttsRetryer, s.ttsGuard)

	// --- LLM ---
	llmInner := llm.NewOpenAIProvider(s.cfg.Providers.LLM, s.logger)
	var llmRetryer *resilience.Retryer
	s.llmGuard, llmRetryer = newGuarded(llmInner.Name())
	s.llm = llm.NewResilientProvider(llmInner, llmRetryer, s.llmGuard)

	s.history = llm.NewHistoryBuilder(s.cfg.Providers.History, s.logger)

	return nil
}

// initStores 构建会话存储与问诊持久化
func (s *Server) initStores() error {
	if s.cfg.Redis.Enabled {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
			PoolSize: s.cfg.Redis.PoolSize,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		s.store = session.NewRedisStore(s.redisClient, s.cfg.Session, s.logger)
	} else {
		s.store = session.NewMemoryStore(s.cfg.Session, s.logger)
	}

	if s.cfg.Database.Enabled {
		log, err := persistence.NewGormLog(s.cfg.Database.Postgres, s.logger)
		if err != nil {
			return fmt.Errorf("consultation log init failed: %w", err)
		}
		s.consultations = log
	}

	return nil
}

// initRetriever 构建知识检索链：Qdrant + 向量化 + 可选缓存 + 延迟上界。
// 未启用时保持 nil，编排器按无 RAG 运行。
func (s *Server) initRetriever() {
	if !s.cfg.Qdrant.Enabled {
		return
	}

	embedder := rag.NewOpenAIEmbedder(s.cfg.Qdrant.Embedder)
	var inner rag.Retriever = rag.NewQdrantRetriever(s.cfg.Qdrant.Qdrant, embedder, s.logger)

	// 会话存储用 Redis 时顺带给检索结果做短 TTL 缓存
	if s.redisClient != nil {
		if cacheManager, err := cache.NewManager(s.redisClient, s.cfg.Qdrant.CacheTTL, s.logger); err == nil {
			inner = rag.NewCachedRetriever(inner, cacheManager, s.cfg.Qdrant.CacheTTL, s.logger)
		}
	}

	s.retriever = rag.NewBoundedRetriever(inner, s.cfg.Qdrant.Timeout, s.logger)
}

// =============================================================================
// 🌐 路由与处理器
// =============================================================================

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/voice", s.handleVoiceSession)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.rateLimiter = NewRateLimiter(s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger)

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		s.rateLimiter.Middleware(),
	)
}

// handleVoiceSession 把一条 WebSocket 连接交给编排器。
// 连接建立时通过查询参数定制会话；建立后配置不可变。
func (s *Server) handleVoiceSession(w http.ResponseWriter, r *http.Request) {
	credential := r.Header.Get("Authorization")
	if credential == "" {
		credential = r.URL.Query().Get("token")
	}

	cfg := s.sessionConfig(r)

	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := transport.NewWebSocketConn(wsConn, s.logger)

	var prompts pipeline.PromptSource
	if s.consultations != nil && cfg.ConsultationID != "" {
		prompts = pipeline.NewConsultationPrompt(s.consultations, cfg.ConsultationID, pipeline.DefaultSystemPrompt, s.logger)
	}

	orch, err := pipeline.New(cfg, pipeline.Deps{
		STT:           s.stt,
		TTS:           s.tts,
		LLM:           s.llm,
		History:       s.history,
		Store:         s.store,
		Auth:          s.auth,
		Retriever:     s.retriever,
		Consultations: s.consultations,
		Prompts:       prompts,
		Metrics:       s.collector,
		Logger:        s.logger,
	})
	if err != nil {
		s.logger.Error("failed to create session orchestrator", zap.Error(err))
		conn.Close("internal_error")
		return
	}

	if err := orch.Run(r.Context(), conn, credential); err != nil {
		s.logger.Warn("voice session ended with error",
			zap.String("session_id", cfg.SessionID),
			zap.Error(err))
	}
}

// sessionConfig 从服务默认值出发，应用单条连接的查询参数覆盖
func (s *Server) sessionConfig(r *http.Request) pipeline.Config {
	cfg := s.cfg.Pipeline
	q := r.URL.Query()

	if v := q.Get("session_id"); v != "" {
		cfg.SessionID = v
	}
	if v := q.Get("consultation_id"); v != "" {
		cfg.ConsultationID = v
	}
	if v := q.Get("language"); v != "" {
		cfg.Language = v
	}
	if v := q.Get("voice"); v != "" {
		cfg.Voice = v
	}
	if v := q.Get("multilingual"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Multilingual = b
		}
	}
	if v := q.Get("rag"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EnableRAG = b
		}
	}
	if v := q.Get("profile"); v != "" {
		cfg.BufferProfile = audio.Profile(v)
	}

	return cfg
}

// handleHealth 返回服务与各提供商守卫的健康状态
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type guardHealth struct {
		Degraded    bool `json:"degraded"`
		CircuitOpen bool `json:"circuit_open"`
	}

	providers := map[string]guardHealth{}
	healthy := true
	for name, guard := range map[string]*resilience.Guard{
		s.stt.Name(): s.sttGuard,
		s.tts.Name(): s.ttsGuard,
		s.llm.Name(): s.llmGuard,
	} {
		failures, open := guard.Health()
		providers[name] = guardHealth{Degraded: failures > 0, CircuitOpen: open}
		if open {
			healthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"version":   Version,
		"providers": providers,
	})
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞直到收到关闭信号，然后优雅关闭
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
	s.Shutdown()
}

// Shutdown 释放服务器持有的资源
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("session store close failed", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Warn("redis close failed", zap.Error(err))
		}
	}

	if closer, ok := s.consultations.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.Warn("consultation log close failed", zap.Error(err))
		}
	}

	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
}
