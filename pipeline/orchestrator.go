package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ruchi-nb/full-matata-sub001/audio"
	"github.com/ruchi-nb/full-matata-sub001/internal/ctxkeys"
	"github.com/ruchi-nb/full-matata-sub001/llm"
	"github.com/ruchi-nb/full-matata-sub001/persistence"
	"github.com/ruchi-nb/full-matata-sub001/rag"
	"github.com/ruchi-nb/full-matata-sub001/session"
	"github.com/ruchi-nb/full-matata-sub001/speech"
	"github.com/ruchi-nb/full-matata-sub001/transport"
	"github.com/ruchi-nb/full-matata-sub001/types"
	"go.uber.org/zap"
)

// ============================================================
// 状态机
// ============================================================

// State 会话状态。
type State string

const (
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateListening      State = "listening"
	StateTranscribing   State = "transcribing"
	StateGenerating     State = "generating"
	StateSpeaking       State = "speaking"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// 会话关闭原因。
const (
	CloseReasonClientStop       = "client_stop"
	CloseReasonClientDisconnect = "client_disconnect"
	CloseReasonDegraded         = "degraded"
	CloseReasonUnauthorized     = "unauthorized"
	CloseReasonProviderFailure  = "provider_unavailable"
	CloseReasonShutdown         = "shutdown"
)

// errSessionStopped 客户端显式 stop 的哨兵错误。
var errSessionStopped = errors.New("session stopped by client")

// Metrics 编排层上报的指标汇。所有方法即发即弃。
type Metrics interface {
	SessionStarted()
	SessionEnded(reason string)
	RecordDegradedCycle(stage string)
	RecordPacedChunk(bytes int)
	RecordFirstAudioLatency(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) SessionStarted()                       {}
func (nopMetrics) SessionEnded(string)                   {}
func (nopMetrics) RecordDegradedCycle(string)            {}
func (nopMetrics) RecordPacedChunk(int)                  {}
func (nopMetrics) RecordFirstAudioLatency(time.Duration) {}

// streamFailureObserver 可选能力：把流中途失败计入熔断统计。
// ResilientProvider 实现它；裸 Provider 不实现。
type streamFailureObserver interface {
	ObserveStreamFailure(err error)
}

// ============================================================
// 编排器
// ============================================================

// Deps 编排器的外部协作方。STT/TTS/LLM/History/Store/Auth 必填，
// 其余可选：缺失时对应能力退化为 no-op。
type Deps struct {
	STT     speech.STTProvider
	TTS     speech.TTSProvider
	LLM     llm.Provider
	History *llm.HistoryBuilder
	Store   session.Store
	Auth    transport.Authenticator

	Retriever     rag.Retriever              // 可选，EnableRAG 时使用
	Consultations persistence.ConsultationLog // 可选，尽力而为
	Prompts       PromptSource               // 可选，默认静态提示词
	Metrics       Metrics                    // 可选
	Logger        *zap.Logger
}

// Orchestrator 驱动一个语音会话的完整生命周期：
// 鉴权、转写、生成、合成、调速发送，以及降级与关闭策略。
// 一个 Orchestrator 实例服务一条连接。
type Orchestrator struct {
	cfg  Config
	deps Deps

	logger  *zap.Logger
	metrics Metrics

	mu    sync.Mutex
	state State
}

// New 创建编排器。
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.STT == nil || deps.TTS == nil || deps.LLM == nil {
		return nil, fmt.Errorf("stt, tts and llm providers are required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	cfg = cfg.withDefaults()
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if deps.History == nil {
		deps.History = llm.NewHistoryBuilder(llm.DefaultHistoryConfig(), deps.Logger)
	}
	if deps.Prompts == nil {
		deps.Prompts = StaticPrompt(DefaultSystemPrompt)
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		metrics: deps.Metrics,
		logger: deps.Logger.With(
			zap.String("component", "orchestrator"),
			zap.String("session_id", cfg.SessionID),
		),
		state: StateIdle,
	}, nil
}

// State 返回当前会话状态。
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// SessionID 返回会话标识。
func (o *Orchestrator) SessionID() string { return o.cfg.SessionID }

// ============================================================
// 会话主流程
// ============================================================

// Run 在一条连接上驱动会话直至关闭。阻塞调用；返回时连接已关闭。
// credential 是握手携带的 bearer 凭证，鉴权失败立即关闭连接。
func (o *Orchestrator) Run(ctx context.Context, conn transport.Conn, credential string) error {
	// 会话 ID 随 context 下传，协作方日志按会话聚合
	ctx = ctxkeys.WithSessionID(ctx, o.cfg.SessionID)

	// 鉴权先于一切提供者交互
	o.setState(StateAuthenticating)
	identity, err := o.deps.Auth.Authenticate(ctx, credential)
	if err != nil {
		_ = conn.SendFrame(ctx, transport.NewErrorFrame(o.cfg.SessionID, string(types.ErrUnauthorized), "authentication failed"))
		_ = conn.Close(CloseReasonUnauthorized)
		o.setState(StateClosed)
		return err
	}

	o.logger.Info("session authenticated",
		zap.String("subject", identity.Subject),
		zap.String("consultation_id", o.cfg.ConsultationID))

	o.metrics.SessionStarted()
	s := &liveSession{
		o:           o,
		conn:        conn,
		closeReason: CloseReasonClientDisconnect,
	}
	defer func() { o.metrics.SessionEnded(s.closeReason) }()

	o.setState(StateConnected)
	if err := conn.SendFrame(ctx, transport.Frame{
		Type:      transport.FrameConnectionEstablished,
		SessionID: o.cfg.SessionID,
		Timestamp: time.Now(),
	}); err != nil {
		_ = conn.Close(CloseReasonClientDisconnect)
		o.setState(StateClosed)
		return err
	}

	// 尽力而为的旁路：系统提示词与问诊持久化。失败只记日志。
	s.systemPrompt = o.resolvePrompt(ctx)
	s.openConsultation(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelRun = cancel

	stream, err := o.deps.STT.StartStream(runCtx, o.streamConfig())
	if err != nil {
		o.logger.Error("stt stream unavailable", zap.Error(err))
		_ = conn.SendFrame(ctx, transport.NewErrorFrame(o.cfg.SessionID, string(types.CodeOf(err)), "speech recognition unavailable"))
		s.closeReason = CloseReasonProviderFailure
		return s.shutdown(ctx, err)
	}
	s.stream = stream
	o.setState(StateListening)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.pumpInbound(gctx) })
	g.Go(func() error { return s.consumeTranscripts(gctx) })
	err = g.Wait()

	switch {
	case errors.Is(err, errSessionStopped):
		s.closeReason = CloseReasonClientStop
		err = nil
	case ctx.Err() != nil:
		s.closeReason = CloseReasonShutdown
		err = nil
	case runCtx.Err() != nil && s.closeReason == CloseReasonDegraded:
		err = nil
	}

	return s.shutdown(ctx, err)
}

func (o *Orchestrator) streamConfig() speech.StreamConfig {
	return speech.StreamConfig{
		Language:       o.cfg.Language,
		Encoding:       o.cfg.Encoding,
		SampleRate:     o.cfg.SampleRate,
		InterimResults: true,
		EndpointingMS:  o.cfg.EndpointingMS,
	}
}

func (o *Orchestrator) resolvePrompt(ctx context.Context) string {
	prompt, err := o.deps.Prompts.SystemPrompt(ctx)
	if err != nil || prompt == "" {
		if err != nil {
			o.logger.Warn("prompt source failed, using default", zap.Error(err))
		}
		return DefaultSystemPrompt
	}
	return prompt
}

// ============================================================
// 活动会话
// ============================================================

// liveSession 一条连接的可变状态。
type liveSession struct {
	o    *Orchestrator
	conn transport.Conn

	cancelRun    context.CancelFunc
	systemPrompt string
	dbSessionID  uint // 0 表示未打开持久化会话

	mu          sync.Mutex
	stream      speech.STTStream
	replyCancel context.CancelFunc
	replyWG     sync.WaitGroup
	closeReason string

	// consecutiveDegraded 连续降级循环计数，成功回复清零
	consecutiveDegraded int32
}

func (s *liveSession) openConsultation(ctx context.Context) {
	if s.o.deps.Consultations == nil || s.o.cfg.ConsultationID == "" {
		return
	}
	id, err := s.o.deps.Consultations.OpenSession(ctx, s.o.cfg.ConsultationID)
	if err != nil {
		s.o.logger.Warn("consultation session unavailable",
			zap.String("consultation_id", s.o.cfg.ConsultationID),
			zap.Error(err))
		return
	}
	s.dbSessionID = id
}

func (s *liveSession) currentStream() speech.STTStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *liveSession) swapStream(ns speech.STTStream) {
	s.mu.Lock()
	old := s.stream
	s.stream = ns
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// pumpInbound 把入站消息泵入转写流并处理控制动作。
// 连接断开结束整个会话。
func (s *liveSession) pumpInbound(ctx context.Context) error {
	for {
		msg, err := s.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch msg.Type {
		case transport.ClientAudio:
			stream := s.currentStream()
			if stream == nil {
				continue
			}
			if err := stream.Send(ctx, types.AudioChunk{Data: msg.Audio}); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if types.CodeOf(err) == types.ErrSessionClosed {
					// 流正在重建，分片静默丢弃
					continue
				}
				// 分片被拒（校验/限流）：告知客户端
				s.o.logger.Warn("audio chunk rejected", zap.Error(err))
				_ = s.conn.SendFrame(ctx, transport.NewErrorFrame(s.o.cfg.SessionID, string(types.CodeOf(err)), "audio chunk rejected"))
			}

		case transport.ClientControl:
			switch msg.Action {
			case transport.ActionPing:
				_ = s.conn.SendFrame(ctx, transport.Frame{
					Type:      transport.FramePong,
					SessionID: s.o.cfg.SessionID,
					Timestamp: time.Now(),
				})
			case transport.ActionEndUtterance:
				// 显式宣告 utterance 结束：触发提供商端 flush
				if stream := s.currentStream(); stream != nil {
					if err := stream.CloseSend(ctx); err != nil && ctx.Err() == nil {
						s.o.logger.Warn("close send failed", zap.Error(err))
					}
				}
			case transport.ActionStop:
				return errSessionStopped
			}
		}
	}
}

// consumeTranscripts 消费转写事件：部分结果转发给客户端，
// 最终结果追加患者 Turn 并启动回复。流结束后为下一个 utterance 重建流。
func (s *liveSession) consumeTranscripts(ctx context.Context) error {
	for {
		stream := s.currentStream()
		if stream == nil {
			return nil
		}

		ev, ok := s.nextEvent(ctx, stream)
		if ctx.Err() != nil {
			return nil
		}
		if !ok {
			if err := stream.Err(); err != nil {
				s.o.logger.Warn("stt stream terminated", zap.Error(err))
				if s.degrade(ctx, "transcribing") {
					return nil
				}
			}
			// 为下一个 utterance 重建流
			ns, err := s.o.deps.STT.StartStream(ctx, s.o.streamConfig())
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.o.logger.Error("stt stream restart failed", zap.Error(err))
				if s.degrade(ctx, "transcribing") {
					return nil
				}
				continue
			}
			s.swapStream(ns)
			continue
		}

		if !ev.IsFinal {
			s.o.setState(StateTranscribing)
			_ = s.conn.SendFrame(ctx, transport.NewTranscriptFrame(s.o.cfg.SessionID, ev.Text, false))
			continue
		}

		utterance := strings.TrimSpace(ev.Text)
		if utterance == "" {
			continue
		}
		_ = s.conn.SendFrame(ctx, transport.NewTranscriptFrame(s.o.cfg.SessionID, utterance, true))

		// 历史快照先于患者 Turn 追加：Build 会把 utterance 作为末尾
		// user 消息追加，快照里不能重复出现
		history, err := s.o.deps.Store.History(ctx, s.o.cfg.SessionID, 0)
		if err != nil {
			s.o.logger.Warn("history unavailable", zap.Error(err))
			history = nil
		}
		if err := s.o.deps.Store.Append(ctx, s.o.cfg.SessionID, types.NewPatientTurn(utterance)); err != nil {
			s.o.logger.Warn("append patient turn failed", zap.Error(err))
		}

		s.startReply(ctx, utterance, history)
	}
}

// nextEvent 等待下一个转写事件，ctx 结束时立即返回。
func (s *liveSession) nextEvent(ctx context.Context, stream speech.STTStream) (types.TranscriptEvent, bool) {
	select {
	case ev, ok := <-stream.Events():
		return ev, ok
	case <-ctx.Done():
		return types.TranscriptEvent{}, false
	}
}

// ============================================================
// 回复（生成 → 切句 → 合成 → 调速发送）
// ============================================================

// startReply 为一个最终转写启动回复。已有回复在途时先取消它（打断）。
func (s *liveSession) startReply(ctx context.Context, utterance string, history []types.Turn) {
	s.mu.Lock()
	if s.replyCancel != nil {
		s.replyCancel()
	}
	replyCtx, cancel := context.WithCancel(ctx)
	s.replyCancel = cancel
	s.mu.Unlock()

	finalAt := time.Now()
	s.replyWG.Add(1)
	go func() {
		defer s.replyWG.Done()
		defer cancel()
		s.reply(replyCtx, utterance, history, finalAt)
	}()
}

func (s *liveSession) reply(ctx context.Context, utterance string, history []types.Turn, finalAt time.Time) {
	o := s.o
	o.setState(StateGenerating)

	ragContext := s.retrieve(ctx, utterance)
	messages := o.deps.History.Build(s.systemPrompt, history, utterance, ragContext)

	chunks, err := o.deps.LLM.Stream(ctx, &llm.ChatRequest{Messages: messages})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.logger.Warn("generation failed", zap.Error(err))
		s.degrade(ctx, "generating")
		return
	}

	textCh := make(chan string, 8)
	audioCh, ttsErrCh := o.deps.TTS.SynthesizeStream(ctx, textCh, &speech.TTSRequest{
		Voice:    o.cfg.Voice,
		Language: o.cfg.Language,
	})

	buffer := audio.NewBuffer(audio.ProfileConfig(o.cfg.BufferProfile), o.logger)
	pacedCh := buffer.Pace(ctx, audioCh)

	// 发声侧：调速分片顺序发出，首个分片记录首音频延迟
	var audioSent atomic.Bool
	speakDone := make(chan struct{})
	go func() {
		defer close(speakDone)
		for chunk := range pacedCh {
			if len(chunk.Data) == 0 {
				continue
			}
			if err := s.conn.SendAudio(ctx, chunk.Data); err != nil {
				if ctx.Err() == nil {
					o.logger.Warn("audio send failed", zap.Error(err))
				}
				return
			}
			if audioSent.CompareAndSwap(false, true) {
				o.setState(StateSpeaking)
				o.metrics.RecordFirstAudioLatency(time.Since(finalAt))
			}
			o.metrics.RecordPacedChunk(len(chunk.Data))
		}
	}()

	// 单句合成失败不中断回复，只计数
	var ttsFailures atomic.Int32
	ttsErrDone := make(chan struct{})
	go func() {
		defer close(ttsErrDone)
		for err := range ttsErrCh {
			if ctx.Err() == nil {
				ttsFailures.Add(1)
				o.logger.Warn("sentence synthesis failed", zap.Error(err))
			}
		}
	}()

	// 生成侧：增量切句，完整句子立即送往合成
	var replyText strings.Builder
	splitter := newSentenceSplitter()
	degradedStage := ""

	forward := func(sentence string) bool {
		select {
		case textCh <- sentence:
			return true
		case <-ctx.Done():
			return false
		}
	}

collect:
	for chunk := range chunks {
		if chunk.Err != nil {
			if ctx.Err() != nil {
				break
			}
			if obs, ok := o.deps.LLM.(streamFailureObserver); ok {
				obs.ObserveStreamFailure(chunk.Err)
			}
			o.logger.Warn("generation stream failed", zap.Error(chunk.Err))
			degradedStage = "generating"
			break
		}
		delta := chunk.Delta.Content
		if delta == "" {
			continue
		}
		replyText.WriteString(delta)
		for _, sentence := range splitter.Feed(delta) {
			if !forward(sentence) {
				break collect
			}
		}
	}
	if degradedStage == "" && ctx.Err() == nil {
		if tail := splitter.Flush(); tail != "" {
			forward(tail)
		}
	}
	close(textCh)
	<-speakDone
	<-ttsErrDone

	if ctx.Err() != nil {
		// 打断或会话关闭，不算降级
		return
	}
	if degradedStage != "" {
		s.degrade(ctx, degradedStage)
		return
	}

	assistantText := strings.TrimSpace(replyText.String())
	if assistantText != "" && !audioSent.Load() && ttsFailures.Load() > 0 {
		// 没有任何一句合成成功
		s.degrade(ctx, "speaking")
		return
	}

	if assistantText != "" {
		_ = s.conn.SendFrame(ctx, transport.Frame{
			Type:      transport.FrameAssistantText,
			SessionID: o.cfg.SessionID,
			Text:      assistantText,
			Timestamp: time.Now(),
		})
		if err := o.deps.Store.Append(ctx, o.cfg.SessionID, types.NewAssistantTurn(assistantText)); err != nil {
			o.logger.Warn("append assistant turn failed", zap.Error(err))
		}
		s.persistExchange(ctx, utterance, assistantText, time.Since(finalAt))
	}

	atomic.StoreInt32(&s.consecutiveDegraded, 0)
	o.setState(StateListening)
}

func (s *liveSession) retrieve(ctx context.Context, utterance string) string {
	if !s.o.cfg.EnableRAG || s.o.deps.Retriever == nil {
		return ""
	}
	snippets, err := s.o.deps.Retriever.Retrieve(ctx, utterance, s.o.cfg.RAGTopK)
	if err != nil || len(snippets) == 0 {
		return ""
	}
	return llm.FormatSnippets(rag.Texts(snippets))
}

// persistExchange 尽力而为地把一轮对话写入问诊记录。
func (s *liveSession) persistExchange(ctx context.Context, patientText, assistantText string, latency time.Duration) {
	if s.o.deps.Consultations == nil || s.dbSessionID == 0 {
		return
	}
	log := s.o.deps.Consultations
	if err := log.AppendMessage(ctx, s.dbSessionID, string(types.RolePatient), patientText, "", 0); err != nil {
		s.o.logger.Warn("persist patient message failed", zap.Error(err))
		return
	}
	if err := log.AppendMessage(ctx, s.dbSessionID, string(types.RoleAssistant), assistantText, "", latency.Milliseconds()); err != nil {
		s.o.logger.Warn("persist assistant message failed", zap.Error(err))
	}
}

// ============================================================
// 降级与关闭
// ============================================================

// degrade 记录一次降级循环：发送致歉帧并回到 listening。
// 连续降级达到上限时关闭会话，返回 true。
func (s *liveSession) degrade(ctx context.Context, stage string) bool {
	o := s.o
	o.metrics.RecordDegradedCycle(stage)
	n := atomic.AddInt32(&s.consecutiveDegraded, 1)

	o.logger.Warn("degraded cycle",
		zap.String("stage", stage),
		zap.Int32("consecutive", n))

	_ = s.conn.SendFrame(ctx, transport.Frame{
		Type:      transport.FrameAssistantText,
		SessionID: o.cfg.SessionID,
		Text:      o.cfg.ApologyText,
		Timestamp: time.Now(),
	})

	if int(n) >= o.cfg.MaxDegradedCycles {
		_ = s.conn.SendFrame(ctx, transport.NewErrorFrame(o.cfg.SessionID,
			string(types.ErrProviderTransient), "service degraded, closing session"))
		s.mu.Lock()
		s.closeReason = CloseReasonDegraded
		s.mu.Unlock()
		if s.cancelRun != nil {
			s.cancelRun()
		}
		return true
	}

	o.setState(StateListening)
	return false
}

// shutdown 停掉在途回复、关闭转写流并关闭连接。
func (s *liveSession) shutdown(ctx context.Context, runErr error) error {
	o := s.o
	o.setState(StateClosing)

	s.mu.Lock()
	if s.replyCancel != nil {
		s.replyCancel()
	}
	stream := s.stream
	s.stream = nil
	reason := s.closeReason
	s.mu.Unlock()

	s.replyWG.Wait()
	if stream != nil {
		_ = stream.Close()
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	// 显式结束时清掉会话历史；单纯断线保留历史，
	// 客户端可以带着同一 session_id 重连续聊。
	switch reason {
	case CloseReasonClientStop, CloseReasonDegraded:
		if err := o.deps.Store.Clear(closeCtx, o.cfg.SessionID); err != nil {
			o.logger.Warn("session history clear failed", zap.Error(err))
		}
	}

	// 关闭帧尽力而为：连接可能已经断了
	_ = s.conn.SendFrame(closeCtx, transport.Frame{
		Type:      transport.FrameSessionClosed,
		SessionID: o.cfg.SessionID,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	_ = s.conn.Close(reason)

	o.setState(StateClosed)
	o.logger.Info("session closed", zap.String("reason", reason), zap.Error(runErr))
	return runErr
}
