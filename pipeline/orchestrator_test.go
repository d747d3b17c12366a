package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ruchi-nb/full-matata-sub001/llm"
	"github.com/ruchi-nb/full-matata-sub001/resilience"
	"github.com/ruchi-nb/full-matata-sub001/session"
	"github.com/ruchi-nb/full-matata-sub001/speech"
	"github.com/ruchi-nb/full-matata-sub001/transport"
	"github.com/ruchi-nb/full-matata-sub001/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================================
// 桩实现
// ============================================================

// stubConn 记录出站帧与音频，入站消息由测试脚本喂入。
type stubConn struct {
	inbound  chan *transport.ClientMessage
	dropped  chan struct{}
	dropOnce sync.Once

	mu          sync.Mutex
	frames      []transport.Frame
	audio       [][]byte
	closed      bool
	closeReason string
}

func newStubConn() *stubConn {
	return &stubConn{
		inbound: make(chan *transport.ClientMessage, 16),
		dropped: make(chan struct{}),
	}
}

// disconnect 模拟对端掉线：后续 Receive 返回读错误。
func (c *stubConn) disconnect() {
	c.dropOnce.Do(func() { close(c.dropped) })
}

func (c *stubConn) SendFrame(ctx context.Context, frame transport.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *stubConn) SendAudio(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, data)
	return nil
}

func (c *stubConn) Receive(ctx context.Context) (*transport.ClientMessage, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.dropped:
		return nil, errors.New("connection reset by peer")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *stubConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeReason = reason
	}
	return nil
}

func (c *stubConn) framesOfType(t transport.FrameType) []transport.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []transport.Frame
	for _, f := range c.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func (c *stubConn) apologyCount(apology string) int {
	n := 0
	for _, f := range c.framesOfType(transport.FrameAssistantText) {
		if f.Text == apology {
			n++
		}
	}
	return n
}

func (c *stubConn) audioBytes() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, a := range c.audio {
		b.Write(a)
	}
	return b.String()
}

func (c *stubConn) lastCloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *stubConn) sendControl(action transport.ClientControlAction) {
	c.inbound <- &transport.ClientMessage{Type: transport.ClientControl, Action: action}
}

// stubAuth 放行一切（err 为空时）。
type stubAuth struct{ err error }

func (a stubAuth) Authenticate(ctx context.Context, credential string) (*transport.Identity, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &transport.Identity{Subject: "patient-1"}, nil
}

// stubSTTStream 在 CloseSend 时吐出脚本事件并关闭。
type stubSTTStream struct {
	script []types.TranscriptEvent
	events chan types.TranscriptEvent
	once   sync.Once
}

func (s *stubSTTStream) Send(ctx context.Context, chunk types.AudioChunk) error { return nil }
func (s *stubSTTStream) Events() <-chan types.TranscriptEvent                   { return s.events }
func (s *stubSTTStream) Err() error                                             { return nil }

func (s *stubSTTStream) CloseSend(ctx context.Context) error {
	s.once.Do(func() {
		for _, ev := range s.script {
			s.events <- ev
		}
		close(s.events)
	})
	return nil
}

func (s *stubSTTStream) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

// stubSTT 每次 StartStream 消耗一个 utterance 脚本。
type stubSTT struct {
	mu      sync.Mutex
	scripts [][]types.TranscriptEvent
	started int
}

func (p *stubSTT) StartStream(ctx context.Context, cfg speech.StreamConfig) (speech.STTStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started++
	var script []types.TranscriptEvent
	if len(p.scripts) > 0 {
		script = p.scripts[0]
		p.scripts = p.scripts[1:]
	}
	return &stubSTTStream{
		script: script,
		events: make(chan types.TranscriptEvent, len(script)+1),
	}, nil
}

func (p *stubSTT) startedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *stubSTT) Transcribe(ctx context.Context, req *speech.STTRequest) (*speech.STTResponse, error) {
	return nil, types.NewError(types.ErrProviderPermanent, "not implemented")
}
func (p *stubSTT) Name() string               { return "stub-stt" }
func (p *stubSTT) SupportedFormats() []string { return []string{"linear16"} }

// llmScript 一次 Stream 调用的行为。
type llmScript struct {
	err    error    // 调用直接失败
	deltas []string // 依次吐出的增量
	block  bool     // 吐完后阻塞到 ctx 结束（模拟慢回复）
}

// stubLLM 每次 Stream 调用消耗一个脚本；脚本耗尽后返回 failAll（若设置）。
type stubLLM struct {
	mu      sync.Mutex
	scripts []llmScript
	failAll error
	calls   int
}

func (p *stubLLM) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	p.mu.Lock()
	p.calls++
	var sc llmScript
	if len(p.scripts) > 0 {
		sc = p.scripts[0]
		p.scripts = p.scripts[1:]
	} else if p.failAll != nil {
		p.mu.Unlock()
		return nil, p.failAll
	}
	p.mu.Unlock()

	if sc.err != nil {
		return nil, sc.err
	}

	ch := make(chan llm.StreamChunk, len(sc.deltas)+1)
	go func() {
		defer close(ch)
		for _, d := range sc.deltas {
			select {
			case ch <- llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant, Content: d}}:
			case <-ctx.Done():
				return
			}
		}
		if sc.block {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (p *stubLLM) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *stubLLM) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, types.NewError(types.ErrProviderPermanent, "not implemented")
}
func (p *stubLLM) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}
func (p *stubLLM) Name() string { return "stub-llm" }

// stubTTS 每个句子合成为其字节本身。
type stubTTS struct {
	mu        sync.Mutex
	sentences []string
}

func (p *stubTTS) SynthesizeStream(ctx context.Context, textCh <-chan string, opts *speech.TTSRequest) (<-chan types.AudioChunk, <-chan error) {
	out := make(chan types.AudioChunk, 16)
	errCh := make(chan error, 4)
	go func() {
		defer close(out)
		defer close(errCh)
		for sentence := range textCh {
			p.mu.Lock()
			p.sentences = append(p.sentences, sentence)
			p.mu.Unlock()
			select {
			case out <- types.AudioChunk{Data: []byte(sentence)}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- types.AudioChunk{IsFinal: true}:
		case <-ctx.Done():
		}
	}()
	return out, errCh
}

func (p *stubTTS) Synthesize(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	return nil, types.NewError(types.ErrProviderPermanent, "not implemented")
}
func (p *stubTTS) ListVoices(ctx context.Context) ([]speech.Voice, error) { return nil, nil }
func (p *stubTTS) Name() string                                           { return "stub-tts" }

// ============================================================
// 测试脚手架
// ============================================================

func interim(text string) types.TranscriptEvent {
	return types.TranscriptEvent{Text: text, Confidence: 0.5}
}

func final(text string) types.TranscriptEvent {
	return types.TranscriptEvent{Text: text, IsFinal: true, Confidence: 0.9}
}

type testRig struct {
	orch  *Orchestrator
	conn  *stubConn
	stt   *stubSTT
	llm   *stubLLM
	tts   *stubTTS
	store session.Store
	done  chan error
}

func newTestRig(t *testing.T, cfg Config, stt *stubSTT, llmStub llm.Provider) *testRig {
	t.Helper()

	store := session.NewMemoryStore(session.DefaultConfig(), zap.NewNop())
	t.Cleanup(func() { store.Close() })

	tts := &stubTTS{}
	orch, err := New(cfg, Deps{
		STT:   stt,
		TTS:   tts,
		LLM:   llmStub,
		Store: store,
		Auth:  stubAuth{},
	})
	require.NoError(t, err)

	return &testRig{
		orch:  orch,
		conn:  newStubConn(),
		stt:   stt,
		tts:   tts,
		store: store,
		done:  make(chan error, 1),
	}
}

func (r *testRig) run(ctx context.Context) {
	go func() { r.done <- r.orch.Run(ctx, r.conn, "token") }()
}

func (r *testRig) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close in time")
		return nil
	}
}

func (r *testRig) turns(t *testing.T) []types.Turn {
	t.Helper()
	turns, err := r.store.History(context.Background(), r.orch.SessionID(), 0)
	require.NoError(t, err)
	return turns
}

// waitTurns 等待会话历史达到 n 条。
func (r *testRig) waitTurns(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.turns(t)) >= n
	}, 3*time.Second, 5*time.Millisecond)
}

// waitStreams 等待第 n 路转写流建立（上一 utterance 处理完毕）。
func (r *testRig) waitStreams(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.stt.startedCount() >= n
	}, 3*time.Second, 5*time.Millisecond)
}

// ============================================================
// 端到端
// ============================================================

func TestOrchestrator_TwoTurnConversation(t *testing.T) {
	stt := &stubSTT{scripts: [][]types.TranscriptEvent{
		{interim("I have"), final("I have a headache")},
		{final("Should I take something")},
	}}
	llmStub := &stubLLM{scripts: []llmScript{
		{deltas: []string{"You should ", "rest. Drink water."}},
		{deltas: []string{"Ask your doctor first."}},
	}}

	cfg := DefaultConfig()
	cfg.SessionID = "sess-e2e"
	rig := newTestRig(t, cfg, stt, llmStub)
	rig.run(context.Background())

	// 第一轮
	rig.conn.sendControl(transport.ActionEndUtterance)
	rig.waitTurns(t, 2)
	rig.waitStreams(t, 2)

	// 第二轮
	rig.conn.sendControl(transport.ActionEndUtterance)
	rig.waitTurns(t, 4)

	// 历史严格按 患者→助手 顺序
	turns := rig.turns(t)
	require.Len(t, turns, 4)
	assert.Equal(t, types.RolePatient, turns[0].Role)
	assert.Equal(t, "I have a headache", turns[0].Text)
	assert.Equal(t, types.RoleAssistant, turns[1].Role)
	assert.Equal(t, "You should rest. Drink water.", turns[1].Text)
	assert.Equal(t, types.RolePatient, turns[2].Role)
	assert.Equal(t, types.RoleAssistant, turns[3].Role)

	// 部分与最终转写都转发给了客户端
	partials := rig.conn.framesOfType(transport.FramePartialTranscript)
	require.NotEmpty(t, partials)
	assert.Equal(t, "I have", partials[0].Text)
	finals := rig.conn.framesOfType(transport.FrameFinalTranscript)
	require.Len(t, finals, 2)

	// 合成音频按句子顺序发出
	audio := rig.conn.audioBytes()
	first := strings.Index(audio, "You should rest.")
	second := strings.Index(audio, "Ask your doctor first.")
	require.GreaterOrEqual(t, first, 0)
	require.Greater(t, second, first)

	rig.conn.sendControl(transport.ActionStop)
	require.NoError(t, rig.waitDone(t))

	assert.Equal(t, CloseReasonClientStop, rig.conn.lastCloseReason())
	assert.Equal(t, StateClosed, rig.orch.State())

	closed := rig.conn.framesOfType(transport.FrameSessionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, CloseReasonClientStop, closed[0].Reason)
}

func TestOrchestrator_ExplicitStopClearsHistory(t *testing.T) {
	stt := &stubSTT{scripts: [][]types.TranscriptEvent{
		{final("I have a headache")},
	}}
	llmStub := &stubLLM{scripts: []llmScript{
		{deltas: []string{"Rest and drink water."}},
	}}

	cfg := DefaultConfig()
	cfg.SessionID = "sess-clear"
	rig := newTestRig(t, cfg, stt, llmStub)
	rig.run(context.Background())

	rig.conn.sendControl(transport.ActionEndUtterance)
	rig.waitTurns(t, 2)

	rig.conn.sendControl(transport.ActionStop)
	require.NoError(t, rig.waitDone(t))

	// 显式 stop 立刻清空历史，不等 TTL
	assert.Empty(t, rig.turns(t))
	assert.Equal(t, CloseReasonClientStop, rig.conn.lastCloseReason())
}

func TestOrchestrator_DisconnectKeepsHistory(t *testing.T) {
	stt := &stubSTT{scripts: [][]types.TranscriptEvent{
		{final("I have a headache")},
	}}
	llmStub := &stubLLM{scripts: []llmScript{
		{deltas: []string{"Rest and drink water."}},
	}}

	cfg := DefaultConfig()
	cfg.SessionID = "sess-reconnect"
	rig := newTestRig(t, cfg, stt, llmStub)
	rig.run(context.Background())

	rig.conn.sendControl(transport.ActionEndUtterance)
	rig.waitTurns(t, 2)

	rig.conn.disconnect()
	require.Error(t, rig.waitDone(t))

	// 掉线保留历史，同一 session_id 重连可续聊
	assert.Len(t, rig.turns(t), 2)
	assert.Equal(t, CloseReasonClientDisconnect, rig.conn.lastCloseReason())
}

func TestOrchestrator_RetryThenSucceed_NotDegraded(t *testing.T) {
	stt := &stubSTT{scripts: [][]types.TranscriptEvent{
		{final("I feel dizzy")},
	}}

	// 首次建流失败（瞬态），重试后成功：不算降级
	flaky := &stubLLM{scripts: []llmScript{
		{err: types.NewError(types.ErrProviderTransient, "upstream hiccup")},
		{deltas: []string{"Please sit down and rest."}},
	}}
	guard := resilience.NewGuard("llm", nil, nil, zap.NewNop())
	retryer := resilience.NewRetryer(&resilience.RetryPolicy{
		MaxRetries:    2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}, guard, zap.NewNop())
	resilient := llm.NewResilientProvider(flaky, retryer, guard)

	cfg := DefaultConfig()
	rig := newTestRig(t, cfg, stt, resilient)
	rig.run(context.Background())

	rig.conn.sendControl(transport.ActionEndUtterance)
	rig.waitTurns(t, 2)
	rig.conn.sendControl(transport.ActionStop)
	require.NoError(t, rig.waitDone(t))

	assert.GreaterOrEqual(t, flaky.callCount(), 2, "first attempt must have been retried")
	assert.Zero(t, rig.conn.apologyCount(cfg.ApologyText), "retried success must not degrade")

	turns := rig.turns(t)
	require.Len(t, turns, 2)
	assert.Equal(t, "Please sit down and rest.", turns[1].Text)
}

func TestOrchestrator_TripleDegraded_ClosesSession(t *testing.T) {
	stt := &stubSTT{scripts: [][]types.TranscriptEvent{
		{final("hello")},
		{final("hello again")},
		{final("are you there")},
	}}
	llmStub := &stubLLM{failAll: types.NewError(types.ErrProviderTransient, "llm unavailable")}

	cfg := DefaultConfig()
	rig := newTestRig(t, cfg, stt, llmStub)
	rig.run(context.Background())

	for i := 1; i <= 3; i++ {
		rig.waitStreams(t, i)
		rig.conn.sendControl(transport.ActionEndUtterance)
		require.Eventually(t, func() bool {
			return rig.conn.apologyCount(cfg.ApologyText) >= i
		}, 3*time.Second, 5*time.Millisecond, "apology %d not sent", i)
	}

	require.NoError(t, rig.waitDone(t))

	assert.Equal(t, CloseReasonDegraded, rig.conn.lastCloseReason())
	assert.Equal(t, 3, rig.conn.apologyCount(cfg.ApologyText))
	// 降级关闭同样终结会话，历史随之清除
	assert.Empty(t, rig.turns(t))

	// 关闭前有显式错误帧
	errFrames := rig.conn.framesOfType(transport.FrameError)
	require.NotEmpty(t, errFrames)
	assert.Equal(t, string(types.ErrProviderTransient), errFrames[len(errFrames)-1].Code)

	closed := rig.conn.framesOfType(transport.FrameSessionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, CloseReasonDegraded, closed[0].Reason)
}

func TestOrchestrator_BargeIn_CancelsInflightReply(t *testing.T) {
	stt := &stubSTT{scripts: [][]types.TranscriptEvent{
		{final("Tell me a long story")},
		{final("Actually just say hi")},
	}}
	llmStub := &stubLLM{scripts: []llmScript{
		{deltas: []string{"Once upon a time"}, block: true}, // 慢回复，等着被打断
		{deltas: []string{"Hi."}},
	}}

	cfg := DefaultConfig()
	rig := newTestRig(t, cfg, stt, llmStub)
	rig.run(context.Background())

	rig.conn.sendControl(transport.ActionEndUtterance)
	require.Eventually(t, func() bool {
		return llmStub.callCount() >= 1
	}, 3*time.Second, 5*time.Millisecond)
	rig.waitStreams(t, 2)

	// 第二个最终转写打断在途回复
	rig.conn.sendControl(transport.ActionEndUtterance)
	rig.waitTurns(t, 3)
	rig.conn.sendControl(transport.ActionStop)
	require.NoError(t, rig.waitDone(t))

	turns := rig.turns(t)
	require.Len(t, turns, 3)
	assert.Equal(t, types.RolePatient, turns[0].Role)
	assert.Equal(t, types.RolePatient, turns[1].Role)
	assert.Equal(t, types.RoleAssistant, turns[2].Role)
	assert.Equal(t, "Hi.", turns[2].Text)

	// 被打断不算降级
	assert.Zero(t, rig.conn.apologyCount(cfg.ApologyText))
}

func TestOrchestrator_Unauthorized(t *testing.T) {
	store := session.NewMemoryStore(session.DefaultConfig(), zap.NewNop())
	t.Cleanup(func() { store.Close() })

	orch, err := New(DefaultConfig(), Deps{
		STT:   &stubSTT{},
		TTS:   &stubTTS{},
		LLM:   &stubLLM{},
		Store: store,
		Auth:  stubAuth{err: types.NewError(types.ErrUnauthorized, "bad token")},
	})
	require.NoError(t, err)

	conn := newStubConn()
	err = orch.Run(context.Background(), conn, "forged")
	require.Error(t, err)
	assert.Equal(t, types.ErrUnauthorized, types.CodeOf(err))

	errFrames := conn.framesOfType(transport.FrameError)
	require.Len(t, errFrames, 1)
	assert.Equal(t, string(types.ErrUnauthorized), errFrames[0].Code)
	assert.Equal(t, CloseReasonUnauthorized, conn.lastCloseReason())
	assert.Equal(t, StateClosed, orch.State())

	// 鉴权失败前不得触碰任何提供者
	assert.Zero(t, orch.deps.STT.(*stubSTT).startedCount())
}

func TestOrchestrator_Ping(t *testing.T) {
	stt := &stubSTT{}
	rig := newTestRig(t, DefaultConfig(), stt, &stubLLM{})
	rig.run(context.Background())

	rig.conn.sendControl(transport.ActionPing)
	require.Eventually(t, func() bool {
		return len(rig.conn.framesOfType(transport.FramePong)) >= 1
	}, 3*time.Second, 5*time.Millisecond)

	rig.conn.sendControl(transport.ActionStop)
	require.NoError(t, rig.waitDone(t))
}

func TestNew_MissingDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	require.Error(t, err)
}
