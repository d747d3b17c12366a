package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/ruchi-nb/full-matata-sub001/internal/tlsutil"
	"github.com/ruchi-nb/full-matata-sub001/types"
	"go.uber.org/zap"
)

// DeepgramProvider 使用 Deepgram API 执行 STT。
type DeepgramProvider struct {
	cfg    DeepgramConfig
	client *http.Client
	logger *zap.Logger
}

// NewDeepgramProvider 创建新的 Deepgram STT 提供者。
func NewDeepgramProvider(cfg DeepgramConfig, logger *zap.Logger) *DeepgramProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepgram.com"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeepgramProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger.With(zap.String("component", "deepgram")),
	}
}

func (p *DeepgramProvider) Name() string { return "deepgram" }

func (p *DeepgramProvider) SupportedFormats() []string {
	return []string{"mp3", "mp4", "aac", "wav", "flac", "pcm", "m4a", "ogg", "opus", "webm"}
}

type deepgramResponse struct {
	Metadata struct {
		RequestID string  `json:"request_id"`
		Duration  float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe 整段批量转写。
func (p *DeepgramProvider) Transcribe(ctx context.Context, req *STTRequest) (*STTResponse, error) {
	if req.Audio == nil {
		return nil, types.NewError(types.ErrValidationFailure, "audio input is required")
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	params := url.Values{}
	params.Set("model", model)
	params.Set("smart_format", "true")
	params.Set("punctuate", "true")
	if req.Language != "" {
		params.Set("language", req.Language)
	}

	endpoint := fmt.Sprintf("%s/v1/listen?%s", strings.TrimRight(p.cfg.BaseURL, "/"), params.Encode())

	audioData, err := io.ReadAll(req.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(audioData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentTypeFor(req.Format))
	httpReq.Header.Set("Authorization", "Token "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus(p.Name(), resp.StatusCode, errBody)
	}

	var dResp deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&dResp); err != nil {
		return nil, fmt.Errorf("failed to decode deepgram response: %w", err)
	}

	result := &STTResponse{
		Provider:  p.Name(),
		Model:     model,
		Language:  req.Language,
		Duration:  time.Duration(dResp.Metadata.Duration * float64(time.Second)),
		CreatedAt: time.Now(),
	}

	if len(dResp.Results.Channels) > 0 && len(dResp.Results.Channels[0].Alternatives) > 0 {
		alt := dResp.Results.Channels[0].Alternatives[0]
		result.Text = alt.Transcript
		result.Confidence = alt.Confidence
	}

	return result, nil
}

func contentTypeFor(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "pcm":
		return "audio/l16"
	case "ogg", "opus":
		return "audio/ogg"
	default:
		return "audio/mpeg"
	}
}

// ============================================================
// 实时流式转写
// ============================================================

// deepgramStreamMessage Deepgram 实时流的 Results 消息。
type deepgramStreamMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Start   float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// deepgramStream 是基于 WebSocket 的实时转写会话。
type deepgramStream struct {
	conn   *websocket.Conn
	events chan types.TranscriptEvent
	done   chan struct{}
	logger *zap.Logger

	mu        sync.Mutex
	err       error
	sendDone  bool
	closeOnce sync.Once
}

// StartStream 建立 Deepgram 实时转写会话。
func (p *DeepgramProvider) StartStream(ctx context.Context, cfg StreamConfig) (STTStream, error) {
	model := cfg.Model
	if model == "" {
		model = p.cfg.Model
	}

	params := url.Values{}
	params.Set("model", model)
	params.Set("smart_format", "true")
	params.Set("punctuate", "true")
	if cfg.Language != "" {
		params.Set("language", cfg.Language)
	}
	if cfg.Encoding != "" {
		params.Set("encoding", cfg.Encoding)
	}
	if cfg.SampleRate > 0 {
		params.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.InterimResults {
		params.Set("interim_results", "true")
	}
	if cfg.EndpointingMS > 0 {
		params.Set("endpointing", strconv.Itoa(cfg.EndpointingMS))
	}

	wsURL := strings.TrimRight(p.cfg.BaseURL, "/")
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	endpoint := fmt.Sprintf("%s/v1/listen?%s", wsURL, params.Encode())

	header := http.Header{}
	header.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: p.client,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, classifyStatus(p.Name(), resp.StatusCode, nil)
		}
		return nil, classifyTransport(p.Name(), err)
	}
	// 单个 utterance 的音频分片可以比默认上限大
	conn.SetReadLimit(1 << 22)

	s := &deepgramStream{
		conn:   conn,
		events: make(chan types.TranscriptEvent, 16),
		done:   make(chan struct{}),
		logger: p.logger,
	}
	go s.readLoop()

	return s, nil
}

// Send 推送一个音频分片。
func (s *deepgramStream) Send(ctx context.Context, chunk types.AudioChunk) error {
	s.mu.Lock()
	if s.sendDone {
		s.mu.Unlock()
		return types.NewError(types.ErrSessionClosed, "stt stream send side closed")
	}
	s.mu.Unlock()

	if err := s.conn.Write(ctx, websocket.MessageBinary, chunk.Data); err != nil {
		return classifyTransport("deepgram", err)
	}
	return nil
}

// CloseSend 发送 CloseStream 控制消息，触发服务端 flush 剩余结果。
func (s *deepgramStream) CloseSend(ctx context.Context) error {
	s.mu.Lock()
	if s.sendDone {
		s.mu.Unlock()
		return nil
	}
	s.sendDone = true
	s.mu.Unlock()

	msg, _ := json.Marshal(map[string]string{"type": "CloseStream"})
	if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return classifyTransport("deepgram", err)
	}
	return nil
}

func (s *deepgramStream) Events() <-chan types.TranscriptEvent { return s.events }

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close 立即终止会话。
func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (s *deepgramStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// readLoop 消费服务端消息直至连接关闭。
func (s *deepgramStream) readLoop() {
	defer close(s.events)
	defer s.Close()

	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			// 正常关闭不算错误
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.mu.Lock()
			done := s.sendDone
			s.mu.Unlock()
			if done {
				return
			}
			s.setErr(classifyTransport("deepgram", err))
			return
		}

		var msg deepgramStreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("unparseable stream message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			if alt.Transcript == "" {
				continue
			}
			ev := types.TranscriptEvent{
				Text:       alt.Transcript,
				IsFinal:    msg.IsFinal,
				Confidence: alt.Confidence,
				StartTime:  msg.Start,
				EndTime:    msg.Start + msg.Duration,
				Timestamp:  time.Now(),
			}
			// 消费方可能已经放弃这条流；Close 之后不再阻塞投递
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		case "Metadata":
			// 流结束前的统计信息，忽略
		default:
		}
	}
}
