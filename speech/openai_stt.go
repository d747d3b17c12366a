package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ruchi-nb/full-matata-sub001/internal/tlsutil"
	"github.com/ruchi-nb/full-matata-sub001/types"
)

// OpenAISTTProvider 使用 OpenAI Whisper API 执行 STT。
type OpenAISTTProvider struct {
	cfg    OpenAISTTConfig
	client *http.Client
}

// NewOpenAISTTProvider 创建新的 OpenAI STT 提供者。
func NewOpenAISTTProvider(cfg OpenAISTTConfig) *OpenAISTTProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &OpenAISTTProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
	}
}

func (p *OpenAISTTProvider) Name() string { return "openai-stt" }

func (p *OpenAISTTProvider) SupportedFormats() []string {
	return []string{"flac", "m4a", "mp3", "mp4", "mpeg", "mpga", "oga", "ogg", "wav", "webm"}
}

type whisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Transcribe 整段批量转写。
func (p *OpenAISTTProvider) Transcribe(ctx context.Context, req *STTRequest) (*STTResponse, error) {
	if req.Audio == nil {
		return nil, types.NewError(types.ErrValidationFailure, "audio input is required")
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	// 构建多部分表单
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := "audio." + req.Format
	if req.Format == "" {
		filename = "audio.wav"
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, req.Audio); err != nil {
		return nil, fmt.Errorf("failed to copy audio: %w", err)
	}

	_ = writer.WriteField("model", model)
	if req.Language != "" {
		_ = writer.WriteField("language", req.Language)
	}
	if req.Prompt != "" {
		_ = writer.WriteField("prompt", req.Prompt)
	}
	_ = writer.WriteField("response_format", "verbose_json")
	writer.Close()

	httpReq, err := http.NewRequestWithContext(ctx, "POST",
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/audio/transcriptions",
		&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus(p.Name(), resp.StatusCode, errBody)
	}

	var wResp whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&wResp); err != nil {
		return nil, fmt.Errorf("failed to decode whisper response: %w", err)
	}

	return &STTResponse{
		Provider:  p.Name(),
		Model:     model,
		Text:      wResp.Text,
		Language:  wResp.Language,
		Duration:  time.Duration(wResp.Duration * float64(time.Second)),
		CreatedAt: time.Now(),
	}, nil
}

// ============================================================
// 退化的流式接口
// ============================================================

// whisperStream 在无实时端点的情况下提供 STTStream 语义：
// 缓冲全部音频，CloseSend 时一次性转写并发出单个最终事件。
// 没有 interim results。
type whisperStream struct {
	provider *OpenAISTTProvider
	cfg      StreamConfig
	events   chan types.TranscriptEvent

	mu       sync.Mutex
	buf      bytes.Buffer
	err      error
	sendDone bool
	closed   bool
}

// StartStream 建立退化的流式会话（整段缓冲后批量转写）。
func (p *OpenAISTTProvider) StartStream(ctx context.Context, cfg StreamConfig) (STTStream, error) {
	return &whisperStream{
		provider: p,
		cfg:      cfg,
		events:   make(chan types.TranscriptEvent, 1),
	}, nil
}

func (s *whisperStream) Send(ctx context.Context, chunk types.AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone || s.closed {
		return types.NewError(types.ErrSessionClosed, "stt stream send side closed")
	}
	s.buf.Write(chunk.Data)
	return nil
}

func (s *whisperStream) CloseSend(ctx context.Context) error {
	s.mu.Lock()
	if s.sendDone {
		s.mu.Unlock()
		return nil
	}
	s.sendDone = true
	audio := bytes.NewReader(s.buf.Bytes())
	s.mu.Unlock()

	defer close(s.events)

	resp, err := s.provider.Transcribe(ctx, &STTRequest{
		Audio:    audio,
		Model:    s.cfg.Model,
		Language: s.cfg.Language,
		Format:   s.cfg.Encoding,
	})
	if err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		return err
	}

	if resp.Text != "" {
		s.events <- types.TranscriptEvent{
			Text:       resp.Text,
			IsFinal:    true,
			Confidence: resp.Confidence,
			EndTime:    resp.Duration.Seconds(),
			Timestamp:  time.Now(),
		}
	}
	return nil
}

func (s *whisperStream) Events() <-chan types.TranscriptEvent { return s.events }

func (s *whisperStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *whisperStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		if !s.sendDone {
			s.sendDone = true
			close(s.events)
		}
		s.buf.Reset()
	}
	return nil
}
