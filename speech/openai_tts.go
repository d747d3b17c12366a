package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruchi-nb/full-matata-sub001/types"
	"go.uber.org/zap"
)

// OpenAITTSProvider implements TTS using OpenAI's API.
type OpenAITTSProvider struct {
	cfg    OpenAITTSConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAITTSProvider creates a new OpenAI TTS provider.
func NewOpenAITTSProvider(cfg OpenAITTSConfig, logger *zap.Logger) *OpenAITTSProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OpenAITTSProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "openai_tts")),
	}
}

func (p *OpenAITTSProvider) Name() string { return "openai-tts" }

type openAITTSRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// Synthesize converts text to speech.
func (p *OpenAITTSProvider) Synthesize(ctx context.Context, req *TTSRequest) (*TTSResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	voice := req.Voice
	if voice == "" {
		voice = p.cfg.Voice
	}
	format := req.ResponseFormat
	if format == "" {
		format = "mp3"
	}

	body := openAITTSRequest{
		Model:          model,
		Input:          req.Text,
		Voice:          voice,
		ResponseFormat: format,
	}
	if req.Speed > 0 {
		body.Speed = req.Speed
	}

	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, "POST",
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/audio/speech",
		bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(p.Name(), err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus(p.Name(), resp.StatusCode, errBody)
	}

	return &TTSResponse{
		Provider:  p.Name(),
		Model:     model,
		Audio:     resp.Body,
		Format:    format,
		CharCount: len(req.Text),
		CreatedAt: time.Now(),
	}, nil
}

// SynthesizeStream consumes sentences from textCh and emits audio chunks.
// Sentence-level failures are reported on the error channel without
// interrupting subsequent sentences.
func (p *OpenAITTSProvider) SynthesizeStream(ctx context.Context, textCh <-chan string, opts *TTSRequest) (<-chan types.AudioChunk, <-chan error) {
	out := make(chan types.AudioChunk, 8)
	errCh := make(chan error, 4)

	go func() {
		defer close(out)
		defer close(errCh)

		for {
			select {
			case <-ctx.Done():
				return
			case text, ok := <-textCh:
				if !ok {
					select {
					case out <- types.AudioChunk{IsFinal: true, Timestamp: time.Now()}:
					case <-ctx.Done():
					}
					return
				}
				if strings.TrimSpace(text) == "" {
					continue
				}
				if err := p.streamSentence(ctx, text, opts, out); err != nil {
					select {
					case errCh <- err:
					default:
						p.logger.Warn("dropping sentence synthesis error", zap.Error(err))
					}
				}
			}
		}
	}()

	return out, errCh
}

func (p *OpenAITTSProvider) streamSentence(ctx context.Context, text string, opts *TTSRequest, out chan<- types.AudioChunk) error {
	req := TTSRequest{Text: text}
	if opts != nil {
		req.Model = opts.Model
		req.Voice = opts.Voice
		req.ResponseFormat = opts.ResponseFormat
		req.Speed = opts.Speed
	}

	resp, err := p.Synthesize(ctx, &req)
	if err != nil {
		return err
	}
	defer resp.Audio.Close()

	buf := make([]byte, ttsStreamReadSize)
	for {
		n, readErr := resp.Audio.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case out <- types.AudioChunk{Data: data, Format: resp.Format, Timestamp: time.Now()}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return classifyTransport(p.Name(), readErr)
		}
	}
}

// ListVoices returns available OpenAI voices.
func (p *OpenAITTSProvider) ListVoices(ctx context.Context) ([]Voice, error) {
	return []Voice{
		{ID: "alloy", Name: "Alloy", Gender: "neutral", Description: "Neutral, balanced voice"},
		{ID: "echo", Name: "Echo", Gender: "male", Description: "Warm, conversational male voice"},
		{ID: "fable", Name: "Fable", Gender: "neutral", Description: "Expressive, narrative voice"},
		{ID: "onyx", Name: "Onyx", Gender: "male", Description: "Deep, authoritative male voice"},
		{ID: "nova", Name: "Nova", Gender: "female", Description: "Friendly, upbeat female voice"},
		{ID: "shimmer", Name: "Shimmer", Gender: "female", Description: "Clear, professional female voice"},
	}, nil
}
