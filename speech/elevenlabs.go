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

// ElevenLabsProvider 使用 ElevenLabs API 执行 TTS。
type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	client *http.Client
	logger *zap.Logger
}

// NewElevenLabsProvider 创建新的 ElevenLabs TTS 供应商。
func NewElevenLabsProvider(cfg ElevenLabsConfig, logger *zap.Logger) *ElevenLabsProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.Model == "" {
		cfg.Model = "eleven_multilingual_v2"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ElevenLabsProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "elevenlabs")),
	}
}

func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

type elevenLabsTTSRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize 整段合成。
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, req *TTSRequest) (*TTSResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	voiceID := req.Voice
	if voiceID == "" {
		voiceID = p.cfg.VoiceID
	}
	if voiceID == "" {
		voiceID = "21m00Tcm4TlvDq8ikWAM" // Rachel - default voice
	}

	payload, _ := json.Marshal(elevenLabsTTSRequest{Text: req.Text, ModelID: model})
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream", strings.TrimRight(p.cfg.BaseURL, "/"), voiceID)

	format := req.ResponseFormat
	if format == "" {
		format = "mp3_44100_128"
	}
	endpoint += "?output_format=" + format

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.cfg.APIKey)
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
		Format:    "mp3",
		CharCount: len(req.Text),
		CreatedAt: time.Now(),
	}, nil
}

// ttsStreamReadSize 从流式响应体一次读取的字节数。
const ttsStreamReadSize = 4096

// SynthesizeStream 逐句消费 textCh 并把合成音频切成分片写入输出通道。
// 单句失败写入 errCh 但不中断后续句子；textCh 关闭后发出带 IsFinal 的
// 空分片并关闭两个通道。
func (p *ElevenLabsProvider) SynthesizeStream(ctx context.Context, textCh <-chan string, opts *TTSRequest) (<-chan types.AudioChunk, <-chan error) {
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
					// 流结束标记
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

// streamSentence 合成单句并把分块响应体转为音频分片。
func (p *ElevenLabsProvider) streamSentence(ctx context.Context, text string, opts *TTSRequest, out chan<- types.AudioChunk) error {
	req := TTSRequest{Text: text}
	if opts != nil {
		req.Model = opts.Model
		req.Voice = opts.Voice
		req.ResponseFormat = opts.ResponseFormat
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

type elevenLabsVoice struct {
	VoiceID  string `json:"voice_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Labels   struct {
		Gender      string `json:"gender"`
		Description string `json:"description"`
	} `json:"labels"`
	PreviewURL string `json:"preview_url"`
}

type elevenLabsVoicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// ListVoices 返回可用的 ElevenLabs 声音。
func (p *ElevenLabsProvider) ListVoices(ctx context.Context) ([]Voice, error) {
	endpoint := fmt.Sprintf("%s/v1/voices", strings.TrimRight(p.cfg.BaseURL, "/"))

	httpReq, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus(p.Name(), resp.StatusCode, errBody)
	}

	var vResp elevenLabsVoicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vResp); err != nil {
		return nil, err
	}

	voices := make([]Voice, len(vResp.Voices))
	for i, v := range vResp.Voices {
		voices[i] = Voice{
			ID:          v.VoiceID,
			Name:        v.Name,
			Gender:      v.Labels.Gender,
			Description: v.Labels.Description,
			PreviewURL:  v.PreviewURL,
		}
	}

	return voices, nil
}
