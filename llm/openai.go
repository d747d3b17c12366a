package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruchi-nb/full-matata-sub001/internal/tlsutil"
	"github.com/ruchi-nb/full-matata-sub001/types"
	"go.uber.org/zap"
)

// OpenAIConfig 配置 OpenAI 兼容的 LLM 提供者。
type OpenAIConfig struct {
	APIKey       string        `json:"api_key" yaml:"api_key"`
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	DefaultModel string        `json:"model" yaml:"model"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	EndpointPath string        `json:"endpoint_path,omitempty" yaml:"endpoint_path,omitempty"`
}

// DefaultOpenAIConfig 返回默认配置。
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		BaseURL:      "https://api.openai.com",
		DefaultModel: "gpt-4o-mini",
		Timeout:      60 * time.Second,
		EndpointPath: "/v1/chat/completions",
	}
}

// OpenAIProvider 走 OpenAI 兼容协议的 LLM 提供者。
// 任何暴露 /v1/chat/completions 的网关均可直连。
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider 创建 OpenAI 兼容提供者。
func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OpenAIProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger.With(zap.String("component", "llm_openai")),
	}
}

func (p *OpenAIProvider) Name() string { return "openai-compat" }

func (p *OpenAIProvider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	TopP        float32   `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Index        int    `json:"index"`
		FinishReason string `json:"finish_reason"`
		Message      *struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message,omitempty"`
		Delta *struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

func readErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &env) == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return string(data)
}

func (p *OpenAIProvider) doRequest(ctx context.Context, req *ChatRequest, stream bool) (*http.Response, string, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}

	payload, err := json.Marshal(openAIChatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, "", types.WrapError(types.ErrProviderTransient,
			fmt.Sprintf("%s request failed", p.Name()), err).WithProvider(p.Name())
	}
	return resp, model, nil
}

// Completion 同步生成完整回复。
func (p *OpenAIProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, model, err := p.doRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(p.Name(), resp.StatusCode, readErrorMessage(resp.Body))
	}

	var oaResp openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, types.WrapError(types.ErrProviderTransient, "failed to decode response", err).WithProvider(p.Name())
	}

	result := &ChatResponse{
		ID:       oaResp.ID,
		Provider: p.Name(),
		Model:    model,
	}
	if oaResp.Created != 0 {
		result.CreatedAt = time.Unix(oaResp.Created, 0)
	}
	if oaResp.Usage != nil {
		result.Usage = ChatUsage{
			PromptTokens:     oaResp.Usage.PromptTokens,
			CompletionTokens: oaResp.Usage.CompletionTokens,
			TotalTokens:      oaResp.Usage.TotalTokens,
		}
	}
	for _, c := range oaResp.Choices {
		choice := ChatChoice{Index: c.Index, FinishReason: c.FinishReason}
		if c.Message != nil {
			choice.Message = Message{Role: Role(c.Message.Role), Content: c.Message.Content}
		}
		result.Choices = append(result.Choices, choice)
	}
	return result, nil
}

// Stream 发起流式请求并解析 SSE 增量。
func (p *OpenAIProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	resp, model, err := p.doRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, mapHTTPError(p.Name(), resp.StatusCode, readErrorMessage(resp.Body))
	}

	return p.streamSSE(ctx, resp.Body, model), nil
}

// streamSSE 解析 OpenAI 兼容的 SSE 流。
func (p *OpenAIProvider) streamSSE(ctx context.Context, body io.ReadCloser, model string) <-chan StreamChunk {
	ch := make(chan StreamChunk)

	go func() {
		defer body.Close()
		defer close(ch)

		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					streamErr := types.WrapError(types.ErrProviderTransient, "sse read failed", err).WithProvider(p.Name())
					select {
					case <-ctx.Done():
					case ch <- StreamChunk{Provider: p.Name(), Err: streamErr}:
					}
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var oaResp openAIChatResponse
			if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
				streamErr := types.WrapError(types.ErrProviderTransient, "sse decode failed", err).WithProvider(p.Name())
				select {
				case <-ctx.Done():
				case ch <- StreamChunk{Provider: p.Name(), Err: streamErr}:
				}
				return
			}

			for _, choice := range oaResp.Choices {
				chunk := StreamChunk{
					ID:           oaResp.ID,
					Provider:     p.Name(),
					Model:        model,
					FinishReason: choice.FinishReason,
					Delta:        Message{Role: RoleAssistant},
				}
				if choice.Delta != nil {
					chunk.Delta.Content = choice.Delta.Content
				}
				select {
				case <-ctx.Done():
					return
				case ch <- chunk:
				}
			}
		}
	}()

	return ch
}

// HealthCheck 探活 /v1/models。
func (p *OpenAIProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/v1/models"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("%s health check failed: status=%d", p.Name(), resp.StatusCode)
	}
	return &HealthStatus{Healthy: true, Latency: latency}, nil
}
