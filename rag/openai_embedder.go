package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruchi-nb/full-matata-sub001/internal/tlsutil"
)

// OpenAIEmbedderConfig 配置 OpenAI 兼容的向量化端点。
type OpenAIEmbedderConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"` // text-embedding-3-small
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// OpenAIEmbedder 走 OpenAI 兼容的 /v1/embeddings 端点。
type OpenAIEmbedder struct {
	cfg    OpenAIEmbedderConfig
	client *http.Client
}

// NewOpenAIEmbedder 创建向量化客户端。
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIEmbedder{cfg: cfg, client: tlsutil.SecureHTTPClient(timeout)}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed 把查询文本转换为向量。
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	payload, _ := json.Marshal(embeddingRequest{Model: e.cfg.Model, Input: []string{text}})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(e.cfg.BaseURL, "/")+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding error: status=%d body=%s", resp.StatusCode, string(raw))
	}

	var eResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&eResp); err != nil {
		return nil, err
	}
	if len(eResp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}
	return eResp.Data[0].Embedding, nil
}
