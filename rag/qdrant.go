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
	"go.uber.org/zap"
)

// Embedder 把查询文本转换为向量。
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// QdrantConfig 配置 Qdrant 检索器。
type QdrantConfig struct {
	Host       string        `json:"host" yaml:"host"`
	Port       int           `json:"port" yaml:"port"`
	BaseURL    string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey     string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Collection string        `json:"collection" yaml:"collection"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ContentField payload 中存放片段文本的键
	ContentField string `json:"content_field,omitempty" yaml:"content_field,omitempty"`
	// SourceField payload 中存放来源标识的键
	SourceField string `json:"source_field,omitempty" yaml:"source_field,omitempty"`
}

// QdrantRetriever 基于 Qdrant REST API 的向量检索器。
type QdrantRetriever struct {
	cfg      QdrantConfig
	baseURL  string
	client   *http.Client
	embedder Embedder
	logger   *zap.Logger
}

// DefaultQdrantConfig 返回默认连接参数。
func DefaultQdrantConfig() QdrantConfig {
	return QdrantConfig{
		Host:         "localhost",
		Port:         6333,
		Collection:   "medical_knowledge",
		Timeout:      30 * time.Second,
		ContentField: "content",
		SourceField:  "source",
	}
}

// NewQdrantRetriever 创建 Qdrant 检索器。
func NewQdrantRetriever(cfg QdrantConfig, embedder Embedder, logger *zap.Logger) *QdrantRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ContentField == "" {
		cfg.ContentField = "content"
	}
	if cfg.SourceField == "" {
		cfg.SourceField = "source"
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	return &QdrantRetriever{
		cfg:      cfg,
		baseURL:  baseURL,
		client:   tlsutil.SecureHTTPClient(cfg.Timeout),
		embedder: embedder,
		logger:   logger.With(zap.String("component", "qdrant_retriever")),
	}
}

type qdrantSearchRequest struct {
	Vector      []float64 `json:"vector"`
	Limit       int       `json:"limit"`
	WithPayload bool      `json:"with_payload"`
}

type qdrantSearchResponse struct {
	Result []struct {
		ID      any                    `json:"id"`
		Score   float64                `json:"score"`
		Payload map[string]json.RawMessage `json:"payload"`
	} `json:"result"`
}

// Retrieve 用查询向量做 top-k 相似检索。
func (r *QdrantRetriever) Retrieve(ctx context.Context, query string, k int) ([]Snippet, error) {
	if k <= 0 {
		k = 3
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var resp qdrantSearchResponse
	path := fmt.Sprintf("/collections/%s/points/search", r.cfg.Collection)
	if err := r.doJSON(ctx, http.MethodPost, path, qdrantSearchRequest{
		Vector:      vector,
		Limit:       k,
		WithPayload: true,
	}, &resp); err != nil {
		return nil, err
	}

	snippets := make([]Snippet, 0, len(resp.Result))
	for _, hit := range resp.Result {
		snippet := Snippet{
			Score: hit.Score,
			DocID: fmt.Sprintf("%v", hit.ID),
		}
		if raw, ok := hit.Payload[r.cfg.ContentField]; ok {
			_ = json.Unmarshal(raw, &snippet.Text)
		}
		if raw, ok := hit.Payload[r.cfg.SourceField]; ok {
			_ = json.Unmarshal(raw, &snippet.Source)
		}
		if snippet.Text != "" {
			snippets = append(snippets, snippet)
		}
	}

	return snippets, nil
}

func (r *QdrantRetriever) doJSON(ctx context.Context, method, path string, in any, out any) error {
	endpoint := r.baseURL + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(r.cfg.APIKey) != "" {
		// Qdrant convention.
		req.Header.Set("api-key", r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant request failed: method=%s path=%s status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
