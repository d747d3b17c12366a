package rag

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRetriever struct {
	snippets []Snippet
	err      error
	delay    time.Duration
}

func (s *stubRetriever) Retrieve(ctx context.Context, query string, k int) ([]Snippet, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.snippets, s.err
}

func TestBoundedRetrieverPassesThrough(t *testing.T) {
	inner := &stubRetriever{snippets: []Snippet{{Text: "多喝水"}}}
	r := NewBoundedRetriever(inner, time.Second, nil)

	snippets, err := r.Retrieve(context.Background(), "感冒", 3)
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	assert.Equal(t, "多喝水", snippets[0].Text)
}

func TestBoundedRetrieverSwallowsErrors(t *testing.T) {
	inner := &stubRetriever{err: errors.New("vector store down")}
	r := NewBoundedRetriever(inner, time.Second, nil)

	snippets, err := r.Retrieve(context.Background(), "感冒", 3)
	require.NoError(t, err, "retrieval failure must never block generation")
	assert.Empty(t, snippets)
}

func TestBoundedRetrieverTimeoutReturnsEmpty(t *testing.T) {
	inner := &stubRetriever{delay: 200 * time.Millisecond, snippets: []Snippet{{Text: "late"}}}
	r := NewBoundedRetriever(inner, 20*time.Millisecond, nil)

	start := time.Now()
	snippets, err := r.Retrieve(context.Background(), "感冒", 3)
	require.NoError(t, err)
	assert.Empty(t, snippets)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "must give up at the latency bound")
}

func TestTexts(t *testing.T) {
	out := Texts([]Snippet{{Text: "a"}, {Text: ""}, {Text: "b"}})
	assert.Equal(t, []string{"a", "b"}, out)
}

// ---
// Qdrant
// ---

type fixedEmbedder struct{ vec []float64 }

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return f.vec, nil
}

func TestQdrantRetrieverSearch(t *testing.T) {
	var gotPath string
	var gotReq qdrantSearchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []any{
				map[string]any{
					"id":    "doc-1",
					"score": 0.92,
					"payload": map[string]any{
						"content": "布洛芬饭后服用。",
						"source":  "drug-handbook",
					},
				},
				map[string]any{
					"id":      "doc-2",
					"score":   0.5,
					"payload": map[string]any{}, // 没有内容的命中被丢弃
				},
			},
		})
	}))
	defer srv.Close()

	r := NewQdrantRetriever(QdrantConfig{BaseURL: srv.URL, Collection: "consults"},
		&fixedEmbedder{vec: []float64{0.1, 0.2}}, nil)

	snippets, err := r.Retrieve(context.Background(), "布洛芬怎么吃", 5)
	require.NoError(t, err)

	assert.Equal(t, "/collections/consults/points/search", gotPath)
	assert.Equal(t, []float64{0.1, 0.2}, gotReq.Vector)
	assert.Equal(t, 5, gotReq.Limit)

	require.Len(t, snippets, 1)
	assert.Equal(t, "布洛芬饭后服用。", snippets[0].Text)
	assert.Equal(t, "drug-handbook", snippets[0].Source)
	assert.InDelta(t, 0.92, snippets[0].Score, 1e-9)
}

func TestQdrantRetrieverServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "collection missing", http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewQdrantRetriever(QdrantConfig{BaseURL: srv.URL, Collection: "x"},
		&fixedEmbedder{vec: []float64{1}}, nil)

	_, err := r.Retrieve(context.Background(), "q", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=404")
}

// 出站 HTTP 与其它 provider 一样走加固的 TLS 配置
func TestQdrantRetrieverUsesHardenedClient(t *testing.T) {
	r := NewQdrantRetriever(QdrantConfig{}, nil, nil)

	transport, ok := r.client.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, transport.TLSClientConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), transport.TLSClientConfig.MinVersion)
	assert.Equal(t, 30*time.Second, r.client.Timeout)
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"感冒吃什么"}, req.Input)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{"embedding": []float64{0.5, -0.5}}},
		})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "k", BaseURL: srv.URL})

	vec, err := e.Embed(context.Background(), "感冒吃什么")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, -0.5}, vec)
}
