package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ruchi-nb/full-matata-sub001/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAICompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "gpt-4o-mini", req.Model)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "resp-1",
			"model": "gpt-4o-mini",
			"choices": []any{
				map[string]any{
					"index":         0,
					"finish_reason": "stop",
					"message":       map[string]any{"role": "assistant", "content": "建议清淡饮食。"},
				},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 6, "total_tokens": 18},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL}, nil)

	resp, err := p.Completion(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "胃疼怎么办"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "建议清淡饮食。", resp.Choices[0].Message.Content)
	assert.Equal(t, RoleAssistant, resp.Choices[0].Message.Role)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
}

func TestOpenAIStreamSSE(t *testing.T) {
	deltas := []string{"建议", "清淡", "饮食。"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, d := range deltas {
			payload, _ := json.Marshal(map[string]any{
				"id":    "s-1",
				"model": "gpt-4o-mini",
				"choices": []any{
					map[string]any{"index": 0, "delta": map[string]any{"content": d}},
				},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, nil)

	ch, err := p.Stream(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "胃疼怎么办"}},
	})
	require.NoError(t, err)

	var got []string
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		if chunk.Delta.Content != "" {
			got = append(got, chunk.Delta.Content)
		}
	}
	assert.Equal(t, deltas, got)
}

func TestOpenAIErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode types.ErrorCode
	}{
		{"overloaded", http.StatusServiceUnavailable, types.ErrProviderTransient},
		{"rate limited upstream", http.StatusTooManyRequests, types.ErrProviderTransient},
		{"bad key", http.StatusUnauthorized, types.ErrProviderPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"message": "nope"},
				})
			}))
			defer srv.Close()

			p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, nil)

			_, err := p.Completion(context.Background(), &ChatRequest{
				Messages: []Message{{Role: RoleUser, Content: "hi"}},
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, types.CodeOf(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestOpenAIStreamErrorStatusSurfacesBeforeChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service melting", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, nil)

	_, err := p.Stream(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
}

func TestOpenAIHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, nil)

	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
}

func TestPromptChars(t *testing.T) {
	req := &ChatRequest{Messages: []Message{
		{Role: RoleSystem, Content: "abc"},
		{Role: RoleUser, Content: "defg"},
	}}
	assert.Equal(t, 7, PromptChars(req))
	assert.Zero(t, PromptChars(&ChatRequest{}))
}

func TestReadErrorMessageFallsBackToRawBody(t *testing.T) {
	assert.Equal(t, "plain text", readErrorMessage(strings.NewReader("plain text")))
	assert.Equal(t, "structured", readErrorMessage(strings.NewReader(`{"error":{"message":"structured"}}`)))
}
