package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expertflow-ai/expertflow/types"
)

func openAIServer(t *testing.T, status int, body any, capture func(r *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			capture(r)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}))
}

func TestOpenAIChatMapsResponse(t *testing.T) {
	t.Parallel()

	var gotAuth, gotPath string
	server := openAIServer(t, http.StatusOK, map[string]any{
		"id":    "chatcmpl-1",
		"model": "gpt-test",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": "hello"}, "finish_reason": "stop"},
		},
		"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15},
	}, func(r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
	})
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL}, nil)
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Model:    "gpt-test",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, 0.85, resp.Confidence)
}

func TestOpenAITruncatedCompletionLowersConfidence(t *testing.T) {
	t.Parallel()

	server := openAIServer(t, http.StatusOK, map[string]any{
		"id": "chatcmpl-2", "model": "gpt-test",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": "partial"}, "finish_reason": "length"},
		},
	}, nil)
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL}, nil)
	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, 0.5, resp.Confidence)
}

func TestOpenAIErrorStatusMapping(t *testing.T) {
	t.Parallel()

	badReq := openAIServer(t, http.StatusBadRequest, map[string]any{
		"error": map[string]string{"message": "bad model", "type": "invalid_request_error"},
	}, nil)
	defer badReq.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: badReq.URL}, nil)
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Equal(t, types.ErrLLM, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err), "4xx other than 429 must not be retried")

	throttled := openAIServer(t, http.StatusTooManyRequests, map[string]any{
		"error": map[string]string{"message": "slow down"},
	}, nil)
	defer throttled.Close()

	p = NewOpenAIProvider(OpenAIConfig{BaseURL: throttled.URL}, nil)
	_, err = p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
}

func TestOpenAIHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: server.URL}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Chat(ctx, &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
}
