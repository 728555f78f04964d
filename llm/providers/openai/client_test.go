package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"internal-perplexity/research/llm/providers/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, status int, body string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testRequest() *shared.CompletionRequest {
	return &shared.CompletionRequest{
		Messages: []shared.Message{
			{Role: shared.RoleSystem, Content: "sys"},
			{Role: shared.RoleUser, Content: "question"},
			{Role: shared.RoleAssistant, Content: "<tool_call>{}</tool_call>"},
			{Role: shared.RoleTool, Content: "<tool_response>ok</tool_response>"},
		},
		Options: shared.CompletionOptions{Model: "test-model", Temperature: 0.6},
	}
}

func TestProviderComplete(t *testing.T) {
	var seen map[string]any
	srv := newTestServer(t, http.StatusOK, `{
		"id": "cmpl-1",
		"object": "chat.completion",
		"model": "test-model",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "<answer>42</answer>"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13}
	}`, &seen)

	p, err := NewProvider(Config{Type: shared.ProviderVLLM, BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	assert.Equal(t, "vllm", p.Name())

	resp, err := p.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "<answer>42</answer>", resp.Content)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, 13, resp.Usage.TotalTokens)

	assert.Equal(t, "test-model", seen["model"])
	msgs, ok := seen["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 4)
	last := msgs[3].(map[string]any)
	assert.Equal(t, "user", last["role"])
}

func TestProviderCompleteNormalizesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   shared.ErrorCode
	}{
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"error": {"message": "slow down", "type": "requests", "code": "rate_limit_exceeded"}}`,
			code:   shared.ErrRateLimited,
		},
		{
			name:   "context length",
			status: http.StatusBadRequest,
			body:   `{"error": {"message": "too long", "type": "invalid_request_error", "code": "context_length_exceeded"}}`,
			code:   shared.ErrContextLength,
		},
		{
			name:   "auth",
			status: http.StatusUnauthorized,
			body:   `{"error": {"message": "bad key", "type": "invalid_request_error", "code": "invalid_api_key"}}`,
			code:   shared.ErrAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.status, tt.body, nil)
			p, err := NewProvider(Config{Type: shared.ProviderOllama, BaseURL: srv.URL + "/v1"})
			require.NoError(t, err)

			_, err = p.Complete(context.Background(), testRequest())
			require.Error(t, err)
			var pe *shared.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, tt.status, pe.HTTPStatus)
		})
	}
}

func TestProviderCompleteNoChoices(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `{"id": "x", "choices": []}`, nil)
	p, err := NewProvider(Config{Type: shared.ProviderVLLM, BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), testRequest())
	assert.ErrorContains(t, err, "no choices")
}

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(Config{Type: shared.ProviderOpenAI})
	assert.Error(t, err)

	_, err = NewProvider(Config{Type: "anthropic", APIKey: "k"})
	assert.ErrorContains(t, err, "unsupported provider type")

	p, err := NewProvider(Config{Type: shared.ProviderOllama})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434/v1", p.config.BaseURL)
}

func TestNormalizeOpenAIError(t *testing.T) {
	assert.Nil(t, NormalizeOpenAIError(nil))
	assert.Equal(t, shared.ErrTimeout, NormalizeOpenAIError(fmt.Errorf("wrap: %w", context.DeadlineExceeded)).Code)
	assert.Equal(t, shared.ErrUnknown, NormalizeOpenAIError(errors.New("x")).Code)
}

func TestProviderCompleteRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	p, err := NewProvider(Config{Type: shared.ProviderVLLM, BaseURL: srv.URL + "/v1", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), testRequest())
	var pe *shared.ProviderError
	require.True(t, errors.As(err, &pe), "unexpected error: %v", err)
	assert.Equal(t, shared.ErrTimeout, pe.Code)
	assert.True(t, pe.Retryable())
}
