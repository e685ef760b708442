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
)

func TestCompleteChatProvider(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  {\"summary\":\"ok\"}  "}}]}`))
	}))
	defer srv.Close()

	cfg := DefaultClientConfig()
	cfg.APIKey = "secret"
	cfg.BaseURL = srv.URL + "/"
	client := NewClient(cfg)

	text, err := client.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, text)

	assert.Equal(t, "deepseek-chat", got.Model)
	assert.Equal(t, 600, got.MaxTokens)
	assert.Equal(t, 0.4, got.Temperature)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Content)
}

func TestCompleteClaudeProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"hello"}]}`))
	}))
	defer srv.Close()

	client := NewClient(&ClientConfig{Provider: ProviderClaude, APIKey: "secret", BaseURL: srv.URL, Timeout: time.Second})

	text, err := client.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestCompleteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer empty":
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
		default:
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
		}
	}))
	defer srv.Close()

	_, err := NewClient(&ClientConfig{Provider: ProviderDeepSeek}).Complete(context.Background(), "s", "u")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewClient(&ClientConfig{Provider: ProviderDeepSeek, APIKey: "empty", BaseURL: srv.URL}).Complete(context.Background(), "s", "u")
	assert.ErrorIs(t, err, ErrEmptyCompletion)

	_, err = NewClient(&ClientConfig{Provider: ProviderOpenAI, APIKey: "busy", BaseURL: srv.URL}).Complete(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	_, err = NewClient(&ClientConfig{Provider: "mystery", APIKey: "k"}).Complete(context.Background(), "s", "u")
	assert.Error(t, err)
}
