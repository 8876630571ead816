package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydocs/quarry/pkg/config"
)

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(&config.GeneratorConfig{Type: "psychic", APIKey: "k"})
	assert.Error(t, err)
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		w.Write([]byte(`{"choices": [{"message": {"content": "the answer [1]"}, "finish_reason": "stop"}]}`))
	}))
	defer srv.Close()

	cfg := &config.GeneratorConfig{Type: "openai", APIKey: "test-key", Host: srv.URL}
	cfg.SetDefaults()
	g, err := NewOpenAI(cfg)
	require.NoError(t, err)

	out, err := g.Generate(context.Background(), []Message{
		System("answer with citations"),
		User("what is the answer?"),
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "the answer [1]", out)
}

func TestAnthropicGenerateLiftsSystemPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "answer with citations", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		w.Write([]byte(`{"content": [{"type": "text", "text": "the answer [1]"}], "stop_reason": "end_turn"}`))
	}))
	defer srv.Close()

	cfg := &config.GeneratorConfig{Type: "anthropic", APIKey: "test-key", Host: srv.URL}
	cfg.SetDefaults()
	g, err := NewAnthropic(cfg)
	require.NoError(t, err)

	out, err := g.Generate(context.Background(), []Message{
		System("answer with citations"),
		User("what is the answer?"),
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "the answer [1]", out)
}

func TestAnthropicSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "max_tokens required"}}`))
	}))
	defer srv.Close()

	cfg := &config.GeneratorConfig{Type: "anthropic", APIKey: "test-key", Host: srv.URL}
	cfg.SetDefaults()
	g, err := NewAnthropic(cfg)
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), []Message{User("hi")}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_tokens required")
}
