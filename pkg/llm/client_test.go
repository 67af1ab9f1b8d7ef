package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(&Config{
		Endpoint:       server.URL + "/v1",
		Model:          "test-chat",
		EmbeddingModel: "test-embed",
		APIKey:         "sk-test",
	}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestClient_Complete(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"confidence\": 0.8}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	})

	result, err := client.Complete(context.Background(), CompletionRequest{
		System:   "You compare search results.",
		Prompt:   "What changed?",
		JSONMode: true,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"confidence": 0.8}`, result.Content)
	assert.Equal(t, 12, result.PromptTokens)
	assert.Equal(t, 5, result.CompletionTokens)

	assert.Equal(t, "test-chat", body["model"])
	format, ok := body["response_format"].(map[string]any)
	require.True(t, ok, "JSON mode must set response_format")
	assert.Equal(t, "json_object", format["type"])
}

func TestClient_Complete_ClassifiesRateLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit_error"}}`))
	})

	_, err := client.Complete(context.Background(), CompletionRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, ErrorTypeRateLimit, GetErrorType(err))
	assert.True(t, IsRetryable(err))
}

func TestClient_Complete_NoChoicesIsResponseError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "x", "choices": []}`))
	})

	_, err := client.Complete(context.Background(), CompletionRequest{Prompt: "x"})
	assert.Equal(t, ErrorTypeResponse, GetErrorType(err))
}

func TestClient_Embed_OrdersByIndex(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0.3, 0.4]},
				{"object": "embedding", "index": 0, "embedding": [0.1, 0.2]}
			],
			"model": "test-embed"
		}`))
	})

	vectors, err := client.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.3, 0.4}, vectors[1])
}

func TestClient_Embed_CountMismatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object": "list", "data": [{"object": "embedding", "index": 0, "embedding": [0.1]}]}`))
	})

	_, err := client.Embed(context.Background(), []string{"a", "b"})
	assert.Equal(t, ErrorTypeResponse, GetErrorType(err))
}

func TestNewClient_RequiresEndpoint(t *testing.T) {
	_, err := NewClient(&Config{Model: "m"}, zap.NewNop())
	assert.Error(t, err)
}
