package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	openai "github.com/sashabaranov/go-openai"

	"github.com/prdhub/model-gateway/internal/pool"
)

func drain(t *testing.T, s ChatStream) []openai.ChatCompletionStreamResponse {
	t.Helper()
	var out []openai.ChatCompletionStreamResponse
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk)
	}
}

func TestBufferedStreamSequence(t *testing.T) {
	resp := openai.ChatCompletionResponse{
		ID:    "cmpl-1",
		Model: "relay-model",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hello there"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}

	chunks := drain(t, newBufferedStream(resp))
	require.Len(t, chunks, 3)

	assert.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)
	assert.Equal(t, "hello there", chunks[1].Choices[0].Delta.Content)
	assert.Equal(t, openai.FinishReasonStop, chunks[2].Choices[0].FinishReason)
	require.NotNil(t, chunks[2].Usage)
	assert.Equal(t, 5, chunks[2].Usage.TotalTokens)
}

func TestBufferedStreamEmptyResponse(t *testing.T) {
	chunks := drain(t, newBufferedStream(openai.ChatCompletionResponse{}))
	require.Len(t, chunks, 3)
	assert.Empty(t, chunks[1].Choices[0].Delta.Content)
}

func TestFactoryBuildKinds(t *testing.T) {
	f := NewFactory()

	c, err := f.Build("gpt-4o", &pool.Platform{Kind: pool.PlatformOpenAI, APIKey: "sk-x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", c.Model())

	_, err = f.Build("m", &pool.Platform{Kind: pool.PlatformExchange, Name: "relay"}, nil)
	require.Error(t, err, "exchange platform without an exchange record")

	_, err = f.Build("m", &pool.Platform{Kind: "carrier-pigeon"}, nil)
	require.Error(t, err)
}

func testExchange(baseURL string) (*pool.Platform, *pool.Exchange) {
	return &pool.Platform{Kind: pool.PlatformExchange, APIKey: "relay-key"},
		&pool.Exchange{Name: "relay", BaseURL: baseURL, TransformerType: "openai"}
}

func TestExchangeClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer relay-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-relay",
			"choices": [{"message": {"role": "assistant", "content": "relayed"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`))
	}))
	defer srv.Close()

	platform, ex := testExchange(srv.URL)
	c, err := newExchangeClient("relay-model", platform, ex, srv.Client())
	require.NoError(t, err)

	resp, err := c.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "relayed", resp.Choices[0].Message.Content)
	assert.Equal(t, "relay-model", resp.Model, "missing model is filled from the entry")
	assert.Equal(t, 2, resp.Usage.TotalTokens)
}

func TestExchangeClientRelayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error": {"message": "relay overloaded", "code": "LLM_ERROR"}}`))
	}))
	defer srv.Close()

	platform, ex := testExchange(srv.URL)
	c, err := newExchangeClient("relay-model", platform, ex, srv.Client())
	require.NoError(t, err)

	_, err = c.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay overloaded")
}

func TestExchangeClientUnknownTransformer(t *testing.T) {
	_, err := newExchangeClient("m", &pool.Platform{}, &pool.Exchange{
		Name: "relay", TransformerType: "no-such-codec",
	}, http.DefaultClient)
	require.Error(t, err)
}

func TestExchangeClientEmulatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "buffered"}, "finish_reason": "stop"}]}`))
	}))
	defer srv.Close()

	platform, ex := testExchange(srv.URL)
	c, err := newExchangeClient("relay-model", platform, ex, srv.Client())
	require.NoError(t, err)

	stream, err := c.CreateChatCompletionStream(context.Background(), openai.ChatCompletionRequest{})
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	chunks := drain(t, stream)
	require.Len(t, chunks, 3)
	assert.Equal(t, "buffered", chunks[1].Choices[0].Delta.Content)
}

func TestExchangeClientProbe(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	platform, ex := testExchange(srv.URL)
	c, err := newExchangeClient("relay-model", platform, ex, srv.Client())
	require.NoError(t, err)

	assert.NoError(t, c.Probe(context.Background()))

	status = http.StatusServiceUnavailable
	assert.Error(t, c.Probe(context.Background()))
}

func TestCountTokens(t *testing.T) {
	assert.Zero(t, CountTokens(""))
	assert.Positive(t, CountTokens("a short sentence worth a few tokens"))
}
