// Package upstream builds callable clients for model entries. Every
// platform kind presents the same Client interface speaking the standard
// chat-completion protocol; the differences (native OpenAI endpoint,
// transformer-mediated exchange relay, SigV4-signed Bedrock) live behind
// the factory.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/prdhub/model-gateway/internal/pool"
)

// ChatStream yields incremental chunks from an upstream generation.
type ChatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// Client is one callable destination resolved by the scheduler.
type Client interface {
	// Model is the upstream model identifier this client targets.
	Model() string
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error)
	// Probe performs a lightweight health check against the endpoint.
	Probe(ctx context.Context) error
}

// Factory constructs clients from registry records.
type Factory struct {
	httpClient *http.Client
}

func NewFactory() *Factory {
	return &Factory{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Build returns a client for (modelID, platform). Exchange platforms need
// their exchange record for the base URL and transformer type.
func (f *Factory) Build(modelID string, platform *pool.Platform, ex *pool.Exchange) (Client, error) {
	switch platform.Kind {
	case pool.PlatformOpenAI:
		cfg := openai.DefaultConfig(platform.APIKey)
		if platform.BaseURL != "" {
			cfg.BaseURL = platform.BaseURL
		}
		return &openaiClient{
			modelID: modelID,
			client:  openai.NewClientWithConfig(cfg),
		}, nil

	case pool.PlatformExchange:
		if ex == nil {
			return nil, fmt.Errorf("platform %q references a missing exchange", platform.Name)
		}
		return newExchangeClient(modelID, platform, ex, f.httpClient)

	case pool.PlatformBedrock:
		return newBedrockClient(modelID, platform, f.httpClient)

	default:
		return nil, fmt.Errorf("unknown platform kind %q", platform.Kind)
	}
}

// openaiClient wraps the go-openai client for OpenAI-protocol endpoints.
type openaiClient struct {
	modelID string
	client  *openai.Client
}

func (c *openaiClient) Model() string { return c.modelID }

func (c *openaiClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	req.Model = c.modelID
	req.Stream = false
	return c.client.CreateChatCompletion(ctx, req)
}

func (c *openaiClient) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error) {
	req.Model = c.modelID
	req.Stream = true
	// Streams omit the usage block unless asked for it.
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &openaiStream{stream: stream}, nil
}

func (c *openaiClient) Probe(ctx context.Context) error {
	_, err := c.client.ListModels(ctx)
	return err
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openaiStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	return s.stream.Recv()
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}

// bufferedStream replays a buffered completion as a minimal chunk
// sequence: role, content, then a finish chunk with usage. Used by
// backends that cannot stream natively so both response forms stay
// available for every platform kind.
type bufferedStream struct {
	chunks []openai.ChatCompletionStreamResponse
	i      int
}

func newBufferedStream(resp openai.ChatCompletionResponse) *bufferedStream {
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	role := openai.ChatCompletionStreamResponse{
		ID: resp.ID, Object: "chat.completion.chunk", Created: resp.Created, Model: resp.Model,
		Choices: []openai.ChatCompletionStreamChoice{
			{Index: 0, Delta: openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant}},
		},
	}
	body := openai.ChatCompletionStreamResponse{
		ID: resp.ID, Object: "chat.completion.chunk", Created: resp.Created, Model: resp.Model,
		Choices: []openai.ChatCompletionStreamChoice{
			{Index: 0, Delta: openai.ChatCompletionStreamChoiceDelta{Content: content}},
		},
	}
	usage := resp.Usage
	finish := openai.ChatCompletionStreamResponse{
		ID: resp.ID, Object: "chat.completion.chunk", Created: resp.Created, Model: resp.Model,
		Choices: []openai.ChatCompletionStreamChoice{
			{Index: 0, FinishReason: openai.FinishReasonStop},
		},
		Usage: &usage,
	}
	return &bufferedStream{chunks: []openai.ChatCompletionStreamResponse{role, body, finish}}
}

func (s *bufferedStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if s.i >= len(s.chunks) {
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	chunk := s.chunks[s.i]
	s.i++
	return chunk, nil
}

func (s *bufferedStream) Close() error { return nil }
