package upstream

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/prdhub/model-gateway/internal/pool"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// bedrockClient invokes Anthropic models through Amazon Bedrock, signing
// requests with SigV4 instead of an API key. Buffered-only; streams are
// emulated like exchanges.
type bedrockClient struct {
	modelID    string
	region     string
	httpClient *http.Client

	once    sync.Once
	creds   aws.CredentialsProvider
	initErr error
}

func newBedrockClient(modelID string, platform *pool.Platform, httpClient *http.Client) (*bedrockClient, error) {
	if platform.Region == "" {
		return nil, fmt.Errorf("bedrock platform %q has no region", platform.Name)
	}
	return &bedrockClient{
		modelID:    modelID,
		region:     platform.Region,
		httpClient: httpClient,
	}, nil
}

func (c *bedrockClient) Model() string { return c.modelID }

func (c *bedrockClient) credentials(ctx context.Context) (aws.CredentialsProvider, error) {
	c.once.Do(func() {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.region))
		if err != nil {
			c.initErr = err
			return
		}
		c.creds = cfg.Credentials
	})
	return c.creds, c.initErr
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      *float32         `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *bedrockClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	breq := bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        req.MaxTokens,
	}
	if breq.MaxTokens <= 0 {
		breq.MaxTokens = 2048
	}
	if req.Temperature != 0 {
		t := req.Temperature
		breq.Temperature = &t
	}
	for _, m := range req.Messages {
		if m.Role == openai.ChatMessageRoleSystem {
			breq.System = m.Content
			continue
		}
		breq.Messages = append(breq.Messages, bedrockMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(breq)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}

	endpoint := fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/invoke", c.region, c.modelID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	if err := c.sign(ctx, httpReq, body); err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("sign bedrock request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("bedrock invoke: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayResponse))
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	if resp.StatusCode >= 400 {
		return openai.ChatCompletionResponse{}, fmt.Errorf("bedrock invoke: status %d: %s", resp.StatusCode, truncate(raw, 300))
	}

	var bresp bedrockResponse
	if err := json.Unmarshal(raw, &bresp); err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("bedrock invoke: malformed response: %w", err)
	}

	content := ""
	for _, block := range bresp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   c.modelID,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{
			PromptTokens:     bresp.Usage.InputTokens,
			CompletionTokens: bresp.Usage.OutputTokens,
			TotalTokens:      bresp.Usage.InputTokens + bresp.Usage.OutputTokens,
		},
	}, nil
}

func (c *bedrockClient) sign(ctx context.Context, req *http.Request, body []byte) error {
	provider, err := c.credentials(ctx)
	if err != nil {
		return err
	}
	creds, err := provider.Retrieve(ctx)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(body)
	return v4.NewSigner().SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), "bedrock", c.region, time.Now())
}

func (c *bedrockClient) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error) {
	resp, err := c.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	return newBufferedStream(resp), nil
}

// Probe verifies that credentials resolve; Bedrock has no cheap
// unauthenticated liveness endpoint worth hitting per tick.
func (c *bedrockClient) Probe(ctx context.Context) error {
	provider, err := c.credentials(ctx)
	if err != nil {
		return err
	}
	_, err = provider.Retrieve(ctx)
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
