package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"github.com/prdhub/model-gateway/internal/pool"
	"github.com/prdhub/model-gateway/internal/transformer"
)

// maxRelayResponse caps how much of a relay response is read (8 MiB).
const maxRelayResponse = 8 << 20

// exchangeClient calls a third-party relay whose protocol differs from the
// standard one, going through the exchange's transformer in both
// directions. Exchanges are buffered-only; streams are emulated.
type exchangeClient struct {
	modelID    string
	apiKey     string
	exchange   *pool.Exchange
	codec      transformer.Transformer
	httpClient *http.Client
}

func newExchangeClient(modelID string, platform *pool.Platform, ex *pool.Exchange, httpClient *http.Client) (*exchangeClient, error) {
	codec, err := transformer.Get(ex.TransformerType)
	if err != nil {
		return nil, fmt.Errorf("exchange %q: %w", ex.Name, err)
	}
	return &exchangeClient{
		modelID:    modelID,
		apiKey:     platform.APIKey,
		exchange:   ex,
		codec:      codec,
		httpClient: httpClient,
	}, nil
}

func (c *exchangeClient) Model() string { return c.modelID }

func (c *exchangeClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	req.Model = c.modelID
	req.Stream = false

	standard, err := json.Marshal(req)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}

	native, err := c.codec.TransformRequest(standard, c.exchange.Config)
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("transform request: %w", err)
	}

	target := c.codec.ResolveTargetURL(c.exchange.BaseURL, standard, c.exchange.Config)
	if target == "" {
		target = c.exchange.BaseURL
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(native))
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("exchange %q: %w", c.exchange.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayResponse))
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("exchange %q: read response: %w", c.exchange.Name, err)
	}
	if resp.StatusCode >= 400 {
		log.Warn().
			Str("exchange", c.exchange.Name).
			Int("status", resp.StatusCode).
			Str("url", target).
			Msg("exchange relay returned error status")
	}

	standardResp, err := c.codec.TransformResponse(raw, c.exchange.Config)
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("transform response: %w", err)
	}
	if e := gjson.GetBytes(standardResp, "error"); e.Exists() {
		return openai.ChatCompletionResponse{}, fmt.Errorf("exchange %q: %s", c.exchange.Name, e.Get("message").String())
	}

	var out openai.ChatCompletionResponse
	if err := json.Unmarshal(standardResp, &out); err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("exchange %q: malformed standard response: %w", c.exchange.Name, err)
	}
	if out.Model == "" {
		out.Model = c.modelID
	}
	return out, nil
}

func (c *exchangeClient) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error) {
	resp, err := c.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	return newBufferedStream(resp), nil
}

func (c *exchangeClient) Probe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.exchange.BaseURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("exchange %q: probe status %d", c.exchange.Name, resp.StatusCode)
	}
	return nil
}
