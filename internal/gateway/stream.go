package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/prdhub/model-gateway/internal/upstream"
)

// Event is one unit from the event source feeding both response forms.
// SSE and buffered JSON render the same Event sequence, so the two forms
// can never disagree about what the model said.
type Event struct {
	Role         string
	Content      string
	FinishReason string
	Usage        *openai.Usage
	Err          *GatewayError
}

// streamEvents drains an upstream stream into an Event channel. The channel
// is unbuffered: a slow consumer backpressures the upstream read instead of
// buffering unboundedly. Closed when the upstream finishes either way.
func streamEvents(ctx context.Context, stream upstream.ChatStream) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() { _ = stream.Close() }()
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				ev := Event{Err: AsGatewayError(err)}
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					ev.Err = Errf(CodeClientCancelled, "client closed the connection")
				}
				select {
				case events <- ev:
				case <-ctx.Done():
				}
				return
			}

			ev := Event{}
			if len(chunk.Choices) > 0 {
				choice := chunk.Choices[0]
				ev.Role = choice.Delta.Role
				ev.Content = choice.Delta.Content
				ev.FinishReason = string(choice.FinishReason)
			}
			if chunk.Usage != nil {
				u := *chunk.Usage
				ev.Usage = &u
			}
			if ev == (Event{}) {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events
}

// responseEvents replays a buffered completion as the canonical Event
// sequence, so non-streaming upstreams feed the same renderers.
func responseEvents(resp openai.ChatCompletionResponse) <-chan Event {
	events := make(chan Event, 3)
	content := ""
	finish := string(openai.FinishReasonStop)
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		if resp.Choices[0].FinishReason != "" {
			finish = string(resp.Choices[0].FinishReason)
		}
	}
	usage := resp.Usage
	events <- Event{Role: openai.ChatMessageRoleAssistant}
	events <- Event{Content: content}
	events <- Event{FinishReason: finish, Usage: &usage}
	close(events)
	return events
}

// errorEvents is a single-error event source, for failures that happen
// before any upstream byte arrives on a streaming response.
func errorEvents(ge *GatewayError) <-chan Event {
	events := make(chan Event, 1)
	events <- Event{Err: ge}
	close(events)
	return events
}

// streamResult is what rendering an Event sequence yields, shared by both
// response forms.
type streamResult struct {
	Content      string
	FinishReason string
	Usage        openai.Usage
	FirstByteAt  time.Time
	Err          *GatewayError
}

// writeSSE renders the event sequence as OpenAI-compatible SSE chunks:
// role delta, content deltas, then a finish chunk carrying usage, then
// [DONE]. Errors mid-stream become a terminal error event; the 200 status
// line is already committed by then.
func (g *Gateway) writeSSE(w http.ResponseWriter, requestID, model string, events <-chan Event) streamResult {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		log.Warn().Msg("response writer cannot flush; SSE degraded to buffered write")
		flusher = noopFlusher{}
	}

	var res streamResult
	var sb strings.Builder
	chunkID := "chatcmpl-" + requestID
	created := time.Now().Unix()

	writeChunk := func(chunk openai.ChatCompletionStreamResponse) bool {
		payload, err := marshalChunk(chunk)
		if err != nil {
			log.Error().Err(err).Msg("marshal stream chunk failed")
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			log.Debug().Err(err).Msg("client disconnected mid-stream")
			res.Err = Errf(CodeClientCancelled, "client closed the connection")
			return false
		}
		flusher.Flush()
		if res.FirstByteAt.IsZero() {
			res.FirstByteAt = time.Now()
		}
		return true
	}

	for ev := range events {
		if ev.Err != nil {
			res.Err = ev.Err
			writeSSEError(w, flusher, ev.Err)
			return res
		}

		chunk := openai.ChatCompletionStreamResponse{
			ID:      chunkID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []openai.ChatCompletionStreamChoice{{
				Index: 0,
				Delta: openai.ChatCompletionStreamChoiceDelta{
					Role:    ev.Role,
					Content: ev.Content,
				},
				FinishReason: openai.FinishReason(ev.FinishReason),
			}},
		}
		if ev.Usage != nil {
			res.Usage = *ev.Usage
			chunk.Usage = ev.Usage
		}
		sb.WriteString(ev.Content)
		if ev.FinishReason != "" {
			res.FinishReason = ev.FinishReason
		}

		if !writeChunk(chunk) {
			return res
		}
	}

	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
	res.Content = sb.String()
	return res
}

// collectEvents renders the event sequence into one buffered completion.
func collectEvents(events <-chan Event) streamResult {
	var res streamResult
	var sb strings.Builder
	for ev := range events {
		if ev.Err != nil {
			res.Err = ev.Err
			return res
		}
		if res.FirstByteAt.IsZero() {
			res.FirstByteAt = time.Now()
		}
		sb.WriteString(ev.Content)
		if ev.FinishReason != "" {
			res.FinishReason = ev.FinishReason
		}
		if ev.Usage != nil {
			res.Usage = *ev.Usage
		}
	}
	res.Content = sb.String()
	return res
}

// marshalChunk encodes an SSE chunk without HTML escaping, so content
// like "<br>" reaches the client byte for byte.
func marshalChunk(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ensureUsage backfills token counts when the upstream omitted its usage
// block (streams do this unless asked), so logs and responses always
// carry counts.
func ensureUsage(res *streamResult) {
	if res.Usage.TotalTokens != 0 || res.Content == "" {
		return
	}
	res.Usage.CompletionTokens = upstream.CountTokens(res.Content)
	res.Usage.TotalTokens = res.Usage.PromptTokens + res.Usage.CompletionTokens
}

// completionResponse assembles the buffered JSON body from a collected
// result.
func completionResponse(requestID, model string, res streamResult) openai.ChatCompletionResponse {
	finish := res.FinishReason
	if finish == "" {
		finish = string(openai.FinishReasonStop)
	}
	ensureUsage(&res)
	usage := res.Usage
	return openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: res.Content,
			},
			FinishReason: openai.FinishReason(finish),
		}},
		Usage: usage,
	}
}

type noopFlusher struct{}

func (noopFlusher) Flush() {}
