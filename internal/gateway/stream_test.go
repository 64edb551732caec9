package gateway

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	openai "github.com/sashabaranov/go-openai"
)

func eventChan(events ...Event) <-chan Event {
	out := make(chan Event, len(events))
	for _, ev := range events {
		out <- ev
	}
	close(out)
	return out
}

func TestCollectEventsAccumulates(t *testing.T) {
	usage := openai.Usage{PromptTokens: 4, CompletionTokens: 3, TotalTokens: 7}
	res := collectEvents(eventChan(
		Event{Role: "assistant"},
		Event{Content: "one "},
		Event{Content: "two"},
		Event{FinishReason: "stop", Usage: &usage},
	))

	require.Nil(t, res.Err)
	assert.Equal(t, "one two", res.Content)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, 7, res.Usage.TotalTokens)
	assert.False(t, res.FirstByteAt.IsZero())
}

func TestCollectEventsStopsOnError(t *testing.T) {
	res := collectEvents(eventChan(
		Event{Content: "partial"},
		Event{Err: Errf(CodeLLMError, "boom")},
	))
	require.NotNil(t, res.Err)
	assert.Equal(t, CodeLLMError, res.Err.Code)
}

func TestWriteSSEAndCollectAgree(t *testing.T) {
	usage := openai.Usage{TotalTokens: 7}
	events := []Event{
		{Role: "assistant"},
		{Content: "hello "},
		{Content: "world"},
		{FinishReason: "stop", Usage: &usage},
	}

	g := &Gateway{}
	w := httptest.NewRecorder()
	sseRes := g.writeSSE(w, "req-1", "gpt-test", eventChan(events...))
	bufRes := collectEvents(eventChan(events...))

	assert.Equal(t, bufRes.Content, sseRes.Content, "both forms render the same sequence")
	assert.Equal(t, bufRes.Usage, sseRes.Usage)
	assert.Equal(t, bufRes.FinishReason, sseRes.FinishReason)

	body := w.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Contains(t, body, `"id":"chatcmpl-req-1"`)
	assert.Contains(t, body, `"object":"chat.completion.chunk"`)
}

func TestWriteSSEKeepsAngleBrackets(t *testing.T) {
	g := &Gateway{}
	w := httptest.NewRecorder()
	g.writeSSE(w, "req-3", "gpt-test", eventChan(
		Event{Role: "assistant"},
		Event{Content: "<b>bold</b>"},
		Event{FinishReason: "stop"},
	))

	body := w.Body.String()
	assert.Contains(t, body, `"content":"<b>bold</b>"`)
	assert.NotContains(t, body, `\u003c`, "chunks are encoded without HTML escaping")
}

func TestStreamEventsMapsChunks(t *testing.T) {
	usage := openai.Usage{TotalTokens: 2}
	stream := &scriptedStream{chunks: []openai.ChatCompletionStreamResponse{
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Role: "assistant"}}}},
		{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "x"}}}},
		{Choices: []openai.ChatCompletionStreamChoice{{FinishReason: openai.FinishReasonStop}}, Usage: &usage},
	}}

	var got []Event
	for ev := range streamEvents(context.Background(), stream) {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "assistant", got[0].Role)
	assert.Equal(t, "x", got[1].Content)
	assert.Equal(t, "stop", got[2].FinishReason)
	require.NotNil(t, got[2].Usage)
	assert.Equal(t, 2, got[2].Usage.TotalTokens)
}

func TestStreamEventsMapsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stream := &scriptedStream{final: context.Canceled}

	var last Event
	for ev := range streamEvents(ctx, stream) {
		last = ev
	}
	// The producer may exit via the ctx.Done select without delivering;
	// when it does deliver, the code must be CLIENT_CANCELLED.
	if last.Err != nil {
		assert.Equal(t, CodeClientCancelled, last.Err.Code)
	}
}

func TestStreamEventsMapsUpstreamError(t *testing.T) {
	stream := &scriptedStream{final: errors.New("connection reset")}

	var got []Event
	for ev := range streamEvents(context.Background(), stream) {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Err)
	assert.Equal(t, CodeLLMError, got[0].Err.Code)
}

func TestResponseEventsCanonicalSequence(t *testing.T) {
	resp := openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "done deal"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{TotalTokens: 9},
	}

	res := collectEvents(responseEvents(resp))
	require.Nil(t, res.Err)
	assert.Equal(t, "done deal", res.Content)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, 9, res.Usage.TotalTokens)
}

func TestCompletionResponseTokenFallback(t *testing.T) {
	res := streamResult{Content: strings.Repeat("word ", 40), FinishReason: "stop"}
	resp := completionResponse("req-2", "gpt-test", res)
	assert.Positive(t, resp.Usage.CompletionTokens, "missing upstream usage is estimated, never zero")
	assert.Equal(t, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
}
