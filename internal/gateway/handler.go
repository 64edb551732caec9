package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/prdhub/model-gateway/internal/config"
	"github.com/prdhub/model-gateway/internal/llmlog"
	"github.com/prdhub/model-gateway/internal/monitoring"
	"github.com/prdhub/model-gateway/internal/pool"
	"github.com/prdhub/model-gateway/internal/reqctx"
	"github.com/prdhub/model-gateway/internal/utils"
)

// chatRequest is the parsed inbound request, from either the JSON body or
// the GET query form.
type chatRequest struct {
	Model       string
	Messages    []openai.ChatCompletionMessage
	Stream      bool
	Temperature float32
	GroupID     string
}

// parseChatRequest accepts the POST JSON body and the GET query form
// (model, message, groupId, stream). A GET with no message parameter falls
// back to the body, for clients that send GET with a JSON payload.
func parseChatRequest(r *http.Request, defaultModel string) (*chatRequest, *GatewayError) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		if msg := q.Get("message"); msg != "" {
			req := &chatRequest{
				Model:   q.Get("model"),
				GroupID: q.Get("groupId"),
				Stream:  q.Get("stream") != "false",
				Messages: []openai.ChatCompletionMessage{
					{Role: openai.ChatMessageRoleUser, Content: msg},
				},
			}
			if req.Model == "" {
				req.Model = defaultModel
			}
			return req, nil
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, config.MaxRequestBodySize))
	if err != nil {
		return nil, Errf(CodeInvalidFormat, "failed to read request body")
	}
	if len(body) == 0 {
		return nil, Errf(CodeInvalidFormat, "empty request body")
	}

	var wire struct {
		Model       string                         `json:"model"`
		Messages    []openai.ChatCompletionMessage `json:"messages"`
		Stream      *bool                          `json:"stream"`
		Temperature float32                        `json:"temperature"`
		GroupID     string                         `json:"groupId"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, Errf(CodeInvalidFormat, "malformed JSON body")
	}
	if len(wire.Messages) == 0 {
		return nil, Errf(CodeInvalidFormat, "messages must not be empty")
	}

	req := &chatRequest{
		Model:       wire.Model,
		Messages:    wire.Messages,
		Stream:      true,
		Temperature: wire.Temperature,
		GroupID:     wire.GroupID,
	}
	if wire.Stream != nil {
		req.Stream = *wire.Stream
	}
	if req.Model == "" {
		req.Model = defaultModel
	}
	return req, nil
}

// handleChatCompletions is the single entry point for both request modes
// and both response forms.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	started := time.Now()

	cred, ge := g.auth.Authenticate(r.Context(), r)
	if ge != nil {
		g.finishRejected(w, requestID, "", "", false, started, ge)
		return
	}

	req, ge := parseChatRequest(r, g.cfg.Agent.Model)
	if ge != nil {
		g.finishRejected(w, requestID, cred.CallerCode, "", false, started, ge)
		return
	}

	if _, err := g.sched.GetOrCreateAppCaller(r.Context(), cred.CallerCode); err != nil {
		log.Error().Err(err).Str("caller", cred.CallerCode).Msg("caller upsert failed")
	}

	rc := &reqctx.RequestContext{
		RequestID:     requestID,
		CallerCode:    cred.CallerCode,
		UserID:        cred.UserID,
		GroupID:       cred.GroupID,
		PromptPreview: utils.Truncate(lastUserMessage(req.Messages), 80),
	}
	ctx := reqctx.Begin(r.Context(), rc)

	logID, err := g.logs.Start(ctx, llmlog.StartInfo{
		RequestID:  requestID,
		CallerCode: cred.CallerCode,
		UserID:     cred.UserID,
		GroupID:    cred.GroupID,
		Model:      req.Model,
		Prompt:     lastUserMessage(req.Messages),
		Stream:     req.Stream,
	})
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("llmlog start failed")
	}

	release, ok, reason := g.limiter.CheckRequest(ctx, cred.CallerCode)
	if !ok {
		g.metrics.RecordRateLimited()
		ge := Errf(CodeRateLimited, "%s", reason)
		g.logs.MarkError(context.WithoutCancel(ctx), logID, string(ge.Code), ge.Status())
		g.finishRejected(w, requestID, cred.CallerCode, req.Model, req.Stream, started, ge)
		return
	}
	defer release(context.WithoutCancel(ctx))

	mode := "proxy"
	var res streamResult
	var routing reqctx.Routing
	if req.Model == g.cfg.Agent.Model {
		mode = "agent"
		res = g.serveAgent(ctx, w, requestID, cred, req)
	} else {
		res = g.serveProxy(ctx, w, requestID, req)
		routing = rc.Routing()
	}

	g.finish(ctx, w, requestID, logID, cred, req, mode, routing, started, res)
}

// serveProxy resolves an upstream client and relays its stream. Both
// response forms consume the same event sequence.
func (g *Gateway) serveProxy(ctx context.Context, w http.ResponseWriter, requestID string, req *chatRequest) streamResult {
	info, err := g.sched.GetClientWithPoolInfo(ctx, callerFrom(ctx), pool.TypeChat)
	if err != nil {
		// Nothing routable is a configuration problem, not an upstream one.
		return g.render(ctx, w, requestID, req, errorEvents(Errf(CodeInternalError, "no model available: %v", err)))
	}

	upReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
	}
	stream, err := info.Client.CreateChatCompletionStream(ctx, upReq)
	if err != nil {
		g.sched.RecordCallResult(info.PoolID, info.ModelID, info.PlatformID, false, err)
		return g.render(ctx, w, requestID, req, errorEvents(AsGatewayError(err)))
	}

	res := g.render(ctx, w, requestID, req, streamEvents(ctx, stream))

	// Cancellation says nothing about the entry's health; only real
	// outcomes feed the state machine.
	if res.Err == nil {
		g.sched.RecordCallResult(info.PoolID, info.ModelID, info.PlatformID, true, nil)
	} else if res.Err.Code != CodeClientCancelled {
		g.sched.RecordCallResult(info.PoolID, info.ModelID, info.PlatformID, false, res.Err)
	}
	return res
}

// serveAgent forwards the question into the domain chat service.
func (g *Gateway) serveAgent(ctx context.Context, w http.ResponseWriter, requestID string, cred *Credential, req *chatRequest) streamResult {
	group, ge := resolveAgentGroup(cred, req.GroupID)
	if ge != nil {
		return g.render(ctx, w, requestID, req, errorEvents(ge))
	}
	question := lastUserMessage(req.Messages)
	if question == "" {
		return g.render(ctx, w, requestID, req, errorEvents(Errf(CodeInvalidFormat, "no user message to answer")))
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Agent.Timeout.Std())
	defer cancel()

	events, err := g.chat.Ask(ctx, AgentQuery{
		RequestID: requestID,
		Question:  question,
		UserID:    cred.UserID,
		GroupID:   group,
	})
	if err != nil {
		return g.render(ctx, w, requestID, req, errorEvents(Errf(CodeLLMError, "chat service unavailable: %v", err)))
	}
	return g.render(ctx, w, requestID, req, events)
}

// render emits one event sequence in the requested response form. A
// pre-stream error still controls the status line; a mid-stream error
// becomes a terminal SSE event.
func (g *Gateway) render(ctx context.Context, w http.ResponseWriter, requestID string, req *chatRequest, events <-chan Event) streamResult {
	if !req.Stream {
		res := collectEvents(events)
		if res.Err != nil {
			writeError(w, res.Err)
			return res
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionResponse(requestID, req.Model, res))
		return res
	}

	// Peek the first event so failures before any byte keep their status
	// code instead of riding on a committed 200.
	first, ok := <-events
	if ok && first.Err != nil {
		res := streamResult{Err: first.Err}
		writeError(w, first.Err)
		return res
	}
	merged := events
	if ok {
		merged = prepend(ctx, first, events)
	}
	return g.writeSSE(w, requestID, req.Model, merged)
}

// prepend rebuilds the event sequence after the peek. Both sends and the
// receive select on ctx so the forwarder exits when the client disconnects
// instead of blocking on a channel nobody reads.
func prepend(ctx context.Context, first Event, rest <-chan Event) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		select {
		case out <- first:
		case <-ctx.Done():
			return
		}
		for {
			select {
			case ev, ok := <-rest:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// finish closes the log record and emits telemetry exactly once per
// request.
func (g *Gateway) finish(ctx context.Context, w http.ResponseWriter, requestID, logID string,
	cred *Credential, req *chatRequest, mode string, routing reqctx.Routing,
	started time.Time, res streamResult) {

	// The request context may already be cancelled; bookkeeping still runs.
	ctx = context.WithoutCancel(ctx)

	if res.Err == nil {
		ensureUsage(&res)
	}

	if routing.ResolutionType != "" {
		g.logs.MarkRouting(ctx, logID, routing.PoolID, routing.PoolName,
			routing.ResolutionType, routing.PlatformID)
	}

	status := llmlog.StatusDone
	errCode := ""
	if res.Err != nil {
		errCode = string(res.Err.Code)
		if res.Err.Code == CodeClientCancelled {
			status = llmlog.StatusCancelled
		} else {
			status = llmlog.StatusError
		}
	}

	if !res.FirstByteAt.IsZero() {
		g.logs.MarkFirstByte(ctx, logID, res.FirstByteAt)
	}
	switch status {
	case llmlog.StatusDone:
		g.logs.MarkDone(ctx, logID, llmlog.DoneInfo{
			StatusCode:       http.StatusOK,
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
			Answer:           res.Content,
		})
	case llmlog.StatusCancelled:
		g.logs.MarkCancelled(ctx, logID)
	default:
		g.logs.MarkError(ctx, logID, errCode, res.Err.Status())
	}

	g.metrics.RecordRequest(status, req.Stream)
	g.metrics.RecordTokens(res.Usage.PromptTokens, res.Usage.CompletionTokens)

	event := &monitoring.RequestEvent{
		RequestID:        requestID,
		Timestamp:        started,
		CallerCode:       cred.CallerCode,
		UserID:           cred.UserID,
		GroupID:          cred.GroupID,
		Mode:             mode,
		Model:            req.Model,
		Stream:           req.Stream,
		PoolID:           routing.PoolID,
		PoolName:         routing.PoolName,
		ResolutionType:   routing.ResolutionType,
		Platform:         routing.PlatformName,
		Status:           status,
		ErrorCode:        errCode,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		TotalMs:          time.Since(started).Milliseconds(),
	}
	if !res.FirstByteAt.IsZero() {
		event.FirstByteMs = res.FirstByteAt.Sub(started).Milliseconds()
	}
	g.tracker.RecordRequest(event)
}

// finishRejected handles failures before a log record or routing exists:
// parse errors, bad credentials, rate limiting. These requests never reach
// the scheduler, so their telemetry carries no pool attribution.
func (g *Gateway) finishRejected(w http.ResponseWriter, requestID, caller, model string,
	stream bool, started time.Time, ge *GatewayError) {

	writeError(w, ge)
	g.metrics.RecordRequest(llmlog.StatusError, stream)
	g.tracker.RecordRequest(&monitoring.RequestEvent{
		RequestID:  requestID,
		Timestamp:  started,
		CallerCode: caller,
		Mode:       "rejected",
		Model:      model,
		Stream:     stream,
		Status:     llmlog.StatusError,
		ErrorCode:  string(ge.Code),
		TotalMs:    time.Since(started).Milliseconds(),
	})
}

func callerFrom(ctx context.Context) string {
	if rc, ok := reqctx.From(ctx); ok {
		return rc.CallerCode
	}
	return ""
}
