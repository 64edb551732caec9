package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// AgentQuery is one question for the product QA agent.
type AgentQuery struct {
	RequestID string `json:"request_id"`
	Question  string `json:"question"`
	UserID    string `json:"user_id"`
	GroupID   string `json:"group_id"`
}

// ChatService answers product questions scoped to a knowledge group. The
// returned channel yields answer deltas and is closed when the answer is
// complete; service-side failures arrive as Event.Err.
type ChatService interface {
	Ask(ctx context.Context, q AgentQuery) (<-chan Event, error)
}

// resolveAgentGroup applies the group access rules for agent requests:
// a key bound to a group always answers within that group, and a request
// naming a different one is refused rather than silently redirected.
func resolveAgentGroup(cred *Credential, requestedGroup string) (string, *GatewayError) {
	if cred.GroupID != "" {
		if requestedGroup != "" && requestedGroup != cred.GroupID {
			return "", Errf(CodePermissionDenied, "key is not permitted to access group %q", requestedGroup)
		}
		return cred.GroupID, nil
	}
	if requestedGroup == "" {
		return "", Errf(CodeInvalidFormat, "group_id is required for agent requests")
	}
	return requestedGroup, nil
}

// lastUserMessage extracts the question: the final user-role message.
func lastUserMessage(messages []openai.ChatCompletionMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == openai.ChatMessageRoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// agentMessage is the chat service wire format.
type agentMessage struct {
	Type    string `json:"type"` // ask | delta | done | error
	Content string `json:"content,omitempty"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	Question  string `json:"question,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
}

// wsChatService talks to the chat service over an outbound WebSocket, one
// connection per question.
type wsChatService struct {
	serviceURL string
}

// NewChatService returns the WebSocket-backed ChatService.
func NewChatService(serviceURL string) ChatService {
	return &wsChatService{serviceURL: toWebSocketURL(serviceURL)}
}

func (s *wsChatService) Ask(ctx context.Context, q AgentQuery) (<-chan Event, error) {
	conn, resp, err := websocket.Dial(ctx, s.serviceURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to chat service: %w", err)
	}

	ask := agentMessage{
		Type:      "ask",
		RequestID: q.RequestID,
		Question:  q.Question,
		UserID:    q.UserID,
		GroupID:   q.GroupID,
	}
	payload, err := json.Marshal(ask)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "encode failed")
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "write failed")
		return nil, fmt.Errorf("send question: %w", err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

		sentRole := false
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				ev := Event{Err: Errf(CodeLLMError, "chat service connection lost: %v", err)}
				if ctx.Err() != nil {
					ev.Err = Errf(CodeClientCancelled, "client closed the connection")
				}
				select {
				case events <- ev:
				case <-ctx.Done():
				}
				return
			}

			var msg agentMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Debug().Err(err).Msg("chat service sent unparseable frame")
				continue
			}

			switch msg.Type {
			case "delta":
				ev := Event{Content: msg.Content}
				if !sentRole {
					ev.Role = openai.ChatMessageRoleAssistant
					sentRole = true
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			case "done":
				select {
				case events <- Event{FinishReason: string(openai.FinishReasonStop)}:
				case <-ctx.Done():
				}
				return
			case "error":
				select {
				case events <- Event{Err: agentError(msg)}:
				case <-ctx.Done():
				}
				return
			default:
				log.Debug().Str("type", msg.Type).Msg("chat service sent unknown message type")
			}
		}
	}()
	return events, nil
}

// agentError maps service error codes onto the gateway taxonomy; anything
// unrecognized is an upstream fault.
func agentError(msg agentMessage) *GatewayError {
	switch msg.Code {
	case "GROUP_NOT_FOUND":
		return Errf(CodeGroupNotFound, "unknown group: %s", msg.Error)
	case "PERMISSION_DENIED":
		return Errf(CodePermissionDenied, "%s", msg.Error)
	default:
		return Errf(CodeLLMError, "chat service error: %s", msg.Error)
	}
}

// toWebSocketURL converts an HTTP(S) URL to a WS(S) URL.
func toWebSocketURL(httpURL string) string {
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	if strings.HasPrefix(httpURL, "http://") {
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}
