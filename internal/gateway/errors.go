package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorCode classifies request failures for clients and logs.
type ErrorCode string

const (
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	CodeInvalidFormat    ErrorCode = "INVALID_FORMAT"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeGroupNotFound    ErrorCode = "GROUP_NOT_FOUND"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeClientCancelled  ErrorCode = "CLIENT_CANCELLED"
	CodeLLMError         ErrorCode = "LLM_ERROR"
	CodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// statusFor maps each code to its HTTP status. 499 is the nginx convention
// for client-closed connections.
func statusFor(code ErrorCode) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeInvalidFormat:
		return http.StatusBadRequest
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeGroupNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeClientCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// GatewayError is the one error shape the gateway returns, in both JSON and
// SSE form.
type GatewayError struct {
	Code    ErrorCode
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status returns the HTTP status for the error.
func (e *GatewayError) Status() int { return statusFor(e.Code) }

// Errf builds a GatewayError with a formatted message.
func Errf(code ErrorCode, format string, args ...any) *GatewayError {
	return &GatewayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsGatewayError normalizes any error into a GatewayError; unknown errors
// become LLM_ERROR since by this point the upstream call is the only thing
// left that can fail.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	if ge, ok := err.(*GatewayError); ok {
		return ge
	}
	return &GatewayError{Code: CodeLLMError, Message: err.Error()}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Type    string    `json:"type"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, ge *GatewayError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ge.Status())
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{Code: ge.Code, Message: ge.Message, Type: "gateway_error"},
	})
}

// writeSSEError emits the error as a terminal SSE event followed by [DONE].
// Headers are already committed by the time a mid-stream error happens, so
// the status line cannot change; the event body carries the code instead.
func writeSSEError(w http.ResponseWriter, flusher http.Flusher, ge *GatewayError) {
	payload, err := json.Marshal(errorBody{
		Error: errorDetail{Code: ge.Code, Message: ge.Message, Type: "gateway_error"},
	})
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
