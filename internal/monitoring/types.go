// Package monitoring - types.go defines shared telemetry types.
package monitoring

import "time"

// TelemetryConfig controls JSONL event recording.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// RequestEvent captures one chat completion request through the gateway.
type RequestEvent struct {
	RequestID  string    `json:"request_id"`
	Timestamp  time.Time `json:"timestamp"`
	CallerCode string    `json:"caller_code,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	GroupID    string    `json:"group_id,omitempty"`
	Mode       string    `json:"mode"` // "proxy" or "agent"
	Model      string    `json:"model,omitempty"`
	Stream     bool      `json:"stream"`

	// Routing decision; zero PoolID means a direct route or a request
	// rejected before scheduling.
	PoolID         int64  `json:"pool_id,omitempty"`
	PoolName       string `json:"pool_name,omitempty"`
	ResolutionType string `json:"resolution_type,omitempty"`
	Platform       string `json:"platform,omitempty"`

	Status    string `json:"status"` // done | error | cancelled
	ErrorCode string `json:"error_code,omitempty"`

	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`

	FirstByteMs int64 `json:"first_byte_ms,omitempty"`
	TotalMs     int64 `json:"total_ms"`
}

// InitEvent records one gateway startup.
type InitEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Pools     int       `json:"pools"`
	Entries   int       `json:"entries"`
	Platforms int       `json:"platforms"`
	RedisUp   bool      `json:"redis_up"`
}
