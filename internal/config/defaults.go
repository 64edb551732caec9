// Package config - defaults.go centralizes magic numbers and default values.
package config

import "time"

// DefaultPort is the gateway listen port.
const DefaultPort = 18080

// DefaultDatabasePath is the sqlite file used when none is configured.
const DefaultDatabasePath = "gateway.db"

// DefaultServerReadTimeout for the HTTP server.
const DefaultServerReadTimeout = 2 * time.Minute

// DefaultServerWriteTimeout for the HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 15 * time.Second

// DefaultHealthCheckInterval is how often unhealthy entries are probed.
const DefaultHealthCheckInterval = time.Minute

// DefaultRequestsPerMinute is the global per-caller window cap.
const DefaultRequestsPerMinute = 600

// DefaultMaxConcurrent is the global per-caller in-flight cap.
const DefaultMaxConcurrent = 20

// DefaultAgentModel is the reserved model name that routes chat
// completions into the agent QA flow instead of the raw proxy.
const DefaultAgentModel = "prd-agent"

// DefaultAgentTimeout bounds one agent QA round trip.
const DefaultAgentTimeout = 5 * time.Minute

// MaxRequestBodySize is the maximum allowed request body (10MB).
const MaxRequestBodySize = 10 * 1024 * 1024

// MaxErrorBodyLogLen limits error response body in logs to prevent bloat.
const MaxErrorBodyLogLen = 500
