package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvWithDefaults(t *testing.T) {
	t.Setenv("GW_TEST_PORT", "9000")
	t.Setenv("GW_TEST_EMPTY", "")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"set var", "port: ${GW_TEST_PORT}", "port: 9000"},
		{"set var ignores default", "port: ${GW_TEST_PORT:-1234}", "port: 9000"},
		{"unset var with default", "url: ${GW_TEST_MISSING:-redis://localhost:6379}", "url: redis://localhost:6379"},
		{"unset var no default", "key: ${GW_TEST_MISSING}", "key: "},
		{"empty var uses default", "v: ${GW_TEST_EMPTY:-fallback}", "v: fallback"},
		{"plain text untouched", "host: 0.0.0.0", "host: 0.0.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExpandEnvWithDefaults(tt.input))
		})
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  host: 127.0.0.1\n"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:18080", cfg.Server.Addr())
	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.Equal(t, DefaultAgentModel, cfg.Agent.Model)
	assert.Equal(t, DefaultRequestsPerMinute, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, DefaultMaxConcurrent, cfg.RateLimit.MaxConcurrent)
	assert.Equal(t, DefaultHealthCheckInterval, cfg.Scheduler.HealthCheckInterval.Std())
}

func TestParseFullConfig(t *testing.T) {
	t.Setenv("GW_TEST_REDIS", "redis://cache:6379/2")
	raw := `
server:
  port: 8088
  read_timeout: 90
  write_timeout: 5m
database:
  path: /var/lib/gateway/gw.db
redis:
  url: ${GW_TEST_REDIS}
auth:
  jwt_secret: ${GW_TEST_JWT:-dev-secret}
agent:
  service_url: ws://chat-service:9000/ws
rate_limit:
  requests_per_minute: 120
  max_concurrent: 8
telemetry:
  enabled: true
  log_path: logs/requests.jsonl
`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Server.ReadTimeout.Std())
	assert.Equal(t, 5*time.Minute, cfg.Server.WriteTimeout.Std())
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, "dev-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "ws://chat-service:9000/ws", cfg.Agent.ServiceURL)
	assert.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "logs/requests.jsonl", cfg.Telemetry.LogPath)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("server: [not a map"))
	assert.Error(t, err)
}
