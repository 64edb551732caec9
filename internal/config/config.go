// Package config loads the gateway YAML configuration.
//
// Values support ${VAR} and ${VAR:-default} references, expanded against
// the process environment before parsing, so the same file works across
// deployments with only env differences.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prdhub/model-gateway/internal/monitoring"
)

// Duration parses YAML values like "90s" or "5m"; bare integers are
// seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig               `yaml:"server"`
	Database  DatabaseConfig             `yaml:"database"`
	Redis     RedisConfig                `yaml:"redis"`
	Auth      AuthConfig                 `yaml:"auth"`
	Agent     AgentConfig                `yaml:"agent"`
	Scheduler SchedulerConfig            `yaml:"scheduler"`
	RateLimit RateLimitConfig            `yaml:"rate_limit"`
	Telemetry monitoring.TelemetryConfig `yaml:"telemetry"`
	Seed      SeedConfig                 `yaml:"seed"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig points at the sqlite file backing pools, keys and logs.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig configures the shared rate limit counter store. An empty URL
// falls back to in-process counters.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig controls credential verification.
type AuthConfig struct {
	// JWTSecret enables JWT bearer credentials alongside database API keys.
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentConfig configures the agent QA mode.
type AgentConfig struct {
	Model      string   `yaml:"model"`       // reserved model name
	ServiceURL string   `yaml:"service_url"` // chat service websocket endpoint
	Timeout    Duration `yaml:"timeout"`
}

// SchedulerConfig tunes health tracking.
type SchedulerConfig struct {
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	DegradeAfter        int      `yaml:"degrade_after"`
	RecoverAfter        int      `yaml:"recover_after"`
}

// RateLimitConfig is the global default; per-caller overrides live in the
// database.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	MaxConcurrent     int `yaml:"max_concurrent"`
}

// SeedConfig optionally loads pools, platforms and callers from a YAML
// file on startup, for fresh databases and local development.
type SeedConfig struct {
	Path string `yaml:"path"`
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// ExpandEnvWithDefaults expands ${VAR} and ${VAR:-default} references.
func ExpandEnvWithDefaults(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return strings.TrimPrefix(groups[2], ":-")
	})
}

// Load reads, expands and parses the config file, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses config bytes; exposed for tests.
func Parse(data []byte) (*Config, error) {
	expanded := ExpandEnvWithDefaults(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a config usable without any file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(DefaultServerReadTimeout)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(DefaultServerWriteTimeout)
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Agent.Model == "" {
		c.Agent.Model = DefaultAgentModel
	}
	if c.Agent.Timeout == 0 {
		c.Agent.Timeout = Duration(DefaultAgentTimeout)
	}
	if c.Scheduler.HealthCheckInterval == 0 {
		c.Scheduler.HealthCheckInterval = Duration(DefaultHealthCheckInterval)
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if c.RateLimit.MaxConcurrent == 0 {
		c.RateLimit.MaxConcurrent = DefaultMaxConcurrent
	}
}
