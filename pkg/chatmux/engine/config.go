// Package engine – config.go defines the configuration structures for the
// chatmux service.
package engine

import (
	"time"
)

// Config holds all service configuration.
type Config struct {
	// Name is the assistant name folded into the system prompt.
	Name string `yaml:"name"`

	// Providers is the ordered provider table. Order defines the failover
	// chain: first entry is primary.
	Providers []ProviderConfig `yaml:"providers"`

	// Fallback configures retry and backoff for the dispatcher.
	Fallback FallbackConfig `yaml:"fallback"`

	// Request configures payload construction.
	Request RequestConfig `yaml:"request"`

	// Persona configures personalization folded into the system prompt.
	Persona PersonaConfig `yaml:"persona"`

	// Session configures in-memory session lifecycle.
	Session SessionConfig `yaml:"session"`

	// Store configures the conversation database.
	Store StoreConfig `yaml:"store"`

	// Gateway configures the HTTP API.
	Gateway GatewayConfig `yaml:"gateway"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ProviderConfig describes one provider endpoint in config.
type ProviderConfig struct {
	// ID is the short provider name used in logs and key lookups.
	ID string `yaml:"id"`

	// Kind selects the wire format: "openai" (default) or "anthropic".
	Kind string `yaml:"kind"`

	// BaseURL is the API base URL; the chat endpoint path is derived from it.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the provider. Usually an env reference;
	// resolved env → keyring → config at load time.
	APIKey string `yaml:"api_key"`

	// AuthScheme overrides the kind-default credential header.
	AuthScheme string `yaml:"auth_scheme"`

	// Models maps task categories (text, vision, reasoning, document,
	// search) to model identifiers. A provider without a vision model is
	// skipped for image-bearing turns.
	Models map[string]string `yaml:"models"`

	// Streaming toggles token streaming. Nil means enabled.
	Streaming *bool `yaml:"streaming"`
}

// FallbackConfig configures the dispatcher's retry/backoff policy.
type FallbackConfig struct {
	// MaxRetries per provider before failing over (default: 3).
	MaxRetries int `yaml:"max_retries"`

	// BaseDelayMs seeds the backoff schedule (default: 500).
	BaseDelayMs int `yaml:"base_delay_ms"`

	// AttemptTimeoutSec bounds the wait for response headers (default: 75).
	AttemptTimeoutSec int `yaml:"attempt_timeout_sec"`
}

// RequestConfig configures payload construction.
type RequestConfig struct {
	// MaxImageBytes caps combined decoded attachment size (default: 10 MiB).
	MaxImageBytes int64 `yaml:"max_image_bytes"`
}

// PersonaConfig holds the personalization strings folded into the system
// prompt. Exact wording lives here, not scattered through the code.
type PersonaConfig struct {
	// Instructions is the base system prompt.
	Instructions string `yaml:"instructions"`

	// UserName is how the assistant should address the user.
	UserName string `yaml:"user_name"`

	// Traits are extra style directives appended to the prompt.
	Traits []string `yaml:"traits"`
}

// SessionConfig configures in-memory session lifecycle.
type SessionConfig struct {
	// MaxHistory limits turns kept in memory per session (default: 200).
	MaxHistory int `yaml:"max_history"`

	// TTLHours prunes sessions idle longer than this (default: 24).
	TTLHours int `yaml:"ttl_hours"`
}

// TTL returns the session TTL as a duration.
func (c SessionConfig) TTL() time.Duration {
	hours := c.TTLHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// StoreConfig configures the conversation database.
type StoreConfig struct {
	// Path is the SQLite database file (default: "./data/chatmux.db").
	Path string `yaml:"path"`

	// RetentionDays is the grace period before soft-deleted conversations
	// are purged for good (default: 30).
	RetentionDays int `yaml:"retention_days"`

	// PurgeSchedule is the cron spec for the retention sweeper
	// (default: "0 4 * * *", daily at 04:00).
	PurgeSchedule string `yaml:"purge_schedule"`
}

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	// Address is the listen address (default: ":8085").
	Address string `yaml:"address"`

	// AuthToken is the bearer token for /api/* (empty = no auth).
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins (empty = no CORS headers).
	CORSOrigins []string `yaml:"cors_origins"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "chatmux",
		Fallback: FallbackConfig{
			MaxRetries:        DefaultMaxRetries,
			BaseDelayMs:       int(DefaultBaseDelay / time.Millisecond),
			AttemptTimeoutSec: int(DefaultAttemptTimeout / time.Second),
		},
		Request: RequestConfig{
			MaxImageBytes: DefaultMaxImageBytes,
		},
		Persona: PersonaConfig{
			Instructions: "You are a helpful assistant. Be concise and practical.",
		},
		Session: SessionConfig{
			MaxHistory: 200,
			TTLHours:   24,
		},
		Store: StoreConfig{
			Path:          "./data/chatmux.db",
			RetentionDays: 30,
			PurgeSchedule: "0 4 * * *",
		},
		Gateway: GatewayConfig{
			Address: ":8085",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
