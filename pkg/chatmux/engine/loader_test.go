package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CHATMUX_TEST_SET", "value")
	os.Unsetenv("CHATMUX_TEST_UNSET")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple set", "${CHATMUX_TEST_SET}", "value"},
		{"simple unset keeps placeholder", "${CHATMUX_TEST_UNSET}", "${CHATMUX_TEST_UNSET}"},
		{"default used", "${CHATMUX_TEST_UNSET:-fallback}", "fallback"},
		{"default ignored when set", "${CHATMUX_TEST_SET:-fallback}", "value"},
		{"bare var", "$CHATMUX_TEST_SET", "value"},
		{"embedded", "key: ${CHATMUX_TEST_SET}!", "key: value!"},
		{"no reference", "plain text", "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestExpandEnvVarsRequiredError(t *testing.T) {
	os.Unsetenv("CHATMUX_TEST_REQUIRED")

	_, err := expandEnvVarsWithValidation("key: ${CHATMUX_TEST_REQUIRED:?api key is required}")
	if err == nil {
		t.Fatal("expected error for unset required variable")
	}
	if !strings.Contains(err.Error(), "api key is required") {
		t.Errorf("error = %v, want the configured message", err)
	}
}

func TestParseConfigOverlaysDefaults(t *testing.T) {
	yaml := `
name: custom
providers:
  - id: openai
    models:
      text: gpt-4o-mini
session:
  max_history: 50
`
	cfg, err := ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.Name != "custom" {
		t.Errorf("name = %q, want custom", cfg.Name)
	}
	if cfg.Session.MaxHistory != 50 {
		t.Errorf("max_history = %d, want 50", cfg.Session.MaxHistory)
	}
	// Untouched sections keep their defaults.
	if cfg.Fallback.MaxRetries != DefaultMaxRetries {
		t.Errorf("max_retries = %d, want default %d", cfg.Fallback.MaxRetries, DefaultMaxRetries)
	}
	if cfg.Store.PurgeSchedule != "0 4 * * *" {
		t.Errorf("purge_schedule = %q, want default", cfg.Store.PurgeSchedule)
	}
}

func TestLoadConfigFromFileExpandsEnv(t *testing.T) {
	t.Setenv("CHATMUX_TEST_MODEL", "gpt-4o-mini")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
providers:
  - id: openai
    models:
      text: ${CHATMUX_TEST_MODEL}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile() error = %v", err)
	}
	if got := cfg.Providers[0].Models["text"]; got != "gpt-4o-mini" {
		t.Errorf("text model = %q, want expanded env value", got)
	}
}

func TestResolveSecretsFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("MY_BACKUP_API_KEY", "sk-backup")

	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{
		{ID: "openai"},
		{ID: "my-backup", APIKey: "${MY_BACKUP_API_KEY}"},
		{ID: "hardcoded", APIKey: "sk-keep-me"},
	}

	resolveSecrets(cfg)

	if got := cfg.Providers[0].APIKey; got != "sk-from-env" {
		t.Errorf("openai key = %q, want sk-from-env", got)
	}
	// Dashes map to underscores in the env var name.
	if got := cfg.Providers[1].APIKey; got != "sk-backup" {
		t.Errorf("my-backup key = %q, want sk-backup", got)
	}
	// Explicit config values are left alone.
	if got := cfg.Providers[2].APIKey; got != "sk-keep-me" {
		t.Errorf("hardcoded key = %q, want untouched", got)
	}
}

func TestProviderKeyEnvVar(t *testing.T) {
	tests := []struct {
		id       string
		expected string
	}{
		{"openai", "OPENAI_API_KEY"},
		{"anthropic", "ANTHROPIC_API_KEY"},
		{"my-proxy", "MY_PROXY_API_KEY"},
	}
	for _, tt := range tests {
		if got := providerKeyEnvVar(tt.id); got != tt.expected {
			t.Errorf("providerKeyEnvVar(%q) = %q, want %q", tt.id, got, tt.expected)
		}
	}
}

func TestResolveRelativePaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Path = "data/chat.db"
	resolveRelativePaths(cfg, "/etc/chatmux/config.yaml")
	if cfg.Store.Path != "/etc/chatmux/data/chat.db" {
		t.Errorf("store path = %q, want resolved against the config dir", cfg.Store.Path)
	}

	cfg.Store.Path = "/absolute/chat.db"
	resolveRelativePaths(cfg, "/etc/chatmux/config.yaml")
	if cfg.Store.Path != "/absolute/chat.db" {
		t.Errorf("absolute store path = %q, want untouched", cfg.Store.Path)
	}
}

func TestIsEnvReference(t *testing.T) {
	if !IsEnvReference("${VAR}") || !IsEnvReference("$VAR") {
		t.Error("env references not detected")
	}
	if IsEnvReference("sk-real-key") {
		t.Error("plain value detected as env reference")
	}
}
