package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary YAML config file with known values.
	// t.TempDir() gives us a directory that's auto-deleted after the test.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s

upstream:
  anthropic_base: https://example.com/anthropic
  openai_base: https://example.com/openai
  server_api_key: ${TEST_API_KEY}
  retry_attempts: 5

routing:
  autotext_model: claude-text-auto
  autovision_model: claude-vision-auto
  model_map:
    claude-3-opus: gpt-4-turbo

condensation:
  caution_threshold: 0.65
`
	// os.WriteFile writes a byte slice to a file. The 0644 is the Unix file
	// permission (owner read/write, group and others read-only).
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err) // require stops the test immediately if this fails

	// Set the environment variable that ${TEST_API_KEY} should resolve to.
	// t.Setenv auto-restores the original value when the test finishes.
	t.Setenv("TEST_API_KEY", "my-secret-key")

	// Load the config.
	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Assert server config values.
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)

	// Assert upstream config values, including secret expansion.
	assert.Equal(t, "https://example.com/anthropic", cfg.Upstream.AnthropicBase)
	assert.Equal(t, "https://example.com/openai", cfg.Upstream.OpenAIBase)
	assert.Equal(t, "my-secret-key", cfg.Upstream.ServerAPIKey)
	assert.Equal(t, 5, cfg.Upstream.RetryAttempts)

	// Assert routing config values.
	assert.Equal(t, "claude-text-auto", cfg.Routing.AutoTextModel)
	assert.Equal(t, "claude-vision-auto", cfg.Routing.AutoVisionModel)
	assert.Equal(t, "gpt-4-turbo", cfg.Routing.ModelMap["claude-3-opus"])

	// Assert a default that the override file never touches, and the one
	// condensation value it does set.
	assert.Equal(t, 200000, cfg.Windows.AnthropicTextTokens)
	assert.Equal(t, 0.65, cfg.Condense.CautionThreshold)
}

func TestLoadEnvOverride(t *testing.T) {
	// Verify that LLMROUTER_ env vars override YAML values.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  port: 8080
  read_timeout: 30s
  write_timeout: 120s
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// This should override server.port from 8080 to 3000.
	t.Setenv("LLMROUTER_SERVER_PORT", "3000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadLiteralEnvVarsOverrideEverything(t *testing.T) {
	// spec.md §6.3 documents a set of non-namespaced env var names
	// (the same ones original_source/main.py reads via os.getenv) as the
	// external config contract. They must win over both the config file
	// and the LLMROUTER_-prefixed vars.
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	err := os.WriteFile(configPath, []byte("upstream:\n  anthropic_base: https://file.example.com\n"), 0644)
	require.NoError(t, err)

	t.Setenv("UPSTREAM_BASE", "https://literal.example.com")
	t.Setenv("SERVER_API_KEY", "literal-key")
	t.Setenv("FORWARD_CLIENT_KEY", "no")
	t.Setenv("AUTOTEXT_MODEL", "literal-text-model")
	t.Setenv("MODEL_MAP_JSON", `{"claude-3-opus":"gpt-4-turbo"}`)
	t.Setenv("REAL_TEXT_MODEL_TOKENS", "42000")
	t.Setenv("CONDENSATION_CAUTION_THRESHOLD", "0.5")
	t.Setenv("STREAM_TIMEOUT", "12.5")
	t.Setenv("CHUNK_SIZE_MESSAGES", "16")
	t.Setenv("ENV_DEDUPLICATION_STRATEGY", "merge")
	t.Setenv("ENV_DETAILS_MAX_AGE_MINUTES", "5")
	t.Setenv("LOGGING_PERFORMANCE_LEVEL", "max_detail")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "https://literal.example.com", cfg.Upstream.AnthropicBase)
	assert.Equal(t, "literal-key", cfg.Upstream.ServerAPIKey)
	assert.False(t, cfg.Upstream.ForwardClientKey)
	assert.Equal(t, "literal-text-model", cfg.Routing.AutoTextModel)
	assert.Equal(t, "gpt-4-turbo", cfg.Routing.ModelMap["claude-3-opus"])
	assert.Equal(t, 42000, cfg.Windows.AnthropicTextTokens)
	assert.Equal(t, 0.5, cfg.Condense.CautionThreshold)
	assert.Equal(t, 12500*time.Millisecond, cfg.Upstream.StreamTimeout)
	assert.Equal(t, 16, cfg.Chunk.SizeMessages)
	assert.Equal(t, "merge", cfg.EnvDedup.Strategy)
	assert.Equal(t, 5*time.Minute, cfg.EnvDedup.MaxAge)
	assert.Equal(t, "max_detail", cfg.Logging.PerformanceLevel)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	// No config file at all should still produce a usable default config.
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 131072, cfg.Windows.OpenAITextTokens)
	assert.Equal(t, "conversation_summary", cfg.Condense.DefaultStrategy)
	assert.True(t, cfg.Chunk.Enabled)
}
