package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Chunk.MaxTokens)
	assert.Equal(t, 200, cfg.Chunk.Overlap)
	assert.Equal(t, 100, cfg.Upsert.BatchSize)
	assert.Equal(t, 5, cfg.Upsert.Concurrency)
	assert.Equal(t, 5, cfg.Search.TopK)
	assert.InDelta(t, 0.1, cfg.Search.Threshold, 1e-9)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Embedding.Timeout)
	assert.Equal(t, "text-embedding-ada-002", cfg.Embedding.Model)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CHUNK_MAX_TOKENS", "300")
	t.Setenv("CHUNK_OVERLAP", "50")
	t.Setenv("SEARCH_THRESHOLD", "0.25")
	t.Setenv("SEARCH_TIMEOUT", "2s")
	t.Setenv("API_KEYS", "k1:alice, k2:bob")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.Chunk.MaxTokens)
	assert.Equal(t, 50, cfg.Chunk.Overlap)
	assert.InDelta(t, 0.25, cfg.Search.Threshold, 1e-9)
	assert.Equal(t, 2*time.Second, cfg.Search.Timeout)
	assert.Equal(t, map[string]string{"k1": "alice", "k2": "bob"}, cfg.APIKeys)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embedbase.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store: memory
chunk:
  max_tokens: 120
  overlap: 20
upsert:
  concurrency: 2
search:
  timeout: 3s
`), 0o644))

	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("UPSERT_CONCURRENCY", "7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 120, cfg.Chunk.MaxTokens)
	assert.Equal(t, 20, cfg.Chunk.Overlap)
	assert.Equal(t, 3*time.Second, cfg.Search.Timeout)
	// environment wins over the file
	assert.Equal(t, 7, cfg.Upsert.Concurrency)
	// untouched keys keep their defaults
	assert.Equal(t, 100, cfg.Upsert.BatchSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"ok", func(*Config) {}, ""},
		{"missing key", func(c *Config) { c.OpenAIAPIKey = "" }, "OPENAI_API_KEY"},
		{"overlap too large", func(c *Config) { c.Chunk.Overlap = c.Chunk.MaxTokens }, "CHUNK_OVERLAP"},
		{"zero batch", func(c *Config) { c.Upsert.BatchSize = 0 }, "UPSERT_BATCH_SIZE"},
		{"zero concurrency", func(c *Config) { c.Upsert.Concurrency = 0 }, "UPSERT_CONCURRENCY"},
		{"bad threshold", func(c *Config) { c.Search.Threshold = 1.5 }, "SEARCH_THRESHOLD"},
		{"bad store", func(c *Config) { c.Store = "sqlite" }, "STORE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.OpenAIAPIKey = "sk-test"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestParseAPIKeys(t *testing.T) {
	keys, err := ParseAPIKeys([]string{"a:alice", "b:bob"})
	require.NoError(t, err)
	assert.Equal(t, "alice", keys["a"])

	_, err = ParseAPIKeys([]string{"missing-owner"})
	assert.Error(t, err)

	_, err = ParseAPIKeys([]string{":nobody"})
	assert.Error(t, err)
}
