package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DATABASE_URL", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.SearchTopK)
	assert.Equal(t, 20, cfg.HistoryWindow)
	assert.Equal(t, 3, cfg.ConvertMaxAttempts)
	assert.Equal(t, "gemini", cfg.PrimaryProvider)
	assert.Equal(t, time.Second, cfg.ConvertBackoff)
	assert.Zero(t, cfg.CandidatePool)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("CHUNK_MAX_TOKENS", "100")
	t.Setenv("CHUNK_OVERLAP_TOKENS", "10")
	t.Setenv("LLM_TIMEOUT", "2s")
	t.Setenv("EMBED_RPS", "2.5")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("PRIMARY_PROVIDER", "openai")
	t.Setenv("FALLBACK_PROVIDER", "anthropic")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.ChunkMaxTokens)
	assert.Equal(t, 2*time.Second, cfg.LLMTimeout)
	assert.Equal(t, 2.5, cfg.EmbedRPS)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "anthropic", cfg.FallbackProvider)
}

func TestLoadConfigBadValuesFallBack(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("WORKER_COUNT", "many")
	t.Setenv("RERANK_TIMEOUT", "soon")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 5*time.Second, cfg.RerankTimeout)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			StoreDriver: "memory", ChunkMaxTokens: 100, ChunkOverlapTokens: 10,
			PrimaryProvider: "gemini", EmbedProvider: "gemini", EmbedDim: 768,
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"ok", func(*Config) {}, false},
		{"postgres without url", func(c *Config) { c.StoreDriver = "postgres" }, true},
		{"unknown driver", func(c *Config) { c.StoreDriver = "mongo" }, true},
		{"overlap too large", func(c *Config) { c.ChunkOverlapTokens = 100 }, true},
		{"unknown primary", func(c *Config) { c.PrimaryProvider = "mystery" }, true},
		{"unknown fallback", func(c *Config) { c.FallbackProvider = "mystery" }, true},
		{"bad embed provider", func(c *Config) { c.EmbedProvider = "anthropic" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
