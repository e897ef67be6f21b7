package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	StoreDriver  string // postgres | memory
	DatabaseURL  string
	SslCertPath  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string

	GeminiAPIKey     string
	OpenAIAPIKey     string
	AnthropicAPIKey  string
	EmbedProvider    string
	EmbedModel       string
	EmbedDim         int
	GenModel         string
	OpenAIModel      string
	AnthropicModel   string
	PrimaryProvider  string
	FallbackProvider string

	LLMTimeout     time.Duration
	EmbedTimeout   time.Duration
	RerankTimeout  time.Duration
	RerankerURL    string
	RerankCacheTTL time.Duration

	ChunkMaxTokens     int
	ChunkOverlapTokens int
	SearchTopK         int
	CandidatePool      int
	ContextTokenBudget int
	ModelInputBudget   int
	MaxOutputTokens    int
	Temperature        float64
	HistoryWindow      int

	WorkerCount        int
	ConvertMaxAttempts int
	ConvertBackoff     time.Duration
	EmbedRPS           float64
	EmbedBatchSize     int
	EmbedConcurrency   int
	JobTimeout         time.Duration

	JWTSecret      string
	Port           string
	CORSOrigins    []string
	RequestTimeout time.Duration
	MaxUploadMB    int
	LogLevel       string
}

// LoadConfig loads the environment variables and returns the config.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		StoreDriver:  getEnv("STORE_DRIVER", "postgres"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		SslCertPath:  getEnv("SSL_CERT_PATH", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "contexta-docs"),

		GeminiAPIKey:     getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		EmbedProvider:    getEnv("EMBED_PROVIDER", "gemini"),
		EmbedModel:       getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:         getEnvInt("EMBED_DIM", 768),
		GenModel:         getEnv("GEN_MODEL", "gemini-1.5-flash"),
		OpenAIModel:      getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		AnthropicModel:   getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		PrimaryProvider:  getEnv("PRIMARY_PROVIDER", "gemini"),
		FallbackProvider: getEnv("FALLBACK_PROVIDER", ""),

		LLMTimeout:     getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		EmbedTimeout:   getEnvDuration("EMBED_TIMEOUT", 15*time.Second),
		RerankTimeout:  getEnvDuration("RERANK_TIMEOUT", 5*time.Second),
		RerankerURL:    getEnv("RERANKER_URL", ""),
		RerankCacheTTL: getEnvDuration("RERANK_CACHE_TTL", 10*time.Minute),

		ChunkMaxTokens:     getEnvInt("CHUNK_MAX_TOKENS", 256),
		ChunkOverlapTokens: getEnvInt("CHUNK_OVERLAP_TOKENS", 32),
		SearchTopK:         getEnvInt("SEARCH_TOP_K", 8),
		CandidatePool:      getEnvInt("SEARCH_CANDIDATE_POOL", 0),
		ContextTokenBudget: getEnvInt("CONTEXT_TOKEN_BUDGET", 3000),
		ModelInputBudget:   getEnvInt("MODEL_INPUT_BUDGET", 16000),
		MaxOutputTokens:    getEnvInt("MAX_OUTPUT_TOKENS", 1024),
		Temperature:        getEnvFloat("TEMPERATURE", 0.2),
		HistoryWindow:      getEnvInt("HISTORY_WINDOW", 20),

		WorkerCount:        getEnvInt("WORKER_COUNT", 4),
		ConvertMaxAttempts: getEnvInt("CONVERT_MAX_ATTEMPTS", 3),
		ConvertBackoff:     getEnvDuration("CONVERT_BACKOFF", time.Second),
		EmbedRPS:           getEnvFloat("EMBED_RPS", 5),
		EmbedBatchSize:     getEnvInt("EMBED_BATCH_SIZE", 16),
		EmbedConcurrency:   getEnvInt("EMBED_CONCURRENCY", 4),
		JobTimeout:         getEnvDuration("JOB_TIMEOUT", 10*time.Minute),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		Port:           getEnv("PORT", "8080"),
		CORSOrigins:    getEnvList("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:8888"}),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),
		MaxUploadMB:    getEnvInt("MAX_UPLOAD_MB", 50),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var knownProviders = map[string]bool{"gemini": true, "openai": true, "anthropic": true}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL not set")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.ChunkMaxTokens <= 0 {
		return fmt.Errorf("CHUNK_MAX_TOKENS must be positive")
	}
	if c.ChunkOverlapTokens < 0 || c.ChunkOverlapTokens >= c.ChunkMaxTokens {
		return fmt.Errorf("CHUNK_OVERLAP_TOKENS must be in [0, CHUNK_MAX_TOKENS)")
	}
	if !knownProviders[c.PrimaryProvider] {
		return fmt.Errorf("unknown PRIMARY_PROVIDER %q", c.PrimaryProvider)
	}
	if c.FallbackProvider != "" && !knownProviders[c.FallbackProvider] {
		return fmt.Errorf("unknown FALLBACK_PROVIDER %q", c.FallbackProvider)
	}
	if c.EmbedProvider != "gemini" && c.EmbedProvider != "openai" {
		return fmt.Errorf("unknown EMBED_PROVIDER %q", c.EmbedProvider)
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("EMBED_DIM must be positive")
	}
	if c.SearchTopK <= 0 {
		c.SearchTopK = 8
	}
	if c.CandidatePool < 0 {
		c.CandidatePool = 0
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 20
	}
	if c.ConvertMaxAttempts <= 0 {
		c.ConvertMaxAttempts = 1
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = 50
	}
	return nil
}

// SlogLevel maps LOG_LEVEL onto slog levels.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config value is not an int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("config value is not a number, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("config value is not a duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
