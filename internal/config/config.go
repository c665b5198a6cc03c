package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_sslmode"`
	// DBLogLevel is one of silent, error, warn, info.
	DBLogLevel string `yaml:"db_log_level"`
	// Store selects the document store: postgres or memory.
	Store string `yaml:"store"`

	OpenAIAPIKey string `yaml:"-"`

	ServerPort string `yaml:"server_port"`
	ServerHost string `yaml:"server_host"`

	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunk     ChunkConfig     `yaml:"chunk"`
	Upsert    UpsertConfig    `yaml:"upsert"`
	Search    SearchConfig    `yaml:"search"`
	Retry     RetryConfig     `yaml:"retry"`

	// Ingestion queue configuration
	IngestWorkers   int `yaml:"ingest_workers"`
	IngestQueueSize int `yaml:"ingest_queue_size"`

	// APIKeys maps bearer keys to owner ids.
	APIKeys map[string]string `yaml:"-"`

	// Observability
	JaegerEndpoint   string  `yaml:"jaeger_endpoint"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	ServiceVersion   string  `yaml:"service_version"`
}

type EmbeddingConfig struct {
	Model          string        `yaml:"model"`
	Dimensions     int           `yaml:"dimensions"`
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	MaxInputTokens int           `yaml:"max_input_tokens"`
}

type ChunkConfig struct {
	MaxTokens int `yaml:"max_tokens"`
	Overlap   int `yaml:"overlap"`
}

type UpsertConfig struct {
	BatchSize   int `yaml:"batch_size"`
	Concurrency int `yaml:"concurrency"`
}

type SearchConfig struct {
	TopK      int           `yaml:"top_k"`
	Threshold float64       `yaml:"threshold"`
	Timeout   time.Duration `yaml:"timeout"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Load reads .env, then the YAML file named by CONFIG_FILE if any, then the
// environment. Environment variables win over the file.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	cfg.DBHost = getEnv("DB_HOST", cfg.DBHost)
	cfg.DBPort = getEnv("DB_PORT", cfg.DBPort)
	cfg.DBUser = getEnv("DB_USER", cfg.DBUser)
	cfg.DBPassword = getEnv("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = getEnv("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = getEnv("DB_SSLMODE", cfg.DBSSLMode)
	cfg.DBLogLevel = getEnv("DB_LOG_LEVEL", cfg.DBLogLevel)
	cfg.Store = getEnv("STORE", cfg.Store)

	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)

	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.ServerHost = getEnv("SERVER_HOST", cfg.ServerHost)

	cfg.Embedding.Model = getEnv("EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Dimensions = getEnvInt("EMBEDDING_DIMENSIONS", cfg.Embedding.Dimensions)
	cfg.Embedding.BaseURL = getEnv("EMBEDDING_BASE_URL", cfg.Embedding.BaseURL)
	cfg.Embedding.Timeout = getEnvDuration("EMBEDDING_TIMEOUT", cfg.Embedding.Timeout)
	cfg.Embedding.RateLimit = getEnvFloat("EMBEDDING_RATE_LIMIT", cfg.Embedding.RateLimit)
	cfg.Embedding.RateBurst = getEnvInt("EMBEDDING_RATE_BURST", cfg.Embedding.RateBurst)
	cfg.Embedding.MaxInputTokens = getEnvInt("EMBEDDING_MAX_INPUT_TOKENS", cfg.Embedding.MaxInputTokens)

	cfg.Chunk.MaxTokens = getEnvInt("CHUNK_MAX_TOKENS", cfg.Chunk.MaxTokens)
	cfg.Chunk.Overlap = getEnvInt("CHUNK_OVERLAP", cfg.Chunk.Overlap)

	cfg.Upsert.BatchSize = getEnvInt("UPSERT_BATCH_SIZE", cfg.Upsert.BatchSize)
	cfg.Upsert.Concurrency = getEnvInt("UPSERT_CONCURRENCY", cfg.Upsert.Concurrency)

	cfg.Search.TopK = getEnvInt("SEARCH_TOP_K", cfg.Search.TopK)
	cfg.Search.Threshold = getEnvFloat("SEARCH_THRESHOLD", cfg.Search.Threshold)
	cfg.Search.Timeout = getEnvDuration("SEARCH_TIMEOUT", cfg.Search.Timeout)

	cfg.Retry.MaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.BaseDelay = getEnvDuration("RETRY_BASE_DELAY", cfg.Retry.BaseDelay)
	cfg.Retry.MaxDelay = getEnvDuration("RETRY_MAX_DELAY", cfg.Retry.MaxDelay)

	cfg.IngestWorkers = getEnvInt("INGEST_WORKERS", cfg.IngestWorkers)
	cfg.IngestQueueSize = getEnvInt("INGEST_QUEUE_SIZE", cfg.IngestQueueSize)

	cfg.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", cfg.JaegerEndpoint)
	cfg.TraceSampleRatio = getEnvFloat("TRACE_SAMPLE_RATIO", cfg.TraceSampleRatio)
	cfg.ServiceVersion = getEnv("SERVICE_VERSION", cfg.ServiceVersion)

	keys, err := ParseAPIKeys(getEnvList("API_KEYS"))
	if err != nil {
		return nil, err
	}
	cfg.APIKeys = keys

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		DBHost:     "localhost",
		DBPort:     "5432",
		DBUser:     "postgres",
		DBPassword: "postgres",
		DBName:     "embedbase",
		DBSSLMode:  "disable",
		DBLogLevel: "warn",
		Store:      "postgres",

		ServerPort: "8080",
		ServerHost: "localhost",

		Embedding: EmbeddingConfig{
			Model:          "text-embedding-ada-002",
			Dimensions:     1536,
			BaseURL:        "https://api.openai.com/v1",
			Timeout:        30 * time.Second,
			MaxInputTokens: 8191,
		},
		Chunk:  ChunkConfig{MaxTokens: 500, Overlap: 200},
		Upsert: UpsertConfig{BatchSize: 100, Concurrency: 5},
		Search: SearchConfig{TopK: 5, Threshold: 0.1, Timeout: 15 * time.Second},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},

		IngestWorkers:   2,
		IngestQueueSize: 100,

		JaegerEndpoint:   "http://localhost:14268/api/traces",
		TraceSampleRatio: 1,
		ServiceVersion:   "1.0.0",
	}
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if c.Chunk.MaxTokens <= 0 {
		errs = append(errs, errors.New("CHUNK_MAX_TOKENS must be positive"))
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap >= c.Chunk.MaxTokens {
		errs = append(errs, fmt.Errorf("CHUNK_OVERLAP must be in [0, %d)", c.Chunk.MaxTokens))
	}
	if c.Upsert.BatchSize <= 0 {
		errs = append(errs, errors.New("UPSERT_BATCH_SIZE must be positive"))
	}
	if c.Upsert.Concurrency <= 0 {
		errs = append(errs, errors.New("UPSERT_CONCURRENCY must be positive"))
	}
	if c.Search.Threshold < 0 || c.Search.Threshold > 1 {
		errs = append(errs, errors.New("SEARCH_THRESHOLD must be between 0 and 1"))
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, errors.New("EMBEDDING_DIMENSIONS must be positive"))
	}
	switch c.Store {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE must be postgres or memory, got %q", c.Store))
	}
	return errors.Join(errs...)
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// ParseAPIKeys parses "key:owner" pairs.
func ParseAPIKeys(pairs []string) (map[string]string, error) {
	keys := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, owner, ok := strings.Cut(pair, ":")
		key, owner = strings.TrimSpace(key), strings.TrimSpace(owner)
		if !ok || key == "" || owner == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must look like key:owner", pair)
		}
		keys[key] = owner
	}
	return keys, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
