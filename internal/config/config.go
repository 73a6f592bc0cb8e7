// Package config loads coderag settings from defaults, a .env file,
// CODERAG_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dshills/coderag/internal/retry"
)

// EnvPrefix is the prefix of every environment variable read by Load
const EnvPrefix = "CODERAG"

// Backend names
const (
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
	BackendPgvector = "pgvector"
)

// LogSettings configures logging
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ChunkerSettings configures chunk sizing
type ChunkerSettings struct {
	MinTokens   int     `mapstructure:"min_tokens"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Overlap     float64 `mapstructure:"overlap"`
	WindowLines int     `mapstructure:"window_lines"`
	Tokenizer   string  `mapstructure:"tokenizer"` // heuristic or tiktoken
	Encoding    string  `mapstructure:"encoding"`
}

// PipelineSettings configures ingestion
type PipelineSettings struct {
	Workers          int      `mapstructure:"workers"`
	EmbedBatchSize   int      `mapstructure:"embed_batch_size"`
	MaxFileSize      int64    `mapstructure:"max_file_size"`
	Ignore           []string `mapstructure:"ignore"`
	DefaultIgnores   bool     `mapstructure:"default_ignores"`
	PruneStaleModels bool     `mapstructure:"prune_stale_models"`
}

// QuerySettings configures retrieval
type QuerySettings struct {
	TopK        int           `mapstructure:"top_k"`
	MaxHops     int           `mapstructure:"max_hops"`
	MaxFanout   int           `mapstructure:"max_fanout"`
	TokenBudget int           `mapstructure:"token_budget"`
	Alpha       float64       `mapstructure:"alpha"`
	CacheSize   int           `mapstructure:"cache_size"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

// RetrySettings configures calls to the embedder and the stores
type RetrySettings struct {
	Retries   int           `mapstructure:"retries"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// EmbedderSettings selects and configures the embedding provider
type EmbedderSettings struct {
	Provider      string `mapstructure:"provider"` // local, openai, ollama, jina
	Model         string `mapstructure:"model"`
	APIKey        string `mapstructure:"api_key"`
	BaseURL       string `mapstructure:"base_url"`
	Dimension     int    `mapstructure:"dimension"`
	CacheSize     int    `mapstructure:"cache_size"`
	MaxConcurrent int64  `mapstructure:"max_concurrent"`
}

// StorageSettings selects the graph and vector backends
type StorageSettings struct {
	GraphBackend  string `mapstructure:"graph_backend"`
	VectorBackend string `mapstructure:"vector_backend"`
	PostgresURL   string `mapstructure:"postgres_url"`
}

// Config is the complete application configuration
type Config struct {
	IndexDir string           `mapstructure:"index_dir"`
	Log      LogSettings      `mapstructure:"log"`
	Chunker  ChunkerSettings  `mapstructure:"chunker"`
	Pipeline PipelineSettings `mapstructure:"pipeline"`
	Query    QuerySettings    `mapstructure:"query"`
	Retry    RetrySettings    `mapstructure:"retry"`
	Embedder EmbedderSettings `mapstructure:"embedder"`
	Storage  StorageSettings  `mapstructure:"storage"`
}

// flagBindings maps config keys to flag names registered by RegisterFlags
var flagBindings = map[string]string{
	"index_dir":              "index-dir",
	"log.level":              "log-level",
	"log.format":             "log-format",
	"pipeline.workers":       "workers",
	"pipeline.ignore":        "ignore",
	"query.top_k":            "top-k",
	"query.max_hops":         "max-hops",
	"query.max_fanout":       "max-fanout",
	"query.token_budget":     "token-budget",
	"query.alpha":            "alpha",
	"embedder.provider":      "embedder",
	"embedder.model":         "embedding-model",
	"storage.graph_backend":  "graph-backend",
	"storage.vector_backend": "vector-backend",
}

// RegisterFlags registers the command-line overrides on flags
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("index-dir", "", "Directory holding repository indexes")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text, json, logfmt")
	flags.Int("workers", 0, "Worker pool size for extraction and embedding")
	flags.StringSlice("ignore", nil, "Additional ignore patterns (comma-separated)")
	flags.Int("top-k", 0, "Vector hits per query")
	flags.Int("max-hops", -1, "Graph expansion depth")
	flags.Int("max-fanout", 0, "Neighbours expanded per entity and hop")
	flags.Int("token-budget", 0, "Token budget of an evidence set")
	flags.Float64("alpha", -1, "Fusion weight of vector similarity (0-1)")
	flags.String("embedder", "", "Embedding provider: local, openai, ollama, jina")
	flags.String("embedding-model", "", "Embedding model name")
	flags.String("graph-backend", "", "Graph store backend: sqlite, memory")
	flags.String("vector-backend", "", "Vector index backend: sqlite, memory, pgvector")
}

// Load loads configuration with defaults, env vars and optional flags.
// Priority: flags > environment > .env file > defaults. Only flags that were
// explicitly set override lower layers.
func Load(flags *pflag.FlagSet) (*Config, error) {
	// A missing .env file is not an error
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Provider credentials under their conventional names
	_ = v.BindEnv("embedder.api_key", EnvPrefix+"_EMBEDDER_API_KEY", "OPENAI_API_KEY", "JINA_API_KEY")
	_ = v.BindEnv("storage.postgres_url", EnvPrefix+"_STORAGE_POSTGRES_URL", "DATABASE_URL")

	if flags != nil {
		for key, name := range flagBindings {
			if f := flags.Lookup(name); f != nil && f.Changed {
				_ = v.BindPFlag(key, f)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	cfg.IndexDir = expandHomeDir(cfg.IndexDir)
	cfg.Pipeline.Ignore = cleanPatterns(cfg.Pipeline.Ignore)

	return &cfg, nil
}

// Default returns the configuration produced by Load with no overrides
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.IndexDir = expandHomeDir(cfg.IndexDir)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("index_dir", "~/.coderag/indices")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("chunker.min_tokens", 64)
	v.SetDefault("chunker.max_tokens", 512)
	v.SetDefault("chunker.overlap", 0.15)
	v.SetDefault("chunker.window_lines", 60)
	v.SetDefault("chunker.tokenizer", "heuristic")
	v.SetDefault("chunker.encoding", "cl100k_base")

	v.SetDefault("pipeline.workers", runtime.NumCPU())
	v.SetDefault("pipeline.embed_batch_size", 32)
	v.SetDefault("pipeline.max_file_size", int64(1<<20))
	v.SetDefault("pipeline.ignore", []string{})
	v.SetDefault("pipeline.default_ignores", true)
	v.SetDefault("pipeline.prune_stale_models", false)

	v.SetDefault("query.top_k", 10)
	v.SetDefault("query.max_hops", 2)
	v.SetDefault("query.max_fanout", 8)
	v.SetDefault("query.token_budget", 4000)
	v.SetDefault("query.alpha", 0.7)
	v.SetDefault("query.cache_size", 256)
	v.SetDefault("query.cache_ttl", 5*time.Minute)

	v.SetDefault("retry.retries", 2)
	v.SetDefault("retry.base_delay", 100*time.Millisecond)
	v.SetDefault("retry.max_delay", 2*time.Second)
	v.SetDefault("retry.timeout", 30*time.Second)

	v.SetDefault("embedder.provider", "local")
	v.SetDefault("embedder.model", "")
	v.SetDefault("embedder.api_key", "")
	v.SetDefault("embedder.base_url", "")
	v.SetDefault("embedder.dimension", 0)
	v.SetDefault("embedder.cache_size", 10000)
	v.SetDefault("embedder.max_concurrent", int64(4))

	v.SetDefault("storage.graph_backend", BackendSQLite)
	v.SetDefault("storage.vector_backend", BackendSQLite)
	v.SetDefault("storage.postgres_url", "")
}

// Validate checks value ranges and backend combinations
func (c *Config) Validate() error {
	if c.IndexDir == "" {
		return errors.New("index_dir cannot be empty")
	}
	if c.Chunker.MinTokens < 0 {
		return errors.New("chunker.min_tokens must not be negative")
	}
	if c.Chunker.MaxTokens <= 0 {
		return errors.New("chunker.max_tokens must be positive")
	}
	if c.Chunker.MinTokens > c.Chunker.MaxTokens {
		return errors.New("chunker.min_tokens must not exceed chunker.max_tokens")
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= 1 {
		return errors.New("chunker.overlap must be in [0, 1)")
	}
	switch c.Chunker.Tokenizer {
	case "heuristic", "tiktoken":
	default:
		return fmt.Errorf("unknown chunker.tokenizer %q", c.Chunker.Tokenizer)
	}
	if c.Pipeline.Workers <= 0 {
		return errors.New("pipeline.workers must be positive")
	}
	if c.Pipeline.EmbedBatchSize <= 0 {
		return errors.New("pipeline.embed_batch_size must be positive")
	}
	if c.Query.TopK < 1 {
		return errors.New("query.top_k must be >= 1")
	}
	if c.Query.MaxHops < 0 {
		return errors.New("query.max_hops must not be negative")
	}
	if c.Query.MaxFanout < 1 {
		return errors.New("query.max_fanout must be >= 1")
	}
	if c.Query.TokenBudget <= 0 {
		return errors.New("query.token_budget must be positive")
	}
	if c.Query.Alpha < 0 || c.Query.Alpha > 1 {
		return errors.New("query.alpha must be in [0, 1]")
	}
	if c.Retry.Retries < 0 {
		return errors.New("retry.retries must not be negative")
	}
	if c.Retry.Timeout < 0 {
		return errors.New("retry.timeout must not be negative")
	}
	switch c.Storage.GraphBackend {
	case BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("unknown storage.graph_backend %q", c.Storage.GraphBackend)
	}
	switch c.Storage.VectorBackend {
	case BackendSQLite, BackendMemory:
	case BackendPgvector:
		if c.Storage.PostgresURL == "" {
			return errors.New("storage.vector_backend pgvector requires storage.postgres_url")
		}
	default:
		return fmt.Errorf("unknown storage.vector_backend %q", c.Storage.VectorBackend)
	}
	return nil
}

// RetryConfig converts the retry settings for the retry package
func (c *Config) RetryConfig() retry.Config {
	cfg := retry.Default()
	cfg.Retries = c.Retry.Retries
	if c.Retry.BaseDelay > 0 {
		cfg.BaseDelay = c.Retry.BaseDelay
	}
	if c.Retry.MaxDelay > 0 {
		cfg.MaxDelay = c.Retry.MaxDelay
	}
	cfg.Timeout = c.Retry.Timeout
	return cfg
}

// expandHomeDir expands ~ to the user's home directory
func expandHomeDir(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// cleanPatterns splits comma separated entries and drops empty ones
func cleanPatterns(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, p := range strings.Split(entry, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
