package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 64, cfg.Chunker.MinTokens)
	assert.Equal(t, 512, cfg.Chunker.MaxTokens)
	assert.InDelta(t, 0.15, cfg.Chunker.Overlap, 1e-9)
	assert.Equal(t, 10, cfg.Query.TopK)
	assert.Equal(t, 2, cfg.Query.MaxHops)
	assert.InDelta(t, 0.7, cfg.Query.Alpha, 1e-9)
	assert.Equal(t, 2, cfg.Retry.Retries)
	assert.Equal(t, 30*time.Second, cfg.Retry.Timeout)
	assert.Equal(t, "local", cfg.Embedder.Provider)
	assert.Equal(t, BackendSQLite, cfg.Storage.GraphBackend)
	assert.True(t, filepath.IsAbs(cfg.IndexDir) || cfg.IndexDir == "~/.coderag/indices")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CODERAG_QUERY_TOP_K", "25")
	t.Setenv("CODERAG_QUERY_ALPHA", "0.4")
	t.Setenv("CODERAG_RETRY_TIMEOUT", "5s")
	t.Setenv("CODERAG_PIPELINE_IGNORE", "vendor/**, *.gen.go")
	t.Setenv("CODERAG_STORAGE_VECTOR_BACKEND", "memory")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Query.TopK)
	assert.InDelta(t, 0.4, cfg.Query.Alpha, 1e-9)
	assert.Equal(t, 5*time.Second, cfg.Retry.Timeout)
	assert.Equal(t, []string{"vendor/**", "*.gen.go"}, cfg.Pipeline.Ignore)
	assert.Equal(t, BackendMemory, cfg.Storage.VectorBackend)
}

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CODERAG_QUERY_MAX_HOPS", "3")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"--max-hops=0", "--embedder=ollama"}))

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Query.MaxHops)
	assert.Equal(t, "ollama", cfg.Embedder.Provider)
	// Unset flags keep their defaults instead of the flag zero values
	assert.Equal(t, 10, cfg.Query.TopK)
	assert.InDelta(t, 0.7, cfg.Query.Alpha, 1e-9)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CODERAG_QUERY_TOKEN_BUDGET=1234\n"), 0o600))

	// Register cleanup for the variable godotenv is about to set
	t.Setenv("CODERAG_QUERY_TOKEN_BUDGET", "")
	require.NoError(t, os.Unsetenv("CODERAG_QUERY_TOKEN_BUDGET"))

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 1234, cfg.Query.TokenBudget)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "floor above ceiling", mutate: func(c *Config) { c.Chunker.MinTokens = 600 }, wantErr: "min_tokens"},
		{name: "overlap out of range", mutate: func(c *Config) { c.Chunker.Overlap = 1 }, wantErr: "overlap"},
		{name: "unknown tokenizer", mutate: func(c *Config) { c.Chunker.Tokenizer = "bpe" }, wantErr: "tokenizer"},
		{name: "zero workers", mutate: func(c *Config) { c.Pipeline.Workers = 0 }, wantErr: "workers"},
		{name: "top k zero", mutate: func(c *Config) { c.Query.TopK = 0 }, wantErr: "top_k"},
		{name: "negative hops", mutate: func(c *Config) { c.Query.MaxHops = -1 }, wantErr: "max_hops"},
		{name: "alpha above one", mutate: func(c *Config) { c.Query.Alpha = 1.2 }, wantErr: "alpha"},
		{name: "unknown graph backend", mutate: func(c *Config) { c.Storage.GraphBackend = "neo4j" }, wantErr: "graph_backend"},
		{name: "pgvector without url", mutate: func(c *Config) { c.Storage.VectorBackend = BackendPgvector }, wantErr: "postgres_url"},
		{name: "pgvector with url", mutate: func(c *Config) {
			c.Storage.VectorBackend = BackendPgvector
			c.Storage.PostgresURL = "postgres://localhost/coderag"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRetryConfig(t *testing.T) {
	cfg := Default()
	cfg.Retry.Retries = 4
	cfg.Retry.Timeout = time.Second

	rc := cfg.RetryConfig()
	assert.Equal(t, 4, rc.Retries)
	assert.Equal(t, time.Second, rc.Timeout)
	assert.Equal(t, 100*time.Millisecond, rc.BaseDelay)
}

func TestExpandHomeDir(t *testing.T) {
	assert.Equal(t, "/abs/path", expandHomeDir("/abs/path"))
	assert.Equal(t, "relative", expandHomeDir("relative"))
	assert.NotContains(t, expandHomeDir("~/x"), "~")
}
