package embedder

import (
	"fmt"
	"strings"

	"github.com/dshills/coderag/internal/config"
	"github.com/dshills/coderag/internal/retry"
)

// NewProvider creates the bare provider named by cfg.Provider
func NewProvider(cfg config.EmbedderSettings) (Embedder, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderLocal, "":
		return NewLocalProvider(cfg.Dimension), nil
	case ProviderOpenAI:
		return NewOpenAIProvider(OpenAIOptions{
			APIKey:        cfg.APIKey,
			BaseURL:       cfg.BaseURL,
			Model:         cfg.Model,
			Dimension:     cfg.Dimension,
			MaxConcurrent: cfg.MaxConcurrent,
		})
	case ProviderOllama:
		return NewOllamaProvider(OllamaOptions{
			BaseURL:       cfg.BaseURL,
			APIKey:        cfg.APIKey,
			Model:         cfg.Model,
			Dimension:     cfg.Dimension,
			MaxConcurrent: cfg.MaxConcurrent,
		})
	case ProviderJina:
		return NewJinaProvider(JinaOptions{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, cfg.Provider)
	}
}

// New creates the configured provider wrapped with retries and, when
// cfg.CacheSize is positive, an LRU cache in front of the retries
func New(cfg config.EmbedderSettings, retryCfg retry.Config) (Embedder, error) {
	provider, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	var e Embedder = WithRetry(provider, retryCfg)
	if cfg.CacheSize > 0 {
		e = WithCache(e, cfg.CacheSize)
	}
	return e, nil
}
