package embedder

import (
	"context"
	"errors"

	"github.com/dshills/coderag/internal/retry"
)

// permanent marks a provider error as not worth retrying
func permanent(err error) error {
	return retry.Stop(err)
}

// RetryingEmbedder retries transient provider failures with exponential
// backoff. Once the budget is spent the error wraps
// types.ErrEmbeddingUnavailable. Caller cancellation is returned as is.
type RetryingEmbedder struct {
	Embedder
	cfg retry.Config
}

// WithRetry wraps e with the retry policy cfg
func WithRetry(e Embedder, cfg retry.Config) *RetryingEmbedder {
	return &RetryingEmbedder{Embedder: e, cfg: cfg}
}

func (r *RetryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	vec, err := retry.Do(ctx, r.cfg, func(ctx context.Context) ([]float32, error) {
		return r.Embedder.Embed(ctx, text)
	})
	return vec, r.wrap(ctx, err)
}

func (r *RetryingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateBatch(texts); err != nil {
		return nil, err
	}
	vecs, err := retry.Do(ctx, r.cfg, func(ctx context.Context) ([][]float32, error) {
		return r.Embedder.EmbedBatch(ctx, texts)
	})
	return vecs, r.wrap(ctx, err)
}

func (r *RetryingEmbedder) wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	if errors.Is(err, ErrEmptyText) || errors.Is(err, ErrInvalidInput) {
		return err
	}
	return Unavailable(r.Model(), err)
}
