package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dshills/coderag/pkg/types"
)

// Common errors
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrProviderFailed      = errors.New("embedding provider failed")
	ErrUnsupportedProvider = errors.New("unsupported embedding provider")
	ErrEmptyText           = errors.New("text cannot be empty")
	ErrMissingAPIKey       = errors.New("api key not configured")
)

// Provider names
const (
	ProviderLocal  = "local"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderJina   = "jina"
)

// MaxBatchSize is the largest number of texts sent to a remote API in one call.
// Larger batches are split transparently.
const MaxBatchSize = 100

// Embedder maps text to fixed-dimension vectors. Every vector produced by one
// Embedder has Dimension() components, and Model() identifies the vector space
// so vectors of different models are never compared.
type Embedder interface {
	// Embed returns the vector of a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per text, in input order
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector length, or 0 while it is not yet known
	Dimension() int

	// Model returns the provider-qualified model identity, e.g. "openai:text-embedding-3-small"
	Model() string

	// Close releases any resources held by the embedder
	Close() error
}

// ComputeHash computes SHA-256 hash of text for caching
func ComputeHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// QualifiedModel joins a provider and model name into a model identity
func QualifiedModel(provider, model string) string {
	return provider + ":" + model
}

// ValidateBatch rejects an empty batch or one containing empty texts
func ValidateBatch(texts []string) error {
	if len(texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrInvalidInput)
	}
	for i, text := range texts {
		if text == "" {
			return fmt.Errorf("%w: text at index %d is empty", ErrEmptyText, i)
		}
	}
	return nil
}

// Unavailable wraps a provider failure so callers can match it against
// types.ErrEmbeddingUnavailable.
func Unavailable(model string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrEmbeddingUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", types.ErrEmbeddingUnavailable, model, err)
}

// batches splits texts into consecutive slices of at most size elements
func batches(texts []string, size int) [][]string {
	if size <= 0 {
		size = MaxBatchSize
	}
	out := make([][]string, 0, (len(texts)+size-1)/size)
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		out = append(out, texts[start:end])
	}
	return out
}

// checkCount verifies that a provider returned exactly one vector per input
func checkCount(got, want int) error {
	if got != want {
		return fmt.Errorf("%w: got %d embeddings for %d texts", ErrProviderFailed, got, want)
	}
	return nil
}

// dimension records the vector length of a provider, fixed by configuration
// or learned from the first response
type dimension struct {
	n atomic.Int64
}

func (d *dimension) get() int { return int(d.n.Load()) }

func (d *dimension) set(n int) { d.n.Store(int64(n)) }

// observe learns the dimension from vecs and rejects vectors of another length
func (d *dimension) observe(vecs [][]float32) error {
	for _, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("%w: empty vector", ErrProviderFailed)
		}
		d.n.CompareAndSwap(0, int64(len(v)))
		if want := d.get(); len(v) != want {
			return fmt.Errorf("%w: vector length %d, want %d: %w", ErrProviderFailed, len(v), want, types.ErrDimensionMismatch)
		}
	}
	return nil
}
