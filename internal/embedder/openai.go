package embedder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"
)

// DefaultOpenAIModel is used when no model is configured
const DefaultOpenAIModel = "text-embedding-3-small"

// OpenAIDimension is the native dimension of DefaultOpenAIModel
const OpenAIDimension = 1536

var openAIDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIOptions configures an OpenAIProvider
type OpenAIOptions struct {
	APIKey        string
	BaseURL       string // Any OpenAI compatible endpoint
	Model         string
	Dimension     int // Requested output dimension; 0 keeps the model default
	MaxConcurrent int64
}

// OpenAIProvider embeds through the OpenAI embeddings API
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	dim       dimension
	shorten   bool
	reqLock   *semaphore.Weighted
	batchSize int
}

// NewOpenAIProvider creates an OpenAI embedder
func NewOpenAIProvider(opts OpenAIOptions) (*OpenAIProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: openai", ErrMissingAPIKey)
	}
	if opts.Model == "" {
		opts.Model = DefaultOpenAIModel
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}

	// Retries are handled by the retry decorator
	options := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		options = append(options, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(options...)

	p := &OpenAIProvider{
		client:    &client,
		model:     opts.Model,
		shorten:   opts.Dimension > 0 && strings.HasPrefix(opts.Model, "text-embedding-3"),
		reqLock:   semaphore.NewWeighted(opts.MaxConcurrent),
		batchSize: MaxBatchSize,
	}
	if opts.Dimension > 0 {
		p.dim.set(opts.Dimension)
	} else {
		p.dim.set(openAIDimensions[opts.Model])
	}
	return p, nil
}

func (o *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	out, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (o *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateBatch(texts); err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(texts))
	for _, batch := range batches(texts, o.batchSize) {
		vecs, err := o.callAPI(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (o *OpenAIProvider) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: o.model,
	}
	if o.shorten {
		body.Dimensions = openai.Int(int64(o.dim.get()))
	}

	if err := o.reqLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.reqLock.Release(1)

	response, err := o.client.Embeddings.New(ctx, body)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if err := checkCount(len(response.Data), len(texts)); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for _, embedding := range response.Data {
		idx := int(embedding.Index)
		if idx < 0 || idx >= len(texts) {
			return nil, fmt.Errorf("%w: embedding index out of range: %d", ErrProviderFailed, embedding.Index)
		}
		vec := make([]float32, len(embedding.Embedding))
		for i, v := range embedding.Embedding {
			vec[i] = float32(v)
		}
		out[idx] = vec
	}
	for i := range out {
		if out[i] == nil {
			return nil, fmt.Errorf("%w: missing embedding for index %d", ErrProviderFailed, i)
		}
	}
	if err := o.dim.observe(out); err != nil {
		return nil, permanent(err)
	}
	return out, nil
}

// classifyOpenAIError marks client errors other than rate limiting as permanent
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && !retryableStatus(apiErr.StatusCode) {
		return permanent(fmt.Errorf("%w: %w", ErrProviderFailed, err))
	}
	return fmt.Errorf("%w: %w", ErrProviderFailed, err)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

func (o *OpenAIProvider) Dimension() int { return o.dim.get() }

func (o *OpenAIProvider) Model() string { return QualifiedModel(ProviderOpenAI, o.model) }

func (o *OpenAIProvider) Close() error { return nil }
