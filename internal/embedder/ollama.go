package embedder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"
)

// DefaultOllamaModel is used when no model is configured
const DefaultOllamaModel = "nomic-embed-text"

// OllamaOptions configures an OllamaProvider
type OllamaOptions struct {
	BaseURL       string // Empty selects OLLAMA_HOST or the local default
	APIKey        string // Sent as a bearer token for proxied servers
	Model         string
	Dimension     int // Expected dimension; 0 learns it from the first response
	MaxConcurrent int64
}

// OllamaProvider embeds through an Ollama server
type OllamaProvider struct {
	client  *api.Client
	model   string
	dim     dimension
	reqLock *semaphore.Weighted
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewOllamaProvider creates an Ollama embedder
func NewOllamaProvider(opts OllamaOptions) (*OllamaProvider, error) {
	if opts.Model == "" {
		opts.Model = DefaultOllamaModel
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}

	var client *api.Client
	if opts.BaseURL == "" && opts.APIKey == "" {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
	} else {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("%w: ollama base url: %w", ErrInvalidInput, err)
		}
		httpClient := http.DefaultClient
		if opts.APIKey != "" {
			httpClient = &http.Client{
				Transport: &headerTransport{
					headers: map[string]string{"Authorization": "Bearer " + opts.APIKey},
					rt:      http.DefaultTransport,
				},
			}
		}
		client = api.NewClient(u, httpClient)
	}

	p := &OllamaProvider{
		client:  client,
		model:   opts.Model,
		reqLock: semaphore.NewWeighted(opts.MaxConcurrent),
	}
	p.dim.set(opts.Dimension)
	return p, nil
}

func (o *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	out, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (o *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateBatch(texts); err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(texts))
	for _, batch := range batches(texts, MaxBatchSize) {
		vecs, err := o.callAPI(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (o *OllamaProvider) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	req := &api.EmbedRequest{
		Model: o.model,
		Input: texts,
	}

	if err := o.reqLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.reqLock.Release(1)

	res, err := o.client.Embed(ctx, req)
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) && !retryableStatus(statusErr.StatusCode) {
			return nil, permanent(fmt.Errorf("%w: %w", ErrProviderFailed, err))
		}
		return nil, fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}
	if err := checkCount(len(res.Embeddings), len(texts)); err != nil {
		return nil, err
	}

	out := make([][]float32, len(res.Embeddings))
	for i, v := range res.Embeddings {
		vec := make([]float32, len(v))
		for j, val := range v {
			vec[j] = float32(val)
		}
		out[i] = vec
	}
	if err := o.dim.observe(out); err != nil {
		return nil, permanent(err)
	}
	return out, nil
}

func (o *OllamaProvider) Dimension() int { return o.dim.get() }

func (o *OllamaProvider) Model() string { return QualifiedModel(ProviderOllama, o.model) }

func (o *OllamaProvider) Close() error { return nil }
