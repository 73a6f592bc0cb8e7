package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Jina defaults
const (
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultJinaBaseURL = "https://api.jina.ai/v1"
	JinaDimension      = 1024
)

// JinaOptions configures a JinaProvider
type JinaOptions struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
}

// JinaProvider implements Embedder using Jina AI API
type JinaProvider struct {
	apiKey     string
	endpoint   string
	model      string
	dim        dimension
	httpClient *http.Client
}

// NewJinaProvider creates a new Jina AI embedder
func NewJinaProvider(opts JinaOptions) (*JinaProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: jina", ErrMissingAPIKey)
	}
	if opts.Model == "" {
		opts.Model = DefaultJinaModel
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultJinaBaseURL
	}
	if opts.Dimension <= 0 && opts.Model == DefaultJinaModel {
		opts.Dimension = JinaDimension
	}

	p := &JinaProvider{
		apiKey:   opts.APIKey,
		endpoint: strings.TrimRight(opts.BaseURL, "/") + "/embeddings",
		model:    opts.Model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	p.dim.set(opts.Dimension)
	return p, nil
}

func (j *JinaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	out, err := j.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (j *JinaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateBatch(texts); err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(texts))
	for _, batch := range batches(texts, MaxBatchSize) {
		vecs, err := j.callAPI(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (j *JinaProvider) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]interface{}{
		"input": texts,
		"model": j.model,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: api call: %w", ErrProviderFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%w: api error %d: %s", ErrProviderFailed, resp.StatusCode, string(bodyBytes))
		if !retryableStatus(resp.StatusCode) {
			return nil, permanent(err)
		}
		return nil, err
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrProviderFailed, err)
	}
	if err := checkCount(len(apiResp.Data), len(texts)); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for _, data := range apiResp.Data {
		if data.Index < 0 || data.Index >= len(texts) || out[data.Index] != nil {
			return nil, fmt.Errorf("%w: bad embedding index %d", ErrProviderFailed, data.Index)
		}
		out[data.Index] = data.Embedding
	}
	if err := j.dim.observe(out); err != nil {
		return nil, permanent(err)
	}
	return out, nil
}

func (j *JinaProvider) Dimension() int { return j.dim.get() }

func (j *JinaProvider) Model() string { return QualifiedModel(ProviderJina, j.model) }

func (j *JinaProvider) Close() error {
	j.httpClient.CloseIdleConnections()
	return nil
}
