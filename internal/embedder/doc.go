// Package embedder maps code chunks and questions to fixed-dimension vectors.
//
// Four providers are available:
//
//   - local: offline feature hashing of identifier tokens (default, 384 dims)
//   - openai: the OpenAI embeddings API or any compatible endpoint
//   - ollama: a local or remote Ollama server
//   - jina: the Jina AI embeddings API
//
// # Basic Usage
//
//	emb, err := embedder.New(cfg.Embedder, cfg.RetryConfig())
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	vecs, err := emb.EmbedBatch(ctx, []string{chunk1.Text, chunk2.Text})
//
// EmbedBatch preserves input order and splits large batches transparently.
//
// # Failure Handling
//
// New wraps the provider with retries (exponential backoff, per-attempt
// timeout). Client errors such as a rejected API key fail immediately. When
// the retry budget is spent the error matches types.ErrEmbeddingUnavailable,
// which the pipeline and query engine use to degrade rather than abort.
//
// # Caching
//
// Vectors are cached by model and SHA-256 of the text, so re-ingesting an
// unchanged chunk or repeating a question does not call the provider again.
//
// # Model Identity
//
// Model returns "provider:model". Vectors are stored per model identity, and
// a change of identity triggers re-embedding of every file.
package embedder
