package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// LocalDimension is the vector length of the local provider
const LocalDimension = 384

// LocalModel names the feature hashing model
const LocalModel = "hash-384"

// LocalProvider embeds text offline by feature hashing identifier tokens and
// adjacent token pairs into a fixed number of buckets. Texts that share
// identifiers land close together, which is enough for tests and air-gapped
// use. The output is deterministic and L2 normalised.
type LocalProvider struct {
	dim int
}

// NewLocalProvider creates a local embedder; dim <= 0 selects LocalDimension
func NewLocalProvider(dim int) *LocalProvider {
	if dim <= 0 {
		dim = LocalDimension
	}
	return &LocalProvider{dim: dim}
}

func (l *LocalProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.vector(text), nil
}

func (l *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateBatch(texts); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = l.vector(text)
	}
	return out, nil
}

func (l *LocalProvider) Dimension() int { return l.dim }

func (l *LocalProvider) Model() string {
	if l.dim == LocalDimension {
		return QualifiedModel(ProviderLocal, LocalModel)
	}
	return QualifiedModel(ProviderLocal, "hash-"+strconv.Itoa(l.dim))
}

func (l *LocalProvider) Close() error { return nil }

func (l *LocalProvider) vector(text string) []float32 {
	vec := make([]float64, l.dim)
	tokens := Tokenize(text)
	for i, tok := range tokens {
		l.add(vec, tok, 1)
		if i > 0 {
			l.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var sum float64
	for _, v := range vec {
		sum += v * v
	}
	out := make([]float32, l.dim)
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

func (l *LocalProvider) add(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := int(sum % uint64(l.dim))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[bucket] += weight
}

// Tokenize lowercases text and splits it into identifier parts: runs of
// letters and digits, with camelCase and snake_case boundaries broken up.
func Tokenize(text string) []string {
	var tokens []string
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tokens = append(tokens, splitCamel(word)...)
	}
	return tokens
}

func splitCamel(word string) []string {
	runes := []rune(word)
	var parts []string
	start := 0
	for i := 1; i < len(runes); i++ {
		prev, cur := runes[i-1], runes[i]
		boundary := unicode.IsLower(prev) && unicode.IsUpper(cur)
		// "HTTPServer" splits before the last capital of an acronym
		if !boundary && unicode.IsUpper(prev) && unicode.IsUpper(cur) && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
			boundary = true
		}
		if boundary {
			parts = append(parts, strings.ToLower(string(runes[start:i])))
			start = i
		}
	}
	return append(parts, strings.ToLower(string(runes[start:])))
}
