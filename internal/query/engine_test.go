package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/coderag/internal/retry"
	"github.com/dshills/coderag/internal/storage"
	"github.com/dshills/coderag/pkg/types"
)

const stubModel = "stub:v1"

// stubEmbedder returns a fixed vector for every text
type stubEmbedder struct {
	vec   []float32
	err   error
	calls atomic.Int32
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return append([]float32(nil), s.vec...), nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return len(s.vec) }
func (s *stubEmbedder) Model() string  { return stubModel }
func (s *stubEmbedder) Close() error   { return nil }

// failingGraph fails every neighbourhood query
type failingGraph struct {
	storage.GraphStore
	err    error
	before func()
}

func (f *failingGraph) Neighborhood(ctx context.Context, id string, kinds []types.RelationKind, maxDepth, maxFanout int) ([]types.Neighbor, error) {
	if f.before != nil {
		f.before()
	}
	if f.err == nil {
		return nil, ctx.Err()
	}
	return nil, f.err
}

// failingVectors fails every search
type failingVectors struct {
	storage.VectorIndex
}

func (f *failingVectors) Search(ctx context.Context, vector []float32, k int, filter storage.Filter) ([]types.ScoredChunk, error) {
	return nil, fmt.Errorf("%w: connection refused", types.ErrStoreUnavailable)
}

// nanVectors searches the wrapped index and reports NaN similarity for one
// chunk, the way pgvector scores a zero-norm embedding
type nanVectors struct {
	storage.VectorIndex
	chunkID string
}

func (n *nanVectors) Search(ctx context.Context, vector []float32, k int, filter storage.Filter) ([]types.ScoredChunk, error) {
	hits, err := n.VectorIndex.Search(ctx, vector, k, filter)
	for i := range hits {
		if hits[i].Chunk.ID == n.chunkID {
			hits[i].Similarity = math.NaN()
		}
	}
	return hits, err
}

// corpus is a call chain foo -> bar -> baz across three files with a cycle
// between bar and baz, one chunk per function, plus an unrelated function qux
type corpus struct {
	graph   *storage.MemoryGraph
	vectors *storage.MemoryVectors
	ent     map[string]types.Entity
	chunks  map[string]types.Chunk
}

func newCorpus(t *testing.T, tokens map[string]int) *corpus {
	t.Helper()
	ctx := context.Background()
	c := &corpus{
		graph:   storage.NewMemoryGraph(),
		vectors: storage.NewMemoryVectors(),
		ent:     make(map[string]types.Entity),
		chunks:  make(map[string]types.Chunk),
	}

	funcs := []struct {
		name, file string
		vec        []float32
	}{
		{"foo", "a.py", []float32{1, 0, 0, 0}},
		{"bar", "b.py", []float32{0, 1, 0, 0}},
		{"baz", "c.py", []float32{0, 0, 1, 0}},
		{"qux", "d.py", []float32{0.6, 0, 0, 0.8}},
	}

	var entities []types.Entity
	var batch []types.EmbeddedChunk
	for _, fn := range funcs {
		file := types.NewEntity(types.KindFile, fn.file, fn.file, fn.file, types.Span{StartLine: 1, EndLine: 2})
		e := types.NewEntity(types.KindFunction, fn.name, fn.file, fn.name, types.Span{StartLine: 1, EndLine: 2})
		entities = append(entities, file, e)
		c.ent[fn.name] = e

		text := fmt.Sprintf("def %s():\n    pass\n", fn.name)
		n := tokens[fn.name]
		if n == 0 {
			n = 10
		}
		chunk := types.Chunk{
			ID:         types.ChunkID(fn.file, 0, len(text)),
			FilePath:   fn.file,
			EntityID:   e.ID,
			Entities:   []string{e.ID},
			Text:       text,
			TokenCount: n,
			StartLine:  1,
			EndLine:    2,
			EndByte:    len(text),
			Revision:   1,
		}
		c.chunks[fn.name] = chunk
		batch = append(batch, types.NewEmbeddedChunk(chunk, stubModel, fn.vec))
	}
	require.NoError(t, c.graph.UpsertEntities(ctx, entities))
	require.NoError(t, c.vectors.Upsert(ctx, batch))

	var rels []types.Relationship
	for _, name := range []string{"foo", "bar", "baz", "qux"} {
		e := c.ent[name]
		rels = append(rels, types.Relationship{SourceID: types.FileEntityID(e.FilePath), TargetID: e.ID, Kind: types.RelContains, Confidence: 1})
	}
	rels = append(rels,
		types.Relationship{SourceID: c.ent["foo"].ID, TargetID: c.ent["bar"].ID, Kind: types.RelCalls, Confidence: 1},
		types.Relationship{SourceID: c.ent["bar"].ID, TargetID: c.ent["baz"].ID, Kind: types.RelCalls, Confidence: 1},
		types.Relationship{SourceID: c.ent["baz"].ID, TargetID: c.ent["bar"].ID, Kind: types.RelCalls, Confidence: 0.5},
	)
	rejected, err := c.graph.UpsertRelationships(ctx, rels)
	require.NoError(t, err)
	require.Empty(t, rejected)
	return c
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Alpha = 0.5
	opts.Retry = retry.Config{Retries: 1, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	return opts
}

func queryVector() []float32 { return []float32{1, 0, 0, 0} }

func (c *corpus) engine(opts Options) (*Engine, *stubEmbedder) {
	emb := &stubEmbedder{vec: queryVector()}
	return New(c.graph, c.vectors, emb, opts), emb
}

func TestScore(t *testing.T) {
	tests := []struct {
		name       string
		similarity float64
		hops       int
		alpha      float64
		want       float64
	}{
		{"direct hit", 0.8, 0, 0.5, 0.9},
		{"one hop", 0.0, 1, 0.5, 0.25},
		{"similarity only", 0.3, 4, 1.0, 0.3},
		{"proximity only", 0.9, 1, 0.0, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Score(tt.similarity, tt.hops, tt.alpha), 1e-9)
		})
	}
}

func TestAnswerEvidence_FusesGraphNeighbours(t *testing.T) {
	c := newCorpus(t, nil)
	e, _ := c.engine(testOptions())

	req := e.NewRequest("where is foo")
	req.TopK = 1
	set, err := e.AnswerEvidence(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, set.Validate(req.TokenBudget))

	require.Equal(t, []string{c.chunks["foo"].ID, c.chunks["bar"].ID, c.chunks["baz"].ID}, set.ChunkIDs())
	assert.InDelta(t, 1.0, set.Items[0].Score, 1e-9)
	assert.Equal(t, 0, set.Items[0].Hops)
	assert.Equal(t, 1, set.Items[1].Hops)
	assert.Equal(t, c.ent["bar"].ID, set.Items[1].Via)
	assert.InDelta(t, 0.25, set.Items[1].Score, 1e-9)
	assert.Equal(t, 2, set.Items[2].Hops)
	assert.Equal(t, 3, set.CandidateCount)
	assert.Equal(t, 30, set.TotalTokens)
	assert.False(t, set.GraphExpansionSkipped)
}

func TestAnswerEvidence_ZeroHopsIsVectorSearch(t *testing.T) {
	c := newCorpus(t, nil)
	e, _ := c.engine(testOptions())

	req := e.NewRequest("foo")
	req.TopK = 3
	req.MaxHops = 0
	set, err := e.AnswerEvidence(context.Background(), req)
	require.NoError(t, err)

	hits, err := c.vectors.Search(context.Background(), queryVector(), 3, storage.Filter{Model: stubModel})
	require.NoError(t, err)
	want := make([]string, len(hits))
	for i, h := range hits {
		want[i] = h.Chunk.ID
	}
	assert.Equal(t, want, set.ChunkIDs())
	for _, item := range set.Items {
		assert.Zero(t, item.Hops)
	}
}

func TestAnswerEvidence_UndefinedSimilarityScoresZero(t *testing.T) {
	c := newCorpus(t, nil)
	vectors := &nanVectors{VectorIndex: c.vectors, chunkID: c.chunks["foo"].ID}
	e := New(c.graph, vectors, &stubEmbedder{vec: queryVector()}, testOptions())

	req := e.NewRequest("foo")
	req.TopK = 4
	req.MaxHops = 0
	set, err := e.AnswerEvidence(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, set.Items, 4)

	for _, item := range set.Items {
		assert.False(t, math.IsNaN(item.Score), "score of %s", item.Chunk.FilePath)
		assert.False(t, math.IsNaN(item.Similarity), "similarity of %s", item.Chunk.FilePath)
	}
	assert.Equal(t, c.chunks["qux"].ID, set.Items[0].Chunk.ID)

	// foo, bar and baz all tie at similarity 0 and fall back to id order
	rest := set.ChunkIDs()[1:]
	assert.True(t, sort.StringsAreSorted(rest), "tied items ordered by id: %v", rest)
	assert.Contains(t, rest, c.chunks["foo"].ID)
}

func TestAnswerEvidence_RespectsBudget(t *testing.T) {
	c := newCorpus(t, map[string]int{"bar": 30})
	e, _ := c.engine(testOptions())

	req := e.NewRequest("foo")
	req.TopK = 1
	req.TokenBudget = 25
	set, err := e.AnswerEvidence(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, set.Validate(req.TokenBudget))

	// bar does not fit and is skipped, baz still does
	assert.Equal(t, []string{c.chunks["foo"].ID, c.chunks["baz"].ID}, set.ChunkIDs())
	assert.Equal(t, 20, set.TotalTokens)
	assert.Equal(t, 3, set.CandidateCount)
}

func TestAnswerEvidence_DeduplicatesKeepingBestScore(t *testing.T) {
	c := newCorpus(t, nil)
	e, emb := c.engine(testOptions())
	emb.vec = []float32{1, 1, 0, 0}

	req := e.NewRequest("foo and bar")
	req.TopK = 2
	set, err := e.AnswerEvidence(context.Background(), req)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, item := range set.Items {
		assert.False(t, seen[item.Chunk.ID], "duplicate %s", item.Chunk.ID)
		seen[item.Chunk.ID] = true
		if item.Chunk.ID == c.chunks["bar"].ID {
			assert.Zero(t, item.Hops, "the direct hit outranks the expansion")
		}
	}
	assert.True(t, seen[c.chunks["baz"].ID])
}

func TestAnswerEvidence_GraphFailureDegrades(t *testing.T) {
	c := newCorpus(t, nil)
	graph := &failingGraph{GraphStore: c.graph, err: fmt.Errorf("%w: timeout", types.ErrStoreUnavailable)}
	emb := &stubEmbedder{vec: queryVector()}
	e := New(graph, c.vectors, emb, testOptions())

	req := e.NewRequest("foo")
	req.TopK = 1
	set, err := e.AnswerEvidence(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, set.GraphExpansionSkipped)
	assert.Equal(t, []string{c.chunks["foo"].ID}, set.ChunkIDs())

	// Degraded answers are not cached
	assert.Zero(t, e.CacheLen())
}

func TestAnswerEvidence_VectorFailureDegrades(t *testing.T) {
	c := newCorpus(t, nil)
	e := New(c.graph, &failingVectors{VectorIndex: c.vectors}, &stubEmbedder{vec: queryVector()}, testOptions())

	set, err := e.AnswerEvidence(context.Background(), e.NewRequest("foo"))
	require.NoError(t, err)
	assert.True(t, set.VectorSearchSkipped)
	assert.Empty(t, set.Items)
}

func TestAnswerEvidence_EmbeddingFailureIsFatal(t *testing.T) {
	c := newCorpus(t, nil)
	e, emb := c.engine(testOptions())
	emb.err = errors.New("model not loaded")

	_, err := e.AnswerEvidence(context.Background(), e.NewRequest("foo"))
	assert.ErrorIs(t, err, types.ErrEmbeddingUnavailable)
}

func TestAnswerEvidence_CancelledBeforeRanking(t *testing.T) {
	c := newCorpus(t, nil)
	e, _ := c.engine(testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.AnswerEvidence(ctx, e.NewRequest("foo"))
	assert.ErrorIs(t, err, types.ErrQueryCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAnswerEvidence_CancelledDuringExpansion(t *testing.T) {
	c := newCorpus(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	graph := &failingGraph{GraphStore: c.graph, before: cancel}
	e := New(graph, c.vectors, &stubEmbedder{vec: queryVector()}, testOptions())

	req := e.NewRequest("foo")
	req.TopK = 1
	set, err := e.AnswerEvidence(ctx, req)
	require.NoError(t, err)
	assert.True(t, set.Cancelled)
	assert.Equal(t, []string{c.chunks["foo"].ID}, set.ChunkIDs())
}

func TestAnswerEvidence_InvalidRequest(t *testing.T) {
	c := newCorpus(t, nil)
	e, _ := c.engine(testOptions())

	req := e.NewRequest("foo")
	req.TopK = 0
	_, err := e.AnswerEvidence(context.Background(), req)
	assert.ErrorIs(t, err, types.ErrInvalidK)

	for name, mutate := range map[string]func(*Request){
		"empty question":  func(r *Request) { r.Question = "" },
		"negative hops":   func(r *Request) { r.MaxHops = -1 },
		"zero fanout":     func(r *Request) { r.MaxFanout = 0 },
		"zero budget":     func(r *Request) { r.TokenBudget = 0 },
		"alpha above one": func(r *Request) { r.Alpha = 1.5 },
		"negative alpha":  func(r *Request) { r.Alpha = -0.1 },
	} {
		t.Run(name, func(t *testing.T) {
			req := e.NewRequest("foo")
			mutate(&req)
			_, err := e.AnswerEvidence(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestAnswerEvidence_Cache(t *testing.T) {
	c := newCorpus(t, nil)
	e, emb := c.engine(testOptions())
	ctx := context.Background()
	req := e.NewRequest("foo")

	first, err := e.AnswerEvidence(ctx, req)
	require.NoError(t, err)
	first.Items[0].Score = -1 // mutation must not reach the cache

	second, err := e.AnswerEvidence(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), emb.calls.Load())
	assert.NotEqual(t, -1.0, second.Items[0].Score)
	assert.Equal(t, 1, e.CacheLen())

	other := req
	other.TopK = 2
	_, err = e.AnswerEvidence(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, int32(2), emb.calls.Load(), "different options miss")

	e.InvalidateCache()
	assert.Zero(t, e.CacheLen())
	_, err = e.AnswerEvidence(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int32(3), emb.calls.Load())

	req.NoCache = true
	_, err = e.AnswerEvidence(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int32(4), emb.calls.Load())
}

func TestAnswerEvidence_CacheExpires(t *testing.T) {
	c := newCorpus(t, nil)
	opts := testOptions()
	opts.CacheTTL = time.Minute
	e, emb := c.engine(opts)
	now := time.Now()
	e.cache.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := e.AnswerEvidence(ctx, e.NewRequest("foo"))
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = e.AnswerEvidence(ctx, e.NewRequest("foo"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), emb.calls.Load())
}

func TestAnswerEvidence_NoCache(t *testing.T) {
	c := newCorpus(t, nil)
	opts := testOptions()
	opts.CacheSize = 0
	e, emb := c.engine(opts)

	for range 2 {
		_, err := e.AnswerEvidence(context.Background(), e.NewRequest("foo"))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), emb.calls.Load())
	assert.Zero(t, e.CacheLen())
}
