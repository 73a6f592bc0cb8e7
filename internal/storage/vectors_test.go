package storage

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/coderag/pkg/types"
)

func vectorBackends(t *testing.T) map[string]func() VectorIndex {
	return map[string]func() VectorIndex{
		"memory": func() VectorIndex { return NewMemoryVectors() },
		"sqlite": func() VectorIndex {
			s := setupTestDB(t)
			return s.Vectors()
		},
	}
}

func forEachVectorIndex(t *testing.T, fn func(t *testing.T, v VectorIndex)) {
	for name, open := range vectorBackends(t) {
		t.Run(name, func(t *testing.T) {
			v := open()
			defer func() { _ = v.Close() }()
			fn(t, v)
		})
	}
}

func testChunk(path string, start int, revision int64, owner string, entities ...string) types.Chunk {
	end := start + 10
	return types.Chunk{
		ID:         types.ChunkID(path, start, end),
		FilePath:   path,
		EntityID:   owner,
		Entities:   entities,
		Text:       "chunk text",
		TokenCount: 3,
		StartLine:  start + 1,
		EndLine:    start + 2,
		StartByte:  start,
		EndByte:    end,
		Revision:   revision,
	}
}

func embedded(c types.Chunk, model string, vec ...float32) types.EmbeddedChunk {
	return types.NewEmbeddedChunk(c, model, vec)
}

func TestVectors_SearchRanksByCosine(t *testing.T) {
	forEachVectorIndex(t, func(t *testing.T, v VectorIndex) {
		ctx := context.Background()
		near := testChunk("a.py", 0, 1, "e1", "e1", "e2")
		mid := testChunk("a.py", 100, 1, "")
		far := testChunk("b.py", 0, 1, "e3")

		require.NoError(t, v.Upsert(ctx, []types.EmbeddedChunk{
			embedded(near, "m1", 1, 0, 0),
			embedded(mid, "m1", 1, 1, 0),
			embedded(far, "m1", 0, 0, 1),
		}))

		hits, err := v.Search(ctx, []float32{1, 0, 0}, 2, Filter{Model: "m1"})
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, near.ID, hits[0].Chunk.ID)
		assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
		assert.Equal(t, mid.ID, hits[1].Chunk.ID)
		assert.InDelta(t, 0.7071, hits[1].Similarity, 1e-3)

		// Round trip of chunk fields
		assert.Equal(t, near, hits[0].Chunk)
		assert.Empty(t, hits[1].Chunk.EntityID)

		// k larger than the index returns everything
		hits, err = v.Search(ctx, []float32{1, 0, 0}, 50, Filter{})
		require.NoError(t, err)
		assert.Len(t, hits, 3)

		n, err := v.Count(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestVectors_InvalidK(t *testing.T) {
	forEachVectorIndex(t, func(t *testing.T, v VectorIndex) {
		_, err := v.Search(context.Background(), []float32{1}, 0, Filter{})
		assert.True(t, errors.Is(err, types.ErrInvalidK))
	})
}

func TestVectors_TieBreaking(t *testing.T) {
	forEachVectorIndex(t, func(t *testing.T, v VectorIndex) {
		ctx := context.Background()
		old := testChunk("a.py", 0, 1, "")
		newer := testChunk("b.py", 0, 5, "")
		x := testChunk("c.py", 0, 5, "")
		y := testChunk("d.py", 0, 5, "")

		require.NoError(t, v.Upsert(ctx, []types.EmbeddedChunk{
			embedded(old, "m", 1, 0),
			embedded(newer, "m", 1, 0),
			embedded(x, "m", 1, 0),
			embedded(y, "m", 1, 0),
		}))

		hits, err := v.Search(ctx, []float32{2, 0}, 4, Filter{})
		require.NoError(t, err)
		require.Len(t, hits, 4)

		assert.Equal(t, old.ID, hits[3].Chunk.ID, "older revision ranks last")
		for i := 0; i < 2; i++ {
			assert.Less(t, hits[i].Chunk.ID, hits[i+1].Chunk.ID, "same revision ordered by id")
		}
	})
}

func TestVectors_ZeroVectorScoresZero(t *testing.T) {
	forEachVectorIndex(t, func(t *testing.T, v VectorIndex) {
		assertZeroVectorScoresZero(t, v)
	})
}

// assertZeroVectorScoresZero checks that a zero-norm embedding, stored or
// queried, ranks as unrelated instead of first
func assertZeroVectorScoresZero(t *testing.T, v VectorIndex) {
	t.Helper()
	ctx := context.Background()
	near := testChunk("a.py", 0, 1, "")
	blank := testChunk("b.py", 0, 1, "")
	orthogonal := testChunk("c.py", 0, 2, "")

	require.NoError(t, v.Upsert(ctx, []types.EmbeddedChunk{
		embedded(near, "m", 1, 0),
		embedded(blank, "m", 0, 0),
		embedded(orthogonal, "m", 0, 1),
	}))

	hits, err := v.Search(ctx, []float32{1, 0}, 3, Filter{Model: "m"})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, near.ID, hits[0].Chunk.ID)
	assert.Equal(t, orthogonal.ID, hits[1].Chunk.ID, "higher revision wins the tie at 0")
	assert.Equal(t, blank.ID, hits[2].Chunk.ID)
	assert.Zero(t, hits[2].Similarity)

	hits, err = v.Search(ctx, []float32{0, 0}, 3, Filter{Model: "m"})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	for _, h := range hits {
		assert.Zero(t, h.Similarity, h.Chunk.FilePath)
	}
	assert.Equal(t, orthogonal.ID, hits[0].Chunk.ID)
	assert.Less(t, hits[1].Chunk.ID, hits[2].Chunk.ID)
}

func TestRankScored_UndefinedSimilarity(t *testing.T) {
	a := types.ScoredChunk{Chunk: testChunk("a.py", 0, 1, ""), Similarity: math.NaN()}
	b := types.ScoredChunk{Chunk: testChunk("b.py", 0, 1, ""), Similarity: 0.2}
	c := types.ScoredChunk{Chunk: testChunk("c.py", 0, 1, ""), Similarity: math.Inf(1)}

	hits := rankScored([]types.ScoredChunk{a, b, c}, 3)
	require.Len(t, hits, 3)
	assert.Equal(t, b.Chunk.ID, hits[0].Chunk.ID)
	assert.Less(t, hits[1].Chunk.ID, hits[2].Chunk.ID)
	for _, h := range hits[1:] {
		assert.Zero(t, h.Similarity)
	}
}

func TestVectors_Filters(t *testing.T) {
	forEachVectorIndex(t, func(t *testing.T, v VectorIndex) {
		ctx := context.Background()
		a := testChunk("a.py", 0, 1, "owner-a")
		b := testChunk("b.py", 0, 2, "owner-b", "owner-b", "overlap")
		c := testChunk("c.py", 0, 3, "")
		require.NoError(t, v.Upsert(ctx, []types.EmbeddedChunk{
			embedded(a, "m", 1, 0),
			embedded(b, "m", 1, 0.1),
			embedded(c, "m", 1, 0.2),
		}))
		query := []float32{1, 0}

		ids := func(hits []types.ScoredChunk) []string {
			out := make([]string, len(hits))
			for i, h := range hits {
				out[i] = h.Chunk.ID
			}
			return out
		}

		hits, err := v.Search(ctx, query, 10, Filter{FilePaths: []string{"a.py", "c.py"}})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a.ID, c.ID}, ids(hits))

		hits, err = v.Search(ctx, query, 10, Filter{EntityIDs: []string{"owner-a", "overlap"}})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a.ID, b.ID}, ids(hits))

		hits, err = v.Search(ctx, query, 10, Filter{MinRevision: 2})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{b.ID, c.ID}, ids(hits))

		hits, err = v.Search(ctx, query, 10, Filter{Model: "other"})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestVectors_DimensionFixedPerModel(t *testing.T) {
	forEachVectorIndex(t, func(t *testing.T, v VectorIndex) {
		ctx := context.Background()
		require.NoError(t, v.Upsert(ctx, []types.EmbeddedChunk{embedded(testChunk("a.py", 0, 1, ""), "m", 1, 0, 0)}))

		err := v.Upsert(ctx, []types.EmbeddedChunk{
			embedded(testChunk("b.py", 0, 1, ""), "m", 1, 0),
		})
		assert.True(t, errors.Is(err, types.ErrDimensionMismatch))

		// Mixed dimensions inside one batch
		err = v.Upsert(ctx, []types.EmbeddedChunk{
			embedded(testChunk("c.py", 0, 1, ""), "n", 1, 0),
			embedded(testChunk("d.py", 0, 1, ""), "n", 1, 0, 0),
		})
		assert.True(t, errors.Is(err, types.ErrDimensionMismatch))

		// A second model may use another dimension
		require.NoError(t, v.Upsert(ctx, []types.EmbeddedChunk{embedded(testChunk("a.py", 0, 1, ""), "m2", 1, 0)}))

		models, err := v.Models(ctx)
		require.NoError(t, err)
		require.Len(t, models, 2)
		assert.Equal(t, ModelInfo{Model: "m", Dimension: 3, Chunks: 1}, models[0])
		assert.Equal(t, ModelInfo{Model: "m2", Dimension: 2, Chunks: 1}, models[1])

		// Queries only meet vectors of the same dimension
		hits, err := v.Search(ctx, []float32{1, 0}, 5, Filter{})
		require.NoError(t, err)
		require.Len(t, hits, 1)
	})
}

func TestVectors_UpsertIsAtomic(t *testing.T) {
	forEachVectorIndex(t, func(t *testing.T, v VectorIndex) {
		ctx := context.Background()
		bad := testChunk("b.py", 0, 1, "")
		bad.Text = ""
		err := v.Upsert(ctx, []types.EmbeddedChunk{
			embedded(testChunk("a.py", 0, 1, ""), "m", 1, 0),
			embedded(bad, "m", 1, 0),
		})
		require.Error(t, err)

		n, err := v.Count(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestVectors_DeleteFileAndModel(t *testing.T) {
	forEachVectorIndex(t, func(t *testing.T, v VectorIndex) {
		ctx := context.Background()
		a := testChunk("a.py", 0, 1, "")
		b := testChunk("b.py", 0, 1, "")
		require.NoError(t, v.Upsert(ctx, []types.EmbeddedChunk{
			embedded(a, "old", 1, 0),
			embedded(b, "old", 0, 1),
			embedded(a, "new", 1, 0, 0),
		}))

		require.NoError(t, v.DeleteFile(ctx, "a.py"))
		n, err := v.Count(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, v.Upsert(ctx, []types.EmbeddedChunk{embedded(a, "new", 1, 0, 0)}))
		require.NoError(t, v.DeleteModel(ctx, "old"))

		models, err := v.Models(ctx)
		require.NoError(t, err)
		require.Len(t, models, 1)
		assert.Equal(t, "new", models[0].Model)

		hits, err := v.Search(ctx, []float32{0, 1}, 5, Filter{})
		require.NoError(t, err)
		assert.Empty(t, hits, "chunks of the deleted model are gone")

		hits, err = v.Search(ctx, []float32{1, 0, 0}, 5, Filter{Model: "new"})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, a.ID, hits[0].Chunk.ID)
	})
}
