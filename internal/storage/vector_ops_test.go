package storage

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/coderag/pkg/types"
)

func TestSerializeVector(t *testing.T) {
	tests := []struct {
		name   string
		vector []float32
	}{
		{name: "empty", vector: []float32{}},
		{name: "single", vector: []float32{1.5}},
		{name: "mixed", vector: []float32{-1, 0, 0.25, math.MaxFloat32}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := serializeVector(tt.vector)
			assert.Len(t, blob, len(tt.vector)*4)
			got, err := deserializeVector(blob)
			require.NoError(t, err)
			assert.Equal(t, tt.vector, got)
		})
	}

	_, err := deserializeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, want: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, want: -1},
		{name: "scaled", a: []float32{1, 1}, b: []float32{3, 3}, want: 1},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 1}, want: 0},
		{name: "length mismatch", a: []float32{1}, b: []float32{1, 0}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, cosineSimilarity(tt.a, tt.b), 1e-9)
			na, nb := types.VectorNorm(tt.a), types.VectorNorm(tt.b)
			assert.InDelta(t, tt.want, cosineWithNorms(tt.a, tt.b, na, nb), 1e-9)
		})
	}
}

func TestCosineDistanceBlobs(t *testing.T) {
	a := serializeVector([]float32{1, 0})
	b := serializeVector([]float32{0, 1})
	assert.InDelta(t, 0.0, cosineDistanceBlobs(a, a), 1e-9)
	assert.InDelta(t, 1.0, cosineDistanceBlobs(a, b), 1e-9)
	assert.Equal(t, 1.0, cosineDistanceBlobs(a, []byte{1}))
}

func TestRankScored(t *testing.T) {
	hit := func(id string, sim float64, rev int64) types.ScoredChunk {
		return types.ScoredChunk{Chunk: types.Chunk{ID: id, Revision: rev}, Similarity: sim}
	}
	got := rankScored([]types.ScoredChunk{
		hit("c", 0.5, 1),
		hit("b", 0.9, 1),
		hit("a", 0.5, 1),
		hit("d", 0.5, 3),
	}, 3)

	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].Chunk.ID)
	assert.Equal(t, "d", got[1].Chunk.ID)
	assert.Equal(t, "a", got[2].Chunk.ID)
}

func TestWalkFanoutAndVisited(t *testing.T) {
	graph := map[string][]adjacent{
		"root": {{id: "a", confidence: 0.5}, {id: "b", confidence: 1}, {id: "c", confidence: 0.5}, {id: "a", confidence: 1}},
		"a":    {{id: "root", confidence: 1}, {id: "d", confidence: 1}},
		"b":    {{id: "root", confidence: 1}, {id: "d", confidence: 1}},
	}
	next := func(_ context.Context, id string) ([]adjacent, error) { return graph[id], nil }

	order, hops, err := walk(context.Background(), "root", 2, 2, next)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "d"}, order)
	assert.Equal(t, 1, hops["a"])
	assert.Equal(t, 2, hops["d"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = walk(ctx, "root", 2, 0, next)
	assert.ErrorIs(t, err, context.Canceled)
}
