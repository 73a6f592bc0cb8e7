package storage

import (
	"context"
	"os"
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/coderag/pkg/types"
)

// setupPGVector connects to the database named by CODERAG_TEST_POSTGRES_URL
// and isolates the test in a random namespace
func setupPGVector(t *testing.T) *PGVectorIndex {
	t.Helper()
	url := os.Getenv("CODERAG_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("CODERAG_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	ns := "test-" + gonanoid.Must(10)

	idx, err := NewPGVectorIndex(ctx, url, ns)
	require.NoError(t, err)
	t.Cleanup(func() {
		models, _ := idx.Models(ctx)
		for _, m := range models {
			_ = idx.DeleteModel(ctx, m.Model)
		}
		_ = idx.Close()
	})
	return idx
}

func TestPGVector_Search(t *testing.T) {
	v := setupPGVector(t)
	ctx := context.Background()

	near := testChunk("a.py", 0, 2, "e1", "e1", "e2")
	far := testChunk("b.py", 0, 1, "e3")
	require.NoError(t, v.Upsert(ctx, []types.EmbeddedChunk{
		embedded(near, "m", 1, 0),
		embedded(far, "m", 0, 1),
	}))

	hits, err := v.Search(ctx, []float32{1, 0.1}, 1, Filter{Model: "m"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, near, hits[0].Chunk)

	hits, err = v.Search(ctx, []float32{1, 0}, 5, Filter{EntityIDs: []string{"e2"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	_, err = v.Search(ctx, []float32{1, 0}, 0, Filter{})
	assert.ErrorIs(t, err, types.ErrInvalidK)

	err = v.Upsert(ctx, []types.EmbeddedChunk{embedded(testChunk("c.py", 0, 1, ""), "m", 1, 0, 0)})
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	require.NoError(t, v.DeleteFile(ctx, "a.py"))
	n, err := v.Count(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPGVector_ZeroVectorScoresZero(t *testing.T) {
	assertZeroVectorScoresZero(t, setupPGVector(t))
}

func TestNewPGVectorIndex_RequiresNamespace(t *testing.T) {
	_, err := NewPGVectorIndex(context.Background(), "postgres://localhost/db", "")
	assert.Error(t, err)
}
