package storage

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/dshills/coderag/pkg/types"
)

// GraphStore persists entities and the typed relationships between them
type GraphStore interface {
	// UpsertEntities writes a batch atomically. Existing entities with the
	// same id are replaced; their relationships are kept.
	UpsertEntities(ctx context.Context, batch []types.Entity) error

	// UpsertRelationships writes the valid relationships of a batch
	// atomically and returns the ones rejected because an endpoint does not
	// exist or the relationship is malformed.
	UpsertRelationships(ctx context.Context, batch []types.Relationship) ([]types.Relationship, error)

	// ReplaceOutgoing removes the relationships of the given kinds leaving
	// sourceIDs and writes batch in the same transaction.
	ReplaceOutgoing(ctx context.Context, sourceIDs []string, kinds []types.RelationKind, batch []types.Relationship) ([]types.Relationship, error)

	// Neighborhood walks relationships of the given kinds in both directions
	// from id, up to maxDepth hops, expanding at most maxFanout new entities
	// per node. The origin is not part of the result.
	Neighborhood(ctx context.Context, id string, kinds []types.RelationKind, maxDepth, maxFanout int) ([]types.Neighbor, error)

	GetEntity(ctx context.Context, id string) (types.Entity, error)
	FileEntities(ctx context.Context) ([]types.Entity, error)
	EntitiesByFile(ctx context.Context, filePath string) ([]types.Entity, error)
	Relationships(ctx context.Context, entityID string) ([]types.Relationship, error)

	// DeleteFile removes every entity of a file and, by cascade, every
	// relationship touching them.
	DeleteFile(ctx context.Context, filePath string) error

	Counts(ctx context.Context) (GraphCounts, error)
	Close() error
}

// VectorIndex stores embedded chunks and answers similarity queries
type VectorIndex interface {
	// Upsert writes a batch atomically. The dimension of a model is fixed by
	// its first write.
	Upsert(ctx context.Context, batch []types.EmbeddedChunk) error

	// Search returns the k chunks most similar to vector by cosine
	// similarity. Ties are broken by revision descending, then chunk id.
	Search(ctx context.Context, vector []float32, k int, filter Filter) ([]types.ScoredChunk, error)

	// DeleteFile removes the chunks of a file and their embeddings
	DeleteFile(ctx context.Context, filePath string) error

	Models(ctx context.Context) ([]ModelInfo, error)
	DeleteModel(ctx context.Context, model string) error
	Count(ctx context.Context, model string) (int, error)
	Close() error
}

// Filter restricts a vector search. Zero values do not filter.
type Filter struct {
	Model       string
	FilePaths   []string
	EntityIDs   []string // Matches the owning entity or any overlapping entity
	MinRevision int64
}

// GraphCounts summarizes the contents of a graph store
type GraphCounts struct {
	Entities      int
	Relationships int
	Files         int
	ByKind        map[types.EntityKind]int
}

// ModelInfo describes the embeddings stored for one model
type ModelInfo struct {
	Model     string
	Dimension int
	Chunks    int
}

func validateK(k int) error {
	if k < 1 {
		return fmt.Errorf("%w: got %d", types.ErrInvalidK, k)
	}
	return nil
}

// finite maps NaN and infinities to 0. Cosine similarity against a zero
// vector is undefined and scores as unrelated.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// rankScored orders hits by similarity desc, revision desc, id asc and
// truncates to k
func rankScored(hits []types.ScoredChunk, k int) []types.ScoredChunk {
	for i := range hits {
		hits[i].Similarity = finite(hits[i].Similarity)
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Chunk.Revision != b.Chunk.Revision {
			return a.Chunk.Revision > b.Chunk.Revision
		}
		return a.Chunk.ID < b.Chunk.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// adjacent is one neighbour of a node together with the strongest edge
// connecting them
type adjacent struct {
	id         string
	confidence float64
}

type adjacencyFunc func(ctx context.Context, id string) ([]adjacent, error)

// walk runs a breadth-first expansion from origin. It returns the ids of the
// reached entities in discovery order with their hop distance.
func walk(ctx context.Context, origin string, maxDepth, maxFanout int, next adjacencyFunc) ([]string, map[string]int, error) {
	hops := map[string]int{origin: 0}
	var order []string
	frontier := []string{origin}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var nextFrontier []string
		for _, id := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			neighbours, err := next(ctx, id)
			if err != nil {
				return nil, nil, err
			}
			neighbours = strongestFirst(neighbours)

			added := 0
			for _, n := range neighbours {
				if maxFanout > 0 && added >= maxFanout {
					break
				}
				if _, seen := hops[n.id]; seen {
					continue
				}
				hops[n.id] = depth
				order = append(order, n.id)
				nextFrontier = append(nextFrontier, n.id)
				added++
			}
		}
		frontier = nextFrontier
	}
	return order, hops, nil
}

// strongestFirst collapses duplicate neighbours keeping the highest
// confidence and orders them by confidence desc, id asc
func strongestFirst(in []adjacent) []adjacent {
	best := make(map[string]float64, len(in))
	for _, a := range in {
		if c, ok := best[a.id]; !ok || a.confidence > c {
			best[a.id] = a.confidence
		}
	}
	out := make([]adjacent, 0, len(best))
	for id, c := range best {
		out = append(out, adjacent{id: id, confidence: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].confidence != out[j].confidence {
			return out[i].confidence > out[j].confidence
		}
		return out[i].id < out[j].id
	})
	return out
}

func kindSet(kinds []types.RelationKind) map[types.RelationKind]bool {
	if len(kinds) == 0 {
		return nil
	}
	m := make(map[types.RelationKind]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}

func sortNeighbors(out []types.Neighbor) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Hops != out[j].Hops {
			return out[i].Hops < out[j].Hops
		}
		return out[i].Entity.ID < out[j].Entity.ID
	})
}

func sortRelationships(rels []types.Relationship) {
	sort.Slice(rels, func(i, j int) bool { return rels[i].Key() < rels[j].Key() })
}

func validateEmbedded(batch []types.EmbeddedChunk) error {
	for i := range batch {
		if err := batch[i].Validate(); err != nil {
			return fmt.Errorf("embedded chunk %d (%s): %w", i, batch[i].Chunk.ID, err)
		}
	}
	return nil
}

// batchDimensions checks that every vector of a model in the batch has the
// same length and returns the length per model
func batchDimensions(batch []types.EmbeddedChunk) (map[string]int, error) {
	dims := make(map[string]int)
	for i := range batch {
		ec := &batch[i]
		if d, ok := dims[ec.Model]; ok && d != len(ec.Vector) {
			return nil, fmt.Errorf("%w: model %s has vectors of dimension %d and %d",
				types.ErrDimensionMismatch, ec.Model, d, len(ec.Vector))
		}
		dims[ec.Model] = len(ec.Vector)
	}
	return dims, nil
}

func stringSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}
