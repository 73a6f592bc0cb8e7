package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/coderag/pkg/types"
)

// MemoryGraph is an in-process GraphStore. It is used for tests and for
// ephemeral indexes.
type MemoryGraph struct {
	mu       sync.RWMutex
	entities map[string]types.Entity
	rels     map[string]types.Relationship
	byNode   map[string]map[string]bool // entity id -> relationship keys touching it
	closed   bool
}

// NewMemoryGraph creates an empty in-memory graph store
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		entities: make(map[string]types.Entity),
		rels:     make(map[string]types.Relationship),
		byNode:   make(map[string]map[string]bool),
	}
}

func (g *MemoryGraph) checkOpen() error {
	if g.closed {
		return fmt.Errorf("%w: graph store is closed", types.ErrStoreUnavailable)
	}
	return nil
}

func (g *MemoryGraph) UpsertEntities(ctx context.Context, batch []types.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := types.ValidateEntities(batch); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkOpen(); err != nil {
		return err
	}
	for _, e := range batch {
		e.Metadata = e.Metadata.Clone()
		g.entities[e.ID] = e
	}
	return nil
}

func (g *MemoryGraph) UpsertRelationships(ctx context.Context, batch []types.Relationship) ([]types.Relationship, error) {
	return g.ReplaceOutgoing(ctx, nil, nil, batch)
}

func (g *MemoryGraph) ReplaceOutgoing(ctx context.Context, sourceIDs []string, kinds []types.RelationKind, batch []types.Relationship) ([]types.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkOpen(); err != nil {
		return nil, err
	}

	if len(sourceIDs) > 0 {
		filter := kindSet(kinds)
		for _, src := range sourceIDs {
			for key := range g.byNode[src] {
				r := g.rels[key]
				if r.SourceID == src && (filter == nil || filter[r.Kind]) {
					g.removeRel(key)
				}
			}
		}
	}

	var rejected []types.Relationship
	for _, r := range batch {
		if r.Validate() != nil || !g.hasEntity(r.SourceID) || !g.hasEntity(r.TargetID) {
			rejected = append(rejected, r)
			continue
		}
		g.addRel(r)
	}
	return rejected, nil
}

func (g *MemoryGraph) hasEntity(id string) bool {
	_, ok := g.entities[id]
	return ok
}

func (g *MemoryGraph) addRel(r types.Relationship) {
	key := r.Key()
	g.rels[key] = r
	for _, id := range []string{r.SourceID, r.TargetID} {
		if g.byNode[id] == nil {
			g.byNode[id] = make(map[string]bool)
		}
		g.byNode[id][key] = true
	}
}

func (g *MemoryGraph) removeRel(key string) {
	r, ok := g.rels[key]
	if !ok {
		return
	}
	delete(g.rels, key)
	for _, id := range []string{r.SourceID, r.TargetID} {
		delete(g.byNode[id], key)
		if len(g.byNode[id]) == 0 {
			delete(g.byNode, id)
		}
	}
}

func (g *MemoryGraph) Neighborhood(ctx context.Context, id string, kinds []types.RelationKind, maxDepth, maxFanout int) ([]types.Neighbor, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	if !g.hasEntity(id) {
		return nil, fmt.Errorf("entity %s: %w", id, types.ErrNotFound)
	}

	filter := kindSet(kinds)
	next := func(_ context.Context, node string) ([]adjacent, error) {
		var out []adjacent
		for key := range g.byNode[node] {
			r := g.rels[key]
			if filter != nil && !filter[r.Kind] {
				continue
			}
			other := r.TargetID
			if other == node {
				other = r.SourceID
			}
			out = append(out, adjacent{id: other, confidence: r.Confidence})
		}
		return out, nil
	}

	order, hops, err := walk(ctx, id, maxDepth, maxFanout, next)
	if err != nil {
		return nil, err
	}
	out := make([]types.Neighbor, 0, len(order))
	for _, nid := range order {
		e := g.entities[nid]
		e.Metadata = e.Metadata.Clone()
		out = append(out, types.Neighbor{Entity: e, Hops: hops[nid]})
	}
	sortNeighbors(out)
	return out, nil
}

func (g *MemoryGraph) GetEntity(ctx context.Context, id string) (types.Entity, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.checkOpen(); err != nil {
		return types.Entity{}, err
	}
	e, ok := g.entities[id]
	if !ok {
		return types.Entity{}, fmt.Errorf("entity %s: %w", id, types.ErrNotFound)
	}
	e.Metadata = e.Metadata.Clone()
	return e, nil
}

func (g *MemoryGraph) FileEntities(ctx context.Context) ([]types.Entity, error) {
	return g.collect(func(e *types.Entity) bool { return e.Kind == types.KindFile }, func(a, b *types.Entity) bool {
		return a.FilePath < b.FilePath
	})
}

func (g *MemoryGraph) EntitiesByFile(ctx context.Context, filePath string) ([]types.Entity, error) {
	return g.collect(func(e *types.Entity) bool { return e.FilePath == filePath }, func(a, b *types.Entity) bool {
		return a.ID < b.ID
	})
}

func (g *MemoryGraph) collect(match func(*types.Entity) bool, less func(a, b *types.Entity) bool) ([]types.Entity, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	var out []types.Entity
	for _, e := range g.entities {
		if match(&e) {
			e.Metadata = e.Metadata.Clone()
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out, nil
}

func (g *MemoryGraph) Relationships(ctx context.Context, entityID string) ([]types.Relationship, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]types.Relationship, 0, len(g.byNode[entityID]))
	for key := range g.byNode[entityID] {
		out = append(out, g.rels[key])
	}
	sortRelationships(out)
	return out, nil
}

func (g *MemoryGraph) DeleteFile(ctx context.Context, filePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkOpen(); err != nil {
		return err
	}
	for id, e := range g.entities {
		if e.FilePath != filePath {
			continue
		}
		for key := range g.byNode[id] {
			g.removeRel(key)
		}
		delete(g.entities, id)
	}
	return nil
}

func (g *MemoryGraph) Counts(ctx context.Context) (GraphCounts, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.checkOpen(); err != nil {
		return GraphCounts{}, err
	}
	c := GraphCounts{
		Entities:      len(g.entities),
		Relationships: len(g.rels),
		ByKind:        make(map[types.EntityKind]int),
	}
	for _, e := range g.entities {
		c.ByKind[e.Kind]++
	}
	c.Files = c.ByKind[types.KindFile]
	return c, nil
}

func (g *MemoryGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// MemoryVectors is an in-process VectorIndex with exact search
type MemoryVectors struct {
	mu     sync.RWMutex
	chunks map[string]types.Chunk
	models map[string]*memoryModel
	closed bool
}

type memoryModel struct {
	dimension int
	vectors   map[string]memoryVector // chunk id -> vector
}

type memoryVector struct {
	values []float32
	norm   float64
}

// NewMemoryVectors creates an empty in-memory vector index
func NewMemoryVectors() *MemoryVectors {
	return &MemoryVectors{
		chunks: make(map[string]types.Chunk),
		models: make(map[string]*memoryModel),
	}
}

func (v *MemoryVectors) checkOpen() error {
	if v.closed {
		return fmt.Errorf("%w: vector index is closed", types.ErrStoreUnavailable)
	}
	return nil
}

func (v *MemoryVectors) Upsert(ctx context.Context, batch []types.EmbeddedChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateEmbedded(batch); err != nil {
		return err
	}
	dims, err := batchDimensions(batch)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return err
	}
	for model, d := range dims {
		if m, ok := v.models[model]; ok && m.dimension != d {
			return fmt.Errorf("%w: model %s has dimension %d, got %d",
				types.ErrDimensionMismatch, model, m.dimension, d)
		}
	}

	for _, ec := range batch {
		m, ok := v.models[ec.Model]
		if !ok {
			m = &memoryModel{dimension: len(ec.Vector), vectors: make(map[string]memoryVector)}
			v.models[ec.Model] = m
		}
		chunk := ec.Chunk
		chunk.Entities = append([]string(nil), chunk.Entities...)
		v.chunks[chunk.ID] = chunk
		m.vectors[chunk.ID] = memoryVector{
			values: append([]float32(nil), ec.Vector...),
			norm:   types.VectorNorm(ec.Vector),
		}
	}
	return nil
}

func (v *MemoryVectors) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]types.ScoredChunk, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.checkOpen(); err != nil {
		return nil, err
	}

	paths := stringSet(filter.FilePaths)
	entities := stringSet(filter.EntityIDs)
	queryNorm := types.VectorNorm(vector)

	var hits []types.ScoredChunk
	for name, m := range v.models {
		if filter.Model != "" && name != filter.Model {
			continue
		}
		if m.dimension != len(vector) {
			continue
		}
		for id, vec := range m.vectors {
			chunk := v.chunks[id]
			if !matchesFilter(&chunk, filter, paths, entities) {
				continue
			}
			chunk.Entities = append([]string(nil), chunk.Entities...)
			hits = append(hits, types.ScoredChunk{
				Chunk:      chunk,
				Similarity: cosineWithNorms(vector, vec.values, queryNorm, vec.norm),
			})
		}
	}
	return rankScored(hits, k), nil
}

func matchesFilter(c *types.Chunk, f Filter, paths, entities map[string]bool) bool {
	if c.Revision < f.MinRevision {
		return false
	}
	if paths != nil && !paths[c.FilePath] {
		return false
	}
	if entities == nil {
		return true
	}
	if entities[c.EntityID] {
		return true
	}
	for _, id := range c.Entities {
		if entities[id] {
			return true
		}
	}
	return false
}

func (v *MemoryVectors) DeleteFile(ctx context.Context, filePath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return err
	}
	for id, c := range v.chunks {
		if c.FilePath != filePath {
			continue
		}
		delete(v.chunks, id)
		for _, m := range v.models {
			delete(m.vectors, id)
		}
	}
	return nil
}

func (v *MemoryVectors) Models(ctx context.Context) ([]ModelInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]ModelInfo, 0, len(v.models))
	for name, m := range v.models {
		out = append(out, ModelInfo{Model: name, Dimension: m.dimension, Chunks: len(m.vectors)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

func (v *MemoryVectors) DeleteModel(ctx context.Context, model string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkOpen(); err != nil {
		return err
	}
	delete(v.models, model)

	// Drop chunks no model refers to anymore
	for id := range v.chunks {
		used := false
		for _, m := range v.models {
			if _, ok := m.vectors[id]; ok {
				used = true
				break
			}
		}
		if !used {
			delete(v.chunks, id)
		}
	}
	return nil
}

func (v *MemoryVectors) Count(ctx context.Context, model string) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	for name, m := range v.models {
		if model == "" || name == model {
			n += len(m.vectors)
		}
	}
	return n, nil
}

func (v *MemoryVectors) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}
