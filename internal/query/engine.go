package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dshills/coderag/internal/config"
	"github.com/dshills/coderag/internal/embedder"
	"github.com/dshills/coderag/internal/logging"
	"github.com/dshills/coderag/internal/retry"
	"github.com/dshills/coderag/internal/storage"
	"github.com/dshills/coderag/pkg/types"
)

// ExpandKinds are the relationship kinds followed during graph expansion
var ExpandKinds = []types.RelationKind{types.RelContains, types.RelCalls}

// ErrInvalidRequest wraps every request validation failure
var ErrInvalidRequest = errors.New("invalid query")

// maxExpansionChunks bounds the filtered search that scores reached entities
const maxExpansionChunks = 2048

// Request describes one evidence query. Start from Engine.NewRequest to get
// the configured defaults.
type Request struct {
	Question    string
	TopK        int     // Vector hits, >= 1
	MaxHops     int     // 0 disables graph expansion
	MaxFanout   int     // New entities expanded per node, >= 1
	TokenBudget int     // Upper bound on the summed chunk tokens
	Alpha       float64 // Weight of similarity against graph proximity, in [0, 1]
	Filter      storage.Filter
	NoCache     bool
}

// Validate checks the request bounds
func (r *Request) Validate() error {
	if r.Question == "" {
		return errors.New("question must not be empty")
	}
	if r.TopK < 1 {
		return fmt.Errorf("top_k: %w", types.ErrInvalidK)
	}
	if r.MaxHops < 0 {
		return errors.New("max_hops must not be negative")
	}
	if r.MaxFanout < 1 {
		return errors.New("max_fanout must be >= 1")
	}
	if r.TokenBudget <= 0 {
		return errors.New("token_budget must be positive")
	}
	if r.Alpha < 0 || r.Alpha > 1 {
		return errors.New("alpha must be in [0, 1]")
	}
	return nil
}

// Options configures an Engine
type Options struct {
	TopK        int
	MaxHops     int
	MaxFanout   int
	TokenBudget int
	Alpha       float64

	CacheSize int           // Cached responses; 0 disables the cache
	CacheTTL  time.Duration // 0 keeps entries until evicted
	Retry     retry.Config  // Applied to store calls
	Logger    *log.Logger
}

// DefaultOptions returns the default engine configuration
func DefaultOptions() Options {
	return Options{
		TopK:        10,
		MaxHops:     2,
		MaxFanout:   8,
		TokenBudget: 4000,
		Alpha:       0.7,
		CacheSize:   256,
		CacheTTL:    5 * time.Minute,
		Retry:       retry.Default(),
	}
}

// OptionsFromConfig derives engine options from the application config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TopK:        cfg.Query.TopK,
		MaxHops:     cfg.Query.MaxHops,
		MaxFanout:   cfg.Query.MaxFanout,
		TokenBudget: cfg.Query.TokenBudget,
		Alpha:       cfg.Query.Alpha,
		CacheSize:   cfg.Query.CacheSize,
		CacheTTL:    cfg.Query.CacheTTL,
		Retry:       cfg.RetryConfig(),
	}
}

// Engine answers questions with evidence drawn from the vector index and
// the graph store. Concurrent calls share nothing but the response cache.
type Engine struct {
	graph    storage.GraphStore
	vectors  storage.VectorIndex
	embedder embedder.Embedder
	opts     Options
	log      *log.Logger
	cache    *responseCache
}

// New creates an Engine
func New(graph storage.GraphStore, vectors storage.VectorIndex, emb embedder.Embedder, opts Options) *Engine {
	return &Engine{
		graph:    graph,
		vectors:  vectors,
		embedder: emb,
		opts:     opts,
		log:      logging.OrDiscard(opts.Logger),
		cache:    newResponseCache(opts.CacheSize, opts.CacheTTL),
	}
}

// NewRequest returns a request for question carrying the engine defaults
func (e *Engine) NewRequest(question string) Request {
	return Request{
		Question:    question,
		TopK:        e.opts.TopK,
		MaxHops:     e.opts.MaxHops,
		MaxFanout:   e.opts.MaxFanout,
		TokenBudget: e.opts.TokenBudget,
		Alpha:       e.opts.Alpha,
	}
}

// InvalidateCache drops every cached response. It is called whenever the
// index changes.
func (e *Engine) InvalidateCache() {
	e.cache.purge()
}

// CacheLen returns the number of cached responses
func (e *Engine) CacheLen() int {
	return e.cache.len()
}

// AnswerEvidence returns the ranked, deduplicated chunks that best answer
// req.Question within req.TokenBudget.
//
// An embedding failure fails the request with types.ErrEmbeddingUnavailable.
// A failing vector search yields an empty set flagged VectorSearchSkipped
// and a failing graph expansion yields vector-only evidence flagged
// GraphExpansionSkipped. On cancellation the evidence ranked so far is
// returned flagged Cancelled, or types.ErrQueryCancelled if there is none.
func (e *Engine) AnswerEvidence(ctx context.Context, req Request) (*types.EvidenceSet, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	filter := req.Filter
	if filter.Model == "" {
		filter.Model = e.embedder.Model()
	}

	key := cacheKey(req, filter)
	if !req.NoCache {
		if set, ok := e.cache.get(key); ok {
			return set, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	vec, err := e.embedder.Embed(ctx, req.Question)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, embedder.Unavailable(e.embedder.Model(), err)
	}

	set := &types.EvidenceSet{}
	hits, err := retry.Do(ctx, e.opts.Retry, func(ctx context.Context) ([]types.ScoredChunk, error) {
		return e.vectors.Search(ctx, vec, req.TopK, filter)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		e.log.Warn("vector search failed, returning no evidence", "err", err)
		set.VectorSearchSkipped = true
		return set, nil
	}

	direct := newCandidates()
	for _, h := range hits {
		direct.add(h.Chunk, h.Similarity, 0, "", req.Alpha)
	}

	all := direct
	if req.MaxHops > 0 && len(hits) > 0 {
		expanded, err := e.expand(ctx, vec, hits, req, filter)
		switch {
		case err == nil:
			all = direct.merge(expanded)
		case ctx.Err() != nil:
			set.Cancelled = true
		default:
			e.log.Warn("graph expansion failed, returning vector evidence", "err", err)
			set.GraphExpansionSkipped = true
		}
	}

	selectWithinBudget(set, all.ranked(), req.TokenBudget)
	set.CandidateCount = all.len()

	if set.Cancelled {
		if len(set.Items) == 0 {
			return nil, cancelled(ctx.Err())
		}
		return set, nil
	}
	if !req.NoCache && !set.GraphExpansionSkipped {
		e.cache.put(key, set)
	}
	return set, nil
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %w", types.ErrQueryCancelled, err)
}

// reach is the closest graph distance found for an entity
type reach struct {
	hops int
	via  string
}

// expand walks the neighbourhood of every hit's owning entity and scores the
// chunks of the reached Class and Function entities
func (e *Engine) expand(ctx context.Context, vec []float32, hits []types.ScoredChunk, req Request, filter storage.Filter) (*candidates, error) {
	origins := make(map[string]bool)
	var order []string
	for _, h := range hits {
		id := h.Chunk.EntityID
		if id == "" {
			id = types.FileEntityID(h.Chunk.FilePath)
		}
		if !origins[id] {
			origins[id] = true
			order = append(order, id)
		}
	}

	reached := make(map[string]reach)
	for _, origin := range order {
		neighbours, err := retry.Do(ctx, e.opts.Retry, func(ctx context.Context) ([]types.Neighbor, error) {
			return e.graph.Neighborhood(ctx, origin, ExpandKinds, req.MaxHops, req.MaxFanout)
		})
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("expand %s: %w", origin, err)
		}
		for _, n := range neighbours {
			if origins[n.Entity.ID] {
				continue
			}
			if n.Entity.Kind != types.KindClass && n.Entity.Kind != types.KindFunction {
				continue
			}
			if prev, ok := reached[n.Entity.ID]; ok && prev.hops <= n.Hops {
				continue
			}
			reached[n.Entity.ID] = reach{hops: n.Hops, via: n.Entity.ID}
		}
	}

	out := newCandidates()
	if len(reached) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(reached))
	for id := range reached {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sub := filter
	sub.EntityIDs = ids
	k := min(len(ids)*4+req.TopK, maxExpansionChunks)
	scored, err := retry.Do(ctx, e.opts.Retry, func(ctx context.Context) ([]types.ScoredChunk, error) {
		return e.vectors.Search(ctx, vec, k, sub)
	})
	if err != nil {
		return nil, fmt.Errorf("score reached entities: %w", err)
	}

	for _, s := range scored {
		r, ok := closest(s.Chunk, reached)
		if !ok {
			continue
		}
		out.add(s.Chunk, s.Similarity, r.hops, r.via, req.Alpha)
	}
	return out, nil
}

// closest returns the nearest reached entity the chunk belongs to
func closest(c types.Chunk, reached map[string]reach) (reach, bool) {
	best, found := reach{}, false
	consider := func(id string) {
		r, ok := reached[id]
		if !ok {
			return
		}
		if !found || r.hops < best.hops || (r.hops == best.hops && r.via < best.via) {
			best, found = r, true
		}
	}
	consider(c.EntityID)
	for _, id := range c.Entities {
		consider(id)
	}
	return best, found
}

// Score fuses similarity and graph distance
func Score(similarity float64, hops int, alpha float64) float64 {
	return alpha*similarity + (1-alpha)*(1/(1+float64(hops)))
}

// candidates deduplicates evidence by chunk id
type candidates struct {
	items map[string]types.EvidenceItem
}

func newCandidates() *candidates {
	return &candidates{items: make(map[string]types.EvidenceItem)}
}

func (c *candidates) add(chunk types.Chunk, similarity float64, hops int, via string, alpha float64) {
	if math.IsNaN(similarity) || math.IsInf(similarity, 0) {
		similarity = 0
	}
	item := types.EvidenceItem{
		Chunk:      chunk,
		Score:      Score(similarity, hops, alpha),
		Similarity: similarity,
		Hops:       hops,
		Via:        via,
	}
	c.keep(item)
}

// keep stores item unless a better one exists for the same chunk
func (c *candidates) keep(item types.EvidenceItem) {
	prev, ok := c.items[item.Chunk.ID]
	if ok && (prev.Score > item.Score || (prev.Score == item.Score && prev.Hops <= item.Hops)) {
		return
	}
	c.items[item.Chunk.ID] = item
}

func (c *candidates) merge(other *candidates) *candidates {
	out := newCandidates()
	for _, item := range c.items {
		out.keep(item)
	}
	for _, item := range other.items {
		out.keep(item)
	}
	return out
}

func (c *candidates) len() int { return len(c.items) }

// ranked orders candidates by score desc, revision desc, chunk id asc
func (c *candidates) ranked() []types.EvidenceItem {
	out := make([]types.EvidenceItem, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.Revision != b.Chunk.Revision {
			return a.Chunk.Revision > b.Chunk.Revision
		}
		return a.Chunk.ID < b.Chunk.ID
	})
	return out
}

// selectWithinBudget takes items in rank order while they fit the budget.
// An item too large for the remaining budget is skipped, not truncated.
func selectWithinBudget(set *types.EvidenceSet, ranked []types.EvidenceItem, budget int) {
	for _, item := range ranked {
		if set.TotalTokens+item.Chunk.TokenCount > budget {
			continue
		}
		set.Items = append(set.Items, item)
		set.TotalTokens += item.Chunk.TokenCount
	}
}
