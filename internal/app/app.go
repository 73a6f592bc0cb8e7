// Package app wires configuration, stores, the embedder, the ingestion
// pipeline and the query engine together, one set of stores per repository.
package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/dshills/coderag/internal/chunker"
	"github.com/dshills/coderag/internal/config"
	"github.com/dshills/coderag/internal/embedder"
	"github.com/dshills/coderag/internal/logging"
	"github.com/dshills/coderag/internal/pipeline"
	"github.com/dshills/coderag/internal/query"
	"github.com/dshills/coderag/internal/storage"
	"github.com/dshills/coderag/pkg/types"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("registry is closed")

// Repository is the open index of one repository
type Repository struct {
	Root     string
	Key      string // Stable id derived from Root, names the database
	Graph    storage.GraphStore
	Vectors  storage.VectorIndex
	Pipeline *pipeline.Pipeline
	Query    *query.Engine

	closers []io.Closer
}

// Close stops a running ingestion and closes the stores
func (r *Repository) Close() error {
	var errs []error
	if r.Pipeline != nil {
		errs = append(errs, r.Pipeline.Close())
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	return errors.Join(errs...)
}

// Registry opens repositories on demand. The embedder is shared by every
// repository so its cache serves ingestion and queries alike.
type Registry struct {
	cfg     *config.Config
	emb     embedder.Embedder
	counter chunker.TokenCounter
	log     *log.Logger

	mu     sync.Mutex
	repos  map[string]*Repository
	jobs   map[string]*Repository // job id -> repository
	closed bool
}

// New builds the embedder and token counter described by cfg
func New(cfg *config.Config, logger *log.Logger) (*Registry, error) {
	emb, err := embedder.New(cfg.Embedder, cfg.RetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	counter, err := NewTokenCounter(cfg.Chunker)
	if err != nil {
		_ = emb.Close()
		return nil, err
	}
	return NewWithEmbedder(cfg, emb, counter, logger), nil
}

// NewWithEmbedder creates a registry around an existing embedder. The
// registry closes it.
func NewWithEmbedder(cfg *config.Config, emb embedder.Embedder, counter chunker.TokenCounter, logger *log.Logger) *Registry {
	if counter == nil {
		counter = chunker.HeuristicCounter{}
	}
	return &Registry{
		cfg:     cfg,
		emb:     emb,
		counter: counter,
		log:     logging.OrDiscard(logger),
		repos:   make(map[string]*Repository),
		jobs:    make(map[string]*Repository),
	}
}

// NewTokenCounter returns the counter selected by the chunker settings
func NewTokenCounter(s config.ChunkerSettings) (chunker.TokenCounter, error) {
	switch s.Tokenizer {
	case "", "heuristic":
		return chunker.HeuristicCounter{}, nil
	case "tiktoken":
		c, err := chunker.NewTiktokenCounter(s.Encoding)
		if err != nil {
			return nil, fmt.Errorf("failed to load tokenizer %s: %w", s.Encoding, err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", s.Tokenizer)
	}
}

// RepoKey derives the index name of a repository root
func RepoKey(root string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(root)))
	return hex.EncodeToString(sum[:8])
}

// Embedder returns the shared embedder
func (r *Registry) Embedder() embedder.Embedder {
	return r.emb
}

// Open returns the index of root, opening its stores on first use
func (r *Registry) Open(ctx context.Context, root string) (*Repository, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if repo, ok := r.repos[abs]; ok {
		return repo, nil
	}

	repo, err := r.open(ctx, abs)
	if err != nil {
		return nil, err
	}
	r.repos[abs] = repo
	return repo, nil
}

func (r *Registry) open(ctx context.Context, root string) (repo *Repository, err error) {
	repo = &Repository{Root: root, Key: RepoKey(root)}
	defer func() {
		if err != nil {
			_ = repo.Close()
		}
	}()

	st := r.cfg.Storage
	var db *storage.SQLiteStore
	if st.GraphBackend == config.BackendSQLite || st.VectorBackend == config.BackendSQLite {
		if err := os.MkdirAll(r.cfg.IndexDir, 0o755); err != nil {
			return repo, fmt.Errorf("failed to create index directory: %w", err)
		}
		db, err = storage.NewSQLiteStore(ctx, filepath.Join(r.cfg.IndexDir, repo.Key+".db"))
		if err != nil {
			return repo, err
		}
		repo.closers = append(repo.closers, db)
	}

	switch st.GraphBackend {
	case config.BackendSQLite:
		repo.Graph = db.Graph()
	case config.BackendMemory:
		g := storage.NewMemoryGraph()
		repo.Graph = g
		repo.closers = append(repo.closers, g)
	default:
		return repo, fmt.Errorf("unknown graph backend %q", st.GraphBackend)
	}

	switch st.VectorBackend {
	case config.BackendSQLite:
		repo.Vectors = db.Vectors()
	case config.BackendMemory:
		v := storage.NewMemoryVectors()
		repo.Vectors = v
		repo.closers = append(repo.closers, v)
	case config.BackendPgvector:
		pg, err := storage.NewPGVectorIndex(ctx, st.PostgresURL, repo.Key)
		if err != nil {
			return repo, err
		}
		repo.Vectors = pg
		repo.closers = append(repo.closers, pg)
	default:
		return repo, fmt.Errorf("unknown vector backend %q", st.VectorBackend)
	}

	qopts := query.OptionsFromConfig(r.cfg)
	qopts.Logger = r.log.WithPrefix("query")
	repo.Query = query.New(repo.Graph, repo.Vectors, r.emb, qopts)

	popts := pipeline.OptionsFromConfig(r.cfg, r.counter)
	popts.Logger = r.log.WithPrefix("ingest")
	engine := repo.Query
	popts.OnFinish = func(pipeline.Status) { engine.InvalidateCache() }
	repo.Pipeline = pipeline.New(repo.Graph, repo.Vectors, r.emb, popts)

	r.log.Debug("opened repository", "root", root, "key", repo.Key,
		"graph", st.GraphBackend, "vectors", st.VectorBackend)
	return repo, nil
}

// Ingest starts an asynchronous ingestion of ref and returns its job id
func (r *Registry) Ingest(ctx context.Context, ref pipeline.Ref) (string, error) {
	repo, err := r.Open(ctx, ref.Path)
	if err != nil {
		return "", err
	}
	id, err := repo.Pipeline.Ingest(ref)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.jobs[id] = repo
	r.mu.Unlock()
	return id, nil
}

// Run ingests ref and waits for the result
func (r *Registry) Run(ctx context.Context, ref pipeline.Ref) (pipeline.Status, error) {
	repo, err := r.Open(ctx, ref.Path)
	if err != nil {
		return pipeline.Status{}, err
	}
	return repo.Pipeline.Run(ctx, ref)
}

// Status returns the status of an ingestion job
func (r *Registry) Status(jobID string) (pipeline.Status, error) {
	r.mu.Lock()
	repo, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return pipeline.Status{}, fmt.Errorf("%w: job %s", types.ErrNotFound, jobID)
	}
	return repo.Pipeline.Status(jobID)
}

// Wait blocks until an ingestion job finishes
func (r *Registry) Wait(ctx context.Context, jobID string) (pipeline.Status, error) {
	r.mu.Lock()
	repo, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return pipeline.Status{}, fmt.Errorf("%w: job %s", types.ErrNotFound, jobID)
	}
	return repo.Pipeline.Wait(ctx, jobID)
}

// QueryOptions overrides the configured query defaults. Nil fields keep the
// default.
type QueryOptions struct {
	TopK        *int
	MaxHops     *int
	MaxFanout   *int
	TokenBudget *int
	Alpha       *float64
	Files       []string
	MinRevision int64
	NoCache     bool
}

func (o QueryOptions) apply(req *query.Request) {
	if o.TopK != nil {
		req.TopK = *o.TopK
	}
	if o.MaxHops != nil {
		req.MaxHops = *o.MaxHops
	}
	if o.MaxFanout != nil {
		req.MaxFanout = *o.MaxFanout
	}
	if o.TokenBudget != nil {
		req.TokenBudget = *o.TokenBudget
	}
	if o.Alpha != nil {
		req.Alpha = *o.Alpha
	}
	req.Filter.FilePaths = o.Files
	req.Filter.MinRevision = o.MinRevision
	req.NoCache = o.NoCache
}

// Query answers question from the index of root
func (r *Registry) Query(ctx context.Context, root, question string, opts QueryOptions) (*types.EvidenceSet, error) {
	repo, err := r.Open(ctx, root)
	if err != nil {
		return nil, err
	}
	req := repo.Query.NewRequest(question)
	opts.apply(&req)
	return repo.Query.AnswerEvidence(ctx, req)
}

// Stats describes the index of one repository
type Stats struct {
	Root    string
	Key     string
	Model   string // Model used for new embeddings
	Indexed bool
	Running bool
	Graph   storage.GraphCounts
	Models  []storage.ModelInfo
	Jobs    []pipeline.Status
}

// Stats reports the contents of the index of root
func (r *Registry) Stats(ctx context.Context, root string) (Stats, error) {
	repo, err := r.Open(ctx, root)
	if err != nil {
		return Stats{}, err
	}
	counts, err := repo.Graph.Counts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("graph counts: %w", err)
	}
	models, err := repo.Vectors.Models(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("vector models: %w", err)
	}
	return Stats{
		Root:    repo.Root,
		Key:     repo.Key,
		Model:   r.emb.Model(),
		Indexed: counts.Files > 0,
		Running: repo.Pipeline.Running(),
		Graph:   counts,
		Models:  models,
		Jobs:    repo.Pipeline.Jobs(),
	}, nil
}

// Roots returns the open repository roots
func (r *Registry) Roots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	roots := make([]string, 0, len(r.repos))
	for root := range r.repos {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// Close closes every repository and the embedder
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	repos := r.repos
	r.repos = nil
	r.mu.Unlock()

	var errs []error
	for _, repo := range repos {
		errs = append(errs, repo.Close())
	}
	errs = append(errs, r.emb.Close())
	return errors.Join(errs...)
}
