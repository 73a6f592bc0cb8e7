package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/coderag/internal/chunker"
	"github.com/dshills/coderag/internal/config"
	"github.com/dshills/coderag/internal/embedder"
	"github.com/dshills/coderag/internal/extractor"
	"github.com/dshills/coderag/internal/logging"
	"github.com/dshills/coderag/internal/retry"
	"github.com/dshills/coderag/internal/storage"
	"github.com/dshills/coderag/pkg/types"
)

// Common errors
var (
	ErrBusy           = errors.New("an ingestion is already running for this repository")
	ErrNothingIndexed = errors.New("no file could be indexed")
)

// DefaultHistory is the number of finished jobs kept for status queries
const DefaultHistory = 64

// linkKinds are the relationship kinds derived by cross-file resolution
var linkKinds = []types.RelationKind{types.RelCalls, types.RelImports}

// Options configures a Pipeline
type Options struct {
	Workers          int   // Worker pool size (default: runtime.NumCPU())
	EmbedBatchSize   int   // Chunks per embedding call (default: 32)
	MaxFileSize      int64 // Larger files are ignored; 0 disables the limit
	Ignore           []string
	DefaultIgnores   bool
	PruneStaleModels bool // Delete vectors of other models after a clean run
	Chunker          chunker.Options
	Retry            retry.Config // Applied to every store call
	History          int
	Logger           *log.Logger

	// OnFinish is called with the final status of every run
	OnFinish func(Status)
}

// DefaultOptions returns the default pipeline configuration
func DefaultOptions() Options {
	return Options{
		Workers:        runtime.NumCPU(),
		EmbedBatchSize: 32,
		MaxFileSize:    1 << 20,
		DefaultIgnores: true,
		Chunker:        chunker.DefaultOptions(),
		Retry:          retry.Default(),
		History:        DefaultHistory,
	}
}

// OptionsFromConfig derives pipeline options from the application config
func OptionsFromConfig(cfg *config.Config, counter chunker.TokenCounter) Options {
	opts := DefaultOptions()
	opts.Workers = cfg.Pipeline.Workers
	opts.EmbedBatchSize = cfg.Pipeline.EmbedBatchSize
	opts.MaxFileSize = cfg.Pipeline.MaxFileSize
	opts.Ignore = cfg.Pipeline.Ignore
	opts.DefaultIgnores = cfg.Pipeline.DefaultIgnores
	opts.PruneStaleModels = cfg.Pipeline.PruneStaleModels
	opts.Chunker = chunker.Options{
		MinTokens:   cfg.Chunker.MinTokens,
		MaxTokens:   cfg.Chunker.MaxTokens,
		Overlap:     cfg.Chunker.Overlap,
		WindowLines: cfg.Chunker.WindowLines,
		Counter:     counter,
	}
	opts.Retry = cfg.RetryConfig()
	return opts
}

// Pipeline ingests one repository into a graph store and a vector index.
// Runs are serialized: a second run while one is active fails with ErrBusy.
type Pipeline struct {
	graph    storage.GraphStore
	vectors  storage.VectorIndex
	embedder embedder.Embedder
	chunker  *chunker.Chunker
	ignore   *IgnoreMatcher
	opts     Options
	log      *log.Logger

	lock IndexLock
	jobs *lru.Cache[string, *job]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pipeline writing to graph and vectors
func New(graph storage.GraphStore, vectors storage.VectorIndex, emb embedder.Embedder, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = 32
	}
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	if opts.Chunker.MaxTokens <= 0 {
		opts.Chunker = chunker.DefaultOptions()
	}

	jobs, err := lru.New[string, *job](opts.History)
	if err != nil {
		jobs, _ = lru.New[string, *job](DefaultHistory)
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Pipeline{
		graph:    graph,
		vectors:  vectors,
		embedder: emb,
		chunker:  chunker.New(opts.Chunker),
		ignore:   NewIgnoreMatcher(opts.Ignore, opts.DefaultIgnores),
		opts:     opts,
		log:      logging.OrDiscard(opts.Logger),
		jobs:     jobs,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Run ingests ref synchronously and returns the final status
func (p *Pipeline) Run(ctx context.Context, ref Ref) (Status, error) {
	if !p.lock.TryAcquire() {
		return Status{}, ErrBusy
	}
	defer p.lock.Release()

	j, err := p.register(ref)
	if err != nil {
		return Status{}, err
	}
	err = p.execute(ctx, j, ref)
	return j.snapshot(), err
}

// Ingest starts an asynchronous run and returns its job id
func (p *Pipeline) Ingest(ref Ref) (string, error) {
	if !p.lock.TryAcquire() {
		return "", ErrBusy
	}
	j, err := p.register(ref)
	if err != nil {
		p.lock.Release()
		return "", err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.lock.Release()
		_ = p.execute(p.ctx, j, ref)
	}()
	return j.id, nil
}

// Status returns the status of a job
func (p *Pipeline) Status(jobID string) (Status, error) {
	j, ok := p.jobs.Get(jobID)
	if !ok {
		return Status{}, fmt.Errorf("%w: job %s", types.ErrNotFound, jobID)
	}
	return j.snapshot(), nil
}

// Jobs returns the known jobs, oldest first
func (p *Pipeline) Jobs() []Status {
	var out []Status
	for _, id := range p.jobs.Keys() {
		if j, ok := p.jobs.Peek(id); ok {
			out = append(out, j.snapshot())
		}
	}
	return out
}

// Wait blocks until the job finishes or ctx ends
func (p *Pipeline) Wait(ctx context.Context, jobID string) (Status, error) {
	j, ok := p.jobs.Get(jobID)
	if !ok {
		return Status{}, fmt.Errorf("%w: job %s", types.ErrNotFound, jobID)
	}
	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return j.snapshot(), ctx.Err()
	}
}

// Running reports whether a run is in progress
func (p *Pipeline) Running() bool {
	return p.lock.Held()
}

// Close cancels a running asynchronous job and waits for it to stop. The
// stores and the embedder are owned by the caller.
func (p *Pipeline) Close() error {
	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *Pipeline) register(ref Ref) (*job, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	j := newJob(id, ref, p.embedder.Model())
	p.jobs.Add(id, j)
	return j, nil
}

// execute drives the stage machine of one run
func (p *Pipeline) execute(ctx context.Context, j *job, ref Ref) error {
	r := &run{p: p, job: j, ref: ref, model: p.embedder.Model()}
	p.log.Info("ingestion started", "job", j.id, "repo", ref.Path, "revision", ref.Revision, "model", r.model)

	steps := []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageDiscovering, r.discover},
		{StageExtracting, r.extract},
		{StageEmbedding, r.embed},
		{StageIndexing, r.index},
	}
	for _, step := range steps {
		if r.noop {
			break
		}
		j.setStage(step.stage)
		if err := ctx.Err(); err != nil {
			return p.fail(j, step.stage, err)
		}
		if err := step.fn(ctx); err != nil {
			return p.fail(j, step.stage, err)
		}
	}

	if r.noop {
		j.update(func(s *Status) { s.NoOp = true })
	} else if p.opts.PruneStaleModels {
		r.pruneModels(ctx)
	}
	j.finish("", nil)

	st := j.snapshot()
	p.log.Info("ingestion complete",
		"job", j.id,
		"noop", st.NoOp,
		"processed", st.FilesProcessed,
		"skipped", st.FilesSkipped,
		"failed", st.FilesFailed,
		"deleted", st.FilesDeleted,
		"chunks", st.ChunksIndexed,
		"duration", st.Duration())
	p.notify(st)
	j.release()
	return nil
}

func (p *Pipeline) fail(j *job, stage Stage, err error) error {
	j.finish(stage, err)
	st := j.snapshot()
	p.log.Error("ingestion failed", "job", j.id, "stage", stage, "err", err)
	p.notify(st)
	j.release()
	return fmt.Errorf("ingestion failed during %s: %w", stage, err)
}

func (p *Pipeline) notify(st Status) {
	if p.opts.OnFinish != nil {
		p.opts.OnFinish(st)
	}
}

// store runs a store call under the retry policy. Malformed input is not
// retried.
func (p *Pipeline) store(ctx context.Context, fn func(context.Context) error) error {
	return retry.Run(ctx, p.opts.Retry, func(ctx context.Context) error {
		return permanentIfInvalid(fn(ctx))
	})
}

func storeDo[T any](ctx context.Context, p *Pipeline, fn func(context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, p.opts.Retry, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		return v, permanentIfInvalid(err)
	})
}

func permanentIfInvalid(err error) error {
	if errors.Is(err, types.ErrInvalidEntity) ||
		errors.Is(err, types.ErrInvalidRelationship) ||
		errors.Is(err, types.ErrDimensionMismatch) {
		return retry.Stop(err)
	}
	return err
}

// fatal reports whether err must abort the run instead of failing one file
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, types.ErrStoreUnavailable)
}

// fileWork is a changed file moving through the stages
type fileWork struct {
	index   int // Into run.files and run.extractions
	path    string
	replace bool // The stored version has other content and must be removed first
	chunks  []types.Chunk
	vectors [][]float32
	failed  bool
}

// run holds the state of one execution
type run struct {
	p     *Pipeline
	job   *job
	ref   Ref
	model string
	noop  bool

	files       []sourceFile
	extractions []*extractor.FileExtraction
	resolved    [][]types.Relationship
	work        []*fileWork
}

func (r *run) discover(ctx context.Context) error {
	info, err := os.Stat(r.ref.Path)
	if err != nil {
		return fmt.Errorf("repository root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("repository root %s is not a directory", r.ref.Path)
	}

	files, ignored, err := discover(ctx, r.ref.Path, r.p.ignore, r.p.opts.MaxFileSize)
	if err != nil {
		return fmt.Errorf("walk %s: %w", r.ref.Path, err)
	}
	stored, err := storeDo(ctx, r.p, r.p.graph.FileEntities)
	if err != nil {
		return fmt.Errorf("load indexed files: %w", err)
	}

	pl := classify(files, stored, r.model)
	r.files = files
	for _, i := range pl.changed {
		r.work = append(r.work, &fileWork{index: i, path: files[i].Path, replace: pl.replace[files[i].Path]})
	}
	r.job.update(func(s *Status) {
		s.FilesDiscovered = len(files)
		s.FilesIgnored = ignored
		s.FilesSkipped = pl.unchanged
	})
	r.p.log.Debug("discovered files",
		"files", len(files), "changed", len(pl.changed), "unchanged", pl.unchanged,
		"deleted", len(pl.deleted), "ignored", ignored)

	for _, path := range pl.deleted {
		if err := r.deleteFile(ctx, path); err != nil {
			if fatal(ctx, err) {
				return err
			}
			r.job.fileFailed(path, StageDiscovering, err)
			continue
		}
		r.job.update(func(s *Status) { s.FilesDeleted++ })
	}

	r.noop = len(pl.changed) == 0 && len(pl.deleted) == 0
	return nil
}

// deleteFile removes a file from both stores, vectors first so that an
// interrupted delete is retried by the next run
func (r *run) deleteFile(ctx context.Context, path string) error {
	if err := r.p.store(ctx, func(ctx context.Context) error { return r.p.vectors.DeleteFile(ctx, path) }); err != nil {
		return fmt.Errorf("delete vectors of %s: %w", path, err)
	}
	if err := r.p.store(ctx, func(ctx context.Context) error { return r.p.graph.DeleteFile(ctx, path) }); err != nil {
		return fmt.Errorf("delete entities of %s: %w", path, err)
	}
	return nil
}

func (r *run) extract(ctx context.Context) error {
	modulePath, _ := extractor.ReadGoModulePath(filepath.Join(r.ref.Path, "go.mod"))
	ex := extractor.New(extractor.Options{GoModulePath: modulePath})

	// Every file is parsed so the symbol table sees the whole repository
	r.extractions = make([]*extractor.FileExtraction, len(r.files))
	if err := r.parallel(ctx, len(r.files), func(ctx context.Context, i int) error {
		r.extractions[i] = ex.Extract(ctx, r.files[i].Path, r.files[i].Content)
		return nil
	}); err != nil {
		return err
	}

	table := extractor.NewSymbolTable(r.extractions)
	r.resolved = make([][]types.Relationship, len(r.files))
	if err := r.parallel(ctx, len(r.extractions), func(_ context.Context, i int) error {
		r.resolved[i] = extractor.Resolve(r.extractions[i], table)
		return nil
	}); err != nil {
		return err
	}

	if err := r.parallel(ctx, len(r.work), func(_ context.Context, i int) error {
		r.chunkFile(r.work[i])
		return nil
	}); err != nil {
		return err
	}

	for _, w := range r.work {
		if x := r.extractions[w.index]; x.ParseFailed {
			r.p.log.Warn("parse failed, indexing text only", "file", w.path, "err", x.Err)
			r.job.update(func(s *Status) { s.ParseFailures++ })
		}
	}
	r.p.log.Debug("extracted", "files", len(r.files), "symbols", table.Len(), "modules", table.Modules())
	return nil
}

// parallel runs fn for 0..n-1 on the worker pool
func (r *run) parallel(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.p.opts.Workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	return g.Wait()
}

// chunkFile splits a changed file along its Class and Function spans
func (r *run) chunkFile(w *fileWork) {
	x := r.extractions[w.index]
	defs := x.Definitions()
	spans := make([]chunker.Span, len(defs))
	for i, d := range defs {
		spans[i] = chunker.Span{EntityID: d.ID, StartLine: d.Span.StartLine, EndLine: d.Span.EndLine}
	}

	w.chunks = r.p.chunker.ChunkAll(w.path, string(r.files[w.index].Content), spans)
	for i := range w.chunks {
		w.chunks[i].Revision = r.ref.Revision
	}
}

func (r *run) embed(ctx context.Context) error {
	return r.parallel(ctx, len(r.work), func(ctx context.Context, i int) error {
		w := r.work[i]
		if len(w.chunks) == 0 {
			return nil
		}
		vecs, err := r.embedChunks(ctx, w.chunks)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.failed = true
			r.job.fileFailed(w.path, StageEmbedding, err)
			r.p.log.Warn("embedding failed", "file", w.path, "err", err)
			return nil
		}
		w.vectors = vecs
		return nil
	})
}

func (r *run) embedChunks(ctx context.Context, chunks []types.Chunk) ([][]float32, error) {
	out := make([][]float32, 0, len(chunks))
	size := r.p.opts.EmbedBatchSize
	for start := 0; start < len(chunks); start += size {
		end := min(start+size, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		vecs, err := r.p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("%w: got %d vectors for %d chunks", types.ErrEmbeddingUnavailable, len(vecs), len(texts))
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (r *run) index(ctx context.Context) error {
	if err := r.parallel(ctx, len(r.work), func(ctx context.Context, i int) error {
		w := r.work[i]
		if w.failed {
			return nil
		}
		err := r.indexFile(ctx, w)
		if err == nil {
			return nil
		}
		if fatal(ctx, err) {
			return err
		}
		w.failed = true
		r.job.fileFailed(w.path, StageIndexing, err)
		r.p.log.Warn("indexing failed", "file", w.path, "err", err)
		return nil
	}); err != nil {
		return err
	}

	if err := r.link(ctx); err != nil {
		return err
	}
	if err := r.markIndexed(ctx); err != nil {
		return err
	}

	succeeded := 0
	for _, w := range r.work {
		if !w.failed {
			succeeded++
		}
	}
	if len(r.work) > 0 && succeeded == 0 {
		return fmt.Errorf("%w: all %d changed files failed", ErrNothingIndexed, len(r.work))
	}
	return nil
}

// stampFile records the run on a File entity
func (r *run) stampFile(e types.Entity, indexed bool) types.Entity {
	e.Metadata = e.Metadata.Clone()
	e.Metadata.Revision = r.ref.Revision
	e.Metadata.EmbeddingModel = r.model
	e.Metadata.Indexed = indexed
	return e
}

// indexFile writes one changed file. Entities commit before the file's
// chunks reach the vector index; the File entity stays Indexed=false until
// markIndexed.
func (r *run) indexFile(ctx context.Context, w *fileWork) error {
	x := r.extractions[w.index]

	if w.replace {
		if err := r.deleteFile(ctx, w.path); err != nil {
			return err
		}
	}

	entities := make([]types.Entity, len(x.Entities))
	for i, e := range x.Entities {
		if e.Kind == types.KindFile {
			e = r.stampFile(e, false)
		}
		entities[i] = e
	}
	if err := r.p.store(ctx, func(ctx context.Context) error { return r.p.graph.UpsertEntities(ctx, entities) }); err != nil {
		return fmt.Errorf("upsert entities: %w", err)
	}

	if len(x.Relationships) > 0 {
		rejected, err := storeDo(ctx, r.p, func(ctx context.Context) ([]types.Relationship, error) {
			return r.p.graph.UpsertRelationships(ctx, x.Relationships)
		})
		if err != nil {
			return fmt.Errorf("upsert relationships: %w", err)
		}
		r.job.update(func(s *Status) {
			s.RelationshipsWritten += len(x.Relationships) - len(rejected)
			s.RelationshipsRejected += len(rejected)
		})
	}

	if len(w.chunks) == 0 {
		return nil
	}
	batch := make([]types.EmbeddedChunk, len(w.chunks))
	for i, c := range w.chunks {
		batch[i] = types.NewEmbeddedChunk(c, r.model, w.vectors[i])
	}
	if err := r.p.store(ctx, func(ctx context.Context) error { return r.p.vectors.Upsert(ctx, batch) }); err != nil {
		return fmt.Errorf("upsert chunks: %w", err)
	}
	return nil
}

// link replaces the resolved CALLS and IMPORTS edges of every file whose
// current entities are stored. Deleting or rewriting a file cascades away
// edges pointing into it, so unchanged files are re-linked too.
func (r *run) link(ctx context.Context) error {
	changed := make(map[string]*fileWork, len(r.work))
	for _, w := range r.work {
		changed[w.path] = w
	}

	for i, x := range r.extractions {
		if err := ctx.Err(); err != nil {
			return err
		}
		w := changed[x.Path]
		if w != nil && w.failed {
			continue
		}

		ids := make([]string, len(x.Entities))
		for k, e := range x.Entities {
			ids[k] = e.ID
		}
		rejected, err := storeDo(ctx, r.p, func(ctx context.Context) ([]types.Relationship, error) {
			return r.p.graph.ReplaceOutgoing(ctx, ids, linkKinds, r.resolved[i])
		})
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			r.job.fileFailed(x.Path, StageIndexing, fmt.Errorf("link: %w", err))
			if w != nil {
				w.failed = true
			} else {
				r.invalidate(ctx, x)
			}
			continue
		}
		r.job.update(func(s *Status) {
			s.RelationshipsWritten += len(r.resolved[i]) - len(rejected)
			s.RelationshipsRejected += len(rejected)
		})
	}
	return nil
}

// invalidate clears Indexed on an unchanged file whose links could not be
// written, so the next run processes it again
func (r *run) invalidate(ctx context.Context, x *extractor.FileExtraction) {
	file := r.stampFile(x.FileEntity(), false)
	if err := r.p.store(ctx, func(ctx context.Context) error {
		return r.p.graph.UpsertEntities(ctx, []types.Entity{file})
	}); err != nil {
		r.p.log.Warn("could not invalidate file", "file", x.Path, "err", err)
	}
}

// markIndexed re-upserts the File entity of every successful file with
// Indexed=true, the last write of a file
func (r *run) markIndexed(ctx context.Context) error {
	for _, w := range r.work {
		if w.failed {
			continue
		}
		file := r.stampFile(r.extractions[w.index].FileEntity(), true)
		err := r.p.store(ctx, func(ctx context.Context) error {
			return r.p.graph.UpsertEntities(ctx, []types.Entity{file})
		})
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			w.failed = true
			r.job.fileFailed(w.path, StageIndexing, err)
			continue
		}
		r.job.update(func(s *Status) {
			s.FilesProcessed++
			s.ChunksIndexed += len(w.chunks)
		})
	}
	return nil
}

// pruneModels deletes the vectors of every other model once all files carry
// vectors of the current one
func (r *run) pruneModels(ctx context.Context) {
	if r.job.snapshot().FilesFailed > 0 {
		return
	}
	models, err := storeDo(ctx, r.p, r.p.vectors.Models)
	if err != nil {
		r.p.log.Warn("list models", "err", err)
		return
	}
	for _, m := range models {
		if m.Model == r.model {
			continue
		}
		if err := r.p.store(ctx, func(ctx context.Context) error { return r.p.vectors.DeleteModel(ctx, m.Model) }); err != nil {
			r.p.log.Warn("prune model", "model", m.Model, "err", err)
			continue
		}
		r.p.log.Info("pruned stale model", "model", m.Model, "chunks", m.Chunks)
		r.job.update(func(s *Status) { s.ModelsPruned++ })
	}
}
