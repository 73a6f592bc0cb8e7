package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/dshills/coderag/pkg/types"
)

// PGVectorIndex is a VectorIndex backed by Postgres with the pgvector
// extension. Several repositories can share one database; rows are scoped by
// namespace.
type PGVectorIndex struct {
	pool      *pgxpool.Pool
	namespace string
}

var _ VectorIndex = (*PGVectorIndex)(nil)

const pgSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS coderag_vector_models (
    namespace TEXT NOT NULL,
    model TEXT NOT NULL,
    dimension INTEGER NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (namespace, model)
);

CREATE TABLE IF NOT EXISTS coderag_chunks (
    namespace TEXT NOT NULL,
    id TEXT NOT NULL,
    file_path TEXT NOT NULL,
    entity_id TEXT,
    entities TEXT[] NOT NULL DEFAULT '{}',
    text TEXT NOT NULL,
    token_count INTEGER NOT NULL DEFAULT 0,
    start_line INTEGER NOT NULL,
    end_line INTEGER NOT NULL,
    start_byte INTEGER NOT NULL,
    end_byte INTEGER NOT NULL,
    revision BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (namespace, id)
);

CREATE INDEX IF NOT EXISTS idx_coderag_chunks_file ON coderag_chunks (namespace, file_path);

CREATE TABLE IF NOT EXISTS coderag_embeddings (
    namespace TEXT NOT NULL,
    chunk_id TEXT NOT NULL,
    model TEXT NOT NULL,
    embedding vector NOT NULL,
    PRIMARY KEY (namespace, chunk_id, model),
    FOREIGN KEY (namespace, chunk_id) REFERENCES coderag_chunks (namespace, id) ON DELETE CASCADE,
    FOREIGN KEY (namespace, model) REFERENCES coderag_vector_models (namespace, model) ON DELETE CASCADE
);
`

// NewPGVectorIndex connects to Postgres, registers the pgvector types on
// every connection and creates the tables when missing
func NewPGVectorIndex(ctx context.Context, databaseURL, namespace string) (*PGVectorIndex, error) {
	if namespace == "" {
		return nil, errors.New("pgvector namespace is required")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres url: %w", err)
	}

	// The extension must exist before its types can be registered
	bootstrap, err := pgx.ConnectConfig(ctx, cfg.ConnConfig.Copy())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	_, err = bootstrap.Exec(ctx, pgSchema)
	_ = bootstrap.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgvector schema: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	return &PGVectorIndex{pool: pool, namespace: namespace}, nil
}

func (p *PGVectorIndex) Upsert(ctx context.Context, batch []types.EmbeddedChunk) error {
	if len(batch) == 0 {
		return nil
	}
	if err := validateEmbedded(batch); err != nil {
		return err
	}
	dims, err := batchDimensions(batch)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for model, d := range dims {
			var existing int
			err := tx.QueryRow(ctx, `
				INSERT INTO coderag_vector_models (namespace, model, dimension) VALUES ($1, $2, $3)
				ON CONFLICT (namespace, model) DO UPDATE SET model = EXCLUDED.model
				RETURNING dimension`, p.namespace, model, d).Scan(&existing)
			if err != nil {
				return fmt.Errorf("failed to register model %s: %w", model, err)
			}
			if existing != d {
				return fmt.Errorf("%w: model %s has dimension %d, got %d", types.ErrDimensionMismatch, model, existing, d)
			}
		}

		b := &pgx.Batch{}
		for i := range batch {
			ec := &batch[i]
			c := &ec.Chunk
			entities := c.Entities
			if entities == nil {
				entities = []string{}
			}
			var owner *string
			if c.EntityID != "" {
				owner = &c.EntityID
			}
			b.Queue(`
				INSERT INTO coderag_chunks (namespace, id, file_path, entity_id, entities, text, token_count,
				                            start_line, end_line, start_byte, end_byte, revision)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (namespace, id) DO UPDATE SET
					file_path = EXCLUDED.file_path, entity_id = EXCLUDED.entity_id,
					entities = EXCLUDED.entities, text = EXCLUDED.text,
					token_count = EXCLUDED.token_count, start_line = EXCLUDED.start_line,
					end_line = EXCLUDED.end_line, start_byte = EXCLUDED.start_byte,
					end_byte = EXCLUDED.end_byte, revision = EXCLUDED.revision`,
				p.namespace, c.ID, c.FilePath, owner, entities, c.Text, c.TokenCount,
				c.StartLine, c.EndLine, c.StartByte, c.EndByte, c.Revision)
			b.Queue(`
				INSERT INTO coderag_embeddings (namespace, chunk_id, model, embedding)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (namespace, chunk_id, model) DO UPDATE SET embedding = EXCLUDED.embedding`,
				p.namespace, c.ID, ec.Model, pgvector.NewVector(ec.Vector))
		}
		return tx.SendBatch(ctx, b).Close()
	})
}

func (p *PGVectorIndex) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]types.ScoredChunk, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}

	args := []any{pgvector.NewVector(vector), p.namespace, len(vector)}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	var where strings.Builder
	where.WriteString(" WHERE e.namespace = $2 AND m.dimension = $3")
	if filter.Model != "" {
		where.WriteString(" AND e.model = " + arg(filter.Model))
	}
	if len(filter.FilePaths) > 0 {
		where.WriteString(" AND c.file_path = ANY(" + arg(filter.FilePaths) + ")")
	}
	if len(filter.EntityIDs) > 0 {
		ids := arg(filter.EntityIDs)
		where.WriteString(" AND (c.entity_id = ANY(" + ids + ") OR c.entities && " + ids + ")")
	}
	if filter.MinRevision != 0 {
		where.WriteString(" AND c.revision >= " + arg(filter.MinRevision))
	}
	limit := arg(k)

	query := `
		SELECT c.id, c.file_path, COALESCE(c.entity_id, ''), c.entities, c.text, c.token_count,
		       c.start_line, c.end_line, c.start_byte, c.end_byte, c.revision,
		       COALESCE(NULLIF(1 - (e.embedding <=> $1), 'NaN'::float8), 0) AS similarity
		FROM coderag_embeddings e
		JOIN coderag_chunks c ON c.namespace = e.namespace AND c.id = e.chunk_id
		JOIN coderag_vector_models m ON m.namespace = e.namespace AND m.model = e.model` +
		where.String() +
		" ORDER BY similarity DESC, c.revision DESC, c.id ASC LIMIT " + limit

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer rows.Close()

	hits := make([]types.ScoredChunk, 0, k)
	for rows.Next() {
		var hit types.ScoredChunk
		c := &hit.Chunk
		if err := rows.Scan(&c.ID, &c.FilePath, &c.EntityID, &c.Entities, &c.Text, &c.TokenCount,
			&c.StartLine, &c.EndLine, &c.StartByte, &c.EndByte, &c.Revision, &hit.Similarity); err != nil {
			return nil, err
		}
		if len(c.Entities) == 0 {
			c.Entities = nil
		}
		hit.Similarity = finite(hit.Similarity)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func (p *PGVectorIndex) DeleteFile(ctx context.Context, filePath string) error {
	_, err := p.pool.Exec(ctx, "DELETE FROM coderag_chunks WHERE namespace = $1 AND file_path = $2", p.namespace, filePath)
	if err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", filePath, err)
	}
	return nil
}

func (p *PGVectorIndex) Models(ctx context.Context) ([]ModelInfo, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT m.model, m.dimension, COUNT(e.chunk_id)
		FROM coderag_vector_models m
		LEFT JOIN coderag_embeddings e ON e.namespace = m.namespace AND e.model = m.model
		WHERE m.namespace = $1
		GROUP BY m.model, m.dimension
		ORDER BY m.model`, p.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var out []ModelInfo
	for rows.Next() {
		var m ModelInfo
		var n int64
		if err := rows.Scan(&m.Model, &m.Dimension, &n); err != nil {
			return nil, err
		}
		m.Chunks = int(n)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PGVectorIndex) DeleteModel(ctx context.Context, model string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM coderag_vector_models WHERE namespace = $1 AND model = $2", p.namespace, model); err != nil {
			return fmt.Errorf("failed to delete model %s: %w", model, err)
		}
		_, err := tx.Exec(ctx, `
			DELETE FROM coderag_chunks c
			WHERE c.namespace = $1
			  AND NOT EXISTS (SELECT 1 FROM coderag_embeddings e WHERE e.namespace = c.namespace AND e.chunk_id = c.id)`,
			p.namespace)
		return err
	})
}

func (p *PGVectorIndex) Count(ctx context.Context, model string) (int, error) {
	query := "SELECT COUNT(*) FROM coderag_embeddings WHERE namespace = $1"
	args := []any{p.namespace}
	if model != "" {
		query += " AND model = $2"
		args = append(args, model)
	}
	var n int64
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return int(n), nil
}

func (p *PGVectorIndex) Close() error {
	p.pool.Close()
	return nil
}
