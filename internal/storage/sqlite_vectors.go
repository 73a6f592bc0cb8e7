package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dshills/coderag/pkg/types"
)

// SQLiteVectors is the VectorIndex view of a SQLiteStore
type SQLiteVectors struct {
	store *SQLiteStore
}

var _ VectorIndex = (*SQLiteVectors)(nil)

const chunkColumns = "c.id, c.file_path, c.entity_id, c.entities, c.text, c.token_count, c.start_line, c.end_line, c.start_byte, c.end_byte, c.revision"

func (v *SQLiteVectors) Upsert(ctx context.Context, batch []types.EmbeddedChunk) error {
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

	return v.store.withTx(ctx, func(q querier) error {
		for model, d := range dims {
			if err := registerModelWithQuerier(ctx, q, model, d); err != nil {
				return err
			}
		}
		for i := range batch {
			if err := upsertEmbeddedWithQuerier(ctx, q, &batch[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// registerModelWithQuerier records the dimension of a model on first use and
// rejects vectors of another dimension afterwards
func registerModelWithQuerier(ctx context.Context, q querier, model string, dimension int) error {
	var existing int
	err := q.QueryRowContext(ctx, "SELECT dimension FROM vector_models WHERE model = ?", model).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := q.ExecContext(ctx, "INSERT INTO vector_models (model, dimension) VALUES (?, ?)", model, dimension); err != nil {
			return fmt.Errorf("failed to register model %s: %w", model, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read model %s: %w", model, err)
	case existing != dimension:
		return fmt.Errorf("%w: model %s has dimension %d, got %d", types.ErrDimensionMismatch, model, existing, dimension)
	}
	return nil
}

func upsertEmbeddedWithQuerier(ctx context.Context, q querier, ec *types.EmbeddedChunk) error {
	c := &ec.Chunk
	entities := c.Entities
	if entities == nil {
		entities = []string{}
	}
	entitiesJSON, err := json.Marshal(entities)
	if err != nil {
		return err
	}

	var owner any
	if c.EntityID != "" {
		owner = c.EntityID
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO chunks (id, file_path, entity_id, entities, text, token_count,
		                    start_line, end_line, start_byte, end_byte, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_path = excluded.file_path,
			entity_id = excluded.entity_id,
			entities = excluded.entities,
			text = excluded.text,
			token_count = excluded.token_count,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			start_byte = excluded.start_byte,
			end_byte = excluded.end_byte,
			revision = excluded.revision
	`, c.ID, c.FilePath, owner, string(entitiesJSON), c.Text, c.TokenCount,
		c.StartLine, c.EndLine, c.StartByte, c.EndByte, c.Revision)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk %s: %w", c.ID, err)
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM chunk_entities WHERE chunk_id = ?", c.ID); err != nil {
		return fmt.Errorf("failed to clear chunk entities: %w", err)
	}
	for _, id := range entities {
		if _, err := q.ExecContext(ctx,
			"INSERT OR IGNORE INTO chunk_entities (chunk_id, entity_id) VALUES (?, ?)", c.ID, id); err != nil {
			return fmt.Errorf("failed to link chunk entity: %w", err)
		}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO embeddings (chunk_id, model, vector, norm)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chunk_id, model) DO UPDATE SET vector = excluded.vector, norm = excluded.norm
	`, c.ID, ec.Model, serializeVector(ec.Vector), types.VectorNorm(ec.Vector))
	if err != nil {
		return fmt.Errorf("failed to upsert embedding %s/%s: %w", c.ID, ec.Model, err)
	}
	return nil
}

func (v *SQLiteVectors) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]types.ScoredChunk, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	where, args := searchFilterClause(len(vector), filter)
	q := v.store.querier()

	if VectorExtensionAvailable {
		return searchVectorOptimized(ctx, q, vector, k, where, args)
	}
	return searchVectorFallback(ctx, q, vector, k, where, args)
}

// searchFilterClause builds the WHERE clause shared by both search paths
func searchFilterClause(dimension int, f Filter) (string, []any) {
	where := " WHERE m.dimension = ?"
	args := []any{dimension}

	if f.Model != "" {
		where += " AND e.model = ?"
		args = append(args, f.Model)
	}
	if len(f.FilePaths) > 0 {
		where += " AND c.file_path IN (" + placeholders(len(f.FilePaths)) + ")"
		args = append(args, stringArgs(f.FilePaths)...)
	}
	if len(f.EntityIDs) > 0 {
		ph := placeholders(len(f.EntityIDs))
		where += " AND (c.entity_id IN (" + ph + ") OR EXISTS (SELECT 1 FROM chunk_entities ce WHERE ce.chunk_id = c.id AND ce.entity_id IN (" + ph + ")))"
		args = append(args, stringArgs(f.EntityIDs)...)
		args = append(args, stringArgs(f.EntityIDs)...)
	}
	if f.MinRevision != 0 {
		where += " AND c.revision >= ?"
		args = append(args, f.MinRevision)
	}
	return where, args
}

const searchFrom = `
	FROM embeddings e
	INNER JOIN chunks c ON c.id = e.chunk_id
	INNER JOIN vector_models m ON m.model = e.model`

// searchVectorOptimized ranks inside SQLite with vec_distance_cosine
func searchVectorOptimized(ctx context.Context, q querier, vector []float32, k int, where string, args []any) ([]types.ScoredChunk, error) {
	query := "SELECT " + chunkColumns + ", 1.0 - vec_distance_cosine(e.vector, ?) AS similarity" +
		searchFrom + where +
		" ORDER BY similarity DESC, c.revision DESC, c.id ASC LIMIT ?"
	all := append([]any{serializeVector(vector)}, args...)
	all = append(all, k)

	rows, err := q.QueryContext(ctx, query, all...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]types.ScoredChunk, 0, k)
	for rows.Next() {
		var hit types.ScoredChunk
		if err := scanChunk(rows, &hit.Chunk, &hit.Similarity); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// searchVectorFallback loads candidate vectors and ranks them in Go
func searchVectorFallback(ctx context.Context, q querier, vector []float32, k int, where string, args []any) ([]types.ScoredChunk, error) {
	query := "SELECT " + chunkColumns + ", e.vector, e.norm" + searchFrom + where

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	queryNorm := types.VectorNorm(vector)
	var hits []types.ScoredChunk
	for rows.Next() {
		var hit types.ScoredChunk
		var blob []byte
		var norm float64
		if err := scanChunk(rows, &hit.Chunk, &blob, &norm); err != nil {
			return nil, err
		}
		vec, err := deserializeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", hit.Chunk.ID, err)
		}
		hit.Similarity = cosineWithNorms(vector, vec, queryNorm, norm)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rankScored(hits, k), nil
}

// scanChunk scans the chunk columns followed by extra destinations
func scanChunk(row rowScanner, c *types.Chunk, extra ...any) error {
	var owner sql.NullString
	var entities string
	dest := []any{&c.ID, &c.FilePath, &owner, &entities, &c.Text, &c.TokenCount,
		&c.StartLine, &c.EndLine, &c.StartByte, &c.EndByte, &c.Revision}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	c.EntityID = owner.String
	if err := json.Unmarshal([]byte(entities), &c.Entities); err != nil {
		return fmt.Errorf("chunk %s: decode entities: %w", c.ID, err)
	}
	if len(c.Entities) == 0 {
		c.Entities = nil
	}
	return nil
}

func (v *SQLiteVectors) DeleteFile(ctx context.Context, filePath string) error {
	if _, err := v.store.querier().ExecContext(ctx, "DELETE FROM chunks WHERE file_path = ?", filePath); err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", filePath, err)
	}
	return nil
}

func (v *SQLiteVectors) Models(ctx context.Context) ([]ModelInfo, error) {
	rows, err := v.store.querier().QueryContext(ctx, `
		SELECT m.model, m.dimension, COUNT(e.chunk_id)
		FROM vector_models m
		LEFT JOIN embeddings e ON e.model = m.model
		GROUP BY m.model, m.dimension
		ORDER BY m.model
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ModelInfo
	for rows.Next() {
		var m ModelInfo
		if err := rows.Scan(&m.Model, &m.Dimension, &m.Chunks); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (v *SQLiteVectors) DeleteModel(ctx context.Context, model string) error {
	return v.store.withTx(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, "DELETE FROM vector_models WHERE model = ?", model); err != nil {
			return fmt.Errorf("failed to delete model %s: %w", model, err)
		}
		if _, err := q.ExecContext(ctx,
			"DELETE FROM chunks WHERE NOT EXISTS (SELECT 1 FROM embeddings e WHERE e.chunk_id = chunks.id)"); err != nil {
			return fmt.Errorf("failed to delete orphaned chunks: %w", err)
		}
		return nil
	})
}

func (v *SQLiteVectors) Count(ctx context.Context, model string) (int, error) {
	query := "SELECT COUNT(*) FROM embeddings"
	var args []any
	if model != "" {
		query += " WHERE model = ?"
		args = append(args, model)
	}
	var n int
	if err := v.store.querier().QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return n, nil
}

// Close closes the underlying store
func (v *SQLiteVectors) Close() error {
	return v.store.Close()
}
