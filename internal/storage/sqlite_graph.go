package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/coderag/pkg/types"
)

// SQLiteGraph is the GraphStore view of a SQLiteStore
type SQLiteGraph struct {
	store *SQLiteStore
}

var _ GraphStore = (*SQLiteGraph)(nil)

const entityColumns = "id, kind, name, file_path, start_line, end_line, metadata"

func (g *SQLiteGraph) UpsertEntities(ctx context.Context, batch []types.Entity) error {
	if len(batch) == 0 {
		return nil
	}
	if err := types.ValidateEntities(batch); err != nil {
		return err
	}
	return g.store.withTx(ctx, func(q querier) error {
		return upsertEntitiesWithQuerier(ctx, q, batch)
	})
}

func upsertEntitiesWithQuerier(ctx context.Context, q querier, batch []types.Entity) error {
	stmt, err := q.PrepareContext(ctx, `
		INSERT INTO entities (id, kind, name, file_path, start_line, end_line, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			file_path = excluded.file_path,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare entity upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now()
	for i := range batch {
		e := &batch[i]
		meta, err := e.Metadata.Encode()
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, e.ID, string(e.Kind), e.Name, e.FilePath,
			e.Span.StartLine, e.Span.EndLine, meta, now); err != nil {
			return fmt.Errorf("failed to upsert entity %s: %w", e.ID, err)
		}
	}
	return nil
}

func (g *SQLiteGraph) UpsertRelationships(ctx context.Context, batch []types.Relationship) ([]types.Relationship, error) {
	return g.ReplaceOutgoing(ctx, nil, nil, batch)
}

func (g *SQLiteGraph) ReplaceOutgoing(ctx context.Context, sourceIDs []string, kinds []types.RelationKind, batch []types.Relationship) ([]types.Relationship, error) {
	var rejected []types.Relationship
	err := g.store.withTx(ctx, func(q querier) error {
		rejected = nil
		if err := deleteOutgoingWithQuerier(ctx, q, sourceIDs, kinds); err != nil {
			return err
		}
		var err error
		rejected, err = insertRelationshipsWithQuerier(ctx, q, batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

func deleteOutgoingWithQuerier(ctx context.Context, q querier, sourceIDs []string, kinds []types.RelationKind) error {
	if len(sourceIDs) == 0 {
		return nil
	}
	kindArgs := make([]any, len(kinds))
	for i, k := range kinds {
		kindArgs[i] = string(k)
	}
	return inBatches(sourceIDs, maxParams, func(ids []string) error {
		query := "DELETE FROM relationships WHERE source_id IN (" + placeholders(len(ids)) + ")"
		args := stringArgs(ids)
		if len(kinds) > 0 {
			query += " AND kind IN (" + placeholders(len(kinds)) + ")"
			args = append(args, kindArgs...)
		}
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete relationships: %w", err)
		}
		return nil
	})
}

func insertRelationshipsWithQuerier(ctx context.Context, q querier, batch []types.Relationship) ([]types.Relationship, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	stmt, err := q.PrepareContext(ctx, `
		INSERT INTO relationships (source_id, target_id, kind, confidence)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, kind) DO UPDATE SET confidence = excluded.confidence
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare relationship upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	exists := make(map[string]bool)
	known := func(id string) (bool, error) {
		if ok, seen := exists[id]; seen {
			return ok, nil
		}
		var n int
		if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities WHERE id = ?", id).Scan(&n); err != nil {
			return false, err
		}
		exists[id] = n > 0
		return n > 0, nil
	}

	var rejected []types.Relationship
	for _, r := range batch {
		if r.Validate() != nil {
			rejected = append(rejected, r)
			continue
		}
		srcOK, err := known(r.SourceID)
		if err != nil {
			return nil, err
		}
		dstOK, err := known(r.TargetID)
		if err != nil {
			return nil, err
		}
		if !srcOK || !dstOK {
			rejected = append(rejected, r)
			continue
		}
		if _, err := stmt.ExecContext(ctx, r.SourceID, r.TargetID, string(r.Kind), r.Confidence); err != nil {
			return nil, fmt.Errorf("failed to upsert relationship %s: %w", r.Key(), err)
		}
	}
	return rejected, nil
}

func (g *SQLiteGraph) Neighborhood(ctx context.Context, id string, kinds []types.RelationKind, maxDepth, maxFanout int) ([]types.Neighbor, error) {
	q := g.store.querier()
	if _, err := getEntityWithQuerier(ctx, q, id); err != nil {
		return nil, err
	}

	kindClause := ""
	var kindArgs []any
	if len(kinds) > 0 {
		kindClause = " AND kind IN (" + placeholders(len(kinds)) + ")"
		for _, k := range kinds {
			kindArgs = append(kindArgs, string(k))
		}
	}
	query := "SELECT source_id, target_id, confidence FROM relationships WHERE (source_id = ? OR target_id = ?)" + kindClause

	next := func(ctx context.Context, node string) ([]adjacent, error) {
		args := append([]any{node, node}, kindArgs...)
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query relationships: %w", err)
		}
		defer func() { _ = rows.Close() }()

		var out []adjacent
		for rows.Next() {
			var src, dst string
			var confidence float64
			if err := rows.Scan(&src, &dst, &confidence); err != nil {
				return nil, err
			}
			other := dst
			if other == node {
				other = src
			}
			out = append(out, adjacent{id: other, confidence: confidence})
		}
		return out, rows.Err()
	}

	order, hops, err := walk(ctx, id, maxDepth, maxFanout, next)
	if err != nil {
		return nil, err
	}

	entities, err := getEntitiesWithQuerier(ctx, q, order)
	if err != nil {
		return nil, err
	}
	out := make([]types.Neighbor, 0, len(order))
	for _, nid := range order {
		if e, ok := entities[nid]; ok {
			out = append(out, types.Neighbor{Entity: e, Hops: hops[nid]})
		}
	}
	sortNeighbors(out)
	return out, nil
}

func (g *SQLiteGraph) GetEntity(ctx context.Context, id string) (types.Entity, error) {
	return getEntityWithQuerier(ctx, g.store.querier(), id)
}

func getEntityWithQuerier(ctx context.Context, q querier, id string) (types.Entity, error) {
	row := q.QueryRowContext(ctx, "SELECT "+entityColumns+" FROM entities WHERE id = ?", id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Entity{}, fmt.Errorf("entity %s: %w", id, types.ErrNotFound)
	}
	return e, err
}

func getEntitiesWithQuerier(ctx context.Context, q querier, ids []string) (map[string]types.Entity, error) {
	out := make(map[string]types.Entity, len(ids))
	err := inBatches(ids, maxParams, func(batch []string) error {
		list, err := queryEntities(ctx, q, "SELECT "+entityColumns+" FROM entities WHERE id IN ("+placeholders(len(batch))+")", stringArgs(batch)...)
		if err != nil {
			return err
		}
		for _, e := range list {
			out[e.ID] = e
		}
		return nil
	})
	return out, err
}

func (g *SQLiteGraph) FileEntities(ctx context.Context) ([]types.Entity, error) {
	return queryEntities(ctx, g.store.querier(),
		"SELECT "+entityColumns+" FROM entities WHERE kind = ? ORDER BY file_path", string(types.KindFile))
}

func (g *SQLiteGraph) EntitiesByFile(ctx context.Context, filePath string) ([]types.Entity, error) {
	return queryEntities(ctx, g.store.querier(),
		"SELECT "+entityColumns+" FROM entities WHERE file_path = ? ORDER BY id", filePath)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (types.Entity, error) {
	var e types.Entity
	var kind, meta string
	if err := row.Scan(&e.ID, &kind, &e.Name, &e.FilePath, &e.Span.StartLine, &e.Span.EndLine, &meta); err != nil {
		return types.Entity{}, err
	}
	e.Kind = types.EntityKind(kind)
	m, err := types.DecodeMetadata(meta)
	if err != nil {
		return types.Entity{}, fmt.Errorf("entity %s: %w", e.ID, err)
	}
	e.Metadata = m
	return e, nil
}

func queryEntities(ctx context.Context, q querier, query string, args ...any) ([]types.Entity, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (g *SQLiteGraph) Relationships(ctx context.Context, entityID string) ([]types.Relationship, error) {
	rows, err := g.store.querier().QueryContext(ctx,
		"SELECT source_id, target_id, kind, confidence FROM relationships WHERE source_id = ? OR target_id = ?",
		entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Relationship
	for rows.Next() {
		var r types.Relationship
		var kind string
		if err := rows.Scan(&r.SourceID, &r.TargetID, &kind, &r.Confidence); err != nil {
			return nil, err
		}
		r.Kind = types.RelationKind(kind)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRelationships(out)
	return out, nil
}

func (g *SQLiteGraph) DeleteFile(ctx context.Context, filePath string) error {
	if _, err := g.store.querier().ExecContext(ctx, "DELETE FROM entities WHERE file_path = ?", filePath); err != nil {
		return fmt.Errorf("failed to delete entities of %s: %w", filePath, err)
	}
	return nil
}

func (g *SQLiteGraph) Counts(ctx context.Context) (GraphCounts, error) {
	q := g.store.querier()
	c := GraphCounts{ByKind: make(map[types.EntityKind]int)}

	rows, err := q.QueryContext(ctx, "SELECT kind, COUNT(*) FROM entities GROUP BY kind")
	if err != nil {
		return c, fmt.Errorf("failed to count entities: %w", err)
	}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			_ = rows.Close()
			return c, err
		}
		c.ByKind[types.EntityKind(kind)] = n
		c.Entities += n
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return c, err
	}
	c.Files = c.ByKind[types.KindFile]

	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM relationships").Scan(&c.Relationships); err != nil {
		return c, fmt.Errorf("failed to count relationships: %w", err)
	}
	return c, nil
}

// Close closes the underlying store
func (g *SQLiteGraph) Close() error {
	return g.store.Close()
}
