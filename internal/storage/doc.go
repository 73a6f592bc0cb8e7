// Package storage persists the knowledge base of a repository: the entity
// graph and the vector index over code chunks.
//
// Two interfaces describe the stores:
//
//   - GraphStore holds entities and typed, confidence-scored relationships,
//     rejects relationships whose endpoints do not exist, and answers bounded
//     breadth-first neighbourhood queries.
//   - VectorIndex holds embedded chunks per embedding model and answers
//     exact cosine-similarity searches with deterministic tie breaking.
//
// # Backends
//
// SQLiteStore keeps both in one database file per repository. The default
// build uses the pure Go modernc.org/sqlite driver and ranks vectors in Go.
// Building with the sqlite_vec tag switches to mattn/go-sqlite3 and ranks in
// SQL through a registered vec_distance_cosine function:
//
//	CGO_ENABLED=1 go build -tags sqlite_vec ./...
//
// MemoryGraph and MemoryVectors are in-process implementations used by tests
// and ephemeral indexes. PGVectorIndex stores vectors in Postgres with the
// pgvector extension and can be combined with any GraphStore.
//
// # Database Schema
//
// Tables, created by semver-ordered migrations:
//   - entities, relationships: the graph; relationships cascade on entity delete
//   - chunks, chunk_entities: chunk text, location and overlapping entities
//   - vector_models: the fixed dimension of every embedding model
//   - embeddings: one vector per chunk per model
//
// # Basic Usage
//
//	store, err := storage.NewSQLiteStore(ctx, "~/.coderag/indices/repo.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	graph, vectors := store.Graph(), store.Vectors()
//	if err := graph.UpsertEntities(ctx, entities); err != nil {
//	    return err
//	}
//	rejected, err := graph.UpsertRelationships(ctx, relationships)
//	...
//	hits, err := vectors.Search(ctx, queryVector, 10, storage.Filter{Model: model})
//
// # Model Migration
//
// Vectors of several embedding models coexist. A new model is indexed next
// to the old one; DeleteModel removes the old vectors once the new ones are
// complete, so queries never see an empty index.
package storage
