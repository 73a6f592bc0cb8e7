// Package types provides the data model shared by every coderag component.
//
// Entities and relationships form a directed property graph of a repository:
//
//	file := types.NewEntity(types.KindFile, "a.py", "a.py", "a.py", types.Span{StartLine: 1, EndLine: 3})
//	fn := types.NewEntity(types.KindFunction, "foo", "a.py", "a.foo", types.Span{StartLine: 1, EndLine: 2})
//	rel := types.Relationship{SourceID: file.ID, TargetID: fn.ID, Kind: types.RelDefines, Confidence: 1}
//
// Entity ids hash the repository relative path and the qualified name, and
// chunk ids hash the path and byte offsets, so re-ingesting an unchanged file
// reproduces the same ids.
//
// Chunks are the unit of semantic indexing. An EmbeddedChunk pairs a chunk
// with the vector produced by one embedding model; several models may hold
// vectors for the same chunk while a migration is in progress.
//
// The package also defines the error taxonomy used across the pipeline and
// the query engine (ErrStoreUnavailable, ErrEmbeddingUnavailable, ...).
package types
