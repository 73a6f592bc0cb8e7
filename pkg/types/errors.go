package types

import "errors"

// Error taxonomy shared by the pipeline, the stores and the query engine
var (
	// ErrParseFailure marks a file that degraded to a File-only entity
	ErrParseFailure = errors.New("parse failure")
	// ErrDanglingRelationship marks a relationship whose endpoint does not exist
	ErrDanglingRelationship = errors.New("dangling relationship")
	// ErrStoreUnavailable is returned when a backend stays unreachable after retries
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrEmbeddingUnavailable is returned when the embedder cannot produce a vector
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrQueryCancelled is returned when a query is cancelled before anything was ranked
	ErrQueryCancelled = errors.New("query cancelled")

	ErrNotFound            = errors.New("not found")
	ErrInvalidEntity       = errors.New("invalid entity")
	ErrInvalidRelationship = errors.New("invalid relationship")
	ErrInvalidK            = errors.New("k must be >= 1")
	ErrDimensionMismatch   = errors.New("vector dimension mismatch")
)
