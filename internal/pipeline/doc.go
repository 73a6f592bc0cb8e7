// Package pipeline ingests a repository into the graph store and the vector
// index.
//
// A run moves through Discovering, Extracting, Embedding and Indexing to
// Complete, or stops in Failed with the stage that failed. Files are
// compared with the stored File entities by content hash, so re-running on
// an unchanged tree writes nothing. A failing file is recorded in the
// status and the run continues; the run fails only when no changed file
// could be indexed or a store stays unavailable.
//
// Ingest starts a run in the background and returns a job id for Status and
// Wait. One run at a time is allowed per Pipeline.
package pipeline
