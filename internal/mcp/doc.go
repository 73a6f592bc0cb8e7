// Package mcp exposes the ingestion pipeline and the query engine as Model
// Context Protocol tools over stdio.
//
// Tools:
//   - ingest_repository: start (or, with wait, run) an ingestion of a repository
//   - ingestion_status: report the progress of an ingestion job
//   - query_evidence: answer a question with a token-budgeted evidence set
//   - index_status: report what is indexed for a repository
//
// # Tool: query_evidence
//
//	Request:
//	{
//	  "name": "query_evidence",
//	  "arguments": {
//	    "path": "/path/to/repo",
//	    "question": "where are retries configured",
//	    "max_hops": 2,
//	    "token_budget": 4000
//	  }
//	}
//
//	Response:
//	{
//	  "items": [
//	    {
//	      "rank": 1,
//	      "score": 0.81,
//	      "similarity": 0.73,
//	      "hops": 0,
//	      "chunk": {"file": "internal/retry/retry.go", "start_line": 12, "end_line": 40, ...},
//	      "content": "..."
//	    }
//	  ],
//	  "total_tokens": 1830,
//	  "candidate_count": 14
//	}
//
// Degraded answers carry graph_expansion_skipped, vector_search_skipped or
// cancelled flags.
//
// # Error Handling
//
// Handlers return *MCPError values which the framework encodes as JSON-RPC
// errors:
//   - -32602: invalid params
//   - -32603: internal error
//   - -32001: ingestion job not found
//   - -32002: ingestion already running for the repository
//   - -32003: repository not ingested
//   - -32004: empty question
//   - -32005: embedder unavailable
//   - -32006: store unavailable
//
// Logs go to stderr; stdout is reserved for the protocol.
package mcp
