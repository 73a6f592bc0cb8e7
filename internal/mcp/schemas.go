package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// ingestRepositoryTool returns the tool definition for ingest_repository
func ingestRepositoryTool() mcp.Tool {
	return mcp.Tool{
		Name:        "ingest_repository",
		Description: "Ingest a repository into the code knowledge graph and vector index",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path to the repository root",
				},
				"revision": map[string]interface{}{
					"type":        "integer",
					"description": "Revision number stamped on every chunk. Defaults to the current Unix time",
					"minimum":     0,
				},
				"wait": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, block until ingestion finishes and return the final status",
					"default":     false,
				},
			},
			Required: []string{"path"},
		},
	}
}

// ingestionStatusTool returns the tool definition for ingestion_status
func ingestionStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "ingestion_status",
		Description: "Get the status of an ingestion job started by ingest_repository",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"job_id": map[string]interface{}{
					"type":        "string",
					"description": "Job id returned by ingest_repository",
				},
			},
			Required: []string{"job_id"},
		},
	}
}

// queryEvidenceTool returns the tool definition for query_evidence
func queryEvidenceTool() mcp.Tool {
	return mcp.Tool{
		Name:        "query_evidence",
		Description: "Retrieve a token-budgeted set of code chunks relevant to a question, combining vector similarity with call-graph neighbours",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path to an ingested repository",
				},
				"question": map[string]interface{}{
					"type":        "string",
					"description": "Natural language question about the code",
				},
				"top_k": map[string]interface{}{
					"type":        "integer",
					"description": "Number of vector hits seeding the expansion (1-100)",
					"minimum":     1,
					"maximum":     100,
				},
				"max_hops": map[string]interface{}{
					"type":        "integer",
					"description": "Graph expansion depth. 0 disables expansion",
					"minimum":     0,
				},
				"max_fanout": map[string]interface{}{
					"type":        "integer",
					"description": "Neighbours followed per entity and hop",
					"minimum":     1,
				},
				"token_budget": map[string]interface{}{
					"type":        "integer",
					"description": "Upper bound on the total tokens of returned chunks",
					"minimum":     1,
				},
				"alpha": map[string]interface{}{
					"type":        "number",
					"description": "Weight of vector similarity against graph proximity (0-1)",
					"minimum":     0,
					"maximum":     1,
				},
				"files": map[string]interface{}{
					"type":        "array",
					"description": "Restrict results to these repository-relative file paths",
					"items": map[string]interface{}{
						"type": "string",
					},
				},
				"min_revision": map[string]interface{}{
					"type":        "integer",
					"description": "Ignore chunks written before this revision",
					"minimum":     0,
				},
				"no_cache": map[string]interface{}{
					"type":        "boolean",
					"description": "Bypass the response cache",
					"default":     false,
				},
			},
			Required: []string{"path", "question"},
		},
	}
}

// indexStatusTool returns the tool definition for index_status
func indexStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_status",
		Description: "Report what is indexed for a repository",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path to the repository root",
				},
			},
			Required: []string{"path"},
		},
	}
}
