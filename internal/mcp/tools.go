package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/coderag/internal/app"
	"github.com/dshills/coderag/internal/pipeline"
	"github.com/dshills/coderag/internal/query"
	"github.com/dshills/coderag/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams        = -32602 // Invalid method parameters
	ErrorCodeInternalError        = -32603 // Internal JSON-RPC error
	ErrorCodeJobNotFound          = -32001 // Unknown ingestion job id
	ErrorCodeIngestionInProgress  = -32002 // Another ingestion of the repository is running
	ErrorCodeNotIndexed           = -32003 // Repository not ingested
	ErrorCodeEmptyQuery           = -32004 // Question parameter is empty
	ErrorCodeEmbeddingUnavailable = -32005 // Embedder failed, no evidence can be produced
	ErrorCodeStoreUnavailable     = -32006 // Graph store or vector index unreachable
)

// maxErrorsReported bounds the file errors included in a status response
const maxErrorsReported = 5

// handleIngestRepository handles the ingest_repository tool invocation
func (s *Server) handleIngestRepository(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	path, err := requirePath(args)
	if err != nil {
		return nil, err
	}

	revision := getIntDefault(args, "revision", int(time.Now().Unix()))
	if revision < 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "revision must not be negative", map[string]interface{}{
			"param": "revision",
			"value": revision,
		})
	}
	ref := pipeline.Ref{Path: path, Revision: int64(revision)}

	if getBoolDefault(args, "wait", false) {
		st, err := s.registry.Run(ctx, ref)
		if err != nil && st.JobID == "" {
			return nil, toolError("ingestion failed", err)
		}
		return mcp.NewToolResultText(formatJSON(statusResponse(st))), nil
	}

	id, err := s.registry.Ingest(ctx, ref)
	if err != nil {
		return nil, toolError("ingestion failed to start", err)
	}
	s.log.Info("ingestion job started", "job", id, "repo", ref.Path, "revision", ref.Revision)

	response := map[string]interface{}{
		"job_id":   id,
		"repo":     ref.Path,
		"revision": ref.Revision,
		"stage":    pipeline.StageQueued,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleIngestionStatus handles the ingestion_status tool invocation
func (s *Server) handleIngestionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	id := getStringDefault(args, "job_id", "")
	if id == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "job_id parameter is required", map[string]interface{}{
			"param":  "job_id",
			"reason": "missing or empty",
		})
	}

	st, err := s.registry.Status(id)
	if err != nil {
		return nil, toolError("status unavailable", err)
	}
	return mcp.NewToolResultText(formatJSON(statusResponse(st))), nil
}

// handleQueryEvidence handles the query_evidence tool invocation
func (s *Server) handleQueryEvidence(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	path, err := requirePath(args)
	if err != nil {
		return nil, err
	}

	question := getStringDefault(args, "question", "")
	if question == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "question parameter is required and cannot be empty", map[string]interface{}{
			"param":  "question",
			"reason": "missing or empty",
		})
	}

	opts := app.QueryOptions{
		TopK:        getIntOptional(args, "top_k"),
		MaxHops:     getIntOptional(args, "max_hops"),
		MaxFanout:   getIntOptional(args, "max_fanout"),
		TokenBudget: getIntOptional(args, "token_budget"),
		Alpha:       getFloatOptional(args, "alpha"),
		Files:       getStringSlice(args, "files"),
		MinRevision: int64(getIntDefault(args, "min_revision", 0)),
		NoCache:     getBoolDefault(args, "no_cache", false),
	}
	if opts.TopK != nil && (*opts.TopK < 1 || *opts.TopK > 100) {
		return nil, newMCPError(ErrorCodeInvalidParams, "top_k must be between 1 and 100", map[string]interface{}{
			"param": "top_k",
			"value": *opts.TopK,
		})
	}

	stats, err := s.registry.Stats(ctx, path)
	if err != nil {
		return nil, toolError("failed to open index", err)
	}
	if !stats.Indexed {
		return nil, newMCPError(ErrorCodeNotIndexed, "repository has not been ingested", map[string]interface{}{
			"path":       path,
			"suggestion": "run ingest_repository first",
		})
	}

	start := time.Now()
	set, err := s.registry.Query(ctx, path, question, opts)
	if err != nil {
		return nil, toolError("query failed", err)
	}
	s.log.Debug("query answered", "repo", path, "items", len(set.Items), "tokens", set.TotalTokens,
		"duration", time.Since(start))

	response := evidenceResponse(set)
	response["duration_ms"] = time.Since(start).Milliseconds()
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleIndexStatus handles the index_status tool invocation
func (s *Server) handleIndexStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	path, err := requirePath(args)
	if err != nil {
		return nil, err
	}

	stats, err := s.registry.Stats(ctx, path)
	if err != nil {
		return nil, toolError("failed to read index", err)
	}

	byKind := make(map[string]int, len(stats.Graph.ByKind))
	for kind, n := range stats.Graph.ByKind {
		byKind[string(kind)] = n
	}
	models := make([]map[string]interface{}, 0, len(stats.Models))
	for _, m := range stats.Models {
		models = append(models, map[string]interface{}{
			"model":     m.Model,
			"dimension": m.Dimension,
			"chunks":    m.Chunks,
		})
	}

	response := map[string]interface{}{
		"indexed": stats.Indexed,
		"running": stats.Running,
		"repo": map[string]interface{}{
			"root": stats.Root,
			"key":  stats.Key,
		},
		"graph": map[string]interface{}{
			"files":         stats.Graph.Files,
			"entities":      stats.Graph.Entities,
			"relationships": stats.Graph.Relationships,
			"by_kind":       byKind,
		},
		"embedding_model": stats.Model,
		"vectors":         models,
	}
	if n := len(stats.Jobs); n > 0 {
		response["last_job"] = statusResponse(stats.Jobs[n-1])
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

func statusResponse(st pipeline.Status) map[string]interface{} {
	response := map[string]interface{}{
		"job_id":                 st.JobID,
		"repo":                   st.Repo,
		"revision":               st.Revision,
		"model":                  st.Model,
		"stage":                  st.Stage,
		"no_op":                  st.NoOp,
		"files_discovered":       st.FilesDiscovered,
		"files_processed":        st.FilesProcessed,
		"files_failed":           st.FilesFailed,
		"files_skipped":          st.FilesSkipped,
		"files_ignored":          st.FilesIgnored,
		"files_deleted":          st.FilesDeleted,
		"parse_failures":         st.ParseFailures,
		"chunks_indexed":         st.ChunksIndexed,
		"relationships_written":  st.RelationshipsWritten,
		"relationships_rejected": st.RelationshipsRejected,
		"models_pruned":          st.ModelsPruned,
		"duration_ms":            st.Duration().Milliseconds(),
	}
	if st.Stage == pipeline.StageFailed {
		response["failed_stage"] = st.FailedStage
		response["error"] = st.Error
	}

	if len(st.Errors) > 0 {
		errs := st.Errors
		if len(errs) > maxErrorsReported {
			errs = errs[:maxErrorsReported]
			response["error_count"] = len(st.Errors)
		}
		list := make([]map[string]interface{}, 0, len(errs))
		for _, e := range errs {
			list = append(list, map[string]interface{}{
				"path":    e.Path,
				"stage":   e.Stage,
				"message": e.Message,
			})
		}
		response["errors"] = list
	}
	return response
}

func evidenceResponse(set *types.EvidenceSet) map[string]interface{} {
	items := make([]map[string]interface{}, 0, len(set.Items))
	for i, item := range set.Items {
		entry := map[string]interface{}{
			"rank":       i + 1,
			"score":      item.Score,
			"similarity": item.Similarity,
			"hops":       item.Hops,
			"chunk": map[string]interface{}{
				"id":         item.Chunk.ID,
				"file":       item.Chunk.FilePath,
				"start_line": item.Chunk.StartLine,
				"end_line":   item.Chunk.EndLine,
				"entity_id":  item.Chunk.EntityID,
				"revision":   item.Chunk.Revision,
				"tokens":     item.Chunk.TokenCount,
			},
			"content": item.Chunk.Text,
		}
		if item.Via != "" {
			entry["via"] = item.Via
		}
		items = append(items, entry)
	}

	response := map[string]interface{}{
		"items":           items,
		"total_tokens":    set.TotalTokens,
		"candidate_count": set.CandidateCount,
	}
	if set.GraphExpansionSkipped {
		response["graph_expansion_skipped"] = true
	}
	if set.VectorSearchSkipped {
		response["vector_search_skipped"] = true
	}
	if set.Cancelled {
		response["cancelled"] = true
	}
	return response
}

// toolError maps a domain error onto an MCP error code
func toolError(message string, err error) error {
	data := map[string]interface{}{"error": err.Error()}
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		return newMCPError(ErrorCodeIngestionInProgress, "an ingestion of this repository is already running", data)
	case errors.Is(err, types.ErrNotFound):
		return newMCPError(ErrorCodeJobNotFound, "ingestion job not found", data)
	case errors.Is(err, query.ErrInvalidRequest):
		return newMCPError(ErrorCodeInvalidParams, message, data)
	case errors.Is(err, types.ErrEmbeddingUnavailable):
		return newMCPError(ErrorCodeEmbeddingUnavailable, message, data)
	case errors.Is(err, types.ErrStoreUnavailable):
		return newMCPError(ErrorCodeStoreUnavailable, message, data)
	default:
		return newMCPError(ErrorCodeInternalError, message, data)
	}
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

func requirePath(args map[string]interface{}) (string, error) {
	path := getStringDefault(args, "path", "")
	if path == "" {
		return "", newMCPError(ErrorCodeInvalidParams, "path parameter is required", map[string]interface{}{
			"param":  "path",
			"reason": "missing or empty",
		})
	}
	if err := validatePath(path); err != nil {
		return "", newMCPError(ErrorCodeInvalidParams, "invalid path", map[string]interface{}{
			"param":  "path",
			"reason": err.Error(),
		})
	}
	return filepath.Clean(path), nil
}

// validatePath checks if a path exists and is a readable directory
func validatePath(path string) error {
	if path == "" {
		return ErrPathRequired
	}

	if !filepath.IsAbs(path) {
		return ErrPathNotAbsolute
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ErrPathNotFound
	}
	if err != nil {
		return ErrPathNotReadable
	}

	if !info.IsDir() {
		return ErrNotDirectory
	}

	f, err := os.Open(path)
	if err != nil {
		return ErrPathNotReadable
	}
	_ = f.Close()
	return nil
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val := getIntOptional(args, key); val != nil {
		return *val
	}
	return defaultValue
}

// getIntOptional extracts an integer parameter, nil when absent. JSON
// numbers arrive as float64.
func getIntOptional(args map[string]interface{}, key string) *int {
	switch val := args[key].(type) {
	case float64:
		n := int(val)
		return &n
	case int:
		return &val
	}
	return nil
}

func getFloatOptional(args map[string]interface{}, key string) *float64 {
	switch val := args[key].(type) {
	case float64:
		return &val
	case int:
		f := float64(val)
		return &f
	}
	return nil
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// getStringSlice extracts an array of strings, skipping non-string elements
func getStringSlice(args map[string]interface{}, key string) []string {
	switch val := args[key].(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Validation helpers

var (
	ErrPathRequired    = errors.New("path is required")
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathNotFound    = errors.New("path does not exist")
	ErrPathNotReadable = errors.New("path is not readable")
	ErrNotDirectory    = errors.New("path is not a directory")
)
