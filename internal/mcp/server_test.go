package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/coderag/internal/app"
	"github.com/dshills/coderag/internal/config"
	"github.com/dshills/coderag/internal/embedder"
	"github.com/dshills/coderag/internal/logging"
	"github.com/dshills/coderag/internal/pipeline"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	cfg := config.Default()
	cfg.IndexDir = t.TempDir()
	cfg.Storage.GraphBackend = config.BackendMemory
	cfg.Storage.VectorBackend = config.BackendMemory

	registry := app.NewWithEmbedder(cfg, embedder.NewLocalProvider(32), nil, logging.Discard())
	t.Cleanup(func() { _ = registry.Close() })

	root := t.TempDir()
	files := map[string]string{
		"a.py": "def foo():\n    bar()\n",
		"b.py": "def bar():\n    pass\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}
	return NewServer(registry, logging.Discard()), root
}

func call(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func decode(t *testing.T, res *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	var mcpErr *MCPError
	require.True(t, errors.As(err, &mcpErr), "expected MCPError, got %v", err)
	assert.Equal(t, code, mcpErr.Code)
}

func ingest(t *testing.T, s *Server, root string) map[string]interface{} {
	t.Helper()
	res, err := s.handleIngestRepository(context.Background(), call(map[string]interface{}{
		"path":     root,
		"revision": float64(1),
		"wait":     true,
	}))
	require.NoError(t, err)
	return decode(t, res)
}

func TestIngestRepository_Wait(t *testing.T) {
	s, root := newTestServer(t)

	out := ingest(t, s, root)
	assert.Equal(t, string(pipeline.StageComplete), out["stage"])
	assert.Equal(t, float64(2), out["files_processed"])
	assert.Equal(t, float64(1), out["revision"])
	assert.NotEmpty(t, out["job_id"])
}

func TestIngestRepository_AsyncJob(t *testing.T) {
	s, root := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleIngestRepository(ctx, call(map[string]interface{}{"path": root}))
	require.NoError(t, err)
	started := decode(t, res)
	id, ok := started["job_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, id)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = s.registry.Wait(waitCtx, id)
	require.NoError(t, err)

	res, err = s.handleIngestionStatus(ctx, call(map[string]interface{}{"job_id": id}))
	require.NoError(t, err)
	st := decode(t, res)
	assert.Equal(t, id, st["job_id"])
	assert.Equal(t, string(pipeline.StageComplete), st["stage"])
}

func TestIngestRepository_InvalidParams(t *testing.T) {
	s, root := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing path", map[string]interface{}{}},
		{"relative path", map[string]interface{}{"path": "relative/dir"}},
		{"missing directory", map[string]interface{}{"path": filepath.Join(root, "nope")}},
		{"file path", map[string]interface{}{"path": filepath.Join(root, "a.py")}},
		{"negative revision", map[string]interface{}{"path": root, "revision": float64(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.handleIngestRepository(ctx, call(tt.args))
			requireCode(t, err, ErrorCodeInvalidParams)
		})
	}

	var req mcp.CallToolRequest
	req.Params.Arguments = "not a map"
	_, err := s.handleIngestRepository(ctx, req)
	requireCode(t, err, ErrorCodeInvalidParams)
}

func TestIngestionStatus_UnknownJob(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.handleIngestionStatus(context.Background(), call(map[string]interface{}{"job_id": "missing"}))
	requireCode(t, err, ErrorCodeJobNotFound)

	_, err = s.handleIngestionStatus(context.Background(), call(map[string]interface{}{}))
	requireCode(t, err, ErrorCodeInvalidParams)
}

func TestQueryEvidence(t *testing.T) {
	s, root := newTestServer(t)
	ingest(t, s, root)

	res, err := s.handleQueryEvidence(context.Background(), call(map[string]interface{}{
		"path":     root,
		"question": "where is bar called",
		"max_hops": float64(1),
		"files":    []interface{}{"a.py", "b.py"},
	}))
	require.NoError(t, err)
	out := decode(t, res)

	items, ok := out["items"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, items)

	first := items[0].(map[string]interface{})
	assert.Equal(t, float64(1), first["rank"])
	chunk := first["chunk"].(map[string]interface{})
	assert.Contains(t, []interface{}{"a.py", "b.py"}, chunk["file"])
	assert.NotEmpty(t, first["content"])
	assert.LessOrEqual(t, out["total_tokens"].(float64), float64(config.Default().Query.TokenBudget))
	assert.NotContains(t, out, "graph_expansion_skipped")
}

func TestQueryEvidence_Errors(t *testing.T) {
	s, root := newTestServer(t)
	ctx := context.Background()

	_, err := s.handleQueryEvidence(ctx, call(map[string]interface{}{"path": root, "question": "foo"}))
	requireCode(t, err, ErrorCodeNotIndexed)

	ingest(t, s, root)

	_, err = s.handleQueryEvidence(ctx, call(map[string]interface{}{"path": root}))
	requireCode(t, err, ErrorCodeEmptyQuery)

	_, err = s.handleQueryEvidence(ctx, call(map[string]interface{}{
		"path": root, "question": "foo", "top_k": float64(500),
	}))
	requireCode(t, err, ErrorCodeInvalidParams)

	_, err = s.handleQueryEvidence(ctx, call(map[string]interface{}{
		"path": root, "question": "foo", "alpha": float64(2),
	}))
	requireCode(t, err, ErrorCodeInvalidParams)
}

func TestIndexStatus(t *testing.T) {
	s, root := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleIndexStatus(ctx, call(map[string]interface{}{"path": root}))
	require.NoError(t, err)
	before := decode(t, res)
	assert.Equal(t, false, before["indexed"])
	assert.NotContains(t, before, "last_job")

	ingest(t, s, root)

	res, err = s.handleIndexStatus(ctx, call(map[string]interface{}{"path": root}))
	require.NoError(t, err)
	after := decode(t, res)
	assert.Equal(t, true, after["indexed"])
	assert.Equal(t, "local:hash-32", after["embedding_model"])

	graph := after["graph"].(map[string]interface{})
	assert.Equal(t, float64(2), graph["files"])
	vectors := after["vectors"].([]interface{})
	require.Len(t, vectors, 1)
	assert.Contains(t, after, "last_job")
}

func TestToolError(t *testing.T) {
	requireCode(t, toolError("x", pipeline.ErrBusy), ErrorCodeIngestionInProgress)
	requireCode(t, toolError("x", errors.New("boom")), ErrorCodeInternalError)
}
