package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/coderag/internal/pipeline"
	"github.com/dshills/coderag/internal/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"a.py": "def foo():\n    bar()\n",
		"b.py": "def bar():\n    pass\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}
	return root
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "coderag "+version)
	assert.Contains(t, out, "Build Mode: "+storage.BuildMode)
	assert.Contains(t, out, "SQLite Driver: "+storage.DriverName)
}

func TestIngestQueryStatus(t *testing.T) {
	repo := writeRepo(t)
	indexDir := t.TempDir()

	out, err := execute(t, "ingest", repo+"@1", "--index-dir", indexDir, "--format", "json")
	require.NoError(t, err)
	var st pipeline.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, pipeline.StageComplete, st.Stage)
	assert.Equal(t, 2, st.FilesProcessed)
	assert.Equal(t, int64(1), st.Revision)

	out, err = execute(t, "query", repo, "who", "calls", "bar", "--index-dir", indexDir)
	require.NoError(t, err)
	assert.Contains(t, out, ".py:")
	assert.Contains(t, out, "items,")

	out, err = execute(t, "status", repo, "--index-dir", indexDir)
	require.NoError(t, err)
	assert.Contains(t, out, "Files:         2")
	assert.Contains(t, out, "(current)")
}

func TestIngestUnchangedRepositoryIsNoOp(t *testing.T) {
	repo := writeRepo(t)
	indexDir := t.TempDir()

	_, err := execute(t, "ingest", repo+"@1", "--index-dir", indexDir)
	require.NoError(t, err)

	out, err := execute(t, "ingest", repo+"@2", "--index-dir", indexDir)
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing changed")
}

func TestStatusOfUnindexedRepository(t *testing.T) {
	out, err := execute(t, "status", writeRepo(t), "--index-dir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "Not indexed")
}

func TestInvalidFlags(t *testing.T) {
	_, err := execute(t, "status", t.TempDir(), "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")

	_, err = execute(t, "status", t.TempDir(), "--graph-backend", "neo4j", "--index-dir", t.TempDir())
	assert.ErrorContains(t, err, "graph_backend")

	_, err = execute(t, "ingest", "", "--index-dir", t.TempDir())
	assert.Error(t, err)
}
