package mcp

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/coderag/internal/app"
	"github.com/dshills/coderag/internal/logging"
)

const (
	// ServerName is the MCP server name
	ServerName = "coderag"
	// ServerVersion is the current server version
	ServerVersion = "0.1.0"
)

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp      *server.MCPServer
	registry *app.Registry
	log      *log.Logger
}

// NewServer creates a new MCP server over registry. The registry stays owned
// by the caller.
func NewServer(registry *app.Registry, logger *log.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer(
			ServerName,
			ServerVersion,
			server.WithToolCapabilities(false),
		),
		registry: registry,
		log:      logging.OrDiscard(logger),
	}
	s.registerTools()
	return s
}

// Serve runs the MCP protocol on stdin and stdout until ctx ends or the
// client disconnects
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.log.Info("mcp server listening on stdio", "name", ServerName, "version", ServerVersion)
	stdio := server.NewStdioServer(s.mcp)
	return stdio.Listen(ctx, in, out)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(ingestRepositoryTool(), s.handleIngestRepository)
	s.mcp.AddTool(ingestionStatusTool(), s.handleIngestionStatus)
	s.mcp.AddTool(queryEvidenceTool(), s.handleQueryEvidence)
	s.mcp.AddTool(indexStatusTool(), s.handleIndexStatus)
}
