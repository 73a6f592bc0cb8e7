package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/coderag/internal/mcp"
	"github.com/dshills/coderag/internal/storage"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Long:  "Serves ingest_repository, ingestion_status, query_evidence and index_status to MCP clients over stdin and stdout. Logs go to stderr.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd)
		},
	}
}

func (c *cli) serve(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.log.Info("coderag starting", "version", version, "build_mode", storage.BuildMode,
		"driver", storage.DriverName, "vector_extension", storage.VectorExtensionAvailable)

	registry, err := c.registry()
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			c.log.Error("failed to close indexes", "err", err)
		}
	}()

	server := mcp.NewServer(registry, c.log.WithPrefix("mcp"))
	err = server.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	c.log.Info("server stopped")
	return nil
}
