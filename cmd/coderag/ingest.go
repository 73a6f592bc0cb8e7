package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/coderag/internal/pipeline"
)

func newIngestCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <path[@revision]>",
		Short: "Ingest a repository into the graph and vector index",
		Long:  "Discovers, extracts, embeds and indexes every changed file of the repository. Without a revision the current Unix time is used.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ingest(cmd, args[0])
		},
	}
}

func (c *cli) ingest(cmd *cobra.Command, arg string) error {
	ref, err := pipeline.ParseRef(arg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := c.registry()
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	st, runErr := registry.Run(ctx, ref)
	if st.JobID != "" {
		if err := c.printStatus(cmd.OutOrStdout(), st); err != nil {
			return err
		}
	}
	return runErr
}

func (c *cli) printStatus(w io.Writer, st pipeline.Status) error {
	if c.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Fprintf(w, "Ingested %s in %s (job %s)\n", st.Repo, st.Duration().Round(time.Millisecond), st.JobID)
	fmt.Fprintf(w, "Stage:      %s\n", st.Stage)
	if st.Stage == pipeline.StageFailed {
		fmt.Fprintf(w, "Failed at:  %s: %s\n", st.FailedStage, st.Error)
	}
	if st.NoOp {
		fmt.Fprintln(w, "Nothing changed since the previous run")
	}
	fmt.Fprintf(w, "Files:      %d discovered, %d processed, %d skipped, %d ignored, %d deleted, %d failed\n",
		st.FilesDiscovered, st.FilesProcessed, st.FilesSkipped, st.FilesIgnored, st.FilesDeleted, st.FilesFailed)
	fmt.Fprintf(w, "Chunks:     %d\n", st.ChunksIndexed)
	fmt.Fprintf(w, "Relations:  %d written, %d rejected\n", st.RelationshipsWritten, st.RelationshipsRejected)
	if st.ParseFailures > 0 {
		fmt.Fprintf(w, "Unparsed:   %d files indexed as text\n", st.ParseFailures)
	}
	for _, e := range st.Errors {
		fmt.Fprintf(w, "  %s (%s): %s\n", e.Path, e.Stage, e.Message)
	}
	return nil
}
