package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/coderag/internal/app"
	"github.com/dshills/coderag/pkg/types"
)

func newQueryCmd(c *cli) *cobra.Command {
	var opts app.QueryOptions
	cmd := &cobra.Command{
		Use:   "query <path> <question>",
		Short: "Answer a question with an evidence set from an ingested repository",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.query(cmd, args[0], strings.Join(args[1:], " "), opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.Files, "files", nil, "restrict results to these repository-relative paths")
	cmd.Flags().Int64Var(&opts.MinRevision, "min-revision", 0, "ignore chunks written before this revision")
	cmd.Flags().BoolVar(&opts.NoCache, "no-cache", false, "bypass the response cache")
	return cmd
}

func (c *cli) query(cmd *cobra.Command, root, question string, opts app.QueryOptions) error {
	registry, err := c.registry()
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	set, err := registry.Query(cmd.Context(), root, question, opts)
	if err != nil {
		return err
	}
	return c.printEvidence(cmd.OutOrStdout(), set)
}

func (c *cli) printEvidence(w io.Writer, set *types.EvidenceSet) error {
	if c.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(set)
	}

	if set.GraphExpansionSkipped {
		fmt.Fprintln(w, "warning: graph expansion skipped, results are vector-only")
	}
	if set.VectorSearchSkipped {
		fmt.Fprintln(w, "warning: vector search failed, no evidence available")
	}
	if set.Cancelled {
		fmt.Fprintln(w, "warning: query cancelled, results are partial")
	}
	if len(set.Items) == 0 {
		fmt.Fprintln(w, "No evidence found.")
		return nil
	}

	for i, item := range set.Items {
		ch := item.Chunk
		fmt.Fprintf(w, "#%d %s:%d-%d score=%.3f similarity=%.3f hops=%d tokens=%d",
			i+1, ch.FilePath, ch.StartLine, ch.EndLine, item.Score, item.Similarity, item.Hops, ch.TokenCount)
		if item.Via != "" {
			fmt.Fprintf(w, " via=%s", item.Via)
		}
		fmt.Fprintln(w)
		for _, line := range strings.Split(strings.TrimRight(ch.Text, "\n"), "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d items, %d tokens, %d candidates\n", len(set.Items), set.TotalTokens, set.CandidateCount)
	return nil
}
