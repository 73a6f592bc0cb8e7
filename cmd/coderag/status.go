package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dshills/coderag/internal/app"
	"github.com/dshills/coderag/pkg/types"
)

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <path>",
		Short: "Show what is indexed for a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.status(cmd, args[0])
		},
	}
}

func (c *cli) status(cmd *cobra.Command, root string) error {
	registry, err := c.registry()
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	stats, err := registry.Stats(cmd.Context(), root)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if c.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	printStats(cmd, stats)
	return nil
}

func printStats(cmd *cobra.Command, stats app.Stats) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Repository: %s (index %s)\n", stats.Root, stats.Key)
	if !stats.Indexed {
		fmt.Fprintln(w, "Not indexed")
		return
	}
	fmt.Fprintf(w, "Files:         %d\n", stats.Graph.Files)
	fmt.Fprintf(w, "Entities:      %d\n", stats.Graph.Entities)
	fmt.Fprintf(w, "Relationships: %d\n", stats.Graph.Relationships)

	kinds := make([]types.EntityKind, 0, len(stats.Graph.ByKind))
	for kind := range stats.Graph.ByKind {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, kind := range kinds {
		fmt.Fprintf(w, "  %-12s %d\n", kind, stats.Graph.ByKind[kind])
	}

	fmt.Fprintf(w, "Embedding model: %s\n", stats.Model)
	for _, m := range stats.Models {
		marker := ""
		if m.Model == stats.Model {
			marker = " (current)"
		}
		fmt.Fprintf(w, "  %s dim=%d chunks=%d%s\n", m.Model, m.Dimension, m.Chunks, marker)
	}
}
