package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/dshills/coderag/internal/app"
	"github.com/dshills/coderag/internal/config"
	"github.com/dshills/coderag/internal/logging"
	"github.com/dshills/coderag/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// cli holds the state shared by every subcommand once flags are parsed
type cli struct {
	cfg    *config.Config
	log    *log.Logger
	format string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "coderag",
		Short:         "Code knowledge graph and hybrid retrieval for repositories",
		Long:          "coderag ingests repositories into an entity graph and a vector index, and answers questions with token-budgeted evidence sets.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
	}

	config.RegisterFlags(root.PersistentFlags())
	root.PersistentFlags().StringVar(&c.format, "format", "text", "output format: text|json")

	root.AddCommand(
		newServeCmd(c),
		newIngestCmd(c),
		newQueryCmd(c),
		newStatusCmd(c),
		newVersionCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	if c.format != "text" && c.format != "json" {
		return fmt.Errorf("invalid format %q: must be text or json", c.format)
	}

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.log = logger
	return nil
}

func (c *cli) registry() (*app.Registry, error) {
	return app.New(c.cfg, c.log)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		// Skips configuration loading
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "coderag %s\n", version)
			fmt.Fprintf(out, "Build Time: %s\n", buildTime)
			fmt.Fprintf(out, "Build Mode: %s\n", storage.BuildMode)
			fmt.Fprintf(out, "SQLite Driver: %s\n", storage.DriverName)
			fmt.Fprintf(out, "Vector Extension: %v\n", storage.VectorExtensionAvailable)
		},
	}
}
