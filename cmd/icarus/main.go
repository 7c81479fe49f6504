// Package main provides the Icarus CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orneryd/icarus/pkg/config"
	"github.com/orneryd/icarus/pkg/logging"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "icarus",
		Short: "Icarus - graph relationship engine for investigation canvases",
		Long: `Icarus keeps an investigation canvas wired and readable.

Features:
  • Automatic links between entities sharing emails, IPs, wallets, usernames or domains
  • Manual pair, chain and mesh connections with graph-wide dedup
  • Force-directed layout centered on the viewport
  • YAML/JSON canvas documents and a persistent Badger store`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (console, json)")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Icarus v%s (%s)\n", version, commit)
		},
	})

	// Link command
	linkCmd := &cobra.Command{
		Use:   "link [document]",
		Short: "Infer relationship edges between entities sharing indicators",
		Args:  cobra.ExactArgs(1),
		RunE:  runLink,
	}
	linkCmd.Flags().StringP("output", "o", "", "Output document (default: overwrite input)")
	linkCmd.Flags().Int("passes", 1, "Number of evaluation passes")
	rootCmd.AddCommand(linkCmd)

	// Layout command
	layoutCmd := &cobra.Command{
		Use:   "layout [document]",
		Short: "Arrange nodes with a force-directed layout",
		Args:  cobra.ExactArgs(1),
		RunE:  runLayout,
	}
	layoutCmd.Flags().StringP("output", "o", "", "Output document (default: overwrite input)")
	layoutCmd.Flags().Bool("link", false, "Infer relationship edges before layout")
	layoutCmd.Flags().Int("grid-threshold", -1, "Node count at which grid repulsion starts (0 disables)")
	layoutCmd.Flags().Bool("entities-only", false, "Only lay out entity nodes")
	rootCmd.AddCommand(layoutCmd)

	// Connect command
	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "Create manual edges",
	}
	for _, sub := range []*cobra.Command{
		{
			Use:   "pair [document] [a] [b]",
			Short: "Connect two nodes",
			Args:  cobra.ExactArgs(3),
			RunE:  runConnect(connectPair),
		},
		{
			Use:   "chain [document] [ids...]",
			Short: "Connect nodes in sequence (A-B, B-C, ...)",
			Args:  cobra.MinimumNArgs(3),
			RunE:  runConnect(connectChain),
		},
		{
			Use:   "mesh [document] [ids...]",
			Short: "Connect every pair not already connected",
			Args:  cobra.MinimumNArgs(3),
			RunE:  runConnect(connectMesh),
		},
	} {
		sub.Flags().StringP("output", "o", "", "Output document (default: overwrite input)")
		sub.Flags().String("label", "", "Edge label")
		connectCmd.AddCommand(sub)
	}
	rootCmd.AddCommand(connectCmd)

	// Extract command
	extractCmd := &cobra.Command{
		Use:   "extract [value]",
		Short: "Classify a raw value into indicators",
		Args:  cobra.ExactArgs(1),
		RunE:  runExtract,
	}
	extractCmd.Flags().String("type", "", "Source type (email, ip, btc, username, domain, social, ...)")
	rootCmd.AddCommand(extractCmd)

	// Import command
	importCmd := &cobra.Command{
		Use:   "import [document]",
		Short: "Load a canvas document into the Badger store",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	importCmd.Flags().String("data-dir", "", "Data directory (default from config)")
	rootCmd.AddCommand(importCmd)

	// Export command
	exportCmd := &cobra.Command{
		Use:   "export [document]",
		Short: "Write the Badger store to a canvas document",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	exportCmd.Flags().String("data-dir", "", "Data directory (default from config)")
	exportCmd.Flags().String("format", "", "Output format: yaml or json (default from extension)")
	rootCmd.AddCommand(exportCmd)

	// Watch command
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the Badger store linked until interrupted",
		RunE:  runWatch,
	}
	watchCmd.Flags().String("data-dir", "", "Data directory (default from config)")
	watchCmd.Flags().String("doc", "", "Import this document on start and export back on exit")
	rootCmd.AddCommand(watchCmd)

	// Stats command
	statsCmd := &cobra.Command{
		Use:   "stats [document]",
		Short: "Show node, edge and indicator counts",
		Args:  cobra.ExactArgs(1),
		RunE:  runStats,
	}
	rootCmd.AddCommand(statsCmd)

	return rootCmd
}

// setup loads configuration and builds the logger, applying the global flags
// on top of the config file and environment.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("configuration loaded", zap.Stringer("config", cfg))
	return cfg, logger, nil
}
