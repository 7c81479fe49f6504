package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/icarus/pkg/config"
	"github.com/orneryd/icarus/pkg/connector"
	"github.com/orneryd/icarus/pkg/indicator"
	"github.com/orneryd/icarus/pkg/layout"
	"github.com/orneryd/icarus/pkg/linker"
	"github.com/orneryd/icarus/pkg/storage"
)

// gcInterval is how often watch runs Badger value log GC.
const gcInterval = 5 * time.Minute

func runLink(cmd *cobra.Command, args []string) error {
	passes, _ := cmd.Flags().GetInt("passes")
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	engine, err := loadEngine(args[0])
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("🔗 Linking %s\n", args[0])
	manager := linker.New(engine, cfg.LinkerConfig(), linker.WithLogger(logger))
	for i := 0; i < passes; i++ {
		res, err := manager.Evaluate(ctx)
		if err != nil {
			return fmt.Errorf("evaluating: %w", err)
		}
		fmt.Printf("   Pass %d: %d entities, %d shared pairs, +%d / -%d edges, %d relabeled\n",
			i+1, res.Nodes, res.Active, res.Created, res.Retired, res.Refreshed)
	}

	return saveEngine(engine, outputPath(cmd, args[0]))
}

func runLayout(cmd *cobra.Command, args []string) error {
	link, _ := cmd.Flags().GetBool("link")
	gridThreshold, _ := cmd.Flags().GetInt("grid-threshold")
	entitiesOnly, _ := cmd.Flags().GetBool("entities-only")

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	engine, err := loadEngine(args[0])
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signalContext()
	defer stop()

	if link {
		fmt.Println("🔗 Linking entities...")
		res, err := linker.New(engine, cfg.LinkerConfig(), linker.WithLogger(logger)).Evaluate(ctx)
		if err != nil {
			return fmt.Errorf("evaluating: %w", err)
		}
		fmt.Printf("   ✅ %d inferred edges created\n", res.Created)
	}

	layoutConfig := cfg.LayoutConfig()
	if gridThreshold >= 0 {
		layoutConfig.GridThreshold = gridThreshold
	}
	if entitiesOnly {
		layoutConfig.EntitiesOnly = true
	}

	fmt.Printf("📐 Laying out %s\n", args[0])
	res, err := layout.New(engine, layoutConfig, layout.WithLogger(logger)).Apply(ctx)
	if err != nil {
		return fmt.Errorf("applying layout: %w", err)
	}
	if res.Skipped {
		fmt.Println("   ⚠️  Fewer than 2 nodes, nothing to do")
		return nil
	}
	fmt.Printf("   ✅ %d nodes, %d edges, k=%.0f (%s)\n", res.Nodes, res.Edges, res.K, res.Duration.Round(time.Millisecond))

	return saveEngine(engine, outputPath(cmd, args[0]))
}

type connectFunc func(c *connector.Connector, ids []storage.NodeID, label string) ([]storage.EdgeID, error)

func connectPair(c *connector.Connector, ids []storage.NodeID, label string) ([]storage.EdgeID, error) {
	id, err := c.Connect(ids[0], ids[1], label)
	if err != nil || id == "" {
		return nil, err
	}
	return []storage.EdgeID{id}, nil
}

func connectChain(c *connector.Connector, ids []storage.NodeID, label string) ([]storage.EdgeID, error) {
	return c.ConnectSequence(ids, label)
}

func connectMesh(c *connector.Connector, ids []storage.NodeID, _ string) ([]storage.EdgeID, error) {
	return c.ConnectMesh(ids)
}

func runConnect(fn connectFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()

		engine, err := loadEngine(args[0])
		if err != nil {
			return err
		}
		defer engine.Close()

		ids := make([]storage.NodeID, 0, len(args)-1)
		for _, a := range args[1:] {
			ids = append(ids, storage.NodeID(a))
		}

		c := connector.New(engine, cfg.ConnectorConfig(), connector.WithLogger(logger))
		created, err := fn(c, ids, label)
		if err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		fmt.Printf("✅ Created %d edge(s)\n", len(created))
		for _, id := range created {
			fmt.Printf("   • %s\n", id)
		}

		return saveEngine(engine, outputPath(cmd, args[0]))
	}
}

func runExtract(cmd *cobra.Command, args []string) error {
	source, _ := cmd.Flags().GetString("type")

	out := struct {
		EntityType indicator.EntityType `yaml:"entity_type"`
		Indicators indicator.Set        `yaml:"indicators"`
	}{
		EntityType: indicator.EntityTypeFor(source),
		Indicators: indicator.Extract(args[0], source),
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	return enc.Close()
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	doc, err := storage.LoadDocument(args[0])
	if err != nil {
		return err
	}

	engine, err := openBadger(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	fmt.Printf("📥 Importing %s\n", args[0])
	if err := storage.ImportDocument(engine, doc); err != nil {
		return fmt.Errorf("importing: %w", err)
	}
	fmt.Printf("   ✅ Imported %d nodes, %d edges\n", len(doc.Nodes), len(doc.Edges))
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	formatFlag, _ := cmd.Flags().GetString("format")
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	format := storage.FormatForPath(args[0])
	if formatFlag != "" {
		if format, err = storage.ParseFormat(formatFlag); err != nil {
			return err
		}
	}

	engine, err := openBadger(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	doc, err := storage.ExportDocument(engine)
	if err != nil {
		return fmt.Errorf("exporting: %w", err)
	}

	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("creating %s: %w", args[0], err)
	}
	if err := storage.WriteDocument(f, doc, format); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", args[0], err)
	}

	fmt.Printf("📤 Exported %d nodes, %d edges to %s\n", len(doc.Nodes), len(doc.Edges), args[0])
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	docPath, _ := cmd.Flags().GetString("doc")
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	engine, err := openBadger(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	if docPath != "" {
		if err := importIfEmpty(engine, docPath); err != nil {
			return err
		}
	}

	ctx, stop := signalContext()
	defer stop()

	manager := linker.New(engine, cfg.LinkerConfig(), linker.WithLogger(logger))
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting linker: %w", err)
	}

	fmt.Printf("👀 Watching (full pass every %s, reactive=%v)\n", cfg.Linker.Interval, cfg.Linker.Reactive)
	fmt.Println("Press Ctrl+C to stop")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := manager.Evaluate(gctx)
		if err != nil && gctx.Err() == nil {
			return fmt.Errorf("initial pass: %w", err)
		}
		fmt.Printf("   ✅ Initial pass: %d inferred edges created, %d adopted\n", res.Created, res.Adopted)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := engine.RunGC(); err != nil {
					logger.Warn("value log gc failed", zap.Error(err))
				}
			}
		}
	})
	waitErr := g.Wait()

	fmt.Println("\n🛑 Shutting down...")
	manager.Stop()
	stats := manager.GetStats()
	fmt.Printf("   Passes: %d full, %d incremental\n", stats.Passes, stats.IncrementalPasses)
	fmt.Printf("   Edges:  +%d created, -%d retired, %d relabeled\n", stats.Created, stats.Retired, stats.LabelsRefreshed)

	if waitErr != nil {
		return waitErr
	}
	if err := engine.Sync(); err != nil {
		return fmt.Errorf("syncing store: %w", err)
	}
	if docPath != "" {
		if err := saveEngine(engine, docPath); err != nil {
			return err
		}
	}
	fmt.Println("✅ Stopped gracefully")
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	engine, err := loadEngine(args[0])
	if err != nil {
		return err
	}
	defer engine.Close()

	nodes, err := engine.ListNodes()
	if err != nil {
		return err
	}
	edges, err := engine.ListEdges()
	if err != nil {
		return err
	}

	kinds := make(map[storage.NodeKind]int)
	var all indicator.Set
	for _, n := range nodes {
		kinds[n.Kind]++
		all.Merge(n.Indicators)
	}
	edgeKinds := make(map[storage.EdgeKind]int)
	for _, e := range edges {
		edgeKinds[e.Kind]++
	}

	fmt.Printf("📊 %s\n", args[0])
	fmt.Printf("   Nodes: %d (%s)\n", len(nodes), formatCounts(kinds))
	fmt.Printf("   Edges: %d (%s)\n", len(edges), formatCounts(edgeKinds))
	fmt.Println("   Distinct indicators:")
	for _, c := range indicator.Categories {
		fmt.Printf("     • %-9s %d\n", c, len(all.Values(c)))
	}
	return nil
}

func formatCounts[K ~string](counts map[K]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %d", k, counts[K(k)])
	}
	return strings.Join(parts, ", ")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func outputPath(cmd *cobra.Command, input string) string {
	if out, _ := cmd.Flags().GetString("output"); out != "" {
		return out
	}
	return input
}

// loadEngine reads a document into a fresh memory engine.
func loadEngine(path string) (*storage.MemoryEngine, error) {
	doc, err := storage.LoadDocument(path)
	if err != nil {
		return nil, err
	}
	engine := storage.NewMemoryEngine()
	if err := storage.ImportDocument(engine, doc); err != nil {
		engine.Close()
		return nil, fmt.Errorf("importing %s: %w", path, err)
	}
	return engine, nil
}

func saveEngine(engine storage.Engine, path string) error {
	doc, err := storage.ExportDocument(engine)
	if err != nil {
		return fmt.Errorf("exporting: %w", err)
	}
	if err := storage.SaveDocument(path, doc); err != nil {
		return err
	}
	fmt.Printf("💾 Saved %s\n", path)
	return nil
}

func openBadger(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger) (*storage.BadgerEngine, error) {
	opts := cfg.BadgerOptions()
	opts.Logger = logger.Named("badger")
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		opts.DataDir = dataDir
		opts.InMemory = false
	}
	if !opts.InMemory {
		if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	engine, err := storage.NewBadgerEngineWithOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return engine, nil
}

// importIfEmpty loads a document into engine unless it already holds nodes.
func importIfEmpty(engine storage.Engine, path string) error {
	count, err := engine.NodeCount()
	if err != nil {
		return err
	}
	if count > 0 {
		fmt.Printf("📂 Store already holds %d nodes, skipping import of %s\n", count, path)
		return nil
	}

	doc, err := storage.LoadDocument(path)
	if err != nil {
		return err
	}
	if err := storage.ImportDocument(engine, doc); err != nil {
		return fmt.Errorf("importing %s: %w", path, err)
	}
	fmt.Printf("📥 Imported %d nodes, %d edges from %s\n", len(doc.Nodes), len(doc.Edges), path)
	return nil
}
