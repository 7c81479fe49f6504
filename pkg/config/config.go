// Package config loads Icarus configuration from a YAML file and environment
// variables.
//
// Values are layered in this order, later layers winning:
//  1. DefaultConfig()
//  2. The YAML file, when a path is given
//  3. ICARUS_* environment variables
//
// Example Usage:
//
//	cfg, err := config.Load("icarus.yaml")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	manager := linker.New(engine, cfg.LinkerConfig())
//
// Environment Variables:
//
// Linker:
//   - ICARUS_LINKER_INTERVAL=2s
//   - ICARUS_LINKER_LABEL_ITEMS=3
//   - ICARUS_LINKER_LABEL_MAX_LENGTH=40
//   - ICARUS_LINKER_REFRESH_LABELS=true
//   - ICARUS_LINKER_RESPECT_MANUAL_EDGES=true
//   - ICARUS_LINKER_RECONCILE_ORPHANS=true
//   - ICARUS_LINKER_REACTIVE=true
//
// Layout:
//   - ICARUS_LAYOUT_ITERATIONS=100
//   - ICARUS_LAYOUT_CHUNK_SIZE=10
//   - ICARUS_LAYOUT_GRID_THRESHOLD=250
//   - ICARUS_LAYOUT_ENTITIES_ONLY=false
//
// Storage and logging:
//   - ICARUS_STORAGE_DATA_DIR="./data"
//   - ICARUS_STORAGE_IN_MEMORY=false
//   - ICARUS_LOG_LEVEL="info"
//   - ICARUS_LOG_FORMAT="console"
//
// For a complete list, see the struct field tags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/icarus/pkg/connector"
	"github.com/orneryd/icarus/pkg/layout"
	"github.com/orneryd/icarus/pkg/linker"
	"github.com/orneryd/icarus/pkg/logging"
	"github.com/orneryd/icarus/pkg/storage"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ICARUS_"

// Config holds all Icarus configuration.
//
// Configuration is organized into sections, one per component:
//   - Linker: relationship edge manager
//   - Layout: force-directed layout
//   - Connector: manual edge creation
//   - Storage: Badger store location
//   - Logging: zap level and format
type Config struct {
	Linker    LinkerConfig    `yaml:"linker" envPrefix:"LINKER_"`
	Layout    LayoutConfig    `yaml:"layout" envPrefix:"LAYOUT_"`
	Connector ConnectorConfig `yaml:"connector" envPrefix:"CONNECTOR_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
}

// LinkerConfig holds relationship edge manager settings.
type LinkerConfig struct {
	// Interval between full safety-net passes
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// LabelItems is how many shared indicators appear in a label
	LabelItems int `yaml:"label_items" env:"LABEL_ITEMS"`
	// LabelMaxLength caps inferred labels, in runes
	LabelMaxLength int `yaml:"label_max_length" env:"LABEL_MAX_LENGTH"`
	// RefreshLabels rewrites labels when the shared indicators change
	RefreshLabels bool `yaml:"refresh_labels" env:"REFRESH_LABELS"`
	// RespectManualEdges suppresses inferred edges next to manual ones
	RespectManualEdges bool `yaml:"respect_manual_edges" env:"RESPECT_MANUAL_EDGES"`
	// ReconcileOrphans deletes untracked inferred edges on full passes
	ReconcileOrphans bool `yaml:"reconcile_orphans" env:"RECONCILE_ORPHANS"`
	// Reactive enables event-driven incremental passes
	Reactive bool `yaml:"reactive" env:"REACTIVE"`
}

// LayoutConfig holds force-directed layout settings.
type LayoutConfig struct {
	Iterations     int     `yaml:"iterations" env:"ITERATIONS"`
	MinArea        float64 `yaml:"min_area" env:"MIN_AREA"`
	AreaPerNode    float64 `yaml:"area_per_node" env:"AREA_PER_NODE"`
	Cooling        float64 `yaml:"cooling" env:"COOLING"`
	MinDistance    float64 `yaml:"min_distance" env:"MIN_DISTANCE"`
	ChunkSize      int     `yaml:"chunk_size" env:"CHUNK_SIZE"`
	GridThreshold  int     `yaml:"grid_threshold" env:"GRID_THRESHOLD"`
	GridCellFactor float64 `yaml:"grid_cell_factor" env:"GRID_CELL_FACTOR"`
	EntitiesOnly   bool    `yaml:"entities_only" env:"ENTITIES_ONLY"`
}

// ConnectorConfig holds manual edge settings.
type ConnectorConfig struct {
	// LabelMaxLength caps manual labels, in runes
	LabelMaxLength int `yaml:"label_max_length" env:"LABEL_MAX_LENGTH"`
}

// StorageConfig holds Badger store settings.
type StorageConfig struct {
	// DataDir is the directory for the Badger store
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
	// InMemory keeps the store in RAM only
	InMemory bool `yaml:"in_memory" env:"IN_MEMORY"`
	// SyncWrites fsyncs every commit
	SyncWrites bool `yaml:"sync_writes" env:"SYNC_WRITES"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level" env:"LEVEL"`
	// Format is console or json
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig returns the configuration every component starts from.
func DefaultConfig() *Config {
	lk := linker.DefaultConfig()
	ly := layout.DefaultConfig()
	cn := connector.DefaultConfig()

	return &Config{
		Linker: LinkerConfig{
			Interval:           lk.Interval,
			LabelItems:         lk.LabelItems,
			LabelMaxLength:     lk.LabelMaxLength,
			RefreshLabels:      lk.RefreshLabels,
			RespectManualEdges: lk.RespectManualEdges,
			ReconcileOrphans:   lk.ReconcileOrphans,
			Reactive:           lk.Reactive,
		},
		Layout: LayoutConfig{
			Iterations:     ly.Iterations,
			MinArea:        ly.MinArea,
			AreaPerNode:    ly.AreaPerNode,
			Cooling:        ly.Cooling,
			MinDistance:    ly.MinDistance,
			ChunkSize:      ly.ChunkSize,
			GridThreshold:  ly.GridThreshold,
			GridCellFactor: ly.GridCellFactor,
			EntitiesOnly:   ly.EntitiesOnly,
		},
		Connector: ConnectorConfig{
			LabelMaxLength: cn.LabelMaxLength,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatConsole,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields that have an ICARUS_* environment variable set.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	return nil
}

// Validate checks every section by delegating to the component configs.
func (c *Config) Validate() error {
	if err := c.LinkerConfig().Validate(); err != nil {
		return err
	}
	if err := c.LayoutConfig().Validate(); err != nil {
		return err
	}
	if c.Connector.LabelMaxLength != 0 && c.Connector.LabelMaxLength < 4 {
		return fmt.Errorf("connector label length must be 0 or at least 4, got %d", c.Connector.LabelMaxLength)
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("storage data dir required unless in_memory is set")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}
	return nil
}

// String returns a one-line summary suitable for logging.
//
// Example:
//
//	log.Printf("Starting with config: %s", cfg)
//	// Output: Config{Linker: every 2s (reactive), Layout: 100 iterations, DataDir: ./data, Log: info/console}
func (c *Config) String() string {
	mode := "polling"
	if c.Linker.Reactive {
		mode = "reactive"
	}
	dataDir := c.Storage.DataDir
	if c.Storage.InMemory {
		dataDir = "(memory)"
	}
	return fmt.Sprintf(
		"Config{Linker: every %s (%s), Layout: %d iterations, DataDir: %s, Log: %s/%s}",
		c.Linker.Interval, mode,
		c.Layout.Iterations,
		dataDir,
		c.Logging.Level, c.Logging.Format,
	)
}

// LinkerConfig converts the linker section.
func (c *Config) LinkerConfig() *linker.Config {
	return &linker.Config{
		Interval:           c.Linker.Interval,
		LabelItems:         c.Linker.LabelItems,
		LabelMaxLength:     c.Linker.LabelMaxLength,
		RefreshLabels:      c.Linker.RefreshLabels,
		RespectManualEdges: c.Linker.RespectManualEdges,
		ReconcileOrphans:   c.Linker.ReconcileOrphans,
		Reactive:           c.Linker.Reactive,
	}
}

// LayoutConfig converts the layout section.
func (c *Config) LayoutConfig() *layout.Config {
	return &layout.Config{
		Iterations:     c.Layout.Iterations,
		MinArea:        c.Layout.MinArea,
		AreaPerNode:    c.Layout.AreaPerNode,
		Cooling:        c.Layout.Cooling,
		MinDistance:    c.Layout.MinDistance,
		ChunkSize:      c.Layout.ChunkSize,
		GridThreshold:  c.Layout.GridThreshold,
		GridCellFactor: c.Layout.GridCellFactor,
		EntitiesOnly:   c.Layout.EntitiesOnly,
	}
}

// ConnectorConfig converts the connector section.
func (c *Config) ConnectorConfig() *connector.Config {
	return &connector.Config{LabelMaxLength: c.Connector.LabelMaxLength}
}

// BadgerOptions converts the storage section.
func (c *Config) BadgerOptions() storage.BadgerOptions {
	return storage.BadgerOptions{
		DataDir:    c.Storage.DataDir,
		InMemory:   c.Storage.InMemory,
		SyncWrites: c.Storage.SyncWrites,
	}
}
