// Package linker maintains inferred relationship edges between entity nodes
// that share indicators.
//
// The Manager owns a tracked map from PairKey to the inferred edge it created
// for that pair. Each evaluation pass diffs "which pairs share an indicator"
// against that map:
//   - A pair that starts sharing gets a new inferred edge
//   - A pair that stops sharing has its edge deleted
//   - A tracked edge deleted behind the manager's back is forgotten and
//     recreated on a later pass
//
// Passes run in two ways once Start is called:
//   - Incremental: store change events mark nodes dirty and a worker
//     re-evaluates only the pairs involving those nodes
//   - Full: a cron job re-evaluates every pair as a safety net
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	manager := linker.New(engine, linker.DefaultConfig(), linker.WithLogger(logger))
//
//	// One-shot evaluation
//	result, err := manager.Evaluate(ctx)
//	fmt.Printf("created %d, retired %d\n", result.Created, result.Retired)
//
//	// Or keep the canvas linked in the background
//	if err := manager.Start(ctx); err != nil {
//		return err
//	}
//	defer manager.Stop()
//
// ELI12:
//
// Imagine a corkboard full of suspect cards. Every couple of seconds a helper
// walks past and checks: do any two cards list the same email or username?
// If yes, the helper pins a green string between them. If a card changes and
// the match goes away, the helper pulls the string back off. The helper keeps
// a notebook of every string it pinned so it never pins the same one twice.
package linker

import (
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/orneryd/icarus/pkg/logging"
	"github.com/orneryd/icarus/pkg/storage"
	"github.com/orneryd/icarus/pkg/telemetry"
)

// Config holds relationship edge manager options.
//
// Example:
//
//	config := linker.DefaultConfig()
//	config.Interval = 10 * time.Second // slower safety net
//	config.RefreshLabels = false      // keep labels as first created
type Config struct {
	// Interval between full safety-net passes. Default: 2s
	Interval time.Duration

	// Label formatting: first LabelItems shared indicators, cut to
	// LabelMaxLength runes. Defaults: 3 and 40
	LabelItems     int
	LabelMaxLength int

	// RefreshLabels rewrites the label of an existing inferred edge when the
	// shared indicators change. Default: true
	RefreshLabels bool

	// RespectManualEdges skips creating an inferred edge for a pair that
	// already has a manual edge. Default: true
	RespectManualEdges bool

	// ReconcileOrphans makes full passes delete inferred edges the manager
	// does not track and whose pair no longer shares indicators. Default: true
	ReconcileOrphans bool

	// Reactive subscribes to store events after Start. Default: true
	Reactive bool
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:           2 * time.Second,
		LabelItems:         3,
		LabelMaxLength:     40,
		RefreshLabels:      true,
		RespectManualEdges: true,
		ReconcileOrphans:   true,
		Reactive:           true,
	}
}

// Validate rejects configurations the manager cannot run with.
func (c *Config) Validate() error {
	if c.Interval < time.Second {
		return fmt.Errorf("linker interval must be at least 1s, got %s", c.Interval)
	}
	if c.LabelItems < 0 {
		return fmt.Errorf("linker label items must not be negative, got %d", c.LabelItems)
	}
	if c.LabelMaxLength != 0 && c.LabelMaxLength < 4 {
		return fmt.Errorf("linker label length must be 0 or at least 4, got %d", c.LabelMaxLength)
	}
	return nil
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The manager logs under the name "linker".
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logging.OrNop(l).Named("linker")
	}
}

// WithTracer overrides the tracer from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithMeter overrides the meter from the global provider.
func WithMeter(meter metric.Meter) Option {
	return func(m *Manager) {
		if meter != nil {
			m.meter = meter
		}
	}
}

// Manager is the relationship edge manager for one graph store.
//
// Several managers may run side by side on different stores. Running two
// managers on the same store is not supported: each would treat the other's
// inferred edges as orphans.
type Manager struct {
	store  storage.Engine
	config *Config
	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter
	inst   *instruments

	// mu serializes passes and guards tracked and stats
	mu      sync.Mutex
	tracked map[storage.PairKey]storage.EdgeID
	stats   Stats

	// full passes requested concurrently share one run
	group singleflight.Group

	dirtyMu sync.Mutex
	dirty   map[storage.NodeID]struct{}
	wake    chan struct{}

	lifeMu sync.Mutex
	life   *lifecycle
}

// New creates a manager over store. A nil config uses DefaultConfig.
func New(store storage.Engine, config *Config, opts ...Option) *Manager {
	if config == nil {
		config = DefaultConfig()
	}

	m := &Manager{
		store:   store,
		config:  config,
		logger:  zap.NewNop(),
		tracer:  telemetry.Tracer(),
		meter:   telemetry.Meter(),
		tracked: make(map[storage.PairKey]storage.EdgeID),
		dirty:   make(map[storage.NodeID]struct{}),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}

	inst, err := newInstruments(m.meter)
	if err != nil {
		m.logger.Warn("metrics disabled", zap.Error(err))
	}
	m.inst = inst
	return m
}

// Config returns the manager's configuration.
func (m *Manager) Config() *Config {
	return m.config
}

// Tracked returns a copy of the tracked inferred edge map.
func (m *Manager) Tracked() map[storage.PairKey]storage.EdgeID {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[storage.PairKey]storage.EdgeID, len(m.tracked))
	for k, v := range m.tracked {
		out[k] = v
	}
	return out
}

// Stats holds cumulative counters since the manager was created.
type Stats struct {
	Passes            int64
	IncrementalPasses int64
	Created           int64
	Adopted           int64
	Retired           int64
	StaleDropped      int64
	LabelsRefreshed   int64
	Suppressed        int64
	OrphansRemoved    int64
	Tracked           int
	LastPass          time.Time
	LastDuration      time.Duration
	Running           bool
}

// GetStats returns a snapshot of the manager's counters.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	s := m.stats
	s.Tracked = len(m.tracked)
	m.mu.Unlock()

	s.Running = m.Running()
	return s
}

// PassResult summarizes one evaluation pass.
type PassResult struct {
	Full         bool
	Nodes        int
	Pairs        int
	Active       int // pairs linked at the end of the pass
	Created      int
	Adopted      int
	Retired      int
	StaleDropped int
	Refreshed    int
	Suppressed   int
	Orphans      int
	Duration     time.Duration
}

// Changed reports whether the pass modified the store.
func (r PassResult) Changed() bool {
	return r.Created+r.Retired+r.Refreshed+r.Orphans > 0
}

func (m *Manager) recordLocked(r PassResult) {
	if r.Full {
		m.stats.Passes++
	} else {
		m.stats.IncrementalPasses++
	}
	m.stats.Created += int64(r.Created)
	m.stats.Adopted += int64(r.Adopted)
	m.stats.Retired += int64(r.Retired)
	m.stats.StaleDropped += int64(r.StaleDropped)
	m.stats.LabelsRefreshed += int64(r.Refreshed)
	m.stats.Suppressed += int64(r.Suppressed)
	m.stats.OrphansRemoved += int64(r.Orphans)
	m.stats.LastPass = time.Now()
	m.stats.LastDuration = r.Duration
}
