// Package layout arranges canvas nodes with a force-directed simulation.
//
// The algorithm is Fruchterman-Reingold with linear cooling:
//   - Every node repels every other node with force k²/d
//   - Every edge pulls its endpoints together with force d²/k
//   - Each step moves a node by its net force, capped by the temperature
//   - The temperature falls linearly to zero over the iterations
//
// After the last iteration the bounding box of the result is centered on the
// viewport and all positions are written back in one batch.
//
// Example Usage:
//
//	engine := layout.New(store, layout.DefaultConfig(), layout.WithLogger(logger))
//	result, err := engine.Apply(ctx)
//	if err != nil {
//		return err
//	}
//	fmt.Printf("placed %d nodes (k=%.0f)\n", result.Nodes, result.K)
//
// ELI12:
//
// Picture the cards on the corkboard as magnets that all push each other
// away, and every string between two cards as a rubber band. Let go and
// everything jiggles until the pushes and pulls balance out. Cards that are
// tied together end up close; loners drift to the edges. We shake less and
// less each round so the board settles instead of jiggling forever.
package layout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/orneryd/icarus/pkg/logging"
	"github.com/orneryd/icarus/pkg/storage"
	"github.com/orneryd/icarus/pkg/telemetry"
)

// Config holds layout options.
type Config struct {
	// Iterations of the simulation. Default: 100
	Iterations int

	// area = max(MinArea, sqrt(n) * AreaPerNode). Defaults: 800 and 300
	MinArea     float64
	AreaPerNode float64

	// Cooling scales the starting temperature. Default: 0.1
	Cooling float64

	// MinDistance floors pairwise distances. Default: 1
	MinDistance float64

	// ChunkSize iterations run between cancellation checks. Default: 10
	ChunkSize int

	// GridThreshold switches repulsion to a uniform grid at this node count;
	// 0 always uses the exact sum. Default: 250
	GridThreshold int

	// GridCellFactor sizes grid cells as a multiple of k. Default: 2
	GridCellFactor float64

	// EntitiesOnly restricts layout to entity nodes. Default: false
	EntitiesOnly bool
}

// DefaultConfig returns the default layout configuration.
func DefaultConfig() *Config {
	return &Config{
		Iterations:     100,
		MinArea:        800,
		AreaPerNode:    300,
		Cooling:        0.1,
		MinDistance:    1,
		ChunkSize:      10,
		GridThreshold:  250,
		GridCellFactor: 2,
	}
}

// Validate rejects configurations the simulation cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Iterations <= 0:
		return fmt.Errorf("layout iterations must be positive, got %d", c.Iterations)
	case c.MinArea < 0:
		return fmt.Errorf("layout min area must not be negative, got %g", c.MinArea)
	case c.AreaPerNode <= 0:
		return fmt.Errorf("layout area per node must be positive, got %g", c.AreaPerNode)
	case c.Cooling <= 0:
		return fmt.Errorf("layout cooling must be positive, got %g", c.Cooling)
	case c.MinDistance <= 0:
		return fmt.Errorf("layout min distance must be positive, got %g", c.MinDistance)
	case c.ChunkSize < 0:
		return fmt.Errorf("layout chunk size must not be negative, got %d", c.ChunkSize)
	case c.GridThreshold < 0:
		return fmt.Errorf("layout grid threshold must not be negative, got %d", c.GridThreshold)
	case c.GridThreshold > 0 && c.GridCellFactor <= 0:
		return fmt.Errorf("layout grid cell factor must be positive, got %g", c.GridCellFactor)
	}
	return nil
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The engine logs under the name "layout".
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logging.OrNop(l).Named("layout")
	}
}

// WithTracer overrides the tracer from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithMeter overrides the meter from the global provider.
func WithMeter(m metric.Meter) Option {
	return func(e *Engine) {
		if m != nil {
			e.meter = m
		}
	}
}

// Result summarizes one Apply call.
type Result struct {
	Nodes    int
	Edges    int
	Area     float64
	K        float64
	Grid     bool
	Skipped  bool
	Duration time.Duration
}

// Engine lays out the nodes of one store.
type Engine struct {
	store    storage.Engine
	config   *Config
	logger   *zap.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	duration metric.Float64Histogram

	// mu guards cancel and seq; a new Apply cancels the previous one
	mu     sync.Mutex
	cancel context.CancelFunc
	seq    uint64

	// writeMu orders the final cancellation check with the batch write
	writeMu sync.Mutex

	afterChunk func(done int)
}

// New creates a layout engine over store. A nil config uses DefaultConfig.
func New(store storage.Engine, config *Config, opts ...Option) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	e := &Engine{
		store:  store,
		config: config,
		logger: zap.NewNop(),
		tracer: telemetry.Tracer(),
		meter:  telemetry.Meter(),
	}
	for _, opt := range opts {
		opt(e)
	}

	hist, err := e.meter.Float64Histogram(
		"icarus.layout.duration",
		metric.WithDescription("Layout run duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		e.logger.Warn("metrics disabled", zap.Error(err))
	}
	e.duration = hist
	return e
}

// Config returns the engine's configuration.
func (e *Engine) Config() *Config {
	return e.config
}

// Apply lays out the current graph and writes the new positions.
//
// Fewer than two nodes is a no-op reported as Result.Skipped. Starting a new
// Apply cancels one still in flight on the same engine; a cancelled run
// writes nothing and returns the context error.
func (e *Engine) Apply(ctx context.Context) (Result, error) {
	if err := e.config.Validate(); err != nil {
		return Result{}, err
	}

	ctx, done := e.begin(ctx)
	defer done()

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "layout.apply")

	res, err := e.apply(ctx)
	res.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("layout.nodes", res.Nodes),
		attribute.Int("layout.edges", res.Edges),
		attribute.Bool("layout.grid", res.Grid),
		attribute.Bool("layout.skipped", res.Skipped),
	)
	telemetry.EndSpan(span, err)

	if e.duration != nil {
		outcome := "applied"
		switch {
		case err != nil:
			outcome = "failed"
		case res.Skipped:
			outcome = "skipped"
		}
		e.duration.Record(ctx, float64(res.Duration.Microseconds())/1000,
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}

	if err != nil {
		e.logger.Debug("layout aborted", zap.Error(err))
		return res, err
	}
	if !res.Skipped {
		e.logger.Debug("layout applied",
			zap.Int("nodes", res.Nodes),
			zap.Int("edges", res.Edges),
			zap.Float64("k", res.K),
			zap.Bool("grid", res.Grid),
			zap.Duration("duration", res.Duration))
	}
	return res, nil
}

// begin cancels any in-flight Apply and registers a new one.
func (e *Engine) begin(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.seq++
	seq := e.seq
	e.cancel = cancel
	e.mu.Unlock()

	return ctx, func() {
		e.mu.Lock()
		if e.seq == seq {
			e.cancel = nil
		}
		e.mu.Unlock()
		cancel()
	}
}

func (e *Engine) apply(ctx context.Context) (Result, error) {
	res := Result{}

	all, err := e.store.ListNodes()
	if err != nil {
		return res, fmt.Errorf("listing nodes: %w", err)
	}
	nodes := all[:0]
	for _, n := range all {
		if e.config.EntitiesOnly && !n.IsEntity() {
			continue
		}
		nodes = append(nodes, n)
	}
	res.Nodes = len(nodes)
	if len(nodes) < 2 {
		res.Skipped = true
		return res, nil
	}

	index := make(map[storage.NodeID]int, len(nodes))
	start := make([]storage.Point, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
		start[i] = n.Bounds.Center()
	}

	adjacency, edges, err := e.adjacency(index)
	if err != nil {
		return res, err
	}
	res.Edges = edges
	res.Area, res.K = Params(len(nodes), e.config)
	res.Grid = e.config.GridThreshold > 0 && len(nodes) >= e.config.GridThreshold

	pos, err := simulate(ctx, start, adjacency, e.config, e.afterChunk)
	if err != nil {
		return res, err
	}

	viewport, err := e.store.GetViewportCenter()
	if err != nil {
		return res, fmt.Errorf("reading viewport: %w", err)
	}
	Center(pos, viewport)

	updates := make([]storage.PositionUpdate, len(nodes))
	for i, n := range nodes {
		w, h := n.Bounds.Size()
		updates[i] = storage.PositionUpdate{ID: n.ID, X: pos[i].X - w/2, Y: pos[i].Y - h/2}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := e.store.BatchUpdatePositions(updates); err != nil {
		return res, fmt.Errorf("writing positions: %w", err)
	}
	return res, nil
}

// adjacency resolves every edge to node indices. Edges touching nodes outside
// the layout are ignored, and parallel edges count once.
func (e *Engine) adjacency(index map[storage.NodeID]int) ([][]int, int, error) {
	edges, err := e.store.ListEdges()
	if err != nil {
		return nil, 0, fmt.Errorf("listing edges: %w", err)
	}

	adjacency := make([][]int, len(index))
	seen := make(map[[2]int]struct{}, len(edges))
	used := 0
	for _, edge := range edges {
		a, okA := index[edge.Start]
		b, okB := index[edge.End]
		if !okA || !okB || a == b {
			continue
		}
		used++
		if a > b {
			a, b = b, a
		}
		if _, dup := seen[[2]int{a, b}]; dup {
			continue
		}
		seen[[2]int{a, b}] = struct{}{}
		adjacency[a] = append(adjacency[a], b)
		adjacency[b] = append(adjacency[b], a)
	}
	return adjacency, used, nil
}
