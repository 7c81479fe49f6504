// Package connector creates explicit (manual) relationship edges.
//
// Three shapes are supported:
//   - Connect: a single pair
//   - ConnectSequence: a chain A-B, B-C, C-D in the given order
//   - ConnectMesh: every unordered pair of a selection, skipping pairs that
//     are already bound by any edge in the graph
//
// All operations are synchronous and talk to the store directly. Endpoints
// without geometry are skipped silently, so a selection that races with a
// delete never fails half way through.
//
// Example Usage:
//
//	c := connector.New(engine, nil)
//	ids, err := c.ConnectMesh([]storage.NodeID{"a", "b", "c"})
//	fmt.Printf("created %d edges\n", len(ids))
package connector

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/orneryd/icarus/pkg/indicator"
	"github.com/orneryd/icarus/pkg/logging"
	"github.com/orneryd/icarus/pkg/storage"
)

// Config holds connector options.
type Config struct {
	// LabelMaxLength caps manual labels, in runes. Default: 50
	LabelMaxLength int
}

// DefaultConfig returns the default connector configuration.
func DefaultConfig() *Config {
	return &Config{LabelMaxLength: 50}
}

// Option customizes a Connector.
type Option func(*Connector)

// WithLogger sets the logger. The connector logs under the name "connector".
func WithLogger(l *zap.Logger) Option {
	return func(c *Connector) {
		c.logger = logging.OrNop(l).Named("connector")
	}
}

// Connector wires nodes together with manual edges.
type Connector struct {
	store  storage.Engine
	config *Config
	logger *zap.Logger
}

// New creates a connector over store. A nil config uses DefaultConfig.
func New(store storage.Engine, config *Config, opts ...Option) *Connector {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Connector{
		store:  store,
		config: config,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect creates one manual edge between a and b, anchored at both centers.
//
// The label is truncated to LabelMaxLength runes. When either endpoint has
// no geometry, or a and b are the same node, nothing is created and the
// returned ID is empty with a nil error.
func (c *Connector) Connect(a, b storage.NodeID, label string) (storage.EdgeID, error) {
	if a == b {
		return "", nil
	}
	for _, id := range []storage.NodeID{a, b} {
		if _, err := c.store.GetNodeBounds(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.logger.Debug("skipping connection, endpoint missing", zap.String("node", string(id)))
				return "", nil
			}
			return "", fmt.Errorf("reading bounds of %s: %w", id, err)
		}
	}

	id, err := c.store.CreateEdge(a, b, storage.EdgeOptions{
		Kind:  storage.EdgeManual,
		Label: indicator.Truncate(label, c.config.LabelMaxLength),
	})
	if errors.Is(err, storage.ErrNotFound) {
		// deleted since the bounds check
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("connecting %s and %s: %w", a, b, err)
	}

	c.logger.Debug("manual edge created",
		zap.String("edge", string(id)),
		zap.String("start", string(a)),
		zap.String("end", string(b)))
	return id, nil
}

// ConnectSequence connects each consecutive pair of ids with the same label.
//
// Pairs are not deduplicated: connecting [A, B, A] creates two A-B edges,
// exactly as two Connect calls would. Fewer than two ids is a no-op. The
// returned slice holds only the edges that were created.
func (c *Connector) ConnectSequence(ids []storage.NodeID, label string) ([]storage.EdgeID, error) {
	if len(ids) < 2 {
		return nil, nil
	}

	var created []storage.EdgeID
	for i := 0; i+1 < len(ids); i++ {
		id, err := c.Connect(ids[i], ids[i+1], label)
		if err != nil {
			return created, err
		}
		if id != "" {
			created = append(created, id)
		}
	}
	return created, nil
}

// ConnectMesh connects every unordered pair of the selection that no edge in
// the graph binds yet. Edges of any kind count, including inferred ones.
//
// Duplicate ids in the selection are ignored. Fewer than two distinct ids is
// a no-op.
func (c *Connector) ConnectMesh(ids []storage.NodeID) ([]storage.EdgeID, error) {
	selection := dedupe(ids)
	if len(selection) < 2 {
		return nil, nil
	}

	var created []storage.EdgeID
	for i := 0; i < len(selection); i++ {
		for j := i + 1; j < len(selection); j++ {
			a, b := selection[i], selection[j]

			existing, err := c.store.GetEdgesBetween(a, b)
			if err != nil {
				return created, fmt.Errorf("looking up edges for %s: %w", storage.MakePairKey(a, b), err)
			}
			if len(existing) > 0 {
				continue
			}

			id, err := c.Connect(a, b, "")
			if err != nil {
				return created, err
			}
			if id != "" {
				created = append(created, id)
			}
		}
	}

	c.logger.Debug("mesh connected", zap.Int("nodes", len(selection)), zap.Int("created", len(created)))
	return created, nil
}

func dedupe(ids []storage.NodeID) []storage.NodeID {
	seen := make(map[storage.NodeID]struct{}, len(ids))
	out := make([]storage.NodeID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
