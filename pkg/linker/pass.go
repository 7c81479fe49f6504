package linker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/orneryd/icarus/pkg/indicator"
	"github.com/orneryd/icarus/pkg/storage"
	"github.com/orneryd/icarus/pkg/telemetry"
)

// Evaluate runs one full pass over every pair of entity nodes.
//
// Concurrent callers share a single pass. Missing nodes are skipped; only
// store failures such as storage.ErrStorageClosed are returned.
//
// Example:
//
//	result, err := manager.Evaluate(ctx)
//	if err != nil {
//		return err
//	}
//	if result.Changed() {
//		fmt.Printf("%d new links, %d removed\n", result.Created, result.Retired)
//	}
func (m *Manager) Evaluate(ctx context.Context) (PassResult, error) {
	v, err, _ := m.group.Do("full", func() (interface{}, error) {
		return m.fullPass(ctx)
	})
	if err != nil {
		return PassResult{}, err
	}
	return v.(PassResult), nil
}

// EvaluateNodes re-evaluates only the pairs that involve the given nodes.
//
// IDs that no longer name an entity node have all their tracked pairs
// retired. This is the pass the event worker runs; callers that know exactly
// which nodes changed may also use it directly.
func (m *Manager) EvaluateNodes(ctx context.Context, ids []storage.NodeID) (PassResult, error) {
	if len(ids) == 0 {
		return PassResult{}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "linker.evaluate_nodes")
	span.SetAttributes(attribute.Int("linker.dirty", len(ids)))

	res := PassResult{}
	err := m.incremental(ctx, ids, &res)
	res.Duration = time.Since(start)
	telemetry.EndSpan(span, err)
	if err != nil {
		return res, err
	}

	m.finish(ctx, res)
	return res, nil
}

func (m *Manager) fullPass(ctx context.Context) (PassResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "linker.evaluate")

	// A full pass covers every pending dirty node.
	m.takeDirty()

	res := PassResult{Full: true}
	err := m.full(ctx, &res)
	res.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("linker.nodes", res.Nodes),
		attribute.Int("linker.active", res.Active),
	)
	telemetry.EndSpan(span, err)
	if err != nil {
		return res, err
	}

	m.finish(ctx, res)
	return res, nil
}

func (m *Manager) finish(ctx context.Context, res PassResult) {
	m.recordLocked(res)
	m.inst.record(ctx, res)

	if res.Changed() {
		m.logger.Debug("pass applied",
			zap.Bool("full", res.Full),
			zap.Int("nodes", res.Nodes),
			zap.Int("created", res.Created),
			zap.Int("retired", res.Retired),
			zap.Int("refreshed", res.Refreshed),
			zap.Int("orphans", res.Orphans),
			zap.Duration("duration", res.Duration))
	}
}

// full implements the full pass. Caller holds m.mu.
func (m *Manager) full(ctx context.Context, res *PassResult) error {
	nodes, err := m.entities()
	if err != nil {
		return err
	}
	res.Nodes = len(nodes)
	if len(nodes) < 2 {
		return nil
	}

	p := &pass{m: m, res: res, gone: make(map[storage.NodeID]bool)}
	active := make(map[storage.PairKey]struct{})

	for i := 0; i < len(nodes); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for j := i + 1; j < len(nodes); j++ {
			a, b := nodes[i], nodes[j]
			if p.gone[a.ID] || p.gone[b.ID] {
				continue
			}
			res.Pairs++

			if !indicator.Overlaps(a.Indicators, b.Indicators) {
				continue
			}
			shared := indicator.Shared(a.Indicators, b.Indicators)
			key := storage.MakePairKey(a.ID, b.ID)
			if err := p.ensure(key, a.ID, b.ID, shared); err != nil {
				return err
			}
			if !p.gone[a.ID] && !p.gone[b.ID] {
				active[key] = struct{}{}
			}
		}
	}
	res.Active = len(active)

	for key, id := range m.tracked {
		if _, ok := active[key]; ok {
			continue
		}
		if err := p.retire(key, id); err != nil {
			return err
		}
	}

	if m.config.ReconcileOrphans {
		return p.sweepOrphans()
	}
	return nil
}

// incremental implements the dirty-node pass. Caller holds m.mu.
func (m *Manager) incremental(ctx context.Context, ids []storage.NodeID, res *PassResult) error {
	nodes, err := m.entities()
	if err != nil {
		return err
	}
	res.Nodes = len(nodes)

	byID := make(map[storage.NodeID]*storage.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	p := &pass{m: m, res: res, gone: make(map[storage.NodeID]bool)}
	visited := make(map[storage.PairKey]struct{})

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		node, ok := byID[id]
		if !ok {
			for key, edgeID := range m.tracked {
				if key.Has(id) {
					if err := p.retire(key, edgeID); err != nil {
						return err
					}
				}
			}
			continue
		}

		for _, other := range nodes {
			if other.ID == id || p.gone[id] || p.gone[other.ID] {
				continue
			}
			key := storage.MakePairKey(id, other.ID)
			if _, seen := visited[key]; seen {
				continue
			}
			visited[key] = struct{}{}
			res.Pairs++

			// Compare lowest ID first so labels match those of a full pass.
			a, b := node, other
			if b.ID < a.ID {
				a, b = b, a
			}
			if !indicator.Overlaps(a.Indicators, b.Indicators) {
				if edgeID, tracked := m.tracked[key]; tracked {
					if err := p.retire(key, edgeID); err != nil {
						return err
					}
				}
				continue
			}
			shared := indicator.Shared(a.Indicators, b.Indicators)
			if err := p.ensure(key, a.ID, b.ID, shared); err != nil {
				return err
			}
			if !p.gone[a.ID] && !p.gone[b.ID] {
				res.Active++
			}
		}
	}
	return nil
}

// entities returns the entity nodes sorted by ID.
func (m *Manager) entities() ([]*storage.Node, error) {
	all, err := m.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}

	nodes := all[:0]
	for _, n := range all {
		if n.IsEntity() {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// pass carries the per-pass state. All methods run with m.mu held.
type pass struct {
	m    *Manager
	res  *PassResult
	gone map[storage.NodeID]bool
}

// ensure makes sure an inferred edge exists for an active pair.
func (p *pass) ensure(key storage.PairKey, a, b storage.NodeID, shared []indicator.Match) error {
	m := p.m
	label := indicator.FormatLabel(shared, m.config.LabelItems, m.config.LabelMaxLength)

	if id, ok := m.tracked[key]; ok {
		return p.verify(key, id, label)
	}

	existing, err := m.store.GetEdgesBetween(a, b)
	if err != nil {
		return fmt.Errorf("looking up edges for %s: %w", key, err)
	}
	manual := false
	for _, e := range existing {
		if e.Kind != storage.EdgeInferred {
			manual = true
			continue
		}
		m.tracked[key] = e.ID
		p.res.Adopted++
		m.logger.Debug("adopted inferred edge", zap.String("pair", string(key)), zap.String("edge", string(e.ID)))
		return p.refresh(key, e, label)
	}
	if manual && m.config.RespectManualEdges {
		p.res.Suppressed++
		return nil
	}

	id, err := m.store.CreateEdge(a, b, storage.EdgeOptions{Kind: storage.EdgeInferred, Label: label})
	if errors.Is(err, storage.ErrNotFound) {
		return p.markGone(a, b)
	}
	if err != nil {
		return fmt.Errorf("creating inferred edge for %s: %w", key, err)
	}

	m.tracked[key] = id
	p.res.Created++
	m.logger.Debug("inferred edge created",
		zap.String("pair", string(key)),
		zap.String("edge", string(id)),
		zap.String("label", label))
	return nil
}

// verify checks that a tracked edge still exists, dropping the entry if not.
// The pair stays active, so a later pass recreates the edge.
func (p *pass) verify(key storage.PairKey, id storage.EdgeID, label string) error {
	m := p.m
	if !m.config.RefreshLabels {
		exists, err := m.store.EdgeExists(id)
		if err != nil {
			return fmt.Errorf("checking edge %s: %w", id, err)
		}
		if !exists {
			p.dropStale(key, id)
		}
		return nil
	}

	edge, err := m.store.GetEdge(id)
	if errors.Is(err, storage.ErrNotFound) {
		p.dropStale(key, id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading edge %s: %w", id, err)
	}
	return p.refresh(key, edge, label)
}

// refresh rewrites a stale label when label refresh is enabled.
func (p *pass) refresh(key storage.PairKey, edge *storage.Edge, label string) error {
	m := p.m
	if !m.config.RefreshLabels || edge.Label == label {
		return nil
	}

	err := m.store.UpdateEdgeLabel(edge.ID, label)
	if errors.Is(err, storage.ErrNotFound) {
		p.dropStale(key, edge.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("relabeling edge %s: %w", edge.ID, err)
	}
	p.res.Refreshed++
	return nil
}

func (p *pass) dropStale(key storage.PairKey, id storage.EdgeID) {
	delete(p.m.tracked, key)
	p.res.StaleDropped++
	p.m.logger.Debug("tracked edge vanished", zap.String("pair", string(key)), zap.String("edge", string(id)))
}

// retire deletes a tracked edge and forgets it. An edge that is already gone
// only loses its entry.
func (p *pass) retire(key storage.PairKey, id storage.EdgeID) error {
	m := p.m
	if err := m.store.DeleteEdge(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("retiring edge %s: %w", id, err)
	}
	delete(m.tracked, key)
	p.res.Retired++
	m.logger.Debug("inferred edge retired", zap.String("pair", string(key)), zap.String("edge", string(id)))
	return nil
}

// markGone records which endpoint disappeared between enumeration and edge
// creation so its remaining pairs are skipped this pass.
func (p *pass) markGone(ids ...storage.NodeID) error {
	for _, id := range ids {
		_, err := p.m.store.GetNodeBounds(id)
		if errors.Is(err, storage.ErrNotFound) {
			p.gone[id] = true
			continue
		}
		if err != nil {
			return fmt.Errorf("checking node %s: %w", id, err)
		}
	}
	return nil
}

// sweepOrphans deletes inferred edges that are not the tracked edge of their
// pair. Runs after retirement, so every active pair is already tracked.
func (p *pass) sweepOrphans() error {
	m := p.m
	edges, err := m.store.ListEdges()
	if err != nil {
		return fmt.Errorf("listing edges: %w", err)
	}

	for _, e := range edges {
		if e.Kind != storage.EdgeInferred {
			continue
		}
		if m.tracked[e.PairKey()] == e.ID {
			continue
		}
		if err := m.store.DeleteEdge(e.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("removing orphan edge %s: %w", e.ID, err)
		}
		p.res.Orphans++
	}
	return nil
}
