package linker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/orneryd/icarus/pkg/indicator"
	"github.com/orneryd/icarus/pkg/storage"
)

func addEntity(t *testing.T, engine storage.Engine, id storage.NodeID, set indicator.Set) {
	t.Helper()
	require.NoError(t, engine.CreateNode(&storage.Node{
		ID:         id,
		Kind:       storage.KindEntity,
		Indicators: set,
		Bounds:     storage.Bounds{Width: 260, Height: 160},
	}))
}

func setIndicators(t *testing.T, engine storage.Engine, id storage.NodeID, set indicator.Set) {
	t.Helper()
	node, err := engine.GetNode(id)
	require.NoError(t, err)
	node.Indicators = set
	require.NoError(t, engine.UpdateNode(node))
}

func inferredBetween(t *testing.T, engine storage.Engine, a, b storage.NodeID) []*storage.Edge {
	t.Helper()
	edges, err := engine.GetEdgesBetween(a, b)
	require.NoError(t, err)
	var out []*storage.Edge
	for _, e := range edges {
		if e.Kind == storage.EdgeInferred {
			out = append(out, e)
		}
	}
	return out
}

// TestInferenceCreation verifies an overlapping email produces one labeled edge.
func TestInferenceCreation(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	addEntity(t, engine, "A", indicator.Set{Usernames: []string{"alpha"}})
	addEntity(t, engine, "B", indicator.Set{Usernames: []string{"bravo"}})

	manager := New(engine, nil)
	ctx := context.Background()

	res, err := manager.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)

	setIndicators(t, engine, "A", indicator.Set{Emails: []string{"x@y.com"}})
	setIndicators(t, engine, "B", indicator.Set{Emails: []string{"x@y.com"}})

	res, err = manager.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.True(t, res.Full)

	edges := inferredBetween(t, engine, "A", "B")
	require.Len(t, edges, 1)
	assert.Contains(t, edges[0].Label, "email: x@y.com")
	assert.Equal(t, storage.CenterAnchor, edges[0].StartAnchor)

	tracked := manager.Tracked()
	assert.Equal(t, edges[0].ID, tracked[storage.MakePairKey("A", "B")])
}

// TestInferenceRetirement verifies clearing the overlap removes edge and entry.
func TestInferenceRetirement(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	addEntity(t, engine, "A", indicator.Set{Emails: []string{"x@y.com"}})
	addEntity(t, engine, "B", indicator.Set{Emails: []string{"x@y.com"}})

	manager := New(engine, nil)
	ctx := context.Background()
	_, err := manager.Evaluate(ctx)
	require.NoError(t, err)
	require.Len(t, inferredBetween(t, engine, "A", "B"), 1)

	setIndicators(t, engine, "B", indicator.Set{})

	res, err := manager.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retired)
	assert.Empty(t, inferredBetween(t, engine, "A", "B"))
	assert.Empty(t, manager.Tracked())
}

// TestNoDuplicateInferredEdges runs many passes over a constant overlap.
func TestNoDuplicateInferredEdges(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	addEntity(t, engine, "A", indicator.Set{IPs: []string{"10.0.0.1"}})
	addEntity(t, engine, "B", indicator.Set{IPs: []string{"10.0.0.1"}})

	manager := New(engine, nil)
	for i := 0; i < 10; i++ {
		_, err := manager.Evaluate(context.Background())
		require.NoError(t, err)
		assert.Len(t, inferredBetween(t, engine, "A", "B"), 1, "pass %d", i)
	}

	stats := manager.GetStats()
	assert.Equal(t, int64(10), stats.Passes)
	assert.Equal(t, int64(1), stats.Created)
	assert.Equal(t, 1, stats.Tracked)
}

// TestStaleEntrySelfHeals deletes a tracked edge behind the manager's back.
func TestStaleEntrySelfHeals(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	addEntity(t, engine, "A", indicator.Set{Domains: []string{"evil.io"}})
	addEntity(t, engine, "B", indicator.Set{Domains: []string{"EVIL.io"}})

	manager := New(engine, nil)
	ctx := context.Background()
	_, err := manager.Evaluate(ctx)
	require.NoError(t, err)

	edges := inferredBetween(t, engine, "A", "B")
	require.Len(t, edges, 1)
	require.NoError(t, engine.DeleteEdge(edges[0].ID))

	res, err := manager.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StaleDropped)
	assert.Equal(t, 0, res.Created)
	assert.Empty(t, manager.Tracked())

	res, err = manager.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Len(t, inferredBetween(t, engine, "A", "B"), 1)
}

func TestLabelRefresh(t *testing.T) {
	for _, refresh := range []bool{true, false} {
		name := "refresh"
		if !refresh {
			name = "keep first label"
		}
		t.Run(name, func(t *testing.T) {
			engine := storage.NewMemoryEngine()
			defer engine.Close()
			addEntity(t, engine, "A", indicator.Set{Emails: []string{"x@y.com"}})
			addEntity(t, engine, "B", indicator.Set{Emails: []string{"x@y.com"}})

			config := DefaultConfig()
			config.RefreshLabels = refresh
			manager := New(engine, config)
			ctx := context.Background()
			_, err := manager.Evaluate(ctx)
			require.NoError(t, err)

			setIndicators(t, engine, "A", indicator.Set{Emails: []string{"x@y.com"}, IPs: []string{"1.2.3.4"}})
			setIndicators(t, engine, "B", indicator.Set{Emails: []string{"x@y.com"}, IPs: []string{"1.2.3.4"}})
			_, err = manager.Evaluate(ctx)
			require.NoError(t, err)

			edges := inferredBetween(t, engine, "A", "B")
			require.Len(t, edges, 1)
			if refresh {
				assert.Equal(t, "email: x@y.com, ip: 1.2.3.4", edges[0].Label)
			} else {
				assert.Equal(t, "email: x@y.com", edges[0].Label)
			}
		})
	}
}

func TestLabelTruncation(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	shared := indicator.Set{
		Emails:    []string{"first.last@example.com"},
		Usernames: []string{"shadow99", "ghost", "phantom"},
	}
	addEntity(t, engine, "A", shared)
	addEntity(t, engine, "B", shared)

	_, err := New(engine, nil).Evaluate(context.Background())
	require.NoError(t, err)

	edges := inferredBetween(t, engine, "A", "B")
	require.Len(t, edges, 1)
	assert.True(t, strings.HasSuffix(edges[0].Label, indicator.Ellipsis))
	assert.Equal(t, 38, len([]rune(edges[0].Label)))
	assert.NotContains(t, edges[0].Label, "phantom")
}

// TestManualEdgeSuppressesInference covers unified pair dedup.
func TestManualEdgeSuppressesInference(t *testing.T) {
	for _, respect := range []bool{true, false} {
		engine := storage.NewMemoryEngine()
		addEntity(t, engine, "A", indicator.Set{Usernames: []string{"shadow99"}})
		addEntity(t, engine, "B", indicator.Set{Usernames: []string{"shadow99"}})
		_, err := engine.CreateEdge("A", "B", storage.EdgeOptions{Kind: storage.EdgeManual})
		require.NoError(t, err)

		config := DefaultConfig()
		config.RespectManualEdges = respect
		res, err := New(engine, config).Evaluate(context.Background())
		require.NoError(t, err)

		if respect {
			assert.Equal(t, 1, res.Suppressed)
			assert.Empty(t, inferredBetween(t, engine, "A", "B"))
		} else {
			assert.Equal(t, 1, res.Created)
			assert.Len(t, inferredBetween(t, engine, "A", "B"), 1)
		}
		engine.Close()
	}
}

// TestAdoptsExistingInferredEdge simulates a restart on a persistent store.
func TestAdoptsExistingInferredEdge(t *testing.T) {
	engine, err := storage.NewBadgerEngineInMemory()
	require.NoError(t, err)
	defer engine.Close()

	addEntity(t, engine, "A", indicator.Set{Wallets: []string{"bc1qexample"}})
	addEntity(t, engine, "B", indicator.Set{Wallets: []string{"bc1qexample"}})

	_, err = New(engine, nil).Evaluate(context.Background())
	require.NoError(t, err)
	before := inferredBetween(t, engine, "A", "B")
	require.Len(t, before, 1)
	assert.Equal(t, "btc: bc1qexample", before[0].Label)

	restarted := New(engine, nil)
	res, err := restarted.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Adopted)
	assert.Equal(t, 0, res.Created)

	after := inferredBetween(t, engine, "A", "B")
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ID, after[0].ID)
	assert.Equal(t, before[0].ID, restarted.Tracked()[storage.MakePairKey("A", "B")])
}

func TestOrphanSweep(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	addEntity(t, engine, "A", indicator.Set{Emails: []string{"a@x.com"}})
	addEntity(t, engine, "B", indicator.Set{Emails: []string{"b@x.com"}})
	orphan, err := engine.CreateEdge("A", "B", storage.EdgeOptions{Kind: storage.EdgeInferred, Label: "old"})
	require.NoError(t, err)

	res, err := New(engine, nil).Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Orphans)

	exists, err := engine.EdgeExists(orphan)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEvaluateSkipsDegenerateInput(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	addEntity(t, engine, "A", indicator.Set{Emails: []string{"x@y.com"}})
	require.NoError(t, engine.CreateNode(&storage.Node{
		ID:         "note",
		Kind:       storage.KindNote,
		Indicators: indicator.Set{Emails: []string{"x@y.com"}},
	}))

	res, err := New(engine, nil).Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Nodes, "notes do not take part in matching")
	assert.Equal(t, 0, res.Pairs)

	count, err := engine.EdgeCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEvaluateNodes(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	addEntity(t, engine, "A", indicator.Set{Usernames: []string{"shadow99"}})
	addEntity(t, engine, "B", indicator.Set{})
	addEntity(t, engine, "C", indicator.Set{Usernames: []string{"shadow99"}})

	manager := New(engine, nil)
	ctx := context.Background()

	// Only pairs touching B are examined, so A-C stays unlinked.
	setIndicators(t, engine, "B", indicator.Set{Usernames: []string{"Shadow99"}})
	res, err := manager.EvaluateNodes(ctx, []storage.NodeID{"B"})
	require.NoError(t, err)
	assert.False(t, res.Full)
	assert.Equal(t, 2, res.Pairs)
	assert.Equal(t, 2, res.Created)
	assert.Empty(t, inferredBetween(t, engine, "A", "C"))

	labels := inferredBetween(t, engine, "A", "B")
	require.Len(t, labels, 1)
	assert.Equal(t, "username: shadow99", labels[0].Label, "label uses the lower id's casing")

	require.NoError(t, engine.DeleteNode("B"))
	res, err = manager.EvaluateNodes(ctx, []storage.NodeID{"B"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Retired)
	assert.Empty(t, manager.Tracked())
}

func TestEvaluateClosedStore(t *testing.T) {
	engine := storage.NewMemoryEngine()
	require.NoError(t, engine.Close())

	_, err := New(engine, nil).Evaluate(context.Background())
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
}

func TestEvaluateRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	engine := storage.NewMemoryEngine()
	defer engine.Close()
	addEntity(t, engine, "A", indicator.Set{Emails: []string{"x@y.com"}})
	addEntity(t, engine, "B", indicator.Set{Emails: []string{"x@y.com"}})

	manager := New(engine, nil, WithTracer(provider.Tracer("test")))
	_, err := manager.Evaluate(context.Background())
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "linker.evaluate", spans[0].Name())
}

// TestStartLinksOnEvents verifies node mutations trigger incremental passes.
func TestStartLinksOnEvents(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	config := DefaultConfig()
	config.Interval = time.Hour // keep the safety net out of the way
	manager := New(engine, config)
	require.NoError(t, manager.Start(context.Background()))
	assert.True(t, manager.Running())
	assert.ErrorIs(t, manager.Start(context.Background()), ErrAlreadyRunning)

	addEntity(t, engine, "A", indicator.Set{Usernames: []string{"shadow99"}})
	addEntity(t, engine, "B", indicator.Set{Usernames: []string{"shadow99"}})

	require.Eventually(t, func() bool {
		edges, err := engine.GetEdgesBetween("A", "B")
		return err == nil && len(edges) == 1
	}, 2*time.Second, 10*time.Millisecond)

	setIndicators(t, engine, "B", indicator.Set{})
	require.Eventually(t, func() bool {
		edges, err := engine.GetEdgesBetween("A", "B")
		return err == nil && len(edges) == 0
	}, 2*time.Second, 10*time.Millisecond)

	manager.Stop()
	assert.False(t, manager.Running())
	assert.Empty(t, manager.Tracked())
	assert.GreaterOrEqual(t, manager.GetStats().IncrementalPasses, int64(1))

	// Stop twice is harmless
	manager.Stop()
}

// TestStartRunsSafetyNet verifies the cron pass links without events.
func TestStartRunsSafetyNet(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	addEntity(t, engine, "A", indicator.Set{IPs: []string{"8.8.8.8"}})
	addEntity(t, engine, "B", indicator.Set{IPs: []string{"8.8.8.8"}})

	config := DefaultConfig()
	config.Interval = time.Second
	config.Reactive = false
	manager := New(engine, config)
	require.NoError(t, manager.Start(context.Background()))
	defer manager.Stop()

	require.Eventually(t, func() bool {
		return len(manager.Tracked()) == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	config := DefaultConfig()
	config.Interval = 10 * time.Millisecond
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.LabelMaxLength = 2
	assert.Error(t, config.Validate())

	manager := New(storage.NewMemoryEngine(), config)
	assert.Error(t, manager.Start(context.Background()))
}

// vanishingStore deletes one node right after a listing has been taken, so
// the pass sees it at enumeration but not when creating edges.
type vanishingStore struct {
	*storage.MemoryEngine
	victim storage.NodeID
}

func (s *vanishingStore) ListNodes() ([]*storage.Node, error) {
	nodes, err := s.MemoryEngine.ListNodes()
	if err != nil || s.victim == "" {
		return nodes, err
	}
	victim := s.victim
	s.victim = ""
	return nodes, s.MemoryEngine.DeleteNode(victim)
}

// TestNodeDeletedMidPass verifies a node removed after enumeration is skipped
// for the rest of the pass without failing it.
func TestNodeDeletedMidPass(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	shared := indicator.Set{Usernames: []string{"shadow99"}}
	addEntity(t, engine, "A", shared)
	addEntity(t, engine, "B", shared)
	addEntity(t, engine, "C", shared)

	store := &vanishingStore{MemoryEngine: engine, victim: "B"}
	manager := New(store, nil)

	res, err := manager.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Nodes)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Active)

	assert.Len(t, inferredBetween(t, engine, "A", "C"), 1)
	count, err := engine.EdgeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	tracked := manager.Tracked()
	assert.Len(t, tracked, 1)
	assert.Contains(t, tracked, storage.MakePairKey("A", "C"))
}
