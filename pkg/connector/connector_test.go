package connector

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/icarus/pkg/indicator"
	"github.com/orneryd/icarus/pkg/storage"
)

func setupStore(t *testing.T, ids ...storage.NodeID) *storage.MemoryEngine {
	t.Helper()
	engine := storage.NewMemoryEngine()
	t.Cleanup(func() { engine.Close() })
	for i, id := range ids {
		require.NoError(t, engine.CreateNode(&storage.Node{
			ID:     id,
			Kind:   storage.KindEntity,
			Bounds: storage.Bounds{X: float64(i) * 300, Width: 260, Height: 160},
		}))
	}
	return engine
}

func countBetween(t *testing.T, engine storage.Engine, a, b storage.NodeID) int {
	t.Helper()
	edges, err := engine.GetEdgesBetween(a, b)
	require.NoError(t, err)
	return len(edges)
}

func TestConnect(t *testing.T) {
	engine := setupStore(t, "A", "B")
	c := New(engine, nil)

	id, err := c.Connect("A", "B", "met at conference")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	edge, err := engine.GetEdge(id)
	require.NoError(t, err)
	assert.Equal(t, storage.EdgeManual, edge.Kind)
	assert.Equal(t, "met at conference", edge.Label)
	assert.Equal(t, storage.CenterAnchor, edge.StartAnchor)
	assert.Equal(t, storage.CenterAnchor, edge.EndAnchor)
	assert.False(t, edge.StartAnchor.Exact)
	assert.False(t, edge.EndAnchor.Precise)

	t.Run("missing endpoint", func(t *testing.T) {
		id, err := c.Connect("A", "ghost", "x")
		require.NoError(t, err)
		assert.Empty(t, id)
	})

	t.Run("self pair", func(t *testing.T) {
		id, err := c.Connect("A", "A", "x")
		require.NoError(t, err)
		assert.Empty(t, id)
	})

	t.Run("closed store", func(t *testing.T) {
		closed := storage.NewMemoryEngine()
		require.NoError(t, closed.Close())
		_, err := New(closed, nil).Connect("A", "B", "")
		assert.ErrorIs(t, err, storage.ErrStorageClosed)
	})
}

func TestConnectTruncatesLabel(t *testing.T) {
	engine := setupStore(t, "A", "B")
	c := New(engine, nil)

	id, err := c.Connect("A", "B", strings.Repeat("é", 80))
	require.NoError(t, err)

	edge, err := engine.GetEdge(id)
	require.NoError(t, err)
	assert.Equal(t, 48, utf8.RuneCountInString(edge.Label))
	assert.True(t, strings.HasSuffix(edge.Label, indicator.Ellipsis))
	assert.Equal(t, strings.Repeat("é", 47)+indicator.Ellipsis, edge.Label)

	id, err = c.Connect("A", "B", strings.Repeat("x", 50))
	require.NoError(t, err)
	edge, err = engine.GetEdge(id)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 50), edge.Label)
}

func TestConnectSequence(t *testing.T) {
	engine := setupStore(t, "A", "B", "C")
	c := New(engine, nil)

	ids, err := c.ConnectSequence([]storage.NodeID{"A", "B", "C"}, "chain")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Equal(t, 1, countBetween(t, engine, "A", "B"))
	assert.Equal(t, 1, countBetween(t, engine, "B", "C"))
	assert.Equal(t, 0, countBetween(t, engine, "A", "C"))

	t.Run("no dedup", func(t *testing.T) {
		ids, err := c.ConnectSequence([]storage.NodeID{"A", "B"}, "again")
		require.NoError(t, err)
		assert.Len(t, ids, 1)
		assert.Equal(t, 2, countBetween(t, engine, "A", "B"))
	})

	t.Run("too short", func(t *testing.T) {
		ids, err := c.ConnectSequence([]storage.NodeID{"A"}, "x")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("skips missing links", func(t *testing.T) {
		ids, err := c.ConnectSequence([]storage.NodeID{"A", "ghost", "C"}, "x")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestConnectMesh(t *testing.T) {
	engine := setupStore(t, "A", "B", "C")
	c := New(engine, nil)

	ids, err := c.ConnectMesh([]storage.NodeID{"A", "B", "C"})
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	ids, err = c.ConnectMesh([]storage.NodeID{"C", "B", "A"})
	require.NoError(t, err)
	assert.Empty(t, ids)

	count, err := engine.EdgeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestConnectMeshRespectsExistingEdges(t *testing.T) {
	engine := setupStore(t, "A", "B", "C")
	_, err := engine.CreateEdge("A", "B", storage.EdgeOptions{Kind: storage.EdgeInferred, Label: "username: shadow99"})
	require.NoError(t, err)

	ids, err := New(engine, nil).ConnectMesh([]storage.NodeID{"A", "A", "B", "C"})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Equal(t, 1, countBetween(t, engine, "A", "B"))
	assert.Equal(t, 1, countBetween(t, engine, "A", "C"))
	assert.Equal(t, 1, countBetween(t, engine, "B", "C"))

	ids, err = New(engine, nil).ConnectMesh([]storage.NodeID{"A", "A"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConnectorOnBadger(t *testing.T) {
	engine, err := storage.NewBadgerEngineInMemory()
	require.NoError(t, err)
	defer engine.Close()

	for _, id := range []storage.NodeID{"A", "B", "C", "D"} {
		require.NoError(t, engine.CreateNode(&storage.Node{ID: id, Kind: storage.KindEntity}))
	}

	c := New(engine, &Config{LabelMaxLength: 10})
	_, err = c.ConnectSequence([]storage.NodeID{"A", "B"}, "a long label here")
	require.NoError(t, err)

	ids, err := c.ConnectMesh([]storage.NodeID{"A", "B", "C", "D"})
	require.NoError(t, err)
	assert.Len(t, ids, 5)

	edges, err := engine.GetEdgesBetween("B", "A")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "a long "+indicator.Ellipsis, edges[0].Label)
}
