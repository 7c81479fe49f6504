package storage

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/icarus/pkg/indicator"
)

const sampleDocument = `
viewport: {x: 640, y: 360}
nodes:
  - id: suspect-1
    kind: entity
    title: Shadow
    entityType: suspect
    risk: high
    indicators:
      usernames: [" shadow99 "]
      emails: [x@y.com]
    bounds: {x: 0, y: 0, width: 260, height: 160}
  - id: suspect-2
    kind: entity
    indicators:
      usernames: [SHADOW99]
    bounds: {x: 400, y: 0, width: 260, height: 160}
  - id: note-1
    kind: note
    title: Seen on forum
edges:
  - start: suspect-1
    end: note-1
    label: mentioned
`

func TestReadDocument(t *testing.T) {
	doc, err := ReadDocument(strings.NewReader(sampleDocument))
	require.NoError(t, err)

	assert.Equal(t, Point{X: 640, Y: 360}, doc.Viewport)
	require.Len(t, doc.Nodes, 3)
	assert.Equal(t, "high", string(doc.Nodes[0].Risk))
	require.Len(t, doc.Edges, 1)
	assert.Empty(t, doc.Edges[0].ID)
}

func TestReadDocumentJSON(t *testing.T) {
	doc, err := ReadDocument(strings.NewReader(`{"viewport":{"x":1,"y":2},"nodes":[{"id":"a","kind":"entity"}],"edges":[]}`))
	require.NoError(t, err)
	assert.Equal(t, Point{X: 1, Y: 2}, doc.Viewport)
	require.Len(t, doc.Nodes, 1)
	assert.Equal(t, KindEntity, doc.Nodes[0].Kind)
}

func TestReadDocumentEmpty(t *testing.T) {
	doc, err := ReadDocument(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, doc.Nodes)
}

// TestDocumentThroughBadger imports into a Badger engine and exports back.
func TestDocumentThroughBadger(t *testing.T) {
	doc, err := ReadDocument(strings.NewReader(sampleDocument))
	require.NoError(t, err)

	engine, err := NewBadgerEngineInMemory()
	require.NoError(t, err)
	defer engine.Close()

	require.NoError(t, ImportDocument(engine, doc))

	node, err := engine.GetNode("suspect-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"shadow99"}, node.Indicators.Usernames, "indicators are normalized on import")

	edges, err := engine.ListEdges()
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.NotEmpty(t, edges[0].ID)
	assert.Equal(t, EdgeManual, edges[0].Kind)
	assert.Equal(t, CenterAnchor, edges[0].StartAnchor)

	out, err := ExportDocument(engine)
	require.NoError(t, err)
	assert.Equal(t, Point{X: 640, Y: 360}, out.Viewport)
	assert.Len(t, out.Nodes, 3)
	assert.Len(t, out.Edges, 1)
}

func TestImportDocumentRejectsDanglingEdge(t *testing.T) {
	doc := &Document{
		Nodes: []*Node{{ID: "a", Kind: KindEntity}},
		Edges: []*Edge{{ID: "e1", Start: "a", End: "ghost"}},
	}
	err := ImportDocument(NewMemoryEngine(), doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImportDocumentNormalizesEntityFields(t *testing.T) {
	engine := NewMemoryEngine()
	defer engine.Close()

	doc := &Document{Nodes: []*Node{
		{ID: "a", Kind: KindEntity, EntityType: "Suspect", Risk: " HIGH "},
		{ID: "b", Kind: KindEntity},
	}}
	require.NoError(t, ImportDocument(engine, doc))

	a, err := engine.GetNode("a")
	require.NoError(t, err)
	assert.Equal(t, indicator.EntitySuspect, a.EntityType)
	assert.Equal(t, indicator.RiskHigh, a.Risk)

	b, err := engine.GetNode("b")
	require.NoError(t, err)
	assert.Empty(t, b.EntityType)
	assert.Empty(t, b.Risk)

	t.Run("unknown entity type", func(t *testing.T) {
		bad := &Document{Nodes: []*Node{{ID: "c", Kind: KindEntity, EntityType: "spaceship"}}}
		assert.ErrorContains(t, ImportDocument(NewMemoryEngine(), bad), "unknown entity type")
	})

	t.Run("unknown risk level", func(t *testing.T) {
		bad := &Document{Nodes: []*Node{{ID: "c", Kind: KindEntity, Risk: "extreme"}}}
		assert.ErrorContains(t, ImportDocument(NewMemoryEngine(), bad), "unknown risk level")
	})
}

func TestSaveAndLoadDocument(t *testing.T) {
	doc, err := ReadDocument(strings.NewReader(sampleDocument))
	require.NoError(t, err)

	dir := t.TempDir()
	for _, name := range []string{"case.yaml", "case.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, SaveDocument(path, doc))

			loaded, err := LoadDocument(path)
			require.NoError(t, err)
			assert.Equal(t, doc.Viewport, loaded.Viewport)
			require.Len(t, loaded.Nodes, len(doc.Nodes))
			assert.Equal(t, doc.Nodes[1].Indicators, loaded.Nodes[1].Indicators)
		})
	}
}

func TestWriteDocumentFormats(t *testing.T) {
	doc := &Document{Nodes: []*Node{{ID: "a", Kind: KindEntity}}}

	var buf bytes.Buffer
	require.NoError(t, WriteDocument(&buf, doc, FormatJSON))
	assert.Contains(t, buf.String(), `"id": "a"`)

	buf.Reset()
	require.NoError(t, WriteDocument(&buf, doc, FormatYAML))
	assert.Contains(t, buf.String(), "id: a")

	assert.Equal(t, FormatJSON, FormatForPath("x.JSON"))
	assert.Equal(t, FormatYAML, FormatForPath("x.yml"))
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}
