// Package storage - Canvas document import and export.
//
// A canvas document is the on-disk form of one investigation: the viewport
// center, every node and every edge. Documents are read and written as YAML
// or JSON; ReadDocument sniffs the format from the first byte.
//
// Example document:
//
//	viewport: {x: 640, y: 360}
//	nodes:
//	  - id: suspect-1
//	    kind: entity
//	    title: Shadow
//	    indicators:
//	      usernames: [shadow99]
//	    bounds: {x: 0, y: 0, width: 260, height: 160}
//	edges:
//	  - id: e1
//	    start: suspect-1
//	    end: suspect-2
//	    kind: manual
//	    label: same forum
//
// Example Usage:
//
//	doc, err := storage.LoadDocument("./case-42.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	engine := storage.NewMemoryEngine()
//	if err := storage.ImportDocument(engine, doc); err != nil {
//		log.Fatal(err)
//	}
//	// ... run the linker and layout ...
//	out, _ := storage.ExportDocument(engine)
//	storage.SaveDocument("./case-42.yaml", out)
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/icarus/pkg/indicator"
)

// Format selects the encoding of a written document.
type Format string

// Document formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "yaml", "yml", "":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown document format %q", s)
}

// FormatForPath picks a format from a file extension. Anything other than
// .json is YAML.
func FormatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Document is the serialized form of a canvas.
type Document struct {
	Viewport Point   `json:"viewport" yaml:"viewport"`
	Nodes    []*Node `json:"nodes" yaml:"nodes"`
	Edges    []*Edge `json:"edges" yaml:"edges"`
}

// LoadDocument reads a YAML or JSON document from path.
func LoadDocument(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening document: %w", err)
	}
	defer f.Close()

	doc, err := ReadDocument(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return doc, nil
}

// ReadDocument decodes a YAML or JSON document. Input whose first
// non-blank byte is '{' is treated as JSON.
func ReadDocument(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}

	var doc Document
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &doc, nil
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("decoding json document: %w", err)
		}
		return &doc, nil
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding yaml document: %w", err)
	}
	return &doc, nil
}

// WriteDocument encodes doc to w in the given format.
func WriteDocument(w io.Writer, doc *Document, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encoding document: %w", err)
		}
		return nil
	default:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encoding document: %w", err)
		}
		return enc.Close()
	}
}

// SaveDocument writes doc to path, choosing the format from the extension.
// The file is written to a temporary sibling first and renamed into place.
func SaveDocument(path string, doc *Document) error {
	var buf bytes.Buffer
	if err := WriteDocument(&buf, doc, FormatForPath(path)); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing document: %w", err)
	}
	return nil
}

// ImportDocument loads every node, then every edge, then the viewport into
// engine. Edges without an ID get a fresh UUID; edges with zero anchors are
// bound to node centers.
func ImportDocument(engine Engine, doc *Document) error {
	for _, n := range doc.Nodes {
		if n == nil {
			continue
		}
		node := *n
		node.Indicators = n.Indicators.Normalize()
		if node.EntityType != "" {
			t, err := indicator.ParseEntityType(string(node.EntityType))
			if err != nil {
				return fmt.Errorf("importing node %q: %w", n.ID, err)
			}
			node.EntityType = t
		}
		if node.Risk != "" {
			r, err := indicator.ParseRiskLevel(string(node.Risk))
			if err != nil {
				return fmt.Errorf("importing node %q: %w", n.ID, err)
			}
			node.Risk = r
		}
		if err := engine.CreateNode(&node); err != nil {
			return fmt.Errorf("importing node %q: %w", n.ID, err)
		}
	}

	for _, e := range doc.Edges {
		if e == nil {
			continue
		}
		edge := *e
		if edge.ID == "" {
			edge.ID = EdgeID(uuid.NewString())
		}
		if edge.Kind == "" {
			edge.Kind = EdgeManual
		}
		if edge.StartAnchor == (Anchor{}) {
			edge.StartAnchor = CenterAnchor
		}
		if edge.EndAnchor == (Anchor{}) {
			edge.EndAnchor = CenterAnchor
		}
		if err := engine.PutEdge(&edge); err != nil {
			return fmt.Errorf("importing edge %q (%s - %s): %w", edge.ID, edge.Start, edge.End, err)
		}
	}

	if err := engine.SetViewportCenter(doc.Viewport); err != nil {
		return fmt.Errorf("importing viewport: %w", err)
	}
	return nil
}

// ExportDocument snapshots engine into a Document.
func ExportDocument(engine Engine) (*Document, error) {
	nodes, err := engine.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	edges, err := engine.ListEdges()
	if err != nil {
		return nil, fmt.Errorf("listing edges: %w", err)
	}
	viewport, err := engine.GetViewportCenter()
	if err != nil {
		return nil, fmt.Errorf("reading viewport: %w", err)
	}
	return &Document{Viewport: viewport, Nodes: nodes, Edges: edges}, nil
}
