// Package storage provides the Graph Store used by the relationship engine.
//
// The storage package defines the Engine interface the linker, connector and
// layout packages consume, and ships two implementations:
//   - MemoryEngine: In-memory canvas for tests, CLI runs and small investigations
//   - BadgerEngine: Persistent canvas backed by BadgerDB
//
// Design Principles:
//   - One edge index keyed by PairKey, regardless of edge kind
//   - Thread-safe implementations returning deep copies
//   - Change events published after the write lock is released
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	engine.CreateNode(&storage.Node{
//		ID:         "suspect-1",
//		Kind:       storage.KindEntity,
//		Indicators: indicator.Set{Usernames: []string{"shadow99"}},
//		Bounds:     storage.Bounds{X: 0, Y: 0, Width: 260, Height: 160},
//	})
//	engine.CreateNode(&storage.Node{ID: "suspect-2", Kind: storage.KindEntity})
//
//	id, err := engine.CreateEdge("suspect-1", "suspect-2", storage.EdgeOptions{
//		Kind:  storage.EdgeManual,
//		Label: "same forum",
//	})
package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/orneryd/icarus/pkg/indicator"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrInvalidEdge   = errors.New("invalid edge: endpoints must be two distinct nodes")
	ErrStorageClosed = errors.New("storage closed")
)

// Default node dimensions used when a node has no usable size.
const (
	DefaultNodeWidth  = 260.0
	DefaultNodeHeight = 160.0
)

// NodeID is a strongly-typed unique identifier for canvas nodes.
type NodeID string

// EdgeID is a strongly-typed unique identifier for relationship edges.
type EdgeID string

// PairKey is the canonical identity of an unordered node pair: the two ids
// sorted lexicographically and joined with PairSeparator.
type PairKey string

// PairSeparator joins the two ids of a PairKey.
const PairSeparator = ":::"

// MakePairKey returns the PairKey for a and b. The result does not depend on
// argument order.
//
// Example:
//
//	storage.MakePairKey("b", "a") == storage.MakePairKey("a", "b") // "a:::b"
func MakePairKey(a, b NodeID) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey(string(a) + PairSeparator + string(b))
}

// Nodes splits the key back into its two ids, lowest first.
func (k PairKey) Nodes() (NodeID, NodeID) {
	a, b, _ := strings.Cut(string(k), PairSeparator)
	return NodeID(a), NodeID(b)
}

// Has reports whether id is one of the two ids of the pair.
func (k PairKey) Has(id NodeID) bool {
	a, b := k.Nodes()
	return a == id || b == id
}

// NodeKind distinguishes entity nodes from other diagram primitives.
type NodeKind string

// Node kinds. Only KindEntity nodes carry indicators and take part in
// relationship inference.
const (
	KindEntity NodeKind = "entity"
	KindNote   NodeKind = "note"
	KindFrame  NodeKind = "frame"
)

// EdgeKind records how an edge came to exist.
type EdgeKind string

// Edge kinds.
const (
	EdgeManual   EdgeKind = "manual"
	EdgeInferred EdgeKind = "inferred"
)

// Point is a canvas coordinate.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Bounds is a node's axis-aligned bounding box. X and Y are the top-left corner.
type Bounds struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Center returns the geometric center of the box, using the default size
// for missing dimensions.
func (b Bounds) Center() Point {
	w, h := b.Size()
	return Point{X: b.X + w/2, Y: b.Y + h/2}
}

// Size returns width and height, substituting the defaults for values that
// are not positive.
func (b Bounds) Size() (float64, float64) {
	w, h := b.Width, b.Height
	if w <= 0 {
		w = DefaultNodeWidth
	}
	if h <= 0 {
		h = DefaultNodeHeight
	}
	return w, h
}

// Anchor binds one end of an edge to a point inside a node, in coordinates
// normalized to the node's bounds.
//
// Exact anchors stay on the given point; non-exact anchors may slide to the
// node outline. Precise anchors track resizing; imprecise ones snap back to
// the center.
type Anchor struct {
	X       float64 `json:"x" yaml:"x"`
	Y       float64 `json:"y" yaml:"y"`
	Exact   bool    `json:"exact" yaml:"exact"`
	Precise bool    `json:"precise" yaml:"precise"`
}

// CenterAnchor is the non-exact, non-precise anchor at a node's center.
var CenterAnchor = Anchor{X: 0.5, Y: 0.5}

// Node is an item placed on the canvas.
//
// Entity nodes carry an indicator.Set; notes and frames do not take part in
// matching but are still positioned by the layout engine.
//
// Thread Safety:
//
//	Node structs are NOT thread-safe. The storage engine handles concurrency.
type Node struct {
	ID         NodeID               `json:"id" yaml:"id"`
	Kind       NodeKind             `json:"kind" yaml:"kind"`
	Title      string               `json:"title,omitempty" yaml:"title,omitempty"`
	EntityType indicator.EntityType `json:"entityType,omitempty" yaml:"entityType,omitempty"`
	Risk       indicator.RiskLevel  `json:"risk,omitempty" yaml:"risk,omitempty"`
	Notes      string               `json:"notes,omitempty" yaml:"notes,omitempty"`
	Indicators indicator.Set        `json:"indicators" yaml:"indicators"`
	Bounds     Bounds               `json:"bounds" yaml:"bounds"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt,omitempty"`
}

// IsEntity reports whether the node takes part in indicator matching.
func (n *Node) IsEntity() bool {
	return n.Kind == KindEntity
}

// Edge is a relationship between two distinct nodes.
//
// Edges are undirected: Start and End only record which anchor is bound to
// which node. Kind is metadata; deduplication works on PairKey alone.
type Edge struct {
	ID          EdgeID   `json:"id" yaml:"id"`
	Start       NodeID   `json:"start" yaml:"start"`
	End         NodeID   `json:"end" yaml:"end"`
	Kind        EdgeKind `json:"kind" yaml:"kind"`
	Label       string   `json:"label,omitempty" yaml:"label,omitempty"`
	StartAnchor Anchor   `json:"startAnchor" yaml:"startAnchor"`
	EndAnchor   Anchor   `json:"endAnchor" yaml:"endAnchor"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt,omitempty"`
}

// PairKey returns the canonical pair identity of the edge's endpoints.
func (e *Edge) PairKey() PairKey {
	return MakePairKey(e.Start, e.End)
}

// EdgeOptions describes an edge to create between two node centers.
type EdgeOptions struct {
	Kind  EdgeKind
	Label string
}

// PositionUpdate moves a node's top-left corner.
type PositionUpdate struct {
	ID NodeID
	X  float64
	Y  float64
}

// Engine is the Graph Store consumed by the relationship engine.
//
// All Engine implementations MUST be:
//   - Thread-safe: Safe for concurrent access from multiple goroutines
//   - Copying: Returned nodes and edges are copies the caller may keep
//   - Cascading: DeleteNode removes every edge bound to the node
//   - Notifying: Mutations are published to subscribers after they commit
//
// Implementations:
//   - MemoryEngine: In-memory storage
//   - BadgerEngine: Persistent disk storage
type Engine interface {
	// Node operations
	CreateNode(node *Node) error
	GetNode(id NodeID) (*Node, error)
	UpdateNode(node *Node) error
	DeleteNode(id NodeID) error
	ListNodes() ([]*Node, error)
	GetNodeBounds(id NodeID) (Bounds, error)

	// Edge operations
	CreateEdge(a, b NodeID, opts EdgeOptions) (EdgeID, error)
	PutEdge(edge *Edge) error
	GetEdge(id EdgeID) (*Edge, error)
	UpdateEdgeLabel(id EdgeID, label string) error
	DeleteEdge(id EdgeID) error
	EdgeExists(id EdgeID) (bool, error)
	GetEdgesOfNode(id NodeID) ([]EdgeID, error)
	GetEdgesBetween(a, b NodeID) ([]*Edge, error)
	ListEdges() ([]*Edge, error)

	// Viewport and layout
	GetViewportCenter() (Point, error)
	SetViewportCenter(p Point) error
	BatchUpdatePositions(updates []PositionUpdate) error

	// Change notification
	Subscribe(fn Listener) (unsubscribe func())

	// Stats
	NodeCount() (int64, error)
	EdgeCount() (int64, error)

	// Lifecycle
	Close() error
}
