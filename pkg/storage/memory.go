package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryEngine is a thread-safe in-memory canvas store.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - CLI runs over a canvas document loaded from disk
//   - Small investigations that fit entirely in RAM
//
// Features:
//   - Thread-safe: All operations use RWMutex for concurrent access
//   - Indexed: Maintains per-node and per-pair edge indexes
//   - Deep copies: Returns copies to prevent external mutation
//   - Notifying: Publishes change events after each committed mutation
//
// Performance Characteristics:
//   - Node and edge lookup by ID: O(1)
//   - Edges of a node: O(degree)
//   - Edges between a pair: O(1) via the PairKey index
//   - ListNodes: O(n log n), sorted by ID for deterministic passes
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	engine.CreateNode(&storage.Node{ID: "a", Kind: storage.KindEntity})
//	engine.CreateNode(&storage.Node{ID: "b", Kind: storage.KindEntity})
//	id, _ := engine.CreateEdge("a", "b", storage.EdgeOptions{Kind: storage.EdgeManual})
//
//	between, _ := engine.GetEdgesBetween("b", "a")
//	fmt.Println(between[0].ID == id) // true
type MemoryEngine struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge

	// Indexes for efficient lookups
	nodeEdges map[NodeID]map[EdgeID]struct{}
	pairEdges map[PairKey]map[EdgeID]struct{}

	viewport Point
	events   notifier
	closed   bool
}

// NewMemoryEngine creates a new in-memory storage engine with empty indexes.
//
// All data is stored in RAM and lost when the process exits. The viewport
// center starts at the origin.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:     make(map[NodeID]*Node),
		edges:     make(map[EdgeID]*Edge),
		nodeEdges: make(map[NodeID]map[EdgeID]struct{}),
		pairEdges: make(map[PairKey]map[EdgeID]struct{}),
	}
}

// CreateNode creates a new node.
//
// The node is deep-copied to prevent external mutations after storage.
// An empty Kind defaults to KindEntity and zero timestamps are filled in.
//
// Returns:
//   - nil on success
//   - ErrInvalidData if node is nil
//   - ErrInvalidID if ID is empty
//   - ErrAlreadyExists if node with this ID exists
//   - ErrStorageClosed if engine is closed
func (m *MemoryEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStorageClosed
	}
	if _, exists := m.nodes[node.ID]; exists {
		m.mu.Unlock()
		return ErrAlreadyExists
	}

	stored := prepareNode(node, time.Now())
	m.nodes[node.ID] = stored
	m.mu.Unlock()

	m.events.publish(Event{Type: EventNodeCreated, NodeID: node.ID})
	return nil
}

// GetNode retrieves a copy of a node by ID.
func (m *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	node, exists := m.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyNode(node), nil
}

// UpdateNode replaces an existing node. CreatedAt is preserved.
func (m *MemoryEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStorageClosed
	}
	existing, exists := m.nodes[node.ID]
	if !exists {
		m.mu.Unlock()
		return ErrNotFound
	}

	stored := prepareNode(node, time.Now())
	stored.CreatedAt = existing.CreatedAt
	m.nodes[node.ID] = stored
	m.mu.Unlock()

	m.events.publish(Event{Type: EventNodeUpdated, NodeID: node.ID})
	return nil
}

// DeleteNode removes a node and every edge bound to it.
func (m *MemoryEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStorageClosed
	}
	if _, exists := m.nodes[id]; !exists {
		m.mu.Unlock()
		return ErrNotFound
	}

	events := []Event{{Type: EventNodeDeleted, NodeID: id}}
	for edgeID := range m.nodeEdges[id] {
		if edge := m.edges[edgeID]; edge != nil {
			m.removeEdgeLocked(edge)
			events = append(events, edgeEvent(EventEdgeDeleted, edge))
		}
	}
	delete(m.nodeEdges, id)
	delete(m.nodes, id)
	m.mu.Unlock()

	m.events.publish(events...)
	return nil
}

// ListNodes returns copies of every node, ordered by ID.
func (m *MemoryEngine) ListNodes() ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, copyNode(n))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// GetNodeBounds returns the node's bounding box, or ErrNotFound once the node
// is gone.
func (m *MemoryEngine) GetNodeBounds(id NodeID) (Bounds, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Bounds{}, ErrStorageClosed
	}
	node, exists := m.nodes[id]
	if !exists {
		return Bounds{}, ErrNotFound
	}
	return node.Bounds, nil
}

// CreateEdge binds a new edge to the centers of a and b and returns its ID.
//
// Returns:
//   - ErrInvalidID if either ID is empty
//   - ErrInvalidEdge if a == b
//   - ErrNotFound if either node does not exist
//   - ErrStorageClosed if engine is closed
func (m *MemoryEngine) CreateEdge(a, b NodeID, opts EdgeOptions) (EdgeID, error) {
	edge, err := newEdge(a, b, opts, time.Now())
	if err != nil {
		return "", err
	}
	if err := m.PutEdge(edge); err != nil {
		return "", err
	}
	return edge.ID, nil
}

// PutEdge stores a fully specified edge. It is used by document import,
// where edge IDs come from the file.
func (m *MemoryEngine) PutEdge(edge *Edge) error {
	if err := validateEdge(edge); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStorageClosed
	}
	if _, exists := m.edges[edge.ID]; exists {
		m.mu.Unlock()
		return ErrAlreadyExists
	}
	if _, exists := m.nodes[edge.Start]; !exists {
		m.mu.Unlock()
		return ErrNotFound
	}
	if _, exists := m.nodes[edge.End]; !exists {
		m.mu.Unlock()
		return ErrNotFound
	}

	stored := copyEdge(edge)
	m.edges[edge.ID] = stored
	m.indexEdgeLocked(stored)
	m.mu.Unlock()

	m.events.publish(edgeEvent(EventEdgeCreated, stored))
	return nil
}

// GetEdge retrieves a copy of an edge by ID.
func (m *MemoryEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	edge, exists := m.edges[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyEdge(edge), nil
}

// UpdateEdgeLabel replaces an edge's label.
func (m *MemoryEngine) UpdateEdgeLabel(id EdgeID, label string) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStorageClosed
	}
	edge, exists := m.edges[id]
	if !exists {
		m.mu.Unlock()
		return ErrNotFound
	}
	edge.Label = label
	edge.UpdatedAt = time.Now()
	ev := edgeEvent(EventEdgeUpdated, edge)
	m.mu.Unlock()

	m.events.publish(ev)
	return nil
}

// DeleteEdge removes an edge.
func (m *MemoryEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStorageClosed
	}
	edge, exists := m.edges[id]
	if !exists {
		m.mu.Unlock()
		return ErrNotFound
	}
	m.removeEdgeLocked(edge)
	m.mu.Unlock()

	m.events.publish(edgeEvent(EventEdgeDeleted, edge))
	return nil
}

// EdgeExists reports whether an edge with the given ID is stored.
func (m *MemoryEngine) EdgeExists(id EdgeID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrStorageClosed
	}
	_, exists := m.edges[id]
	return exists, nil
}

// GetEdgesOfNode returns the IDs of every edge bound to the node, sorted.
func (m *MemoryEngine) GetEdgesOfNode(id NodeID) ([]EdgeID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	ids := make([]EdgeID, 0, len(m.nodeEdges[id]))
	for edgeID := range m.nodeEdges[id] {
		ids = append(ids, edgeID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// GetEdgesBetween returns every edge bound to the unordered pair {a, b},
// whatever its kind.
func (m *MemoryEngine) GetEdgesBetween(a, b NodeID) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	set := m.pairEdges[MakePairKey(a, b)]
	edges := make([]*Edge, 0, len(set))
	for edgeID := range set {
		edges = append(edges, copyEdge(m.edges[edgeID]))
	}
	sortEdges(edges)
	return edges, nil
}

// ListEdges returns copies of every edge, ordered by ID.
func (m *MemoryEngine) ListEdges() ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	edges := make([]*Edge, 0, len(m.edges))
	for _, e := range m.edges {
		edges = append(edges, copyEdge(e))
	}
	sortEdges(edges)
	return edges, nil
}

// GetViewportCenter returns the center of the visible canvas area.
func (m *MemoryEngine) GetViewportCenter() (Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Point{}, ErrStorageClosed
	}
	return m.viewport, nil
}

// SetViewportCenter records the center of the visible canvas area.
func (m *MemoryEngine) SetViewportCenter(p Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	m.viewport = p
	return nil
}

// BatchUpdatePositions moves every listed node in one critical section.
// Unknown IDs are skipped.
func (m *MemoryEngine) BatchUpdatePositions(updates []PositionUpdate) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStorageClosed
	}

	now := time.Now()
	moved := make([]NodeID, 0, len(updates))
	for _, u := range updates {
		node, exists := m.nodes[u.ID]
		if !exists {
			continue
		}
		node.Bounds.X = u.X
		node.Bounds.Y = u.Y
		node.UpdatedAt = now
		moved = append(moved, u.ID)
	}
	m.mu.Unlock()

	if len(moved) > 0 {
		m.events.publish(Event{Type: EventNodesMoved, Nodes: moved})
	}
	return nil
}

// Subscribe registers a listener for change events.
func (m *MemoryEngine) Subscribe(fn Listener) func() {
	return m.events.subscribe(fn)
}

// NodeCount returns the number of nodes.
func (m *MemoryEngine) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.nodes)), nil
}

// EdgeCount returns the number of edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// Close marks the engine closed. Later calls return ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

func (m *MemoryEngine) indexEdgeLocked(e *Edge) {
	for _, id := range []NodeID{e.Start, e.End} {
		if m.nodeEdges[id] == nil {
			m.nodeEdges[id] = make(map[EdgeID]struct{})
		}
		m.nodeEdges[id][e.ID] = struct{}{}
	}

	key := e.PairKey()
	if m.pairEdges[key] == nil {
		m.pairEdges[key] = make(map[EdgeID]struct{})
	}
	m.pairEdges[key][e.ID] = struct{}{}
}

func (m *MemoryEngine) removeEdgeLocked(e *Edge) {
	delete(m.edges, e.ID)
	for _, id := range []NodeID{e.Start, e.End} {
		if set := m.nodeEdges[id]; set != nil {
			delete(set, e.ID)
		}
	}

	key := e.PairKey()
	if set := m.pairEdges[key]; set != nil {
		delete(set, e.ID)
		if len(set) == 0 {
			delete(m.pairEdges, key)
		}
	}
}

// newEdge builds a center-bound edge with a fresh UUID.
func newEdge(a, b NodeID, opts EdgeOptions, now time.Time) (*Edge, error) {
	if a == "" || b == "" {
		return nil, ErrInvalidID
	}
	if a == b {
		return nil, ErrInvalidEdge
	}
	kind := opts.Kind
	if kind == "" {
		kind = EdgeManual
	}
	return &Edge{
		ID:          EdgeID(uuid.NewString()),
		Start:       a,
		End:         b,
		Kind:        kind,
		Label:       opts.Label,
		StartAnchor: CenterAnchor,
		EndAnchor:   CenterAnchor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func validateEdge(edge *Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" || edge.Start == "" || edge.End == "" {
		return ErrInvalidID
	}
	if edge.Start == edge.End {
		return ErrInvalidEdge
	}
	return nil
}

// prepareNode copies a node for storage, filling in defaults.
func prepareNode(node *Node, now time.Time) *Node {
	stored := copyNode(node)
	if stored.Kind == "" {
		stored.Kind = KindEntity
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	return stored
}

func copyNode(n *Node) *Node {
	c := *n
	c.Indicators = n.Indicators.Clone()
	return &c
}

func copyEdge(e *Edge) *Edge {
	c := *e
	return &c
}

func sortEdges(edges []*Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
}
