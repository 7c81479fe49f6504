// Package storage provides storage engine implementations for the canvas.
//
// BadgerEngine provides persistent disk-based storage using BadgerDB.
// It implements the Engine interface with every mutation in one transaction.
package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixNode      = byte(0x01) // nodes:nodeID -> Node
	prefixEdge      = byte(0x02) // edges:edgeID -> Edge
	prefixNodeIndex = byte(0x03) // node:nodeID:edgeID -> []byte{}
	prefixPairIndex = byte(0x04) // pair:pairKey:edgeID -> []byte{}
	prefixMeta      = byte(0x05) // meta:name -> JSON
)

var viewportKey = append([]byte{prefixMeta}, []byte("viewport")...)

// BadgerEngine provides persistent storage using BadgerDB.
//
// Features:
//   - Transactions for all operations
//   - Persistent storage to disk
//   - Node and PairKey edge indexes
//   - Thread-safe concurrent access
//   - Change events published after each committed transaction
//
// Key Structure:
//   - Nodes: 0x01 + nodeID -> JSON(Node)
//   - Edges: 0x02 + edgeID -> JSON(Edge)
//   - Node Index: 0x03 + nodeID + 0x00 + edgeID -> empty
//   - Pair Index: 0x04 + pairKey + 0x00 + edgeID -> empty
//   - Viewport: 0x05 + "viewport" -> JSON(Point)
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("/path/to/canvas")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	engine.CreateNode(&storage.Node{ID: "suspect-1", Kind: storage.KindEntity})
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex // Protects closed
	closed bool
	events notifier
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging.
	// If nil, BadgerDB logging is silenced.
	Logger *zap.Logger
}

// NewBadgerEngine opens a persistent engine in dataDir with default settings.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("./data/canvas")
//	if err != nil {
//		return fmt.Errorf("failed to open canvas store: %w", err)
//	}
//	defer engine.Close()
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions opens a BadgerDB engine with custom options.
//
// Low-memory settings are always applied: a canvas store holds at most a few
// thousand small records.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if opts.DataDir == "" && !opts.InMemory {
		return nil, fmt.Errorf("badger: data directory required")
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(newBadgerLogger(opts.Logger))
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerEngine{db: db}, nil
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
//
// Data is not persisted and is lost when the engine is closed.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

// indexKey builds prefix + owner + 0x00 + edgeID.
func indexKey(prefix byte, owner string, edgeID EdgeID) []byte {
	key := make([]byte, 0, 1+len(owner)+1+len(edgeID))
	key = append(key, prefix)
	key = append(key, []byte(owner)...)
	key = append(key, 0x00)
	key = append(key, []byte(edgeID)...)
	return key
}

// indexPrefix builds prefix + owner + 0x00 for scanning an index.
func indexPrefix(prefix byte, owner string) []byte {
	key := make([]byte, 0, 1+len(owner)+1)
	key = append(key, prefix)
	key = append(key, []byte(owner)...)
	key = append(key, 0x00)
	return key
}

// extractEdgeIDFromIndexKey extracts the edgeID from an index key.
// Format: prefix + owner + 0x00 + edgeID
func extractEdgeIDFromIndexKey(key []byte) EdgeID {
	for i := 1; i < len(key); i++ {
		if key[i] == 0x00 {
			return EdgeID(key[i+1:])
		}
	}
	return ""
}

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// ============================================================================
// Node Operations
// ============================================================================

// CreateNode creates a new node in persistent storage.
func (b *BadgerEngine) CreateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		key := nodeKey(node.ID)
		_, err := txn.Get(key)
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setNode(txn, prepareNode(node, time.Now()))
	})
	if err != nil {
		return err
	}

	b.events.publish(Event{Type: EventNodeCreated, NodeID: node.ID})
	return nil
}

// GetNode retrieves a node by ID.
func (b *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var node *Node
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		node, err = getNode(txn, id)
		return err
	})
	return node, err
}

// UpdateNode replaces an existing node. CreatedAt is preserved.
func (b *BadgerEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		existing, err := getNode(txn, node.ID)
		if err != nil {
			return err
		}
		stored := prepareNode(node, time.Now())
		stored.CreatedAt = existing.CreatedAt
		return setNode(txn, stored)
	})
	if err != nil {
		return err
	}

	b.events.publish(Event{Type: EventNodeUpdated, NodeID: node.ID})
	return nil
}

// DeleteNode removes a node and every edge bound to it.
func (b *BadgerEngine) DeleteNode(id NodeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	var events []Event
	err := b.db.Update(func(txn *badger.Txn) error {
		events = events[:0]
		key := nodeKey(id)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}

		edgeIDs := scanIndex(txn, indexPrefix(prefixNodeIndex, string(id)))
		for _, edgeID := range edgeIDs {
			edge, err := deleteEdgeInTxn(txn, edgeID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			events = append(events, edgeEvent(EventEdgeDeleted, edge))
		}

		return txn.Delete(key)
	})
	if err != nil {
		return err
	}

	b.events.publish(append([]Event{{Type: EventNodeDeleted, NodeID: id}}, events...)...)
	return nil
}

// ListNodes returns every node, ordered by ID (BadgerDB key order).
func (b *BadgerEngine) ListNodes() ([]*Node, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var nodes []*Node
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixNode}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var node *Node
			if err := it.Item().Value(func(val []byte) error {
				var decodeErr error
				node, decodeErr = decodeNode(val)
				return decodeErr
			}); err != nil {
				return err
			}
			nodes = append(nodes, node)
		}
		return nil
	})
	return nodes, err
}

// GetNodeBounds returns the node's bounding box, or ErrNotFound.
func (b *BadgerEngine) GetNodeBounds(id NodeID) (Bounds, error) {
	node, err := b.GetNode(id)
	if err != nil {
		return Bounds{}, err
	}
	return node.Bounds, nil
}

// ============================================================================
// Edge Operations
// ============================================================================

// CreateEdge binds a new edge to the centers of a and b and returns its ID.
func (b *BadgerEngine) CreateEdge(a, c NodeID, opts EdgeOptions) (EdgeID, error) {
	edge, err := newEdge(a, c, opts, time.Now())
	if err != nil {
		return "", err
	}
	if err := b.PutEdge(edge); err != nil {
		return "", err
	}
	return edge.ID, nil
}

// PutEdge stores a fully specified edge and its index entries.
func (b *BadgerEngine) PutEdge(edge *Edge) error {
	if err := validateEdge(edge); err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		key := edgeKey(edge.ID)
		_, err := txn.Get(key)
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		for _, id := range []NodeID{edge.Start, edge.End} {
			if _, err := txn.Get(nodeKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			} else if err != nil {
				return err
			}
		}

		if err := setEdge(txn, edge); err != nil {
			return err
		}
		if err := txn.Set(indexKey(prefixNodeIndex, string(edge.Start), edge.ID), []byte{}); err != nil {
			return err
		}
		if err := txn.Set(indexKey(prefixNodeIndex, string(edge.End), edge.ID), []byte{}); err != nil {
			return err
		}
		return txn.Set(indexKey(prefixPairIndex, string(edge.PairKey()), edge.ID), []byte{})
	})
	if err != nil {
		return err
	}

	b.events.publish(edgeEvent(EventEdgeCreated, edge))
	return nil
}

// GetEdge retrieves an edge by ID.
func (b *BadgerEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edge *Edge
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		edge, err = getEdge(txn, id)
		return err
	})
	return edge, err
}

// UpdateEdgeLabel replaces an edge's label.
func (b *BadgerEngine) UpdateEdgeLabel(id EdgeID, label string) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	var edge *Edge
	err := b.db.Update(func(txn *badger.Txn) error {
		var err error
		edge, err = getEdge(txn, id)
		if err != nil {
			return err
		}
		edge.Label = label
		edge.UpdatedAt = time.Now()
		return setEdge(txn, edge)
	})
	if err != nil {
		return err
	}

	b.events.publish(edgeEvent(EventEdgeUpdated, edge))
	return nil
}

// DeleteEdge removes an edge and its index entries.
func (b *BadgerEngine) DeleteEdge(id EdgeID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	var edge *Edge
	err := b.db.Update(func(txn *badger.Txn) error {
		var err error
		edge, err = deleteEdgeInTxn(txn, id)
		return err
	})
	if err != nil {
		return err
	}

	b.events.publish(edgeEvent(EventEdgeDeleted, edge))
	return nil
}

// deleteEdgeInTxn deletes an edge within an existing transaction.
func deleteEdgeInTxn(txn *badger.Txn, id EdgeID) (*Edge, error) {
	edge, err := getEdge(txn, id)
	if err != nil {
		return nil, err
	}

	for _, key := range [][]byte{
		indexKey(prefixNodeIndex, string(edge.Start), id),
		indexKey(prefixNodeIndex, string(edge.End), id),
		indexKey(prefixPairIndex, string(edge.PairKey()), id),
		edgeKey(id),
	} {
		if err := txn.Delete(key); err != nil {
			return nil, err
		}
	}
	return edge, nil
}

// EdgeExists reports whether an edge with the given ID is stored.
func (b *BadgerEngine) EdgeExists(id EdgeID) (bool, error) {
	if err := b.checkOpen(); err != nil {
		return false, err
	}

	exists := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(edgeKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// GetEdgesOfNode returns the IDs of every edge bound to the node.
func (b *BadgerEngine) GetEdgesOfNode(id NodeID) ([]EdgeID, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var ids []EdgeID
	err := b.db.View(func(txn *badger.Txn) error {
		ids = scanIndex(txn, indexPrefix(prefixNodeIndex, string(id)))
		return nil
	})
	return ids, err
}

// GetEdgesBetween returns every edge bound to the unordered pair {a, c}.
func (b *BadgerEngine) GetEdgesBetween(a, c NodeID) ([]*Edge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		for _, id := range scanIndex(txn, indexPrefix(prefixPairIndex, string(MakePairKey(a, c)))) {
			edge, err := getEdge(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			edges = append(edges, edge)
		}
		return nil
	})
	return edges, err
}

// ListEdges returns every edge, ordered by ID.
func (b *BadgerEngine) ListEdges() ([]*Edge, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixEdge}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var edge *Edge
			if err := it.Item().Value(func(val []byte) error {
				var decodeErr error
				edge, decodeErr = decodeEdge(val)
				return decodeErr
			}); err != nil {
				return err
			}
			edges = append(edges, edge)
		}
		return nil
	})
	return edges, err
}

// ============================================================================
// Viewport and layout
// ============================================================================

// GetViewportCenter returns the stored viewport center, or the origin.
func (b *BadgerEngine) GetViewportCenter() (Point, error) {
	if err := b.checkOpen(); err != nil {
		return Point{}, err
	}

	var p Point
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(viewportKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return decodeJSON(val, &p)
		})
	})
	return p, err
}

// SetViewportCenter persists the viewport center.
func (b *BadgerEngine) SetViewportCenter(p Point) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := encodeJSON(p)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(viewportKey, data)
	})
}

// BatchUpdatePositions moves every listed node in one transaction.
// Unknown IDs are skipped.
func (b *BadgerEngine) BatchUpdatePositions(updates []PositionUpdate) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	var moved []NodeID
	err := b.db.Update(func(txn *badger.Txn) error {
		moved = moved[:0]
		now := time.Now()
		for _, u := range updates {
			node, err := getNode(txn, u.ID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			node.Bounds.X = u.X
			node.Bounds.Y = u.Y
			node.UpdatedAt = now
			if err := setNode(txn, node); err != nil {
				return err
			}
			moved = append(moved, u.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(moved) > 0 {
		b.events.publish(Event{Type: EventNodesMoved, Nodes: moved})
	}
	return nil
}

// Subscribe registers a listener for change events.
func (b *BadgerEngine) Subscribe(fn Listener) func() {
	return b.events.subscribe(fn)
}

// ============================================================================
// Stats and lifecycle
// ============================================================================

// NodeCount returns the total number of nodes.
func (b *BadgerEngine) NodeCount() (int64, error) {
	return b.countPrefix(prefixNode)
}

// EdgeCount returns the total number of edges.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.countPrefix(prefixEdge)
}

func (b *BadgerEngine) countPrefix(p byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{p}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the BadgerDB database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.db.Close()
}

// Sync forces a sync of all data to disk.
func (b *BadgerEngine) Sync() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Sync()
}

// RunGC runs BadgerDB value log garbage collection once.
// badger.ErrNoRewrite means there was nothing to collect and is not an error.
func (b *BadgerEngine) RunGC() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := b.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return err
	}
	return nil
}

// ============================================================================
// Transaction helpers
// ============================================================================

func getNode(txn *badger.Txn, id NodeID) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var node *Node
	err = item.Value(func(val []byte) error {
		var decodeErr error
		node, decodeErr = decodeNode(val)
		return decodeErr
	})
	return node, err
}

func setNode(txn *badger.Txn, node *Node) error {
	data, err := encodeNode(node)
	if err != nil {
		return fmt.Errorf("failed to encode node: %w", err)
	}
	return txn.Set(nodeKey(node.ID), data)
}

func getEdge(txn *badger.Txn, id EdgeID) (*Edge, error) {
	item, err := txn.Get(edgeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var edge *Edge
	err = item.Value(func(val []byte) error {
		var decodeErr error
		edge, decodeErr = decodeEdge(val)
		return decodeErr
	})
	return edge, err
}

func setEdge(txn *badger.Txn, edge *Edge) error {
	data, err := encodeEdge(edge)
	if err != nil {
		return fmt.Errorf("failed to encode edge: %w", err)
	}
	return txn.Set(edgeKey(edge.ID), data)
}

// scanIndex collects the edge IDs stored under an index prefix.
func scanIndex(txn *badger.Txn, prefix []byte) []EdgeID {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []EdgeID
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, extractEdgeIDFromIndexKey(it.Item().Key()))
	}
	return ids
}
