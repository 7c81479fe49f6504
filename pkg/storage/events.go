package storage

import "sync"

// EventType identifies the kind of mutation an Event describes.
type EventType int

// Event types.
const (
	EventNodeCreated EventType = iota + 1
	EventNodeUpdated
	EventNodeDeleted
	EventNodesMoved
	EventEdgeCreated
	EventEdgeUpdated
	EventEdgeDeleted
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "node_created"
	case EventNodeUpdated:
		return "node_updated"
	case EventNodeDeleted:
		return "node_deleted"
	case EventNodesMoved:
		return "nodes_moved"
	case EventEdgeCreated:
		return "edge_created"
	case EventEdgeUpdated:
		return "edge_updated"
	case EventEdgeDeleted:
		return "edge_deleted"
	}
	return "unknown"
}

// Event describes one committed mutation.
//
// Node events set NodeID. Edge events set EdgeID, Kind and both endpoints in
// Nodes. EventNodesMoved lists every moved node in Nodes.
type Event struct {
	Type   EventType
	NodeID NodeID
	EdgeID EdgeID
	Kind   EdgeKind
	Nodes  []NodeID
}

// Listener receives events. Listeners run synchronously on the goroutine that
// performed the mutation, after the engine released its locks, and must not
// block.
type Listener func(Event)

// notifier fans events out to subscribers.
type notifier struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	next      int
}

func (n *notifier) subscribe(fn Listener) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.listeners == nil {
		n.listeners = make(map[int]Listener)
	}
	id := n.next
	n.next++
	n.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) publish(events ...Event) {
	if len(events) == 0 {
		return
	}

	n.mu.RLock()
	listeners := make([]Listener, 0, len(n.listeners))
	for _, fn := range n.listeners {
		listeners = append(listeners, fn)
	}
	n.mu.RUnlock()

	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

func edgeEvent(t EventType, e *Edge) Event {
	return Event{Type: t, EdgeID: e.ID, Kind: e.Kind, Nodes: []NodeID{e.Start, e.End}}
}
