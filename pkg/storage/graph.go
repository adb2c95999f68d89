package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// edgeTriple is the identity of an edge for idempotent upserts. Re-adding
// the same (source, target, kind) is a no-op, which keeps repeated full
// syncs from multiplying edges.
type edgeTriple struct {
	source NodeHandle
	target NodeHandle
	kind   EdgeKind
}

// Graph is the thread-safe arena-based graph store.
//
// Structure:
//   - nodes / edges: the arena, keyed by handle
//   - byExternalID: the only pointer-like structure, mapping normalized
//     external id to node handle; kept strictly in sync with the arena on
//     every insert and remove, and rebuilt (never hand-patched) on restore
//   - outgoing / incoming: adjacency indexes for O(degree) edge capture
//   - byTriple: edge identity index for idempotent edge upserts
//
// Single-writer discipline: mutation is serialized behind the write lock;
// readers may be concurrent with each other but not with a mutation.
// Callers that need a whole batch to be exclusive (sync passes, archival)
// hold their own outer guard; the Graph's lock only protects individual
// operations.
type Graph struct {
	mu sync.RWMutex

	nodes map[NodeHandle]*Node
	edges map[EdgeHandle]*Edge

	byExternalID map[string]NodeHandle
	outgoing     map[NodeHandle]map[EdgeHandle]struct{}
	incoming     map[NodeHandle]map[EdgeHandle]struct{}
	byTriple     map[edgeTriple]EdgeHandle

	// Monotonic handle counters. Never reset, never reused after removal.
	nextNode uint64
	nextEdge uint64
}

// NewGraph creates an empty graph store ready for concurrent use.
func NewGraph() *Graph {
	return &Graph{
		nodes:        make(map[NodeHandle]*Node),
		edges:        make(map[EdgeHandle]*Edge),
		byExternalID: make(map[string]NodeHandle),
		outgoing:     make(map[NodeHandle]map[EdgeHandle]struct{}),
		incoming:     make(map[NodeHandle]map[EdgeHandle]struct{}),
		byTriple:     make(map[edgeTriple]EdgeHandle),
	}
}

// UpsertNode creates a node or updates an existing one in place.
//
// Page external ids are normalized (lowercased, trimmed) before lookup, so
// there is exactly one live node per normalized page name. If the node
// already exists its content, properties and updated-at are replaced (not
// merged) and the existing handle is returned with no effect on edges.
// CreatedAt is only taken from the record on first creation, or when the
// stored node has no creation time yet (an auto-vivified page being
// ingested explicitly for the first time).
//
// Returns:
//   - the node's stable handle
//   - ErrInvalidID for an empty external id
//   - ErrInvalidData for an unknown kind
//   - ErrKindMismatch if the id is already live under the other kind
func (g *Graph) UpsertNode(externalID string, kind NodeKind, content string, props *Properties, createdAt, updatedAt time.Time) (NodeHandle, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("upsert node: kind %q: %w", kind, ErrInvalidData)
	}
	id := externalID
	if kind == KindPage {
		id = NormalizePageName(externalID)
	}
	if id == "" {
		return 0, fmt.Errorf("upsert node: %w", ErrInvalidID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if h, ok := g.byExternalID[id]; ok {
		existing := g.nodes[h]
		if existing.Kind != kind {
			return 0, fmt.Errorf("upsert node %q: stored as %s, record says %s: %w",
				id, existing.Kind, kind, ErrKindMismatch)
		}
		existing.Content = content
		existing.Props = props.Clone()
		existing.UpdatedAt = updatedAt
		if existing.CreatedAt.IsZero() {
			existing.CreatedAt = createdAt
		}
		return h, nil
	}

	g.nextNode++
	h := NodeHandle(g.nextNode)
	g.nodes[h] = &Node{
		Handle:     h,
		ExternalID: id,
		Kind:       kind,
		Content:    content,
		Props:      props.Clone(),
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}
	g.byExternalID[id] = h
	return h, nil
}

// EnsurePage returns the handle for a page, creating it if absent.
//
// This is the auto-vivification path used by reference resolution: linking
// to [[Some Page]] or tagging #topic must produce a target node even when
// that page has never been ingested explicitly. The created node keeps the
// display-cased name as its content and carries zero timestamps until the
// producer ingests the page properly.
func (g *Graph) EnsurePage(name string) (NodeHandle, error) {
	id := NormalizePageName(name)
	if id == "" {
		return 0, fmt.Errorf("ensure page: %w", ErrInvalidID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if h, ok := g.byExternalID[id]; ok {
		return h, nil
	}

	g.nextNode++
	h := NodeHandle(g.nextNode)
	g.nodes[h] = &Node{
		Handle:     h,
		ExternalID: id,
		Kind:       KindPage,
		Content:    name,
	}
	g.byExternalID[id] = h
	return h, nil
}

// SetParent records the hierarchical back-reference on a node. The parent
// id is containment metadata only; ownership stays with the arena.
func (g *Graph) SetParent(h NodeHandle, parentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[h]
	if !ok {
		return fmt.Errorf("set parent: handle %d: %w", h, ErrNotFound)
	}
	node.ParentID = parentID
	return nil
}

// UpsertEdge adds a directed edge, idempotently.
//
// Both endpoints must be live handles. Re-adding an identical
// (source, target, kind) triple returns the existing edge with
// created=false and changes nothing.
func (g *Graph) UpsertEdge(source, target NodeHandle, kind EdgeKind) (EdgeHandle, bool, error) {
	if !kind.Valid() {
		return 0, false, fmt.Errorf("upsert edge: kind %q: %w", kind, ErrInvalidData)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[source]; !ok {
		return 0, false, fmt.Errorf("upsert edge: source %d: %w", source, ErrNotFound)
	}
	if _, ok := g.nodes[target]; !ok {
		return 0, false, fmt.Errorf("upsert edge: target %d: %w", target, ErrNotFound)
	}

	triple := edgeTriple{source: source, target: target, kind: kind}
	if h, ok := g.byTriple[triple]; ok {
		return h, false, nil
	}

	g.nextEdge++
	h := EdgeHandle(g.nextEdge)
	g.edges[h] = &Edge{Handle: h, Source: source, Target: target, Kind: kind}
	g.byTriple[triple] = h
	if g.outgoing[source] == nil {
		g.outgoing[source] = make(map[EdgeHandle]struct{})
	}
	g.outgoing[source][h] = struct{}{}
	if g.incoming[target] == nil {
		g.incoming[target] = make(map[EdgeHandle]struct{})
	}
	g.incoming[target][h] = struct{}{}
	return h, true, nil
}

// RemoveNode detaches a node and every incident edge from the arena and
// returns the full snapshot for archival. The id index, adjacency indexes
// and edge identity index are all updated in the same critical section, so
// the store is never observable in a half-removed state.
//
// Returns ErrNotFound if the handle is stale.
func (g *Graph) RemoveNode(h NodeHandle) (*NodeSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[h]
	if !ok {
		return nil, fmt.Errorf("remove node: handle %d: %w", h, ErrNotFound)
	}

	snap := g.captureLocked(node)

	for eh := range g.outgoing[h] {
		g.deleteEdgeLocked(eh)
	}
	for eh := range g.incoming[h] {
		g.deleteEdgeLocked(eh)
	}
	delete(g.outgoing, h)
	delete(g.incoming, h)
	delete(g.byExternalID, node.ExternalID)
	delete(g.nodes, h)

	return snap, nil
}

// CaptureNode returns the archival snapshot of a node without removing it.
// The archival path writes the archive record first and removes the node
// only after the write succeeded.
func (g *Graph) CaptureNode(h NodeHandle) (*NodeSnapshot, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[h]
	if !ok {
		return nil, fmt.Errorf("capture node: handle %d: %w", h, ErrNotFound)
	}
	return g.captureLocked(node), nil
}

// captureLocked builds a snapshot with externally-meaningful edge endpoints.
// Caller must hold at least the read lock.
func (g *Graph) captureLocked(node *Node) *NodeSnapshot {
	snap := &NodeSnapshot{Node: g.copyNode(node)}
	appendEdge := func(eh EdgeHandle) {
		e := g.edges[eh]
		snap.Edges = append(snap.Edges, SnapshotEdge{
			Source: g.nodes[e.Source].ExternalID,
			Target: g.nodes[e.Target].ExternalID,
			Kind:   e.Kind,
		})
	}
	for _, eh := range sortedEdgeHandles(g.outgoing[node.Handle]) {
		appendEdge(eh)
	}
	for _, eh := range sortedEdgeHandles(g.incoming[node.Handle]) {
		// Self-loops already captured on the outgoing side.
		if g.edges[eh].Source != node.Handle {
			appendEdge(eh)
		}
	}
	return snap
}

// deleteEdgeLocked removes one edge from every index. Caller holds the
// write lock.
func (g *Graph) deleteEdgeLocked(h EdgeHandle) {
	e, ok := g.edges[h]
	if !ok {
		return
	}
	delete(g.byTriple, edgeTriple{source: e.Source, target: e.Target, kind: e.Kind})
	if m := g.outgoing[e.Source]; m != nil {
		delete(m, h)
	}
	if m := g.incoming[e.Target]; m != nil {
		delete(m, h)
	}
	delete(g.edges, h)
}

// Lookup resolves an external id to a live handle. Page names must be
// normalized by the caller; LookupPage does that for you.
func (g *Graph) Lookup(externalID string) (NodeHandle, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	h, ok := g.byExternalID[externalID]
	return h, ok
}

// LookupPage resolves a page by display name, normalizing first.
func (g *Graph) LookupPage(name string) (NodeHandle, bool) {
	return g.Lookup(NormalizePageName(name))
}

// GetNode returns a deep copy of the node for a handle.
func (g *Graph) GetNode(h NodeHandle) (*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[h]
	if !ok {
		return nil, fmt.Errorf("get node: handle %d: %w", h, ErrNotFound)
	}
	return g.copyNode(node), nil
}

// NodeCount returns the number of live nodes. O(1).
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of live edges. O(1).
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// PageIDs returns the external ids of all live pages. Used by the archival
// diff against the producer's manifest.
func (g *Graph) PageIDs() []string {
	return g.idsByKind(KindPage)
}

// BlockIDs returns the external ids of all live blocks.
func (g *Graph) BlockIDs() []string {
	return g.idsByKind(KindBlock)
}

func (g *Graph) idsByKind(kind NodeKind) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for _, n := range g.nodes {
		if n.Kind == kind {
			out = append(out, n.ExternalID)
		}
	}
	sort.Strings(out)
	return out
}

// AllNodes returns deep copies of every node in handle order.
func (g *Graph) AllNodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	handles := make([]NodeHandle, 0, len(g.nodes))
	for h := range g.nodes {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	out := make([]*Node, 0, len(handles))
	for _, h := range handles {
		out = append(out, g.copyNode(g.nodes[h]))
	}
	return out
}

// AllEdges returns copies of every edge in handle order.
func (g *Graph) AllEdges() []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	handles := make([]EdgeHandle, 0, len(g.edges))
	for h := range g.edges {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	out := make([]*Edge, 0, len(handles))
	for _, h := range handles {
		e := *g.edges[h]
		out = append(out, &e)
	}
	return out
}

// copyNode deep-copies a node so callers can never mutate arena state.
func (g *Graph) copyNode(n *Node) *Node {
	c := *n
	c.Props = n.Props.Clone()
	return &c
}

func sortedEdgeHandles(m map[EdgeHandle]struct{}) []EdgeHandle {
	out := make([]EdgeHandle, 0, len(m))
	for h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
