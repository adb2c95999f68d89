package storage

import (
	"fmt"
	"sort"
	"time"
)

// SnapshotEdge is an edge expressed with external identifiers. Arena
// handles are process-local and not semantically significant, so the
// persisted representation speaks external ids only; the handle space is
// rebuilt from scratch on restore.
type SnapshotEdge struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Kind   EdgeKind `json:"kind"`
}

// SnapshotDoc is the full persisted representation of a graph: every node
// with its kind, content, properties, timestamps and parent reference, and
// every edge by external id. Restore(Snapshot()) reproduces the graph up to
// handle numbering.
type SnapshotDoc struct {
	SavedAt time.Time      `json:"saved_at"`
	Nodes   []*Node        `json:"nodes"`
	Edges   []SnapshotEdge `json:"edges"`
}

// Snapshot builds a point-in-time snapshot document of the whole graph.
// Nodes and edges are emitted in handle order so identical graphs produce
// identical documents.
func (g *Graph) Snapshot() *SnapshotDoc {
	g.mu.RLock()
	defer g.mu.RUnlock()

	doc := &SnapshotDoc{SavedAt: time.Now().UTC()}

	nodeHandles := make([]NodeHandle, 0, len(g.nodes))
	for h := range g.nodes {
		nodeHandles = append(nodeHandles, h)
	}
	sort.Slice(nodeHandles, func(i, j int) bool { return nodeHandles[i] < nodeHandles[j] })
	for _, h := range nodeHandles {
		doc.Nodes = append(doc.Nodes, g.copyNode(g.nodes[h]))
	}

	for _, h := range sortedEdgeHandleKeys(g.edges) {
		e := g.edges[h]
		doc.Edges = append(doc.Edges, SnapshotEdge{
			Source: g.nodes[e.Source].ExternalID,
			Target: g.nodes[e.Target].ExternalID,
			Kind:   e.Kind,
		})
	}
	return doc
}

// Restore replaces the graph's contents with a snapshot document.
//
// The arena and the id index are rebuilt from scratch; nothing from the
// document's handle numbering survives. Edges whose endpoints are missing
// from the node list are dropped rather than failing the whole restore: a
// partially-written snapshot should cost the damaged edges, not startup.
//
// Handle counters are not reset, so a restore into a graph that already
// assigned handles keeps the no-reuse guarantee.
func (g *Graph) Restore(doc *SnapshotDoc) error {
	if doc == nil {
		return fmt.Errorf("restore: nil snapshot: %w", ErrInvalidData)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[NodeHandle]*Node, len(doc.Nodes))
	g.edges = make(map[EdgeHandle]*Edge, len(doc.Edges))
	g.byExternalID = make(map[string]NodeHandle, len(doc.Nodes))
	g.outgoing = make(map[NodeHandle]map[EdgeHandle]struct{})
	g.incoming = make(map[NodeHandle]map[EdgeHandle]struct{})
	g.byTriple = make(map[edgeTriple]EdgeHandle, len(doc.Edges))

	for _, n := range doc.Nodes {
		if n == nil || n.ExternalID == "" || !n.Kind.Valid() {
			continue
		}
		if _, dup := g.byExternalID[n.ExternalID]; dup {
			continue
		}
		g.nextNode++
		h := NodeHandle(g.nextNode)
		stored := *n
		stored.Handle = h
		stored.Props = n.Props.Clone()
		g.nodes[h] = &stored
		g.byExternalID[n.ExternalID] = h
	}

	for _, e := range doc.Edges {
		if !e.Kind.Valid() {
			continue
		}
		source, ok := g.byExternalID[e.Source]
		if !ok {
			continue
		}
		target, ok := g.byExternalID[e.Target]
		if !ok {
			continue
		}
		triple := edgeTriple{source: source, target: target, kind: e.Kind}
		if _, dup := g.byTriple[triple]; dup {
			continue
		}
		g.nextEdge++
		h := EdgeHandle(g.nextEdge)
		g.edges[h] = &Edge{Handle: h, Source: source, Target: target, Kind: e.Kind}
		g.byTriple[triple] = h
		if g.outgoing[source] == nil {
			g.outgoing[source] = make(map[EdgeHandle]struct{})
		}
		g.outgoing[source][h] = struct{}{}
		if g.incoming[target] == nil {
			g.incoming[target] = make(map[EdgeHandle]struct{})
		}
		g.incoming[target][h] = struct{}{}
	}

	return nil
}

func sortedEdgeHandleKeys(m map[EdgeHandle]*Edge) []EdgeHandle {
	out := make([]EdgeHandle, 0, len(m))
	for h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
