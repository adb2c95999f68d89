// Package storage provides the in-memory graph store for MuninGraph.
//
// The store follows an arena + index design: nodes and edges live in flat
// maps addressed by stable numeric handles, and a single side index maps
// normalized external identifiers (page names, block UUIDs) to node handles.
// Handles are assigned monotonically and never reused within a process
// lifetime, so a stale handle can never silently alias a newer node that
// happened to land in the same slot.
//
// Design Principles:
//   - Arena ownership: the graph owns every node uniformly; parent references
//     are back-pointers, never ownership
//   - Total mutations: every mutating operation either fully updates the
//     arena and its indexes or changes nothing
//   - Thread-safe: all public methods are guarded by a single RWMutex
//   - Deep copies: reads return copies to prevent external mutation
//
// Example Usage:
//
//	g := storage.NewGraph()
//
//	h, err := g.UpsertNode("project notes", storage.KindPage, "Project Notes",
//		nil, time.Now(), time.Now())
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	other, _ := g.EnsurePage("Other Page")
//	g.UpsertEdge(h, other, storage.EdgePageRef)
//
//	fmt.Printf("%d nodes, %d edges\n", g.NodeCount(), g.EdgeCount())
package storage

import (
	"errors"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidID    = errors.New("invalid id")
	ErrInvalidData  = errors.New("invalid data")
	ErrKindMismatch = errors.New("node kind mismatch")
)

// NodeHandle is a stable arena handle for a graph node.
//
// Handles start at 1 and increase monotonically; 0 is never a valid handle.
// A handle stays valid until its node is removed, and is never reassigned
// afterwards.
type NodeHandle uint64

// EdgeHandle is a stable arena handle for a graph edge.
type EdgeHandle uint64

// NodeKind identifies what a node represents.
type NodeKind string

const (
	// KindPage is a PKM page, including tag pages auto-created on first
	// reference. Its external id is the normalized page name.
	KindPage NodeKind = "page"

	// KindBlock is a PKM block. Its external id is the producer-assigned
	// UUID.
	KindBlock NodeKind = "block"
)

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	return k == KindPage || k == KindBlock
}

// EdgeKind identifies the relationship a directed edge expresses.
// The set is closed: the ingestion vocabulary needs exactly these six.
type EdgeKind string

const (
	// EdgePageRef: content links to a page via [[Page Name]].
	EdgePageRef EdgeKind = "PageRef"

	// EdgeBlockRef: content links to a block via ((uuid)).
	EdgeBlockRef EdgeKind = "BlockRef"

	// EdgeTag: content uses #tag; the target is the tag's auto-created page.
	EdgeTag EdgeKind = "Tag"

	// EdgeProperty: a `key:: value` property links the owning node to the
	// page named after the key.
	EdgeProperty EdgeKind = "Property"

	// EdgeParentChild: hierarchical block nesting (parent -> child).
	EdgeParentChild EdgeKind = "ParentChild"

	// EdgePageToBlock: a page to its top-level blocks.
	EdgePageToBlock EdgeKind = "PageToBlock"
)

// Valid reports whether k is part of the closed edge vocabulary.
func (k EdgeKind) Valid() bool {
	switch k {
	case EdgePageRef, EdgeBlockRef, EdgeTag, EdgeProperty, EdgeParentChild, EdgePageToBlock:
		return true
	}
	return false
}

// Node represents a page, block, or auto-created tag page.
//
// Fields:
//   - Handle: arena handle, stable for the node's lifetime
//   - ExternalID: normalized page name (pages) or block UUID (blocks)
//   - Kind: page or block
//   - Content: raw text for blocks, title for pages; may be empty for pages
//     that exist only as link targets
//   - Props: insertion-ordered key/value properties
//   - CreatedAt / UpdatedAt: producer-sourced timestamps, not ingestion time
//   - ParentID: external id of the owning block/page for hierarchical
//     containment only; the arena owns all nodes uniformly
type Node struct {
	Handle     NodeHandle  `json:"-"`
	ExternalID string      `json:"id"`
	Kind       NodeKind    `json:"kind"`
	Content    string      `json:"content"`
	Props      *Properties `json:"properties,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	ParentID   string      `json:"parent,omitempty"`
}

// Edge is a directed relationship between two nodes in the arena.
type Edge struct {
	Handle EdgeHandle `json:"-"`
	Source NodeHandle `json:"-"`
	Target NodeHandle `json:"-"`
	Kind   EdgeKind   `json:"kind"`
}

// NodeSnapshot is the full capture of a removed node plus its incident
// edges, sufficient to reconstruct the entity. Used by the archival path.
type NodeSnapshot struct {
	Node  *Node          `json:"node"`
	Edges []SnapshotEdge `json:"edges"`
}

// NormalizePageName lowercases and trims a page name for case-insensitive
// identity. Every page lookup and creation path goes through this so that
// "Project Notes" and "project notes" are the same node.
func NormalizePageName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
