// Package archive detects and archives graph entities that have
// disappeared from the source of truth.
//
// The producer periodically asserts the complete set of currently-existing
// page names and block UUIDs; the manager diffs that manifest against the
// graph's live nodes and archives the difference. The archive write always
// happens before node removal, so a failed write never silently loses
// data. Archival is irreversible within this engine: the archive is a
// durability and audit record, not an undo log.
//
// The manager trusts the caller's manifest completeness. Running it
// against a partial enumeration would wrongly archive live nodes; an
// empty manifest against a populated graph is logged as a warning but not
// blocked (a deliberately accepted risk, see the design notes).
//
// Example Usage:
//
//	mgr := archive.NewManager(graph, store)
//
//	report, err := mgr.VerifyAndArchive(allPageNames, allBlockUUIDs)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("archived %d nodes\n", report.ArchivedCount)
package archive

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/muningraph/pkg/storage"
)

// ErrArchiveWrite indicates the archive record could not be persisted.
// When it is returned, no nodes were removed from the graph.
var ErrArchiveWrite = errors.New("archive write failed")

// Record is one archival run: a timestamped batch of node snapshots with
// their incident edges, written as a single record rather than one file
// per node.
type Record struct {
	ID         string                 `json:"id"`
	ArchivedAt time.Time              `json:"archived_at"`
	Nodes      []storage.NodeSnapshot `json:"nodes"`
}

// Sink persists archive records durably.
type Sink interface {
	AppendArchive(rec *Record) error
}

// Report summarizes one verify-and-archive pass.
type Report struct {
	ArchivedCount int      `json:"archived_count"`
	Details       []string `json:"details,omitempty"`
}

// Manager diffs live graph ids against producer manifests and archives
// the difference.
type Manager struct {
	graph *storage.Graph
	sink  Sink
}

// NewManager creates an archival manager over a graph and a durable sink.
func NewManager(graph *storage.Graph, sink Sink) *Manager {
	return &Manager{graph: graph, sink: sink}
}

// VerifyAndArchive removes and archives every node absent from the
// manifest.
//
// The pass commits in two phases: first every missing node is captured
// read-only and the whole batch is written to the sink as one record;
// only after that write succeeds are the nodes removed from the graph.
// The caller guarantees the manifest is complete - this must only run
// after a sync pass that enumerated every live entity.
func (m *Manager) VerifyAndArchive(livePages, liveBlocks []string) (*Report, error) {
	report := &Report{}

	if len(livePages) == 0 && len(liveBlocks) == 0 && m.graph.NodeCount() > 0 {
		log.Printf("archive: WARNING: empty manifest against %d live nodes; proceeding per policy",
			m.graph.NodeCount())
	}

	pageSet := make(map[string]struct{}, len(livePages))
	for _, name := range livePages {
		pageSet[storage.NormalizePageName(name)] = struct{}{}
	}
	blockSet := make(map[string]struct{}, len(liveBlocks))
	for _, id := range liveBlocks {
		blockSet[id] = struct{}{}
	}

	var missing []storage.NodeHandle
	for _, id := range m.graph.PageIDs() {
		if _, ok := pageSet[id]; !ok {
			if h, live := m.graph.Lookup(id); live {
				missing = append(missing, h)
			}
		}
	}
	for _, id := range m.graph.BlockIDs() {
		if _, ok := blockSet[id]; !ok {
			if h, live := m.graph.Lookup(id); live {
				missing = append(missing, h)
			}
		}
	}

	if len(missing) == 0 {
		return report, nil
	}

	rec := &Record{
		ID:         uuid.NewString(),
		ArchivedAt: time.Now().UTC(),
	}
	for _, h := range missing {
		snap, err := m.graph.CaptureNode(h)
		if err != nil {
			// Concurrent removal between diff and capture; nothing to archive.
			continue
		}
		rec.Nodes = append(rec.Nodes, *snap)
	}
	if len(rec.Nodes) == 0 {
		return report, nil
	}

	// Archive first. A failed write blocks removal entirely.
	if err := m.sink.AppendArchive(rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveWrite, err)
	}

	for _, h := range missing {
		snap, err := m.graph.RemoveNode(h)
		if err != nil {
			continue
		}
		report.ArchivedCount++
		report.Details = append(report.Details,
			fmt.Sprintf("%s %q (%d edges)", snap.Node.Kind, snap.Node.ExternalID, len(snap.Edges)))
	}

	log.Printf("archive: run %s archived %d nodes", rec.ID, report.ArchivedCount)
	return report, nil
}
