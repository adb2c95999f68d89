// Package ingest validates incoming PKM records and upserts them into the
// graph store.
//
// The processor is deliberately forgiving: a malformed record is counted
// and reported, never fatal, and ingestion continues with the rest of the
// batch. Ingestion only ever adds or updates - removal happens exclusively
// through the archival path.
//
// Example Usage:
//
//	proc := ingest.NewProcessor(graph)
//
//	report := proc.ProcessBlocks([]ingest.BlockRecord{
//		{ID: "b1", Page: "Project", Content: "Related to [[Other]]"},
//	})
//	fmt.Printf("accepted=%d skipped=%d errors=%d\n",
//		report.Accepted, report.Skipped, len(report.Errors))
package ingest

import (
	"fmt"
	"time"

	"github.com/orneryd/muningraph/pkg/extract"
	"github.com/orneryd/muningraph/pkg/storage"
)

// BlockRecord is the boundary shape for one block delivered by the
// producer. ID is mandatory; everything else may be absent.
type BlockRecord struct {
	ID        string              `json:"external_id"`
	Page      string              `json:"page,omitempty"`
	Content   string              `json:"content,omitempty"`
	Props     *storage.Properties `json:"properties,omitempty"`
	ParentID  string              `json:"parent_id,omitempty"`
	CreatedAt int64               `json:"created_at,omitempty"` // epoch millis
	UpdatedAt int64               `json:"updated_at,omitempty"` // epoch millis
}

// PageRecord is the boundary shape for one page. Name is mandatory.
type PageRecord struct {
	Name      string              `json:"name"`
	Props     *storage.Properties `json:"properties,omitempty"`
	CreatedAt int64               `json:"created_at,omitempty"` // epoch millis
	UpdatedAt int64               `json:"updated_at,omitempty"` // epoch millis
}

// BatchReport summarizes one batch pass. Errors holds one message per
// failed record or unresolvable reference; the batch itself never fails.
type BatchReport struct {
	Total    int      `json:"total"`
	Accepted int      `json:"accepted"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Processor upserts validated records into a graph store and resolves
// their references into edges. It also counts dirty operations for the
// persistence layer's save trigger.
//
// Processor methods are not internally synchronized beyond what the graph
// itself guarantees; callers that need batch-level exclusivity (sync
// passes vs. real-time batches) hold an outer write guard for the whole
// pass.
type Processor struct {
	graph    *storage.Graph
	dirtyOps int
}

// NewProcessor creates a processor bound to a graph store.
func NewProcessor(graph *storage.Graph) *Processor {
	return &Processor{graph: graph}
}

// DirtyOps returns the number of graph mutations since the last reset.
func (p *Processor) DirtyOps() int {
	return p.dirtyOps
}

// ResetDirtyOps clears the mutation counter, typically after a snapshot.
func (p *Processor) ResetDirtyOps() {
	p.dirtyOps = 0
}

// ProcessPages upserts a batch of page records.
//
// Pages with an empty name are skipped and reported. When a batch carries
// the same normalized name twice, the later record wins: records are
// pre-deduplicated keeping the last occurrence, so the earlier one is
// never applied at all.
func (p *Processor) ProcessPages(records []PageRecord) BatchReport {
	report := BatchReport{Total: len(records)}
	deduped := dedupePages(records)
	report.Skipped += len(records) - len(deduped)

	for _, rec := range deduped {
		if storage.NormalizePageName(rec.Name) == "" {
			report.Skipped++
			report.Errors = append(report.Errors, "page record missing name")
			continue
		}

		h, err := p.graph.UpsertNode(rec.Name, storage.KindPage, rec.Name,
			rec.Props, millisToTime(rec.CreatedAt), millisToTime(rec.UpdatedAt))
		if err != nil {
			report.Skipped++
			report.Errors = append(report.Errors, fmt.Sprintf("page %q: %v", rec.Name, err))
			continue
		}
		p.dirtyOps++
		report.Accepted++

		p.resolveReferences(h, "", rec.Props, &report)
	}
	return report
}

// ProcessBlocks upserts a batch of block records.
//
// Rules:
//   - missing external id: skipped, reported
//   - empty content with no meaningful properties: skipped silently (a
//     normal transient editing state, not an error)
//   - duplicate id within the batch: last record wins
//   - page named but unknown: auto-vivified, PageToBlock edge for
//     top-level blocks
//   - parent id naming a known block: ParentChild edge; unknown parent is
//     deferred without error (the producer may deliver it later)
func (p *Processor) ProcessBlocks(records []BlockRecord) BatchReport {
	report := BatchReport{Total: len(records)}
	deduped := dedupeBlocks(records)
	report.Skipped += len(records) - len(deduped)

	for _, rec := range deduped {
		if rec.ID == "" {
			report.Skipped++
			report.Errors = append(report.Errors, "block record missing external_id")
			continue
		}
		if emptyBlock(rec) {
			report.Skipped++
			continue
		}

		h, err := p.graph.UpsertNode(rec.ID, storage.KindBlock, rec.Content,
			rec.Props, millisToTime(rec.CreatedAt), millisToTime(rec.UpdatedAt))
		if err != nil {
			report.Skipped++
			report.Errors = append(report.Errors, fmt.Sprintf("block %q: %v", rec.ID, err))
			continue
		}
		p.dirtyOps++
		report.Accepted++

		p.attachContainment(h, rec, &report)
		p.resolveReferences(h, rec.ID, rec.Props, &report)
	}
	return report
}

// attachContainment wires the block into its page/parent hierarchy.
func (p *Processor) attachContainment(h storage.NodeHandle, rec BlockRecord, report *BatchReport) {
	if rec.ParentID != "" {
		if err := p.graph.SetParent(h, rec.ParentID); err == nil {
			p.dirtyOps++
		}
		if parent, ok := p.graph.Lookup(rec.ParentID); ok {
			if _, created, err := p.graph.UpsertEdge(parent, h, storage.EdgeParentChild); err == nil && created {
				p.dirtyOps++
			}
		}
		// Unknown parent: the edge materializes when the parent arrives
		// and this block is re-ingested.
		return
	}

	if rec.Page != "" {
		page, err := p.graph.EnsurePage(rec.Page)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("block %q: page %q: %v", rec.ID, rec.Page, err))
			return
		}
		if err := p.graph.SetParent(h, storage.NormalizePageName(rec.Page)); err == nil {
			p.dirtyOps++
		}
		if _, created, err := p.graph.UpsertEdge(page, h, storage.EdgePageToBlock); err == nil && created {
			p.dirtyOps++
		}
	}
}

// resolveReferences runs extraction over content/properties and upserts
// one edge per reference. Page targets are auto-vivified; block targets
// must already exist - blocks cannot be conjured from a bare UUID since
// their content is unknown.
func (p *Processor) resolveReferences(source storage.NodeHandle, sourceID string, props *storage.Properties, report *BatchReport) {
	node, err := p.graph.GetNode(source)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("resolve references: %v", err))
		return
	}

	for _, ref := range extract.Extract(node.Content, props) {
		var target storage.NodeHandle

		switch ref.TargetKind {
		case storage.KindPage:
			target, err = p.graph.EnsurePage(ref.Display)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("ensure page %q: %v", ref.Display, err))
				continue
			}
		case storage.KindBlock:
			// Skip self-references from the id bookkeeping property.
			if ref.TargetID == sourceID {
				continue
			}
			var ok bool
			target, ok = p.graph.Lookup(ref.TargetID)
			if !ok {
				report.Errors = append(report.Errors,
					fmt.Sprintf("block reference to unknown block %q", ref.TargetID))
				continue
			}
		}

		if _, created, err := p.graph.UpsertEdge(source, target, ref.EdgeKind); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("edge %s: %v", ref.EdgeKind, err))
		} else if created {
			p.dirtyOps++
		}
	}
}

// dedupeBlocks keeps the last record per external id, preserving the
// position of the last occurrence. Records without an id pass through so
// they are still counted and reported.
func dedupeBlocks(records []BlockRecord) []BlockRecord {
	last := make(map[string]int, len(records))
	for i, rec := range records {
		if rec.ID != "" {
			last[rec.ID] = i
		}
	}
	out := make([]BlockRecord, 0, len(records))
	for i, rec := range records {
		if rec.ID != "" && last[rec.ID] != i {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func dedupePages(records []PageRecord) []PageRecord {
	last := make(map[string]int, len(records))
	for i, rec := range records {
		if id := storage.NormalizePageName(rec.Name); id != "" {
			last[id] = i
		}
	}
	out := make([]PageRecord, 0, len(records))
	for i, rec := range records {
		if id := storage.NormalizePageName(rec.Name); id != "" && last[id] != i {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// emptyBlock reports whether a block carries no text and no properties
// beyond internal bookkeeping. Such blocks are a normal transient editing
// state and are filtered, not treated as errors.
func emptyBlock(rec BlockRecord) bool {
	if rec.Content != "" {
		return false
	}
	for _, key := range rec.Props.Keys() {
		if key != "id" && key != "collapsed" {
			return false
		}
	}
	return true
}

// millisToTime converts a producer epoch-millisecond timestamp; zero stays
// the zero time rather than 1970.
func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
