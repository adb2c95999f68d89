// Package muningraph provides the main API for embedded MuninGraph usage.
//
// MuninGraph stores a personal-knowledge-management graph: pages and blocks
// as nodes, and the references between them ([[page]] links, ((block)) refs,
// #tags, property links, parent/child containment) as typed edges. Records
// arrive from an external producer in batches; MuninGraph validates them,
// resolves their references, tracks sync cadence, archives nodes the
// producer no longer reports, and persists the whole graph as a checksummed
// snapshot.
//
// Key Features:
//   - Batch ingestion with per-record validation and last-write-wins dedup
//   - Reference extraction into typed edges, auto-vivifying pages
//   - Incremental/full sync cadence with force overrides
//   - Verify-and-archive: archive-before-remove for vanished nodes
//   - Snapshot persistence (JSON file or BadgerDB) with integrity checksums
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	db, err := muningraph.Open("./data", cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	report, err := db.IngestBlocks(ctx, []ingest.BlockRecord{
//		{ID: "b1", Page: "Project", Content: "Related to [[Other]]"},
//	})
//	fmt.Printf("accepted=%d\n", report.Accepted)
//
//	status := db.SyncStatus()
//	fmt.Printf("incremental due: %v\n", status.IncrementalSyncNeeded)
package muningraph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/orneryd/muningraph/pkg/archive"
	"github.com/orneryd/muningraph/pkg/cadence"
	"github.com/orneryd/muningraph/pkg/config"
	"github.com/orneryd/muningraph/pkg/ingest"
	"github.com/orneryd/muningraph/pkg/persist"
	"github.com/orneryd/muningraph/pkg/storage"
)

// ErrClosed is returned by operations on a closed database.
var ErrClosed = errors.New("muningraph: database closed")

// DB is an embedded MuninGraph database.
//
// One mutex serializes all mutation: ingestion batches, verify/archive
// passes, and snapshots never interleave. Reads (status, counts, export)
// go through the graph's own read lock and may run concurrently with each
// other.
type DB struct {
	cfg *config.Config

	// writeMu is the single-writer guard. Held for whole batches, not
	// per record, so a batch-level failure cannot leave the index
	// half-updated relative to the arena.
	writeMu sync.Mutex

	stateMu sync.Mutex
	closed  bool

	graph       *storage.Graph
	processor   *ingest.Processor
	coordinator *cadence.Coordinator
	archiver    *archive.Manager
	persister   *persist.Manager
	store       persist.Store
}

// Open opens or creates a MuninGraph database under dataDir.
//
// A nil cfg gets config.Default(). dataDir, when non-empty, overrides
// cfg.Storage.DataDir. The snapshot store is built per cfg (file or
// badger), the latest snapshot is loaded (a missing or corrupt snapshot
// logs and starts empty), and any configured force-sync flags are applied
// to the coordinator.
func Open(dataDir string, cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("muningraph: %w", err)
	}

	var (
		store persist.Store
		err   error
	)
	switch cfg.Storage.Backend {
	case config.BackendBadger:
		store, err = persist.NewBadgerStore(persist.BadgerOptions{
			DataDir:    filepath.Join(cfg.Storage.DataDir, "badger"),
			SyncWrites: cfg.Storage.BadgerSyncWrites,
		})
	default:
		store, err = persist.NewFileStore(cfg.Storage.DataDir)
	}
	if err != nil {
		return nil, fmt.Errorf("muningraph: open store: %w", err)
	}

	graph := storage.NewGraph()
	persister := persist.NewManager(graph, store,
		cfg.Persistence.SnapshotInterval, cfg.Persistence.SnapshotOpThreshold)
	if err := persister.Load(); err != nil {
		store.Close()
		return nil, fmt.Errorf("muningraph: load snapshot: %w", err)
	}

	coordinator := cadence.NewCoordinator(cadence.Config{
		IncrementalInterval: cfg.Sync.IncrementalInterval(),
		FullInterval:        cfg.Sync.FullInterval(),
		EnableFullSync:      cfg.Sync.EnableFullSync,
	})
	if cfg.Sync.ForceIncrementalSync {
		if err := coordinator.SetForce(cadence.SyncIncremental); err != nil {
			store.Close()
			return nil, fmt.Errorf("muningraph: %w", err)
		}
		log.Printf("muningraph: force incremental sync requested")
	}
	if cfg.Sync.ForceFullSync {
		if err := coordinator.SetForce(cadence.SyncFull); err != nil {
			store.Close()
			return nil, fmt.Errorf("muningraph: %w", err)
		}
		log.Printf("muningraph: force full sync requested")
	}

	db := &DB{
		cfg:         cfg,
		graph:       graph,
		processor:   ingest.NewProcessor(graph),
		coordinator: coordinator,
		archiver:    archive.NewManager(graph, store),
		persister:   persister,
		store:       store,
	}
	log.Printf("muningraph: opened %s (%d nodes, %d edges)",
		cfg.Storage.DataDir, graph.NodeCount(), graph.EdgeCount())
	return db, nil
}

// IngestBlocks applies one batch of block records. The whole batch runs
// under the write guard with autosave suspended; afterwards the autosave
// policy is evaluated once. ctx is checked before the batch is applied -
// the batch is the atomic unit of work, so cancellation never splits one.
func (db *DB) IngestBlocks(ctx context.Context, records []ingest.BlockRecord) (ingest.BatchReport, error) {
	return db.ingest(ctx, func() ingest.BatchReport {
		return db.processor.ProcessBlocks(records)
	})
}

// IngestPages applies one batch of page records, with the same batch
// semantics as IngestBlocks.
func (db *DB) IngestPages(ctx context.Context, records []ingest.PageRecord) (ingest.BatchReport, error) {
	return db.ingest(ctx, func() ingest.BatchReport {
		return db.processor.ProcessPages(records)
	})
}

func (db *DB) ingest(ctx context.Context, apply func() ingest.BatchReport) (ingest.BatchReport, error) {
	if err := db.checkOpen(); err != nil {
		return ingest.BatchReport{}, err
	}
	if err := ctx.Err(); err != nil {
		return ingest.BatchReport{}, err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	db.persister.Suspend()
	report := apply()
	db.persister.Resume()

	saved, err := db.persister.MaybeSnapshot(db.processor.DirtyOps())
	if saved {
		db.processor.ResetDirtyOps()
	}
	if err != nil {
		return report, fmt.Errorf("muningraph: post-batch snapshot: %w", err)
	}
	return report, nil
}

// VerifyAndArchive reconciles the graph against the producer's complete
// manifest of live page names and block ids. Nodes absent from the
// manifest are archived (one record for the whole run) and only then
// removed. An archive write failure removes nothing.
//
// The pass runs under the write guard, mutually exclusive with ingestion
// batches. ctx is checked before the pass starts; archival decisions
// commit only once the full manifest is in hand, so there is no
// mid-flight cancellation window.
func (db *DB) VerifyAndArchive(ctx context.Context, pages, blocks []string) (*archive.Report, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	db.persister.Suspend()
	report, err := db.archiver.VerifyAndArchive(pages, blocks)
	db.persister.Resume()
	if err != nil {
		return nil, err
	}

	saved, snapErr := db.persister.MaybeSnapshot(db.processor.DirtyOps() + report.ArchivedCount)
	if saved {
		db.processor.ResetDirtyOps()
	}
	if snapErr != nil {
		return report, fmt.Errorf("muningraph: post-archive snapshot: %w", snapErr)
	}
	return report, nil
}

// SyncStatus returns the full sync status, with node/edge counts read at
// call time.
func (db *DB) SyncStatus() cadence.Status {
	return db.coordinator.Status(db.graph.NodeCount(), db.graph.EdgeCount())
}

// NextSync reports which sync, if any, should run now.
func (db *DB) NextSync() cadence.Decision {
	return db.coordinator.Next()
}

// RecordSyncCompleted marks a sync of the given kind as finished. A full
// sync also refreshes the incremental timestamp, since a full pass
// subsumes an incremental one.
func (db *DB) RecordSyncCompleted(kind cadence.SyncKind) error {
	return db.coordinator.RecordCompleted(kind)
}

// ForceSync requests a sync of the given kind regardless of cadence. The
// flag persists until ClearForce.
func (db *DB) ForceSync(kind cadence.SyncKind) error {
	return db.coordinator.SetForce(kind)
}

// ClearForce clears a previously set force flag.
func (db *DB) ClearForce(kind cadence.SyncKind) error {
	return db.coordinator.ClearForce(kind)
}

// Stats returns current node and edge counts.
func (db *DB) Stats() (nodes, edges int) {
	return db.graph.NodeCount(), db.graph.EdgeCount()
}

// Export returns a point-in-time snapshot document of the whole graph.
func (db *DB) Export() *storage.SnapshotDoc {
	return db.graph.Snapshot()
}

// Save forces a snapshot immediately, outside the autosave policy.
func (db *DB) Save() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if err := db.persister.Save(); err != nil {
		return err
	}
	db.processor.ResetDirtyOps()
	return nil
}

// Close drains any in-flight batch, takes a final snapshot, and closes
// the store. The drain is bounded by the configured shutdown grace; once
// it elapses a snapshot of current state is taken anyway rather than
// waiting indefinitely. Close is idempotent.
func (db *DB) Close() error {
	db.stateMu.Lock()
	if db.closed {
		db.stateMu.Unlock()
		return nil
	}
	db.closed = true
	db.stateMu.Unlock()

	locked := db.drainWrites(db.cfg.Persistence.ShutdownGrace)
	if locked {
		defer db.writeMu.Unlock()
	} else {
		log.Printf("muningraph: shutdown grace elapsed, snapshotting current state")
	}

	var errs []error
	if err := db.persister.Save(); err != nil {
		errs = append(errs, fmt.Errorf("final snapshot: %w", err))
	}
	if err := db.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("muningraph: close errors: %v", errs)
	}
	return nil
}

// drainWrites tries to acquire the write guard within the grace window.
// Reports whether the guard was acquired.
func (db *DB) drainWrites(grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for {
		if db.writeMu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (db *DB) checkOpen() error {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return nil
}
