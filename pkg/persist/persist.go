// Package persist saves and restores graph snapshots and appends archive
// records to durable storage.
//
// Two sinks are provided: a plain-file store (one JSON snapshot document,
// one JSON file per archival run) and a BadgerDB store for installations
// that want everything in one embedded key-value database. Both wrap the
// snapshot in an envelope carrying a BLAKE2b-256 checksum so a torn or
// bit-rotted snapshot is detected at load time instead of silently
// restoring garbage.
//
// The Manager decides when to save: after each ingestion batch it saves if
// either the configured time interval elapsed or the dirty-operation count
// crossed its threshold, whichever comes first. Autosave is suspended for
// the duration of a multi-record batch and re-armed afterward so a graph
// is never snapshotted mid-batch.
//
// Failure semantics: a save failure is retried once and then surfaced as
// ErrSnapshotFailed for that cycle - the in-memory graph stays
// authoritative, only durability is at risk. A missing or corrupt
// snapshot at startup degrades to an empty graph and logs the condition;
// it never aborts startup.
package persist

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/muningraph/pkg/archive"
	"github.com/orneryd/muningraph/pkg/storage"
)

// Errors returned by the persistence layer.
var (
	ErrNoSnapshot      = errors.New("no snapshot")
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	ErrSnapshotFailed  = errors.New("snapshot save failed")
	ErrStoreClosed     = errors.New("store closed")
)

// Store is a durable sink for snapshots and archive records. Both
// FileStore and BadgerStore implement it; either also satisfies
// archive.Sink.
type Store interface {
	// SaveSnapshot durably replaces the current snapshot.
	SaveSnapshot(doc *storage.SnapshotDoc) error

	// LoadSnapshot returns the current snapshot, ErrNoSnapshot if none was
	// ever saved, or ErrCorruptSnapshot if it fails validation.
	LoadSnapshot() (*storage.SnapshotDoc, error)

	// AppendArchive durably appends one archival-run record.
	AppendArchive(rec *archive.Record) error

	// Close releases the store's resources.
	Close() error
}

// envelope wraps the serialized graph with an integrity checksum.
type envelope struct {
	Checksum string          `json:"checksum"` // blake2b-256 hex of Graph
	SavedAt  time.Time       `json:"saved_at"`
	Graph    json.RawMessage `json:"graph"`
}

// encodeSnapshot serializes a snapshot document into its checksummed
// envelope.
func encodeSnapshot(doc *storage.SnapshotDoc) ([]byte, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("persist: encode snapshot: %w", err)
	}
	sum := blake2b.Sum256(payload)
	return json.Marshal(envelope{
		Checksum: hex.EncodeToString(sum[:]),
		SavedAt:  doc.SavedAt,
		Graph:    payload,
	})
}

// decodeSnapshot validates the envelope checksum and decodes the document.
func decodeSnapshot(data []byte) (*storage.SnapshotDoc, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	sum := blake2b.Sum256(env.Graph)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}
	var doc storage.SnapshotDoc
	if err := json.Unmarshal(env.Graph, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return &doc, nil
}

// Manager evaluates the autosave policy and owns load/save of one graph.
//
// There is no background timer: MaybeSnapshot is called synchronously at
// the end of each mutating call, so persistence never races an in-flight
// mutation (single-writer discipline).
type Manager struct {
	mu sync.Mutex

	graph *storage.Graph
	store Store

	interval    time.Duration
	opThreshold int

	lastSave  time.Time
	suspended bool

	// now is injectable for tests.
	now func() time.Time
}

// NewManager creates a persistence manager.
//
// interval is the elapsed-time save trigger, opThreshold the
// operation-count trigger; either being reached causes the next
// MaybeSnapshot to save. A zero interval or threshold disables that
// trigger.
func NewManager(graph *storage.Graph, store Store, interval time.Duration, opThreshold int) *Manager {
	return &Manager{
		graph:       graph,
		store:       store,
		interval:    interval,
		opThreshold: opThreshold,
		now:         time.Now,
	}
}

// Suspend disables autosave for the duration of a batch apply.
func (m *Manager) Suspend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = true
}

// Resume re-arms autosave after a batch. It does not itself save; the
// caller follows up with MaybeSnapshot.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = false
}

// MaybeSnapshot saves if the time interval elapsed since the last save or
// dirtyOps crossed the operation threshold. While suspended it does
// nothing. Returns whether a save happened.
func (m *Manager) MaybeSnapshot(dirtyOps int) (bool, error) {
	m.mu.Lock()
	if m.suspended {
		m.mu.Unlock()
		return false, nil
	}
	due := false
	if m.interval > 0 && m.now().Sub(m.lastSave) >= m.interval {
		due = true
	}
	if m.opThreshold > 0 && dirtyOps >= m.opThreshold {
		due = true
	}
	m.mu.Unlock()

	if !due {
		return false, nil
	}
	if err := m.Save(); err != nil {
		// Not saved: the dirty state is still pending, so the caller
		// must keep its operation count for the next cycle.
		return false, err
	}
	return true, nil
}

// Save snapshots the graph unconditionally. A failed write is retried
// once; a second failure is surfaced as ErrSnapshotFailed wrapping the
// cause. The in-memory graph is unaffected either way.
//
// Saves are serialized: a forced shutdown snapshot and a batch-triggered
// one never write the store concurrently.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := m.graph.Snapshot()

	err := m.store.SaveSnapshot(doc)
	if err != nil {
		log.Printf("persist: snapshot save failed, retrying once: %v", err)
		err = m.store.SaveSnapshot(doc)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}

	m.lastSave = m.now()
	return nil
}

// Load restores the graph from the store's snapshot at startup.
//
// A missing snapshot is a normal first run; a corrupt one is logged and
// discarded. Both leave the graph empty and return nil - startup is never
// aborted over a snapshot.
func (m *Manager) Load() error {
	doc, err := m.store.LoadSnapshot()
	switch {
	case errors.Is(err, ErrNoSnapshot):
		log.Printf("persist: no snapshot found, starting with empty graph")
		return nil
	case errors.Is(err, ErrCorruptSnapshot):
		log.Printf("persist: discarding unusable snapshot: %v", err)
		return nil
	case err != nil:
		log.Printf("persist: snapshot load failed, starting empty: %v", err)
		return nil
	}

	if err := m.graph.Restore(doc); err != nil {
		log.Printf("persist: snapshot restore failed, starting empty: %v", err)
		return nil
	}
	log.Printf("persist: restored %d nodes, %d edges from snapshot saved %s",
		m.graph.NodeCount(), m.graph.EdgeCount(), doc.SavedAt.Format(time.RFC3339))

	m.mu.Lock()
	m.lastSave = m.now()
	m.mu.Unlock()
	return nil
}
