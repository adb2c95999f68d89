package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/orneryd/muningraph/pkg/archive"
	"github.com/orneryd/muningraph/pkg/storage"
)

// Badger key layout:
//   snapshot/latest                      -> checksummed snapshot envelope
//   archive/<RFC3339Nano>/<record-uuid>  -> JSON archive record
var (
	snapshotKey   = []byte("snapshot/latest")
	archivePrefix = []byte("archive/")
)

// BadgerOptions configures the Badger-backed store.
type BadgerOptions struct {
	// DataDir is the directory for Badger's data files. Required unless
	// InMemory is set.
	DataDir string

	// InMemory runs Badger without touching disk. Useful for tests.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but more durable.
	SyncWrites bool
}

// BadgerStore keeps the snapshot and all archive records in one embedded
// BadgerDB. Compared to the file store it gives atomic snapshot
// replacement for free and keeps the archive history queryable by key
// prefix instead of a directory of files.
type BadgerStore struct {
	db     *badger.DB
	mu     sync.Mutex
	closed bool
}

// NewBadgerStore opens (or creates) a Badger-backed store.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	badgerOpts = badgerOpts.WithSyncWrites(opts.SyncWrites)
	// Badger's own chatter drowns out the engine's logs.
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("persist: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// SaveSnapshot replaces the snapshot envelope under the fixed key.
func (s *BadgerStore) SaveSnapshot(doc *storage.SnapshotDoc) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	data, err := encodeSnapshot(doc)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey, data)
	})
	if err != nil {
		return fmt.Errorf("persist: badger snapshot write: %w", err)
	}
	return nil
}

// LoadSnapshot reads and validates the snapshot envelope.
func (s *BadgerStore) LoadSnapshot() (*storage.SnapshotDoc, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("persist: badger snapshot read: %w", err)
	}
	return decodeSnapshot(data)
}

// AppendArchive writes one archival-run record under a timestamped key.
func (s *BadgerStore) AppendArchive(rec *archive.Record) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persist: encode archive record: %w", err)
	}
	// Fixed-width timestamp so lexical key order is chronological order.
	key := fmt.Sprintf("%s%s/%s", archivePrefix, rec.ArchivedAt.UTC().Format("2006-01-02T15:04:05.000000000Z"), rec.ID)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("persist: badger archive write: %w", err)
	}
	return nil
}

// ArchiveRecords returns every archived run in key (timestamp) order.
// Intended for audit tooling; the engine itself never reads archives back.
func (s *BadgerStore) ArchiveRecords() ([]*archive.Record, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var records []*archive.Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(archivePrefix); it.ValidForPrefix(archivePrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec archive.Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				records = append(records, &rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist: badger archive scan: %w", err)
	}
	return records, nil
}

// Close shuts the underlying Badger database down.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *BadgerStore) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

var (
	_ Store        = (*BadgerStore)(nil)
	_ archive.Sink = (*BadgerStore)(nil)
)
