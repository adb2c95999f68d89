package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/orneryd/muningraph/pkg/archive"
	"github.com/orneryd/muningraph/pkg/storage"
)

const (
	snapshotFileName = "knowledge_graph.json"
	archiveDirName   = "archived_nodes"
)

// FileStore persists the snapshot as a single JSON document and each
// archival run as one timestamped JSON file under archived_nodes/.
// Snapshot writes go through a temp file, fsync and atomic rename so a
// crash mid-write leaves the previous snapshot intact.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir, creating the
// directory tree as needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, archiveDirName), 0o755); err != nil {
		return nil, fmt.Errorf("persist: create data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// SnapshotPath returns the snapshot document's location.
func (s *FileStore) SnapshotPath() string {
	return filepath.Join(s.dir, snapshotFileName)
}

// SaveSnapshot writes the checksummed snapshot envelope atomically.
func (s *FileStore) SaveSnapshot(doc *storage.SnapshotDoc) error {
	data, err := encodeSnapshot(doc)
	if err != nil {
		return err
	}

	path := s.SnapshotPath()
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("persist: create snapshot file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persist: write snapshot: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persist: sync snapshot: %w", err)
	}
	file.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persist: rename snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads and validates the snapshot document.
func (s *FileStore) LoadSnapshot() (*storage.SnapshotDoc, error) {
	data, err := os.ReadFile(s.SnapshotPath())
	if os.IsNotExist(err) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("persist: read snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

// AppendArchive writes one archival run to its own timestamped file.
func (s *FileStore) AppendArchive(rec *archive.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: encode archive record: %w", err)
	}

	name := fmt.Sprintf("archived_%s_%s.json",
		rec.ArchivedAt.UTC().Format("20060102T150405Z"), rec.ID)
	path := filepath.Join(s.dir, archiveDirName, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persist: write archive record: %w", err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

var (
	_ Store        = (*FileStore)(nil)
	_ archive.Sink = (*FileStore)(nil)
)
