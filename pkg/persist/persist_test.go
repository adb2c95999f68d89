package persist

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muningraph/pkg/archive"
	"github.com/orneryd/muningraph/pkg/storage"
)

func seedGraph(t *testing.T) *storage.Graph {
	t.Helper()
	g := storage.NewGraph()

	props := storage.NewProperties()
	props.Set("type", "project")

	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	_, err := g.UpsertNode("project", storage.KindPage, "Project", props, now, now)
	require.NoError(t, err)
	_, err = g.UpsertNode("b1", storage.KindBlock, "see [[other]]", nil, now, now)
	require.NoError(t, err)

	page, _ := g.LookupPage("project")
	block, _ := g.Lookup("b1")
	other, _ := g.EnsurePage("other")
	g.UpsertEdge(page, block, storage.EdgePageToBlock)
	g.UpsertEdge(block, other, storage.EdgePageRef)
	return g
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fileStore.Close() })

	badgerStore, err := NewBadgerStore(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })

	return map[string]Store{
		"file":   fileStore,
		"badger": badgerStore,
	}
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			g := seedGraph(t)

			require.NoError(t, store.SaveSnapshot(g.Snapshot()))

			doc, err := store.LoadSnapshot()
			require.NoError(t, err)

			restored := storage.NewGraph()
			require.NoError(t, restored.Restore(doc))
			assert.Equal(t, g.NodeCount(), restored.NodeCount())
			assert.Equal(t, g.EdgeCount(), restored.EdgeCount())

			h, ok := restored.LookupPage("project")
			require.True(t, ok)
			node, err := restored.GetNode(h)
			require.NoError(t, err)
			v, _ := node.Props.Get("type")
			assert.Equal(t, "project", v)
		})
	}
}

func TestStoreMissingSnapshot(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.LoadSnapshot()
			assert.ErrorIs(t, err, ErrNoSnapshot)
		})
	}
}

func TestStoreArchiveRecords(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			rec := &archive.Record{
				ID:         "run-1",
				ArchivedAt: time.Now().UTC(),
				Nodes: []storage.NodeSnapshot{
					{Node: &storage.Node{ExternalID: "gone", Kind: storage.KindPage}},
				},
			}
			require.NoError(t, store.AppendArchive(rec))
		})
	}
}

func TestFileStoreCorruptionDetection(t *testing.T) {
	t.Run("flipped_byte_fails_checksum", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStore(dir)
		require.NoError(t, err)

		g := seedGraph(t)
		require.NoError(t, store.SaveSnapshot(g.Snapshot()))

		path := store.SnapshotPath()
		data, err := os.ReadFile(path)
		require.NoError(t, err)

		// Flip a byte inside the payload section.
		idx := len(data) / 2
		data[idx] ^= 0xff
		require.NoError(t, os.WriteFile(path, data, 0o644))

		_, err = store.LoadSnapshot()
		assert.ErrorIs(t, err, ErrCorruptSnapshot)
	})

	t.Run("truncated_file_is_corrupt_not_fatal", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStore(dir)
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(store.SnapshotPath(), []byte(`{"checksum":"ab`), 0o644))

		_, err = store.LoadSnapshot()
		assert.ErrorIs(t, err, ErrCorruptSnapshot)
	})

	t.Run("no_leftover_temp_file_after_save", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStore(dir)
		require.NoError(t, err)

		g := seedGraph(t)
		require.NoError(t, store.SaveSnapshot(g.Snapshot()))

		_, err = os.Stat(store.SnapshotPath() + ".tmp")
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("archive_files_are_one_per_run", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStore(dir)
		require.NoError(t, err)

		rec := &archive.Record{ID: "run-1", ArchivedAt: time.Now().UTC()}
		require.NoError(t, store.AppendArchive(rec))
		rec2 := &archive.Record{ID: "run-2", ArchivedAt: time.Now().UTC()}
		require.NoError(t, store.AppendArchive(rec2))

		entries, err := os.ReadDir(filepath.Join(dir, "archived_nodes"))
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})
}

func TestBadgerStoreArchiveScan(t *testing.T) {
	store, err := NewBadgerStore(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	first := &archive.Record{ID: "a", ArchivedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	second := &archive.Record{ID: "b", ArchivedAt: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, store.AppendArchive(first))
	require.NoError(t, store.AppendArchive(second))

	records, err := store.ArchiveRecords()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].ID, "records scan in timestamp order")
	assert.Equal(t, "b", records[1].ID)
}

// failingStore fails SaveSnapshot a configurable number of times.
type failingStore struct {
	Store
	failures int
	saves    int
}

func (f *failingStore) SaveSnapshot(doc *storage.SnapshotDoc) error {
	f.saves++
	if f.failures > 0 {
		f.failures--
		return errors.New("simulated io error")
	}
	return f.Store.SaveSnapshot(doc)
}

func TestManager(t *testing.T) {
	newFileManager := func(t *testing.T, g *storage.Graph, interval time.Duration, threshold int) (*Manager, Store) {
		store, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		return NewManager(g, store, interval, threshold), store
	}

	t.Run("saves_on_operation_threshold", func(t *testing.T) {
		g := seedGraph(t)
		mgr, store := newFileManager(t, g, 0, 10)

		saved, err := mgr.MaybeSnapshot(5)
		require.NoError(t, err)
		assert.False(t, saved)
		_, err = store.LoadSnapshot()
		assert.ErrorIs(t, err, ErrNoSnapshot)

		saved, err = mgr.MaybeSnapshot(10)
		require.NoError(t, err)
		assert.True(t, saved)
		_, err = store.LoadSnapshot()
		assert.NoError(t, err)
	})

	t.Run("saves_on_elapsed_interval", func(t *testing.T) {
		g := seedGraph(t)
		mgr, _ := newFileManager(t, g, time.Minute, 0)

		current := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
		mgr.now = func() time.Time { return current }

		saved, err := mgr.MaybeSnapshot(1)
		require.NoError(t, err)
		assert.True(t, saved, "first evaluation is always past the zero lastSave")

		current = current.Add(30 * time.Second)
		saved, err = mgr.MaybeSnapshot(1)
		require.NoError(t, err)
		assert.False(t, saved)

		current = current.Add(31 * time.Second)
		saved, err = mgr.MaybeSnapshot(1)
		require.NoError(t, err)
		assert.True(t, saved)
	})

	t.Run("suspended_autosave_never_fires", func(t *testing.T) {
		g := seedGraph(t)
		mgr, store := newFileManager(t, g, 0, 1)

		mgr.Suspend()
		saved, err := mgr.MaybeSnapshot(100)
		require.NoError(t, err)
		assert.False(t, saved, "no snapshot mid-batch")
		_, err = store.LoadSnapshot()
		assert.ErrorIs(t, err, ErrNoSnapshot)

		mgr.Resume()
		saved, err = mgr.MaybeSnapshot(100)
		require.NoError(t, err)
		assert.True(t, saved)
	})

	t.Run("failed_save_reports_not_saved", func(t *testing.T) {
		g := seedGraph(t)
		inner, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		flaky := &failingStore{Store: inner, failures: 2}
		mgr := NewManager(g, flaky, 0, 1)

		saved, err := mgr.MaybeSnapshot(10)
		assert.ErrorIs(t, err, ErrSnapshotFailed)
		assert.False(t, saved, "a failed save must not report as saved")

		// The store never took the snapshot, so the next cycle must
		// still see it as due.
		flaky.failures = 0
		saved, err = mgr.MaybeSnapshot(10)
		require.NoError(t, err)
		assert.True(t, saved)
	})

	t.Run("save_retries_once_then_succeeds", func(t *testing.T) {
		g := seedGraph(t)
		inner, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		flaky := &failingStore{Store: inner, failures: 1}
		mgr := NewManager(g, flaky, 0, 1)

		require.NoError(t, mgr.Save())
		assert.Equal(t, 2, flaky.saves)
	})

	t.Run("save_surfaces_error_after_second_failure", func(t *testing.T) {
		g := seedGraph(t)
		inner, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		flaky := &failingStore{Store: inner, failures: 2}
		mgr := NewManager(g, flaky, 0, 1)

		err = mgr.Save()
		assert.ErrorIs(t, err, ErrSnapshotFailed)
		assert.Equal(t, 3, g.NodeCount(), "in-memory graph unaffected")
	})

	t.Run("concurrent_saves_leave_valid_snapshot", func(t *testing.T) {
		g := seedGraph(t)
		mgr, store := newFileManager(t, g, 0, 1)

		done := make(chan error, 4)
		for i := 0; i < 4; i++ {
			go func() { done <- mgr.Save() }()
		}
		for i := 0; i < 4; i++ {
			require.NoError(t, <-done)
		}

		// Serialized writers never interleave on the temp file, so the
		// envelope must decode cleanly.
		doc, err := store.LoadSnapshot()
		require.NoError(t, err)
		assert.Len(t, doc.Nodes, 3)
	})

	t.Run("load_restores_graph", func(t *testing.T) {
		g := seedGraph(t)
		store, err := NewFileStore(t.TempDir())
		require.NoError(t, err)

		require.NoError(t, NewManager(g, store, 0, 1).Save())

		fresh := storage.NewGraph()
		require.NoError(t, NewManager(fresh, store, 0, 1).Load())
		assert.Equal(t, g.NodeCount(), fresh.NodeCount())
		assert.Equal(t, g.EdgeCount(), fresh.EdgeCount())
	})

	t.Run("load_missing_snapshot_starts_empty", func(t *testing.T) {
		fresh := storage.NewGraph()
		mgr, _ := newFileManager(t, fresh, 0, 1)

		require.NoError(t, mgr.Load(), "missing snapshot is not fatal")
		assert.Equal(t, 0, fresh.NodeCount())
	})

	t.Run("load_corrupt_snapshot_starts_empty", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStore(dir)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(store.SnapshotPath(), []byte("not json"), 0o644))

		fresh := storage.NewGraph()
		mgr := NewManager(fresh, store, 0, 1)
		require.NoError(t, mgr.Load(), "corrupt snapshot is not fatal")
		assert.Equal(t, 0, fresh.NodeCount())
	})
}
