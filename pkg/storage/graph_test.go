package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertNode(t *testing.T) {
	t.Run("creates_page_with_normalized_id", func(t *testing.T) {
		g := NewGraph()

		h, err := g.UpsertNode("  Project Notes ", KindPage, "Project Notes", nil, time.Now(), time.Now())
		require.NoError(t, err)

		node, err := g.GetNode(h)
		require.NoError(t, err)
		assert.Equal(t, "project notes", node.ExternalID)
		assert.Equal(t, KindPage, node.Kind)
		assert.Equal(t, "Project Notes", node.Content)
		assert.Equal(t, 1, g.NodeCount())
	})

	t.Run("upsert_existing_id_mutates_in_place", func(t *testing.T) {
		g := NewGraph()
		created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		h1, err := g.UpsertNode("b1", KindBlock, "first", nil, created, created)
		require.NoError(t, err)

		updated := created.Add(time.Hour)
		h2, err := g.UpsertNode("b1", KindBlock, "second", nil, updated, updated)
		require.NoError(t, err)

		assert.Equal(t, h1, h2, "upsert must return the existing handle")
		assert.Equal(t, 1, g.NodeCount(), "upsert must not create a duplicate")

		node, err := g.GetNode(h1)
		require.NoError(t, err)
		assert.Equal(t, "second", node.Content)
		assert.Equal(t, created, node.CreatedAt, "created_at survives updates")
		assert.Equal(t, updated, node.UpdatedAt)
	})

	t.Run("upsert_replaces_properties_not_merges", func(t *testing.T) {
		g := NewGraph()

		p1 := NewProperties()
		p1.Set("type", "book")
		p1.Set("status", "reading")
		h, err := g.UpsertNode("b1", KindBlock, "x", p1, time.Now(), time.Now())
		require.NoError(t, err)

		p2 := NewProperties()
		p2.Set("type", "novel")
		_, err = g.UpsertNode("b1", KindBlock, "x", p2, time.Now(), time.Now())
		require.NoError(t, err)

		node, err := g.GetNode(h)
		require.NoError(t, err)
		_, ok := node.Props.Get("status")
		assert.False(t, ok, "old properties must not survive a replace")
		v, _ := node.Props.Get("type")
		assert.Equal(t, "novel", v)
	})

	t.Run("upsert_preserves_existing_edges", func(t *testing.T) {
		g := NewGraph()

		h, err := g.UpsertNode("b1", KindBlock, "see [[foo]]", nil, time.Now(), time.Now())
		require.NoError(t, err)
		foo, err := g.EnsurePage("foo")
		require.NoError(t, err)
		_, _, err = g.UpsertEdge(h, foo, EdgePageRef)
		require.NoError(t, err)

		_, err = g.UpsertNode("b1", KindBlock, "new content", nil, time.Now(), time.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, g.EdgeCount(), "plain ingestion never deletes edges")
	})

	t.Run("rejects_empty_id", func(t *testing.T) {
		g := NewGraph()

		_, err := g.UpsertNode("", KindBlock, "x", nil, time.Now(), time.Now())
		assert.ErrorIs(t, err, ErrInvalidID)

		_, err = g.UpsertNode("   ", KindPage, "x", nil, time.Now(), time.Now())
		assert.ErrorIs(t, err, ErrInvalidID)
	})

	t.Run("rejects_kind_mismatch", func(t *testing.T) {
		g := NewGraph()

		_, err := g.UpsertNode("x1", KindBlock, "x", nil, time.Now(), time.Now())
		require.NoError(t, err)

		_, err = g.UpsertNode("x1", KindPage, "x", nil, time.Now(), time.Now())
		assert.ErrorIs(t, err, ErrKindMismatch)
	})
}

func TestEnsurePage(t *testing.T) {
	t.Run("creates_page_on_first_reference", func(t *testing.T) {
		g := NewGraph()

		h, err := g.EnsurePage("New Topic")
		require.NoError(t, err)

		node, err := g.GetNode(h)
		require.NoError(t, err)
		assert.Equal(t, "new topic", node.ExternalID)
		assert.Equal(t, "New Topic", node.Content, "display casing kept as content")
		assert.True(t, node.CreatedAt.IsZero(), "vivified pages have no producer timestamps")
	})

	t.Run("is_idempotent_and_case_insensitive", func(t *testing.T) {
		g := NewGraph()

		h1, err := g.EnsurePage("Foo")
		require.NoError(t, err)
		h2, err := g.EnsurePage("foo")
		require.NoError(t, err)
		h3, err := g.EnsurePage("FOO")
		require.NoError(t, err)

		assert.Equal(t, h1, h2)
		assert.Equal(t, h1, h3)
		assert.Equal(t, 1, g.NodeCount())
	})

	t.Run("does_not_overwrite_ingested_page", func(t *testing.T) {
		g := NewGraph()

		h, err := g.UpsertNode("foo", KindPage, "Foo", nil, time.Now(), time.Now())
		require.NoError(t, err)

		h2, err := g.EnsurePage("Foo")
		require.NoError(t, err)
		assert.Equal(t, h, h2)

		node, err := g.GetNode(h)
		require.NoError(t, err)
		assert.False(t, node.UpdatedAt.IsZero())
	})
}

func TestUpsertEdge(t *testing.T) {
	t.Run("creates_edge_between_live_nodes", func(t *testing.T) {
		g := NewGraph()
		a, _ := g.EnsurePage("a")
		b, _ := g.EnsurePage("b")

		_, created, err := g.UpsertEdge(a, b, EdgePageRef)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, 1, g.EdgeCount())
	})

	t.Run("identical_triple_is_a_noop", func(t *testing.T) {
		g := NewGraph()
		a, _ := g.EnsurePage("a")
		b, _ := g.EnsurePage("b")

		h1, _, err := g.UpsertEdge(a, b, EdgeTag)
		require.NoError(t, err)

		h2, created, err := g.UpsertEdge(a, b, EdgeTag)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, h1, h2)
		assert.Equal(t, 1, g.EdgeCount(), "repeated full syncs must not multiply edges")
	})

	t.Run("different_kind_same_endpoints_is_distinct", func(t *testing.T) {
		g := NewGraph()
		a, _ := g.EnsurePage("a")
		b, _ := g.EnsurePage("b")

		_, _, err := g.UpsertEdge(a, b, EdgePageRef)
		require.NoError(t, err)
		_, _, err = g.UpsertEdge(a, b, EdgeTag)
		require.NoError(t, err)
		assert.Equal(t, 2, g.EdgeCount())
	})

	t.Run("rejects_unknown_endpoints", func(t *testing.T) {
		g := NewGraph()
		a, _ := g.EnsurePage("a")

		_, _, err := g.UpsertEdge(a, NodeHandle(999), EdgePageRef)
		assert.ErrorIs(t, err, ErrNotFound)

		_, _, err = g.UpsertEdge(NodeHandle(999), a, EdgePageRef)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects_unknown_kind", func(t *testing.T) {
		g := NewGraph()
		a, _ := g.EnsurePage("a")
		b, _ := g.EnsurePage("b")

		_, _, err := g.UpsertEdge(a, b, EdgeKind("Friendship"))
		assert.ErrorIs(t, err, ErrInvalidData)
	})
}

func TestRemoveNode(t *testing.T) {
	t.Run("detaches_node_and_incident_edges", func(t *testing.T) {
		g := NewGraph()
		a, _ := g.EnsurePage("a")
		b, _ := g.EnsurePage("b")
		c, _ := g.EnsurePage("c")
		g.UpsertEdge(a, b, EdgePageRef)
		g.UpsertEdge(c, b, EdgeTag)
		g.UpsertEdge(a, c, EdgePageRef)

		snap, err := g.RemoveNode(b)
		require.NoError(t, err)

		assert.Equal(t, "b", snap.Node.ExternalID)
		assert.Len(t, snap.Edges, 2, "snapshot carries all incident edges")
		assert.Equal(t, 2, g.NodeCount())
		assert.Equal(t, 1, g.EdgeCount(), "only the a->c edge survives")

		_, ok := g.Lookup("b")
		assert.False(t, ok, "id index must forget removed nodes")
	})

	t.Run("stale_handle_returns_not_found", func(t *testing.T) {
		g := NewGraph()
		a, _ := g.EnsurePage("a")

		_, err := g.RemoveNode(a)
		require.NoError(t, err)

		_, err = g.RemoveNode(a)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("handles_are_never_reused", func(t *testing.T) {
		g := NewGraph()

		h1, _ := g.EnsurePage("a")
		_, err := g.RemoveNode(h1)
		require.NoError(t, err)

		h2, _ := g.EnsurePage("a")
		assert.NotEqual(t, h1, h2, "a removed handle must never come back")

		_, err = g.GetNode(h1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("removed_edge_triples_can_be_recreated", func(t *testing.T) {
		g := NewGraph()
		a, _ := g.EnsurePage("a")
		b, _ := g.EnsurePage("b")
		g.UpsertEdge(a, b, EdgePageRef)

		_, err := g.RemoveNode(b)
		require.NoError(t, err)

		b2, _ := g.EnsurePage("b")
		_, created, err := g.UpsertEdge(a, b2, EdgePageRef)
		require.NoError(t, err)
		assert.True(t, created)
	})
}

func TestCaptureNode(t *testing.T) {
	t.Run("capture_does_not_remove", func(t *testing.T) {
		g := NewGraph()
		a, _ := g.EnsurePage("a")
		b, _ := g.EnsurePage("b")
		g.UpsertEdge(a, b, EdgePageRef)

		snap, err := g.CaptureNode(b)
		require.NoError(t, err)
		assert.Equal(t, "b", snap.Node.ExternalID)
		require.Len(t, snap.Edges, 1)
		assert.Equal(t, "a", snap.Edges[0].Source)
		assert.Equal(t, "b", snap.Edges[0].Target)

		assert.Equal(t, 2, g.NodeCount())
		assert.Equal(t, 1, g.EdgeCount())
	})
}

func TestLookupAndEnumeration(t *testing.T) {
	t.Run("lookup_is_kept_in_sync", func(t *testing.T) {
		g := NewGraph()
		h, _ := g.UpsertNode("b1", KindBlock, "x", nil, time.Now(), time.Now())

		got, ok := g.Lookup("b1")
		require.True(t, ok)
		assert.Equal(t, h, got)

		got2, ok := g.LookupPage("Some Page")
		assert.False(t, ok)
		assert.Zero(t, got2)
	})

	t.Run("ids_enumerated_by_kind", func(t *testing.T) {
		g := NewGraph()
		g.EnsurePage("Beta")
		g.EnsurePage("Alpha")
		g.UpsertNode("b1", KindBlock, "x", nil, time.Now(), time.Now())

		assert.Equal(t, []string{"alpha", "beta"}, g.PageIDs())
		assert.Equal(t, []string{"b1"}, g.BlockIDs())
	})

	t.Run("reads_return_deep_copies", func(t *testing.T) {
		g := NewGraph()
		props := NewProperties()
		props.Set("k", "v")
		h, _ := g.UpsertNode("b1", KindBlock, "x", props, time.Now(), time.Now())

		node, err := g.GetNode(h)
		require.NoError(t, err)
		node.Content = "mutated"
		node.Props.Set("k", "mutated")

		fresh, err := g.GetNode(h)
		require.NoError(t, err)
		assert.Equal(t, "x", fresh.Content)
		v, _ := fresh.Props.Get("k")
		assert.Equal(t, "v", v)
	})
}

func TestConcurrentAccess(t *testing.T) {
	t.Run("concurrent_readers_and_writers", func(t *testing.T) {
		g := NewGraph()
		var wg sync.WaitGroup

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					id := string(rune('a'+n)) + "-page"
					g.EnsurePage(id)
					g.NodeCount()
					g.PageIDs()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 8, g.NodeCount())
	})
}
