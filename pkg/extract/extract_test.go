package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muningraph/pkg/storage"
)

func TestExtract(t *testing.T) {
	t.Run("page_references", func(t *testing.T) {
		refs := Extract("See [[Foo]] and [[Bar Baz]]", nil)

		require.Len(t, refs, 2)
		assert.Equal(t, storage.EdgePageRef, refs[0].EdgeKind)
		assert.Equal(t, "foo", refs[0].TargetID)
		assert.Equal(t, "Foo", refs[0].Display)
		assert.Equal(t, "bar baz", refs[1].TargetID)
	})

	t.Run("block_references", func(t *testing.T) {
		refs := Extract("Embeds ((64a2f9b1-0c3d-4a5e-8f11-2b3c4d5e6f70))", nil)

		require.Len(t, refs, 1)
		assert.Equal(t, storage.EdgeBlockRef, refs[0].EdgeKind)
		assert.Equal(t, storage.KindBlock, refs[0].TargetKind)
		assert.Equal(t, "64a2f9b1-0c3d-4a5e-8f11-2b3c4d5e6f70", refs[0].TargetID)
	})

	t.Run("block_reference_id_keeps_producer_casing", func(t *testing.T) {
		refs := Extract("Embeds ((64A2F9B1-0C3D-4A5E-8F11-2B3C4D5E6F70))", nil)

		require.Len(t, refs, 1)
		assert.Equal(t, "64A2F9B1-0C3D-4A5E-8F11-2B3C4D5E6F70", refs[0].TargetID,
			"blocks are stored under the verbatim producer id")
	})

	t.Run("tags_at_word_boundaries", func(t *testing.T) {
		refs := Extract("#inbox starting, mid #Project-X, no#tag here", nil)

		require.Len(t, refs, 2)
		assert.Equal(t, storage.EdgeTag, refs[0].EdgeKind)
		assert.Equal(t, "inbox", refs[0].TargetID)
		assert.Equal(t, "project-x", refs[1].TargetID)
		assert.Equal(t, "Project-X", refs[1].Display, "display keeps author casing")
	})

	t.Run("bracketed_tag_is_tag_not_page_ref", func(t *testing.T) {
		refs := Extract("tagged #[[Machine Learning]]", nil)

		require.Len(t, refs, 1)
		assert.Equal(t, storage.EdgeTag, refs[0].EdgeKind)
		assert.Equal(t, "machine learning", refs[0].TargetID)
	})

	t.Run("property_references", func(t *testing.T) {
		props := storage.NewProperties()
		props.Set("author", "Le Guin")
		props.Set("id", "64a2f9b1") // internal bookkeeping, no edge
		props.Set("collapsed", "true")
		props.Set("Type", "book")

		refs := Extract("", props)

		require.Len(t, refs, 2)
		assert.Equal(t, storage.EdgeProperty, refs[0].EdgeKind)
		assert.Equal(t, "author", refs[0].TargetID)
		assert.Equal(t, "type", refs[1].TargetID)
		assert.Equal(t, "Type", refs[1].Display)
	})

	t.Run("deduplicates_within_edge_kind", func(t *testing.T) {
		refs := Extract("[[Foo]] again [[foo]] and [[FOO]]", nil)
		require.Len(t, refs, 1)

		// Same target under a different edge kind is distinct.
		refs = Extract("[[foo]] #foo", nil)
		assert.Len(t, refs, 2)
	})

	t.Run("ordered_by_first_occurrence", func(t *testing.T) {
		refs := Extract("[[B]] then [[A]] then [[B]]", nil)

		require.Len(t, refs, 2)
		assert.Equal(t, "b", refs[0].TargetID)
		assert.Equal(t, "a", refs[1].TargetID)
	})

	t.Run("mixed_content", func(t *testing.T) {
		props := storage.NewProperties()
		props.Set("status", "active")

		refs := Extract("See [[Foo]] and #bar", props)

		require.Len(t, refs, 3)
		assert.Equal(t, storage.EdgePageRef, refs[0].EdgeKind)
		assert.Equal(t, "foo", refs[0].TargetID)
		assert.Equal(t, storage.EdgeTag, refs[1].EdgeKind)
		assert.Equal(t, "bar", refs[1].TargetID)
		assert.Equal(t, storage.EdgeProperty, refs[2].EdgeKind)
		assert.Equal(t, "status", refs[2].TargetID)
	})

	t.Run("empty_content_and_props", func(t *testing.T) {
		assert.Empty(t, Extract("", nil))
		assert.Empty(t, Extract("plain text with no markup", nil))
	})

	t.Run("is_pure_and_restartable", func(t *testing.T) {
		content := "[[Foo]] ((64a2f9b1-0c3d-4a5e-8f11-2b3c4d5e6f70)) #bar"
		first := Extract(content, nil)
		second := Extract(content, nil)
		assert.Equal(t, first, second)
	})
}
