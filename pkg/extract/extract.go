// Package extract parses raw PKM content into typed references.
//
// Extraction is a pure function set with no side effects and no retained
// state: the same content always yields the same ordered, de-duplicated
// reference list, so it is safe to re-run on every ingestion of a record.
//
// Recognized syntax:
//   - [[Page Name]]        -> page reference
//   - ((block-uuid))       -> block reference
//   - #tag and #[[multi word]] -> tag (display casing kept, id normalized)
//   - key:: value property -> property reference to the page named "key"
//
// Example Usage:
//
//	refs := extract.Extract("See [[Foo]] and #bar", nil)
//	for _, r := range refs {
//		fmt.Printf("%s -> %s (%s)\n", r.EdgeKind, r.TargetID, r.Display)
//	}
//	// PageRef -> foo (Foo)
//	// Tag -> bar (bar)
package extract

import (
	"regexp"
	"strings"

	"github.com/orneryd/muningraph/pkg/storage"
)

var (
	// [[Page Name]] - shortest match, no nested brackets.
	pageRefPattern = regexp.MustCompile(`\[\[([^\[\]]+)\]\]`)

	// ((block-uuid)) - UUID-shaped block embeds/references.
	blockRefPattern = regexp.MustCompile(`\(\(([0-9a-fA-F-]+)\)\)`)

	// #tag or #[[multi word tag]]; the plain form stops at whitespace and
	// punctuation that Logseq-style editors treat as tag boundaries.
	tagPattern = regexp.MustCompile(`(?:^|\s)#(?:\[\[([^\[\]]+)\]\]|([\w/-]+))`)
)

// internalPropertyKeys are producer bookkeeping entries that carry no
// user-visible relationship. They stay on the node's property map but never
// produce Property references.
var internalPropertyKeys = map[string]struct{}{
	"id":        {},
	"collapsed": {},
}

// Reference is one typed reference extracted from a record.
type Reference struct {
	// TargetKind is the kind of node the reference points at.
	TargetKind storage.NodeKind

	// TargetID is the identifier of the target: a normalized page name,
	// or a block UUID exactly as the producer issued it.
	TargetID string

	// EdgeKind is the relationship the reference expresses.
	EdgeKind storage.EdgeKind

	// Display is the identifier as the author wrote it, casing preserved.
	Display string
}

// Extract parses content and a property map into an ordered, de-duplicated
// reference list. Order follows first occurrence: content references in
// text order (page links, then block links, then tags per scan), then one
// Property reference per non-internal property key in map order.
//
// Duplicates collapse on (EdgeKind, TargetID); the first occurrence wins.
func Extract(content string, props *storage.Properties) []Reference {
	var refs []Reference
	seen := make(map[string]struct{})

	add := func(r Reference) {
		if r.TargetID == "" {
			return
		}
		key := string(r.EdgeKind) + "\x00" + r.TargetID
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		refs = append(refs, r)
	}

	for _, idx := range pageRefPattern.FindAllStringSubmatchIndex(content, -1) {
		// #[[multi word]] is a tag, not a page link; the tag scan below
		// picks it up.
		if idx[0] > 0 && content[idx[0]-1] == '#' {
			continue
		}
		name := strings.TrimSpace(content[idx[2]:idx[3]])
		add(Reference{
			TargetKind: storage.KindPage,
			TargetID:   storage.NormalizePageName(name),
			EdgeKind:   storage.EdgePageRef,
			Display:    name,
		})
	}

	// Block ids stay exactly as the producer issued them: blocks are
	// stored under the verbatim id, so any normalization here would make
	// references unresolvable.
	for _, m := range blockRefPattern.FindAllStringSubmatch(content, -1) {
		add(Reference{
			TargetKind: storage.KindBlock,
			TargetID:   m[1],
			EdgeKind:   storage.EdgeBlockRef,
			Display:    m[1],
		})
	}

	for _, m := range tagPattern.FindAllStringSubmatch(content, -1) {
		display := m[1] // #[[multi word]] form
		if display == "" {
			display = m[2] // plain #tag form
		}
		display = strings.TrimSpace(display)
		add(Reference{
			TargetKind: storage.KindPage,
			TargetID:   storage.NormalizePageName(display),
			EdgeKind:   storage.EdgeTag,
			Display:    display,
		})
	}

	for _, key := range props.Keys() {
		if _, internal := internalPropertyKeys[key]; internal {
			continue
		}
		add(Reference{
			TargetKind: storage.KindPage,
			TargetID:   storage.NormalizePageName(key),
			EdgeKind:   storage.EdgeProperty,
			Display:    key,
		})
	}

	return refs
}
