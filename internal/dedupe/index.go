// Package dedupe collapses equivalent knowledge units into canonical,
// evidence-linked units. Equivalence is content-hash equality over
// normalized text. That is a deliberate approximation: it can merge
// similar-but-distinct statements, so merges stay additive and
// citation-preserving, and near-duplicates are only ever flagged for
// review, never merged automatically.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/dschulmeist/slide2anki/internal/logging"
)

// EvidenceRef points at a source that produced a unit: a page, a chunk,
// or an image region.
type EvidenceRef struct {
	Source string `json:"source"`          // e.g. "chunk:2", "page:14"
	Page   int    `json:"page,omitempty"`  // 0-based page index, -1 if unknown
	Label  string `json:"label,omitempty"` // free-form locator detail
}

// CanonicalUnit is a deduplicated knowledge unit and its merged evidence.
type CanonicalUnit struct {
	// Anchor is the hex SHA-256 of the normalized content.
	Anchor string `json:"anchor"`
	// Content is the text of the first occurrence, or the user's edit.
	Content string `json:"content"`
	// Evidence lists every source that produced equivalent content,
	// in arrival order, without duplicates.
	Evidence []EvidenceRef `json:"evidence"`
	// Position is the dispatch index of the earliest producer.
	Position int `json:"position"`
	// UserEdited marks content as authoritative: automatic merges may
	// extend Evidence but never touch Content again.
	UserEdited bool `json:"user_edited,omitempty"`
	// NearDuplicateOf carries an assistive suggestion: the anchor of an
	// existing unit this one closely resembles. Review-only, no merge.
	NearDuplicateOf string `json:"near_duplicate_of,omitempty"`
}

// Normalize case-folds and collapses whitespace so formatting noise
// never defeats deduplication.
func Normalize(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// Anchor returns the content hash of the normalized text.
func Anchor(content string) string {
	sum := sha256.Sum256([]byte(Normalize(content)))
	return hex.EncodeToString(sum[:])
}

// Index is a per-run content-addressed index of canonical units.
// It is mutated only inside the serialized assembly step; concurrent
// branches hand back raw content/evidence pairs instead of touching it.
type Index struct {
	units map[string]*CanonicalUnit
	order []string // anchors in first-seen order
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{units: make(map[string]*CanonicalUnit)}
}

// Restore rebuilds an index from previously assembled units, preserving
// user edits. Used when re-running assembly against revised boundaries.
func Restore(units []CanonicalUnit) *Index {
	idx := NewIndex()
	for i := range units {
		u := units[i]
		idx.units[u.Anchor] = &u
		idx.order = append(idx.order, u.Anchor)
	}
	return idx
}

// Upsert records one occurrence of content produced at dispatchIndex.
//
// First occurrence creates the unit. Repeat occurrences extend the
// evidence list (set union) and leave content and position untouched;
// first appearance wins. If the existing unit is user-edited, incoming
// automatic content is discarded entirely but evidence still merges.
func (idx *Index) Upsert(content string, ev EvidenceRef, dispatchIndex int) *CanonicalUnit {
	anchor := Anchor(content)

	if existing, ok := idx.units[anchor]; ok {
		existing.addEvidence(ev)
		return existing
	}

	unit := &CanonicalUnit{
		Anchor:   anchor,
		Content:  content,
		Evidence: []EvidenceRef{ev},
		Position: dispatchIndex,
	}
	if near := idx.nearest(content); near != "" {
		unit.NearDuplicateOf = near
		logging.Dedupe("near-duplicate flagged: %s ~ %s", anchor[:12], near[:12])
	}
	idx.units[anchor] = unit
	idx.order = append(idx.order, anchor)
	return unit
}

// MarkUserEdited replaces a unit's content with an edit made by the
// review collaborator. The edit is authoritative from then on.
func (idx *Index) MarkUserEdited(anchor, edited string) bool {
	u, ok := idx.units[anchor]
	if !ok {
		return false
	}
	u.Content = edited
	u.UserEdited = true
	return true
}

// Len returns the number of canonical units.
func (idx *Index) Len() int { return len(idx.units) }

// Units returns canonical units ordered by position, then first-seen
// order for ties. The result is a copy; callers own it.
func (idx *Index) Units() []CanonicalUnit {
	out := make([]CanonicalUnit, 0, len(idx.order))
	for _, anchor := range idx.order {
		out = append(out, *idx.units[anchor])
	}
	// Insertion sort by position: unit counts are small and the slice
	// is already nearly ordered by arrival.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Position < out[j-1].Position; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (u *CanonicalUnit) addEvidence(ev EvidenceRef) {
	for _, have := range u.Evidence {
		if have == ev {
			return
		}
	}
	u.Evidence = append(u.Evidence, ev)
}

// nearDuplicateThreshold is the Jaccard word-set similarity above which
// a new unit gets flagged as a likely duplicate of an existing one.
const nearDuplicateThreshold = 0.85

// nearest returns the anchor of the most similar existing unit above
// the threshold, or "" when nothing comes close.
func (idx *Index) nearest(content string) string {
	words := wordSet(Normalize(content))
	if len(words) == 0 {
		return ""
	}
	best := ""
	bestScore := nearDuplicateThreshold
	for _, anchor := range idx.order {
		score := jaccard(words, wordSet(Normalize(idx.units[anchor].Content)))
		if score > bestScore {
			best = anchor
			bestScore = score
		}
	}
	return best
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
