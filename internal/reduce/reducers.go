// Package reduce provides the pure merge functions applied at fan-in.
// Every reducer is total (nil/empty inputs are fine) and, where results
// come from parallel branches, order-independent: merging is keyed by
// the dispatch index assigned at fan-out, never by completion order.
package reduce

import (
	"sort"

	"github.com/dschulmeist/slide2anki/internal/dedupe"
)

// Partial is one branch's contribution to a fan-in field, tagged with
// the stable dispatch index assigned at fan-out.
type Partial[T any] struct {
	Index int
	Value T
}

// sortByIndex orders partials by dispatch index without mutating the
// caller's slice.
func sortByIndex[T any](incoming []Partial[T]) []Partial[T] {
	out := make([]Partial[T], len(incoming))
	copy(out, incoming)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// OrderedAppendUnique appends incoming values to existing in dispatch
// index order, skipping values whose key is already present. Used for
// claim and evidence lists.
func OrderedAppendUnique[T any](existing []T, incoming []Partial[[]T], key func(T) string) []T {
	out := make([]T, 0, len(existing))
	seen := make(map[string]struct{})
	for _, v := range existing {
		out = append(out, v)
		seen[key(v)] = struct{}{}
	}
	for _, p := range sortByIndex(incoming) {
		for _, v := range p.Value {
			k := key(v)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// RawUnit is one content/evidence pair handed back by a branch. Branches
// never touch the dedupe index directly; IndexMerge folds their raw
// output into it during the serialized fan-in step.
type RawUnit struct {
	Content  string             `json:"content"`
	Evidence dedupe.EvidenceRef `json:"evidence"`
}

// IndexMerge folds branch outputs into the dedupe index in dispatch
// index order. A nil index is created fresh, so the reducer is total.
func IndexMerge(idx *dedupe.Index, incoming []Partial[[]RawUnit]) *dedupe.Index {
	if idx == nil {
		idx = dedupe.NewIndex()
	}
	for _, p := range sortByIndex(incoming) {
		for _, unit := range p.Value {
			if unit.Content == "" {
				continue
			}
			idx.Upsert(unit.Content, unit.Evidence, p.Index)
		}
	}
	return idx
}

// ReplaceIfAbsent keeps existing unless it is the zero value. Used for
// scalar fields set by exactly one producer.
func ReplaceIfAbsent[T comparable](existing, incoming T) T {
	var zero T
	if existing == zero {
		return incoming
	}
	return existing
}

// KeepLast keeps incoming when it is non-empty, otherwise existing.
// Used for the current-step label.
func KeepLast(existing, incoming string) string {
	if incoming != "" {
		return incoming
	}
	return existing
}

// KeepMax keeps the larger value. Used for monotonic progress.
func KeepMax(existing, incoming int) int {
	if incoming > existing {
		return incoming
	}
	return existing
}

// MergeErrors appends incoming errors preserving first-seen order and
// dropping exact duplicates.
func MergeErrors(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	out := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{})
	for _, lists := range [][]string{existing, incoming} {
		for _, e := range lists {
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}
