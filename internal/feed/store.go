package feed

import (
	"cmp"
	"slices"
)

// Merge unions incoming into existing under the composite key and returns the
// result ordered most recent first. An incoming event replaces an existing one
// with the same key in place. Ties on timestamp keep first-insertion order, so
// the result is deterministic for a given merge sequence.
//
// When incoming is empty, existing is returned as is.
func Merge(existing, incoming []CanonicalEvent) []CanonicalEvent {
	if len(incoming) == 0 {
		return existing
	}

	index := make(map[string]int, len(existing)+len(incoming))
	merged := make([]CanonicalEvent, 0, len(existing)+len(incoming))
	add := func(ev CanonicalEvent) {
		k := ev.Key()
		if i, ok := index[k]; ok {
			merged[i] = ev
			return
		}
		index[k] = len(merged)
		merged = append(merged, ev)
	}
	for _, ev := range existing {
		add(ev)
	}
	for _, ev := range incoming {
		add(ev)
	}

	slices.SortStableFunc(merged, func(a, b CanonicalEvent) int {
		return cmp.Compare(b.Timestamp, a.Timestamp)
	})
	return merged
}

// Window returns the first min(displayCount, len(store)) events of store.
func Window(store []CanonicalEvent, displayCount int) []CanonicalEvent {
	if displayCount <= 0 {
		return store[:0]
	}
	if displayCount > len(store) {
		displayCount = len(store)
	}
	return store[:displayCount]
}
