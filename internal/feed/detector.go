package feed

import (
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Detector flags the head of the store as new when the store grows between
// observations. It relies on new events sorting to the front.
type Detector struct {
	previousTotal        int
	initialLoadCompleted bool
}

// Observe records the current store and returns the events that arrived since
// the previous observation. The first non-empty observation only sets the
// baseline so a historical backfill is never reported as new.
func (d *Detector) Observe(store []CanonicalEvent) []CanonicalEvent {
	n := len(store)
	if !d.initialLoadCompleted {
		if n == 0 {
			return nil
		}
		d.previousTotal = n
		d.initialLoadCompleted = true
		return nil
	}

	delta := n - d.previousTotal
	d.previousTotal = n
	if delta <= 0 {
		return nil
	}
	return store[:delta]
}

// Baseline reports the last observed store length and whether the initial
// load has been seen.
func (d *Detector) Baseline() (int, bool) {
	return d.previousTotal, d.initialLoadCompleted
}

// Highlights tracks keys flagged new together with their expiry deadline.
type Highlights struct {
	expires map[string]time.Time
}

// Flag marks events as new until deadline. Re-flagging extends the deadline.
func (h *Highlights) Flag(events []CanonicalEvent, deadline time.Time) {
	if len(events) == 0 {
		return
	}
	if h.expires == nil {
		h.expires = make(map[string]time.Time, len(events))
	}
	for _, ev := range events {
		h.expires[ev.Key()] = deadline
	}
}

// Expire drops every key whose deadline is not after now and returns the
// earliest remaining deadline, or the zero time when nothing is left.
func (h *Highlights) Expire(now time.Time) time.Time {
	var next time.Time
	for k, exp := range h.expires {
		if !exp.After(now) {
			delete(h.expires, k)
			continue
		}
		if next.IsZero() || exp.Before(next) {
			next = exp
		}
	}
	return next
}

// Active returns the keys still flagged at now.
func (h *Highlights) Active(now time.Time) mapset.Set[string] {
	set := mapset.NewThreadUnsafeSet[string]()
	for k, exp := range h.expires {
		if exp.After(now) {
			set.Add(k)
		}
	}
	return set
}

// Clear removes every flag.
func (h *Highlights) Clear() {
	clear(h.expires)
}

func sortedKeys(set mapset.Set[string]) []string {
	keys := set.ToSlice()
	slices.Sort(keys)
	return keys
}
