package search

import (
	"slices"

	keva "github.com/ik1ne/keva-sub000"
)

// Index wraps the append-only matcher with deletion and result-stability
// semantics. Removed keys are tombstoned rather than deleted; iteration
// filters them out. Once enough matches are visible for the current query
// the result set freezes, so later and better-scoring matches cannot
// reshuffle what the caller already displays.
type Index struct {
	matcher *Matcher

	present    map[string]struct{}
	tombstones map[string]struct{}

	// pendingDeletions counts tombstones added since the last rebuild;
	// Compact rebuilds once it crosses rebuildThreshold.
	pendingDeletions int
	rebuildThreshold int

	limit       int
	atThreshold bool
	frozen      []string

	caseMode  keva.CaseMatching
	normalize bool
}

// IndexConfig carries the per-index knobs.
type IndexConfig struct {
	CaseMatching     keva.CaseMatching
	Normalize        bool
	ResultLimit      int
	RebuildThreshold int
}

// NewIndex creates an index seeded with the given keys in order.
func NewIndex(keys []string, cfg IndexConfig) *Index {
	idx := &Index{
		matcher:          NewMatcher(cfg.CaseMatching, cfg.Normalize),
		present:          make(map[string]struct{}),
		tombstones:       make(map[string]struct{}),
		rebuildThreshold: cfg.RebuildThreshold,
		limit:            cfg.ResultLimit,
		caseMode:         cfg.CaseMatching,
		normalize:        cfg.Normalize,
	}
	for _, k := range keys {
		idx.Add(k)
	}
	return idx
}

// Add makes a key visible. A previously tombstoned key has its tombstone
// cleared without re-injection; a brand-new key enters the matcher.
func (i *Index) Add(key string) {
	if _, dead := i.tombstones[key]; dead {
		delete(i.tombstones, key)
		return
	}
	if _, ok := i.present[key]; ok {
		return
	}
	i.present[key] = struct{}{}
	i.matcher.Insert(key)
}

// Remove hides a key. The matcher still holds it internally until the
// next rebuild.
func (i *Index) Remove(key string) {
	if _, ok := i.present[key]; !ok {
		return
	}
	if _, dead := i.tombstones[key]; dead {
		return
	}
	i.tombstones[key] = struct{}{}
	i.pendingDeletions++
}

// Rename atomically swaps visibility from old to new.
func (i *Index) Rename(oldKey, newKey string) {
	i.Remove(oldKey)
	i.Add(newKey)
}

// Contains reports whether a key is currently visible.
func (i *Index) Contains(key string) bool {
	if _, dead := i.tombstones[key]; dead {
		return false
	}
	_, ok := i.present[key]
	return ok
}

// SetQuery installs a new pattern and unfreezes the result set.
func (i *Index) SetQuery(pattern string) {
	i.atThreshold = false
	i.frozen = nil
	i.matcher.SetPattern(pattern)
}

// Tick advances matching by one batch. It reports whether the visible
// result set changed. After the index reaches its threshold, Tick is a
// no-op returning false until the next SetQuery.
func (i *Index) Tick() bool {
	if i.atThreshold {
		return false
	}

	before := i.visibleSnapshot()
	progressed := i.matcher.Tick()
	visible := i.visibleSnapshot()

	// Freeze once enough matches are on screen or there is nothing left
	// to scan. A batch may overshoot the limit; the whole batch stays.
	if len(visible) >= i.limit || i.matcher.Done() {
		i.atThreshold = true
		i.frozen = visible
	}
	// A batch that matched only tombstoned keys is not a visible change.
	return progressed && !slices.Equal(before, visible)
}

// IsDone reports whether the current query has stabilized.
func (i *Index) IsDone() bool {
	return i.atThreshold
}

// Results returns the visible matches for the current query, best first.
// After the threshold is reached the ordering is frozen until the next
// query, but keys tombstoned after the freeze still drop out.
func (i *Index) Results() []string {
	if i.atThreshold {
		return i.filterTombstones(i.frozen)
	}
	return i.visibleSnapshot()
}

func (i *Index) visibleSnapshot() []string {
	return i.filterTombstones(i.matcher.Snapshot())
}

func (i *Index) filterTombstones(keys []string) []string {
	var out []string
	for _, key := range keys {
		if _, dead := i.tombstones[key]; dead {
			continue
		}
		out = append(out, key)
	}
	return out
}

// PendingDeletions returns the tombstone count since the last rebuild.
func (i *Index) PendingDeletions() int {
	return i.pendingDeletions
}

// Live returns the number of visible keys.
func (i *Index) Live() int {
	return len(i.present) - len(i.tombstones)
}

// Compact rebuilds the matcher from the visible keys when the tombstone
// count has crossed the rebuild threshold, preserving insertion order.
// It reports whether a rebuild happened.
func (i *Index) Compact() bool {
	if i.pendingDeletions <= i.rebuildThreshold {
		return false
	}
	i.rebuild()
	return true
}

func (i *Index) rebuild() {
	live := make([]string, 0, len(i.present))
	for _, key := range i.matcher.Keys() {
		if _, dead := i.tombstones[key]; dead {
			continue
		}
		if _, ok := i.present[key]; !ok {
			continue
		}
		live = append(live, key)
	}

	pattern := i.matcher.pattern

	fresh := NewMatcher(i.caseMode, i.normalize)
	i.present = make(map[string]struct{}, len(live))
	for _, key := range live {
		fresh.Insert(key)
		i.present[key] = struct{}{}
	}
	fresh.SetPattern(pattern)

	i.matcher = fresh
	i.tombstones = make(map[string]struct{})
	i.pendingDeletions = 0
	i.atThreshold = false
	i.frozen = nil
}
