package search

import (
	"context"
	"sync"

	keva "github.com/ik1ne/keva-sub000"

	"github.com/ik1ne/keva-sub000/telemetry"
)

// Engine runs the active and trash indexes as one unit. Every storage
// mutation has a mirror here so query results never show keys in the
// wrong lifecycle bucket. The engine is safe for concurrent use; a new
// SetQuery implicitly cancels relevance of in-flight matching for the
// previous pattern.
type Engine struct {
	mu     sync.Mutex
	active *Index
	trash  *Index
	notify func()
}

// Config controls matching behavior for both indexes.
type Config struct {
	CaseMatching         keva.CaseMatching
	UnicodeNormalization bool
	RebuildThreshold     int
	ActiveResultLimit    int
	TrashedResultLimit   int
}

// NewEngine builds an engine seeded from the stored key sets. notify is
// called whenever a mutation or query leaves matching work pending; it
// may be nil. The callback fires on the mutating goroutine, so callers
// must marshal onto their own control thread before calling Tick.
func NewEngine(activeKeys, trashedKeys []string, cfg Config, notify func()) *Engine {
	e := &Engine{
		active: NewIndex(activeKeys, IndexConfig{
			CaseMatching:     cfg.CaseMatching,
			Normalize:        cfg.UnicodeNormalization,
			ResultLimit:      cfg.ActiveResultLimit,
			RebuildThreshold: cfg.RebuildThreshold,
		}),
		trash: NewIndex(trashedKeys, IndexConfig{
			CaseMatching:     cfg.CaseMatching,
			Normalize:        cfg.UnicodeNormalization,
			ResultLimit:      cfg.TrashedResultLimit,
			RebuildThreshold: cfg.RebuildThreshold,
		}),
		notify: notify,
	}
	e.active.SetQuery("")
	e.trash.SetQuery("")
	return e
}

// SetQuery installs a new pattern on both indexes and unfreezes them.
func (e *Engine) SetQuery(pattern string) {
	e.mu.Lock()
	e.active.SetQuery(pattern)
	e.trash.SetQuery(pattern)
	e.mu.Unlock()

	telemetry.RecordSearchQuery(context.Background())
	e.wake()
}

// Tick advances both indexes by one batch and reports whether any
// visible result set changed. It never blocks.
func (e *Engine) Tick() bool {
	e.mu.Lock()
	changed := e.active.Tick()
	if e.trash.Tick() {
		changed = true
	}
	done := e.active.IsDone() && e.trash.IsDone()
	e.mu.Unlock()

	telemetry.RecordSearchTick(context.Background(), changed)
	if !done {
		e.wake()
	}
	return changed
}

// IsDone reports whether both indexes have stabilized for the current
// query.
func (e *Engine) IsDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active.IsDone() && e.trash.IsDone()
}

// ActiveResults returns the visible active-key matches, best first.
func (e *Engine) ActiveResults() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active.Results()
}

// TrashedResults returns the visible trashed-key matches, best first.
func (e *Engine) TrashedResults() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trash.Results()
}

// AddActive mirrors a key creation.
func (e *Engine) AddActive(key string) {
	e.mu.Lock()
	e.active.Add(key)
	e.mu.Unlock()
	e.wake()
}

// Trash mirrors an active key moving to the trash.
func (e *Engine) Trash(key string) {
	e.mu.Lock()
	e.active.Remove(key)
	e.trash.Add(key)
	e.mu.Unlock()
	e.wake()
}

// Restore mirrors a trashed key moving back to active.
func (e *Engine) Restore(key string) {
	e.mu.Lock()
	e.trash.Remove(key)
	e.active.Add(key)
	e.mu.Unlock()
	e.wake()
}

// Remove mirrors a purge or hard delete, hiding the key from both
// indexes.
func (e *Engine) Remove(key string) {
	e.mu.Lock()
	e.active.Remove(key)
	e.trash.Remove(key)
	e.mu.Unlock()
	e.wake()
}

// Rename mirrors a key rename in whichever index holds the key.
func (e *Engine) Rename(oldKey, newKey string) {
	e.mu.Lock()
	if e.active.Contains(oldKey) {
		e.active.Rename(oldKey, newKey)
	}
	if e.trash.Contains(oldKey) {
		e.trash.Rename(oldKey, newKey)
	}
	e.mu.Unlock()
	e.wake()
}

// Compact rebuilds indexes whose tombstone count crossed the rebuild
// threshold. Maintenance calls this after lifecycle transitions.
func (e *Engine) Compact(ctx context.Context) {
	e.mu.Lock()
	activeRebuilt := e.active.Compact()
	activeLive, activeDead := e.active.Live(), e.active.PendingDeletions()
	trashRebuilt := e.trash.Compact()
	trashLive, trashDead := e.trash.Live(), e.trash.PendingDeletions()
	e.mu.Unlock()

	if activeRebuilt {
		telemetry.RecordSearchCompaction(ctx, "active", activeLive, activeDead)
	}
	if trashRebuilt {
		telemetry.RecordSearchCompaction(ctx, "trash", trashLive, trashDead)
	}
	if activeRebuilt || trashRebuilt {
		e.wake()
	}
}

// wake fires the notify callback when there is matching work pending.
func (e *Engine) wake() {
	if e.notify != nil {
		e.notify()
	}
}
