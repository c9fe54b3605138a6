package sync

import (
	"slices"
	"time"

	"github.com/tonimelisma/ownedsync/internal/snapshot"
)

// SetOwned adds or removes a single track id.
func (e *Engine) SetOwned(id string, owned bool) Result {
	if id == "" {
		return Result{Skipped: true, Reason: SkipMissingID}
	}

	return e.mutate(ReasonToggle, false, func(cur []string) ([]string, string) {
		if owned {
			return append(slices.Clone(cur), id), ""
		}

		return withoutIDs(cur, id), ""
	})
}

// ToggleOwned flips membership of a single track id.
func (e *Engine) ToggleOwned(id string) Result {
	if id == "" {
		return Result{Skipped: true, Reason: SkipMissingID}
	}

	return e.mutate(ReasonToggle, false, func(cur []string) ([]string, string) {
		if snapshot.Contains(cur, id) {
			return withoutIDs(cur, id), ""
		}

		return append(slices.Clone(cur), id), ""
	})
}

// SetOwnedList replaces the whole set. An empty reason means ReasonUpdate.
// An empty result is held back from the cloud unless opts.AllowEmpty is set
// or reason is ReasonExplicitClear.
func (e *Engine) SetOwnedList(ids []string, reason string, opts SetOpts) Result {
	if reason == "" {
		reason = ReasonUpdate
	}

	return e.mutate(reason, opts.AllowEmpty, func([]string) ([]string, string) {
		return slices.Clone(ids), ""
	})
}

// SetManyOwned adds or removes several ids in one mutation.
func (e *Engine) SetManyOwned(ids []string, owned bool, reason string) Result {
	if reason == "" {
		reason = ReasonUpdate
	}

	ids = snapshot.NormalizeIDs(ids)
	if len(ids) == 0 {
		return Result{Skipped: true, Reason: SkipMissingID}
	}

	return e.mutate(reason, false, func(cur []string) ([]string, string) {
		if owned {
			return snapshot.Union(cur, ids), ""
		}

		return snapshot.Diff(cur, ids), ""
	})
}

// MarkAllOwned replaces the set with ids.
func (e *Engine) MarkAllOwned(ids []string) Result {
	return e.SetOwnedList(ids, ReasonMarkAll, SetOpts{})
}

// ClearAllOwned empties the set and lets the empty list reach the cloud.
func (e *Engine) ClearAllOwned() Result {
	return e.SetOwnedList(nil, ReasonExplicitClear, SetOpts{AllowEmpty: true})
}

// mutate applies next to the current set, records tombstones, emits the new
// snapshot and re-arms both debounce timers.
func (e *Engine) mutate(reason string, allowEmpty bool, next func(cur []string) ([]string, string)) Result {
	e.mu.Lock()

	ids, skip := next(e.trackIDs)
	if skip != "" {
		e.mu.Unlock()
		return Result{Skipped: true, Reason: skip}
	}

	ids = snapshot.NormalizeIDs(ids)
	if slices.Equal(ids, e.trackIDs) {
		e.mu.Unlock()
		return Result{Skipped: true, Reason: SkipIdentical}
	}

	for _, id := range snapshot.Diff(e.trackIDs, ids) {
		e.removed[id] = struct{}{}
	}

	for _, id := range snapshot.Diff(ids, e.trackIDs) {
		delete(e.removed, id)

		if e.pulling {
			e.pullAdded[id] = struct{}{}
		}
	}

	e.trackIDs = ids
	e.libraryVersion++
	e.markDirtyLocked()

	switch {
	case len(ids) == 0:
		e.pending = &PendingWrite{Reason: reason, AllowEmpty: allowEmpty || reason == ReasonExplicitClear}
	case e.pending != nil && e.pending.AllowEmpty:
		p := *e.pending
		p.AllowEmpty = false
		e.pending = &p
	}

	var em emission
	e.emitSnapshotLocked(&em)
	e.scheduleLocked(reason)
	e.unlockAndEmit(em)

	return Result{Queued: true}
}

func (e *Engine) markDirtyLocked() {
	if !e.dirty {
		e.dirty = true
		e.dirtySince = e.nowFunc()
	}
}

func (e *Engine) clearDirtyLocked() {
	e.dirty = false
	e.dirtySince = time.Time{}
}

func withoutIDs(cur []string, id string) []string {
	return slices.DeleteFunc(slices.Clone(cur), func(s string) bool { return s == id })
}
