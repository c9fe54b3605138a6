package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tonimelisma/ownedsync/internal/snapshot"
)

type outcomeKind int

const (
	outcomeNone outcomeKind = iota
	outcomeSynced
	outcomeNoUser
	outcomeOffline
	outcomePaused
	outcomeEmptyHeld
	outcomeFailed
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeSynced:
		return "synced"
	case outcomeNoUser:
		return "no_user"
	case outcomeOffline:
		return "offline"
	case outcomePaused:
		return "paused"
	case outcomeEmptyHeld:
		return "empty_held"
	case outcomeFailed:
		return "failed"
	default:
		return "none"
	}
}

// cloudOutcome is the result of one pass of the cloud save path.
type cloudOutcome struct {
	kind      outcomeKind
	err       *StepError
	backupErr *StepError
}

// status maps a save outcome to the status shown after the save.
func (o cloudOutcome) status() Status {
	switch o.kind {
	case outcomeSynced:
		if o.backupErr != nil {
			return Status{
				Phase: PhaseReady, Source: SourceCloud, Message: msgBackupFailed,
				ErrorCode: o.backupErr.Code, ErrorStep: o.backupErr.Step,
			}
		}

		return Status{Phase: PhaseReady, Source: SourceCloud, Message: msgSyncedCloud}
	case outcomeOffline:
		return Status{Phase: PhaseReady, Source: SourceDevice, Message: msgOffline}
	case outcomePaused:
		return Status{Phase: PhaseReady, Source: SourceLocal, Message: msgSyncPaused}
	case outcomeEmptyHeld:
		return Status{Phase: PhaseReady, Source: SourceDevice, Message: msgEmptyHeld}
	case outcomeFailed:
		return Status{
			Phase: PhaseError, Source: SourceDevice, Message: msgSyncFailed,
			ErrorCode: o.err.Code, ErrorStep: o.err.Step,
		}
	default:
		return Status{Phase: PhaseReady, Source: SourceDevice, Message: msgSavedDevice}
	}
}

// Flush cancels the debounce timers and runs the full save path now: local
// cache first, then the cloud. Cloud failures are reported through Status
// and the pending marker, not the return value; Flush returns an error only
// when ctx ends before the engine is free.
func (e *Engine) Flush(ctx context.Context, reason string, opts FlushOpts) error {
	if reason == "" {
		reason = ReasonManual
	}

	e.stopTimers()

	if err := e.slot.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("sync: waiting for save slot: %w", err)
	}
	defer e.slot.Release(1)

	e.runSave(ctx, reason, opts)

	return nil
}

// runSave is the save path. Caller holds the slot.
func (e *Engine) runSave(ctx context.Context, reason string, opts FlushOpts) {
	e.mu.Lock()
	e.saving = true

	source := SourceDevice
	if e.canUseCloudLocked() {
		source = SourceCloud
	}

	var em emission
	e.setStatusLocked(&em, Status{Phase: PhaseSaving, Source: source, Message: msgSaving})
	e.eventLocked(&em, SyncEvent{Type: EventSaveStarted, Reason: reason})
	e.unlockAndEmit(em)

	e.persistLocal(ctx, reason)
	out := e.persistCloud(ctx, reason, opts.AllowEmpty)

	e.logger.Debug("save finished",
		slog.String("reason", reason),
		slog.String("outcome", out.kind.String()),
	)

	e.mu.Lock()
	e.saving = false
	em = nil
	e.setStatusLocked(&em, out.status())
	e.unlockAndEmit(em)
}

// persistLocal writes the current set to the cache. Cache writes happen in
// capture order, and dirty is cleared only when nothing changed since the
// capture.
func (e *Engine) persistLocal(ctx context.Context, reason string) {
	e.localMu.Lock()
	defer e.localMu.Unlock()

	e.mu.Lock()
	uid := e.uid
	if uid == "" {
		e.mu.Unlock()
		return
	}

	snap := e.currentSnapshotLocked()
	pending := e.pendingLocked()
	tombstones := e.tombstonesLocked()
	e.mu.Unlock()

	e.cache.WriteSnapshot(ctx, uid, snap)

	if snap.Count > 0 {
		e.cache.WriteBackup(ctx, uid, snap)
		e.cache.WriteMeta(ctx, uid, MetaLastGoodCount, strconv.Itoa(snap.Count))
	}

	e.writePendingMeta(ctx, uid, pending, tombstones)

	e.mu.Lock()
	if uid == e.uid {
		e.lastSavedAt = e.nowFunc()
		if e.libraryVersion == snap.LibraryVersion {
			e.clearDirtyLocked()
		}
	}

	var em emission
	e.eventLocked(&em, SyncEvent{Type: EventLocalSaved, Reason: reason})
	e.unlockAndEmit(em)
}

// persistCloud pushes the current set and tombstones to the cloud, or
// records a pending write when the cloud cannot be used. Caller holds the
// slot.
func (e *Engine) persistCloud(ctx context.Context, reason string, allowEmpty bool) cloudOutcome {
	e.mu.Lock()
	uid, gen := e.uid, e.generation

	if e.pending != nil && e.pending.AllowEmpty {
		allowEmpty = true
	}

	allowEmpty = allowEmpty || reason == ReasonExplicitClear

	var kind outcomeKind

	switch {
	case uid == "":
		kind = outcomeNoUser
	case !e.online():
		kind = outcomeOffline
	case e.cloud == nil || !e.cloudEnabled():
		kind = outcomePaused
	case len(e.trackIDs) == 0 && !allowEmpty:
		kind = outcomeEmptyHeld
	}

	if kind != outcomeNone {
		if uid == "" {
			e.mu.Unlock()
			return cloudOutcome{kind: kind}
		}

		e.pending = &PendingWrite{Reason: reason, AllowEmpty: allowEmpty && len(e.trackIDs) == 0}

		var em emission
		e.eventLocked(&em, SyncEvent{Type: EventCloudDeferred, Reason: reason, Code: kind.String()})
		e.unlockAndEmit(em)

		e.savePendingState(ctx, uid)

		return cloudOutcome{kind: kind}
	}

	snap := e.currentSnapshotLocked()
	removed := e.tombstonesLocked()
	e.mu.Unlock()

	stepErr := e.callCloud(ctx, StepSavingRemote, func(ctx context.Context) error {
		return e.cloud.WriteSnapshot(ctx, uid, snap, removed)
	})
	if stepErr != nil {
		e.logger.Warn("cloud save failed, will retry",
			slog.String("uid", uid),
			slog.String("reason", reason),
			slog.String("code", stepErr.Code),
			slog.String("error", stepErr.Err.Error()),
		)

		e.mu.Lock()
		if gen == e.generation {
			e.pending = &PendingWrite{Reason: reason, AllowEmpty: allowEmpty && snap.Count == 0}
		}

		var em emission
		e.eventLocked(&em, SyncEvent{Type: EventCloudFailed, Reason: reason, Code: stepErr.Code, Step: stepErr.Step})
		e.unlockAndEmit(em)

		e.savePendingState(ctx, uid)

		return cloudOutcome{kind: outcomeFailed, err: stepErr}
	}

	now := e.nowFunc()

	e.mu.Lock()
	if gen == e.generation {
		e.pending = nil
		for _, id := range removed {
			delete(e.removed, id)
		}

		e.cloudSyncedVersion = snap.LibraryVersion
		e.remoteCount = snap.Count
		e.lastSavedAt = now
	}

	var em emission
	e.eventLocked(&em, SyncEvent{Type: EventCloudSaved, Reason: reason})
	e.unlockAndEmit(em)

	e.logger.Info("library synced to cloud",
		slog.String("uid", uid),
		slog.String("reason", reason),
		slog.Int("count", snap.Count),
		slog.Int("tombstones", len(removed)),
	)

	e.cache.WriteMeta(ctx, uid, MetaLastSyncAt, now.UTC().Format(time.RFC3339Nano))
	e.cache.WriteMeta(ctx, uid, MetaLastSyncHash, snap.Hash)
	e.savePendingState(ctx, uid)

	return cloudOutcome{kind: outcomeSynced, backupErr: e.maybeBackup(ctx, uid, snap)}
}

// maybeBackup writes a remote backup at most once per backup interval and
// prunes old ones. Empty snapshots are never backed up.
func (e *Engine) maybeBackup(ctx context.Context, uid string, snap snapshot.Snapshot) *StepError {
	if snap.Count == 0 {
		return nil
	}

	now := e.nowFunc()
	if last := e.lastRemoteBackup(ctx, uid); !last.IsZero() && now.Sub(last) < e.backupInterval {
		return nil
	}

	if err := e.callCloud(ctx, StepSavingBackup, func(ctx context.Context) error {
		return e.cloud.WriteBackup(ctx, uid, snap)
	}); err != nil {
		e.backupFailed(uid, err)
		return err
	}

	e.mu.Lock()
	if uid == e.uid {
		e.lastBackupAt = now
	}

	var em emission
	e.eventLocked(&em, SyncEvent{Type: EventBackupSaved})
	e.unlockAndEmit(em)

	e.cache.WriteMeta(ctx, uid, MetaLastBackupAt, now.UTC().Format(time.RFC3339Nano))

	if err := e.callCloud(ctx, StepCleanupBackup, func(ctx context.Context) error {
		return e.cloud.CleanupBackups(ctx, uid, e.backupKeep)
	}); err != nil {
		e.backupFailed(uid, err)
		return err
	}

	return nil
}

func (e *Engine) backupFailed(uid string, err *StepError) {
	e.logger.Warn("cloud backup failed",
		slog.String("uid", uid),
		slog.String("step", string(err.Step)),
		slog.String("code", err.Code),
		slog.String("error", err.Err.Error()),
	)

	e.mu.Lock()

	var em emission
	e.eventLocked(&em, SyncEvent{Type: EventBackupFailed, Code: err.Code, Step: err.Step})
	e.unlockAndEmit(em)
}

// lastRemoteBackup returns when the last remote backup was written, from
// memory or the cache meta.
func (e *Engine) lastRemoteBackup(ctx context.Context, uid string) time.Time {
	e.mu.Lock()
	last := e.lastBackupAt
	e.mu.Unlock()

	if !last.IsZero() {
		return last
	}

	raw, ok := e.cache.ReadMeta(ctx, uid, MetaLastBackupAt)
	if !ok {
		return time.Time{}
	}

	if t := snapshot.TimeFromMillis(snapshot.ParseTimestamp(raw)); t != nil {
		return *t
	}

	return time.Time{}
}

// scheduleLocked re-arms the local and cloud debounce timers.
func (e *Engine) scheduleLocked(reason string) {
	if e.closed {
		return
	}

	gen := e.generation

	if e.localTimer != nil {
		e.localTimer.Stop()
	}

	e.localTimer = time.AfterFunc(e.localDebounce, func() { e.onLocalTimer(gen, reason) })

	if e.cloudTimer != nil {
		e.cloudTimer.Stop()
	}

	e.cloudTimer = time.AfterFunc(e.cloudDebounce, func() { e.onCloudTimer(gen, reason) })
}

func (e *Engine) stopTimers() {
	e.mu.Lock()
	e.stopTimersLocked()
	e.mu.Unlock()
}

func (e *Engine) stopTimersLocked() {
	if e.localTimer != nil {
		e.localTimer.Stop()
		e.localTimer = nil
	}

	if e.cloudTimer != nil {
		e.cloudTimer.Stop()
		e.cloudTimer = nil
	}
}

// onLocalTimer persists to the cache after the local debounce.
func (e *Engine) onLocalTimer(gen uint64, reason string) {
	e.mu.Lock()
	stale := e.closed || gen != e.generation
	e.mu.Unlock()

	if stale {
		return
	}

	e.persistLocal(e.baseCtx, reason)

	e.mu.Lock()
	if e.saving || e.pending != nil || gen != e.generation {
		e.mu.Unlock()
		return
	}

	source := SourceDevice
	if e.online() {
		source = SourceLocal
	}

	var em emission
	e.setStatusLocked(&em, Status{Phase: PhaseReady, Source: source, Message: msgSavedDevice})
	e.unlockAndEmit(em)
}

// onCloudTimer runs the full save path after the cloud debounce.
func (e *Engine) onCloudTimer(gen uint64, reason string) {
	if err := e.slot.Acquire(e.baseCtx, 1); err != nil {
		return
	}
	defer e.slot.Release(1)

	e.mu.Lock()
	idle := e.libraryVersion == e.cloudSyncedVersion && e.pending == nil && len(e.removed) == 0
	stale := e.closed || gen != e.generation
	e.mu.Unlock()

	if stale || idle {
		return
	}

	e.runSave(e.baseCtx, reason, FlushOpts{})
}
