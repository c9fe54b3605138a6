package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	stdsync "sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tonimelisma/ownedsync/internal/snapshot"
)

// Engine defaults.
const (
	DefaultLocalDebounce        = 150 * time.Millisecond
	DefaultCloudDebounce        = 900 * time.Millisecond
	DefaultCloudTimeout         = 10 * time.Second
	DefaultRemoteBackupInterval = 24 * time.Hour
	DefaultBackupKeep           = 10
)

// ErrNotInitialized is returned by operations that need a user session.
var ErrNotInitialized = errors.New("sync: engine not initialized for a user")

// EngineConfig holds the options for NewEngine. Zero durations and counts
// select the defaults above.
type EngineConfig struct {
	Cache        CacheAdapter // optional: nil runs without local persistence
	Cloud        CloudAdapter // optional: nil runs local-only
	Online       func() bool  // nil reports always online
	CloudEnabled func() bool  // nil reports enabled whenever Cloud is set

	LocalDebounce        time.Duration
	CloudDebounce        time.Duration
	CloudTimeout         time.Duration
	RemoteBackupInterval time.Duration
	BackupKeep           int

	OnSnapshot  func(SnapshotEvent)
	OnStatus    func(Status)
	OnSyncEvent func(SyncEvent)

	Logger  *slog.Logger
	NowFunc func() time.Time // injectable for deterministic tests
}

// Engine owns the in-memory owned-track set for one user session. It
// applies mutations synchronously, persists them through debounced local
// and cloud saves, and serializes every save through a single-slot
// semaphore so at most one cloud write is in flight.
//
// Callbacks are delivered in mutation order from the goroutine that caused
// them. They must not call mutating Engine methods synchronously.
type Engine struct {
	cache   CacheAdapter
	cloud   CloudAdapter
	planner *Planner
	logger  *slog.Logger
	nowFunc func() time.Time

	online       func() bool
	cloudEnabled func() bool

	localDebounce  time.Duration
	cloudDebounce  time.Duration
	cloudTimeout   time.Duration
	backupInterval time.Duration
	backupKeep     int

	onSnapshot  func(SnapshotEvent)
	onStatus    func(Status)
	onSyncEvent func(SyncEvent)

	// slot serializes saves, reconciliation and session switches.
	slot *semaphore.Weighted
	// abandoned is the done channel of a cloud call that outlived its
	// timeout. Guarded by slot.
	abandoned <-chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc

	// localMu orders cache writes so a stale capture never lands last.
	localMu stdsync.Mutex
	// emitMu hands callback delivery over from mu in mutation order.
	emitMu stdsync.Mutex

	mu                 stdsync.Mutex
	uid                string
	generation         uint64
	trackIDs           []string // sorted, unique
	libraryVersion     int64
	cloudSyncedVersion int64
	dirty              bool
	dirtySince         time.Time
	booting            bool
	pulling            bool
	pullAdded          map[string]struct{}
	saving             bool
	closed             bool
	lastSavedAt        time.Time
	lastBackupAt       time.Time
	remoteCount        int
	pending            *PendingWrite
	removed            map[string]struct{} // tombstones not yet acknowledged by the cloud
	localTimer         *time.Timer
	cloudTimer         *time.Timer
	status             Status
}

// NewEngine creates an Engine. The engine holds no user until InitForUser.
func NewEngine(cfg *EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nowFunc := cfg.NowFunc
	if nowFunc == nil {
		nowFunc = time.Now
	}

	var cache CacheAdapter = noCache{}
	if cfg.Cache != nil {
		cache = cfg.Cache
	}

	online := cfg.Online
	if online == nil {
		online = func() bool { return true }
	}

	cloudEnabled := cfg.CloudEnabled
	if cloudEnabled == nil {
		cloudEnabled = func() bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cache:          cache,
		cloud:          cfg.Cloud,
		planner:        NewPlanner(logger),
		logger:         logger,
		nowFunc:        nowFunc,
		online:         online,
		cloudEnabled:   cloudEnabled,
		localDebounce:  durationOr(cfg.LocalDebounce, DefaultLocalDebounce),
		cloudDebounce:  durationOr(cfg.CloudDebounce, DefaultCloudDebounce),
		cloudTimeout:   durationOr(cfg.CloudTimeout, DefaultCloudTimeout),
		backupInterval: durationOr(cfg.RemoteBackupInterval, DefaultRemoteBackupInterval),
		backupKeep:     intOr(cfg.BackupKeep, DefaultBackupKeep),
		onSnapshot:     cfg.OnSnapshot,
		onStatus:       cfg.OnStatus,
		onSyncEvent:    cfg.OnSyncEvent,
		slot:           semaphore.NewWeighted(1),
		baseCtx:        ctx,
		cancel:         cancel,
		removed:        make(map[string]struct{}),
		remoteCount:    -1,
		status:         Status{Phase: PhaseIdle, Source: SourceNone, UpdatedAt: nowFunc()},
	}
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}

	return d
}

func intOr(n, def int) int {
	if n <= 0 {
		return def
	}

	return n
}

// Close stops the debounce timers, waits for any in-flight save, and
// releases the engine. Pending changes are not flushed; call Flush first.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.stopTimersLocked()
	e.mu.Unlock()

	if err := e.slot.Acquire(context.Background(), 1); err == nil {
		e.slot.Release(1)
	}

	e.cancel()

	return nil
}

// InitForUser starts a session for uid. It resets all per-session state,
// restores the cache, local backup and any pending write left by a
// previous session, then reconciles with the cloud when it is usable. It
// always ends READY: cloud failures fall back to local data and are
// reported through Status. The returned error is non-nil only when ctx
// ends before the engine is free.
func (e *Engine) InitForUser(ctx context.Context, uid string, opts InitOpts) (SnapshotEvent, error) {
	e.stopTimers()

	if err := e.slot.Acquire(ctx, 1); err != nil {
		return SnapshotEvent{}, fmt.Errorf("sync: waiting for save slot: %w", err)
	}
	defer e.slot.Release(1)

	e.mu.Lock()
	e.resetLocked(uid)
	gen := e.generation

	var em emission
	e.setStatusLocked(&em, Status{Phase: PhaseSyncing, Source: SourceNone, Message: msgRestoring})
	e.unlockAndEmit(em)

	e.logger.Info("initializing owned library",
		slog.String("uid", uid),
		slog.Bool("skip_cloud", opts.SkipCloud),
	)

	var (
		cached      *snapshot.Snapshot
		localBackup *snapshot.Snapshot
		pending     *PendingWrite
		tombstones  []string
	)

	if uid != "" {
		cached = e.cache.ReadSnapshot(ctx, uid)
		// Backups only recover a lost cache. A cache that exists holds
		// every explicit removal; an older backup would undo them.
		if cached == nil {
			localBackup = e.cache.ReadBackup(ctx, uid)
		}
		pending, tombstones = e.readPending(ctx, uid)
		e.warnOnShrunkCache(ctx, uid, cached)
	}

	local := cached
	if local == nil {
		local = seedSnapshot(opts.InitialTrackIDs)
	}

	if local == nil {
		local = seedSnapshot(opts.LegacyTrackIDs)
	}

	e.mu.Lock()
	e.pending = pending
	for _, id := range tombstones {
		e.removed[id] = struct{}{}
	}

	em = nil
	if !snapshot.Empty(local) {
		e.trackIDs = local.TrackIDs
		e.libraryVersion = local.LibraryVersion
		e.cloudSyncedVersion = local.LibraryVersion
		e.emitSnapshotLocked(&em)
		e.setStatusLocked(&em, Status{Phase: PhaseSyncing, Source: SourceCache, Message: msgRestoringCached})
	}

	useCloud := !opts.SkipCloud && e.canUseCloudLocked()
	e.unlockAndEmit(em)

	// A seed that did not come from the cache must reach it.
	if cached == nil && local != nil && uid != "" {
		e.cache.WriteSnapshot(ctx, uid, *local)
	}

	e.reconcile(ctx, uid, gen, local, localBackup, cached == nil, useCloud)

	e.mu.Lock()
	e.booting = false
	snap := e.snapshotEventLocked()
	e.mu.Unlock()

	return snap, nil
}

// Reconcile re-runs the pull and merge for the current user, treating the
// in-memory set as the local tier. Hosts call it when another session is
// known to have written (for example from a cloud change feed).
func (e *Engine) Reconcile(ctx context.Context) error {
	if err := e.slot.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("sync: waiting for save slot: %w", err)
	}
	defer e.slot.Release(1)

	e.mu.Lock()
	if e.uid == "" || e.closed {
		e.mu.Unlock()
		return ErrNotInitialized
	}

	uid, gen := e.uid, e.generation
	useCloud := e.canUseCloudLocked()
	local := e.currentSnapshotLocked()

	if !useCloud {
		e.mu.Unlock()
		return nil
	}

	var em emission
	e.setStatusLocked(&em, Status{Phase: PhaseSyncing, Source: SourceCloud, Message: msgRestoring})
	e.unlockAndEmit(em)

	e.reconcile(ctx, uid, gen, &local, nil, false, true)

	return nil
}

// reconcile pulls the cloud tiers when allowed, plans, applies the chosen
// snapshot, and executes the write plan. Backups take part only while
// recovering a lost cache. Caller holds the slot.
func (e *Engine) reconcile(
	ctx context.Context, uid string, gen uint64, local, localBackup *snapshot.Snapshot, recovering, useCloud bool,
) {
	e.mu.Lock()
	e.pulling = true
	e.pullAdded = make(map[string]struct{})
	tombstones := e.tombstonesLocked()
	e.mu.Unlock()

	var (
		cloudSnap  *snapshot.Snapshot
		cloudKnown bool
		loadErr    *StepError
		backup     = localBackup
	)

	if useCloud {
		cloudSnap, loadErr = e.readCloud(ctx, uid)
		cloudKnown = loadErr == nil

		// An empty document was cleared on purpose; only a missing one
		// is recovered from the remote backup.
		if recovering && cloudKnown && cloudSnap == nil {
			remoteBackup, backupErr := e.readRemoteBackup(ctx, uid)
			if backupErr != nil {
				loadErr = backupErr
			}

			backup = mergeBackups(localBackup, remoteBackup)
		}
	}

	in := PlanInput{Cache: local, Backup: backup, Tombstones: tombstones}
	if cloudKnown {
		in.Cloud = cloudSnap
		if in.Cloud == nil {
			// Reachable but never written: an empty document, not an
			// absent tier.
			empty := snapshot.Normalize(snapshot.Raw{})
			in.Cloud = &empty
		}
	}

	plan := e.planner.Plan(in)
	if !cloudKnown {
		plan.ShouldWriteCloud = false
		plan.ShouldSeedCloud = false
		plan.Recovered = snapshot.Empty(local) && !snapshot.Empty(backup)
	}

	e.mu.Lock()
	if gen != e.generation {
		e.pulling = false
		e.mu.Unlock()

		return
	}

	// Mutations made while the pull was in flight win over the plan.
	final := plan.Chosen.TrackIDs
	added := make([]string, 0, len(e.pullAdded))
	for id := range e.pullAdded {
		added = append(added, id)
	}

	final = snapshot.Diff(snapshot.Union(final, added), e.tombstonesLocked())
	changedDuringPull := !slices.Equal(final, plan.Chosen.TrackIDs)

	e.pulling = false
	e.pullAdded = nil
	e.trackIDs = final
	e.libraryVersion = max(e.libraryVersion, plan.Chosen.LibraryVersion)

	if cloudKnown {
		e.remoteCount = len(snapshot.IDs(cloudSnap))
	}

	needCloud := cloudKnown && (plan.ShouldWriteCloud || plan.ShouldSeedCloud ||
		e.pending != nil || len(e.removed) > 0 || changedDuringPull)

	if !needCloud && cloudKnown {
		e.cloudSyncedVersion = e.libraryVersion
	}

	if useCloud && !cloudKnown && len(final) > 0 && e.pending == nil {
		e.pending = &PendingWrite{Reason: ReasonReconcile}
	}

	var em emission
	e.emitSnapshotLocked(&em)
	e.eventLocked(&em, SyncEvent{Type: EventReconciled, Reason: string(plan.Source)})

	if plan.Recovered {
		e.eventLocked(&em, SyncEvent{Type: EventRecovered, Reason: string(plan.Source)})
	}

	e.unlockAndEmit(em)

	if plan.ShouldUpdateCache || changedDuringPull {
		e.persistLocal(ctx, ReasonReconcile)
	} else if uid != "" {
		e.savePendingState(ctx, uid)
	}

	var out cloudOutcome
	if needCloud {
		out = e.persistCloud(ctx, ReasonReconcile, false)
	}

	e.mu.Lock()
	em = nil
	e.setStatusLocked(&em, e.loadedStatus(plan, local, useCloud, loadErr, out))
	e.unlockAndEmit(em)
}

// loadedStatus builds the status shown once reconciliation finishes.
// Reconciliation always ends READY; failures only populate the error
// fields.
func (e *Engine) loadedStatus(
	plan ReconcilePlan, local *snapshot.Snapshot, useCloud bool, loadErr *StepError, out cloudOutcome,
) Status {
	source := plan.Source
	if !useCloud || loadErr != nil || source == SourceNone {
		source = SourceLocal
		if !snapshot.Empty(local) {
			source = SourceCache
		}

		if plan.Source == SourceBackup {
			source = SourceBackup
		}
	}

	st := Status{
		Phase:   PhaseReady,
		Source:  source,
		Message: fmt.Sprintf(msgLoadedFormat, sourceLabel(source)),
	}

	switch {
	case loadErr != nil:
		st.ErrorCode = loadErr.Code
		st.ErrorStep = loadErr.Step
	case out.err != nil:
		st.ErrorCode = out.err.Code
		st.ErrorStep = out.err.Step
	case out.backupErr != nil:
		st.ErrorCode = out.backupErr.Code
		st.ErrorStep = out.backupErr.Step
	}

	return st
}

func sourceLabel(s Source) string {
	switch s {
	case SourceCloud:
		return "Cloud"
	case SourceCache:
		return "Cached"
	case SourceBackup:
		return "Backup"
	default:
		return "Local"
	}
}

// readCloud fetches the cloud snapshot under the cloud timeout.
func (e *Engine) readCloud(ctx context.Context, uid string) (*snapshot.Snapshot, *StepError) {
	var snap *snapshot.Snapshot

	err := e.callCloud(ctx, StepLoadingRemote, func(ctx context.Context) error {
		var readErr error
		snap, readErr = e.cloud.ReadSnapshot(ctx, uid)

		return readErr
	})
	if err != nil {
		e.logger.Warn("cloud read failed, using local data",
			slog.String("uid", uid),
			slog.String("step", string(err.Step)),
			slog.String("code", err.Code),
			slog.String("error", err.Err.Error()),
		)

		return nil, err
	}

	if snap != nil {
		fixed := snap.Renormalize()
		snap = &fixed
	}

	return snap, nil
}

// readRemoteBackup fetches the newest cloud backup under the cloud timeout.
func (e *Engine) readRemoteBackup(ctx context.Context, uid string) (*snapshot.Snapshot, *StepError) {
	var snap *snapshot.Snapshot

	err := e.callCloud(ctx, StepLoadingBackup, func(ctx context.Context) error {
		var readErr error
		snap, readErr = e.cloud.ReadLatestBackup(ctx, uid)

		return readErr
	})
	if err != nil {
		e.logger.Warn("cloud backup read failed",
			slog.String("uid", uid),
			slog.String("code", err.Code),
			slog.String("error", err.Err.Error()),
		)

		return nil, err
	}

	if snap != nil {
		fixed := snap.Renormalize()
		snap = &fixed
	}

	return snap, nil
}

// mergeBackups folds the local and remote backup tiers into one.
func mergeBackups(a, b *snapshot.Snapshot) *snapshot.Snapshot {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}

	updated := a.UpdatedAt
	if updated == nil {
		updated = b.UpdatedAt
	}

	merged := snapshot.Normalize(snapshot.Raw{
		TrackIDs:       snapshot.Union(a.TrackIDs, b.TrackIDs),
		LibraryVersion: max(a.LibraryVersion, b.LibraryVersion),
		UpdatedAt:      updated,
	})

	return &merged
}

// seedSnapshot turns host-supplied ids into a local tier, or nil.
func seedSnapshot(ids []string) *snapshot.Snapshot {
	if len(snapshot.NormalizeIDs(ids)) == 0 {
		return nil
	}

	s := snapshot.Normalize(snapshot.Raw{TrackIDs: ids})

	return &s
}

// warnOnShrunkCache logs when the cache holds fewer ids than the last
// save wrote. A shrunk cache is not repaired from backups.
func (e *Engine) warnOnShrunkCache(ctx context.Context, uid string, cached *snapshot.Snapshot) {
	raw, ok := e.cache.ReadMeta(ctx, uid, MetaLastGoodCount)
	if !ok {
		return
	}

	lastGood, err := strconv.Atoi(raw)
	if err != nil || lastGood == 0 {
		return
	}

	if n := len(snapshot.IDs(cached)); n < lastGood {
		e.logger.Warn("cached library smaller than last known good count",
			slog.String("uid", uid),
			slog.Int("cached", n),
			slog.Int("last_good", lastGood),
		)
	}
}

// readPending restores the pending marker and tombstones persisted by a
// previous session.
func (e *Engine) readPending(ctx context.Context, uid string) (*PendingWrite, []string) {
	var pending *PendingWrite

	if raw, ok := e.cache.ReadMeta(ctx, uid, MetaPendingWrite); ok && raw != "" {
		var p PendingWrite
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			e.logger.Warn("discarding unreadable pending write marker",
				slog.String("uid", uid),
				slog.String("error", err.Error()),
			)
		} else {
			pending = &p
		}
	}

	var tombstones []string

	if raw, ok := e.cache.ReadMeta(ctx, uid, MetaPendingRemovals); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &tombstones); err != nil {
			e.logger.Warn("discarding unreadable pending removals",
				slog.String("uid", uid),
				slog.String("error", err.Error()),
			)

			tombstones = nil
		}
	}

	return pending, snapshot.NormalizeIDs(tombstones)
}

// savePendingState persists the pending marker and tombstones.
func (e *Engine) savePendingState(ctx context.Context, uid string) {
	e.mu.Lock()
	if uid != e.uid {
		e.mu.Unlock()
		return
	}

	pending := e.pendingLocked()
	tombstones := e.tombstonesLocked()
	e.mu.Unlock()

	e.writePendingMeta(ctx, uid, pending, tombstones)
}

func (e *Engine) writePendingMeta(ctx context.Context, uid string, pending *PendingWrite, tombstones []string) {
	var marker string

	if pending != nil {
		if data, err := json.Marshal(pending); err == nil {
			marker = string(data)
		}
	}

	e.cache.WriteMeta(ctx, uid, MetaPendingWrite, marker)

	var removals string

	if len(tombstones) > 0 {
		if data, err := json.Marshal(tombstones); err == nil {
			removals = string(data)
		}
	}

	e.cache.WriteMeta(ctx, uid, MetaPendingRemovals, removals)
}

// resetLocked clears all per-session state for a new uid.
func (e *Engine) resetLocked(uid string) {
	e.stopTimersLocked()
	e.generation++
	e.uid = uid
	e.trackIDs = nil
	e.libraryVersion = 0
	e.cloudSyncedVersion = 0
	e.dirty = false
	e.dirtySince = time.Time{}
	e.booting = true
	e.pulling = false
	e.pullAdded = nil
	e.saving = false
	e.lastSavedAt = time.Time{}
	e.lastBackupAt = time.Time{}
	e.remoteCount = -1
	e.pending = nil
	e.removed = make(map[string]struct{})
}

// Snapshot returns the current in-memory owned set.
func (e *Engine) Snapshot() SnapshotEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.snapshotEventLocked()
}

// Status returns a copy of the current status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status
}

// Meta returns engine bookkeeping for diagnostics.
func (e *Engine) Meta() Meta {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Meta{
		UID:            e.uid,
		Dirty:          e.dirty,
		DirtySince:     e.dirtySince,
		Booting:        e.booting,
		Saving:         e.saving,
		LastSavedAt:    e.lastSavedAt,
		LibraryVersion: e.libraryVersion,
		RemoteCount:    e.remoteCount,
		Pending:        e.pendingLocked(),
		Tombstones:     e.tombstonesLocked(),
	}
}

// HasUnsavedChanges reports whether a local or cloud save is outstanding.
func (e *Engine) HasUnsavedChanges() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.dirty || e.pending != nil || e.saving || e.libraryVersion != e.cloudSyncedVersion
}

func (e *Engine) canUseCloudLocked() bool {
	return e.uid != "" && e.cloud != nil && e.cloudEnabled() && e.online()
}

func (e *Engine) currentSnapshotLocked() snapshot.Snapshot {
	now := e.nowFunc()

	return snapshot.Normalize(snapshot.Raw{
		TrackIDs:       e.trackIDs,
		LibraryVersion: e.libraryVersion,
		UpdatedAt:      &now,
	})
}

func (e *Engine) snapshotEventLocked() SnapshotEvent {
	return SnapshotEvent{TrackIDs: slices.Clone(e.trackIDs), Count: len(e.trackIDs)}
}

func (e *Engine) pendingLocked() *PendingWrite {
	if e.pending == nil {
		return nil
	}

	p := *e.pending

	return &p
}

func (e *Engine) tombstonesLocked() []string {
	out := make([]string, 0, len(e.removed))
	for id := range e.removed {
		out = append(out, id)
	}

	slices.Sort(out)

	return out
}

// emission collects callbacks recorded under mu for delivery after it is
// released.
type emission []func()

func (e *Engine) setStatusLocked(em *emission, next Status) {
	next.UpdatedAt = e.nowFunc()
	e.status = next

	if e.onStatus != nil {
		st := next
		*em = append(*em, func() { e.onStatus(st) })
	}
}

func (e *Engine) emitSnapshotLocked(em *emission) {
	if e.onSnapshot != nil {
		ev := e.snapshotEventLocked()
		*em = append(*em, func() { e.onSnapshot(ev) })
	}
}

func (e *Engine) eventLocked(em *emission, ev SyncEvent) {
	ev.At = e.nowFunc()

	e.logger.Debug("sync event",
		slog.String("type", string(ev.Type)),
		slog.String("reason", ev.Reason),
		slog.String("code", ev.Code),
		slog.String("step", string(ev.Step)),
	)

	if e.onSyncEvent != nil {
		*em = append(*em, func() { e.onSyncEvent(ev) })
	}
}

// unlockAndEmit releases mu and delivers em. emitMu is taken before mu is
// released so deliveries keep the order in which state changed.
func (e *Engine) unlockAndEmit(em emission) {
	e.emitMu.Lock()
	e.mu.Unlock()
	defer e.emitMu.Unlock()

	for _, fn := range em {
		fn()
	}
}
