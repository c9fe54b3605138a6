package sync

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/ownedsync/internal/cloud"
	"github.com/tonimelisma/ownedsync/internal/snapshot"
)

// --- fakeCloud: satisfies CloudAdapter with merge-write semantics ---

type fakeCloud struct {
	mu gosync.Mutex

	docs    map[string]snapshot.Snapshot
	backups map[string][]snapshot.Snapshot

	readErr    error
	writeErr   error
	backupErr  error
	writeBlock chan struct{} // writes wait on it, ignoring ctx

	writes      int
	backupCalls int
	cleanups    int
	inFlight    int
	maxInFlight int
	lastRemoved []string
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		docs:    make(map[string]snapshot.Snapshot),
		backups: make(map[string][]snapshot.Snapshot),
	}
}

func (f *fakeCloud) ReadSnapshot(_ context.Context, uid string) (*snapshot.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readErr != nil {
		return nil, f.readErr
	}

	s, ok := f.docs[uid]
	if !ok {
		return nil, nil
	}

	return &s, nil
}

func (f *fakeCloud) WriteSnapshot(_ context.Context, uid string, s snapshot.Snapshot, removed []string) error {
	f.mu.Lock()
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.writes++
	block := f.writeBlock
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.inFlight--

	if f.writeErr != nil {
		return f.writeErr
	}

	stored := f.docs[uid]
	ids := snapshot.Union(snapshot.Diff(stored.TrackIDs, removed), s.TrackIDs)
	f.docs[uid] = snapshot.New(ids, max(stored.LibraryVersion, s.LibraryVersion), time.Now())
	f.lastRemoved = slices.Clone(removed)

	return nil
}

func (f *fakeCloud) WriteBackup(_ context.Context, uid string, s snapshot.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.backupCalls++
	if f.backupErr != nil {
		return f.backupErr
	}

	f.backups[uid] = append(f.backups[uid], s)

	return nil
}

func (f *fakeCloud) ReadLatestBackup(_ context.Context, uid string) (*snapshot.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	list := f.backups[uid]
	if len(list) == 0 {
		return nil, nil
	}

	s := list[len(list)-1]

	return &s, nil
}

func (f *fakeCloud) CleanupBackups(_ context.Context, uid string, keep int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cleanups++
	if list := f.backups[uid]; len(list) > keep {
		f.backups[uid] = list[len(list)-keep:]
	}

	return nil
}

func (f *fakeCloud) ids(uid string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.docs[uid].TrackIDs)
}

func (f *fakeCloud) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.writes
}

// --- fakeCache: satisfies CacheAdapter ---

type fakeCache struct {
	mu      gosync.Mutex
	docs    map[string]snapshot.Snapshot
	backups map[string]snapshot.Snapshot
	meta    map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		docs:    make(map[string]snapshot.Snapshot),
		backups: make(map[string]snapshot.Snapshot),
		meta:    make(map[string]string),
	}
}

func (c *fakeCache) ReadSnapshot(_ context.Context, uid string) *snapshot.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.docs[uid]
	if !ok {
		return nil
	}

	return &s
}

func (c *fakeCache) WriteSnapshot(_ context.Context, uid string, s snapshot.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.docs[uid] = s
}

func (c *fakeCache) ReadBackup(_ context.Context, uid string) *snapshot.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.backups[uid]
	if !ok {
		return nil
	}

	return &s
}

func (c *fakeCache) WriteBackup(_ context.Context, uid string, s snapshot.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.backups[uid] = s
}

func (c *fakeCache) ReadMeta(_ context.Context, uid, field string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.meta[uid+"/"+field]

	return v, ok
}

func (c *fakeCache) WriteMeta(_ context.Context, uid, field, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.meta[uid+"/"+field] = value
}

func (c *fakeCache) ids(uid string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.docs[uid].TrackIDs)
}

// --- recorder: captures callbacks ---

type recorder struct {
	mu        gosync.Mutex
	snapshots []SnapshotEvent
	statuses  []Status
	events    []SyncEvent
}

func (r *recorder) eventTypes() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}

	return out
}

func (r *recorder) lastSnapshot() SnapshotEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.snapshots) == 0 {
		return SnapshotEvent{}
	}

	return r.snapshots[len(r.snapshots)-1]
}

type engineFixture struct {
	engine *Engine
	cloud  *fakeCloud
	cache  *fakeCache
	rec    *recorder
	online atomic.Bool
}

// newTestEngine builds an engine with long debounces so tests drive saves
// through Flush unless they shorten them via tweak.
func newTestEngine(t *testing.T, tweak func(*EngineConfig)) *engineFixture {
	t.Helper()

	fx := &engineFixture{cloud: newFakeCloud(), cache: newFakeCache(), rec: &recorder{}}
	fx.online.Store(true)

	cfg := &EngineConfig{
		Cache:         fx.cache,
		Cloud:         fx.cloud,
		Online:        fx.online.Load,
		LocalDebounce: time.Hour,
		CloudDebounce: time.Hour,
		CloudTimeout:  time.Second,
		Logger:        testLogger(t),
		OnSnapshot: func(ev SnapshotEvent) {
			fx.rec.mu.Lock()
			fx.rec.snapshots = append(fx.rec.snapshots, ev)
			fx.rec.mu.Unlock()
		},
		OnStatus: func(st Status) {
			fx.rec.mu.Lock()
			fx.rec.statuses = append(fx.rec.statuses, st)
			fx.rec.mu.Unlock()
		},
		OnSyncEvent: func(ev SyncEvent) {
			fx.rec.mu.Lock()
			fx.rec.events = append(fx.rec.events, ev)
			fx.rec.mu.Unlock()
		},
	}

	if tweak != nil {
		tweak(cfg)
	}

	fx.engine = NewEngine(cfg)
	t.Cleanup(func() {
		if err := fx.engine.Close(); err != nil {
			t.Errorf("Close(): %v", err)
		}
	})

	return fx
}

func (fx *engineFixture) init(t *testing.T, uid string) SnapshotEvent {
	t.Helper()

	ev, err := fx.engine.InitForUser(t.Context(), uid, InitOpts{})
	require.NoError(t, err)

	return ev
}

func TestInitForUser_RestoresCloudIntoEmptyCache(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.cloud.docs["u1"] = snapshot.New([]string{"a", "b"}, 2, time.Now())

	ev := fx.init(t, "u1")

	assert.Equal(t, []string{"a", "b"}, ev.TrackIDs)
	assert.Equal(t, []string{"a", "b"}, fx.cache.ids("u1"))
	assert.Equal(t, 0, fx.cloud.writeCount())

	st := fx.engine.Status()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.Equal(t, SourceCloud, st.Source)
	assert.Equal(t, "Library loaded (Cloud)", st.Message)
	assert.Empty(t, st.ErrorCode)
	assert.Equal(t, 2, fx.engine.Meta().RemoteCount)
}

func TestInitForUser_SeedsEmptyCloudFromCache(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.cache.docs["u1"] = snapshot.New([]string{"t1", "t2"}, 1, time.Now())

	fx.init(t, "u1")

	assert.Equal(t, []string{"t1", "t2"}, fx.cloud.ids("u1"))
	assert.Contains(t, fx.rec.eventTypes(), EventRecovered)
	assert.Equal(t, 1, fx.cloud.backupCalls)
	assert.False(t, fx.engine.HasUnsavedChanges())
}

func TestInitForUser_RecoversFromRemoteBackup(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.cloud.backups["u1"] = []snapshot.Snapshot{snapshot.New([]string{"old"}, 1, time.Now())}

	ev := fx.init(t, "u1")

	assert.Equal(t, []string{"old"}, ev.TrackIDs)
	assert.Equal(t, []string{"old"}, fx.cloud.ids("u1"))
	assert.Equal(t, SourceBackup, fx.engine.Status().Source)
}

func TestInitForUser_CloudReadFailureFallsBackToCache(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.cache.docs["u1"] = snapshot.New([]string{"c"}, 1, time.Now())
	fx.cloud.readErr = cloud.ErrUnavailable

	ev := fx.init(t, "u1")

	assert.Equal(t, []string{"c"}, ev.TrackIDs)

	st := fx.engine.Status()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.Equal(t, SourceCache, st.Source)
	assert.Equal(t, StepLoadingRemote, st.ErrorStep)
	assert.Equal(t, CodeUnavailable, st.ErrorCode)
	assert.Equal(t, 0, fx.cloud.writeCount())
	require.NotNil(t, fx.engine.Meta().Pending)
}

func TestInitForUser_SkipCloudUsesSeeds(t *testing.T) {
	fx := newTestEngine(t, nil)

	ev, err := fx.engine.InitForUser(t.Context(), "u1", InitOpts{
		SkipCloud:      true,
		LegacyTrackIDs: []string{"legacy"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"legacy"}, ev.TrackIDs)
	assert.Equal(t, []string{"legacy"}, fx.cache.ids("u1"))
	assert.Equal(t, 0, fx.cloud.writeCount())
	assert.Equal(t, PhaseReady, fx.engine.Status().Phase)
}

func TestInitForUser_SwitchingUserResetsState(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.cloud.docs["u1"] = snapshot.New([]string{"one"}, 1, time.Now())

	fx.init(t, "u1")
	fx.engine.SetOwned("two", true)
	require.True(t, fx.engine.HasUnsavedChanges())

	ev := fx.init(t, "u2")

	assert.Empty(t, ev.TrackIDs)
	meta := fx.engine.Meta()
	assert.Equal(t, "u2", meta.UID)
	assert.False(t, meta.Dirty)
	assert.Empty(t, meta.Tombstones)
	assert.Nil(t, meta.Pending)
	assert.Empty(t, fx.cloud.ids("u2"))
}

func TestToggleOwned_DebouncesCloudWrite(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.init(t, "u1")

	res := fx.engine.ToggleOwned("x")

	assert.True(t, res.Queued)
	assert.Equal(t, []string{"x"}, fx.engine.Snapshot().TrackIDs)
	assert.Equal(t, []string{"x"}, fx.rec.lastSnapshot().TrackIDs)
	assert.Equal(t, 0, fx.cloud.writeCount())
	assert.True(t, fx.engine.HasUnsavedChanges())

	require.NoError(t, fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{}))

	assert.Equal(t, 1, fx.cloud.writeCount())
	assert.Equal(t, []string{"x"}, fx.cloud.ids("u1"))
	assert.Equal(t, []string{"x"}, fx.cache.ids("u1"))
	assert.Equal(t, msgSyncedCloud, fx.engine.Status().Message)
	assert.False(t, fx.engine.HasUnsavedChanges())
}

func TestToggleOwned_DebounceTimersFire(t *testing.T) {
	fx := newTestEngine(t, func(cfg *EngineConfig) {
		cfg.LocalDebounce = 5 * time.Millisecond
		cfg.CloudDebounce = 20 * time.Millisecond
	})
	fx.init(t, "u1")

	fx.engine.ToggleOwned("a")
	fx.engine.ToggleOwned("b")

	require.Eventually(t, func() bool {
		return slices.Equal(fx.cloud.ids("u1"), []string{"a", "b"})
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"a", "b"}, fx.cache.ids("u1"))
	assert.Equal(t, 1, fx.cloud.writeCount())
}

func TestSetOwned_MissingIDSkipped(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.init(t, "u1")

	res := fx.engine.SetOwned("", true)

	assert.True(t, res.Skipped)
	assert.Equal(t, SkipMissingID, res.Reason)
	assert.False(t, fx.engine.HasUnsavedChanges())

	res = fx.engine.ToggleOwned("")
	assert.True(t, res.Skipped)
	assert.Equal(t, SkipMissingID, res.Reason)
}

func TestSetOwned_KeepsIDsVerbatim(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.init(t, "u1")

	decomposed := "cafe\u0301"

	fx.engine.SetOwned(" pad ", true)
	fx.engine.ToggleOwned(decomposed)
	fx.engine.SetOwned("caf\u00e9", true)
	require.NoError(t, fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{}))

	want := []string{" pad ", "caf\u00e9", decomposed}
	assert.ElementsMatch(t, want, fx.engine.Snapshot().TrackIDs)
	assert.ElementsMatch(t, want, fx.cloud.ids("u1"))
	assert.ElementsMatch(t, want, fx.cache.ids("u1"))
}

func TestSetOwnedList_IdenticalIsIdempotent(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.init(t, "u1")

	first := fx.engine.SetOwnedList([]string{"b", "a"}, "", SetOpts{})
	require.True(t, first.Queued)

	version := fx.engine.Meta().LibraryVersion
	snapshots := len(fx.rec.snapshots)

	second := fx.engine.SetOwnedList([]string{"a", "b", "a"}, "", SetOpts{})

	assert.True(t, second.Skipped)
	assert.Equal(t, SkipIdentical, second.Reason)
	assert.Equal(t, version, fx.engine.Meta().LibraryVersion)
	assert.Len(t, fx.rec.snapshots, snapshots)
}

func TestSetManyOwned(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.init(t, "u1")

	fx.engine.SetManyOwned([]string{"a", "b", "c"}, true, "")
	fx.engine.SetManyOwned([]string{"b", ""}, false, "")

	assert.Equal(t, []string{"a", "c"}, fx.engine.Snapshot().TrackIDs)
	assert.Equal(t, []string{"b"}, fx.engine.Meta().Tombstones)
}

func TestRemoval_TravelsAsTombstone(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.cloud.docs["u1"] = snapshot.New([]string{"a", "b"}, 1, time.Now())
	fx.init(t, "u1")

	fx.engine.SetOwned("b", false)
	require.NoError(t, fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{}))

	assert.Equal(t, []string{"a"}, fx.cloud.ids("u1"))
	assert.Equal(t, []string{"b"}, fx.cloud.lastRemoved)
	assert.Empty(t, fx.engine.Meta().Tombstones)
}

func TestEmptyList_HeldFromCloud(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.cloud.docs["u1"] = snapshot.New([]string{"a"}, 1, time.Now())
	fx.init(t, "u1")

	fx.engine.SetOwnedList(nil, ReasonUpdate, SetOpts{})
	require.NoError(t, fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{}))

	assert.Equal(t, []string{"a"}, fx.cloud.ids("u1"))
	assert.Equal(t, 0, fx.cloud.writeCount())

	st := fx.engine.Status()
	assert.Equal(t, msgEmptyHeld, st.Message)
	assert.Equal(t, SourceDevice, st.Source)
	require.NotNil(t, fx.engine.Meta().Pending)
}

func TestClearAllOwned_ReachesCloud(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.cloud.docs["u1"] = snapshot.New([]string{"a", "b"}, 1, time.Now())
	fx.init(t, "u1")

	fx.engine.ClearAllOwned()
	require.NoError(t, fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{}))

	assert.Empty(t, fx.cloud.ids("u1"))
	assert.Equal(t, msgSyncedCloud, fx.engine.Status().Message)
	assert.Nil(t, fx.engine.Meta().Pending)
	// Backups never hold an empty library.
	assert.Len(t, fx.cloud.backups["u1"], 0)
}

func TestFlush_OfflineDefersWrite(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.init(t, "u1")

	fx.online.Store(false)
	fx.engine.ToggleOwned("x")
	require.NoError(t, fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{}))

	assert.Equal(t, 0, fx.cloud.writeCount())
	assert.Equal(t, []string{"x"}, fx.cache.ids("u1"))
	assert.Equal(t, msgOffline, fx.engine.Status().Message)
	require.NotNil(t, fx.engine.Meta().Pending)

	fx.online.Store(true)
	require.NoError(t, fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{}))

	assert.Equal(t, []string{"x"}, fx.cloud.ids("u1"))
	assert.Nil(t, fx.engine.Meta().Pending)
}

func TestFlush_CloudDisabledPausesSync(t *testing.T) {
	fx := newTestEngine(t, func(cfg *EngineConfig) {
		cfg.CloudEnabled = func() bool { return false }
	})
	fx.init(t, "u1")

	fx.engine.ToggleOwned("x")
	require.NoError(t, fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{}))

	st := fx.engine.Status()
	assert.Equal(t, msgSyncPaused, st.Message)
	assert.Equal(t, SourceLocal, st.Source)
	assert.Equal(t, 0, fx.cloud.writeCount())
}

func TestFlush_CloudFailureReportsStep(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.init(t, "u1")

	fx.cloud.writeErr = cloud.ErrThrottled
	fx.engine.ToggleOwned("x")
	require.NoError(t, fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{}))

	st := fx.engine.Status()
	assert.Equal(t, PhaseError, st.Phase)
	assert.Equal(t, StepSavingRemote, st.ErrorStep)
	assert.Equal(t, CodeThrottled, st.ErrorCode)
	assert.Contains(t, fx.rec.eventTypes(), EventCloudFailed)
	assert.True(t, fx.engine.HasUnsavedChanges())
}

func TestFlush_BackupFailureKeepsCloudSuccess(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.init(t, "u1")

	fx.cloud.backupErr = errors.New("disk full")
	fx.engine.ToggleOwned("x")
	require.NoError(t, fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{}))

	st := fx.engine.Status()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.Equal(t, msgBackupFailed, st.Message)
	assert.Equal(t, StepSavingBackup, st.ErrorStep)
	assert.Equal(t, []string{"x"}, fx.cloud.ids("u1"))
}

func TestFlush_RemoteBackupRateLimited(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.init(t, "u1")

	fx.engine.ToggleOwned("a")
	require.NoError(t, fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{}))
	fx.engine.ToggleOwned("b")
	require.NoError(t, fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{}))

	assert.Equal(t, 1, fx.cloud.backupCalls)
	assert.Equal(t, 1, fx.cloud.cleanups)

	_, ok := fx.cache.ReadMeta(t.Context(), "u1", MetaLastBackupAt)
	assert.True(t, ok)
}

func TestFlush_TimeoutDuringLogoutLeavesPendingWrite(t *testing.T) {
	fx := newTestEngine(t, func(cfg *EngineConfig) {
		cfg.CloudTimeout = 50 * time.Millisecond
	})
	fx.init(t, "u1")

	block := make(chan struct{})
	fx.cloud.writeBlock = block
	t.Cleanup(func() { close(block) })

	fx.engine.ToggleOwned("x")

	start := time.Now()
	require.NoError(t, fx.engine.Flush(t.Context(), ReasonLogout, FlushOpts{}))
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, []string{"x"}, fx.cache.ids("u1"))

	st := fx.engine.Status()
	assert.Equal(t, StepSavingRemote, st.ErrorStep)
	assert.Equal(t, CodeTimeout, st.ErrorCode)

	raw, ok := fx.cache.ReadMeta(t.Context(), "u1", MetaPendingWrite)
	require.True(t, ok)

	var pending PendingWrite
	require.NoError(t, json.Unmarshal([]byte(raw), &pending))
	assert.Equal(t, ReasonLogout, pending.Reason)
}

func TestPendingWrite_RetriedByNextSession(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.cloud.docs["u1"] = snapshot.New([]string{"a", "b"}, 1, time.Now())
	fx.init(t, "u1")

	fx.cloud.writeErr = cloud.ErrServerError
	fx.engine.SetOwned("b", false)
	require.NoError(t, fx.engine.Flush(t.Context(), ReasonLogout, FlushOpts{}))
	require.Equal(t, []string{"a", "b"}, fx.cloud.ids("u1"))

	// A new engine over the same stores retries the write, removal included.
	fx.cloud.writeErr = nil
	next := NewEngine(&EngineConfig{Cache: fx.cache, Cloud: fx.cloud, Logger: testLogger(t)})
	t.Cleanup(func() { _ = next.Close() })

	ev, err := next.InitForUser(t.Context(), "u1", InitOpts{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, ev.TrackIDs)
	assert.Equal(t, []string{"a"}, fx.cloud.ids("u1"))
	assert.Nil(t, next.Meta().Pending)
	assert.Empty(t, next.Meta().Tombstones)
}

func TestSaves_AtMostOneCloudWriteInFlight(t *testing.T) {
	fx := newTestEngine(t, func(cfg *EngineConfig) {
		cfg.CloudTimeout = 20 * time.Millisecond
	})
	fx.init(t, "u1")

	block := make(chan struct{})
	fx.cloud.writeBlock = block

	fx.engine.ToggleOwned("a")
	require.NoError(t, fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{}))

	var wg gosync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fx.engine.ToggleOwned("b")
			_ = fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{})
		}()
	}

	wg.Wait()
	close(block)

	fx.cloud.mu.Lock()
	fx.cloud.writeBlock = nil
	fx.cloud.mu.Unlock()

	require.NoError(t, fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{}))

	fx.cloud.mu.Lock()
	defer fx.cloud.mu.Unlock()

	assert.Equal(t, 1, fx.cloud.maxInFlight)
}

func TestCallCloud_TimeoutCancelsAndNextCallWaits(t *testing.T) {
	fx := newTestEngine(t, func(cfg *EngineConfig) { cfg.CloudTimeout = 20 * time.Millisecond })
	e := fx.engine

	release := make(chan struct{})

	var sawCancel atomic.Bool

	err := e.callCloud(t.Context(), StepSavingRemote, func(ctx context.Context) error {
		<-ctx.Done()
		sawCancel.Store(true)
		<-release // keeps running after cancellation

		return nil
	})
	require.NotNil(t, err)
	assert.Equal(t, CodeTimeout, err.Code)
	assert.Eventually(t, sawCancel.Load, time.Second, 5*time.Millisecond, "the adapter context is cancelled on timeout")

	e.cloudTimeout = 5 * time.Second

	var started atomic.Bool

	done := make(chan *StepError, 1)
	go func() {
		done <- e.callCloud(t.Context(), StepSavingRemote, func(context.Context) error {
			started.Store(true)
			return nil
		})
	}()

	assert.Never(t, started.Load, 50*time.Millisecond, 5*time.Millisecond)

	close(release)

	select {
	case stepErr := <-done:
		assert.Nil(t, stepErr)
		assert.True(t, started.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("second call never ran")
	}
}

func TestReconcile_PullsRemoteChanges(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.cloud.docs["u1"] = snapshot.New([]string{"a"}, 1, time.Now())
	fx.init(t, "u1")

	fx.cloud.mu.Lock()
	fx.cloud.docs["u1"] = snapshot.New([]string{"a", "z"}, 2, time.Now())
	fx.cloud.mu.Unlock()

	require.NoError(t, fx.engine.Reconcile(t.Context()))

	assert.Equal(t, []string{"a", "z"}, fx.engine.Snapshot().TrackIDs)
	assert.Equal(t, []string{"a", "z"}, fx.cache.ids("u1"))
	assert.Equal(t, int64(2), fx.engine.Meta().LibraryVersion)
}

func TestReconcile_RequiresUser(t *testing.T) {
	fx := newTestEngine(t, nil)

	assert.ErrorIs(t, fx.engine.Reconcile(t.Context()), ErrNotInitialized)
}

func TestCallbacks_SnapshotBeforeSaveStatus(t *testing.T) {
	fx := newTestEngine(t, nil)
	fx.init(t, "u1")

	fx.engine.ToggleOwned("x")
	require.NoError(t, fx.engine.Flush(t.Context(), ReasonManual, FlushOpts{}))

	types := fx.rec.eventTypes()
	saveStarted := slices.Index(types, EventSaveStarted)
	localSaved := slices.Index(types, EventLocalSaved)
	cloudSaved := slices.Index(types, EventCloudSaved)

	require.GreaterOrEqual(t, saveStarted, 0)
	assert.Less(t, saveStarted, localSaved)
	assert.Less(t, localSaved, cloudSaved)
}

type fakeFlusher struct {
	unsaved bool
	calls   []string
}

func (f *fakeFlusher) HasUnsavedChanges() bool { return f.unsaved }

func (f *fakeFlusher) Flush(_ context.Context, reason string, _ FlushOpts) error {
	f.calls = append(f.calls, "flush:"+reason)
	return nil
}

func TestFlushBeforeLogout_FlushesThenSignsOut(t *testing.T) {
	f := &fakeFlusher{unsaved: true}

	var busy []bool

	err := FlushBeforeLogout(t.Context(), f, func(context.Context) error {
		f.calls = append(f.calls, "signout")
		return nil
	}, func(b bool) { busy = append(busy, b) })
	require.NoError(t, err)

	assert.Equal(t, []string{"flush:logout", "signout"}, f.calls)
	assert.Equal(t, []bool{true, false}, busy)
}

func TestFlushBeforeLogout_SkipsCleanEngine(t *testing.T) {
	f := &fakeFlusher{}

	require.NoError(t, FlushBeforeLogout(t.Context(), f, nil, nil))
	assert.Empty(t, f.calls)
}
