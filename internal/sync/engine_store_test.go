package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/ownedsync/internal/cache"
	"github.com/tonimelisma/ownedsync/internal/cloud"
	"github.com/tonimelisma/ownedsync/internal/snapshot"
)

// These tests run the engine over the real cache.Store so the local
// backup's rate limit takes part, and over cloud.MemStore for the
// server-side merge.

type storeFixture struct {
	cache *cache.Store
	cloud *cloud.MemStore
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()

	return &storeFixture{
		cache: cache.New(cache.NewMemoryBackend(), cache.Options{Logger: testLogger(t)}),
		cloud: cloud.NewMemStore(),
	}
}

// session opens a fresh engine over the shared stores, as a new process
// would.
func (fx *storeFixture) session(t *testing.T, uid string) *Engine {
	t.Helper()

	e := NewEngine(&EngineConfig{
		Cache:         fx.cache,
		Cloud:         fx.cloud,
		LocalDebounce: time.Hour,
		CloudDebounce: time.Hour,
		CloudTimeout:  time.Second,
		Logger:        testLogger(t),
	})
	t.Cleanup(func() { _ = e.Close() })

	_, err := e.InitForUser(t.Context(), uid, InitOpts{})
	require.NoError(t, err)

	return e
}

func (fx *storeFixture) cloudIDs(t *testing.T, uid string) []string {
	t.Helper()

	s, err := fx.cloud.ReadSnapshot(t.Context(), uid)
	require.NoError(t, err)

	return snapshot.IDs(s)
}

func TestStoreSession_RemovalSurvivesNextSession(t *testing.T) {
	fx := newStoreFixture(t)

	first := fx.session(t, "u1")
	first.SetOwnedList([]string{"a", "b"}, "", SetOpts{})
	require.NoError(t, first.Flush(t.Context(), ReasonManual, FlushOpts{}))

	first.SetOwned("b", false)
	require.NoError(t, first.Flush(t.Context(), ReasonManual, FlushOpts{}))

	require.Equal(t, []string{"a"}, fx.cloudIDs(t, "u1"))
	require.Empty(t, first.Meta().Tombstones)
	require.NoError(t, first.Close())

	backup := fx.cache.ReadBackup(t.Context(), "u1")
	require.NotNil(t, backup)
	assert.Equal(t, []string{"a"}, backup.TrackIDs, "local backup follows removals")

	second := fx.session(t, "u1")

	assert.Equal(t, []string{"a"}, second.Snapshot().TrackIDs)
	assert.Equal(t, []string{"a"}, fx.cloudIDs(t, "u1"))
}

func TestStoreSession_ExplicitClearSurvivesNextSession(t *testing.T) {
	fx := newStoreFixture(t)

	first := fx.session(t, "u1")
	first.SetOwnedList([]string{"a", "b"}, "", SetOpts{})
	require.NoError(t, first.Flush(t.Context(), ReasonManual, FlushOpts{}))

	first.ClearAllOwned()
	require.NoError(t, first.Flush(t.Context(), ReasonManual, FlushOpts{AllowEmpty: true}))
	require.Empty(t, fx.cloudIDs(t, "u1"))
	require.NoError(t, first.Close())

	second := fx.session(t, "u1")

	assert.Empty(t, second.Snapshot().TrackIDs)
	assert.Empty(t, fx.cloudIDs(t, "u1"))
}

func TestStoreSession_LostCacheRecoversFromLocalBackup(t *testing.T) {
	fx := newStoreFixture(t)
	fx.cache.WriteBackup(t.Context(), "u1", snapshot.New([]string{"kept"}, 3, time.Now()))

	e := fx.session(t, "u1")

	assert.Equal(t, []string{"kept"}, e.Snapshot().TrackIDs)
	assert.Equal(t, []string{"kept"}, fx.cloudIDs(t, "u1"))
	require.NotNil(t, fx.cache.ReadSnapshot(t.Context(), "u1"))
}

func TestStoreSession_ReconcileIgnoresStaleBackups(t *testing.T) {
	fx := newStoreFixture(t)
	fx.cache.WriteBackup(t.Context(), "u1", snapshot.New([]string{"a", "gone"}, 1, time.Now()))
	require.NoError(t, fx.cloud.WriteBackup(t.Context(), "u1", snapshot.New([]string{"a", "gone"}, 1, time.Now())))
	fx.cache.WriteSnapshot(t.Context(), "u1", snapshot.New([]string{"a"}, 2, time.Now()))

	e := fx.session(t, "u1")
	require.Equal(t, []string{"a"}, e.Snapshot().TrackIDs)

	require.NoError(t, e.Reconcile(t.Context()))

	assert.Equal(t, []string{"a"}, e.Snapshot().TrackIDs)
	assert.Equal(t, []string{"a"}, fx.cloudIDs(t, "u1"))
}
