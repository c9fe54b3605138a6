package sync

import (
	"context"

	"github.com/tonimelisma/ownedsync/internal/snapshot"
)

// Cache meta fields.
const (
	MetaLastGoodCount     = "lastGoodCount"
	MetaLastSyncAt        = "lastSyncAt"
	MetaLastSyncHash      = "lastSyncHash"
	MetaLastBackupAt      = "lastBackupAt"
	MetaLastLocalBackupAt = "lastLocalBackupAt"
	MetaPendingWrite      = "pendingWrite"
	MetaPendingRemovals   = "pendingRemovals"
)

// CacheAdapter is the local, always-available store. Implementations never
// return errors: failures are logged and reads degrade to nil so the engine
// can fall back. WriteBackup is rate-limited by the implementation.
// Satisfied by *cache.Store.
type CacheAdapter interface {
	ReadSnapshot(ctx context.Context, uid string) *snapshot.Snapshot
	WriteSnapshot(ctx context.Context, uid string, s snapshot.Snapshot)
	ReadBackup(ctx context.Context, uid string) *snapshot.Snapshot
	WriteBackup(ctx context.Context, uid string, s snapshot.Snapshot)
	ReadMeta(ctx context.Context, uid, field string) (string, bool)
	WriteMeta(ctx context.Context, uid, field, value string)
}

// CloudAdapter is the remote, network-gated store. WriteSnapshot is a merge
// write: stored ids become (stored - removed) + snapshot ids, so removals
// must travel as explicit tombstones. Satisfied by *cloud.HTTPStore,
// *cloud.NATSStore and *cloud.MemStore.
type CloudAdapter interface {
	ReadSnapshot(ctx context.Context, uid string) (*snapshot.Snapshot, error)
	WriteSnapshot(ctx context.Context, uid string, s snapshot.Snapshot, removed []string) error
	WriteBackup(ctx context.Context, uid string, s snapshot.Snapshot) error
	ReadLatestBackup(ctx context.Context, uid string) (*snapshot.Snapshot, error)
	CleanupBackups(ctx context.Context, uid string, keep int) error
}

// noCache stands in when no local persistence is configured.
type noCache struct{}

func (noCache) ReadSnapshot(context.Context, string) *snapshot.Snapshot { return nil }
func (noCache) WriteSnapshot(context.Context, string, snapshot.Snapshot) {}
func (noCache) ReadBackup(context.Context, string) *snapshot.Snapshot { return nil }
func (noCache) WriteBackup(context.Context, string, snapshot.Snapshot) {}
func (noCache) ReadMeta(context.Context, string, string) (string, bool) { return "", false }
func (noCache) WriteMeta(context.Context, string, string, string) {}
