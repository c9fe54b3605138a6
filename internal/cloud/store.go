package cloud

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tonimelisma/ownedsync/internal/snapshot"
)

const maxUIDLength = 256

// Store is a remote home for owned-library snapshots. WriteSnapshot is a
// merge write: the stored ids become (stored - removed) + incoming ids and
// the stored version is the larger of the two, so replaying a write is
// harmless. Backups are append-only and listed newest first.
type Store interface {
	ReadSnapshot(ctx context.Context, uid string) (*snapshot.Snapshot, error)
	WriteSnapshot(ctx context.Context, uid string, s snapshot.Snapshot, removed []string) error
	WriteBackup(ctx context.Context, uid string, s snapshot.Snapshot) error
	ReadLatestBackup(ctx context.Context, uid string) (*snapshot.Snapshot, error)
	ListBackups(ctx context.Context, uid string) ([]Backup, error)
	DeleteBackup(ctx context.Context, uid, id string) error
	CleanupBackups(ctx context.Context, uid string, keep int) error
	// Watch calls fn for every library change of uid until ctx ends.
	Watch(ctx context.Context, uid string, fn func(Change)) error
}

// Backup is one stored backup snapshot.
type Backup struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"createdAt"`
	Count     int               `json:"count"`
	Snapshot  snapshot.Snapshot `json:"snapshot"`
}

// Change announces that a user's library document changed.
type Change struct {
	UID            string    `json:"uid"`
	LibraryVersion int64     `json:"libraryVersion"`
	Count          int       `json:"count"`
	Hash           string    `json:"hash"`
	At             time.Time `json:"at"`
}

// MergeWrite applies a merge write of incoming and removed to stored.
func MergeWrite(stored *snapshot.Snapshot, incoming snapshot.Snapshot, removed []string, now time.Time) snapshot.Snapshot {
	base := snapshot.IDs(stored)
	if len(removed) > 0 {
		base = snapshot.Diff(snapshot.NormalizeIDs(base), snapshot.NormalizeIDs(removed))
	}

	var version int64
	if stored != nil {
		version = stored.LibraryVersion
	}

	updated := now.UTC()

	return snapshot.Normalize(snapshot.Raw{
		TrackIDs:       snapshot.Union(base, incoming.TrackIDs),
		LibraryVersion: max(version, incoming.LibraryVersion),
		UpdatedAt:      &updated,
	})
}

func changeFor(uid string, s snapshot.Snapshot) Change {
	at := time.Now().UTC()
	if s.UpdatedAt != nil {
		at = *s.UpdatedAt
	}

	return Change{UID: uid, LibraryVersion: s.LibraryVersion, Count: s.Count, Hash: s.Hash, At: at}
}

// ValidateUID rejects user ids that cannot be used as storage keys.
func ValidateUID(uid string) error {
	switch {
	case uid == "":
		return fmt.Errorf("%w: empty", ErrInvalidUID)
	case len(uid) > maxUIDLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidUID, maxUIDLength)
	case !utf8.ValidString(uid):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidUID)
	case strings.ContainsAny(uid, "/\x00"):
		return fmt.Errorf("%w: contains a path separator or NUL", ErrInvalidUID)
	}

	return nil
}

// backupLister is the part of Store that pruning needs.
type backupLister interface {
	ListBackups(ctx context.Context, uid string) ([]Backup, error)
	DeleteBackup(ctx context.Context, uid, id string) error
}

// pruneBackups deletes all but the newest keep backups. A keep below one
// keeps one.
func pruneBackups(ctx context.Context, s backupLister, uid string, keep int) error {
	keep = max(keep, 1)

	list, err := s.ListBackups(ctx, uid)
	if err != nil {
		return err
	}

	if len(list) <= keep {
		return nil
	}

	for _, b := range list[keep:] {
		if err := s.DeleteBackup(ctx, uid, b.ID); err != nil {
			return fmt.Errorf("cloud: deleting backup %s: %w", b.ID, err)
		}
	}

	return nil
}

// sortNewestFirst orders backups by creation time, newest first, with the
// id as tiebreaker.
func sortNewestFirst(list []Backup) {
	slices.SortFunc(list, func(a, b Backup) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(b.ID, a.ID)
	})
}

// newBackupID returns a sortable backup id for t.
func newBackupID(t time.Time) string {
	return fmt.Sprintf("%020d", t.UTC().UnixNano())
}
