package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/tonimelisma/ownedsync/internal/snapshot"
)

const (
	// SchemaTag prefixes every key so a future layout can live alongside.
	SchemaTag = "owned.v1"

	// DefaultLocalBackupInterval rate-limits local backup writes.
	DefaultLocalBackupInterval = 60 * time.Second

	kindSnapshot = "snapshot"
	kindBackup   = "backup"
	kindMeta     = "meta"

	metaLastLocalBackupAt = "lastLocalBackupAt"
)

// Options configures New.
type Options struct {
	Logger              *slog.Logger
	LocalBackupInterval time.Duration
	// OnError, when set, is called with the operation name whenever the
	// backend fails.
	OnError func(op string)
}

// Store is the local cache tier. It never returns errors: backend failures
// are logged and reads degrade to "absent".
type Store struct {
	backend        Backend
	logger         *slog.Logger
	backupInterval time.Duration
	onError        func(op string)
	nowFunc        func() time.Time
}

// New wraps backend in a Store.
func New(backend Backend, opts Options) *Store {
	if backend == nil {
		backend = Unavailable{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	interval := opts.LocalBackupInterval
	if interval <= 0 {
		interval = DefaultLocalBackupInterval
	}

	return &Store{
		backend:        backend,
		logger:         logger,
		backupInterval: interval,
		onError:        opts.OnError,
		nowFunc:        time.Now,
	}
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// userPrefix is the key prefix for every entry of uid.
func userPrefix(uid string) string {
	return SchemaTag + ":" + url.QueryEscape(uid) + ":"
}

func entryKey(uid string, parts ...string) string {
	return userPrefix(uid) + strings.Join(parts, ":")
}

func (s *Store) ReadSnapshot(ctx context.Context, uid string) *snapshot.Snapshot {
	return s.readSnapshot(ctx, uid, kindSnapshot)
}

func (s *Store) WriteSnapshot(ctx context.Context, uid string, snap snapshot.Snapshot) {
	s.writeSnapshot(ctx, uid, kindSnapshot, snap)
}

func (s *Store) ReadBackup(ctx context.Context, uid string) *snapshot.Snapshot {
	return s.readSnapshot(ctx, uid, kindBackup)
}

// WriteBackup stores snap as the local backup unless it is empty or the
// previous local backup is younger than the backup interval. A snap that
// drops ids the stored backup holds is written regardless, so the backup
// never carries an id removed since.
func (s *Store) WriteBackup(ctx context.Context, uid string, snap snapshot.Snapshot) {
	if uid == "" || snap.Count == 0 {
		return
	}

	now := s.nowFunc()

	if raw, ok := s.ReadMeta(ctx, uid, metaLastLocalBackupAt); ok {
		last, err := time.Parse(time.RFC3339Nano, raw)
		if err == nil && now.Sub(last) < s.backupInterval && !s.backupHasRemovals(ctx, uid, snap) {
			return
		}
	}

	if s.writeSnapshot(ctx, uid, kindBackup, snap) {
		s.WriteMeta(ctx, uid, metaLastLocalBackupAt, now.UTC().Format(time.RFC3339Nano))
	}
}

// backupHasRemovals reports whether the stored backup holds an id snap
// does not.
func (s *Store) backupHasRemovals(ctx context.Context, uid string, snap snapshot.Snapshot) bool {
	prev := s.ReadBackup(ctx, uid)

	return len(snapshot.Diff(snapshot.IDs(prev), snap.TrackIDs)) > 0
}

// ReadMeta returns a meta field. Missing fields report ok=false.
func (s *Store) ReadMeta(ctx context.Context, uid, field string) (string, bool) {
	if uid == "" {
		return "", false
	}

	data, found, err := s.backend.Get(ctx, entryKey(uid, kindMeta, field))
	if err != nil {
		s.fail("read_meta", uid, err)
		return "", false
	}

	if !found {
		return "", false
	}

	return string(data), true
}

// WriteMeta sets a meta field. An empty value deletes the field.
func (s *Store) WriteMeta(ctx context.Context, uid, field, value string) {
	if uid == "" {
		return
	}

	key := entryKey(uid, kindMeta, field)

	var err error
	if value == "" {
		err = s.backend.Delete(ctx, key)
	} else {
		err = s.backend.Put(ctx, key, []byte(value))
	}

	if err != nil {
		s.fail("write_meta", uid, err)
	}
}

// Meta returns every meta field stored for uid.
func (s *Store) Meta(ctx context.Context, uid string) map[string]string {
	prefix := entryKey(uid, kindMeta) + ":"

	keys, err := s.backend.Keys(ctx, prefix)
	if err != nil {
		s.fail("list_meta", uid, err)
		return nil
	}

	out := make(map[string]string, len(keys))

	for _, k := range keys {
		field := strings.TrimPrefix(k, prefix)
		if v, ok := s.ReadMeta(ctx, uid, field); ok {
			out[field] = v
		}
	}

	return out
}

// Forget deletes every entry stored for uid.
func (s *Store) Forget(ctx context.Context, uid string) int {
	keys, err := s.backend.Keys(ctx, userPrefix(uid))
	if err != nil {
		s.fail("forget", uid, err)
		return 0
	}

	var n int

	for _, k := range keys {
		if err := s.backend.Delete(ctx, k); err != nil {
			s.fail("forget", uid, err)
			continue
		}

		n++
	}

	return n
}

func (s *Store) readSnapshot(ctx context.Context, uid, kind string) *snapshot.Snapshot {
	if uid == "" {
		return nil
	}

	data, found, err := s.backend.Get(ctx, entryKey(uid, kind))
	if err != nil {
		s.fail("read_"+kind, uid, err)
		return nil
	}

	if !found {
		return nil
	}

	var snap snapshot.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("discarding unreadable cached snapshot",
			slog.String("uid", uid),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)

		return nil
	}

	fixed := snap.Renormalize()

	return &fixed
}

func (s *Store) writeSnapshot(ctx context.Context, uid, kind string, snap snapshot.Snapshot) bool {
	if uid == "" {
		return false
	}

	data, err := json.Marshal(snap)
	if err != nil {
		s.fail("encode_"+kind, uid, err)
		return false
	}

	if err := s.backend.Put(ctx, entryKey(uid, kind), data); err != nil {
		s.fail("write_"+kind, uid, err)
		return false
	}

	return true
}

func (s *Store) fail(op, uid string, err error) {
	s.logger.Warn("cache operation failed",
		slog.String("op", op),
		slog.String("uid", uid),
		slog.String("error", err.Error()),
	)

	if s.onError != nil {
		s.onError(op)
	}
}
