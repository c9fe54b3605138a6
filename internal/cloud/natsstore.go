package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tonimelisma/ownedsync/internal/snapshot"
)

const (
	natsLibraryPrefix = "lib."
	natsBackupPrefix  = "bak."
	natsWriteAttempts = 5
)

// NATSStore is a Store backed by a JetStream key-value bucket. Library
// writes are revision-checked read-modify-write cycles, so concurrent
// writers merge instead of overwriting each other.
type NATSStore struct {
	kv      jetstream.KeyValue
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewNATSStore opens (creating if needed) the bucket and returns a store.
func NewNATSStore(ctx context.Context, js jetstream.JetStream, bucket string, logger *slog.Logger) (*NATSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// CreateOrUpdateKeyValue is idempotent across processes.
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Owned-library snapshots and backups",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("cloud: create/update kv bucket %s: %w", bucket, err)
	}

	return &NATSStore{kv: kv, logger: logger, nowFunc: time.Now}, nil
}

// encodeUID makes uid safe for NATS subject tokens.
func encodeUID(uid string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(uid))
}

func libraryKey(uid string) string {
	return natsLibraryPrefix + encodeUID(uid)
}

func backupKey(uid, id string) string {
	return natsBackupPrefix + encodeUID(uid) + "." + id
}

func validBackupID(id string) bool {
	return id != "" && strings.Trim(id, "0123456789") == ""
}

func (n *NATSStore) ReadSnapshot(ctx context.Context, uid string) (*snapshot.Snapshot, error) {
	if err := ValidateUID(uid); err != nil {
		return nil, err
	}

	entry, err := n.kv.Get(ctx, libraryKey(uid))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("cloud: reading library: %w: %w", ErrUnavailable, err)
	}

	var s snapshot.Snapshot
	if err := json.Unmarshal(entry.Value(), &s); err != nil {
		return nil, fmt.Errorf("cloud: decoding library: %w", err)
	}

	return &s, nil
}

func (n *NATSStore) WriteSnapshot(ctx context.Context, uid string, s snapshot.Snapshot, removed []string) error {
	if err := ValidateUID(uid); err != nil {
		return err
	}

	key := libraryKey(uid)

	for attempt := range natsWriteAttempts {
		var (
			stored   *snapshot.Snapshot
			revision uint64
		)

		entry, err := n.kv.Get(ctx, key)
		switch {
		case err == nil:
			var cur snapshot.Snapshot
			if err := json.Unmarshal(entry.Value(), &cur); err != nil {
				return fmt.Errorf("cloud: decoding library: %w", err)
			}

			stored, revision = &cur, entry.Revision()
		case errors.Is(err, jetstream.ErrKeyNotFound):
		default:
			return fmt.Errorf("cloud: reading library: %w: %w", ErrUnavailable, err)
		}

		data, err := json.Marshal(MergeWrite(stored, s, removed, n.nowFunc()))
		if err != nil {
			return fmt.Errorf("cloud: encoding library: %w", err)
		}

		if stored == nil {
			_, err = n.kv.Create(ctx, key, data)
		} else {
			_, err = n.kv.Update(ctx, key, data, revision)
		}

		if err == nil {
			return nil
		}

		if !isRevisionConflict(err) {
			return fmt.Errorf("cloud: writing library: %w: %w", ErrUnavailable, err)
		}

		n.logger.Debug("library write raced, retrying",
			slog.String("uid", uid),
			slog.Int("attempt", attempt+1),
		)
	}

	return fmt.Errorf("cloud: writing library after %d attempts: %w", natsWriteAttempts, ErrConflict)
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}

	var apiErr *jetstream.APIError

	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (n *NATSStore) WriteBackup(ctx context.Context, uid string, s snapshot.Snapshot) error {
	if err := ValidateUID(uid); err != nil {
		return err
	}

	now := n.nowFunc().UTC()

	for range natsWriteAttempts {
		b := Backup{ID: newBackupID(now), CreatedAt: now, Count: s.Count, Snapshot: s}

		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("cloud: encoding backup: %w", err)
		}

		_, err = n.kv.Create(ctx, backupKey(uid, b.ID), data)
		if err == nil {
			return nil
		}

		if !errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("cloud: writing backup: %w: %w", ErrUnavailable, err)
		}

		now = now.Add(time.Nanosecond)
	}

	return fmt.Errorf("cloud: writing backup: %w", ErrConflict)
}

func (n *NATSStore) ReadLatestBackup(ctx context.Context, uid string) (*snapshot.Snapshot, error) {
	list, err := n.ListBackups(ctx, uid)
	if err != nil || len(list) == 0 {
		return nil, err
	}

	s := list[0].Snapshot

	return &s, nil
}

func (n *NATSStore) ListBackups(ctx context.Context, uid string) ([]Backup, error) {
	if err := ValidateUID(uid); err != nil {
		return nil, err
	}

	lister, err := n.kv.ListKeysFiltered(ctx, natsBackupPrefix+encodeUID(uid)+".*")
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("cloud: listing backups: %w: %w", ErrUnavailable, err)
	}
	defer lister.Stop() //nolint:errcheck // nothing to do on a failed stop

	var out []Backup

	for key := range lister.Keys() {
		entry, err := n.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}

			return nil, fmt.Errorf("cloud: reading backup %s: %w: %w", key, ErrUnavailable, err)
		}

		var b Backup
		if err := json.Unmarshal(entry.Value(), &b); err != nil {
			n.logger.Warn("skipping unreadable backup", slog.String("key", key), slog.String("error", err.Error()))
			continue
		}

		out = append(out, b)
	}

	sortNewestFirst(out)

	return out, nil
}

func (n *NATSStore) DeleteBackup(ctx context.Context, uid, id string) error {
	if err := ValidateUID(uid); err != nil {
		return err
	}

	if !validBackupID(id) {
		return fmt.Errorf("cloud: backup %q: %w", id, ErrNotFound)
	}

	key := backupKey(uid, id)
	if _, err := n.kv.Get(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("cloud: backup %s: %w", id, ErrNotFound)
		}

		return fmt.Errorf("cloud: reading backup %s: %w: %w", id, ErrUnavailable, err)
	}

	if err := n.kv.Purge(ctx, key); err != nil {
		return fmt.Errorf("cloud: purging backup %s: %w: %w", id, ErrUnavailable, err)
	}

	return nil
}

func (n *NATSStore) CleanupBackups(ctx context.Context, uid string, keep int) error {
	return pruneBackups(ctx, n, uid, keep)
}

// Watch follows the library key through a KV watcher. Changes from every
// writer of the bucket are delivered, not only this process.
func (n *NATSStore) Watch(ctx context.Context, uid string, fn func(Change)) error {
	if err := ValidateUID(uid); err != nil {
		return err
	}

	watcher, err := n.kv.Watch(ctx, libraryKey(uid), jetstream.UpdatesOnly())
	if err != nil {
		return fmt.Errorf("cloud: creating kv watcher: %w", err)
	}
	defer watcher.Stop() //nolint:errcheck // nothing to do on a failed stop

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil
			}

			if entry == nil || entry.Operation() != jetstream.KeyValuePut {
				continue
			}

			var s snapshot.Snapshot
			if err := json.Unmarshal(entry.Value(), &s); err != nil {
				n.logger.Warn("skipping unreadable library update", slog.String("error", err.Error()))
				continue
			}

			fn(changeFor(uid, s))
		}
	}
}
