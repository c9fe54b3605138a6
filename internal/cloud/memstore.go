package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tonimelisma/ownedsync/internal/snapshot"
)

// Operation names passed to a MemStore fault hook.
const (
	OpReadSnapshot     = "readSnapshot"
	OpWriteSnapshot    = "writeSnapshot"
	OpWriteBackup      = "writeBackup"
	OpReadLatestBackup = "readLatestBackup"
	OpListBackups      = "listBackups"
	OpDeleteBackup     = "deleteBackup"
)

// MemStore is an in-memory Store. Every instance owns its own state; two
// stores never share documents.
type MemStore struct {
	mu      sync.Mutex
	docs    map[string]snapshot.Snapshot
	backups map[string][]Backup
	subs    map[string]map[chan Change]struct{}
	fault   func(op, uid string) error
	nowFunc func() time.Time
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		docs:    make(map[string]snapshot.Snapshot),
		backups: make(map[string][]Backup),
		subs:    make(map[string]map[chan Change]struct{}),
		nowFunc: time.Now,
	}
}

// SetFault installs a hook consulted before every operation. A non-nil
// return fails the operation with that error. Nil clears the hook.
func (m *MemStore) SetFault(fn func(op, uid string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fault = fn
}

// checkLocked validates uid and runs the fault hook.
func (m *MemStore) checkLocked(op, uid string) error {
	if err := ValidateUID(uid); err != nil {
		return err
	}

	if m.fault != nil {
		if err := m.fault(op, uid); err != nil {
			return fmt.Errorf("cloud: %s: %w", op, err)
		}
	}

	return nil
}

func (m *MemStore) ReadSnapshot(_ context.Context, uid string) (*snapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpReadSnapshot, uid); err != nil {
		return nil, err
	}

	s, ok := m.docs[uid]
	if !ok {
		return nil, nil
	}

	return &s, nil
}

func (m *MemStore) WriteSnapshot(_ context.Context, uid string, s snapshot.Snapshot, removed []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpWriteSnapshot, uid); err != nil {
		return err
	}

	var stored *snapshot.Snapshot
	if cur, ok := m.docs[uid]; ok {
		stored = &cur
	}

	merged := MergeWrite(stored, s, removed, m.nowFunc())
	m.docs[uid] = merged

	change := changeFor(uid, merged)
	for ch := range m.subs[uid] {
		select {
		case ch <- change:
		default:
			// Slow watcher; it will see the next change.
		}
	}

	return nil
}

func (m *MemStore) WriteBackup(_ context.Context, uid string, s snapshot.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpWriteBackup, uid); err != nil {
		return err
	}

	now := m.nowFunc().UTC()
	list := m.backups[uid]

	// Keep ids unique when two backups land in the same nanosecond.
	if n := len(list); n > 0 && !now.After(list[n-1].CreatedAt) {
		now = list[n-1].CreatedAt.Add(time.Nanosecond)
	}

	m.backups[uid] = append(list, Backup{
		ID:        newBackupID(now),
		CreatedAt: now,
		Count:     s.Count,
		Snapshot:  s,
	})

	return nil
}

func (m *MemStore) ReadLatestBackup(_ context.Context, uid string) (*snapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpReadLatestBackup, uid); err != nil {
		return nil, err
	}

	list := m.backups[uid]
	if len(list) == 0 {
		return nil, nil
	}

	s := list[len(list)-1].Snapshot

	return &s, nil
}

func (m *MemStore) ListBackups(_ context.Context, uid string) ([]Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpListBackups, uid); err != nil {
		return nil, err
	}

	out := append([]Backup(nil), m.backups[uid]...)
	sortNewestFirst(out)

	return out, nil
}

func (m *MemStore) DeleteBackup(_ context.Context, uid, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpDeleteBackup, uid); err != nil {
		return err
	}

	list := m.backups[uid]
	for i, b := range list {
		if b.ID == id {
			m.backups[uid] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("cloud: backup %s: %w", id, ErrNotFound)
}

func (m *MemStore) CleanupBackups(ctx context.Context, uid string, keep int) error {
	return pruneBackups(ctx, m, uid, keep)
}

// Watch delivers changes made through this store until ctx ends.
func (m *MemStore) Watch(ctx context.Context, uid string, fn func(Change)) error {
	if err := ValidateUID(uid); err != nil {
		return err
	}

	ch := make(chan Change, 16)

	m.mu.Lock()
	if m.subs[uid] == nil {
		m.subs[uid] = make(map[chan Change]struct{})
	}

	m.subs[uid][ch] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subs[uid], ch)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-ch:
			fn(c)
		}
	}
}
