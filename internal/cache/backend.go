// Package cache is the local, always-available tier of the owned library.
// A Store layers the snapshot, backup and meta documents over a small
// key-value Backend (SQLite, bbolt or memory) and never surfaces storage
// errors to the sync engine: failures are logged and reads degrade to
// "absent".
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Supported backend drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// ErrUnavailable is returned by the Unavailable backend.
var ErrUnavailable = errors.New("cache: storage unavailable")

// Backend is a flat key-value store.
type Backend interface {
	// Get returns the value for key. Missing keys report found=false.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns every key with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open opens the backend named by driver at path.
func Open(ctx context.Context, driver, path string, logger *slog.Logger) (Backend, error) {
	switch strings.ToLower(driver) {
	case DriverSQLite, "":
		return OpenSQLite(ctx, path, logger)
	case DriverBolt:
		return OpenBolt(path, logger)
	case DriverMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("cache: unknown driver %q", driver)
	}
}

// Unavailable is a Backend that fails every operation. It stands in when
// the real backend cannot be opened so the engine keeps running.
type Unavailable struct{}

func (Unavailable) Get(context.Context, string) ([]byte, bool, error) { return nil, false, ErrUnavailable }
func (Unavailable) Put(context.Context, string, []byte) error { return ErrUnavailable }
func (Unavailable) Delete(context.Context, string) error { return ErrUnavailable }
func (Unavailable) Keys(context.Context, string) ([]string, error) { return nil, ErrUnavailable }
func (Unavailable) Close() error { return nil }
