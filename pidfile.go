package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const (
	pidFilePermissions = 0o644
	pidDirPermissions  = 0o755
)

var (
	// errNoDaemon is returned when no watch daemon holds the pid file.
	errNoDaemon = errors.New("no running watch daemon")

	errDaemonRunning = errors.New("another ownedsync watch is already running")
)

// daemonInfo is what a running watch records in its pid file.
type daemonInfo struct {
	PID     int       `json:"pid"`
	UID     string    `json:"uid"`
	Started time.Time `json:"started"`
}

// watchLock is the pid file of a running watch. The daemon holds an
// exclusive flock on it for its whole life; the lock, not the recorded
// pid, is what proves the daemon is alive.
type watchLock struct {
	path string
	f    *os.File
}

// acquireWatchLock creates path, locks it, and records the current process
// as the daemon for uid. It fails with errDaemonRunning when another
// process holds the lock.
func acquireWatchLock(path, uid string) (*watchLock, error) {
	if path == "" {
		return nil, errors.New("pid file path is empty: cannot determine data directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating pid file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening pid file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()

		if info, readErr := readDaemonInfo(path); readErr == nil {
			return nil, fmt.Errorf("%w (PID %d, user %s)", errDaemonRunning, info.PID, info.UID)
		}

		return nil, fmt.Errorf("%w (could not lock %s)", errDaemonRunning, path)
	}

	info := daemonInfo{PID: os.Getpid(), UID: uid, Started: time.Now().UTC()}

	data, err := json.Marshal(info)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("encoding pid file: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating pid file: %w", err)
	}

	if _, err := f.WriteAt(append(data, '\n'), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing pid file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("syncing pid file: %w", err)
	}

	return &watchLock{path: path, f: f}, nil
}

// Release removes the pid file and drops the lock.
func (l *watchLock) Release() error {
	removeErr := os.Remove(l.path)
	if errors.Is(removeErr, os.ErrNotExist) {
		removeErr = nil
	}

	return errors.Join(removeErr, l.f.Close())
}

// readDaemonInfo decodes a pid file without checking that its daemon is
// alive.
func readDaemonInfo(path string) (daemonInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return daemonInfo{}, fmt.Errorf("reading pid file: %w", err)
	}

	var info daemonInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return daemonInfo{}, fmt.Errorf("invalid pid file %s: %w", path, err)
	}

	if info.PID <= 0 {
		return daemonInfo{}, fmt.Errorf("invalid pid file %s: pid %d", path, info.PID)
	}

	return info, nil
}

// runningDaemon returns the daemon recorded in path if it still holds the
// lock. A pid file nobody holds is stale and is removed.
func runningDaemon(path string) (daemonInfo, error) {
	info, err := readDaemonInfo(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return daemonInfo{}, fmt.Errorf("%w (no pid file at %s)", errNoDaemon, path)
		}

		return daemonInfo{}, err
	}

	held, err := lockHeld(path)
	if err != nil {
		return daemonInfo{}, err
	}

	if !held {
		os.Remove(path)
		return daemonInfo{}, fmt.Errorf("%w: PID %d exited without cleanup (stale pid file removed)", errNoDaemon, info.PID)
	}

	return info, nil
}

// lockHeld reports whether some open file description holds the lock on
// path.
func lockHeld(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("opening pid file: %w", err)
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return true, nil
	}

	if err != nil {
		return false, fmt.Errorf("testing pid file lock: %w", err)
	}

	return false, unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// signalDaemon sends sig to the running watch daemon.
func signalDaemon(path string, sig unix.Signal) (daemonInfo, error) {
	info, err := runningDaemon(path)
	if err != nil {
		return daemonInfo{}, err
	}

	if err := unix.Kill(info.PID, sig); err != nil {
		return info, fmt.Errorf("signalling watch daemon (PID %d): %w", info.PID, err)
	}

	return info, nil
}
