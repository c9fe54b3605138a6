package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAcquireWatchLock_RecordsDaemon(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "watch.pid")

	lock, err := acquireWatchLock(path, "dj@example.com")
	require.NoError(t, err)

	defer lock.Release()

	info, err := readDaemonInfo(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "dj@example.com", info.UID)
	assert.WithinDuration(t, time.Now(), info.Started, time.Minute)
}

func TestAcquireWatchLock_SecondAcquisitionFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "watch.pid")

	lock, err := acquireWatchLock(path, "u1")
	require.NoError(t, err)

	defer lock.Release()

	second, err := acquireWatchLock(path, "u2")
	require.ErrorIs(t, err, errDaemonRunning)
	assert.Nil(t, second)
	assert.Contains(t, err.Error(), "user u1")

	info, err := readDaemonInfo(path)
	require.NoError(t, err)
	assert.Equal(t, "u1", info.UID, "a failed acquisition leaves the record alone")
}

func TestWatchLock_ReleaseRemovesFileAndLock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "watch.pid")

	lock, err := acquireWatchLock(path, "u1")
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	again, err := acquireWatchLock(path, "u1")
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquireWatchLock_EmptyPath(t *testing.T) {
	t.Parallel()

	lock, err := acquireWatchLock("", "u1")
	require.Error(t, err)
	assert.Nil(t, lock)
	assert.Contains(t, err.Error(), "empty")
}

func TestAcquireWatchLock_CreatesParentDirectories(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "watch.pid")

	lock, err := acquireWatchLock(path, "u1")
	require.NoError(t, err)

	defer lock.Release()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestReadDaemonInfo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantPID int
		wantErr string
	}{
		{"valid", `{"pid":12345,"uid":"u1","started":"2026-01-02T03:04:05Z"}`, 12345, ""},
		{"garbage", "not-json\n", 0, "invalid pid file"},
		{"bare pid", "4242\n", 0, "invalid pid file"},
		{"zero pid", `{"pid":0,"uid":"u1"}`, 0, "pid 0"},
		{"negative pid", `{"pid":-7}`, 0, "pid -7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "watch.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			info, err := readDaemonInfo(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantPID, info.PID)
		})
	}
}

func TestRunningDaemon_NoPIDFile(t *testing.T) {
	t.Parallel()

	_, err := runningDaemon(filepath.Join(t.TempDir(), "nonexistent.pid"))
	require.ErrorIs(t, err, errNoDaemon)
}

func TestRunningDaemon_UnlockedFileIsStale(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "watch.pid")

	// The recorded pid is alive (this process), but nothing holds the lock,
	// as after a crash and pid reuse.
	data, err := json.Marshal(daemonInfo{PID: os.Getpid(), UID: "u1"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = runningDaemon(path)
	require.ErrorIs(t, err, errNoDaemon)
	assert.Contains(t, err.Error(), "stale")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunningDaemon_HeldLock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "watch.pid")

	lock, err := acquireWatchLock(path, "u1")
	require.NoError(t, err)

	defer lock.Release()

	info, err := runningDaemon(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)

	// Checking must not steal or drop the daemon's lock.
	_, err = acquireWatchLock(path, "u2")
	require.ErrorIs(t, err, errDaemonRunning)
}

func TestSignalDaemon_SendsToLockHolder(t *testing.T) {
	// Trap SIGHUP so it doesn't kill the test process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	defer signal.Stop(sigCh)

	path := filepath.Join(t.TempDir(), "watch.pid")

	lock, err := acquireWatchLock(path, "u1")
	require.NoError(t, err)

	defer lock.Release()

	info, err := signalDaemon(path, unix.SIGHUP)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "u1", info.UID)

	select {
	case sig := <-sigCh:
		assert.Equal(t, syscall.SIGHUP, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("SIGHUP not delivered")
	}
}
