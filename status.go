package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ownedsync/internal/cache"
	"github.com/tonimelisma/ownedsync/internal/config"
	"github.com/tonimelisma/ownedsync/internal/metrics"
	"github.com/tonimelisma/ownedsync/internal/snapshot"
	"github.com/tonimelisma/ownedsync/internal/sync"
)

// Cloud state constants for status reporting.
const (
	cloudStateDisabled = "disabled"
	cloudStateInSync   = "in sync"
	cloudStateDiffers  = "differs"
	cloudStateEmpty    = "empty"
	cloudStateError    = "unreachable"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local cache, cloud copy and pending changes",
		Long: `Display the state of the owned library for the configured user.

Reads the local cache directly and, unless --offline is set, compares it with
the cloud copy. Does not modify anything.`,
		RunE: runStatus,
	}
}

// statusReport is the --json shape of the status command.
type statusReport struct {
	UID             string     `json:"uid"`
	CacheBackend    string     `json:"cache_backend"`
	CachePath       string     `json:"cache_path,omitempty"`
	LocalCount      int        `json:"local_count"`
	LocalHash       string     `json:"local_hash,omitempty"`
	LocalVersion    int64      `json:"local_version"`
	BackupCount     int        `json:"backup_count"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	LastBackupAt    *time.Time `json:"last_backup_at,omitempty"`
	PendingWrite    bool       `json:"pending_write"`
	PendingRemovals int        `json:"pending_removals"`
	CloudBackend    string     `json:"cloud_backend"`
	CloudState      string     `json:"cloud_state"`
	CloudCount      *int       `json:"cloud_count,omitempty"`
	CloudError      string     `json:"cloud_error,omitempty"`
	WatchPID        int        `json:"watch_pid,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	uid, err := cc.requireUID()
	if err != nil {
		return err
	}

	store := openCache(cmd.Context(), cc.Cfg, metrics.New(), cc.Logger)
	defer store.Close()

	report := buildLocalReport(cmd.Context(), store, cc.Cfg, uid)

	if cc.Cfg.Cloud.Enabled {
		checkCloud(cmd.Context(), cc, &report)
	} else {
		report.CloudState = cloudStateDisabled
	}

	if info, pidErr := runningDaemon(config.DefaultPIDPath()); pidErr == nil && info.UID == uid {
		report.WatchPID = info.PID
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, report)
	}

	return printStatusText(cc.Out, report)
}

// buildLocalReport fills everything that comes from the local cache.
func buildLocalReport(ctx context.Context, store *cache.Store, cfg *config.Config, uid string) statusReport {
	report := statusReport{
		UID:          uid,
		CacheBackend: cfg.Cache.Backend,
		CachePath:    cfg.Cache.Path,
		CloudBackend: cfg.Cloud.Backend,
	}

	if snap := store.ReadSnapshot(ctx, uid); snap != nil {
		report.LocalCount = snap.Count
		report.LocalHash = snap.Hash
		report.LocalVersion = snap.LibraryVersion
	}

	if backup := store.ReadBackup(ctx, uid); backup != nil {
		report.BackupCount = backup.Count
	}

	meta := store.Meta(ctx, uid)
	report.LastSyncAt = parseMetaTime(meta[sync.MetaLastSyncAt])
	report.LastBackupAt = parseMetaTime(meta[sync.MetaLastBackupAt])
	report.PendingWrite = meta[sync.MetaPendingWrite] != ""

	var removals []string
	if raw := meta[sync.MetaPendingRemovals]; raw != "" && json.Unmarshal([]byte(raw), &removals) == nil {
		report.PendingRemovals = len(removals)
	}

	return report
}

// checkCloud reads the cloud copy and compares it with the local hash.
func checkCloud(ctx context.Context, cc *CLIContext, report *statusReport) {
	ctx, cancel := context.WithTimeout(ctx, cc.Cfg.Cloud.TimeoutDuration())
	defer cancel()

	store, closeFn, err := openCloud(ctx, &cc.Cfg.Cloud, cc.Logger)
	if err != nil {
		report.CloudState = cloudStateError
		report.CloudError = err.Error()

		return
	}

	if closeFn != nil {
		defer closeFn()
	}

	remote, err := store.ReadSnapshot(ctx, report.UID)
	if err != nil {
		cc.Logger.Debug("cloud check failed", slog.String("error", err.Error()))
		report.CloudState = cloudStateError
		report.CloudError = err.Error()

		return
	}

	count := 0
	if remote != nil {
		count = remote.Count
	}

	report.CloudCount = &count

	switch {
	case snapshot.Empty(remote):
		report.CloudState = cloudStateEmpty
	case remote.Hash == report.LocalHash:
		report.CloudState = cloudStateInSync
	default:
		report.CloudState = cloudStateDiffers
	}
}

func printStatusText(w io.Writer, r statusReport) error {
	ew := &errWriter{w: w}

	ew.printf("User:          %s\n", r.UID)
	ew.printf("Cache:         %s %s\n", r.CacheBackend, r.CachePath)
	ew.printf("Local:         %s (version %d)\n", formatCount(r.LocalCount), r.LocalVersion)
	ew.printf("Local backup:  %s\n", formatCount(r.BackupCount))
	ew.printf("Last sync:     %s\n", formatMetaTime(r.LastSyncAt))
	ew.printf("Last backup:   %s\n", formatMetaTime(r.LastBackupAt))

	pending := "none"
	if r.PendingWrite || r.PendingRemovals > 0 {
		pending = fmt.Sprintf("write queued, %d removal(s)", r.PendingRemovals)
	}

	ew.printf("Pending:       %s\n", pending)

	cloudLine := r.CloudState
	if r.CloudCount != nil {
		cloudLine = fmt.Sprintf("%s, %s", formatCount(*r.CloudCount), r.CloudState)
	}

	if r.CloudError != "" {
		cloudLine += " (" + r.CloudError + ")"
	}

	ew.printf("Cloud (%s):  %s\n", r.CloudBackend, cloudLine)

	if r.WatchPID > 0 {
		ew.printf("Watch daemon:  running (PID %d)\n", r.WatchPID)
	}

	return ew.err
}

func parseMetaTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}

	return &t
}

func formatMetaTime(t *time.Time) string {
	if t == nil {
		return neverText
	}

	return fmt.Sprintf("%s (%s)", formatTime(t.Local()), formatAge(*t, time.Now()))
}

// errWriter remembers the first write error so a sequence of prints can be
// checked once.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
