package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ownedsync/internal/cloud"
	"github.com/tonimelisma/ownedsync/internal/sync"
)

// reasonRestore tags the mutation that merges a backup back in.
const reasonRestore = "restore"

var errCloudDisabled = errors.New("the cloud is disabled (--offline or cloud.enabled = false)")

func newBackupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Manage cloud backups of the owned library",
	}

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete all but the newest backups",
		RunE:  runBackupsCleanup,
	}
	cleanup.Flags().Int("keep", 0, "number of backups to keep (default: cloud.backup_keep)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List cloud backups, newest first",
			RunE:  runBackupsList,
		},
		cleanup,
		&cobra.Command{
			Use:   "restore <backup-id>",
			Short: "Merge a backup back into the library",
			Long: `Merge the tracks of a backup back into the library. Restoring only adds
tracks: anything owned since the backup was taken is kept.`,
			Args: cobra.ExactArgs(1),
			RunE: runBackupsRestore,
		},
	)

	return cmd
}

// withCloudStore opens the configured cloud store for uid and runs fn.
func withCloudStore(ctx context.Context, cc *CLIContext, fn func(store cloud.Store, uid string) error) error {
	uid, err := cc.requireUID()
	if err != nil {
		return err
	}

	if !cc.Cfg.Cloud.Enabled {
		return errCloudDisabled
	}

	store, closeFn, err := openCloud(ctx, &cc.Cfg.Cloud, cc.Logger)
	if err != nil {
		return err
	}

	if closeFn != nil {
		defer closeFn()
	}

	return fn(store, uid)
}

// backupRow is the --json shape of one listed backup.
type backupRow struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	Count     int    `json:"count"`
	Hash      string `json:"hash"`
}

func runBackupsList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	return withCloudStore(cmd.Context(), cc, func(store cloud.Store, uid string) error {
		list, err := store.ListBackups(cmd.Context(), uid)
		if err != nil {
			return fmt.Errorf("listing backups: %w", err)
		}

		if cc.Flags.JSON {
			rows := make([]backupRow, 0, len(list))
			for _, b := range list {
				rows = append(rows, backupRow{
					ID:        b.ID,
					CreatedAt: b.CreatedAt.UTC().Format(time.RFC3339),
					Count:     b.Count,
					Hash:      b.Snapshot.Hash,
				})
			}

			return printJSON(cc.Out, rows)
		}

		if len(list) == 0 {
			cc.Statusf("No backups for %s\n", uid)

			return nil
		}

		rows := make([][]string, 0, len(list))
		for _, b := range list {
			rows = append(rows, []string{b.ID, strconv.Itoa(b.Count), formatTime(b.CreatedAt.Local())})
		}

		printTable(cc.Out, []string{"ID", "TRACKS", "CREATED"}, rows)

		return nil
	})
}

func runBackupsCleanup(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	keep, err := cmd.Flags().GetInt("keep")
	if err != nil {
		return fmt.Errorf("reading --keep: %w", err)
	}

	if keep <= 0 {
		keep = cc.Cfg.Cloud.BackupKeep
	}

	return withCloudStore(cmd.Context(), cc, func(store cloud.Store, uid string) error {
		before, err := store.ListBackups(cmd.Context(), uid)
		if err != nil {
			return fmt.Errorf("listing backups: %w", err)
		}

		if err := store.CleanupBackups(cmd.Context(), uid, keep); err != nil {
			return fmt.Errorf("cleaning up backups: %w", err)
		}

		removed := max(len(before)-keep, 0)

		if cc.Flags.JSON {
			return printJSON(cc.Out, map[string]int{"removed": removed, "kept": len(before) - removed})
		}

		cc.Statusf("Removed %d backup(s), kept %d\n", removed, len(before)-removed)

		return nil
	})
}

func runBackupsRestore(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	var ids []string

	err := withCloudStore(cmd.Context(), cc, func(store cloud.Store, uid string) error {
		list, err := store.ListBackups(cmd.Context(), uid)
		if err != nil {
			return fmt.Errorf("listing backups: %w", err)
		}

		for _, b := range list {
			if b.ID == args[0] {
				ids = b.Snapshot.TrackIDs

				return nil
			}
		}

		return fmt.Errorf("backup %q: %w", args[0], cloud.ErrNotFound)
	})
	if err != nil {
		return err
	}

	return runMutation(cmd, false, func(e *sync.Engine) sync.Result {
		return e.SetManyOwned(ids, true, reasonRestore)
	})
}
