package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ownedsync/internal/credentials"
	"github.com/tonimelisma/ownedsync/internal/sync"
)

func newLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Push pending changes, then remove stored credentials",
		Long: `Flush any change that has not reached the cloud, then delete the saved
token file. If the cloud write fails, sign-out still happens and the change
stays queued in the local cache for the next session.

With --forget the user's local cache entries are deleted as well.`,
		RunE: runLogout,
	}

	cmd.Flags().Bool("forget", false, "also delete this user's local cache")

	return cmd
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	forget, err := cmd.Flags().GetBool("forget")
	if err != nil {
		return fmt.Errorf("reading --forget: %w", err)
	}

	s, err := openSession(cmd.Context(), cc, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	setBusy := func(busy bool) {
		cc.Logger.Debug("logout busy", slog.Bool("busy", busy))
	}

	signOut := func(ctx context.Context) error {
		if s.Engine.HasUnsavedChanges() {
			cc.Statusf("Warning: %s\n", formatStatus(s.Engine.Status()))
		}

		if path := cc.Cfg.Cloud.TokenFile; path != "" {
			if err := credentials.Remove(path, cc.Logger); err != nil {
				return err
			}
		}

		if forget {
			n := s.Cache.Forget(ctx, s.UID)
			cc.Logger.Info("forgot local cache", slog.String("uid", s.UID), slog.Int("entries", n))
		}

		return nil
	}

	if err := sync.FlushBeforeLogout(cmd.Context(), s.Engine, signOut, setBusy); err != nil {
		return err
	}

	cc.Statusf("Signed out %s\n", s.UID)

	return nil
}
