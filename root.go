package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ownedsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that must run without a resolved
// config (they bootstrap or inspect it themselves).
const skipConfigAnnotation = "ownedsync/skip-config"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagUser       string
	flagCloudURL   string
	flagOffline    bool
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// CLIFlags is a snapshot of the global flags for one invocation.
type CLIFlags struct {
	ConfigPath string
	UID        string
	Offline    bool
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries everything a subcommand needs: parsed flags, the
// effective config and the logger built from both.
type CLIContext struct {
	Flags   CLIFlags
	Cfg     *config.Config
	CfgPath string
	Logger  *slog.Logger
	Level   *slog.LevelVar
	Out     io.Writer

	closeLog func() error
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext stored by the root pre-run. Commands
// only run after it, so a missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("ownedsync: CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ownedsync",
		Short: "Owned-library sync client",
		Long: `Keep a user's owned-track library in sync between this device and the
cloud document store. Changes are saved to the local cache immediately and
pushed to the cloud as a merge, so no device ever drops another's tracks.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return prepareContext(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext); ok && cc.closeLog != nil {
				return cc.closeLog()
			}

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flagConfigPath, "config", "", "config file path")
	pf.StringVar(&flagUser, "user", "", "user id whose library to sync")
	pf.StringVar(&flagCloudURL, "cloud-url", "", "cloud document store base URL")
	pf.BoolVar(&flagOffline, "offline", false, "never contact the cloud store")
	pf.BoolVar(&flagJSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(
		newStatusCmd(),
		newListCmd(),
		newOwnCmd(),
		newDisownCmd(),
		newToggleCmd(),
		newImportCmd(),
		newClearCmd(),
		newBackupsCmd(),
		newWatchCmd(),
		newReloadCmd(),
		newServeCmd(),
		newLogoutCmd(),
		newConfigCmd(),
		newProfileCmd(),
	)

	return cmd
}

// prepareContext resolves the effective configuration, builds the logger and
// stores both on the command context.
func prepareContext(cmd *cobra.Command) error {
	flags := CLIFlags{
		ConfigPath: flagConfigPath,
		UID:        flagUser,
		Offline:    flagOffline,
		JSON:       flagJSON,
		Verbose:    flagVerbose,
		Quiet:      flagQuiet,
	}

	cc := &CLIContext{Flags: flags, Out: cmd.OutOrStdout()}

	if cmd.Annotations[skipConfigAnnotation] == "true" {
		cc.Logger, cc.Level, cc.closeLog = buildLogger(nil, flags, cmd.ErrOrStderr())
		cmd.SetContext(withCLIContext(cmd.Context(), cc))

		return nil
	}

	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath, UID: flags.UID}

	if flagCloudURL != "" {
		url := flagCloudURL
		cli.CloudURL = &url
	}

	if flags.Offline {
		enabled := false
		cli.CloudEnabled = &enabled
	}

	bootstrap, _, _ := buildLogger(nil, flags, cmd.ErrOrStderr())

	cfg, path, err := config.Resolve(config.ReadEnvOverrides(bootstrap), cli, bootstrap)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cc.Cfg = cfg
	cc.CfgPath = path
	cc.Logger, cc.Level, cc.closeLog = buildLogger(&cfg.Logging, flags, cmd.ErrOrStderr())

	cmd.SetContext(withCLIContext(cmd.Context(), cc))

	return nil
}

// errNoUser is returned by commands that need a signed-in user.
var errNoUser = errors.New("no user configured: pass --user, set OWNEDSYNC_USER, or set [user] uid")

// requireUID returns the configured user id.
func (cc *CLIContext) requireUID() (string, error) {
	if cc.Cfg == nil || cc.Cfg.User.UID == "" {
		return "", errNoUser
	}

	return cc.Cfg.User.UID, nil
}
