package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ownedsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd(), newConfigInitCmd(), newConfigSetUserCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		return printJSON(cc.Out, cc.Cfg)
	}

	return config.RenderEffective(cc.Cfg, cc.CfgPath, cc.Out)
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "init",
		Short:       "Write a commented default config file",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			path := configPathFromFlags(cc.Flags)

			if err := config.CreateDefault(path, cc.Logger); err != nil {
				if errors.Is(err, config.ErrConfigExists) {
					return fmt.Errorf("%w (edit it, or use 'ownedsync config set-user')", err)
				}

				return fmt.Errorf("creating config: %w", err)
			}

			cc.Statusf("Wrote %s\n", path)

			return nil
		},
	}
}

func newConfigSetUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "set-user <uid>",
		Short:       "Set the user whose library is synced",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			path := configPathFromFlags(cc.Flags)

			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if createErr := config.CreateDefault(path, cc.Logger); createErr != nil {
					return fmt.Errorf("creating config: %w", createErr)
				}
			}

			if err := config.SetKey(path, "user", "uid", args[0]); err != nil {
				return fmt.Errorf("setting user: %w", err)
			}

			// Surface a bad uid now rather than on the next command.
			if _, err := config.Load(path, cc.Logger); err != nil {
				return fmt.Errorf("config is invalid after update: %w", err)
			}

			cc.Statusf("User set to %s in %s\n", args[0], path)

			return nil
		},
	}
}

// configPathFromFlags resolves the config file path for commands that skip
// full config resolution: --config, then OWNEDSYNC_CONFIG, then the default.
func configPathFromFlags(flags CLIFlags) string {
	if flags.ConfigPath != "" {
		return flags.ConfigPath
	}

	if env := os.Getenv(config.EnvConfig); env != "" {
		return env
	}

	return config.DefaultConfigPath()
}
