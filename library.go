package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ownedsync/internal/sync"
)

// mutationOutput is the --json shape of own/disown/toggle/import/clear.
type mutationOutput struct {
	Skipped bool        `json:"skipped"`
	Reason  string      `json:"reason,omitempty"`
	Count   int         `json:"count"`
	Status  sync.Status `json:"status"`
}

func newOwnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "own <track-id>...",
		Short: "Mark tracks as owned",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(cmd, false, func(e *sync.Engine) sync.Result {
				return e.SetManyOwned(args, true, sync.ReasonUpdate)
			})
		},
	}
}

func newDisownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disown <track-id>...",
		Short: "Remove tracks from the owned library",
		Long: `Remove tracks from the owned library. Removals travel to the cloud as
explicit tombstones, so other devices drop them too.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(cmd, false, func(e *sync.Engine) sync.Result {
				return e.SetManyOwned(args, false, sync.ReasonUpdate)
			})
		},
	}
}

func newToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <track-id>",
		Short: "Flip whether a track is owned",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(cmd, false, func(e *sync.Engine) sync.Result {
				return e.ToggleOwned(args[0])
			})
		},
	}
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Add track ids from a file (or - for stdin)",
		Long: `Add track ids from a file. The file is either a JSON array of ids or
one id per line; blank lines and lines starting with # are ignored.

With --replace the file becomes the whole library. An empty file never
empties the cloud copy; use 'ownedsync clear' for that.`,
		Args: cobra.ExactArgs(1),
		RunE: runImport,
	}

	cmd.Flags().Bool("replace", false, "replace the library instead of adding to it")

	return cmd
}

func runImport(cmd *cobra.Command, args []string) error {
	ids, err := readTrackIDs(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}

	replace, err := cmd.Flags().GetBool("replace")
	if err != nil {
		return fmt.Errorf("reading --replace: %w", err)
	}

	return runMutation(cmd, false, func(e *sync.Engine) sync.Result {
		if replace {
			return e.MarkAllOwned(ids)
		}

		return e.SetManyOwned(ids, true, sync.ReasonUpdate)
	})
}

func newClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every track from the owned library, everywhere",
		RunE: func(cmd *cobra.Command, _ []string) error {
			yes, err := cmd.Flags().GetBool("yes")
			if err != nil {
				return fmt.Errorf("reading --yes: %w", err)
			}

			if !yes {
				return errors.New("clear empties the library on every device; pass --yes to confirm")
			}

			return runMutation(cmd, true, func(e *sync.Engine) sync.Result {
				return e.ClearAllOwned()
			})
		},
	}

	cmd.Flags().Bool("yes", false, "confirm clearing the library")

	return cmd
}

// runMutation opens a session, applies fn, flushes and reports the result.
func runMutation(cmd *cobra.Command, allowEmpty bool, fn func(*sync.Engine) sync.Result) error {
	cc := mustCLIContext(cmd.Context())

	s, err := openSession(cmd.Context(), cc, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	res := fn(s.Engine)

	status, err := s.Flush(cmd.Context(), "", allowEmpty)
	if err != nil {
		return err
	}

	out := mutationOutput{
		Skipped: res.Skipped,
		Reason:  res.Reason,
		Count:   s.Engine.Snapshot().Count,
		Status:  status,
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, out)
	}

	if out.Skipped {
		cc.Statusf("Nothing to change (%s)\n", out.Reason)
	}

	fmt.Fprintf(cc.Out, "%s owned. %s\n", formatCount(out.Count), formatStatus(out.Status))

	return nil
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the owned track ids",
		RunE:  runList,
	}

	cmd.Flags().Bool("local", false, "read the local cache only, without contacting the cloud")

	return cmd
}

func runList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	local, err := cmd.Flags().GetBool("local")
	if err != nil {
		return fmt.Errorf("reading --local: %w", err)
	}

	s, err := openSession(cmd.Context(), cc, sessionOptions{SkipInit: true})
	if err != nil {
		return err
	}
	defer s.Close()

	snap, err := s.Engine.InitForUser(cmd.Context(), s.UID, sync.InitOpts{SkipCloud: local})
	if err != nil {
		return fmt.Errorf("loading library: %w", err)
	}

	// Reconciliation may have queued a write; let it finish before exit.
	if s.Engine.HasUnsavedChanges() {
		if _, err := s.Flush(cmd.Context(), sync.ReasonReconcile, false); err != nil {
			return err
		}
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, snap)
	}

	w := bufio.NewWriter(cc.Out)
	for _, id := range snap.TrackIDs {
		fmt.Fprintln(w, id)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing track list: %w", err)
	}

	cc.Statusf("%s. %s\n", formatCount(snap.Count), formatStatus(s.Engine.Status()))

	return nil
}

// readTrackIDs reads ids from path, or from stdin when path is "-".
func readTrackIDs(stdin io.Reader, path string) ([]string, error) {
	var (
		data []byte
		err  error
	)

	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}

	if err != nil {
		return nil, fmt.Errorf("reading track ids: %w", err)
	}

	return parseTrackIDs(data)
}

// parseTrackIDs accepts a JSON array of strings or one id per line.
func parseTrackIDs(data []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(data)

	if bytes.HasPrefix(trimmed, []byte("[")) {
		var ids []string
		if err := json.Unmarshal(trimmed, &ids); err != nil {
			return nil, fmt.Errorf("parsing track id array: %w", err)
		}

		return ids, nil
	}

	var ids []string

	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		ids = append(ids, line)
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning track ids: %w", err)
	}

	return ids, nil
}
