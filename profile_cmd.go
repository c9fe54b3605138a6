package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ownedsync/internal/profile"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Work with the user profile document",
	}

	merge := &cobra.Command{
		Use:   "merge",
		Short: "Merge a cloud and a local profile document and print the plan",
		Long: `Merge two profile documents the way a signing-in device does: owned
tracks, setlist, genre overrides and band members are unioned with the cloud
copy winning conflicts, and live-stream fields come from whichever side has a
stream URL. Prints the merged document and whether it should be written back.

--cloud may name a missing file or hold "null" when the cloud has no profile.`,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runProfileMerge,
	}

	merge.Flags().String("cloud", "", "path to the cloud profile JSON")
	merge.Flags().String("local", "", "path to the local profile JSON")
	_ = merge.MarkFlagRequired("local")

	cmd.AddCommand(merge)

	return cmd
}

func runProfileMerge(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	cloudPath, err := cmd.Flags().GetString("cloud")
	if err != nil {
		return fmt.Errorf("reading --cloud: %w", err)
	}

	localPath, err := cmd.Flags().GetString("local")
	if err != nil {
		return fmt.Errorf("reading --local: %w", err)
	}

	cloudProfile, err := readProfile(cloudPath, true)
	if err != nil {
		return err
	}

	localProfile, err := readProfile(localPath, false)
	if err != nil {
		return err
	}

	var local profile.Profile
	if localProfile != nil {
		local = *localProfile
	}

	return printJSON(cc.Out, profile.BuildSyncPlan(cloudProfile, local))
}

// readProfile decodes a profile document. When optional is set, an empty
// path, a missing file and a JSON null all mean "no profile".
func readProfile(path string, optional bool) (*profile.Profile, error) {
	if path == "" && optional {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading profile: %w", err)
	}

	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}

	var p profile.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding profile %s: %w", path, err)
	}

	return &p, nil
}
