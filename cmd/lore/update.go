package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lorehq/lore/internal/update"
)

func newUpdateCmd() *cobra.Command {
	var checkOnly bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update lore to the latest release",
		Long: "Checks GitHub releases for a newer lore build and replaces the\n" +
			"current binary in place after checksum verification.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(cmd, checkOnly)
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check", false, "report whether a newer release exists without installing it")
	return cmd
}

func runUpdate(cmd *cobra.Command, checkOnly bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	up := update.New(Version)
	info, err := up.Check(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !info.Available {
		fmt.Fprintf(out, "lore %s is up to date\n", info.CurrentVersion)
		return nil
	}

	fmt.Fprintf(out, "lore %s is available (running %s, released %s)\n",
		info.LatestVersion, info.CurrentVersion, info.PublishedAt.Format("2006-01-02"))
	if checkOnly {
		return nil
	}
	if info.DownloadURL == "" {
		return errors.New("no release asset for this platform")
	}

	if err := up.Apply(ctx, info); err != nil {
		return err
	}
	fmt.Fprintf(out, "updated to lore %s, restart any running serve daemon\n", info.LatestVersion)
	return nil
}
