package main

import (
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/lorehq/lore/internal/db"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Analysis queue management commands",
	}

	cmd.AddCommand(newQueueStatsCmd())
	cmd.AddCommand(newQueueRetryCmd())
	cmd.AddCommand(newQueueReleaseStaleCmd())
	cmd.AddCommand(newQueuePurgeCmd())
	return cmd
}

func newQueueStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth by status and analysis type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueStats(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default ~/.lore/config.yaml)")
	return cmd
}

func runQueueStats(cmd *cobra.Command, configPath string) error {
	_, store, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := db.NewQueueStore(store).Stats(cmd.Context())
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func newQueueRetryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Reset a failed item for another attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("queue id %q: %w", args[0], err)
			}
			return runQueueRetry(cmd, configPath, id)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default ~/.lore/config.yaml)")
	return cmd
}

func runQueueRetry(cmd *cobra.Command, configPath string, id int64) error {
	_, store, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := db.NewQueueStore(store).Retry(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queue item %d reset to pending\n", id)
	return nil
}

func newQueueReleaseStaleCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "release-stale",
		Short: "Release items claimed by workers that never finished",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueReleaseStale(cmd, configPath, olderThan)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default ~/.lore/config.yaml)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "claim age threshold (default analysis.stale_claim_after)")
	return cmd
}

func runQueueReleaseStale(cmd *cobra.Command, configPath string, olderThan time.Duration) error {
	cfg, store, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if olderThan <= 0 {
		olderThan = cfg.Analysis.StaleClaimAfter
	}
	n, err := db.NewQueueStore(store).ReleaseStaleClaims(cmd.Context(), olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released %d stale claims (older than %s)\n", n, olderThan)
	return nil
}

func newQueuePurgeCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete old terminal queue items",
		Long: "Deletes completed and failed items past the retention window. Pending\n" +
			"and claimed items are never touched.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueuePurge(cmd, configPath, olderThan)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default ~/.lore/config.yaml)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "item age threshold (default analysis.retain_for)")
	return cmd
}

func runQueuePurge(cmd *cobra.Command, configPath string, olderThan time.Duration) error {
	cfg, store, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if olderThan <= 0 {
		olderThan = cfg.Analysis.RetainFor
	}
	n, err := db.NewQueueStore(store).DeleteOldItems(cmd.Context(), olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "purged %d queue items (older than %s)\n", n, olderThan)
	return nil
}
