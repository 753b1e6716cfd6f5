package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/pkg/models"
)

func newLearningsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learnings",
		Short: "Review extracted learnings",
	}

	cmd.AddCommand(newLearningsListCmd())
	cmd.AddCommand(newLearningsApproveCmd())
	cmd.AddCommand(newLearningsRejectCmd())
	cmd.AddCommand(newLearningsCountsCmd())
	return cmd
}

func newLearningsListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List learnings by review status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLearningsList(cmd, configPath, status, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default ~/.lore/config.yaml)")
	cmd.Flags().StringVar(&status, "status", "pending", "review status: pending, approved, rejected")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func runLearningsList(cmd *cobra.Command, configPath, status string, limit int) error {
	_, store, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := db.NewLearningStore(store).ListByStatus(cmd.Context(), models.ReviewStatus(status), limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintf(out, "no %s learnings\n", status)
		return nil
	}
	for _, l := range rows {
		fmt.Fprintf(out, "#%d [%s/%s] %s: %s (seen %dx, conf %.2f)\n",
			l.ID, l.Type, l.Scope, l.Source, l.ExtractedRule, l.EvidenceCount, l.Confidence)
	}
	return nil
}

func newLearningsApproveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a learning for priming",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLearningsSetStatus(cmd, configPath, args[0], models.ReviewApproved)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default ~/.lore/config.yaml)")
	return cmd
}

func newLearningsRejectCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a learning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLearningsSetStatus(cmd, configPath, args[0], models.ReviewRejected)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default ~/.lore/config.yaml)")
	return cmd
}

func runLearningsSetStatus(cmd *cobra.Command, configPath, rawID string, status models.ReviewStatus) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("learning id %q: %w", rawID, err)
	}

	_, store, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := db.NewLearningStore(store).SetStatus(cmd.Context(), id, status); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "learning %d %s\n", id, status)
	return nil
}

func newLearningsCountsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "counts",
		Short: "Show learning counts by review status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLearningsCounts(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default ~/.lore/config.yaml)")
	return cmd
}

func runLearningsCounts(cmd *cobra.Command, configPath string) error {
	_, store, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := db.NewLearningStore(store).CountByStatus(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, status := range []models.ReviewStatus{models.ReviewPending, models.ReviewApproved, models.ReviewRejected} {
		fmt.Fprintf(out, "%-9s %d\n", status, counts[status])
	}
	return nil
}
