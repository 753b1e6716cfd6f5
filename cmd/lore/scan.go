package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorehq/lore/internal/config"
	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/internal/scan"
)

func newScanCmd() *cobra.Command {
	var (
		configPath  string
		missingOnly bool
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Re-run deterministic extraction over stored conversations",
		Long: "Runs the rule detector and signature extractor over the conversation\n" +
			"store. Use --missing-only to cover only conversations without a\n" +
			"workflow signature yet.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, configPath, missingOnly, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default ~/.lore/config.yaml)")
	cmd.Flags().BoolVar(&missingOnly, "missing-only", false, "only conversations without a signature")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of conversations (0 = all)")
	return cmd
}

// openStore loads config and opens the database for one-shot commands.
func openStore(configPath string) (*config.Config, *db.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := db.NewStore(db.Config{Path: cfg.DB.Path, MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func runScan(cmd *cobra.Command, configPath string, missingOnly bool, limit int) error {
	cfg, store, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := scan.NewRunner(cfg.Scan, store)
	out := cmd.OutOrStdout()

	done := make(chan struct{})
	var res *scan.Result
	var runErr error
	go func() {
		defer close(done)
		res, runErr = runner.Run(ctx, scan.Options{MissingOnly: missingOnly, Limit: limit})
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			if res != nil {
				fmt.Fprintf(out, "scanned %d conversations (%d failed) in %s\n",
					res.Processed, res.Failed, res.Elapsed.Round(time.Millisecond))
				fmt.Fprintf(out, "learnings: %d  signatures: %d\n", res.Learnings, res.Signatures)
			}
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			return nil
		case <-ticker.C:
			p := runner.Progress()
			line := fmt.Sprintf("%d/%d", p.Processed, p.Total)
			if p.ETA > 0 {
				line += fmt.Sprintf(" (eta %s)", p.ETA.Round(time.Second))
			}
			fmt.Fprintln(out, line)
		}
	}
}
