package main

import (
	"fmt"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/lorehq/lore/internal/analysis"
	"github.com/lorehq/lore/internal/audit"
)

func newAuditCmd() *cobra.Command {
	var (
		configPath string
		sampleSize int
		seed       int64
		batchSize  int
		withLLM    bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Measure extraction quality over a conversation sample",
		Long: "Replays the deterministic extractors, and optionally the LLM backend,\n" +
			"over a seeded random sample of stored conversations. Nothing is\n" +
			"written back; the report prints as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, configPath, sampleSize, seed, batchSize, withLLM)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default ~/.lore/config.yaml)")
	cmd.Flags().IntVar(&sampleSize, "sample", 20, "conversations to sample")
	cmd.Flags().Int64Var(&seed, "seed", 1, "sampling seed; same seed, same sample")
	cmd.Flags().IntVar(&batchSize, "batch", 5, "conversations per backend call")
	cmd.Flags().BoolVar(&withLLM, "llm", false, "also run the LLM extraction path")
	return cmd
}

func runAudit(cmd *cobra.Command, configPath string, sampleSize int, seed int64, batchSize int, withLLM bool) error {
	cfg, store, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var backend analysis.Backend
	if withLLM {
		b, err := analysis.NewCLIBackend(cfg.Analysis.Backend, cfg.Analysis.Model)
		if err != nil {
			return err
		}
		backend = b
	}

	auditor := audit.New(store, backend, audit.Options{
		SampleSize:      sampleSize,
		Seed:            seed,
		BatchSize:       batchSize,
		Tool:            cfg.Analysis.Backend,
		Model:           cfg.Analysis.Model,
		PayloadMode:     cfg.Analysis.PayloadMode,
		MaxPayloadBytes: cfg.Analysis.MaxPayloadBytes,
	})

	report, err := auditor.Run(ctx)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
