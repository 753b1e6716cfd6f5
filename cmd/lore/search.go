package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lorehq/lore/internal/vector"
)

func newSearchCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "search <query...>",
		Short: "Semantic search over indexed conversations",
		Long: "Queries the embedding index and prints the closest conversations.\n" +
			"Requires vector.enabled and a reachable embedding backend.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, configPath, strings.Join(args, " "), limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default ~/.lore/config.yaml)")
	cmd.Flags().IntVarP(&limit, "limit", "k", 10, "maximum results")
	return cmd
}

func runSearch(cmd *cobra.Command, configPath, query string, limit int) error {
	cfg, store, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ix, err := vector.NewIndexer(cfg.Vector, store)
	if err != nil {
		return err
	}
	if ix == nil {
		return errors.New("vector index is disabled; set vector.enabled in config")
	}

	results, err := ix.Search(cmd.Context(), query, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "no matches")
		return nil
	}
	for _, r := range results {
		title := r.Title
		if title == "" {
			title = r.ConversationID
		}
		fmt.Fprintf(out, "%.3f  %s", r.Similarity, title)
		if r.ProjectPath != "" {
			fmt.Fprintf(out, "  (%s)", r.ProjectPath)
		}
		fmt.Fprintf(out, "  [%s]\n", r.ConversationID)
	}
	return nil
}
