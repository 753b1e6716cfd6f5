package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lorehq/lore/internal/analysis"
	"github.com/lorehq/lore/internal/config"
	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/internal/ingest"
	"github.com/lorehq/lore/internal/server"
	"github.com/lorehq/lore/internal/vector"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lore service",
		Long: "Starts the HTTP API, the transcript watcher, the analysis worker and\n" +
			"the queue reaper. The API answers health checks immediately; data\n" +
			"routes open once the database is ready.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default ~/.lore/config.yaml)")
	return cmd
}

// daemon holds the running pieces so shutdown can stop whatever init
// managed to bring up, in reverse order.
type daemon struct {
	mu       sync.Mutex
	stopping bool

	store   *db.Store
	watcher *ingest.Watcher
	worker  *analysis.Worker
	reaper  *analysis.Reaper
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return err
	}

	log.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Msg("Starting lore")

	srv := server.New(Version, cfg.Server)
	if err := srv.Start(); err != nil {
		return err
	}

	d := &daemon{}
	go d.init(cfg, srv)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	d.shutdown(ctx, srv)

	log.Info().Msg("Shutdown complete")
	return nil
}

// init opens the store and wires the background services. The HTTP server
// is already answering; it reports 503 on data routes until Attach.
func (d *daemon) init(cfg *config.Config, srv *server.Server) {
	store, err := db.NewStore(db.Config{Path: cfg.DB.Path, MaxConns: cfg.DB.MaxConns})
	if err != nil {
		srv.FailInit(err)
		return
	}

	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		_ = store.Close()
		return
	}
	d.store = store
	d.mu.Unlock()

	srv.Attach(store)

	registry, err := config.LoadProviders(cfg.DataDir)
	if err != nil {
		log.Error().Err(err).Msg("Provider registry failed to load, ingestion disabled")
		return
	}

	var indexer ingest.Indexer
	if ix, err := vector.NewIndexer(cfg.Vector, store); err != nil {
		log.Error().Err(err).Msg("Vector index unavailable, continuing without it")
	} else if ix != nil {
		indexer = ix
	}

	svc := ingest.NewService(store, registry, indexer)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping {
		return
	}

	if cfg.Ingest.Watch && len(cfg.Ingest.WatchPaths) > 0 {
		targets := make([]ingest.WatchTarget, 0, len(cfg.Ingest.WatchPaths))
		for _, entry := range cfg.Ingest.WatchPaths {
			targets = append(targets, ingest.ParseWatchTarget(entry))
		}
		watcher, err := ingest.NewWatcher(svc, registry, targets, cfg.Ingest.Debounce)
		if err != nil {
			log.Error().Err(err).Msg("Transcript watcher failed to start")
		} else {
			watcher.Start()
			d.watcher = watcher
		}
	}

	backend, err := analysis.NewCLIBackend(cfg.Analysis.Backend, cfg.Analysis.Model)
	if err != nil {
		log.Error().Err(err).Msg("Analysis backend unavailable, queue will accumulate")
	} else {
		worker := analysis.NewWorker(cfg.Analysis, store, backend)
		worker.Start()
		d.worker = worker
	}

	reaper, err := analysis.NewReaper(cfg.Analysis, store)
	if err != nil {
		log.Error().Err(err).Msg("Reaper failed to start")
	} else {
		reaper.Start()
		d.reaper = reaper
	}
}

// shutdown stops services in reverse start order, draining the HTTP
// server before closing the store it serves from.
func (d *daemon) shutdown(ctx context.Context, srv *server.Server) {
	d.mu.Lock()
	d.stopping = true
	watcher, worker, reaper, store := d.watcher, d.worker, d.reaper, d.store
	d.mu.Unlock()

	if watcher != nil {
		watcher.Stop()
	}
	if worker != nil {
		worker.Stop()
	}
	if reaper != nil {
		reaper.Stop()
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}
	if store != nil {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Database close error")
		}
	}
}
