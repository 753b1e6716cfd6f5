// Package scan runs bulk deterministic extraction over stored
// conversations. The analysis queue covers fresh arrivals one at a time;
// scan covers the backlog: transcripts imported before extraction existed,
// a bumped detector version, or a database restored from backup.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lorehq/lore/internal/config"
	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/internal/extract"
)

// ErrScanActive is returned by Run while another run holds the runner.
var ErrScanActive = errors.New("a scan is already running")

// Options selects which conversations a run covers.
type Options struct {
	// MissingOnly restricts the run to conversations without a workflow
	// signature, so an interrupted scan resumes where it stopped instead
	// of redoing finished work.
	MissingOnly bool
	// Limit caps how many conversations the run touches. Zero means all.
	Limit int
}

// Progress is a point-in-time view of the current run. After a run ends
// its final numbers stay readable until the next one starts.
type Progress struct {
	Total int64
	// Processed counts conversations attempted; Failed is the subset that
	// errored. Items never dispatched because the run was canceled count
	// as neither.
	Processed int64
	Failed    int64
	// Learnings counts detections that created or advanced a stored rule;
	// replays of known evidence are not counted. Signatures counts rows
	// written, whether created or refreshed in place.
	Learnings  int64
	Signatures int64
	Running    bool
	StartedAt  time.Time
	// ETA estimates remaining wall time from throughput so far. Zero when
	// idle or before the first conversation finishes.
	ETA time.Duration
}

// Result summarizes one finished run. Field meanings match Progress.
type Result struct {
	Processed  int64
	Failed     int64
	Learnings  int64
	Signatures int64
	Elapsed    time.Duration
}

// Runner drives one scan at a time over the conversation store. Progress
// may be read concurrently from any goroutine, so a caller can run Run in
// the background and poll for a status line.
type Runner struct {
	convs      *db.ConversationStore
	learnings  *db.LearningStore
	signatures *db.SignatureStore
	detector   *extract.Detector
	cfg        config.ScanConfig

	running      atomic.Bool
	total        int64
	processed    int64
	failed       int64
	learningsN   int64
	signaturesN  int64
	startedEpoch int64
}

// NewRunner wires a runner over one database handle.
func NewRunner(cfg config.ScanConfig, store *db.Store) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CancelCadence <= 0 {
		cfg.CancelCadence = 25
	}
	return &Runner{
		convs:      db.NewConversationStore(store),
		learnings:  db.NewLearningStore(store),
		signatures: db.NewSignatureStore(store),
		detector:   extract.NewDetector(extract.DefaultConfig()),
		cfg:        cfg,
	}
}

// Run scans the selected conversations and blocks until the backlog is
// done or ctx ends. Per-conversation failures are logged and counted, not
// fatal; the run itself only errors on cancellation or a listing failure.
// On cancellation the partial Result is returned alongside ctx's error.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrScanActive
	}
	defer r.running.Store(false)

	ids, err := r.listTargets(ctx, opts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	r.reset(start, int64(len(ids)))

	log.Info().
		Int("conversations", len(ids)).
		Int("workers", r.cfg.Workers).
		Bool("missing_only", opts.MissingOnly).
		Msg("Scan started")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)

	for i, id := range ids {
		// Feeding the pool checks for cancellation on a fixed cadence, so
		// a canceled scan stops promptly instead of dispatching the whole
		// backlog first.
		if i%r.cfg.CancelCadence == 0 && gctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := r.scanOne(gctx, id); err != nil {
				atomic.AddInt64(&r.failed, 1)
				log.Warn().Err(err).Str("conversation", id).Msg("Conversation scan failed")
			}
			atomic.AddInt64(&r.processed, 1)
			return nil
		})
	}

	werr := g.Wait()
	if werr == nil {
		werr = ctx.Err()
	}

	res := &Result{
		Processed:  atomic.LoadInt64(&r.processed),
		Failed:     atomic.LoadInt64(&r.failed),
		Learnings:  atomic.LoadInt64(&r.learningsN),
		Signatures: atomic.LoadInt64(&r.signaturesN),
		Elapsed:    time.Since(start),
	}
	recordScan(ctx, opts.MissingOnly, res)

	if werr != nil {
		log.Warn().Err(werr).
			Int64("processed", res.Processed).
			Int64("total", int64(len(ids))).
			Msg("Scan interrupted")
		return res, werr
	}
	log.Info().
		Int64("processed", res.Processed).
		Int64("failed", res.Failed).
		Int64("learnings", res.Learnings).
		Int64("signatures", res.Signatures).
		Dur("elapsed", res.Elapsed).
		Msg("Scan finished")
	return res, nil
}

// Progress returns a copy of the run counters.
func (r *Runner) Progress() Progress {
	total := atomic.LoadInt64(&r.total)
	processed := atomic.LoadInt64(&r.processed)
	p := Progress{
		Total:      total,
		Processed:  processed,
		Failed:     atomic.LoadInt64(&r.failed),
		Learnings:  atomic.LoadInt64(&r.learningsN),
		Signatures: atomic.LoadInt64(&r.signaturesN),
		Running:    r.running.Load(),
	}
	if ms := atomic.LoadInt64(&r.startedEpoch); ms > 0 {
		p.StartedAt = time.UnixMilli(ms)
	}
	if p.Running && processed > 0 && total > processed {
		perItem := time.Since(p.StartedAt) / time.Duration(processed)
		p.ETA = perItem * time.Duration(total-processed)
	}
	return p
}

func (r *Runner) reset(start time.Time, total int64) {
	atomic.StoreInt64(&r.total, total)
	atomic.StoreInt64(&r.processed, 0)
	atomic.StoreInt64(&r.failed, 0)
	atomic.StoreInt64(&r.learningsN, 0)
	atomic.StoreInt64(&r.signaturesN, 0)
	atomic.StoreInt64(&r.startedEpoch, start.UnixMilli())
}

func (r *Runner) listTargets(ctx context.Context, opts Options) ([]string, error) {
	if opts.MissingOnly {
		ids, err := r.signatures.ConversationIDsMissingSignature(ctx, opts.Limit)
		if err != nil {
			return nil, fmt.Errorf("list unscanned conversations: %w", err)
		}
		return ids, nil
	}
	ids, err := r.convs.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if opts.Limit > 0 && len(ids) > opts.Limit {
		ids = ids[:opts.Limit]
	}
	return ids, nil
}

// scanOne runs both extractors over one conversation. A conversation that
// vanished or was tombstoned after listing is skipped, not an error.
func (r *Runner) scanOne(ctx context.Context, id string) error {
	conv, err := r.convs.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil || conv.Deleted() {
		return nil
	}
	msgs, err := r.convs.ListMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	for _, d := range r.detector.DetectLearnings(conv, msgs) {
		_, mutated, err := r.learnings.RecordDetection(ctx, d)
		if err != nil {
			return fmt.Errorf("record learning: %w", err)
		}
		if mutated {
			atomic.AddInt64(&r.learningsN, 1)
		}
	}

	if sig := r.detector.ExtractSignature(conv, msgs); sig != nil {
		if _, _, err := r.signatures.Upsert(ctx, sig); err != nil {
			return fmt.Errorf("upsert signature: %w", err)
		}
		atomic.AddInt64(&r.signaturesN, 1)
	}
	return nil
}
