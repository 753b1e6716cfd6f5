package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore/internal/config"
	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/pkg/models"
)

// cronParser accepts standard five-field crontab expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// reapplyBatch bounds how many stranded results one sweep re-applies.
const reapplyBatch = 50

// Reaper runs queue maintenance on two cron cadences. The sweep recovers
// stale claims, fails exhausted items and re-applies stranded results; the
// purge enforces retention and clears dangling message references.
type Reaper struct {
	ctx       context.Context
	store     *db.Store
	queue     *db.QueueStore
	learnings *db.LearningStore
	applier   *Applier
	cancel    context.CancelFunc
	sweepCron string
	purgeCron string
	cfg       config.AnalysisConfig
	wg        sync.WaitGroup
}

// NewReaper validates both schedules up front; a bad expression is a
// configuration error, not something to discover at 3am.
func NewReaper(cfg config.AnalysisConfig, store *db.Store) (*Reaper, error) {
	if _, err := cronParser.Parse(cfg.ReaperSchedule); err != nil {
		return nil, fmt.Errorf("reaper schedule %q: %w", cfg.ReaperSchedule, err)
	}
	if _, err := cronParser.Parse(cfg.RetentionSchedule); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", cfg.RetentionSchedule, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		ctx:       ctx,
		store:     store,
		queue:     db.NewQueueStore(store),
		learnings: db.NewLearningStore(store),
		applier:   NewApplier(store),
		cancel:    cancel,
		sweepCron: cfg.ReaperSchedule,
		purgeCron: cfg.RetentionSchedule,
		cfg:       cfg,
	}, nil
}

// Start launches both maintenance loops.
func (r *Reaper) Start() {
	r.wg.Add(2)
	go r.loop(r.sweepCron, r.Sweep)
	go r.loop(r.purgeCron, r.Purge)
	log.Info().
		Str("sweep", r.sweepCron).
		Str("purge", r.purgeCron).
		Msg("Reaper started")
}

// Stop cancels both loops and waits for any running pass.
func (r *Reaper) Stop() {
	r.cancel()
	r.wg.Wait()
	log.Info().Msg("Reaper stopped")
}

func (r *Reaper) loop(expr string, fn func(context.Context)) {
	defer r.wg.Done()
	for {
		d := nextCronDuration(expr)
		if d < time.Second {
			d = time.Second
		}
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(d):
			fn(r.ctx)
		}
	}
}

// nextCronDuration returns the wait until the expression next fires.
// Expressions were validated at construction, so a parse error here means
// a programming error and gets a zero duration, clamped by the loop.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	return time.Until(sched.Next(time.Now()))
}

// Sweep recovers the queue's stuck states: stale claims go back to
// pending, exhausted claims are failed loudly, and completed items whose
// application crashed mid-way are re-applied from the stored result.
func (r *Reaper) Sweep(ctx context.Context) {
	released, err := r.queue.ReleaseStaleClaims(ctx, r.cfg.StaleClaimAfter)
	if err != nil {
		log.Error().Err(err).Msg("Stale claim recovery failed")
	} else if released > 0 {
		log.Info().Int64("released", released).Msg("Released stale claims")
	}

	stuck, err := r.queue.ListExhausted(ctx, r.cfg.StaleClaimAfter)
	if err != nil {
		log.Error().Err(err).Msg("Exhausted item listing failed")
	}
	for _, it := range stuck {
		reason := &models.AttemptsExhaustedError{ID: it.ID, Attempts: it.AttemptCount}
		if ferr := r.queue.MarkFailed(ctx, it.ID, reason.Error()); ferr != nil {
			log.Error().Err(ferr).Int64("id", it.ID).Msg("Failed to fail exhausted item")
			continue
		}
		log.Warn().
			Int64("id", it.ID).
			Str("conversation", it.ConversationID).
			Int("attempts", it.AttemptCount).
			Msg("Queue item exhausted all attempts")
	}

	r.reapplyStranded(ctx)
}

// reapplyStranded finishes applications that crashed between completion
// and the gate. The stored result is replayed through the same applier;
// the gate makes the replay safe.
func (r *Reaper) reapplyStranded(ctx context.Context) {
	stranded, err := r.queue.ListUnapplied(ctx, r.cfg.StaleClaimAfter, reapplyBatch)
	if err != nil {
		log.Error().Err(err).Msg("Unapplied result listing failed")
		return
	}
	for _, it := range stranded {
		if !it.ResultJSON.Valid || it.ResultJSON.String == "" {
			if perr := r.queue.MarkResultApplicationFailed(ctx, it.ID, "completed without stored result"); perr != nil {
				log.Error().Err(perr).Int64("id", it.ID).Msg("Failed to poison resultless item")
			}
			continue
		}
		if aerr := r.applier.Apply(ctx, it, []byte(it.ResultJSON.String)); aerr != nil {
			log.Error().Err(aerr).Int64("id", it.ID).Msg("Stranded result re-application failed")
			continue
		}
		log.Info().Int64("id", it.ID).Str("analysisType", string(it.AnalysisType)).Msg("Re-applied stranded result")
	}
}

// Purge enforces retention: terminal applied items past the window are
// deleted, learning rows pointing at purged messages lose the reference
// (never the learning), and the store is re-optimized after the churn.
func (r *Reaper) Purge(ctx context.Context) {
	deleted, err := r.queue.DeleteOldItems(ctx, r.cfg.RetainFor)
	if err != nil {
		log.Error().Err(err).Msg("Queue retention purge failed")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retainFor", r.cfg.RetainFor).Msg("Purged old queue items")
	}

	cleared, err := r.learnings.ClearDanglingMessageRefs(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Dangling message reference cleanup failed")
	} else if cleared > 0 {
		log.Info().Int64("cleared", cleared).Msg("Cleared dangling learning message references")
	}

	if err := r.store.Optimize(ctx); err != nil {
		log.Warn().Err(err).Msg("Store optimize failed")
	}
}
