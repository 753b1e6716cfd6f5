package analysis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore/internal/config"
	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/pkg/models"
)

// backendCooldown pauses claiming after a backend-wide failure so a
// signed-out or offline CLI is not hammered on every tick.
const backendCooldown = time.Minute

// dedupeCorpusLimit bounds how many known rules per review status feed a
// dedupe batch.
const dedupeCorpusLimit = 150

// Worker drives the analysis claim loop: claim a batch, group it by
// analysis type, submit through the runner, then complete and apply each
// answered item. Items the backend declines go back to pending; items
// stranded by a crash recycle through stale-claim recovery.
type Worker struct {
	ctx       context.Context
	store     *db.Store
	queue     *db.QueueStore
	convs     *db.ConversationStore
	learnings *db.LearningStore
	runner    *Runner
	applier   *Applier
	cancel    context.CancelFunc
	id        string
	cooldown  time.Time
	cfg       config.AnalysisConfig
	wg        sync.WaitGroup
}

// NewWorker wires a worker over one database handle and a backend.
func NewWorker(cfg config.AnalysisConfig, store *db.Store, backend Backend) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	queue := db.NewQueueStore(store)

	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}

	return &Worker{
		ctx:       ctx,
		store:     store,
		queue:     queue,
		convs:     db.NewConversationStore(store),
		learnings: db.NewLearningStore(store),
		runner:    NewRunner(backend, queue),
		applier:   NewApplier(store),
		cancel:    cancel,
		id:        fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		cfg:       cfg,
	}
}

// ID returns the claim owner string recorded on items this worker claims.
func (w *Worker) ID() string {
	return w.id
}

// Start launches the claim loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
	log.Info().
		Str("worker", w.id).
		Str("backend", w.cfg.Backend).
		Dur("interval", w.cfg.ClaimInterval).
		Msg("Analysis worker started")
}

// Stop cancels the loop and waits for the in-flight pass to finish.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	log.Info().Str("worker", w.id).Msg("Analysis worker stopped")
}

func (w *Worker) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if time.Now().Before(w.cooldown) {
				continue
			}
			if _, err := w.RunOnce(w.ctx); err != nil {
				if w.ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("Analysis pass failed")
				if isBackendWide(err) {
					w.cooldown = time.Now().Add(backendCooldown)
				}
			}
		}
	}
}

// isBackendWide reports whether err condemns the backend as a whole rather
// than one batch.
func isBackendWide(err error) bool {
	var conn *models.ConnectivityError
	var auth *models.AuthError
	return errors.As(err, &conn) || errors.As(err, &auth)
}

// RunOnce claims one batch and processes it to completion. Returns how
// many claimed items were driven to a terminal or released state.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	items, err := w.queue.ClaimPending(ctx, w.cfg.BatchSize, w.id)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	byType := make(map[models.AnalysisType][]*models.QueueItem)
	for _, it := range items {
		byType[it.AnalysisType] = append(byType[it.AnalysisType], it)
	}

	processed := 0
	for _, t := range models.AllAnalysisTypes {
		group := byType[t]
		if len(group) == 0 {
			continue
		}
		n, err := w.processBatch(ctx, t, group)
		processed += n
		if err != nil {
			// Remaining claimed items recycle via stale-claim recovery.
			return processed, err
		}
	}
	return processed, nil
}

// processBatch runs one analysis type's share of the claim through the
// backend and applies whatever came back.
func (w *Worker) processBatch(ctx context.Context, t models.AnalysisType, items []*models.QueueItem) (int, error) {
	transcripts, err := w.loadTranscripts(ctx, t, items)
	if err != nil {
		return 0, err
	}

	processed := 0
	runnable := make([]*models.QueueItem, 0, len(items))
	for _, it := range items {
		if transcripts[it.ConversationID] == nil {
			if ferr := w.queue.MarkFailed(ctx, it.ID, "conversation missing"); ferr != nil {
				log.Error().Err(ferr).Int64("id", it.ID).Msg("Failed to fail orphaned queue item")
			}
			processed++
			continue
		}
		runnable = append(runnable, it)
	}
	if len(runnable) == 0 {
		return processed, nil
	}

	req := &Request{
		Transcripts:     transcripts,
		Tool:            w.cfg.Backend,
		Model:           w.cfg.Model,
		PayloadMode:     w.cfg.PayloadMode,
		Items:           runnable,
		AnalysisType:    t,
		MaxPayloadBytes: w.cfg.MaxPayloadBytes,
	}
	if t == models.AnalysisDedupe {
		if req.KnownLearnings, err = w.loadDedupeCorpus(ctx); err != nil {
			return processed, err
		}
	}

	outcomes, runErr := w.runner.Run(ctx, req)
	for _, out := range outcomes {
		processed += w.applyOutcome(ctx, out)
	}
	return processed, runErr
}

// loadTranscripts fetches the conversations behind a batch, with messages
// for the types whose payloads need them. A nil map entry means the
// conversation is gone and its items must fail.
func (w *Worker) loadTranscripts(ctx context.Context, t models.AnalysisType, items []*models.QueueItem) (map[string]*Transcript, error) {
	ids := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if !seen[it.ConversationID] {
			seen[it.ConversationID] = true
			ids = append(ids, it.ConversationID)
		}
	}

	convs, err := w.convs.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	transcripts := make(map[string]*Transcript, len(convs))
	for id, c := range convs {
		tr := &Transcript{Conversation: c}
		if t != models.AnalysisDedupe {
			if tr.Messages, err = w.convs.ListMessages(ctx, id); err != nil {
				return nil, err
			}
		}
		transcripts[id] = tr
	}
	return transcripts, nil
}

// loadDedupeCorpus gathers the known rules a dedupe batch reasons over.
func (w *Worker) loadDedupeCorpus(ctx context.Context) ([]*models.Learning, error) {
	pending, err := w.learnings.ListByStatus(ctx, models.ReviewPending, dedupeCorpusLimit)
	if err != nil {
		return nil, err
	}
	approved, err := w.learnings.ListByStatus(ctx, models.ReviewApproved, dedupeCorpusLimit)
	if err != nil {
		return nil, err
	}
	return append(pending, approved...), nil
}

// applyOutcome completes and applies every item one backend response
// covers. Items without a row in the response are released back to
// pending; a response that is not JSON at all poisons its whole batch.
func (w *Worker) applyOutcome(ctx context.Context, out BatchOutcome) int {
	processed := 0
	rows, err := SplitResults(out.Output)
	if err != nil {
		for _, it := range out.Items {
			if !w.complete(ctx, it, string(out.Output)) {
				continue
			}
			if perr := w.queue.MarkResultApplicationFailed(ctx, it.ID, err.Error()); perr != nil {
				log.Error().Err(perr).Int64("id", it.ID).Msg("Failed to poison unparseable result")
				continue
			}
			processed++
		}
		return processed
	}

	var release []int64
	for _, it := range out.Items {
		row, ok := rows[it.ID]
		if !ok {
			release = append(release, it.ID)
			continue
		}
		if !w.complete(ctx, it, string(row)) {
			continue
		}
		if aerr := w.applier.Apply(ctx, it, row); aerr != nil {
			// Completed but unapplied; the reaper re-applies from the
			// stored result.
			log.Error().Err(aerr).Int64("id", it.ID).Msg("Result application failed")
			continue
		}
		processed++
	}

	if len(release) > 0 {
		n, rerr := w.queue.Release(ctx, release)
		if rerr != nil {
			log.Error().Err(rerr).Ints64("ids", release).Msg("Failed to release dropped items")
		} else {
			log.Info().Int64("released", n).Int("dropped", len(release)).Msg("Backend declined items, released for retry")
			processed += int(n)
		}
	}
	return processed
}

// complete records the result on a claimed item. Losing the claim race is
// expected after a long backend call and only logged.
func (w *Worker) complete(ctx context.Context, it *models.QueueItem, result string) bool {
	if err := w.queue.MarkCompleted(ctx, it.ID, result, w.cfg.Backend, w.cfg.Model); err != nil {
		var nc *models.NotClaimedError
		if errors.As(err, &nc) {
			log.Warn().Int64("id", it.ID).Str("status", string(nc.Status)).Msg("Lost claim before completion, discarding result")
		} else {
			log.Error().Err(err).Int64("id", it.ID).Msg("Failed to complete queue item")
		}
		return false
	}
	it.Status = models.QueueCompleted
	it.ResultJSON = sql.NullString{String: result, Valid: true}
	it.Backend = sql.NullString{String: w.cfg.Backend, Valid: true}
	it.Model = sql.NullString{String: w.cfg.Model, Valid: true}
	return true
}
