package analysis

import (
	"context"
	"errors"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/pkg/models"
)

// Applier merges completed backend results into the learning, signature and
// suggestion tables. Effects and the results_applied_at gate commit in one
// transaction, so a result is applied exactly once no matter how often it
// is replayed, and a failed application leaves nothing behind.
type Applier struct {
	store       *db.Store
	queue       *db.QueueStore
	convs       *db.ConversationStore
	learnings   *db.LearningStore
	signatures  *db.SignatureStore
	suggestions *db.SuggestionStore
}

// NewApplier builds an applier over one database handle.
func NewApplier(store *db.Store) *Applier {
	return &Applier{
		store:       store,
		queue:       db.NewQueueStore(store),
		convs:       db.NewConversationStore(store),
		learnings:   db.NewLearningStore(store),
		signatures:  db.NewSignatureStore(store),
		suggestions: db.NewSuggestionStore(store),
	}
}

// Apply merges one completed item's result. Per-item garbage inside the
// result is dropped row by row; a result that cannot be parsed at all is
// terminal and poisons the item so it never loops through reprocessing.
// Returns an error only for storage failures, which leave the item
// completed-but-unapplied for a later retry.
func (a *Applier) Apply(ctx context.Context, item *models.QueueItem, raw []byte) error {
	err := a.store.Transaction(ctx, func(tx *gorm.DB) error {
		applied, err := a.queue.WithTx(tx).MarkResultsApplied(ctx, item.ID)
		if err != nil {
			return err
		}
		if !applied {
			log.Debug().Int64("id", item.ID).Msg("Result already applied, skipping replay")
			return nil
		}

		switch item.AnalysisType {
		case models.AnalysisWorkflow:
			return a.applyWorkflow(ctx, tx, item, raw)
		case models.AnalysisLearning:
			return a.applyLearnings(ctx, tx, item, raw)
		case models.AnalysisSummary:
			return a.applySummary(ctx, tx, item, raw)
		case models.AnalysisDedupe:
			return a.applyDedupe(ctx, tx, item, raw)
		default:
			return &models.ValidationError{Field: "analysis_type", Reason: string(item.AnalysisType)}
		}
	})
	if err == nil {
		return nil
	}

	var ve *models.ValidationError
	if errors.As(err, &ve) {
		log.Warn().
			Int64("id", item.ID).
			Str("analysisType", string(item.AnalysisType)).
			Err(ve).
			Msg("Result not applicable, marking item failed")
		if perr := a.queue.MarkResultApplicationFailed(ctx, item.ID, ve.Error()); perr != nil {
			return perr
		}
		return nil
	}
	return err
}

// applyWorkflow runs a backend verdict through the same evaluation gate as
// the deterministic extractor. A candidate the taxonomy rejects is simply
// dropped; the item still counts as applied.
func (a *Applier) applyWorkflow(ctx context.Context, tx *gorm.DB, item *models.QueueItem, raw []byte) error {
	conv, err := a.convs.WithTx(tx).GetByID(ctx, item.ConversationID)
	if err != nil {
		return err
	}
	sig, err := EvaluateWorkflow(item, raw, conv)
	if err != nil || sig == nil {
		return err
	}
	_, _, err = a.signatures.WithTx(tx).Upsert(ctx, sig)
	return err
}

// applyLearnings records every learning row that survives evidence vetting.
func (a *Applier) applyLearnings(ctx context.Context, tx *gorm.DB, item *models.QueueItem, raw []byte) error {
	msgs, err := a.convs.WithTx(tx).ListMessages(ctx, item.ConversationID)
	if err != nil {
		return err
	}
	dets, dropped, err := EvaluateLearnings(item, raw, msgs)
	if err != nil {
		return err
	}
	for _, d := range dets {
		if _, _, err := a.learnings.WithTx(tx).RecordDetection(ctx, d); err != nil {
			return err
		}
	}

	log.Debug().
		Int64("id", item.ID).
		Int("recorded", len(dets)).
		Int("dropped", dropped).
		Msg("Learning result applied")
	return nil
}

// applySummary stages title/summary rewrites for human review. Nothing
// here touches the conversation row; approval does that later.
func (a *Applier) applySummary(ctx context.Context, tx *gorm.DB, item *models.QueueItem, raw []byte) error {
	var res summaryResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return &models.ValidationError{Field: "result_json", Reason: err.Error()}
	}

	title := strings.TrimSpace(res.Title)
	summary := strings.TrimSpace(res.Summary)
	if title == "" && summary == "" {
		return nil
	}

	if title != "" {
		payload, err := json.Marshal(struct {
			Title string `json:"title"`
		}{title})
		if err != nil {
			return err
		}
		sug := models.NewSuggestion(item.ID, item.ConversationID, models.SuggestionTitle, string(payload))
		if _, err := a.suggestions.WithTx(tx).Stage(ctx, sug); err != nil {
			return err
		}
	}
	if summary != "" {
		payload, err := json.Marshal(struct {
			Summary string `json:"summary"`
		}{summary})
		if err != nil {
			return err
		}
		sug := models.NewSuggestion(item.ID, item.ConversationID, models.SuggestionSummary, string(payload))
		if _, err := a.suggestions.WithTx(tx).Stage(ctx, sug); err != nil {
			return err
		}
	}
	return nil
}

// applyDedupe stages learning merge proposals for human review. Merges are
// never applied automatically; a bad merge would destroy review state.
func (a *Applier) applyDedupe(ctx context.Context, tx *gorm.DB, item *models.QueueItem, raw []byte) error {
	var res dedupeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return &models.ValidationError{Field: "result_json", Reason: err.Error()}
	}

	for _, g := range res.Groups {
		ids := make([]int64, 0, len(g.MergeIDs))
		for _, id := range g.MergeIDs {
			if id > 0 && id != g.KeepID {
				ids = append(ids, id)
			}
		}
		if g.KeepID <= 0 || len(ids) == 0 {
			continue
		}
		payload, err := json.Marshal(mergeGroup{Rule: strings.TrimSpace(g.Rule), MergeIDs: ids, KeepID: g.KeepID})
		if err != nil {
			return err
		}
		sug := models.NewSuggestion(item.ID, item.ConversationID, models.SuggestionLearningMerge, string(payload))
		if _, err := a.suggestions.WithTx(tx).Stage(ctx, sug); err != nil {
			return err
		}
	}
	return nil
}
