package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/lorehq/lore/pkg/models"
)

// QueueStore provides analysis-queue operations using GORM.
type QueueStore struct {
	db *gorm.DB
}

// NewQueueStore creates a new queue store.
func NewQueueStore(store *Store) *QueueStore {
	return &QueueStore{db: store.DB()}
}

// WithTx returns a copy of the store bound to tx for composition inside a
// caller-owned transaction.
func (s *QueueStore) WithTx(tx *gorm.DB) *QueueStore {
	return &QueueStore{db: tx}
}

// Enqueue inserts a pending item. Returns ConflictError when an active
// (pending or claimed) item already exists for the same conversation and
// analysis type; callers treat that as already-scheduled.
func (s *QueueStore) Enqueue(ctx context.Context, item *models.QueueItem) (int64, error) {
	if item.ConversationID == "" {
		return 0, &models.ValidationError{Field: "conversation_id", Reason: "must not be empty"}
	}
	if !item.AnalysisType.Valid() {
		return 0, &models.ValidationError{Field: "analysis_type", Reason: fmt.Sprintf("unknown type %q", item.AnalysisType)}
	}

	var id int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		err := tx.Model(&QueueItem{}).
			Where("conversation_id = ? AND analysis_type = ? AND status IN ?",
				item.ConversationID, string(item.AnalysisType),
				[]string{string(models.QueuePending), string(models.QueueClaimed)}).
			Count(&active).Error
		if err != nil {
			return err
		}
		if active > 0 {
			return &models.ConflictError{ConversationID: item.ConversationID, AnalysisType: item.AnalysisType}
		}

		row := queueRowFromModel(item)
		if err := tx.Create(row).Error; err != nil {
			// The partial unique index backstops the check above under
			// concurrent enqueues.
			if isUniqueViolation(err) {
				return &models.ConflictError{ConversationID: item.ConversationID, AnalysisType: item.AnalysisType}
			}
			return err
		}
		id = row.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	item.ID = id
	return id, nil
}

// ClaimPending claims up to count eligible pending items for workerID and
// returns exactly the items this call won. The candidate select and the
// per-item conditional update run inside one write transaction; the
// status recheck on each update makes concurrent claimers partition the
// pending set instead of double-claiming.
func (s *QueueStore) ClaimPending(ctx context.Context, count int, workerID string) ([]*models.QueueItem, error) {
	if count <= 0 {
		return nil, nil
	}

	now := time.Now().UnixMilli()
	var won []QueueItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []QueueItem
		err := tx.
			Where("status = ? AND attempt_count < max_attempts", string(models.QueuePending)).
			Order("priority DESC, created_at_epoch ASC, id ASC").
			Limit(count).
			Find(&candidates).Error
		if err != nil {
			return err
		}

		for i := range candidates {
			res := tx.Model(&QueueItem{}).
				Where("id = ? AND status = ?", candidates[i].ID, string(models.QueuePending)).
				Updates(map[string]interface{}{
					"status":           string(models.QueueClaimed),
					"claimed_by":       workerID,
					"claimed_at_epoch": now,
					"attempt_count":    gorm.Expr("attempt_count + 1"),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			c := candidates[i]
			c.Status = string(models.QueueClaimed)
			c.ClaimedBy = sql.NullString{String: workerID, Valid: true}
			c.ClaimedAtEpoch = sql.NullInt64{Int64: now, Valid: true}
			c.AttemptCount++
			won = append(won, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return toModelQueueItems(won), nil
}

// MarkCompleted records a backend result for a claimed item. Completing an
// item in any other state fails with NotClaimedError; note the result is
// not yet applied at this point (see MarkResultsApplied).
func (s *QueueStore) MarkCompleted(ctx context.Context, id int64, resultJSON, backend, model string) error {
	now := time.Now().UnixMilli()
	return s.transitionClaimed(ctx, id, map[string]interface{}{
		"status":             string(models.QueueCompleted),
		"result_json":        resultJSON,
		"backend":            backend,
		"model":              model,
		"completed_at_epoch": now,
	})
}

// MarkFailed terminally fails a claimed item. The attempt was already
// counted at claim time, so retries happen only through stale-claim
// recovery, never through failed items.
func (s *QueueStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	now := time.Now().UnixMilli()
	return s.transitionClaimed(ctx, id, map[string]interface{}{
		"status":             string(models.QueueFailed),
		"error_message":      errMsg,
		"completed_at_epoch": now,
	})
}

func (s *QueueStore) transitionClaimed(ctx context.Context, id int64, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&QueueItem{}).
			Where("id = ? AND status = ?", id, string(models.QueueClaimed)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
		var row QueueItem
		err := tx.Select("status").Where("id = ?", id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("queue item %d: %w", id, gorm.ErrRecordNotFound)
		}
		if err != nil {
			return err
		}
		return &models.NotClaimedError{ID: id, Status: models.QueueStatus(row.Status)}
	})
}

// ReleaseStaleClaims returns items claimed for longer than olderThan to
// pending so another worker can pick them up. Items that have consumed
// every attempt are deliberately left claimed; ListExhausted surfaces them
// for explicit failure marking.
func (s *QueueStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res := s.db.WithContext(ctx).Model(&QueueItem{}).
		Where("status = ? AND claimed_at_epoch < ? AND attempt_count < max_attempts",
			string(models.QueueClaimed), cutoff).
		Updates(map[string]interface{}{
			"status":           string(models.QueuePending),
			"claimed_by":       nil,
			"claimed_at_epoch": nil,
		})
	return res.RowsAffected, res.Error
}

// Release returns specific claimed items to pending, keeping their attempt
// count. Used for items a backend declined to answer so they retry without
// waiting out the staleness window. Items with no attempts left stay
// claimed for ListExhausted.
func (s *QueueStore) Release(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&QueueItem{}).
		Where("id IN ? AND status = ? AND attempt_count < max_attempts",
			ids, string(models.QueueClaimed)).
		Updates(map[string]interface{}{
			"status":           string(models.QueuePending),
			"claimed_by":       nil,
			"claimed_at_epoch": nil,
		})
	return res.RowsAffected, res.Error
}

// ListExhausted returns items stuck claimed past the staleness window with
// no attempts left. The reaper marks these failed; they are never silently
// retried.
func (s *QueueStore) ListExhausted(ctx context.Context, olderThan time.Duration) ([]*models.QueueItem, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	var rows []QueueItem
	err := s.db.WithContext(ctx).
		Where("status = ? AND claimed_at_epoch < ? AND attempt_count >= max_attempts",
			string(models.QueueClaimed), cutoff).
		Order("claimed_at_epoch ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelQueueItems(rows), nil
}

// ListUnapplied returns completed items whose results were never merged,
// older than the grace window. A crash between completion and application
// leaves items in this state; the reaper re-applies them from the stored
// result.
func (s *QueueStore) ListUnapplied(ctx context.Context, olderThan time.Duration, limit int) ([]*models.QueueItem, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	var rows []QueueItem
	q := s.db.WithContext(ctx).
		Where("status = ? AND results_applied_at_epoch IS NULL AND completed_at_epoch < ?",
			string(models.QueueCompleted), cutoff).
		Order("completed_at_epoch ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toModelQueueItems(rows), nil
}

// MarkResultsApplied sets the idempotency gate for a completed item.
// Returns true only for the caller that actually set it; a false return
// means the result was already applied (replay) and effects must be
// skipped.
func (s *QueueStore) MarkResultsApplied(ctx context.Context, id int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&QueueItem{}).
		Where("id = ? AND results_applied_at_epoch IS NULL", id).
		Update("results_applied_at_epoch", time.Now().UnixMilli())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkResultApplicationFailed records a non-retryable application error:
// the item is failed AND gated so it can never loop through reprocessing.
func (s *QueueStore) MarkResultApplicationFailed(ctx context.Context, id int64, errMsg string) error {
	now := time.Now().UnixMilli()
	return s.db.WithContext(ctx).Model(&QueueItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":                   string(models.QueueFailed),
			"error_message":            errMsg,
			"results_applied_at_epoch": now,
		}).Error
}

// Retry returns a failed item to pending with a fresh attempt budget.
// Operator path, exposed through the CLI and HTTP API.
func (s *QueueStore) Retry(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&QueueItem{}).
			Where("id = ? AND status = ?", id, string(models.QueueFailed)).
			Updates(map[string]interface{}{
				"status":                   string(models.QueuePending),
				"claimed_by":               nil,
				"claimed_at_epoch":         nil,
				"completed_at_epoch":       nil,
				"results_applied_at_epoch": nil,
				"error_message":            nil,
				"attempt_count":            0,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
		var row QueueItem
		err := tx.Select("status").Where("id = ?", id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("queue item %d: %w", id, gorm.ErrRecordNotFound)
		}
		if err != nil {
			return err
		}
		return &models.NotClaimedError{ID: id, Status: models.QueueStatus(row.Status)}
	})
}

// DeleteOldItems purges terminal items older than olderThan whose results
// were durably applied. Work whose effects never landed is retained
// regardless of age. Deletes run in bounded batches.
func (s *QueueStore) DeleteOldItems(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	var total int64
	for {
		res := s.db.WithContext(ctx).Exec(
			`DELETE FROM analysis_queue WHERE id IN (
				SELECT id FROM analysis_queue
				WHERE status IN ('completed', 'failed')
				  AND results_applied_at_epoch IS NOT NULL
				  AND created_at_epoch < ?
				LIMIT 500)`, cutoff)
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
		if res.RowsAffected == 0 {
			return total, nil
		}
	}
}

// GetByID returns one queue item, or nil when absent.
func (s *QueueStore) GetByID(ctx context.Context, id int64) (*models.QueueItem, error) {
	var row QueueItem
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelQueueItem(&row), nil
}

// ListByStatus returns items in one status, newest first.
func (s *QueueStore) ListByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]*models.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []QueueItem
	err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at_epoch DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelQueueItems(rows), nil
}

// Stats aggregates queue state for the API and CLI.
func (s *QueueStore) Stats(ctx context.Context) (*models.QueueStats, error) {
	stats := &models.QueueStats{
		ByStatus: map[models.QueueStatus]int64{},
		ByType:   map[models.AnalysisType]int64{},
	}

	type countRow struct {
		Key string
		N   int64
	}
	var byStatus []countRow
	err := s.db.WithContext(ctx).
		Raw("SELECT status AS key, COUNT(*) AS n FROM analysis_queue GROUP BY status").
		Scan(&byStatus).Error
	if err != nil {
		return nil, err
	}
	for _, r := range byStatus {
		stats.ByStatus[models.QueueStatus(r.Key)] = r.N
	}

	var byType []countRow
	err = s.db.WithContext(ctx).
		Raw(`SELECT analysis_type AS key, COUNT(*) AS n FROM analysis_queue
			WHERE status IN ('pending', 'claimed') GROUP BY analysis_type`).
		Scan(&byType).Error
	if err != nil {
		return nil, err
	}
	for _, r := range byType {
		stats.ByType[models.AnalysisType(r.Key)] = r.N
	}

	err = s.db.WithContext(ctx).Model(&QueueItem{}).
		Where("status = ? AND attempt_count >= max_attempts", string(models.QueueClaimed)).
		Count(&stats.Exhausted).Error
	if err != nil {
		return nil, err
	}

	var oldest sql.NullInt64
	err = s.db.WithContext(ctx).
		Raw("SELECT MIN(created_at_epoch) FROM analysis_queue WHERE status = 'pending'").
		Scan(&oldest).Error
	if err != nil {
		return nil, err
	}
	stats.Oldest = oldest

	return stats, nil
}

func queueRowFromModel(item *models.QueueItem) *QueueItem {
	return &QueueItem{
		ConversationID: item.ConversationID,
		AnalysisType:   string(item.AnalysisType),
		Status:         string(item.Status),
		Priority:       item.Priority,
		AttemptCount:   item.AttemptCount,
		MaxAttempts:    item.MaxAttempts,
		CreatedAt:      item.CreatedAt,
		CreatedAtEpoch: item.CreatedEpoch,
	}
}

// toModelQueueItem converts a GORM QueueItem to a pkg/models QueueItem.
func toModelQueueItem(q *QueueItem) *models.QueueItem {
	return &models.QueueItem{
		ID:               q.ID,
		ConversationID:   q.ConversationID,
		AnalysisType:     models.AnalysisType(q.AnalysisType),
		Status:           models.QueueStatus(q.Status),
		Priority:         q.Priority,
		AttemptCount:     q.AttemptCount,
		MaxAttempts:      q.MaxAttempts,
		ClaimedBy:        q.ClaimedBy,
		ErrorMessage:     q.ErrorMessage,
		ResultJSON:       q.ResultJSON,
		Backend:          q.Backend,
		Model:            q.Model,
		ClaimedAt:        q.ClaimedAtEpoch,
		CompletedAt:      q.CompletedAtEpoch,
		ResultsAppliedAt: q.ResultsAppliedAtEpoch,
		CreatedAt:        q.CreatedAt,
		CreatedEpoch:     q.CreatedAtEpoch,
	}
}

func toModelQueueItems(rows []QueueItem) []*models.QueueItem {
	out := make([]*models.QueueItem, len(rows))
	for i := range rows {
		out[i] = toModelQueueItem(&rows[i])
	}
	return out
}
