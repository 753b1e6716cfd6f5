package db

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/lorehq/lore/pkg/models"
)

// SuggestionStore provides suggestion operations using GORM.
type SuggestionStore struct {
	db *gorm.DB
}

// NewSuggestionStore creates a new suggestion store.
func NewSuggestionStore(store *Store) *SuggestionStore {
	return &SuggestionStore{db: store.DB()}
}

// WithTx returns a copy of the store bound to tx for composition inside a
// caller-owned transaction.
func (s *SuggestionStore) WithTx(tx *gorm.DB) *SuggestionStore {
	return &SuggestionStore{db: tx}
}

// Stage inserts a pending suggestion. Suggestions only ever change primary
// tables after explicit approval.
func (s *SuggestionStore) Stage(ctx context.Context, sug *models.Suggestion) (int64, error) {
	if sug.ConversationID == "" {
		return 0, &models.ValidationError{Field: "conversation_id", Reason: "must not be empty"}
	}
	if sug.PayloadJSON == "" {
		return 0, &models.ValidationError{Field: "payload_json", Reason: "must not be empty"}
	}
	row := &Suggestion{
		Kind:           string(sug.Kind),
		Status:         string(sug.Status),
		ConversationID: sug.ConversationID,
		PayloadJSON:    sug.PayloadJSON,
		QueueItemID:    sug.QueueItemID,
		CreatedAt:      sug.CreatedAt,
		CreatedAtEpoch: sug.CreatedEpoch,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return 0, err
	}
	sug.ID = row.ID
	return row.ID, nil
}

// GetByID returns one suggestion, or nil when absent.
func (s *SuggestionStore) GetByID(ctx context.Context, id int64) (*models.Suggestion, error) {
	var row Suggestion
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelSuggestion(&row), nil
}

// ListByStatus returns suggestions in one review status, newest first.
func (s *SuggestionStore) ListByStatus(ctx context.Context, status models.ReviewStatus, limit int) ([]*models.Suggestion, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []Suggestion
	err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at_epoch DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*models.Suggestion, len(rows))
	for i := range rows {
		out[i] = toModelSuggestion(&rows[i])
	}
	return out, nil
}

// SetStatus moves a suggestion through review.
func (s *SuggestionStore) SetStatus(ctx context.Context, id int64, status models.ReviewStatus) error {
	res := s.db.WithContext(ctx).Model(&Suggestion{}).
		Where("id = ?", id).
		Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountByStatus returns suggestion counts per review status.
func (s *SuggestionStore) CountByStatus(ctx context.Context) (map[models.ReviewStatus]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Raw("SELECT status, COUNT(*) AS n FROM suggestions GROUP BY status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[models.ReviewStatus]int64, len(rows))
	for _, r := range rows {
		out[models.ReviewStatus(r.Status)] = r.N
	}
	return out, nil
}

// toModelSuggestion converts a GORM Suggestion to a pkg/models Suggestion.
func toModelSuggestion(s *Suggestion) *models.Suggestion {
	return &models.Suggestion{
		ID:             s.ID,
		Kind:           models.SuggestionKind(s.Kind),
		Status:         models.ReviewStatus(s.Status),
		ConversationID: s.ConversationID,
		PayloadJSON:    s.PayloadJSON,
		QueueItemID:    s.QueueItemID,
		CreatedAt:      s.CreatedAt,
		CreatedEpoch:   s.CreatedAtEpoch,
	}
}
