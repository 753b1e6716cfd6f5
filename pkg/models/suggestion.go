package models

import "time"

// SuggestionKind says what a staged proposal would change if approved.
type SuggestionKind string

const (
	SuggestionTitle         SuggestionKind = "title"
	SuggestionSummary       SuggestionKind = "summary"
	SuggestionLearningMerge SuggestionKind = "learning_merge"
)

// Suggestion is a human-reviewable proposal tied to a queue item. It is
// never applied to primary tables automatically.
type Suggestion struct {
	Kind           SuggestionKind `db:"kind" json:"kind"`
	Status         ReviewStatus   `db:"status" json:"status"`
	ConversationID string         `db:"conversation_id" json:"conversation_id"`
	PayloadJSON    string         `db:"payload_json" json:"payload_json"`
	CreatedAt      string         `db:"created_at" json:"created_at"`
	QueueItemID    int64          `db:"queue_item_id" json:"queue_item_id"`
	ID             int64          `db:"id" json:"id"`
	CreatedEpoch   int64          `db:"created_at_epoch" json:"created_at_epoch"`
}

// NewSuggestion stages a proposal produced while applying a queue item's
// result.
func NewSuggestion(queueItemID int64, conversationID string, kind SuggestionKind, payloadJSON string) *Suggestion {
	now := time.Now()
	return &Suggestion{
		Kind:           kind,
		Status:         ReviewPending,
		ConversationID: conversationID,
		PayloadJSON:    payloadJSON,
		QueueItemID:    queueItemID,
		CreatedAt:      now.Format(time.RFC3339),
		CreatedEpoch:   now.UnixMilli(),
	}
}
