package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// AnalysisType identifies which extraction a queue item requests.
type AnalysisType string

const (
	AnalysisWorkflow AnalysisType = "workflow"
	AnalysisLearning AnalysisType = "learning"
	AnalysisSummary  AnalysisType = "summary"
	AnalysisDedupe   AnalysisType = "dedupe"
)

// AllAnalysisTypes lists every analysis type in queue-priority order.
var AllAnalysisTypes = []AnalysisType{
	AnalysisWorkflow,
	AnalysisLearning,
	AnalysisSummary,
	AnalysisDedupe,
}

// Valid reports whether t is a known analysis type.
func (t AnalysisType) Valid() bool {
	switch t {
	case AnalysisWorkflow, AnalysisLearning, AnalysisSummary, AnalysisDedupe:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueClaimed   QueueStatus = "claimed"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
)

// Active reports whether the status blocks enqueueing another item for the
// same conversation and analysis type.
func (s QueueStatus) Active() bool {
	return s == QueuePending || s == QueueClaimed
}

// DefaultMaxAttempts bounds how many times an item may be claimed before it
// is stuck pending operator action.
const DefaultMaxAttempts = 3

// QueueItem is one unit of analysis work. State machine:
// pending -> claimed -> {completed | failed}. ResultsAppliedAt separates
// "backend returned a result" from "effects durably merged into the learning
// and signature tables"; it is set exactly once and never reset.
type QueueItem struct {
	AnalysisType     AnalysisType   `db:"analysis_type" json:"analysis_type"`
	Status           QueueStatus    `db:"status" json:"status"`
	ConversationID   string         `db:"conversation_id" json:"conversation_id"`
	CreatedAt        string         `db:"created_at" json:"created_at"`
	ClaimedBy        sql.NullString `db:"claimed_by" json:"claimed_by,omitempty"`
	ErrorMessage     sql.NullString `db:"error_message" json:"error_message,omitempty"`
	ResultJSON       sql.NullString `db:"result_json" json:"-"`
	Backend          sql.NullString `db:"backend" json:"backend,omitempty"`
	Model            sql.NullString `db:"model" json:"model,omitempty"`
	ClaimedAt        sql.NullInt64  `db:"claimed_at_epoch" json:"claimed_at_epoch,omitempty"`
	CompletedAt      sql.NullInt64  `db:"completed_at_epoch" json:"completed_at_epoch,omitempty"`
	ResultsAppliedAt sql.NullInt64  `db:"results_applied_at_epoch" json:"results_applied_at_epoch,omitempty"`
	ID               int64          `db:"id" json:"id"`
	CreatedEpoch     int64          `db:"created_at_epoch" json:"created_at_epoch"`
	Priority         int            `db:"priority" json:"priority"`
	AttemptCount     int            `db:"attempt_count" json:"attempt_count"`
	MaxAttempts      int            `db:"max_attempts" json:"max_attempts"`
}

// NewQueueItem builds a pending queue item for one conversation and analysis
// type. Priority 0 is normal; higher runs first.
func NewQueueItem(conversationID string, analysisType AnalysisType, priority int) *QueueItem {
	now := time.Now()
	return &QueueItem{
		ConversationID: conversationID,
		AnalysisType:   analysisType,
		Status:         QueuePending,
		Priority:       priority,
		MaxAttempts:    DefaultMaxAttempts,
		CreatedAt:      now.Format(time.RFC3339),
		CreatedEpoch:   now.UnixMilli(),
	}
}

// Exhausted reports whether the item has consumed every allowed attempt.
func (q *QueueItem) Exhausted() bool {
	return q.AttemptCount >= q.MaxAttempts
}

// QueueItemJSON is the API shape of a queue item.
type QueueItemJSON struct {
	AnalysisType     AnalysisType `json:"analysis_type"`
	Status           QueueStatus  `json:"status"`
	ConversationID   string       `json:"conversation_id"`
	CreatedAt        string       `json:"created_at"`
	ClaimedBy        string       `json:"claimed_by,omitempty"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	Backend          string       `json:"backend,omitempty"`
	Model            string       `json:"model,omitempty"`
	ClaimedAt        int64        `json:"claimed_at_epoch,omitempty"`
	CompletedAt      int64        `json:"completed_at_epoch,omitempty"`
	ResultsAppliedAt int64        `json:"results_applied_at_epoch,omitempty"`
	ID               int64        `json:"id"`
	CreatedEpoch     int64        `json:"created_at_epoch"`
	Priority         int          `json:"priority"`
	AttemptCount     int          `json:"attempt_count"`
	MaxAttempts      int          `json:"max_attempts"`
}

// MarshalJSON implements json.Marshaler for QueueItem.
// Converts nullable columns to plain values, omitted when null.
func (q *QueueItem) MarshalJSON() ([]byte, error) {
	j := QueueItemJSON{
		AnalysisType:   q.AnalysisType,
		Status:         q.Status,
		ConversationID: q.ConversationID,
		CreatedAt:      q.CreatedAt,
		ID:             q.ID,
		CreatedEpoch:   q.CreatedEpoch,
		Priority:       q.Priority,
		AttemptCount:   q.AttemptCount,
		MaxAttempts:    q.MaxAttempts,
	}
	if q.ClaimedBy.Valid {
		j.ClaimedBy = q.ClaimedBy.String
	}
	if q.ErrorMessage.Valid {
		j.ErrorMessage = q.ErrorMessage.String
	}
	if q.Backend.Valid {
		j.Backend = q.Backend.String
	}
	if q.Model.Valid {
		j.Model = q.Model.String
	}
	if q.ClaimedAt.Valid {
		j.ClaimedAt = q.ClaimedAt.Int64
	}
	if q.CompletedAt.Valid {
		j.CompletedAt = q.CompletedAt.Int64
	}
	if q.ResultsAppliedAt.Valid {
		j.ResultsAppliedAt = q.ResultsAppliedAt.Int64
	}
	return json.Marshal(j)
}

// QueueStats summarizes queue state for the API and CLI.
type QueueStats struct {
	ByStatus  map[QueueStatus]int64  `json:"by_status"`
	ByType    map[AnalysisType]int64 `json:"by_type"`
	Exhausted int64                  `json:"exhausted"`
	Oldest    sql.NullInt64          `json:"oldest_pending_epoch,omitempty"`
}

// MarshalJSON implements json.Marshaler for QueueStats.
// Converts the nullable oldest-pending epoch to a plain value.
func (s *QueueStats) MarshalJSON() ([]byte, error) {
	j := struct {
		ByStatus  map[QueueStatus]int64  `json:"by_status"`
		ByType    map[AnalysisType]int64 `json:"by_type"`
		Exhausted int64                  `json:"exhausted"`
		Oldest    int64                  `json:"oldest_pending_epoch,omitempty"`
	}{
		ByStatus:  s.ByStatus,
		ByType:    s.ByType,
		Exhausted: s.Exhausted,
	}
	if s.Oldest.Valid {
		j.Oldest = s.Oldest.Int64
	}
	return json.Marshal(j)
}
