package db

import (
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/lorehq/lore/pkg/models"
)

// GORM Models
//
// JSON types (JSONStringArray) are imported from pkg/models and already
// implement sql.Scanner and driver.Valuer.

// Conversation is a stored conversation row. One row per (provider,
// external_id); re-ingesting merges into the existing row.
// Field order optimized for memory alignment (fieldalignment).
type Conversation struct {
	Title          sql.NullString `gorm:"type:text"`
	Summary        sql.NullString `gorm:"type:text"`
	Preview        sql.NullString `gorm:"type:text"`
	ProjectPath    sql.NullString `gorm:"index:idx_conversations_project"`
	RawPayload     sql.NullString `gorm:"type:text"`
	Embedding      sql.NullString `gorm:"type:text"`
	DeletedAtEpoch sql.NullInt64  `gorm:"index:idx_conversations_deleted"`
	ID             string         `gorm:"type:text;primaryKey"`
	Provider       string         `gorm:"uniqueIndex:idx_conversations_provider_external,priority:1;not null"`
	ExternalID     string         `gorm:"uniqueIndex:idx_conversations_provider_external,priority:2;not null"`
	SourceType     string         `gorm:"type:text;not null"`
	CreatedAt      string         `gorm:"not null"`
	StartedAtEpoch int64          `gorm:"index:idx_conversations_started,sort:desc;not null"`
	UpdatedAtEpoch int64          `gorm:"index:idx_conversations_updated,sort:desc;not null"`
	CreatedAtEpoch int64          `gorm:"not null"`
	MessageCount   int            `gorm:"default:0"`
}

func (Conversation) TableName() string { return "conversations" }

// BeforeCreate hook to ensure identity and timestamps are set.
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = models.NewConversationID()
	}
	if c.CreatedAtEpoch == 0 {
		c.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if c.CreatedAt == "" {
		c.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// Message is a stored message row. Rows are never deleted on re-sync except
// by provider cleanup rules; children keep their identity across merges.
type Message struct {
	ExternalID       sql.NullString `gorm:"index:idx_messages_external"`
	ParentExternalID sql.NullString
	ID               string `gorm:"type:text;primaryKey"`
	ConversationID   string `gorm:"index:idx_messages_conversation,priority:1;not null"`
	Role             string `gorm:"type:text;not null"`
	Content          string `gorm:"type:text;not null"`
	CreatedAt        string `gorm:"not null"`
	CreatedAtEpoch   int64  `gorm:"index:idx_messages_conversation,priority:2;not null"`
}

func (Message) TableName() string { return "messages" }

// BeforeCreate hook to ensure identity and timestamps are set.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = models.NewMessageID()
	}
	if m.CreatedAtEpoch == 0 {
		m.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if m.CreatedAt == "" {
		m.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// QueueItem is an analysis work item. At most one active (pending or
// claimed) row may exist per (conversation_id, analysis_type); a partial
// unique index enforces this alongside the application-level check.
type QueueItem struct {
	ClaimedBy             sql.NullString
	ErrorMessage          sql.NullString `gorm:"type:text"`
	ResultJSON            sql.NullString `gorm:"type:text"`
	Backend               sql.NullString
	Model                 sql.NullString
	ClaimedAtEpoch        sql.NullInt64 `gorm:"index:idx_queue_claimed_at"`
	CompletedAtEpoch      sql.NullInt64
	ResultsAppliedAtEpoch sql.NullInt64
	ConversationID        string `gorm:"index:idx_queue_conversation;not null"`
	AnalysisType          string `gorm:"type:text;check:analysis_type IN ('workflow', 'learning', 'summary', 'dedupe');not null"`
	Status                string `gorm:"type:text;check:status IN ('pending', 'claimed', 'completed', 'failed');default:'pending';index:idx_queue_status,priority:1"`
	CreatedAt             string `gorm:"not null"`
	ID                    int64  `gorm:"primaryKey;autoIncrement"`
	CreatedAtEpoch        int64  `gorm:"index:idx_queue_status,priority:3;not null"`
	Priority              int    `gorm:"default:0;index:idx_queue_status,priority:2,sort:desc"`
	AttemptCount          int    `gorm:"default:0"`
	MaxAttempts           int    `gorm:"default:3"`
}

func (QueueItem) TableName() string { return "analysis_queue" }

// BeforeCreate hook to ensure defaults are set.
func (q *QueueItem) BeforeCreate(tx *gorm.DB) error {
	if q.Status == "" {
		q.Status = string(models.QueuePending)
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = models.DefaultMaxAttempts
	}
	if q.CreatedAtEpoch == 0 {
		q.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if q.CreatedAt == "" {
		q.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// Learning is a deduplicated behavioral rule. One row per
// (normalized_rule, type); repeat detections merge into the existing row
// and merges are monotonic.
type Learning struct {
	Evidence            sql.NullString `gorm:"type:text"`
	Context             sql.NullString `gorm:"type:text"`
	DetectorVersion     sql.NullString
	MessageID           sql.NullString
	SourceQueueID       sql.NullInt64
	Type                string  `gorm:"type:text;check:type IN ('preference', 'correction', 'instruction', 'vocabulary');uniqueIndex:idx_learnings_rule_type,priority:2;not null"`
	Status              string  `gorm:"type:text;default:'pending';check:status IN ('pending', 'approved', 'rejected');index:idx_learnings_status"`
	Scope               string  `gorm:"type:text;default:'project';check:scope IN ('project', 'global')"`
	Source              string  `gorm:"type:text;not null"`
	Pattern             string  `gorm:"type:text"`
	ExtractedRule       string  `gorm:"type:text;not null"`
	NormalizedRule      string  `gorm:"uniqueIndex:idx_learnings_rule_type,priority:1;not null"`
	ConversationID      string  `gorm:"index:idx_learnings_conversation;not null"`
	CreatedAt           string  `gorm:"not null"`
	ID                  int64   `gorm:"primaryKey;autoIncrement"`
	CreatedAtEpoch      int64   `gorm:"not null"`
	LastDetectedAtEpoch int64   `gorm:"index:idx_learnings_last_detected,sort:desc;not null"`
	Confidence          float64 `gorm:"type:real;default:0"`
	EvidenceCount       int     `gorm:"default:1"`
}

func (Learning) TableName() string { return "learnings" }

// BeforeCreate hook to ensure defaults are set.
func (l *Learning) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if l.CreatedAtEpoch == 0 {
		l.CreatedAtEpoch = now.UnixMilli()
	}
	if l.CreatedAt == "" {
		l.CreatedAt = now.Format(time.RFC3339)
	}
	if l.LastDetectedAtEpoch == 0 {
		l.LastDetectedAtEpoch = l.CreatedAtEpoch
	}
	if l.EvidenceCount == 0 {
		l.EvidenceCount = 1
	}
	if l.Status == "" {
		l.Status = string(models.ReviewPending)
	}
	if l.Scope == "" {
		l.Scope = string(models.ScopeProject)
	}
	return nil
}

// WorkflowSignature is the extracted workflow identity of one conversation.
// One row per conversation; re-analysis updates in place.
type WorkflowSignature struct {
	Snippet        sql.NullString         `gorm:"type:text"`
	Reasoning      sql.NullString         `gorm:"type:text"`
	Domains        models.JSONStringArray `gorm:"type:text"`
	ConversationID string                 `gorm:"uniqueIndex:idx_signatures_conversation;not null"`
	Signature      string                 `gorm:"index:idx_signatures_signature;not null"`
	Action         string                 `gorm:"index:idx_signatures_action;not null"`
	Artifact       string                 `gorm:"not null"`
	Source         string                 `gorm:"type:text;check:source IN ('deterministic', 'llm');not null"`
	CreatedAt      string                 `gorm:"not null"`
	ID             int64                  `gorm:"primaryKey;autoIncrement"`
	CreatedAtEpoch int64                  `gorm:"not null"`
	UpdatedAtEpoch int64                  `gorm:"index:idx_signatures_updated,sort:desc;not null"`
	Confidence     float64                `gorm:"type:real;default:0"`
	IsPriming      bool                   `gorm:"default:false;index:idx_signatures_priming"`
}

func (WorkflowSignature) TableName() string { return "workflow_signatures" }

// BeforeCreate hook to ensure timestamps are set.
func (w *WorkflowSignature) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if w.CreatedAtEpoch == 0 {
		w.CreatedAtEpoch = now.UnixMilli()
	}
	if w.CreatedAt == "" {
		w.CreatedAt = now.Format(time.RFC3339)
	}
	if w.UpdatedAtEpoch == 0 {
		w.UpdatedAtEpoch = w.CreatedAtEpoch
	}
	return nil
}

// Suggestion is a human-review item staged while applying analysis results
// (titles, summaries, learning merges). Never auto-applied.
type Suggestion struct {
	Kind           string `gorm:"type:text;check:kind IN ('title', 'summary', 'learning_merge');not null"`
	Status         string `gorm:"type:text;default:'pending';check:status IN ('pending', 'approved', 'rejected');index:idx_suggestions_status"`
	ConversationID string `gorm:"index:idx_suggestions_conversation;not null"`
	PayloadJSON    string `gorm:"type:text;not null"`
	CreatedAt      string `gorm:"not null"`
	QueueItemID    int64  `gorm:"index:idx_suggestions_queue_item;not null"`
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	CreatedAtEpoch int64  `gorm:"index:idx_suggestions_created,sort:desc;not null"`
}

func (Suggestion) TableName() string { return "suggestions" }

// BeforeCreate hook to ensure defaults are set.
func (s *Suggestion) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedAtEpoch == 0 {
		s.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if s.CreatedAt == "" {
		s.CreatedAt = time.Now().Format(time.RFC3339)
	}
	if s.Status == "" {
		s.Status = string(models.ReviewPending)
	}
	return nil
}
