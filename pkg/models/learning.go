package models

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// LearningType classifies what kind of reusable knowledge a learning carries.
type LearningType string

const (
	LearningPreference  LearningType = "preference"
	LearningCorrection  LearningType = "correction"
	LearningInstruction LearningType = "instruction"
	LearningVocabulary  LearningType = "vocabulary"
)

// Valid reports whether t is a known learning type.
func (t LearningType) Valid() bool {
	switch t {
	case LearningPreference, LearningCorrection, LearningInstruction, LearningVocabulary:
		return true
	}
	return false
}

// ReviewStatus is the human-review state shared by learnings and suggestions.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// LearningScope controls where a learning applies.
type LearningScope string

const (
	// ScopeProject limits the learning to the project it was observed in.
	ScopeProject LearningScope = "project"
	// ScopeGlobal applies the learning everywhere. Scope only ever widens
	// from project to global, never narrows.
	ScopeGlobal LearningScope = "global"
)

// Learning is a reusable user preference or correction extracted from a
// conversation. Logical dedup key: (NormalizedRule, Type). Monotonic under
// merge: EvidenceCount only increases, Confidence never decreases,
// LastDetectedAt only advances.
type Learning struct {
	Type            LearningType   `db:"type" json:"type"`
	Status          ReviewStatus   `db:"status" json:"status"`
	Scope           LearningScope  `db:"scope" json:"scope"`
	Source          string         `db:"source" json:"source"`
	Pattern         string         `db:"pattern" json:"pattern"`
	ExtractedRule   string         `db:"extracted_rule" json:"extracted_rule"`
	NormalizedRule  string         `db:"normalized_rule" json:"normalized_rule"`
	ConversationID  string         `db:"conversation_id" json:"conversation_id"`
	CreatedAt       string         `db:"created_at" json:"created_at"`
	Evidence        sql.NullString `db:"evidence" json:"evidence,omitempty"`
	Context         sql.NullString `db:"context" json:"context,omitempty"`
	DetectorVersion sql.NullString `db:"detector_version" json:"detector_version,omitempty"`
	MessageID       sql.NullString `db:"message_id" json:"message_id,omitempty"`
	SourceQueueID   sql.NullInt64  `db:"source_queue_id" json:"source_queue_id,omitempty"`
	ID              int64          `db:"id" json:"id"`
	CreatedEpoch    int64          `db:"created_at_epoch" json:"created_at_epoch"`
	LastDetectedAt  int64          `db:"last_detected_at_epoch" json:"last_detected_at_epoch"`
	Confidence      float64        `db:"confidence" json:"confidence"`
	EvidenceCount   int            `db:"evidence_count" json:"evidence_count"`
}

// LearningJSON is the API shape of a learning.
type LearningJSON struct {
	Type            LearningType  `json:"type"`
	Status          ReviewStatus  `json:"status"`
	Scope           LearningScope `json:"scope"`
	Source          string        `json:"source"`
	Pattern         string        `json:"pattern"`
	ExtractedRule   string        `json:"extracted_rule"`
	NormalizedRule  string        `json:"normalized_rule"`
	ConversationID  string        `json:"conversation_id"`
	CreatedAt       string        `json:"created_at"`
	Evidence        string        `json:"evidence,omitempty"`
	Context         string        `json:"context,omitempty"`
	DetectorVersion string        `json:"detector_version,omitempty"`
	MessageID       string        `json:"message_id,omitempty"`
	SourceQueueID   int64         `json:"source_queue_id,omitempty"`
	ID              int64         `json:"id"`
	CreatedEpoch    int64         `json:"created_at_epoch"`
	LastDetectedAt  int64         `json:"last_detected_at_epoch"`
	Confidence      float64       `json:"confidence"`
	EvidenceCount   int           `json:"evidence_count"`
}

// MarshalJSON implements json.Marshaler for Learning.
// Converts nullable columns to plain values, omitted when null.
func (l *Learning) MarshalJSON() ([]byte, error) {
	j := LearningJSON{
		Type:           l.Type,
		Status:         l.Status,
		Scope:          l.Scope,
		Source:         l.Source,
		Pattern:        l.Pattern,
		ExtractedRule:  l.ExtractedRule,
		NormalizedRule: l.NormalizedRule,
		ConversationID: l.ConversationID,
		CreatedAt:      l.CreatedAt,
		ID:             l.ID,
		CreatedEpoch:   l.CreatedEpoch,
		LastDetectedAt: l.LastDetectedAt,
		Confidence:     l.Confidence,
		EvidenceCount:  l.EvidenceCount,
	}
	if l.Evidence.Valid {
		j.Evidence = l.Evidence.String
	}
	if l.Context.Valid {
		j.Context = l.Context.String
	}
	if l.DetectorVersion.Valid {
		j.DetectorVersion = l.DetectorVersion.String
	}
	if l.MessageID.Valid {
		j.MessageID = l.MessageID.String
	}
	if l.SourceQueueID.Valid {
		j.SourceQueueID = l.SourceQueueID.Int64
	}
	return json.Marshal(j)
}

// Detection is one candidate learning produced by an extraction worker,
// before dedup and scoping.
type Detection struct {
	Type            LearningType
	Rule            string
	Pattern         string
	Evidence        string
	Context         string
	Source          string
	DetectorVersion string
	ConversationID  string
	MessageID       string
	DetectedAt      time.Time
	SourceQueueID   int64
	Confidence      float64
	TaskSpecific    bool
}

// NormalizeRule produces the dedup key for a rule: trimmed, casefolded,
// inner whitespace collapsed. Deterministic by construction.
func NormalizeRule(rule string) string {
	return strings.Join(strings.Fields(strings.ToLower(rule)), " ")
}

// NewLearning builds a pending Learning from a detection.
func NewLearning(d *Detection) *Learning {
	now := time.Now()
	at := d.DetectedAt
	if at.IsZero() {
		at = now
	}
	return &Learning{
		Type:            d.Type,
		Status:          ReviewPending,
		Scope:           ScopeProject,
		Source:          d.Source,
		Pattern:         d.Pattern,
		ExtractedRule:   d.Rule,
		NormalizedRule:  NormalizeRule(d.Rule),
		ConversationID:  d.ConversationID,
		Evidence:        nullString(d.Evidence),
		Context:         nullString(d.Context),
		DetectorVersion: nullString(d.DetectorVersion),
		MessageID:       nullString(d.MessageID),
		SourceQueueID:   nullInt64(d.SourceQueueID),
		CreatedAt:       now.Format(time.RFC3339),
		CreatedEpoch:    now.UnixMilli(),
		LastDetectedAt:  at.UnixMilli(),
		Confidence:      d.Confidence,
		EvidenceCount:   1,
	}
}
