package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONStringArray is a custom type for handling JSON string arrays in SQLite.
type JSONStringArray []string

// Scan implements sql.Scanner for JSONStringArray.
func (j *JSONStringArray) Scan(src interface{}) error {
	if src == nil {
		*j = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("JSONStringArray: unsupported type %T", src)
	}

	if len(data) == 0 {
		*j = nil
		return nil
	}

	return json.Unmarshal(data, j)
}

// Value implements driver.Valuer for JSONStringArray.
func (j JSONStringArray) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// WorkflowSignature is the canonicalized (action, artifact, domains) triple
// summarizing what one conversation accomplished. One row per conversation;
// Signature is fully derived from the triple and never set independently.
type WorkflowSignature struct {
	Signature      string          `db:"signature" json:"signature"`
	Action         string          `db:"action" json:"action"`
	Artifact       string          `db:"artifact" json:"artifact"`
	Source         string          `db:"source" json:"source"`
	ConversationID string          `db:"conversation_id" json:"conversation_id"`
	CreatedAt      string          `db:"created_at" json:"created_at"`
	Domains        JSONStringArray `db:"domains" json:"domains,omitempty"`
	Snippet        sql.NullString  `db:"snippet" json:"snippet,omitempty"`
	Reasoning      sql.NullString  `db:"reasoning" json:"reasoning,omitempty"`
	ID             int64           `db:"id" json:"id"`
	CreatedEpoch   int64           `db:"created_at_epoch" json:"created_at_epoch"`
	UpdatedEpoch   int64           `db:"updated_at_epoch" json:"updated_at_epoch"`
	Confidence     float64         `db:"confidence" json:"confidence"`
	IsPriming      bool            `db:"is_priming" json:"is_priming"`
}

// WorkflowSignatureJSON is the API shape of a workflow signature.
type WorkflowSignatureJSON struct {
	Signature      string          `json:"signature"`
	Action         string          `json:"action"`
	Artifact       string          `json:"artifact"`
	Source         string          `json:"source"`
	ConversationID string          `json:"conversation_id"`
	CreatedAt      string          `json:"created_at"`
	Domains        JSONStringArray `json:"domains,omitempty"`
	Snippet        string          `json:"snippet,omitempty"`
	Reasoning      string          `json:"reasoning,omitempty"`
	ID             int64           `json:"id"`
	CreatedEpoch   int64           `json:"created_at_epoch"`
	UpdatedEpoch   int64           `json:"updated_at_epoch"`
	Confidence     float64         `json:"confidence"`
	IsPriming      bool            `json:"is_priming"`
}

// MarshalJSON implements json.Marshaler for WorkflowSignature.
// Converts nullable columns to plain values, omitted when null.
func (s *WorkflowSignature) MarshalJSON() ([]byte, error) {
	j := WorkflowSignatureJSON{
		Signature:      s.Signature,
		Action:         s.Action,
		Artifact:       s.Artifact,
		Source:         s.Source,
		ConversationID: s.ConversationID,
		CreatedAt:      s.CreatedAt,
		Domains:        s.Domains,
		ID:             s.ID,
		CreatedEpoch:   s.CreatedEpoch,
		UpdatedEpoch:   s.UpdatedEpoch,
		Confidence:     s.Confidence,
		IsPriming:      s.IsPriming,
	}
	if s.Snippet.Valid {
		j.Snippet = s.Snippet.String
	}
	if s.Reasoning.Valid {
		j.Reasoning = s.Reasoning.String
	}
	return json.Marshal(j)
}

// SignatureCandidate is raw extractor output before taxonomy gating.
type SignatureCandidate struct {
	Action         string
	Artifact       string
	Snippet        string
	Reasoning      string
	Source         string
	ConversationID string
	Domains        []string
	Confidence     float64
}

// NewWorkflowSignature builds a signature row for one conversation from a
// sanitized candidate. The signature string itself is assigned by the
// taxonomy layer.
func NewWorkflowSignature(c *SignatureCandidate, signature string, isPriming bool) *WorkflowSignature {
	now := time.Now()
	return &WorkflowSignature{
		Signature:      signature,
		Action:         c.Action,
		Artifact:       c.Artifact,
		Domains:        c.Domains,
		Snippet:        nullString(c.Snippet),
		Reasoning:      nullString(c.Reasoning),
		Source:         c.Source,
		ConversationID: c.ConversationID,
		CreatedAt:      now.Format(time.RFC3339),
		CreatedEpoch:   now.UnixMilli(),
		UpdatedEpoch:   now.UnixMilli(),
		Confidence:     c.Confidence,
		IsPriming:      isPriming,
	}
}

// SignatureCluster is one group of identical signatures with recurrence
// stats, produced by the clustering aggregation.
type SignatureCluster struct {
	Signature        string            `json:"signature"`
	Action           string            `json:"action"`
	Artifact         string            `json:"artifact"`
	Domains          []string          `json:"domains,omitempty"`
	Samples          []SignatureSample `json:"samples,omitempty"`
	Count            int               `json:"count"`
	DistinctProjects int               `json:"distinct_projects"`
	LastSeenEpoch    int64             `json:"last_seen_epoch"`
}

// SignatureSample is one recent snippet backing a cluster.
type SignatureSample struct {
	ConversationID string `json:"conversation_id"`
	Snippet        string `json:"snippet,omitempty"`
	ProjectPath    string `json:"project_path,omitempty"`
	UpdatedEpoch   int64  `json:"updated_epoch"`
}
