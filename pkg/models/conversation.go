// Package models contains domain models for lore.
package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Conversation is an ingested transcript from one provider. Identity is a
// generated UUID; the dedup key across re-syncs is (Provider, ExternalID).
type Conversation struct {
	ID           string           `db:"id" json:"id"`
	Provider     string           `db:"provider" json:"provider"`
	ExternalID   string           `db:"external_id" json:"external_id"`
	SourceType   string           `db:"source_type" json:"source_type"`
	CreatedAt    string           `db:"created_at" json:"created_at"`
	Title        sql.NullString   `db:"title" json:"title,omitempty"`
	Summary      sql.NullString   `db:"summary" json:"summary,omitempty"`
	Preview      sql.NullString   `db:"preview" json:"preview,omitempty"`
	ProjectPath  sql.NullString   `db:"project_path" json:"project_path,omitempty"`
	RawPayload   sql.NullString   `db:"raw_payload" json:"-"`
	Embedding    sql.NullString   `db:"embedding" json:"-"`
	DeletedAt    sql.NullInt64    `db:"deleted_at_epoch" json:"deleted_at_epoch,omitempty"`
	StartedAt    int64            `db:"started_at_epoch" json:"started_at_epoch"`
	UpdatedAt    int64            `db:"updated_at_epoch" json:"updated_at_epoch"`
	CreatedEpoch int64            `db:"created_at_epoch" json:"created_at_epoch"`
	MessageCount int              `db:"message_count" json:"message_count"`
}

// Deleted reports whether the conversation carries a soft-delete tombstone.
func (c *Conversation) Deleted() bool {
	return c.DeletedAt.Valid
}

// Message is a single turn owned by exactly one Conversation. Within a
// conversation the dedup key is ExternalID when the provider supplies one.
type Message struct {
	ID               string         `db:"id" json:"id"`
	ConversationID   string         `db:"conversation_id" json:"conversation_id"`
	Role             string         `db:"role" json:"role"`
	Content          string         `db:"content" json:"content"`
	CreatedAt        string         `db:"created_at" json:"created_at"`
	ExternalID       sql.NullString `db:"external_id" json:"external_id,omitempty"`
	ParentExternalID sql.NullString `db:"parent_external_id" json:"parent_external_id,omitempty"`
	CreatedEpoch     int64          `db:"created_at_epoch" json:"created_at_epoch"`
}

// ConversationSync is one incoming (conversation, messages) unit produced by
// a provider parser. Fields are plain values; the merge-upsert decides what
// actually changes in the store.
type ConversationSync struct {
	Provider    string
	ExternalID  string
	SourceType  string
	Title       string
	Summary     string
	Preview     string
	ProjectPath string
	RawPayload  string
	Embedding   []float32
	StartedAt   time.Time
	UpdatedAt   time.Time
	Messages    []MessageSync
}

// MessageSync is one incoming message within a ConversationSync.
type MessageSync struct {
	ExternalID       string
	ParentExternalID string
	Role             string
	Content          string
	CreatedAt        time.Time
}

// EncodeEmbedding serializes the incoming embedding for storage, or returns
// an invalid NullString when the sync carries none so an existing stored
// embedding is left untouched.
func (s *ConversationSync) EncodeEmbedding() sql.NullString {
	if len(s.Embedding) == 0 {
		return sql.NullString{}
	}
	data, err := json.Marshal(s.Embedding)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

// NewConversationID returns a fresh conversation identifier.
func NewConversationID() string { return uuid.NewString() }

// NewMessageID returns a fresh message identifier.
func NewMessageID() string { return uuid.NewString() }

// NewConversation builds a Conversation row from an incoming sync.
func NewConversation(s *ConversationSync) *Conversation {
	now := time.Now()
	c := &Conversation{
		ID:           NewConversationID(),
		Provider:     s.Provider,
		ExternalID:   s.ExternalID,
		SourceType:   s.SourceType,
		Title:        nullString(s.Title),
		Summary:      nullString(s.Summary),
		Preview:      nullString(s.Preview),
		ProjectPath:  nullString(s.ProjectPath),
		RawPayload:   nullString(s.RawPayload),
		Embedding:    s.EncodeEmbedding(),
		StartedAt:    s.StartedAt.UnixMilli(),
		UpdatedAt:    s.UpdatedAt.UnixMilli(),
		CreatedAt:    now.Format(time.RFC3339),
		CreatedEpoch: now.UnixMilli(),
		MessageCount: len(s.Messages),
	}
	if s.StartedAt.IsZero() {
		c.StartedAt = now.UnixMilli()
	}
	if s.UpdatedAt.IsZero() {
		c.UpdatedAt = c.StartedAt
	}
	return c
}

// NewMessage builds a Message row owned by conversationID from an incoming
// message.
func NewMessage(conversationID string, m *MessageSync) *Message {
	at := m.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return &Message{
		ID:               NewMessageID(),
		ConversationID:   conversationID,
		Role:             m.Role,
		Content:          m.Content,
		ExternalID:       nullString(m.ExternalID),
		ParentExternalID: nullString(m.ParentExternalID),
		CreatedAt:        at.Format(time.RFC3339),
		CreatedEpoch:     at.UnixMilli(),
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
