package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/lorehq/lore/pkg/models"
)

// SyncOptions carries per-provider merge behavior, resolved from the
// provider table by the ingest layer.
type SyncOptions struct {
	// StripBlankSystem removes system messages with blank content after the
	// merge, inside the same transaction.
	StripBlankSystem bool
}

// SyncResult reports what one merge-upsert did.
type SyncResult struct {
	ConversationID string
	Created        bool
	Changed        bool
}

// ConversationStore provides conversation and message operations.
type ConversationStore struct {
	db *gorm.DB
}

// NewConversationStore creates a new conversation store.
func NewConversationStore(store *Store) *ConversationStore {
	return &ConversationStore{db: store.DB()}
}

// WithTx returns a copy of the store bound to tx for composition inside a
// caller-owned transaction.
func (s *ConversationStore) WithTx(tx *gorm.DB) *ConversationStore {
	return &ConversationStore{db: tx}
}

// Sync merges one incoming conversation into the store. New conversations
// are inserted whole; existing ones (matched on provider + external id) are
// merged message by message so stored rows keep their identity. Stored
// messages are never deleted by a merge, only by provider cleanup rules.
// Changed reports whether any row was actually written, which is what
// decides downstream re-analysis.
func (s *ConversationStore) Sync(ctx context.Context, sync *models.ConversationSync, opts SyncOptions) (*SyncResult, error) {
	if sync.Provider == "" || sync.ExternalID == "" {
		return nil, &models.ValidationError{Field: "external_id", Reason: "provider and external id are required"}
	}

	incoming := sync.Messages
	if opts.StripBlankSystem {
		incoming = retainNonBlankSystem(incoming)
	}

	result := &SyncResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Conversation
		err := tx.Where("provider = ? AND external_id = ?", sync.Provider, sync.ExternalID).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.insertFresh(tx, sync, incoming, opts, result)
		}
		if err != nil {
			return err
		}
		return s.mergeExisting(tx, &existing, sync, incoming, opts, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *ConversationStore) insertFresh(tx *gorm.DB, sync *models.ConversationSync, incoming []models.MessageSync, opts SyncOptions, result *SyncResult) error {
	conv := conversationRowFromSync(sync)
	conv.MessageCount = len(incoming)
	if err := tx.Create(conv).Error; err != nil {
		return err
	}
	for i := range incoming {
		if err := tx.Create(messageRowFromSync(conv.ID, &incoming[i])).Error; err != nil {
			return err
		}
	}
	result.ConversationID = conv.ID
	result.Created = true
	result.Changed = true
	return nil
}

func (s *ConversationStore) mergeExisting(tx *gorm.DB, existing *Conversation, sync *models.ConversationSync, incoming []models.MessageSync, opts SyncOptions, result *SyncResult) error {
	result.ConversationID = existing.ID

	changed, err := s.mergeMessages(tx, existing.ID, incoming)
	if err != nil {
		return err
	}

	updates := conversationFieldDiff(existing, sync, len(incoming))
	if len(updates) > 0 {
		if err := tx.Model(&Conversation{}).Where("id = ?", existing.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		changed = true
	}

	if opts.StripBlankSystem {
		res := tx.Where("conversation_id = ? AND role = 'system' AND trim(content) = ''", existing.ID).
			Delete(&Message{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			changed = true
		}
	}

	result.Changed = changed
	return nil
}

// mergeMessages reconciles the incoming batch against stored rows. Messages
// carrying an external id match on it; messages without one match the first
// unconsumed stored row with identical role and content, so re-syncing an
// unchanged conversation is a no-op even for providers without message ids.
func (s *ConversationStore) mergeMessages(tx *gorm.DB, conversationID string, incoming []models.MessageSync) (bool, error) {
	var stored []Message
	if err := tx.Where("conversation_id = ?", conversationID).
		Order("created_at_epoch ASC, id ASC").
		Find(&stored).Error; err != nil {
		return false, err
	}

	byExternal := make(map[string]*Message, len(stored))
	byContent := make(map[string][]*Message)
	for i := range stored {
		m := &stored[i]
		if m.ExternalID.Valid {
			byExternal[m.ExternalID.String] = m
			continue
		}
		key := m.Role + "\x00" + m.Content
		byContent[key] = append(byContent[key], m)
	}

	changed := false
	for i := range incoming {
		in := &incoming[i]

		if in.ExternalID != "" {
			match, ok := byExternal[in.ExternalID]
			if !ok {
				if err := tx.Create(messageRowFromSync(conversationID, in)).Error; err != nil {
					return changed, err
				}
				changed = true
				continue
			}
			updates := messageFieldDiff(match, in)
			if len(updates) > 0 {
				if err := tx.Model(&Message{}).Where("id = ?", match.ID).
					Updates(updates).Error; err != nil {
					return changed, err
				}
				changed = true
			}
			continue
		}

		key := in.Role + "\x00" + in.Content
		if queue := byContent[key]; len(queue) > 0 {
			byContent[key] = queue[1:]
			continue
		}
		if err := tx.Create(messageRowFromSync(conversationID, in)).Error; err != nil {
			return changed, err
		}
		changed = true
	}

	return changed, nil
}

// conversationFieldDiff builds the update map for fields that actually
// changed. An empty incoming field never clobbers a stored value.
func conversationFieldDiff(existing *Conversation, sync *models.ConversationSync, messageCount int) map[string]interface{} {
	updates := map[string]interface{}{}

	diffString := func(column, incoming string, stored sql.NullString) {
		if incoming != "" && incoming != stored.String {
			updates[column] = incoming
		}
	}
	diffString("title", sync.Title, existing.Title)
	diffString("summary", sync.Summary, existing.Summary)
	diffString("preview", sync.Preview, existing.Preview)
	diffString("project_path", sync.ProjectPath, existing.ProjectPath)
	diffString("raw_payload", sync.RawPayload, existing.RawPayload)

	if emb := sync.EncodeEmbedding(); emb.Valid && emb.String != existing.Embedding.String {
		updates["embedding"] = emb.String
	}
	if !sync.StartedAt.IsZero() && sync.StartedAt.UnixMilli() != existing.StartedAtEpoch {
		updates["started_at_epoch"] = sync.StartedAt.UnixMilli()
	}
	if !sync.UpdatedAt.IsZero() && sync.UpdatedAt.UnixMilli() != existing.UpdatedAtEpoch {
		updates["updated_at_epoch"] = sync.UpdatedAt.UnixMilli()
	}
	if messageCount != existing.MessageCount {
		updates["message_count"] = messageCount
	}
	// Re-observing a tombstoned conversation means it exists upstream again.
	if existing.DeletedAtEpoch.Valid {
		updates["deleted_at_epoch"] = nil
	}
	return updates
}

func messageFieldDiff(existing *Message, in *models.MessageSync) map[string]interface{} {
	updates := map[string]interface{}{}
	if in.Role != "" && in.Role != existing.Role {
		updates["role"] = in.Role
	}
	if in.Content != existing.Content {
		updates["content"] = in.Content
	}
	if in.ParentExternalID != "" && in.ParentExternalID != existing.ParentExternalID.String {
		updates["parent_external_id"] = in.ParentExternalID
	}
	return updates
}

func retainNonBlankSystem(in []models.MessageSync) []models.MessageSync {
	out := make([]models.MessageSync, 0, len(in))
	for _, m := range in {
		if m.Role == "system" && strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// GetByID returns one conversation, or nil when absent.
func (s *ConversationStore) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	var row Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelConversation(&row), nil
}

// GetByIDs returns conversations for the given ids, keyed by id. Missing
// ids are simply absent from the map.
func (s *ConversationStore) GetByIDs(ctx context.Context, ids []string) (map[string]*models.Conversation, error) {
	if len(ids) == 0 {
		return map[string]*models.Conversation{}, nil
	}
	var rows []Conversation
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*models.Conversation, len(rows))
	for i := range rows {
		out[rows[i].ID] = toModelConversation(&rows[i])
	}
	return out, nil
}

// GetByExternalID resolves a provider-native id to the stored conversation,
// or nil when it has never been ingested.
func (s *ConversationStore) GetByExternalID(ctx context.Context, provider, externalID string) (*models.Conversation, error) {
	var row Conversation
	err := s.db.WithContext(ctx).
		Where("provider = ? AND external_id = ?", provider, externalID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelConversation(&row), nil
}

// ListMessages returns all messages of a conversation in chronological
// order.
func (s *ConversationStore) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	var rows []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at_epoch ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelMessages(rows), nil
}

// ListRecent returns live conversations ordered by most recent activity.
func (s *ConversationStore) ListRecent(ctx context.Context, limit, offset int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []Conversation
	err := s.db.WithContext(ctx).
		Where("deleted_at_epoch IS NULL").
		Order("updated_at_epoch DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelConversations(rows), nil
}

// ListIDs returns the ids of every live conversation, oldest activity
// first. The bulk scan walks these, in the same order the missing-only
// resume uses, so both modes cover the backlog front to back.
func (s *ConversationStore) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Conversation{}).
		Where("deleted_at_epoch IS NULL").
		Order("updated_at_epoch ASC, id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Search does a substring match over title, summary and preview. Semantic
// lookups go through the vector index instead.
func (s *ConversationStore) Search(ctx context.Context, query string, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + strings.ReplaceAll(query, "%", "\\%") + "%"
	var rows []Conversation
	err := s.db.WithContext(ctx).
		Where("deleted_at_epoch IS NULL").
		Where("title LIKE ? OR summary LIKE ? OR preview LIKE ?", like, like, like).
		Order("updated_at_epoch DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelConversations(rows), nil
}

// MarkDeleted sets the soft-delete tombstone. The row and its messages are
// retained; analysis skips tombstoned conversations.
func (s *ConversationStore) MarkDeleted(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ? AND deleted_at_epoch IS NULL", id).
		Update("deleted_at_epoch", time.Now().UnixMilli()).Error
}

// MarkEmbedded stamps the embedding marker after the vector index
// accepted the conversation. The merge preserves the marker across later
// syncs that carry none.
func (s *ConversationStore) MarkEmbedded(ctx context.Context, id, marker string) error {
	return s.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", id).
		Update("embedding", marker).Error
}

// MarkDeletedMissing tombstones every conversation of a provider whose
// external id is not in seen. Used by scan reconciliation after a full
// provider sweep. Returns the number of newly tombstoned rows.
func (s *ConversationStore) MarkDeletedMissing(ctx context.Context, provider string, seen []string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&Conversation{}).
		Where("provider = ? AND deleted_at_epoch IS NULL", provider)
	if len(seen) > 0 {
		q = q.Where("external_id NOT IN ?", seen)
	}
	res := q.Update("deleted_at_epoch", time.Now().UnixMilli())
	return res.RowsAffected, res.Error
}

// CountByProvider returns live conversation counts per provider.
func (s *ConversationStore) CountByProvider(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Provider string
		N        int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Raw(`SELECT provider, COUNT(*) AS n
			FROM conversations
			WHERE deleted_at_epoch IS NULL
			GROUP BY provider`).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Provider] = r.N
	}
	return out, nil
}

// conversationRowFromSync builds a fresh row from an incoming sync.
func conversationRowFromSync(sync *models.ConversationSync) *Conversation {
	c := models.NewConversation(sync)
	return &Conversation{
		ID:             c.ID,
		Provider:       c.Provider,
		ExternalID:     c.ExternalID,
		SourceType:     c.SourceType,
		Title:          c.Title,
		Summary:        c.Summary,
		Preview:        c.Preview,
		ProjectPath:    c.ProjectPath,
		RawPayload:     c.RawPayload,
		Embedding:      c.Embedding,
		CreatedAt:      c.CreatedAt,
		CreatedAtEpoch: c.CreatedEpoch,
		StartedAtEpoch: c.StartedAt,
		UpdatedAtEpoch: c.UpdatedAt,
	}
}

func messageRowFromSync(conversationID string, in *models.MessageSync) *Message {
	m := models.NewMessage(conversationID, in)
	return &Message{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		Role:             m.Role,
		Content:          m.Content,
		ExternalID:       m.ExternalID,
		ParentExternalID: m.ParentExternalID,
		CreatedAt:        m.CreatedAt,
		CreatedAtEpoch:   m.CreatedEpoch,
	}
}

// toModelConversation converts a GORM Conversation to a pkg/models
// Conversation.
func toModelConversation(c *Conversation) *models.Conversation {
	return &models.Conversation{
		ID:           c.ID,
		Provider:     c.Provider,
		ExternalID:   c.ExternalID,
		SourceType:   c.SourceType,
		Title:        c.Title,
		Summary:      c.Summary,
		Preview:      c.Preview,
		ProjectPath:  c.ProjectPath,
		RawPayload:   c.RawPayload,
		Embedding:    c.Embedding,
		DeletedAt:    c.DeletedAtEpoch,
		CreatedAt:    c.CreatedAt,
		CreatedEpoch: c.CreatedAtEpoch,
		StartedAt:    c.StartedAtEpoch,
		UpdatedAt:    c.UpdatedAtEpoch,
		MessageCount: c.MessageCount,
	}
}

func toModelConversations(rows []Conversation) []*models.Conversation {
	out := make([]*models.Conversation, len(rows))
	for i := range rows {
		out[i] = toModelConversation(&rows[i])
	}
	return out
}

func toModelMessage(m *Message) *models.Message {
	return &models.Message{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		Role:             m.Role,
		Content:          m.Content,
		ExternalID:       m.ExternalID,
		ParentExternalID: m.ParentExternalID,
		CreatedAt:        m.CreatedAt,
		CreatedEpoch:     m.CreatedAtEpoch,
	}
}

func toModelMessages(rows []Message) []*models.Message {
	out := make([]*models.Message, len(rows))
	for i := range rows {
		out[i] = toModelMessage(&rows[i])
	}
	return out
}
