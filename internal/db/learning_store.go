package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/lorehq/lore/pkg/models"
)

// LearningStore provides learning operations using GORM.
type LearningStore struct {
	db *gorm.DB
}

// NewLearningStore creates a new learning store.
func NewLearningStore(store *Store) *LearningStore {
	return &LearningStore{db: store.DB()}
}

// WithTx returns a copy of the store bound to tx for composition inside a
// caller-owned transaction.
func (s *LearningStore) WithTx(tx *gorm.DB) *LearningStore {
	return &LearningStore{db: tx}
}

// RecordDetection folds one detection into the learnings table. Dedup key
// is (normalized rule, type); merges are monotonic: confidence never
// decreases, evidence count only grows, last-detected only advances, and
// scope only widens from project to global. A detection with exactly the
// stored timestamp is a replay and changes nothing; an older but distinct
// detection still counts as evidence, it just cannot move the
// latest-detection pointers backward.
//
// Returns the resulting learning and whether anything was written.
func (s *LearningStore) RecordDetection(ctx context.Context, d *models.Detection) (*models.Learning, bool, error) {
	if d.Rule == "" {
		return nil, false, &models.ValidationError{Field: "rule", Reason: "must not be empty"}
	}
	if !d.Type.Valid() {
		return nil, false, &models.ValidationError{Field: "type", Reason: "unknown learning type"}
	}

	normalized := models.NormalizeRule(d.Rule)
	detectedAt := d.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}
	ts := detectedAt.UnixMilli()

	var out *models.Learning
	var mutated bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Learning
		err := tx.Where("normalized_rule = ? AND type = ?", normalized, string(d.Type)).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			scope, serr := s.resolveScope(tx, normalized, string(d.Type), d)
			if serr != nil {
				return serr
			}
			row := learningRowFromDetection(d, normalized, ts)
			row.Scope = string(scope)
			if cerr := tx.Create(row).Error; cerr != nil {
				return cerr
			}
			out = toModelLearning(row)
			mutated = true
			return nil
		}
		if err != nil {
			return err
		}

		if existing.LastDetectedAtEpoch == ts {
			out = toModelLearning(&existing)
			return nil
		}

		updates := map[string]interface{}{
			"evidence_count": gorm.Expr("evidence_count + 1"),
		}
		if d.Confidence > existing.Confidence {
			updates["confidence"] = d.Confidence
		}
		if ts > existing.LastDetectedAtEpoch {
			updates["last_detected_at_epoch"] = ts
			updates["conversation_id"] = d.ConversationID
			if d.Evidence != "" {
				updates["evidence"] = d.Evidence
			}
			if d.Context != "" {
				updates["context"] = d.Context
			}
			if d.MessageID != "" {
				updates["message_id"] = d.MessageID
			}
			if d.SourceQueueID != 0 {
				updates["source_queue_id"] = d.SourceQueueID
			}
			if d.DetectorVersion != "" {
				updates["detector_version"] = d.DetectorVersion
			}
		}
		if existing.Scope != string(models.ScopeGlobal) {
			scope, serr := s.resolveScope(tx, normalized, string(d.Type), d)
			if serr != nil {
				return serr
			}
			if scope == models.ScopeGlobal {
				updates["scope"] = string(models.ScopeGlobal)
			}
		}

		if err := tx.Model(&Learning{}).Where("id = ?", existing.ID).
			Updates(updates).Error; err != nil {
			return err
		}

		var fresh Learning
		if err := tx.Where("id = ?", existing.ID).First(&fresh).Error; err != nil {
			return err
		}
		out = toModelLearning(&fresh)
		mutated = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, mutated, nil
}

// resolveScope decides project vs global for a detection. Task-specific
// rules stay project-scoped unconditionally. Otherwise the rule goes
// global once it has been observed across two distinct project paths or
// two distinct providers, counting the stored occurrence and the incoming
// one.
func (s *LearningStore) resolveScope(tx *gorm.DB, normalized, learningType string, d *models.Detection) (models.LearningScope, error) {
	if d.TaskSpecific {
		return models.ScopeProject, nil
	}

	type origin struct {
		ProjectPath string
		Provider    string
	}
	var origins []origin
	err := tx.Raw(`SELECT COALESCE(c.project_path, '') AS project_path, c.provider
		FROM learnings l
		JOIN conversations c ON c.id = l.conversation_id
		WHERE l.normalized_rule = ? AND l.type = ?`, normalized, learningType).
		Scan(&origins).Error
	if err != nil {
		return models.ScopeProject, err
	}

	var incoming origin
	if d.ConversationID != "" {
		err := tx.Raw(`SELECT COALESCE(project_path, '') AS project_path, provider
			FROM conversations WHERE id = ?`, d.ConversationID).
			Scan(&incoming).Error
		if err != nil {
			return models.ScopeProject, err
		}
	}
	origins = append(origins, incoming)

	projects := map[string]struct{}{}
	providers := map[string]struct{}{}
	for _, o := range origins {
		if o.ProjectPath != "" {
			projects[o.ProjectPath] = struct{}{}
		}
		if o.Provider != "" {
			providers[o.Provider] = struct{}{}
		}
	}
	if len(projects) >= 2 || len(providers) >= 2 {
		return models.ScopeGlobal, nil
	}
	return models.ScopeProject, nil
}

// GetByID returns one learning, or nil when absent.
func (s *LearningStore) GetByID(ctx context.Context, id int64) (*models.Learning, error) {
	var row Learning
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelLearning(&row), nil
}

// GetByRule returns the learning for a normalized rule and type, or nil.
func (s *LearningStore) GetByRule(ctx context.Context, normalizedRule string, learningType models.LearningType) (*models.Learning, error) {
	var row Learning
	err := s.db.WithContext(ctx).
		Where("normalized_rule = ? AND type = ?", normalizedRule, string(learningType)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelLearning(&row), nil
}

// ListByStatus returns learnings in one review status, most recently
// detected first.
func (s *LearningStore) ListByStatus(ctx context.Context, status models.ReviewStatus, limit int) ([]*models.Learning, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []Learning
	err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("last_detected_at_epoch DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelLearnings(rows), nil
}

// ListApprovedForProject returns approved learnings that apply to the
// given project: global ones plus project-scoped ones observed there.
func (s *LearningStore) ListApprovedForProject(ctx context.Context, projectPath string, limit int) ([]*models.Learning, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []Learning
	err := s.db.WithContext(ctx).
		Raw(`SELECT l.* FROM learnings l
			LEFT JOIN conversations c ON c.id = l.conversation_id
			WHERE l.status = 'approved'
			  AND (l.scope = 'global' OR c.project_path = ?)
			ORDER BY l.last_detected_at_epoch DESC
			LIMIT ?`, projectPath, limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelLearnings(rows), nil
}

// SetStatus moves a learning through review. Rejected rows are kept so the
// dedup key keeps suppressing re-detections of the same rule.
func (s *LearningStore) SetStatus(ctx context.Context, id int64, status models.ReviewStatus) error {
	res := s.db.WithContext(ctx).Model(&Learning{}).
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

// Approve marks a learning approved.
func (s *LearningStore) Approve(ctx context.Context, id int64) error {
	return s.SetStatus(ctx, id, models.ReviewApproved)
}

// Reject marks a learning rejected.
func (s *LearningStore) Reject(ctx context.Context, id int64) error {
	return s.SetStatus(ctx, id, models.ReviewRejected)
}

// CountByStatus returns learning counts per review status.
func (s *LearningStore) CountByStatus(ctx context.Context) (map[models.ReviewStatus]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Raw("SELECT status, COUNT(*) AS n FROM learnings GROUP BY status").
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

// ClearDanglingMessageRefs nullifies message references whose target row no
// longer exists, e.g. after provider cleanup removed it. The learning
// itself is kept. Returns the number of cleared references.
func (s *LearningStore) ClearDanglingMessageRefs(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE learnings SET message_id = NULL
		 WHERE message_id IS NOT NULL
		   AND message_id NOT IN (SELECT id FROM messages)`)
	return res.RowsAffected, res.Error
}

func learningRowFromDetection(d *models.Detection, normalized string, ts int64) *Learning {
	l := models.NewLearning(d)
	return &Learning{
		Type:                string(l.Type),
		Status:              string(l.Status),
		Scope:               string(l.Scope),
		Source:              l.Source,
		Pattern:             l.Pattern,
		ExtractedRule:       l.ExtractedRule,
		NormalizedRule:      normalized,
		ConversationID:      l.ConversationID,
		Evidence:            l.Evidence,
		Context:             l.Context,
		DetectorVersion:     l.DetectorVersion,
		MessageID:           l.MessageID,
		SourceQueueID:       l.SourceQueueID,
		CreatedAt:           l.CreatedAt,
		CreatedAtEpoch:      l.CreatedEpoch,
		LastDetectedAtEpoch: ts,
		Confidence:          l.Confidence,
		EvidenceCount:       1,
	}
}

// toModelLearning converts a GORM Learning to a pkg/models Learning.
func toModelLearning(l *Learning) *models.Learning {
	return &models.Learning{
		ID:              l.ID,
		Type:            models.LearningType(l.Type),
		Status:          models.ReviewStatus(l.Status),
		Scope:           models.LearningScope(l.Scope),
		Source:          l.Source,
		Pattern:         l.Pattern,
		ExtractedRule:   l.ExtractedRule,
		NormalizedRule:  l.NormalizedRule,
		ConversationID:  l.ConversationID,
		Evidence:        l.Evidence,
		Context:         l.Context,
		DetectorVersion: l.DetectorVersion,
		MessageID:       l.MessageID,
		SourceQueueID:   l.SourceQueueID,
		CreatedAt:       l.CreatedAt,
		CreatedEpoch:    l.CreatedAtEpoch,
		LastDetectedAt:  l.LastDetectedAtEpoch,
		Confidence:      l.Confidence,
		EvidenceCount:   l.EvidenceCount,
	}
}

func toModelLearnings(rows []Learning) []*models.Learning {
	out := make([]*models.Learning, len(rows))
	for i := range rows {
		out[i] = toModelLearning(&rows[i])
	}
	return out
}
