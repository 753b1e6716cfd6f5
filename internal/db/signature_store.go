package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/lorehq/lore/pkg/models"
)

// weakArtifactActions are actions whose recurrence alone is weak evidence
// of a reusable workflow. They never cluster without a concrete artifact,
// and need repetition across projects to qualify as automation candidates.
var weakArtifactActions = map[string]struct{}{
	"fix":   {},
	"debug": {},
}

// SignatureStore provides workflow-signature operations using GORM.
type SignatureStore struct {
	db      *gorm.DB
	cluster singleflight.Group
}

// NewSignatureStore creates a new signature store.
func NewSignatureStore(store *Store) *SignatureStore {
	return &SignatureStore{db: store.DB()}
}

// WithTx returns a copy of the store bound to tx for composition inside a
// caller-owned transaction.
func (s *SignatureStore) WithTx(tx *gorm.DB) *SignatureStore {
	return &SignatureStore{db: tx}
}

// Upsert writes the signature for one conversation. A conversation has at
// most one row; re-extraction updates it in place, preserving the row id
// and creation time. Returns the row id and whether it was created.
func (s *SignatureStore) Upsert(ctx context.Context, sig *models.WorkflowSignature) (int64, bool, error) {
	if sig.ConversationID == "" {
		return 0, false, &models.ValidationError{Field: "conversation_id", Reason: "must not be empty"}
	}
	if sig.Signature == "" {
		return 0, false, &models.ValidationError{Field: "signature", Reason: "must not be empty"}
	}

	var id int64
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing WorkflowSignature
		err := tx.Where("conversation_id = ?", sig.ConversationID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := signatureRowFromModel(sig)
			if cerr := tx.Create(row).Error; cerr != nil {
				return cerr
			}
			id = row.ID
			created = true
			return nil
		}
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"signature":        sig.Signature,
			"action":           sig.Action,
			"artifact":         sig.Artifact,
			"domains":          sig.Domains,
			"source":           sig.Source,
			"confidence":       sig.Confidence,
			"is_priming":       sig.IsPriming,
			"updated_at_epoch": time.Now().UnixMilli(),
		}
		if sig.Snippet.Valid {
			updates["snippet"] = sig.Snippet.String
		}
		if sig.Reasoning.Valid {
			updates["reasoning"] = sig.Reasoning.String
		}
		if err := tx.Model(&WorkflowSignature{}).Where("id = ?", existing.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		id = existing.ID
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	sig.ID = id
	return id, created, nil
}

// GetByConversation returns the signature of one conversation, or nil.
func (s *SignatureStore) GetByConversation(ctx context.Context, conversationID string) (*models.WorkflowSignature, error) {
	var row WorkflowSignature
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelSignature(&row), nil
}

// ListBySource returns signatures produced by one extractor source, most
// recently updated first. The audit path samples LLM rows through this.
func (s *SignatureStore) ListBySource(ctx context.Context, source string, limit int) ([]*models.WorkflowSignature, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []WorkflowSignature
	err := s.db.WithContext(ctx).
		Where("source = ?", source).
		Order("updated_at_epoch DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelSignatures(rows), nil
}

// CountBySource returns signature counts per extractor source.
func (s *SignatureStore) CountBySource(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Source string
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Raw("SELECT source, COUNT(*) AS n FROM workflow_signatures GROUP BY source").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Source] = r.N
	}
	return out, nil
}

// ConversationIDsMissingSignature returns live conversations with no
// signature row yet, oldest activity first. Drives the missing-only scan
// mode so an interrupted scan resumes without redoing finished work.
func (s *SignatureStore) ConversationIDsMissingSignature(ctx context.Context, limit int) ([]string, error) {
	q := `SELECT c.id FROM conversations c
		LEFT JOIN workflow_signatures ws ON ws.conversation_id = c.id
		WHERE ws.id IS NULL AND c.deleted_at_epoch IS NULL
		ORDER BY c.updated_at_epoch ASC`
	var ids []string
	var err error
	if limit > 0 {
		err = s.db.WithContext(ctx).Raw(q+" LIMIT ?", limit).Scan(&ids).Error
	} else {
		err = s.db.WithContext(ctx).Raw(q).Scan(&ids).Error
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ClusterOptions narrows the cluster aggregation.
type ClusterOptions struct {
	ExcludedActions   []string
	ExcludedArtifacts []string
	Limit             int
	MinimumCount      int
	SampleSize        int
}

func (o *ClusterOptions) defaults() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.MinimumCount <= 0 {
		o.MinimumCount = 3
	}
	if o.SampleSize <= 0 {
		o.SampleSize = 3
	}
}

// TopClusters returns automation candidates: signature groups meeting the
// minimum recurrence, excluding priming rows and anything the caller
// filtered out. Weak-signal actions (fix, debug) additionally need
// recurrence across at least two distinct projects, and never qualify with
// an empty artifact. Concurrent identical calls share one query.
func (s *SignatureStore) TopClusters(ctx context.Context, opts ClusterOptions) ([]*models.SignatureCluster, error) {
	opts.defaults()
	key := fmt.Sprintf("top|%d|%d|%s|%s", opts.Limit, opts.MinimumCount,
		strings.Join(opts.ExcludedActions, ","), strings.Join(opts.ExcludedArtifacts, ","))
	v, err, _ := s.cluster.Do(key, func() (interface{}, error) {
		return s.topClusters(ctx, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*models.SignatureCluster), nil
}

func (s *SignatureStore) topClusters(ctx context.Context, opts ClusterOptions) ([]*models.SignatureCluster, error) {
	q := s.db.WithContext(ctx).
		Table("workflow_signatures AS ws").
		Select(`ws.signature,
			MIN(ws.action) AS action,
			MIN(ws.artifact) AS artifact,
			COUNT(*) AS count,
			COUNT(DISTINCT CASE WHEN c.project_path IS NOT NULL AND c.project_path != '' THEN c.project_path END) AS distinct_projects,
			MAX(ws.updated_at_epoch) AS last_seen_epoch`).
		Joins("JOIN conversations c ON c.id = ws.conversation_id").
		Where("ws.is_priming = ?", false).
		Where("c.deleted_at_epoch IS NULL")
	if len(opts.ExcludedActions) > 0 {
		q = q.Where("ws.action NOT IN ?", opts.ExcludedActions)
	}
	if len(opts.ExcludedArtifacts) > 0 {
		q = q.Where("ws.artifact NOT IN ?", opts.ExcludedArtifacts)
	}

	var rows []clusterRow
	// Over-fetch: the weak-action rules below can drop groups after the
	// SQL limit already applied.
	err := q.Group("ws.signature").
		Having("COUNT(*) >= ?", opts.MinimumCount).
		Order("count DESC, last_seen_epoch DESC").
		Limit(opts.Limit*3 + 10).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	clusters := make([]*models.SignatureCluster, 0, opts.Limit)
	for i := range rows {
		r := &rows[i]
		if _, weak := weakArtifactActions[r.Action]; weak {
			if r.Artifact == "" || r.Artifact == "none" {
				continue
			}
			if r.DistinctProjects < 2 {
				continue
			}
		}
		c := r.toCluster()
		if err := s.attachSamples(ctx, c, opts.SampleSize); err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
		if len(clusters) == opts.Limit {
			break
		}
	}
	return clusters, nil
}

// ClustersByAction returns every cluster for one action regardless of
// recurrence thresholds. Informational surface; passing "prime" here is
// how context-priming groups reach the user without ever entering the
// automation candidates.
func (s *SignatureStore) ClustersByAction(ctx context.Context, action string, limit int) ([]*models.SignatureCluster, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []clusterRow
	err := s.db.WithContext(ctx).
		Table("workflow_signatures AS ws").
		Select(`ws.signature,
			MIN(ws.action) AS action,
			MIN(ws.artifact) AS artifact,
			COUNT(*) AS count,
			COUNT(DISTINCT CASE WHEN c.project_path IS NOT NULL AND c.project_path != '' THEN c.project_path END) AS distinct_projects,
			MAX(ws.updated_at_epoch) AS last_seen_epoch`).
		Joins("JOIN conversations c ON c.id = ws.conversation_id").
		Where("ws.action = ?", action).
		Where("c.deleted_at_epoch IS NULL").
		Group("ws.signature").
		Order("count DESC, last_seen_epoch DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	clusters := make([]*models.SignatureCluster, 0, len(rows))
	for i := range rows {
		c := rows[i].toCluster()
		if err := s.attachSamples(ctx, c, 3); err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, nil
}

type clusterRow struct {
	Signature        string
	Action           string
	Artifact         string
	Count            int
	DistinctProjects int
	LastSeenEpoch    int64
}

func (r *clusterRow) toCluster() *models.SignatureCluster {
	return &models.SignatureCluster{
		Signature:        r.Signature,
		Action:           r.Action,
		Artifact:         r.Artifact,
		Count:            r.Count,
		DistinctProjects: r.DistinctProjects,
		LastSeenEpoch:    r.LastSeenEpoch,
	}
}

// attachSamples loads the most recently updated rows sharing the cluster's
// signature and fills in the cluster's domains from the newest one.
func (s *SignatureStore) attachSamples(ctx context.Context, c *models.SignatureCluster, n int) error {
	var rows []WorkflowSignature
	err := s.db.WithContext(ctx).
		Where("signature = ?", c.Signature).
		Order("updated_at_epoch DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	c.Domains = rows[0].Domains
	ids := make([]string, len(rows))
	for i := range rows {
		ids[i] = rows[i].ConversationID
	}
	projects := map[string]string{}
	type projRow struct {
		ID          string
		ProjectPath string
	}
	var projRows []projRow
	err = s.db.WithContext(ctx).
		Raw(`SELECT id, COALESCE(project_path, '') AS project_path
			FROM conversations WHERE id IN ?`, ids).
		Scan(&projRows).Error
	if err != nil {
		return err
	}
	for _, p := range projRows {
		projects[p.ID] = p.ProjectPath
	}

	c.Samples = make([]models.SignatureSample, len(rows))
	for i := range rows {
		c.Samples[i] = models.SignatureSample{
			ConversationID: rows[i].ConversationID,
			Snippet:        rows[i].Snippet.String,
			ProjectPath:    projects[rows[i].ConversationID],
			UpdatedEpoch:   rows[i].UpdatedAtEpoch,
		}
	}
	return nil
}

func signatureRowFromModel(sig *models.WorkflowSignature) *WorkflowSignature {
	return &WorkflowSignature{
		ConversationID: sig.ConversationID,
		Signature:      sig.Signature,
		Action:         sig.Action,
		Artifact:       sig.Artifact,
		Domains:        sig.Domains,
		Source:         sig.Source,
		Snippet:        sig.Snippet,
		Reasoning:      sig.Reasoning,
		CreatedAt:      sig.CreatedAt,
		CreatedAtEpoch: sig.CreatedEpoch,
		UpdatedAtEpoch: sig.UpdatedEpoch,
		Confidence:     sig.Confidence,
		IsPriming:      sig.IsPriming,
	}
}

// toModelSignature converts a GORM WorkflowSignature to a pkg/models one.
func toModelSignature(w *WorkflowSignature) *models.WorkflowSignature {
	return &models.WorkflowSignature{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		Signature:      w.Signature,
		Action:         w.Action,
		Artifact:       w.Artifact,
		Domains:        w.Domains,
		Source:         w.Source,
		Snippet:        w.Snippet,
		Reasoning:      w.Reasoning,
		CreatedAt:      w.CreatedAt,
		CreatedEpoch:   w.CreatedAtEpoch,
		UpdatedEpoch:   w.UpdatedAtEpoch,
		Confidence:     w.Confidence,
		IsPriming:      w.IsPriming,
	}
}

func toModelSignatures(rows []WorkflowSignature) []*models.WorkflowSignature {
	out := make([]*models.WorkflowSignature, len(rows))
	for i := range rows {
		out[i] = toModelSignature(&rows[i])
	}
	return out
}
