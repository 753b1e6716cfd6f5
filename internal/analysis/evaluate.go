package analysis

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore/internal/rules"
	"github.com/lorehq/lore/internal/taxonomy"
	"github.com/lorehq/lore/pkg/models"
)

// Evidence quotes outside this window are rejected: shorter is too weak to
// verify, longer means the model pasted a whole message.
const (
	minEvidenceLen = 8
	maxEvidenceLen = 260
)

// EvaluateWorkflow turns one backend workflow verdict into an upsertable
// signature. Returns nil when the taxonomy rejects the verdict, the
// exclusion heuristics flag it as a one-off, or the conversation is gone.
// The error is a ValidationError when raw is not the expected JSON shape.
func EvaluateWorkflow(item *models.QueueItem, raw []byte, conv *models.Conversation) (*models.WorkflowSignature, error) {
	var res workflowResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &models.ValidationError{Field: "result_json", Reason: err.Error()}
	}

	canon, err := taxonomy.Sanitize(res.Action, res.Artifact, res.Domains, res.Confidence)
	if err != nil {
		log.Debug().Int64("id", item.ID).Err(err).Msg("Workflow verdict rejected by taxonomy")
		return nil, nil
	}
	if conv == nil {
		log.Debug().Int64("id", item.ID).Str("conversation", item.ConversationID).Msg("Conversation gone, dropping workflow verdict")
		return nil, nil
	}

	snippet := conv.Preview.String
	if snippet == "" {
		snippet = conv.Title.String
	}
	if taxonomy.ShouldExclude(canon.Action, canon.Artifact, snippet, res.Reasoning) {
		log.Debug().Int64("id", item.ID).Str("action", canon.Action).Msg("Workflow verdict excluded as one-off")
		return nil, nil
	}
	refined := taxonomy.RefineArtifact(canon.Action, canon.Artifact, canon.Domains, res.Reasoning)

	cand := &models.SignatureCandidate{
		Action:         canon.Action,
		Artifact:       refined,
		Snippet:        snippet,
		Reasoning:      res.Reasoning,
		Source:         Source,
		ConversationID: item.ConversationID,
		Domains:        canon.Domains,
		Confidence:     res.Confidence,
	}
	return models.NewWorkflowSignature(cand, taxonomy.Signature(canon.Action, refined, canon.Domains), taxonomy.IsPriming(canon.Action)), nil
}

// EvaluateLearnings vets one backend learning result against the cited
// messages and returns the detections that survive plus the count of rows
// dropped. The error is a ValidationError when raw is not the expected
// JSON shape.
func EvaluateLearnings(item *models.QueueItem, raw []byte, msgs []*models.Message) ([]*models.Detection, int, error) {
	var res learningResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, 0, &models.ValidationError{Field: "result_json", Reason: err.Error()}
	}
	if len(res.Learnings) == 0 {
		return nil, 0, nil
	}

	byID := make(map[string]*models.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	var out []*models.Detection
	dropped := 0
	for i := range res.Learnings {
		d, ok := vetLearning(item, &res.Learnings[i], byID)
		if !ok {
			dropped++
			continue
		}
		out = append(out, d)
	}
	return out, dropped, nil
}

// vetLearning turns one untrusted result row into a Detection, or rejects
// it. Rejections are silent drops, never batch failures.
func vetLearning(item *models.QueueItem, l *learningItem, byID map[string]*models.Message) (*models.Detection, bool) {
	if !models.LearningType(l.Type).Valid() {
		return nil, false
	}
	rule := strings.TrimSpace(l.Rule)
	if rules.Screen(rule) != nil {
		return nil, false
	}
	if l.Confidence <= 0 || l.Confidence > 1 {
		return nil, false
	}

	msg := byID[l.MessageID]
	if msg == nil {
		return nil, false
	}
	evidence := strings.TrimSpace(l.Evidence)
	if len(evidence) < minEvidenceLen || len(evidence) > maxEvidenceLen {
		return nil, false
	}
	if !strings.Contains(strings.ToLower(msg.Content), strings.ToLower(evidence)) {
		return nil, false
	}

	return &models.Detection{
		Type:            models.LearningType(l.Type),
		Rule:            rule,
		Pattern:         strings.TrimSpace(l.Pattern),
		Evidence:        evidence,
		Context:         strings.TrimSpace(l.Context),
		Source:          Source,
		DetectorVersion: item.Model.String,
		ConversationID:  item.ConversationID,
		MessageID:       msg.ID,
		DetectedAt:      time.UnixMilli(msg.CreatedEpoch),
		SourceQueueID:   item.ID,
		Confidence:      l.Confidence,
		TaskSpecific:    rules.TaskSpecific(rule),
	}, true
}
