package analysis

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorehq/lore/internal/config"
	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/pkg/models"
)

func testAnalysisConfig() config.AnalysisConfig {
	return config.AnalysisConfig{
		Backend:           "claude",
		Model:             "haiku",
		PayloadMode:       PayloadTruncated,
		ReaperSchedule:    "*/5 * * * *",
		RetentionSchedule: "0 3 * * *",
		BatchSize:         10,
		MaxPayloadBytes:   1 << 20,
		MaxAttempts:       3,
		StaleClaimAfter:   time.Minute,
		RetainFor:         time.Hour,
		ClaimInterval:     50 * time.Millisecond,
	}
}

func TestWorker_RunOnceProcessesMixedClaim(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	queue := db.NewQueueStore(store)

	learnConv, _ := seedConversation(t, store, "worker-learn",
		"You should always run the linter before pushing.")
	wfConv, _ := seedConversation(t, store, "worker-wf",
		"Write the budget report for the finance team.")
	_, err := queue.Enqueue(ctx, models.NewQueueItem(learnConv, models.AnalysisLearning, 0))
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, models.NewQueueItem(wfConv, models.AnalysisWorkflow, 0))
	require.NoError(t, err)

	backend := &fakeBackend{run: func(req *Request) (*Response, error) {
		rows := make([]string, 0, len(req.Items))
		for _, it := range req.Items {
			switch req.AnalysisType {
			case models.AnalysisLearning:
				msg := req.Transcripts[it.ConversationID].Messages[0]
				rows = append(rows, fmt.Sprintf(
					`{"queue_id": %d, "learnings": [{"type": "preference", "rule": "always run the linter before pushing", "pattern": "always", "evidence": "always run the linter before pushing", "message_id": %q, "confidence": 0.9}]}`,
					it.ID, msg.ID))
			case models.AnalysisWorkflow:
				rows = append(rows, fmt.Sprintf(
					`{"queue_id": %d, "action": "write", "artifact": "report", "domains": ["finance"], "confidence": 0.9, "reasoning": "budget report request"}`,
					it.ID))
			}
		}
		return &Response{Output: []byte("[" + strings.Join(rows, ",") + "]")}, nil
	}}

	w := NewWorker(testAnalysisConfig(), store, backend)
	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	learning, err := db.NewLearningStore(store).GetByRule(ctx,
		models.NormalizeRule("always run the linter before pushing"), models.LearningPreference)
	require.NoError(t, err)
	require.NotNil(t, learning)

	sig, err := db.NewSignatureStore(store).GetByConversation(ctx, wfConv)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, "write|report|finance", sig.Signature)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ByStatus[models.QueueCompleted])
}

func TestWorker_ReleasesDeclinedItems(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	queue := db.NewQueueStore(store)

	convA, _ := seedConversation(t, store, "worker-rel-a", "Always reply with bullet points in summaries.")
	convB, _ := seedConversation(t, store, "worker-rel-b", "Always cite sources when quoting numbers.")
	_, err := queue.Enqueue(ctx, models.NewQueueItem(convA, models.AnalysisLearning, 0))
	require.NoError(t, err)
	idB, err := queue.Enqueue(ctx, models.NewQueueItem(convB, models.AnalysisLearning, 0))
	require.NoError(t, err)

	backend := &fakeBackend{run: func(req *Request) (*Response, error) {
		// Answer only the first item; decline the rest.
		it := req.Items[0]
		msg := req.Transcripts[it.ConversationID].Messages[0]
		row := fmt.Sprintf(
			`[{"queue_id": %d, "learnings": [{"type": "preference", "rule": "always reply with bullet points in summaries", "pattern": "always", "evidence": "reply with bullet points in summaries", "message_id": %q, "confidence": 0.8}]}]`,
			it.ID, msg.ID)
		resp := &Response{Output: []byte(row)}
		for _, declined := range req.Items[1:] {
			resp.Dropped = append(resp.Dropped, declined.ID)
		}
		return resp, nil
	}}

	w := NewWorker(testAnalysisConfig(), store, backend)
	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	// The declined item is pending again with its attempt preserved, so it
	// retries without waiting out the staleness window.
	got, err := queue.GetByID(ctx, idB)
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.False(t, got.ClaimedBy.Valid)
}

func TestWorker_PoisonsUnparseableOutput(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	queue := db.NewQueueStore(store)

	convID, _ := seedConversation(t, store, "worker-poison", "Always use metric units.")
	id, err := queue.Enqueue(ctx, models.NewQueueItem(convID, models.AnalysisLearning, 0))
	require.NoError(t, err)

	backend := &fakeBackend{run: func(req *Request) (*Response, error) {
		return &Response{Output: []byte("Sorry, I cannot help with that.")}, nil
	}}

	w := NewWorker(testAnalysisConfig(), store, backend)
	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	got, err := queue.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.QueueFailed, got.Status)
	assert.True(t, got.ResultsAppliedAt.Valid, "garbage output must not loop through retries")
	assert.Equal(t, "Sorry, I cannot help with that.", got.ResultJSON.String)
}

func TestWorker_FailsOrphanedItems(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	queue := db.NewQueueStore(store)

	// The queue carries no foreign key; ingestion races can leave items
	// pointing at conversations that never landed.
	id, err := queue.Enqueue(ctx, models.NewQueueItem("ghost-conversation", models.AnalysisLearning, 0))
	require.NoError(t, err)

	backend := &fakeBackend{run: func(req *Request) (*Response, error) {
		return &Response{Output: []byte(`[]`)}, nil
	}}

	w := NewWorker(testAnalysisConfig(), store, backend)
	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Empty(t, backend.callSizes(), "nothing to submit without a conversation")

	got, err := queue.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.QueueFailed, got.Status)
	assert.Contains(t, got.ErrorMessage.String, "conversation missing")
}

func TestWorker_DedupeBatchCarriesCorpus(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	queue := db.NewQueueStore(store)
	learnings := db.NewLearningStore(store)

	convID, msgs := seedConversation(t, store, "worker-dedupe",
		"Always use tabs for indentation in this codebase.")
	first, _, err := learnings.RecordDetection(ctx, &models.Detection{
		Type:           models.LearningPreference,
		Rule:           "always use tabs for indentation",
		Source:         "deterministic",
		ConversationID: convID,
		MessageID:      msgs[0].ID,
		DetectedAt:     time.UnixMilli(msgs[0].CreatedEpoch),
		Confidence:     0.85,
	})
	require.NoError(t, err)
	second, _, err := learnings.RecordDetection(ctx, &models.Detection{
		Type:           models.LearningPreference,
		Rule:           "use tab indentation everywhere",
		Source:         "deterministic",
		ConversationID: convID,
		MessageID:      msgs[0].ID,
		DetectedAt:     time.UnixMilli(msgs[0].CreatedEpoch),
		Confidence:     0.7,
	})
	require.NoError(t, err)

	id, err := queue.Enqueue(ctx, models.NewQueueItem(convID, models.AnalysisDedupe, 0))
	require.NoError(t, err)

	var sawCorpus int
	backend := &fakeBackend{run: func(req *Request) (*Response, error) {
		sawCorpus = len(req.KnownLearnings)
		return &Response{Output: []byte(fmt.Sprintf(
			`[{"queue_id": %d, "groups": [{"keep_id": %d, "merge_ids": [%d], "rule": "always use tabs for indentation"}]}]`,
			req.Items[0].ID, first.ID, second.ID))}, nil
	}}

	w := NewWorker(testAnalysisConfig(), store, backend)
	processed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 2, sawCorpus)

	staged, err := db.NewSuggestionStore(store).ListByStatus(ctx, models.ReviewPending, 10)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, models.SuggestionLearningMerge, staged[0].Kind)

	got, err := queue.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCompleted, got.Status)
	assert.True(t, got.ResultsAppliedAt.Valid)
}

func TestWorker_StartStop(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	backend := &fakeBackend{run: func(req *Request) (*Response, error) {
		return &Response{Output: []byte(`[]`)}, nil
	}}

	w := NewWorker(testAnalysisConfig(), store, backend)
	w.Start()
	time.Sleep(120 * time.Millisecond)
	w.Stop()
}
