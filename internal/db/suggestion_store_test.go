package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorehq/lore/pkg/models"
)

func TestSuggestionStore_StageAndReview(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	suggestions := NewSuggestionStore(store)

	convID := seedConversation(t, store, "claude-code", "sug-1", "/p")
	queueID := seedQueueItem(t, store, convID, models.AnalysisSummary, 0)

	id, err := suggestions.Stage(ctx, models.NewSuggestion(queueID, convID, models.SuggestionTitle, `{"title":"debugging the webhook retries"}`))
	require.NoError(t, err)
	require.NotZero(t, id)

	pending, err := suggestions.ListByStatus(ctx, models.ReviewPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.SuggestionTitle, pending[0].Kind)
	assert.Equal(t, queueID, pending[0].QueueItemID)

	require.NoError(t, suggestions.SetStatus(ctx, id, models.ReviewApproved))

	counts, err := suggestions.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.ReviewApproved])

	got, err := suggestions.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewApproved, got.Status)
}

func TestSuggestionStore_StageValidation(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	suggestions := NewSuggestionStore(store)

	_, err := suggestions.Stage(ctx, models.NewSuggestion(1, "", models.SuggestionTitle, `{}`))
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = suggestions.Stage(ctx, models.NewSuggestion(1, "conv", models.SuggestionSummary, ""))
	require.ErrorAs(t, err, &verr)
}
