package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/lorehq/lore/internal/config"
	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/pkg/models"
)

func testStore(t *testing.T) (*db.Store, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "lore_scan_test_*")
	require.NoError(t, err)

	store, err := db.NewStore(db.Config{
		Path:     filepath.Join(tmpDir, "test.db"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		t.Fatalf("open store: %v", err)
	}

	cleanup := func() {
		_ = store.Close()
		_ = os.RemoveAll(tmpDir)
	}
	return store, cleanup
}

func testRunner(store *db.Store) *Runner {
	return NewRunner(config.ScanConfig{Workers: 2, CancelCadence: 5}, store)
}

func seedConversation(t *testing.T, store *db.Store, externalID string, contents ...string) string {
	t.Helper()
	cs := &models.ConversationSync{
		Provider:    "claude-code",
		ExternalID:  externalID,
		Title:       "scan " + externalID,
		ProjectPath: "/home/dev/proj",
	}
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i, content := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		cs.Messages = append(cs.Messages, models.MessageSync{
			ExternalID: fmt.Sprintf("%s-m%d", externalID, i+1),
			Role:       role,
			Content:    content,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
	}
	res, err := db.NewConversationStore(store).Sync(context.Background(), cs, db.SyncOptions{})
	require.NoError(t, err)
	return res.ConversationID
}

func TestRunner_FullRunExtracts(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	r := testRunner(store)

	idle := r.Progress()
	assert.False(t, idle.Running)
	assert.Zero(t, idle.Total)

	seedConversation(t, store, "lint",
		"You should always run the linter before pushing.", "Noted.")
	budgetID := seedConversation(t, store, "budget",
		"Write the budget report for the finance team.", "On it.")
	chatID := seedConversation(t, store, "chat",
		"Good morning, how are you doing today?", "Doing well.")

	res, err := r.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Processed)
	assert.Equal(t, int64(0), res.Failed)
	assert.Equal(t, int64(1), res.Learnings)
	assert.Equal(t, int64(1), res.Signatures)

	learning, err := db.NewLearningStore(store).GetByRule(ctx,
		models.NormalizeRule("always run the linter before pushing"), models.LearningPreference)
	require.NoError(t, err)
	require.NotNil(t, learning)
	assert.Equal(t, "deterministic", learning.Source)
	assert.Equal(t, 1, learning.EvidenceCount)

	sigs := db.NewSignatureStore(store)
	sig, err := sigs.GetByConversation(ctx, budgetID)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, "write|budget|finance", sig.Signature)
	assert.Equal(t, "deterministic", sig.Source)

	// Small talk carries no actionable verb, so no signature row appears.
	none, err := sigs.GetByConversation(ctx, chatID)
	require.NoError(t, err)
	assert.Nil(t, none)

	final := r.Progress()
	assert.False(t, final.Running)
	assert.Equal(t, int64(3), final.Total)
	assert.Equal(t, int64(3), final.Processed)
	assert.Zero(t, final.ETA)
}

func TestRunner_RescanIsIdempotent(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	r := testRunner(store)

	seedConversation(t, store, "lint",
		"You should always run the linter before pushing.", "Noted.")
	budgetID := seedConversation(t, store, "budget",
		"Write the budget report for the finance team.", "On it.")

	first, err := r.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Learnings)

	sigs := db.NewSignatureStore(store)
	before, err := sigs.GetByConversation(ctx, budgetID)
	require.NoError(t, err)
	require.NotNil(t, before)

	second, err := r.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Processed)
	// Detection timestamps come from the source messages, so the replayed
	// evidence merges as a no-op instead of inflating counts.
	assert.Equal(t, int64(0), second.Learnings)
	assert.Equal(t, int64(1), second.Signatures)

	learning, err := db.NewLearningStore(store).GetByRule(ctx,
		models.NormalizeRule("always run the linter before pushing"), models.LearningPreference)
	require.NoError(t, err)
	require.NotNil(t, learning)
	assert.Equal(t, 1, learning.EvidenceCount)

	// Re-extraction refreshes the signature row in place.
	after, err := sigs.GetByConversation(ctx, budgetID)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, before.ID, after.ID)
}

func TestRunner_MissingOnlyResumes(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	r := testRunner(store)

	seedConversation(t, store, "budget-a",
		"Write the budget report for the finance team.", "On it.")
	seedConversation(t, store, "deck-b",
		"Draft the onboarding deck for new hires.", "Sure.")

	_, err := r.Run(ctx, Options{})
	require.NoError(t, err)

	reportC := seedConversation(t, store, "report-c",
		"Summarize the sales report for the quarter.", "Here it is.")

	res, err := r.Run(ctx, Options{MissingOnly: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Processed)
	assert.Equal(t, int64(1), res.Signatures)

	sig, err := db.NewSignatureStore(store).GetByConversation(ctx, reportC)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, "summarize|report|sales", sig.Signature)

	// Conversations that yield no signature stay in the missing set; a
	// resume revisits them and nothing else.
	seedConversation(t, store, "chat-d",
		"Good morning, how are you doing today?", "Doing well.")
	res, err = r.Run(ctx, Options{MissingOnly: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Processed)
	assert.Equal(t, int64(0), res.Signatures)
}

func TestRunner_LimitCapsRun(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	r := testRunner(store)

	for i := 0; i < 3; i++ {
		seedConversation(t, store, fmt.Sprintf("conv-%d", i),
			"Write the budget report for the finance team.", "On it.")
	}

	res, err := r.Run(context.Background(), Options{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Processed)
}

func TestRunner_SkipsTombstoned(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	r := testRunner(store)

	id := seedConversation(t, store, "gone",
		"Write the budget report for the finance team.", "On it.")
	convs := db.NewConversationStore(store)
	require.NoError(t, convs.MarkDeleted(ctx, id))

	res, err := r.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Processed)
	assert.Equal(t, int64(0), res.Signatures)
}

func TestRunner_RejectsConcurrentRun(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	r := testRunner(store)

	r.running.Store(true)
	defer r.running.Store(false)

	res, err := r.Run(context.Background(), Options{})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrScanActive)
}

func TestRunner_CanceledContextAborts(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	r := testRunner(store)

	seedConversation(t, store, "lint",
		"You should always run the linter before pushing.", "Noted.")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := r.Run(ctx, Options{})
	assert.Nil(t, res)
	require.Error(t, err)
	assert.False(t, r.Progress().Running)
}
