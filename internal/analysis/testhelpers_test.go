package analysis

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/pkg/models"
)

func testStore(t *testing.T) (*db.Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "lore_analysis_test_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	store, err := db.NewStore(db.Config{
		Path:     filepath.Join(tmpDir, "test.db"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("NewStore failed: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return store, cleanup
}

// seedConversation ingests one conversation with the given user/assistant
// message contents and returns its id plus the stored messages in order.
func seedConversation(t *testing.T, store *db.Store, externalID string, contents ...string) (string, []*models.Message) {
	t.Helper()

	var incoming []models.MessageSync
	for i, content := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		incoming = append(incoming, models.MessageSync{
			ExternalID: externalID + "-m" + string(rune('1'+i)),
			Role:       role,
			Content:    content,
			CreatedAt:  time.Now().Add(-time.Hour).Add(time.Duration(i) * time.Minute),
		})
	}

	convs := db.NewConversationStore(store)
	res, err := convs.Sync(context.Background(), &models.ConversationSync{
		Provider:    "claude-code",
		ExternalID:  externalID,
		SourceType:  "jsonl",
		Title:       "seed " + externalID,
		ProjectPath: "/home/u/proj",
		StartedAt:   time.Now().Add(-time.Hour),
		UpdatedAt:   time.Now(),
		Messages:    incoming,
	}, db.SyncOptions{})
	require.NoError(t, err)

	msgs, err := convs.ListMessages(context.Background(), res.ConversationID)
	require.NoError(t, err)
	return res.ConversationID, msgs
}

// claimedItem enqueues and claims one item so it is in the state the
// worker hands to the runner and applier.
func claimedItem(t *testing.T, store *db.Store, convID string, analysisType models.AnalysisType) *models.QueueItem {
	t.Helper()

	queue := db.NewQueueStore(store)
	_, err := queue.Enqueue(context.Background(), models.NewQueueItem(convID, analysisType, 0))
	require.NoError(t, err)

	claimed, err := queue.ClaimPending(context.Background(), 1, "test-worker")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

// fakeBackend scripts RunAnalysis behavior and records every call's item
// ids in order.
type fakeBackend struct {
	run   func(req *Request) (*Response, error)
	calls [][]int64
	mu    sync.Mutex
}

func (f *fakeBackend) RunAnalysis(_ context.Context, req *Request) (*Response, error) {
	ids := make([]int64, 0, len(req.Items))
	for _, it := range req.Items {
		ids = append(ids, it.ID)
	}
	f.mu.Lock()
	f.calls = append(f.calls, ids)
	f.mu.Unlock()
	return f.run(req)
}

func (f *fakeBackend) callSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.calls))
	for i, c := range f.calls {
		sizes[i] = len(c)
	}
	return sizes
}
