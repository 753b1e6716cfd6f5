package vector

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"math"
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

// testEmbedding produces deterministic unit vectors from a text hash, so
// identical text always lands on the same point and distinct texts spread
// out. chromem expects normalized vectors.
func testEmbedding(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum64()

	vec := make([]float32, 8)
	var sumSq float64
	for i := range vec {
		vec[i] = float32((sum>>(8*i))&0xFF) + 1
		sumSq += float64(vec[i]) * float64(vec[i])
	}
	norm := float32(1 / math.Sqrt(sumSq))
	for i := range vec {
		vec[i] *= norm
	}
	return vec, nil
}

func testStore(t *testing.T) (*db.Store, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "lore_vector_test_*")
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

func testIndexer(t *testing.T, store *db.Store, dir string) *Indexer {
	t.Helper()
	cfg := config.VectorConfig{
		Path:       filepath.Join(dir, "vectors"),
		Collection: "conversations",
		Enabled:    true,
	}
	ix, err := newIndexer(cfg, store, testEmbedding, "test/unit")
	require.NoError(t, err)
	return ix
}

// seedConversation ingests one conversation and returns it with its stored
// messages, ready to hand to the indexer.
func seedConversation(t *testing.T, store *db.Store, externalID string, contents ...string) (*models.Conversation, []*models.Message) {
	t.Helper()
	ctx := context.Background()
	cs := &models.ConversationSync{
		Provider:    "claude-code",
		ExternalID:  externalID,
		Title:       "session " + externalID,
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
	convs := db.NewConversationStore(store)
	res, err := convs.Sync(ctx, cs, db.SyncOptions{})
	require.NoError(t, err)

	conv, err := convs.GetByID(ctx, res.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv)
	msgs, err := convs.ListMessages(ctx, res.ConversationID)
	require.NoError(t, err)
	return conv, msgs
}

func TestIndexer_DisabledReturnsNil(t *testing.T) {
	ix, err := NewIndexer(config.VectorConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, ix)
}

func TestIndexer_IndexAndSearch(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	ix := testIndexer(t, store, t.TempDir())

	conv1, msgs1 := seedConversation(t, store, "c1",
		"how do I tune the postgres connection pool",
		"set max_connections and use pgbouncer in transaction mode")
	conv2, msgs2 := seedConversation(t, store, "c2",
		"write a haiku about mountains",
		"peaks dissolve in mist")

	require.NoError(t, ix.IndexConversation(ctx, conv1, msgs1))
	require.NoError(t, ix.IndexConversation(ctx, conv2, msgs2))
	assert.Equal(t, 2, ix.Count())

	// Querying with the exact document text must rank that conversation
	// first under the deterministic embedder.
	query := buildDocument(conv1, msgs1)
	hits, err := ix.Search(ctx, query, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, conv1.ID, hits[0].ConversationID)
	assert.Equal(t, "session c1", hits[0].Title)
	assert.Equal(t, "/home/dev/proj", hits[0].ProjectPath)
	assert.InDelta(t, 1.0, float64(hits[0].Similarity), 0.001)

	// The indexed row carries the embedding marker.
	stored, err := db.NewConversationStore(store).GetByID(ctx, conv1.ID)
	require.NoError(t, err)
	require.True(t, stored.Embedding.Valid)
	assert.Equal(t, "test/unit", stored.Embedding.String)
}

func TestIndexer_ReindexReplacesDocument(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	ix := testIndexer(t, store, t.TempDir())

	conv, msgs := seedConversation(t, store, "c1", "first draft of the deploy script")
	require.NoError(t, ix.IndexConversation(ctx, conv, msgs))
	require.Equal(t, 1, ix.Count())

	// A later sync extends the conversation; re-indexing must replace the
	// document instead of adding a second one.
	conv, msgs = seedConversation(t, store, "c1",
		"first draft of the deploy script",
		"second revision with rollback handling")
	require.NoError(t, ix.IndexConversation(ctx, conv, msgs))
	assert.Equal(t, 1, ix.Count())

	hits, err := ix.Search(ctx, buildDocument(conv, msgs), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, conv.ID, hits[0].ConversationID)
	assert.InDelta(t, 1.0, float64(hits[0].Similarity), 0.001)
}

func TestIndexer_SkipsTombstonedAndEmpty(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	ix := testIndexer(t, store, t.TempDir())

	tombstoned := &models.Conversation{
		ID:        "gone",
		Provider:  "claude-code",
		DeletedAt: sql.NullInt64{Int64: time.Now().UnixMilli(), Valid: true},
	}
	require.NoError(t, ix.IndexConversation(ctx, tombstoned, nil))

	empty := &models.Conversation{ID: "blank", Provider: "claude-code"}
	require.NoError(t, ix.IndexConversation(ctx, empty, []*models.Message{
		{Role: "user", Content: "   "},
	}))

	assert.Equal(t, 0, ix.Count())

	hits, err := ix.Search(ctx, "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndexer_PersistsAcrossReopen(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	dir := t.TempDir()

	ix := testIndexer(t, store, dir)
	conv, msgs := seedConversation(t, store, "c1", "migrate the billing cron to UTC")
	require.NoError(t, ix.IndexConversation(ctx, conv, msgs))

	reopened := testIndexer(t, store, dir)
	assert.Equal(t, 1, reopened.Count())

	hits, err := reopened.Search(ctx, buildDocument(conv, msgs), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, conv.ID, hits[0].ConversationID)
}

func TestEmbeddingFunc_ProviderSelection(t *testing.T) {
	_, model, err := embeddingFunc(config.VectorConfig{Provider: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, "ollama/nomic-embed-text", model)

	_, model, err = embeddingFunc(config.VectorConfig{Provider: "", Model: "mxbai-embed-large"})
	require.NoError(t, err)
	assert.Equal(t, "ollama/mxbai-embed-large", model)

	t.Setenv("OPENAI_API_KEY", "")
	_, _, err = embeddingFunc(config.VectorConfig{Provider: "openai"})
	require.Error(t, err)

	_, model, err = embeddingFunc(config.VectorConfig{Provider: "openai", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai/text-embedding-3-small", model)

	_, _, err = embeddingFunc(config.VectorConfig{Provider: "tarot"})
	require.Error(t, err)
}
