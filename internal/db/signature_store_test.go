package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorehq/lore/pkg/models"
)

func testSignature(conversationID, action, artifact string, domains []string) *models.WorkflowSignature {
	c := &models.SignatureCandidate{
		Action:         action,
		Artifact:       artifact,
		Domains:        domains,
		Snippet:        "built the " + artifact,
		Source:         "deterministic",
		ConversationID: conversationID,
		Confidence:     0.9,
	}
	sig := action + "|" + artifact + "|"
	for i, d := range domains {
		if i > 0 {
			sig += ","
		}
		sig += d
	}
	return models.NewWorkflowSignature(c, sig, action == "prime")
}

// seedSignature writes a signature row for a fresh conversation in the
// given project.
func seedSignature(t *testing.T, store *Store, external, project, action, artifact string, domains []string) string {
	t.Helper()
	convID := seedConversation(t, store, "claude-code", external, project)
	_, _, err := NewSignatureStore(store).Upsert(context.Background(), testSignature(convID, action, artifact, domains))
	require.NoError(t, err)
	return convID
}

func TestSignatureStore_UpsertPerConversation(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	sigs := NewSignatureStore(store)

	convID := seedConversation(t, store, "claude-code", "sig-1", "/p")

	id, created, err := sigs.Upsert(ctx, testSignature(convID, "write", "deck", []string{"product"}))
	require.NoError(t, err)
	assert.True(t, created)

	before, err := sigs.GetByConversation(ctx, convID)
	require.NoError(t, err)
	require.NotNil(t, before)

	// Re-extraction updates the same row in place.
	id2, created2, err := sigs.Upsert(ctx, testSignature(convID, "build", "dashboard", []string{"analytics"}))
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, id, id2)

	after, err := sigs.GetByConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.CreatedEpoch, after.CreatedEpoch)
	assert.Equal(t, "build|dashboard|analytics", after.Signature)
	assert.Equal(t, []string{"analytics"}, []string(after.Domains))
}

func TestSignatureStore_TopClustersMinimumCount(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	sigs := NewSignatureStore(store)

	seedSignature(t, store, "mc-1", "/p1", "write", "deck", []string{"product"})
	seedSignature(t, store, "mc-2", "/p2", "write", "deck", []string{"product"})

	clusters, err := sigs.TopClusters(ctx, ClusterOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, clusters, "two occurrences are below the default threshold")

	seedSignature(t, store, "mc-3", "/p3", "write", "deck", []string{"product"})

	clusters, err = sigs.TopClusters(ctx, ClusterOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	c := clusters[0]
	assert.Equal(t, "write|deck|product", c.Signature)
	assert.Equal(t, 3, c.Count)
	assert.Equal(t, 3, c.DistinctProjects)
	assert.Equal(t, []string{"product"}, c.Domains)
	assert.Len(t, c.Samples, 3)
}

func TestSignatureStore_TopClustersWeakActionNeedsArtifact(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	sigs := NewSignatureStore(store)

	// Artifact-less fix recurs five times across projects; still excluded.
	for i := 0; i < 5; i++ {
		seedSignature(t, store, fmt.Sprintf("weak-%d", i), fmt.Sprintf("/p%d", i), "fix", "none", nil)
	}

	clusters, err := sigs.TopClusters(ctx, ClusterOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, clusters, "fix with no artifact never qualifies")
}

func TestSignatureStore_TopClustersWeakActionNeedsTwoProjects(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	sigs := NewSignatureStore(store)

	// Same-project bugfix repetition is not a reusable workflow.
	seedSignature(t, store, "fx-1", "/only", "fix", "migration-script", []string{"backend"})
	seedSignature(t, store, "fx-2", "/only", "fix", "migration-script", []string{"backend"})
	seedSignature(t, store, "fx-3", "/only", "fix", "migration-script", []string{"backend"})

	clusters, err := sigs.TopClusters(ctx, ClusterOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, clusters)

	seedSignature(t, store, "fx-4", "/another", "fix", "migration-script", []string{"backend"})

	clusters, err = sigs.TopClusters(ctx, ClusterOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 4, clusters[0].Count)
	assert.Equal(t, 2, clusters[0].DistinctProjects)
}

func TestSignatureStore_PrimingClusteredSeparately(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	sigs := NewSignatureStore(store)

	seedSignature(t, store, "pr-1", "/p1", "prime", "docs", []string{"onboarding"})
	seedSignature(t, store, "pr-2", "/p2", "prime", "docs", []string{"onboarding"})
	seedSignature(t, store, "pr-3", "/p3", "prime", "docs", []string{"onboarding"})

	top, err := sigs.TopClusters(ctx, ClusterOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, top, "priming never becomes an automation candidate")

	informational, err := sigs.ClustersByAction(ctx, "prime", 10)
	require.NoError(t, err)
	require.Len(t, informational, 1)
	assert.Equal(t, 3, informational[0].Count)
}

func TestSignatureStore_TopClustersExclusions(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	sigs := NewSignatureStore(store)

	for i := 0; i < 3; i++ {
		seedSignature(t, store, fmt.Sprintf("exa-%d", i), fmt.Sprintf("/p%d", i), "write", "deck", []string{"product"})
	}
	for i := 0; i < 3; i++ {
		seedSignature(t, store, fmt.Sprintf("exb-%d", i), fmt.Sprintf("/q%d", i), "build", "report", []string{"finance"})
	}

	clusters, err := sigs.TopClusters(ctx, ClusterOptions{Limit: 10, ExcludedActions: []string{"write"}})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, "build", clusters[0].Action)

	clusters, err = sigs.TopClusters(ctx, ClusterOptions{Limit: 10, ExcludedArtifacts: []string{"report"}})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, "deck", clusters[0].Artifact)
}

func TestSignatureStore_TopClustersSkipDeletedConversations(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	sigs := NewSignatureStore(store)
	convs := NewConversationStore(store)

	ids := []string{
		seedSignature(t, store, "del-1", "/p1", "write", "deck", []string{"product"}),
		seedSignature(t, store, "del-2", "/p2", "write", "deck", []string{"product"}),
		seedSignature(t, store, "del-3", "/p3", "write", "deck", []string{"product"}),
	}

	clusters, err := sigs.TopClusters(ctx, ClusterOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	require.NoError(t, convs.MarkDeleted(ctx, ids[0]))

	clusters, err = sigs.TopClusters(ctx, ClusterOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, clusters, "tombstoned conversations stop counting")
}

func TestSignatureStore_ConversationIDsMissingSignature(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	sigs := NewSignatureStore(store)

	withSig := seedSignature(t, store, "ms-1", "/p", "write", "deck", []string{"product"})
	bare := seedConversation(t, store, "claude-code", "ms-2", "/p")

	missing, err := sigs.ConversationIDsMissingSignature(ctx, 0)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, bare, missing[0])
	assert.NotContains(t, missing, withSig)
}

func TestSignatureStore_CountBySource(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()
	ctx := context.Background()
	sigs := NewSignatureStore(store)

	seedSignature(t, store, "src-1", "/p", "write", "deck", []string{"product"})

	convID := seedConversation(t, store, "claude-code", "src-2", "/p")
	llm := testSignature(convID, "build", "dashboard", []string{"analytics"})
	llm.Source = "llm"
	_, _, err := sigs.Upsert(ctx, llm)
	require.NoError(t, err)

	counts, err := sigs.CountBySource(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["deterministic"])
	assert.Equal(t, int64(1), counts["llm"])

	llmRows, err := sigs.ListBySource(ctx, "llm", 10)
	require.NoError(t, err)
	require.Len(t, llmRows, 1)
	assert.Equal(t, convID, llmRows[0].ConversationID)
}
