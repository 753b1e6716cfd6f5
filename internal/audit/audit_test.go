package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/lorehq/lore/internal/analysis"
	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/pkg/models"
)

func testStore(t *testing.T) (*db.Store, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "lore_audit_test_*")
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

func seedConversation(t *testing.T, store *db.Store, externalID string, contents ...string) string {
	t.Helper()
	cs := &models.ConversationSync{
		Provider:    "claude-code",
		ExternalID:  externalID,
		Title:       "audit " + externalID,
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

// fakeBackend scripts RunAnalysis and records which conversations each
// call covered.
type fakeBackend struct {
	run     func(req *analysis.Request) (*analysis.Response, error)
	covered map[string]int
	calls   int
}

func (f *fakeBackend) RunAnalysis(_ context.Context, req *analysis.Request) (*analysis.Response, error) {
	if f.covered == nil {
		f.covered = map[string]int{}
	}
	f.calls++
	for _, it := range req.Items {
		f.covered[it.ConversationID]++
	}
	return f.run(req)
}

func (f *fakeBackend) coveredIDs() []string {
	ids := make([]string, 0, len(f.covered))
	for id := range f.covered {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// answerEverything returns one verdict per item: the same workflow for
// every conversation and one learning citing the opening message.
func answerEverything(req *analysis.Request) (*analysis.Response, error) {
	rows := make([]string, 0, len(req.Items))
	for _, it := range req.Items {
		switch req.AnalysisType {
		case models.AnalysisWorkflow:
			rows = append(rows, fmt.Sprintf(
				`{"queue_id": %d, "action": "write", "artifact": "budget", "domains": ["finance"], "confidence": 0.9, "reasoning": "recurring budget reporting"}`,
				it.ID))
		case models.AnalysisLearning:
			msg := req.Transcripts[it.ConversationID].Messages[0]
			evidence := msg.Content
			if len(evidence) > 24 {
				evidence = evidence[:24]
			}
			rows = append(rows, fmt.Sprintf(
				`{"queue_id": %d, "learnings": [{"type": "preference", "rule": "Always run the linter before pushing", "pattern": "always", "evidence": %q, "message_id": %q, "confidence": 0.8}]}`,
				it.ID, evidence, msg.ID))
		}
	}
	return &analysis.Response{Output: []byte("[" + strings.Join(rows, ",") + "]")}, nil
}

func TestAuditor_DeterministicOnly(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	seedConversation(t, store, "lint",
		"You should always run the linter before pushing.", "Noted.")
	seedConversation(t, store, "budget",
		"Write the budget report for the finance team.", "On it.")
	seedConversation(t, store, "chat",
		"Good morning, how are you doing today?", "Doing well.")

	rep, err := New(store, nil, Options{SampleSize: 10, Seed: 1}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Sampled)
	assert.Nil(t, rep.LLM)
	assert.Nil(t, rep.Overlap)

	det := rep.Deterministic
	assert.Equal(t, 1, det.Detections)
	assert.Equal(t, 1, det.UniqueRules)
	assert.Zero(t, det.DuplicateRate)
	assert.Zero(t, det.RecurringRules)
	assert.Equal(t, 1, det.LearningsByType[string(models.LearningPreference)])
	require.Len(t, det.TopRules, 1)
	assert.Equal(t, "always run the linter before pushing", det.TopRules[0].Rule)
	assert.Equal(t, 1, det.Signatures)
	assert.Equal(t, 1, det.UniqueSignatures)
}

func TestAuditor_EmptyStoreErrors(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	rep, err := New(store, nil, Options{SampleSize: 5, Seed: 1}).Run(context.Background())
	assert.Nil(t, rep)
	require.Error(t, err)
}

func TestAuditor_ComparesPaths(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	seedConversation(t, store, "lint",
		"You should always run the linter before pushing.", "Noted.")
	seedConversation(t, store, "budget",
		"Write the budget report for the finance team.", "On it.")
	seedConversation(t, store, "chat",
		"Good morning, how are you doing today?", "Doing well.")

	backend := &fakeBackend{run: answerEverything}
	rep, err := New(store, backend, Options{SampleSize: 10, Seed: 1, Tool: "claude"}).Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, rep.LLM)
	assert.Equal(t, 0, rep.LLM.Skipped)
	assert.Equal(t, 3, rep.LLM.Detections)
	assert.Equal(t, 1, rep.LLM.UniqueRules)
	assert.InDelta(t, 2.0/3.0, rep.LLM.DuplicateRate, 1e-9)
	assert.Equal(t, 1, rep.LLM.RecurringRules)
	assert.Equal(t, 3, rep.LLM.Signatures)
	assert.Equal(t, 1, rep.LLM.UniqueSignatures)
	assert.Equal(t, 1, rep.LLM.RecurringSignatures)
	require.Len(t, rep.LLM.TopRules, 1)
	assert.Equal(t, 3, rep.LLM.TopRules[0].Conversations)

	// The fake's rule matches the deterministic detection and its workflow
	// verdict matches the deterministic budget signature.
	require.NotNil(t, rep.Overlap)
	assert.Equal(t, 1, rep.Overlap.SharedRules)
	assert.Equal(t, 0, rep.Overlap.DeterministicOnly)
	assert.Equal(t, 0, rep.Overlap.LLMOnly)
	assert.Equal(t, 1, rep.Overlap.SharedSignatures)
}

func TestAuditor_SampleIsReproducible(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		seedConversation(t, store, fmt.Sprintf("conv-%d", i),
			"Write the budget report for the finance team.", "On it.")
	}

	declineAll := func(*analysis.Request) (*analysis.Response, error) {
		return &analysis.Response{Output: []byte("[]")}, nil
	}

	first := &fakeBackend{run: declineAll}
	repA, err := New(store, first, Options{SampleSize: 2, Seed: 7}).Run(context.Background())
	require.NoError(t, err)

	second := &fakeBackend{run: declineAll}
	repB, err := New(store, second, Options{SampleSize: 2, Seed: 7}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, repA.Sampled)
	assert.Equal(t, first.coveredIDs(), second.coveredIDs())

	// Declined on both analysis types, so every sampled item is skipped.
	assert.Equal(t, 4, repA.LLM.Skipped)
	assert.Equal(t, repA.LLM.Skipped, repB.LLM.Skipped)
}

func TestAuditor_BisectsOversizedBatches(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		seedConversation(t, store, fmt.Sprintf("conv-%d", i),
			"Write the budget report for the finance team.", "On it.")
	}

	backend := &fakeBackend{run: func(req *analysis.Request) (*analysis.Response, error) {
		if len(req.Items) > 1 {
			return nil, &models.PayloadTooLargeError{Size: 5000, Limit: 1000}
		}
		return answerEverything(req)
	}}

	rep, err := New(store, backend, Options{SampleSize: 3, Seed: 1, BatchSize: 3}).Run(context.Background())
	require.NoError(t, err)

	// Per analysis type: the triple, then halves down to singles.
	assert.Equal(t, 10, backend.calls)
	assert.Equal(t, 0, rep.LLM.Skipped)
	assert.Equal(t, 3, rep.LLM.Detections)
	assert.Equal(t, 3, rep.LLM.Signatures)
}

func TestAuditor_OversizedSingleSkipped(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	seedConversation(t, store, "a", "Write the budget report for the finance team.", "On it.")
	seedConversation(t, store, "b", "Draft the onboarding deck for new hires.", "Sure.")

	backend := &fakeBackend{run: func(req *analysis.Request) (*analysis.Response, error) {
		return nil, &models.PayloadTooLargeError{Size: 5000, Limit: 100}
	}}

	rep, err := New(store, backend, Options{SampleSize: 2, Seed: 1, BatchSize: 1}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, rep.LLM.Skipped)
	assert.Equal(t, 0, rep.LLM.Detections)
	assert.Equal(t, 0, rep.LLM.Signatures)
}

func TestAuditor_BackendErrorAborts(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	seedConversation(t, store, "a", "Write the budget report for the finance team.", "On it.")

	backend := &fakeBackend{run: func(req *analysis.Request) (*analysis.Response, error) {
		return nil, &models.ConnectivityError{Backend: "claude", Err: errors.New("connection refused")}
	}}

	rep, err := New(store, backend, Options{SampleSize: 1, Seed: 1}).Run(context.Background())
	assert.Nil(t, rep)
	require.Error(t, err)
	var conn *models.ConnectivityError
	assert.ErrorAs(t, err, &conn)
}

func TestAuditor_UnparseableBatchSkipped(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	seedConversation(t, store, "a", "Write the budget report for the finance team.", "On it.")
	seedConversation(t, store, "b", "Draft the onboarding deck for new hires.", "Sure.")

	backend := &fakeBackend{run: func(req *analysis.Request) (*analysis.Response, error) {
		return &analysis.Response{Output: []byte("I could not produce JSON this time.")}, nil
	}}

	rep, err := New(store, backend, Options{SampleSize: 2, Seed: 1}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rep.LLM.Skipped)
	assert.Equal(t, 0, rep.LLM.Detections)
}
