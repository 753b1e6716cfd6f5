package analysis

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/pkg/models"
)

// claimBatch enqueues and claims n workflow items across n conversations.
func claimBatch(t *testing.T, store *db.Store, n int) []*models.QueueItem {
	t.Helper()

	queue := db.NewQueueStore(store)
	for i := 0; i < n; i++ {
		convID, _ := seedConversation(t, store, fmt.Sprintf("runner-%d", i), "Write a report about the budget")
		_, err := queue.Enqueue(context.Background(), models.NewQueueItem(convID, models.AnalysisWorkflow, 0))
		require.NoError(t, err)
	}
	items, err := queue.ClaimPending(context.Background(), n, "test-worker")
	require.NoError(t, err)
	require.Len(t, items, n)
	return items
}

func TestRunner_SingleBatch(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	items := claimBatch(t, store, 3)
	backend := &fakeBackend{run: func(req *Request) (*Response, error) {
		return &Response{Output: []byte(`[]`)}, nil
	}}
	runner := NewRunner(backend, db.NewQueueStore(store))

	outcomes, err := runner.Run(context.Background(), &Request{Items: items, AnalysisType: models.AnalysisWorkflow})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Len(t, outcomes[0].Items, 3)
	assert.Equal(t, []int{3}, backend.callSizes())
}

func TestRunner_BisectsOversizedBatches(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	items := claimBatch(t, store, 8)
	backend := &fakeBackend{run: func(req *Request) (*Response, error) {
		if len(req.Items) > 2 {
			return nil, &models.PayloadTooLargeError{Size: len(req.Items) * 1000, Limit: 2000}
		}
		return &Response{Output: []byte(`[]`)}, nil
	}}
	runner := NewRunner(backend, db.NewQueueStore(store))

	outcomes, err := runner.Run(context.Background(), &Request{Items: items, AnalysisType: models.AnalysisWorkflow})
	require.NoError(t, err)

	// 8 splits to 4+4, each 4 splits to 2+2; four pair batches succeed.
	assert.Equal(t, []int{8, 4, 2, 2, 4, 2, 2}, backend.callSizes())
	require.Len(t, outcomes, 4)

	// Submission order survives the splitting.
	var got []int64
	for _, out := range outcomes {
		for _, it := range out.Items {
			got = append(got, it.ID)
		}
	}
	want := make([]int64, 0, len(items))
	for _, it := range items {
		want = append(want, it.ID)
	}
	assert.Equal(t, want, got)
}

func TestRunner_OversizedSingleFailsOutright(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	items := claimBatch(t, store, 1)
	backend := &fakeBackend{run: func(req *Request) (*Response, error) {
		return nil, &models.PayloadTooLargeError{Size: 9000, Limit: 2000}
	}}
	queue := db.NewQueueStore(store)
	runner := NewRunner(backend, queue)

	outcomes, err := runner.Run(context.Background(), &Request{Items: items, AnalysisType: models.AnalysisWorkflow})
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	// No retry loop: a single item cannot shrink further.
	assert.Equal(t, []int{1}, backend.callSizes())

	got, err := queue.GetByID(context.Background(), items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueFailed, got.Status)
	assert.Contains(t, got.ErrorMessage.String, "exceeds limit")
}

func TestRunner_BackendErrorAbandonsRemaining(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	items := claimBatch(t, store, 2)
	call := 0
	backend := &fakeBackend{run: func(req *Request) (*Response, error) {
		call++
		switch call {
		case 1:
			return nil, &models.PayloadTooLargeError{Size: 5000, Limit: 2000}
		case 2:
			return &Response{Output: []byte(`[]`)}, nil
		default:
			return nil, &models.ConnectivityError{Backend: "claude", Err: errors.New("dial tcp: refused")}
		}
	}}
	queue := db.NewQueueStore(store)
	runner := NewRunner(backend, queue)

	outcomes, err := runner.Run(context.Background(), &Request{Items: items, AnalysisType: models.AnalysisWorkflow})
	var conn *models.ConnectivityError
	require.ErrorAs(t, err, &conn)

	// The half that succeeded before the failure is still returned.
	require.Len(t, outcomes, 1)
	assert.Equal(t, items[0].ID, outcomes[0].Items[0].ID)

	// The abandoned item stays claimed for stale-claim recovery.
	got, err := queue.GetByID(context.Background(), items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueClaimed, got.Status)
}
