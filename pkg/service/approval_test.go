package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vijaythecoder/fintool-sub003/pkg/models"
	"github.com/vijaythecoder/fintool-sub003/pkg/service"
	"github.com/vijaythecoder/fintool-sub003/pkg/storage"
)

func newApprovals(threshold float64) *service.ApprovalService {
	return service.NewApprovalService(storage.NewMemoryStore(), logger{}, threshold)
}

func TestApproval_Enqueue(t *testing.T) {
	ctx := context.Background()
	svc := newApprovals(0.85)

	tests := []struct {
		name       string
		confidence float64
		decision   models.Decision
	}{
		{"AboveThreshold", 0.90, models.AutoApprovedDecision},
		{"AtThreshold", 0.85, models.AutoApprovedDecision},
		{"BelowThreshold", 0.84, models.PendingDecision},
		{"Zero", 0, models.PendingDecision},
		{"One", 1, models.AutoApprovedDecision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := svc.Enqueue(ctx, "b1", tt.name, tt.confidence)
			require.NoError(t, err)
			assert.Equal(t, tt.decision, item.Decision)
			if tt.decision == models.AutoApprovedDecision {
				assert.Equal(t, "system", item.DecidedBy)
				assert.NotNil(t, item.DecidedAt)
			} else {
				assert.Empty(t, item.DecidedBy)
				assert.Nil(t, item.DecidedAt)
			}
		})
	}

	t.Run("InvalidInput", func(t *testing.T) {
		_, err := svc.Enqueue(ctx, "b1", "neg", -0.1)
		assert.ErrorIs(t, err, service.ErrInvalidInput)
		_, err = svc.Enqueue(ctx, "b1", "big", 1.1)
		assert.ErrorIs(t, err, service.ErrInvalidInput)
		_, err = svc.Enqueue(ctx, "", "x", 0.5)
		assert.ErrorIs(t, err, service.ErrInvalidInput)
		_, err = svc.Enqueue(ctx, "b1", "AboveThreshold", 0.5)
		assert.ErrorIs(t, err, service.ErrInvalidInput)
	})

	t.Run("ThresholdOutOfRangeUsesDefault", func(t *testing.T) {
		assert.Equal(t, service.DefaultConfidenceThreshold, newApprovals(0).Threshold())
		assert.Equal(t, service.DefaultConfidenceThreshold, newApprovals(1.5).Threshold())
		assert.Equal(t, 0.7, newApprovals(0.7).Threshold())
	})
}

func TestApproval_Decide(t *testing.T) {
	ctx := context.Background()
	svc := newApprovals(0.85)
	_, err := svc.Enqueue(ctx, "b1", "i1", 0.5)
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, "b1", "auto", 0.95)
	require.NoError(t, err)

	item, err := svc.Decide(ctx, "i1", models.ApprovedDecision, "alice", "amounts agree")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovedDecision, item.Decision)
	assert.Equal(t, "alice", item.DecidedBy)
	assert.Equal(t, "amounts agree", item.Reason)
	assert.NotNil(t, item.DecidedAt)

	_, err = svc.Decide(ctx, "i1", models.RejectedDecision, "bob", "")
	assert.ErrorIs(t, err, service.ErrAlreadyDecided)
	assert.False(t, service.Retryable(err))

	stored, err := svc.Get(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovedDecision, stored.Decision)
	assert.Equal(t, "alice", stored.DecidedBy)

	counts, err := svc.CountsFor(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalCounts{Approved: 1, AutoApproved: 1}, counts)

	_, err = svc.Decide(ctx, "auto", models.RejectedDecision, "bob", "")
	assert.ErrorIs(t, err, service.ErrAlreadyDecided)

	_, err = svc.Decide(ctx, "missing", models.ApprovedDecision, "bob", "")
	assert.ErrorIs(t, err, service.ErrNotFound)

	_, err = svc.Decide(ctx, "i1", models.AutoApprovedDecision, "bob", "")
	assert.ErrorIs(t, err, service.ErrInvalidInput)
	_, err = svc.Decide(ctx, "i1", models.ApprovedDecision, " ", "")
	assert.ErrorIs(t, err, service.ErrInvalidInput)
}

func TestApproval_NextInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	svc := newApprovals(0.85)
	for _, c := range []struct {
		id         string
		confidence float64
	}{{"a", 0.3}, {"b", 0.8}, {"c", 0.1}} {
		_, err := svc.Enqueue(ctx, "b1", c.id, c.confidence)
		require.NoError(t, err)
	}
	_, err := svc.Enqueue(ctx, "other", "z", 0.2)
	require.NoError(t, err)

	for _, want := range []string{"a", "b", "c"} {
		next, err := svc.Next(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, want, next.ItemID)
		_, err = svc.Decide(ctx, next.ItemID, models.RejectedDecision, "alice", "")
		require.NoError(t, err)
	}
	_, err = svc.Next(ctx, "b1")
	assert.ErrorIs(t, err, service.ErrNotFound)

	items, err := svc.List(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "a", items[0].ItemID)
	assert.Equal(t, "c", items[2].ItemID)
}

func TestApproval_EnqueueAllIsRepeatable(t *testing.T) {
	ctx := context.Background()
	svc := newApprovals(0.85)
	candidates := []models.MatchCandidate{{TransactionID: "t1", Confidence: 0.2}, {TransactionID: "t2", Confidence: 0.9}}

	added, err := svc.EnqueueAll(ctx, "b1", candidates)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = svc.EnqueueAll(ctx, "b1", candidates)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	counts, err := svc.CountsFor(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalCounts{Pending: 1, AutoApproved: 1}, counts)
}

func TestApproval_ConcurrentDecisions(t *testing.T) {
	ctx := context.Background()

	t.Run("SameItemFirstWriterWins", func(t *testing.T) {
		svc := newApprovals(0.85)
		_, err := svc.Enqueue(ctx, "b1", "contested", 0.5)
		require.NoError(t, err)

		const reviewers = 20
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			wins    int
			already int
		)
		for i := 0; i < reviewers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				decision := models.ApprovedDecision
				if i%2 == 1 {
					decision = models.RejectedDecision
				}
				_, err := svc.Decide(ctx, "contested", decision, fmt.Sprintf("reviewer-%d", i), "")
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if service.Kind(err) == "AlreadyDecided" {
					already++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, reviewers-1, already)
		counts, err := svc.CountsFor(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, 1, counts.Approved+counts.Rejected)
		assert.Equal(t, 0, counts.Pending)
	})

	t.Run("DifferentItemsInParallel", func(t *testing.T) {
		svc := newApprovals(0.85)
		const items = 25
		for i := 0; i < items; i++ {
			_, err := svc.Enqueue(ctx, "b1", fmt.Sprintf("item-%d", i), 0.5)
			require.NoError(t, err)
		}
		var wg sync.WaitGroup
		for i := 0; i < items; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := svc.Decide(ctx, fmt.Sprintf("item-%d", i), models.ApprovedDecision, "alice", "")
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		counts, err := svc.CountsFor(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalCounts{Approved: items}, counts)
	})
}

func TestApproval_DecisionHook(t *testing.T) {
	ctx := context.Background()
	svc := newApprovals(0.85)
	var seen []string
	svc.OnDecision(func(ctx context.Context, item models.ApprovalItem) {
		seen = append(seen, item.ItemID)
	})
	_, err := svc.Enqueue(ctx, "b1", "i1", 0.5)
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, "b1", "i2", 0.99)
	require.NoError(t, err)

	_, err = svc.Decide(ctx, "i1", models.ApprovedDecision, "alice", "")
	require.NoError(t, err)
	_, err = svc.Decide(ctx, "i1", models.ApprovedDecision, "alice", "")
	require.Error(t, err)

	assert.Equal(t, []string{"i1"}, seen)
}
