package storage_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	internal_storage "github.com/vijaythecoder/fintool-sub003/internal/storage"
	"github.com/vijaythecoder/fintool-sub003/internal/testutil"
	"github.com/vijaythecoder/fintool-sub003/pkg/models"
	"github.com/vijaythecoder/fintool-sub003/pkg/service"
	"github.com/vijaythecoder/fintool-sub003/pkg/storage"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {}
func (l logger) Warnf(format string, args ...interface{}) {}
func (l logger) Errorf(format string, args ...interface{}) {}

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		txStore, err := store.Begin()
		require.NoError(t, err)
		t.Cleanup(func() { txStore.Rollback() })
		return txStore.(*internal_storage.PostgresStore)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("SaveAndGetBatch", func(t *testing.T) {
		store := newTxStore(t)
		b := models.NewBatch("pg-batch", uuid.NewString(), 100, now)
		b.Errors = append(b.Errors, models.ErrorEntry{Step: models.IngestionStep, Message: "bad row", TransactionID: "tx-1", OccurredAt: now})
		require.NoError(t, store.SaveBatch(b))

		got, err := store.GetBatch(b.WorkflowID)
		require.NoError(t, err)
		assert.Equal(t, b.BatchID, got.BatchID)
		assert.Equal(t, models.RunningWorkflowStatus, got.Status)
		assert.Equal(t, models.IngestionStep, got.CurrentStep)
		require.Len(t, got.Steps, 4)
		assert.Equal(t, models.RunningStepStatus, got.Steps[0].Status)
		assert.Equal(t, "Human Approval Review", got.Steps[2].Name)
		require.Len(t, got.Errors, 1)
		assert.Equal(t, "tx-1", got.Errors[0].TransactionID)

		err = store.SaveBatch(b)
		assert.ErrorIs(t, err, storage.ErrDuplicate)
	})

	t.Run("UpdateAndLatestBatch", func(t *testing.T) {
		store := newTxStore(t)
		first := models.NewBatch("pg-latest", uuid.NewString(), 10, now)
		second := models.NewBatch("pg-latest", uuid.NewString(), 20, now)
		second.PreviousWorkflowID = first.WorkflowID
		require.NoError(t, store.SaveBatch(first))
		require.NoError(t, store.SaveBatch(second))

		latest, err := store.GetLatestBatch("pg-latest")
		require.NoError(t, err)
		assert.Equal(t, second.WorkflowID, latest.WorkflowID)
		assert.Equal(t, first.WorkflowID, latest.PreviousWorkflowID)

		latest.Status = models.PausedWorkflowStatus
		latest.ProcessedTransactions = 5
		require.NoError(t, store.UpdateBatch(latest))
		paused, err := store.ListBatches(models.PausedWorkflowStatus)
		require.NoError(t, err)
		require.Len(t, paused, 1)
		assert.Equal(t, 5, paused[0].ProcessedTransactions)

		_, err = store.GetLatestBatch("pg-missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, store.UpdateBatch(models.Batch{WorkflowID: "missing"}), storage.ErrNotFound)
	})

	t.Run("ApprovalItems", func(t *testing.T) {
		store := newTxStore(t)
		for i, confidence := range []float64{0.4, 0.9, 0.1} {
			item := models.ApprovalItem{
				ItemID:     fmt.Sprintf("pg-item-%d", i),
				BatchID:    "pg-approvals",
				Confidence: confidence,
				Decision:   models.PendingDecision,
				CreatedAt:  now,
			}
			require.NoError(t, store.SaveApprovalItem(item))
		}
		assert.ErrorIs(t, store.SaveApprovalItem(models.ApprovalItem{ItemID: "pg-item-0", BatchID: "x", Decision: models.PendingDecision, CreatedAt: now}), storage.ErrDuplicate)

		items, err := store.ListApprovalItems("pg-approvals")
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, "pg-item-0", items[0].ItemID)
		assert.Equal(t, "pg-item-2", items[2].ItemID)
		assert.Less(t, items[0].Seq, items[1].Seq)

		decided := items[1]
		decided.Decision = models.ApprovedDecision
		decided.DecidedBy = "alice"
		decided.DecidedAt = &now
		require.NoError(t, store.DecideApprovalItem(decided))
		assert.ErrorIs(t, store.DecideApprovalItem(decided), storage.ErrConflict)
		assert.ErrorIs(t, store.DecideApprovalItem(models.ApprovalItem{ItemID: "nope"}), storage.ErrNotFound)

		got, err := store.GetApprovalItem(decided.ItemID)
		require.NoError(t, err)
		assert.Equal(t, models.ApprovedDecision, got.Decision)
		assert.Equal(t, "alice", got.DecidedBy)
	})

	t.Run("Alerts", func(t *testing.T) {
		store := newTxStore(t)
		affected := 3
		first := models.Alert{AlertID: uuid.NewString(), Severity: models.HighSeverity, Status: models.ActiveAlertStatus,
			Title: "first", Component: "workflow", BatchID: "pg-alerts", AffectedCount: &affected, OccurredAt: now}
		second := models.Alert{AlertID: uuid.NewString(), Severity: models.LowSeverity, Status: models.ActiveAlertStatus,
			Title: "second", Component: "ingestion", OccurredAt: now}
		require.NoError(t, store.SaveAlert(first))
		require.NoError(t, store.SaveAlert(second))

		acked := first
		acked.Status = models.AcknowledgedAlertStatus
		acked.AcknowledgedBy = "dana"
		acked.AcknowledgedAt = &now
		require.NoError(t, store.UpdateAlert(acked, models.ActiveAlertStatus))
		assert.ErrorIs(t, store.UpdateAlert(acked, models.ActiveAlertStatus), storage.ErrConflict)
		assert.ErrorIs(t, store.UpdateAlert(models.Alert{AlertID: "nope"}, models.ActiveAlertStatus), storage.ErrNotFound)

		got, err := store.GetAlert(first.AlertID)
		require.NoError(t, err)
		assert.Equal(t, models.AcknowledgedAlertStatus, got.Status)
		require.NotNil(t, got.AffectedCount)
		assert.Equal(t, 3, *got.AffectedCount)

		byBatch, err := store.ListAlerts(models.AlertFilter{BatchID: "pg-alerts", Status: models.AcknowledgedAlertStatus})
		require.NoError(t, err)
		require.Len(t, byBatch, 1)
		assert.Equal(t, first.AlertID, byBatch[0].AlertID)

		all, err := store.ListAlerts(models.AlertFilter{})
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(all), 2)
		assert.Equal(t, second.AlertID, all[0].AlertID, "newest first")
	})

	t.Run("WorkflowOverPostgres", func(t *testing.T) {
		ctx := context.Background()
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		defer store.Close()

		approvals := service.NewApprovalService(store, logger{}, service.DefaultConfidenceThreshold)
		alerts := service.NewAlertService(store, logger{})
		workflows := service.NewWorkflowService(store, approvals, alerts, logger{}, service.DefaultConfig())

		batchID := "pg-flow-" + uuid.NewString()
		_, err = workflows.StartBatch(ctx, batchID, 10)
		require.NoError(t, err)
		_, err = workflows.AdvanceStep(ctx, batchID, models.IngestionResult{StepOutcome: models.StepOutcome{Processed: 10}})
		require.NoError(t, err)
		_, err = workflows.AdvanceStep(ctx, batchID, models.MatchResult{
			StepOutcome: models.StepOutcome{Processed: 10},
			Candidates:  []models.MatchCandidate{{TransactionID: "t1", Confidence: 0.3}},
		})
		require.NoError(t, err)

		_, err = approvals.Decide(ctx, service.CandidateItemID(batchID, "t1"), models.ApprovedDecision, "alice", "")
		require.NoError(t, err)
		_, err = approvals.Decide(ctx, service.CandidateItemID(batchID, "t1"), models.RejectedDecision, "bob", "")
		assert.ErrorIs(t, err, service.ErrAlreadyDecided)

		b, err := workflows.AdvanceStep(ctx, batchID, models.SuggestionResult{StepOutcome: models.StepOutcome{Processed: 10}})
		require.NoError(t, err)
		assert.Equal(t, models.CompletedWorkflowStatus, b.Status)

		status, err := workflows.GetStatus(ctx, batchID)
		require.NoError(t, err)
		assert.Equal(t, 100.0, status.PercentComplete)
		assert.Equal(t, models.ApprovalCounts{Approved: 1}, status.Approvals)
	})
}
