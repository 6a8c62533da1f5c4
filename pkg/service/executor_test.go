package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vijaythecoder/fintool-sub003/pkg/models"
	"github.com/vijaythecoder/fintool-sub003/pkg/service"
	"github.com/vijaythecoder/fintool-sub003/pkg/service/mocks"
)

func TestRunStep_UsesRegisteredExecutor(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	e := newEngine(t, service.DefaultConfig())

	exec := mocks.NewMockStepExecutor(ctrl)
	exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, in models.StepInput) (models.StepResult, error) {
			assert.Equal(t, "run", in.BatchID)
			assert.Equal(t, models.IngestionStep, in.Step)
			assert.Equal(t, 100, in.TotalTransactions)
			assert.Equal(t, models.StepOutcome{}, in.Previous)
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			return ingestion(100, 0), nil
		})
	require.NoError(t, e.workflows.RegisterExecutor(models.IngestionStep, exec))

	b, err := e.workflows.StartBatch(ctx, "run", 100)
	require.NoError(t, err)
	b, err = e.workflows.RunStep(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, models.PatternMatchingStep, b.CurrentStep)
	assert.Equal(t, 100, b.ProcessedTransactions)
}

func TestRunStep_Failures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		cfg      service.Config
		executor service.StepExecutorFunc
		message  string
	}{
		{
			name: "ExecutorError",
			executor: func(ctx context.Context, in models.StepInput) (models.StepResult, error) {
				return nil, errors.New("warehouse unreachable")
			},
			message: "warehouse unreachable",
		},
		{
			name: "Timeout",
			cfg:  service.Config{StepTimeout: 20 * time.Millisecond},
			executor: func(ctx context.Context, in models.StepInput) (models.StepResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			message: "timed out",
		},
		{
			name: "Panic",
			executor: func(ctx context.Context, in models.StepInput) (models.StepResult, error) {
				panic("nil row")
			},
			message: "panicked",
		},
		{
			name: "WrongStep",
			executor: func(ctx context.Context, in models.StepInput) (models.StepResult, error) {
				return suggestion(1, 0), nil
			},
			message: "result for step 4",
		},
		{
			name: "NoResult",
			executor: func(ctx context.Context, in models.StepInput) (models.StepResult, error) {
				return nil, nil
			},
			message: "no result",
		},
		{
			name: "CountersExceedTotal",
			executor: func(ctx context.Context, in models.StepInput) (models.StepResult, error) {
				return ingestion(in.TotalTransactions+1, 0), nil
			},
			message: "out of 10 transactions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, tt.cfg)
			require.NoError(t, e.workflows.RegisterExecutor(models.IngestionStep, tt.executor))
			_, err := e.workflows.StartBatch(ctx, "x", 10)
			require.NoError(t, err)

			b, err := e.workflows.RunStep(ctx, "x")
			assert.ErrorIs(t, err, service.ErrExecutorFailure)
			assert.Equal(t, "ExecutorFailure", service.Kind(err))
			assert.Equal(t, models.FailedWorkflowStatus, b.Status)
			assert.Equal(t, models.FailedStepStatus, b.StepFor(models.IngestionStep).Status)
			require.NotEmpty(t, b.Errors)
			assert.Contains(t, b.Errors[len(b.Errors)-1].Message, tt.message)

			alerts, err := e.alerts.List(ctx, models.AlertFilter{BatchID: "x", ErrorType: service.ExecutorFailureAlert})
			require.NoError(t, err)
			require.Len(t, alerts, 1)
			assert.Equal(t, models.CriticalSeverity, alerts[0].Severity)

			status, err := e.workflows.GetStatus(ctx, "x")
			require.NoError(t, err, "status queries succeed after executor failures")
			assert.Equal(t, models.FailedWorkflowStatus, status.Status)
		})
	}
}

func TestRunStep_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	e := newEngine(t, service.Config{BreakerFailures: 1, BreakerCooldown: time.Hour})

	exec := mocks.NewMockStepExecutor(ctrl)
	exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil, errors.New("model offline")).Times(1)
	require.NoError(t, e.workflows.RegisterExecutor(models.IngestionStep, exec))

	for _, id := range []string{"first", "second"} {
		_, err := e.workflows.StartBatch(ctx, id, 1)
		require.NoError(t, err)
	}
	_, err := e.workflows.RunStep(ctx, "first")
	assert.ErrorIs(t, err, service.ErrExecutorFailure)

	b, err := e.workflows.RunStep(ctx, "second")
	assert.ErrorIs(t, err, service.ErrExecutorFailure)
	assert.Equal(t, models.FailedWorkflowStatus, b.Status)
	assert.Contains(t, b.Errors[len(b.Errors)-1].Message, "circuit breaker is open")
}

func TestRunStep_Guards(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, service.DefaultConfig())

	noop := service.StepExecutorFunc(func(ctx context.Context, in models.StepInput) (models.StepResult, error) {
		return models.ReviewResult{}, nil
	})
	assert.ErrorIs(t, e.workflows.RegisterExecutor(models.HumanReviewStep, noop), service.ErrInvalidInput)
	assert.ErrorIs(t, e.workflows.RegisterExecutor(models.Step(7), noop), service.ErrInvalidInput)
	assert.ErrorIs(t, e.workflows.RegisterExecutor(models.IngestionStep, nil), service.ErrInvalidInput)

	_, err := e.workflows.RunStep(ctx, "missing")
	assert.ErrorIs(t, err, service.ErrNotFound)

	_, err = e.workflows.StartBatch(ctx, "unregistered", 1)
	require.NoError(t, err)
	_, err = e.workflows.RunStep(ctx, "unregistered")
	assert.ErrorIs(t, err, service.ErrNotFound)
	b, err := e.store.GetLatestBatch("unregistered")
	require.NoError(t, err)
	assert.Equal(t, models.RunningWorkflowStatus, b.Status, "a missing executor does not fail the batch")
}

func TestRunBatch_ParksAtReviewAndFinishes(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, service.DefaultConfig())

	require.NoError(t, e.workflows.RegisterExecutor(models.IngestionStep, service.StepExecutorFunc(
		func(ctx context.Context, in models.StepInput) (models.StepResult, error) {
			return ingestion(in.TotalTransactions, 0), nil
		})))
	require.NoError(t, e.workflows.RegisterExecutor(models.PatternMatchingStep, service.StepExecutorFunc(
		func(ctx context.Context, in models.StepInput) (models.StepResult, error) {
			assert.Equal(t, 3, in.Previous.Processed)
			return matching(3, 0,
				models.MatchCandidate{TransactionID: "t1", Confidence: 0.9},
				models.MatchCandidate{TransactionID: "t2", Confidence: 0.2},
			), nil
		})))
	require.NoError(t, e.workflows.RegisterExecutor(models.SuggestionStep, service.StepExecutorFunc(
		func(ctx context.Context, in models.StepInput) (models.StepResult, error) {
			return models.SuggestionResult{StepOutcome: models.StepOutcome{Processed: 3}, Suggestions: 1}, nil
		})))

	_, err := e.workflows.StartBatch(ctx, "full", 3)
	require.NoError(t, err)

	b, err := e.workflows.RunBatch(ctx, "full")
	require.NoError(t, err)
	assert.Equal(t, models.RunningWorkflowStatus, b.Status)
	assert.Equal(t, models.HumanReviewStep, b.CurrentStep)
	assert.NotNil(t, b.StepFor(models.PatternMatchingStep).CompletedAt)

	_, err = e.approvals.Decide(ctx, service.CandidateItemID("full", "t2"), models.ApprovedDecision, "carol", "")
	require.NoError(t, err)

	b, err = e.workflows.RunBatch(ctx, "full")
	require.NoError(t, err)
	assert.Equal(t, models.CompletedWorkflowStatus, b.Status)
	assert.Equal(t, 3, b.ProcessedTransactions)

	_, err = e.workflows.RunBatch(ctx, "full")
	assert.ErrorIs(t, err, service.ErrInvalidTransition)
}

func TestRunBatch_NoCandidatesSkipsReview(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, service.DefaultConfig())

	require.NoError(t, e.workflows.RegisterExecutor(models.IngestionStep, service.StepExecutorFunc(
		func(ctx context.Context, in models.StepInput) (models.StepResult, error) {
			return ingestion(in.TotalTransactions, 0), nil
		})))
	require.NoError(t, e.workflows.RegisterExecutor(models.PatternMatchingStep, service.StepExecutorFunc(
		func(ctx context.Context, in models.StepInput) (models.StepResult, error) {
			return matching(in.Previous.Processed, 0), nil
		})))
	require.NoError(t, e.workflows.RegisterExecutor(models.SuggestionStep, service.StepExecutorFunc(
		func(ctx context.Context, in models.StepInput) (models.StepResult, error) {
			return suggestion(in.Previous.Processed, 0), nil
		})))

	_, err := e.workflows.StartBatch(ctx, "clean", 4)
	require.NoError(t, err)

	b, err := e.workflows.RunBatch(ctx, "clean")
	require.NoError(t, err)
	assert.Equal(t, models.CompletedWorkflowStatus, b.Status)
	assert.Equal(t, 0, b.PendingApprovals)
	candidates := b.StepFor(models.PatternMatchingStep).Candidates
	require.NotNil(t, candidates)
	assert.Equal(t, 0, *candidates)
	assert.Equal(t, models.CompletedStepStatus, b.StepFor(models.HumanReviewStep).Status)

	// a reported matching result with no candidates still waits for items
	_, err = e.workflows.StartBatch(ctx, "manual", 4)
	require.NoError(t, err)
	_, err = e.workflows.AdvanceStep(ctx, "manual", ingestion(4, 0))
	require.NoError(t, err)
	b, err = e.workflows.AdvanceStep(ctx, "manual", matching(4, 0))
	require.NoError(t, err)
	assert.Equal(t, models.HumanReviewStep, b.CurrentStep)
	assert.Nil(t, b.StepFor(models.PatternMatchingStep).Candidates)
}

func TestRunStep_CallerCancelLeavesStepRunning(t *testing.T) {
	e := newEngine(t, service.DefaultConfig())
	started := make(chan struct{})
	require.NoError(t, e.workflows.RegisterExecutor(models.IngestionStep, service.StepExecutorFunc(
		func(ctx context.Context, in models.StepInput) (models.StepResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})))
	_, err := e.workflows.StartBatch(context.Background(), "interrupted", 10)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err = e.workflows.RunStep(ctx, "interrupted")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, service.ErrExecutorFailure))

	st, err := e.workflows.GetStatus(context.Background(), "interrupted")
	require.NoError(t, err)
	assert.Equal(t, models.RunningWorkflowStatus, st.Status)
	assert.Equal(t, models.IngestionStep, st.CurrentStep)
	assert.Empty(t, e.notifier.Actions())
}
