package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vijaythecoder/fintool-sub003/pkg/metrics"
	"github.com/vijaythecoder/fintool-sub003/pkg/models"
	"github.com/vijaythecoder/fintool-sub003/pkg/storage"
)

// Alert error types raised by the engine.
const (
	ExecutorFailureAlert = "executor_failure"
	StepFailedAlert      = "step_failed"
	FailureRateAlert     = "failure_rate_threshold"
	StalledBatchAlert    = "stalled_batch"

	workflowComponent = "workflow"
)

// FailurePolicy decides whether a step that reported outcome has failed.
// recorded is the number of errors already logged against the step.
type FailurePolicy func(step models.Step, outcome models.StepOutcome, recorded int) bool

// DefaultFailurePolicy fails a step only when it processed nothing and
// something went wrong.
func DefaultFailurePolicy(step models.Step, outcome models.StepOutcome, recorded int) bool {
	return outcome.Processed == 0 && (outcome.Failed > 0 || len(outcome.Errors) > 0 || recorded > 0)
}

// Config tunes the state machine.
type Config struct {
	StepTimeout       time.Duration
	HumanReviewBypass bool
	FailurePolicy     FailurePolicy
	// FailureRateThreshold raises an alert when a completed step's
	// failed/(processed+failed) exceeds it. Zero disables the check.
	FailureRateThreshold float64
	BreakerFailures      uint32
	BreakerCooldown      time.Duration
}

func DefaultConfig() Config {
	return Config{
		StepTimeout:          DefaultStepTimeout,
		FailurePolicy:        DefaultFailurePolicy,
		FailureRateThreshold: 0.2,
	}
}

// WorkflowService owns batch records and moves them through the four
// pipeline steps. Every mutation of a batch happens under its batch lock.
type WorkflowService struct {
	store     storage.Store
	approvals *ApprovalService
	alerts    *AlertService
	logger    Logger
	cfg       Config
	opts      options

	mu        sync.RWMutex
	executors map[models.Step]*guardedExecutor
}

func NewWorkflowService(store storage.Store, approvals *ApprovalService, alerts *AlertService, logger Logger, cfg Config, opts ...Option) *WorkflowService {
	if cfg.FailurePolicy == nil {
		cfg.FailurePolicy = DefaultFailurePolicy
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	s := &WorkflowService{
		store:     store,
		approvals: approvals,
		alerts:    alerts,
		logger:    logger,
		cfg:       cfg,
		opts:      newOptions(opts),
		executors: make(map[models.Step]*guardedExecutor),
	}
	approvals.OnDecision(s.onDecision)
	return s
}

// RegisterExecutor sets the executor RunStep uses for step. Human review
// has no executor.
func (s *WorkflowService) RegisterExecutor(step models.Step, executor StepExecutor) error {
	if !step.Valid() || step == models.HumanReviewStep {
		return errors.Wrapf(ErrInvalidInput, "step %d does not take an executor", step)
	}
	if executor == nil {
		return errors.Wrap(ErrInvalidInput, "executor cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executors[step]; exists {
		s.logger.Warnf("Executor for step %d (%s) already registered, overwriting", step, step.Name())
	}
	s.executors[step] = newGuardedExecutor(step, executor, s.cfg, s.logger)
	return nil
}

func (s *WorkflowService) withBatch(ctx context.Context, batchID string, fn func(ctx context.Context) error) error {
	return s.opts.locker.WithLock(ctx, "batch:"+batchID, fn)
}

// StartBatch creates a new attempt for batchID, generating an ID when it
// is empty. A previous attempt is linked through PreviousWorkflowID and,
// if still open, failed as superseded.
func (s *WorkflowService) StartBatch(ctx context.Context, batchID string, total int) (models.Batch, error) {
	if total < 0 {
		return models.Batch{}, errors.Wrapf(ErrInvalidInput, "total transactions cannot be negative, got %d", total)
	}
	if strings.TrimSpace(batchID) == "" {
		batchID = uuid.NewString()
	}

	var created models.Batch
	err := s.withBatch(ctx, batchID, func(ctx context.Context) error {
		return inTx(s.store, s.logger, func(tx storage.Store) error {
			now := s.opts.now()
			b := models.NewBatch(batchID, uuid.NewString(), total, now)
			prev, err := tx.GetLatestBatch(batchID)
			switch {
			case err == nil:
				b.PreviousWorkflowID = prev.WorkflowID
				if !prev.Status.Terminal() {
					failBatch(&prev, prev.CurrentStep, fmt.Sprintf("superseded by workflow %s", b.WorkflowID), now)
					if err := tx.UpdateBatch(prev); err != nil {
						return errors.Wrapf(err, "failed to supersede workflow %s", prev.WorkflowID)
					}
					s.logger.Infof("Workflow %s of batch %s superseded by %s", prev.WorkflowID, batchID, b.WorkflowID)
				}
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}
			counts, err := s.approvals.CountsFor(ctx, batchID)
			if err != nil {
				return err
			}
			b.ApplyApprovalCounts(counts)
			if err := tx.SaveBatch(b); err != nil {
				return errors.Wrapf(err, "failed to save batch %s", batchID)
			}
			created = b
			return nil
		})
	})
	if err != nil {
		return models.Batch{}, err
	}
	s.logger.Infof("Started batch %s as workflow %s with %d transactions", batchID, created.WorkflowID, total)
	return created, nil
}

// AdvanceStep closes the current step with result. A failing step fails
// the batch; completing step 4 completes it.
func (s *WorkflowService) AdvanceStep(ctx context.Context, batchID string, result models.StepResult) (models.Batch, error) {
	if err := validateResult(result); err != nil {
		return models.Batch{}, err
	}
	var out models.Batch
	err := s.withBatch(ctx, batchID, func(ctx context.Context) error {
		var err error
		out, err = s.advanceLocked(ctx, batchID, result, false)
		return err
	})
	return out, err
}

func validateResult(result models.StepResult) error {
	if result == nil {
		return errors.Wrap(ErrInvalidInput, "step result cannot be nil")
	}
	if !result.Step().Valid() {
		return errors.Wrapf(ErrInvalidInput, "unknown step %d", result.Step())
	}
	outcome := result.Outcome()
	if outcome.Processed < 0 || outcome.Failed < 0 {
		return errors.Wrapf(ErrInvalidInput, "step %d reported negative counters", result.Step())
	}
	if match, ok := asMatchResult(result); ok {
		for _, c := range match.Candidates {
			if c.TransactionID == "" || c.Confidence < 0 || c.Confidence > 1 {
				return errors.Wrapf(ErrInvalidInput, "invalid match candidate %q with confidence %v", c.TransactionID, c.Confidence)
			}
		}
	}
	return nil
}

func asMatchResult(result models.StepResult) (models.MatchResult, bool) {
	switch r := result.(type) {
	case models.MatchResult:
		return r, true
	case *models.MatchResult:
		if r == nil {
			return models.MatchResult{}, false
		}
		return *r, true
	default:
		return models.MatchResult{}, false
	}
}

// advanceLocked applies result to the batch. fromExecutor marks results
// produced by the registered executor rather than reported by a caller.
func (s *WorkflowService) advanceLocked(ctx context.Context, batchID string, result models.StepResult, fromExecutor bool) (models.Batch, error) {
	step := result.Step()
	outcome := result.Outcome()
	var b models.Batch
	changed := false
	err := inTx(s.store, s.logger, func(tx storage.Store) error {
		var err error
		b, err = tx.GetLatestBatch(batchID)
		if err != nil {
			return notFound(err, "batch %s", batchID)
		}
		if b.Status != models.RunningWorkflowStatus {
			return errors.Wrapf(ErrInvalidTransition, "batch %s is %s", batchID, b.Status)
		}
		if step == models.HumanReviewStep && b.StepFor(step).Status == models.CompletedStepStatus {
			// already closed by auto-advance
			return nil
		}
		if step != b.CurrentStep {
			return errors.Wrapf(ErrInvalidTransition, "batch %s is at step %d, got a result for step %d", batchID, b.CurrentStep, step)
		}
		if outcome.Processed+outcome.Failed > b.TotalTransactions {
			return errors.Wrapf(ErrInvalidInput, "step %d reported %d processed and %d failed out of %d transactions",
				step, outcome.Processed, outcome.Failed, b.TotalTransactions)
		}

		now := s.opts.now()
		if step == models.HumanReviewStep {
			counts, err := countsIn(tx, batchID)
			if err != nil {
				return err
			}
			if counts.Pending > 0 && !s.cfg.HumanReviewBypass {
				return errors.Wrapf(ErrInvalidTransition, "batch %s has %d pending approvals", batchID, counts.Pending)
			}
			b.ApplyApprovalCounts(counts)
			closeStep(&b, step, models.CompletedStepStatus, 0, now)
		} else {
			s.recordOutcome(&b, step, outcome, now)
			if match, ok := asMatchResult(result); ok && b.Status == models.RunningWorkflowStatus {
				if fromExecutor {
					b.StepFor(step).Candidates = intPtr(len(match.Candidates))
				}
				if len(match.Candidates) > 0 {
					if _, err := s.approvals.enqueueAllTx(tx, batchID, match.Candidates); err != nil {
						return errors.Wrapf(err, "failed to enqueue match candidates of batch %s", batchID)
					}
					counts, err := countsIn(tx, batchID)
					if err != nil {
						return err
					}
					b.ApplyApprovalCounts(counts)
				}
			}
		}
		changed = true
		return tx.UpdateBatch(b)
	})
	if err != nil || !changed {
		return b, err
	}

	s.logStep(b, step)
	s.checkStep(ctx, b, step, outcome)
	if b.Status == models.RunningWorkflowStatus && b.CurrentStep == models.HumanReviewStep {
		return s.reviewLocked(ctx, batchID)
	}
	return b, nil
}

// recordOutcome applies an executing step's counters to b and moves it on.
func (s *WorkflowService) recordOutcome(b *models.Batch, step models.Step, outcome models.StepOutcome, now time.Time) {
	recorded := 0
	for _, e := range b.Errors {
		if e.Step == step {
			recorded++
		}
	}
	for _, e := range outcome.Errors {
		b.Errors = append(b.Errors, models.ErrorEntry{Step: step, Message: e.Message, TransactionID: e.TransactionID, OccurredAt: now})
	}

	state := b.StepFor(step)
	state.Processed = outcome.Processed
	state.Failed = outcome.Failed
	b.ProcessedTransactions = outcome.Processed
	b.FailedTransactions = outcome.Failed

	if s.cfg.FailurePolicy(step, outcome, recorded) {
		failBatch(b, step, fmt.Sprintf("%s failed: %d processed, %d failed", step.Name(), outcome.Processed, outcome.Failed), now)
		if outcome.Elapsed > 0 {
			state.DurationMs = outcome.Elapsed.Milliseconds()
		}
		return
	}
	closeStep(b, step, models.CompletedStepStatus, outcome.Elapsed, now)
}

// closeStep finishes step with status and, for a completed step, starts
// the next one or completes the batch.
func closeStep(b *models.Batch, step models.Step, status models.StepStatus, elapsed time.Duration, now time.Time) {
	state := b.StepFor(step)
	finished := now
	state.Status = status
	state.CompletedAt = &finished
	switch {
	case elapsed > 0:
		state.DurationMs = elapsed.Milliseconds()
	case state.StartedAt != nil:
		state.DurationMs = now.Sub(*state.StartedAt).Milliseconds()
	}
	b.UpdatedAt = now

	if status != models.CompletedStepStatus {
		return
	}
	if step == models.LastStep {
		b.Status = models.CompletedWorkflowStatus
		return
	}
	b.CurrentStep = step + 1
	next := b.StepFor(b.CurrentStep)
	started := now
	next.Status = models.RunningStepStatus
	next.StartedAt = &started
}

// failBatch fails step, logs message against it and halts the batch.
func failBatch(b *models.Batch, step models.Step, message string, now time.Time) {
	b.Errors = append(b.Errors, models.ErrorEntry{Step: step, Message: message, OccurredAt: now})
	if state := b.StepFor(step); state != nil && !state.Status.Finished() {
		closeStep(b, step, models.FailedStepStatus, 0, now)
	}
	b.Status = models.FailedWorkflowStatus
	b.UpdatedAt = now
}

func (s *WorkflowService) logStep(b models.Batch, step models.Step) {
	state := b.StepFor(step)
	s.logger.Infof("Batch %s step %d (%s) %s: %d processed, %d failed; batch is %s at step %d",
		b.BatchID, step, step.Name(), state.Status, state.Processed, state.Failed, b.Status, b.CurrentStep)
}

// checkStep raises alerts for a step that failed or whose failure rate
// crossed the configured threshold.
func (s *WorkflowService) checkStep(ctx context.Context, b models.Batch, step models.Step, outcome models.StepOutcome) {
	if b.StepFor(step).Status == models.FailedStepStatus {
		s.raise(ctx, RaiseRequest{
			Severity:      stepSeverity(step),
			Title:         fmt.Sprintf("%s failed for batch %s", step.Name(), b.BatchID),
			Message:       fmt.Sprintf("step %d processed %d and failed %d transactions", step, outcome.Processed, outcome.Failed),
			Component:     workflowComponent,
			ErrorType:     StepFailedAlert,
			BatchID:       b.BatchID,
			AffectedCount: intPtr(outcome.Failed),
		})
		return
	}
	attempted := outcome.Processed + outcome.Failed
	if s.cfg.FailureRateThreshold <= 0 || attempted == 0 {
		return
	}
	rate := float64(outcome.Failed) / float64(attempted)
	if rate > s.cfg.FailureRateThreshold {
		s.raise(ctx, RaiseRequest{
			Severity:      models.MediumSeverity,
			Title:         fmt.Sprintf("%s failure rate %.0f%% for batch %s", step.Name(), rate*100, b.BatchID),
			Message:       fmt.Sprintf("%d of %d transactions failed, threshold is %.0f%%", outcome.Failed, attempted, s.cfg.FailureRateThreshold*100),
			Component:     workflowComponent,
			ErrorType:     FailureRateAlert,
			BatchID:       b.BatchID,
			AffectedCount: intPtr(outcome.Failed),
		})
	}
}

func stepSeverity(step models.Step) models.Severity {
	if step == models.IngestionStep {
		return models.CriticalSeverity
	}
	return models.HighSeverity
}

func intPtr(v int) *int {
	return &v
}

func (s *WorkflowService) raise(ctx context.Context, req RaiseRequest) {
	if s.alerts == nil {
		return
	}
	if _, err := s.alerts.Raise(ctx, req); err != nil {
		s.logger.Errorf("Failed to raise %s alert for batch %s: %v", req.ErrorType, req.BatchID, err)
	}
}

// reviewLocked closes step 3 once no approvals are pending, or straight
// away under the review bypass. It also refreshes the stored approval
// counters.
func (s *WorkflowService) reviewLocked(ctx context.Context, batchID string) (models.Batch, error) {
	var b models.Batch
	advanced := false
	err := inTx(s.store, s.logger, func(tx storage.Store) error {
		var err error
		b, err = tx.GetLatestBatch(batchID)
		if err != nil {
			return notFound(err, "batch %s", batchID)
		}
		if b.Status != models.RunningWorkflowStatus || b.CurrentStep != models.HumanReviewStep ||
			b.StepFor(models.HumanReviewStep).Status.Finished() {
			return nil
		}
		counts, err := s.approvals.CountsFor(ctx, batchID)
		if err != nil {
			return err
		}
		ready := s.cfg.HumanReviewBypass || (counts.Pending == 0 && (counts.Total() > 0 || nothingToReview(b)))
		before := storedCounts(b)
		b.ApplyApprovalCounts(counts)
		if ready {
			closeStep(&b, models.HumanReviewStep, models.CompletedStepStatus, 0, s.opts.now())
			advanced = true
		} else if before == counts {
			return nil
		}
		return tx.UpdateBatch(b)
	})
	if err == nil && advanced {
		s.logStep(b, models.HumanReviewStep)
	}
	return b, err
}

// nothingToReview reports whether the matching executor produced no
// candidates. Step 2 results reported by callers leave Candidates unset,
// since their items may still be enqueued separately.
func nothingToReview(b models.Batch) bool {
	match := b.StepFor(models.PatternMatchingStep)
	return match.Candidates != nil && *match.Candidates == 0
}

func (s *WorkflowService) onDecision(ctx context.Context, item models.ApprovalItem) {
	err := s.withBatch(ctx, item.BatchID, func(ctx context.Context) error {
		_, err := s.reviewLocked(ctx, item.BatchID)
		return err
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Errorf("Failed to re-evaluate review of batch %s after deciding %s: %v", item.BatchID, item.ItemID, err)
	}
}

// RecordError appends to the batch error log without changing any status.
func (s *WorkflowService) RecordError(ctx context.Context, batchID string, step models.Step, message, transactionID string) error {
	if !step.Valid() {
		return errors.Wrapf(ErrInvalidInput, "unknown step %d", step)
	}
	if strings.TrimSpace(message) == "" {
		return errors.Wrap(ErrInvalidInput, "error message cannot be empty")
	}
	return s.withBatch(ctx, batchID, func(ctx context.Context) error {
		return inTx(s.store, s.logger, func(tx storage.Store) error {
			b, err := tx.GetLatestBatch(batchID)
			if err != nil {
				return notFound(err, "batch %s", batchID)
			}
			now := s.opts.now()
			b.Errors = append(b.Errors, models.ErrorEntry{Step: step, Message: message, TransactionID: transactionID, OccurredAt: now})
			b.UpdatedAt = now
			s.logger.Infof("Recorded error for batch %s step %d: %s", batchID, step, message)
			return tx.UpdateBatch(b)
		})
	})
}

// GetStatus returns the read model of the latest attempt of batchID.
// A batch parked at human review is re-evaluated first.
func (s *WorkflowService) GetStatus(ctx context.Context, batchID string) (models.BatchStatus, error) {
	b, err := s.store.GetLatestBatch(batchID)
	if err != nil {
		return models.BatchStatus{}, notFound(err, "batch %s", batchID)
	}
	if b.Status == models.RunningWorkflowStatus && b.CurrentStep == models.HumanReviewStep {
		err := s.withBatch(ctx, batchID, func(ctx context.Context) error {
			var err error
			b, err = s.reviewLocked(ctx, batchID)
			return err
		})
		if err != nil {
			s.logger.Warnf("Could not re-evaluate review of batch %s: %v", batchID, err)
			if b, err = s.store.GetLatestBatch(batchID); err != nil {
				return models.BatchStatus{}, notFound(err, "batch %s", batchID)
			}
		}
	}
	counts, err := s.approvals.CountsFor(ctx, batchID)
	if err != nil {
		s.logger.Warnf("Falling back to stored approval counts for batch %s: %v", batchID, err)
		counts = storedCounts(b)
	}
	return buildStatus(b, counts, s.opts.now()), nil
}

func storedCounts(b models.Batch) models.ApprovalCounts {
	return models.ApprovalCounts{
		Pending:      b.PendingApprovals,
		Approved:     b.ApprovedSuggestions,
		Rejected:     b.RejectedSuggestions,
		AutoApproved: b.AutoApprovedSuggestions,
	}
}

func buildStatus(b models.Batch, counts models.ApprovalCounts, now time.Time) models.BatchStatus {
	snap := metrics.Calculate(b, now)
	status := models.BatchStatus{
		BatchID:               b.BatchID,
		WorkflowID:            b.WorkflowID,
		PreviousWorkflowID:    b.PreviousWorkflowID,
		Status:                b.Status,
		CurrentStep:           b.CurrentStep,
		CurrentStepName:       b.CurrentStep.Name(),
		TotalTransactions:     b.TotalTransactions,
		ProcessedTransactions: b.ProcessedTransactions,
		FailedTransactions:    b.FailedTransactions,
		Steps:                 b.Steps,
		Approvals:             counts,
		PercentComplete:       snap.PercentComplete,
		ProcessingRate:        snap.ProcessingRate,
		EstimatedCompletion:   snap.EstimatedCompletion,
		Errors:                b.Errors,
		CreatedAt:             b.CreatedAt,
		UpdatedAt:             b.UpdatedAt,
	}
	if snap.Remaining != nil {
		ms := snap.Remaining.Milliseconds()
		status.EstimatedTimeRemaining = metrics.Format(*snap.Remaining)
		status.EstimatedTimeRemainingMs = &ms
	}
	if status.Errors == nil {
		status.Errors = []models.ErrorEntry{}
	}
	return status
}

// ListBatches returns attempts with the given status, newest first. An
// empty status lists every attempt.
func (s *WorkflowService) ListBatches(ctx context.Context, status models.WorkflowStatus) ([]models.Batch, error) {
	return s.store.ListBatches(status)
}

// PauseBatch stops a running batch from accepting step transitions.
func (s *WorkflowService) PauseBatch(ctx context.Context, batchID string) (models.Batch, error) {
	return s.setStatus(ctx, batchID, models.RunningWorkflowStatus, models.PausedWorkflowStatus)
}

// ResumeBatch returns a paused batch to RUNNING.
func (s *WorkflowService) ResumeBatch(ctx context.Context, batchID string) (models.Batch, error) {
	var out models.Batch
	err := s.withBatch(ctx, batchID, func(ctx context.Context) error {
		var err error
		if out, err = s.setStatusLocked(batchID, models.PausedWorkflowStatus, models.RunningWorkflowStatus); err != nil {
			return err
		}
		if out.CurrentStep == models.HumanReviewStep {
			out, err = s.reviewLocked(ctx, batchID)
		}
		return err
	})
	return out, err
}

func (s *WorkflowService) setStatus(ctx context.Context, batchID string, from, to models.WorkflowStatus) (models.Batch, error) {
	var out models.Batch
	err := s.withBatch(ctx, batchID, func(ctx context.Context) error {
		var err error
		out, err = s.setStatusLocked(batchID, from, to)
		return err
	})
	return out, err
}

func (s *WorkflowService) setStatusLocked(batchID string, from, to models.WorkflowStatus) (models.Batch, error) {
	var b models.Batch
	err := inTx(s.store, s.logger, func(tx storage.Store) error {
		var err error
		b, err = tx.GetLatestBatch(batchID)
		if err != nil {
			return notFound(err, "batch %s", batchID)
		}
		if b.Status != from {
			return errors.Wrapf(ErrInvalidTransition, "batch %s is %s, expected %s", batchID, b.Status, from)
		}
		b.Status = to
		b.UpdatedAt = s.opts.now()
		return tx.UpdateBatch(b)
	})
	if err != nil {
		return models.Batch{}, err
	}
	s.logger.Infof("Batch %s moved from %s to %s", batchID, from, to)
	return b, nil
}

// CancelBatch fails a running or paused batch at its current step.
func (s *WorkflowService) CancelBatch(ctx context.Context, batchID, by, reason string) (models.Batch, error) {
	if strings.TrimSpace(by) == "" {
		return models.Batch{}, errors.Wrap(ErrInvalidInput, "cancelling actor cannot be empty")
	}
	var b models.Batch
	err := s.withBatch(ctx, batchID, func(ctx context.Context) error {
		return inTx(s.store, s.logger, func(tx storage.Store) error {
			var err error
			b, err = tx.GetLatestBatch(batchID)
			if err != nil {
				return notFound(err, "batch %s", batchID)
			}
			if b.Status.Terminal() {
				return errors.Wrapf(ErrInvalidTransition, "batch %s is already %s", batchID, b.Status)
			}
			message := "cancelled by " + by
			if reason != "" {
				message += ": " + reason
			}
			failBatch(&b, b.CurrentStep, message, s.opts.now())
			return tx.UpdateBatch(b)
		})
	})
	if err != nil {
		return models.Batch{}, err
	}
	s.logger.Infof("Batch %s cancelled by %s", batchID, by)
	return b, nil
}

func (s *WorkflowService) executor(step models.Step) *guardedExecutor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.executors[step]
}

// RunStep executes the current step of batchID with its registered
// executor and records the result. At step 3 it only re-evaluates the
// approval queue. The batch lock is held for the whole call.
func (s *WorkflowService) RunStep(ctx context.Context, batchID string) (models.Batch, error) {
	var out models.Batch
	err := s.withBatch(ctx, batchID, func(ctx context.Context) error {
		b, err := s.store.GetLatestBatch(batchID)
		if err != nil {
			return notFound(err, "batch %s", batchID)
		}
		if b.Status != models.RunningWorkflowStatus {
			return errors.Wrapf(ErrInvalidTransition, "batch %s is %s", batchID, b.Status)
		}
		step := b.CurrentStep
		if step == models.HumanReviewStep {
			out, err = s.reviewLocked(ctx, batchID)
			return err
		}
		exec := s.executor(step)
		if exec == nil {
			return errors.Wrapf(ErrNotFound, "no executor registered for step %d (%s)", step, step.Name())
		}

		in := models.StepInput{
			BatchID:           b.BatchID,
			WorkflowID:        b.WorkflowID,
			Step:              step,
			TotalTransactions: b.TotalTransactions,
		}
		if step > models.FirstStep {
			in.Previous = models.StepOutcome{Processed: b.ProcessedTransactions, Failed: b.FailedTransactions}
		}
		s.logger.Infof("Running step %d (%s) of batch %s", step, step.Name(), batchID)
		res, err := exec.run(ctx, in)
		if err == nil {
			if err = validateResult(res); err == nil {
				out, err = s.advanceLocked(ctx, batchID, res, true)
			}
			if err == nil || !errors.Is(err, ErrInvalidInput) {
				return err
			}
		}
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return errors.Wrapf(err, "step %d of batch %s interrupted", step, batchID)
		}
		if out, err = s.failStepLocked(ctx, batchID, step, err); err != nil {
			return err
		}
		return errors.Wrapf(ErrExecutorFailure, "step %d (%s) of batch %s: %s", step, step.Name(), batchID, out.Errors[len(out.Errors)-1].Message)
	})
	return out, err
}

// failStepLocked records an executor failure and fails the batch.
func (s *WorkflowService) failStepLocked(ctx context.Context, batchID string, step models.Step, cause error) (models.Batch, error) {
	var b models.Batch
	err := inTx(s.store, s.logger, func(tx storage.Store) error {
		var err error
		b, err = tx.GetLatestBatch(batchID)
		if err != nil {
			return notFound(err, "batch %s", batchID)
		}
		failBatch(&b, step, cause.Error(), s.opts.now())
		return tx.UpdateBatch(b)
	})
	if err != nil {
		return models.Batch{}, errors.Wrapf(err, "failed to record executor failure of batch %s", batchID)
	}
	s.logger.Errorf("Step %d (%s) of batch %s failed: %v", step, step.Name(), batchID, cause)
	s.raise(ctx, RaiseRequest{
		Severity:  stepSeverity(step),
		Title:     fmt.Sprintf("%s executor failed for batch %s", step.Name(), batchID),
		Message:   cause.Error(),
		Component: workflowComponent,
		ErrorType: ExecutorFailureAlert,
		BatchID:   batchID,
	})
	return b, nil
}

// RunBatch runs steps until the batch is terminal, paused or waiting for
// human review.
func (s *WorkflowService) RunBatch(ctx context.Context, batchID string) (models.Batch, error) {
	for {
		b, err := s.RunStep(ctx, batchID)
		if err != nil {
			return b, err
		}
		if b.Status != models.RunningWorkflowStatus {
			return b, nil
		}
		if b.CurrentStep == models.HumanReviewStep && !b.StepFor(models.HumanReviewStep).Status.Finished() {
			return b, nil
		}
		if err := ctx.Err(); err != nil {
			return b, err
		}
	}
}
