package models

import "time"

// Step identifies one of the four fixed pipeline stages of a batch.
type Step int

const (
	IngestionStep       Step = 1
	PatternMatchingStep Step = 2
	HumanReviewStep     Step = 3
	SuggestionStep      Step = 4

	FirstStep = IngestionStep
	LastStep  = SuggestionStep
)

// Steps lists the pipeline in execution order.
var Steps = []Step{IngestionStep, PatternMatchingStep, HumanReviewStep, SuggestionStep}

func (s Step) Name() string {
	switch s {
	case IngestionStep:
		return "Ingestion"
	case PatternMatchingStep:
		return "Pattern Matching"
	case HumanReviewStep:
		return "Human Approval Review"
	case SuggestionStep:
		return "Suggestion Generation"
	default:
		return "Unknown"
	}
}

func (s Step) Valid() bool {
	return s >= FirstStep && s <= LastStep
}

type StepStatus string

const (
	PendingStepStatus   StepStatus = "pending"
	RunningStepStatus   StepStatus = "running"
	CompletedStepStatus StepStatus = "completed"
	FailedStepStatus    StepStatus = "failed"
)

// Finished reports whether the step reached a terminal status.
func (s StepStatus) Finished() bool {
	return s == CompletedStepStatus || s == FailedStepStatus
}

// StepError is a per-transaction error reported by a step executor.
type StepError struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Message       string `json:"message"`
}

// StepOutcome holds the counters every executing step reports.
type StepOutcome struct {
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Errors    []StepError   `json:"errors,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

func (o StepOutcome) Outcome() StepOutcome {
	return o
}

// StepResult is the closed set of results accepted by the state machine.
// Only the types in this package implement it.
type StepResult interface {
	Step() Step
	Outcome() StepOutcome
	isStepResult()
}

// IngestionResult is produced by step 1.
type IngestionResult struct {
	StepOutcome
}

func (IngestionResult) Step() Step { return IngestionStep }
func (IngestionResult) isStepResult() {}

// MatchCandidate is an ambiguous match that needs an approval decision.
type MatchCandidate struct {
	TransactionID string  `json:"transaction_id"`
	Confidence    float64 `json:"confidence"`
}

// MatchResult is produced by step 2. Candidates are enqueued for review.
type MatchResult struct {
	StepOutcome
	Candidates []MatchCandidate `json:"candidates,omitempty"`
}

func (MatchResult) Step() Step { return PatternMatchingStep }
func (MatchResult) isStepResult() {}

// ReviewResult closes step 3. It carries no counters: the approval queue is
// the source of truth for review progress.
type ReviewResult struct{}

func (ReviewResult) Step() Step { return HumanReviewStep }
func (ReviewResult) Outcome() StepOutcome { return StepOutcome{} }
func (ReviewResult) isStepResult() {}

// SuggestionResult is produced by step 4.
type SuggestionResult struct {
	StepOutcome
	Suggestions int `json:"suggestions"`
}

func (SuggestionResult) Step() Step { return SuggestionStep }
func (SuggestionResult) isStepResult() {}

// StepInput is handed to an executor when the engine runs a step.
type StepInput struct {
	BatchID           string
	WorkflowID        string
	Step              Step
	TotalTransactions int
	// Previous is the counters of the last completed step, zero for step 1.
	Previous StepOutcome
}
