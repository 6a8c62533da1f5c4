package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type WorkflowStatus string

const (
	RunningWorkflowStatus   WorkflowStatus = "RUNNING"
	CompletedWorkflowStatus WorkflowStatus = "COMPLETED"
	FailedWorkflowStatus    WorkflowStatus = "FAILED"
	PausedWorkflowStatus    WorkflowStatus = "PAUSED"
)

// Terminal reports whether no further step transitions may occur.
func (s WorkflowStatus) Terminal() bool {
	return s == CompletedWorkflowStatus || s == FailedWorkflowStatus
}

// StepState is the per-step progress of a batch.
// CompletedAt is set iff Status is completed or failed.
type StepState struct {
	Step        Step       `json:"step"`
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Processed   int        `json:"processed"`
	Failed      int        `json:"failed"`
	DurationMs  int64      `json:"duration_ms"`
	// Candidates is the number of match candidates produced by the
	// pattern matching executor. Unset for other steps and for reported
	// results.
	Candidates *int `json:"candidates,omitempty"`
}

// StepStates is persisted as a single JSON document.
type StepStates []StepState

func (s StepStates) Value() (driver.Value, error) {
	return marshalJSON(s)
}

func (s *StepStates) Scan(src interface{}) error {
	return scanJSON(src, s)
}

// ErrorEntry is one line of a batch error log.
type ErrorEntry struct {
	Step          Step      `json:"step"`
	Message       string    `json:"message"`
	TransactionID string    `json:"transaction_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// ErrorLog is append-only.
type ErrorLog []ErrorEntry

func (l ErrorLog) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return marshalJSON(l)
}

func (l *ErrorLog) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// Batch is the record of one reconciliation attempt. BatchID is the
// caller-facing identity; WorkflowID is unique per attempt.
type Batch struct {
	WorkflowID              string         `json:"workflow_id" db:"workflow_id"`
	BatchID                 string         `json:"batch_id" db:"batch_id"`
	PreviousWorkflowID      string         `json:"previous_workflow_id,omitempty" db:"previous_workflow_id"`
	Status                  WorkflowStatus `json:"status" db:"status"`
	CurrentStep             Step           `json:"current_step" db:"current_step"`
	TotalTransactions       int            `json:"total_transactions" db:"total_transactions"`
	ProcessedTransactions   int            `json:"processed_transactions" db:"processed_transactions"`
	FailedTransactions      int            `json:"failed_transactions" db:"failed_transactions"`
	Steps                   StepStates     `json:"steps" db:"step_state"`
	PendingApprovals        int            `json:"pending_approvals" db:"pending_approvals"`
	ApprovedSuggestions     int            `json:"approved_suggestions" db:"approved_suggestions"`
	RejectedSuggestions     int            `json:"rejected_suggestions" db:"rejected_suggestions"`
	AutoApprovedSuggestions int            `json:"auto_approved_suggestions" db:"auto_approved_suggestions"`
	Errors                  ErrorLog       `json:"errors" db:"error_log"`
	CreatedAt               time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time      `json:"updated_at" db:"updated_at"`
}

// NewBatch builds the initial record: all steps pending except step 1,
// which is running.
func NewBatch(batchID, workflowID string, total int, now time.Time) Batch {
	steps := make(StepStates, 0, len(Steps))
	for _, step := range Steps {
		steps = append(steps, StepState{Step: step, Name: step.Name(), Status: PendingStepStatus})
	}
	started := now
	steps[0].Status = RunningStepStatus
	steps[0].StartedAt = &started
	return Batch{
		WorkflowID:        workflowID,
		BatchID:           batchID,
		Status:            RunningWorkflowStatus,
		CurrentStep:       FirstStep,
		TotalTransactions: total,
		Steps:             steps,
		Errors:            ErrorLog{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// StepFor returns a pointer into b.Steps for the given step.
func (b *Batch) StepFor(step Step) *StepState {
	for i := range b.Steps {
		if b.Steps[i].Step == step {
			return &b.Steps[i]
		}
	}
	return nil
}

// ApplyApprovalCounts copies queue aggregates onto the record.
func (b *Batch) ApplyApprovalCounts(c ApprovalCounts) {
	b.PendingApprovals = c.Pending
	b.ApprovedSuggestions = c.Approved
	b.RejectedSuggestions = c.Rejected
	b.AutoApprovedSuggestions = c.AutoApproved
}

// Clone returns a deep copy so stores never share slices with callers.
func (b Batch) Clone() Batch {
	out := b
	out.Steps = make(StepStates, len(b.Steps))
	for i, s := range b.Steps {
		out.Steps[i] = s
		if s.Candidates != nil {
			n := *s.Candidates
			out.Steps[i].Candidates = &n
		}
		if s.StartedAt != nil {
			t := *s.StartedAt
			out.Steps[i].StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			out.Steps[i].CompletedAt = &t
		}
	}
	out.Errors = append(ErrorLog{}, b.Errors...)
	return out
}

// marshalJSON returns a string so lib/pq sends it as text rather than bytea.
func marshalJSON(v interface{}) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func scanJSON(src interface{}, dest interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported type %T for JSON column", src)
	}
}
