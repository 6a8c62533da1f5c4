package models

import "time"

// BatchStatus is the read model returned by status queries. Derived
// metrics are recomputed on every read and never stored.
type BatchStatus struct {
	BatchID                  string         `json:"batch_id"`
	WorkflowID               string         `json:"workflow_id"`
	PreviousWorkflowID       string         `json:"previous_workflow_id,omitempty"`
	Status                   WorkflowStatus `json:"status"`
	CurrentStep              Step           `json:"current_step"`
	CurrentStepName          string         `json:"current_step_name"`
	TotalTransactions        int            `json:"total_transactions"`
	ProcessedTransactions    int            `json:"processed_transactions"`
	FailedTransactions       int            `json:"failed_transactions"`
	Steps                    []StepState    `json:"steps"`
	Approvals                ApprovalCounts `json:"approvals"`
	PercentComplete          float64        `json:"percent_complete"`
	ProcessingRate           float64        `json:"processing_rate"`
	EstimatedTimeRemaining   string         `json:"estimated_time_remaining,omitempty"`
	EstimatedTimeRemainingMs *int64         `json:"estimated_time_remaining_ms,omitempty"`
	EstimatedCompletion      *time.Time     `json:"estimated_completion,omitempty"`
	Errors                   []ErrorEntry   `json:"errors"`
	CreatedAt                time.Time      `json:"created_at"`
	UpdatedAt                time.Time      `json:"updated_at"`
}
