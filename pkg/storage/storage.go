package storage

import (
	"github.com/pkg/errors"
	"github.com/vijaythecoder/fintool-sub003/pkg/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update lost a race.
	ErrConflict = errors.New("record was modified concurrently")
	// ErrDuplicate is returned when inserting a record whose key exists.
	ErrDuplicate = errors.New("record already exists")
)

// Store defines the durable state of the reconciliation engine.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Batch operations. GetBatch looks up one attempt by workflow ID,
	// GetLatestBatch the newest attempt for a caller batch ID.
	SaveBatch(b models.Batch) error
	UpdateBatch(b models.Batch) error
	GetBatch(workflowID string) (models.Batch, error)
	GetLatestBatch(batchID string) (models.Batch, error)
	ListBatches(status models.WorkflowStatus) ([]models.Batch, error)

	// Approval operations. Items are listed in insertion order.
	// DecideApprovalItem only succeeds while the stored item is pending.
	SaveApprovalItem(item models.ApprovalItem) error
	GetApprovalItem(itemID string) (models.ApprovalItem, error)
	ListApprovalItems(batchID string) ([]models.ApprovalItem, error)
	DecideApprovalItem(item models.ApprovalItem) error

	// Alert operations. UpdateAlert only succeeds while the stored status
	// equals expected.
	SaveAlert(a models.Alert) error
	GetAlert(alertID string) (models.Alert, error)
	UpdateAlert(a models.Alert, expected models.AlertStatus) error
	ListAlerts(filter models.AlertFilter) ([]models.Alert, error)
}
