package models

import "time"

type Decision string

const (
	PendingDecision      Decision = "pending"
	ApprovedDecision     Decision = "approved"
	RejectedDecision     Decision = "rejected"
	AutoApprovedDecision Decision = "auto-approved"
)

// ApprovalItem is one ambiguous match awaiting (or holding) a decision.
// BatchID is a back-reference; the item is not owned by the batch record.
type ApprovalItem struct {
	ItemID     string     `json:"item_id" db:"item_id"`
	BatchID    string     `json:"batch_id" db:"batch_id"`
	Confidence float64    `json:"confidence" db:"confidence"`
	Decision   Decision   `json:"decision" db:"decision"`
	DecidedBy  string     `json:"decided_by,omitempty" db:"decided_by"`
	DecidedAt  *time.Time `json:"decided_at,omitempty" db:"decided_at"`
	Reason     string     `json:"reason,omitempty" db:"reason"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	Seq        int64      `json:"-" db:"seq"` // insertion order, assigned by the store
}

// ApprovalCounts aggregates decisions for one batch.
type ApprovalCounts struct {
	Pending      int `json:"pending"`
	Approved     int `json:"approved"`
	Rejected     int `json:"rejected"`
	AutoApproved int `json:"auto_approved"`
}

func (c ApprovalCounts) Total() int {
	return c.Pending + c.Approved + c.Rejected + c.AutoApproved
}

// Add counts one decision.
func (c *ApprovalCounts) Add(d Decision) {
	switch d {
	case PendingDecision:
		c.Pending++
	case ApprovedDecision:
		c.Approved++
	case RejectedDecision:
		c.Rejected++
	case AutoApprovedDecision:
		c.AutoApproved++
	}
}
