package models

import "time"

type Severity string

const (
	CriticalSeverity Severity = "critical"
	HighSeverity     Severity = "high"
	MediumSeverity   Severity = "medium"
	LowSeverity      Severity = "low"
)

func (s Severity) Valid() bool {
	switch s {
	case CriticalSeverity, HighSeverity, MediumSeverity, LowSeverity:
		return true
	}
	return false
}

type AlertStatus string

const (
	ActiveAlertStatus       AlertStatus = "active"
	AcknowledgedAlertStatus AlertStatus = "acknowledged"
	ResolvedAlertStatus     AlertStatus = "resolved"
)

// Alert records an operational anomaly. Alerts are never deleted.
type Alert struct {
	AlertID           string      `json:"alert_id" db:"alert_id"`
	Severity          Severity    `json:"severity" db:"severity"`
	Status            AlertStatus `json:"status" db:"status"`
	Title             string      `json:"title" db:"title"`
	Message           string      `json:"message" db:"message"`
	Component         string      `json:"component,omitempty" db:"component"`
	ErrorType         string      `json:"error_type,omitempty" db:"error_type"`
	BatchID           string      `json:"batch_id,omitempty" db:"batch_id"`
	TransactionID     string      `json:"transaction_id,omitempty" db:"transaction_id"`
	AffectedCount     *int        `json:"affected_count,omitempty" db:"affected_count"`
	OccurredAt        time.Time   `json:"occurred_at" db:"occurred_at"`
	AcknowledgedAt    *time.Time  `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	AcknowledgedBy    string      `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgeReason string      `json:"acknowledge_reason,omitempty" db:"acknowledge_reason"`
	ResolvedAt        *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy        string      `json:"resolved_by,omitempty" db:"resolved_by"`
	Resolution        string      `json:"resolution,omitempty" db:"resolution"`
}

// AlertFilter narrows List results. Zero fields match everything.
type AlertFilter struct {
	Status    AlertStatus
	Severity  Severity
	Component string
	ErrorType string
	BatchID   string
}

func (f AlertFilter) Match(a Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Component != "" && a.Component != f.Component {
		return false
	}
	if f.ErrorType != "" && a.ErrorType != f.ErrorType {
		return false
	}
	if f.BatchID != "" && a.BatchID != f.BatchID {
		return false
	}
	return true
}

// AlertSummary counts alerts by status, and active ones by severity.
type AlertSummary struct {
	Active           int              `json:"active"`
	Acknowledged     int              `json:"acknowledged"`
	Resolved         int              `json:"resolved"`
	ActiveBySeverity map[Severity]int `json:"active_by_severity"`
}

type AlertAction string

const (
	RaisedAlertAction       AlertAction = "raised"
	AcknowledgedAlertAction AlertAction = "acknowledged"
	ResolvedAlertAction     AlertAction = "resolved"
)

// AlertEvent is published after every alert mutation.
type AlertEvent struct {
	Action AlertAction `json:"action"`
	Alert  Alert       `json:"alert"`
	At     time.Time   `json:"at"`
}
