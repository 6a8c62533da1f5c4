package service

import (
	"context"
	"fmt"
	"time"

	"github.com/vijaythecoder/fintool-sub003/pkg/models"
)

// DefaultStallThreshold is how long a running batch may go without an
// update before it is reported as stalled.
const DefaultStallThreshold = 30 * time.Minute

// Monitor looks for running batches that stopped making progress.
type Monitor struct {
	workflows *WorkflowService
	alerts    *AlertService
	logger    Logger
	threshold time.Duration
	now       func() time.Time
}

func NewMonitor(workflows *WorkflowService, alerts *AlertService, logger Logger, threshold time.Duration, opts ...Option) *Monitor {
	if threshold <= 0 {
		threshold = DefaultStallThreshold
	}
	o := newOptions(opts)
	return &Monitor{workflows: workflows, alerts: alerts, logger: logger, threshold: threshold, now: o.now}
}

// Sweep raises one stalled_batch alert per stalled batch; a batch that
// already has an unresolved one is skipped. It returns the alerts raised.
func (m *Monitor) Sweep(ctx context.Context) ([]models.Alert, error) {
	batches, err := m.workflows.ListBatches(ctx, models.RunningWorkflowStatus)
	if err != nil {
		return nil, err
	}
	now := m.now()
	raised := []models.Alert{}
	for _, b := range batches {
		idle := now.Sub(b.UpdatedAt)
		if idle <= m.threshold {
			continue
		}
		alert, created, err := m.alerts.raiseOnce(ctx, RaiseRequest{
			Severity:  models.MediumSeverity,
			Title:     fmt.Sprintf("Batch %s stalled at %s", b.BatchID, b.CurrentStep.Name()),
			Message:   fmt.Sprintf("no progress for %s", idle.Round(time.Second)),
			Component: workflowComponent,
			ErrorType: StalledBatchAlert,
			BatchID:   b.BatchID,
		})
		if err != nil {
			m.logger.Errorf("Failed to raise stall alert for batch %s: %v", b.BatchID, err)
			continue
		}
		if created {
			raised = append(raised, alert)
		}
	}
	if len(raised) > 0 {
		m.logger.Warnf("Sweep found %d stalled batches", len(raised))
	}
	return raised, ctx.Err()
}
