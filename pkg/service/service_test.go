package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vijaythecoder/fintool-sub003/pkg/models"
	"github.com/vijaythecoder/fintool-sub003/pkg/service"
	"github.com/vijaythecoder/fintool-sub003/pkg/storage"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Warnf(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.AlertEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, event models.AlertEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Actions() []models.AlertAction {
	n.mu.Lock()
	defer n.mu.Unlock()
	actions := make([]models.AlertAction, len(n.events))
	for i, e := range n.events {
		actions[i] = e.Action
	}
	return actions
}

type engine struct {
	store     *storage.MemoryStore
	clock     *clock
	notifier  *recordingNotifier
	approvals *service.ApprovalService
	alerts    *service.AlertService
	workflows *service.WorkflowService
}

func newEngine(t *testing.T, cfg service.Config) *engine {
	t.Helper()
	e := &engine{
		store:    storage.NewMemoryStore(),
		clock:    newClock(),
		notifier: &recordingNotifier{},
	}
	opts := []service.Option{service.WithClock(e.clock.Now), service.WithNotifier(e.notifier)}
	e.approvals = service.NewApprovalService(e.store, logger{}, service.DefaultConfidenceThreshold, opts...)
	e.alerts = service.NewAlertService(e.store, logger{}, opts...)
	e.workflows = service.NewWorkflowService(e.store, e.approvals, e.alerts, logger{}, cfg, opts...)
	return e
}

func ingestion(processed, failed int) models.IngestionResult {
	return models.IngestionResult{StepOutcome: models.StepOutcome{Processed: processed, Failed: failed}}
}

func matching(processed, failed int, candidates ...models.MatchCandidate) models.MatchResult {
	return models.MatchResult{StepOutcome: models.StepOutcome{Processed: processed, Failed: failed}, Candidates: candidates}
}

func suggestion(processed, failed int) models.SuggestionResult {
	return models.SuggestionResult{StepOutcome: models.StepOutcome{Processed: processed, Failed: failed}}
}
