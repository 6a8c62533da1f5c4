package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vijaythecoder/fintool-sub003/pkg/models"
	"github.com/vijaythecoder/fintool-sub003/pkg/storage"
)

// AlertNotifier receives alert lifecycle events after they are stored.
type AlertNotifier interface {
	Notify(ctx context.Context, event models.AlertEvent) error
}

// RaiseRequest describes a newly detected anomaly.
type RaiseRequest struct {
	Severity      models.Severity
	Title         string
	Message       string
	Component     string
	ErrorType     string
	BatchID       string
	TransactionID string
	AffectedCount *int
}

// AlertService owns alert records and their lifecycle:
// active -> acknowledged -> resolved, or active -> resolved.
type AlertService struct {
	store  storage.Store
	logger Logger
	opts   options
}

func NewAlertService(store storage.Store, logger Logger, opts ...Option) *AlertService {
	return &AlertService{store: store, logger: logger, opts: newOptions(opts)}
}

// Raise stores a new active alert.
func (s *AlertService) Raise(ctx context.Context, req RaiseRequest) (models.Alert, error) {
	if !req.Severity.Valid() {
		return models.Alert{}, errors.Wrapf(ErrInvalidInput, "unknown severity %q", req.Severity)
	}
	if strings.TrimSpace(req.Title) == "" {
		return models.Alert{}, errors.Wrap(ErrInvalidInput, "alert title cannot be empty")
	}
	if req.AffectedCount != nil && *req.AffectedCount < 0 {
		return models.Alert{}, errors.Wrap(ErrInvalidInput, "affected count cannot be negative")
	}

	alert := models.Alert{
		AlertID:       uuid.NewString(),
		Severity:      req.Severity,
		Status:        models.ActiveAlertStatus,
		Title:         req.Title,
		Message:       req.Message,
		Component:     req.Component,
		ErrorType:     req.ErrorType,
		BatchID:       req.BatchID,
		TransactionID: req.TransactionID,
		AffectedCount: req.AffectedCount,
		OccurredAt:    s.opts.now(),
	}
	err := inTx(s.store, s.logger, func(tx storage.Store) error {
		return tx.SaveAlert(alert)
	})
	if err != nil {
		return models.Alert{}, errors.Wrap(err, "failed to save alert")
	}
	s.logger.Infof("Raised %s alert %s: %s", alert.Severity, alert.AlertID, alert.Title)
	s.notify(ctx, models.RaisedAlertAction, alert)
	return alert, nil
}

// Acknowledge marks an active alert as seen. Acknowledging a resolved or
// already acknowledged alert is an invalid transition.
func (s *AlertService) Acknowledge(ctx context.Context, alertID, by, reason string) (models.Alert, error) {
	if strings.TrimSpace(by) == "" {
		return models.Alert{}, errors.Wrap(ErrInvalidInput, "acknowledging actor cannot be empty")
	}
	return s.transition(ctx, alertID, models.AcknowledgedAlertAction, func(a *models.Alert) error {
		if a.Status != models.ActiveAlertStatus {
			return errors.Wrapf(ErrInvalidTransition, "alert %s is %s and cannot be acknowledged", a.AlertID, a.Status)
		}
		now := s.opts.now()
		a.Status = models.AcknowledgedAlertStatus
		a.AcknowledgedAt = &now
		a.AcknowledgedBy = by
		a.AcknowledgeReason = reason
		return nil
	})
}

// Resolve closes an active or acknowledged alert. Resolving twice fails.
func (s *AlertService) Resolve(ctx context.Context, alertID, by, resolution string) (models.Alert, error) {
	if strings.TrimSpace(by) == "" {
		return models.Alert{}, errors.Wrap(ErrInvalidInput, "resolving actor cannot be empty")
	}
	return s.transition(ctx, alertID, models.ResolvedAlertAction, func(a *models.Alert) error {
		if a.Status == models.ResolvedAlertStatus {
			return errors.Wrapf(ErrInvalidTransition, "alert %s is already resolved", a.AlertID)
		}
		now := s.opts.now()
		a.Status = models.ResolvedAlertStatus
		a.ResolvedAt = &now
		a.ResolvedBy = by
		a.Resolution = resolution
		return nil
	})
}

func (s *AlertService) transition(ctx context.Context, alertID string, action models.AlertAction, mutate func(a *models.Alert) error) (models.Alert, error) {
	var updated models.Alert
	err := s.opts.locker.WithLock(ctx, "alert:"+alertID, func(ctx context.Context) error {
		return inTx(s.store, s.logger, func(tx storage.Store) error {
			alert, err := tx.GetAlert(alertID)
			if err != nil {
				return notFound(err, "alert %s", alertID)
			}
			from := alert.Status
			if err := mutate(&alert); err != nil {
				return err
			}
			if err := tx.UpdateAlert(alert, from); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					return errors.Wrapf(ErrInvalidTransition, "alert %s changed concurrently", alertID)
				}
				return err
			}
			updated = alert
			return nil
		})
	})
	if err != nil {
		return models.Alert{}, err
	}
	s.logger.Infof("Alert %s %s", alertID, action)
	s.notify(ctx, action, updated)
	return updated, nil
}

func (s *AlertService) Get(ctx context.Context, alertID string) (models.Alert, error) {
	alert, err := s.store.GetAlert(alertID)
	if err != nil {
		return models.Alert{}, notFound(err, "alert %s", alertID)
	}
	return alert, nil
}

// List returns matching alerts, newest first.
func (s *AlertService) List(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error) {
	return s.store.ListAlerts(filter)
}

func (s *AlertService) Summary(ctx context.Context) (models.AlertSummary, error) {
	alerts, err := s.store.ListAlerts(models.AlertFilter{})
	if err != nil {
		return models.AlertSummary{}, err
	}
	summary := models.AlertSummary{ActiveBySeverity: make(map[models.Severity]int)}
	for _, a := range alerts {
		switch a.Status {
		case models.ActiveAlertStatus:
			summary.Active++
			summary.ActiveBySeverity[a.Severity]++
		case models.AcknowledgedAlertStatus:
			summary.Acknowledged++
		case models.ResolvedAlertStatus:
			summary.Resolved++
		}
	}
	return summary, nil
}

// raiseOnce raises req unless an unresolved alert of the same type is
// already open for the same batch.
func (s *AlertService) raiseOnce(ctx context.Context, req RaiseRequest) (models.Alert, bool, error) {
	open, err := s.store.ListAlerts(models.AlertFilter{BatchID: req.BatchID, ErrorType: req.ErrorType})
	if err != nil {
		return models.Alert{}, false, err
	}
	for _, a := range open {
		if a.Status != models.ResolvedAlertStatus {
			return a, false, nil
		}
	}
	alert, err := s.Raise(ctx, req)
	return alert, err == nil, err
}

func (s *AlertService) notify(ctx context.Context, action models.AlertAction, alert models.Alert) {
	if s.opts.notifier == nil {
		return
	}
	event := models.AlertEvent{Action: action, Alert: alert, At: s.opts.now()}
	if err := s.opts.notifier.Notify(ctx, event); err != nil {
		s.logger.Errorf("Failed to publish %s event for alert %s: %v", action, alert.AlertID, err)
	}
}
