package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vijaythecoder/fintool-sub003/pkg/models"
	"github.com/vijaythecoder/fintool-sub003/pkg/storage"
)

const (
	// DefaultConfidenceThreshold is the confidence at or above which an
	// enqueued item is auto-approved.
	DefaultConfidenceThreshold = 0.85

	systemActor = "system"
)

// DecisionHook is called after a decision is committed and its item lock
// released.
type DecisionHook func(ctx context.Context, item models.ApprovalItem)

// ApprovalService is the queue of match decisions, keyed by batch ID.
type ApprovalService struct {
	store     storage.Store
	logger    Logger
	threshold float64
	opts      options

	mu    sync.RWMutex
	hooks []DecisionHook
}

func NewApprovalService(store storage.Store, logger Logger, threshold float64, opts ...Option) *ApprovalService {
	if threshold <= 0 || threshold > 1 {
		logger.Warnf("Confidence threshold %v out of range, using %v", threshold, DefaultConfidenceThreshold)
		threshold = DefaultConfidenceThreshold
	}
	return &ApprovalService{
		store:     store,
		logger:    logger,
		threshold: threshold,
		opts:      newOptions(opts),
	}
}

func (s *ApprovalService) Threshold() float64 {
	return s.threshold
}

// OnDecision registers a hook fired after every manual decision.
func (s *ApprovalService) OnDecision(hook DecisionHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Enqueue creates an item for batchID. Items whose confidence meets the
// threshold are stored auto-approved and never enter the pending queue.
func (s *ApprovalService) Enqueue(ctx context.Context, batchID, itemID string, confidence float64) (models.ApprovalItem, error) {
	if strings.TrimSpace(batchID) == "" || strings.TrimSpace(itemID) == "" {
		return models.ApprovalItem{}, errors.Wrap(ErrInvalidInput, "batch ID and item ID are required")
	}
	if confidence < 0 || confidence > 1 {
		return models.ApprovalItem{}, errors.Wrapf(ErrInvalidInput, "confidence %v outside [0,1]", confidence)
	}

	if err := s.save(s.newItem(batchID, itemID, confidence)); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return models.ApprovalItem{}, errors.Wrapf(ErrInvalidInput, "approval item %s already exists", itemID)
		}
		return models.ApprovalItem{}, err
	}
	return s.Get(ctx, itemID)
}

func (s *ApprovalService) newItem(batchID, itemID string, confidence float64) models.ApprovalItem {
	now := s.opts.now()
	item := models.ApprovalItem{
		ItemID:     itemID,
		BatchID:    batchID,
		Confidence: confidence,
		Decision:   models.PendingDecision,
		CreatedAt:  now,
	}
	if confidence >= s.threshold {
		item.Decision = models.AutoApprovedDecision
		item.DecidedBy = systemActor
		item.DecidedAt = &now
		item.Reason = fmt.Sprintf("confidence %.2f meets threshold %.2f", confidence, s.threshold)
	}
	return item
}

func (s *ApprovalService) save(item models.ApprovalItem) error {
	err := inTx(s.store, s.logger, func(tx storage.Store) error {
		return tx.SaveApprovalItem(item)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue approval item %s", item.ItemID)
	}
	s.logger.Infof("Enqueued approval item %s for batch %s as %s (confidence %.2f)", item.ItemID, item.BatchID, item.Decision, item.Confidence)
	return nil
}

// EnqueueAll enqueues one item per candidate, skipping items that already
// exist so the call can be repeated for the same batch. It returns the
// number of new items.
func (s *ApprovalService) EnqueueAll(ctx context.Context, batchID string, candidates []models.MatchCandidate) (int, error) {
	added := 0
	err := inTx(s.store, s.logger, func(tx storage.Store) error {
		var err error
		added, err = s.enqueueAllTx(tx, batchID, candidates)
		return err
	})
	return added, err
}

// enqueueAllTx is EnqueueAll inside the caller's transaction, so the items
// commit or roll back together with the caller's other writes.
func (s *ApprovalService) enqueueAllTx(tx storage.Store, batchID string, candidates []models.MatchCandidate) (int, error) {
	added := 0
	for _, c := range candidates {
		if c.Confidence < 0 || c.Confidence > 1 {
			return added, errors.Wrapf(ErrInvalidInput, "candidate %s confidence %v outside [0,1]", c.TransactionID, c.Confidence)
		}
		itemID := CandidateItemID(batchID, c.TransactionID)
		if _, err := tx.GetApprovalItem(itemID); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return added, errors.Wrapf(err, "failed to look up approval item %s", itemID)
		}
		item := s.newItem(batchID, itemID, c.Confidence)
		if err := tx.SaveApprovalItem(item); err != nil {
			return added, errors.Wrapf(err, "failed to enqueue approval item %s", itemID)
		}
		s.logger.Infof("Enqueued approval item %s for batch %s as %s (confidence %.2f)", item.ItemID, item.BatchID, item.Decision, item.Confidence)
		added++
	}
	return added, nil
}

// CandidateItemID derives the approval item ID of a match candidate.
func CandidateItemID(batchID, transactionID string) string {
	return batchID + "/" + transactionID
}

// Decide records a manual decision. The first decision wins; any later
// one fails with ErrAlreadyDecided.
func (s *ApprovalService) Decide(ctx context.Context, itemID string, decision models.Decision, by, reason string) (models.ApprovalItem, error) {
	if decision != models.ApprovedDecision && decision != models.RejectedDecision {
		return models.ApprovalItem{}, errors.Wrapf(ErrInvalidInput, "decision must be %s or %s, got %q", models.ApprovedDecision, models.RejectedDecision, decision)
	}
	if strings.TrimSpace(by) == "" {
		return models.ApprovalItem{}, errors.Wrap(ErrInvalidInput, "deciding actor cannot be empty")
	}

	var decided models.ApprovalItem
	err := s.opts.locker.WithLock(ctx, "approval:"+itemID, func(ctx context.Context) error {
		return inTx(s.store, s.logger, func(tx storage.Store) error {
			item, err := tx.GetApprovalItem(itemID)
			if err != nil {
				return notFound(err, "approval item %s", itemID)
			}
			if item.Decision != models.PendingDecision {
				return errors.Wrapf(ErrAlreadyDecided, "approval item %s is %s", itemID, item.Decision)
			}
			now := s.opts.now()
			item.Decision = decision
			item.DecidedBy = by
			item.DecidedAt = &now
			item.Reason = reason
			if err := tx.DecideApprovalItem(item); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					return errors.Wrapf(ErrAlreadyDecided, "approval item %s", itemID)
				}
				return err
			}
			decided = item
			return nil
		})
	})
	if err != nil {
		return models.ApprovalItem{}, err
	}
	s.logger.Infof("Approval item %s %s by %s", itemID, decision, by)

	s.mu.RLock()
	hooks := append([]DecisionHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, decided)
	}
	return decided, nil
}

// CountsFor aggregates decisions for batchID.
func (s *ApprovalService) CountsFor(ctx context.Context, batchID string) (models.ApprovalCounts, error) {
	return countsIn(s.store, batchID)
}

func countsIn(store storage.Store, batchID string) (models.ApprovalCounts, error) {
	items, err := store.ListApprovalItems(batchID)
	if err != nil {
		return models.ApprovalCounts{}, errors.Wrapf(err, "failed to list approval items for batch %s", batchID)
	}
	var counts models.ApprovalCounts
	for _, item := range items {
		counts.Add(item.Decision)
	}
	return counts, nil
}

// Next returns the oldest pending item of batchID.
func (s *ApprovalService) Next(ctx context.Context, batchID string) (models.ApprovalItem, error) {
	items, err := s.store.ListApprovalItems(batchID)
	if err != nil {
		return models.ApprovalItem{}, err
	}
	for _, item := range items {
		if item.Decision == models.PendingDecision {
			return item, nil
		}
	}
	return models.ApprovalItem{}, errors.Wrapf(ErrNotFound, "no pending approval items for batch %s", batchID)
}

// List returns every item of batchID in insertion order.
func (s *ApprovalService) List(ctx context.Context, batchID string) ([]models.ApprovalItem, error) {
	return s.store.ListApprovalItems(batchID)
}

func (s *ApprovalService) Get(ctx context.Context, itemID string) (models.ApprovalItem, error) {
	item, err := s.store.GetApprovalItem(itemID)
	if err != nil {
		return models.ApprovalItem{}, notFound(err, "approval item %s", itemID)
	}
	return item, nil
}
