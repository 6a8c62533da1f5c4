package storage

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/vijaythecoder/fintool-sub003/pkg/models"
)

type memoryState struct {
	mu         sync.RWMutex
	batches    map[string]models.Batch
	batchOrder []string
	items      map[string]models.ApprovalItem
	itemSeq    int64
	alerts     map[string]models.Alert
	alertOrder []string
}

// MemoryStore implements Store in process memory. Writes inside a
// transaction are applied immediately and undone on Rollback.
type MemoryStore struct {
	state *memoryState
	inTx  bool
	done  bool
	undo  []func()
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memoryState{
		batches: make(map[string]models.Batch),
		items:   make(map[string]models.ApprovalItem),
		alerts:  make(map[string]models.Alert),
	}}
}

func (m *MemoryStore) Begin() (Store, error) {
	return &MemoryStore{state: m.state, inTx: true}, nil
}

func (m *MemoryStore) Commit() error {
	if !m.inTx {
		return errors.New("cannot commit: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	m.undo = nil
	return nil
}

func (m *MemoryStore) Rollback() error {
	if !m.inTx {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.done {
		return errors.New("transaction already finished")
	}
	m.done = true
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	for i := len(m.undo) - 1; i >= 0; i-- {
		m.undo[i]()
	}
	m.undo = nil
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) record(fn func()) {
	if m.inTx {
		m.undo = append(m.undo, fn)
	}
}

func (m *MemoryStore) writable() error {
	if m.done {
		return errors.New("transaction already finished")
	}
	return nil
}

func (m *MemoryStore) SaveBatch(b models.Batch) error {
	if err := m.writable(); err != nil {
		return err
	}
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.WorkflowID]; ok {
		return errors.Wrapf(ErrDuplicate, "workflow %s", b.WorkflowID)
	}
	s.batches[b.WorkflowID] = b.Clone()
	s.batchOrder = append(s.batchOrder, b.WorkflowID)
	m.record(func() {
		delete(s.batches, b.WorkflowID)
		s.batchOrder = removeID(s.batchOrder, b.WorkflowID)
	})
	return nil
}

func (m *MemoryStore) UpdateBatch(b models.Batch) error {
	if err := m.writable(); err != nil {
		return err
	}
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.batches[b.WorkflowID]
	if !ok {
		return ErrNotFound
	}
	s.batches[b.WorkflowID] = b.Clone()
	m.record(func() { s.batches[b.WorkflowID] = prev })
	return nil
}

func (m *MemoryStore) GetBatch(workflowID string) (models.Batch, error) {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	b, ok := m.state.batches[workflowID]
	if !ok {
		return models.Batch{}, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStore) GetLatestBatch(batchID string) (models.Batch, error) {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	for i := len(m.state.batchOrder) - 1; i >= 0; i-- {
		b := m.state.batches[m.state.batchOrder[i]]
		if b.BatchID == batchID {
			return b.Clone(), nil
		}
	}
	return models.Batch{}, ErrNotFound
}

func (m *MemoryStore) ListBatches(status models.WorkflowStatus) ([]models.Batch, error) {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	batches := []models.Batch{}
	for i := len(m.state.batchOrder) - 1; i >= 0; i-- {
		b := m.state.batches[m.state.batchOrder[i]]
		if status == "" || b.Status == status {
			batches = append(batches, b.Clone())
		}
	}
	return batches, nil
}

func (m *MemoryStore) SaveApprovalItem(item models.ApprovalItem) error {
	if err := m.writable(); err != nil {
		return err
	}
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ItemID]; ok {
		return errors.Wrapf(ErrDuplicate, "approval item %s", item.ItemID)
	}
	s.itemSeq++
	item.Seq = s.itemSeq
	s.items[item.ItemID] = item
	m.record(func() { delete(s.items, item.ItemID) })
	return nil
}

func (m *MemoryStore) GetApprovalItem(itemID string) (models.ApprovalItem, error) {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	item, ok := m.state.items[itemID]
	if !ok {
		return models.ApprovalItem{}, ErrNotFound
	}
	return item, nil
}

func (m *MemoryStore) ListApprovalItems(batchID string) ([]models.ApprovalItem, error) {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	items := []models.ApprovalItem{}
	for _, item := range m.state.items {
		if item.BatchID == batchID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items, nil
}

func (m *MemoryStore) DecideApprovalItem(item models.ApprovalItem) error {
	if err := m.writable(); err != nil {
		return err
	}
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.items[item.ItemID]
	if !ok {
		return ErrNotFound
	}
	if prev.Decision != models.PendingDecision {
		return ErrConflict
	}
	item.Seq = prev.Seq
	item.BatchID = prev.BatchID
	item.CreatedAt = prev.CreatedAt
	s.items[item.ItemID] = item
	m.record(func() { s.items[item.ItemID] = prev })
	return nil
}

func (m *MemoryStore) SaveAlert(a models.Alert) error {
	if err := m.writable(); err != nil {
		return err
	}
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.AlertID]; ok {
		return errors.Wrapf(ErrDuplicate, "alert %s", a.AlertID)
	}
	s.alerts[a.AlertID] = a
	s.alertOrder = append(s.alertOrder, a.AlertID)
	m.record(func() {
		delete(s.alerts, a.AlertID)
		s.alertOrder = removeID(s.alertOrder, a.AlertID)
	})
	return nil
}

func (m *MemoryStore) GetAlert(alertID string) (models.Alert, error) {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	a, ok := m.state.alerts[alertID]
	if !ok {
		return models.Alert{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) UpdateAlert(a models.Alert, expected models.AlertStatus) error {
	if err := m.writable(); err != nil {
		return err
	}
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.alerts[a.AlertID]
	if !ok {
		return ErrNotFound
	}
	if prev.Status != expected {
		return ErrConflict
	}
	s.alerts[a.AlertID] = a
	m.record(func() { s.alerts[a.AlertID] = prev })
	return nil
}

func (m *MemoryStore) ListAlerts(filter models.AlertFilter) ([]models.Alert, error) {
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	alerts := []models.Alert{}
	for i := len(m.state.alertOrder) - 1; i >= 0; i-- {
		a := m.state.alerts[m.state.alertOrder[i]]
		if filter.Match(a) {
			alerts = append(alerts, a)
		}
	}
	return alerts, nil
}

func removeID(ids []string, id string) []string {
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
