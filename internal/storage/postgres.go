package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/vijaythecoder/fintool-sub003/pkg/models"
	"github.com/vijaythecoder/fintool-sub003/pkg/storage"
)

const uniqueViolation = "23505"

const (
	batchColumns = `workflow_id, batch_id, previous_workflow_id, status, current_step,
		total_transactions, processed_transactions, failed_transactions, step_state, error_log,
		pending_approvals, approved_suggestions, rejected_suggestions, auto_approved_suggestions,
		created_at, updated_at`
	itemColumns  = `seq, item_id, batch_id, confidence, decision, decided_by, decided_at, reason, created_at`
	alertColumns = `alert_id, severity, status, title, message, component, error_type, batch_id,
		transaction_id, affected_count, occurred_at, acknowledged_at, acknowledged_by,
		acknowledge_reason, resolved_at, resolved_by, resolution`
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (sql.Result, error)
	NamedExec(query string, arg interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an open connection.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// affected maps a conditional write that touched no rows to ErrNotFound or,
// when the row exists, to ErrConflict.
func (s *PostgresStore) affected(res sql.Result, table, key, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.Get(&exists, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)", table, key), id); err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

// SaveBatch inserts a new attempt
func (s *PostgresStore) SaveBatch(b models.Batch) error {
	_, err := s.db.NamedExec(`INSERT INTO batches (`+batchColumns+`) VALUES (
		:workflow_id, :batch_id, :previous_workflow_id, :status, :current_step,
		:total_transactions, :processed_transactions, :failed_transactions, :step_state, :error_log,
		:pending_approvals, :approved_suggestions, :rejected_suggestions, :auto_approved_suggestions,
		:created_at, :updated_at)`, b)
	if isUniqueViolation(err) {
		return fmt.Errorf("workflow %s: %w", b.WorkflowID, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("save batch %s: %w", b.BatchID, err)
	}
	return nil
}

// UpdateBatch overwrites the mutable state of an attempt
func (s *PostgresStore) UpdateBatch(b models.Batch) error {
	res, err := s.db.NamedExec(`
		UPDATE batches
		SET status = :status,
		current_step = :current_step,
		processed_transactions = :processed_transactions,
		failed_transactions = :failed_transactions,
		step_state = :step_state,
		error_log = :error_log,
		pending_approvals = :pending_approvals,
		approved_suggestions = :approved_suggestions,
		rejected_suggestions = :rejected_suggestions,
		auto_approved_suggestions = :auto_approved_suggestions,
		updated_at = :updated_at
		WHERE workflow_id = :workflow_id`, b)
	if err != nil {
		return fmt.Errorf("update batch %s: %w", b.WorkflowID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetBatch(workflowID string) (models.Batch, error) {
	var b models.Batch
	err := s.db.Get(&b, "SELECT "+batchColumns+" FROM batches WHERE workflow_id = $1", workflowID)
	if err == sql.ErrNoRows {
		return models.Batch{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Batch{}, err
	}
	return b, nil
}

// GetLatestBatch returns the most recently created attempt of batchID
func (s *PostgresStore) GetLatestBatch(batchID string) (models.Batch, error) {
	var b models.Batch
	err := s.db.Get(&b, "SELECT "+batchColumns+" FROM batches WHERE batch_id = $1 ORDER BY id DESC LIMIT 1", batchID)
	if err == sql.ErrNoRows {
		return models.Batch{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Batch{}, err
	}
	return b, nil
}

func (s *PostgresStore) ListBatches(status models.WorkflowStatus) ([]models.Batch, error) {
	batches := []models.Batch{}
	var err error
	if status == "" {
		err = s.db.Select(&batches, "SELECT "+batchColumns+" FROM batches ORDER BY id DESC")
	} else {
		err = s.db.Select(&batches, "SELECT "+batchColumns+" FROM batches WHERE status = $1 ORDER BY id DESC", status)
	}
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *PostgresStore) SaveApprovalItem(item models.ApprovalItem) error {
	_, err := s.db.NamedExec(`INSERT INTO approval_items
		(item_id, batch_id, confidence, decision, decided_by, decided_at, reason, created_at)
		VALUES (:item_id, :batch_id, :confidence, :decision, :decided_by, :decided_at, :reason, :created_at)`, item)
	if isUniqueViolation(err) {
		return fmt.Errorf("approval item %s: %w", item.ItemID, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("save approval item %s: %w", item.ItemID, err)
	}
	return nil
}

func (s *PostgresStore) GetApprovalItem(itemID string) (models.ApprovalItem, error) {
	var item models.ApprovalItem
	err := s.db.Get(&item, "SELECT "+itemColumns+" FROM approval_items WHERE item_id = $1", itemID)
	if err == sql.ErrNoRows {
		return models.ApprovalItem{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ApprovalItem{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListApprovalItems(batchID string) ([]models.ApprovalItem, error) {
	items := []models.ApprovalItem{}
	err := s.db.Select(&items, "SELECT "+itemColumns+" FROM approval_items WHERE batch_id = $1 ORDER BY seq", batchID)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// DecideApprovalItem records a decision only while the item is pending
func (s *PostgresStore) DecideApprovalItem(item models.ApprovalItem) error {
	res, err := s.db.Exec(`
		UPDATE approval_items
		SET decision = $1, decided_by = $2, decided_at = $3, reason = $4
		WHERE item_id = $5 AND decision = $6`,
		item.Decision, item.DecidedBy, item.DecidedAt, item.Reason, item.ItemID, models.PendingDecision)
	if err != nil {
		return fmt.Errorf("decide approval item %s: %w", item.ItemID, err)
	}
	return s.affected(res, "approval_items", "item_id", item.ItemID)
}

func (s *PostgresStore) SaveAlert(a models.Alert) error {
	_, err := s.db.NamedExec(`INSERT INTO alerts (`+alertColumns+`) VALUES (
		:alert_id, :severity, :status, :title, :message, :component, :error_type, :batch_id,
		:transaction_id, :affected_count, :occurred_at, :acknowledged_at, :acknowledged_by,
		:acknowledge_reason, :resolved_at, :resolved_by, :resolution)`, a)
	if isUniqueViolation(err) {
		return fmt.Errorf("alert %s: %w", a.AlertID, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("save alert %s: %w", a.AlertID, err)
	}
	return nil
}

func (s *PostgresStore) GetAlert(alertID string) (models.Alert, error) {
	var a models.Alert
	err := s.db.Get(&a, "SELECT "+alertColumns+" FROM alerts WHERE alert_id = $1", alertID)
	if err == sql.ErrNoRows {
		return models.Alert{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Alert{}, err
	}
	return a, nil
}

// UpdateAlert writes a only if the stored status still equals expected
func (s *PostgresStore) UpdateAlert(a models.Alert, expected models.AlertStatus) error {
	res, err := s.db.Exec(`
		UPDATE alerts
		SET status = $1,
		acknowledged_at = $2,
		acknowledged_by = $3,
		acknowledge_reason = $4,
		resolved_at = $5,
		resolved_by = $6,
		resolution = $7
		WHERE alert_id = $8 AND status = $9`,
		a.Status, a.AcknowledgedAt, a.AcknowledgedBy, a.AcknowledgeReason,
		a.ResolvedAt, a.ResolvedBy, a.Resolution, a.AlertID, expected)
	if err != nil {
		return fmt.Errorf("update alert %s: %w", a.AlertID, err)
	}
	return s.affected(res, "alerts", "alert_id", a.AlertID)
}

func (s *PostgresStore) ListAlerts(filter models.AlertFilter) ([]models.Alert, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(column string, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("status", string(filter.Status))
	add("severity", string(filter.Severity))
	add("component", filter.Component)
	add("error_type", filter.ErrorType)
	add("batch_id", filter.BatchID)

	query := "SELECT " + alertColumns + " FROM alerts"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq DESC"

	alerts := []models.Alert{}
	if err := s.db.Select(&alerts, query, args...); err != nil {
		return nil, err
	}
	return alerts, nil
}
