// Package billing implements the prepaid credit flow around tasks: estimate,
// pre-charge at creation, settle against actual usage at completion, refund
// on failure or cancellation. Every balance change writes a ledger row in the
// same transaction as the balance update.
package billing

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"atelier/internal/store"
	"atelier/pkg/logging"
	"atelier/pkg/models"
)

// InsufficientBalanceError rejects a task creation whose pre-charge exceeds
// the account balance.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}

// ConfigurationError flags a broken pricing setup (missing row, unsupported
// billing type, non-positive price). These are operator mistakes, not user
// errors, and are never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "billing configuration error: " + e.Reason
}

// Metrics holds the billing Prometheus counters. A nil Metrics disables
// recording, which keeps tests free of registry setup.
type Metrics struct {
	Operations *prometheus.CounterVec
	Credits    *prometheus.CounterVec
}

func (m *Metrics) record(operation, status string, amount int64) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, status).Inc()
	if status == "success" && amount > 0 {
		m.Credits.WithLabelValues(operation).Add(float64(amount))
	}
}

// Service carries out billing operations against the store.
type Service struct {
	store   *store.Store
	logger  logging.Logger
	metrics *Metrics
}

// NewService creates a billing service. metrics may be nil.
func NewService(st *store.Store, logger logging.Logger, metrics *Metrics) *Service {
	return &Service{store: st, logger: logger, metrics: metrics}
}

// Estimate converts request parameters into billable usage and a pre-charge
// amount using a pricing snapshot. Duration-based categories bill
// max(duration, min_unit) per output; count-based categories bill
// max(count, min_unit). The charge rounds up so fractional usage is never
// undercollected.
func Estimate(pricing *models.PricingConfig, taskType models.TaskType, durationSeconds float64, count int) (usage float64, cost int64, err error) {
	if pricing.BillingType != models.BillingPerUnit {
		return 0, 0, &ConfigurationError{Reason: fmt.Sprintf("unsupported billing type %q for %s", pricing.BillingType, taskType)}
	}
	if pricing.UnitPrice <= 0 {
		return 0, 0, &ConfigurationError{Reason: fmt.Sprintf("non-positive unit price for %s", taskType)}
	}
	if count <= 0 {
		count = 1
	}

	switch taskType.Category() {
	case models.CategoryVideo, models.CategoryAudio:
		if durationSeconds <= 0 {
			return 0, 0, &ConfigurationError{Reason: fmt.Sprintf("duration required for %s", taskType)}
		}
		usage = math.Max(durationSeconds, pricing.MinUnit) * float64(count)
	case models.CategoryImage:
		usage = math.Max(float64(count), pricing.MinUnit)
	default:
		return 0, 0, &ConfigurationError{Reason: fmt.Sprintf("no estimate rule for category %q", taskType.Category())}
	}

	cost = int64(math.Ceil(usage * pricing.UnitPrice))
	return usage, cost, nil
}

// ActualCost converts reported usage into the settled cost using the task's
// pricing snapshot. Settlement bills the raw usage with the same round-up as
// Estimate; the min-unit floor applies only to the pre-charge, so a task that
// uses less than the minimum unit gets the difference back at settlement.
func ActualCost(task *models.Task, usage float64) int64 {
	return int64(math.Ceil(usage * task.UnitPrice))
}

// Charge debits the pre-charge inside the caller's transaction, so the debit
// commits or rolls back together with the task insert. The account row lock
// serializes concurrent creations against the same balance.
func (s *Service) Charge(ctx context.Context, tx *sql.Tx, accountID, taskID string, amount int64) error {
	if amount <= 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("non-positive charge amount %d", amount)}
	}

	var balance int64
	err := tx.QueryRowContext(ctx, `
		SELECT balance FROM accounts WHERE id = $1 FOR UPDATE
	`, accountID).Scan(&balance)
	if err != nil {
		s.metrics.record("charge", "error", 0)
		return fmt.Errorf("lock account: %w", err)
	}

	if balance < amount {
		s.metrics.record("charge", "insufficient", 0)
		return &InsufficientBalanceError{Required: amount, Available: balance}
	}

	if err := s.applyLedgerEntry(ctx, tx, accountID, taskID, models.TxTaskCharge, -amount, balance, nil); err != nil {
		s.metrics.record("charge", "error", 0)
		return err
	}

	s.metrics.record("charge", "success", amount)
	return nil
}

// Settle reconciles the pre-charge against actual cost after completion.
// Over-collection is refunded; under-collection is absorbed and only logged,
// so a completed task never debits the account a second time.
func (s *Service) Settle(ctx context.Context, task *models.Task, actualCost int64) error {
	diff := task.EstimatedCost - actualCost
	if diff == 0 {
		s.metrics.record("settle", "success", 0)
		return nil
	}
	if diff < 0 {
		s.logger.WithFields(logging.Fields{
			"task_id":        task.ID,
			"estimated_cost": task.EstimatedCost,
			"actual_cost":    actualCost,
		}).Warn("Actual cost exceeded pre-charge, absorbing difference")
		s.metrics.record("settle", "undercharged", 0)
		return nil
	}

	err := s.credit(ctx, task.AccountID, task.ID, diff, models.JSONB{
		"reason":         "settlement",
		"estimated_cost": task.EstimatedCost,
		"actual_cost":    actualCost,
	})
	if err != nil {
		s.metrics.record("settle", "error", 0)
		return err
	}
	s.metrics.record("settle", "success", diff)
	return nil
}

// Refund returns the full pre-charge after a failure or cancellation.
func (s *Service) Refund(ctx context.Context, task *models.Task, reason string) error {
	if task.EstimatedCost <= 0 {
		return nil
	}
	err := s.credit(ctx, task.AccountID, task.ID, task.EstimatedCost, models.JSONB{
		"reason": reason,
	})
	if err != nil {
		s.metrics.record("refund", "error", 0)
		return err
	}
	s.metrics.record("refund", "success", task.EstimatedCost)
	return nil
}

func (s *Service) credit(ctx context.Context, accountID, taskID string, amount int64, metadata models.JSONB) error {
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var balance int64
		err := tx.QueryRowContext(ctx, `
			SELECT balance FROM accounts WHERE id = $1 FOR UPDATE
		`, accountID).Scan(&balance)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		return s.applyLedgerEntry(ctx, tx, accountID, taskID, models.TxTaskRefund, amount, balance, metadata)
	})
}

// applyLedgerEntry moves amount (signed) on an account whose row lock the
// caller already holds, and appends the matching transaction row.
func (s *Service) applyLedgerEntry(ctx context.Context, tx *sql.Tx, accountID, taskID string, category models.TransactionCategory, amount, balanceBefore int64, metadata models.JSONB) error {
	balanceAfter := balanceBefore + amount

	_, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = $2, updated_at = now() WHERE id = $1
	`, accountID, balanceAfter)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, category, amount, balance_before, balance_after, task_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`, uuid.New().String(), accountID, category, amount, balanceBefore, balanceAfter, taskID, metadata)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}
