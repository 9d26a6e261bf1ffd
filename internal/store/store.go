// Package store is the Postgres persistence layer for the task engine.
// Durability lives here: tasks, artifacts, logs and the credit ledger are
// all rows, and scheduler replicas coordinate purely through row-level
// locks and state-gated updates.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"atelier/pkg/logging"
	"atelier/pkg/models"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so store methods can run
// standalone or inside a caller-owned transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store wraps the database handle with the task engine's queries.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// New creates a Store on top of an open database connection.
func New(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying handle for health checks and callers that open
// their own transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.WithError(rbErr).Error("Transaction rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetAccount fetches an account row.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var acct models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, balance, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`, accountID).Scan(&acct.ID, &acct.Balance, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// ListTransactions returns an account's ledger rows, newest first, with the
// total count for pagination.
func (s *Store) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]models.Transaction, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE account_id = $1
	`, accountID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, category, amount, balance_before, balance_after, task_id, metadata, created_at
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		var txn models.Transaction
		if err := rows.Scan(&txn.ID, &txn.AccountID, &txn.Category, &txn.Amount,
			&txn.BalanceBefore, &txn.BalanceAfter, &txn.TaskID, &txn.Metadata, &txn.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, total, rows.Err()
}

// GetPricingForType returns the active pricing row for a task type.
func (s *Store) GetPricingForType(ctx context.Context, taskType models.TaskType) (*models.PricingConfig, error) {
	var pc models.PricingConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_type, billing_type, unit_price, min_unit, is_active, created_at, updated_at
		FROM pricing_configs
		WHERE task_type = $1 AND is_active = true
	`, taskType).Scan(&pc.ID, &pc.TaskType, &pc.BillingType, &pc.UnitPrice, &pc.MinUnit,
		&pc.IsActive, &pc.CreatedAt, &pc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &pc, nil
}
