package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"atelier/pkg/models"
)

const taskColumns = `id, account_id, name, type, category, mode, status, config,
	pricing_id, billing_type, unit_price, min_unit,
	estimated_cost, estimated_usage, actual_cost, actual_usage,
	external_task_id, retry_count, next_retry_at, last_error, result,
	created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.AccountID, &t.Name, &t.Type, &t.Category, &t.Mode, &t.Status, &t.Config,
		&t.PricingID, &t.BillingType, &t.UnitPrice, &t.MinUnit,
		&t.EstimatedCost, &t.EstimatedUsage, &t.ActualCost, &t.ActualUsage,
		&t.ExternalTaskID, &t.RetryCount, &t.NextRetryAt, &t.LastError, &t.Result,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask inserts a new task row. Runs on the caller's querier so task
// creation and the pre-charge share one transaction.
func (s *Store) CreateTask(ctx context.Context, q Querier, t *models.Task) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tasks (id, account_id, name, type, category, mode, status, config,
			pricing_id, billing_type, unit_price, min_unit,
			estimated_cost, estimated_usage, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0, now(), now())
	`, t.ID, t.AccountID, t.Name, t.Type, t.Category, t.Mode, t.Status, t.Config,
		t.PricingID, t.BillingType, t.UnitPrice, t.MinUnit,
		t.EstimatedCost, t.EstimatedUsage)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a single task row.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
}

// GetTaskForUpdate fetches a task row holding its row lock for the duration
// of the transaction.
func (s *Store) GetTaskForUpdate(ctx context.Context, tx *sql.Tx, taskID string) (*models.Task, error) {
	return scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID))
}

// ListFilter narrows ListTasks results.
type ListFilter struct {
	Status models.TaskStatus
	Type   models.TaskType
	Limit  int
	Offset int
}

// ListTasks returns an account's tasks, newest first, plus the total count.
func (s *Store) ListTasks(ctx context.Context, accountID string, f ListFilter) ([]*models.Task, int, error) {
	where := "WHERE account_id = $1"
	args := []interface{}{accountID}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where += fmt.Sprintf(" AND type = $%d", len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf("SELECT %s FROM tasks %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		taskColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

// ClaimPending atomically claims up to batchSize eligible pending tasks and
// flips them to processing. FOR UPDATE SKIP LOCKED partitions the pending set
// between replicas running the same pass: neither blocks the other and no row
// is claimed twice.
func (s *Store) ClaimPending(ctx context.Context, batchSize int) ([]*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY COALESCE(next_retry_at, created_at), created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	claimed, err := tx.QueryContext(ctx, `
		UPDATE tasks
		SET status = 'processing', started_at = COALESCE(started_at, now()), updated_at = now()
		WHERE id = ANY($1::uuid[])
		RETURNING `+taskColumns,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}

	var tasks []*models.Task
	for claimed.Next() {
		t, err := scanTask(claimed)
		if err != nil {
			claimed.Close()
			return nil, fmt.Errorf("scan claimed task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := claimed.Err(); err != nil {
		claimed.Close()
		return nil, err
	}
	claimed.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return tasks, nil
}

// ListInFlightAsync returns up to batchSize async tasks awaiting an upstream
// result. The skip-locked select de-duplicates concurrent poll passes; locks
// are released immediately so providers are queried without holding them.
func (s *Store) ListInFlightAsync(ctx context.Context, batchSize int) ([]*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin poll select: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'processing' AND mode = 'async' AND external_task_id IS NOT NULL
		ORDER BY updated_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("select in-flight: %w", err)
	}

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan in-flight task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit poll select: %w", err)
	}
	return tasks, nil
}

// StaleProcessing returns processing tasks of the given mode whose heartbeat
// is older than cutoff, for the timeout sweep.
func (s *Store) StaleProcessing(ctx context.Context, mode models.TaskMode, cutoff time.Time, batchSize int) ([]*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin stale select: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'processing' AND mode = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, mode, cutoff, batchSize)
	if err != nil {
		return nil, fmt.Errorf("select stale: %w", err)
	}

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit stale select: %w", err)
	}
	return tasks, nil
}

// MarkSubmitted records the upstream job id on an async task after a
// successful submit. The task stays processing; the poll loop takes over.
func (s *Store) MarkSubmitted(ctx context.Context, taskID, externalTaskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET external_task_id = $2, started_at = COALESCE(started_at, now()), updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, taskID, externalTaskID)
	if err != nil {
		return false, fmt.Errorf("mark submitted: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Heartbeat bumps updated_at so the timeout sweep knows the task is live.
func (s *Store) Heartbeat(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, taskID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// CompleteTask concludes a task. The status predicate makes the transition
// exclusive: when the poll loop, main loop and timeout sweep race, exactly
// one caller observes updated=true and owns settlement.
func (s *Store) CompleteTask(ctx context.Context, taskID string, actualCost int64, actualUsage float64, result models.TaskOutputs) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'completed', actual_cost = $2, actual_usage = $3, result = $4,
			completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, taskID, actualCost, actualUsage, result)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailTask concludes a task as failed, state-gated like CompleteTask. The
// caller refunds only when updated=true.
func (s *Store) FailTask(ctx context.Context, taskID, message string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'failed', last_error = $2, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, taskID, message)
	if err != nil {
		return false, fmt.Errorf("fail task: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RescheduleForRetry moves a processing task back to pending with an
// incremented retry count. clearExternal drops the upstream job id so the
// next attempt resubmits; keeping it makes the poll loop resume the same
// upstream job.
func (s *Store) RescheduleForRetry(ctx context.Context, taskID string, nextRetryAt time.Time, clearExternal bool) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'pending', retry_count = retry_count + 1, next_retry_at = $2, updated_at = now()`
	if clearExternal {
		query += `, external_task_id = NULL`
	}
	query += ` WHERE id = $1 AND status = 'processing'`

	res, err := s.db.ExecContext(ctx, query, taskID, nextRetryAt)
	if err != nil {
		return false, fmt.Errorf("reschedule task: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CancelPendingTask flips a pending task to cancelled. Gated on pending so a
// concurrent claim wins or loses atomically; the caller refunds only when
// updated=true.
func (s *Store) CancelPendingTask(ctx context.Context, tx *sql.Tx, taskID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, taskID)
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
