package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"atelier/internal/billing"
	"atelier/internal/store"
	"atelier/pkg/logging"
	"atelier/pkg/models"
)

func newTestService(t *testing.T) (*TaskService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	logger := logging.NewLoggerWithService("service-test")
	st := store.New(db, logger)
	svc := NewTaskService(st, billing.NewService(st, logger, nil), logger)
	return svc, mock, func() { db.Close() }
}

func expectPricing(mock sqlmock.Sqlmock, taskType models.TaskType, unitPrice, minUnit float64) {
	now := time.Now()
	mock.ExpectQuery("FROM pricing_configs").
		WithArgs(taskType).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "task_type", "billing_type", "unit_price", "min_unit", "is_active", "created_at", "updated_at",
		}).AddRow("price-1", string(taskType), "per_unit", unitPrice, minUnit, true, now, now))
}

func taskRowFor(id, status string, estimatedCost int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "account_id", "name", "type", "category", "mode", "status", "config",
		"pricing_id", "billing_type", "unit_price", "min_unit",
		"estimated_cost", "estimated_usage", "actual_cost", "actual_usage",
		"external_task_id", "retry_count", "next_retry_at", "last_error", "result",
		"created_at", "updated_at", "started_at", "completed_at",
	}).AddRow(
		id, "acct-1", "demo", "audio_tts", "audio", "sync", status, []byte(`{}`),
		"price-1", "per_unit", 2.0, 1.0,
		estimatedCost, 100.0, nil, nil,
		nil, 0, nil, nil, nil,
		now, now, nil, nil,
	)
}

func TestCreateChargesAndInsertsAtomically(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	expectPricing(mock, models.TaskTypeAudioTTS, 0.5, 1)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Pre-charge: usage 30 x 0.5 = 15.
	mock.ExpectQuery("SELECT balance FROM accounts").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(1000)))
	mock.ExpectExec("UPDATE accounts SET balance").
		WithArgs("acct-1", int64(985)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO task_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	task, err := svc.Create(context.Background(), CreateTaskRequest{
		AccountID: "acct-1",
		Name:      "narration",
		Type:      models.TaskTypeAudioTTS,
		Config:    models.JSONB{"text": "hello", "duration": float64(30)},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.EstimatedCost != 15 {
		t.Errorf("estimated cost = %d, want 15", task.EstimatedCost)
	}
	if task.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", task.Status)
	}
	if task.Mode != models.ModeSync || task.Category != models.CategoryAudio {
		t.Errorf("unexpected derived fields: mode=%s category=%s", task.Mode, task.Category)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateInsufficientBalanceRollsBack(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	expectPricing(mock, models.TaskTypeAudioTTS, 0.5, 1)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT balance FROM accounts").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(5)))
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), CreateTaskRequest{
		AccountID: "acct-1",
		Type:      models.TaskTypeAudioTTS,
		Config:    models.JSONB{"text": "hello", "duration": float64(30)},
	})

	var insErr *billing.InsufficientBalanceError
	if !errors.As(err, &insErr) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateUnknownType(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	_, err := svc.Create(context.Background(), CreateTaskRequest{
		AccountID: "acct-1",
		Type:      models.TaskType("hologram"),
	})
	if !errors.Is(err, ErrUnknownTaskType) {
		t.Errorf("expected ErrUnknownTaskType, got %v", err)
	}
}

func TestCreateMissingPricing(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectQuery("FROM pricing_configs").
		WithArgs(models.TaskTypeAudioTTS).
		WillReturnError(sql.ErrNoRows)

	_, err := svc.Create(context.Background(), CreateTaskRequest{
		AccountID: "acct-1",
		Type:      models.TaskTypeAudioTTS,
		Config:    models.JSONB{"duration": float64(10)},
	})

	var cfgErr *billing.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestCancelPendingTaskRefunds(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("task-1").
		WillReturnRows(taskRowFor("task-1", "pending", 200))
	mock.ExpectExec("SET status = 'cancelled'").
		WithArgs("task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO task_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT balance FROM accounts").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(0)))
	mock.ExpectExec("UPDATE accounts SET balance").
		WithArgs("acct-1", int64(200)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	task, err := svc.Cancel(context.Background(), "acct-1", "task-1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if task.Status != models.StatusCancelled {
		t.Errorf("status = %s, want cancelled", task.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCancelProcessingTaskRejected(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("task-1").
		WillReturnRows(taskRowFor("task-1", "processing", 200))
	mock.ExpectRollback()

	_, err := svc.Cancel(context.Background(), "acct-1", "task-1")
	if !errors.Is(err, ErrTaskNotCancellable) {
		t.Errorf("expected ErrTaskNotCancellable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCancelOtherAccountsTaskHidden(t *testing.T) {
	svc, mock, cleanup := newTestService(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("task-1").
		WillReturnRows(taskRowFor("task-1", "pending", 200))
	mock.ExpectRollback()

	_, err := svc.Cancel(context.Background(), "acct-2", "task-1")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}
