package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"atelier/pkg/logging"
	"atelier/pkg/models"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	s := New(db, logging.NewLoggerWithService("store-test"))
	return s, mock, func() { db.Close() }
}

func taskRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "account_id", "name", "type", "category", "mode", "status", "config",
		"pricing_id", "billing_type", "unit_price", "min_unit",
		"estimated_cost", "estimated_usage", "actual_cost", "actual_usage",
		"external_task_id", "retry_count", "next_retry_at", "last_error", "result",
		"created_at", "updated_at", "started_at", "completed_at",
	})
}

func addTaskRow(rows *sqlmock.Rows, id, status string) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		id, "acct-1", "demo", "audio_tts", "audio", "sync", status, []byte(`{}`),
		"price-1", "per_unit", 2.0, 1.0,
		int64(200), 100.0, nil, nil,
		nil, 0, nil, nil, nil,
		now, now, nil, nil,
	)
}

func TestGetAccount(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("FROM accounts").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "created_at", "updated_at"}).
			AddRow("acct-1", int64(5000), now, now))

	acct, err := s.GetAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance != 5000 {
		t.Errorf("expected balance 5000, got %d", acct.Balance)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetPricingForType(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("FROM pricing_configs").
		WithArgs(models.TaskTypeAudioTTS).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "task_type", "billing_type", "unit_price", "min_unit", "is_active", "created_at", "updated_at",
		}).AddRow("price-1", "audio_tts", "per_unit", 0.5, 1.0, true, now, now))

	pc, err := s.GetPricingForType(context.Background(), models.TaskTypeAudioTTS)
	if err != nil {
		t.Fatalf("GetPricingForType: %v", err)
	}
	if pc.UnitPrice != 0.5 {
		t.Errorf("expected unit price 0.5, got %f", pc.UnitPrice)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClaimPending(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("task-1").AddRow("task-2"))
	mock.ExpectQuery("UPDATE tasks").
		WithArgs(pq.Array([]string{"task-1", "task-2"})).
		WillReturnRows(addTaskRow(addTaskRow(taskRows(), "task-1", "processing"), "task-2", "processing"))
	mock.ExpectCommit()

	tasks, err := s.ClaimPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 claimed tasks, got %d", len(tasks))
	}
	if tasks[0].Status != models.StatusProcessing {
		t.Errorf("expected processing status, got %s", tasks[0].Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClaimPendingEmpty(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	tasks, err := s.ClaimPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected no claimed tasks, got %d", len(tasks))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCompleteTaskGated(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectExec("UPDATE tasks").
		WithArgs("task-1", int64(150), 75.0, models.TaskOutputs{{URL: "s3://bucket/out.mp3"}}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := s.CompleteTask(context.Background(), "task-1", 150, 75.0,
		models.TaskOutputs{{URL: "s3://bucket/out.mp3"}})
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if !updated {
		t.Error("expected updated=true for processing task")
	}

	// A second concluder sees 0 rows and must not settle.
	mock.ExpectExec("UPDATE tasks").
		WithArgs("task-1", int64(150), 75.0, models.TaskOutputs{{URL: "s3://bucket/out.mp3"}}).
		WillReturnResult(sqlmock.NewResult(0, 0))

	updated, err = s.CompleteTask(context.Background(), "task-1", 150, 75.0,
		models.TaskOutputs{{URL: "s3://bucket/out.mp3"}})
	if err != nil {
		t.Fatalf("CompleteTask second call: %v", err)
	}
	if updated {
		t.Error("expected updated=false when task already concluded")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFailTaskGated(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectExec("UPDATE tasks").
		WithArgs("task-1", "provider rejected input").
		WillReturnResult(sqlmock.NewResult(0, 0))

	updated, err := s.FailTask(context.Background(), "task-1", "provider rejected input")
	if err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if updated {
		t.Error("expected updated=false when task not processing")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRescheduleForRetryClearsExternal(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	next := time.Now().Add(time.Minute)
	mock.ExpectExec("external_task_id = NULL").
		WithArgs("task-1", next).
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := s.RescheduleForRetry(context.Background(), "task-1", next, true)
	if err != nil {
		t.Fatalf("RescheduleForRetry: %v", err)
	}
	if !updated {
		t.Error("expected updated=true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMarkSubmitted(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectExec("SET external_task_id").
		WithArgs("task-1", "upstream-99").
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := s.MarkSubmitted(context.Background(), "task-1", "upstream-99")
	if err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}
	if !updated {
		t.Error("expected updated=true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestListTasksWithFilter(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("acct-1", models.StatusCompleted).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("ORDER BY created_at DESC").
		WithArgs("acct-1", models.StatusCompleted, 20, 0).
		WillReturnRows(addTaskRow(taskRows(), "task-1", "completed"))

	tasks, total, err := s.ListTasks(context.Background(), "acct-1", ListFilter{Status: models.StatusCompleted})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 1 || len(tasks) != 1 {
		t.Errorf("expected 1 task, got total=%d len=%d", total, len(tasks))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCancelPendingTask(t *testing.T) {
	s, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("SET status = 'cancelled'").
		WithArgs("task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		updated, err := s.CancelPendingTask(context.Background(), tx, "task-1")
		if err != nil {
			return err
		}
		if !updated {
			t.Error("expected updated=true for pending task")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
