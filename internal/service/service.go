// Package service is the task engine's front door: request validation,
// estimation, the atomic create (task + pre-charge + inputs), cancellation,
// and read access for the API layer.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"atelier/internal/billing"
	"atelier/internal/store"
	"atelier/pkg/database"
	"atelier/pkg/logging"
	"atelier/pkg/models"
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskNotCancellable = errors.New("task can no longer be cancelled")
	ErrUnknownTaskType    = errors.New("unknown task type")
	ErrAccountNotFound    = errors.New("account not found")
)

// InputResource is one caller-supplied input artifact reference.
type InputResource struct {
	ResourceType models.ResourceType `json:"resource_type"`
	URL          string              `json:"url"`
	Metadata     models.JSONB        `json:"metadata,omitempty"`
}

// CreateTaskRequest carries everything needed to create a task. Explicit
// estimates take precedence over duration/count values in Config.
type CreateTaskRequest struct {
	AccountID         string
	Name              string
	Type              models.TaskType
	Config            models.JSONB
	Inputs            []InputResource
	EstimatedDuration *float64
	EstimatedCount    *int
}

// TaskService coordinates task lifecycle operations for API callers.
type TaskService struct {
	store   *store.Store
	billing *billing.Service
	logger  logging.Logger
}

// NewTaskService creates a TaskService.
func NewTaskService(st *store.Store, bill *billing.Service, logger logging.Logger) *TaskService {
	return &TaskService{store: st, billing: bill, logger: logger}
}

// Create estimates the task's cost and atomically inserts the task row,
// debits the pre-charge and persists input resources. Either everything
// commits or the account is untouched.
func (s *TaskService) Create(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, req.Type)
	}

	pricing, err := s.store.GetPricingForType(ctx, req.Type)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return nil, &billing.ConfigurationError{Reason: fmt.Sprintf("no active pricing for task type %q", req.Type)}
		}
		return nil, fmt.Errorf("load pricing: %w", err)
	}

	duration, _ := req.Config["duration"].(float64)
	if req.EstimatedDuration != nil {
		duration = *req.EstimatedDuration
	}
	count := 1
	if n, ok := req.Config["count"].(float64); ok && n >= 1 {
		count = int(n)
	}
	if req.EstimatedCount != nil && *req.EstimatedCount >= 1 {
		count = *req.EstimatedCount
	}

	usage, cost, err := billing.Estimate(pricing, req.Type, duration, count)
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		ID:             uuid.New().String(),
		AccountID:      req.AccountID,
		Name:           req.Name,
		Type:           req.Type,
		Category:       req.Type.Category(),
		Mode:           req.Type.Mode(),
		Status:         models.StatusPending,
		Config:         req.Config,
		PricingID:      pricing.ID,
		BillingType:    string(pricing.BillingType),
		UnitPrice:      pricing.UnitPrice,
		MinUnit:        pricing.MinUnit,
		EstimatedCost:  cost,
		EstimatedUsage: usage,
	}

	resources := make([]models.TaskResource, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		resources = append(resources, models.TaskResource{
			TaskID:       task.ID,
			ResourceType: in.ResourceType,
			IsInput:      true,
			URL:          in.URL,
			Metadata:     in.Metadata,
		})
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.CreateTask(ctx, tx, task); err != nil {
			return err
		}
		if err := s.billing.Charge(ctx, tx, req.AccountID, task.ID, cost); err != nil {
			return err
		}
		if err := s.store.InsertResources(ctx, tx, task.ID, resources); err != nil {
			return err
		}
		return s.store.AppendTaskLog(ctx, tx, task.ID, models.LogInfo, "task created", models.JSONB{
			"estimated_cost":  cost,
			"estimated_usage": usage,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logging.Fields{
		"task_id":        task.ID,
		"account_id":     req.AccountID,
		"type":           req.Type,
		"estimated_cost": cost,
	}).Info("Task created")

	return task, nil
}

// Cancel withdraws a task that has not been claimed yet. Only pending tasks
// can be cancelled; the row lock makes the check and the transition atomic
// against a concurrent claim. The refund is posted after the cancellation
// commits.
func (s *TaskService) Cancel(ctx context.Context, accountID, taskID string) (*models.Task, error) {
	var task *models.Task

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = s.store.GetTaskForUpdate(ctx, tx, taskID)
		if err != nil {
			if errors.Is(err, database.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("load task: %w", err)
		}
		if task.AccountID != accountID {
			return ErrTaskNotFound
		}
		if task.Status != models.StatusPending {
			return ErrTaskNotCancellable
		}

		updated, err := s.store.CancelPendingTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !updated {
			return ErrTaskNotCancellable
		}
		return s.store.AppendTaskLog(ctx, tx, taskID, models.LogInfo, "task cancelled", nil)
	})
	if err != nil {
		return nil, err
	}

	if err := s.billing.Refund(ctx, task, "task cancelled"); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Refund failed after cancellation")
		return nil, err
	}

	task.Status = models.StatusCancelled
	s.logger.WithFields(logging.Fields{
		"task_id":    taskID,
		"account_id": accountID,
	}).Info("Task cancelled")

	return task, nil
}

// Get returns one of the account's tasks with its resources.
func (s *TaskService) Get(ctx context.Context, accountID, taskID string) (*models.Task, []models.TaskResource, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return nil, nil, ErrTaskNotFound
		}
		return nil, nil, fmt.Errorf("load task: %w", err)
	}
	if task.AccountID != accountID {
		return nil, nil, ErrTaskNotFound
	}

	resources, err := s.store.ListResources(ctx, taskID, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("load task resources: %w", err)
	}
	return task, resources, nil
}

// List returns the account's tasks, newest first.
func (s *TaskService) List(ctx context.Context, accountID string, filter store.ListFilter) ([]*models.Task, int, error) {
	return s.store.ListTasks(ctx, accountID, filter)
}

// Balance returns the account's current credit balance.
func (s *TaskService) Balance(ctx context.Context, accountID string) (*models.Account, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, database.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("load account: %w", err)
	}
	return acct, nil
}

// Transactions returns the account's ledger, newest first.
func (s *TaskService) Transactions(ctx context.Context, accountID string, limit, offset int) ([]models.Transaction, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListTransactions(ctx, accountID, limit, offset)
}
