// Package executor drives a single claimed task through its provider and
// hands the outcome to the task type's handler. The scheduler owns claiming
// and loop cadence; the executor owns the provider call itself.
package executor

import (
	"context"
	"fmt"

	"atelier/internal/handler"
	"atelier/internal/provider"
	"atelier/internal/store"
	"atelier/pkg/logging"
	"atelier/pkg/models"
)

// Registration binds one task type's provider and handler.
type Registration struct {
	Provider provider.Provider
	Handler  handler.Handler
}

// Registry maps task types to their registrations. Populated at startup;
// read-only afterwards, so no locking.
type Registry struct {
	registrations map[models.TaskType]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{registrations: make(map[models.TaskType]Registration)}
}

// Register binds a provider and handler for the provider's task type.
// Duplicate registrations are a startup misconfiguration.
func (r *Registry) Register(p provider.Provider, h handler.Handler) error {
	taskType := p.TaskType()
	if !taskType.Valid() {
		return fmt.Errorf("register: unknown task type %q", taskType)
	}
	if _, exists := r.registrations[taskType]; exists {
		return fmt.Errorf("register: task type %q already registered", taskType)
	}
	r.registrations[taskType] = Registration{Provider: p, Handler: h}
	return nil
}

// Get returns the registration for a task type.
func (r *Registry) Get(taskType models.TaskType) (Registration, error) {
	reg, ok := r.registrations[taskType]
	if !ok {
		return Registration{}, fmt.Errorf("no provider registered for task type %q", taskType)
	}
	return reg, nil
}

// Types returns the registered task types.
func (r *Registry) Types() []models.TaskType {
	types := make([]models.TaskType, 0, len(r.registrations))
	for t := range r.registrations {
		types = append(types, t)
	}
	return types
}

// Executor runs provider calls for claimed tasks.
type Executor struct {
	registry *Registry
	store    *store.Store
	logger   logging.Logger
}

// New creates an Executor.
func New(registry *Registry, st *store.Store, logger logging.Logger) *Executor {
	return &Executor{registry: registry, store: st, logger: logger}
}

// ExecuteTask submits a freshly claimed task to its provider. An async task
// that already carries an upstream job id is left alone: the poll loop owns
// it, and re-submitting would start a second upstream job. A panic in the
// provider is downgraded to a retryable failure.
func (e *Executor) ExecuteTask(ctx context.Context, task *models.Task) (err error) {
	reg, regErr := e.registry.Get(task.Type)
	if regErr != nil {
		// Misconfiguration, not a task failure. Leave the task processing;
		// the timeout sweep reclaims it once a provider is registered.
		e.logger.WithError(regErr).WithField("task_id", task.ID).Error("Cannot execute task")
		return regErr
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("task_id", task.ID).Errorf("Panic executing task: %v", r)
			err = reg.Handler.HandleFailure(ctx, task, handler.Failure{
				Message:   fmt.Sprintf("panic during execution: %v", r),
				Code:      "panic",
				Retryable: true,
				Stage:     handler.StageSubmit,
			})
		}
	}()

	if task.Mode == models.ModeAsync && task.ExternalTaskID != nil {
		return e.store.Heartbeat(ctx, task.ID)
	}

	isInput := true
	inputs, inputErr := e.store.ListResources(ctx, task.ID, &isInput)
	if inputErr != nil {
		return reg.Handler.HandleFailure(ctx, task, handler.Failure{
			Message:   "load task inputs: " + inputErr.Error(),
			Code:      "input_load_failed",
			Retryable: true,
			Stage:     handler.StageSubmit,
		})
	}

	result, execErr := reg.Provider.Execute(ctx, task, inputs)
	if execErr != nil {
		// Adapter faults (network, malformed response) are transient.
		return reg.Handler.HandleFailure(ctx, task, handler.Failure{
			Message:   execErr.Error(),
			Code:      "provider_error",
			Retryable: true,
			Stage:     handler.StageSubmit,
		})
	}

	if !result.Success {
		return reg.Handler.HandleFailure(ctx, task, handler.Failure{
			Message:   result.Error,
			Code:      result.ErrorCode,
			Retryable: result.Retryable,
			Stage:     handler.StageSubmit,
		})
	}

	if task.Mode == models.ModeAsync {
		if result.ExternalTaskID == "" {
			return reg.Handler.HandleFailure(ctx, task, handler.Failure{
				Message:   "provider returned success without an external task id",
				Code:      "invalid_provider_result",
				Retryable: true,
				Stage:     handler.StageSubmit,
			})
		}
		updated, err := e.store.MarkSubmitted(ctx, task.ID, result.ExternalTaskID)
		if err != nil {
			return err
		}
		if !updated {
			e.logger.WithField("task_id", task.ID).Warn("Task concluded before submit could be recorded")
		}
		return nil
	}

	return reg.Handler.HandleCompletion(ctx, task, result.Outputs, result.ActualUsage)
}

// QueryAsyncTask polls the upstream job behind an in-flight async task and
// concludes it, retries it, or just refreshes its heartbeat. Panics are
// downgraded to retryable poll failures like execution panics.
func (e *Executor) QueryAsyncTask(ctx context.Context, task *models.Task) (err error) {
	reg, regErr := e.registry.Get(task.Type)
	if regErr != nil {
		e.logger.WithError(regErr).WithField("task_id", task.ID).Error("Cannot poll task")
		return regErr
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("task_id", task.ID).Errorf("Panic polling task: %v", r)
			err = reg.Handler.HandleFailure(ctx, task, handler.Failure{
				Message:   fmt.Sprintf("panic during poll: %v", r),
				Code:      "panic",
				Retryable: true,
				Stage:     handler.StagePoll,
			})
		}
	}()

	result, queryErr := reg.Provider.Query(ctx, task)
	if queryErr != nil {
		return reg.Handler.HandleFailure(ctx, task, handler.Failure{
			Message:   queryErr.Error(),
			Code:      "provider_error",
			Retryable: true,
			Stage:     handler.StagePoll,
		})
	}

	switch result.Status {
	case provider.QueryCompleted:
		return reg.Handler.HandleCompletion(ctx, task, result.Outputs, result.ActualUsage)
	case provider.QueryFailed:
		return reg.Handler.HandleFailure(ctx, task, handler.Failure{
			Message:   result.Error,
			Code:      result.ErrorCode,
			Retryable: result.Retryable,
			Stage:     handler.StagePoll,
		})
	default:
		// Still rendering upstream. The heartbeat keeps the timeout sweep
		// from reclaiming a live task.
		return e.store.Heartbeat(ctx, task.ID)
	}
}
