// Package handler orchestrates what happens after a provider call concludes:
// artifact capture, resource persistence, the state-gated terminal
// transition, and billing settlement or refund. The handler is the only
// place that decides retry versus terminal failure.
package handler

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"atelier/internal/billing"
	"atelier/internal/store"
	"atelier/internal/uploader"
	"atelier/pkg/logging"
	"atelier/pkg/models"
)

// Stage records where in the task lifecycle a failure happened. Poll-stage
// failures keep the upstream job id so the next attempt resumes the same
// job; submit-stage failures drop it so the task resubmits from scratch.
type Stage string

const (
	StageSubmit Stage = "submit"
	StagePoll   Stage = "poll"
)

// Failure describes a provider failure to the handler.
type Failure struct {
	Message   string
	Code      string
	Retryable bool
	Stage     Stage
}

// Handler is the post-execution contract. Implementations must tolerate
// being invoked concurrently for the same task; the store's state-gated
// updates guarantee only one invocation concludes it.
type Handler interface {
	HandleCompletion(ctx context.Context, task *models.Task, outputs models.TaskOutputs, actualUsage *float64) error
	HandleFailure(ctx context.Context, task *models.Task, failure Failure) error
}

// Metrics holds the task lifecycle counters. Nil disables recording.
type Metrics struct {
	Tasks    *prometheus.CounterVec
	Retries  *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

func (m *Metrics) terminal(task *models.Task, status string) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(string(task.Type), status).Inc()
	if task.StartedAt != nil {
		m.Duration.WithLabelValues(string(task.Type)).Observe(time.Since(*task.StartedAt).Seconds())
	}
}

func (m *Metrics) retried(task *models.Task, reason string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(string(task.Type), reason).Inc()
}

// ArtifactUploader captures one provider output into durable storage and
// removes captures that turn out to be orphaned. Satisfied by
// *uploader.Uploader.
type ArtifactUploader interface {
	Upload(ctx context.Context, req uploader.Request) (string, error)
	Remove(ctx context.Context, storedURL string) error
}

// DefaultHandler is the standard lifecycle orchestration shared by all task
// types.
type DefaultHandler struct {
	store      *store.Store
	billing    *billing.Service
	uploader   ArtifactUploader
	logger     logging.Logger
	metrics    *Metrics
	maxRetries int
	backoff    func(retryCount int) time.Duration
}

// NewDefaultHandler creates the standard handler. backoff maps the current
// retry count to the delay before the next attempt.
func NewDefaultHandler(st *store.Store, bill *billing.Service, up ArtifactUploader, logger logging.Logger, metrics *Metrics, maxRetries int, backoff func(int) time.Duration) *DefaultHandler {
	return &DefaultHandler{
		store:      st,
		billing:    bill,
		uploader:   up,
		logger:     logger,
		metrics:    metrics,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// HandleCompletion captures outputs into artifact storage, concludes the
// task, persists output resources and settles billing. The upload happens
// before the terminal transition; if a concurrent concluder wins the gate,
// the loser deletes its duplicate objects and stops without touching the
// ledger.
func (h *DefaultHandler) HandleCompletion(ctx context.Context, task *models.Task, outputs models.TaskOutputs, actualUsage *float64) error {
	stored := make(models.TaskOutputs, 0, len(outputs))
	resources := make([]models.TaskResource, 0, len(outputs))
	for i, out := range outputs {
		storedURL, err := h.uploader.Upload(ctx, uploader.Request{
			AccountID:    task.AccountID,
			TaskType:     task.Type,
			TaskID:       task.ID,
			Index:        i,
			SourceURL:    out.URL,
			ResourceType: models.ResourceType(task.Category),
		})
		if err != nil {
			h.logger.WithError(err).WithFields(logging.Fields{
				"task_id": task.ID,
				"index":   i,
			}).Error("Artifact capture failed")
			return h.HandleFailure(ctx, task, Failure{
				Message:   "artifact capture failed: " + err.Error(),
				Code:      "upload_failed",
				Retryable: true,
				Stage:     StagePoll,
			})
		}
		stored = append(stored, models.TaskOutput{URL: storedURL, Metadata: out.Metadata})
		resources = append(resources, models.TaskResource{
			TaskID:       task.ID,
			ResourceType: models.ResourceType(task.Category),
			IsInput:      false,
			URL:          storedURL,
			Metadata:     out.Metadata,
		})
	}

	usage := task.EstimatedUsage
	if actualUsage != nil {
		usage = *actualUsage
	}
	actualCost := billing.ActualCost(task, usage)

	updated, err := h.store.CompleteTask(ctx, task.ID, actualCost, usage, stored)
	if err != nil {
		return err
	}
	if !updated {
		h.logger.WithField("task_id", task.ID).Info("Task already concluded, skipping settlement")
		for _, out := range stored {
			if err := h.uploader.Remove(ctx, out.URL); err != nil {
				h.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to remove orphaned artifact")
			}
		}
		return nil
	}

	if err := h.store.InsertResources(ctx, h.store.DB(), task.ID, resources); err != nil {
		h.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to persist output resources")
	}
	if err := h.store.AppendTaskLog(ctx, h.store.DB(), task.ID, models.LogInfo, "task completed", models.JSONB{
		"actual_cost":  actualCost,
		"actual_usage": usage,
		"outputs":      len(stored),
	}); err != nil {
		h.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to append task log")
	}

	if err := h.billing.Settle(ctx, task, actualCost); err != nil {
		// The task is already completed; surface the settlement failure
		// loudly, it needs an operator.
		h.logger.WithError(err).WithField("task_id", task.ID).Error("Settlement failed after completion")
		return err
	}

	h.metrics.terminal(task, "completed")
	return nil
}

// HandleFailure decides retry versus terminal failure. Sync tasks never use
// system-level retry since their providers retry in-call; async tasks are
// rescheduled with backoff while retryable attempts remain.
func (h *DefaultHandler) HandleFailure(ctx context.Context, task *models.Task, failure Failure) error {
	if task.Mode == models.ModeAsync && failure.Retryable && task.RetryCount < h.maxRetries {
		nextRetryAt := time.Now().Add(h.backoff(task.RetryCount))
		clearExternal := failure.Stage == StageSubmit

		updated, err := h.store.RescheduleForRetry(ctx, task.ID, nextRetryAt, clearExternal)
		if err != nil {
			return err
		}
		if !updated {
			return nil
		}

		if err := h.store.AppendTaskLog(ctx, h.store.DB(), task.ID, models.LogWarn, "task retry scheduled", models.JSONB{
			"error":         failure.Message,
			"error_code":    failure.Code,
			"stage":         string(failure.Stage),
			"retry_count":   task.RetryCount + 1,
			"next_retry_at": nextRetryAt,
		}); err != nil {
			h.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to append task log")
		}

		h.metrics.retried(task, failure.Code)
		h.logger.WithFields(logging.Fields{
			"task_id":     task.ID,
			"retry_count": task.RetryCount + 1,
			"stage":       string(failure.Stage),
		}).Warn("Task rescheduled for retry")
		return nil
	}

	updated, err := h.store.FailTask(ctx, task.ID, failure.Message)
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}

	if err := h.store.AppendTaskLog(ctx, h.store.DB(), task.ID, models.LogError, "task failed", models.JSONB{
		"error":      failure.Message,
		"error_code": failure.Code,
	}); err != nil {
		h.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to append task log")
	}

	if err := h.billing.Refund(ctx, task, "task failed: "+failure.Message); err != nil {
		h.logger.WithError(err).WithField("task_id", task.ID).Error("Refund failed after task failure")
		return err
	}

	h.metrics.terminal(task, "failed")
	h.logger.WithFields(logging.Fields{
		"task_id":    task.ID,
		"error_code": failure.Code,
	}).Error("Task failed")
	return nil
}
