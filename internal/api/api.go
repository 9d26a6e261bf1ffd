// Package api exposes the task engine over HTTP. Handlers only deserialize,
// delegate to the task service and map domain errors to status codes.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"atelier/internal/billing"
	"atelier/internal/service"
	"atelier/internal/store"
	"atelier/pkg/auth"
	"atelier/pkg/ctxkeys"
	"atelier/pkg/logging"
	"atelier/pkg/models"
)

// downloadURLExpiry bounds how long a presigned result link stays valid.
const downloadURLExpiry = 15 * time.Minute

// ResultSigner mints time-limited download URLs for stored artifacts.
// Satisfied by *storage.S3Client; nil disables download links.
type ResultSigner interface {
	PresignStoredURL(storedURL string, expiry time.Duration) (string, error)
}

// Handlers holds the API dependencies.
type Handlers struct {
	tasks  *service.TaskService
	signer ResultSigner
	logger logging.Logger
}

// New creates the API handlers. signer may be nil.
func New(tasks *service.TaskService, signer ResultSigner, logger logging.Logger) *Handlers {
	return &Handlers{tasks: tasks, signer: signer, logger: logger}
}

// RegisterRoutes mounts the JWT-protected API surface.
func (h *Handlers) RegisterRoutes(r gin.IRouter, jwtSecret []byte) {
	protected := r.Group("/api/v1")
	protected.Use(auth.JWTAuthMiddleware(jwtSecret))

	protected.POST("/tasks", h.CreateTask)
	protected.GET("/tasks", h.ListTasks)
	protected.GET("/tasks/:id", h.GetTask)
	protected.POST("/tasks/:id/cancel", h.CancelTask)
	protected.GET("/accounts/me/balance", h.GetBalance)
	protected.GET("/accounts/me/transactions", h.ListTransactions)
}

func accountID(c *gin.Context) string {
	return c.GetString(string(ctxkeys.KeyAccountID))
}

type createTaskRequest struct {
	Name              string                  `json:"name"`
	Type              models.TaskType         `json:"type" binding:"required"`
	Config            models.JSONB            `json:"config"`
	Inputs            []service.InputResource `json:"inputs"`
	EstimatedDuration *float64                `json:"estimated_duration,omitempty"`
	EstimatedCount    *int                    `json:"estimated_count,omitempty"`
}

// CreateTask creates a task and pre-charges the account.
func (h *Handlers) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	task, err := h.tasks.Create(c.Request.Context(), service.CreateTaskRequest{
		AccountID:         accountID(c),
		Name:              req.Name,
		Type:              req.Type,
		Config:            req.Config,
		Inputs:            req.Inputs,
		EstimatedDuration: req.EstimatedDuration,
		EstimatedCount:    req.EstimatedCount,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, task)
}

// ListTasks returns the account's tasks, newest first.
func (h *Handlers) ListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	filter := store.ListFilter{
		Status: models.TaskStatus(c.Query("status")),
		Type:   models.TaskType(c.Query("type")),
		Limit:  limit,
		Offset: offset,
	}

	tasks, total, err := h.tasks.List(c.Request.Context(), accountID(c), filter)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks":  tasks,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

type resourceView struct {
	models.TaskResource
	DownloadURL string `json:"download_url,omitempty"`
}

// GetTask returns one task with its input and output resources. Output
// resources carry a time-limited download URL so clients can fetch artifacts
// without bucket credentials.
func (h *Handlers) GetTask(c *gin.Context) {
	task, resources, err := h.tasks.Get(c.Request.Context(), accountID(c), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	views := make([]resourceView, 0, len(resources))
	for _, res := range resources {
		view := resourceView{TaskResource: res}
		if h.signer != nil && !res.IsInput {
			url, err := h.signer.PresignStoredURL(res.URL, downloadURLExpiry)
			if err != nil {
				h.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to presign artifact URL")
			} else {
				view.DownloadURL = url
			}
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{
		"task":      task,
		"resources": views,
	})
}

// CancelTask withdraws a pending task and refunds its pre-charge.
func (h *Handlers) CancelTask(c *gin.Context) {
	task, err := h.tasks.Cancel(c.Request.Context(), accountID(c), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, task)
}

// GetBalance returns the account's credit balance.
func (h *Handlers) GetBalance(c *gin.Context) {
	acct, err := h.tasks.Balance(c.Request.Context(), accountID(c))
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id": acct.ID,
		"balance":    acct.Balance,
	})
}

// ListTransactions returns the account's ledger, newest first.
func (h *Handlers) ListTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	txns, total, err := h.tasks.Transactions(c.Request.Context(), accountID(c), limit, offset)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"total":        total,
		"limit":        limit,
		"offset":       offset,
	})
}

// renderError maps domain errors to HTTP status codes.
func (h *Handlers) renderError(c *gin.Context, err error) {
	var insErr *billing.InsufficientBalanceError
	var cfgErr *billing.ConfigurationError

	switch {
	case errors.As(err, &insErr):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "Insufficient balance",
			"required":  insErr.Required,
			"available": insErr.Available,
		})
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": cfgErr.Error()})
	case errors.Is(err, service.ErrUnknownTaskType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrTaskNotFound), errors.Is(err, service.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrTaskNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.WithError(err).Error("Internal error handling API request")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
