// Package provider defines the contract between the task engine and external
// AI generation services, plus the HTTP adapters for each supported task
// type. Sync providers return outputs from the submit call; async providers
// return an upstream job id that the poll loop queries until it concludes.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"atelier/pkg/config"
	"atelier/pkg/logging"
	"atelier/pkg/models"
)

// ExecuteResult is the outcome of a submit call. For sync providers a
// successful result carries the outputs and usage; for async providers it
// carries the upstream job id and nothing else.
type ExecuteResult struct {
	Success        bool
	ExternalTaskID string
	Outputs        models.TaskOutputs
	ActualUsage    *float64
	Error          string
	ErrorCode      string
	Retryable      bool
}

// QueryStatus is the upstream job state reported by an async provider.
type QueryStatus string

const (
	QueryPending   QueryStatus = "pending"
	QueryCompleted QueryStatus = "completed"
	QueryFailed    QueryStatus = "failed"
)

// QueryResult is the outcome of polling an async provider.
type QueryResult struct {
	Status      QueryStatus
	Outputs     models.TaskOutputs
	ActualUsage *float64
	Error       string
	ErrorCode   string
	Retryable   bool
}

// Provider adapts one external generation service. Execute and Query return
// an error only for faults in the adapter itself (network, malformed
// response); upstream rejections are reported in the result so the caller
// can distinguish retryable from permanent failures. Query is only called
// for async providers, on tasks that have an external job id.
type Provider interface {
	TaskType() models.TaskType
	Mode() models.TaskMode
	Execute(ctx context.Context, task *models.Task, inputs []models.TaskResource) (*ExecuteResult, error)
	Query(ctx context.Context, task *models.Task) (*QueryResult, error)
}

// Config holds the connection settings for one provider endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// ConfigFromEnv reads PROVIDER_<NAME>_URL, PROVIDER_<NAME>_API_KEY and
// PROVIDER_<NAME>_TIMEOUT.
func ConfigFromEnv(name string) Config {
	prefix := "PROVIDER_" + name
	return Config{
		BaseURL: config.GetEnv(prefix+"_URL", ""),
		APIKey:  config.GetEnv(prefix+"_API_KEY", ""),
		Timeout: config.GetEnvDuration(prefix+"_TIMEOUT", 60*time.Second),
	}
}

func newClient(cfg Config, logger logging.Logger) *resty.Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetLogger(logger)
	return client
}

// retryable reports whether an upstream HTTP status is worth another
// attempt. Rate limits and server errors are transient; any other 4xx means
// the request itself is bad and retrying cannot help.
func retryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

func failureResult(statusCode int, body []byte) *ExecuteResult {
	return &ExecuteResult{
		Error:     fmt.Sprintf("upstream returned status %d: %s", statusCode, truncate(body, 256)),
		ErrorCode: fmt.Sprintf("http_%d", statusCode),
		Retryable: retryable(statusCode),
	}
}

func queryFailureResult(statusCode int, body []byte) *QueryResult {
	return &QueryResult{
		Status:    QueryFailed,
		Error:     fmt.Sprintf("upstream returned status %d: %s", statusCode, truncate(body, 256)),
		ErrorCode: fmt.Sprintf("http_%d", statusCode),
		Retryable: retryable(statusCode),
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
