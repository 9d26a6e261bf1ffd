package provider

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"atelier/pkg/logging"
	"atelier/pkg/models"
)

// MotionProvider drives an async image-to-video service: submit a still
// image plus a motion prompt, poll for the generated clip.
type MotionProvider struct {
	client *resty.Client
	logger logging.Logger
}

func NewMotionProvider(cfg Config, logger logging.Logger) *MotionProvider {
	return &MotionProvider{client: newClient(cfg, logger), logger: logger}
}

func (p *MotionProvider) TaskType() models.TaskType { return models.TaskTypeVideoMotion }
func (p *MotionProvider) Mode() models.TaskMode     { return models.ModeAsync }

type motionSubmitResponse struct {
	TaskID string `json:"task_id"`
}

type motionStatusResponse struct {
	Status   string  `json:"status"`
	VideoURL string  `json:"video_url"`
	Duration float64 `json:"duration"`
	Error    string  `json:"error"`
}

func (p *MotionProvider) Execute(ctx context.Context, task *models.Task, inputs []models.TaskResource) (*ExecuteResult, error) {
	imageURL := firstInputURL(inputs, models.ResourceImage)
	if imageURL == "" {
		return &ExecuteResult{
			Error:     "motion requires one image input",
			ErrorCode: "missing_input",
			Retryable: false,
		}, nil
	}

	body := map[string]interface{}{
		"image_url": imageURL,
	}
	if prompt, ok := task.Config["prompt"].(string); ok && prompt != "" {
		body["prompt"] = prompt
	}
	if duration, ok := task.Config["duration"].(float64); ok && duration > 0 {
		body["duration"] = duration
	}

	var result motionSubmitResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/v1/motion")
	if err != nil {
		return nil, fmt.Errorf("motion submit request failed: %w", err)
	}

	if resp.IsError() {
		return failureResult(resp.StatusCode(), resp.Body()), nil
	}
	if result.TaskID == "" {
		return nil, fmt.Errorf("motion submit returned no task id")
	}

	return &ExecuteResult{Success: true, ExternalTaskID: result.TaskID}, nil
}

func (p *MotionProvider) Query(ctx context.Context, task *models.Task) (*QueryResult, error) {
	if task.ExternalTaskID == nil {
		return nil, fmt.Errorf("motion query: task %s has no external task id", task.ID)
	}

	var result motionStatusResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v1/motion/" + *task.ExternalTaskID)
	if err != nil {
		return nil, fmt.Errorf("motion status request failed: %w", err)
	}

	if resp.IsError() {
		return queryFailureResult(resp.StatusCode(), resp.Body()), nil
	}

	switch result.Status {
	case "succeeded":
		usage := result.Duration
		return &QueryResult{
			Status:      QueryCompleted,
			Outputs:     models.TaskOutputs{{URL: result.VideoURL, Metadata: models.JSONB{"duration": result.Duration}}},
			ActualUsage: &usage,
		}, nil
	case "failed":
		return &QueryResult{Status: QueryFailed, Error: result.Error, ErrorCode: "upstream_failed", Retryable: false}, nil
	default:
		return &QueryResult{Status: QueryPending}, nil
	}
}
