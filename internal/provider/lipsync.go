package provider

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"atelier/pkg/logging"
	"atelier/pkg/models"
)

// LipsyncProvider drives an async lip synchronization service: submit a
// video plus an audio track, poll for the rendered result.
type LipsyncProvider struct {
	client *resty.Client
	logger logging.Logger
}

func NewLipsyncProvider(cfg Config, logger logging.Logger) *LipsyncProvider {
	return &LipsyncProvider{client: newClient(cfg, logger), logger: logger}
}

func (p *LipsyncProvider) TaskType() models.TaskType { return models.TaskTypeVideoLipsync }
func (p *LipsyncProvider) Mode() models.TaskMode     { return models.ModeAsync }

type lipsyncSubmitResponse struct {
	TaskID string `json:"task_id"`
}

type lipsyncStatusResponse struct {
	Status   string  `json:"status"`
	VideoURL string  `json:"video_url"`
	Duration float64 `json:"duration"`
	Error    string  `json:"error"`
}

func (p *LipsyncProvider) Execute(ctx context.Context, task *models.Task, inputs []models.TaskResource) (*ExecuteResult, error) {
	videoURL := firstInputURL(inputs, models.ResourceVideo)
	audioURL := firstInputURL(inputs, models.ResourceAudio)
	if videoURL == "" || audioURL == "" {
		return &ExecuteResult{
			Error:     "lipsync requires one video and one audio input",
			ErrorCode: "missing_input",
			Retryable: false,
		}, nil
	}

	var result lipsyncSubmitResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"video_url": videoURL,
			"audio_url": audioURL,
		}).
		SetResult(&result).
		Post("/v1/lipsync")
	if err != nil {
		return nil, fmt.Errorf("lipsync submit request failed: %w", err)
	}

	if resp.IsError() {
		return failureResult(resp.StatusCode(), resp.Body()), nil
	}
	if result.TaskID == "" {
		return nil, fmt.Errorf("lipsync submit returned no task id")
	}

	return &ExecuteResult{Success: true, ExternalTaskID: result.TaskID}, nil
}

func (p *LipsyncProvider) Query(ctx context.Context, task *models.Task) (*QueryResult, error) {
	if task.ExternalTaskID == nil {
		return nil, fmt.Errorf("lipsync query: task %s has no external task id", task.ID)
	}

	var result lipsyncStatusResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v1/lipsync/" + *task.ExternalTaskID)
	if err != nil {
		return nil, fmt.Errorf("lipsync status request failed: %w", err)
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

func firstInputURL(inputs []models.TaskResource, rt models.ResourceType) string {
	for _, r := range inputs {
		if r.IsInput && r.ResourceType == rt {
			return r.URL
		}
	}
	return ""
}
