package provider

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"atelier/pkg/logging"
	"atelier/pkg/models"
)

// Txt2ImgProvider drives a synchronous text-to-image service.
type Txt2ImgProvider struct {
	client *resty.Client
	logger logging.Logger
}

func NewTxt2ImgProvider(cfg Config, logger logging.Logger) *Txt2ImgProvider {
	client := newClient(cfg, logger).
		SetRetryCount(2).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || retryable(r.StatusCode())
		})
	return &Txt2ImgProvider{client: client, logger: logger}
}

func (p *Txt2ImgProvider) TaskType() models.TaskType { return models.TaskTypeImageTxt2Img }
func (p *Txt2ImgProvider) Mode() models.TaskMode     { return models.ModeSync }

type txt2imgResponse struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

func (p *Txt2ImgProvider) Execute(ctx context.Context, task *models.Task, inputs []models.TaskResource) (*ExecuteResult, error) {
	prompt, _ := task.Config["prompt"].(string)
	if prompt == "" {
		return &ExecuteResult{
			Error:     "txt2img requires a non-empty prompt",
			ErrorCode: "missing_input",
			Retryable: false,
		}, nil
	}

	count := 1
	if n, ok := task.Config["count"].(float64); ok && n >= 1 {
		count = int(n)
	}

	body := map[string]interface{}{
		"prompt": prompt,
		"n":      count,
	}
	if negative, ok := task.Config["negative_prompt"].(string); ok && negative != "" {
		body["negative_prompt"] = negative
	}
	if size, ok := task.Config["size"].(string); ok && size != "" {
		body["size"] = size
	}

	var result txt2imgResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/v1/images/generations")
	if err != nil {
		return nil, fmt.Errorf("txt2img request failed: %w", err)
	}

	if resp.IsError() {
		return failureResult(resp.StatusCode(), resp.Body()), nil
	}
	if len(result.Images) == 0 {
		return nil, fmt.Errorf("txt2img returned no images")
	}

	outputs := make(models.TaskOutputs, 0, len(result.Images))
	for _, img := range result.Images {
		outputs = append(outputs, models.TaskOutput{URL: img.URL})
	}

	usage := float64(len(result.Images))
	return &ExecuteResult{Success: true, Outputs: outputs, ActualUsage: &usage}, nil
}

// Query is never called for sync providers.
func (p *Txt2ImgProvider) Query(ctx context.Context, task *models.Task) (*QueryResult, error) {
	return nil, fmt.Errorf("txt2img is a sync provider and cannot be queried")
}
