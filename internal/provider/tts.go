package provider

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"atelier/pkg/logging"
	"atelier/pkg/models"
)

// TTSProvider drives a synchronous text-to-speech service. The submit call
// blocks until synthesis is done and returns the audio directly, so transient
// upstream errors are retried in-call before the task-level retry kicks in.
type TTSProvider struct {
	client *resty.Client
	logger logging.Logger
}

func NewTTSProvider(cfg Config, logger logging.Logger) *TTSProvider {
	client := newClient(cfg, logger).
		SetRetryCount(2).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || retryable(r.StatusCode())
		})
	return &TTSProvider{client: client, logger: logger}
}

func (p *TTSProvider) TaskType() models.TaskType { return models.TaskTypeAudioTTS }
func (p *TTSProvider) Mode() models.TaskMode     { return models.ModeSync }

type ttsResponse struct {
	AudioURL string  `json:"audio_url"`
	Duration float64 `json:"duration"`
}

func (p *TTSProvider) Execute(ctx context.Context, task *models.Task, inputs []models.TaskResource) (*ExecuteResult, error) {
	text, _ := task.Config["text"].(string)
	if text == "" {
		return &ExecuteResult{
			Error:     "tts requires non-empty text",
			ErrorCode: "missing_input",
			Retryable: false,
		}, nil
	}

	body := map[string]interface{}{"text": text}
	if voice, ok := task.Config["voice"].(string); ok && voice != "" {
		body["voice"] = voice
	}
	if speed, ok := task.Config["speed"].(float64); ok && speed > 0 {
		body["speed"] = speed
	}

	var result ttsResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/v1/tts")
	if err != nil {
		return nil, fmt.Errorf("tts request failed: %w", err)
	}

	if resp.IsError() {
		return failureResult(resp.StatusCode(), resp.Body()), nil
	}
	if result.AudioURL == "" {
		return nil, fmt.Errorf("tts returned no audio url")
	}

	usage := result.Duration
	return &ExecuteResult{
		Success:     true,
		Outputs:     models.TaskOutputs{{URL: result.AudioURL, Metadata: models.JSONB{"duration": result.Duration}}},
		ActualUsage: &usage,
	}, nil
}

// Query is never called for sync providers.
func (p *TTSProvider) Query(ctx context.Context, task *models.Task) (*QueryResult, error) {
	return nil, fmt.Errorf("tts is a sync provider and cannot be queried")
}
