package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TaskType identifies which external AI integration a task runs against.
type TaskType string

const (
	TaskTypeVideoLipsync TaskType = "video_lipsync"
	TaskTypeVideoMotion  TaskType = "video_motion"
	TaskTypeAudioTTS     TaskType = "audio_tts"
	TaskTypeImageTxt2Img TaskType = "image_txt2img"
)

// TaskCategory groups task types by the kind of media they produce.
type TaskCategory string

const (
	CategoryVideo TaskCategory = "video"
	CategoryImage TaskCategory = "image"
	CategoryAudio TaskCategory = "audio"
)

// TaskMode distinguishes providers that return results in the submit call
// from providers that hand back an upstream job to poll.
type TaskMode string

const (
	ModeSync  TaskMode = "sync"
	ModeAsync TaskMode = "async"
)

// TaskStatus is the task state machine's current state.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status can never transition again.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ResourceType classifies a task input or output artifact.
type ResourceType string

const (
	ResourceImage   ResourceType = "image"
	ResourceVideo   ResourceType = "video"
	ResourceAudio   ResourceType = "audio"
	ResourceText    ResourceType = "text"
	ResourceModel3D ResourceType = "model_3d"
)

// LogLevel is the severity of a persisted task log entry.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

var taskTypeInfo = map[TaskType]struct {
	category TaskCategory
	mode     TaskMode
}{
	TaskTypeVideoLipsync: {CategoryVideo, ModeAsync},
	TaskTypeVideoMotion:  {CategoryVideo, ModeAsync},
	TaskTypeAudioTTS:     {CategoryAudio, ModeSync},
	TaskTypeImageTxt2Img: {CategoryImage, ModeSync},
}

// Valid reports whether t is a supported task type.
func (t TaskType) Valid() bool {
	_, ok := taskTypeInfo[t]
	return ok
}

// Category returns the media category derived from the task type.
func (t TaskType) Category() TaskCategory {
	return taskTypeInfo[t].category
}

// Mode returns sync or async depending on how the type's provider works.
func (t TaskType) Mode() TaskMode {
	return taskTypeInfo[t].mode
}

// TaskTypes returns all supported task types.
func TaskTypes() []TaskType {
	return []TaskType{TaskTypeVideoLipsync, TaskTypeVideoMotion, TaskTypeAudioTTS, TaskTypeImageTxt2Img}
}

// TaskOutput is one produced artifact reference stored on the task row.
type TaskOutput struct {
	URL      string `json:"url"`
	Metadata JSONB  `json:"metadata,omitempty"`
}

// TaskOutputs is the task's result column: an ordered list of outputs.
type TaskOutputs []TaskOutput

// Value implements the driver.Valuer interface for TaskOutputs
func (o TaskOutputs) Value() (driver.Value, error) {
	if o == nil {
		return nil, nil
	}
	return json.Marshal(o)
}

// Scan implements the sql.Scanner interface for TaskOutputs
func (o *TaskOutputs) Scan(value interface{}) error {
	if value == nil {
		*o = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported scan type %T for TaskOutputs", value)
	}

	return json.Unmarshal(bytes, o)
}

// Task represents a persistently tracked request to produce an AI artifact
// for an account.
type Task struct {
	ID        string       `json:"id" db:"id"`
	AccountID string       `json:"account_id" db:"account_id"`
	Name      string       `json:"name" db:"name"`
	Type      TaskType     `json:"type" db:"type"`
	Category  TaskCategory `json:"category" db:"category"`
	Mode      TaskMode     `json:"mode" db:"mode"`
	Status    TaskStatus   `json:"status" db:"status"`
	Config    JSONB        `json:"config" db:"config"`

	// Pricing snapshot taken at creation; settlement reads these, not the
	// live pricing row, so mid-flight pricing edits cannot change it.
	PricingID   string  `json:"pricing_id" db:"pricing_id"`
	BillingType string  `json:"billing_type" db:"billing_type"`
	UnitPrice   float64 `json:"unit_price" db:"unit_price"`
	MinUnit     float64 `json:"min_unit" db:"min_unit"`

	EstimatedCost  int64    `json:"estimated_cost" db:"estimated_cost"`
	EstimatedUsage float64  `json:"estimated_usage" db:"estimated_usage"`
	ActualCost     *int64   `json:"actual_cost,omitempty" db:"actual_cost"`
	ActualUsage    *float64 `json:"actual_usage,omitempty" db:"actual_usage"`

	ExternalTaskID *string    `json:"external_task_id,omitempty" db:"external_task_id"`
	RetryCount     int        `json:"retry_count" db:"retry_count"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	LastError      *string    `json:"last_error,omitempty" db:"last_error"`
	Result         TaskOutputs `json:"result,omitempty" db:"result"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// TaskResource is an input or output artifact attached to a task.
type TaskResource struct {
	ID           string       `json:"id" db:"id"`
	TaskID       string       `json:"task_id" db:"task_id"`
	ResourceType ResourceType `json:"resource_type" db:"resource_type"`
	IsInput      bool         `json:"is_input" db:"is_input"`
	URL          string       `json:"url" db:"url"`
	Metadata     JSONB        `json:"metadata" db:"metadata"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// TaskLog is one append-only structured event persisted for a task.
type TaskLog struct {
	ID        string    `json:"id" db:"id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	Level     LogLevel  `json:"level" db:"level"`
	Message   string    `json:"message" db:"message"`
	Data      JSONB     `json:"data,omitempty" db:"data"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
