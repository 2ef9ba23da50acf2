package models

import "time"

// TaskType identifies the kind of work a queue task carries.
type TaskType string

// Task types.
const (
	TaskTypeBuildAgent  TaskType = "build_agent"
	TaskTypeDeployAgent TaskType = "deploy_agent"
	TaskTypeInvokeAgent TaskType = "invoke_agent"
)

// TaskStatus is the lifecycle state of a queue task.
type TaskStatus string

// Task status values.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the task is finished. Terminal tasks are
// never re-delivered.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is a unit of work on the queue. Delivery is at-least-once: a worker
// holds a lease renewed by heartbeat; when the lease expires the task
// returns to the ready set.
type Task struct {
	ID        string         `json:"task_id"`
	Type      TaskType       `json:"task_type"`
	ProjectID string         `json:"project_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  int            `json:"priority"`

	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`
	Status     TaskStatus `json:"status"`
	WorkerID   string     `json:"worker_id,omitempty"`

	// NotBefore delays delivery after a retry (exponential backoff).
	NotBefore *time.Time `json:"not_before,omitempty"`
	// LeaseExpiresAt is the visibility deadline while the task is running.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`

	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
