// Package queue implements the build task queue: lease-based delivery
// over the task store, a polling worker pool, and orphan recovery for
// tasks whose workers died mid-build.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/forgeworks/foundry/pkg/models"
)

// Queue-level sentinel errors.
var (
	// ErrNoTasksAvailable is returned when polling finds nothing to claim.
	ErrNoTasksAvailable = errors.New("no tasks available")

	// ErrQueueFull is returned by Enqueue when the ready set is at the
	// configured depth limit.
	ErrQueueFull = errors.New("task queue is full")
)

// ExecutionResult is what a build executor returns for one task.
type ExecutionResult struct {
	// Status is the terminal task status to record.
	Status models.TaskStatus

	// Result is stored on the task record (e.g. {"paused": true}).
	Result map[string]any

	// Error is the failure cause, if any.
	Error error

	// Retryable marks infrastructure failures worth re-delivering. Build
	// failures already recorded on the project are not retryable; the
	// project holds the error and the task is terminal.
	Retryable bool
}

// BuildExecutor drives one claimed task to completion. Implemented by the
// pipeline driver.
type BuildExecutor interface {
	Execute(ctx context.Context, task *models.Task) *ExecutionResult
}

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	CurrentTaskID  string    `json:"current_task_id,omitempty"`
	TasksProcessed int       `json:"tasks_processed"`
	LastActivity   time.Time `json:"last_activity"`
}

// PoolHealth is the pool-level health snapshot served by the API.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	StoreReachable   bool           `json:"store_reachable"`
	StoreError       string         `json:"store_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	QueueDepth       int            `json:"queue_depth"`
	ActiveBuilds     int            `json:"active_builds"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan,omitempty"`
	OrphansRecovered int            `json:"orphans_recovered"`
}
