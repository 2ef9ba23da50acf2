package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/forgeworks/foundry/pkg/config"
	"github.com/forgeworks/foundry/pkg/models"
	"github.com/forgeworks/foundry/pkg/store"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// workerTaskTypes is what build workers poll for.
var workerTaskTypes = []models.TaskType{
	models.TaskTypeBuildAgent,
	models.TaskTypeDeployAgent,
}

// BuildRegistry is the subset of WorkerPool used by Worker for build
// cancellation registration.
type BuildRegistry interface {
	RegisterBuild(projectID string, cancel context.CancelFunc)
	UnregisterBuild(projectID string)
}

// Worker is a single queue worker that polls for and processes tasks.
type Worker struct {
	id       string
	podID    string
	queue    *Queue
	store    store.Store
	cfg      *config.QueueConfig
	executor BuildExecutor
	pool     BuildRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu             sync.RWMutex
	status         WorkerStatus
	currentTaskID  string
	tasksProcessed int
	lastActivity   time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, q *Queue, st store.Store, cfg *config.QueueConfig, executor BuildExecutor, pool BuildRegistry) *Worker {
	return &Worker{
		id:       id,
		podID:    podID,
		queue:    q,
		store:    st,
		cfg:      cfg,
		executor: executor,
		pool:     pool,
		stopCh:   make(chan struct{}),
		status:   WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         string(w.status),
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoTasksAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing task", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims a task, drives it through the executor, and
// records the terminal status.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	task, err := w.queue.Claim(ctx, w.id, workerTaskTypes)
	if err != nil {
		return err
	}

	log := slog.With("task_id", task.ID, "project_id", task.ProjectID, "worker_id", w.id)
	log.Info("Task claimed", "task_type", task.Type, "retry_count", task.RetryCount)

	w.setStatus(WorkerStatusWorking, task.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// Build context: cancelled on shutdown, manual stop, or ctx.
	taskCtx, cancelTask := context.WithCancel(ctx)
	defer cancelTask()

	if task.ProjectID != "" {
		w.pool.RegisterBuild(task.ProjectID, cancelTask)
		defer w.pool.UnregisterBuild(task.ProjectID)
	}

	// Renew the lease until the task finishes.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(taskCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, task.ID)

	result := w.executor.Execute(taskCtx, task)
	if result == nil {
		result = &ExecutionResult{
			Status: models.TaskStatusFailed,
			Error:  fmt.Errorf("executor returned nil result"),
		}
	}

	cancelHeartbeat()

	// Terminal write with background context: the task context may be
	// cancelled by now.
	if err := w.finishTask(context.Background(), task, result); err != nil {
		log.Error("Failed to record task result", "error", err)
		return err
	}

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()

	log.Info("Task processing complete", "status", result.Status)
	return nil
}

// finishTask records the execution result: retryable failures go back to
// the ready set with backoff while budget remains, everything else is
// written as terminal.
func (w *Worker) finishTask(ctx context.Context, task *models.Task, result *ExecutionResult) error {
	retry := result.Retryable && task.RetryCount < task.MaxRetries

	_, err := store.UpdateTaskWithRetry(ctx, w.store.Tasks(), task.ID, func(t *models.Task) error {
		t.WorkerID = ""
		t.LeaseExpiresAt = nil
		if result.Error != nil {
			t.ErrorMessage = result.Error.Error()
		}
		if retry {
			t.Status = models.TaskStatusQueued
			t.RetryCount++
			nb := time.Now().UTC().Add(w.queue.Backoff(t.RetryCount))
			t.NotBefore = &nb
			return nil
		}
		t.Status = result.Status
		t.Result = result.Result
		now := time.Now().UTC()
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	if retry {
		slog.Info("Task requeued for retry",
			"task_id", task.ID, "retry_count", task.RetryCount+1)
	}
	return nil
}

// runHeartbeat periodically renews the task lease.
func (w *Worker) runHeartbeat(ctx context.Context, taskID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, taskID, w.id); err != nil {
				slog.Warn("Heartbeat failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}
