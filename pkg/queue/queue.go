package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/foundry/pkg/config"
	"github.com/forgeworks/foundry/pkg/models"
	"github.com/forgeworks/foundry/pkg/store"
)

// releaseDelay defers re-delivery of a task claimed while its project was
// already building on another worker.
const releaseDelay = 2 * time.Second

// Queue wraps the task store with enqueue policy, the single-build mutex,
// and retry backoff.
type Queue struct {
	store store.Store
	cfg   *config.QueueConfig
}

// New creates a queue over the given store.
func New(st store.Store, cfg *config.QueueConfig) *Queue {
	return &Queue{store: st, cfg: cfg}
}

// Depth counts tasks in the ready set (pending or queued).
func (q *Queue) Depth(ctx context.Context) (int, error) {
	depth := 0
	for _, status := range []models.TaskStatus{models.TaskStatusPending, models.TaskStatusQueued} {
		tasks, err := q.store.Tasks().List(ctx, models.TaskFilters{Status: status, Limit: 500})
		if err != nil {
			return 0, fmt.Errorf("failed to count %s tasks: %w", status, err)
		}
		depth += len(tasks)
	}
	return depth, nil
}

// Enqueue creates a queued task, rejecting when the ready set is at the
// configured depth limit.
func (q *Queue) Enqueue(ctx context.Context, task *models.Task) error {
	if q.cfg.MaxQueueDepth > 0 {
		depth, err := q.Depth(ctx)
		if err != nil {
			return err
		}
		if depth >= q.cfg.MaxQueueDepth {
			return ErrQueueFull
		}
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusQueued
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = q.cfg.MaxRetries
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	return q.store.Tasks().Create(ctx, task)
}

// EnqueueBuild creates the build task for a project.
func (q *Queue) EnqueueBuild(ctx context.Context, projectID string, priority int) (*models.Task, error) {
	task := &models.Task{
		ID:        uuid.NewString(),
		Type:      models.TaskTypeBuildAgent,
		ProjectID: projectID,
		Priority:  priority,
		Status:    models.TaskStatusQueued,
	}
	if err := q.Enqueue(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Claim leases the next deliverable task and, for build tasks, acquires
// the per-project build mutex: the project transitions queued→building
// under compare-and-swap. A task whose project is already building on
// another worker is released back with a short delay; a task whose
// project reached a terminal state is cancelled and skipped.
func (q *Queue) Claim(ctx context.Context, workerID string, types []models.TaskType) (*models.Task, error) {
	for {
		task, err := q.store.Tasks().Claim(ctx, workerID, types, q.cfg.VisibilityTimeout)
		if err != nil {
			if errors.Is(err, store.ErrNoTasks) {
				return nil, ErrNoTasksAvailable
			}
			return nil, err
		}

		if task.Type != models.TaskTypeBuildAgent || task.ProjectID == "" {
			return task, nil
		}

		acquired, err := q.acquireBuildMutex(ctx, task)
		if err != nil {
			return nil, err
		}
		if acquired {
			return task, nil
		}
		// Released or cancelled; poll again for the next task.
	}
}

// acquireBuildMutex transitions the project to building. Returns false
// when the task was released back or cancelled instead.
func (q *Queue) acquireBuildMutex(ctx context.Context, task *models.Task) (bool, error) {
	project, err := q.store.Projects().Get(ctx, task.ProjectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Project deleted after submission; drop the task.
			return false, q.cancelTask(ctx, task, "project no longer exists")
		}
		return false, err
	}

	switch project.Status {
	case models.ProjectStatusQueued, models.ProjectStatusPending:
		_, err := q.store.Projects().Update(ctx, project.ID, project.Version, func(p *models.Project) error {
			p.Status = models.ProjectStatusBuilding
			if p.StartedAt == nil {
				now := time.Now().UTC()
				p.StartedAt = &now
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				// Lost the race; another worker owns this project now.
				return false, q.releaseTask(ctx, task)
			}
			return false, err
		}
		return true, nil

	case models.ProjectStatusBuilding:
		slog.Debug("Project already building elsewhere, releasing task",
			"project_id", project.ID, "task_id", task.ID)
		return false, q.releaseTask(ctx, task)

	default:
		// Terminal or paused: this task is stale (resume and restart
		// enqueue fresh tasks).
		return false, q.cancelTask(ctx, task,
			fmt.Sprintf("project is %s, task superseded", project.Status))
	}
}

// releaseTask returns a just-claimed task to the ready set with a short
// re-delivery delay, without consuming a retry.
func (q *Queue) releaseTask(ctx context.Context, task *models.Task) error {
	_, err := store.UpdateTaskWithRetry(ctx, q.store.Tasks(), task.ID, func(t *models.Task) error {
		t.Status = models.TaskStatusQueued
		t.WorkerID = ""
		t.LeaseExpiresAt = nil
		nb := time.Now().UTC().Add(releaseDelay)
		t.NotBefore = &nb
		return nil
	})
	return err
}

// cancelTask terminally cancels a claimed task.
func (q *Queue) cancelTask(ctx context.Context, task *models.Task, reason string) error {
	_, err := store.UpdateTaskWithRetry(ctx, q.store.Tasks(), task.ID, func(t *models.Task) error {
		t.Status = models.TaskStatusCancelled
		t.ErrorMessage = reason
		t.WorkerID = ""
		t.LeaseExpiresAt = nil
		now := time.Now().UTC()
		t.CompletedAt = &now
		return nil
	})
	return err
}

// Heartbeat renews the lease for a running task.
func (q *Queue) Heartbeat(ctx context.Context, taskID, workerID string) error {
	return q.store.Tasks().Heartbeat(ctx, taskID, workerID, q.cfg.VisibilityTimeout)
}

// Backoff returns the exponential re-delivery delay for the given retry
// count: base × 2^(retry−1), capped.
func (q *Queue) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		return q.cfg.RetryBackoffBase
	}
	d := time.Duration(float64(q.cfg.RetryBackoffBase) * math.Pow(2, float64(retryCount-1)))
	if d > q.cfg.RetryBackoffCap || d <= 0 {
		return q.cfg.RetryBackoffCap
	}
	return d
}
