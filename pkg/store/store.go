// Package store defines the durable state contracts for projects, tasks,
// and built agents, plus an in-memory implementation. The postgres
// subpackage provides the production implementation; both honor the same
// compare-and-swap semantics.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/forgeworks/foundry/pkg/models"
)

// ProjectMutator applies an in-place change to a project inside a
// conditional update. Returning an error aborts the update.
type ProjectMutator func(*models.Project) error

// TaskMutator applies an in-place change to a task inside a conditional update.
type TaskMutator func(*models.Task) error

// ProjectStore provides single-key ACID operations over projects.
// Every mutation is compare-and-swap on the project version counter.
type ProjectStore interface {
	Create(ctx context.Context, p *models.Project) error
	Get(ctx context.Context, id string) (*models.Project, error)
	// GetByName returns the project with the given project_name.
	GetByName(ctx context.Context, name string) (*models.Project, error)
	// Update applies mutate under the condition that the stored version
	// equals expectedVersion; on mismatch it returns ErrVersionConflict.
	Update(ctx context.Context, id string, expectedVersion int64, mutate ProjectMutator) (*models.Project, error)
	List(ctx context.Context, f models.ProjectFilters) (*models.ProjectPage, error)
	Delete(ctx context.Context, id string) error
}

// TaskStore provides queue-backed task persistence. Claim and Heartbeat
// implement the lease protocol.
type TaskStore interface {
	Create(ctx context.Context, t *models.Task) error
	Get(ctx context.Context, id string) (*models.Task, error)
	Update(ctx context.Context, id string, expectedVersion int64, mutate TaskMutator) (*models.Task, error)
	List(ctx context.Context, f models.TaskFilters) ([]*models.Task, error)

	// Claim atomically leases the next deliverable task: highest priority
	// first, FIFO within equal priority, NotBefore elapsed, status pending
	// or queued. Returns ErrNoTasks when nothing is ready.
	Claim(ctx context.Context, workerID string, types []models.TaskType, visibility time.Duration) (*models.Task, error)

	// Heartbeat extends the lease of a running task. Returns ErrLeaseLost
	// when the task is no longer leased by workerID.
	Heartbeat(ctx context.Context, taskID, workerID string, visibility time.Duration) error

	// RequeueExpired returns running tasks with lapsed leases to the ready
	// set, incrementing their retry count. Tasks past MaxRetries are
	// marked failed instead. Returns the number of tasks touched.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)

	DeleteByProject(ctx context.Context, projectID string) error
}

// AgentStore persists built agents.
type AgentStore interface {
	Create(ctx context.Context, a *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	ListByProject(ctx context.Context, projectID string) ([]*models.Agent, error)
	DeleteByProject(ctx context.Context, projectID string) error
}

// Store aggregates the per-entity stores and the cascade delete.
type Store interface {
	Projects() ProjectStore
	Tasks() TaskStore
	Agents() AgentStore

	// DeleteProjectCascade removes a project with its tasks and agents.
	// Idempotent: deleting an absent project is not an error.
	DeleteProjectCascade(ctx context.Context, projectID string) error
}

// maxUpdateAttempts bounds optimistic-concurrency retries.
const maxUpdateAttempts = 5

// UpdateProjectWithRetry refetches and reapplies mutate until the
// conditional update succeeds or attempts are exhausted, in which case it
// returns ErrConcurrency.
func UpdateProjectWithRetry(ctx context.Context, ps ProjectStore, id string, mutate ProjectMutator) (*models.Project, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := ps.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		updated, err := ps.Update(ctx, id, current.Version, mutate)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, ErrConcurrency
}

// UpdateTaskWithRetry is the task counterpart of UpdateProjectWithRetry.
func UpdateTaskWithRetry(ctx context.Context, ts TaskStore, id string, mutate TaskMutator) (*models.Task, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := ts.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		updated, err := ts.Update(ctx, id, current.Version, mutate)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, ErrConcurrency
}
