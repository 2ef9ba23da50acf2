package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/foundry/pkg/artifacts"
	"github.com/forgeworks/foundry/pkg/config"
	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/models"
	"github.com/forgeworks/foundry/pkg/queue"
	"github.com/forgeworks/foundry/pkg/registry"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/subagent"
)

const (
	defaultPriority = 3
	minPriority     = 1
	maxPriority     = 5
)

// Canceller cancels an in-flight build on this pod. Implemented by the
// worker pool; nil disables immediate cancellation (the flag still takes
// effect at the next stage boundary).
type Canceller interface {
	CancelBuild(projectID string) bool
}

// ProjectService handles build submission, lifecycle control, and
// project listing.
type ProjectService struct {
	store     store.Store
	queue     *queue.Queue
	reg       *registry.Registry
	writer    *artifacts.Writer
	cfg       *config.PipelineConfig
	bus       events.Publisher
	canceller Canceller
}

// NewProjectService creates a project service.
func NewProjectService(st store.Store, q *queue.Queue, reg *registry.Registry, w *artifacts.Writer, cfg *config.PipelineConfig, bus events.Publisher) *ProjectService {
	return &ProjectService{
		store:  st,
		queue:  q,
		reg:    reg,
		writer: w,
		cfg:    cfg,
		bus:    bus,
	}
}

// SetCanceller wires the worker pool's cancellation registry after both
// sides exist.
func (s *ProjectService) SetCanceller(c Canceller) { s.canceller = c }

// Submit validates a build request, creates the project with its pending
// stage snapshot, and enqueues the build task.
func (s *ProjectService) Submit(ctx context.Context, req *models.SubmitBuildRequest) (*models.SubmitBuildResponse, error) {
	if err := s.validateSubmit(ctx, req); err != nil {
		return nil, err
	}

	priority := req.Priority
	if priority == 0 {
		priority = defaultPriority
	}

	now := time.Now().UTC()
	project := &models.Project{
		ID:          uuid.NewString(),
		Requirement: req.Requirement,
		ProjectName: req.ProjectName,
		UserID:      req.UserID,
		UserName:    req.UserName,
		Priority:    priority,
		Tags:        req.Tags,
		Status:      models.ProjectStatusPending,
		Control:     models.ControlFlag{Action: models.ControlNone},
		Stages:      s.reg.InitialSnapshot(s.cfg.DeploymentEnabled),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Projects().Create(ctx, project); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	task, err := s.queue.EnqueueBuild(ctx, project.ID, priority)
	if err != nil {
		// Roll the project back; a submission the queue rejected never
		// happened.
		if delErr := s.store.DeleteProjectCascade(ctx, project.ID); delErr != nil {
			slog.Error("Failed to roll back project after enqueue failure",
				"project_id", project.ID, "error", delErr)
		}
		if errors.Is(err, queue.ErrQueueFull) {
			return nil, ErrQueueFull
		}
		return nil, fmt.Errorf("failed to enqueue build: %w", err)
	}

	updated, err := store.UpdateProjectWithRetry(ctx, s.store.Projects(), project.ID, func(p *models.Project) error {
		p.Status = models.ProjectStatusQueued
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark project queued: %w", err)
	}
	s.publishStatus(updated)

	slog.Info("Build submitted",
		"project_id", project.ID, "project_name", project.ProjectName, "priority", priority)

	return &models.SubmitBuildResponse{
		ProjectID:   project.ID,
		TaskID:      task.ID,
		ProjectName: project.ProjectName,
		Status:      updated.Status,
	}, nil
}

// validateSubmit enforces the submission contract.
func (s *ProjectService) validateSubmit(ctx context.Context, req *models.SubmitBuildRequest) error {
	if req.Requirement == "" {
		return NewValidationError("requirement", "must not be empty")
	}
	if max := s.cfg.MaxRequirementChars; max > 0 && len(req.Requirement) > max {
		return NewValidationError("requirement", fmt.Sprintf("exceeds %d characters", max))
	}
	if req.ProjectName != "" {
		if !subagent.ProjectNamePattern.MatchString(req.ProjectName) {
			return NewValidationError("project_name",
				"must be lowercase letters, digits, and underscores, starting with a letter")
		}
		_, err := s.store.Projects().GetByName(ctx, req.ProjectName)
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to check project name: %w", err)
		}
	}
	if req.Priority != 0 && (req.Priority < minPriority || req.Priority > maxPriority) {
		return NewValidationError("priority", fmt.Sprintf("must be between %d and %d", minPriority, maxPriority))
	}
	return nil
}

// Get returns one project.
func (s *ProjectService) Get(ctx context.Context, id string) (*models.Project, error) {
	project, err := s.store.Projects().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return project, nil
}

// List returns a page of projects.
func (s *ProjectService) List(ctx context.Context, filters models.ProjectFilters) (*models.ProjectPage, error) {
	return s.store.Projects().List(ctx, filters)
}

// Control applies a lifecycle action. Pause and stop set the control flag
// observed at the next stage boundary; resume and restart re-enqueue the
// build.
func (s *ProjectService) Control(ctx context.Context, id string, req *models.ControlRequest) (*models.Project, error) {
	project, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch req.Action {
	case models.ControlPause:
		return s.pause(ctx, project, req)
	case models.ControlResume:
		return s.resume(ctx, project)
	case models.ControlStop:
		return s.stop(ctx, project, req)
	case models.ControlRestart:
		return s.restart(ctx, project, req)
	default:
		return nil, NewValidationError("action", fmt.Sprintf("unknown action %q", req.Action))
	}
}

// pause flags a building project. The current stage finishes and commits
// before the project parks.
func (s *ProjectService) pause(ctx context.Context, project *models.Project, req *models.ControlRequest) (*models.Project, error) {
	if project.Status != models.ProjectStatusBuilding {
		return nil, fmt.Errorf("%w: cannot pause project in status %s", ErrInvalidState, project.Status)
	}
	return s.setFlag(ctx, project.ID, models.ControlFlag{
		Action: models.ControlPause,
		Reason: req.Reason,
	})
}

// resume re-enqueues a paused project. The build picks up after the last
// committed stage.
func (s *ProjectService) resume(ctx context.Context, project *models.Project) (*models.Project, error) {
	if project.Status != models.ProjectStatusPaused {
		return nil, fmt.Errorf("%w: cannot resume project in status %s", ErrInvalidState, project.Status)
	}

	updated, err := store.UpdateProjectWithRetry(ctx, s.store.Projects(), project.ID, func(p *models.Project) error {
		if p.Status != models.ProjectStatusPaused {
			return fmt.Errorf("%w: cannot resume project in status %s", ErrInvalidState, p.Status)
		}
		p.Status = models.ProjectStatusQueued
		p.Control = models.ControlFlag{Action: models.ControlNone}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.queue.EnqueueBuild(ctx, project.ID, project.Priority); err != nil {
		return nil, fmt.Errorf("failed to enqueue resumed build: %w", err)
	}
	s.publishStatus(updated)
	slog.Info("Build resumed", "project_id", project.ID)
	return updated, nil
}

// stop cancels a project. A building project is also cancelled in-flight
// when it runs on this pod; otherwise the flag resolves at the next
// boundary or claim.
func (s *ProjectService) stop(ctx context.Context, project *models.Project, req *models.ControlRequest) (*models.Project, error) {
	if project.Status.IsTerminal() {
		// Stop is idempotent on already-stopped projects, and a no-op on a
		// build that already failed on its final retry.
		switch project.Status {
		case models.ProjectStatusCancelled, models.ProjectStatusFailed:
			return project, nil
		}
		return nil, fmt.Errorf("%w: cannot stop project in status %s", ErrInvalidState, project.Status)
	}

	if project.Status == models.ProjectStatusBuilding {
		updated, err := s.setFlag(ctx, project.ID, models.ControlFlag{
			Action: models.ControlStop,
			Reason: req.Reason,
		})
		if err != nil {
			return nil, err
		}
		if s.canceller != nil && s.canceller.CancelBuild(project.ID) {
			slog.Info("Build cancellation signalled", "project_id", project.ID)
		}
		return updated, nil
	}

	// Not building: cancel directly and drop pending tasks.
	updated, err := store.UpdateProjectWithRetry(ctx, s.store.Projects(), project.ID, func(p *models.Project) error {
		p.Status = models.ProjectStatusCancelled
		p.Control = models.ControlFlag{Action: models.ControlNone}
		now := time.Now().UTC()
		p.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishStatus(updated)
	slog.Info("Build stopped", "project_id", project.ID)
	return updated, nil
}

// restart rewinds a project to a stage and rebuilds. On a building
// project the flag resolves at the next boundary; on a resting project a
// fresh task is enqueued and the rewind happens when it is claimed.
func (s *ProjectService) restart(ctx context.Context, project *models.Project, req *models.ControlRequest) (*models.Project, error) {
	fromStage := req.FromStage
	if fromStage == "" {
		fromStage = registry.StageOrchestrator
	}
	if !s.reg.Has(fromStage) {
		return nil, NewValidationError("from_stage", fmt.Sprintf("unknown stage %q", fromStage))
	}

	clearSubsequent := true
	if req.ClearSubsequent != nil {
		clearSubsequent = *req.ClearSubsequent
	}

	flag := models.ControlFlag{
		Action:          models.ControlRestart,
		FromStage:       fromStage,
		ClearSubsequent: clearSubsequent,
		Reason:          req.Reason,
	}

	if project.Status == models.ProjectStatusBuilding {
		return s.setFlag(ctx, project.ID, flag)
	}

	updated, err := store.UpdateProjectWithRetry(ctx, s.store.Projects(), project.ID, func(p *models.Project) error {
		p.Status = models.ProjectStatusQueued
		p.Control = flag
		p.ErrorInfo = nil
		p.CompletedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.queue.EnqueueBuild(ctx, project.ID, project.Priority); err != nil {
		return nil, fmt.Errorf("failed to enqueue restarted build: %w", err)
	}
	s.publishStatus(updated)
	slog.Info("Build restart requested",
		"project_id", project.ID, "from_stage", fromStage, "clear_subsequent", clearSubsequent)
	return updated, nil
}

// Delete removes a project with its tasks, agents, and workspace files.
// Building projects must be stopped first.
func (s *ProjectService) Delete(ctx context.Context, id string) error {
	project, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if project.Status == models.ProjectStatusBuilding {
		return fmt.Errorf("%w: stop the build before deleting", ErrInvalidState)
	}

	if err := s.store.DeleteProjectCascade(ctx, id); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if err := s.writer.RemoveProject(project.ProjectName); err != nil {
		slog.Warn("Failed to remove project workspace files",
			"project_id", id, "project_name", project.ProjectName, "error", err)
	}
	slog.Info("Project deleted", "project_id", id, "project_name", project.ProjectName)
	return nil
}

// Tasks lists queue tasks for a project, newest first.
func (s *ProjectService) Tasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	return s.store.Tasks().List(ctx, models.TaskFilters{ProjectID: projectID})
}

// Agents lists built agents for a project.
func (s *ProjectService) Agents(ctx context.Context, projectID string) ([]*models.Agent, error) {
	return s.store.Agents().ListByProject(ctx, projectID)
}

// setFlag records a pending control flag on the project.
func (s *ProjectService) setFlag(ctx context.Context, projectID string, flag models.ControlFlag) (*models.Project, error) {
	updated, err := store.UpdateProjectWithRetry(ctx, s.store.Projects(), projectID, func(p *models.Project) error {
		p.Control = flag
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConcurrency) {
			return nil, ErrConcurrentModification
		}
		return nil, err
	}
	return updated, nil
}

func (s *ProjectService) publishStatus(project *models.Project) {
	if s.bus == nil {
		return
	}
	s.bus.PublishProjectStatus(project.ID, project.Status, project.Progress)
}
