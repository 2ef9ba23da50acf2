package services

import (
	"context"
	"path/filepath"

	"github.com/forgeworks/foundry/pkg/artifacts"
	"github.com/forgeworks/foundry/pkg/models"
	"github.com/forgeworks/foundry/pkg/pipeline"
	"github.com/forgeworks/foundry/pkg/store"
)

// DashboardService assembles the read-side build console projection:
// project state, per-stage telemetry, the latest queue task, and a rough
// completion estimate.
type DashboardService struct {
	store  store.Store
	writer *artifacts.Writer
}

// NewDashboardService creates a dashboard service.
func NewDashboardService(st store.Store, w *artifacts.Writer) *DashboardService {
	return &DashboardService{store: st, writer: w}
}

// View builds the dashboard projection for one project.
func (s *DashboardService) View(ctx context.Context, projectID string) (*models.DashboardView, error) {
	project, err := s.store.Projects().Get(ctx, projectID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}

	view := &models.DashboardView{
		Project:      project,
		Stages:       project.Stages,
		Metrics:      project.Aggregate(),
		CurrentStage: project.CurrentStage,
		ErrorInfo:    project.ErrorInfo,
		ETASeconds:   estimateETA(project),
		Source:       "store",
	}

	tasks, err := s.store.Tasks().List(ctx, models.TaskFilters{ProjectID: projectID, Limit: 1})
	if err == nil && len(tasks) > 0 {
		view.LatestTask = tasks[0]
	}

	if project.ProjectName != "" {
		report := filepath.Join(artifacts.ProjectDir(project.ProjectName), pipeline.WorkflowReportName)
		view.HasWorkflowReport = s.writer.Exists(report)
	}

	return view, nil
}

// estimateETA projects remaining build time from the average duration of
// stages finished so far. Zero when nothing has completed yet or the
// build is at rest.
func estimateETA(p *models.Project) float64 {
	if p.Status != models.ProjectStatusBuilding && p.Status != models.ProjectStatusQueued {
		return 0
	}

	var completed int
	var total float64
	var remaining int
	for i := range p.Stages {
		switch p.Stages[i].Status {
		case models.StageStatusCompleted:
			completed++
			total += p.Stages[i].DurationSeconds
		case models.StageStatusPending, models.StageStatusRunning:
			remaining++
		}
	}
	if completed == 0 || remaining == 0 {
		return 0
	}
	return total / float64(completed) * float64(remaining)
}
