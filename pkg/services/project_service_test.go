package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/pkg/artifacts"
	"github.com/forgeworks/foundry/pkg/config"
	"github.com/forgeworks/foundry/pkg/models"
	"github.com/forgeworks/foundry/pkg/queue"
	"github.com/forgeworks/foundry/pkg/registry"
	"github.com/forgeworks/foundry/pkg/store"
)

type serviceFixture struct {
	store   store.Store
	queue   *queue.Queue
	service *ProjectService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	st := store.NewMemoryStore()
	writer, err := artifacts.NewWriter(t.TempDir())
	require.NoError(t, err)

	qcfg := config.DefaultQueueConfig()
	q := queue.New(st, qcfg)
	svc := NewProjectService(st, q, registry.Default(), writer, config.DefaultPipelineConfig(), nil)
	return &serviceFixture{store: st, queue: q, service: svc}
}

func submitReq() *models.SubmitBuildRequest {
	return &models.SubmitBuildRequest{
		Requirement: "Build an agent that can fetch weather forecasts",
		ProjectName: "weather_bot",
		UserID:      "u1",
	}
}

func (f *serviceFixture) setStatus(t *testing.T, id string, status models.ProjectStatus) {
	t.Helper()
	_, err := store.UpdateProjectWithRetry(context.Background(), f.store.Projects(), id, func(p *models.Project) error {
		p.Status = status
		return nil
	})
	require.NoError(t, err)
}

func TestSubmit(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	resp, err := f.service.Submit(ctx, submitReq())
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ProjectID)
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "weather_bot", resp.ProjectName)
	assert.Equal(t, models.ProjectStatusQueued, resp.Status)

	project, err := f.service.Get(ctx, resp.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, 3, project.Priority, "default priority")
	assert.Len(t, project.Stages, 9)
	assert.Equal(t, models.ControlNone, project.Control.Action)

	tasks, err := f.service.Tasks(ctx, resp.ProjectID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskTypeBuildAgent, tasks[0].Type)
	assert.Equal(t, models.TaskStatusQueued, tasks[0].Status)
}

func TestSubmit_Validation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*models.SubmitBuildRequest)
	}{
		{"empty requirement", func(r *models.SubmitBuildRequest) { r.Requirement = "" }},
		{"requirement too long", func(r *models.SubmitBuildRequest) {
			r.Requirement = strings.Repeat("x", 20001)
		}},
		{"bad project name", func(r *models.SubmitBuildRequest) { r.ProjectName = "Weather-Bot" }},
		{"priority too low", func(r *models.SubmitBuildRequest) { r.Priority = -1 }},
		{"priority too high", func(r *models.SubmitBuildRequest) { r.Priority = 6 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := submitReq()
			tt.mutate(req)
			_, err := f.service.Submit(ctx, req)
			assert.True(t, IsValidationError(err), "expected validation error, got %v", err)
		})
	}
}

func TestSubmit_DuplicateName(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.Submit(ctx, submitReq())
	require.NoError(t, err)

	_, err = f.service.Submit(ctx, submitReq())
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestSubmit_QueueFullRollsBack(t *testing.T) {
	st := store.NewMemoryStore()
	writer, err := artifacts.NewWriter(t.TempDir())
	require.NoError(t, err)

	qcfg := config.DefaultQueueConfig()
	qcfg.MaxQueueDepth = 1
	q := queue.New(st, qcfg)
	svc := NewProjectService(st, q, registry.Default(), writer, config.DefaultPipelineConfig(), nil)
	ctx := context.Background()

	_, err = svc.Submit(ctx, submitReq())
	require.NoError(t, err)

	req := submitReq()
	req.ProjectName = "second_bot"
	_, err = svc.Submit(ctx, req)
	assert.ErrorIs(t, err, ErrQueueFull)

	// The rejected project is gone.
	_, err = st.Projects().GetByName(ctx, "second_bot")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestControl_Pause(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	resp, err := f.service.Submit(ctx, submitReq())
	require.NoError(t, err)

	// Pause applies only while building.
	_, err = f.service.Control(ctx, resp.ProjectID, &models.ControlRequest{Action: models.ControlPause})
	assert.ErrorIs(t, err, ErrInvalidState)

	f.setStatus(t, resp.ProjectID, models.ProjectStatusBuilding)
	updated, err := f.service.Control(ctx, resp.ProjectID, &models.ControlRequest{
		Action: models.ControlPause,
		Reason: "manual review",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ControlPause, updated.Control.Action)
	assert.Equal(t, "manual review", updated.Control.Reason)
	// The status transition happens at the stage boundary, not here.
	assert.Equal(t, models.ProjectStatusBuilding, updated.Status)
}

func TestControl_Resume(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	resp, err := f.service.Submit(ctx, submitReq())
	require.NoError(t, err)

	_, err = f.service.Control(ctx, resp.ProjectID, &models.ControlRequest{Action: models.ControlResume})
	assert.ErrorIs(t, err, ErrInvalidState, "resume requires a paused project")

	f.setStatus(t, resp.ProjectID, models.ProjectStatusPaused)
	updated, err := f.service.Control(ctx, resp.ProjectID, &models.ControlRequest{Action: models.ControlResume})
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusQueued, updated.Status)
	assert.Equal(t, models.ControlNone, updated.Control.Action)

	// A fresh build task was enqueued.
	tasks, err := f.service.Tasks(ctx, resp.ProjectID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

type fakeCanceller struct{ cancelled []string }

func (c *fakeCanceller) CancelBuild(projectID string) bool {
	c.cancelled = append(c.cancelled, projectID)
	return true
}

func TestControl_Stop(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	canceller := &fakeCanceller{}
	f.service.SetCanceller(canceller)

	resp, err := f.service.Submit(ctx, submitReq())
	require.NoError(t, err)

	// Stopping a queued project cancels it directly.
	updated, err := f.service.Control(ctx, resp.ProjectID, &models.ControlRequest{Action: models.ControlStop})
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusCancelled, updated.Status)
	assert.NotNil(t, updated.CompletedAt)
	assert.Empty(t, canceller.cancelled)

	// Stop is idempotent on a cancelled project.
	again, err := f.service.Control(ctx, resp.ProjectID, &models.ControlRequest{Action: models.ControlStop})
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusCancelled, again.Status)
}

func TestControl_StopWhileBuilding(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	canceller := &fakeCanceller{}
	f.service.SetCanceller(canceller)

	resp, err := f.service.Submit(ctx, submitReq())
	require.NoError(t, err)
	f.setStatus(t, resp.ProjectID, models.ProjectStatusBuilding)

	updated, err := f.service.Control(ctx, resp.ProjectID, &models.ControlRequest{Action: models.ControlStop})
	require.NoError(t, err)
	// The flag is set and the in-flight build is signalled; the driver
	// records the terminal status at the boundary.
	assert.Equal(t, models.ControlStop, updated.Control.Action)
	assert.Equal(t, models.ProjectStatusBuilding, updated.Status)
	assert.Equal(t, []string{resp.ProjectID}, canceller.cancelled)
}

func TestControl_StopFailedProjectIsNoOp(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	resp, err := f.service.Submit(ctx, submitReq())
	require.NoError(t, err)
	f.setStatus(t, resp.ProjectID, models.ProjectStatusFailed)

	// A build that already failed has nothing left to stop; the request is
	// accepted without changing the record.
	updated, err := f.service.Control(ctx, resp.ProjectID, &models.ControlRequest{Action: models.ControlStop})
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusFailed, updated.Status)

	current, err := f.service.Get(ctx, resp.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusFailed, current.Status)
	assert.Equal(t, models.ControlNone, current.Control.Action)
}

func TestControl_StopCompletedFails(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	resp, err := f.service.Submit(ctx, submitReq())
	require.NoError(t, err)
	f.setStatus(t, resp.ProjectID, models.ProjectStatusCompleted)

	_, err = f.service.Control(ctx, resp.ProjectID, &models.ControlRequest{Action: models.ControlStop})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestControl_Restart(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	resp, err := f.service.Submit(ctx, submitReq())
	require.NoError(t, err)
	f.setStatus(t, resp.ProjectID, models.ProjectStatusFailed)

	_, err = f.service.Control(ctx, resp.ProjectID, &models.ControlRequest{
		Action:    models.ControlRestart,
		FromStage: "bogus_stage",
	})
	assert.True(t, IsValidationError(err))

	updated, err := f.service.Control(ctx, resp.ProjectID, &models.ControlRequest{
		Action:    models.ControlRestart,
		FromStage: registry.StageSystemArchitect,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusQueued, updated.Status)
	assert.Equal(t, models.ControlRestart, updated.Control.Action)
	assert.Equal(t, registry.StageSystemArchitect, updated.Control.FromStage)
	assert.True(t, updated.Control.ClearSubsequent, "clear_subsequent defaults to true")
	assert.Nil(t, updated.ErrorInfo)

	tasks, err := f.service.Tasks(ctx, resp.ProjectID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestControl_RestartWhileBuildingSetsFlagOnly(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	resp, err := f.service.Submit(ctx, submitReq())
	require.NoError(t, err)
	f.setStatus(t, resp.ProjectID, models.ProjectStatusBuilding)

	updated, err := f.service.Control(ctx, resp.ProjectID, &models.ControlRequest{Action: models.ControlRestart})
	require.NoError(t, err)
	assert.Equal(t, models.ControlRestart, updated.Control.Action)
	assert.Equal(t, registry.StageOrchestrator, updated.Control.FromStage)
	assert.Equal(t, models.ProjectStatusBuilding, updated.Status)

	// No extra task: the running delivery handles the rewind.
	tasks, err := f.service.Tasks(ctx, resp.ProjectID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestControl_UnknownAction(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	resp, err := f.service.Submit(ctx, submitReq())
	require.NoError(t, err)

	_, err = f.service.Control(ctx, resp.ProjectID, &models.ControlRequest{Action: "explode"})
	assert.True(t, IsValidationError(err))

	_, err = f.service.Control(ctx, "missing", &models.ControlRequest{Action: models.ControlPause})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	resp, err := f.service.Submit(ctx, submitReq())
	require.NoError(t, err)

	f.setStatus(t, resp.ProjectID, models.ProjectStatusBuilding)
	assert.ErrorIs(t, f.service.Delete(ctx, resp.ProjectID), ErrInvalidState)

	f.setStatus(t, resp.ProjectID, models.ProjectStatusCompleted)
	require.NoError(t, f.service.Delete(ctx, resp.ProjectID))

	_, err = f.service.Get(ctx, resp.ProjectID)
	assert.ErrorIs(t, err, ErrNotFound)
	tasks, err := f.service.Tasks(ctx, resp.ProjectID)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	assert.ErrorIs(t, f.service.Delete(ctx, "missing"), ErrNotFound)
}

func TestDashboardView(t *testing.T) {
	f := newServiceFixture(t)
	writer, err := artifacts.NewWriter(t.TempDir())
	require.NoError(t, err)
	dash := NewDashboardService(f.store, writer)
	ctx := context.Background()

	resp, err := f.service.Submit(ctx, submitReq())
	require.NoError(t, err)

	view, err := dash.View(ctx, resp.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, resp.ProjectID, view.Project.ID)
	assert.Len(t, view.Stages, 9)
	assert.Equal(t, "store", view.Source)
	assert.False(t, view.HasWorkflowReport)
	require.NotNil(t, view.LatestTask)
	assert.Equal(t, models.TaskTypeBuildAgent, view.LatestTask.Type)

	_, err = dash.View(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEstimateETA(t *testing.T) {
	p := &models.Project{
		Status: models.ProjectStatusBuilding,
		Stages: []models.StageSnapshot{
			{Status: models.StageStatusCompleted, DurationSeconds: 10},
			{Status: models.StageStatusCompleted, DurationSeconds: 20},
			{Status: models.StageStatusRunning},
			{Status: models.StageStatusPending},
			{Status: models.StageStatusSkipped},
		},
	}
	// Average 15s per stage, two remaining.
	assert.InDelta(t, 30.0, estimateETA(p), 0.001)

	p.Status = models.ProjectStatusCompleted
	assert.Zero(t, estimateETA(p))

	empty := &models.Project{Status: models.ProjectStatusBuilding}
	assert.Zero(t, estimateETA(empty))
}

func TestEstimateETA_Expires(t *testing.T) {
	// Immediately after submission nothing has completed.
	p := &models.Project{
		Status:    models.ProjectStatusQueued,
		CreatedAt: time.Now(),
		Stages: []models.StageSnapshot{
			{Status: models.StageStatusPending},
		},
	}
	assert.Zero(t, estimateETA(p))
}
