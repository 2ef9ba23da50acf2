package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeworks/foundry/pkg/models"
	"github.com/forgeworks/foundry/pkg/registry"
	"github.com/forgeworks/foundry/pkg/store"
)

// gateDecision is what the control gate tells the driver to do at a
// stage boundary.
type gateDecision int

const (
	gateContinue gateDecision = iota
	gatePause
	gateStop
	gateRestarted
)

// evaluateGate consumes the project's pending control flag. Pause and
// stop report their decision; restart rewinds the snapshot in place and
// reports gateRestarted so the driver discards per-delivery state built
// for the old snapshot; resume and none are no-ops. The flag is observed
// only here, at stage boundaries and fan-in, never mid-stage.
func (d *Driver) evaluateGate(ctx context.Context, project *models.Project) (gateDecision, *models.Project, error) {
	switch project.Control.Action {
	case models.ControlPause:
		return gatePause, project, nil

	case models.ControlStop:
		return gateStop, project, nil

	case models.ControlRestart:
		updated, err := d.applyRestart(ctx, project)
		if err != nil {
			return gateContinue, project, err
		}
		return gateRestarted, updated, nil

	case models.ControlResume:
		// A stale resume flag on a running build is a no-op.
		updated, err := store.UpdateProjectWithRetry(ctx, d.store.Projects(), project.ID, func(p *models.Project) error {
			p.Control = models.ControlFlag{Action: models.ControlNone}
			return nil
		})
		if err != nil {
			return gateContinue, project, err
		}
		return gateContinue, updated, nil

	default:
		return gateContinue, project, nil
	}
}

// applyRestart rewinds the snapshot to the requested stage: target and
// (by default) subsequent stages return to pending and their committed
// artifacts are unlinked so re-runs never collide with stale files.
func (d *Driver) applyRestart(ctx context.Context, project *models.Project) (*models.Project, error) {
	fromStage := project.Control.FromStage
	if fromStage == "" {
		fromStage = registry.StageOrchestrator
	}
	clearSubsequent := project.Control.ClearSubsequent

	var stale []string
	updated, err := store.UpdateProjectWithRetry(ctx, d.store.Projects(), project.ID, func(p *models.Project) error {
		// Collect committed paths before the reset wipes output data.
		preview := make([]models.StageSnapshot, len(p.Stages))
		copy(preview, p.Stages)
		resetNames, err := d.reg.ResetFrom(preview, fromStage, clearSubsequent)
		if err != nil {
			return err
		}
		stale = stale[:0]
		for _, name := range resetNames {
			if s := p.Stage(name); s != nil {
				stale = append(stale, s.Artifacts()...)
			}
		}

		if _, err := d.reg.ResetFrom(p.Stages, fromStage, clearSubsequent); err != nil {
			return err
		}
		p.Status = models.ProjectStatusBuilding
		p.Control = models.ControlFlag{Action: models.ControlNone}
		p.ErrorInfo = nil
		p.CompletedAt = nil
		p.Progress = p.ComputeProgress()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply restart from %s: %w", fromStage, err)
	}

	if err := d.writer.RemovePaths(stale); err != nil {
		slog.Warn("Failed to unlink stale artifacts on restart",
			"project_id", project.ID, "from_stage", fromStage, "error", err)
	}

	slog.Info("Build restarted",
		"project_id", project.ID, "from_stage", fromStage, "clear_subsequent", clearSubsequent)
	d.publishProjectStatus(updated)
	return updated, nil
}

// finalizePause parks the project. The just-finished stage is already
// committed, so resume picks up exactly after it.
func (d *Driver) finalizePause(ctx context.Context, projectID string) (*models.Project, error) {
	updated, err := store.UpdateProjectWithRetry(ctx, d.store.Projects(), projectID, func(p *models.Project) error {
		p.Status = models.ProjectStatusPaused
		p.Control = models.ControlFlag{Action: models.ControlNone}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.publishProjectStatus(updated)
	d.writeStatusMirror(updated)
	slog.Info("Build paused", "project_id", projectID, "progress", updated.Progress)
	return updated, nil
}

// finalizeStop cancels the project terminally.
func (d *Driver) finalizeStop(ctx context.Context, projectID string) (*models.Project, error) {
	updated, err := store.UpdateProjectWithRetry(ctx, d.store.Projects(), projectID, func(p *models.Project) error {
		p.Status = models.ProjectStatusCancelled
		p.Control = models.ControlFlag{Action: models.ControlNone}
		now := time.Now().UTC()
		p.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.publishProjectStatus(updated)
	d.writeStatusMirror(updated)
	slog.Info("Build stopped", "project_id", projectID)
	return updated, nil
}
