// Package pipeline drives builds through the seven-stage catalog: the
// stage executor runs one stage under timeout, retry, and the artifact
// commit protocol; the driver sequences stages, fans out the developer
// sub-stages, and honors control flags at stage boundaries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/forgeworks/foundry/pkg/artifacts"
	"github.com/forgeworks/foundry/pkg/config"
	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/metrics"
	"github.com/forgeworks/foundry/pkg/models"
	"github.com/forgeworks/foundry/pkg/registry"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/subagent"
)

// StageOutcome is what one stage execution produced.
type StageOutcome struct {
	StageName  string
	Status     models.StageStatus
	OutputData map[string]any
	Err        error
}

// StageExecutor runs a single stage end to end: mark running, invoke the
// sub-agent body with retries, validate, commit artifacts, and record the
// terminal snapshot under compare-and-swap.
type StageExecutor struct {
	store    store.Store
	writer   *artifacts.Writer
	registry *registry.Registry
	factory  subagent.Factory
	cfg      *config.PipelineConfig
	bus      events.Publisher
}

// NewStageExecutor wires a stage executor.
func NewStageExecutor(st store.Store, w *artifacts.Writer, reg *registry.Registry, factory subagent.Factory, cfg *config.PipelineConfig, bus events.Publisher) *StageExecutor {
	return &StageExecutor{
		store:    st,
		writer:   w,
		registry: reg,
		factory:  factory,
		cfg:      cfg,
		bus:      bus,
	}
}

// RunStage executes one stage for the project. The returned outcome's Err
// is set for failures already recorded on the stage snapshot; a non-nil
// error return means the infrastructure failed and nothing was recorded.
func (e *StageExecutor) RunStage(ctx context.Context, projectID, stageName string, tools *subagent.ToolRegistry) (*StageOutcome, error) {
	def, err := e.registry.Lookup(stageName)
	if err != nil {
		return nil, err
	}
	strategy, err := e.factory.Strategy(stageName)
	if err != nil {
		return nil, err
	}

	project, err := e.markStageRunning(ctx, projectID, stageName)
	if err != nil {
		return nil, err
	}
	e.publishStageStatus(project.ID, def, models.StageStatusRunning)

	rc := buildRunContext(project, stageName, tools, e.bus)
	started := time.Now()

	result, runErr := e.runWithRetries(ctx, strategy, rc)
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			// Stop or shutdown: the attempt's result is discarded and the
			// stage returns to pending. Uncommitted scratch files are swept
			// at startup. Background context: ours is the cancelled one.
			if err := e.revertStagePending(context.Background(), projectID, stageName); err != nil {
				return nil, err
			}
			e.publishStageStatus(project.ID, def, models.StageStatusPending)
			return &StageOutcome{StageName: stageName, Status: models.StageStatusPending, Err: errStopped}, nil
		}
		if err := e.markStageFailed(ctx, projectID, stageName, runErr, started); err != nil {
			return nil, err
		}
		e.publishStageStatus(project.ID, def, models.StageStatusFailed)
		metrics.RecordStage(stageName, string(models.StageStatusFailed), time.Since(started))
		return &StageOutcome{StageName: stageName, Status: models.StageStatusFailed, Err: runErr}, nil
	}

	// Commit artifacts, then record the completed snapshot. If the record
	// cannot be written the committed files are unlinked so disk and state
	// stay consistent.
	paths, err := e.commitArtifacts(rc, result)
	if err != nil {
		if markErr := e.markStageFailed(ctx, projectID, stageName, err, started); markErr != nil {
			return nil, markErr
		}
		e.publishStageStatus(project.ID, def, models.StageStatusFailed)
		return &StageOutcome{StageName: stageName, Status: models.StageStatusFailed, Err: err}, nil
	}

	if err := e.markStageCompleted(ctx, projectID, stageName, result, paths, started); err != nil {
		if rmErr := e.writer.RemovePaths(paths); rmErr != nil {
			slog.Error("Failed to roll back committed artifacts",
				"project_id", projectID, "stage", stageName, "error", rmErr)
		}
		return nil, err
	}

	e.publishStageStatus(project.ID, def, models.StageStatusCompleted)
	metrics.RecordStage(stageName, string(models.StageStatusCompleted), time.Since(started))
	metrics.RecordTokens(result.Metrics.InputTokens, result.Metrics.OutputTokens)

	return &StageOutcome{
		StageName:  stageName,
		Status:     models.StageStatusCompleted,
		OutputData: result.OutputData,
	}, nil
}

// runWithRetries drives Prepare/Run/Validate with the transient retry
// budget. Deterministic failures stop immediately.
func (e *StageExecutor) runWithRetries(ctx context.Context, strategy subagent.Strategy, rc *subagent.RunContext) (*subagent.Result, error) {
	if err := strategy.Prepare(rc); err != nil {
		return nil, fmt.Errorf("stage %s input check failed: %w", rc.StageName, err)
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.StageMaxRetries; attempt++ {
		if attempt > 0 {
			metrics.RecordStageRetry(rc.StageName)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.stageBackoff(attempt)):
			}
		}

		stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
		result, err := strategy.Run(stageCtx, rc)
		cancel()

		if err == nil {
			if vErr := strategy.Validate(result.Files); vErr != nil {
				// Validator failures are deterministic: rerunning the same
				// body on the same inputs reproduces them.
				return nil, fmt.Errorf("stage %s output validation failed: %w", rc.StageName, vErr)
			}
			return result, nil
		}

		// The build was stopped or the worker is shutting down.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if !subagent.IsTransient(err) {
			return nil, err
		}
		slog.Warn("Transient stage failure, retrying",
			"stage", rc.StageName, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("stage %s failed after %d attempts: %w", rc.StageName, e.cfg.StageMaxRetries+1, lastErr)
}

// commitArtifacts stages and commits the result's files for the stage.
// Stages without files commit an empty set and report no paths.
func (e *StageExecutor) commitArtifacts(rc *subagent.RunContext, result *subagent.Result) ([]string, error) {
	if len(result.Files) == 0 {
		return nil, nil
	}
	prefix := stagePrefix(rc.StageName, rc.ProjectName, rc.AgentName, result)
	h, err := e.writer.Begin(rc.StageName, prefix)
	if err != nil {
		return nil, err
	}
	for _, f := range result.Files {
		if err := e.writer.Put(h, f.Path, f.Content); err != nil {
			_ = e.writer.Abort(h)
			return nil, err
		}
	}
	paths, err := e.writer.Commit(h)
	if err != nil {
		_ = e.writer.Abort(h)
		return nil, err
	}
	return paths, nil
}

// stagePrefix maps a stage to its slot in the workspace layout.
func stagePrefix(stageName, projectName, agentName string, result *subagent.Result) string {
	if stageName == registry.StageOrchestrator {
		// The orchestrator may derive the project name itself.
		if result != nil && result.OutputData != nil {
			if n, ok := result.OutputData["project_name"].(string); ok && n != "" {
				projectName = n
			}
		}
		return artifacts.ProjectDir(projectName)
	}
	switch stageName {
	case registry.StageToolDeveloper:
		return artifacts.ToolsDir(projectName)
	case registry.StagePromptEngineer:
		return artifacts.PromptsDir(projectName)
	case registry.StageAgentCodeDeveloper:
		return artifacts.GeneratedAgentsDir(projectName)
	default:
		return artifacts.ProjectAgentDir(projectName, agentName)
	}
}

// buildRunContext assembles the strategy's view of the project.
func buildRunContext(project *models.Project, stageName string, tools *subagent.ToolRegistry, bus events.Publisher) *subagent.RunContext {
	prior := make(map[string]map[string]any)
	for i := range project.Stages {
		s := &project.Stages[i]
		if s.Status == models.StageStatusCompleted && s.OutputData != nil {
			prior[s.StageName] = s.OutputData
		}
	}

	projectName := project.ProjectName
	agentName := ""
	if orch, ok := prior[registry.StageOrchestrator]; ok {
		if n, ok := orch["project_name"].(string); ok && n != "" {
			projectName = n
		}
		if n, ok := orch["agent_name"].(string); ok && n != "" {
			agentName = n
		}
	}
	if agentName == "" {
		agentName = projectName
	}

	return &subagent.RunContext{
		ProjectID:    project.ID,
		ProjectName:  projectName,
		AgentName:    agentName,
		Requirement:  project.Requirement,
		StageName:    stageName,
		PriorOutputs: prior,
		Tools:        tools,
		Publisher:    bus,
	}
}

// markStageRunning transitions the stage snapshot to running and returns
// the refreshed project.
func (e *StageExecutor) markStageRunning(ctx context.Context, projectID, stageName string) (*models.Project, error) {
	return store.UpdateProjectWithRetry(ctx, e.store.Projects(), projectID, func(p *models.Project) error {
		s := p.Stage(stageName)
		if s == nil {
			return fmt.Errorf("project %s has no stage %s", projectID, stageName)
		}
		now := time.Now().UTC()
		s.Status = models.StageStatusRunning
		s.StartedAt = &now
		s.CompletedAt = nil
		s.ErrorMessage = ""
		p.CurrentStage = stageName
		return nil
	})
}

// markStageCompleted records the terminal snapshot: output data, committed
// artifact paths, telemetry, and refreshed progress.
func (e *StageExecutor) markStageCompleted(ctx context.Context, projectID, stageName string, result *subagent.Result, paths []string, started time.Time) error {
	_, err := store.UpdateProjectWithRetry(ctx, e.store.Projects(), projectID, func(p *models.Project) error {
		s := p.Stage(stageName)
		if s == nil {
			return fmt.Errorf("project %s has no stage %s", projectID, stageName)
		}
		now := time.Now().UTC()
		s.Status = models.StageStatusCompleted
		s.CompletedAt = &now
		s.DurationSeconds = roundDuration(now.Sub(started))
		s.InputTokens = result.Metrics.InputTokens
		s.OutputTokens = result.Metrics.OutputTokens
		s.ToolCalls = result.Metrics.ToolCalls
		s.Logs = result.Logs
		s.ErrorMessage = ""

		out := make(map[string]any, len(result.OutputData)+1)
		for k, v := range result.OutputData {
			out[k] = v
		}
		if len(paths) > 0 {
			out[models.OutputArtifactsKey] = paths
		}
		s.OutputData = out

		// The orchestrator settles the project name.
		if stageName == registry.StageOrchestrator {
			if n, ok := out["project_name"].(string); ok && n != "" {
				p.ProjectName = n
			}
		}

		p.Progress = p.ComputeProgress()
		return nil
	})
	return err
}

// revertStagePending returns an interrupted stage to pending so a resumed
// or re-delivered build re-runs it from scratch.
func (e *StageExecutor) revertStagePending(ctx context.Context, projectID, stageName string) error {
	_, err := store.UpdateProjectWithRetry(ctx, e.store.Projects(), projectID, func(p *models.Project) error {
		s := p.Stage(stageName)
		if s == nil {
			return fmt.Errorf("project %s has no stage %s", projectID, stageName)
		}
		s.Status = models.StageStatusPending
		s.StartedAt = nil
		s.CompletedAt = nil
		s.ErrorMessage = ""
		return nil
	})
	return err
}

// markStageFailed records a failed snapshot without touching artifacts:
// nothing was committed for a failed attempt.
func (e *StageExecutor) markStageFailed(ctx context.Context, projectID, stageName string, cause error, started time.Time) error {
	_, err := store.UpdateProjectWithRetry(ctx, e.store.Projects(), projectID, func(p *models.Project) error {
		s := p.Stage(stageName)
		if s == nil {
			return fmt.Errorf("project %s has no stage %s", projectID, stageName)
		}
		now := time.Now().UTC()
		s.Status = models.StageStatusFailed
		s.CompletedAt = &now
		s.DurationSeconds = roundDuration(now.Sub(started))
		s.ErrorMessage = cause.Error()
		return nil
	})
	return err
}

func (e *StageExecutor) publishStageStatus(projectID string, def *registry.StageDef, status models.StageStatus) {
	if e.bus == nil {
		return
	}
	e.bus.PublishStageStatus(projectID, def.Name, def.Order, status)
}

// stageBackoff returns the delay before retry attempt n (n ≥ 1).
func (e *StageExecutor) stageBackoff(attempt int) time.Duration {
	d := time.Duration(float64(e.cfg.StageRetryBackoffBase) * math.Pow(2, float64(attempt-1)))
	if d > e.cfg.StageRetryBackoffCap || d <= 0 {
		return e.cfg.StageRetryBackoffCap
	}
	return d
}

func roundDuration(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}

// errStopped marks a build interrupted by context cancellation.
var errStopped = errors.New("build interrupted")
