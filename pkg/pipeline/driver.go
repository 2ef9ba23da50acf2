package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgeworks/foundry/pkg/artifacts"
	"github.com/forgeworks/foundry/pkg/config"
	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/metrics"
	"github.com/forgeworks/foundry/pkg/models"
	"github.com/forgeworks/foundry/pkg/queue"
	"github.com/forgeworks/foundry/pkg/registry"
	"github.com/forgeworks/foundry/pkg/store"
	"github.com/forgeworks/foundry/pkg/subagent"
)

// WorkflowReportName is the completion report written into the project
// directory.
const WorkflowReportName = "workflow_report.md"

// StatusMirrorName is the best-effort on-disk status mirror. The state
// store is authoritative; this file is informational only.
const StatusMirrorName = "status.yaml"

// Driver sequences a build through the stage catalog. It implements
// queue.BuildExecutor: one Execute call drives one claimed task until the
// project reaches a rest state (completed, failed, paused, cancelled) or
// the worker shuts down.
type Driver struct {
	store    store.Store
	writer   *artifacts.Writer
	reg      *registry.Registry
	executor *StageExecutor
	cfg      *config.PipelineConfig
	bus      events.Publisher
}

// NewDriver wires a workflow driver.
func NewDriver(st store.Store, w *artifacts.Writer, reg *registry.Registry, executor *StageExecutor, cfg *config.PipelineConfig, bus events.Publisher) *Driver {
	return &Driver{
		store:    st,
		writer:   w,
		reg:      reg,
		executor: executor,
		cfg:      cfg,
		bus:      bus,
	}
}

// Execute drives one build task.
func (d *Driver) Execute(ctx context.Context, task *models.Task) *queue.ExecutionResult {
	metrics.BuildStarted()
	defer metrics.BuildFinished()

	project, err := d.store.Projects().Get(ctx, task.ProjectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &queue.ExecutionResult{
				Status: models.TaskStatusCancelled,
				Error:  fmt.Errorf("project %s no longer exists", task.ProjectID),
			}
		}
		return &queue.ExecutionResult{Status: models.TaskStatusFailed, Error: err, Retryable: true}
	}

	log := slog.With("project_id", project.ID, "task_id", task.ID)
	log.Info("Build started", "progress", project.Progress)
	d.publishProjectStatus(project)

	// One typed tool registry per delivery. The developer-manager stage
	// re-registers generated tools at fan-in, so resumed builds that
	// already passed fan-in never need the earlier registrations.
	tools := subagent.NewToolRegistry()

	for {
		// Reload and consult the control gate at every boundary.
		project, err = d.store.Projects().Get(ctx, project.ID)
		if err != nil {
			return d.infrastructureFailure(project, err)
		}

		decision, refreshed, err := d.evaluateGate(ctx, project)
		if err != nil {
			return d.infrastructureFailure(project, err)
		}
		project = refreshed

		switch decision {
		case gatePause:
			if _, err := d.finalizePause(context.Background(), project.ID); err != nil {
				return d.infrastructureFailure(project, err)
			}
			metrics.RecordBuild(string(models.ProjectStatusPaused))
			return &queue.ExecutionResult{
				Status: models.TaskStatusCompleted,
				Result: map[string]any{"paused": true},
			}
		case gateStop:
			if _, err := d.finalizeStop(context.Background(), project.ID); err != nil {
				return d.infrastructureFailure(project, err)
			}
			metrics.RecordBuild(string(models.ProjectStatusCancelled))
			return &queue.ExecutionResult{
				Status: models.TaskStatusCancelled,
				Result: map[string]any{"stopped": true},
			}
		case gateRestarted:
			// The snapshot was rewound: registrations made for the old run
			// would collide with (or mask) the rebuilt stages' work.
			tools = subagent.NewToolRegistry()
		}

		next := d.reg.Next(project.Stages)
		if len(next) == 0 {
			return d.finalizeCompletion(context.Background(), project.ID, log)
		}

		outcomes, err := d.runStages(ctx, project.ID, next, tools)
		if err != nil {
			return d.infrastructureFailure(project, err)
		}

		if interrupted(outcomes) {
			// Stop request or worker shutdown cancelled the stage context.
			// A stop flag resolves at the gate on the next iteration; a
			// shutdown hands the task back for re-delivery.
			current, gerr := d.store.Projects().Get(context.Background(), project.ID)
			if gerr == nil && current.Control.Action == models.ControlStop {
				continue
			}
			return d.handleShutdown(project, log)
		}

		if failed := firstFailure(outcomes); failed != nil {
			return d.finalizeFailure(context.Background(), project.ID, failed, log)
		}
	}
}

// runStages executes one stage or fans out a parallel group. Parallel
// outcomes are collected in catalog order; every goroutine runs to its
// own completion before the barrier releases (fail-fast applies after
// the barrier, not during).
func (d *Driver) runStages(ctx context.Context, projectID string, names []string, tools *subagent.ToolRegistry) ([]*StageOutcome, error) {
	if len(names) == 1 {
		outcome, err := d.executor.RunStage(ctx, projectID, names[0], tools)
		if err != nil {
			return nil, err
		}
		return []*StageOutcome{outcome}, nil
	}

	type indexed struct {
		i       int
		outcome *StageOutcome
		err     error
	}
	results := make(chan indexed, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			outcome, err := d.executor.RunStage(ctx, projectID, name, tools)
			results <- indexed{i: i, outcome: outcome, err: err}
		}(i, name)
	}
	wg.Wait()
	close(results)

	collected := make([]*StageOutcome, len(names))
	var firstErr error
	for r := range results {
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		collected[r.i] = r.outcome
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return collected, nil
}

// interrupted reports whether any stage was cancelled mid-run.
func interrupted(outcomes []*StageOutcome) bool {
	for _, o := range outcomes {
		if o != nil && errors.Is(o.Err, errStopped) {
			return true
		}
	}
	return false
}

// firstFailure returns the failed outcome with the lowest stage order, or
// nil when all succeeded.
func firstFailure(outcomes []*StageOutcome) *StageOutcome {
	for _, o := range outcomes {
		if o != nil && o.Status == models.StageStatusFailed {
			return o
		}
	}
	return nil
}

// handleShutdown returns the project to queued and hands the task back so
// another delivery resumes from the last committed stage.
func (d *Driver) handleShutdown(project *models.Project, log *slog.Logger) *queue.ExecutionResult {
	_, err := store.UpdateProjectWithRetry(context.Background(), d.store.Projects(), project.ID, func(p *models.Project) error {
		if p.Status == models.ProjectStatusBuilding {
			p.Status = models.ProjectStatusQueued
		}
		return nil
	})
	if err != nil {
		log.Error("Failed to requeue project during shutdown", "error", err)
	}
	log.Info("Build interrupted, task handed back for re-delivery")
	return &queue.ExecutionResult{
		Status:    models.TaskStatusFailed,
		Error:     errStopped,
		Retryable: true,
	}
}

// infrastructureFailure covers store errors around the build itself. The
// project returns to queued and the task is re-delivered with backoff.
func (d *Driver) infrastructureFailure(project *models.Project, cause error) *queue.ExecutionResult {
	if project != nil {
		_, err := store.UpdateProjectWithRetry(context.Background(), d.store.Projects(), project.ID, func(p *models.Project) error {
			if p.Status == models.ProjectStatusBuilding {
				p.Status = models.ProjectStatusQueued
			}
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Error("Failed to requeue project after infrastructure error",
				"project_id", project.ID, "error", err)
		}
	}
	return &queue.ExecutionResult{
		Status:    models.TaskStatusFailed,
		Error:     cause,
		Retryable: true,
	}
}

// finalizeCompletion records the terminal success state, registers the
// built agent, and writes the workflow report.
func (d *Driver) finalizeCompletion(ctx context.Context, projectID string, log *slog.Logger) *queue.ExecutionResult {
	updated, err := store.UpdateProjectWithRetry(ctx, d.store.Projects(), projectID, func(p *models.Project) error {
		if !p.AllStagesDone() {
			return fmt.Errorf("project %s has unfinished stages", projectID)
		}
		p.Status = models.ProjectStatusCompleted
		p.Progress = p.ComputeProgress()
		p.CurrentStage = ""
		p.Control = models.ControlFlag{Action: models.ControlNone}
		p.ErrorInfo = nil
		now := time.Now().UTC()
		p.CompletedAt = &now
		return nil
	})
	if err != nil {
		return d.infrastructureFailure(nil, err)
	}

	agent, err := d.registerAgent(ctx, updated)
	if err != nil {
		log.Error("Failed to register built agent", "error", err)
	}

	d.writeWorkflowReport(updated)
	d.writeStatusMirror(updated)
	d.publishProjectStatus(updated)
	metrics.RecordBuild(string(models.ProjectStatusCompleted))

	result := map[string]any{"project_name": updated.ProjectName}
	if agent != nil {
		result["agent_id"] = agent.ID
	}
	log.Info("Build completed", "project_name", updated.ProjectName)
	return &queue.ExecutionResult{Status: models.TaskStatusCompleted, Result: result}
}

// finalizeFailure records the terminal failure with the first failing
// stage surfaced as error info.
func (d *Driver) finalizeFailure(ctx context.Context, projectID string, failed *StageOutcome, log *slog.Logger) *queue.ExecutionResult {
	classification := "deterministic"
	if subagent.IsTransient(failed.Err) {
		classification = "transient"
	}

	updated, err := store.UpdateProjectWithRetry(ctx, d.store.Projects(), projectID, func(p *models.Project) error {
		p.Status = models.ProjectStatusFailed
		p.CurrentStage = failed.StageName
		p.ErrorInfo = &models.ErrorInfo{
			CurrentStage:   failed.StageName,
			ErrorMessage:   failed.Err.Error(),
			Classification: classification,
		}
		now := time.Now().UTC()
		p.CompletedAt = &now
		return nil
	})
	if err != nil {
		return d.infrastructureFailure(nil, err)
	}

	d.writeStatusMirror(updated)
	d.publishProjectStatus(updated)
	metrics.RecordBuild(string(models.ProjectStatusFailed))

	log.Warn("Build failed", "stage", failed.StageName, "error", failed.Err)
	return &queue.ExecutionResult{
		Status: models.TaskStatusFailed,
		Error:  fmt.Errorf("stage %s failed: %w", failed.StageName, failed.Err),
	}
}

// registerAgent creates the agent record from the developer-manager
// output. A rebuild of the same project replaces its prior record.
func (d *Driver) registerAgent(ctx context.Context, project *models.Project) (*models.Agent, error) {
	manager := project.Stage(registry.StageAgentDeveloperManager)
	if manager == nil || manager.Status != models.StageStatusCompleted || manager.OutputData == nil {
		return nil, fmt.Errorf("developer-manager output missing for project %s", project.ID)
	}
	out := manager.OutputData

	agentName, _ := out["agent_name"].(string)
	if agentName == "" {
		agentName = project.ProjectName
	}

	agent := &models.Agent{
		ID:             models.AgentID(project.ID, agentName),
		ProjectID:      project.ID,
		Name:           agentName,
		DeploymentType: models.DeploymentLocal,
		Status:         models.AgentStatusOffline,
		Capabilities:   stringSlice(out["capabilities"]),
		Tools:          stringSlice(out["tools"]),
		CreatedAt:      time.Now().UTC(),
	}
	if f, ok := out["prompt_file"].(string); ok && f != "" {
		agent.PromptPath = filepath.Join(artifacts.PromptsDir(project.ProjectName), f)
	}
	if f, ok := out["code_file"].(string); ok && f != "" {
		agent.CodePath = filepath.Join(artifacts.GeneratedAgentsDir(project.ProjectName), f)
	}

	if deployer := project.Stage(registry.StageAgentDeployer); deployer != nil && deployer.Status == models.StageStatusCompleted {
		agent.Status = models.AgentStatusRunning
		agent.DeploymentMetadata = deployer.OutputData
		if dt, ok := deployer.OutputData["deployment_type"].(string); ok && dt != "" {
			agent.DeploymentType = models.DeploymentType(dt)
		}
	}

	err := d.store.Agents().Create(ctx, agent)
	if errors.Is(err, store.ErrAlreadyExists) {
		if err := d.store.Agents().DeleteByProject(ctx, project.ID); err != nil {
			return nil, err
		}
		err = d.store.Agents().Create(ctx, agent)
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// writeWorkflowReport writes the human-readable completion report into
// the project directory. Best effort; the build has already succeeded.
func (d *Driver) writeWorkflowReport(project *models.Project) {
	if project.ProjectName == "" {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Workflow Report: %s\n\n", project.ProjectName)
	fmt.Fprintf(&b, "Status: %s\n\n", project.Status)
	fmt.Fprintf(&b, "## Requirement\n\n%s\n\n## Stages\n\n", project.Requirement)
	fmt.Fprintf(&b, "| # | Stage | Status | Duration (s) | Tokens in/out | Tool calls |\n")
	fmt.Fprintf(&b, "|---|-------|--------|--------------|---------------|------------|\n")

	stages := make([]models.StageSnapshot, len(project.Stages))
	copy(stages, project.Stages)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].StageNumber < stages[j].StageNumber })
	for _, s := range stages {
		fmt.Fprintf(&b, "| %d | %s | %s | %.1f | %d/%d | %d |\n",
			s.StageNumber, s.DisplayName, s.Status, s.DurationSeconds,
			s.InputTokens, s.OutputTokens, s.ToolCalls)
	}

	agg := project.Aggregate()
	fmt.Fprintf(&b, "\n## Totals\n\nInput tokens: %d\nOutput tokens: %d\nTool calls: %d\nDuration: %.1fs\n",
		agg.InputTokens, agg.OutputTokens, agg.ToolCalls, agg.DurationSeconds)

	rel := filepath.Join(artifacts.ProjectDir(project.ProjectName), WorkflowReportName)
	if err := d.writer.WriteDirect(rel, []byte(b.String())); err != nil {
		slog.Warn("Failed to write workflow report", "project_id", project.ID, "error", err)
	}
}

// writeStatusMirror mirrors project status to disk for operators browsing
// the workspace. Best effort.
func (d *Driver) writeStatusMirror(project *models.Project) {
	if project.ProjectName == "" {
		return
	}

	type stageLine struct {
		Name   string `yaml:"name"`
		Status string `yaml:"status"`
	}
	doc := struct {
		ProjectID    string      `yaml:"project_id"`
		Status       string      `yaml:"status"`
		Progress     int         `yaml:"progress"`
		CurrentStage string      `yaml:"current_stage,omitempty"`
		UpdatedAt    string      `yaml:"updated_at"`
		Stages       []stageLine `yaml:"stages"`
	}{
		ProjectID:    project.ID,
		Status:       string(project.Status),
		Progress:     project.Progress,
		CurrentStage: project.CurrentStage,
		UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	for _, s := range project.Stages {
		doc.Stages = append(doc.Stages, stageLine{Name: s.StageName, Status: string(s.Status)})
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return
	}
	rel := filepath.Join(artifacts.ProjectDir(project.ProjectName), StatusMirrorName)
	if err := d.writer.WriteDirect(rel, data); err != nil {
		slog.Debug("Failed to write status mirror", "project_id", project.ID, "error", err)
	}
}

func (d *Driver) publishProjectStatus(project *models.Project) {
	if d.bus == nil {
		return
	}
	d.bus.PublishProjectStatus(project.ID, project.Status, project.Progress)
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
