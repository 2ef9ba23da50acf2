// Package models defines the domain records shared across the build
// pipeline: projects, stage snapshots, tasks, and built agents.
package models

import (
	"math"
	"time"
)

// ProjectStatus is the lifecycle state of a build project.
type ProjectStatus string

// Project status values. These are wire-contract strings.
const (
	ProjectStatusPending   ProjectStatus = "pending"
	ProjectStatusQueued    ProjectStatus = "queued"
	ProjectStatusBuilding  ProjectStatus = "building"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusFailed    ProjectStatus = "failed"
	ProjectStatusPaused    ProjectStatus = "paused"
	ProjectStatusCancelled ProjectStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions
// other than restart.
func (s ProjectStatus) IsTerminal() bool {
	return s == ProjectStatusCompleted || s == ProjectStatusFailed || s == ProjectStatusCancelled
}

// StageStatus is the state of a single stage within a project snapshot.
type StageStatus string

// Stage status values.
const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// IsTerminal reports whether the stage has finished (successfully or not).
func (s StageStatus) IsTerminal() bool {
	return s == StageStatusCompleted || s == StageStatusFailed || s == StageStatusSkipped
}

// ControlAction is a user-requested transition observed at stage boundaries.
type ControlAction string

// Control actions.
const (
	ControlNone    ControlAction = "none"
	ControlPause   ControlAction = "pause"
	ControlResume  ControlAction = "resume"
	ControlStop    ControlAction = "stop"
	ControlRestart ControlAction = "restart"
)

// ControlFlag carries the pending control action on a project. The workflow
// driver consults it only at stage boundaries and at fan-in.
type ControlFlag struct {
	Action          ControlAction `json:"action"`
	FromStage       string        `json:"from_stage,omitempty"`
	ClearSubsequent bool          `json:"clear_subsequent,omitempty"`
	Reason          string        `json:"reason,omitempty"`
}

// OutputArtifactsKey is the key under StageSnapshot.OutputData holding the
// committed artifact paths for the stage.
const OutputArtifactsKey = "artifacts"

// StageSnapshot is one stage's embedded record inside a Project.
type StageSnapshot struct {
	StageName       string         `json:"stage_name"`
	StageNumber     int            `json:"stage_number"`
	DisplayName     string         `json:"display_name"`
	ParallelGroup   string         `json:"parallel_group,omitempty"`
	Status          StageStatus    `json:"status"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	InputTokens     int            `json:"input_tokens,omitempty"`
	OutputTokens    int            `json:"output_tokens,omitempty"`
	ToolCalls       int            `json:"tool_calls,omitempty"`
	OutputData      map[string]any `json:"output_data,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Logs            []string       `json:"logs,omitempty"`
}

// Artifacts returns the committed artifact paths recorded in OutputData.
func (s *StageSnapshot) Artifacts() []string {
	if s.OutputData == nil {
		return nil
	}
	raw, ok := s.OutputData[OutputArtifactsKey]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if p, ok := e.(string); ok {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

// ErrorInfo summarizes the first failing stage for user-visible reporting.
type ErrorInfo struct {
	CurrentStage   string `json:"current_stage"`
	ErrorMessage   string `json:"error_message"`
	Classification string `json:"classification,omitempty"`
}

// Project is the unit of a build: a requirement tied to its stages, task,
// and resulting agents.
type Project struct {
	ID          string   `json:"project_id"`
	Requirement string   `json:"requirement"`
	ProjectName string   `json:"project_name,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
	UserName    string   `json:"user_name,omitempty"`
	Priority    int      `json:"priority"`
	Tags        []string `json:"tags,omitempty"`

	Status       ProjectStatus   `json:"status"`
	Progress     int             `json:"progress"`
	CurrentStage string          `json:"current_stage,omitempty"`
	Control      ControlFlag     `json:"control_flag"`
	Stages       []StageSnapshot `json:"stages"`
	ErrorInfo    *ErrorInfo      `json:"error_info,omitempty"`

	// Version is the optimistic-concurrency counter. Every successful
	// update increments it; writers supply the expected value.
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Stage returns a pointer to the snapshot entry with the given name,
// or nil when absent. The pointer aliases the Stages slice.
func (p *Project) Stage(name string) *StageSnapshot {
	for i := range p.Stages {
		if p.Stages[i].StageName == name {
			return &p.Stages[i]
		}
	}
	return nil
}

// ComputeProgress returns round(100 × terminal stages / total stages).
// Skipped stages count as done; the total is fixed by the snapshot.
func (p *Project) ComputeProgress() int {
	if len(p.Stages) == 0 {
		return 0
	}
	done := 0
	for i := range p.Stages {
		if p.Stages[i].Status == StageStatusCompleted || p.Stages[i].Status == StageStatusSkipped {
			done++
		}
	}
	return int(math.Round(100 * float64(done) / float64(len(p.Stages))))
}

// RunningStages returns the names of stages currently in running state.
func (p *Project) RunningStages() []string {
	var out []string
	for i := range p.Stages {
		if p.Stages[i].Status == StageStatusRunning {
			out = append(out, p.Stages[i].StageName)
		}
	}
	return out
}

// AllStagesDone reports whether every stage is completed or skipped.
func (p *Project) AllStagesDone() bool {
	for i := range p.Stages {
		s := p.Stages[i].Status
		if s != StageStatusCompleted && s != StageStatusSkipped {
			return false
		}
	}
	return len(p.Stages) > 0
}

// AggregateMetrics sums per-stage telemetry for dashboard reads.
type AggregateMetrics struct {
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	ToolCalls       int     `json:"tool_calls"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Aggregate sums telemetry across all stages in the snapshot.
func (p *Project) Aggregate() AggregateMetrics {
	var agg AggregateMetrics
	for i := range p.Stages {
		s := &p.Stages[i]
		agg.InputTokens += s.InputTokens
		agg.OutputTokens += s.OutputTokens
		agg.ToolCalls += s.ToolCalls
		agg.DurationSeconds += s.DurationSeconds
	}
	return agg
}
