// Package events provides the in-process event stream for build progress:
// stage lifecycle payloads and the lazy StageEvent sequence sub-agents
// emit. Pipeline correctness never depends on anyone consuming these.
package events

import (
	"time"

	"github.com/forgeworks/foundry/pkg/models"
)

// Event type strings. Wire contract for SSE consumers.
const (
	EventTypeProjectStatus = "project.status"
	EventTypeStageStatus   = "stage.status"
	EventTypeStageEvent    = "stage.event"
)

// StageEventKind classifies a sub-agent output record.
type StageEventKind string

// Stage event kinds.
const (
	StageEventText       StageEventKind = "text"
	StageEventToolUse    StageEventKind = "tool_use"
	StageEventToolResult StageEventKind = "tool_result"
	StageEventMetrics    StageEventKind = "metrics"
	StageEventDone       StageEventKind = "done"
)

// Envelope is the published unit. Exactly one payload field is set,
// matching Type.
type Envelope struct {
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
	Timestamp string `json:"timestamp"`

	ProjectStatus *ProjectStatusPayload `json:"project_status,omitempty"`
	StageStatus   *StageStatusPayload   `json:"stage_status,omitempty"`
	StageEvent    *StageEventPayload    `json:"stage_event,omitempty"`
}

// ProjectStatusPayload reports a project status transition.
type ProjectStatusPayload struct {
	Status   models.ProjectStatus `json:"status"`
	Progress int                  `json:"progress"`
}

// StageStatusPayload reports a stage status transition.
type StageStatusPayload struct {
	StageName   string             `json:"stage_name"`
	StageNumber int                `json:"stage_number"`
	Status      models.StageStatus `json:"status"`
}

// StageEventPayload carries one sub-agent output record.
type StageEventPayload struct {
	StageName string         `json:"stage_name"`
	Kind      StageEventKind `json:"kind"`
	Text      string         `json:"text,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func now() string { return time.Now().Format(time.RFC3339Nano) }
