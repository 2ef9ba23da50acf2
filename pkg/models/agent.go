package models

import "time"

// DeploymentType is where a built agent runs.
type DeploymentType string

// Deployment types.
const (
	DeploymentLocal     DeploymentType = "local"
	DeploymentAgentCore DeploymentType = "agentcore"
)

// AgentStatus is the runtime state of a built agent.
type AgentStatus string

// Agent status values.
const (
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusOffline   AgentStatus = "offline"
	AgentStatusError     AgentStatus = "error"
	AgentStatusDeploying AgentStatus = "deploying"
)

// Agent is the artifact of a successful build. It is created by the
// developer-manager stage and never mutated by the pipeline afterwards.
type Agent struct {
	ID             string         `json:"agent_id"`
	ProjectID      string         `json:"project_id"`
	Name           string         `json:"agent_name"`
	DeploymentType DeploymentType `json:"deployment_type"`
	Status         AgentStatus    `json:"status"`

	Capabilities []string `json:"capabilities,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	PromptPath   string   `json:"prompt_path,omitempty"`
	CodePath     string   `json:"code_path,omitempty"`

	TotalInvocations      int        `json:"total_invocations"`
	SuccessfulInvocations int        `json:"successful_invocations"`
	FailedInvocations     int        `json:"failed_invocations"`
	AvgDurationMs         float64    `json:"avg_duration_ms"`
	LastInvokedAt         *time.Time `json:"last_invoked_at,omitempty"`

	DeploymentMetadata map[string]any `json:"deployment_metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// AgentID builds the canonical agent identifier from its parts.
func AgentID(projectID, agentName string) string {
	return projectID + ":" + agentName
}
