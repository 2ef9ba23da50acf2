package models

// SubmitBuildRequest contains fields for submitting a new build.
type SubmitBuildRequest struct {
	Requirement string   `json:"requirement"`
	ProjectName string   `json:"project_name,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
	UserName    string   `json:"user_name,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// SubmitBuildResponse is returned after a build is accepted.
type SubmitBuildResponse struct {
	ProjectID   string        `json:"project_id"`
	TaskID      string        `json:"task_id"`
	ProjectName string        `json:"project_name"`
	Status      ProjectStatus `json:"status"`
}

// ControlRequest asks for a pause/resume/stop/restart transition. The flag
// is applied asynchronously at the next stage boundary.
type ControlRequest struct {
	Action    ControlAction `json:"action"`
	FromStage string        `json:"from_stage,omitempty"`
	// ClearSubsequent defaults to true for restart when omitted.
	ClearSubsequent *bool  `json:"clear_subsequent,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// ProjectFilters contains filtering and pagination options for listing
// projects. Pagination is cursor-based: LastKey is the project ID of the
// last entry of the previous page.
type ProjectFilters struct {
	Status  ProjectStatus `json:"status,omitempty"`
	UserID  string        `json:"user_id,omitempty"`
	Limit   int           `json:"limit,omitempty"`
	LastKey string        `json:"last_key,omitempty"`
}

// ProjectPage is one page of a project listing.
type ProjectPage struct {
	Projects []*Project `json:"projects"`
	LastKey  string     `json:"last_key,omitempty"`
	HasMore  bool       `json:"has_more"`
}

// TaskFilters contains filtering options for listing tasks.
type TaskFilters struct {
	Status    TaskStatus `json:"status,omitempty"`
	ProjectID string     `json:"project_id,omitempty"`
	Type      TaskType   `json:"task_type,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// DashboardView is the read-side projection served for the build console.
type DashboardView struct {
	Project           *Project         `json:"project"`
	Stages            []StageSnapshot  `json:"stages"`
	Metrics           AggregateMetrics `json:"metrics"`
	CurrentStage      string           `json:"current_stage,omitempty"`
	LatestTask        *Task            `json:"latest_task,omitempty"`
	ErrorInfo         *ErrorInfo       `json:"error_info,omitempty"`
	ETASeconds        float64          `json:"eta_seconds,omitempty"`
	HasWorkflowReport bool             `json:"has_workflow_report"`
	Source            string           `json:"source"`
}
