// Package registry holds the declarative stage catalog: stage identity,
// order, display names, input dependencies, and the developer-manager
// fan-out expansion. The pipeline topology is fixed; stages are data.
package registry

import (
	"fmt"

	"github.com/forgeworks/foundry/pkg/models"
)

// Stage name constants. These are stable wire-contract strings.
const (
	StageOrchestrator          = "orchestrator"
	StageRequirementsAnalyzer  = "requirements_analyzer"
	StageSystemArchitect       = "system_architect"
	StageAgentDesigner         = "agent_designer"
	StageAgentDeveloperManager = "agent_developer_manager"
	StageAgentDeployer         = "agent_deployer"

	// Developer-manager parallel sub-stages.
	StageToolDeveloper      = "tool_developer"
	StagePromptEngineer     = "prompt_engineer"
	StageAgentCodeDeveloper = "agent_code_developer"
)

// DeveloperManagerGroup names the parallel group of the three sub-stages.
const DeveloperManagerGroup = "developer_manager"

// StageDef describes one stage of the catalog.
type StageDef struct {
	Name          string
	DisplayName   string
	Order         int
	ParallelGroup string
	// RequiredInputs names prior stages whose output_data feeds this stage.
	RequiredInputs []string
	// Produces lists artifact categories for documentation and validation.
	Produces []string
	// SubStages, when set, expands this stage into parallel children
	// followed by a synchronization step under the stage's own name.
	SubStages []string
	// Optional stages are recorded as skipped when disabled by config.
	Optional bool
}

// Registry is the ordered, immutable stage catalog.
type Registry struct {
	defs   []StageDef
	byName map[string]*StageDef
}

// Default returns the fixed seven-stage pipeline catalog.
func Default() *Registry {
	defs := []StageDef{
		{
			Name:        StageOrchestrator,
			DisplayName: "Orchestrator",
			Order:       1,
			Produces:    []string{"project_config"},
		},
		{
			Name:           StageRequirementsAnalyzer,
			DisplayName:    "Requirements Analyzer",
			Order:          2,
			RequiredInputs: []string{StageOrchestrator},
			Produces:       []string{"analysis"},
		},
		{
			Name:           StageSystemArchitect,
			DisplayName:    "System Architect",
			Order:          3,
			RequiredInputs: []string{StageRequirementsAnalyzer},
			Produces:       []string{"architecture"},
		},
		{
			Name:           StageAgentDesigner,
			DisplayName:    "Agent Designer",
			Order:          4,
			RequiredInputs: []string{StageSystemArchitect},
			Produces:       []string{"design"},
		},
		{
			Name:           StageToolDeveloper,
			DisplayName:    "Tool Developer",
			Order:          5,
			ParallelGroup:  DeveloperManagerGroup,
			RequiredInputs: []string{StageAgentDesigner},
			Produces:       []string{"tools"},
		},
		{
			Name:           StagePromptEngineer,
			DisplayName:    "Prompt Engineer",
			Order:          5,
			ParallelGroup:  DeveloperManagerGroup,
			RequiredInputs: []string{StageAgentDesigner},
			Produces:       []string{"prompt"},
		},
		{
			Name:           StageAgentCodeDeveloper,
			DisplayName:    "Agent Code Developer",
			Order:          5,
			ParallelGroup:  DeveloperManagerGroup,
			RequiredInputs: []string{StageAgentDesigner},
			Produces:       []string{"agent_code"},
		},
		{
			Name:           StageAgentDeveloperManager,
			DisplayName:    "Agent Developer Manager",
			Order:          5,
			RequiredInputs: []string{StageToolDeveloper, StagePromptEngineer, StageAgentCodeDeveloper},
			Produces:       []string{"agent_record"},
			SubStages:      []string{StageToolDeveloper, StagePromptEngineer, StageAgentCodeDeveloper},
		},
		{
			Name:           StageAgentDeployer,
			DisplayName:    "Agent Deployer",
			Order:          6,
			RequiredInputs: []string{StageAgentDeveloperManager},
			Produces:       []string{"deployment"},
			Optional:       true,
		},
	}

	byName := make(map[string]*StageDef, len(defs))
	for i := range defs {
		byName[defs[i].Name] = &defs[i]
	}
	return &Registry{defs: defs, byName: byName}
}

// Stages returns the catalog in execution order. Sub-stages precede their
// synchronization stage.
func (r *Registry) Stages() []StageDef {
	out := make([]StageDef, len(r.defs))
	copy(out, r.defs)
	return out
}

// Lookup returns the definition for a stage name.
func (r *Registry) Lookup(name string) (*StageDef, error) {
	def, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", name)
	}
	return def, nil
}

// Has reports whether name is a known stage (sub-stages included).
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// IsSubStage reports whether name belongs to a parallel group.
func (r *Registry) IsSubStage(name string) bool {
	def, ok := r.byName[name]
	return ok && def.ParallelGroup != ""
}

// InitialSnapshot builds the pending stage snapshot for a new project.
// When deployment is disabled the deployer stage is recorded as skipped so
// the completed-implies-all-done invariant holds without it.
func (r *Registry) InitialSnapshot(deploymentEnabled bool) []models.StageSnapshot {
	out := make([]models.StageSnapshot, 0, len(r.defs))
	for _, def := range r.defs {
		status := models.StageStatusPending
		if def.Optional && !deploymentEnabled {
			status = models.StageStatusSkipped
		}
		out = append(out, models.StageSnapshot{
			StageName:     def.Name,
			StageNumber:   def.Order,
			DisplayName:   def.DisplayName,
			ParallelGroup: def.ParallelGroup,
			Status:        status,
		})
	}
	return out
}

// Next returns the names of the next stage(s) eligible to run given the
// snapshot: the first non-terminal stage in catalog order. When that stage
// belongs to the developer-manager group, all pending stages of the group
// are returned together for fan-out.
func (r *Registry) Next(stages []models.StageSnapshot) []string {
	byName := make(map[string]models.StageStatus, len(stages))
	for i := range stages {
		byName[stages[i].StageName] = stages[i].Status
	}

	for _, def := range r.defs {
		status, ok := byName[def.Name]
		if !ok || status.IsTerminal() {
			continue
		}
		if def.ParallelGroup == "" {
			return []string{def.Name}
		}
		// Fan out every pending member of the group together.
		var group []string
		for _, d := range r.defs {
			if d.ParallelGroup == def.ParallelGroup && !byName[d.Name].IsTerminal() {
				group = append(group, d.Name)
			}
		}
		return group
	}
	return nil
}

// ResetFrom marks fromStage and, when clearSubsequent is set, every later
// stage back to pending. Resetting any developer-manager sub-stage also
// resets its synchronization stage. It returns the names of stages reset.
func (r *Registry) ResetFrom(stages []models.StageSnapshot, fromStage string, clearSubsequent bool) ([]string, error) {
	from, err := r.Lookup(fromStage)
	if err != nil {
		return nil, err
	}

	resetSet := map[string]bool{from.Name: true}
	if clearSubsequent {
		for _, def := range r.defs {
			if def.Order > from.Order {
				resetSet[def.Name] = true
			}
			// Same order, later in catalog: the sync stage after its group.
			if def.Order == from.Order && def.Name != from.Name && from.ParallelGroup != "" && def.ParallelGroup == "" {
				resetSet[def.Name] = true
			}
		}
	} else if from.ParallelGroup != "" {
		// Re-running a sub-stage alone still requires its fan-in to re-run.
		resetSet[StageAgentDeveloperManager] = true
	}

	var reset []string
	for i := range stages {
		s := &stages[i]
		if !resetSet[s.StageName] {
			continue
		}
		def := r.byName[s.StageName]
		if def.Optional && s.Status == models.StageStatusSkipped {
			continue // skipped-by-config stages stay skipped
		}
		s.Status = models.StageStatusPending
		s.StartedAt = nil
		s.CompletedAt = nil
		s.DurationSeconds = 0
		s.InputTokens = 0
		s.OutputTokens = 0
		s.ToolCalls = 0
		s.OutputData = nil
		s.ErrorMessage = ""
		s.Logs = nil
		reset = append(reset, s.StageName)
	}
	return reset, nil
}
