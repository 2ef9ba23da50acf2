// Package artifacts implements the transactional artifact writer: files
// produced by a stage are staged in a scratch area and atomically moved
// into the workspace layout on commit.
package artifacts

import "path/filepath"

// Workspace layout roots. These relative paths are the on-disk contract
// consumed by downstream runtime and deployment services.
const (
	ProjectsRoot        = "projects"
	GeneratedAgentsRoot = "agents/generated_agents"
	PromptsRoot         = "prompts/generated_agents_prompts"
	ToolsRoot           = "tools/generated_tools"
)

// ProjectDir returns the project directory relative to the workspace root.
func ProjectDir(projectName string) string {
	return filepath.Join(ProjectsRoot, projectName)
}

// ProjectAgentDir returns the per-agent stage-output directory inside a
// project: projects/<name>/agents/<agent>.
func ProjectAgentDir(projectName, agentName string) string {
	return filepath.Join(ProjectsRoot, projectName, "agents", agentName)
}

// GeneratedAgentsDir returns agents/generated_agents/<project>.
func GeneratedAgentsDir(projectName string) string {
	return filepath.Join(GeneratedAgentsRoot, projectName)
}

// PromptsDir returns prompts/generated_agents_prompts/<project>.
func PromptsDir(projectName string) string {
	return filepath.Join(PromptsRoot, projectName)
}

// ToolsDir returns tools/generated_tools/<project>.
func ToolsDir(projectName string) string {
	return filepath.Join(ToolsRoot, projectName)
}
