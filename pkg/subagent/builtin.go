package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgeworks/foundry/pkg/events"
)

// Scripted returns the deterministic sub-agent bodies used in development
// mode and tests. Each body derives its output from the requirement text
// and prior stage outputs only, so repeated builds are reproducible.
func Scripted() *Registry {
	r := NewRegistry()
	r.Register(&orchestratorBody{})
	r.Register(&requirementsAnalyzerBody{})
	r.Register(&systemArchitectBody{})
	r.Register(&agentDesignerBody{})
	r.Register(&toolDeveloperBody{})
	r.Register(&promptEngineerBody{})
	r.Register(&agentCodeDeveloperBody{})
	r.Register(&developerManagerBody{})
	r.Register(&agentDeployerBody{})
	return r
}

// requireOutputs fails Prepare when a prior stage's output is missing.
func requireOutputs(rc *RunContext, stages ...string) error {
	for _, s := range stages {
		if _, ok := rc.PriorOutputs[s]; !ok {
			return fmt.Errorf("stage %s requires output of %s, which is missing", rc.StageName, s)
		}
	}
	return nil
}

// scriptedMetrics fabricates stable telemetry from the requirement size.
func scriptedMetrics(rc *RunContext, toolCalls int) Metrics {
	in := len(rc.Requirement)/4 + 120
	return Metrics{
		InputTokens:  in,
		OutputTokens: in/2 + 80,
		ToolCalls:    toolCalls,
	}
}

func jsonFile(name string, v any) (File, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return File{}, fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return File{Path: name, Content: append(data, '\n')}, nil
}

// validateJSONFiles checks every .json artifact parses.
func validateJSONFiles(files []File) error {
	for _, f := range files {
		if !strings.HasSuffix(f.Path, ".json") {
			continue
		}
		var v any
		if err := json.Unmarshal(f.Content, &v); err != nil {
			return fmt.Errorf("artifact %s is not valid JSON: %w", f.Path, err)
		}
	}
	return nil
}

// deriveCapabilities extracts capability keywords from the requirement.
func deriveCapabilities(requirement string) []string {
	known := []string{"fetch", "search", "summarize", "forecast", "weather",
		"translate", "monitor", "report", "schedule", "analyze", "notify"}
	lower := strings.ToLower(requirement)
	var out []string
	for _, kw := range known {
		if strings.Contains(lower, kw) {
			out = append(out, kw)
		}
	}
	if len(out) == 0 {
		out = append(out, "assist")
	}
	return out
}

// ────────────────────────────────────────────────────────────
// orchestrator
// ────────────────────────────────────────────────────────────

type orchestratorBody struct{}

func (b *orchestratorBody) Name() string { return "orchestrator" }

func (b *orchestratorBody) Prepare(rc *RunContext) error {
	if strings.TrimSpace(rc.Requirement) == "" {
		return fmt.Errorf("requirement must not be empty")
	}
	return nil
}

func (b *orchestratorBody) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := rc.ProjectName
	if name == "" {
		name = DeriveProjectName(rc.Requirement)
	}
	agentName := rc.AgentName
	if agentName == "" {
		agentName = name
	}

	rc.Emit(events.StageEventText, "Initializing project "+name, "", nil)

	cfg := map[string]any{
		"project_name": name,
		"agent_name":   agentName,
		"requirement":  rc.Requirement,
		"created_at":   time.Now().UTC().Format(time.RFC3339),
	}
	cfgYAML, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal project config: %w", err)
	}

	readme := fmt.Sprintf("# %s\n\nGenerated agent project.\n\n## Requirement\n\n%s\n", name, rc.Requirement)
	reqs := "pyyaml>=6.0\nrequests>=2.31\n"

	rc.Emit(events.StageEventDone, "", "", nil)
	return &Result{
		OutputData: map[string]any{
			"project_name": name,
			"agent_name":   agentName,
		},
		Files: []File{
			{Path: "config.yaml", Content: cfgYAML},
			{Path: "README.md", Content: []byte(readme)},
			{Path: "requirements.txt", Content: []byte(reqs)},
		},
		Metrics: scriptedMetrics(rc, 0),
		Logs:    []string{"project directory initialized"},
	}, nil
}

func (b *orchestratorBody) Validate(files []File) error {
	for _, f := range files {
		if f.Path == "config.yaml" {
			var v map[string]any
			if err := yaml.Unmarshal(f.Content, &v); err != nil {
				return fmt.Errorf("config.yaml is not valid YAML: %w", err)
			}
			return nil
		}
	}
	return fmt.Errorf("orchestrator produced no config.yaml")
}

// ────────────────────────────────────────────────────────────
// requirements_analyzer
// ────────────────────────────────────────────────────────────

type requirementsAnalyzerBody struct{}

func (b *requirementsAnalyzerBody) Name() string { return "requirements_analyzer" }

func (b *requirementsAnalyzerBody) Prepare(rc *RunContext) error {
	return requireOutputs(rc, "orchestrator")
}

func (b *requirementsAnalyzerBody) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caps := deriveCapabilities(rc.Requirement)
	rc.Emit(events.StageEventText, "Analyzing requirement", "", nil)

	analysis := map[string]any{
		"requirement":  rc.Requirement,
		"capabilities": caps,
		"complexity":   "standard",
		"summary":      fmt.Sprintf("Agent with %d capabilities derived from requirement", len(caps)),
	}
	f, err := jsonFile("requirements_analyzer.json", analysis)
	if err != nil {
		return nil, err
	}
	rc.Emit(events.StageEventDone, "", "", nil)
	return &Result{
		OutputData: map[string]any{"capabilities": caps, "complexity": "standard"},
		Files:      []File{f},
		Metrics:    scriptedMetrics(rc, 1),
		Logs:       []string{fmt.Sprintf("derived %d capabilities", len(caps))},
	}, nil
}

func (b *requirementsAnalyzerBody) Validate(files []File) error { return validateJSONFiles(files) }

// ────────────────────────────────────────────────────────────
// system_architect
// ────────────────────────────────────────────────────────────

type systemArchitectBody struct{}

func (b *systemArchitectBody) Name() string { return "system_architect" }

func (b *systemArchitectBody) Prepare(rc *RunContext) error {
	return requireOutputs(rc, "requirements_analyzer")
}

func (b *systemArchitectBody) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc.Emit(events.StageEventText, "Selecting architecture", "", nil)
	arch := map[string]any{
		"pattern": "single_agent",
		"components": []string{
			"agent_core", "tool_layer", "prompt_template",
		},
	}
	f, err := jsonFile("system_architect.json", arch)
	if err != nil {
		return nil, err
	}
	rc.Emit(events.StageEventDone, "", "", nil)
	return &Result{
		OutputData: map[string]any{"pattern": "single_agent"},
		Files:      []File{f},
		Metrics:    scriptedMetrics(rc, 0),
	}, nil
}

func (b *systemArchitectBody) Validate(files []File) error { return validateJSONFiles(files) }

// ────────────────────────────────────────────────────────────
// agent_designer
// ────────────────────────────────────────────────────────────

type agentDesignerBody struct{}

func (b *agentDesignerBody) Name() string { return "agent_designer" }

func (b *agentDesignerBody) Prepare(rc *RunContext) error {
	return requireOutputs(rc, "requirements_analyzer", "system_architect")
}

// designedTools derives deterministic tool names from capabilities.
func designedTools(rc *RunContext) []string {
	caps := deriveCapabilities(rc.Requirement)
	tools := make([]string, 0, len(caps)+1)
	for _, c := range caps {
		tools = append(tools, c+"_tool")
	}
	tools = append(tools, "http_request") // builtin, referenced by name
	return tools
}

func (b *agentDesignerBody) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tools := designedTools(rc)
	rc.Emit(events.StageEventText, "Designing agent interface", "", nil)
	design := map[string]any{
		"agent_name": rc.AgentName,
		"tools":      tools,
		"style":      "conversational",
	}
	f, err := jsonFile("agent_designer.json", design)
	if err != nil {
		return nil, err
	}
	rc.Emit(events.StageEventDone, "", "", nil)
	return &Result{
		OutputData: map[string]any{"tools": tools, "style": "conversational"},
		Files:      []File{f},
		Metrics:    scriptedMetrics(rc, 0),
	}, nil
}

func (b *agentDesignerBody) Validate(files []File) error { return validateJSONFiles(files) }

// ────────────────────────────────────────────────────────────
// tool_developer (parallel sub-stage)
// ────────────────────────────────────────────────────────────

type toolDeveloperBody struct{}

func (b *toolDeveloperBody) Name() string { return "tool_developer" }

func (b *toolDeveloperBody) Prepare(rc *RunContext) error {
	return requireOutputs(rc, "agent_designer")
}

func (b *toolDeveloperBody) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var files []File
	var specs []ToolSpec
	var names []string
	for _, tool := range designedTools(rc) {
		if rc.Tools != nil && rc.Tools.Has(tool) {
			continue // builtin, nothing to generate
		}
		rel := path.Join("core", tool+".py")
		code := fmt.Sprintf("def %s(**kwargs):\n    \"\"\"Generated tool %s.\"\"\"\n    raise NotImplementedError\n", tool, tool)
		files = append(files, File{Path: rel, Content: []byte(code)})
		specs = append(specs, ToolSpec{
			Name:   tool,
			Path:   rel,
			Schema: map[string]any{"type": "object"},
		})
		names = append(names, tool)
		rc.Emit(events.StageEventToolUse, "", "code_writer", map[string]any{"tool": tool})
	}
	rc.Emit(events.StageEventMetrics, "", "", map[string]any{"generated_tools": len(names)})
	rc.Emit(events.StageEventDone, "", "", nil)

	specData := make([]map[string]any, len(specs))
	for i, s := range specs {
		specData[i] = map[string]any{"name": s.Name, "path": s.Path, "schema": s.Schema}
	}
	return &Result{
		OutputData: map[string]any{"tools": names, "tool_specs": specData, "module": "core"},
		Files:      files,
		Metrics:    scriptedMetrics(rc, len(names)),
		Logs:       []string{fmt.Sprintf("generated %d tools", len(names))},
	}, nil
}

func (b *toolDeveloperBody) Validate(files []File) error {
	for _, f := range files {
		if !strings.HasSuffix(f.Path, ".py") {
			return fmt.Errorf("tool developer produced non-python artifact %s", f.Path)
		}
		if !strings.Contains(string(f.Content), "def ") {
			return fmt.Errorf("tool artifact %s contains no function definition", f.Path)
		}
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// prompt_engineer (parallel sub-stage)
// ────────────────────────────────────────────────────────────

type promptEngineerBody struct{}

func (b *promptEngineerBody) Name() string { return "prompt_engineer" }

func (b *promptEngineerBody) Prepare(rc *RunContext) error {
	return requireOutputs(rc, "agent_designer")
}

func (b *promptEngineerBody) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc.Emit(events.StageEventText, "Writing system prompt", "", nil)
	doc := map[string]any{
		"name":          rc.AgentName,
		"description":   "Generated agent for: " + rc.Requirement,
		"system_prompt": fmt.Sprintf("You are %s. %s", rc.AgentName, rc.Requirement),
		"capabilities":  deriveCapabilities(rc.Requirement),
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prompt: %w", err)
	}
	rel := rc.AgentName + ".yaml"
	rc.Emit(events.StageEventDone, "", "", nil)
	return &Result{
		OutputData: map[string]any{"prompt_file": rel},
		Files:      []File{{Path: rel, Content: data}},
		Metrics:    scriptedMetrics(rc, 0),
	}, nil
}

func (b *promptEngineerBody) Validate(files []File) error {
	if len(files) == 0 {
		return fmt.Errorf("prompt engineer produced no prompt file")
	}
	for _, f := range files {
		var v map[string]any
		if err := yaml.Unmarshal(f.Content, &v); err != nil {
			return fmt.Errorf("prompt %s is not valid YAML: %w", f.Path, err)
		}
		if v["system_prompt"] == nil || v["system_prompt"] == "" {
			return fmt.Errorf("prompt %s has no system_prompt", f.Path)
		}
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// agent_code_developer (parallel sub-stage)
// ────────────────────────────────────────────────────────────

type agentCodeDeveloperBody struct{}

func (b *agentCodeDeveloperBody) Name() string { return "agent_code_developer" }

func (b *agentCodeDeveloperBody) Prepare(rc *RunContext) error {
	return requireOutputs(rc, "agent_designer")
}

func (b *agentCodeDeveloperBody) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tools := designedTools(rc)
	rc.Emit(events.StageEventText, "Generating agent entrypoint", "", nil)

	var sb strings.Builder
	fmt.Fprintf(&sb, "\"\"\"Generated agent: %s.\"\"\"\n\n", rc.AgentName)
	sb.WriteString("TOOLS = [\n")
	for _, t := range tools {
		fmt.Fprintf(&sb, "    %q,\n", t)
	}
	sb.WriteString("]\n\n\ndef main(message):\n    \"\"\"Entry point.\"\"\"\n    raise NotImplementedError\n")

	rel := rc.AgentName + ".py"
	rc.Emit(events.StageEventDone, "", "", nil)
	return &Result{
		OutputData: map[string]any{
			"code_file":        rel,
			"references_tools": tools,
		},
		Files:   []File{{Path: rel, Content: []byte(sb.String())}},
		Metrics: scriptedMetrics(rc, 2),
	}, nil
}

func (b *agentCodeDeveloperBody) Validate(files []File) error {
	if len(files) == 0 {
		return fmt.Errorf("agent code developer produced no code file")
	}
	for _, f := range files {
		if !strings.Contains(string(f.Content), "def main") {
			return fmt.Errorf("agent code %s has no main entry point", f.Path)
		}
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// agent_developer_manager (fan-in synchronization)
// ────────────────────────────────────────────────────────────

type developerManagerBody struct{}

func (b *developerManagerBody) Name() string { return "agent_developer_manager" }

func (b *developerManagerBody) Prepare(rc *RunContext) error {
	return requireOutputs(rc, "tool_developer", "prompt_engineer", "agent_code_developer")
}

// Run registers the generated tools, resolves every tool reference from
// the agent code against the typed registry, and writes the per-stage
// record files under the project's agent directory.
func (b *developerManagerBody) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	toolsOut := rc.PriorOutputs["tool_developer"]
	codeOut := rc.PriorOutputs["agent_code_developer"]
	promptOut := rc.PriorOutputs["prompt_engineer"]

	// Register generated tools into the build's typed registry.
	if rc.Tools != nil {
		for _, raw := range anySlice(toolsOut["tool_specs"]) {
			specMap, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			spec := ToolSpec{
				Name: asString(specMap["name"]),
				Path: asString(specMap["path"]),
			}
			if schema, ok := specMap["schema"].(map[string]any); ok {
				spec.Schema = schema
			}
			if err := rc.Tools.Register(spec); err != nil {
				return nil, fmt.Errorf("tool registration failed: %w", err)
			}
		}
	}

	// Every tool the agent code references must resolve by name.
	var unknown []string
	for _, raw := range anySlice(codeOut["references_tools"]) {
		name := asString(raw)
		if name == "" {
			continue
		}
		if rc.Tools != nil && !rc.Tools.Has(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("agent code references unknown tools: %s", strings.Join(unknown, ", "))
	}

	rc.Emit(events.StageEventText, "Synchronizing developer outputs", "", nil)

	var files []File
	for name, out := range map[string]map[string]any{
		"tools_developer.json":         toolsOut,
		"prompt_engineer.json":         promptOut,
		"agent_code_developer.json":    codeOut,
		"agent_developer_manager.json": {"status": "synchronized", "agent_name": rc.AgentName},
	} {
		f, err := jsonFile(name, out)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	rc.Emit(events.StageEventDone, "", "", nil)
	return &Result{
		OutputData: map[string]any{
			"agent_name":   rc.AgentName,
			"capabilities": deriveCapabilities(rc.Requirement),
			"tools":        codeOut["references_tools"],
			"prompt_file":  promptOut["prompt_file"],
			"code_file":    codeOut["code_file"],
		},
		Files:   files,
		Metrics: scriptedMetrics(rc, 1),
		Logs:    []string{"fan-in synchronized, tool references resolved"},
	}, nil
}

func (b *developerManagerBody) Validate(files []File) error { return validateJSONFiles(files) }

// ────────────────────────────────────────────────────────────
// agent_deployer (optional)
// ────────────────────────────────────────────────────────────

type agentDeployerBody struct{}

func (b *agentDeployerBody) Name() string { return "agent_deployer" }

func (b *agentDeployerBody) Prepare(rc *RunContext) error {
	return requireOutputs(rc, "agent_developer_manager")
}

func (b *agentDeployerBody) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc.Emit(events.StageEventText, "Deploying agent locally", "", nil)
	record := map[string]any{
		"agent_name":      rc.AgentName,
		"deployment_type": "local",
		"deployed_at":     time.Now().UTC().Format(time.RFC3339),
	}
	f, err := jsonFile("deployment.json", record)
	if err != nil {
		return nil, err
	}
	rc.Emit(events.StageEventDone, "", "", nil)
	return &Result{
		OutputData: map[string]any{"deployment_type": "local", "endpoint": "local://" + rc.AgentName},
		Files:      []File{f},
		Metrics:    scriptedMetrics(rc, 1),
	}, nil
}

func (b *agentDeployerBody) Validate(files []File) error { return validateJSONFiles(files) }

// ────────────────────────────────────────────────────────────
// small conversion helpers for output_data maps
// ────────────────────────────────────────────────────────────

func anySlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	case []map[string]any:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
