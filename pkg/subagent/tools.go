package subagent

import (
	"fmt"
	"sort"
	"sync"
)

// ToolSpec declares one tool: its stable name, the module path of its
// implementation file, and its input schema. Agents reference tools by
// name only; resolution happens at validation time, never at runtime.
type ToolSpec struct {
	Name   string         `json:"name"`
	Path   string         `json:"path"`
	Schema map[string]any `json:"schema,omitempty"`
}

// ToolRegistry is the typed tool catalog for one build. Generated tools
// register themselves as the tool-developer stage commits; unknown names
// referenced by agent code surface as validation errors at fan-in.
type ToolRegistry struct {
	mu     sync.RWMutex
	byName map[string]ToolSpec
}

// NewToolRegistry creates a registry seeded with the builtin tools every
// generated agent may reference.
func NewToolRegistry() *ToolRegistry {
	r := &ToolRegistry{byName: make(map[string]ToolSpec)}
	for _, spec := range builtinTools() {
		r.byName[spec.Name] = spec
	}
	return r
}

// builtinTools are available to all generated agents without generation.
func builtinTools() []ToolSpec {
	return []ToolSpec{
		{Name: "http_request", Path: "builtin/http_request.py", Schema: map[string]any{
			"type": "object", "required": []any{"url"},
		}},
		{Name: "read_file", Path: "builtin/read_file.py", Schema: map[string]any{
			"type": "object", "required": []any{"path"},
		}},
		{Name: "write_file", Path: "builtin/write_file.py", Schema: map[string]any{
			"type": "object", "required": []any{"path", "content"},
		}},
	}
}

// Register adds a tool. Re-registering an existing name fails: tool names
// are stable identifiers.
func (r *ToolRegistry) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[spec.Name]; ok {
		return fmt.Errorf("tool %q already registered", spec.Name)
	}
	r.byName[spec.Name] = spec
	return nil
}

// Lookup resolves a tool by name.
func (r *ToolRegistry) Lookup(name string) (ToolSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.byName[name]
	if !ok {
		return ToolSpec{}, fmt.Errorf("unknown tool %q", name)
	}
	return spec, nil
}

// Has reports whether a tool name resolves.
func (r *ToolRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
