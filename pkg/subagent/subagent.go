// Package subagent defines the contract between the pipeline and the
// specialized sub-agent bodies. Each stage body is a strategy object
// implementing Prepare/Run/Validate; the stage executor is oblivious to
// which implementation is behind the interface. A deterministic scripted
// implementation ships for development mode and tests.
package subagent

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgeworks/foundry/pkg/events"
)

// File is one artifact produced by a run, relative to the stage's prefix.
type File struct {
	Path    string
	Content []byte
}

// Metrics is the telemetry a sub-agent body reports for one run.
type Metrics struct {
	InputTokens  int
	OutputTokens int
	ToolCalls    int
}

// RunContext carries everything a strategy needs for one invocation.
// There is no ambient state: the executor threads this through every call.
type RunContext struct {
	ProjectID   string
	ProjectName string
	AgentName   string
	Requirement string
	StageName   string

	// PriorOutputs maps completed stage names to their output_data.
	PriorOutputs map[string]map[string]any

	// Tools is the build-scoped typed tool registry.
	Tools *ToolRegistry

	// Publisher receives the run's StageEvent sequence. May be nil.
	Publisher events.Publisher
}

// Emit publishes a stage event. Nil-safe on Publisher.
func (rc *RunContext) Emit(kind events.StageEventKind, text, toolName string, data map[string]any) {
	if rc.Publisher == nil {
		return
	}
	rc.Publisher.PublishStageEvent(rc.ProjectID, events.StageEventPayload{
		StageName: rc.StageName,
		Kind:      kind,
		Text:      text,
		ToolName:  toolName,
		Data:      data,
	})
}

// Result is what a strategy returns from Run.
type Result struct {
	OutputData map[string]any
	Files      []File
	Metrics    Metrics
	Logs       []string
}

// Strategy is one sub-agent body. Prepare checks inputs, Run produces the
// result, Validate checks the produced artifacts before commit.
type Strategy interface {
	Name() string
	Prepare(rc *RunContext) error
	Run(ctx context.Context, rc *RunContext) (*Result, error)
	Validate(files []File) error
}

// Factory resolves the strategy for a stage name.
type Factory interface {
	Strategy(stageName string) (Strategy, error)
}

// Registry is a Factory backed by a name map. Strategies declare
// themselves at startup; unknown names are validation errors.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds or replaces a strategy under its own name.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Strategy implements Factory.
func (r *Registry) Strategy(stageName string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[stageName]
	if !ok {
		return nil, fmt.Errorf("no sub-agent strategy registered for stage %q", stageName)
	}
	return s, nil
}
