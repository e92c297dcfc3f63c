package agent

import (
	"fmt"

	"github.com/hupe1980/researchmail/model"
	"github.com/hupe1980/researchmail/tool"
)

// Options configures an Agent.
type Options struct {
	// Delegates maps delegation tool names to the agent they hand work to.
	Delegates map[string]*Agent
	// MaxTurns overrides the orchestrator's turn budget for this agent.
	MaxTurns int
}

// Agent is an immutable agent definition.
type Agent struct {
	name        string
	instruction Instruction
	registry    *tool.Registry
	delegates   map[string]*Agent
	maxTurns    int
}

// New creates an Agent. Every delegate-kind tool in reg must have a target in
// Delegates and every target must be declared by reg.
func New(name string, instruction Instruction, reg *tool.Registry, optFns ...func(o *Options)) (*Agent, error) {
	opts := Options{}

	for _, fn := range optFns {
		fn(&opts)
	}

	if name == "" {
		return nil, fmt.Errorf("agent: name is required")
	}

	if reg == nil {
		return nil, fmt.Errorf("agent %s: registry is required", name)
	}

	delegates := make(map[string]*Agent, len(opts.Delegates))

	for _, toolName := range reg.Names() {
		spec, _ := reg.Lookup(toolName)
		if spec.Kind != tool.KindDelegate {
			continue
		}

		target, ok := opts.Delegates[toolName]
		if !ok || target == nil {
			return nil, fmt.Errorf("agent %s: delegation tool %q has no target", name, toolName)
		}

		delegates[toolName] = target
	}

	if len(delegates) != len(opts.Delegates) {
		return nil, fmt.Errorf("agent %s: delegate targets must match delegation tools", name)
	}

	return &Agent{
		name:        name,
		instruction: instruction,
		registry:    reg,
		delegates:   delegates,
		maxTurns:    opts.MaxTurns,
	}, nil
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.name }

// Instruction returns the agent's instruction.
func (a *Agent) Instruction() Instruction { return a.instruction }

// Registry returns the agent's closed tool registry.
func (a *Agent) Registry() *tool.Registry { return a.registry }

// Tools returns the tool declarations handed to models.
func (a *Agent) Tools() []model.ToolDefinition { return a.registry.Definitions() }

// Delegate returns the target of a delegation tool.
func (a *Agent) Delegate(toolName string) (*Agent, bool) {
	t, ok := a.delegates[toolName]
	return t, ok
}

// MaxTurns returns the agent's turn budget, zero meaning the orchestrator default.
func (a *Agent) MaxTurns() int { return a.maxTurns }
