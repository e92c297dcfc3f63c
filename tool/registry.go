package tool

import (
	"fmt"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/credential"
	"github.com/hupe1980/researchmail/model"
)

// Kind is the closed set of tool kinds the orchestrator knows how to dispatch.
type Kind string

const (
	// KindSearch performs a web search.
	KindSearch Kind = "search"
	// KindSummarize condenses search results.
	KindSummarize Kind = "summarize"
	// KindDraft creates an email draft.
	KindDraft Kind = "draft"
	// KindValidate checks email addresses.
	KindValidate Kind = "validate"
	// KindAuthStatus reports the mail credential state.
	KindAuthStatus Kind = "auth_status"
	// KindDelegate hands work to another agent through the delegation bridge.
	KindDelegate Kind = "delegate"
)

// Spec is a registry entry. Delegate specs carry only a declaration; all
// other kinds carry the Tool that implements them.
type Spec struct {
	Kind        Kind
	Name        string
	Description string
	Parameters  map[string]any
	Tool        Tool
	// Credential names the credential the tool needs, if any. Auth failures
	// of credentialed tools trigger one refresh and one retry.
	Credential credential.Kind
}

// SpecFor builds a Spec from a Tool.
func SpecFor(kind Kind, t Tool) Spec {
	return Spec{Kind: kind, Name: t.Name(), Description: t.Description(), Parameters: t.Parameters(), Tool: t}
}

// WithCredential returns a copy of s requiring credential kind c.
func (s Spec) WithCredential(c credential.Kind) Spec {
	s.Credential = c
	return s
}

// Registry is the closed, immutable set of tools an agent may call.
type Registry struct {
	specs map[string]Spec
	order []string
}

// NewRegistry builds a registry. Names must be unique and non-empty.
func NewRegistry(specs ...Spec) (*Registry, error) {
	r := &Registry{specs: make(map[string]Spec, len(specs))}

	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("tool: spec of kind %q has no name", s.Kind)
		}
		if _, dup := r.specs[s.Name]; dup {
			return nil, fmt.Errorf("tool: duplicate tool %q", s.Name)
		}
		if s.Kind != KindDelegate && s.Tool == nil {
			return nil, fmt.Errorf("tool: spec %q has no implementation", s.Name)
		}

		r.specs[s.Name] = s
		r.order = append(r.order, s.Name)
	}

	return r, nil
}

// Lookup returns the spec for name. Unknown names are validation errors.
func (r *Registry) Lookup(name string) (Spec, error) {
	s, ok := r.specs[name]
	if !ok {
		return Spec{}, core.Errorf(core.KindValidation, "unknown tool %q", name)
	}

	return s, nil
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Definitions returns the model declarations in registration order.
func (r *Registry) Definitions() []model.ToolDefinition {
	out := make([]model.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		s := r.specs[name]
		out = append(out, model.ToolDefinition{Name: s.Name, Description: s.Description, Parameters: s.Parameters})
	}

	return out
}
