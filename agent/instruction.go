package agent

import (
	"time"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/internal/util"
)

// InstructionContext is what a dynamic instruction can see.
type InstructionContext struct {
	Agent          string
	ConversationID string
	Dependencies   core.Dependencies
	Now            time.Time
}

// Provider supplies dynamic instruction text at runtime.
type Provider interface {
	Instruction(InstructionContext) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(InstructionContext) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(ic InstructionContext) (string, error) { return f(ic) }

// Instruction represents either a static instruction string or a dynamic provider.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a static string.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(InstructionContext) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// NewInstructionFromTemplate creates an Instruction rendering a text/template
// with the fields agent, date and session.
func NewInstructionFromTemplate(tmpl string) Instruction {
	return NewInstructionFromFunc(func(ic InstructionContext) (string, error) {
		session := ""
		if ic.Dependencies != nil {
			session = ic.Dependencies.Session()
		}

		return util.RenderTemplate(tmpl, map[string]any{
			"agent":   ic.Agent,
			"date":    ic.Now.Format("2006-01-02"),
			"session": session,
		})
	})
}

// IsStatic returns true if the instruction is backed by a static string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve returns the instruction text, invoking the provider if needed.
func (i Instruction) Resolve(ic InstructionContext) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(ic)
	}
	return i.text, nil
}
