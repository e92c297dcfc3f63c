package model

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/researchmail/core"
)

// Step is one scripted model reply.
type Step struct {
	// Deltas are streamed as partial responses before the final one. When
	// empty and Text is set, the final response is the only chunk.
	Deltas    []string
	Text      string
	ToolCalls []core.ToolCall
	// Err fails the step after any Deltas were streamed.
	Err error
	// Delay blocks before replying, honoring cancellation.
	Delay time.Duration
}

// Reply is shorthand for a text-only step.
func Reply(text string) Step { return Step{Text: text} }

// Call is shorthand for a step issuing a single tool call.
func Call(id, name, args string) Step {
	return Step{ToolCalls: []core.ToolCall{{ID: id, Name: name, Arguments: []byte(args)}}}
}

// Fail is shorthand for a failing step.
func Fail(err error) Step { return Step{Err: err} }

// ScriptedModel is a deterministic in‑memory Model useful for tests and
// offline demos. Each Generate call consumes the next Step; the requests it
// saw are recorded.
type ScriptedModel struct {
	info Info

	mu       sync.Mutex
	steps    []Step
	requests []Request
}

// NewScriptedModel constructs a ScriptedModel replaying steps in order.
func NewScriptedModel(name string, steps ...Step) *ScriptedModel {
	return &ScriptedModel{
		info:  Info{Name: name, Provider: "scripted", SupportsTools: true},
		steps: steps,
	}
}

// Push appends further steps.
func (m *ScriptedModel) Push(steps ...Step) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.steps = append(m.steps, steps...)
}

// Requests returns the requests received so far.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Request(nil), m.requests...)
}

// Calls returns how many times Generate was invoked.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.requests)
}

// Generate implements Model.
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)

	var (
		step Step
		ok   bool
	)

	if len(m.steps) > 0 {
		step, m.steps, ok = m.steps[0], m.steps[1:], true
	}
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if !ok {
			errCh <- core.Errorf(core.KindInternal, "scripted model %s has no steps left", m.info.Name)
			return
		}

		if step.Delay > 0 {
			t := time.NewTimer(step.Delay)
			defer t.Stop()

			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-t.C:
			}
		}

		text := step.Text
		if text == "" && len(step.Deltas) > 0 {
			text = strings.Join(step.Deltas, "")
		}

		for _, d := range step.Deltas {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case respCh <- Response{Partial: true, Text: d}:
			}
		}

		if step.Err != nil {
			errCh <- step.Err
			return
		}

		finish := "stop"
		if len(step.ToolCalls) > 0 {
			finish = "tool_calls"
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{Text: text, ToolCalls: step.ToolCalls, FinishReason: finish}:
		}
	}()

	return respCh, errCh
}

// Info implements Model.
func (m *ScriptedModel) Info() Info { return m.info }
