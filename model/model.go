package model

import (
	"context"
	"strings"

	"github.com/hupe1980/researchmail/core"
)

// ToolDefinition declaratively exposes a callable tool to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input built by the orchestrator.
type Request struct {
	Instructions string           `json:"instructions"`
	Turns        []core.Turn      `json:"turns"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model. Partial chunks
// carry a text delta; the final chunk carries the full text and all tool calls.
type Response struct {
	ID           string          `json:"id"`
	Partial      bool            `json:"partial"`
	Text         string          `json:"text,omitempty"`
	ToolCalls    []core.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage     `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "scripted", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required to drive generation. Generate
// emits zero or more partial responses followed by exactly one final
// response, or an error.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Collect drains a Generate call. Partial text is passed to onDelta as it
// arrives; the final response is returned. If the backend produced no final
// chunk the streamed text is assembled into one.
func Collect(ctx context.Context, m Model, req Request, onDelta func(string)) (Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var (
		final    *Response
		streamed strings.Builder
	)

	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if r.Partial {
				if r.Text != "" {
					streamed.WriteString(r.Text)
					if onDelta != nil {
						onDelta(r.Text)
					}
				}
				continue
			}
			rr := r
			final = &rr
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return Response{}, err
			}
		}
	}

	if final == nil {
		if streamed.Len() == 0 {
			return Response{}, core.Errorf(core.KindProviderUnavailable, "model returned no response")
		}
		return Response{Text: streamed.String(), FinishReason: "stop"}, nil
	}

	return *final, nil
}
