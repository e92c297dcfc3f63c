package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Role identifies the author of a Turn.
type Role string

const (
	// RoleUser marks user input.
	RoleUser Role = "user"
	// RoleModel marks model output (text and/or tool calls).
	RoleModel Role = "model"
	// RoleTool marks the result of exactly one tool call.
	RoleTool Role = "tool"
)

// ToolCall is a model's request to run a named tool with JSON arguments.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult answers exactly one ToolCall. Either Payload or Error is set.
// Attempts counts the attempts the invoker made; retries never create a new
// call id.
type ToolResult struct {
	CallID   string       `json:"call_id"`
	Name     string       `json:"name"`
	Payload  any          `json:"payload,omitempty"`
	Error    *ErrorRecord `json:"error,omitempty"`
	Attempts int          `json:"attempts"`
}

// OK reports whether the result carries a payload rather than an error.
func (r ToolResult) OK() bool { return r.Error == nil }

// Content renders the result as the text a model reads back.
func (r ToolResult) Content() string {
	if r.Error != nil {
		b, _ := json.Marshal(map[string]any{"success": false, "error": r.Error.Message, "kind": r.Error.Kind})
		return string(b)
	}

	switch v := r.Payload.(type) {
	case nil:
		return "{}"
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Turn is one immutable entry in a Conversation.
type Turn struct {
	Role      Role        `json:"role"`
	Agent     string      `json:"agent,omitempty"`
	Content   string      `json:"content,omitempty"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Result    *ToolResult `json:"result,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Conversation is an append-only ordered list of turns bound to one
// Dependencies bundle. Exactly one orchestrator run writes to a conversation
// at a time; readers get copies. It is safe for concurrent access.
//
// Contract:
//   - every tool turn answers a call issued by an earlier model turn
//   - every call is answered at most once
//   - Turns returns a defensive copy
type Conversation struct {
	id      string
	deps    Dependencies
	created time.Time

	mu       sync.RWMutex
	turns    []Turn
	answered map[string]bool
	issued   map[string]bool
}

// NewConversation creates an empty conversation owning deps.
func NewConversation(deps Dependencies) *Conversation {
	return &Conversation{
		id:       NewID(),
		deps:     deps,
		created:  time.Now().UTC(),
		answered: map[string]bool{},
		issued:   map[string]bool{},
	}
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string { return c.id }

// Dependencies returns the bundle owned by this conversation.
func (c *Conversation) Dependencies() Dependencies { return c.deps }

// Created returns the creation timestamp.
func (c *Conversation) Created() time.Time { return c.created }

// Append adds a turn. Tool turns must answer a pending call of this
// conversation; anything else is rejected with an internal error.
func (c *Conversation) Append(t Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch t.Role {
	case RoleUser:
	case RoleModel:
		seen := make(map[string]bool, len(t.ToolCalls))
		for _, call := range t.ToolCalls {
			if call.ID == "" {
				return Errorf(KindInternal, "tool call %q has no id", call.Name)
			}
			if c.issued[call.ID] || seen[call.ID] {
				return Errorf(KindInternal, "duplicate tool call id %q", call.ID)
			}
			seen[call.ID] = true
		}
	case RoleTool:
		if t.Result == nil {
			return Errorf(KindInternal, "tool turn without result")
		}
		if !c.issued[t.Result.CallID] {
			return Errorf(KindInternal, "result for unknown tool call %q", t.Result.CallID)
		}
		if c.answered[t.Result.CallID] {
			return Errorf(KindInternal, "tool call %q already answered", t.Result.CallID)
		}
	default:
		return Errorf(KindInternal, "unknown role %q", t.Role)
	}

	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	if len(t.ToolCalls) > 0 {
		t.ToolCalls = append([]ToolCall(nil), t.ToolCalls...)
		for _, call := range t.ToolCalls {
			c.issued[call.ID] = true
		}
	}

	if t.Result != nil {
		r := *t.Result
		t.Result = &r
		c.answered[r.CallID] = true
	}

	c.turns = append(c.turns, t)

	return nil
}

// Turns returns a copy of all turns in order.
func (c *Conversation) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Turn, len(c.turns))
	copy(out, c.turns)

	return out
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.turns)
}

// Pending returns issued tool calls that have no result yet, in issue order.
func (c *Conversation) Pending() []ToolCall {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []ToolCall

	for _, t := range c.turns {
		for _, call := range t.ToolCalls {
			if !c.answered[call.ID] {
				out = append(out, call)
			}
		}
	}

	return out
}

// Results returns every tool result recorded so far.
func (c *Conversation) Results() []ToolResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []ToolResult

	for _, t := range c.turns {
		if t.Result != nil {
			out = append(out, *t.Result)
		}
	}

	return out
}

// LastModelText returns the content of the most recent model turn with text.
func (c *Conversation) LastModelText() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Role == RoleModel && c.turns[i].Content != "" {
			return c.turns[i].Content
		}
	}

	return ""
}

// Artifact is implemented by tool payloads that produce an external object,
// such as a mail draft, whose identifier is reported to callers.
type Artifact interface {
	ArtifactID() string
}

// Artifacts returns the identifiers of artifacts produced by successful tool
// results, in order.
func (c *Conversation) Artifacts() []string {
	var out []string

	for _, r := range c.Results() {
		if !r.OK() {
			continue
		}

		if a, ok := r.Payload.(Artifact); ok && a.ArtifactID() != "" {
			out = append(out, a.ArtifactID())
		}
	}

	return out
}
