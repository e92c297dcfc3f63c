package core

import (
	"time"
)

// EventType enumerates the kinds of progress events a run emits.
type EventType string

const (
	// EventTurnDelta carries a fragment of streamed model text.
	EventTurnDelta EventType = "turn-delta"
	// EventToolCallStarted is emitted before a tool call is dispatched.
	EventToolCallStarted EventType = "tool-call-started"
	// EventToolCallFinished is emitted with the final result of a tool call.
	EventToolCallFinished EventType = "tool-call-finished"
	// EventDelegationStarted opens a nested conversation span.
	EventDelegationStarted EventType = "delegation-started"
	// EventDelegationFinished closes a nested conversation span.
	EventDelegationFinished EventType = "delegation-finished"
	// EventError terminates a stream with a failure.
	EventError EventType = "error"
	// EventDone terminates a stream with the final answer.
	EventDone EventType = "done"
)

// Terminal reports whether events of this type end a stream.
func (t EventType) Terminal() bool { return t == EventDone || t == EventError }

// DelegationInfo describes a nested conversation in delegation events.
type DelegationInfo struct {
	Target               string       `json:"target"`
	NestedConversationID string       `json:"nested_conversation_id"`
	Answer               string       `json:"answer,omitempty"`
	Artifacts            []string     `json:"artifacts,omitempty"`
	Error                *ErrorRecord `json:"error,omitempty"`
}

// Event is one entry of a run's progress feed. After emission it should be
// treated as immutable. Seq strictly increases within one stream, including
// events forwarded from nested conversations, which carry their own
// ConversationID and a larger Depth.
type Event struct {
	Seq            uint64          `json:"seq"`
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Agent          string          `json:"agent,omitempty"`
	Depth          int             `json:"depth"`
	Timestamp      time.Time       `json:"timestamp"`
	Delta          string          `json:"delta,omitempty"`
	ToolCall       *ToolCall       `json:"tool_call,omitempty"`
	Result         *ToolResult     `json:"result,omitempty"`
	Delegation     *DelegationInfo `json:"delegation,omitempty"`
	Error          *ErrorRecord    `json:"error,omitempty"`
	Answer         string          `json:"answer,omitempty"`
}

// NewDeltaEvent creates a turn-delta event.
func NewDeltaEvent(delta string) Event {
	return Event{Type: EventTurnDelta, Delta: delta}
}

// NewToolCallStartedEvent creates a tool-call-started event.
func NewToolCallStartedEvent(call ToolCall) Event {
	return Event{Type: EventToolCallStarted, ToolCall: &call}
}

// NewToolCallFinishedEvent creates a tool-call-finished event.
func NewToolCallFinishedEvent(call ToolCall, result ToolResult) Event {
	return Event{Type: EventToolCallFinished, ToolCall: &call, Result: &result}
}

// NewErrorEvent creates a terminal error event with a safe message.
func NewErrorEvent(err error) Event {
	return Event{Type: EventError, Error: RecordOf(err)}
}

// NewDoneEvent creates a terminal done event.
func NewDoneEvent(answer string) Event {
	return Event{Type: EventDone, Answer: answer}
}

// NewDelegationStartedEvent creates a delegation-started event.
func NewDelegationStartedEvent(info DelegationInfo) Event {
	return Event{Type: EventDelegationStarted, Delegation: &info}
}

// NewDelegationFinishedEvent creates a delegation-finished event.
func NewDelegationFinishedEvent(info DelegationInfo) Event {
	return Event{Type: EventDelegationFinished, Delegation: &info}
}
