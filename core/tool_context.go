package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/hupe1980/researchmail/logging"
)

// ToolContext provides a constrained surface for tool implementations. It
// exposes the conversation's Dependencies, the stable call identity and the
// current attempt number, nothing else of the orchestrator's state.
type ToolContext struct {
	ctx            context.Context
	conversationID string
	callID         string
	agent          string
	attempt        int
	deps           Dependencies

	*loggerAdapter
}

// ToolContextParams bundles the values a ToolContext is built from.
type ToolContextParams struct {
	ConversationID string
	CallID         string
	Agent          string
	Dependencies   Dependencies
	Logger         logging.Logger
}

// NewToolContext constructs a tool context for the first attempt of a call.
func NewToolContext(ctx context.Context, p ToolContextParams) *ToolContext {
	if ctx == nil {
		ctx = context.Background()
	}

	return &ToolContext{
		ctx:            ctx,
		conversationID: p.ConversationID,
		callID:         p.CallID,
		agent:          p.Agent,
		attempt:        1,
		deps:           p.Dependencies,
		loggerAdapter:  newLoggerAdapter(p.Logger),
	}
}

// WithAttempt returns a copy bound to ctx for the given attempt number.
func (tc *ToolContext) WithAttempt(ctx context.Context, attempt int) *ToolContext {
	cp := *tc
	cp.ctx = ctx
	cp.attempt = attempt

	return &cp
}

// Context returns the context associated with the tool invocation.
func (tc *ToolContext) Context() context.Context { return tc.ctx }

// ConversationID returns the conversation the call belongs to.
func (tc *ToolContext) ConversationID() string { return tc.conversationID }

// CallID returns the tool call identifier.
func (tc *ToolContext) CallID() string { return tc.callID }

// AgentName returns the agent that issued the call.
func (tc *ToolContext) AgentName() string { return tc.agent }

// Attempt returns the 1-based attempt number.
func (tc *ToolContext) Attempt() int { return tc.attempt }

// Dependencies returns the conversation's dependency bundle.
func (tc *ToolContext) Dependencies() Dependencies { return tc.deps }

// Logger returns the logger associated with the tool invocation.
func (tc *ToolContext) Logger() logging.Logger { return tc.loggerAdapter.Logger() }

// IdempotencyKey is stable across all attempts of one call. Tools with
// external side effects use it to detect an earlier attempt that succeeded
// remotely but whose answer was lost.
func (tc *ToolContext) IdempotencyKey() string {
	sum := sha256.Sum256([]byte(tc.conversationID + ":" + tc.callID))
	return hex.EncodeToString(sum[:16])
}

// ResearchDependencies returns the research bundle if the conversation owns one.
func (tc *ToolContext) ResearchDependencies() (ResearchDependencies, bool) {
	d, ok := tc.deps.(ResearchDependencies)
	return d, ok
}
