// Package orchestrator drives an agent through a conversation. Each model turn
// is submitted to the provider selector; plain text ends the run, while tool
// calls are dispatched one after another to the tool invoker or, for
// delegation tools, to the delegation bridge. Every transition is reported on
// the run's event stream.
//
// Lifecycle of one run:
//
//	idle -> planning -> (tool_executing | delegating)* -> planning ... -> responding -> done
//
// Any unrecoverable failure moves the run to error. Cancellation closes the
// tool call in flight with a cancelled result before the run returns.
package orchestrator

import (
	"context"
	"time"

	"github.com/hupe1980/researchmail/agent"
	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/delegation"
	"github.com/hupe1980/researchmail/logging"
	"github.com/hupe1980/researchmail/model"
	"github.com/hupe1980/researchmail/tool"
)

// State is the orchestrator's position within a run.
type State string

// Run states.
const (
	StateIdle          State = "idle"
	StatePlanning      State = "planning"
	StateToolExecuting State = "tool_executing"
	StateDelegating    State = "delegating"
	StateResponding    State = "responding"
	StateDone          State = "done"
	StateError         State = "error"
)

// Generator produces one model response per call, passing streamed text to
// onDelta. *provider.Selector implements it.
type Generator interface {
	Generate(ctx context.Context, req model.Request, onDelta func(string)) (model.Response, error)
}

// Options configures an Orchestrator.
type Options struct {
	// MaxTurns is the default model turn budget of a root run (default 10).
	// Agents may override it.
	MaxTurns int
	// Invoker executes ordinary tools. A default invoker is used when nil.
	Invoker *tool.Invoker
	// Bridge executes delegation tools. A default bridge is used when nil.
	Bridge *delegation.Bridge
	// Grace bounds the delivery of closing events after cancellation.
	Grace  time.Duration
	Logger logging.Logger
	// Now is the clock handed to dynamic instructions.
	Now func() time.Time
}

// Orchestrator runs agents. It holds no per-conversation state, so one
// instance serves any number of concurrent conversations.
type Orchestrator struct {
	gen  Generator
	opts Options
}

// New creates an Orchestrator generating model turns with gen.
func New(gen Generator, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		MaxTurns: 10,
		Grace:    time.Second,
		Logger:   logging.NoOpLogger{},
		Now:      time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	if opts.Invoker == nil {
		opts.Invoker = tool.NewInvoker(func(o *tool.InvokerOptions) { o.Logger = opts.Logger })
	}

	if opts.Bridge == nil {
		opts.Bridge = delegation.NewBridge(func(o *delegation.Options) { o.Logger = opts.Logger })
	}

	return &Orchestrator{gen: gen, opts: opts}
}

// Invocation is one run of an agent on a conversation.
type Invocation struct {
	Agent        *agent.Agent
	Conversation *core.Conversation
	// Input becomes a user turn. An empty input continues the conversation.
	Input   string
	Emitter *core.Emitter
	// Limiter is the run's turn budget. When nil a limiter sized by the
	// agent (or the orchestrator default) is used.
	Limiter *core.TurnLimiter
}

// Run executes inv until the agent answers with plain text, which is
// returned. The caller owns the stream and sends the terminal event.
func (o *Orchestrator) Run(ctx context.Context, inv Invocation) (string, error) {
	if inv.Agent == nil || inv.Conversation == nil {
		return "", core.Errorf(core.KindInternal, "orchestrator: agent and conversation are required")
	}

	limiter := inv.Limiter
	if limiter == nil {
		max := inv.Agent.MaxTurns()
		if max == 0 {
			max = o.opts.MaxTurns
		}

		limiter = core.NewTurnLimiter(max)
	}

	r := &run{o: o, inv: inv, limiter: limiter, state: StateIdle}

	answer, err := r.execute(ctx)
	if err != nil {
		r.transition(StateError)
		o.opts.Logger.Warn("orchestrator.run.failed",
			"conversation_id", inv.Conversation.ID(),
			"agent", inv.Agent.Name(),
			"kind", core.KindOf(err),
			"error", core.SafeMessage(err),
		)

		return "", err
	}

	r.transition(StateDone)

	return answer, nil
}

// run carries the mutable state of one Run call.
type run struct {
	o       *Orchestrator
	inv     Invocation
	limiter *core.TurnLimiter
	state   State
}

func (r *run) transition(to State) {
	if r.state == to {
		return
	}

	r.o.opts.Logger.Debug("orchestrator.state",
		"conversation_id", r.inv.Conversation.ID(),
		"agent", r.inv.Agent.Name(),
		"from", r.state,
		"to", to,
	)

	r.state = to
}

func (r *run) execute(ctx context.Context) (string, error) {
	conv, ag := r.inv.Conversation, r.inv.Agent

	if err := ctx.Err(); err != nil {
		return "", cancelled(err)
	}

	if r.inv.Input != "" {
		if err := conv.Append(core.Turn{Role: core.RoleUser, Content: r.inv.Input}); err != nil {
			return "", err
		}
	}

	instructions, err := ag.Instruction().Resolve(agent.InstructionContext{
		Agent:          ag.Name(),
		ConversationID: conv.ID(),
		Dependencies:   conv.Dependencies(),
		Now:            r.o.opts.Now(),
	})
	if err != nil {
		return "", core.NewError(core.KindInternal, "resolve instructions", err)
	}

	for {
		if err := r.limiter.Consume(); err != nil {
			return "", err
		}

		r.transition(StatePlanning)

		resp, streamed, err := r.generate(ctx, instructions)
		if err != nil {
			if ctx.Err() != nil {
				return "", cancelled(ctx.Err())
			}

			return "", err
		}

		calls := normalizeCalls(resp.ToolCalls)

		if err := conv.Append(core.Turn{Role: core.RoleModel, Agent: ag.Name(), Content: resp.Text, ToolCalls: calls}); err != nil {
			return "", err
		}

		if !streamed && resp.Text != "" {
			if err := r.inv.Emitter.Emit(ctx, core.NewDeltaEvent(resp.Text)); err != nil {
				return "", r.abandon(calls, err)
			}
		}

		if len(calls) == 0 {
			r.transition(StateResponding)
			return resp.Text, nil
		}

		for i, call := range calls {
			if err := r.dispatch(ctx, call); err != nil {
				return "", r.abandon(calls[i+1:], err)
			}
		}
	}
}

// generate runs one model turn, forwarding streamed text as delta events.
func (r *run) generate(ctx context.Context, instructions string) (model.Response, bool, error) {
	streamed := false

	req := model.Request{
		Instructions: instructions,
		Turns:        r.inv.Conversation.Turns(),
		Tools:        r.inv.Agent.Tools(),
		Stream:       true,
	}

	resp, err := r.o.gen.Generate(ctx, req, func(delta string) {
		streamed = true

		if err := r.inv.Emitter.Emit(ctx, core.NewDeltaEvent(delta)); err != nil {
			r.o.opts.Logger.Debug("orchestrator.delta_dropped", "conversation_id", r.inv.Conversation.ID(), "error", err)
		}
	})

	return resp, streamed, err
}

// dispatch executes one tool call and records its result. It returns a
// cancelled error when the run was cancelled; tool failures are results, not
// errors.
func (r *run) dispatch(ctx context.Context, call core.ToolCall) error {
	conv, ag := r.inv.Conversation, r.inv.Agent

	if err := r.inv.Emitter.Emit(ctx, core.NewToolCallStartedEvent(call)); err != nil {
		return r.abandon([]core.ToolCall{call}, err)
	}

	var result core.ToolResult

	spec, lookupErr := ag.Registry().Lookup(call.Name)
	if lookupErr == nil && spec.Kind == tool.KindDelegate {
		r.transition(StateDelegating)
		result = r.delegate(ctx, call)
	} else {
		r.transition(StateToolExecuting)
		result = r.o.opts.Invoker.Invoke(ctx, ag.Registry(), tool.Call{
			ToolCall:       call,
			ConversationID: conv.ID(),
			Agent:          ag.Name(),
			Dependencies:   conv.Dependencies(),
		})
	}

	if err := conv.Append(core.Turn{Role: core.RoleTool, Agent: ag.Name(), Result: &result}); err != nil {
		return err
	}

	closeCtx, cancel := r.closing(ctx)
	defer cancel()

	if err := r.inv.Emitter.Emit(closeCtx, core.NewToolCallFinishedEvent(call, result)); err != nil {
		r.o.opts.Logger.Warn("orchestrator.finish_event_dropped", "conversation_id", conv.ID(), "call_id", call.ID, "error", err)
	}

	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	return nil
}

func (r *run) delegate(ctx context.Context, call core.ToolCall) core.ToolResult {
	target, ok := r.inv.Agent.Delegate(call.Name)
	if !ok {
		return core.ToolResult{
			CallID: call.ID,
			Name:   call.Name,
			Error:  core.RecordOf(core.Errorf(core.KindInternal, "no delegation target for %q", call.Name)),
		}
	}

	return r.o.opts.Bridge.Delegate(ctx, delegation.Request{
		Call:         call,
		Dependencies: r.inv.Conversation.Dependencies(),
		Emitter:      r.inv.Emitter,
		Target:       target.Name(),
		Runner:       r.o.nested(target),
	})
}

// nested runs target on the bridge's nested conversation with the same
// orchestrator.
func (o *Orchestrator) nested(target *agent.Agent) delegation.Runner {
	return delegation.RunnerFunc(func(ctx context.Context, n delegation.Nested) (string, error) {
		return o.Run(ctx, Invocation{
			Agent:        target,
			Conversation: n.Conversation,
			Input:        n.Input,
			Emitter:      n.Emitter,
			Limiter:      n.Limiter,
		})
	})
}

// abandon answers calls that will never run with a cancelled result so the
// conversation stays well formed. err is returned unchanged; emitter errors
// are already classified.
func (r *run) abandon(calls []core.ToolCall, err error) error {
	for _, call := range calls {
		res := core.ToolResult{
			CallID: call.ID,
			Name:   call.Name,
			Error:  &core.ErrorRecord{Kind: core.KindCancelled, Message: "tool call cancelled"},
		}

		if aerr := r.inv.Conversation.Append(core.Turn{Role: core.RoleTool, Agent: r.inv.Agent.Name(), Result: &res}); aerr != nil {
			r.o.opts.Logger.Warn("orchestrator.abandon_failed", "conversation_id", r.inv.Conversation.ID(), "call_id", call.ID, "error", aerr)
		}
	}

	return err
}

func (r *run) closing(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.o.opts.Grace)
}

// normalizeCalls gives every call an id and drops duplicates of ids already
// seen in the same response.
func normalizeCalls(calls []core.ToolCall) []core.ToolCall {
	if len(calls) == 0 {
		return nil
	}

	out := make([]core.ToolCall, 0, len(calls))
	seen := make(map[string]bool, len(calls))

	for _, c := range calls {
		if c.ID == "" || seen[c.ID] {
			c.ID = core.NewID()
		}

		seen[c.ID] = true
		out = append(out, c)
	}

	return out
}

func cancelled(err error) error {
	return core.NewError(core.KindCancelled, "operation cancelled", err)
}
