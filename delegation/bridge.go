// Package delegation lets one agent hand a sub-task to another agent. The
// Bridge derives the target's dependencies from the caller's, runs the target
// in a fresh nested conversation that streams into the same event feed, and
// converts the nested outcome into an ordinary tool result.
package delegation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/internal/util"
	"github.com/hupe1980/researchmail/logging"
	"github.com/hupe1980/researchmail/tool"
)

// DefaultToolName is the name under which the research agent delegates drafting.
const DefaultToolName = "delegate_to_email_agent"

type delegateArgs struct {
	Instruction     string   `json:"instruction" description:"What the email agent should do" minLength:"1"`
	Recipients      []string `json:"recipients,omitempty" description:"Recipient email addresses"`
	Subject         string   `json:"subject,omitempty" description:"Email subject line"`
	ResearchSummary string   `json:"research_summary,omitempty" description:"Research findings to include"`
}

// Spec returns the registry entry declaring a delegation tool named name.
func Spec(name, description string) tool.Spec {
	return tool.Spec{
		Kind:        tool.KindDelegate,
		Name:        name,
		Description: description,
		Parameters:  util.CreateSchema(delegateArgs{}),
	}
}

// Nested describes one nested run handed to a Runner.
type Nested struct {
	Conversation *core.Conversation
	Input        string
	Emitter      *core.Emitter
	Limiter      *core.TurnLimiter
}

// Runner runs the target agent on a nested conversation and returns its final
// answer.
type Runner interface {
	RunNested(ctx context.Context, n Nested) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, n Nested) (string, error)

// RunNested implements Runner.
func (f RunnerFunc) RunNested(ctx context.Context, n Nested) (string, error) { return f(ctx, n) }

// Request is one delegation.
type Request struct {
	Call core.ToolCall
	// Dependencies are the caller's; they must be ResearchDependencies.
	Dependencies core.Dependencies
	// Emitter is the caller's emitter; the nested run streams one level deeper.
	Emitter *core.Emitter
	Target  string
	Runner  Runner
}

// Result is the payload of a successful delegation.
type Result struct {
	Success              bool     `json:"success"`
	Agent                string   `json:"agent"`
	Response             string   `json:"response"`
	Artifacts            []string `json:"artifacts,omitempty"`
	NestedConversationID string   `json:"nested_conversation_id"`
}

// Options configures a Bridge.
type Options struct {
	// MaxDepth bounds nesting; a run at MaxDepth cannot delegate again (default 1).
	MaxDepth int
	// MaxTurns is the nested conversation's own turn budget (default 8).
	MaxTurns int
	// Grace bounds the delivery of closing events after cancellation.
	Grace time.Duration
	// FatalKinds are tool failure kinds that fail a nested run which produced
	// no artifact, even when the target agent answered (default auth_expired).
	FatalKinds []core.ErrorKind
	Logger     logging.Logger
}

// Bridge performs delegations.
type Bridge struct {
	opts Options
}

// NewBridge creates a Bridge.
func NewBridge(optFns ...func(o *Options)) *Bridge {
	opts := Options{
		MaxDepth:   1,
		MaxTurns:   8,
		Grace:      time.Second,
		FatalKinds: []core.ErrorKind{core.KindAuthExpired},
		Logger:     logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Bridge{opts: opts}
}

// EmailDependenciesFrom derives the email agent's dependencies. The email
// bundle has no field for the search key, so it cannot be carried over.
func EmailDependenciesFrom(d core.ResearchDependencies) core.EmailDependencies {
	return core.EmailDependencies{
		MailCredentialsPath: d.MailCredentialsPath,
		MailTokenPath:       d.MailTokenPath,
		SessionID:           d.SessionID,
	}
}

// Delegate runs req and returns the ToolResult answering req.Call. Failures
// of the nested run become delegation_failed results; cancellation stays
// cancelled.
func (b *Bridge) Delegate(ctx context.Context, req Request) core.ToolResult {
	result := core.ToolResult{CallID: req.Call.ID, Name: req.Call.Name, Attempts: 1}

	args, err := tool.DecodeArguments(req.Call.Arguments)
	if err == nil {
		if verr := util.ValidateParameters(args, util.CreateSchema(delegateArgs{})); verr != nil {
			err = core.NewError(core.KindValidation, fmt.Sprintf("invalid arguments for %s: %v", req.Call.Name, verr), verr)
		}
	}

	if err != nil {
		result.Attempts = 0
		result.Error = core.RecordOf(err)

		return result
	}

	if req.Emitter.Depth() >= b.opts.MaxDepth {
		result.Error = failure(core.Errorf(core.KindDelegationFailed, "maximum delegation depth %d reached", b.opts.MaxDepth))
		return result
	}

	research, ok := req.Dependencies.(core.ResearchDependencies)
	if !ok {
		result.Error = failure(core.Errorf(core.KindInternal, "delegation requires research dependencies"))
		return result
	}

	if req.Runner == nil {
		result.Error = failure(core.Errorf(core.KindInternal, "no runner for %q", req.Target))
		return result
	}

	conv := core.NewConversation(EmailDependenciesFrom(research))
	info := core.DelegationInfo{Target: req.Target, NestedConversationID: conv.ID()}

	b.opts.Logger.Info("delegation.started", "target", req.Target, "call_id", req.Call.ID, "nested_conversation_id", conv.ID())

	if err := req.Emitter.Emit(ctx, core.NewDelegationStartedEvent(info)); err != nil {
		result.Error = core.RecordOf(err)
		return result
	}

	start := time.Now()

	answer, runErr := req.Runner.RunNested(ctx, Nested{
		Conversation: conv,
		Input:        Prompt(args),
		Emitter:      req.Emitter.Nested(conv.ID(), req.Target),
		Limiter:      core.NewTurnLimiter(b.opts.MaxTurns),
	})

	info.Artifacts = conv.Artifacts()

	if runErr == nil && len(info.Artifacts) == 0 {
		runErr = b.fatal(conv)
	}

	if runErr != nil {
		if ctx.Err() != nil {
			result.Error = core.RecordOf(core.NewError(core.KindCancelled, "delegation cancelled", ctx.Err()))
		} else {
			result.Error = failure(runErr)
		}

		info.Error = result.Error
	} else {
		info.Answer = answer
		result.Payload = Result{
			Success:              true,
			Agent:                req.Target,
			Response:             answer,
			Artifacts:            info.Artifacts,
			NestedConversationID: conv.ID(),
		}
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.Grace)
	defer cancel()

	if err := req.Emitter.Emit(closeCtx, core.NewDelegationFinishedEvent(info)); err != nil {
		b.opts.Logger.Warn("delegation.finish_event_dropped", "target", req.Target, "error", err)
	}

	b.opts.Logger.Info("delegation.finished",
		"target", req.Target,
		"call_id", req.Call.ID,
		"duration", time.Since(start),
		"artifacts", len(info.Artifacts),
		"failed", runErr != nil,
	)

	return result
}

// fatal returns the last nested tool failure of a fatal kind.
func (b *Bridge) fatal(conv *core.Conversation) error {
	results := conv.Results()

	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if r.OK() {
			continue
		}

		for _, k := range b.opts.FatalKinds {
			if r.Error.Kind == k {
				return r.Error.Err()
			}
		}
	}

	return nil
}

// failure wraps err as a delegation_failed record.
func failure(err error) *core.ErrorRecord {
	return &core.ErrorRecord{Kind: core.KindDelegationFailed, Message: "delegation failed: " + core.SafeMessage(err)}
}

// Prompt renders delegation arguments into the nested agent's input.
func Prompt(args map[string]any) string {
	var b strings.Builder

	instruction, _ := args["instruction"].(string)
	b.WriteString(strings.TrimSpace(instruction))

	if rs, ok := args["recipients"].([]any); ok && len(rs) > 0 {
		names := make([]string, 0, len(rs))
		for _, r := range rs {
			names = append(names, fmt.Sprint(r))
		}

		fmt.Fprintf(&b, "\n\nRecipients: %s", strings.Join(names, ", "))
	}

	if s, _ := args["subject"].(string); s != "" {
		fmt.Fprintf(&b, "\nSubject: %s", s)
	}

	if s, _ := args["research_summary"].(string); s != "" {
		fmt.Fprintf(&b, "\n\nResearch Summary:\n%s", s)
	}

	return b.String()
}
