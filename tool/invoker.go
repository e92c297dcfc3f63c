package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/credential"
	"github.com/hupe1980/researchmail/internal/util"
	"github.com/hupe1980/researchmail/logging"
)

// CredentialRefresher forces a refresh of one credential kind.
// *credential.Manager implements it.
type CredentialRefresher interface {
	Refresh(ctx context.Context, kind credential.Kind) error
}

// InvokerOptions configures retry and timeout behavior.
type InvokerOptions struct {
	// MaxAttempts is the per-call attempt ceiling (default 3).
	MaxAttempts int
	// BaseDelay is the first backoff delay (default 500ms). Delays double per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay and any server supplied retry-after (default 30s).
	MaxDelay time.Duration
	// CallTimeout bounds a single attempt (default 30s).
	CallTimeout time.Duration
	// Credentials refreshes credentials after an auth failure. Nil disables refresh.
	Credentials CredentialRefresher
	Logger      logging.Logger
	// Sleep waits between attempts; it must return early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Invoker runs tool calls against a Registry.
//
// Policy per call:
//   - arguments are decoded and validated before the tool runs; validation
//     failures are returned without any attempt
//   - transient and rate-limited failures are retried with exponential
//     backoff up to MaxAttempts; a server retry-after extends the delay
//   - an attempt that exceeds CallTimeout counts as a transient failure and
//     is retried without an additional wait
//   - an auth failure of a credentialed tool triggers exactly one credential
//     refresh followed by one retry, even when MaxAttempts is reached; a
//     second auth failure, or one caused by a failed refresh, is final
//   - a panic inside a tool becomes an internal_error result
//
// Invoke never returns an error: every outcome is a core.ToolResult.
type Invoker struct {
	opts InvokerOptions
}

// NewInvoker creates an Invoker.
func NewInvoker(optFns ...func(o *InvokerOptions)) *Invoker {
	opts := InvokerOptions{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		CallTimeout: 30 * time.Second,
		Logger:      logging.NoOpLogger{},
		Sleep:       sleepContext,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	return &Invoker{opts: opts}
}

// MaxAttempts returns the configured attempt ceiling.
func (inv *Invoker) MaxAttempts() int { return inv.opts.MaxAttempts }

// Call identifies one tool invocation.
type Call struct {
	ToolCall       core.ToolCall
	ConversationID string
	Agent          string
	Dependencies   core.Dependencies
}

// Invoke executes call.ToolCall using the registry and returns its result.
func (inv *Invoker) Invoke(ctx context.Context, reg *Registry, call Call) core.ToolResult {
	start := time.Now()
	tc := call.ToolCall

	result := core.ToolResult{CallID: tc.ID, Name: tc.Name}

	payload, attempts, err := inv.invoke(ctx, reg, call)
	result.Attempts = attempts

	if err != nil {
		result.Error = core.RecordOf(err)
	} else {
		result.Payload = payload
	}

	logging.LogToolCall(inv.opts.Logger, tc.Name, tc.ID, attempts, time.Since(start), recordErr(result.Error))

	return result
}

func (inv *Invoker) invoke(ctx context.Context, reg *Registry, call Call) (any, int, error) {
	spec, err := reg.Lookup(call.ToolCall.Name)
	if err != nil {
		return nil, 0, err
	}

	if spec.Tool == nil {
		return nil, 0, core.Errorf(core.KindInternal, "tool %q cannot be invoked directly", spec.Name)
	}

	args, err := DecodeArguments(call.ToolCall.Arguments)
	if err != nil {
		return nil, 0, err
	}

	if err := util.ValidateParameters(args, spec.Parameters); err != nil {
		return nil, 0, core.NewError(core.KindValidation, fmt.Sprintf("invalid arguments for %s: %v", spec.Name, err), err)
	}

	base := core.NewToolContext(ctx, core.ToolContextParams{
		ConversationID: call.ConversationID,
		CallID:         call.ToolCall.ID,
		Agent:          call.Agent,
		Dependencies:   call.Dependencies,
		Logger:         inv.opts.Logger,
	})

	refreshed := false

	for attempt := 1; ; attempt++ {
		payload, err := inv.attempt(ctx, base, spec, args, attempt)
		if err == nil {
			return payload, attempt, nil
		}

		if ctx.Err() != nil {
			return nil, attempt, core.NewError(core.KindCancelled, "tool call cancelled", ctx.Err())
		}

		kind := core.KindOf(err)

		// The single refresh retry is not bounded by MaxAttempts.
		if attempt >= inv.opts.MaxAttempts && !inv.canRefresh(spec, err, refreshed) {
			return nil, attempt, err
		}

		switch {
		case inv.canRefresh(spec, err, refreshed):
			refreshed = true

			inv.opts.Logger.Info("tool.invoke.refresh_credential", "tool", spec.Name, "call_id", call.ToolCall.ID, "credential", spec.Credential)

			if rerr := inv.opts.Credentials.Refresh(ctx, spec.Credential); rerr != nil {
				if core.KindOf(rerr) == core.KindCancelled {
					return nil, attempt, rerr
				}

				return nil, attempt, core.NewError(core.KindAuthExpired, "credential refresh failed: "+core.SafeMessage(rerr), rerr)
			}
		case kind.Retryable():
			if !core.IsTimeout(err) {
				delay := inv.backoff(attempt, core.RetryAfterOf(err))

				inv.opts.Logger.Debug("tool.invoke.retry", "tool", spec.Name, "call_id", call.ToolCall.ID, "attempt", attempt, "kind", kind, "delay", delay)

				if serr := inv.opts.Sleep(ctx, delay); serr != nil {
					return nil, attempt, core.NewError(core.KindCancelled, "tool call cancelled", serr)
				}
			} else {
				inv.opts.Logger.Debug("tool.invoke.retry", "tool", spec.Name, "call_id", call.ToolCall.ID, "attempt", attempt, "kind", kind, "timeout", true)
			}
		default:
			return nil, attempt, err
		}
	}
}

// canRefresh reports whether err of a credentialed tool earns the one
// refresh and retry. Failures of a refresh already attempted do not.
func (inv *Invoker) canRefresh(spec Spec, err error, refreshed bool) bool {
	return !refreshed &&
		spec.Credential != "" &&
		inv.opts.Credentials != nil &&
		core.KindOf(err) == core.KindAuthExpired &&
		!credential.IsRefreshFailure(err)
}

// attempt runs the tool once under the per-call timeout.
func (inv *Invoker) attempt(ctx context.Context, base *core.ToolContext, spec Spec, args map[string]any, n int) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, inv.opts.CallTimeout)
	defer cancel()

	payload, err := safeCall(spec.Tool, base.WithAttempt(attemptCtx, n), args)

	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &core.Error{
			Kind:    core.KindTransient,
			Reason:  fmt.Sprintf("%s timed out after %s", spec.Name, inv.opts.CallTimeout),
			Err:     context.DeadlineExceeded,
			Timeout: true,
		}
	}

	return payload, err
}

func (inv *Invoker) backoff(attempt int, retryAfter time.Duration) time.Duration {
	delay := inv.opts.BaseDelay << (attempt - 1)
	if delay <= 0 || delay > inv.opts.MaxDelay {
		delay = inv.opts.MaxDelay
	}

	if retryAfter > delay {
		delay = min(retryAfter, inv.opts.MaxDelay)
	}

	return delay
}

// safeCall executes the tool with panic protection.
func safeCall(t Tool, tc *core.ToolContext, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			tc.LogError("tool.call.panic", "tool", t.Name(), "call_id", tc.CallID(), "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = core.NewError(core.KindInternal, "tool "+t.Name()+" panicked", fmt.Errorf("panic: %v", r))
		}
	}()

	return t.Call(tc, args)
}

// DecodeArguments parses raw JSON tool arguments. Empty input yields an
// empty map; anything other than a JSON object is a validation error.
func DecodeArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) == 0 {
		return args, nil
	}

	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, core.NewError(core.KindValidation, "tool arguments are not a JSON object", err)
	}

	if args == nil {
		args = map[string]any{}
	}

	return args, nil
}

func recordErr(r *core.ErrorRecord) error {
	if r == nil {
		return nil
	}

	return r.Err()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
