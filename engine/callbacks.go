package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/logging"
)

// CallbackType defines the lifecycle points of a run where callbacks execute.
//
// Available callback types:
//   - BeforeRun: after the conversation was acquired, before the first model turn
//   - OnEvent: for every delivered event, including the terminal one
//   - AfterRun: after the terminal event was sent
type CallbackType string

const (
	// CallbackBeforeRun is triggered before a run starts. Returning an error
	// aborts the run with that error.
	CallbackBeforeRun CallbackType = "before_run"

	// CallbackOnEvent is triggered for every event delivered to the consumer.
	// It runs on the producer goroutine; errors are logged and ignored.
	CallbackOnEvent CallbackType = "on_event"

	// CallbackAfterRun is triggered once a run ended. Err carries the run's
	// failure, if any.
	CallbackAfterRun CallbackType = "after_run"
)

// CallbackContext carries what a callback may inspect.
type CallbackContext struct {
	// RunID identifies the run. Every continuation of a conversation is a
	// new run.
	RunID          string
	ConversationID string
	Agent          string

	// Event is set for CallbackOnEvent.
	Event *core.Event

	// Answer and Err are set for CallbackAfterRun.
	Answer string
	Err    error

	CallbackType CallbackType
}

// Callback is a run lifecycle hook.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	cb := NewFunctionCallback(CallbackBeforeRun, func(ctx context.Context, cc *CallbackContext) error {
//	    log.Printf("starting %s", cc.RunID)
//	    return nil
//	})
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager holds callbacks by type. Callbacks of one type execute in
// registration order; the first error stops the chain. It is safe for
// concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks executes all callbacks registered for callbackType.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := cm.callbacks[callbackType]
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType

	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingCallback logs run lifecycle points.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a logging callback for callbackType.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the callback context.
func (c *LoggingCallback) Execute(_ context.Context, cc *CallbackContext) error {
	args := []any{"run_id", cc.RunID, "conversation_id", cc.ConversationID, "agent", cc.Agent}

	switch c.callbackType {
	case CallbackOnEvent:
		if cc.Event != nil {
			args = append(args, "seq", cc.Event.Seq, "type", cc.Event.Type, "depth", cc.Event.Depth)
		}
		c.logger.Debug("engine.run.event", args...)
	case CallbackAfterRun:
		if cc.Err != nil {
			c.logger.Warn("engine.run.failed", append(args, "kind", core.KindOf(cc.Err), "error", core.SafeMessage(cc.Err))...)
			return nil
		}
		c.logger.Info("engine.run.finished", args...)
	default:
		c.logger.Info("engine.run.started", args...)
	}

	return nil
}
