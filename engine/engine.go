package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/researchmail/agent"
	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/logging"
	"github.com/hupe1980/researchmail/orchestrator"
	"github.com/hupe1980/researchmail/session"
)

// Config defines tuning parameters for the Engine's operational behavior.
//
// Example:
//
//	cfg := Config{
//	    MaxConcurrentRuns: 50,
//	    EventBufferSize:   256,
//	    Grace:             time.Second,
//	}
type Config struct {
	// MaxConcurrentRuns limits the number of runs that execute
	// simultaneously. Further runs wait for a slot; their stream stays open
	// meanwhile. Set to 0 for unlimited (not recommended).
	MaxConcurrentRuns int

	// EventBufferSize sets the channel buffer size of each run's stream.
	// Larger buffers reduce blocking of the producer on slow consumers.
	EventBufferSize int

	// Grace bounds how long the terminal event waits for a consumer that
	// stopped reading.
	Grace time.Duration
}

// DefaultConfig provides default configuration values.
//
// Configuration values:
//   - MaxConcurrentRuns: 10
//   - EventBufferSize: 100
//   - Grace: 1s
var DefaultConfig = Config{
	MaxConcurrentRuns: 10,
	EventBufferSize:   100,
	Grace:             time.Second,
}

// Options configures an Engine instance using the functional options pattern.
type Options struct {
	// Config contains operational parameters for the engine behavior.
	// Defaults to DefaultConfig if not specified.
	Config Config

	// Sessions stores live conversations. Defaults to an in-memory store.
	Sessions *session.InMemoryStore

	// Callbacks receives run lifecycle hooks. Defaults to an empty manager.
	Callbacks *CallbackManager

	// Logger provides structured logging. Defaults to NoOp logger if nil.
	Logger logging.Logger
}

// Engine runs agents on conversations and exposes each run as an event
// stream.
//
// Core Responsibilities:
//   - Agent Registry: thread-safe registration and lookup of named agents
//   - Run Management: one run per conversation at a time, bounded concurrency
//     across conversations, cancellation by conversation id
//   - Event Delivery: exactly one terminal event per run, lifecycle callbacks
//     for observers such as the journal
//
// Concurrency Model:
//   - Thread-safe agent registration and lookup via RWMutex
//   - Bounded concurrent runs via a weighted semaphore
//   - One goroutine per run; the orchestrator runs on it synchronously,
//     including nested delegated conversations
type Engine struct {
	orch      *orchestrator.Orchestrator
	sessions  *session.InMemoryStore
	callbacks *CallbackManager
	logger    logging.Logger
	config    Config
	sem       *semaphore.Weighted

	agents map[string]*agent.Agent
	mu     sync.RWMutex

	activeRuns map[string]context.CancelFunc // by conversation id
	runsMu     sync.Mutex
	wg         sync.WaitGroup
}

// New creates a new Engine running agents through orch.
func New(orch *orchestrator.Orchestrator, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config:    DefaultConfig,
		Sessions:  session.NewInMemoryStore(),
		Callbacks: NewCallbackManager(),
		Logger:    logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	var sem *semaphore.Weighted
	if opts.Config.MaxConcurrentRuns > 0 {
		sem = semaphore.NewWeighted(int64(opts.Config.MaxConcurrentRuns))
	}

	return &Engine{
		orch:       orch,
		sessions:   opts.Sessions,
		callbacks:  opts.Callbacks,
		logger:     opts.Logger,
		config:     opts.Config,
		sem:        sem,
		agents:     make(map[string]*agent.Agent),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Register adds an agent to the registry, replacing one with the same name.
func (e *Engine) Register(a *agent.Agent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agents[a.Name()] = a
}

// GetAgent retrieves a registered agent by name.
func (e *Engine) GetAgent(name string) (*agent.Agent, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.agents[name]
	return a, ok
}

// Sessions returns the conversation store.
func (e *Engine) Sessions() *session.InMemoryStore { return e.sessions }

// Request describes one run.
type Request struct {
	// Agent runs a new conversation. It is ignored when ConversationID is set.
	Agent string
	Input string
	// ConversationID continues an existing conversation with its own agent.
	ConversationID string
	// Dependencies are bound to a new conversation.
	Dependencies core.Dependencies
}

// Invoke starts a run and returns its conversation and event stream. The
// stream ends with exactly one done or error event and is then closed.
// Errors returned directly mean the run was never started.
func (e *Engine) Invoke(ctx context.Context, req Request) (*core.Conversation, <-chan core.Event, error) {
	conv, a, err := e.resolve(req)
	if err != nil {
		return nil, nil, err
	}

	if err := e.sessions.Acquire(conv.ID()); err != nil {
		return nil, nil, err
	}

	runID := core.NewID()
	runCtx, cancel := context.WithCancel(ctx)

	e.runsMu.Lock()
	e.activeRuns[conv.ID()] = cancel
	e.runsMu.Unlock()

	stream := core.NewStream(func(o *core.StreamOptions) {
		o.Buffer = e.config.EventBufferSize
		if e.config.Grace > 0 {
			o.Grace = e.config.Grace
		}
		o.Observers = append(o.Observers, e.observer(runID, conv.ID(), a.Name()))
	})

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()

			e.runsMu.Lock()
			delete(e.activeRuns, conv.ID())
			e.runsMu.Unlock()

			e.sessions.Release(conv.ID())
		}()

		answer, err := e.run(runCtx, runID, a, conv, req.Input, stream)

		terminal := core.NewDoneEvent(answer)
		if err != nil {
			terminal = core.NewErrorEvent(err)
		}

		terminal.ConversationID = conv.ID()
		terminal.Agent = a.Name()
		stream.Finish(terminal)

		afterCtx := context.WithoutCancel(runCtx)
		if cerr := e.callbacks.ExecuteCallbacks(afterCtx, CallbackAfterRun, &CallbackContext{
			RunID:          runID,
			ConversationID: conv.ID(),
			Agent:          a.Name(),
			Answer:         answer,
			Err:            err,
		}); cerr != nil {
			e.logger.Warn("engine.callback_failed", "run_id", runID, "type", CallbackAfterRun, "error", cerr)
		}
	}()

	return conv, stream.Events(), nil
}

func (e *Engine) resolve(req Request) (*core.Conversation, *agent.Agent, error) {
	if req.ConversationID != "" {
		conv, name, ok := e.sessions.Get(req.ConversationID)
		if !ok {
			return nil, nil, core.Errorf(core.KindValidation, "conversation %s not found", req.ConversationID)
		}

		a, ok := e.GetAgent(name)
		if !ok {
			return nil, nil, core.Errorf(core.KindValidation, "agent %s not found", name)
		}

		return conv, a, nil
	}

	a, ok := e.GetAgent(req.Agent)
	if !ok {
		return nil, nil, core.Errorf(core.KindValidation, "agent %s not found", req.Agent)
	}

	if req.Dependencies == nil {
		return nil, nil, core.Errorf(core.KindInternal, "dependencies are required for a new conversation")
	}

	return e.sessions.Create(a.Name(), req.Dependencies), a, nil
}

func (e *Engine) run(ctx context.Context, runID string, a *agent.Agent, conv *core.Conversation, input string, stream *core.Stream) (string, error) {
	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return "", core.NewError(core.KindCancelled, "operation cancelled", err)
		}
		defer e.sem.Release(1)
	}

	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeRun, &CallbackContext{
		RunID:          runID,
		ConversationID: conv.ID(),
		Agent:          a.Name(),
	}); err != nil {
		return "", fmt.Errorf("before run: %w", err)
	}

	return e.orch.Run(ctx, orchestrator.Invocation{
		Agent:        a,
		Conversation: conv,
		Input:        input,
		Emitter:      stream.Scope(conv.ID(), a.Name(), 0),
	})
}

func (e *Engine) observer(runID, conversationID, agentName string) func(core.Event) {
	return func(ev core.Event) {
		if err := e.callbacks.ExecuteCallbacks(context.Background(), CallbackOnEvent, &CallbackContext{
			RunID:          runID,
			ConversationID: conversationID,
			Agent:          agentName,
			Event:          &ev,
		}); err != nil {
			e.logger.Warn("engine.callback_failed", "run_id", runID, "type", CallbackOnEvent, "seq", ev.Seq, "error", err)
		}
	}
}

// InvokeSync runs req to completion and returns the answer together with
// every event. A terminal error event is returned as error.
func (e *Engine) InvokeSync(ctx context.Context, req Request) (string, []core.Event, error) {
	_, events, err := e.Invoke(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var collected []core.Event

	for ev := range events {
		collected = append(collected, ev)
	}

	if len(collected) == 0 {
		return "", nil, core.Errorf(core.KindInternal, "run ended without a terminal event")
	}

	last := collected[len(collected)-1]
	if last.Type == core.EventError {
		return "", collected, last.Error.Err()
	}

	return last.Answer, collected, nil
}

// StopRun cancels the run holding conversationID.
func (e *Engine) StopRun(conversationID string) error {
	e.runsMu.Lock()
	cancel, exists := e.activeRuns[conversationID]
	e.runsMu.Unlock()

	if !exists {
		return fmt.Errorf("no active run for conversation %s", conversationID)
	}

	cancel()

	return nil
}

// ActiveRuns returns the conversation ids with a run in progress.
func (e *Engine) ActiveRuns() []string {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()

	out := make([]string, 0, len(e.activeRuns))
	for id := range e.activeRuns {
		out = append(out, id)
	}

	return out
}

// Shutdown cancels every active run and waits until all runs sent their
// terminal event, or until ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.runsMu.Lock()
	for _, cancel := range e.activeRuns {
		cancel()
	}
	e.runsMu.Unlock()

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
