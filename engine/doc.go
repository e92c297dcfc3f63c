// Package engine turns agents into streaming runs.
//
// The Engine serves as the coordination point between presentation layers
// (CLI, HTTP, tests) and the orchestrator. A caller asks for a run of a named
// agent, either on a new conversation or continuing an existing one, and
// receives the conversation together with a receive-only event channel.
//
// # Core Responsibilities
//
// Agent Management:
//   - Thread-safe agent registry with name-based lookup
//
// Run Orchestration:
//   - At most one run per conversation at a time
//   - Bounded concurrency across conversations
//   - Cancellation by conversation id and graceful shutdown
//
// Event Delivery:
//   - Exactly one terminal event (done or error) per run
//   - Lifecycle callbacks before a run, per event and after a run
//
// # Usage Example
//
//	eng := engine.New(orch)
//	eng.Register(researchAgent)
//
//	conv, events, err := eng.Invoke(ctx, engine.Request{
//	    Agent:        "research",
//	    Input:        "Summarize recent solar policy",
//	    Dependencies: deps,
//	})
//	if err != nil {
//	    return err
//	}
//
//	for ev := range events {
//	    render(conv.ID(), ev)
//	}
package engine
