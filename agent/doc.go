// Package agent defines the agents of the system. An Agent is pure
// configuration: a name, an instruction and a closed tool registry. Running
// agents is the orchestrator's job; delegating between them is the
// delegation bridge's job.
//
// Two agents are provided:
//
//  1. Research agent: searches the web, summarizes findings and delegates
//     email drafting to the email agent
//  2. Email agent: validates addresses, checks mail authorization and
//     creates drafts
//
// Design principles:
//   - Closed tool sets – an agent can only call what its registry declares
//   - Explicit wiring – services (search client, draft service, credential
//     manager) are passed in, nothing is looked up globally
//   - Dynamic instructions – an Instruction may be static text or resolved per
//     run from the InstructionContext
package agent
