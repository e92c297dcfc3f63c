// Package core provides the foundational domain types shared by every
// component of the research/email pipeline. It defines:
//
//   - Conversations (append-only ordered turns owned by one run at a time)
//   - Turns, ToolCalls and ToolResults (the 1:1 call/result record)
//   - Dependencies (disjoint research and email dependency bundles)
//   - Events and Stream (the ordered, sequence-numbered progress feed)
//   - Error (the failure taxonomy with a safe, user-facing reason)
//   - Secret (credential material that never renders in logs or events)
//   - ToolContext (the scoped surface handed to tool implementations)
//
// The package keeps implementation concerns (model backends, tools,
// orchestration) out of scope, exposing small types that the other packages
// compose.
package core
