// Package model defines the provider‑agnostic abstractions and concrete
// helpers for interacting with language models.
//
// Core goals:
//   - Unify streaming + non‑streaming generation behind a single interface
//   - Normalize tool definitions and tool calls across vendors
//   - Classify provider failures into core error kinds so the provider
//     selector can decide between failover and surfacing
//   - Facilitate deterministic tests (ScriptedModel)
//
// Providers (e.g. OpenAI, Anthropic) implement the Model interface from this
// package so higher layers (provider selector, orchestrator) remain decoupled
// from vendor SDKs.
package model
