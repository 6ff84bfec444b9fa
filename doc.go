// Package arbor is a multi-agent conversational runtime for Go.
//
// One process hosts many independent agents. Each agent owns a set of
// long-lived conversation channels, short-lived thinking branches, and
// independent task workers, all backed by a persistent memory graph with
// hybrid lexical+vector+graph search, a set of background maintenance
// loops (the cortex), and an LLM routing layer with retry, fallback, and
// rate-limit cooldown semantics.
//
// # Process model
//
// A [Channel] is a durable conversation loop for one external conversation.
// It serializes inbound messages, process events, and periodic maintenance,
// and guarantees at most one in-flight LLM turn. A [Branch] is a one-shot
// thinking process forked from a channel's history that returns a single
// conclusion. A [Worker] is an independent task executor with tool access,
// spawned by a channel, a branch, or the ready-task pickup loop.
//
// Children never hold references back to their parents — they address the
// parent by [ChannelID] and communicate only through the process event [Bus].
//
// # Core interfaces
//
//   - [Provider] — LLM backend (chat with tool calling)
//   - [EmbeddingProvider] — text-to-vector embedding
//   - [MemoryStore] — typed memory graph with associations
//   - [TaskStore] — agent task queue with atomic ready-task claims
//   - [MessagingManager] — boundary to external messaging platforms
//   - [Sandbox] — command wrapping for worker shell execution
//   - [Tool] — pluggable capability for LLM function calling
//
// # Included implementations
//
// Storage: store/sqlite (primary, pure-Go SQLite with FTS5 and in-process
// vector search), store/postgres (pgx-backed memory store).
// Providers: provider/openaicompat (any OpenAI-compatible API),
// provider/resolve (model-string resolution).
// Tools: memory tools in the root package, tools/shell, tools/file,
// tools/httpfetch.
// Observability: observer (OpenTelemetry spans, token usage, cost metrics).
package arbor
