package arbor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// maxToolResultLen bounds tool results stored into loop history so a
// noisy tool can't blow up the context between turns.
const maxToolResultLen = 100_000

// transcriptEntry is one recorded step of a process's LLM loop.
type transcriptEntry struct {
	Kind     string        `json:"kind"` // "assistant", "tool_call", "tool_result"
	Content  string        `json:"content,omitempty"`
	ToolName string        `json:"tool_name,omitempty"`
	Args     string        `json:"args,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	IsError  bool          `json:"is_error,omitempty"`
}

// loopConfig parameterizes one run of the shared tool-calling loop.
type loopConfig struct {
	name        string // for logging, e.g. "channel:discord:123"
	deps        *AgentDeps
	processType ProcessType
	taskType    string
	registry    *ToolRegistry
	maxTurns    int
	logger      *slog.Logger

	// onToolCall observes each executed tool call, if set.
	onToolCall func(tc ToolCall, result ToolResult)
}

// loopResult is the outcome of runAgentLoop.
type loopResult struct {
	content    string
	usage      Usage
	toolCalls  int64
	transcript []transcriptEntry
}

// runAgentLoop drives the LLM tool-calling loop shared by channels,
// branches, and workers. Models are resolved per iteration from the live
// routing snapshot and driven through the failover Completer.
//
// Context-overflow responses trigger in-place history compaction and a
// retry from the primary model, per the routing contract.
func runAgentLoop(ctx context.Context, cfg loopConfig, messages []ChatMessage) (loopResult, error) {
	var result loopResult
	logger := cfg.logger
	if logger == nil {
		logger = cfg.deps.logger()
	}

	defs := cfg.registry.AllDefinitions()
	compacted := false

	for turn := 0; turn < cfg.maxTurns; turn++ {
		routing := cfg.deps.Runtime.Routing.Load()
		model := routing.Resolve(cfg.processType, cfg.taskType)

		resp, _, err := cfg.deps.Completer.Complete(ctx, routing, model, ChatRequest{
			Messages: messages,
			Tools:    defs,
		})
		var overflow *ErrContextOverflow
		if errors.As(err, &overflow) && !compacted {
			logger.Info("context overflow, compacting history",
				"process", cfg.name, "model", overflow.Model)
			messages = compactHistory(ctx, cfg.deps, messages)
			compacted = true
			turn--
			continue
		}
		if err != nil {
			return result, err
		}
		compacted = false
		result.usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			result.content = resp.Content
			result.transcript = append(result.transcript, transcriptEntry{Kind: "assistant", Content: resp.Content})
			return result, nil
		}

		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		result.transcript = append(result.transcript, transcriptEntry{Kind: "assistant", Content: resp.Content})

		for _, tc := range resp.ToolCalls {
			started := time.Now()
			toolResult := executeToolSafely(ctx, cfg.registry, tc)
			result.toolCalls++
			result.transcript = append(result.transcript,
				transcriptEntry{Kind: "tool_call", ToolName: tc.Name, Args: string(tc.Args)},
				transcriptEntry{
					Kind:     "tool_result",
					ToolName: tc.Name,
					Content:  toolResult.Content,
					Duration: time.Since(started),
					IsError:  toolResult.Error != "",
				},
			)
			if cfg.onToolCall != nil {
				cfg.onToolCall(tc, toolResult)
			}

			body := toolResult.Content
			if toolResult.Error != "" {
				body = "error: " + toolResult.Error
			}
			if len(body) > maxToolResultLen {
				body = body[:maxToolResultLen] + "\n\n[output truncated]"
			}
			messages = append(messages, ToolResultMessage(tc.ID, body))
		}
	}

	// Turn budget exhausted — force a final synthesis without tools.
	logger.Warn("max turns reached, forcing synthesis", "process", cfg.name, "turns", cfg.maxTurns)
	messages = append(messages, UserMessage(
		"You have used all available tool calls. Summarize what you found and respond."))

	routing := cfg.deps.Runtime.Routing.Load()
	model := routing.Resolve(cfg.processType, cfg.taskType)
	resp, _, err := cfg.deps.Completer.Complete(ctx, routing, model, ChatRequest{Messages: messages})
	if err != nil {
		return result, err
	}
	result.usage.Add(resp.Usage)
	result.content = resp.Content
	result.transcript = append(result.transcript, transcriptEntry{Kind: "assistant", Content: resp.Content})
	return result, nil
}

// executeToolSafely dispatches a tool call with panic recovery, so a
// misbehaving tool fails its call instead of its process.
func executeToolSafely(ctx context.Context, registry *ToolRegistry, tc ToolCall) (result ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			result = ToolResult{Error: fmt.Sprintf("tool %q panic: %v", tc.Name, p)}
		}
	}()
	result, err := registry.Execute(ctx, tc.Name, tc.Args)
	if err != nil {
		return ToolResult{Error: err.Error()}
	}
	return result
}

// compactHistory summarizes everything but the trailing window through
// the compactor model. On failure the original history passes through —
// the next completion will surface the overflow again and the caller
// fails normally.
func compactHistory(ctx context.Context, deps *AgentDeps, messages []ChatMessage) []ChatMessage {
	compaction := deps.Runtime.Compaction.Load()
	preserve := compaction.PreserveRecent
	if preserve <= 0 {
		preserve = 10
	}
	if len(messages) <= preserve+1 {
		return messages
	}

	// Keep the leading system message in place.
	head := 0
	if messages[0].Role == "system" {
		head = 1
	}
	cut := len(messages) - preserve
	if cut <= head {
		return messages
	}

	var old strings.Builder
	for _, m := range messages[head:cut] {
		fmt.Fprintf(&old, "[%s] %s\n", m.Role, m.Content)
	}

	routing := deps.Runtime.Routing.Load()
	model := routing.Resolve(ProcessCompactor, "")
	resp, _, err := deps.Completer.Complete(ctx, routing, model, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage("Summarize the following conversation segment concisely. Preserve key facts, data values, decisions, and errors."),
			UserMessage(old.String()),
		},
	})
	if err != nil {
		deps.logger().Warn("history compaction failed, continuing uncompacted", "error", err)
		return messages
	}

	compacted := make([]ChatMessage, 0, head+1+preserve)
	compacted = append(compacted, messages[:head]...)
	compacted = append(compacted, UserMessage("[Summary of earlier conversation]\n"+resp.Content))
	compacted = append(compacted, messages[cut:]...)
	return compacted
}
