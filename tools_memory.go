package arbor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// NewMemoryRecallTool exposes hybrid memory search as an LLM tool.
func NewMemoryRecallTool(search *MemorySearch) Tool {
	return &FuncTool{
		Def: ToolDefinition{
			Name:        "memory_recall",
			Description: "Search long-term memory for relevant facts, preferences, decisions, and events. Use before answering anything that may depend on prior context.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"What to look for"},"max_results":{"type":"integer","description":"Maximum results (default 10)"}},"required":["query"]}`),
		},
		Fn: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			var params struct {
				Query      string `json:"query"`
				MaxResults int    `json:"max_results"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return ToolResult{Error: "invalid args: " + err.Error()}, nil
			}
			if params.Query == "" {
				return ToolResult{Error: "query is required"}, nil
			}
			cfg := DefaultSearchConfig()
			if params.MaxResults > 0 {
				cfg.MaxResults = params.MaxResults
			} else {
				cfg.MaxResults = 10
			}
			results, err := search.Search(ctx, params.Query, cfg)
			if err != nil {
				return ToolResult{Error: "recall failed: " + err.Error()}, nil
			}
			if len(results) == 0 {
				return ToolResult{Content: "no relevant memories found"}, nil
			}
			var out strings.Builder
			for _, r := range results {
				fmt.Fprintf(&out, "- [%s] (importance: %.1f) %s\n",
					r.Memory.MemoryType, r.Memory.Importance, r.Memory.Content)
			}
			return ToolResult{Content: out.String()}, nil
		},
	}
}

// NewMemorySaveTool exposes memory creation as an LLM tool. Saving also
// updates the embedding index when one is configured and emits a
// MemorySaved event.
func NewMemorySaveTool(deps *AgentDeps) Tool {
	return &FuncTool{
		Def: ToolDefinition{
			Name:        "memory_save",
			Description: "Save something worth remembering to long-term memory. Types: fact, preference, decision, identity, event, observation, goal, todo.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"content":{"type":"string","description":"What to remember, one self-contained statement"},"memory_type":{"type":"string","description":"Memory type (default fact)"},"importance":{"type":"number","description":"Override importance in [0,1]"},"channel_id":{"type":"string","description":"Originating channel"}},"required":["content"]}`),
		},
		Fn: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			var params struct {
				Content    string   `json:"content"`
				MemoryType string   `json:"memory_type"`
				Importance *float64 `json:"importance"`
				ChannelID  string   `json:"channel_id"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return ToolResult{Error: "invalid args: " + err.Error()}, nil
			}
			if params.Content == "" {
				return ToolResult{Error: "content is required"}, nil
			}
			memory := NewMemory(params.Content, ParseMemoryType(params.MemoryType)).
				WithSource("llm").
				WithChannel(params.ChannelID)
			if params.Importance != nil {
				memory = memory.WithImportance(float32(*params.Importance))
			}
			if err := deps.Memory.Save(ctx, memory); err != nil {
				return ToolResult{Error: "save failed: " + err.Error()}, nil
			}
			indexMemoryEmbedding(ctx, deps, memory)
			deps.Bus.Publish(ProcessEvent{
				Kind:     EventMemorySaved,
				AgentID:  deps.AgentID,
				MemoryID: memory.ID,
			})
			return ToolResult{Content: "saved memory " + memory.ID}, nil
		},
	}
}

// indexMemoryEmbedding best-effort embeds and indexes a new memory.
// Failures are logged — the memory still exists for the lexical and
// graph arms.
func indexMemoryEmbedding(ctx context.Context, deps *AgentDeps, memory Memory) {
	if deps.Search == nil || deps.Search.Index() == nil || deps.Search.embedder == nil {
		return
	}
	vectors, err := deps.Search.embedder.Embed(ctx, []string{memory.Content})
	if err != nil || len(vectors) == 0 {
		deps.logger().Warn("failed to embed memory", "memory_id", memory.ID, "error", err)
		return
	}
	if err := deps.Search.Index().Upsert(ctx, memory.ID, vectors[0]); err != nil {
		deps.logger().Warn("failed to index memory embedding", "memory_id", memory.ID, "error", err)
	}
}
