package arbor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// concludeState is the single-slot flag/summary pair shared between the
// conclude_link tool and the channel turn loop. The channel checks the
// flag after each LLM turn and routes the summary back to the
// originating channel. A second conclude_link in the same turn
// overwrites the summary; the flag is consumed once per turn.
type concludeState struct {
	flag    atomic.Bool
	mu      sync.Mutex
	summary string
}

func (c *concludeState) set(summary string) {
	c.mu.Lock()
	c.summary = summary
	c.mu.Unlock()
	c.flag.Store(true)
}

// take consumes the flag and returns the summary if it was set.
func (c *concludeState) take() (string, bool) {
	if !c.flag.Swap(false) {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary, true
}

// newConcludeLinkTool signals that a link conversation has met its
// objective. The summary is routed upstream by the channel loop.
func newConcludeLinkTool(state *concludeState) Tool {
	return &FuncTool{
		Def: ToolDefinition{
			Name:        "conclude_link",
			Description: "End this link conversation and route a summary of outcomes, decisions, and action items back to whoever initiated it.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string","description":"Summary of the conversation outcomes, decisions made, and any action items."}},"required":["summary"]}`),
		},
		Fn: func(_ context.Context, args json.RawMessage) (ToolResult, error) {
			var params struct {
				Summary string `json:"summary"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return ToolResult{Error: "invalid args: " + err.Error()}, nil
			}
			state.set(params.Summary)
			return ToolResult{Content: "link concluded"}, nil
		},
	}
}

// sendAgentMessageConfig carries the per-turn context the guardrails need.
type sendAgentMessageConfig struct {
	deps               *AgentDeps
	agentName          string
	channelID          ChannelID
	originatingSource  string
	originatingChannel ChannelID
}

// newSendAgentMessageTool sends a message to another agent through the
// communication graph. Resolves the target by ID or case-insensitive
// display name, validates the link and its direction, and delivers via
// MessagingManager.InjectMessage with source "internal".
//
// Guardrails inside a link channel: messaging the current counterparty is
// refused (use reply), and messaging the upstream counterparty of the
// originating link channel is refused (use conclude_link).
func newSendAgentMessageTool(cfg sendAgentMessageConfig) Tool {
	return &FuncTool{
		Def: ToolDefinition{
			Name:        "send_agent_message",
			Description: "Send a message to another agent you have a communication link with. Target is the agent's ID or name.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"target":{"type":"string","description":"The target agent's ID or name."},"message":{"type":"string","description":"The message content to send."}},"required":["target","message"]}`),
		},
		Fn: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			var params struct {
				Target  string `json:"target"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return ToolResult{Error: "invalid args: " + err.Error()}, nil
			}
			return sendAgentMessage(ctx, cfg, params.Target, params.Message)
		},
	}
}

func sendAgentMessage(ctx context.Context, cfg sendAgentMessageConfig, target, message string) (ToolResult, error) {
	deps := cfg.deps

	targetID, ok := ResolveAgentID(deps.AgentNames, target)
	if !ok {
		return ToolResult{Error: "unknown agent '" + target + "'. Check your organization context for available agents."}, nil
	}

	// Responding to the current link counterparty should use reply so
	// metadata and conclusion routing stay on the same conversation chain.
	if peer, inLink := ParseLinkChannel(cfg.channelID, deps.AgentID); inLink && peer == targetID {
		return ToolResult{Error: "you are already in a direct link conversation with this agent. Use reply to respond in the current link channel. Use send_agent_message to contact a different agent."}, nil
	}

	// In nested link flows the upstream counterparty gets results via
	// conclude_link; re-sending would fork a parallel thread with wrong
	// originating metadata.
	if upstream, fromLink := ParseLinkChannel(cfg.originatingChannel, deps.AgentID); fromLink && upstream == targetID {
		return ToolResult{Error: "this target is the upstream counterparty for this link conversation. Use conclude_link to route the result back up the chain instead of send_agent_message."}, nil
	}

	link, found := FindLinkBetween(deps.Links, deps.AgentID, targetID)
	if !found {
		return ToolResult{Error: "no communication link exists between you and agent '" + target + "'."}, nil
	}
	if link.Direction == LinkOneWay && link.ToAgentID == deps.AgentID {
		return ToolResult{Error: "the link to agent '" + target + "' is one-way and you cannot initiate messages."}, nil
	}

	receiverChannel := link.ChannelIDFor(targetID)
	senderChannel := link.ChannelIDFor(deps.AgentID)

	msg := InboundMessage{
		ID:              NewID(),
		Source:          "internal",
		ConversationID:  receiverChannel,
		SenderID:        deps.AgentID,
		AgentID:         targetID,
		Content:         TextContent(message),
		Timestamp:       time.Now().UTC(),
		FormattedAuthor: "[" + cfg.agentName + "]",
	}
	msg.SetMeta("from_agent_id", deps.AgentID)
	msg.SetMeta("link_kind", string(link.Kind))
	msg.SetMeta("reply_to_agent", deps.AgentID)
	msg.SetMeta("reply_to_channel", senderChannel)
	// The originating channel is always the current one — the direct
	// parent of this link conversation. Conclusions route one hop back,
	// not to the root.
	msg.SetMeta("originating_channel", string(cfg.channelID))
	msg.SetMeta("original_sent_message", message)
	if cfg.originatingSource != "" {
		msg.SetMeta("originating_source", cfg.originatingSource)
	}

	if err := deps.Messaging.InjectMessage(ctx, msg); err != nil {
		return ToolResult{Error: "failed to deliver message: " + err.Error()}, nil
	}

	deps.Bus.Publish(ProcessEvent{
		Kind:        EventAgentMessageSent,
		AgentID:     deps.AgentID,
		FromAgentID: deps.AgentID,
		ToAgentID:   targetID,
		LinkID:      receiverChannel,
		ChannelID:   receiverChannel,
	})

	display := deps.AgentNames[targetID]
	if display == "" {
		display = targetID
	}
	return ToolResult{Content: "message sent to " + display}, nil
}

// newSendChannelMessageTool injects a message into a sibling channel of
// the same agent.
func newSendChannelMessageTool(deps *AgentDeps, fromChannel ChannelID) Tool {
	return &FuncTool{
		Def: ToolDefinition{
			Name:        "send_message_to_another_channel",
			Description: "Send a message into another conversation channel owned by this agent.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"channel_id":{"type":"string","description":"Target channel ID"},"message":{"type":"string","description":"Message content"}},"required":["channel_id","message"]}`),
		},
		Fn: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			var params struct {
				ChannelID string `json:"channel_id"`
				Message   string `json:"message"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return ToolResult{Error: "invalid args: " + err.Error()}, nil
			}
			if params.ChannelID == string(fromChannel) {
				return ToolResult{Error: "target is the current channel; just reply instead"}, nil
			}
			msg := InboundMessage{
				ID:             NewID(),
				Source:         "internal",
				ConversationID: params.ChannelID,
				SenderID:       deps.AgentID,
				AgentID:        deps.AgentID,
				Content:        TextContent(params.Message),
				Timestamp:      time.Now().UTC(),
			}
			msg.SetMeta("from_channel", string(fromChannel))
			if err := deps.Messaging.InjectMessage(ctx, msg); err != nil {
				return ToolResult{Error: "failed to deliver message: " + err.Error()}, nil
			}
			return ToolResult{Content: "message sent to " + params.ChannelID}, nil
		},
	}
}
