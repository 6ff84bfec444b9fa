package arbor

import (
	"context"
	"log/slog"
)

// Branch is a one-shot thinking process forked from a channel's history.
// It owns a snapshot of the history at fork time, has access to memory
// recall and worker spawning, has no reply channel, and produces a single
// conclusion string. The conclusion is emitted as a BranchResult on the
// bus; the parent channel incorporates it from there.
type Branch struct {
	ID          BranchID
	ChannelID   ChannelID
	Description string

	deps         *AgentDeps
	systemPrompt string
	history      []ChatMessage // clone of channel history at fork time
	logger       *slog.Logger
}

// NewBranch creates a branch over a history snapshot.
func NewBranch(channelID ChannelID, description string, deps *AgentDeps, systemPrompt string, history []ChatMessage) *Branch {
	return &Branch{
		ID:           NewID(),
		ChannelID:    channelID,
		Description:  description,
		deps:         deps,
		systemPrompt: systemPrompt,
		history:      history,
		logger:       deps.logger(),
	}
}

// Run drives the branch to its conclusion. Termination: a final
// assistant utterance, turn-limit exhaustion (the forced synthesis still
// returns text), a fatal LLM error, or cancellation via ctx. The
// BranchResult event is emitted in every non-cancelled case; errors
// become the conclusion body rather than propagating.
func (b *Branch) Run(ctx context.Context) (string, error) {
	b.logger.Info("branch starting", "branch_id", b.ID, "channel_id", b.ChannelID)
	b.deps.Runs.LogBranchStarted(b.ChannelID, b.ID, b.Description)

	tuning := b.deps.Runtime.Tuning.Load()

	registry := NewToolRegistry(
		NewMemoryRecallTool(b.deps.Search),
		NewMemorySaveTool(b.deps),
		b.spawnWorkerTool(),
	)

	messages := make([]ChatMessage, 0, len(b.history)+2)
	messages = append(messages, SystemMessage(b.systemPrompt))
	messages = append(messages, b.history...)
	messages = append(messages, UserMessage(
		"Think about the following and conclude: "+b.Description))

	result, err := runAgentLoop(ctx, loopConfig{
		name:        "branch:" + b.ID,
		deps:        b.deps,
		processType: ProcessBranch,
		registry:    registry,
		maxTurns:    tuning.BranchMaxTurns,
		logger:      b.logger,
	}, messages)

	conclusion := result.content
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		b.logger.Error("branch failed", "branch_id", b.ID, "error", err)
		conclusion = "branch failed: " + err.Error()
	}

	b.deps.Runs.LogBranchCompleted(b.ID, conclusion)
	b.deps.Bus.Publish(ProcessEvent{
		Kind:       EventBranchResult,
		AgentID:    b.deps.AgentID,
		BranchID:   b.ID,
		ChannelID:  b.ChannelID,
		Conclusion: conclusion,
	})

	b.logger.Info("branch completed", "branch_id", b.ID)
	return conclusion, err
}

// spawnWorkerTool lets a branch hand work to an independent worker. The
// worker is attributed to the branch's parent channel.
func (b *Branch) spawnWorkerTool() Tool {
	return NewSpawnWorkerTool(b.deps, b.ChannelID, nil)
}
