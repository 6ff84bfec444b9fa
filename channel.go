package arbor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// channelErrorReply is the single terse reply appended when a turn fails
// after all retries. No partial tool output leaks.
const channelErrorReply = "I hit an error handling that — please try again."

// channelQueueDepth is the inbound message queue depth per channel.
const channelQueueDepth = 64

// Channel is a long-running conversation process for one external
// conversation. It serializes three sources of change — inbound messages,
// process events, and the coalesce timer — and guarantees at most one
// in-flight LLM turn.
//
// The channel exclusively owns its history, its status block, and the
// cancel handles of the branches and workers it spawned. External readers
// get snapshots through Status and History.
type Channel struct {
	ID    ChannelID
	Title string

	deps         *AgentDeps
	systemPrompt string
	logger       *slog.Logger

	messageCh chan InboundMessage
	sub       *Subscription
	coalescer *coalescer

	// outbound carries responses toward the messaging adapter.
	outbound chan<- OutboundResponse

	mu             sync.RWMutex
	history        []ChatMessage
	statusBlock    *StatusBlock
	activeBranches map[BranchID]context.CancelFunc
	activeWorkers  map[WorkerID]*Worker
	workerCancels  map[WorkerID]context.CancelFunc
	workerInputs   map[WorkerID]chan<- string
	messageCount   int

	conclude *concludeState

	// lastInbound keeps the most recent inbound metadata for link routing.
	lastInbound InboundMessage
}

// NewChannel constructs a channel and returns the write end of its
// message queue. The outbound channel may be nil when no adapter is
// attached (link channels owned by another agent, tests).
func NewChannel(id ChannelID, deps *AgentDeps, systemPrompt string, outbound chan<- OutboundResponse) (*Channel, chan<- InboundMessage) {
	messageCh := make(chan InboundMessage, channelQueueDepth)
	c := &Channel{
		ID:             id,
		deps:           deps,
		systemPrompt:   systemPrompt,
		logger:         deps.logger().With("channel_id", id),
		messageCh:      messageCh,
		sub:            deps.Bus.Subscribe(),
		coalescer:      newCoalescer(*deps.Runtime.Coalesce.Load()),
		outbound:       outbound,
		statusBlock:    NewStatusBlock(),
		activeBranches: make(map[BranchID]context.CancelFunc),
		activeWorkers:  make(map[WorkerID]*Worker),
		workerCancels:  make(map[WorkerID]context.CancelFunc),
		workerInputs:   make(map[WorkerID]chan<- string),
		conclude:       &concludeState{},
	}
	return c, messageCh
}

// Run is the channel event loop. It returns when the message queue
// closes or ctx is cancelled.
func (c *Channel) Run(ctx context.Context) error {
	c.logger.Info("channel started")
	defer c.sub.Close()

	var flushTimer *time.Timer
	var flushCh <-chan time.Time

	armFlush := func(d time.Duration) {
		if flushTimer != nil {
			flushTimer.Stop()
		}
		flushTimer = time.NewTimer(d)
		flushCh = flushTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("channel stopped", "reason", "context cancelled")
			return ctx.Err()

		case msg, ok := <-c.messageCh:
			if !ok {
				c.logger.Info("channel stopped", "reason", "queue closed")
				return nil
			}
			wait := c.coalescer.add(msg)
			if wait <= 0 {
				flushCh = nil
				c.flushAndTurn(ctx)
			} else {
				armFlush(wait)
			}

		case <-flushCh:
			flushCh = nil
			c.flushAndTurn(ctx)

		case ev, ok := <-c.sub.Events():
			if !ok {
				return nil
			}
			c.handleEvent(ctx, ev)
			if lagged := c.sub.TakeLagged(); lagged > 0 {
				c.logger.Warn("channel lagged on event bus", "dropped", lagged)
			}
		}
	}
}

// flushAndTurn drains the coalescer and runs one LLM turn.
func (c *Channel) flushAndTurn(ctx context.Context) {
	msg, ok := c.coalescer.flush()
	if !ok {
		return
	}
	c.handleMessage(ctx, msg)
}

// handleMessage runs one full turn for an inbound message.
func (c *Channel) handleMessage(ctx context.Context, msg InboundMessage) {
	c.logger.Info("handling message", "message_id", msg.ID, "source", msg.Source)

	text := msg.Content.DisplayText()
	sender := msg.FormattedAuthor
	if sender == "" {
		sender = msg.SenderID
	}

	c.mu.Lock()
	c.lastInbound = msg
	c.history = append(c.history, ChatMessage{Role: "user", Content: text, Sender: sender})
	c.messageCount++
	count := c.messageCount
	c.mu.Unlock()

	c.deps.Convo.LogUserMessage(c.ID, sender, msg.SenderID, text, metaToAny(msg.Metadata))

	reply, err := c.runTurn(ctx, msg)
	if err != nil {
		// LLM failure after all retries: terse reply, log, never propagate.
		c.logger.Error("channel turn failed", "error", err)
		reply = channelErrorReply
	}

	c.mu.Lock()
	c.history = append(c.history, AssistantMessage(reply))
	c.mu.Unlock()

	c.deps.Convo.LogAssistantMessage(c.ID, reply, c.agentDisplayName())
	c.emit(OutboundResponse{Status: StatusStopTyping})
	if reply != "" {
		c.emit(TextResponse(reply))
	}

	// Conclude-link signalling: the tool sets the flag during the turn;
	// the loop observes it afterwards and routes the summary upstream.
	if summary, concluded := c.conclude.take(); concluded {
		c.routeConclusion(ctx, summary)
	}

	persistence := c.deps.Runtime.MemoryPersistence.Load()
	if persistence.Enabled && persistence.MessageInterval > 0 && count%persistence.MessageInterval == 0 {
		go c.persistMemories(context.WithoutCancel(ctx))
	}

	c.maybeCompact(ctx)
}

// runTurn drives the LLM with the channel tool set and returns the reply.
func (c *Channel) runTurn(ctx context.Context, msg InboundMessage) (string, error) {
	c.emit(OutboundResponse{Status: StatusStartTyping})

	tuning := c.deps.Runtime.Tuning.Load()
	registry := c.channelTools(msg)

	c.mu.RLock()
	messages := make([]ChatMessage, 0, len(c.history)+1)
	messages = append(messages, SystemMessage(c.renderSystemPrompt()))
	messages = append(messages, c.history...)
	c.mu.RUnlock()

	result, err := runAgentLoop(ctx, loopConfig{
		name:        "channel:" + c.ID,
		deps:        c.deps,
		processType: ProcessChannel,
		registry:    registry,
		maxTurns:    tuning.ChannelMaxTurns,
		logger:      c.logger,
	}, messages)
	if err != nil {
		return "", err
	}
	return result.content, nil
}

// renderSystemPrompt composes the configured prompt, identity, the live
// memory bulletin, and the status block.
func (c *Channel) renderSystemPrompt() string {
	var b strings.Builder
	b.WriteString(c.systemPrompt)

	if identity := c.deps.Runtime.Identity.Load().Render(); identity != "" {
		b.WriteString("\n\n## Identity\n")
		b.WriteString(identity)
	}
	if bulletin := c.deps.Runtime.Bulletin(); bulletin != "" {
		b.WriteString("\n\n## Memory Bulletin\n")
		b.WriteString(bulletin)
	}
	if status := c.statusSnapshot(); status != "" {
		b.WriteString("\n\n")
		b.WriteString(status)
	}
	return b.String()
}

// channelTools assembles the per-turn tool registry.
func (c *Channel) channelTools(msg InboundMessage) *ToolRegistry {
	registry := NewToolRegistry(
		NewMemoryRecallTool(c.deps.Search),
		NewMemorySaveTool(c.deps),
		NewSpawnWorkerTool(c.deps, c.ID, nil),
		newSendChannelMessageTool(c.deps, c.ID),
		c.spawnBranchTool(),
	)
	if c.deps.Messaging != nil {
		registry.Add(newSendAgentMessageTool(sendAgentMessageConfig{
			deps:               c.deps,
			agentName:          c.agentDisplayName(),
			channelID:          c.ID,
			originatingSource:  msg.MetaString("originating_source"),
			originatingChannel: msg.MetaString("originating_channel"),
		}))
	}
	if _, isLink := ParseLinkChannel(c.ID, c.deps.AgentID); isLink {
		registry.Add(newConcludeLinkTool(c.conclude))
	}
	return registry
}

// spawnBranchTool lets the channel LLM fork a thinking branch.
func (c *Channel) spawnBranchTool() Tool {
	return &FuncTool{
		Def: ToolDefinition{
			Name:        "spawn_branch",
			Description: "Fork a background thinking process over the current conversation. It reads memory, may spawn workers, and reports a conclusion back to this conversation.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"description":{"type":"string","description":"What the branch should think about"}},"required":["description"]}`),
		},
		Fn: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			var params struct {
				Description string `json:"description"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return ToolResult{Error: "invalid args: " + err.Error()}, nil
			}
			branchID, err := c.SpawnBranch(context.WithoutCancel(ctx), params.Description)
			if err != nil {
				return ToolResult{Error: err.Error()}, nil
			}
			return ToolResult{Content: "branch " + branchID + " spawned"}, nil
		},
	}
}

// SpawnBranch forks the current history into a branch. Fails with
// ErrBranchLimit when the concurrent-branch cap is reached.
func (c *Channel) SpawnBranch(ctx context.Context, description string) (BranchID, error) {
	tuning := c.deps.Runtime.Tuning.Load()

	c.mu.Lock()
	if len(c.activeBranches) >= tuning.MaxConcurrentBranches {
		c.mu.Unlock()
		return "", &ErrBranchLimit{ChannelID: c.ID, Max: tuning.MaxConcurrentBranches}
	}
	historyClone := make([]ChatMessage, len(c.history))
	copy(historyClone, c.history)
	c.mu.Unlock()

	prompts := c.deps.Runtime.Prompts.Load()
	branch := NewBranch(c.ID, description, c.deps, prompts.Branch, historyClone)

	branchCtx, cancel := context.WithTimeout(ctx,
		time.Duration(tuning.BranchTimeoutSecs)*time.Second)

	c.mu.Lock()
	c.activeBranches[branch.ID] = cancel
	c.statusBlock.AddBranch(branch.ID, description)
	c.mu.Unlock()

	go func() {
		defer cancel()
		defer func() {
			// A panicking branch is isolated; the channel continues.
			if p := recover(); p != nil {
				c.logger.Error("branch panicked", "branch_id", branch.ID, "panic", sprint(p))
				c.deps.Bus.Publish(ProcessEvent{
					Kind:       EventBranchResult,
					AgentID:    c.deps.AgentID,
					BranchID:   branch.ID,
					ChannelID:  c.ID,
					Conclusion: "branch failed: " + sprint(p),
				})
			}
		}()
		_, _ = branch.Run(branchCtx)
	}()

	c.logger.Info("branch spawned", "branch_id", branch.ID)
	return branch.ID, nil
}

// SpawnWorker constructs and launches a worker owned by this channel.
// The interactive variant additionally yields an input queue.
func (c *Channel) SpawnWorker(ctx context.Context, task string, interactive bool) (WorkerID, error) {
	prompts := c.deps.Runtime.Prompts.Load()

	var w *Worker
	if interactive {
		worker, inputCh := NewInteractiveWorker(c.ID, task, prompts.Worker, c.deps)
		w = worker
		c.mu.Lock()
		c.workerInputs[w.ID] = inputCh
		c.mu.Unlock()
	} else {
		w = NewWorker(c.ID, task, prompts.Worker, c.deps)
	}

	c.mu.Lock()
	c.activeWorkers[w.ID] = w
	c.statusBlock.AddWorker(w.ID, task, true)
	c.mu.Unlock()

	cancel := LaunchWorker(ctx, c.deps, w, nil, true)
	c.mu.Lock()
	c.workerCancels[w.ID] = cancel
	c.mu.Unlock()

	c.logger.Info("worker spawned", "worker_id", w.ID, "task", task)
	return w.ID, nil
}

// CancelWorker cooperatively cancels an active worker owned by this
// channel.
func (c *Channel) CancelWorker(workerID WorkerID) bool {
	c.mu.Lock()
	cancel, ok := c.workerCancels[workerID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// SendWorkerInput feeds an interactive worker.
func (c *Channel) SendWorkerInput(workerID WorkerID, input string) bool {
	c.mu.RLock()
	ch, ok := c.workerInputs[workerID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- input:
		return true
	default:
		return false
	}
}

// CancelBranch cooperatively cancels an active branch.
func (c *Channel) CancelBranch(branchID BranchID) bool {
	c.mu.Lock()
	cancel, ok := c.activeBranches[branchID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// handleEvent applies a process event. The status block is updated
// synchronously before any other handling.
func (c *Channel) handleEvent(ctx context.Context, event ProcessEvent) {
	if event.ChannelID != c.ID {
		return
	}

	c.mu.Lock()
	// A worker started elsewhere (branch-spawned) but attributed to this
	// channel joins the status block on its start event.
	if event.Kind == EventWorkerStarted && !c.statusBlock.IsWorkerActive(event.WorkerID) {
		if _, owned := c.activeWorkers[event.WorkerID]; !owned {
			c.statusBlock.AddWorker(event.WorkerID, event.Task, true)
		}
	}
	c.statusBlock.Update(event)
	c.mu.Unlock()

	switch event.Kind {
	case EventBranchResult:
		c.mu.Lock()
		if cancel, ok := c.activeBranches[event.BranchID]; ok {
			delete(c.activeBranches, event.BranchID)
			cancel()
		}
		// The conclusion joins history as context for subsequent turns.
		c.history = append(c.history, ChatMessage{
			Role:    "assistant",
			Content: "[branch conclusion] " + event.Conclusion,
		})
		c.mu.Unlock()
		c.logger.Info("branch result incorporated", "branch_id", event.BranchID)

	case EventWorkerComplete:
		c.mu.Lock()
		delete(c.activeWorkers, event.WorkerID)
		delete(c.workerCancels, event.WorkerID)
		if inputCh, ok := c.workerInputs[event.WorkerID]; ok {
			delete(c.workerInputs, event.WorkerID)
			close(inputCh)
		}
		c.mu.Unlock()
		c.logger.Info("worker completed", "worker_id", event.WorkerID, "success", event.Success)
	}
}

// routeConclusion delivers a conclude_link summary to the originating
// channel as a system-origin inbound message.
func (c *Channel) routeConclusion(ctx context.Context, summary string) {
	c.mu.RLock()
	origin := c.lastInbound
	c.mu.RUnlock()

	target := origin.MetaString("originating_channel")
	if target == "" || c.deps.Messaging == nil {
		c.logger.Warn("conclude_link with no originating channel, dropping summary")
		return
	}

	msg := InboundMessage{
		ID:             NewID(),
		Source:         "system",
		ConversationID: target,
		SenderID:       c.deps.AgentID,
		Content:        TextContent(fmt.Sprintf("[link concluded] %s", summary)),
		Timestamp:      time.Now().UTC(),
	}
	if source := origin.MetaString("originating_source"); source != "" {
		msg.SetMeta("originating_source", source)
	}
	msg.SetMeta("concluded_link", string(c.ID))

	if err := c.deps.Messaging.InjectMessage(ctx, msg); err != nil {
		c.logger.Warn("failed to route link conclusion", "target", target, "error", err)
	}
}

// persistMemories runs the periodic memory-extraction pass: the LLM reads
// the recent window and saves anything durable through memory_save.
func (c *Channel) persistMemories(ctx context.Context) {
	c.mu.RLock()
	window := c.history
	if len(window) > 30 {
		window = window[len(window)-30:]
	}
	var convo strings.Builder
	for _, m := range window {
		fmt.Fprintf(&convo, "[%s] %s\n", m.Role, m.Content)
	}
	c.mu.RUnlock()

	registry := NewToolRegistry(NewMemorySaveTool(c.deps))
	_, err := runAgentLoop(ctx, loopConfig{
		name:        "memory-persist:" + c.ID,
		deps:        c.deps,
		processType: ProcessCortex,
		registry:    registry,
		maxTurns:    3,
		logger:      c.logger,
	}, []ChatMessage{
		SystemMessage("Extract durable memories from the conversation below: identity, preferences, decisions, facts, goals. Save each with memory_save. Skip chit-chat. When nothing is worth saving, reply 'nothing to save'."),
		UserMessage(convo.String()),
	})
	if err != nil {
		c.logger.Warn("memory persistence pass failed", "error", err)
	}
}

// maybeCompact compacts in-memory history past the configured bound and
// broadcasts CompactionTriggered.
func (c *Channel) maybeCompact(ctx context.Context) {
	compaction := c.deps.Runtime.Compaction.Load()
	c.mu.RLock()
	over := compaction.MaxHistoryMessages > 0 && len(c.history) > compaction.MaxHistoryMessages
	size := len(c.history)
	c.mu.RUnlock()
	if !over {
		return
	}

	c.deps.Bus.Publish(ProcessEvent{
		Kind:             EventCompactionTriggered,
		AgentID:          c.deps.AgentID,
		ChannelID:        c.ID,
		ThresholdReached: float64(size) / float64(compaction.MaxHistoryMessages),
	})

	c.mu.Lock()
	history := make([]ChatMessage, len(c.history))
	copy(history, c.history)
	c.mu.Unlock()

	compacted := compactHistory(ctx, c.deps, history)

	c.mu.Lock()
	// Only swap if no turn appended in the meantime grew it further.
	if len(c.history) == len(history) {
		c.history = compacted
	}
	c.mu.Unlock()
}

// Status renders the status block snapshot.
func (c *Channel) Status() string {
	return c.statusSnapshot()
}

func (c *Channel) statusSnapshot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statusBlock.Render()
}

// History returns a copy of the in-memory conversation history.
func (c *Channel) History() []ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ChatMessage, len(c.history))
	copy(out, c.history)
	return out
}

// emit sends an outbound response without blocking the loop. Channels
// with no direct outbound queue hand the response to the messaging
// manager, addressed to the adapter the last inbound message came from.
func (c *Channel) emit(resp OutboundResponse) {
	if c.outbound != nil {
		select {
		case c.outbound <- resp:
		default:
			c.logger.Warn("outbound queue full, dropping response")
		}
		return
	}
	if c.deps.Messaging == nil {
		return
	}
	c.mu.RLock()
	adapter := c.lastInbound.Source
	c.mu.RUnlock()
	if adapter == "" || adapter == "internal" || adapter == "system" {
		return
	}
	if err := c.deps.Messaging.Broadcast(context.Background(), adapter, string(c.ID), resp); err != nil {
		c.logger.Warn("broadcast failed", "adapter", adapter, "error", err)
	}
}

func (c *Channel) agentDisplayName() string {
	if name := c.deps.Runtime.Identity.Load().Name; name != "" {
		return name
	}
	return c.deps.AgentID
}

func metaToAny(meta map[string]json.RawMessage) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		var val any
		if err := json.Unmarshal(v, &val); err == nil {
			out[k] = val
		}
	}
	return out
}
