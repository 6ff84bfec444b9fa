package arbor

import (
	"context"
	"sync"
)

// Agent is one tenant of the runtime: an independent failure domain
// owning its channels, memory, tasks, and cortex loops. Agents share
// only the process-wide model factory and the messaging bus.
type Agent struct {
	ID   AgentID
	deps *AgentDeps

	cortex *Cortex

	mu       sync.Mutex
	channels map[ChannelID]chan<- InboundMessage
	cancels  map[ChannelID]context.CancelFunc
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewAgent assembles an agent from its dependency bundle.
func NewAgent(deps *AgentDeps) *Agent {
	return &Agent{
		ID:       deps.AgentID,
		deps:     deps,
		cortex:   NewCortex(deps),
		channels: make(map[ChannelID]chan<- InboundMessage),
		cancels:  make(map[ChannelID]context.CancelFunc),
	}
}

// Deps exposes the dependency bundle for composition and tests.
func (a *Agent) Deps() *AgentDeps { return a.deps }

// Cortex exposes the background loop set.
func (a *Agent) Cortex() *Cortex { return a.cortex }

// Start launches the cortex loops. Channels start lazily on first
// message.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.cortex.Start(a.ctx)
	a.running = true
	a.deps.logger().Info("agent started", "agent_id", a.ID)
}

// Stop cancels every channel and the cortex loops.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	for id, cancel := range a.cancels {
		cancel()
		delete(a.cancels, id)
		delete(a.channels, id)
	}
	a.cancel()
	a.running = false
	a.deps.logger().Info("agent stopped", "agent_id", a.ID)
}

// Deliver routes an inbound message to its channel, creating and
// starting the channel on first contact. When the agent is Cold or
// Degraded, a forced warmup fires in the background before the turn
// lands.
func (a *Agent) Deliver(msg InboundMessage) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return &ErrConfig{Message: "agent not started: " + a.ID}
	}
	sender, ok := a.channels[msg.ConversationID]
	if !ok {
		sender = a.startChannelLocked(msg.ConversationID)
	}
	a.mu.Unlock()

	if !a.deps.Runtime.ReadyForWork() {
		a.cortex.TriggerForcedWarmup(a.ctx, "message")
	}

	select {
	case sender <- msg:
		return nil
	default:
		return &ErrConfig{Message: "channel queue full: " + msg.ConversationID}
	}
}

// startChannelLocked creates and runs a channel. Caller holds a.mu.
func (a *Agent) startChannelLocked(id ChannelID) chan<- InboundMessage {
	prompts := a.deps.Runtime.Prompts.Load()
	channel, sender := NewChannel(id, a.deps, prompts.Channel, nil)

	channelCtx, cancel := context.WithCancel(a.ctx)
	a.channels[id] = sender
	a.cancels[id] = cancel

	go func() {
		defer cancel()
		_ = channel.Run(channelCtx)
		a.mu.Lock()
		delete(a.channels, id)
		delete(a.cancels, id)
		a.mu.Unlock()
	}()

	return sender
}

// CloseChannel cancels one channel's loop.
func (a *Agent) CloseChannel(id ChannelID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cancel, ok := a.cancels[id]
	if ok {
		cancel()
		delete(a.cancels, id)
		delete(a.channels, id)
	}
	return ok
}

// ActiveChannels lists the channels currently running.
func (a *Agent) ActiveChannels() []ChannelID {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]ChannelID, 0, len(a.channels))
	for id := range a.channels {
		ids = append(ids, id)
	}
	return ids
}
