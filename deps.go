package arbor

import "log/slog"

// AgentDeps bundles the shared collaborators handed to every process of
// one agent. All fields are snapshot-safe: config is read through atomic
// pointers on RuntimeConfig, and cross-process mutation happens only
// through the event Bus.
type AgentDeps struct {
	AgentID AgentID

	Runtime   *RuntimeConfig
	Bus       *Bus
	Memory    MemoryStore
	Search    *MemorySearch
	Tasks     TaskStore
	Convo     ConversationLogger
	Runs      ProcessRunLogger
	CortexLog CortexLogger
	Profiles  ProfileStore
	Completer *Completer
	Messaging MessagingManager
	Sandbox   Sandbox
	Logger    *slog.Logger

	// Links is the agent communication graph this agent participates in.
	Links []AgentLink
	// AgentNames maps known agent IDs to display names, for resolving
	// send_agent_message targets.
	AgentNames map[AgentID]string
}

// logger returns the configured logger or the nop fallback.
func (d *AgentDeps) logger() *slog.Logger {
	if d.Logger == nil {
		return NopLogger()
	}
	return d.Logger
}
