package arbor

import (
	"context"
	"time"
)

// ConversationMessage is one persisted channel message.
type ConversationMessage struct {
	ID         string    `json:"id"`
	ChannelID  ChannelID `json:"channel_id"`
	Role       string    `json:"role"`
	SenderName string    `json:"sender_name,omitempty"`
	SenderID   string    `json:"sender_id,omitempty"`
	Content    string    `json:"content"`
	Metadata   string    `json:"metadata,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConversationLogger persists channel messages. All Log methods are
// fire-and-forget: they spawn a goroutine and return immediately; write
// failures are logged at warn and swallowed. Reads are synchronous.
type ConversationLogger interface {
	LogUserMessage(channelID ChannelID, senderName, senderID, content string, metadata map[string]any)
	LogAssistantMessage(channelID ChannelID, content, senderName string)
	// LoadRecent returns the newest messages, reversed to chronological
	// order.
	LoadRecent(ctx context.Context, channelID ChannelID, limit int) ([]ConversationMessage, error)
}

// TimelineItemType tags a channel timeline entry.
type TimelineItemType string

const (
	TimelineMessage   TimelineItemType = "message"
	TimelineBranchRun TimelineItemType = "branch_run"
	TimelineWorkerRun TimelineItemType = "worker_run"
)

// TimelineItem is one entry of the unified channel timeline: messages,
// branch runs, and worker runs interleaved chronologically.
type TimelineItem struct {
	Type TimelineItemType `json:"type"`
	ID   string           `json:"id"`

	// Message fields.
	Role       string `json:"role,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	SenderID   string `json:"sender_id,omitempty"`
	Content    string `json:"content,omitempty"`

	// Branch run fields.
	Description string `json:"description,omitempty"`
	Conclusion  string `json:"conclusion,omitempty"`

	// Worker run fields.
	Task   string `json:"task,omitempty"`
	Result string `json:"result,omitempty"`
	Status string `json:"status,omitempty"`

	Timestamp   time.Time  `json:"timestamp"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkerRunSummary is a worker run row without the transcript blob.
type WorkerRunSummary struct {
	ID            WorkerID   `json:"id"`
	Task          string     `json:"task"`
	Status        string     `json:"status"`
	WorkerType    string     `json:"worker_type"`
	ChannelID     ChannelID  `json:"channel_id,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	HasTranscript bool       `json:"has_transcript"`
	ToolCalls     int64      `json:"tool_calls"`
}

// WorkerRunDetail is a worker run with its compressed transcript blob.
type WorkerRunDetail struct {
	WorkerRunSummary
	Result     string `json:"result,omitempty"`
	Transcript []byte `json:"-"`
}

// ProcessRunLogger persists branch and worker runs and serves the unified
// channel timeline. Writes are fire-and-forget, reads synchronous.
//
// Timeline invariant: every branch or worker run referenced by a channel
// has that channel recorded, except workers spawned by task pickup, whose
// channel is empty.
type ProcessRunLogger interface {
	LogBranchStarted(channelID ChannelID, branchID BranchID, description string)
	LogBranchCompleted(branchID BranchID, conclusion string)
	LogWorkerStarted(channelID ChannelID, workerID WorkerID, task, workerType string, agentID AgentID)
	LogWorkerCompleted(workerID WorkerID, result string, success bool)
	// LogWorkerTranscript stores the compressed transcript blob and the
	// tool-call count for a run.
	LogWorkerTranscript(workerID WorkerID, transcript []byte, toolCalls int64)

	// LoadChannelTimeline pages with keyset pagination: items strictly
	// older than before (when non-nil), newest-first query, reversed to
	// chronological order.
	LoadChannelTimeline(ctx context.Context, channelID ChannelID, limit int, before *time.Time) ([]TimelineItem, error)
	ListWorkerRuns(ctx context.Context, agentID AgentID, limit, offset int, statusFilter string) ([]WorkerRunSummary, int64, error)
	GetWorkerDetail(ctx context.Context, agentID AgentID, workerID WorkerID) (WorkerRunDetail, bool, error)
}

// CortexEvent is one persisted cortex loop action.
type CortexEvent struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	Summary   string         `json:"summary"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CortexLogger persists cortex actions for audit and UI display. Log is
// fire-and-forget.
type CortexLogger interface {
	Log(eventType, summary string, details map[string]any)
	LoadEvents(ctx context.Context, limit, offset int, eventType string) ([]CortexEvent, error)
	CountEvents(ctx context.Context, eventType string) (int64, error)
}

// AgentProfile is the cortex-generated profile card for an agent.
type AgentProfile struct {
	AgentID     AgentID   `json:"agent_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Status      string    `json:"status,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	AvatarSeed  string    `json:"avatar_seed,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProfileStore persists agent profiles.
type ProfileStore interface {
	UpsertProfile(ctx context.Context, profile AgentProfile) error
	LoadProfile(ctx context.Context, agentID AgentID) (AgentProfile, bool, error)
}
