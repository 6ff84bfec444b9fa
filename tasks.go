package arbor

import (
	"context"
	"time"
)

// TaskStatus is the lifecycle state of an agent task. The core uses four
// transitions: Backlog→Ready (approval), Ready→InProgress (pickup),
// InProgress→Done (success), InProgress→Ready (failure requeue).
type TaskStatus string

const (
	TaskBacklog         TaskStatus = "backlog"
	TaskPendingApproval TaskStatus = "pending_approval"
	TaskReady           TaskStatus = "ready"
	TaskInProgress      TaskStatus = "in_progress"
	TaskDone            TaskStatus = "done"
)

// Subtask is one checklist entry of a task.
type Subtask struct {
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// Task is one unit of queued agent work. TaskNumber is agent-scoped and
// monotonic.
type Task struct {
	TaskNumber  int64      `json:"task_number"`
	AgentID     AgentID    `json:"agent_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Priority    string     `json:"priority"`
	Subtasks    []Subtask  `json:"subtasks,omitempty"`
	WorkerID    string     `json:"worker_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CreateTaskInput is the input for creating a task.
type CreateTaskInput struct {
	Title       string
	Description string
	Status      TaskStatus
	Priority    string
	Subtasks    []Subtask
}

// UpdateTaskInput is a partial task update. Nil fields are unchanged.
type UpdateTaskInput struct {
	Status        *TaskStatus
	WorkerID      *string
	ClearWorkerID bool
	Title         *string
	Description   *string
}

// TaskStore is the agent task queue. ClaimNextReady is the only operation
// with concurrency requirements: under concurrent callers each Ready task
// is returned to exactly one caller.
type TaskStore interface {
	Create(ctx context.Context, agentID AgentID, input CreateTaskInput) (Task, error)
	Get(ctx context.Context, agentID AgentID, taskNumber int64) (Task, bool, error)
	List(ctx context.Context, agentID AgentID, status *TaskStatus, limit int) ([]Task, error)
	Update(ctx context.Context, agentID AgentID, taskNumber int64, input UpdateTaskInput) error
	// ClaimNextReady atomically transitions one Ready task to InProgress
	// and returns it, or ok=false when none is ready.
	ClaimNextReady(ctx context.Context, agentID AgentID) (Task, bool, error)
}
