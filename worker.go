package arbor

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// WorkerState is the worker lifecycle state machine.
type WorkerState string

const (
	// WorkerRunning: the worker is processing.
	WorkerRunning WorkerState = "running"
	// WorkerWaitingForInput: an interactive worker is blocked on input.
	WorkerWaitingForInput WorkerState = "waiting_for_input"
	// WorkerDone: terminal success.
	WorkerDone WorkerState = "done"
	// WorkerFailed: terminal failure.
	WorkerFailed WorkerState = "failed"
)

// Worker is an independent task execution process with full tool access.
// Spawned by a channel, a branch, or the ready-task pickup loop (in which
// case ChannelID is empty). On completion it transfers its result string
// back via the event bus — workers hold no reference to their parent.
type Worker struct {
	ID         WorkerID
	ChannelID  ChannelID // empty for task-pickup workers
	Task       string
	TaskType   string
	WorkerType string

	deps         *AgentDeps
	systemPrompt string
	logger       *slog.Logger

	mu    sync.Mutex
	state WorkerState

	// inputCh is non-nil for interactive workers.
	inputCh chan string
}

// NewWorker creates a fire-and-forget worker.
func NewWorker(channelID ChannelID, task, systemPrompt string, deps *AgentDeps) *Worker {
	return &Worker{
		ID:           NewID(),
		ChannelID:    channelID,
		Task:         task,
		WorkerType:   "builtin",
		deps:         deps,
		systemPrompt: systemPrompt,
		logger:       deps.logger(),
		state:        WorkerRunning,
	}
}

// NewInteractiveWorker creates a worker that can pause for follow-up
// input. The returned channel feeds it.
func NewInteractiveWorker(channelID ChannelID, task, systemPrompt string, deps *AgentDeps) (*Worker, chan<- string) {
	w := NewWorker(channelID, task, systemPrompt, deps)
	w.inputCh = make(chan string, 32)
	return w, w.inputCh
}

// WithTaskType sets the routing task type (e.g. "coding").
func (w *Worker) WithTaskType(taskType string) *Worker {
	w.TaskType = taskType
	return w
}

// WithWorkerType overrides the worker_type recorded in run logs.
func (w *Worker) WithWorkerType(workerType string) *Worker {
	w.WorkerType = workerType
	return w
}

// IsInteractive reports whether the worker accepts follow-up input.
func (w *Worker) IsInteractive() bool {
	return w.inputCh != nil
}

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// CanTransitionTo reports whether the state machine permits a move to
// target. Permitted: Running→WaitingForInput (interactive), Running→Done,
// Running→Failed, WaitingForInput→Running, WaitingForInput→Failed.
func (w *Worker) CanTransitionTo(target WorkerState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return canTransition(w.state, target)
}

func canTransition(from, to WorkerState) bool {
	switch from {
	case WorkerRunning:
		return to == WorkerWaitingForInput || to == WorkerDone || to == WorkerFailed
	case WorkerWaitingForInput:
		return to == WorkerRunning || to == WorkerFailed
	}
	return false
}

// TransitionTo moves the state machine, rejecting anything the machine
// does not permit.
func (w *Worker) TransitionTo(target WorkerState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !canTransition(w.state, target) {
		return &ErrInvalidTransition{From: string(w.state), To: string(target)}
	}
	w.state = target
	return nil
}

// IsDone reports whether the worker reached a terminal state.
func (w *Worker) IsDone() bool {
	s := w.State()
	return s == WorkerDone || s == WorkerFailed
}

// workerTools assembles the worker's tool registry: external tools plus
// the built-in status, input-wait, and sub-worker capabilities.
func (w *Worker) workerTools(extra []Tool) *ToolRegistry {
	registry := NewToolRegistry(extra...)

	registry.Add(&FuncTool{
		Def: ToolDefinition{
			Name:        "report_status",
			Description: "Report a short progress status line, visible in the parent conversation's status block.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"status":{"type":"string","description":"Short status line"}},"required":["status"]}`),
		},
		Fn: func(_ context.Context, args json.RawMessage) (ToolResult, error) {
			var params struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return ToolResult{Error: "invalid args: " + err.Error()}, nil
			}
			w.deps.Bus.Publish(ProcessEvent{
				Kind:      EventWorkerStatus,
				AgentID:   w.deps.AgentID,
				WorkerID:  w.ID,
				ChannelID: w.ChannelID,
				Status:    params.Status,
			})
			return ToolResult{Content: "status reported"}, nil
		},
	})

	registry.Add(&FuncTool{
		Def: ToolDefinition{
			Name:        "spawn_subworker",
			Description: "Spawn a nested worker for an independent subtask. Returns the subworker result when it finishes.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"task":{"type":"string","description":"Subtask description"}},"required":["task"]}`),
		},
		Fn: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			var params struct {
				Task string `json:"task"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return ToolResult{Error: "invalid args: " + err.Error()}, nil
			}
			sub := NewWorker(w.ChannelID, params.Task, w.systemPrompt, w.deps).
				WithWorkerType("subworker")
			result, err := sub.Run(ctx, extra)
			if err != nil {
				return ToolResult{Error: err.Error()}, nil
			}
			return ToolResult{Content: result}, nil
		},
	})

	if w.IsInteractive() {
		registry.Add(&FuncTool{
			Def: ToolDefinition{
				Name:        "wait_for_input",
				Description: "Pause and wait for follow-up input from the requester. Returns the input when it arrives.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"prompt":{"type":"string","description":"What you are waiting for"}},"required":[]}`),
			},
			Fn: func(ctx context.Context, _ json.RawMessage) (ToolResult, error) {
				if err := w.TransitionTo(WorkerWaitingForInput); err != nil {
					return ToolResult{Error: err.Error()}, nil
				}
				select {
				case <-ctx.Done():
					_ = w.TransitionTo(WorkerFailed)
					return ToolResult{}, ctx.Err()
				case input, ok := <-w.inputCh:
					if !ok {
						_ = w.TransitionTo(WorkerFailed)
						return ToolResult{Error: "input channel closed"}, nil
					}
					if err := w.TransitionTo(WorkerRunning); err != nil {
						return ToolResult{Error: err.Error()}, nil
					}
					return ToolResult{Content: input}, nil
				}
			},
		})
	}

	return registry
}

// Run drives the worker to completion and returns the final result
// string. The caller is responsible for broadcasting WorkerComplete so
// status blocks and UIs update uniformly.
func (w *Worker) Run(ctx context.Context, tools []Tool) (string, error) {
	w.deps.Bus.Publish(ProcessEvent{
		Kind:      EventWorkerStatus,
		AgentID:   w.deps.AgentID,
		WorkerID:  w.ID,
		ChannelID: w.ChannelID,
		Status:    "running",
	})

	tuning := w.deps.Runtime.Tuning.Load()
	registry := w.workerTools(tools)

	messages := []ChatMessage{
		SystemMessage(w.systemPrompt),
		UserMessage(w.Task),
	}

	result, err := runAgentLoop(ctx, loopConfig{
		name:        "worker:" + w.ID,
		deps:        w.deps,
		processType: ProcessWorker,
		taskType:    w.TaskType,
		registry:    registry,
		maxTurns:    tuning.WorkerMaxTurns,
		logger:      w.logger,
	}, messages)

	success := err == nil
	if success {
		if terr := w.TransitionTo(WorkerDone); terr != nil {
			w.logger.Warn("worker done transition rejected", "worker_id", w.ID, "error", terr)
		}
	} else {
		_ = w.TransitionTo(WorkerFailed)
	}

	w.persistTranscript(result, success)

	if err != nil {
		return "", err
	}
	return result.content, nil
}

// persistTranscript records the compressed transcript per the global
// worker log mode: errors_only skips successful runs, both all modes
// always persist.
func (w *Worker) persistTranscript(result loopResult, success bool) {
	mode := *w.deps.Runtime.WorkerLog.Load()
	if mode == WorkerLogErrorsOnly && success {
		return
	}
	if len(result.transcript) == 0 {
		return
	}
	blob, err := compressTranscript(result.transcript)
	if err != nil {
		w.logger.Warn("failed to compress worker transcript", "worker_id", w.ID, "error", err)
		return
	}
	w.deps.Runs.LogWorkerTranscript(w.ID, blob, result.toolCalls)
}

// compressTranscript gzips the JSON-encoded transcript stream.
func compressTranscript(entries []transcriptEntry) ([]byte, error) {
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("marshal transcript: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress transcript: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress transcript: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressTranscript reverses compressTranscript, for transcript reads.
func DecompressTranscript(blob []byte) ([]transcriptEntry, error) {
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("decompress transcript: %w", err)
	}
	defer zr.Close()
	var entries []transcriptEntry
	if err := json.NewDecoder(zr).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return entries, nil
}
