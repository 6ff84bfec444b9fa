package arbor

import (
	"context"
	"encoding/json"
	"time"
)

// LaunchWorker runs a worker on its own goroutine with the configured
// timeout, recording the run and broadcasting WorkerStarted and
// WorkerComplete. Errors never propagate out of the goroutine — a failed
// worker becomes WorkerComplete{success:false} carrying the message.
// The returned cancel func cooperatively stops the worker; it observes
// the cancellation at its next suspension point.
func LaunchWorker(ctx context.Context, deps *AgentDeps, w *Worker, tools []Tool, notify bool) context.CancelFunc {
	deps.Runs.LogWorkerStarted(w.ChannelID, w.ID, w.Task, w.WorkerType, deps.AgentID)
	deps.Bus.Publish(ProcessEvent{
		Kind:       EventWorkerStarted,
		AgentID:    deps.AgentID,
		WorkerID:   w.ID,
		ChannelID:  w.ChannelID,
		Task:       w.Task,
		WorkerType: w.WorkerType,
	})

	tuning := deps.Runtime.Tuning.Load()
	timeout := time.Duration(tuning.WorkerTimeoutSecs) * time.Second

	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	go func() {
		defer cancel()

		result, err := func() (result string, err error) {
			defer func() {
				if p := recover(); p != nil {
					err = &ErrLLM{Provider: "worker", Message: "panic in worker: " + sprint(p)}
				}
			}()
			return w.Run(runCtx, tools)
		}()

		success := err == nil
		if !success {
			result = "Worker failed: " + err.Error()
		}
		deps.Runs.LogWorkerCompleted(w.ID, result, success)
		deps.Bus.Publish(ProcessEvent{
			Kind:      EventWorkerComplete,
			AgentID:   deps.AgentID,
			WorkerID:  w.ID,
			ChannelID: w.ChannelID,
			Result:    result,
			Notify:    notify,
			Success:   success,
		})
	}()

	return cancel
}

func sprint(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, _ := json.Marshal(v)
	return string(data)
}

// NewSpawnWorkerTool exposes worker spawning as an LLM tool. The worker
// is attributed to channelID (empty for standalone) and inherits the
// given tool set.
func NewSpawnWorkerTool(deps *AgentDeps, channelID ChannelID, tools []Tool) Tool {
	return &FuncTool{
		Def: ToolDefinition{
			Name:        "spawn_worker",
			Description: "Spawn an independent worker to execute a task in the background. Returns immediately with the worker id; completion arrives as a status update.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"task":{"type":"string","description":"Task description for the worker"},"task_type":{"type":"string","description":"Optional task type for model routing (e.g. coding)"},"notify":{"type":"boolean","description":"Whether to surface the result when done (default true)"}},"required":["task"]}`),
		},
		Fn: func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
			var params struct {
				Task     string `json:"task"`
				TaskType string `json:"task_type"`
				Notify   *bool  `json:"notify"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return ToolResult{Error: "invalid args: " + err.Error()}, nil
			}
			if params.Task == "" {
				return ToolResult{Error: "task is required"}, nil
			}
			prompts := deps.Runtime.Prompts.Load()
			w := NewWorker(channelID, params.Task, prompts.Worker, deps).
				WithTaskType(params.TaskType)
			notify := true
			if params.Notify != nil {
				notify = *params.Notify
			}
			// Detach from the turn's context so the worker outlives it.
			LaunchWorker(context.WithoutCancel(ctx), deps, w, tools, notify)
			return ToolResult{Content: "worker " + w.ID + " spawned"}, nil
		},
	}
}
