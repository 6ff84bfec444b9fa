package arbor

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// pickupStartupDelaySecs lets startup settle before the first pickup
// attempt.
const pickupStartupDelaySecs = 10

// pickupMinTickSecs floors the loop interval.
const pickupMinTickSecs = 5

// runReadyTaskLoop picks up one Ready task at a time and runs it as a
// standalone worker with no parent channel.
func (cx *Cortex) runReadyTaskLoop(ctx context.Context) {
	cx.logger.Info("ready-task loop started")

	if !sleepOrDone(ctx, pickupStartupDelaySecs*time.Second) {
		return
	}

	for {
		tickSecs := cx.deps.Runtime.Cortex.Load().TickIntervalSecs
		if tickSecs < pickupMinTickSecs {
			tickSecs = pickupMinTickSecs
		}
		if !sleepOrDone(ctx, time.Duration(tickSecs)*time.Second) {
			return
		}

		if err := cx.PickupOneReadyTask(ctx); err != nil {
			cx.logger.Warn("ready-task pickup pass failed", "error", err)
		}
	}
}

// PickupOneReadyTask claims at most one Ready task and runs it. Claiming
// atomically transitions Ready→InProgress; success finishes Done, failure
// requeues to Ready with the worker id cleared. Both outcomes emit
// TaskUpdated and WorkerComplete. The run logger persists the worker run
// directly since no channel event handler will.
func (cx *Cortex) PickupOneReadyTask(ctx context.Context) error {
	deps := cx.deps

	// Readiness guard: a cold or degraded agent gets a forced warmup
	// kicked off in the background; the claim still proceeds.
	if !deps.Runtime.ReadyForWork() {
		cx.TriggerForcedWarmup(ctx, "task")
	}

	task, claimed, err := deps.Tasks.ClaimNextReady(ctx, deps.AgentID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	deps.CortexLog.Log("task_pickup_started",
		fmt.Sprintf("Picked up ready task #%d", task.TaskNumber),
		map[string]any{"task_number": task.TaskNumber, "title": task.Title})

	prompts := deps.Runtime.Prompts.Load()
	taskPrompt := buildTaskPrompt(task)

	w := NewWorker("", taskPrompt, prompts.Worker, deps).WithWorkerType("task")

	workerID := w.ID
	if err := deps.Tasks.Update(ctx, deps.AgentID, task.TaskNumber, UpdateTaskInput{
		WorkerID: &workerID,
	}); err != nil {
		return fmt.Errorf("record task worker: %w", err)
	}

	deps.Bus.Publish(ProcessEvent{
		Kind:       EventTaskUpdated,
		AgentID:    deps.AgentID,
		TaskNumber: task.TaskNumber,
		Status:     string(TaskInProgress),
		Action:     "updated",
	})

	taskDescription := fmt.Sprintf("task #%d: %s", task.TaskNumber, task.Title)
	deps.Bus.Publish(ProcessEvent{
		Kind:       EventWorkerStarted,
		AgentID:    deps.AgentID,
		WorkerID:   w.ID,
		Task:       taskDescription,
		WorkerType: "task",
	})
	// No parent channel will persist this run, so log it here.
	deps.Runs.LogWorkerStarted("", w.ID, taskDescription, "task", deps.AgentID)

	tuning := deps.Runtime.Tuning.Load()
	timeout := time.Duration(tuning.WorkerTimeoutSecs) * time.Second

	go func() {
		runCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		result, err := w.Run(runCtx, nil)
		if err == nil {
			cx.finishPickedUpTask(ctx, task, w.ID, result)
		} else {
			cx.requeuePickedUpTask(ctx, task, w.ID, err)
		}
	}()

	return nil
}

// buildTaskPrompt renders the worker prompt body for a picked-up task.
func buildTaskPrompt(task Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execute task #%d: %s", task.TaskNumber, task.Title)
	if task.Description != "" {
		b.WriteString("\n\nDescription:\n")
		b.WriteString(task.Description)
	}
	if len(task.Subtasks) > 0 {
		b.WriteString("\n\nSubtasks:\n")
		for i, subtask := range task.Subtasks {
			marker := "[ ]"
			if subtask.Completed {
				marker = "[x]"
			}
			fmt.Fprintf(&b, "%d. %s %s\n", i+1, marker, subtask.Title)
		}
	}
	return b.String()
}

// finishPickedUpTask handles worker success: Done, events, logs.
func (cx *Cortex) finishPickedUpTask(ctx context.Context, task Task, workerID WorkerID, result string) {
	deps := cx.deps

	done := TaskDone
	updateErr := deps.Tasks.Update(ctx, deps.AgentID, task.TaskNumber, UpdateTaskInput{Status: &done})
	if updateErr != nil {
		cx.logger.Warn("failed to mark picked-up task done",
			"task_number", task.TaskNumber, "error", updateErr)
	}

	deps.Runs.LogWorkerCompleted(workerID, result, true)

	if updateErr == nil {
		deps.Bus.Publish(ProcessEvent{
			Kind:       EventTaskUpdated,
			AgentID:    deps.AgentID,
			TaskNumber: task.TaskNumber,
			Status:     string(TaskDone),
			Action:     "updated",
		})
	}

	deps.CortexLog.Log("task_pickup_completed",
		fmt.Sprintf("Completed picked-up task #%d", task.TaskNumber),
		map[string]any{"task_number": task.TaskNumber, "worker_id": workerID})

	deps.Bus.Publish(ProcessEvent{
		Kind:     EventWorkerComplete,
		AgentID:  deps.AgentID,
		WorkerID: workerID,
		Result:   result,
		Notify:   true,
		Success:  true,
	})
}

// requeuePickedUpTask handles worker failure: back to Ready with the
// worker id cleared.
func (cx *Cortex) requeuePickedUpTask(ctx context.Context, task Task, workerID WorkerID, workerErr error) {
	deps := cx.deps
	message := "Worker failed: " + workerErr.Error()

	deps.Runs.LogWorkerCompleted(workerID, message, false)

	ready := TaskReady
	updateErr := deps.Tasks.Update(ctx, deps.AgentID, task.TaskNumber, UpdateTaskInput{
		Status:        &ready,
		ClearWorkerID: true,
	})
	if updateErr != nil {
		cx.logger.Warn("failed to return task to ready after failure",
			"task_number", task.TaskNumber, "error", updateErr)
	}

	if updateErr == nil {
		deps.Bus.Publish(ProcessEvent{
			Kind:       EventTaskUpdated,
			AgentID:    deps.AgentID,
			TaskNumber: task.TaskNumber,
			Status:     string(TaskReady),
			Action:     "updated",
		})
	}

	deps.CortexLog.Log("task_pickup_failed",
		fmt.Sprintf("Picked-up task #%d failed: %v", task.TaskNumber, workerErr),
		map[string]any{
			"task_number": task.TaskNumber,
			"worker_id":   workerID,
			"error":       workerErr.Error(),
		})

	deps.Bus.Publish(ProcessEvent{
		Kind:     EventWorkerComplete,
		AgentID:  deps.AgentID,
		WorkerID: workerID,
		Result:   message,
		Notify:   true,
		Success:  false,
	})
}
