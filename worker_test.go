package arbor

import (
	"context"
	"errors"
	"testing"
)

func TestWorkerStateMachineTransitions(t *testing.T) {
	cases := []struct {
		from, to WorkerState
		allowed  bool
	}{
		{WorkerRunning, WorkerWaitingForInput, true},
		{WorkerRunning, WorkerDone, true},
		{WorkerRunning, WorkerFailed, true},
		{WorkerWaitingForInput, WorkerRunning, true},
		{WorkerWaitingForInput, WorkerFailed, true},
		{WorkerRunning, WorkerRunning, false},
		{WorkerWaitingForInput, WorkerDone, false},
		{WorkerWaitingForInput, WorkerWaitingForInput, false},
		{WorkerDone, WorkerRunning, false},
		{WorkerDone, WorkerFailed, false},
		{WorkerDone, WorkerDone, false},
		{WorkerFailed, WorkerRunning, false},
		{WorkerFailed, WorkerDone, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.allowed {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestWorkerTransitionToDoneThenRunningFails(t *testing.T) {
	deps, _, _, _ := newTestDeps(textProvider("done"))
	w := NewWorker("chan", "do something", "prompt", deps)

	if err := w.TransitionTo(WorkerDone); err != nil {
		t.Fatalf("transition to done: %v", err)
	}
	err := w.TransitionTo(WorkerRunning)
	var invalid *ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if invalid.From != string(WorkerDone) || invalid.To != string(WorkerRunning) {
		t.Errorf("transition error = %+v", invalid)
	}
}

func TestWorkerRunReachesDone(t *testing.T) {
	deps, _, _, runs := newTestDeps(textProvider("task finished"))
	w := NewWorker("chan", "do something", "prompt", deps)

	result, err := w.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "task finished" {
		t.Errorf("result = %q", result)
	}
	if w.State() != WorkerDone {
		t.Errorf("state = %s, want done", w.State())
	}
	// Default log mode persists the transcript.
	if !waitUntil(waitShort, func() bool {
		runs.mu.Lock()
		defer runs.mu.Unlock()
		_, ok := runs.transcripts[w.ID]
		return ok
	}) {
		t.Error("transcript was not persisted")
	}
}

func TestWorkerRunFailureReachesFailed(t *testing.T) {
	failing := &scriptedProvider{steps: []scriptedStep{
		{err: &ErrHTTP{Status: 401, Body: "unauthorized"}},
	}}
	deps, _, _, _ := newTestDeps(failing)
	w := NewWorker("chan", "do something", "prompt", deps)

	if _, err := w.Run(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
	if w.State() != WorkerFailed {
		t.Errorf("state = %s, want failed", w.State())
	}
}

func TestWorkerErrorsOnlyLogModeSkipsSuccess(t *testing.T) {
	deps, _, _, runs := newTestDeps(textProvider("ok"))
	mode := WorkerLogErrorsOnly
	deps.Runtime.WorkerLog.Store(&mode)

	w := NewWorker("chan", "task", "prompt", deps)
	if _, err := w.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if waitUntil(waitTiny, func() bool {
		runs.mu.Lock()
		defer runs.mu.Unlock()
		_, ok := runs.transcripts[w.ID]
		return ok
	}) {
		t.Error("errors_only mode persisted a successful run's transcript")
	}
}

func TestTranscriptCompressionRoundTrip(t *testing.T) {
	entries := []transcriptEntry{
		{Kind: "assistant", Content: "thinking"},
		{Kind: "tool_call", ToolName: "shell_exec", Args: `{"command":"ls"}`},
		{Kind: "tool_result", ToolName: "shell_exec", Content: "file.txt"},
	}
	blob, err := compressTranscript(entries)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	decoded, err := DecompressTranscript(blob)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if len(decoded) != len(entries) {
		t.Fatalf("decoded %d entries, want %d", len(decoded), len(entries))
	}
	if decoded[1].ToolName != "shell_exec" || decoded[2].Content != "file.txt" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestInteractiveWorkerHasInputTool(t *testing.T) {
	deps, _, _, _ := newTestDeps(textProvider("ok"))
	w, inputCh := NewInteractiveWorker("chan", "task", "prompt", deps)
	if !w.IsInteractive() {
		t.Fatal("worker should be interactive")
	}
	defs := w.workerTools(nil).AllDefinitions()
	found := false
	for _, d := range defs {
		if d.Name == "wait_for_input" {
			found = true
		}
	}
	if !found {
		t.Error("interactive worker missing wait_for_input tool")
	}
	close(inputCh)
}
