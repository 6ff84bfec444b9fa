package arbor

import (
	"fmt"
	"strings"
	"testing"
)

func TestStatusBlockWorkerLifecycle(t *testing.T) {
	b := NewStatusBlock()
	b.AddWorker("w1", "fetch the data", true)

	if !b.IsWorkerActive("w1") {
		t.Fatal("w1 should be active")
	}

	b.Update(ProcessEvent{Kind: EventWorkerStatus, WorkerID: "w1", Status: "downloading"})
	if b.ActiveWorkers[0].Status != "downloading" {
		t.Errorf("status = %q", b.ActiveWorkers[0].Status)
	}

	b.Update(ProcessEvent{Kind: EventWorkerComplete, WorkerID: "w1", Result: "done", Notify: true})
	if b.IsWorkerActive("w1") {
		t.Error("w1 should be gone from active")
	}
	if len(b.CompletedItems) != 1 || b.CompletedItems[0].Kind != CompletedWorker {
		t.Fatalf("completed = %+v", b.CompletedItems)
	}
	if b.CompletedItems[0].Description != "fetch the data" {
		t.Errorf("description = %q", b.CompletedItems[0].Description)
	}
}

func TestStatusBlockWorkerCompleteWithoutNotifySkipsCompleted(t *testing.T) {
	b := NewStatusBlock()
	b.AddWorker("w1", "quiet task", false)
	b.Update(ProcessEvent{Kind: EventWorkerComplete, WorkerID: "w1", Result: "done", Notify: false})
	if len(b.CompletedItems) != 0 {
		t.Errorf("completed = %+v, want empty", b.CompletedItems)
	}
}

func TestStatusBlockBranchLifecycle(t *testing.T) {
	b := NewStatusBlock()
	b.AddBranch("br1", "thinking about intent")
	if b.ActiveBranchCount() != 1 {
		t.Fatalf("active branches = %d", b.ActiveBranchCount())
	}

	b.Update(ProcessEvent{Kind: EventBranchResult, BranchID: "br1", Conclusion: "it's a question"})
	if b.ActiveBranchCount() != 0 {
		t.Error("branch should be gone from active")
	}
	if len(b.CompletedItems) != 1 || b.CompletedItems[0].ResultSummary != "it's a question" {
		t.Fatalf("completed = %+v", b.CompletedItems)
	}
}

func TestStatusBlockCompletedCapKeepsNewest(t *testing.T) {
	b := NewStatusBlock()
	for i := 0; i < 15; i++ {
		id := BranchID(fmt.Sprintf("br%d", i))
		b.AddBranch(id, fmt.Sprintf("branch %d", i))
		b.Update(ProcessEvent{Kind: EventBranchResult, BranchID: id, Conclusion: fmt.Sprintf("c%d", i)})
	}
	if len(b.CompletedItems) != completedItemCap {
		t.Fatalf("completed = %d, want %d", len(b.CompletedItems), completedItemCap)
	}
	// Oldest entries were evicted; the newest survive.
	if b.CompletedItems[0].ID != "br5" {
		t.Errorf("oldest kept = %s, want br5", b.CompletedItems[0].ID)
	}
	if b.CompletedItems[len(b.CompletedItems)-1].ID != "br14" {
		t.Errorf("newest kept = %s, want br14", b.CompletedItems[len(b.CompletedItems)-1].ID)
	}
}

func TestStatusBlockRenderShowsRecentFive(t *testing.T) {
	b := NewStatusBlock()
	for i := 0; i < 8; i++ {
		id := BranchID(fmt.Sprintf("br%d", i))
		b.AddBranch(id, fmt.Sprintf("branch-%d", i))
		b.Update(ProcessEvent{Kind: EventBranchResult, BranchID: id, Conclusion: fmt.Sprintf("conclusion-%d", i)})
	}
	rendered := b.Render()
	if strings.Count(rendered, "- [branch]") != 5 {
		t.Errorf("rendered completed lines = %d, want 5\n%s",
			strings.Count(rendered, "- [branch]"), rendered)
	}
	// Most recent first.
	if !strings.Contains(rendered, "conclusion-7") {
		t.Error("missing most recent conclusion")
	}
	if strings.Contains(rendered, "conclusion-2") {
		t.Error("stale conclusion rendered")
	}
}

func TestStatusBlockRenderEmpty(t *testing.T) {
	if out := NewStatusBlock().Render(); out != "" {
		t.Errorf("empty block rendered %q", out)
	}
}

func TestStatusBlockRenderFirstLineOfResult(t *testing.T) {
	b := NewStatusBlock()
	b.AddWorker("w1", "multi-line task", true)
	b.Update(ProcessEvent{Kind: EventWorkerComplete, WorkerID: "w1",
		Result: "first line\nsecond line\nthird", Notify: true})
	rendered := b.Render()
	if !strings.Contains(rendered, "first line") {
		t.Error("first line missing")
	}
	if strings.Contains(rendered, "second line") {
		t.Error("render leaked past the first line")
	}
}
