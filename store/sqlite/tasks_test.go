package sqlite

import (
	"context"
	"sync"
	"testing"

	arbor "github.com/okvist/arbor"
)

func TestTaskNumbersAreAgentScopedAndMonotonic(t *testing.T) {
	ts := NewTaskStore(testStore(t))
	ctx := context.Background()

	t1, err := ts.Create(ctx, "ava", arbor.CreateTaskInput{Title: "first"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t2, _ := ts.Create(ctx, "ava", arbor.CreateTaskInput{Title: "second"})
	other, _ := ts.Create(ctx, "bruno", arbor.CreateTaskInput{Title: "bruno's first"})

	if t1.TaskNumber != 1 || t2.TaskNumber != 2 {
		t.Errorf("ava numbers = %d, %d", t1.TaskNumber, t2.TaskNumber)
	}
	if other.TaskNumber != 1 {
		t.Errorf("bruno number = %d, want independent 1", other.TaskNumber)
	}
	if t1.Status != arbor.TaskBacklog {
		t.Errorf("default status = %s", t1.Status)
	}
}

func TestTaskStatusTransitionsThroughPickup(t *testing.T) {
	ts := NewTaskStore(testStore(t))
	ctx := context.Background()

	created, _ := ts.Create(ctx, "ava", arbor.CreateTaskInput{Title: "work", Status: arbor.TaskReady})

	claimed, ok, err := ts.ClaimNextReady(ctx, "ava")
	if err != nil || !ok {
		t.Fatalf("ClaimNextReady: ok=%v err=%v", ok, err)
	}
	if claimed.TaskNumber != created.TaskNumber {
		t.Errorf("claimed #%d", claimed.TaskNumber)
	}
	if claimed.Status != arbor.TaskInProgress {
		t.Errorf("claimed status = %s", claimed.Status)
	}

	// Success path: InProgress -> Done.
	done := arbor.TaskDone
	if err := ts.Update(ctx, "ava", claimed.TaskNumber, arbor.UpdateTaskInput{Status: &done}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	task, _, _ := ts.Get(ctx, "ava", claimed.TaskNumber)
	if task.Status != arbor.TaskDone {
		t.Errorf("status = %s", task.Status)
	}
}

func TestTaskRequeueClearsWorker(t *testing.T) {
	ts := NewTaskStore(testStore(t))
	ctx := context.Background()

	created, _ := ts.Create(ctx, "ava", arbor.CreateTaskInput{Title: "work", Status: arbor.TaskReady})
	claimed, _, _ := ts.ClaimNextReady(ctx, "ava")

	workerID := "worker-123"
	_ = ts.Update(ctx, "ava", claimed.TaskNumber, arbor.UpdateTaskInput{WorkerID: &workerID})

	ready := arbor.TaskReady
	if err := ts.Update(ctx, "ava", created.TaskNumber, arbor.UpdateTaskInput{
		Status: &ready, ClearWorkerID: true,
	}); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	task, _, _ := ts.Get(ctx, "ava", created.TaskNumber)
	if task.Status != arbor.TaskReady {
		t.Errorf("status = %s", task.Status)
	}
	if task.WorkerID != "" {
		t.Errorf("worker_id = %q, want cleared", task.WorkerID)
	}
}

func TestClaimNextReadyEmptyQueue(t *testing.T) {
	ts := NewTaskStore(testStore(t))
	_, ok, err := ts.ClaimNextReady(context.Background(), "ava")
	if err != nil {
		t.Fatalf("ClaimNextReady: %v", err)
	}
	if ok {
		t.Error("claimed from an empty queue")
	}
}

func TestClaimNextReadyIsAtMostOnce(t *testing.T) {
	ts := NewTaskStore(testStore(t))
	ctx := context.Background()

	const taskCount = 5
	for i := 0; i < taskCount; i++ {
		_, _ = ts.Create(ctx, "ava", arbor.CreateTaskInput{Title: "t", Status: arbor.TaskReady})
	}

	// Concurrent claimers: every Ready task goes to exactly one caller.
	var mu sync.Mutex
	claimed := make(map[int64]int)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, ok, err := ts.ClaimNextReady(ctx, "ava")
				if err != nil {
					t.Errorf("ClaimNextReady: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				claimed[task.TaskNumber]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != taskCount {
		t.Errorf("claimed %d distinct tasks, want %d", len(claimed), taskCount)
	}
	for number, count := range claimed {
		if count != 1 {
			t.Errorf("task #%d claimed %d times", number, count)
		}
	}
}

func TestTaskSubtasksRoundTrip(t *testing.T) {
	ts := NewTaskStore(testStore(t))
	ctx := context.Background()

	created, err := ts.Create(ctx, "ava", arbor.CreateTaskInput{
		Title: "with subtasks",
		Subtasks: []arbor.Subtask{
			{Title: "step one", Completed: true},
			{Title: "step two"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	task, ok, err := ts.Get(ctx, "ava", created.TaskNumber)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if len(task.Subtasks) != 2 {
		t.Fatalf("subtasks = %+v", task.Subtasks)
	}
	if !task.Subtasks[0].Completed || task.Subtasks[1].Completed {
		t.Errorf("subtask completion = %+v", task.Subtasks)
	}
}

func TestTaskListFiltersByStatus(t *testing.T) {
	ts := NewTaskStore(testStore(t))
	ctx := context.Background()

	_, _ = ts.Create(ctx, "ava", arbor.CreateTaskInput{Title: "a", Status: arbor.TaskReady})
	_, _ = ts.Create(ctx, "ava", arbor.CreateTaskInput{Title: "b", Status: arbor.TaskBacklog})

	ready := arbor.TaskReady
	tasks, err := ts.List(ctx, "ava", &ready, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "a" {
		t.Errorf("tasks = %+v", tasks)
	}
}
