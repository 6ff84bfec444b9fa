package arbor

import (
	"fmt"
	"strings"
	"time"
)

// completedItemCap bounds the completed-items list. Oldest entries are
// evicted first; render shows the most recent five.
const completedItemCap = 10

// BranchStatus is one active branch in a status block.
type BranchStatus struct {
	ID          BranchID
	StartedAt   time.Time
	Description string
}

// WorkerStatusEntry is one active worker in a status block.
type WorkerStatusEntry struct {
	ID               WorkerID
	Task             string
	Status           string
	StartedAt        time.Time
	NotifyOnComplete bool
}

// CompletedKind distinguishes completed branches from workers.
type CompletedKind string

const (
	CompletedBranch CompletedKind = "branch"
	CompletedWorker CompletedKind = "worker"
)

// CompletedItem is a recently finished branch or worker.
type CompletedItem struct {
	ID            string
	Kind          CompletedKind
	Description   string
	CompletedAt   time.Time
	ResultSummary string
}

// StatusBlock is the live work snapshot a channel injects into its
// context. The owning channel mutates it synchronously on every process
// event before any other handling.
type StatusBlock struct {
	ActiveBranches []BranchStatus
	ActiveWorkers  []WorkerStatusEntry
	CompletedItems []CompletedItem
}

// NewStatusBlock creates an empty status block.
func NewStatusBlock() *StatusBlock {
	return &StatusBlock{}
}

// AddBranch records a newly spawned branch.
func (b *StatusBlock) AddBranch(id BranchID, description string) {
	b.ActiveBranches = append(b.ActiveBranches, BranchStatus{
		ID:          id,
		StartedAt:   time.Now(),
		Description: description,
	})
}

// AddWorker records a newly spawned worker.
func (b *StatusBlock) AddWorker(id WorkerID, task string, notifyOnComplete bool) {
	b.ActiveWorkers = append(b.ActiveWorkers, WorkerStatusEntry{
		ID:               id,
		Task:             task,
		Status:           "starting",
		StartedAt:        time.Now(),
		NotifyOnComplete: notifyOnComplete,
	})
}

// Update applies a process event to the block. WorkerComplete removes the
// worker from active and records it as completed only when the event's
// Notify flag is set; BranchResult moves the branch from active to
// completed; WorkerStatus updates the live status string of the matching
// active worker.
func (b *StatusBlock) Update(event ProcessEvent) {
	switch event.Kind {
	case EventWorkerStatus:
		for i := range b.ActiveWorkers {
			if b.ActiveWorkers[i].ID == event.WorkerID {
				b.ActiveWorkers[i].Status = event.Status
			}
		}
	case EventWorkerComplete:
		for i, w := range b.ActiveWorkers {
			if w.ID != event.WorkerID {
				continue
			}
			b.ActiveWorkers = append(b.ActiveWorkers[:i], b.ActiveWorkers[i+1:]...)
			if event.Notify {
				b.pushCompleted(CompletedItem{
					ID:            event.WorkerID,
					Kind:          CompletedWorker,
					Description:   w.Task,
					CompletedAt:   time.Now(),
					ResultSummary: event.Result,
				})
			}
			break
		}
	case EventBranchResult:
		for i, br := range b.ActiveBranches {
			if br.ID != event.BranchID {
				continue
			}
			b.ActiveBranches = append(b.ActiveBranches[:i], b.ActiveBranches[i+1:]...)
			b.pushCompleted(CompletedItem{
				ID:            event.BranchID,
				Kind:          CompletedBranch,
				Description:   br.Description,
				CompletedAt:   time.Now(),
				ResultSummary: event.Conclusion,
			})
			break
		}
	}
}

// pushCompleted appends and evicts the oldest entries past the cap.
func (b *StatusBlock) pushCompleted(item CompletedItem) {
	b.CompletedItems = append(b.CompletedItems, item)
	if len(b.CompletedItems) > completedItemCap {
		b.CompletedItems = b.CompletedItems[len(b.CompletedItems)-completedItemCap:]
	}
}

// IsWorkerActive reports whether a worker is still in the active set.
func (b *StatusBlock) IsWorkerActive(id WorkerID) bool {
	for _, w := range b.ActiveWorkers {
		if w.ID == id {
			return true
		}
	}
	return false
}

// ActiveBranchCount returns the number of running branches.
func (b *StatusBlock) ActiveBranchCount() int {
	return len(b.ActiveBranches)
}

// Render formats the block for context injection. Completed items show
// the most recent five.
func (b *StatusBlock) Render() string {
	var out strings.Builder

	if len(b.ActiveWorkers) > 0 {
		out.WriteString("## Active Workers\n")
		for _, w := range b.ActiveWorkers {
			fmt.Fprintf(&out, "- [%s] %s (%s): %s\n",
				w.ID, w.Task, w.StartedAt.Format("15:04"), w.Status)
		}
		out.WriteString("\n")
	}

	if len(b.ActiveBranches) > 0 {
		out.WriteString("## Active Branches\n")
		for _, br := range b.ActiveBranches {
			fmt.Fprintf(&out, "- [%s] %s (started %s)\n",
				br.ID, br.Description, br.StartedAt.Format("15:04:05"))
		}
		out.WriteString("\n")
	}

	if len(b.CompletedItems) > 0 {
		out.WriteString("## Recently Completed\n")
		shown := 0
		for i := len(b.CompletedItems) - 1; i >= 0 && shown < 5; i-- {
			item := b.CompletedItems[i]
			summary := item.ResultSummary
			if idx := strings.IndexByte(summary, '\n'); idx >= 0 {
				summary = summary[:idx]
			}
			if summary == "" {
				summary = "done"
			}
			fmt.Fprintf(&out, "- [%s] %s: %s\n", item.Kind, item.Description, summary)
			shown++
		}
		out.WriteString("\n")
	}

	return out.String()
}
