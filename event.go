package arbor

import (
	"context"
	"sync"
	"sync/atomic"
)

// EventKind tags a ProcessEvent variant.
type EventKind string

const (
	EventWorkerStarted       EventKind = "worker_started"
	EventWorkerStatus        EventKind = "worker_status"
	EventWorkerComplete      EventKind = "worker_complete"
	EventWorkerPermission    EventKind = "worker_permission"
	EventBranchResult        EventKind = "branch_result"
	EventAgentMessageSent    EventKind = "agent_message_sent"
	EventMemorySaved         EventKind = "memory_saved"
	EventCompactionTriggered EventKind = "compaction_triggered"
	EventTaskUpdated         EventKind = "task_updated"
	EventToolStarted         EventKind = "tool_started"
	EventToolCompleted       EventKind = "tool_completed"
	EventStatusUpdate        EventKind = "status_update"
)

// ProcessEvent is the broadcast payload carried agent-wide on the Bus.
// It is a tagged variant: Kind selects which fields are meaningful.
// AgentID is set on every event.
type ProcessEvent struct {
	Kind    EventKind `json:"kind"`
	AgentID AgentID   `json:"agent_id"`

	ChannelID ChannelID `json:"channel_id,omitempty"`
	WorkerID  WorkerID  `json:"worker_id,omitempty"`
	BranchID  BranchID  `json:"branch_id,omitempty"`

	// Worker events.
	Task       string `json:"task,omitempty"`
	WorkerType string `json:"worker_type,omitempty"`
	Status     string `json:"status,omitempty"`
	Result     string `json:"result,omitempty"`
	Notify     bool   `json:"notify,omitempty"`
	Success    bool   `json:"success,omitempty"`

	// Branch events.
	Conclusion string `json:"conclusion,omitempty"`

	// Agent messaging.
	FromAgentID AgentID `json:"from_agent_id,omitempty"`
	ToAgentID   AgentID `json:"to_agent_id,omitempty"`
	LinkID      string  `json:"link_id,omitempty"`

	// Memory and compaction.
	MemoryID         string  `json:"memory_id,omitempty"`
	ThresholdReached float64 `json:"threshold_reached,omitempty"`

	// Tasks.
	TaskNumber int64  `json:"task_number,omitempty"`
	Action     string `json:"action,omitempty"`

	// Tools.
	ToolName string `json:"tool_name,omitempty"`
}

// busBuffer is the per-subscriber event buffer depth. A subscriber that
// falls more than this far behind starts losing the oldest undelivered
// events and is told how many via ErrLagged.
const busBuffer = 256

// Bus is a multi-producer, multi-subscriber broadcast channel for
// ProcessEvents. Delivery is lossy under lag: a slow subscriber drops its
// oldest undelivered events and observes an ErrLagged with the dropped
// count on its next receive. No event is ever delivered twice.
type Bus struct {
	mu   sync.Mutex
	subs map[int]*Subscription
	next int
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers a new subscriber. The caller must Close the
// subscription when done.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscription{
		bus: b,
		id:  b.next,
		ch:  make(chan ProcessEvent, busBuffer),
	}
	b.subs[b.next] = s
	b.next++
	return s
}

// Publish broadcasts an event to all subscribers. Never blocks: a
// subscriber with a full buffer loses its oldest event instead.
func (b *Bus) Publish(event ProcessEvent) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		for {
			select {
			case s.ch <- event:
			default:
				// Full buffer: evict the oldest undelivered event and retry.
				select {
				case <-s.ch:
					s.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscription is one subscriber's view of the Bus.
type Subscription struct {
	bus     *Bus
	id      int
	ch      chan ProcessEvent
	dropped atomic.Int64
	closed  sync.Once
}

// Events exposes the raw event channel for use in select loops. Callers
// using Events directly should check TakeLagged periodically.
func (s *Subscription) Events() <-chan ProcessEvent {
	return s.ch
}

// Next blocks for the next event. If events were dropped since the last
// receive, it returns an ErrLagged carrying the dropped count instead;
// the subscriber should call Next again to continue.
func (s *Subscription) Next(ctx context.Context) (ProcessEvent, error) {
	if n := s.dropped.Swap(0); n > 0 {
		return ProcessEvent{}, &ErrLagged{Count: n}
	}
	select {
	case <-ctx.Done():
		return ProcessEvent{}, ctx.Err()
	case ev, ok := <-s.ch:
		if !ok {
			return ProcessEvent{}, context.Canceled
		}
		return ev, nil
	}
}

// TakeLagged returns and resets the dropped-event count.
func (s *Subscription) TakeLagged() int64 {
	return s.dropped.Swap(0)
}

// Close unregisters the subscription from the bus.
func (s *Subscription) Close() {
	s.closed.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}
