package arbor

import (
	"fmt"
	"time"
)

// ErrLLM is a completion failure from an LLM provider.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is an HTTP-level failure from a provider API.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrConfig is an invalid-configuration failure: bad routing, missing
// provider credentials at dispatch time.
type ErrConfig struct {
	Message string
}

func (e *ErrConfig) Error() string {
	return "config: " + e.Message
}

// ErrMemory is a memory-store failure: not-found, invalid importance,
// association endpoint missing.
type ErrMemory struct {
	Op      string
	Message string
}

func (e *ErrMemory) Error() string {
	return fmt.Sprintf("memory %s: %s", e.Op, e.Message)
}

// ErrInvalidTransition is returned when a worker or task state machine is
// asked to perform a transition it does not permit.
type ErrInvalidTransition struct {
	From string
	To   string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

// ErrBranchLimit is returned when a channel is at its concurrent-branch cap.
type ErrBranchLimit struct {
	ChannelID ChannelID
	Max       int
}

func (e *ErrBranchLimit) Error() string {
	return fmt.Sprintf("channel %s reached branch limit (%d)", e.ChannelID, e.Max)
}

// ErrWarmup is an embedding-warmup or bulletin-generation failure.
type ErrWarmup struct {
	Message string
}

func (e *ErrWarmup) Error() string {
	return "warmup: " + e.Message
}

// ErrContextOverflow signals that a completion request exceeded the model's
// context window. Callers are expected to compact history and retry from the
// primary model rather than continue down the fallback chain.
type ErrContextOverflow struct {
	Model   string
	Message string
}

func (e *ErrContextOverflow) Error() string {
	return fmt.Sprintf("context overflow on %s: %s", e.Model, e.Message)
}

// ErrLagged is returned by Subscription.Next when the subscriber fell behind
// the broadcast and events were dropped. The subscriber is expected to
// continue receiving; no event is ever delivered twice.
type ErrLagged struct {
	Count int64
}

func (e *ErrLagged) Error() string {
	return fmt.Sprintf("subscriber lagged, %d events dropped", e.Count)
}
