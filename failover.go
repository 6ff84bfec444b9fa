package arbor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// CooldownTracker remembers models that recently hit rate limits so the
// failover driver can deprioritize them until their cooldown expires.
type CooldownTracker struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

// NewCooldownTracker creates an empty tracker.
func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{until: make(map[string]time.Time), now: time.Now}
}

// MarkRateLimited puts a model on cooldown for the given duration.
func (c *CooldownTracker) MarkRateLimited(model string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[model] = c.now().Add(d)
}

// OnCooldown reports whether a model is currently cooling down.
func (c *CooldownTracker) OnCooldown(model string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, ok := c.until[model]
	if !ok {
		return false
	}
	if c.now().After(deadline) {
		delete(c.until, model)
		return false
	}
	return true
}

// Order returns candidates reordered so models on cooldown come last,
// preserving relative order within each group. Nothing is removed: a
// cooled-down model is still tried if every alternative fails first.
func (c *CooldownTracker) Order(candidates []string) []string {
	ready := make([]string, 0, len(candidates))
	var cooling []string
	for _, m := range candidates {
		if c.OnCooldown(m) {
			cooling = append(cooling, m)
		} else {
			ready = append(ready, m)
		}
	}
	return append(ready, cooling...)
}

// Completer drives LLM completions through the routing failover state
// machine: per-model retries with exponential backoff, rate-limit
// cooldowns, and fallback chains.
type Completer struct {
	factory   ModelFactory
	cooldowns *CooldownTracker
	logger    *slog.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// CompleterOption configures a Completer.
type CompleterOption func(*Completer)

// WithCompleterLogger sets the structured logger for a Completer.
func WithCompleterLogger(l *slog.Logger) CompleterOption {
	return func(c *Completer) { c.logger = l }
}

// NewCompleter creates a failover-aware completion driver on top of a
// model factory.
func NewCompleter(factory ModelFactory, opts ...CompleterOption) *Completer {
	c := &Completer{
		factory:   factory,
		cooldowns: NewCooldownTracker(),
		logger:    NopLogger(),
		sleep:     sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Cooldowns exposes the shared cooldown tracker.
func (c *Completer) Cooldowns() *CooldownTracker { return c.cooldowns }

// Complete runs one completion against the resolved model, walking its
// fallback chain on retriable failures. Returns the response and the model
// that actually produced it.
//
// Context-overflow errors short-circuit as *ErrContextOverflow — the
// caller is expected to compact history and call Complete again rather
// than continue down the fallback chain.
func (c *Completer) Complete(ctx context.Context, routing *RoutingConfig, model string, req ChatRequest) (ChatResponse, string, error) {
	candidates := append([]string{model}, routing.FallbacksFor(model)...)
	if len(candidates) > MaxFallbackAttempts {
		candidates = candidates[:MaxFallbackAttempts]
	}
	candidates = c.cooldowns.Order(candidates)

	cooldown := time.Duration(routing.RateLimitCooldownSecs) * time.Second

	var lastErr error
	for _, candidate := range candidates {
		resp, err := c.tryModel(ctx, candidate, req)
		if err == nil {
			return resp, candidate, nil
		}
		if IsContextOverflowError(err.Error()) {
			return ChatResponse{}, candidate, &ErrContextOverflow{Model: candidate, Message: err.Error()}
		}
		lastErr = err

		if IsRateLimitError(err.Error()) {
			c.cooldowns.MarkRateLimited(candidate, cooldown)
			c.logger.Warn("model rate limited, cooling down",
				"model", candidate, "cooldown", cooldown)
		}
		if !IsRetriableError(err.Error()) {
			// Terminal error — no point walking the chain.
			break
		}
		c.logger.Warn("model exhausted retries, trying fallback",
			"model", candidate, "error", err)
	}
	return ChatResponse{}, model, lastErr
}

// tryModel attempts one model with up to MaxRetriesPerModel tries,
// backing off exponentially between retriable failures.
func (c *Completer) tryModel(ctx context.Context, model string, req ChatRequest) (ChatResponse, error) {
	provider, err := c.factory.Make(model)
	if err != nil {
		return ChatResponse{}, &ErrConfig{Message: err.Error()}
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetriesPerModel; attempt++ {
		resp, err := provider.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if IsContextOverflowError(err.Error()) || !IsRetriableError(err.Error()) {
			return ChatResponse{}, err
		}
		if attempt < MaxRetriesPerModel-1 {
			delay := retryBackoff(RetryBaseDelayMS*time.Millisecond, attempt, err)
			c.logger.Debug("retriable completion error, backing off",
				"model", model, "attempt", attempt+1, "delay", delay, "error", err)
			if err := c.sleep(ctx, delay); err != nil {
				return ChatResponse{}, err
			}
		}
	}
	return ChatResponse{}, lastErr
}

// retryBackoff returns the delay for retry i (0-indexed): base * 2^i plus
// up to 50% random jitter, floored by the server's Retry-After when the
// error carries one.
func retryBackoff(base time.Duration, i int, err error) time.Duration {
	exp := base * (1 << i)
	delay := exp + time.Duration(rand.Int63n(int64(exp)/2+1))
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) && httpErr.RetryAfter > delay {
		return httpErr.RetryAfter
	}
	return delay
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
