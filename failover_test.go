package arbor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func routingWithFallback(primary string, fallbacks ...string) *RoutingConfig {
	r := RoutingForModel(primary)
	r.Fallbacks[primary] = fallbacks
	return &r
}

func TestCompleterSuccessFirstTry(t *testing.T) {
	factory := &scriptedFactory{providers: map[string]Provider{
		"a/primary": textProvider("hello"),
	}}
	c := newTestCompleter(factory)

	resp, used, err := c.Complete(context.Background(), routingWithFallback("a/primary"), "a/primary", ChatRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if used != "a/primary" {
		t.Errorf("used model = %q", used)
	}
}

func TestCompleterRetriesTransientThenSucceeds(t *testing.T) {
	provider := &scriptedProvider{steps: []scriptedStep{
		{err: &ErrHTTP{Status: 503, Body: "overloaded"}},
		{err: &ErrHTTP{Status: 503, Body: "overloaded"}},
		{resp: ChatResponse{Content: "recovered"}},
	}}
	factory := &scriptedFactory{providers: map[string]Provider{"a/primary": provider}}
	c := newTestCompleter(factory)

	resp, _, err := c.Complete(context.Background(), routingWithFallback("a/primary"), "a/primary", ChatRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("content = %q", resp.Content)
	}
	if provider.calls != 3 {
		t.Errorf("calls = %d, want 3", provider.calls)
	}
}

func TestCompleterWalksFallbackChain(t *testing.T) {
	failing := &scriptedProvider{steps: []scriptedStep{
		{err: &ErrHTTP{Status: 503, Body: "overloaded"}},
	}}
	factory := &scriptedFactory{providers: map[string]Provider{
		"a/primary":  failing,
		"a/fallback": textProvider("from fallback"),
	}}
	c := newTestCompleter(factory)

	resp, used, err := c.Complete(context.Background(),
		routingWithFallback("a/primary", "a/fallback"), "a/primary", ChatRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from fallback" {
		t.Errorf("content = %q", resp.Content)
	}
	if used != "a/fallback" {
		t.Errorf("used model = %q", used)
	}
	// Primary exhausted all its per-model retries first.
	if failing.calls != MaxRetriesPerModel {
		t.Errorf("primary calls = %d, want %d", failing.calls, MaxRetriesPerModel)
	}
}

func TestCompleterRateLimitCooldown(t *testing.T) {
	rateLimited := &scriptedProvider{steps: []scriptedStep{
		{err: &ErrHTTP{Status: 429, Body: "rate limit"}},
	}}
	factory := &scriptedFactory{providers: map[string]Provider{
		"a/primary":  rateLimited,
		"a/fallback": textProvider("ok"),
	}}
	c := newTestCompleter(factory)
	routing := routingWithFallback("a/primary", "a/fallback")

	if _, _, err := c.Complete(context.Background(), routing, "a/primary", ChatRequest{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !c.Cooldowns().OnCooldown("a/primary") {
		t.Error("primary should be on cooldown after 429 exhaustion")
	}

	// The next call deprioritizes the cooled-down model: the fallback is
	// tried first and the rate-limited provider is never touched again.
	before := rateLimited.calls
	if _, used, err := c.Complete(context.Background(), routing, "a/primary", ChatRequest{}); err != nil {
		t.Fatalf("second Complete: %v", err)
	} else if used != "a/fallback" {
		t.Errorf("used = %q, want a/fallback", used)
	}
	if rateLimited.calls != before {
		t.Errorf("rate-limited model was called again while cooling down")
	}
}

func TestCooldownExpires(t *testing.T) {
	tracker := NewCooldownTracker()
	now := time.Now()
	tracker.now = func() time.Time { return now }

	tracker.MarkRateLimited("m", time.Minute)
	if !tracker.OnCooldown("m") {
		t.Fatal("should be cooling")
	}
	now = now.Add(2 * time.Minute)
	if tracker.OnCooldown("m") {
		t.Fatal("cooldown should have expired")
	}
}

func TestCooldownOrderKeepsAllCandidates(t *testing.T) {
	tracker := NewCooldownTracker()
	tracker.MarkRateLimited("b", time.Hour)
	ordered := tracker.Order([]string{"a", "b", "c"})
	if len(ordered) != 3 {
		t.Fatalf("ordered = %v", ordered)
	}
	if ordered[0] != "a" || ordered[1] != "c" || ordered[2] != "b" {
		t.Errorf("ordered = %v, want [a c b]", ordered)
	}
}

func TestCompleterContextOverflowShortCircuits(t *testing.T) {
	overflowing := &scriptedProvider{steps: []scriptedStep{
		{err: &ErrLLM{Provider: "a", Message: "maximum context length is 200000 tokens"}},
	}}
	fallback := textProvider("never")
	factory := &scriptedFactory{providers: map[string]Provider{
		"a/primary":  overflowing,
		"a/fallback": fallback,
	}}
	c := newTestCompleter(factory)

	_, _, err := c.Complete(context.Background(),
		routingWithFallback("a/primary", "a/fallback"), "a/primary", ChatRequest{})
	var overflow *ErrContextOverflow
	if !errors.As(err, &overflow) {
		t.Fatalf("err = %v, want ErrContextOverflow", err)
	}
	// Overflow must not continue down the fallback chain.
	if fallback.calls != 0 {
		t.Errorf("fallback was called %d times on overflow", fallback.calls)
	}
}

func TestCompleterTerminalErrorStopsChain(t *testing.T) {
	auth := &scriptedProvider{steps: []scriptedStep{
		{err: &ErrHTTP{Status: 401, Body: "unauthorized"}},
	}}
	fallback := textProvider("never")
	factory := &scriptedFactory{providers: map[string]Provider{
		"a/primary":  auth,
		"a/fallback": fallback,
	}}
	c := newTestCompleter(factory)

	_, _, err := c.Complete(context.Background(),
		routingWithFallback("a/primary", "a/fallback"), "a/primary", ChatRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if auth.calls != 1 {
		t.Errorf("terminal error retried %d times", auth.calls)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback tried after terminal error")
	}
}

func TestCompleterCapsFallbackAttempts(t *testing.T) {
	failing := &scriptedProvider{steps: []scriptedStep{
		{err: &ErrHTTP{Status: 503, Body: "down"}},
	}}
	factory := &scriptedFactory{fallback: failing}
	c := newTestCompleter(factory)

	routing := routingWithFallback("a/m1", "a/m2", "a/m3", "a/m4", "a/m5")
	_, _, err := c.Complete(context.Background(), routing, "a/m1", ChatRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	factory.mu.Lock()
	made := len(factory.made)
	factory.mu.Unlock()
	if made > MaxFallbackAttempts {
		t.Errorf("tried %d models, cap is %d", made, MaxFallbackAttempts)
	}
}
