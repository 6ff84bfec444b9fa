package arbor

import "strings"

// Failover limits.
const (
	// MaxFallbackAttempts is the max number of models to try before giving up.
	MaxFallbackAttempts = 3
	// MaxRetriesPerModel is the max tries per model (primary or fallback)
	// on retriable errors.
	MaxRetriesPerModel = 3
	// RetryBaseDelayMS is the base delay for exponential backoff between
	// retries, in milliseconds.
	RetryBaseDelayMS = 500
)

// RoutingConfig determines which LLM model each process type uses, with
// task-type overrides for workers/branches and fallback chains for
// resilience. Lives on RuntimeConfig behind an atomic pointer.
type RoutingConfig struct {
	// Model per process type, as "provider/model-id".
	Channel   string
	Branch    string
	Worker    string
	Compactor string
	Cortex    string

	// Task-type overrides (e.g. "coding" → "anthropic/claude-sonnet-4").
	// Applied to workers and branches when a task type is given at spawn.
	TaskOverrides map[string]string

	// Fallback chains per model. When a model fails with a retriable
	// error, try the next model in its chain.
	Fallbacks map[string][]string

	// How long to deprioritize a rate-limited model (seconds).
	RateLimitCooldownSecs int64
}

// RoutingForModel returns a routing config that uses a single model for
// all process types.
func RoutingForModel(model string) RoutingConfig {
	return RoutingConfig{
		Channel:               model,
		Branch:                model,
		Worker:                model,
		Compactor:             model,
		Cortex:                model,
		TaskOverrides:         map[string]string{},
		Fallbacks:             map[string][]string{},
		RateLimitCooldownSecs: 60,
	}
}

// DefaultRouting returns the standard routing defaults.
func DefaultRouting() RoutingConfig {
	return RoutingForModel("anthropic/claude-sonnet-4")
}

// Resolve returns the model for a process type and optional task type.
// Task overrides apply only to workers and branches.
func (r *RoutingConfig) Resolve(processType ProcessType, taskType string) string {
	if taskType != "" && (processType == ProcessWorker || processType == ProcessBranch) {
		if override, ok := r.TaskOverrides[taskType]; ok {
			return override
		}
	}
	switch processType {
	case ProcessChannel:
		return r.Channel
	case ProcessBranch:
		return r.Branch
	case ProcessWorker:
		return r.Worker
	case ProcessCompactor:
		return r.Compactor
	case ProcessCortex:
		return r.Cortex
	}
	return r.Channel
}

// FallbacksFor returns the fallback chain for a model, if any.
func (r *RoutingConfig) FallbacksFor(model string) []string {
	return r.Fallbacks[model]
}

// RoutingDefaultsForProvider returns routing defaults appropriate for a
// given credential provider, so a fresh setup works without every call
// failing on a missing key for a model it never configured.
func RoutingDefaultsForProvider(provider string) RoutingConfig {
	tiered := func(channel, worker string) RoutingConfig {
		r := RoutingForModel(channel)
		r.Worker = worker
		r.Compactor = worker
		r.Cortex = worker
		r.TaskOverrides = map[string]string{"coding": channel}
		r.Fallbacks = map[string][]string{channel: {worker}}
		return r
	}
	switch provider {
	case "anthropic":
		return RoutingForModel("anthropic/claude-sonnet-4")
	case "openai":
		return tiered("openai/gpt-4.1", "openai/gpt-4.1-mini")
	case "openrouter":
		return tiered(
			"openrouter/anthropic/claude-sonnet-4-20250514",
			"openrouter/anthropic/claude-haiku-4.5-20250514",
		)
	case "groq":
		return tiered("groq/llama-3.3-70b-versatile", "groq/llama-3.3-70b-specdec")
	case "deepseek":
		return RoutingForModel("deepseek/deepseek-chat")
	case "together":
		return tiered(
			"together/meta-llama/Meta-Llama-3.1-405B-Instruct-Turbo",
			"together/meta-llama/Meta-Llama-3.1-70B-Instruct-Turbo",
		)
	case "mistral":
		return tiered("mistral/mistral-large-latest", "mistral/mistral-small-latest")
	case "gemini":
		r := tiered("gemini/gemini-2.5-pro", "gemini/gemini-2.5-flash")
		r.Fallbacks["gemini/gemini-2.5-flash"] = []string{"gemini/gemini-2.5-flash-lite"}
		return r
	}
	return DefaultRouting()
}

// ProviderFromModel extracts the provider prefix from a model routing
// string. A bare model name defaults to "anthropic".
func ProviderFromModel(model string) string {
	if provider, _, ok := strings.Cut(model, "/"); ok {
		return provider
	}
	return "anthropic"
}

// IsRetriableStatus reports whether an HTTP status should trigger a retry
// and, eventually, a fallback to the next model.
func IsRetriableStatus(status int) bool {
	switch status {
	case 429, 502, 503, 504:
		return true
	}
	return false
}

// IsRetriableError reports whether a completion error message indicates a
// retriable failure: rate limits, server errors, and transient provider
// issues like empty or undecodable responses.
func IsRetriableError(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range []string{
		"429", "502", "503", "504",
		"rate limit", "overloaded", "timeout", "connection",
		"empty response",
		"failed to read response body",
		"error decoding response body",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsRateLimitError reports whether an error indicates an actual rate limit
// (429) rather than another transient failure. Only rate-limit errors
// trigger cooldown — timeouts and 5xx errors are momentary and shouldn't
// lock a model out for the full cooldown period.
func IsRateLimitError(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "429") || strings.Contains(lower, "rate limit")
}

// IsContextOverflowError reports whether a completion error indicates the
// request exceeded the model's context window. Providers return 400 with
// various phrasings; matching them lets callers compact and retry instead
// of dying.
func IsContextOverflowError(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range []string{
		"context length",
		"maximum context",
		"token limit",
		"too many tokens",
		"request too large",
		"content_too_large",
		"max_tokens",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return strings.Contains(lower, "maximum") && strings.Contains(lower, "tokens")
}
