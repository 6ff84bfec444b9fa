package arbor

import (
	"context"
	"strconv"
	"time"
)

// Provider abstracts an LLM backend. When req.Tools is non-empty, the
// response may contain ToolCalls.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// ModelFactory resolves a routing model string ("provider/model-id") to a
// concrete Provider. Implemented by provider/resolve on top of the
// process-wide credential set.
type ModelFactory interface {
	Make(model string) (Provider, error)
}

// ParseRetryAfter parses an HTTP Retry-After header value (delta-seconds
// form). Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
