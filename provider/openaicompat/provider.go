// Package openaicompat implements arbor.Provider for any
// OpenAI-compatible chat completions API: OpenAI, OpenRouter, Groq,
// Together, Fireworks, DeepSeek, Mistral, Ollama, vLLM, Azure OpenAI.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	arbor "github.com/okvist/arbor"
)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name reported in errors and logs.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the HTTP client (timeouts, proxies, tests).
func WithHTTPClient(client *http.Client) ProviderOption {
	return func(p *Provider) { p.client = client }
}

// WithMaxTokens caps completion length on every request.
func WithMaxTokens(n int) ProviderOption {
	return func(p *Provider) { p.maxTokens = n }
}

// Provider is an OpenAI-compatible chat provider.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	name      string
	maxTokens int
	client    *http.Client
}

var _ arbor.Provider = (*Provider)(nil)

// NewProvider creates a provider. baseURL is the API base (e.g.
// "https://api.openai.com/v1"); the /chat/completions path is appended.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		name:    "openai",
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// --- wire types ---

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string          `json:"type"`
	Function wireToolSchema  `json:"function"`
}

type wireToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireRequest struct {
	Model     string        `json:"model"`
	Messages  []wireMessage `json:"messages"`
	Tools     []wireTool    `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// Chat sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty the response may contain tool
// calls.
func (p *Provider) Chat(ctx context.Context, req arbor.ChatRequest) (arbor.ChatResponse, error) {
	body := wireRequest{Model: p.model, MaxTokens: p.maxTokens}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		body.Messages = append(body.Messages, wm)
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, wireTool{
			Type: "function",
			Function: wireToolSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return arbor.ChatResponse{}, &arbor.ErrLLM{Provider: p.name, Message: "marshal request: " + err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return arbor.ChatResponse{}, &arbor.ErrLLM{Provider: p.name, Message: "create request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return arbor.ChatResponse{}, &arbor.ErrLLM{Provider: p.name, Message: "request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return arbor.ChatResponse{}, &arbor.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: arbor.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return arbor.ChatResponse{}, &arbor.ErrLLM{Provider: p.name, Message: "error decoding response body: " + err.Error()}
	}
	if len(wire.Choices) == 0 {
		return arbor.ChatResponse{}, &arbor.ErrLLM{Provider: p.name, Message: "empty response: no choices"}
	}

	choice := wire.Choices[0].Message
	out := arbor.ChatResponse{
		Content: choice.Content,
		Usage: arbor.Usage{
			InputTokens:       wire.Usage.PromptTokens,
			OutputTokens:      wire.Usage.CompletionTokens,
			CachedInputTokens: wire.Usage.PromptTokensDetails.CachedTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, arbor.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// String implements fmt.Stringer for debugging.
func (p *Provider) String() string {
	return fmt.Sprintf("openaicompat(%s, %s)", p.name, p.model)
}
