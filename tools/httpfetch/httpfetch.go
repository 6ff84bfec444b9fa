// Package httpfetch provides the worker HTTP fetch tool.
package httpfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	arbor "github.com/okvist/arbor"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 1 << 20 // 1 MiB

// Tool fetches URLs and returns their body text.
type Tool struct {
	client *http.Client
}

// New creates an HTTP fetch Tool with a 15-second timeout.
func New() *Tool {
	return &Tool{client: &http.Client{Timeout: 15 * time.Second}}
}

func (t *Tool) Definitions() []arbor.ToolDefinition {
	return []arbor.ToolDefinition{{
		Name:        "http_fetch",
		Description: "Fetch a URL and return its body text. Use for reading web pages, APIs, documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (arbor.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return arbor.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	parsed, err := url.Parse(params.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return arbor.ToolResult{Error: "invalid url: " + params.URL}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return arbor.ToolResult{Error: "build request: " + err.Error()}, nil
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return arbor.ToolResult{Error: "fetch failed: " + err.Error()}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return arbor.ToolResult{Error: "read body: " + err.Error()}, nil
	}

	content := string(body)
	if len(content) > 8000 {
		content = content[:8000] + "\n... (truncated)"
	}
	if resp.StatusCode >= 400 {
		return arbor.ToolResult{Content: content, Error: fmt.Sprintf("http %d", resp.StatusCode)}, nil
	}
	return arbor.ToolResult{Content: content}, nil
}
