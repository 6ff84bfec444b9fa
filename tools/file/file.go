// Package file provides worker file operations restricted to the
// workspace directory.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	arbor "github.com/okvist/arbor"
)

// Tool provides file operations within a sandboxed workspace.
type Tool struct {
	workspacePath string
}

// New creates a file Tool restricted to workspacePath.
func New(workspacePath string) *Tool {
	return &Tool{workspacePath: workspacePath}
}

func (t *Tool) Definitions() []arbor.ToolDefinition {
	return []arbor.ToolDefinition{
		{
			Name:        "file_read",
			Description: "Read a file from the workspace. Returns the file content (truncated to 8000 chars if large).",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`),
		},
		{
			Name:        "file_write",
			Description: "Write content to a file in the workspace. Creates parent directories if needed.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
		},
		{
			Name:        "file_list",
			Description: "List files and directories in a workspace directory. Returns one entry per line with type prefix (file/dir) and name.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to workspace (empty or '.' for root)"}}}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (arbor.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return arbor.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	path, err := t.resolve(params.Path)
	if err != nil {
		return arbor.ToolResult{Error: err.Error()}, nil
	}

	switch name {
	case "file_read":
		data, err := os.ReadFile(path)
		if err != nil {
			return arbor.ToolResult{Error: "read failed: " + err.Error()}, nil
		}
		content := string(data)
		if len(content) > 8000 {
			content = content[:8000] + "\n... (truncated)"
		}
		return arbor.ToolResult{Content: content}, nil

	case "file_write":
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return arbor.ToolResult{Error: "mkdir failed: " + err.Error()}, nil
		}
		if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
			return arbor.ToolResult{Error: "write failed: " + err.Error()}, nil
		}
		return arbor.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.Path)}, nil

	case "file_list":
		entries, err := os.ReadDir(path)
		if err != nil {
			return arbor.ToolResult{Error: "list failed: " + err.Error()}, nil
		}
		var out strings.Builder
		for _, entry := range entries {
			kind := "file"
			if entry.IsDir() {
				kind = "dir"
			}
			fmt.Fprintf(&out, "%s %s\n", kind, entry.Name())
		}
		if out.Len() == 0 {
			return arbor.ToolResult{Content: "(empty)"}, nil
		}
		return arbor.ToolResult{Content: out.String()}, nil
	}
	return arbor.ToolResult{Error: "unknown tool: " + name}, nil
}

// resolve joins path to the workspace and rejects escapes.
func (t *Tool) resolve(path string) (string, error) {
	if path == "" {
		path = "."
	}
	full := filepath.Join(t.workspacePath, path)
	rel, err := filepath.Rel(t.workspacePath, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return full, nil
}
