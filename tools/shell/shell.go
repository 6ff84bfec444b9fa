// Package shell provides the worker shell-execution tool. Commands run
// through the configured arbor.Sandbox inside the workspace directory.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	arbor "github.com/okvist/arbor"
)

// Tool executes shell commands in a sandboxed workspace.
type Tool struct {
	sandbox        arbor.Sandbox
	workspacePath  string
	defaultTimeout int // seconds
}

// New creates a shell Tool. Commands are wrapped by sandbox and run in
// workspacePath with the given default timeout.
func New(sandbox arbor.Sandbox, workspacePath string, defaultTimeout int) *Tool {
	if sandbox == nil {
		sandbox = arbor.HostSandbox{}
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30
	}
	return &Tool{sandbox: sandbox, workspacePath: workspacePath, defaultTimeout: defaultTimeout}
}

func (t *Tool) Definitions() []arbor.ToolDefinition {
	return []arbor.ToolDefinition{{
		Name:        "shell_exec",
		Description: "Execute a shell command in the workspace directory. Returns stdout + stderr. Use for running scripts, checking files, or system tasks.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30)"}},"required":["command"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (arbor.ToolResult, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return arbor.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Command == "" {
		return arbor.ToolResult{Error: "command is required"}, nil
	}

	// Basic blocklist
	lower := strings.ToLower(params.Command)
	blocked := []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}
	for _, b := range blocked {
		if strings.Contains(lower, b) {
			return arbor.ToolResult{Error: "command blocked for safety: " + b}, nil
		}
	}

	timeout := t.defaultTimeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}
	if timeout > 300 {
		timeout = 300
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	bin, binArgs := t.sandbox.Wrap("sh", []string{"-c", params.Command}, t.workspacePath)
	cmd := exec.CommandContext(cmdCtx, bin, binArgs...)
	cmd.Dir = t.workspacePath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var output string
	if stdout.Len() > 0 {
		output = stdout.String()
	}
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if len(output) > 4000 {
		output = output[:4000] + "\n... (truncated)"
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return arbor.ToolResult{Content: output, Error: fmt.Sprintf("command timed out after %ds", timeout)}, nil
		}
		if output == "" {
			output = err.Error()
		}
		return arbor.ToolResult{Content: output, Error: "exit: " + err.Error()}, nil
	}
	if output == "" {
		output = "(no output)"
	}
	return arbor.ToolResult{Content: output}, nil
}
