package codeexec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hyperstudiox/hyperagent/internal/llm"
	"github.com/hyperstudiox/hyperagent/internal/sandbox"
)

// SandboxFileTool reads and writes files inside the task's sandbox
// session, sharing the session (and therefore the workspace) with
// execute_code. UserID and TaskID are injected by the orchestrator.
type SandboxFileTool struct {
	Sessions *sandbox.Manager
	UserID   string
	TaskID   string
}

type sandboxFileParams struct {
	Operation string `json:"operation"`
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	IsBinary  bool   `json:"is_binary,omitempty"`
}

const fileOpTimeout = 30 * time.Second

func (t *SandboxFileTool) Name() string { return "sandbox_file" }

func (t *SandboxFileTool) Description() string {
	return "Read, write, list, delete, or test files in the task's sandbox workspace. Binary content is base64."
}

func (t *SandboxFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"operation": {"type": "string", "enum": ["read", "write", "list", "delete", "exists"]},
			"path": {"type": "string"},
			"content": {"type": "string"},
			"is_binary": {"type": "boolean"}
		},
		"required": ["operation", "path"]
	}`)
}

func (t *SandboxFileTool) Execute(ctx context.Context, params json.RawMessage) (*llm.ToolResult, error) {
	var p sandboxFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &llm.ToolResult{Content: "invalid sandbox_file arguments: " + err.Error(), IsError: true}, nil
	}
	if err := validatePath(p.Path); err != nil {
		return &llm.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	session, err := t.Sessions.GetOrCreate(ctx, t.UserID, t.TaskID, 0)
	if err != nil {
		return &llm.ToolResult{Content: "sandbox unavailable: " + err.Error(), IsError: true}, nil
	}
	runner, ok := session.Executor.(sandbox.CommandExecutor)
	if !ok {
		return &llm.ToolResult{Content: "sandbox backend cannot run commands", IsError: true}, nil
	}

	switch p.Operation {
	case "read":
		// base64 keeps binary file content intact through the exec channel.
		out, err := runner.Exec(ctx, fmt.Sprintf("base64 < %q", p.Path), "", nil, fileOpTimeout)
		if err != nil || out.ExitCode != 0 {
			return fileError("read", p.Path, out, err), nil
		}
		raw := strings.Map(dropSpace, out.Stdout)
		if p.IsBinary {
			return &llm.ToolResult{Content: raw}, nil
		}
		decoded, decErr := base64.StdEncoding.DecodeString(raw)
		if decErr != nil {
			return &llm.ToolResult{Content: "undecodable file content: " + decErr.Error(), IsError: true}, nil
		}
		return &llm.ToolResult{Content: string(decoded)}, nil

	case "write":
		data := p.Content
		if p.IsBinary {
			decoded, decErr := base64.StdEncoding.DecodeString(p.Content)
			if decErr != nil {
				return &llm.ToolResult{Content: "content is not valid base64: " + decErr.Error(), IsError: true}, nil
			}
			data = string(decoded)
		}
		cmd := fmt.Sprintf("mkdir -p %q && cat > %q", dirOf(p.Path), p.Path)
		out, err := runner.Exec(ctx, cmd, data, nil, fileOpTimeout)
		if err != nil || out.ExitCode != 0 {
			return fileError("write", p.Path, out, err), nil
		}
		return &llm.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(data), p.Path)}, nil

	case "list":
		out, err := runner.Exec(ctx, fmt.Sprintf("ls -la %q", p.Path), "", nil, fileOpTimeout)
		if err != nil || out.ExitCode != 0 {
			return fileError("list", p.Path, out, err), nil
		}
		return &llm.ToolResult{Content: out.Stdout}, nil

	case "delete":
		out, err := runner.Exec(ctx, fmt.Sprintf("rm -rf %q", p.Path), "", nil, fileOpTimeout)
		if err != nil || out.ExitCode != 0 {
			return fileError("delete", p.Path, out, err), nil
		}
		return &llm.ToolResult{Content: "deleted " + p.Path}, nil

	case "exists":
		out, err := runner.Exec(ctx, fmt.Sprintf("test -e %q", p.Path), "", nil, fileOpTimeout)
		if err != nil {
			return fileError("exists", p.Path, out, err), nil
		}
		if out.ExitCode == 0 {
			return &llm.ToolResult{Content: "true"}, nil
		}
		return &llm.ToolResult{Content: "false"}, nil

	default:
		return &llm.ToolResult{Content: fmt.Sprintf("unknown operation %q", p.Operation), IsError: true}, nil
	}
}

// validatePath keeps every operation inside the session workspace:
// relative paths only, no traversal.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "~") {
		return fmt.Errorf("path must be relative to the sandbox workspace")
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return fmt.Errorf("path may not traverse outside the workspace")
		}
	}
	return nil
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i > 0 {
		return path[:i]
	}
	return "."
}

func dropSpace(r rune) rune {
	if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
		return -1
	}
	return r
}

func fileError(op, path string, out sandbox.ExecOutput, err error) *llm.ToolResult {
	if err != nil {
		return &llm.ToolResult{Content: fmt.Sprintf("%s %s: %v", op, path, err), IsError: true}
	}
	detail := strings.TrimSpace(out.Stderr)
	if detail == "" {
		detail = fmt.Sprintf("exit %d", out.ExitCode)
	}
	return &llm.ToolResult{Content: fmt.Sprintf("%s %s: %s", op, path, detail), IsError: true}
}
