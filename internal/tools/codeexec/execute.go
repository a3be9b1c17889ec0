// Package codeexec implements the execute_code and sandbox_file tools on
// top of the keyed sandbox session pool: every call for one task reuses
// that task's session, so state (files, installed packages) persists
// across calls and at most one sandbox exists per (user, task).
package codeexec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperstudiox/hyperagent/internal/llm"
	"github.com/hyperstudiox/hyperagent/internal/sandbox"
)

// ExecuteCodeTool runs model-supplied code inside the task's sandbox
// session. UserID and TaskID are injected by the orchestrator when the
// tool is bound to a run; the model never supplies them.
type ExecuteCodeTool struct {
	Sessions *sandbox.Manager
	UserID   string
	TaskID   string
}

type executeCodeParams struct {
	Code                  string   `json:"code"`
	Language              string   `json:"language"`
	Packages              []string `json:"packages,omitempty"`
	CaptureVisualizations bool     `json:"capture_visualizations,omitempty"`
	Timeout               int      `json:"timeout,omitempty"`
}

type executeCodeResult struct {
	Stdout         string   `json:"stdout"`
	Stderr         string   `json:"stderr,omitempty"`
	ExitCode       int      `json:"exit_code"`
	Visualizations []string `json:"visualizations,omitempty"` // base64 PNG/SVG
}

func (t *ExecuteCodeTool) Name() string { return "execute_code" }

func (t *ExecuteCodeTool) Description() string {
	return "Execute code in the task's sandbox. State in the sandbox workspace persists across calls within the same task."
}

func (t *ExecuteCodeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"code": {"type": "string"},
			"language": {"type": "string", "enum": ["python", "javascript", "typescript", "bash"]},
			"packages": {"type": "array", "items": {"type": "string"}},
			"capture_visualizations": {"type": "boolean"},
			"timeout": {"type": "integer", "minimum": 1, "maximum": 600}
		},
		"required": ["code", "language"]
	}`)
}

func (t *ExecuteCodeTool) Execute(ctx context.Context, params json.RawMessage) (*llm.ToolResult, error) {
	var p executeCodeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &llm.ToolResult{Content: "invalid execute_code arguments: " + err.Error(), IsError: true}, nil
	}
	if strings.TrimSpace(p.Code) == "" {
		return &llm.ToolResult{Content: "code is required", IsError: true}, nil
	}
	timeout := time.Duration(p.Timeout) * time.Second
	if p.Timeout <= 0 {
		timeout = 60 * time.Second
	}
	if p.Timeout > 600 {
		return &llm.ToolResult{Content: "timeout must be between 1 and 600 seconds", IsError: true}, nil
	}

	session, err := t.Sessions.GetOrCreate(ctx, t.UserID, t.TaskID, 0)
	if err != nil {
		return &llm.ToolResult{Content: "sandbox unavailable: " + err.Error(), IsError: true}, nil
	}
	runner, ok := session.Executor.(sandbox.CommandExecutor)
	if !ok {
		return &llm.ToolResult{Content: "sandbox backend cannot run commands", IsError: true}, nil
	}

	if len(p.Packages) > 0 {
		if err := installPackages(ctx, runner, p.Language, p.Packages, timeout); err != nil {
			return &llm.ToolResult{Content: "package install failed: " + err.Error(), IsError: true}, nil
		}
	}

	fileName, command, err := commandFor(p.Language)
	if err != nil {
		return &llm.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	// The code travels as stdin to a write-then-run shell line so no shell
	// quoting of the code itself is ever needed.
	run := fmt.Sprintf("cat > %s && %s %s", fileName, command, fileName)

	before := map[string]bool{}
	if p.CaptureVisualizations {
		before = listVisuals(runner.WorkDir())
	}

	out, err := runner.Exec(ctx, run, p.Code, nil, timeout)
	if err != nil {
		return &llm.ToolResult{Content: "execution failed: " + err.Error(), IsError: true}, nil
	}

	result := executeCodeResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}
	if p.CaptureVisualizations {
		result.Visualizations = collectNewVisuals(runner.WorkDir(), before)
	}

	encoded, _ := json.Marshal(result)
	return &llm.ToolResult{Content: string(encoded), IsError: out.ExitCode != 0}, nil
}

func commandFor(language string) (fileName, command string, err error) {
	switch language {
	case "python":
		return "main.py", "python3", nil
	case "javascript":
		return "main.js", "node", nil
	case "typescript":
		return "main.ts", "npx -y tsx", nil
	case "bash":
		return "main.sh", "bash", nil
	default:
		return "", "", fmt.Errorf("unsupported language %q", language)
	}
}

func installPackages(ctx context.Context, runner sandbox.CommandExecutor, language string, packages []string, timeout time.Duration) error {
	for _, pkg := range packages {
		if strings.ContainsAny(pkg, ";|&$`\"'\\<>") || strings.HasPrefix(pkg, "-") {
			return fmt.Errorf("invalid package name %q", pkg)
		}
	}
	var install string
	switch language {
	case "python":
		install = "python3 -m pip install --quiet " + strings.Join(packages, " ")
	case "javascript", "typescript":
		install = "npm install --silent " + strings.Join(packages, " ")
	case "bash":
		return fmt.Errorf("packages are not supported for bash")
	default:
		return fmt.Errorf("unsupported language %q", language)
	}
	out, err := runner.Exec(ctx, install, "", nil, timeout)
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("installer exited %d: %s", out.ExitCode, firstLine(out.Stderr))
	}
	return nil
}

// listVisuals and collectNewVisuals only work for backends whose WorkDir
// is host-visible (the local workspace backend); remote backends return no
// visualizations rather than failing the call.
func listVisuals(dir string) map[string]bool {
	seen := map[string]bool{}
	for _, pattern := range []string{"*.png", "*.svg"} {
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		for _, m := range matches {
			seen[m] = true
		}
	}
	return seen
}

func collectNewVisuals(dir string, before map[string]bool) []string {
	var out []string
	for m := range listVisuals(dir) {
		if before[m] {
			continue
		}
		data, err := os.ReadFile(m)
		if err != nil || len(data) == 0 {
			continue
		}
		out = append(out, base64.StdEncoding.EncodeToString(data))
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
