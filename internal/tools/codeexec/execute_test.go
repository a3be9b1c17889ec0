package codeexec

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"testing"

	"github.com/hyperstudiox/hyperagent/internal/sandbox"
)

func newExecTool(t *testing.T) (*ExecuteCodeTool, *sandbox.Manager) {
	t.Helper()
	mgr := sandbox.NewManager(sandbox.Config{
		Kind:    "execution",
		Factory: sandbox.WorkspaceFactory(t.TempDir()),
	}, nil)
	t.Cleanup(mgr.Stop)
	return &ExecuteCodeTool{Sessions: mgr, UserID: "u-1", TaskID: "t-1"}, mgr
}

func TestExecuteCodeBashHappyPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell-based test")
	}
	tool, _ := newExecTool(t)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"code":"echo hello","language":"bash"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	var out executeCodeResult
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.Stdout) != "hello" || out.ExitCode != 0 {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestExecuteCodeReusesOneSessionPerTask(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell-based test")
	}
	tool, mgr := newExecTool(t)

	// State written by the first call is visible to the second because both
	// run in the same session workspace.
	if res, _ := tool.Execute(context.Background(), json.RawMessage(`{"code":"echo 42 > state.txt","language":"bash"}`)); res.IsError {
		t.Fatalf("first call failed: %s", res.Content)
	}
	res, _ := tool.Execute(context.Background(), json.RawMessage(`{"code":"cat state.txt","language":"bash"}`))
	if res.IsError || !strings.Contains(res.Content, "42") {
		t.Fatalf("state did not persist across calls: %+v", res)
	}
	if n := mgr.ActiveCount(); n != 1 {
		t.Fatalf("expected exactly one active session, got %d", n)
	}
}

func TestExecuteCodeRejectsBadArguments(t *testing.T) {
	tool, mgr := newExecTool(t)
	cases := []string{
		`{"language":"bash"}`,                               // missing code
		`{"code":"x","language":"ruby"}`,                    // unsupported language
		`{"code":"x","language":"bash","timeout":601}`,      // over the cap
		`{"code":"x","language":"bash","packages":["a;b"]}`, // shell metacharacters
	}
	for _, args := range cases {
		res, err := tool.Execute(context.Background(), json.RawMessage(args))
		if err != nil {
			t.Fatalf("Execute(%s): %v", args, err)
		}
		if !res.IsError {
			t.Fatalf("expected error result for %s", args)
		}
	}
	if n := mgr.ActiveCount(); n > 1 {
		t.Fatalf("bad arguments must not multiply sessions, got %d", n)
	}
}

func TestExecuteCodeNonZeroExitIsErrorResult(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell-based test")
	}
	tool, _ := newExecTool(t)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"code":"exit 7","language":"bash"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected non-zero exit to surface as an error result")
	}
	var out executeCodeResult
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatal(err)
	}
	if out.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", out.ExitCode)
	}
}
