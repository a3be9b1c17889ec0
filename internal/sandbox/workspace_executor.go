package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WorkspaceExecutor is the execution-kind session backend used when code
// runs through the pooled local runtimes: the per-session state is a
// workspace directory shared by every tool call in the task, provisioned
// on first use and removed when the session is reaped or cleaned up.
type WorkspaceExecutor struct {
	id   string
	root string
	dir  string
}

// ID implements Executor.
func (w *WorkspaceExecutor) ID() string { return w.id }

// Dir is the absolute workspace path tool calls should run in.
func (w *WorkspaceExecutor) Dir() string { return w.dir }

// Healthy implements Executor: the session is alive while its workspace
// directory still exists.
func (w *WorkspaceExecutor) Healthy() bool {
	info, err := os.Stat(w.dir)
	return err == nil && info.IsDir()
}

// Close implements Executor.
func (w *WorkspaceExecutor) Close() error {
	if w.dir == "" || w.dir == w.root {
		return nil
	}
	return os.RemoveAll(w.dir)
}

// WorkspaceFactory returns a Factory provisioning one workspace directory
// per session key under root.
func WorkspaceFactory(root string) Factory {
	return func(_ context.Context, key string) (Executor, error) {
		if root == "" {
			root = filepath.Join(os.TempDir(), "hyperagent-sandboxes")
		}
		safe := strings.NewReplacer(":", "_", "/", "_", "\\", "_", "..", "_").Replace(key)
		dir := filepath.Join(root, safe)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("provision workspace for %s: %w", key, err)
		}
		return &WorkspaceExecutor{id: safe, root: root, dir: dir}, nil
	}
}
