package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspaceFactoryProvisionsAndCloses(t *testing.T) {
	root := t.TempDir()
	factory := WorkspaceFactory(root)

	exec, err := factory(context.Background(), SessionKey("u-1", "t-1"))
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	ws := exec.(*WorkspaceExecutor)
	if !ws.Healthy() {
		t.Fatal("fresh workspace should be healthy")
	}
	if filepath.Dir(ws.Dir()) != root {
		t.Fatalf("workspace %q not under root %q", ws.Dir(), root)
	}

	if err := exec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(ws.Dir()); !os.IsNotExist(err) {
		t.Fatal("workspace directory should be removed on close")
	}
	if ws.Healthy() {
		t.Fatal("closed workspace must report unhealthy")
	}
}

func TestWorkspaceFactorySanitisesKey(t *testing.T) {
	root := t.TempDir()
	exec, err := WorkspaceFactory(root)(context.Background(), "a/../b:c")
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	dir := exec.(*WorkspaceExecutor).Dir()
	if filepath.Dir(dir) != root {
		t.Fatalf("sanitised workspace escaped root: %q", dir)
	}
}
