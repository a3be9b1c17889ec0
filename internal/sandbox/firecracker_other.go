//go:build !linux

package sandbox

import (
	"context"
	"fmt"
	"time"
)

// FirecrackerConfig configures the microVM session backend (linux only).
type FirecrackerConfig struct {
	KernelPath  string
	RootfsPath  string
	KernelArgs  string
	VCPUs       int64
	MemSizeMB   int64
	RuntimeDir  string
	ExecPort    uint32
	BootTimeout time.Duration
}

// FirecrackerFactory is unavailable off linux; every session request fails
// with a clear error instead of a build break.
func FirecrackerFactory(FirecrackerConfig) Factory {
	return func(context.Context, string) (Executor, error) {
		return nil, fmt.Errorf("firecracker sandboxes require linux")
	}
}
