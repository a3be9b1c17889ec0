//go:build linux

package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
)

// FirecrackerConfig configures the microVM session backend. The rootfs
// image must boot an init that serves the exec protocol on ExecPort over
// vsock: one JSON request line {"command","stdin","env","timeout_seconds"}
// answered by one JSON line {"stdout","stderr","exit_code"}.
type FirecrackerConfig struct {
	KernelPath  string
	RootfsPath  string
	KernelArgs  string
	VCPUs       int64
	MemSizeMB   int64
	RuntimeDir  string // socket/state files live under RuntimeDir/<session>
	ExecPort    uint32
	BootTimeout time.Duration
}

// FirecrackerFactory returns a Factory that boots one microVM per session
// key. Each VM gets a copy-on-write overlay of the shared rootfs so
// sessions cannot see each other's files.
func FirecrackerFactory(cfg FirecrackerConfig) Factory {
	if cfg.ExecPort == 0 {
		cfg.ExecPort = 5005
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = 30 * time.Second
	}
	if cfg.VCPUs <= 0 {
		cfg.VCPUs = 1
	}
	if cfg.MemSizeMB <= 0 {
		cfg.MemSizeMB = 512
	}
	return func(ctx context.Context, key string) (Executor, error) {
		return bootMicroVM(ctx, cfg, key)
	}
}

// MicroVMExecutor is one booted Firecracker VM bound to a session.
type MicroVMExecutor struct {
	key      string
	dir      string
	vsock    string
	execPort uint32
	machine  *firecracker.Machine
}

func bootMicroVM(ctx context.Context, cfg FirecrackerConfig, key string) (*MicroVMExecutor, error) {
	safe := strings.NewReplacer(":", "_", "/", "_").Replace(key)
	dir := filepath.Join(cfg.RuntimeDir, safe)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("microvm runtime dir: %w", err)
	}

	overlay := filepath.Join(dir, "rootfs.ext4")
	if err := copyFile(cfg.RootfsPath, overlay); err != nil {
		return nil, fmt.Errorf("copy rootfs overlay: %w", err)
	}

	kernelArgs := cfg.KernelArgs
	if kernelArgs == "" {
		kernelArgs = "console=ttyS0 reboot=k panic=1 pci=off"
	}

	vsockPath := filepath.Join(dir, "vsock.sock")
	fcCfg := firecracker.Config{
		SocketPath:      filepath.Join(dir, "firecracker.sock"),
		KernelImagePath: cfg.KernelPath,
		KernelArgs:      kernelArgs,
		Drives: []models.Drive{{
			DriveID:      firecracker.String("rootfs"),
			PathOnHost:   firecracker.String(overlay),
			IsRootDevice: firecracker.Bool(true),
			IsReadOnly:   firecracker.Bool(false),
		}},
		VsockDevices: []firecracker.VsockDevice{{
			Path: vsockPath,
			CID:  3,
		}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(cfg.VCPUs),
			MemSizeMib: firecracker.Int64(cfg.MemSizeMB),
			Smt:        firecracker.Bool(false),
		},
	}

	machine, err := firecracker.NewMachine(ctx, fcCfg)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("configure microvm: %w", err)
	}

	bootCtx, cancel := context.WithTimeout(ctx, cfg.BootTimeout)
	defer cancel()
	if err := machine.Start(bootCtx); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("boot microvm: %w", err)
	}

	vm := &MicroVMExecutor{
		key:      key,
		dir:      dir,
		vsock:    vsockPath,
		execPort: cfg.ExecPort,
		machine:  machine,
	}

	// The guest agent needs a moment after boot before it listens.
	if err := vm.waitReady(bootCtx); err != nil {
		_ = vm.Close()
		return nil, err
	}
	return vm, nil
}

// ID implements Executor.
func (vm *MicroVMExecutor) ID() string { return "fc-" + vm.key }

// WorkDir implements CommandExecutor; the guest agent runs commands in its
// own fixed workspace.
func (vm *MicroVMExecutor) WorkDir() string { return "/workspace" }

// Healthy implements Executor with a cheap vsock dial.
func (vm *MicroVMExecutor) Healthy() bool {
	conn, err := vm.dial(time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Close implements Executor: stop the VM and remove its runtime dir. Safe
// to call more than once.
func (vm *MicroVMExecutor) Close() error {
	if vm.machine != nil {
		_ = vm.machine.StopVMM()
		vm.machine = nil
	}
	if vm.dir != "" {
		err := os.RemoveAll(vm.dir)
		vm.dir = ""
		return err
	}
	return nil
}

type guestExecRequest struct {
	Command        string            `json:"command"`
	Stdin          string            `json:"stdin,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

type guestExecResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// Exec implements CommandExecutor over the vsock exec protocol.
func (vm *MicroVMExecutor) Exec(ctx context.Context, command, stdin string, env map[string]string, timeout time.Duration) (ExecOutput, error) {
	conn, err := vm.dial(5 * time.Second)
	if err != nil {
		return ExecOutput{}, fmt.Errorf("microvm %s: %w", vm.ID(), err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout + 10*time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	req := guestExecRequest{
		Command:        command,
		Stdin:          stdin,
		Env:            env,
		TimeoutSeconds: int(timeout.Seconds()),
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return ExecOutput{}, fmt.Errorf("send exec request: %w", err)
	}

	var resp guestExecResponse
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return ExecOutput{}, fmt.Errorf("read exec response: %w", err)
	}
	if resp.Error != "" {
		return ExecOutput{}, fmt.Errorf("guest: %s", resp.Error)
	}
	return ExecOutput{
		Stdout:   truncateOutput(resp.Stdout),
		Stderr:   truncateOutput(resp.Stderr),
		ExitCode: resp.ExitCode,
	}, nil
}

// dial opens the firecracker host-side vsock mux and connects to the
// guest exec port ("CONNECT <port>" handshake).
func (vm *MicroVMExecutor) dial(timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("unix", vm.vsock, timeout)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", vm.execPort); err != nil {
		_ = conn.Close()
		return nil, err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "OK") {
		_ = conn.Close()
		return nil, fmt.Errorf("vsock handshake failed: %q %v", line, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func (vm *MicroVMExecutor) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if vm.Healthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("microvm %s never became ready: %w", vm.ID(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
