package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	apiclient "github.com/daytonaio/daytona/libs/api-client-go"
	toolbox "github.com/daytonaio/daytona/libs/toolbox-api-client-go"
)

// DaytonaConfig configures the hosted Daytona session backend.
type DaytonaConfig struct {
	APIURL   string
	APIKey   string
	Target   string
	Snapshot string
	Image    string
	// NetworkEnabled allows outbound network from the sandbox.
	NetworkEnabled bool
}

// DaytonaFactory returns a Factory that provisions one hosted Daytona
// sandbox per session key. The sandbox lives for the session's TTL and is
// deleted when the session is reaped or cleaned up.
func DaytonaFactory(cfg DaytonaConfig) Factory {
	apiCfg := apiclient.NewConfiguration()
	if cfg.APIURL != "" {
		apiCfg.Servers = apiclient.ServerConfigurations{{URL: strings.TrimRight(cfg.APIURL, "/")}}
	}
	client := apiclient.NewAPIClient(apiCfg)

	return func(ctx context.Context, key string) (Executor, error) {
		authCtx := context.WithValue(ctx, apiclient.ContextAccessToken, cfg.APIKey)

		createReq := apiclient.NewCreateSandbox()
		createReq.SetName("hyperagent-" + sanitizeName(key))
		if cfg.Target != "" {
			createReq.SetTarget(cfg.Target)
		}
		if cfg.Snapshot != "" {
			createReq.SetSnapshot(cfg.Snapshot)
		} else if cfg.Image != "" {
			createReq.SetBuildInfo(apiclient.CreateBuildInfo{
				DockerfileContent: fmt.Sprintf("FROM %s", cfg.Image),
			})
		}
		if !cfg.NetworkEnabled {
			createReq.SetNetworkBlockAll(true)
		}

		created, httpResp, err := client.SandboxAPI.CreateSandbox(authCtx).CreateSandbox(*createReq).Execute()
		if err != nil {
			return nil, fmt.Errorf("daytona create sandbox: %w", apiErr(err, httpResp))
		}
		if state := created.GetState(); state == apiclient.SANDBOXSTATE_ERROR || state == apiclient.SANDBOXSTATE_BUILD_FAILED {
			return nil, fmt.Errorf("daytona sandbox failed to start: %s", state)
		}

		d := &DaytonaExecutor{
			client:    client,
			apiKey:    cfg.APIKey,
			sandboxID: created.GetId(),
		}
		if err := d.waitStarted(ctx); err != nil {
			_ = d.Close()
			return nil, err
		}
		if err := d.connectToolbox(ctx); err != nil {
			_ = d.Close()
			return nil, err
		}
		return d, nil
	}
}

// DaytonaExecutor is a live hosted sandbox bound to one session.
type DaytonaExecutor struct {
	client    *apiclient.APIClient
	apiKey    string
	sandboxID string
	toolbox   *toolbox.APIClient
	workDir   string
}

// ID implements Executor.
func (d *DaytonaExecutor) ID() string { return d.sandboxID }

// WorkDir implements CommandExecutor.
func (d *DaytonaExecutor) WorkDir() string { return d.workDir }

// Healthy implements Executor: the sandbox must still report started.
func (d *DaytonaExecutor) Healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sb, _, err := d.client.SandboxAPI.GetSandbox(d.auth(ctx), d.sandboxID).Execute()
	return err == nil && sb.GetState() == apiclient.SANDBOXSTATE_STARTED
}

// Close implements Executor, deleting the remote sandbox. Safe to call
// more than once: a second delete of a gone sandbox is reported as nil.
func (d *DaytonaExecutor) Close() error {
	if d.sandboxID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, httpResp, err := d.client.SandboxAPI.DeleteSandbox(d.auth(ctx), d.sandboxID).Execute()
	d.sandboxID = ""
	if err != nil && httpResp != nil && httpResp.StatusCode == 404 {
		return nil
	}
	if err != nil {
		return fmt.Errorf("daytona delete sandbox: %w", err)
	}
	return nil
}

// Exec implements CommandExecutor through the sandbox toolbox API.
func (d *DaytonaExecutor) Exec(ctx context.Context, command, stdin string, env map[string]string, timeout time.Duration) (ExecOutput, error) {
	if d.toolbox == nil {
		return ExecOutput{}, fmt.Errorf("daytona sandbox %s has no toolbox connection", d.sandboxID)
	}
	// The toolbox exec API has no stdin/env channels; fold both into the
	// shell line.
	full := command
	for k, v := range env {
		full = fmt.Sprintf("%s=%q %s", k, v, full)
	}
	if stdin != "" {
		full = fmt.Sprintf("printf %%s %q | { %s; }", stdin, full)
	}

	execReq := toolbox.NewExecuteRequest(full)
	if d.workDir != "" {
		execReq.SetCwd(d.workDir)
	}
	if timeout > 0 {
		execReq.SetTimeout(int32(timeout.Seconds()))
	}
	resp, httpResp, err := d.toolbox.ProcessAPI.ExecuteCommand(d.auth(ctx)).Request(*execReq).Execute()
	if err != nil {
		return ExecOutput{}, fmt.Errorf("daytona execute: %w", apiErr(err, httpResp))
	}
	out := ExecOutput{Stdout: truncateOutput(resp.Result)}
	if resp.ExitCode != nil {
		out.ExitCode = int(*resp.ExitCode)
	}
	return out, nil
}

func (d *DaytonaExecutor) auth(ctx context.Context) context.Context {
	return context.WithValue(ctx, apiclient.ContextAccessToken, d.apiKey)
}

func (d *DaytonaExecutor) waitStarted(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		sb, httpResp, err := d.client.SandboxAPI.GetSandbox(d.auth(ctx), d.sandboxID).Execute()
		if err != nil {
			return fmt.Errorf("daytona sandbox status: %w", apiErr(err, httpResp))
		}
		switch sb.GetState() {
		case apiclient.SANDBOXSTATE_STARTED:
			return nil
		case apiclient.SANDBOXSTATE_ERROR, apiclient.SANDBOXSTATE_BUILD_FAILED, apiclient.SANDBOXSTATE_DESTROYED:
			return fmt.Errorf("daytona sandbox entered %s", sb.GetState())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *DaytonaExecutor) connectToolbox(ctx context.Context) error {
	result, httpResp, err := d.client.SandboxAPI.GetToolboxProxyUrl(d.auth(ctx), d.sandboxID).Execute()
	if err != nil {
		return fmt.Errorf("daytona toolbox proxy url: %w", apiErr(err, httpResp))
	}
	cfg := toolbox.NewConfiguration()
	cfg.Servers = toolbox.ServerConfigurations{{URL: strings.TrimRight(result.GetUrl(), "/")}}
	d.toolbox = toolbox.NewAPIClient(cfg)

	out, err := d.Exec(ctx, "pwd", "", nil, 15*time.Second)
	if err != nil {
		return err
	}
	d.workDir = strings.TrimSpace(out.Stdout)
	return nil
}

func sanitizeName(key string) string {
	return strings.NewReplacer(":", "-", "/", "-", "_", "-").Replace(key)
}

func apiErr(err error, httpResp *http.Response) error {
	if httpResp != nil {
		return fmt.Errorf("%s: %w", httpResp.Status, err)
	}
	return err
}
