package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hyperstudiox/hyperagent/internal/eventbus"
	exectools "github.com/hyperstudiox/hyperagent/internal/tools/exec"
)

// CommandSubGraph runs a skill's source as an out-of-process command. The
// validated params are handed to the process as a JSON document on stdin
// and as SKILL_PARAM_* environment variables; stdout is the skill output
// (parsed as JSON when possible, returned as text otherwise). Arbitrary
// skill code never runs inside the orchestrator process.
type CommandSubGraph struct {
	Manager *exectools.Manager
	// WorkDir is the working directory commands run in; empty means the
	// manager's workspace root.
	WorkDir string
}

// Run implements SubGraph.
func (g *CommandSubGraph) Run(ctx context.Context, def *SkillDefinition, params map[string]any, emit func(eventbus.Event)) (any, error) {
	command := strings.TrimSpace(def.SourceCode)
	if command == "" {
		return nil, fmt.Errorf("skill %s has no source to run", def.ID)
	}

	input, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	env := map[string]string{"SKILL_ID": def.ID}
	for name, value := range params {
		raw, err := json.Marshal(value)
		if err != nil {
			continue
		}
		env["SKILL_PARAM_"+strings.ToUpper(name)] = strings.Trim(string(raw), `"`)
	}

	timeout := time.Duration(def.MaxExecutionTimeSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	if emit != nil {
		emit(eventbus.StageEvent("run", "executing "+def.Name, eventbus.StageRunning))
	}
	result, err := g.Manager.RunCommand(ctx, command, g.WorkDir, env, string(input), timeout)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("skill %s exited %d: %s", def.ID, result.ExitCode, firstLine(result.Stderr))
	}
	if emit != nil {
		emit(eventbus.StageEvent("run", "executed "+def.Name, eventbus.StageCompleted))
	}

	stdout := strings.TrimSpace(result.Stdout)
	var decoded any
	if json.Unmarshal([]byte(stdout), &decoded) == nil {
		return decoded, nil
	}
	return stdout, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
