package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hyperstudiox/hyperagent/internal/llm"
)

// HandoffTool is the per-source-agent delegation tool exposed to the model
// as handoff_to_<target>. Executing it does not run the target agent
// in-place: it validates and records the hop through the Supervisor and
// returns an acceptance marker; the driver stops its loop on a non-error
// handoff result so the supervisor can invoke the target's sub-graph.
type HandoffTool struct {
	Supervisor *Supervisor
	State      *State
	Channel    string
	Source     Agent
	Target     Agent
}

// HandoffToolsFor generates one HandoffTool per hop the matrix permits
// from source.
func HandoffToolsFor(sup *Supervisor, state *State, channel string, source Agent) []llm.Tool {
	targets := sup.Matrix[source]
	tools := make([]llm.Tool, 0, len(targets))
	for _, target := range targets {
		tools = append(tools, &HandoffTool{
			Supervisor: sup,
			State:      state,
			Channel:    channel,
			Source:     source,
			Target:     target,
		})
	}
	return tools
}

func (t *HandoffTool) Name() string {
	return "handoff_to_" + string(t.Target)
}

func (t *HandoffTool) Description() string {
	return fmt.Sprintf("Delegate the current request to the %s agent. Provide a self-contained task description and any context the %s agent needs.", t.Target, t.Target)
}

func (t *HandoffTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task_description": {"type": "string", "description": "What the target agent should do, stated so it can be executed without this conversation"},
			"context": {"type": "string", "description": "Findings or constraints gathered so far that the target agent should know"}
		},
		"required": ["task_description"]
	}`)
}

func (t *HandoffTool) Execute(ctx context.Context, params json.RawMessage) (*llm.ToolResult, error) {
	var args struct {
		TaskDescription string `json:"task_description"`
		Context         string `json:"context"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return &llm.ToolResult{Content: "invalid handoff arguments: " + err.Error(), IsError: true}, nil
	}
	if args.TaskDescription == "" {
		return &llm.ToolResult{Content: "task_description is required", IsError: true}, nil
	}

	newQuery, err := t.Supervisor.Handoff(ctx, t.State, t.Channel, t.Source, t.Target, args.TaskDescription, args.Context)
	if err != nil {
		return &llm.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	marker, _ := json.Marshal(map[string]string{
		"status": "accepted",
		"target": string(t.Target),
		"query":  newQuery,
	})
	return &llm.ToolResult{Content: string(marker)}, nil
}
