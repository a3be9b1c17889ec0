package skills

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hyperstudiox/hyperagent/internal/llm"
)

// InvokeSkillTool exposes the skill engine to the model as a single
// invoke_skill tool. UserID, TaskID, and Channel are injected by the
// orchestrator when the tool is bound to a run; the model only supplies
// skill_id and params.
type InvokeSkillTool struct {
	Engine  *Engine
	UserID  string
	TaskID  string
	Channel string
}

func (t *InvokeSkillTool) Name() string { return "invoke_skill" }

func (t *InvokeSkillTool) Description() string {
	return "Run a registered skill by id with a params object matching the skill's declared parameters."
}

func (t *InvokeSkillTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"skill_id": {"type": "string"},
			"params": {"type": "object"}
		},
		"required": ["skill_id"]
	}`)
}

func (t *InvokeSkillTool) Execute(ctx context.Context, params json.RawMessage) (*llm.ToolResult, error) {
	var args struct {
		SkillID string         `json:"skill_id"`
		Params  map[string]any `json:"params"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return &llm.ToolResult{Content: "invalid invoke_skill arguments: " + err.Error(), IsError: true}, nil
	}
	if args.SkillID == "" {
		return &llm.ToolResult{Content: "skill_id is required", IsError: true}, nil
	}

	exec, err := t.Engine.Execute(ctx, args.SkillID, args.Params, t.UserID, t.TaskID, t.Channel)
	if err != nil {
		return &llm.ToolResult{Content: fmt.Sprintf("skill %s failed: %v", args.SkillID, err), IsError: true}, nil
	}

	out, marshalErr := json.Marshal(exec.Output)
	if marshalErr != nil {
		return &llm.ToolResult{Content: fmt.Sprintf("skill %s produced unencodable output: %v", args.SkillID, marshalErr), IsError: true}, nil
	}
	return &llm.ToolResult{Content: string(out)}, nil
}
