package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyperstudiox/hyperagent/internal/hitl"
	"github.com/hyperstudiox/hyperagent/internal/llm"
)

// AskUserTool lets the model pause and put a question to the user: a
// decision between options, free-text input, or a confirmation. It blocks
// on the interrupt manager until the user responds or the wait times out.
type AskUserTool struct {
	Manager  *hitl.Manager
	ThreadID string
	Timeout  time.Duration
}

// NewAskUserTool builds an ask_user tool bound to one thread.
func NewAskUserTool(manager *hitl.Manager, threadID string, timeout time.Duration) *AskUserTool {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &AskUserTool{Manager: manager, ThreadID: threadID, Timeout: timeout}
}

func (t *AskUserTool) Name() string { return "ask_user" }

func (t *AskUserTool) Description() string {
	return "Ask the user a question and wait for their answer. Use question_type decision with options for a choice, input for free text, confirmation for yes/no."
}

func (t *AskUserTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"question": {"type": "string"},
			"question_type": {"type": "string", "enum": ["decision", "input", "confirmation"]},
			"options": {"type": "array", "items": {"type": "string"}},
			"context": {"type": "string"}
		},
		"required": ["question", "question_type"]
	}`)
}

func (t *AskUserTool) Execute(ctx context.Context, params json.RawMessage) (*llm.ToolResult, error) {
	var args struct {
		Question     string   `json:"question"`
		QuestionType string   `json:"question_type"`
		Options      []string `json:"options"`
		Context      string   `json:"context"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return &llm.ToolResult{Content: "invalid ask_user arguments: " + err.Error(), IsError: true}, nil
	}
	if args.Question == "" {
		return &llm.ToolResult{Content: "question is required", IsError: true}, nil
	}

	var kind hitl.Kind
	switch args.QuestionType {
	case "decision":
		kind = hitl.KindDecision
	case "input":
		kind = hitl.KindInput
	case "confirmation":
		kind = hitl.KindApproval
	default:
		return &llm.ToolResult{Content: fmt.Sprintf("unknown question_type %q", args.QuestionType), IsError: true}, nil
	}

	interruptID := uuid.NewString()
	_, err := t.Manager.CreateInterrupt(ctx, t.ThreadID, interruptID, hitl.Interrupt{
		Kind:           kind,
		Title:          args.Question,
		Message:        args.Context,
		Options:        args.Options,
		TimeoutSeconds: int(t.Timeout.Seconds()),
	})
	if err != nil {
		return &llm.ToolResult{Content: "could not create interrupt: " + err.Error(), IsError: true}, nil
	}

	resp, err := t.Manager.WaitForResponse(ctx, t.ThreadID, interruptID, t.Timeout)
	if err != nil {
		_, _ = t.Manager.CancelInterrupt(ctx, t.ThreadID, interruptID)
		return &llm.ToolResult{Content: "no answer from user: " + err.Error(), IsError: true}, nil
	}

	switch resp.Action {
	case hitl.ActionCancel:
		return &llm.ToolResult{Content: "user cancelled the question", IsError: true}, nil
	case hitl.ActionSkip:
		return &llm.ToolResult{Content: "user skipped the question"}, nil
	case hitl.ActionSelect, hitl.ActionInput:
		return &llm.ToolResult{Content: resp.Value}, nil
	case hitl.ActionApprove, hitl.ActionApproveAlways:
		return &llm.ToolResult{Content: "yes"}, nil
	case hitl.ActionDeny:
		return &llm.ToolResult{Content: "no"}, nil
	default:
		return &llm.ToolResult{Content: resp.Value}, nil
	}
}
