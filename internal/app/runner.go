package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperstudiox/hyperagent/internal/eventbus"
	"github.com/hyperstudiox/hyperagent/internal/hitl"
	"github.com/hyperstudiox/hyperagent/internal/llm"
	"github.com/hyperstudiox/hyperagent/internal/queue"
	"github.com/hyperstudiox/hyperagent/internal/reactloop"
	"github.com/hyperstudiox/hyperagent/internal/supervisor"
)

// AgentBinding is one canonical agent's model, tool catalogue, and system
// prompt.
type AgentBinding struct {
	Model     reactloop.Model
	ToolSpecs []reactloop.ToolSpec
	System    string
}

// LoopRunner implements queue.Runner and supervisor.Router by driving a
// fresh reactloop.Loop per task/handoff. It is the composition root's single
// seam between the durable task queue, the supervisor, and the ReAct
// driver.
type LoopRunner struct {
	Agents     map[supervisor.Agent]AgentBinding
	Tools      reactloop.ToolExecutor
	Pipeline   reactloop.Pipeline
	HITL       *hitl.Manager
	Bus        *eventbus.Bus
	Config     reactloop.Config
	Supervisor *supervisor.Supervisor
	// PerRunTools, when set, returns tools bound to one task run (ask_user,
	// invoke_skill with injected user/task ids) that are appended to the
	// agent's catalogue for that run only.
	PerRunTools func(task *queue.Task, channel string) []llm.Tool
}

// Run implements queue.Runner: it routes the task to its canonical agent,
// drives that agent's loop, and follows any accepted handoffs until a
// terminal result.
func (l *LoopRunner) Run(ctx context.Context, task *queue.Task, channel string) (string, error) {
	state := supervisor.NewState(task.Query)
	if l.Supervisor != nil {
		if err := l.Supervisor.Route(ctx, state, string(task.Kind), nil); err != nil {
			return "", err
		}
	} else {
		agent := supervisor.Canonical(string(task.Kind))
		state.SelectedAgent = agent
		state.ActiveAgent = agent
	}

	query := task.Query
	for {
		binding, ok := l.Agents[state.ActiveAgent]
		if !ok {
			return "", fmt.Errorf("runner: no agent bound for %q", state.ActiveAgent)
		}

		executor := l.Tools
		specs := binding.ToolSpecs
		var runTools []llm.Tool
		if l.Supervisor != nil {
			runTools = append(runTools, supervisor.HandoffToolsFor(l.Supervisor, state, channel, state.ActiveAgent)...)
		}
		if l.PerRunTools != nil {
			runTools = append(runTools, l.PerRunTools(task, channel)...)
		}
		if len(runTools) > 0 {
			executor = &runToolsExecutor{inner: l.Tools, tools: runTools}
			specs = append(append([]reactloop.ToolSpec(nil), specs...), toolSpecs(runTools)...)
		}

		deps := reactloop.Deps{
			Model:    binding.Model,
			Tools:    executor,
			Pipeline: l.Pipeline,
			HITL:     l.HITL,
			Bus:      l.Bus,
			Channel:  channel,
			ThreadID: task.ID,
		}
		loop := reactloop.New(deps, l.Config, specs)

		messages := []reactloop.Message{}
		if binding.System != "" {
			messages = append(messages, reactloop.Message{Role: reactloop.RoleSystem, Content: binding.System})
		}
		if memory := memoryPreamble(state); memory != "" {
			messages = append(messages, reactloop.Message{Role: reactloop.RoleSystem, Content: memory})
		}
		messages = append(messages, reactloop.Message{Role: reactloop.RoleUser, Content: query})

		loopState := reactloop.NewState(messages)
		loopState.AutoApproveTools = state.AutoApproveTools

		result := loop.Run(ctx, loopState)
		switch result.Phase {
		case reactloop.PhaseDone:
			return result.FinalResponse, nil
		case reactloop.PhaseHandoff:
			// The hop was already validated and recorded by the handoff
			// tool; continue with the target agent and the fresh query.
			source := supervisor.Agent("")
			if n := len(state.HandoffHistory); n > 0 {
				source = state.HandoffHistory[n-1].SourceAgent
			}
			query = supervisor.ComposeHandoffQuery(source, result.Handoff.TaskDescription, result.Handoff.Context)
			continue
		case reactloop.PhaseCancelled:
			return "", context.Canceled
		default:
			return "", result.Err
		}
	}
}

// memoryPreamble renders the shared memory carried across handoffs as a
// compact system preamble for the next agent.
func memoryPreamble(state *supervisor.State) string {
	snapshot := state.SharedMemory.Snapshot()
	if len(snapshot) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Shared memory from earlier agents:\n")
	for k, v := range snapshot {
		fmt.Fprintf(&b, "- %s: %s\n", k, v)
	}
	return b.String()
}

// runToolsExecutor routes calls for per-run tools (handoffs, ask_user,
// invoke_skill) and everything else to the wrapped executor.
type runToolsExecutor struct {
	inner reactloop.ToolExecutor
	tools []llm.Tool
}

func (h *runToolsExecutor) Execute(ctx context.Context, call reactloop.ToolCall) (reactloop.ToolResult, error) {
	for _, tool := range h.tools {
		if tool.Name() == call.Name {
			res, err := tool.Execute(ctx, call.Args)
			if err != nil {
				return reactloop.ToolResult{}, err
			}
			return reactloop.ToolResult{
				Output:  jsonContent(res.Content),
				IsError: res.IsError,
				Message: res.Content,
			}, nil
		}
	}
	return h.inner.Execute(ctx, call)
}

func toolSpecs(tools []llm.Tool) []reactloop.ToolSpec {
	specs := make([]reactloop.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, reactloop.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			ArgsSchema:  t.Schema(),
		})
	}
	return specs
}

// Classify implements supervisor.Router using the task agent's own model as
// a zero-shot classifier. It asks for a single bare agent name and falls
// back to AgentTask on any ambiguity so routing never blocks on a malformed
// classifier reply.
func (l *LoopRunner) Classify(ctx context.Context, query, modeHint string, history []reactloop.Message) (supervisor.RoutingDecision, error) {
	if modeHint != "" {
		return supervisor.RoutingDecision{Agent: supervisor.Canonical(modeHint), Confidence: 1.0, Reason: "mode hint"}, nil
	}

	classifier, ok := l.Agents[supervisor.AgentTask]
	if !ok {
		return supervisor.RoutingDecision{Agent: supervisor.AgentTask, Confidence: 0, Reason: "no classifier agent bound"}, nil
	}

	prompt := reactloop.Message{
		Role: reactloop.RoleUser,
		Content: "Classify the following request as exactly one word, either `task` or `research`, with no " +
			"punctuation or explanation: research means the request needs multi-step web investigation or " +
			"synthesis across sources; task means everything else.\n\nRequest: " + query,
	}
	reply, err := classifier.Model.StreamCompletion(ctx, append(append([]reactloop.Message{}, history...), prompt), nil, nil)
	if err != nil {
		return supervisor.RoutingDecision{Agent: supervisor.AgentTask, Confidence: 0, Reason: "classifier error: " + err.Error()}, nil
	}

	answer := strings.ToLower(strings.TrimSpace(reply.Text))
	agent := supervisor.AgentTask
	confidence := 0.6
	if strings.Contains(answer, "research") {
		agent = supervisor.AgentResearch
		confidence = 0.8
	}
	return supervisor.RoutingDecision{Agent: agent, Confidence: confidence, Reason: "classifier: " + answer}, nil
}
