package reactloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hyperstudiox/hyperagent/internal/backoff"
	"github.com/hyperstudiox/hyperagent/internal/eventbus"
	"github.com/hyperstudiox/hyperagent/internal/hitl"
)

// handoffToolPrefix names the per-source-agent handoff tools generated by
// the tool registry. The loop defers these behind any other tool calls in
// the same turn.
const handoffToolPrefix = "handoff_to_"

// State is the loop's working state for one invocation, covering the
// subset of agent state that the driver itself owns and mutates.
// Routing/handoff/shared-memory fields live one layer up in the
// supervisor, which embeds or wraps this.
type State struct {
	Messages          []Message
	ToolIterations    int
	ConsecutiveErrors int
	ContextSummary    string
	AutoApproveTools  map[string]bool
}

// NewState creates a State seeded with the initial transcript.
func NewState(initial []Message) *State {
	return &State{
		Messages:         append([]Message(nil), initial...),
		AutoApproveTools: make(map[string]bool),
	}
}

// Result is what Run returns on any terminal phase. Handoff is set only
// when Phase is PhaseHandoff: the loop stops so the supervisor can invoke
// the target agent's sub-graph with the accepted delegation.
type Result struct {
	Phase         Phase
	FinalResponse string
	Handoff       *HandoffRequest
	Err           error
}

// HandoffRequest is the accepted delegation marker a handoff tool result
// carries back out of the loop.
type HandoffRequest struct {
	Target          string
	TaskDescription string
	Context         string
}

// Deps wires the loop to its collaborators. ThreadID keys the HITL
// interrupt store; Channel is the eventbus channel events are
// published on (typically eventbus.ChannelName(taskID)).
type Deps struct {
	Model    Model
	Tools    ToolExecutor
	Pipeline Pipeline
	HITL     *hitl.Manager
	Bus      *eventbus.Bus
	Channel  string
	ThreadID string
}

// Loop drives one bounded ReAct invocation.
type Loop struct {
	deps   Deps
	cfg    Config
	tools  []ToolSpec
	tokens *eventbus.TokenBatcher
}

// New constructs a Loop. tools is the descriptor list offered to the model
// each turn (the registry's filtered, de-duplicated catalogue for this
// agent).
func New(deps Deps, cfg Config, tools []ToolSpec) *Loop {
	var batcher *eventbus.TokenBatcher
	if deps.Bus != nil {
		batcher = eventbus.NewTokenBatcher(deps.Bus, deps.Channel, 80, 150*time.Millisecond)
	}
	return &Loop{deps: deps, cfg: cfg, tools: tools, tokens: batcher}
}

func (l *Loop) publish(evt eventbus.Event) {
	if l.deps.Bus == nil {
		return
	}
	if l.tokens != nil && evt.Type != eventbus.TypeToken {
		l.tokens.Flush()
	}
	l.deps.Bus.Publish(l.deps.Channel, evt)
}

// Run executes the loop state machine until a terminal phase is
// reached. react_max_iterations=0 terminates immediately with
// BUDGET_EXCEEDED.
func (l *Loop) Run(ctx context.Context, state *State) *Result {
	if l.cfg.MaxIterations <= 0 {
		return l.budgetExceeded(0)
	}

	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return l.cancelled()
		}

		reply, err := l.modelCall(ctx, state)
		if err != nil {
			return l.fatal(PhaseModelCall, iteration, Classify(ctx, err), err)
		}

		if len(reply.ToolCalls) == 0 {
			l.publish(eventbus.CompleteEvent())
			return &Result{Phase: PhaseDone, FinalResponse: reply.Text}
		}

		state.Messages = append(state.Messages, Message{Role: RoleAssistant, Content: reply.Text, ToolCalls: reply.ToolCalls})

		res := l.executeTools(ctx, state, reply.ToolCalls)
		if res != nil {
			return res
		}

		if l.circuitOpen(state) {
			return l.fatal(PhaseExecuteTools, state.ToolIterations, CategoryFatal,
				fmt.Errorf("consecutive tool error limit (%d) reached", l.cfg.ConsecutiveErrorLimit))
		}

		state.ToolIterations++
		if state.ToolIterations >= l.cfg.MaxIterations {
			return l.budgetExceeded(state.ToolIterations)
		}
	}
}

func (l *Loop) modelCall(ctx context.Context, state *State) (ModelReply, error) {
	state.Messages = l.prepareMessages(ctx, state)

	callCtx := ctx
	var cancel context.CancelFunc
	if l.cfg.ModelTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, l.cfg.ModelTimeout)
		defer cancel()
	}

	onToken := func(tok string) {
		if l.tokens != nil {
			l.tokens.Token(tok)
		} else {
			l.publish(eventbus.TokenEvent(tok))
		}
	}
	return l.deps.Model.StreamCompletion(callCtx, state.Messages, l.tools, onToken)
}

// prepareMessages applies the token budget truncation and, if the
// compression threshold is crossed, folds the summarized older section
// into state.ContextSummary and prepends it as a system message.
func (l *Loop) prepareMessages(ctx context.Context, state *State) []Message {
	if l.cfg.CompressionThreshold > 0 && approxTotalTokens(state.Messages) >= l.cfg.CompressionThreshold {
		if summarizer, ok := l.deps.Model.(Summarizer); ok {
			if summary, err := summarizer.Summarize(ctx, state.Messages); err == nil && summary != "" {
				state.ContextSummary = summary
			}
		}
	}

	msgs := state.Messages
	if state.ContextSummary != "" {
		msgs = append([]Message{{Role: RoleSystem, Content: "Conversation summary: " + state.ContextSummary}}, msgs...)
	}
	if l.cfg.TokenBudgetChars > 0 {
		msgs = truncateForBudget(msgs, l.cfg.TokenBudgetChars, l.cfg.PreserveRecent)
	}
	return msgs
}

// executeTools runs one turn's tool calls sequentially: non-handoff calls
// execute first in order, handoff calls execute only after all of those
// results are appended.
// Returns a non-nil terminal *Result if the loop must stop (cancellation
// or the fatal circuit breaker); otherwise nil to continue the state
// machine.
func (l *Loop) executeTools(ctx context.Context, state *State, calls []ToolCall) *Result {
	var handoffs []ToolCall
	for _, c := range calls {
		if strings.HasPrefix(c.Name, handoffToolPrefix) {
			handoffs = append(handoffs, c)
			continue
		}
		if r := l.executeOne(ctx, state, c); r != nil {
			return r
		}
	}
	for _, c := range handoffs {
		r, out := l.executeOneResult(ctx, state, c)
		if r != nil {
			return r
		}
		if out.IsError {
			// A rejected hop is reported to the agent as a tool error and
			// the loop keeps going.
			continue
		}
		var args struct {
			TaskDescription string `json:"task_description"`
			Context         string `json:"context"`
		}
		_ = json.Unmarshal(c.Args, &args)
		return &Result{
			Phase: PhaseHandoff,
			Handoff: &HandoffRequest{
				Target:          strings.TrimPrefix(c.Name, handoffToolPrefix),
				TaskDescription: args.TaskDescription,
				Context:         args.Context,
			},
		}
	}
	return nil
}

func (l *Loop) executeOne(ctx context.Context, state *State, call ToolCall) *Result {
	r, _ := l.executeOneResult(ctx, state, call)
	return r
}

func (l *Loop) executeOneResult(ctx context.Context, state *State, call ToolCall) (*Result, ToolResult) {
	if err := ctx.Err(); err != nil {
		return l.cancelled(), ToolResult{}
	}

	sc, err := l.before(ctx, call, state)
	if err != nil {
		return l.fatal(PhaseExecuteTools, state.ToolIterations, CategoryFatal, err), ToolResult{}
	}

	var result ToolResult
	if sc != nil {
		if sc.IsInterrupt() {
			resolved, res := l.suspend(ctx, call, sc, state)
			if res != nil {
				return res, ToolResult{}
			}
			result = resolved
		} else if sc.Result != nil {
			result = *sc.Result
		}
	} else {
		result = l.executeWithRetry(ctx, call)
	}

	result, err = l.after(ctx, call, result)
	if err != nil {
		result = ToolResult{IsError: true, Message: err.Error()}
	}

	l.recordToolOutcome(state, call, result)
	return nil, result
}

func (l *Loop) before(ctx context.Context, call ToolCall, state *State) (*ShortCircuit, error) {
	if l.deps.Pipeline == nil {
		return nil, nil
	}
	return l.deps.Pipeline.Before(ctx, call, state.AutoApproveTools)
}

func (l *Loop) after(ctx context.Context, call ToolCall, raw ToolResult) (ToolResult, error) {
	if l.deps.Pipeline == nil {
		return raw, nil
	}
	return l.deps.Pipeline.After(ctx, call, raw)
}

// suspend parks the loop on a pending interrupt: it emits an interrupt
// event, creates the HITL record, and blocks (honouring cancellation) until
// a response arrives. The loop is itself single-threaded-cooperative
//, so "suspend" here is simply a blocking wait at this one await
// point rather than returning control to a separate resume entrypoint.
func (l *Loop) suspend(ctx context.Context, call ToolCall, sc *ShortCircuit, state *State) (ToolResult, *Result) {
	l.publish(eventbus.Event{
		Type: eventbus.TypeInterrupt,
		Interrupt: &eventbus.InterruptPayload{
			InterruptID: sc.InterruptID,
			Title:       sc.Title,
			Message:     sc.Message,
			Options:     sc.Options,
			Kind:        eventbus.InterruptKind(sc.Kind),
		},
	})

	if l.deps.HITL == nil {
		return ToolResult{IsError: true, Message: "HITL unavailable"}, nil
	}

	if _, err := l.deps.HITL.CreateInterrupt(ctx, l.deps.ThreadID, sc.InterruptID, hitl.Interrupt{
		Kind: hitl.Kind(sc.Kind), Title: sc.Title, Message: sc.Message, Options: sc.Options,
	}); err != nil && err != hitl.ErrAlreadyPending {
		return ToolResult{}, l.fatal(PhaseExecuteTools, 0, CategoryFatal, err)
	}

	resp, err := l.deps.HITL.WaitForResponse(ctx, l.deps.ThreadID, sc.InterruptID, 0)
	if err != nil {
		if ctx.Err() != nil {
			return ToolResult{}, l.cancelled()
		}
		return ToolResult{IsError: true, Message: "no response received: " + err.Error()}, nil
	}

	switch resp.Action {
	case hitl.ActionApprove:
		return l.executeWithRetry(ctx, call), nil
	case hitl.ActionApproveAlways:
		// Remember the approval so Before skips the gate for this tool on
		// every later call in this thread.
		if state.AutoApproveTools == nil {
			state.AutoApproveTools = make(map[string]bool)
		}
		state.AutoApproveTools[call.Name] = true
		return l.executeWithRetry(ctx, call), nil
	case hitl.ActionDeny:
		return ToolResult{IsError: true, Message: "User denied execution"}, nil
	case hitl.ActionSkip:
		return ToolResult{IsError: true, Message: "User skipped this tool call"}, nil
	case hitl.ActionInput, hitl.ActionSelect:
		return ToolResult{Output: json.RawMessage(`"` + resp.Value + `"`)}, nil
	case hitl.ActionCancel:
		return ToolResult{}, l.cancelled()
	default:
		return ToolResult{IsError: true, Message: "unrecognized HITL action"}, nil
	}
}

// executeWithRetry runs the tool with a per-call timeout, retrying
// TRANSIENT failures with exponential backoff + jitter up to
// ToolMaxRetries.
func (l *Loop) executeWithRetry(ctx context.Context, call ToolCall) ToolResult {
	policy := backoff.BackoffPolicy{
		InitialMs: l.cfg.BackoffBaseMs,
		MaxMs:     l.cfg.BackoffBaseMs * 8,
		Factor:    2,
		Jitter:    l.cfg.BackoffJitterPct,
	}

	var lastErr error
	maxAttempts := l.cfg.ToolMaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if l.cfg.ToolTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, l.cfg.ToolTimeout)
		}
		l.publish(eventbus.ToolCallEvent(call.Name, call.ID, call.Args))
		result, err := l.deps.Tools.Execute(callCtx, call)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			l.publish(eventbus.ToolResultEvent(call.Name, call.ID, result.Output, result.IsError))
			return result
		}

		lastErr = err
		cat := Classify(ctx, err)
		if !cat.Retryable() || attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(backoff.ComputeBackoff(policy, attempt)):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = maxAttempts // break outer loop via condition above next iter
		}
	}

	msg := fmt.Sprintf("tool %q failed: %v", call.Name, lastErr)
	l.publish(eventbus.ToolResultEvent(call.Name, call.ID, nil, true))
	return ToolResult{IsError: true, Message: msg}
}

// recordToolOutcome appends the tool message to the transcript and updates
// the consecutive-error circuit breaker.
func (l *Loop) recordToolOutcome(state *State, call ToolCall, result ToolResult) {
	state.Messages = append(state.Messages, Message{
		Role:       RoleTool,
		Content:    toolResultContent(result),
		ToolCallID: call.ID,
	})

	if result.IsError {
		state.ConsecutiveErrors++
	} else {
		state.ConsecutiveErrors = 0
	}
}

func toolResultContent(r ToolResult) string {
	if r.Message != "" {
		return r.Message
	}
	return string(r.Output)
}

func (l *Loop) cancelled() *Result {
	l.publish(eventbus.CancelledEvent())
	return &Result{Phase: PhaseCancelled, Err: context.Canceled}
}

func (l *Loop) fatal(phase Phase, iteration int, cat Category, cause error) *Result {
	err := &LoopError{Phase: phase, Iteration: iteration, Category: cat, Cause: cause}
	l.publish(eventbus.ErrorEvent(err.Error(), string(cat)))
	return &Result{Phase: PhaseFatalError, Err: err}
}

func (l *Loop) budgetExceeded(iteration int) *Result {
	err := &LoopError{Phase: PhaseBudgetExceeded, Iteration: iteration, Category: CategoryFatal, Message: "react_max_iterations exceeded"}
	l.publish(eventbus.ErrorEvent(err.Error(), "budget_exceeded"))
	return &Result{Phase: PhaseBudgetExceeded, Err: err}
}

// checkCircuitBreaker is called by callers wanting to pre-empt the loop
// once the consecutive-error limit is reached, matching : "When it
// reaches CONSECUTIVE_ERROR_LIMIT the loop terminates with a fatal error
// without further model calls." executeTools itself does not call the
// model, so this check happens at the top of Run's next iteration via
// this helper invoked from executeTools's caller path.
func (l *Loop) circuitOpen(state *State) bool {
	return l.cfg.ConsecutiveErrorLimit > 0 && state.ConsecutiveErrors >= l.cfg.ConsecutiveErrorLimit
}
