package reactloop

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hyperstudiox/hyperagent/internal/eventbus"
	"github.com/hyperstudiox/hyperagent/internal/hitl"
)

// scriptedModel replies with a fixed sequence of ModelReply values, one per
// call, looping on the final entry once exhausted.
type scriptedModel struct {
	replies []ModelReply
	calls   int
}

func (m *scriptedModel) StreamCompletion(ctx context.Context, messages []Message, tools []ToolSpec, onToken func(string)) (ModelReply, error) {
	idx := m.calls
	if idx >= len(m.replies) {
		idx = len(m.replies) - 1
	}
	m.calls++
	onToken("tok")
	return m.replies[idx], nil
}

type echoTools struct {
	onCall func(ToolCall)
	err    error
}

func (e *echoTools) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	if e.onCall != nil {
		e.onCall(call)
	}
	if e.err != nil {
		return ToolResult{}, e.err
	}
	return ToolResult{Output: json.RawMessage(`"ok"`)}, nil
}

// scriptedTools returns a fixed result per tool name, defaulting to ok.
type scriptedTools struct {
	results map[string]ToolResult
}

func (s *scriptedTools) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	if r, ok := s.results[call.Name]; ok {
		return r, nil
	}
	return ToolResult{Output: json.RawMessage(`"ok"`)}, nil
}

type passthroughPipeline struct {
	before func(ctx context.Context, call ToolCall, auto map[string]bool) (*ShortCircuit, error)
}

func (p *passthroughPipeline) Before(ctx context.Context, call ToolCall, auto map[string]bool) (*ShortCircuit, error) {
	if p.before != nil {
		return p.before(ctx, call, auto)
	}
	return nil, nil
}
func (p *passthroughPipeline) After(ctx context.Context, call ToolCall, raw ToolResult) (ToolResult, error) {
	return raw, nil
}
func (p *passthroughPipeline) RiskOf(name string) RiskLevel { return RiskLow }

func TestNoToolCallTerminatesDone(t *testing.T) {
	model := &scriptedModel{replies: []ModelReply{{Text: "hello"}}}
	l := New(Deps{Model: model, Tools: &echoTools{}}, DefaultConfig(), nil)

	res := l.Run(context.Background(), NewState([]Message{{Role: RoleUser, Content: "hi"}}))
	if res.Phase != PhaseDone || res.FinalResponse != "hello" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestZeroMaxIterationsBudgetExceeded(t *testing.T) {
	model := &scriptedModel{replies: []ModelReply{{Text: "hi"}}}
	cfg := DefaultConfig()
	cfg.MaxIterations = 0
	l := New(Deps{Model: model, Tools: &echoTools{}}, cfg, nil)

	res := l.Run(context.Background(), NewState(nil))
	if res.Phase != PhaseBudgetExceeded {
		t.Fatalf("expected BUDGET_EXCEEDED, got %v", res.Phase)
	}
}

func TestToolCallThenCompletes(t *testing.T) {
	model := &scriptedModel{replies: []ModelReply{
		{ToolCalls: []ToolCall{{ID: "1", Name: "web_search", Args: json.RawMessage(`{}`)}}},
		{Text: "done"},
	}}
	var called int
	tools := &echoTools{onCall: func(c ToolCall) { called++ }}
	l := New(Deps{Model: model, Tools: tools}, DefaultConfig(), nil)

	res := l.Run(context.Background(), NewState(nil))
	if res.Phase != PhaseDone || res.FinalResponse != "done" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if called != 1 {
		t.Fatalf("expected tool called once, got %d", called)
	}
}

func TestCircuitBreakerOpensAfterConsecutiveErrors(t *testing.T) {
	call := ToolCall{ID: "1", Name: "flaky", Args: json.RawMessage(`{}`)}
	reply := ModelReply{ToolCalls: []ToolCall{call}}
	model := &scriptedModel{replies: []ModelReply{reply}}
	tools := &echoTools{err: errors.New("permission denied")} // non-retryable PERMISSION category

	cfg := DefaultConfig()
	cfg.ConsecutiveErrorLimit = 3
	cfg.MaxIterations = 100
	l := New(Deps{Model: model, Tools: tools}, cfg, nil)

	res := l.Run(context.Background(), NewState(nil))
	if res.Phase != PhaseFatalError {
		t.Fatalf("expected FATAL_ERROR from circuit breaker, got %v (%v)", res.Phase, res.Err)
	}
	if model.calls != 3 {
		t.Fatalf("expected exactly 3 model calls before the breaker opens, got %d", model.calls)
	}
}

func TestCancellationPublishesCancelledEvent(t *testing.T) {
	model := &scriptedModel{replies: []ModelReply{{Text: "hi"}}}
	bus := eventbus.New(nil)
	l := New(Deps{Model: model, Tools: &echoTools{}, Bus: bus, Channel: "t"}, DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stream, stop := bus.Subscribe(context.Background(), "t")
	defer stop()

	res := l.Run(ctx, NewState(nil))
	if res.Phase != PhaseCancelled {
		t.Fatalf("expected CANCELLED, got %v", res.Phase)
	}
	select {
	case evt := <-stream:
		if evt.Type != eventbus.TypeError || evt.Error.Name != "cancelled" {
			t.Fatalf("expected cancelled error event, got %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancelled event")
	}
}

func TestHITLApprovalGrantedExecutesTool(t *testing.T) {
	call := ToolCall{ID: "1", Name: "execute_code", Args: json.RawMessage(`{"code":"print(1)"}`)}
	model := &scriptedModel{replies: []ModelReply{
		{ToolCalls: []ToolCall{call}},
		{Text: "ran it"},
	}}
	var executed bool
	tools := &echoTools{onCall: func(c ToolCall) { executed = true }}
	pipeline := &passthroughPipeline{before: func(ctx context.Context, c ToolCall, auto map[string]bool) (*ShortCircuit, error) {
		if auto[c.Name] {
			return nil, nil
		}
		return &ShortCircuit{InterruptID: "int-1", Kind: "approval", Title: "Run code", Message: "approve?"}, nil
	}}
	mgr := hitl.NewManager(nil)
	l := New(Deps{Model: model, Tools: tools, Pipeline: pipeline, HITL: mgr, ThreadID: "thread-1"}, DefaultConfig(), nil)

	go func() {
		for i := 0; i < 100; i++ {
			if ok, _ := mgr.SubmitResponse(context.Background(), "thread-1", "int-1", hitl.ActionApprove, ""); ok {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res := l.Run(context.Background(), NewState(nil))
	if res.Phase != PhaseDone {
		t.Fatalf("expected DONE, got %v (%v)", res.Phase, res.Err)
	}
	if !executed {
		t.Fatal("expected tool to execute after approval")
	}
}

func TestHITLDenialAppendsSyntheticErrorNoExecution(t *testing.T) {
	call := ToolCall{ID: "1", Name: "execute_code", Args: json.RawMessage(`{}`)}
	model := &scriptedModel{replies: []ModelReply{
		{ToolCalls: []ToolCall{call}},
		{Text: "ok"},
	}}
	var executed bool
	tools := &echoTools{onCall: func(c ToolCall) { executed = true }}
	pipeline := &passthroughPipeline{before: func(ctx context.Context, c ToolCall, auto map[string]bool) (*ShortCircuit, error) {
		return &ShortCircuit{InterruptID: "int-2", Kind: "approval"}, nil
	}}
	mgr := hitl.NewManager(nil)
	l := New(Deps{Model: model, Tools: tools, Pipeline: pipeline, HITL: mgr, ThreadID: "thread-2"}, DefaultConfig(), nil)

	go func() {
		for i := 0; i < 100; i++ {
			if ok, _ := mgr.SubmitResponse(context.Background(), "thread-2", "int-2", hitl.ActionDeny, ""); ok {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	state := NewState(nil)
	res := l.Run(context.Background(), state)
	if res.Phase != PhaseDone {
		t.Fatalf("expected DONE, got %v (%v)", res.Phase, res.Err)
	}
	if executed {
		t.Fatal("tool must not execute on denial")
	}
	found := false
	for _, m := range state.Messages {
		if m.Role == RoleTool && m.Content == "User denied execution" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected synthetic denial tool message")
	}
}

func TestHandoffCallDeferredAfterOtherTools(t *testing.T) {
	order := []string{}
	tools := &echoTools{onCall: func(c ToolCall) { order = append(order, c.Name) }}
	model := &scriptedModel{replies: []ModelReply{
		{ToolCalls: []ToolCall{
			{ID: "1", Name: "handoff_to_research", Args: json.RawMessage(`{}`)},
			{ID: "2", Name: "web_search", Args: json.RawMessage(`{}`)},
		}},
		{Text: "done"},
	}}
	l := New(Deps{Model: model, Tools: tools}, DefaultConfig(), nil)

	res := l.Run(context.Background(), NewState(nil))
	if res.Phase != PhaseHandoff {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Handoff == nil || res.Handoff.Target != "research" {
		t.Fatalf("expected handoff to research, got %+v", res.Handoff)
	}
	if len(order) != 2 || order[0] != "web_search" || order[1] != "handoff_to_research" {
		t.Fatalf("expected web_search before handoff, got %v", order)
	}
}

func TestRejectedHandoffContinuesLoop(t *testing.T) {
	tools := &scriptedTools{results: map[string]ToolResult{
		"handoff_to_research": {IsError: true, Message: "handoff budget exceeded"},
	}}
	model := &scriptedModel{replies: []ModelReply{
		{ToolCalls: []ToolCall{{ID: "1", Name: "handoff_to_research", Args: json.RawMessage(`{"task_description":"x"}`)}}},
		{Text: "recovered"},
	}}
	l := New(Deps{Model: model, Tools: tools}, DefaultConfig(), nil)

	res := l.Run(context.Background(), NewState(nil))
	if res.Phase != PhaseDone {
		t.Fatalf("expected DONE after rejected handoff, got %+v", res)
	}
	if res.FinalResponse != "recovered" {
		t.Fatalf("unexpected final response %q", res.FinalResponse)
	}
}

func TestApproveAlwaysSkipsGateOnLaterCalls(t *testing.T) {
	call := ToolCall{ID: "1", Name: "execute_code", Args: json.RawMessage(`{"code":"print(1)"}`)}
	model := &scriptedModel{replies: []ModelReply{
		{ToolCalls: []ToolCall{call}},
		{ToolCalls: []ToolCall{{ID: "2", Name: "execute_code", Args: call.Args}}},
		{Text: "done"},
	}}
	executions := 0
	tools := &echoTools{onCall: func(c ToolCall) { executions++ }}
	interrupts := 0
	pipeline := &passthroughPipeline{before: func(ctx context.Context, c ToolCall, auto map[string]bool) (*ShortCircuit, error) {
		if auto[c.Name] {
			return nil, nil
		}
		interrupts++
		return &ShortCircuit{InterruptID: "int-always", Kind: "approval", Title: "Run code"}, nil
	}}
	mgr := hitl.NewManager(nil)
	l := New(Deps{Model: model, Tools: tools, Pipeline: pipeline, HITL: mgr, ThreadID: "thread-always"}, DefaultConfig(), nil)

	go func() {
		for i := 0; i < 100; i++ {
			if ok, _ := mgr.SubmitResponse(context.Background(), "thread-always", "int-always", hitl.ActionApproveAlways, ""); ok {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	state := NewState(nil)
	res := l.Run(context.Background(), state)
	if res.Phase != PhaseDone {
		t.Fatalf("expected DONE, got %v (%v)", res.Phase, res.Err)
	}
	if executions != 2 {
		t.Fatalf("expected both calls to execute, got %d", executions)
	}
	if interrupts != 1 {
		t.Fatalf("expected exactly one interrupt, got %d", interrupts)
	}
	if !state.AutoApproveTools["execute_code"] {
		t.Fatal("approve_always must persist in AutoApproveTools")
	}
}
