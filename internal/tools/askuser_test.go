package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hyperstudiox/hyperagent/internal/hitl"
)

func TestAskUserDecisionDeliversSelectedOption(t *testing.T) {
	manager := hitl.NewManager(hitl.NewMemoryStore())
	tool := NewAskUserTool(manager, "thread-1", 2*time.Second)

	go func() {
		// Wait until the interrupt is pending, then answer it.
		for i := 0; i < 100; i++ {
			pending, _ := manager.GetPendingInterrupt(context.Background(), "thread-1")
			if pending != nil {
				_, _ = manager.SubmitResponse(context.Background(), "thread-1", pending.InterruptID, hitl.ActionSelect, "blue")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"question":"favourite colour?","question_type":"decision","options":["red","blue"]}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError || res.Content != "blue" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAskUserTimesOutAsErrorResult(t *testing.T) {
	manager := hitl.NewManager(hitl.NewMemoryStore())
	tool := NewAskUserTool(manager, "thread-2", 50*time.Millisecond)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"question":"anyone there?","question_type":"input"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected timeout to surface as an error result")
	}
	// The interrupt must be cleared so the thread can ask again.
	pending, _ := manager.GetPendingInterrupt(context.Background(), "thread-2")
	if pending != nil {
		t.Fatal("interrupt still pending after timeout")
	}
}

func TestAskUserRejectsUnknownQuestionType(t *testing.T) {
	manager := hitl.NewManager(hitl.NewMemoryStore())
	tool := NewAskUserTool(manager, "thread-3", time.Second)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"question":"?","question_type":"riddle"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected unknown question_type to be an error result")
	}
}
