package supervisor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hyperstudiox/hyperagent/internal/eventbus"
	"github.com/hyperstudiox/hyperagent/internal/reactloop"
)

type stubRouter struct {
	decision RoutingDecision
	err      error
}

func (r *stubRouter) Classify(ctx context.Context, query, modeHint string, history []reactloop.Message) (RoutingDecision, error) {
	return r.decision, r.err
}

func TestCanonical_DeprecatedAliases(t *testing.T) {
	cases := map[string]Agent{
		"task":           AgentTask,
		"research":       AgentResearch,
		"general":        AgentTask,
		"deep_research":  AgentResearch,
		"researcher":     AgentResearch,
		"something_else": AgentTask, // unknown falls back to task
	}
	for in, want := range cases {
		if got := Canonical(in); got != want {
			t.Errorf("Canonical(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSupervisor_Route_ModeHint(t *testing.T) {
	s := New(&stubRouter{}, nil)
	state := NewState("find me a recipe")
	if err := s.Route(context.Background(), state, "research_agent", nil); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if state.SelectedAgent != AgentResearch {
		t.Errorf("selected agent = %q, want %q", state.SelectedAgent, AgentResearch)
	}
}

func TestSupervisor_Route_Classifier(t *testing.T) {
	router := &stubRouter{decision: RoutingDecision{Agent: AgentResearch, Confidence: 0.9, Reason: "deep dive requested"}}
	s := New(router, nil)
	state := NewState("research the history of batteries")
	if err := s.Route(context.Background(), state, "", nil); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if state.SelectedAgent != AgentResearch || state.RoutingConfidence != 0.9 {
		t.Errorf("state = %+v", state)
	}
}

func TestSupervisor_Handoff_WithinBudget(t *testing.T) {
	bus := eventbus.New(nil)
	sub, cancel := bus.Subscribe(context.Background(), "chan-1")
	defer cancel()
	s := New(&stubRouter{}, bus)
	state := NewState("q")
	state.ActiveAgent = AgentTask

	query, err := s.Handoff(context.Background(), state, "chan-1", AgentTask, AgentResearch, "deep dive", "ctx")
	if err != nil {
		t.Fatalf("Handoff: %v", err)
	}
	if state.HandoffCount != 1 {
		t.Errorf("handoff_count = %d, want 1", state.HandoffCount)
	}
	if len(state.HandoffHistory) != 1 {
		t.Fatalf("handoff_history len = %d, want 1", len(state.HandoffHistory))
	}
	if !strings.Contains(query, "deep dive") {
		t.Errorf("query = %q, want it to contain task description", query)
	}

	select {
	case evt := <-sub:
		if evt.Type != eventbus.TypeHandoff {
			t.Errorf("event type = %v, want handoff", evt.Type)
		}
	default:
		t.Error("expected a handoff event to be published")
	}
}

func TestSupervisor_Handoff_ExceedsBudget(t *testing.T) {
	s := New(&stubRouter{}, nil)
	state := NewState("q")
	state.ActiveAgent = AgentTask
	state.HandoffCount = MaxHandoffs

	_, err := s.Handoff(context.Background(), state, "", AgentTask, AgentResearch, "x", "")
	if !errors.Is(err, ErrHandoffBudgetExceeded) {
		t.Fatalf("err = %v, want ErrHandoffBudgetExceeded", err)
	}
}

func TestSupervisor_Handoff_NoPingPong(t *testing.T) {
	s := New(&stubRouter{}, nil)
	state := NewState("q")
	state.ActiveAgent = AgentTask

	// task -> research
	if _, err := s.Handoff(context.Background(), state, "", AgentTask, AgentResearch, "dive", ""); err != nil {
		t.Fatalf("first handoff: %v", err)
	}
	// research -> task would bounce straight back to visited[-2] (task).
	_, err := s.Handoff(context.Background(), state, "", AgentResearch, AgentTask, "back", "")
	if !errors.Is(err, ErrHandoffPingPong) {
		t.Fatalf("err = %v, want ErrHandoffPingPong", err)
	}
}

func TestSupervisor_Handoff_NotInMatrix(t *testing.T) {
	s := New(&stubRouter{}, nil)
	s.Matrix = map[Agent][]Agent{AgentTask: {}}
	state := NewState("q")
	state.ActiveAgent = AgentTask

	_, err := s.Handoff(context.Background(), state, "", AgentTask, AgentResearch, "x", "")
	if !errors.Is(err, ErrHandoffNotPermitted) {
		t.Fatalf("err = %v, want ErrHandoffNotPermitted", err)
	}
}

func TestSharedMemory_TruncatesLowestPriorityFirst(t *testing.T) {
	cfg := SharedMemoryConfig{TotalBudget: 100, MinChars: 10, Priorities: []string{"facts", "plan", "notes"}}
	mem := NewSharedMemory(cfg)

	mem.Set("facts", strings.Repeat("A", 40))
	mem.Set("plan", strings.Repeat("B", 40))
	mem.Set("notes", strings.Repeat("C", 40))

	if total := mem.TotalBytes(); total > cfg.TotalBudget {
		t.Errorf("total bytes = %d, want <= %d", total, cfg.TotalBudget)
	}
	notes, ok := mem.Get("notes")
	if ok && len(notes) >= 40 {
		t.Errorf("notes should have been truncated, got %d bytes", len(notes))
	}
	facts, _ := mem.Get("facts")
	if len(facts) != 40 {
		t.Errorf("facts (highest priority) should survive untouched, got %d bytes", len(facts))
	}
}

func TestSharedMemory_DropsEntirelyWhenStillOverBudget(t *testing.T) {
	cfg := SharedMemoryConfig{TotalBudget: 20, MinChars: 15, Priorities: []string{"a", "b"}}
	mem := NewSharedMemory(cfg)
	mem.Set("a", strings.Repeat("x", 30))
	mem.Set("b", strings.Repeat("y", 30))

	if total := mem.TotalBytes(); total > cfg.TotalBudget {
		t.Errorf("total bytes = %d, want <= %d", total, cfg.TotalBudget)
	}
	if _, ok := mem.Get("b"); ok {
		t.Error("lowest-priority entry should have been dropped entirely")
	}
}
