package skills

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperstudiox/hyperagent/internal/eventbus"
)

type stubGraph struct {
	output   any
	err      error
	sleep    time.Duration
	sawEmit  bool
	emitText string
}

func (s *stubGraph) Run(ctx context.Context, def *SkillDefinition, params map[string]any, emit func(eventbus.Event)) (any, error) {
	emit(eventbus.StageEvent("inner", "", eventbus.StageRunning))
	s.sawEmit = true
	if s.sleep > 0 {
		select {
		case <-time.After(s.sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.output, s.err
}

func testDef(id string) *SkillDefinition {
	return &SkillDefinition{
		ID:          id,
		Name:        id,
		Description: "test skill",
		Enabled:     true,
		IsBuiltin:   true,
		Parameters: []Param{
			{Name: "query", Type: ParamString, Required: true},
			{Name: "limit", Type: ParamNumber, Required: false, Default: float64(10)},
		},
		MaxExecutionTimeSeconds: 5,
	}
}

func TestEngine_Execute_Success(t *testing.T) {
	registry := NewMemoryRegistry(testDef("search"))
	graph := &stubGraph{output: map[string]any{"found": 3}}
	store := NewMemoryExecutionStore()
	bus := eventbus.New(nil)
	engine := NewEngine(registry, graph, store, bus)

	exec, err := engine.Execute(context.Background(), "search", map[string]any{"query": "go"}, "u1", "t1", "chan-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exec.Status != ExecSuccess {
		t.Errorf("status = %s, want %s", exec.Status, ExecSuccess)
	}
	if exec.InputParams["limit"] != float64(10) {
		t.Errorf("default not applied: %v", exec.InputParams["limit"])
	}
	if !graph.sawEmit {
		t.Error("sub-graph emit was not invoked")
	}
	if exec.ExecutionTimeMs == nil {
		t.Error("execution_time_ms not set")
	}

	persisted, err := store.Get(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if persisted.Status != ExecSuccess {
		t.Errorf("persisted status = %s, want %s", persisted.Status, ExecSuccess)
	}
}

func TestEngine_Execute_MissingRequiredParam(t *testing.T) {
	registry := NewMemoryRegistry(testDef("search"))
	graph := &stubGraph{}
	store := NewMemoryExecutionStore()
	engine := NewEngine(registry, graph, store, nil)

	_, err := engine.Execute(context.Background(), "search", map[string]any{}, "u1", "t1", "")
	if err == nil {
		t.Fatal("expected error for missing required parameter")
	}
	if graph.sawEmit {
		t.Error("sub-graph should not run when validation fails")
	}
}

func TestEngine_Execute_UnknownSkill(t *testing.T) {
	registry := NewMemoryRegistry()
	engine := NewEngine(registry, &stubGraph{}, NewMemoryExecutionStore(), nil)

	_, err := engine.Execute(context.Background(), "nope", nil, "u1", "", "")
	if !errors.Is(err, ErrSkillNotFound) {
		t.Fatalf("err = %v, want ErrSkillNotFound", err)
	}
}

func TestEngine_Execute_Timeout(t *testing.T) {
	def := testDef("slow")
	def.MaxExecutionTimeSeconds = 1
	registry := NewMemoryRegistry(def)
	graph := &stubGraph{sleep: 2 * time.Second}
	store := NewMemoryExecutionStore()
	engine := NewEngine(registry, graph, store, nil)

	exec, err := engine.Execute(context.Background(), "slow", map[string]any{"query": "x"}, "u1", "t1", "")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if exec.Status != ExecFailed {
		t.Errorf("status = %s, want %s", exec.Status, ExecFailed)
	}
}

func TestValidateParams_TypeMismatch(t *testing.T) {
	declared := []Param{{Name: "count", Type: ParamNumber, Required: true}}
	if _, err := ValidateParams(declared, map[string]any{"count": "not-a-number"}); err == nil {
		t.Fatal("expected type-check error")
	}
}
