package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hyperstudiox/hyperagent/internal/eventbus"
	"github.com/hyperstudiox/hyperagent/internal/reactloop"
)

// This file implements the skill execution engine: a schema-validated,
// timeout-bounded sub-graph runner. Skill definitions come from built-in
// registrations and from plugin manifests (plugins.go); running one and
// persisting what happened is this file's job.

// ParamType is the declared type of one skill parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
)

// Param declares one input to a skill.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
}

// SkillDefinition is a declaratively described unit of work: typed input
// parameters, an output schema, required tools, a risk level, and bounds
// on execution time and iterations. Skills compile to sub-graphs with
// internal nodes; the engine invokes the compiled sub-graph.
type SkillDefinition struct {
	ID                      string              `json:"id"`
	Name                    string              `json:"name"`
	Version                 string              `json:"version"`
	Description             string              `json:"description"`
	Category                string              `json:"category"`
	Parameters              []Param             `json:"parameters"`
	OutputSchema            json.RawMessage     `json:"output_schema,omitempty"`
	RequiredTools           []string            `json:"required_tools,omitempty"`
	RiskLevel               reactloop.RiskLevel `json:"risk_level"`
	MaxExecutionTimeSeconds int                 `json:"max_execution_time_seconds"`
	MaxIterations           int                 `json:"max_iterations"`
	Enabled                 bool                `json:"enabled"`
	IsBuiltin               bool                `json:"is_builtin"`
	Author                  string              `json:"author,omitempty"`
	SourceCode              string              `json:"source_code,omitempty"`
}

// CanRead reports whether user may read/execute/update a dynamic skill
//. This mirrors
// the authz rule at the execution layer; the host API layer must
// enforce it independently for read/update endpoints.
func (d *SkillDefinition) CanRead(userID string) bool {
	return d.IsBuiltin || d.Author == userID
}

// ExecStatus is a SkillExecution's lifecycle status.
type ExecStatus string

const (
	ExecPending ExecStatus = "pending"
	ExecRunning ExecStatus = "running"
	ExecSuccess ExecStatus = "succeeded"
	ExecFailed  ExecStatus = "failed"
)

// SkillExecution is the persisted record of one invocation.
type SkillExecution struct {
	ID              string         `json:"id"`
	SkillID         string         `json:"skill_id"`
	UserID          string         `json:"user_id"`
	TaskID          string         `json:"task_id,omitempty"`
	Status          ExecStatus     `json:"status"`
	InputParams     map[string]any `json:"input_params"`
	Output          any            `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	ExecutionTimeMs *int64         `json:"execution_time_ms,omitempty"`
}

// Registry looks up skill definitions by id.
type Registry interface {
	Get(skillID string) (*SkillDefinition, bool)
}

// MemoryRegistry is an in-process Registry backed by a map.
type MemoryRegistry struct {
	mu     sync.RWMutex
	skills map[string]*SkillDefinition
}

// NewMemoryRegistry builds a Registry from the given definitions.
func NewMemoryRegistry(defs ...*SkillDefinition) *MemoryRegistry {
	r := &MemoryRegistry{skills: make(map[string]*SkillDefinition)}
	for _, d := range defs {
		r.skills[d.ID] = d
	}
	return r
}

// Get implements Registry.
func (r *MemoryRegistry) Get(skillID string) (*SkillDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.skills[skillID]
	return d, ok
}

// Remove deletes a skill definition; unknown ids are a no-op.
func (r *MemoryRegistry) Remove(skillID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.skills, skillID)
}

// Register adds or replaces a skill definition.
func (r *MemoryRegistry) Register(def *SkillDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[def.ID] = def
}

// ExecutionStore persists SkillExecution records.
type ExecutionStore interface {
	Create(ctx context.Context, exec *SkillExecution) error
	Update(ctx context.Context, exec *SkillExecution) error
	Get(ctx context.Context, id string) (*SkillExecution, error)
}

// MemoryExecutionStore is an in-process ExecutionStore for tests and
// single-process deployments.
type MemoryExecutionStore struct {
	mu    sync.Mutex
	execs map[string]*SkillExecution
}

// NewMemoryExecutionStore creates an empty store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{execs: make(map[string]*SkillExecution)}
}

// Create implements ExecutionStore.
func (s *MemoryExecutionStore) Create(ctx context.Context, exec *SkillExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exec
	s.execs[exec.ID] = &cp
	return nil
}

// Update implements ExecutionStore.
func (s *MemoryExecutionStore) Update(ctx context.Context, exec *SkillExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[exec.ID]; !ok {
		return ErrExecutionNotFound
	}
	cp := *exec
	s.execs[exec.ID] = &cp
	return nil
}

// Get implements ExecutionStore.
func (s *MemoryExecutionStore) Get(ctx context.Context, id string) (*SkillExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	cp := *e
	return &cp, nil
}

var (
	// ErrSkillNotFound is returned when Execute is called with an unknown
	// skill id.
	ErrSkillNotFound = errors.New("skills: skill not found")
	// ErrExecutionNotFound is returned by ExecutionStore lookups that miss.
	ErrExecutionNotFound = errors.New("skills: execution not found")
)

// SubGraph is the compiled sub-graph a SkillDefinition invokes. emit forwards intermediate events (stages,
// tool results) produced inside the sub-graph onto the execution's
// channel, per step 5 ("forward intermediate events").
type SubGraph interface {
	Run(ctx context.Context, def *SkillDefinition, params map[string]any, emit func(eventbus.Event)) (output any, err error)
}

// Engine executes skills: validate, persist, run, record.
type Engine struct {
	Registry Registry
	Graphs   SubGraph
	Store    ExecutionStore
	Bus      *eventbus.Bus
	// NewExecutionID generates execution ids; overridable for deterministic
	// tests. Defaults to a simple counter-free timestamp+skill scheme.
	NewExecutionID func() string
}

// NewEngine builds an Engine with the given collaborators.
func NewEngine(registry Registry, graphs SubGraph, store ExecutionStore, bus *eventbus.Bus) *Engine {
	return &Engine{Registry: registry, Graphs: graphs, Store: store, Bus: bus}
}

func (e *Engine) newExecID(skillID string) string {
	if e.NewExecutionID != nil {
		return e.NewExecutionID()
	}
	return fmt.Sprintf("skillexec-%s-%d", skillID, time.Now().UnixNano())
}

// Execute runs one skill end to end: lookup, validate, persist,
// emit stage/timeout-bounded sub-graph run, persist result, emit terminal
// stage+event. channel is the eventbus channel to publish on (typically
// the owning task's channel); it may be empty to run without publishing.
func (e *Engine) Execute(ctx context.Context, skillID string, params map[string]any, userID, taskID, channel string) (*SkillExecution, error) {
	// Step 1: lookup.
	def, ok := e.Registry.Get(skillID)
	if !ok {
		return nil, ErrSkillNotFound
	}

	// Step 2: validate params (required-ness, type-check, default
	// application) against declared parameters.
	validated, err := ValidateParams(def.Parameters, params)
	if err != nil {
		return nil, err
	}

	// Step 3: insert SkillExecution record.
	exec := &SkillExecution{
		ID:          e.newExecID(skillID),
		SkillID:     skillID,
		UserID:      userID,
		TaskID:      taskID,
		Status:      ExecRunning,
		InputParams: validated,
		StartedAt:   time.Now(),
	}
	if e.Store != nil {
		if err := e.Store.Create(ctx, exec); err != nil {
			return nil, fmt.Errorf("persist skill execution: %w", err)
		}
	}

	stageName := "skill_" + skillID
	e.publish(channel, eventbus.StageEvent(stageName, def.Description, eventbus.StageRunning))

	// Step 6: bound the whole execution by max_execution_time_seconds.
	runCtx := ctx
	var cancel context.CancelFunc
	if def.MaxExecutionTimeSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(def.MaxExecutionTimeSeconds)*time.Second)
		defer cancel()
	}

	emit := func(evt eventbus.Event) { e.publish(channel, evt) }
	output, runErr := e.Graphs.Run(runCtx, def, validated, emit)

	completed := time.Now()
	elapsed := completed.Sub(exec.StartedAt).Milliseconds()
	exec.CompletedAt = &completed
	exec.ExecutionTimeMs = &elapsed

	if runErr != nil {
		exec.Status = ExecFailed
		if errors.Is(runErr, context.DeadlineExceeded) {
			exec.Error = fmt.Sprintf("skill %q exceeded max_execution_time_seconds=%d", skillID, def.MaxExecutionTimeSeconds)
		} else {
			exec.Error = runErr.Error()
		}
		if e.Store != nil {
			_ = e.Store.Update(ctx, exec)
		}
		e.publish(channel, eventbus.StageEvent(stageName, def.Description, eventbus.StageFailed))
		e.publish(channel, eventbus.ErrorEvent(exec.Error, "skill_execution_failed"))
		return exec, fmt.Errorf("execute skill %q: %w", skillID, runErr)
	}

	exec.Status = ExecSuccess
	exec.Output = output
	if e.Store != nil {
		if err := e.Store.Update(ctx, exec); err != nil {
			return exec, fmt.Errorf("persist completed skill execution: %w", err)
		}
	}
	e.publish(channel, eventbus.StageEvent(stageName, def.Description, eventbus.StageCompleted))
	e.publish(channel, skillOutputEvent(skillID, output))
	return exec, nil
}

func (e *Engine) publish(channel string, evt eventbus.Event) {
	if e.Bus == nil || channel == "" {
		return
	}
	e.Bus.Publish(channel, evt)
}

// skillOutputEvent encodes a skill's terminal output as a progress event
// carrying the JSON-encoded payload, since the closed event union has no
// dedicated "skill_output" kind — doing so keeps the wire format compatible
// with existing clients, at the
// cost of callers needing to know to parse Progress.Message as JSON for
// this one stage name.
func skillOutputEvent(skillID string, output any) eventbus.Event {
	encoded, err := json.Marshal(output)
	if err != nil {
		encoded = []byte(`null`)
	}
	return eventbus.ProgressEvent(100, fmt.Sprintf(`{"skill_id":%q,"output":%s}`, skillID, encoded))
}

// ValidateParams applies defaults and type-checks params against the
// declared Parameter list, via a JSON Schema built from the declarations
// and validated with santhosh-tekuri/jsonschema/v5 (the same library and
// CompileString/Validate idiom pkg/pluginsdk.ValidateConfig already uses
// for plugin manifests).
func ValidateParams(declared []Param, input map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(declared))
	for k, v := range input {
		merged[k] = v
	}
	for _, p := range declared {
		if _, present := merged[p.Name]; !present && p.Default != nil {
			merged[p.Name] = p.Default
		}
	}

	schema, err := buildParamSchema(declared)
	if err != nil {
		return nil, fmt.Errorf("build parameter schema: %w", err)
	}
	compiled, err := jsonschema.CompileString(schema.url, schema.doc)
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return nil, fmt.Errorf("invalid skill parameters: %w", err)
	}
	return merged, nil
}

type builtSchema struct {
	url string
	doc string
}

// buildParamSchema translates a []Param declaration into a JSON Schema
// object document: one property per parameter (typed per ParamType),
// required names collected from Param.Required.
func buildParamSchema(declared []Param) (builtSchema, error) {
	properties := make(map[string]any, len(declared))
	var required []string
	for _, p := range declared {
		jsType, err := jsonSchemaType(p.Type)
		if err != nil {
			return builtSchema{}, err
		}
		prop := map[string]any{"type": jsType}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	doc := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": true,
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return builtSchema{}, err
	}
	return builtSchema{url: "skill-params.schema.json", doc: string(encoded)}, nil
}

func jsonSchemaType(t ParamType) (string, error) {
	switch t {
	case ParamString:
		return "string", nil
	case ParamNumber:
		return "number", nil
	case ParamBoolean:
		return "boolean", nil
	case ParamObject:
		return "object", nil
	case ParamArray:
		return "array", nil
	case "":
		return "", fmt.Errorf("parameter type must be set")
	default:
		return "", fmt.Errorf("unknown parameter type %q", t)
	}
}
