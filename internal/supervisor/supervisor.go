// Package supervisor implements agent routing and the handoff protocol: a
// finite-state router that picks one of the two canonical agents, and a
// bounded agent-to-agent handoff mechanism with loop prevention and a
// byte-budgeted shared-memory map.
//
// The two canonical agents are fixed; historical agent names map onto
// them before dispatch. Handoffs are validated against a static adjacency
// matrix, bounded by a hop budget, and rejected when they would bounce
// straight back to the previous agent. Shared memory carried across hops
// is kept under a total byte budget by priority-ranked truncation.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hyperstudiox/hyperagent/internal/eventbus"
	"github.com/hyperstudiox/hyperagent/internal/reactloop"
)

// Agent names the two canonical sub-graphs the supervisor routes between.
type Agent string

const (
	AgentTask     Agent = "task"
	AgentResearch Agent = "research"
)

// MaxHandoffs bounds agent-to-agent delegation per request.
const MaxHandoffs = 3

// DeprecatedAliases maps historical agent names to the two canonical
// agents. Populated with the names a
// predecessor multi-agent system plausibly exposed before being collapsed
// to task/research.
var DeprecatedAliases = map[string]Agent{
	"general":        AgentTask,
	"assistant":      AgentTask,
	"chat":           AgentTask,
	"deep_research":  AgentResearch,
	"research_agent": AgentResearch,
	"researcher":     AgentResearch,
}

// Canonical resolves any historical or canonical agent name to one of the
// two canonical agents. Unknown names fall back to AgentTask.
func Canonical(name string) Agent {
	switch Agent(name) {
	case AgentTask, AgentResearch:
		return Agent(name)
	}
	if alias, ok := DeprecatedAliases[name]; ok {
		return alias
	}
	return AgentTask
}

// DefaultHandoffMatrix is the static adjacency list of permitted
// transitions. Both canonical agents may hand off to the
// other; the no-ping-pong rule (not the matrix) is what prevents an
// immediate bounce back.
func DefaultHandoffMatrix() map[Agent][]Agent {
	return map[Agent][]Agent{
		AgentTask:     {AgentResearch},
		AgentResearch: {AgentTask},
	}
}

// HandoffInfo is one recorded hop.
type HandoffInfo struct {
	SourceAgent     Agent
	TargetAgent     Agent
	TaskDescription string
	Context         string
	Timestamp       time.Time
	Depth           int
}

// RoutingDecision is what the classifier returns.
type RoutingDecision struct {
	Agent      Agent
	Confidence float64
	Reason     string
}

// Router is the lightweight classifier initial routing is delegated to
// ("a small model call"). Implementations typically wrap a reactloop.Model
// with a narrow routing prompt.
type Router interface {
	Classify(ctx context.Context, query string, modeHint string, history []reactloop.Message) (RoutingDecision, error)
}

// SharedMemoryConfig bounds the byte-budgeted map /
// describes.
type SharedMemoryConfig struct {
	// TotalBudget is SHARED_MEMORY_TOTAL_BUDGET (~8KB).
	TotalBudget int
	// MinChars is SHARED_MEMORY_MIN_CHARS (~100): the floor a truncated
	// entry is shrunk to before being dropped entirely.
	MinChars int
	// Priorities is SHARED_MEMORY_PRIORITIES: keys ranked highest-priority
	// first. Keys not listed are treated as lowest priority, in the order
	// they were first written.
	Priorities []string
}

// DefaultSharedMemoryConfig returns the default budgets.
func DefaultSharedMemoryConfig() SharedMemoryConfig {
	return SharedMemoryConfig{TotalBudget: 8 * 1024, MinChars: 100}
}

// SharedMemory is AgentState.shared_memory: a string-keyed map whose
// total serialised size never exceeds cfg.TotalBudget after any mutation.
type SharedMemory struct {
	cfg     SharedMemoryConfig
	values  map[string]string
	written []string // insertion order, for keys absent from cfg.Priorities
}

// NewSharedMemory creates an empty SharedMemory under cfg.
func NewSharedMemory(cfg SharedMemoryConfig) *SharedMemory {
	if cfg.TotalBudget <= 0 {
		cfg = DefaultSharedMemoryConfig()
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = 100
	}
	return &SharedMemory{cfg: cfg, values: make(map[string]string)}
}

// Set writes key=value and re-normalises under the byte budget.
func (m *SharedMemory) Set(key, value string) {
	if _, exists := m.values[key]; !exists {
		m.written = append(m.written, key)
	}
	m.values[key] = value
	m.normalize()
}

// Get returns the current value for key.
func (m *SharedMemory) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Snapshot returns a copy of the current map.
func (m *SharedMemory) Snapshot() map[string]string {
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// TotalBytes returns the current total serialised size (sum of UTF-8 byte
// lengths of every key+value).
func (m *SharedMemory) TotalBytes() int {
	total := 0
	for k, v := range m.values {
		total += len(k) + len(v)
	}
	return total
}

// normalize keeps the map under budget: truncate lowest-priority entries to
// cfg.MinChars first, then drop them entirely if the budget is still
// exceeded.
func (m *SharedMemory) normalize() {
	if m.TotalBytes() <= m.cfg.TotalBudget {
		return
	}

	order := m.priorityOrder()
	// Pass 1: truncate from lowest priority upward.
	for i := len(order) - 1; i >= 0 && m.TotalBytes() > m.cfg.TotalBudget; i-- {
		key := order[i]
		v, ok := m.values[key]
		if !ok || len(v) <= m.cfg.MinChars {
			continue
		}
		m.values[key] = v[:m.cfg.MinChars]
	}
	// Pass 2: drop lowest-priority entries entirely if still over budget.
	for i := len(order) - 1; i >= 0 && m.TotalBytes() > m.cfg.TotalBudget; i-- {
		key := order[i]
		delete(m.values, key)
	}
}

// priorityOrder returns all current keys ranked highest-priority first:
// cfg.Priorities in listed order, then any remaining keys in the order
// they were first written.
func (m *SharedMemory) priorityOrder() []string {
	rank := make(map[string]int, len(m.cfg.Priorities))
	for i, k := range m.cfg.Priorities {
		rank[k] = i
	}
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		ri, oki := rank[keys[i]]
		rj, okj := rank[keys[j]]
		switch {
		case oki && okj:
			return ri < rj
		case oki && !okj:
			return true
		case !oki && okj:
			return false
		default:
			return m.writtenIndex(keys[i]) < m.writtenIndex(keys[j])
		}
	})
	return keys
}

func (m *SharedMemory) writtenIndex(key string) int {
	for i, k := range m.written {
		if k == key {
			return i
		}
	}
	return len(m.written)
}

// State is the routing/handoff slice of agent state — the fields this
// package owns. The reactloop.State (messages, tool_iterations,
// consecutive_errors) is embedded one layer down inside each agent
// invocation; State carries what persists *across* handoffs.
type State struct {
	Query             string
	SelectedAgent     Agent
	RoutingReason     string
	RoutingConfidence float64
	ActiveAgent       Agent
	HandoffCount      int
	HandoffHistory    []HandoffInfo
	SharedMemory      *SharedMemory
	AutoApproveTools  map[string]bool
	HITLEnabled       bool
	Locale            string
	Provider          string
	Model             string
	Tier              string
	AttachmentIDs     []string
}

// NewState creates a State with an empty, default-budgeted SharedMemory.
func NewState(query string) *State {
	return &State{
		Query:            query,
		SharedMemory:     NewSharedMemory(DefaultSharedMemoryConfig()),
		AutoApproveTools: make(map[string]bool),
	}
}

var (
	// ErrHandoffBudgetExceeded is returned when handoff_count would exceed
	// MaxHandoffs.
	ErrHandoffBudgetExceeded = errors.New("supervisor: handoff budget exceeded")
	// ErrHandoffNotPermitted is returned when the hop is not in the
	// HANDOFF_MATRIX adjacency list.
	ErrHandoffNotPermitted = errors.New("supervisor: handoff not permitted between these agents")
	// ErrHandoffPingPong is returned when the hop would bounce straight
	// back to the previous agent.
	ErrHandoffPingPong = errors.New("supervisor: immediate ping-pong handoff rejected")
)

// Supervisor implements routing and handoff validation.
type Supervisor struct {
	Router Router
	Matrix map[Agent][]Agent
	Bus    *eventbus.Bus
}

// New builds a Supervisor with the default handoff matrix.
func New(router Router, bus *eventbus.Bus) *Supervisor {
	return &Supervisor{Router: router, Matrix: DefaultHandoffMatrix(), Bus: bus}
}

// Route performs the initial agent selection: consults
// the classifier, resolves any deprecated alias it returns, and records
// the decision on state.
func (s *Supervisor) Route(ctx context.Context, state *State, modeHint string, history []reactloop.Message) error {
	if modeHint != "" {
		agent := Canonical(modeHint)
		state.SelectedAgent = agent
		state.ActiveAgent = agent
		state.RoutingReason = "explicit mode_hint"
		state.RoutingConfidence = 1.0
		return nil
	}

	decision, err := s.Router.Classify(ctx, state.Query, modeHint, history)
	if err != nil {
		return fmt.Errorf("route query: %w", err)
	}
	agent := Canonical(string(decision.Agent))
	state.SelectedAgent = agent
	state.ActiveAgent = agent
	state.RoutingReason = decision.Reason
	state.RoutingConfidence = decision.Confidence
	return nil
}

// visitedAgents reconstructs the hop sequence (source of hop 1, then every
// target in order) used by the no-ping-pong rule.
func visitedAgents(state *State) []Agent {
	if len(state.HandoffHistory) == 0 {
		if state.ActiveAgent != "" {
			return []Agent{state.ActiveAgent}
		}
		return nil
	}
	visited := make([]Agent, 0, len(state.HandoffHistory)+1)
	visited = append(visited, state.HandoffHistory[0].SourceAgent)
	for _, h := range state.HandoffHistory {
		visited = append(visited, h.TargetAgent)
	}
	return visited
}

// Handoff validates and records one hop, publishing a handoff event and returning the query the target
// agent's sub-graph should be invoked with.
func (s *Supervisor) Handoff(ctx context.Context, state *State, channel string, source Agent, target Agent, taskDescription, handoffContext string) (newQuery string, err error) {
	// Step 1: validate against HANDOFF_MATRIX.
	permitted := false
	for _, allowed := range s.Matrix[source] {
		if allowed == target {
			permitted = true
			break
		}
	}
	if !permitted {
		return "", fmt.Errorf("%w: %s -> %s", ErrHandoffNotPermitted, source, target)
	}

	// Step 2: enforce handoff_count < MAX_HANDOFFS.
	if state.HandoffCount >= MaxHandoffs {
		return "", ErrHandoffBudgetExceeded
	}

	// Step 3: reject target == visited_agents[-2] (no immediate ping-pong).
	visited := visitedAgents(state)
	if len(visited) >= 2 && visited[len(visited)-2] == target {
		return "", fmt.Errorf("%w: %s -> %s", ErrHandoffPingPong, source, target)
	}

	// Step 4: record the hop.
	hop := HandoffInfo{
		SourceAgent:     source,
		TargetAgent:     target,
		TaskDescription: taskDescription,
		Context:         handoffContext,
		Timestamp:       time.Now(),
		Depth:           state.HandoffCount + 1,
	}
	state.HandoffHistory = append(state.HandoffHistory, hop)
	state.HandoffCount++
	state.ActiveAgent = target

	if s.Bus != nil && channel != "" {
		s.Bus.Publish(channel, eventbus.Event{
			Type: eventbus.TypeHandoff,
			Handoff: &eventbus.HandoffPayload{
				Source: string(source),
				Target: string(target),
				Task:   taskDescription,
			},
		})
	}

	// Step 5: build the fresh query for the target agent's sub-graph.
	return ComposeHandoffQuery(source, taskDescription, handoffContext), nil
}

// ComposeHandoffQuery combines a delegated task description with the
// handing-off agent's context into the query the target agent is invoked
// with.
func ComposeHandoffQuery(source Agent, taskDescription, handoffContext string) string {
	if handoffContext == "" {
		return taskDescription
	}
	return fmt.Sprintf("%s\n\nContext from %s: %s", taskDescription, source, handoffContext)
}
