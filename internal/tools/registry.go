package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/hyperstudiox/hyperagent/internal/llm"
)

// Category groups tools in the catalogue. Agents request tool sets by
// category rather than by individual name.
type Category string

const (
	CategorySearch     Category = "search"
	CategoryImage      Category = "image"
	CategoryBrowser    Category = "browser"
	CategoryExec       Category = "exec"
	CategoryFiles      Category = "files"
	CategoryHandoff    Category = "handoff"
	CategorySkill      Category = "skill"
	CategorySlides     Category = "slides"
	CategoryAppBuilder Category = "app_builder"
	CategoryHITL       Category = "hitl"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Descriptor is the model-facing description of one tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	ArgsSchema  json.RawMessage `json:"args_schema"`
}

// Registry is the categorised tool catalogue with thread-safe registration
// and lookup. A tool may appear in more than one category; ForCategories
// de-duplicates by name.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]llm.Tool
	categories map[Category][]string
}

// NewRegistry creates an empty registry ready for tool registration.
func NewRegistry() *Registry {
	return &Registry{
		tools:      make(map[string]llm.Tool),
		categories: make(map[Category][]string),
	}
}

// Register adds a tool under the given category. Registering the same name
// again replaces the tool and appends the new category membership.
func (r *Registry) Register(category Category, tool llm.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	r.tools[name] = tool
	for _, existing := range r.categories[category] {
		if existing == name {
			return
		}
	}
	r.categories[category] = append(r.categories[category], name)
}

// Unregister removes a tool from the registry and all categories.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	for cat, names := range r.categories {
		kept := names[:0]
		for _, n := range names {
			if n != name {
				kept = append(kept, n)
			}
		}
		r.categories[cat] = kept
	}
}

// Get returns a tool by name and whether it was found.
func (r *Registry) Get(name string) (llm.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// ForCategories returns the de-duplicated descriptors for every tool in the
// requested categories, sorted by name for a stable model-facing catalogue.
func (r *Registry) ForCategories(categories ...Category) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []Descriptor
	for _, cat := range categories {
		for _, name := range r.categories[cat] {
			if seen[name] {
				continue
			}
			seen[name] = true
			tool := r.tools[name]
			out = append(out, Descriptor{
				Name:        tool.Name(),
				Description: tool.Description(),
				ArgsSchema:  tool.Schema(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs a tool by name with the given JSON parameters. Unknown tools
// and oversized inputs come back as error results rather than hard errors so
// the model sees them as tool output.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*llm.ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &llm.ToolResult{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &llm.ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &llm.ToolResult{
			Content: "tool not found: " + name,
			IsError: true,
		}, nil
	}
	return tool.Execute(ctx, params)
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
