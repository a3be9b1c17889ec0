package app

import (
	"context"
	"fmt"

	"github.com/hyperstudiox/hyperagent/internal/reactloop"
	"github.com/hyperstudiox/hyperagent/internal/tools"
)

// RegistryExecutor adapts *tools.Registry to reactloop.ToolExecutor so the
// loop can invoke any registered tool, sandbox op, or skill-engine wrapper
// without importing the registry's richer surface.
type RegistryExecutor struct {
	Registry *tools.Registry
}

// Execute implements reactloop.ToolExecutor.
func (r *RegistryExecutor) Execute(ctx context.Context, call reactloop.ToolCall) (reactloop.ToolResult, error) {
	res, err := r.Registry.Execute(ctx, call.Name, call.Args)
	if err != nil {
		return reactloop.ToolResult{}, err
	}
	return reactloop.ToolResult{
		Output:  jsonContent(res.Content),
		IsError: res.IsError,
		Message: res.Content,
	}, nil
}

func jsonContent(content string) []byte {
	if content == "" {
		return nil
	}
	return []byte(fmt.Sprintf("%q", content))
}

// ToolSpecsFor builds the model-facing descriptor list for the named tools,
// skipping any name the registry doesn't recognize rather than failing the
// whole agent definition over one missing tool.
func ToolSpecsFor(registry *tools.Registry, names []string) []reactloop.ToolSpec {
	specs := make([]reactloop.ToolSpec, 0, len(names))
	for _, name := range names {
		tool, ok := registry.Get(name)
		if !ok {
			continue
		}
		specs = append(specs, reactloop.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			ArgsSchema:  tool.Schema(),
		})
	}
	return specs
}
