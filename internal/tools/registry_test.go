package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperstudiox/hyperagent/internal/llm"
)

type namedTool struct{ name string }

func (t namedTool) Name() string            { return t.name }
func (t namedTool) Description() string     { return "test tool " + t.name }
func (t namedTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t namedTool) Execute(ctx context.Context, params json.RawMessage) (*llm.ToolResult, error) {
	return &llm.ToolResult{Content: t.name + ":" + string(params)}, nil
}

func TestRegistryForCategoriesDeduplicates(t *testing.T) {
	r := NewRegistry()
	r.Register(CategorySearch, namedTool{"web_search"})
	r.Register(CategorySearch, namedTool{"web_fetch"})
	r.Register(CategoryFiles, namedTool{"web_fetch"}) // same tool, second category

	descriptors := r.ForCategories(CategorySearch, CategoryFiles)
	if len(descriptors) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(descriptors))
	}
	if descriptors[0].Name != "web_fetch" || descriptors[1].Name != "web_search" {
		t.Fatalf("unexpected catalogue order: %v", descriptors)
	}
}

func TestRegistryExecuteUnknownToolIsErrorResult(t *testing.T) {
	r := NewRegistry()
	res, err := r.Execute(context.Background(), "nope", nil)
	if err != nil {
		t.Fatalf("unexpected hard error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "not found") {
		t.Fatalf("expected not-found error result, got %+v", res)
	}
}

func TestRegistryExecuteRejectsOversizedParams(t *testing.T) {
	r := NewRegistry()
	r.Register(CategoryExec, namedTool{"echo"})
	big := json.RawMessage(strings.Repeat("x", MaxToolParamsSize+1))
	res, err := r.Execute(context.Background(), "echo", big)
	if err != nil {
		t.Fatalf("unexpected hard error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected oversized params to be rejected")
	}
}

func TestRegistryUnregisterRemovesFromCategories(t *testing.T) {
	r := NewRegistry()
	r.Register(CategorySearch, namedTool{"web_search"})
	r.Unregister("web_search")
	if _, ok := r.Get("web_search"); ok {
		t.Fatal("tool still present after unregister")
	}
	if got := r.ForCategories(CategorySearch); len(got) != 0 {
		t.Fatalf("category still lists tool: %v", got)
	}
}
