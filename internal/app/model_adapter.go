// Package app wires the narrow reactloop/queue/supervisor interfaces to
// their concrete collaborators (LLM providers, the tool registry, the
// sandbox-backed executors) so the composition root has one place to build
// a runnable system instead of importing every package directly.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hyperstudiox/hyperagent/internal/llm"
	"github.com/hyperstudiox/hyperagent/internal/reactloop"
	"github.com/hyperstudiox/hyperagent/pkg/models"
)

// ProviderModel adapts an llm.Provider (any backend in internal/llm/providers)
// to reactloop.Model by draining Complete's chunk channel into a single
// reply, forwarding text fragments to onToken as they arrive.
type ProviderModel struct {
	Provider  llm.Provider
	ModelID   string
	System    string
	MaxTokens int
}

// StreamCompletion implements reactloop.Model.
func (p *ProviderModel) StreamCompletion(ctx context.Context, messages []reactloop.Message, tools []reactloop.ToolSpec, onToken func(string)) (reactloop.ModelReply, error) {
	req := &llm.CompletionRequest{
		Model:     p.ModelID,
		System:    p.System,
		Messages:  toCompletionMessages(messages),
		Tools:     toProviderTools(tools),
		MaxTokens: p.MaxTokens,
	}

	chunks, err := p.Provider.Complete(ctx, req)
	if err != nil {
		return reactloop.ModelReply{}, fmt.Errorf("provider %s: %w", p.Provider.Name(), err)
	}

	var reply reactloop.ModelReply
	var text strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return reactloop.ModelReply{}, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if onToken != nil {
				onToken(chunk.Text)
			}
		}
		if chunk.ToolCall != nil {
			reply.ToolCalls = append(reply.ToolCalls, reactloop.ToolCall{
				ID:   chunk.ToolCall.ID,
				Name: chunk.ToolCall.Name,
				Args: chunk.ToolCall.Input,
			})
		}
		if chunk.Done {
			break
		}
	}
	reply.Text = text.String()
	return reply, nil
}

// Summarize implements reactloop.Summarizer by issuing one extra,
// non-streamed completion asking the model to compress the transcript.
func (p *ProviderModel) Summarize(ctx context.Context, messages []reactloop.Message) (string, error) {
	req := &llm.CompletionRequest{
		Model:  p.ModelID,
		System: "Summarize the conversation so far in a few dense paragraphs, preserving facts, decisions, and open threads. Output only the summary.",
		Messages: append(toCompletionMessages(messages), llm.CompletionMessage{
			Role:    "user",
			Content: "Summarize everything above.",
		}),
		MaxTokens: 1024,
	}
	chunks, err := p.Provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		out.WriteString(chunk.Text)
		if chunk.Done {
			break
		}
	}
	return out.String(), nil
}

func toCompletionMessages(messages []reactloop.Message) []llm.CompletionMessage {
	out := make([]llm.CompletionMessage, 0, len(messages))
	for _, m := range messages {
		cm := llm.CompletionMessage{Role: string(m.Role), Content: m.Content}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, models.ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Args})
		}
		if m.Role == reactloop.RoleTool {
			cm.ToolResults = append(cm.ToolResults, models.ToolResult{ToolCallID: m.ToolCallID, Content: m.Content})
		}
		out = append(out, cm)
	}
	return out
}

func toProviderTools(tools []reactloop.ToolSpec) []llm.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]llm.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, specTool{t})
	}
	return out
}

// specTool adapts a reactloop.ToolSpec descriptor to llm.Tool purely for
// the provider's function-calling schema. Execute is never called on it;
// the loop drives tool execution itself through ToolExecutor.
type specTool struct {
	spec reactloop.ToolSpec
}

func (s specTool) Name() string        { return s.spec.Name }
func (s specTool) Description() string { return s.spec.Description }
func (s specTool) Schema() json.RawMessage { return s.spec.ArgsSchema }
func (s specTool) Execute(context.Context, json.RawMessage) (*llm.ToolResult, error) {
	return nil, fmt.Errorf("specTool %q is schema-only and cannot be executed directly", s.spec.Name)
}
