// Package image implements the generate_image tool over the OpenAI images
// API.
package image

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperstudiox/hyperagent/internal/llm"
)

// GenerateTool produces images from a text prompt. UserID is injected by
// the orchestrator for per-user accounting at the provider.
type GenerateTool struct {
	Client *openai.Client
	UserID string
	// DefaultModel is used when the model argument is omitted.
	DefaultModel string
}

// NewGenerateTool builds a generate_image tool from an API key.
func NewGenerateTool(apiKey, defaultModel string) *GenerateTool {
	if defaultModel == "" {
		defaultModel = openai.CreateImageModelDallE3
	}
	return &GenerateTool{Client: openai.NewClient(apiKey), DefaultModel: defaultModel}
}

type generateParams struct {
	Prompt  string `json:"prompt"`
	Size    string `json:"size,omitempty"`
	N       int    `json:"n,omitempty"`
	Model   string `json:"model,omitempty"`
	Quality string `json:"quality,omitempty"`
}

type generatedImage struct {
	DataBase64 string `json:"data_base64,omitempty"`
	URL        string `json:"url,omitempty"`
	MimeType   string `json:"mime_type"`
	Index      int    `json:"index"`
}

func (t *GenerateTool) Name() string { return "generate_image" }

func (t *GenerateTool) Description() string {
	return "Generate one or more images from a text prompt."
}

func (t *GenerateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string"},
			"size": {"type": "string", "enum": ["512x512", "1024x1024", "1024x1792", "1792x1024"]},
			"n": {"type": "integer", "minimum": 1, "maximum": 4},
			"model": {"type": "string"},
			"quality": {"type": "string", "enum": ["standard", "hd"]}
		},
		"required": ["prompt"]
	}`)
}

func (t *GenerateTool) Execute(ctx context.Context, params json.RawMessage) (*llm.ToolResult, error) {
	var p generateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &llm.ToolResult{Content: "invalid generate_image arguments: " + err.Error(), IsError: true}, nil
	}
	if p.Prompt == "" {
		return &llm.ToolResult{Content: "prompt is required", IsError: true}, nil
	}
	if p.N <= 0 {
		p.N = 1
	}
	if p.N > 4 {
		return &llm.ToolResult{Content: "n must be between 1 and 4", IsError: true}, nil
	}
	model := p.Model
	if model == "" {
		model = t.DefaultModel
	}
	size := p.Size
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}

	resp, err := t.Client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         p.Prompt,
		Model:          model,
		N:              p.N,
		Size:           size,
		Quality:        p.Quality,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		User:           t.UserID,
	})
	if err != nil {
		return &llm.ToolResult{Content: fmt.Sprintf("image generation failed: %v", err), IsError: true}, nil
	}

	images := make([]generatedImage, 0, len(resp.Data))
	for i, d := range resp.Data {
		images = append(images, generatedImage{
			DataBase64: d.B64JSON,
			URL:        d.URL,
			MimeType:   "image/png",
			Index:      i,
		})
	}
	out, _ := json.Marshal(images)
	return &llm.ToolResult{Content: string(out)}, nil
}
