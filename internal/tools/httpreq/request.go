// Package httpreq implements the http_request tool: arbitrary HTTP calls
// to public addresses. The pipeline's URL guardrail has already rejected
// private/loopback targets by the time Execute runs; this package enforces
// the method/timeout envelope and response size cap.
package httpreq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hyperstudiox/hyperagent/internal/llm"
)

// RequestTool performs one HTTP request on behalf of the model.
type RequestTool struct {
	Client *http.Client
	// MaxBodyBytes caps the response body returned to the model.
	MaxBodyBytes int64
}

// NewRequestTool builds an http_request tool with a redirect-capped client.
func NewRequestTool() *RequestTool {
	return &RequestTool{
		Client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		MaxBodyBytes: 256 * 1024,
	}
}

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

type requestParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Timeout int               `json:"timeout,omitempty"`
}

type requestResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func (t *RequestTool) Name() string { return "http_request" }

func (t *RequestTool) Description() string {
	return "Perform an HTTP request against a public URL and return status, headers, and body."
}

func (t *RequestTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string"},
			"method": {"type": "string", "enum": ["GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"]},
			"headers": {"type": "object", "additionalProperties": {"type": "string"}},
			"body": {"type": "string"},
			"timeout": {"type": "integer", "minimum": 1, "maximum": 120}
		},
		"required": ["url", "method"]
	}`)
}

func (t *RequestTool) Execute(ctx context.Context, params json.RawMessage) (*llm.ToolResult, error) {
	var p requestParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &llm.ToolResult{Content: "invalid http_request arguments: " + err.Error(), IsError: true}, nil
	}
	method := strings.ToUpper(p.Method)
	if !allowedMethods[method] {
		return &llm.ToolResult{Content: fmt.Sprintf("method %q not allowed", p.Method), IsError: true}, nil
	}
	timeout := time.Duration(p.Timeout) * time.Second
	if p.Timeout <= 0 {
		timeout = 30 * time.Second
	}
	if p.Timeout > 120 {
		return &llm.ToolResult{Content: "timeout must be between 1 and 120 seconds", IsError: true}, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, p.URL, body)
	if err != nil {
		return &llm.ToolResult{Content: "invalid request: " + err.Error(), IsError: true}, nil
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return &llm.ToolResult{Content: "request failed: " + err.Error(), IsError: true}, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.MaxBodyBytes))
	if err != nil {
		return &llm.ToolResult{Content: "read response: " + err.Error(), IsError: true}, nil
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out, _ := json.Marshal(requestResult{Status: resp.StatusCode, Headers: headers, Body: string(data)})
	return &llm.ToolResult{Content: string(out), IsError: resp.StatusCode >= 500}, nil
}
