// Package eventbus implements the typed event stream published from task
// workers to streaming clients. Events are a discriminated union
// keyed by Type; exactly one payload field is populated per event, and the
// wire encoding keeps a top-level "type" string for existing clients.
package eventbus

import (
	"encoding/json"
	"time"
)

// Type discriminates the Event payload.
type Type string

const (
	TypeToken         Type = "token"
	TypeStage         Type = "stage"
	TypeToolCall      Type = "tool_call"
	TypeToolResult    Type = "tool_result"
	TypeSource        Type = "source"
	TypeImage         Type = "image"
	TypeHandoff       Type = "handoff"
	TypeBrowserStream Type = "browser_stream"
	TypeReasoning     Type = "reasoning"
	TypeInterrupt     Type = "interrupt"
	TypeProgress      Type = "progress"
	TypeComplete      Type = "complete"
	TypeError         Type = "error"
)

// StageStatus is the lifecycle status carried by a stage event.
type StageStatus string

const (
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// InterruptKind mirrors hitl.Kind without importing the hitl package, so the
// event payload stays a leaf type consumed by both producers and the wire
// encoder.
type InterruptKind string

const (
	InterruptApproval InterruptKind = "approval"
	InterruptDecision InterruptKind = "decision"
	InterruptInput    InterruptKind = "input"
)

// Event is one record on a task's channel. Ordinal and Timestamp are set by
// the Bus at publish time, never by the caller, so ordering is authoritative
// even when producers race.
type Event struct {
	Type      Type      `json:"type"`
	Ordinal   uint64    `json:"ordinal"`
	Timestamp time.Time `json:"timestamp"`

	Token         *TokenPayload         `json:"token,omitempty"`
	Stage         *StagePayload         `json:"stage,omitempty"`
	ToolCall      *ToolCallPayload      `json:"tool_call,omitempty"`
	ToolResult    *ToolResultPayload    `json:"tool_result,omitempty"`
	Source        *SourcePayload        `json:"source,omitempty"`
	Image         *ImagePayload         `json:"image,omitempty"`
	Handoff       *HandoffPayload       `json:"handoff,omitempty"`
	BrowserStream *BrowserStreamPayload `json:"browser_stream,omitempty"`
	Reasoning     *ReasoningPayload     `json:"reasoning,omitempty"`
	Interrupt     *InterruptPayload     `json:"interrupt,omitempty"`
	Progress      *ProgressPayload      `json:"progress,omitempty"`
	Error         *ErrorPayload         `json:"error,omitempty"`
}

type TokenPayload struct {
	Content string `json:"content"`
}

type StagePayload struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Status      StageStatus `json:"status"`
}

type ToolCallPayload struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
	ID   string          `json:"id"`
}

type ToolResultPayload struct {
	Tool    string          `json:"tool"`
	Output  json.RawMessage `json:"output,omitempty"`
	ID      string          `json:"id"`
	IsError bool            `json:"is_error,omitempty"`
}

type SourcePayload struct {
	Title          string  `json:"title"`
	URL            string  `json:"url"`
	Snippet        string  `json:"snippet,omitempty"`
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

type ImagePayload struct {
	DataBase64 string `json:"data_base64,omitempty"`
	URL        string `json:"url,omitempty"`
	MimeType   string `json:"mime_type"`
	Index      int    `json:"index"`
}

type HandoffPayload struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Task   string `json:"task"`
}

type BrowserStreamPayload struct {
	StreamURL string `json:"stream_url"`
	SandboxID string `json:"sandbox_id"`
	AuthKey   string `json:"auth_key,omitempty"`
}

type ReasoningPayload struct {
	Thinking   string  `json:"thinking"`
	Confidence float64 `json:"confidence,omitempty"`
	Context    string  `json:"context,omitempty"`
}

type InterruptPayload struct {
	InterruptID string        `json:"interrupt_id"`
	Title       string        `json:"title"`
	Message     string        `json:"message"`
	Options     []string      `json:"options,omitempty"`
	Kind        InterruptKind `json:"kind"`
}

type ProgressPayload struct {
	Percentage int    `json:"percentage"`
	Message    string `json:"message,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
}

// Terminal reports whether this event type ends a channel's stream — used by
// the bus to close subscriber streams and by callers asserting Testable
// Property 1 (every task ends with exactly one complete or error).
func (e *Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// Token builds a token event.
func TokenEvent(content string) Event {
	return Event{Type: TypeToken, Token: &TokenPayload{Content: content}}
}

// Stage builds a stage event.
func StageEvent(name, description string, status StageStatus) Event {
	return Event{Type: TypeStage, Stage: &StagePayload{Name: name, Description: description, Status: status}}
}

// ToolCallEvent builds a tool_call event.
func ToolCallEvent(tool, id string, args json.RawMessage) Event {
	return Event{Type: TypeToolCall, ToolCall: &ToolCallPayload{Tool: tool, Args: args, ID: id}}
}

// ToolResultEvent builds a tool_result event.
func ToolResultEvent(tool, id string, output json.RawMessage, isError bool) Event {
	return Event{Type: TypeToolResult, ToolResult: &ToolResultPayload{Tool: tool, Output: output, ID: id, IsError: isError}}
}

// ProgressEvent builds a progress event, clamping Percentage to [0,100].
func ProgressEvent(percentage int, message string) Event {
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}
	return Event{Type: TypeProgress, Progress: &ProgressPayload{Percentage: percentage, Message: message}}
}

// CompleteEvent builds the terminal success event.
func CompleteEvent() Event {
	return Event{Type: TypeComplete}
}

// ErrorEvent builds the terminal (or informational) error event.
func ErrorEvent(message, name string) Event {
	return Event{Type: TypeError, Error: &ErrorPayload{Message: message, Name: name}}
}

// CancelledEvent is the terminal event published on loop cancellation
//.
func CancelledEvent() Event {
	return ErrorEvent("cancelled", "cancelled")
}
