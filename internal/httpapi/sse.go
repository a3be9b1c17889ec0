package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hyperstudiox/hyperagent/internal/eventbus"
)

// wireEncode flattens an event into the client wire shape: one JSON object
// with a top-level "type" discriminator and the payload's fields inlined.
func wireEncode(evt eventbus.Event) ([]byte, error) {
	flat := map[string]any{
		"type":      string(evt.Type),
		"ordinal":   evt.Ordinal,
		"timestamp": evt.Timestamp,
	}

	var payload any
	switch evt.Type {
	case eventbus.TypeToken:
		payload = evt.Token
	case eventbus.TypeStage:
		payload = evt.Stage
	case eventbus.TypeToolCall:
		payload = evt.ToolCall
	case eventbus.TypeToolResult:
		payload = evt.ToolResult
	case eventbus.TypeSource:
		payload = evt.Source
	case eventbus.TypeImage:
		payload = evt.Image
	case eventbus.TypeHandoff:
		payload = evt.Handoff
	case eventbus.TypeBrowserStream:
		payload = evt.BrowserStream
	case eventbus.TypeReasoning:
		payload = evt.Reasoning
	case eventbus.TypeInterrupt:
		payload = evt.Interrupt
	case eventbus.TypeProgress:
		payload = evt.Progress
	case eventbus.TypeError:
		payload = evt.Error
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		fields := map[string]any{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			flat[k] = v
		}
	}
	return json.Marshal(flat)
}

// writeSSE writes one event in server-sent-events framing and flushes.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, evt eventbus.Event) error {
	data, err := wireEncode(evt)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
