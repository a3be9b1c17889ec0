package httpreq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestToolGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Probe") != "1" {
			t.Errorf("missing header, got %v", r.Header)
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	}))
	defer server.Close()

	tool := NewRequestTool()
	args := `{"url":"` + server.URL + `","method":"GET","headers":{"X-Probe":"1"}}`
	res, err := tool.Execute(context.Background(), json.RawMessage(args))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	var out requestResult
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != 200 || out.Body != "pong" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestRequestToolRejectsBadMethodAndTimeout(t *testing.T) {
	tool := NewRequestTool()
	for _, args := range []string{
		`{"url":"http://example.com","method":"TRACE"}`,
		`{"url":"http://example.com","method":"GET","timeout":121}`,
	} {
		res, err := tool.Execute(context.Background(), json.RawMessage(args))
		if err != nil {
			t.Fatalf("Execute(%s): %v", args, err)
		}
		if !res.IsError {
			t.Fatalf("expected error result for %s", args)
		}
	}
}

func TestRequestToolServerErrorIsErrorResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tool := NewRequestTool()
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"`+server.URL+`","method":"GET"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected 5xx to surface as an error result")
	}
}

func TestRequestToolCapsBody(t *testing.T) {
	big := strings.Repeat("a", 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(big))
	}))
	defer server.Close()

	tool := NewRequestTool()
	tool.MaxBodyBytes = 100
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"`+server.URL+`","method":"GET"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var out requestResult
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Body) != 100 {
		t.Fatalf("body length = %d, want 100", len(out.Body))
	}
}
