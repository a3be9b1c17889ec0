package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hyperstudiox/hyperagent/internal/net/ssrf"
	"github.com/hyperstudiox/hyperagent/internal/reactloop"
	"github.com/hyperstudiox/hyperagent/internal/tools/security"
)

// RiskTable classifies tool names by risk tier. Entries are
// matched by exact name or, for the browser_*/shell_* families, by prefix.
type RiskTable struct {
	High   []string
	Medium []string
	Low    []string
}

// DefaultRiskTable is the default risk classification.
func DefaultRiskTable() RiskTable {
	return RiskTable{
		// sandbox_file is split by operation in sandboxFileRisk.
		High:   []string{"browser_", "execute_code", "shell_"},
		Medium: []string{"http_request", "database_write", "file_read"},
		Low:    []string{"web_search", "analyze_image"},
	}
}

func (t RiskTable) classify(tool string) reactloop.RiskLevel {
	match := func(patterns []string) bool {
		for _, p := range patterns {
			if strings.HasSuffix(p, "_") {
				if strings.HasPrefix(tool, p) {
					return true
				}
			} else if tool == p {
				return true
			}
		}
		return false
	}
	switch {
	case match(t.High):
		return reactloop.RiskHigh
	case match(t.Medium):
		return reactloop.RiskMedium
	default:
		return reactloop.RiskLow
	}
}

// Scanner is one pluggable guardrail check. Input scanners receive a tool
// call's raw JSON arguments; output scanners receive the textual result.
// A non-nil error blocks the call (input) or replaces the result with an
// error (output).
type Scanner interface {
	Name() string
	Scan(toolName string, payload []byte) error
}

// Guardrails runs the input/output checks: URL scheme/private-IP ban,
// shell-command pattern ban, size limits, and any registered scanners.
type Guardrails struct {
	MaxArgBytes    int
	MaxOutputBytes int
	InputScanners  []Scanner
	OutputScanners []Scanner
}

// DefaultGuardrails returns the default byte budgets with no extra
// scanners registered.
func DefaultGuardrails() Guardrails {
	return Guardrails{MaxArgBytes: 64 * 1024, MaxOutputBytes: 256 * 1024}
}

// CheckInput runs input guardrails against a tool call's raw JSON
// arguments: URL validation (ssrf.ValidatePublicHostname — rejects
// loopback/private/reserved/link-local ranges, IPv4-mapped IPv6, and
// denylisted internal hostnames), shell-command pattern bans, and an
// overall size limit.
func (g Guardrails) CheckInput(toolName string, args json.RawMessage) error {
	if g.MaxArgBytes > 0 && len(args) > g.MaxArgBytes {
		return fmt.Errorf("tool %q arguments exceed %d bytes", toolName, g.MaxArgBytes)
	}

	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil // not our job to validate shape; the tool itself will reject it
	}

	if u, ok := decoded["url"].(string); ok && u != "" {
		if err := validateURL(u); err != nil {
			return err
		}
	}
	if cmd, ok := decoded["command"].(string); ok && cmd != "" {
		if !security.IsSafeCommand(cmd) {
			return fmt.Errorf("tool %q rejected: %s", toolName, security.ExtractUnsafeReason(cmd))
		}
	}
	for _, scanner := range g.InputScanners {
		if err := scanner.Scan(toolName, args); err != nil {
			return fmt.Errorf("input scanner %s: %w", scanner.Name(), err)
		}
	}
	return nil
}

func validateURL(raw string) error {
	scheme, host, ok := splitURL(raw)
	if !ok {
		return fmt.Errorf("invalid URL: %q", raw)
	}
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("rejected non-http(s) scheme: %q", scheme)
	}
	return ssrf.ValidatePublicHostname(host)
}

// splitURL extracts the scheme and bare hostname (no port, no userinfo)
// from a URL so the host can be handed to ssrf.ValidatePublicHostname,
// which expects a hostname or literal IP, not an authority component.
func splitURL(raw string) (scheme, host string, ok bool) {
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return "", "", false
	}
	scheme = strings.ToLower(raw[:idx])
	rest := raw[idx+3:]
	end := strings.IndexAny(rest, "/?#")
	if end >= 0 {
		rest = rest[:end]
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	host = stripPort(rest)
	return scheme, host, host != ""
}

// stripPort removes a trailing ":port" from an authority component,
// leaving bracketed IPv6 literals (e.g. "[::1]:8080") and bare IPv6
// literals without brackets alone.
func stripPort(authority string) string {
	if strings.HasPrefix(authority, "[") {
		if end := strings.Index(authority, "]"); end >= 0 {
			return authority[:end+1]
		}
		return authority
	}
	if strings.Count(authority, ":") == 1 {
		if idx := strings.LastIndex(authority, ":"); idx >= 0 {
			return authority[:idx]
		}
	}
	return authority
}

// CheckOutput runs output scanners (toxicity/PII-style redaction hooks;
// the classifier internals belong to the host) and truncates oversized
// results with an explicit marker.
func (g Guardrails) CheckOutput(toolName string, result reactloop.ToolResult) reactloop.ToolResult {
	for _, scanner := range g.OutputScanners {
		if err := scanner.Scan(toolName, result.Output); err != nil {
			return reactloop.ToolResult{IsError: true, Message: fmt.Sprintf("output scanner %s: %v", scanner.Name(), err)}
		}
	}
	if g.MaxOutputBytes <= 0 || len(result.Output) <= g.MaxOutputBytes {
		return result
	}
	truncated := append([]byte(nil), result.Output[:g.MaxOutputBytes]...)
	result.Output = append(truncated, []byte(`...[truncated]`)...)
	return result
}

// Pipeline implements reactloop.Pipeline: it runs input guardrails, gates
// HIGH/MEDIUM-risk tools behind a HITL approval short-circuit (unless
// auto-approved for this session), and runs output guardrails/truncation
// on the way back. The loop itself owns the HITL wait/resume
// machinery (internal/hitl.Manager via Deps.HITL); this type only decides
// whether a call needs to stop and ask.
type Pipeline struct {
	Risk       RiskTable
	Guardrails Guardrails
	// MediumRequiresApproval mirrors the configurable per-threshold policy
	// for MEDIUM risk tools.
	MediumRequiresApproval bool
}

// NewPipeline builds a Pipeline with the default risk table and
// guardrail limits.
func NewPipeline() *Pipeline {
	return &Pipeline{Risk: DefaultRiskTable(), Guardrails: DefaultGuardrails()}
}

// Before implements reactloop.Pipeline.
func (p *Pipeline) Before(ctx context.Context, call reactloop.ToolCall, autoApproved map[string]bool) (*reactloop.ShortCircuit, error) {
	if err := p.Guardrails.CheckInput(call.Name, call.Args); err != nil {
		return &reactloop.ShortCircuit{Result: &reactloop.ToolResult{IsError: true, Message: err.Error()}}, nil
	}

	risk := p.Risk.classify(call.Name)
	if call.Name == "sandbox_file" {
		risk = sandboxFileRisk(call.Args)
	}
	if autoApproved[call.Name] {
		return nil, nil
	}
	needsApproval := risk == reactloop.RiskHigh || (risk == reactloop.RiskMedium && p.MediumRequiresApproval)
	if !needsApproval {
		return nil, nil
	}

	return &reactloop.ShortCircuit{
		InterruptID: uuid.NewString(),
		Kind:        "approval",
		Title:       fmt.Sprintf("Approve %s", call.Name),
		Message:     fmt.Sprintf("%s requires approval to run (risk: %s)", call.Name, risk),
	}, nil
}

// After implements reactloop.Pipeline.
func (p *Pipeline) After(ctx context.Context, call reactloop.ToolCall, raw reactloop.ToolResult) (reactloop.ToolResult, error) {
	return p.Guardrails.CheckOutput(call.Name, raw), nil
}

// sandboxFileRisk splits the sandbox_file tool by operation: mutations
// are high risk, reads medium.
func sandboxFileRisk(args json.RawMessage) reactloop.RiskLevel {
	var p struct {
		Operation string `json:"operation"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return reactloop.RiskHigh
	}
	switch p.Operation {
	case "write", "delete":
		return reactloop.RiskHigh
	default:
		return reactloop.RiskMedium
	}
}

// RiskOf implements reactloop.Pipeline.
func (p *Pipeline) RiskOf(toolName string) reactloop.RiskLevel {
	return p.Risk.classify(toolName)
}
