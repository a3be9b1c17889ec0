// Package browserctl implements the browser_* tools on top of the desktop
// sandbox session kind: one Playwright browser per (user, task), reused
// across calls and reaped with the session.
package browserctl

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/hyperstudiox/hyperagent/internal/llm"
	"github.com/hyperstudiox/hyperagent/internal/sandbox"
)

// Config tunes the launched browsers.
type Config struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	NavTimeout     time.Duration
}

// Factory returns a sandbox.Factory for the desktop session kind: each
// session owns one browser context and page.
func Factory(cfg Config) sandbox.Factory {
	if cfg.ViewportWidth == 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight == 0 {
		cfg.ViewportHeight = 800
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	return func(ctx context.Context, key string) (sandbox.Executor, error) {
		pw, err := playwright.Run()
		if err != nil {
			return nil, fmt.Errorf("start playwright: %w", err)
		}
		browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(cfg.Headless),
		})
		if err != nil {
			_ = pw.Stop()
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		browserCtx, err := browser.NewContext(playwright.BrowserNewContextOptions{
			Viewport: &playwright.Size{Width: cfg.ViewportWidth, Height: cfg.ViewportHeight},
		})
		if err != nil {
			_ = browser.Close()
			_ = pw.Stop()
			return nil, fmt.Errorf("browser context: %w", err)
		}
		page, err := browserCtx.NewPage()
		if err != nil {
			_ = browserCtx.Close()
			_ = browser.Close()
			_ = pw.Stop()
			return nil, fmt.Errorf("open page: %w", err)
		}
		return &BrowserSession{key: key, cfg: cfg, pw: pw, browser: browser, page: page}, nil
	}
}

// BrowserSession is the live desktop-kind sandbox: a browser bound to one
// (user, task) pair.
type BrowserSession struct {
	key     string
	cfg     Config
	pw      *playwright.Playwright
	browser playwright.Browser
	page    playwright.Page
}

// ID implements sandbox.Executor.
func (b *BrowserSession) ID() string { return "browser-" + b.key }

// Healthy implements sandbox.Executor.
func (b *BrowserSession) Healthy() bool {
	return b.browser != nil && b.browser.IsConnected()
}

// Close implements sandbox.Executor. Safe to call more than once.
func (b *BrowserSession) Close() error {
	if b.browser != nil {
		_ = b.browser.Close()
		b.browser = nil
	}
	if b.pw != nil {
		err := b.pw.Stop()
		b.pw = nil
		return err
	}
	return nil
}

// Tool drives the session's page. UserID and TaskID are injected by the
// orchestrator so every call lands on the task's own browser.
type Tool struct {
	Sessions *sandbox.Manager
	UserID   string
	TaskID   string
}

type browserParams struct {
	Action   string `json:"action"`
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	Key      string `json:"key,omitempty"`
}

func (t *Tool) Name() string { return "browser_action" }

func (t *Tool) Description() string {
	return "Control the task's browser: navigate, click, type, press a key, read page text, or screenshot."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["navigate", "click", "type", "press", "text", "screenshot"]},
			"url": {"type": "string"},
			"selector": {"type": "string"},
			"text": {"type": "string"},
			"key": {"type": "string"}
		},
		"required": ["action"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*llm.ToolResult, error) {
	var p browserParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &llm.ToolResult{Content: "invalid browser arguments: " + err.Error(), IsError: true}, nil
	}

	session, err := t.Sessions.GetOrCreate(ctx, t.UserID, t.TaskID, 0)
	if err != nil {
		return &llm.ToolResult{Content: "browser unavailable: " + err.Error(), IsError: true}, nil
	}
	b, ok := session.Executor.(*BrowserSession)
	if !ok {
		return &llm.ToolResult{Content: "desktop session is not a browser", IsError: true}, nil
	}
	page := b.page

	switch p.Action {
	case "navigate":
		if p.URL == "" {
			return &llm.ToolResult{Content: "url is required for navigate", IsError: true}, nil
		}
		if _, err := page.Goto(p.URL, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(b.cfg.NavTimeout.Milliseconds())),
		}); err != nil {
			return &llm.ToolResult{Content: "navigate failed: " + err.Error(), IsError: true}, nil
		}
		title, _ := page.Title()
		return &llm.ToolResult{Content: fmt.Sprintf("at %s (%s)", page.URL(), title)}, nil

	case "click":
		if p.Selector == "" {
			return &llm.ToolResult{Content: "selector is required for click", IsError: true}, nil
		}
		if err := page.Click(p.Selector); err != nil {
			return &llm.ToolResult{Content: "click failed: " + err.Error(), IsError: true}, nil
		}
		return &llm.ToolResult{Content: "clicked " + p.Selector}, nil

	case "type":
		if p.Selector == "" || p.Text == "" {
			return &llm.ToolResult{Content: "selector and text are required for type", IsError: true}, nil
		}
		if err := page.Fill(p.Selector, p.Text); err != nil {
			return &llm.ToolResult{Content: "type failed: " + err.Error(), IsError: true}, nil
		}
		return &llm.ToolResult{Content: "typed into " + p.Selector}, nil

	case "press":
		if p.Key == "" {
			return &llm.ToolResult{Content: "key is required for press", IsError: true}, nil
		}
		if err := page.Keyboard().Press(p.Key); err != nil {
			return &llm.ToolResult{Content: "press failed: " + err.Error(), IsError: true}, nil
		}
		return &llm.ToolResult{Content: "pressed " + p.Key}, nil

	case "text":
		selector := p.Selector
		if selector == "" {
			selector = "body"
		}
		content, err := page.Locator(selector).InnerText()
		if err != nil {
			return &llm.ToolResult{Content: "read failed: " + err.Error(), IsError: true}, nil
		}
		if len(content) > 64*1024 {
			content = content[:64*1024] + "\n...[truncated]"
		}
		return &llm.ToolResult{Content: strings.TrimSpace(content)}, nil

	case "screenshot":
		shot, err := page.Screenshot(playwright.PageScreenshotOptions{
			Type: playwright.ScreenshotTypePng,
		})
		if err != nil {
			return &llm.ToolResult{Content: "screenshot failed: " + err.Error(), IsError: true}, nil
		}
		return &llm.ToolResult{Content: base64.StdEncoding.EncodeToString(shot)}, nil

	default:
		return &llm.ToolResult{Content: fmt.Sprintf("unknown action %q", p.Action), IsError: true}, nil
	}
}
