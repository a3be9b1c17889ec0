package eventbus

import (
	"sync"
	"time"
)

// TokenBatcher coalesces high-frequency token events before they reach the
// Bus, capping publish volume per / ("token events may be batched...
// batching must not reorder with respect to non-token events"). Call
// Token for streaming fragments and Flush (or any other event type) to
// force pending tokens out first, preserving relative order.
type TokenBatcher struct {
	mu       sync.Mutex
	bus      *Bus
	channel  string
	maxChars int
	maxWait  time.Duration
	pending  string
	timer    *time.Timer
}

// NewTokenBatcher flushes whenever pending content reaches maxChars or
// maxWait elapses since the first unflushed token, whichever comes first.
func NewTokenBatcher(bus *Bus, channel string, maxChars int, maxWait time.Duration) *TokenBatcher {
	if maxChars <= 0 {
		maxChars = 80
	}
	if maxWait <= 0 {
		maxWait = 150 * time.Millisecond
	}
	return &TokenBatcher{bus: bus, channel: channel, maxChars: maxChars, maxWait: maxWait}
}

// Token appends a streamed fragment, flushing immediately if the batch has
// grown past maxChars.
func (t *TokenBatcher) Token(content string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending += content
	if t.timer == nil {
		t.timer = time.AfterFunc(t.maxWait, t.flushAsync)
	}
	if len(t.pending) >= t.maxChars {
		t.flushLocked()
	}
}

// Flush publishes any pending token content immediately. Call before
// publishing a non-token event on the same channel so batching never
// reorders with respect to it.
func (t *TokenBatcher) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushLocked()
}

func (t *TokenBatcher) flushAsync() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushLocked()
}

func (t *TokenBatcher) flushLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.pending == "" {
		return
	}
	content := t.pending
	t.pending = ""
	t.bus.Publish(t.channel, TokenEvent(content))
}
