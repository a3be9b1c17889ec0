package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Bus is a late-arrival, per-channel pub/sub broker: a subscriber only
// receives events published after it subscribes. Channels are
// independent; cross-channel ordering is undefined.
//
// Publish is never blocking: a slow or absent subscriber cannot stall the
// worker that owns the channel. A bounded per-subscriber buffer is used and
// overflow is dropped with a logged warning, per the back-pressure contract
// in  ("the worker logs and drops").
type Bus struct {
	mu       sync.Mutex
	channels map[string]*channel
	logger   *slog.Logger
}

type channel struct {
	mu       sync.Mutex
	seq      uint64
	subs     map[*subscription]struct{}
	lastSeen time.Time
}

type subscription struct {
	ch     chan Event
	closed chan struct{}
	once   sync.Once
}

const subscriberBuffer = 256

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		channels: make(map[string]*channel),
		logger:   logger.With("component", "eventbus"),
	}
}

func (b *Bus) channelFor(name string) *channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.channels[name]
	if !ok {
		c = &channel{subs: make(map[*subscription]struct{})}
		b.channels[name] = c
	}
	c.lastSeen = time.Now()
	return c
}

// Publish assigns the event the next sequence number on channel name and
// fans it out to every current subscriber. It never blocks: a full
// subscriber buffer causes the event to be dropped for that subscriber only.
//
// Publish does not return an error; a broker-level failure (e.g. the
// reference Redis-compatible implementation losing its connection) is
// logged and swallowed, matching the "failures are logged and do not
// interrupt the worker" contract.
func (b *Bus) Publish(name string, evt Event) {
	c := b.channelFor(name)

	c.mu.Lock()
	c.seq++
	evt.Ordinal = c.seq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- evt:
		default:
			b.logger.Warn("eventbus: dropping event, subscriber buffer full", "channel", name, "type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events published on name from this point
// forward, and a cancel function that unregisters the subscription and
// closes the channel. The returned channel is closed automatically once a
// terminal event (complete/error) has been delivered.
func (b *Bus) Subscribe(ctx context.Context, name string) (<-chan Event, func()) {
	c := b.channelFor(name)
	sub := &subscription{ch: make(chan Event, subscriberBuffer), closed: make(chan struct{})}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			c.mu.Lock()
			delete(c.subs, sub)
			c.mu.Unlock()
			close(sub.closed)
		})
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.closed:
				return
			case evt, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
				if evt.Terminal() {
					return
				}
			}
		}
	}()

	return out, cancel
}

// Close drops bookkeeping for a channel (subscribers already connected keep
// draining their buffers). Workers call this once they have published their
// terminal event, so a channel is always closed exactly once.
func (b *Bus) Close(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, name)
}

// ChannelName returns the canonical channel name for a task id, matching
// the wire name in  ("hyperagent:progress:<task_id>").
func ChannelName(taskID string) string {
	return "hyperagent:progress:" + taskID
}
