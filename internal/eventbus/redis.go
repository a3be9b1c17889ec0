package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes the same Event wire shape over a Redis-compatible
// pub/sub channel, matching the "Redis-compatible pub/sub" reference broker
// It is a drop-in alternative to Bus for multi-process
// deployments where the worker publishing events and the HTTP connection
// streaming them to the client run in separate processes; the in-process
// Bus remains the default for a single-process deployment.
//
// RedisBus does not implement late-arrival filtering itself -- Redis
// pub/sub already drops messages published before a SUBSCRIBE completes,
// which gives the same late-arrival semantics as the in-process bus.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBus wraps an existing Redis client. The caller owns the client's
// lifecycle (construction, auth, close).
func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, logger: logger.With("component", "eventbus.redis")}
}

// Publish encodes evt as JSON and publishes it on the channel. Sequence
// numbering is the caller's responsibility here (typically a Bus upstream
// of this one, or a per-process atomic counter) since Redis itself does not
// assign per-channel ordinals.
//
// Publish failures are logged, never returned; the back-pressure
// contract: a broker outage must not stall or abort the worker.
func (r *RedisBus) Publish(ctx context.Context, channel string, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("eventbus: marshal event", "error", err, "channel", channel)
		return
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		r.logger.Warn("eventbus: redis publish failed, dropping", "error", err, "channel", channel)
	}
}

// Subscribe opens a Redis subscription and decodes each message into an
// Event. The returned channel closes when ctx is cancelled or the
// underlying subscription errors out.
func (r *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan Event, func()) {
	sub := r.client.Subscribe(ctx, channel)
	out := make(chan Event, subscriberBuffer)

	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					r.logger.Warn("eventbus: discarding malformed event", "error", err, "channel", channel)
					continue
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

	cancel := func() { _ = sub.Close() }
	return out, cancel
}
