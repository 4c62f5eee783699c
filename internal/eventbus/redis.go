package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ryaker/zora/internal/event"
)

// RedisBridge mirrors locally published events onto a Redis pub/sub
// channel so a dashboard server running in a separate process (or a
// horizontally-scaled set of them) can still receive the SSE stream
// (SPEC_FULL.md §5 domain-stack row for github.com/redis/go-redis/v9).
// It wraps a local Bus rather than replacing it: in-process subscribers
// still get synchronous, fail-fast delivery; Redis only carries events to
// other processes.
type RedisBridge struct {
	local   Bus
	client  *redis.Client
	channel string
}

// NewRedisBridge wraps local with a Redis publish step on the given
// channel (e.g. "zora:events").
func NewRedisBridge(local Bus, client *redis.Client, channel string) *RedisBridge {
	return &RedisBridge{local: local, client: client, channel: channel}
}

func (r *RedisBridge) Publish(ctx context.Context, e event.Event) error {
	if err := r.local.Publish(ctx, e); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventbus: marshal for redis: %w", err)
	}
	// Cross-process fan-out is best-effort observability, not part of the
	// durability contract (the session log is); a publish failure here is
	// not surfaced to the task.
	_ = r.client.Publish(ctx, r.channel, data).Err()
	return nil
}

func (r *RedisBridge) Register(sub Subscriber) (Subscription, error) {
	return r.local.Register(sub)
}

// Remote returns a Subscriber-driving loop that relays events published by
// other processes into the local Bus. Call it in its own goroutine; it
// exits when ctx is canceled.
func (r *RedisBridge) Remote(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e event.Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				continue
			}
			_ = r.local.Publish(ctx, e)
		}
	}
}
