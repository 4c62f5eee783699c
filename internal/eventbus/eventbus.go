// Package eventbus fans out pipeline events to dashboard/SSE subscribers
// (spec.md §6, "GET /api/events ... SSE stream"). The Bus/Subscriber/
// Subscription shape and synchronous fail-fast fan-out are adapted
// directly from runtime/agent/hooks/bus.go, narrowed from the teacher's
// generic hooks.Event to this module's event.Event.
package eventbus

import (
	"context"
	"errors"
	"sync"

	"github.com/ryaker/zora/internal/event"
)

type (
	// Bus publishes task events to registered subscribers in a fan-out
	// pattern. Thread-safe; delivery is synchronous in the publisher's
	// goroutine and stops at the first subscriber error.
	Bus interface {
		Publish(ctx context.Context, e event.Event) error
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events.
	Subscriber interface {
		HandleEvent(ctx context.Context, e event.Event) error
	}

	// SubscriberFunc adapts a plain function to Subscriber.
	SubscriberFunc func(ctx context.Context, e event.Event) error

	// Subscription represents an active registration; Close is idempotent.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

func (f SubscriberFunc) HandleEvent(ctx context.Context, e event.Event) error { return f(ctx, e) }

// New constructs an in-memory, process-local event bus.
func New() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("eventbus: nil subscriber")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

func (b *bus) Publish(ctx context.Context, e event.Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}
