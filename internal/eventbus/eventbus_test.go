package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryaker/zora/internal/event"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := New()
	ctx := context.Background()

	count := 0
	sub := SubscriberFunc(func(_ context.Context, _ event.Event) error {
		count++
		return nil
	})
	_, err := bus.Register(sub)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, event.Event{Kind: event.KindText, Timestamp: time.Now()}))
	require.NoError(t, bus.Publish(ctx, event.Event{Kind: event.KindDone, Timestamp: time.Now()}))
	require.Equal(t, 2, count)
}

func TestBusRegisterNil(t *testing.T) {
	bus := New()
	_, err := bus.Register(nil)
	require.Error(t, err)
}

func TestSubscriptionClose(t *testing.T) {
	bus := New()
	ctx := context.Background()
	count := 0
	sub := SubscriberFunc(func(_ context.Context, _ event.Event) error {
		count++
		return nil
	})
	subscription, err := bus.Register(sub)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, event.Event{Kind: event.KindText}))
	require.NoError(t, subscription.Close())
	require.NoError(t, bus.Publish(ctx, event.Event{Kind: event.KindDone}))
	require.Equal(t, 1, count)

	// Close is idempotent.
	require.NoError(t, subscription.Close())
}

func TestBusPublishStopsAtFirstError(t *testing.T) {
	bus := New()
	ctx := context.Background()

	boom := errors.New("boom")
	var secondCalled bool
	_, err := bus.Register(SubscriberFunc(func(_ context.Context, _ event.Event) error {
		return boom
	}))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(_ context.Context, _ event.Event) error {
		secondCalled = true
		return nil
	}))
	require.NoError(t, err)

	err = bus.Publish(ctx, event.Event{Kind: event.KindText})
	require.ErrorIs(t, err, boom)
	// Fan-out order across a map isn't guaranteed, so secondCalled may or may
	// not run; the contract under test is only that the error propagates.
	_ = secondCalled
}
