package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	_, err := bus.Register(sub)
	require.NoError(t, err)
	bus.Publish(ctx, NewTaskStartEvent("s1", "api-types", "define types", 0, ""))
	bus.Publish(ctx, NewTaskCompleteEvent("s1", "api-types", "", 0, "abc"))
	require.Equal(t, 2, count)
}

func TestBusRegisterNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	subscription, err := bus.Register(sub)
	require.NoError(t, err)
	bus.Publish(ctx, NewTaskStartEvent("s1", "api-types", "", 0, ""))
	require.NoError(t, subscription.Close())
	require.NoError(t, subscription.Close())
	bus.Publish(ctx, NewTaskCompleteEvent("s1", "api-types", "", 0, ""))
	require.Equal(t, 1, count)
}

func TestBusIsolatesFailingSubscriber(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var order []string
	_, err := bus.Register(SubscriberFunc(func(context.Context, Event) error {
		order = append(order, "failing")
		return errors.New("boom")
	}))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(context.Context, Event) error {
		order = append(order, "panicking")
		panic("boom")
	}))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(context.Context, Event) error {
		order = append(order, "healthy")
		return nil
	}))
	require.NoError(t, err)

	bus.Publish(ctx, NewSignalEvent("s1", "checkpoint", nil))
	require.Equal(t, []string{"failing", "panicking", "healthy"}, order)
}

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		_, err := bus.Register(SubscriberFunc(func(context.Context, Event) error {
			order = append(order, i)
			return nil
		}))
		require.NoError(t, err)
	}
	bus.Publish(ctx, NewSignalEvent("s1", "checkpoint", nil))
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestBusAssignsPerSessionSequence(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var seen []Event
	_, err := bus.Register(SubscriberFunc(func(_ context.Context, event Event) error {
		seen = append(seen, event)
		return nil
	}))
	require.NoError(t, err)

	bus.Publish(ctx, NewTaskStartEvent("s1", "a", "", 0, ""))
	bus.Publish(ctx, NewTaskStartEvent("s2", "b", "", 0, ""))
	bus.Publish(ctx, NewTaskCompleteEvent("s1", "a", "", 0, ""))
	bus.Publish(ctx, NewTaskCompleteEvent("s2", "b", "", 0, ""))

	require.Len(t, seen, 4)
	require.Equal(t, uint64(1), seen[0].Seq()) // s1 first
	require.Equal(t, uint64(1), seen[1].Seq()) // s2 first
	require.Equal(t, uint64(2), seen[2].Seq()) // s1 second
	require.Equal(t, uint64(2), seen[3].Seq()) // s2 second
}
