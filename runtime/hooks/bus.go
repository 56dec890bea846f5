package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sunwell.dev/sunwell/runtime/telemetry"
)

type (
	// Bus publishes agent events to registered subscribers in a fan-out
	// pattern. The bus is thread-safe and supports concurrent Publish,
	// Register, and subscription Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine, in
	// subscriber registration order. A subscriber that returns an error or
	// panics is isolated: the failure is logged and the remaining
	// subscribers still receive the event. Observability must never halt
	// execution.
	//
	// Publish assigns each event its per-session monotonic sequence number
	// before delivery, establishing the total order consumers rely on.
	Bus interface {
		// Publish assigns the event's sequence number and delivers it to
		// every currently registered subscriber. The context is forwarded to
		// each subscriber's HandleEvent method.
		Publish(ctx context.Context, event Event)

		// Register adds a subscriber to the bus and returns a Subscription
		// that can be closed to unregister. Register returns an error if sub
		// is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events by implementing HandleEvent.
	// Subscribers receive all events in publish order until their
	// subscription is closed.
	//
	// An error returned from HandleEvent is logged by the bus and does not
	// affect delivery to other subscribers, so implementations should
	// reserve errors for genuinely unexpected conditions.
	Subscriber interface {
		// HandleEvent processes a single event. The context originates from
		// the Bus.Publish call and may carry deadlines or cancellation that
		// implementations should respect.
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Bus. Calling Close
	// removes the subscriber; Close is idempotent and always returns nil.
	Subscription interface {
		Close() error
	}

	// bus is the concrete Bus. Subscriptions are held in a slice to preserve
	// registration order across deliveries; per-session sequence counters
	// establish the event total order.
	bus struct {
		log telemetry.Logger

		mu   sync.Mutex
		subs []*subscription
		seqs map[string]uint64
	}

	// subscription is a registration handle. It holds a reference back to
	// the bus for removal and uses sync.Once for idempotent Close.
	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}

	// BusOption customizes bus construction.
	BusOption func(*bus)
)

// HandleEvent implements Subscriber by invoking the function.
func (fn SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return fn(ctx, event)
}

// WithBusLogger sets the logger used to report isolated subscriber failures.
// Defaults to a no-op logger.
func WithBusLogger(log telemetry.Logger) BusOption {
	return func(b *bus) { b.log = log }
}

// NewBus constructs an in-memory event bus. The returned bus is thread-safe
// and ready for immediate use.
//
// Typical usage:
//
//	bus := hooks.NewBus()
//	sub, _ := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
//	    fmt.Println(evt.Type())
//	    return nil
//	}))
//	defer sub.Close()
//
//	bus.Publish(ctx, hooks.NewTaskStartEvent(sessionID, "api-types", "define types", 0, ""))
func NewBus(opts ...BusOption) Bus {
	b := &bus{
		log:  telemetry.NewNoopLogger(),
		seqs: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish assigns the event's per-session sequence number, snapshots the
// subscriber list, and delivers outside the lock so subscribers may register
// or unregister during delivery without deadlocking. Failures are contained
// per subscriber.
func (b *bus) Publish(ctx context.Context, event Event) {
	if event == nil {
		return
	}
	b.mu.Lock()
	b.seqs[event.SessionID()]++
	if seq, ok := event.(interface{ setSeq(uint64) }); ok {
		seq.setSeq(b.seqs[event.SessionID()])
	}
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(ctx, s.sub, event)
	}
}

// deliver invokes one subscriber, converting panics into logged errors.
func (b *bus) deliver(ctx context.Context, sub Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(ctx, "event subscriber panicked",
				"event_type", string(event.Type()),
				"session_id", event.SessionID(),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	if err := sub.HandleEvent(ctx, event); err != nil {
		b.log.Error(ctx, "event subscriber failed",
			"event_type", string(event.Type()),
			"session_id", event.SessionID(),
			"err", err.Error(),
		)
	}
}

// Register adds a subscriber and returns its subscription handle. Thread-safe
// with concurrent Publish and Close calls.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus. Idempotent; after Close returns
// the subscriber receives no new events, though an in-flight Publish that
// already snapshotted the subscriber list may still deliver one.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for i, sub := range s.bus.subs {
			if sub == s {
				s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
