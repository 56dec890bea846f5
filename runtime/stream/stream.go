// Package stream carries the event stream out of the process. A Sink is one
// transport for encoded events; the NDJSON sink writes the wire form to any
// io.Writer (stdout for CLI consumers, a file for replay), and feature
// packages provide network-backed sinks with the same contract. Bridge
// subscribes a sink to the event bus so transports never touch bus
// mechanics.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"sunwell.dev/sunwell/runtime/hooks"
	"sunwell.dev/sunwell/runtime/telemetry"
)

type (
	// Sink delivers events to one transport. Send must be safe for
	// concurrent use; the bus delivers from whichever goroutine published.
	Sink interface {
		// Send delivers one event.
		Send(ctx context.Context, event hooks.Event) error
		// Close releases transport resources.
		Close(ctx context.Context) error
	}

	// Bridge forwards bus events to a sink. Delivery failures are logged
	// and counted, never propagated: a broken transport must not disturb
	// the run it is observing.
	Bridge struct {
		sink    Sink
		filter  func(hooks.Event) bool
		log     telemetry.Logger
		metrics telemetry.Metrics

		mu  sync.Mutex
		sub hooks.Subscription
	}

	// BridgeOption customizes a Bridge.
	BridgeOption func(*Bridge)
)

// WithFilter limits which events reach the sink. Events for which keep
// returns false are dropped silently.
func WithFilter(keep func(hooks.Event) bool) BridgeOption {
	return func(b *Bridge) { b.filter = keep }
}

// WithLogger sets the structured logger.
func WithLogger(log telemetry.Logger) BridgeOption {
	return func(b *Bridge) { b.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) BridgeOption {
	return func(b *Bridge) { b.metrics = m }
}

// Attach subscribes sink to the bus and returns the bridge owning the
// subscription. Closing the bridge detaches from the bus and closes the
// sink.
func Attach(bus hooks.Bus, sink Sink, opts ...BridgeOption) (*Bridge, error) {
	b := &Bridge{
		sink:    sink,
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	sub, err := bus.Register(b)
	if err != nil {
		return nil, err
	}
	b.sub = sub
	return b, nil
}

// HandleEvent implements hooks.Subscriber.
func (b *Bridge) HandleEvent(ctx context.Context, event hooks.Event) error {
	if b.filter != nil && !b.filter(event) {
		return nil
	}
	if err := b.sink.Send(ctx, event); err != nil {
		b.log.Warn(ctx, "stream: send failed",
			"event_type", string(event.Type()), "session_id", event.SessionID(), "error", err)
		b.metrics.IncCounter("stream_send_errors", 1, "event_type", string(event.Type()))
	}
	return nil
}

// Close detaches from the bus and closes the sink. Idempotent.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Close()
	if cerr := b.sink.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

// NDJSONSink writes one encoded event per line to an io.Writer. Lines are
// written with a single Write call each so line-oriented consumers never
// see a torn line from concurrent senders.
type NDJSONSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewNDJSONSink returns a sink writing to w.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{w: w}
}

// Send encodes the event and writes it as one line.
func (s *NDJSONSink) Send(_ context.Context, event hooks.Event) error {
	line, err := hooks.EncodeNDJSON(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(line, '\n'))
	return err
}

// Close closes the underlying writer when it is an io.Closer.
func (s *NDJSONSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// multiSink fans events out to several sinks.
type multiSink struct {
	sinks []Sink
}

// Multi returns a sink delivering every event to all of the given sinks.
// Send and Close try every sink and join the errors, so one broken
// transport does not starve the others.
func Multi(sinks ...Sink) Sink {
	return &multiSink{sinks: sinks}
}

func (m *multiSink) Send(ctx context.Context, event hooks.Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Send(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *multiSink) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
